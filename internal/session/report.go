package session

import (
	"sort"
	"time"

	"collabtext/internal/document"
	"collabtext/internal/ot"
	"collabtext/internal/presence"
	"collabtext/internal/transport"
)

type Report struct {
	GeneratedAt time.Time         `json:"generatedAt"`
	User        *User             `json:"user,omitempty"`
	CurrentRoom string            `json:"currentRoom,omitempty"`
	CurrentDoc  string            `json:"currentDocument,omitempty"`
	Rooms       []RoomReport      `json:"rooms"`
	Documents   []DocumentReport  `json:"documents"`
	Presence    []presence.Record `json:"presence"`
	Peers       []PeerReport      `json:"peers"`
	Queued      int               `json:"queued"`
}

type RoomReport struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	CreatorID    string    `json:"creatorId"`
	Members      []string  `json:"members"`
	Documents    []string  `json:"documents"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
}

type DocumentReport struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	RoomID        string    `json:"roomId,omitempty"`
	Version       int       `json:"version"`
	Length        int       `json:"length"`
	Digest        string    `json:"digest"`
	Collaborators []string  `json:"collaborators"`
	Operations    int       `json:"operations"`
	Acknowledged  int       `json:"acknowledged"`
	Pending       int       `json:"pending"`
	LastModified  time.Time `json:"lastModified"`
}

type PeerReport struct {
	UserID string              `json:"userId"`
	State  transport.LinkState `json:"state"`
}

// GenerateCollaborationReport summarizes the replica: rooms, documents with
// their digests, presence and peer link states.
func (m *Manager) GenerateCollaborationReport() Report {
	m.mu.Lock()
	rep := Report{
		GeneratedAt: m.now(),
		CurrentRoom: m.currentRoom,
		CurrentDoc:  m.currentDoc,
		Rooms:       make([]RoomReport, 0, len(m.rooms)),
		Documents:   make([]DocumentReport, 0, len(m.docs)),
	}
	self := ""
	if m.user != nil {
		u := *m.user
		rep.User = &u
		self = u.ID
	}
	peers := make(map[string]struct{})
	for _, r := range m.rooms {
		rr := RoomReport{
			ID:           r.id,
			Name:         r.name,
			CreatorID:    r.creatorID,
			Members:      make([]string, 0, len(r.members)),
			Documents:    make([]string, 0, len(r.documents)),
			CreatedAt:    r.createdAt,
			LastActivity: r.lastActivity,
		}
		for id := range r.members {
			rr.Members = append(rr.Members, id)
		}
		for id := range r.documents {
			rr.Documents = append(rr.Documents, id)
		}
		sort.Strings(rr.Members)
		sort.Strings(rr.Documents)
		rep.Rooms = append(rep.Rooms, rr)
		for _, id := range r.others(self) {
			peers[id] = struct{}{}
		}
	}
	docs := make([]*document.Document, 0, len(m.docs))
	for _, d := range m.docs {
		docs = append(docs, d)
	}
	docRoom := make(map[string]string, len(m.docRoom))
	for k, v := range m.docRoom {
		docRoom[k] = v
	}
	m.mu.Unlock()

	sort.Slice(rep.Rooms, func(i, j int) bool { return rep.Rooms[i].ID < rep.Rooms[j].ID })
	for _, d := range docs {
		rep.Documents = append(rep.Documents, documentReport(d, docRoom[d.ID()]))
	}
	sort.Slice(rep.Documents, func(i, j int) bool { return rep.Documents[i].ID < rep.Documents[j].ID })

	rep.Presence = m.presence.Records()
	for id := range peers {
		if link, ok := m.tr.PeerLink(id); ok {
			rep.Peers = append(rep.Peers, PeerReport{UserID: id, State: link.State()})
		}
	}
	sort.Slice(rep.Peers, func(i, j int) bool { return rep.Peers[i].UserID < rep.Peers[j].UserID })
	rep.Queued = m.queue.Len()
	return rep
}

func documentReport(d *document.Document, roomID string) DocumentReport {
	content := d.Content()
	ops := d.Operations()
	acked := 0
	for _, op := range ops {
		if op.State == ot.StateAcknowledged {
			acked++
		}
	}
	return DocumentReport{
		ID:            d.ID(),
		Name:          d.Name(),
		RoomID:        roomID,
		Version:       d.Version(),
		Length:        len([]rune(content)),
		Digest:        d.Digest(),
		Collaborators: d.Collaborators(),
		Operations:    len(ops),
		Acknowledged:  acked,
		Pending:       d.Pending(),
		LastModified:  d.LastModified(),
	}
}
