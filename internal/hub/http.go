package hub

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"collabtext/internal/directory"
	"collabtext/internal/journal"
)

// Handler returns the hub's HTTP surface: the websocket endpoint, the room
// directory and a health check.
func (h *Hub) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/ws", h.serveWs)
	r.HandleFunc("/healthz", h.health).Methods(http.MethodGet)
	r.HandleFunc("/rooms", h.announceRoom).Methods(http.MethodPost)
	r.HandleFunc("/rooms/{id}", h.lookupRoom).Methods(http.MethodGet)
	r.HandleFunc("/rooms/{id}/members", h.addMember).Methods(http.MethodPost)
	r.HandleFunc("/rooms/{id}/members/{user}", h.removeMember).Methods(http.MethodDelete)
	return r
}

type healthResponse struct {
	Status  string `json:"status"`
	Clients int    `json:"clients"`
}

func (h *Hub) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Clients: h.Clients()})
}

func (h *Hub) announceRoom(w http.ResponseWriter, r *http.Request) {
	var info directory.RoomInfo
	if err := json.NewDecoder(r.Body).Decode(&info); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.dir.Announce(r.Context(), info); err != nil {
		h.directoryError(w, err)
		return
	}
	h.log.Info().Str("room", info.ID).Str("name", info.Name).Str("creator", info.CreatorID).Msg("room announced")
	h.record(r.Context(), journal.RoomEvent{Kind: journal.RoomAnnounced, RoomID: info.ID, UserID: info.CreatorID})
	writeJSON(w, http.StatusCreated, info)
}

func (h *Hub) lookupRoom(w http.ResponseWriter, r *http.Request) {
	info, err := h.dir.Lookup(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.directoryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

type memberRequest struct {
	UserID string `json:"userId"`
}

type memberResponse struct {
	Remaining int `json:"remaining"`
}

func (h *Hub) addMember(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["id"]
	var req memberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		http.Error(w, "missing userId", http.StatusBadRequest)
		return
	}
	if err := h.dir.AddMember(r.Context(), roomID, req.UserID); err != nil {
		h.directoryError(w, err)
		return
	}
	h.record(r.Context(), journal.RoomEvent{Kind: journal.MemberJoined, RoomID: roomID, UserID: req.UserID})
	w.WriteHeader(http.StatusNoContent)
}

func (h *Hub) removeMember(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	remaining, err := h.dir.RemoveMember(r.Context(), vars["id"], vars["user"])
	if err != nil {
		h.directoryError(w, err)
		return
	}
	h.record(r.Context(), journal.RoomEvent{Kind: journal.MemberLeft, RoomID: vars["id"], UserID: vars["user"]})
	if remaining == 0 {
		h.log.Info().Str("room", vars["id"]).Msg("room emptied")
	}
	writeJSON(w, http.StatusOK, memberResponse{Remaining: remaining})
}

func (h *Hub) directoryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, directory.ErrRoomNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, directory.ErrInvalidRoom):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		h.log.Error().Err(err).Msg("directory")
		http.Error(w, "directory unavailable", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
