// Package console is the agent's line-oriented command interpreter. Each
// line is one command acting on a session.
package console

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"collabtext/internal/events"
	"collabtext/internal/ot"
	"collabtext/internal/presence"
	"collabtext/internal/session"
)

var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrNoDocument     = errors.New("no document open")
)

const help = `commands:
  doc <name> [content]          create a shared document and open it
  open <docID>                  open a document
  show                          print the open document
  insert <pos> <text>           insert text; quote it to keep spaces, e.g. " world"
  delete <pos> <len>            delete a range
  replace <pos> <len> <text>    replace a range
  cursor <x> <y>                move your cursor
  select <start> <end>          select a range
  peer <user>                   open a direct link to a user
  say <user> <text>             send a direct message
  voice | video | screen        share media with the room
  report                        print the collaboration report
  leave                         leave the current room
  quit                          exit`

type Console struct {
	m   *session.Manager
	out io.Writer
	log zerolog.Logger
}

func New(m *session.Manager, out io.Writer, log zerolog.Logger) *Console {
	return &Console{m: m, out: out, log: log.With().Str("component", "console").Logger()}
}

// Run executes lines from in until quit, EOF or ctx is done.
func (c *Console) Run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
		close(lines)
	}()

	c.prompt()
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return <-scanErr
			}
			quit, err := c.Exec(ctx, line)
			if err != nil {
				fmt.Fprintf(c.out, "error: %v\n", err)
			}
			if quit {
				return nil
			}
			c.prompt()
		}
	}
}

func (c *Console) prompt() {
	fmt.Fprint(c.out, "> ")
}

// Exec runs one command line. It reports whether the line asked to quit.
func (c *Console) Exec(ctx context.Context, line string) (bool, error) {
	cmd, rest := next(line)
	if cmd == "" {
		return false, nil
	}
	c.log.Debug().Str("command", cmd).Msg("exec")
	switch cmd {
	case "help", "?":
		fmt.Fprintln(c.out, help)
	case "quit", "exit":
		return true, nil
	case "doc":
		name, content := next(rest)
		content = unquote(content)
		if name == "" {
			return false, usage("doc <name> [content]")
		}
		id, err := c.m.CreateSharedDocument(ctx, name, content, "text")
		if err != nil {
			return false, err
		}
		fmt.Fprintf(c.out, "document %s created\n", id)
	case "open":
		id, _ := next(rest)
		if id == "" {
			return false, usage("open <docID>")
		}
		if err := c.m.OpenDocument(id); err != nil {
			return false, err
		}
		return false, c.show()
	case "show":
		return false, c.show()
	case "insert":
		ints, text, err := parseInts(rest, 1)
		text = unquote(text)
		if err != nil || text == "" {
			return false, usage("insert <pos> <text>")
		}
		return false, c.edit(ctx, ot.NewInsert(ints[0], text))
	case "delete":
		ints, _, err := parseInts(rest, 2)
		if err != nil {
			return false, usage("delete <pos> <len>")
		}
		return false, c.edit(ctx, ot.NewDelete(ints[0], ints[1]))
	case "replace":
		ints, text, err := parseInts(rest, 2)
		text = unquote(text)
		if err != nil {
			return false, usage("replace <pos> <len> <text>")
		}
		return false, c.edit(ctx, ot.NewReplace(ints[0], ints[1], text))
	case "cursor":
		ints, _, err := parseInts(rest, 2)
		if err != nil {
			return false, usage("cursor <x> <y>")
		}
		doc, err := c.current()
		if err != nil {
			return false, err
		}
		return false, c.m.UpdateCursor(ctx, doc, presence.Cursor{X: ints[0], Y: ints[1]})
	case "select":
		ints, _, err := parseInts(rest, 2)
		if err != nil {
			return false, usage("select <start> <end>")
		}
		doc, err := c.current()
		if err != nil {
			return false, err
		}
		return false, c.m.UpdateSelection(ctx, doc, presence.Selection{Start: ints[0], End: ints[1]})
	case "peer":
		user, _ := next(rest)
		if user == "" {
			return false, usage("peer <user>")
		}
		if _, err := c.m.CreatePeerConnection(ctx, user, nil); err != nil {
			return false, err
		}
		fmt.Fprintf(c.out, "connecting to %s\n", user)
	case "say":
		user, text := next(rest)
		if user == "" || text == "" {
			return false, usage("say <user> <text>")
		}
		return false, c.m.SendText(ctx, user, text)
	case "voice", "video", "screen":
		if err := c.m.StartMedia(ctx, session.MediaKind(cmd)); err != nil {
			return false, err
		}
		fmt.Fprintf(c.out, "%s shared\n", cmd)
	case "report":
		data, err := json.MarshalIndent(c.m.GenerateCollaborationReport(), "", "  ")
		if err != nil {
			return false, err
		}
		fmt.Fprintln(c.out, string(data))
	case "leave":
		if err := c.m.LeaveRoom(ctx, ""); err != nil {
			return false, err
		}
		fmt.Fprintln(c.out, "left room")
	default:
		return false, fmt.Errorf("%w: %s (try help)", ErrUnknownCommand, cmd)
	}
	return false, nil
}

func (c *Console) current() (string, error) {
	doc, ok := c.m.GetCurrentDocument()
	if !ok {
		return "", ErrNoDocument
	}
	return doc.ID(), nil
}

func (c *Console) edit(ctx context.Context, op ot.Operation) error {
	doc, err := c.current()
	if err != nil {
		return err
	}
	if _, err := c.m.EditDocument(ctx, doc, op); err != nil {
		return err
	}
	return c.show()
}

func (c *Console) show() error {
	doc, ok := c.m.GetCurrentDocument()
	if !ok {
		return ErrNoDocument
	}
	fmt.Fprintf(c.out, "%s v%d: %q\n", doc.Name(), doc.Version(), doc.Content())
	return nil
}

// Watch prints every session event to the console's output until the
// returned function is called.
func (c *Console) Watch() (stop func()) {
	return c.m.Events().Subscribe("", func(ev events.Event) error {
		_, err := fmt.Fprintln(c.out, Describe(ev))
		return err
	})
}

// Describe renders an event as one line.
func Describe(ev events.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s]", ev.Type)
	if ev.UserID != "" {
		fmt.Fprintf(&b, " user=%s", ev.UserID)
	}
	if ev.RoomID != "" {
		fmt.Fprintf(&b, " room=%s", ev.RoomID)
	}
	if ev.DocID != "" {
		fmt.Fprintf(&b, " doc=%s", ev.DocID)
	}
	switch d := ev.Data.(type) {
	case ot.Operation:
		fmt.Fprintf(&b, " op=%s %s@%d", d.ID, d.Kind, d.Position)
	case presence.Cursor:
		fmt.Fprintf(&b, " cursor=%d,%d", d.X, d.Y)
	case presence.Selection:
		fmt.Fprintf(&b, " selection=%d-%d", d.Start, d.End)
	case ot.OpID:
		fmt.Fprintf(&b, " op=%s", d)
	case string:
		if d != "" {
			fmt.Fprintf(&b, " %q", d)
		}
	}
	return b.String()
}

func usage(s string) error {
	return fmt.Errorf("usage: %s", s)
}

// next splits off the first space separated word of s.
func next(s string) (word, rest string) {
	s = strings.TrimSpace(s)
	i := strings.IndexAny(s, " \t")
	if i < 0 {
		return s, ""
	}
	return s[:i], strings.TrimLeft(s[i+1:], " \t")
}

// unquote accepts Go-quoted text so leading spaces can be typed.
func unquote(s string) string {
	if strings.HasPrefix(s, `"`) {
		if u, err := strconv.Unquote(s); err == nil {
			return u
		}
	}
	return s
}

// parseInts reads n integers off the front of s and returns what is left.
func parseInts(s string, n int) ([]int, string, error) {
	out := make([]int, 0, n)
	for i := 0; i < n; i++ {
		var word string
		word, s = next(s)
		v, err := strconv.Atoi(word)
		if err != nil {
			return nil, "", err
		}
		out = append(out, v)
	}
	return out, s, nil
}
