package main

import (
	"fmt"
	"io"
	"time"

	"github.com/omochice/socket-chat-client/internal/state"
	"github.com/omochice/socket-chat-client/pkg/protocol"
)

// renderer prints the parts of each snapshot that changed since the last
// one it saw.
type renderer struct {
	w        io.Writer
	seen     map[string]bool
	room     string
	rooms    int
	username string
}

func newRenderer(w io.Writer) *renderer {
	return &renderer{w: w, seen: make(map[string]bool)}
}

func (r *renderer) render(snap state.Snapshot) {
	if snap.Me.Username != "" && snap.Me.Username != r.username {
		r.username = snap.Me.Username
		fmt.Fprintf(r.w, "*** you are %s ***\n", r.username)
	}

	if len(snap.Rooms) != r.rooms {
		r.rooms = len(snap.Rooms)
		r.printRooms(snap.Rooms)
	}

	room := ""
	if snap.CurrentRoom != nil {
		room = snap.CurrentRoom.ID
	}
	if room != r.room {
		r.room = room
		r.seen = make(map[string]bool)
		if snap.CurrentRoom != nil {
			fmt.Fprintf(r.w, "=== %s ===\n", snap.CurrentRoom.Name)
		} else {
			fmt.Fprintln(r.w, "=== left the room ===")
		}
	}

	// Unseen messages ahead of the first seen one are a history page.
	firstSeen := -1
	for i, m := range snap.Messages {
		if r.seen[m.ID] {
			firstSeen = i
			break
		}
	}
	var older, newer []protocol.Message
	for i, m := range snap.Messages {
		if r.seen[m.ID] {
			continue
		}
		if i < firstSeen {
			older = append(older, m)
		} else {
			newer = append(newer, m)
		}
	}
	for _, m := range snap.Messages {
		r.seen[m.ID] = true
	}

	if len(older) > 0 {
		fmt.Fprintf(r.w, "--- %d older messages ---\n", len(older))
		for _, m := range older {
			fmt.Fprintln(r.w, formatMessage(m))
		}
		fmt.Fprintln(r.w, "---")
	}
	for _, m := range newer {
		fmt.Fprintln(r.w, formatMessage(m))
	}
}

func (r *renderer) printRooms(rooms []protocol.Room) {
	fmt.Fprintln(r.w, "rooms:")
	for _, room := range rooms {
		fmt.Fprintf(r.w, "  %-36s %s\n", room.ID, room.Name)
	}
}

func formatMessage(m protocol.Message) string {
	ts := time.UnixMilli(m.Timestamp).Format("15:04")
	if m.Kind.IsSystem() {
		return fmt.Sprintf("%s *** %s ***", ts, m.Text)
	}
	author := m.UserID
	if m.User != nil {
		author = m.User.Username
	}
	return fmt.Sprintf("%s [%s]: %s", ts, author, m.Text)
}
