package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/omochice/socket-chat-client/internal/state"
	"github.com/omochice/socket-chat-client/pkg/protocol"
)

func TestRenderer_PrintsOnlyNewLines(t *testing.T) {
	var buf bytes.Buffer
	r := newRenderer(&buf)
	room := &protocol.Room{ID: "r1", Name: "general"}
	bob := &protocol.User{ID: "u2", Username: "bob"}

	r.render(state.Snapshot{
		Me:          protocol.User{ID: "u1", Username: "alice"},
		CurrentRoom: room,
		Messages:    []protocol.Message{{ID: "m1", User: bob, Text: "hi"}},
	})
	r.render(state.Snapshot{
		Me:          protocol.User{ID: "u1", Username: "alice"},
		CurrentRoom: room,
		Messages: []protocol.Message{
			{ID: "p1", User: bob, Text: "earlier"},
			{ID: "m1", User: bob, Text: "hi"},
			{ID: "m2", Text: "bob left chat", Kind: protocol.MessageKindOtherLeft},
		},
	})

	out := buf.String()
	assert.Equal(t, 1, strings.Count(out, "[bob]: hi"))
	assert.Contains(t, out, "*** you are alice ***")
	assert.Contains(t, out, "=== general ===")
	assert.Contains(t, out, "--- 1 older messages ---")
	assert.Contains(t, out, "[bob]: earlier")
	assert.Contains(t, out, "*** bob left chat ***")
	assert.Less(t, strings.Index(out, "earlier"), strings.Index(out, "bob left chat"))
}

func TestRenderer_RoomChangeResetsHistory(t *testing.T) {
	var buf bytes.Buffer
	r := newRenderer(&buf)
	msgs := []protocol.Message{{ID: "m1", UserID: "u2", Text: "hi"}}

	r.render(state.Snapshot{CurrentRoom: &protocol.Room{ID: "r1", Name: "general"}, Messages: msgs})
	r.render(state.Snapshot{})
	r.render(state.Snapshot{CurrentRoom: &protocol.Room{ID: "r1", Name: "general"}, Messages: msgs})

	out := buf.String()
	assert.Equal(t, 2, strings.Count(out, "[u2]: hi"))
	assert.Contains(t, out, "=== left the room ===")
}
