package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/meshcall/internal/models"
	"github.com/mossy-p/meshcall/internal/peer"
	"github.com/mossy-p/meshcall/internal/session"
)

type fakeController struct {
	pinned  []string
	shares  int
	chats   []string
	pinErr  error
	chatErr error
	view    session.View
}

func (f *fakeController) Pin(id string) (session.Spotlight, error) {
	if f.pinErr != nil {
		return session.Spotlight{}, f.pinErr
	}
	f.pinned = append(f.pinned, id)
	return session.Spotlight{Kind: session.SpotlightParticipant, ParticipantID: id}, nil
}

func (f *fakeController) ToggleScreenShare(context.Context) error {
	f.shares++
	return nil
}

func (f *fakeController) SendChat(text string) error {
	if f.chatErr != nil {
		return f.chatErr
	}
	f.chats = append(f.chats, text)
	return nil
}

func (f *fakeController) Snapshot() session.View { return f.view }

func TestExecute(t *testing.T) {
	ctx := context.Background()
	c := &fakeController{}
	var out bytes.Buffer

	assert.False(t, execute(ctx, c, "pin bob", &out))
	assert.False(t, execute(ctx, c, "share", &out))
	assert.False(t, execute(ctx, c, "chat hello there", &out))
	assert.False(t, execute(ctx, c, "pin", &out))
	assert.False(t, execute(ctx, c, "dance", &out))
	assert.True(t, execute(ctx, c, "leave", &out))

	assert.Equal(t, []string{"bob"}, c.pinned)
	assert.Equal(t, 1, c.shares)
	assert.Equal(t, []string{"hello there"}, c.chats)
	assert.Contains(t, out.String(), "usage: pin <id>")
	assert.Contains(t, out.String(), `unknown command "dance"`)
}

func TestExecute_ReportsErrors(t *testing.T) {
	c := &fakeController{pinErr: session.ErrUnknownParticipant, chatErr: session.ErrSessionClosed}
	var out bytes.Buffer

	execute(context.Background(), c, "pin carol", &out)
	execute(context.Background(), c, "chat hi", &out)

	assert.Contains(t, out.String(), "pin carol: unknown participant")
	assert.Contains(t, out.String(), "chat: session closed")
}

func TestExecute_Peers(t *testing.T) {
	c := &fakeController{view: session.View{
		Local: models.Participant{ID: "alice", DisplayName: "Alice", IsLocal: true},
		Peers: map[string]session.PeerView{
			"carol": {Participant: models.Participant{ID: "carol", DisplayName: "Carol"}, State: peer.StateOfferSent, Unreachable: true},
			"bob":   {Participant: models.Participant{ID: "bob", DisplayName: "Bob"}, State: peer.StateConnected, ScreenSharing: true},
		},
	}}
	var out bytes.Buffer
	execute(context.Background(), c, "peers", &out)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "Alice (you, alice)")
	assert.Contains(t, lines[1], "Bob (bob)")
	assert.Contains(t, lines[1], "sharing")
	assert.Contains(t, lines[2], "Carol (carol)")
	assert.Contains(t, lines[2], "unreachable")
}

func TestReadCommands_SkipsBlankLines(t *testing.T) {
	var got []string
	for line := range readCommands(strings.NewReader("peers\n\n  chat hi  \n")) {
		got = append(got, line)
	}
	assert.Equal(t, []string{"peers", "chat hi"}, got)
}
