package peer_test

import (
	"errors"
	"testing"

	"github.com/go-logr/logr"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/meshcall/internal/media"
	"github.com/mossy-p/meshcall/internal/peer"
	"github.com/mossy-p/meshcall/internal/peer/peertest"
)

func newTestRegistry(t *testing.T) (*peer.Registry, *peertest.Factory, webrtc.TrackLocal) {
	t.Helper()

	video, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "camera")
	require.NoError(t, err)

	factory := peertest.NewFactory()
	tracks := func() peer.Tracks { return peer.Tracks{Video: video} }
	return peer.NewRegistry(factory, tracks, nil, logr.Discard()), factory, video
}

func set(ids ...string) map[string]struct{} {
	out := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out
}

func TestRegistry_EnsureLinkIsIdempotent(t *testing.T) {
	r, factory, video := newTestRegistry(t)

	first, created, err := r.EnsureLink("bob")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, peer.StateNew, first.State())

	second, created, err := r.EnsureLink("bob")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Same(t, first, second)

	assert.Len(t, factory.Conns("bob"), 1)
	assert.Same(t, video, factory.Last("bob").VideoTrack())
}

func TestRegistry_CreationFailureLeavesNoEntry(t *testing.T) {
	r, factory, _ := newTestRegistry(t)
	factory.Fail["bob"] = errors.New("no codecs")

	_, _, err := r.EnsureLink("bob")
	assert.True(t, errors.Is(err, peer.ErrNegotiationFailure))
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_TeardownClosesConnection(t *testing.T) {
	r, factory, _ := newTestRegistry(t)

	link, _, err := r.EnsureLink("bob")
	require.NoError(t, err)
	link.RemoteScreenSharing = true

	assert.True(t, r.Teardown("bob"))
	assert.False(t, r.Teardown("bob"))
	assert.True(t, factory.Last("bob").Closed())
	assert.Equal(t, peer.StateClosed, link.State())
	assert.False(t, link.RemoteScreenSharing)

	_, ok := r.Get("bob")
	assert.False(t, ok)
}

func TestRegistry_ReconcileMatchesPresence(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	for _, id := range []string{"a", "b", "c"} {
		_, _, err := r.EnsureLink(id)
		require.NoError(t, err)
	}

	removed := r.Reconcile(set("a", "c", "d"))
	assert.Equal(t, []string{"b"}, removed)
	assert.Equal(t, []string{"a", "c"}, r.IDs(), "reconcile never creates links")

	removed = r.Reconcile(set())
	assert.Equal(t, []string{"a", "c"}, removed)
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_EarlyCandidatesHandedToNewLink(t *testing.T) {
	r, factory, _ := newTestRegistry(t)

	assert.True(t, r.BufferEarly("bob", webrtc.ICECandidateInit{Candidate: "c1"}))
	assert.True(t, r.BufferEarly("bob", webrtc.ICECandidateInit{Candidate: "c2"}))

	link, _, err := r.EnsureLink("bob")
	require.NoError(t, err)
	assert.Equal(t, 2, link.Pending())

	require.NoError(t, link.AddCandidate(webrtc.ICECandidateInit{Candidate: "c3"}))
	require.NoError(t, link.Transition(peer.StateOfferReceived))
	require.NoError(t, link.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer"}))

	var got []string
	for _, c := range factory.Last("bob").Candidates() {
		got = append(got, c.Candidate)
	}
	assert.Equal(t, []string{"c1", "c2", "c3"}, got)
	assert.Equal(t, 0, link.Pending())

	require.NoError(t, link.AddCandidate(webrtc.ICECandidateInit{Candidate: "c4"}))
	assert.Len(t, factory.Last("bob").Candidates(), 4)
}

func TestRegistry_EarlyQueueIsBounded(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	accepted := 0
	for i := 0; i < 100; i++ {
		if r.BufferEarly("bob", webrtc.ICECandidateInit{Candidate: "c"}) {
			accepted++
		}
	}
	assert.Equal(t, 64, accepted)
}

func TestRegistry_ReconcileDropsEarlyCandidatesOfDepartedPeers(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	r.Reconcile(set("gone"))
	r.BufferEarly("gone", webrtc.ICECandidateInit{Candidate: "c1"})

	r.Reconcile(set())

	link, _, err := r.EnsureLink("gone")
	require.NoError(t, err)
	assert.Equal(t, 0, link.Pending())
}

func TestRegistry_EarlyCandidatesSurviveUntilSenderIsPresent(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	r.Reconcile(set("alice"))

	// carol's candidate overtakes her presence record
	require.True(t, r.BufferEarly("carol", webrtc.ICECandidateInit{Candidate: "c1"}))
	assert.Empty(t, r.Reconcile(set("alice")))
	r.Reconcile(set("alice", "carol"))

	link, _, err := r.EnsureLink("carol")
	require.NoError(t, err)
	assert.Equal(t, 1, link.Pending())
}

func TestRegistry_CloseAllKeepsLocalTracks(t *testing.T) {
	r, factory, _ := newTestRegistry(t)

	stopped := false
	camera := media.NewStream(nil, nil, func() { stopped = true })

	for _, id := range []string{"a", "b"} {
		_, _, err := r.EnsureLink(id)
		require.NoError(t, err)
	}
	r.CloseAll()

	assert.Equal(t, 0, r.Len())
	for _, c := range factory.All() {
		assert.True(t, c.Closed())
	}
	assert.False(t, stopped)
	assert.True(t, camera.Live())
}

func TestLink_Transitions(t *testing.T) {
	tests := []struct {
		name string
		path []peer.State
		ok   bool
	}{
		{"offerer", []peer.State{peer.StateOfferSent, peer.StateConnected}, true},
		{"answerer", []peer.State{peer.StateOfferReceived, peer.StateAnswered, peer.StateConnected}, true},
		{"answer without offer", []peer.State{peer.StateAnswered}, false},
		{"offer sent then answered", []peer.State{peer.StateOfferSent, peer.StateAnswered}, false},
		{"close from anywhere", []peer.State{peer.StateOfferReceived, peer.StateClosed}, true},
		{"nothing after close", []peer.State{peer.StateClosed, peer.StateOfferSent}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _, _ := newTestRegistry(t)
			link, _, err := r.EnsureLink("bob")
			require.NoError(t, err)

			var last error
			for _, s := range tt.path {
				if last = link.Transition(s); last != nil {
					break
				}
			}
			if tt.ok {
				assert.NoError(t, last)
			} else {
				assert.True(t, errors.Is(last, peer.ErrInvalidTransition))
			}
		})
	}
}

func TestLink_MalformedRemoteDescription(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	link, _, err := r.EnsureLink("bob")
	require.NoError(t, err)

	err = link.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: peertest.MalformedSDP})
	assert.True(t, errors.Is(err, peer.ErrNegotiationFailure))
	assert.False(t, link.RemoteDescriptionSet())
}
