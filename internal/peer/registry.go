package peer

import (
	"fmt"
	"sort"

	"github.com/go-logr/logr"
	"github.com/pion/webrtc/v4"
)

// maxEarlyCandidates bounds the per-id queue of candidates that arrive before
// the link they belong to exists.
const maxEarlyCandidates = 64

// Registry maps remote participant ids to links. It is owned by the session's
// event loop and is not safe for concurrent use.
type Registry struct {
	factory Factory
	tracks  func() Tracks
	events  func(participantID string) Events
	log     logr.Logger

	links map[string]*Link
	early map[string][]webrtc.ICECandidateInit
	// seen holds ids that have appeared in a reconciled presence set.
	seen map[string]struct{}
}

// NewRegistry creates a registry. tracks is consulted on every link creation
// so new links always carry the currently active outgoing source; events
// builds the callbacks for a new connection.
func NewRegistry(factory Factory, tracks func() Tracks, events func(participantID string) Events, log logr.Logger) *Registry {
	return &Registry{
		factory: factory,
		tracks:  tracks,
		events:  events,
		log:     log,
		links:   make(map[string]*Link),
		early:   make(map[string][]webrtc.ICECandidateInit),
		seen:    make(map[string]struct{}),
	}
}

// EnsureLink returns the link for id, creating it if needed. created reports
// whether a new link was made. On error no entry is left behind.
func (r *Registry) EnsureLink(id string) (link *Link, created bool, err error) {
	if l, ok := r.links[id]; ok {
		return l, false, nil
	}

	var events Events
	if r.events != nil {
		events = r.events(id)
	}
	var tracks Tracks
	if r.tracks != nil {
		tracks = r.tracks()
	}

	conn, err := r.factory.NewConnection(id, tracks, events)
	if err != nil {
		return nil, false, fmt.Errorf("%w: create connection for %s: %v", ErrNegotiationFailure, id, err)
	}

	l := newLink(id, conn)
	l.pending = r.early[id]
	delete(r.early, id)

	r.links[id] = l
	r.log.V(1).Info("Link created", "peer", id, "buffered", len(l.pending))
	return l, true, nil
}

// Teardown closes and removes the link for id. It reports whether a link
// existed. Local tracks are never stopped here.
func (r *Registry) Teardown(id string) bool {
	delete(r.early, id)

	l, ok := r.links[id]
	if !ok {
		return false
	}
	delete(r.links, id)

	if err := l.close(); err != nil {
		r.log.Error(err, "Failed to close connection", "peer", id)
	}
	r.log.V(1).Info("Link torn down", "peer", id)
	return true
}

// Reconcile tears down every link whose id is not in present and returns the
// removed ids in sorted order. It never creates links. Early candidate
// queues are dropped only for ids that were present and have left.
func (r *Registry) Reconcile(present map[string]struct{}) []string {
	var removed []string
	for id := range r.links {
		if _, ok := present[id]; !ok {
			removed = append(removed, id)
		}
	}
	// Candidates can arrive before the sender shows up in presence, so only
	// queues of participants that were present and have since left are dropped.
	for id := range r.seen {
		if _, ok := present[id]; !ok {
			delete(r.seen, id)
			delete(r.early, id)
		}
	}
	for id := range present {
		r.seen[id] = struct{}{}
	}

	sort.Strings(removed)
	for _, id := range removed {
		r.Teardown(id)
	}
	return removed
}

// BufferEarly queues a candidate for a participant without a link. The
// queue is handed to the link when it is created.
func (r *Registry) BufferEarly(id string, c webrtc.ICECandidateInit) bool {
	if len(r.early[id]) >= maxEarlyCandidates {
		return false
	}
	r.early[id] = append(r.early[id], c)
	return true
}

func (r *Registry) Get(id string) (*Link, bool) {
	l, ok := r.links[id]
	return l, ok
}

// IDs returns the linked participant ids in sorted order.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.links))
	for id := range r.links {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) Len() int {
	return len(r.links)
}

// Each calls fn for every link in id order.
func (r *Registry) Each(fn func(*Link)) {
	for _, id := range r.IDs() {
		fn(r.links[id])
	}
}

// CloseAll tears down every link.
func (r *Registry) CloseAll() {
	for _, id := range r.IDs() {
		r.Teardown(id)
	}
	r.early = make(map[string][]webrtc.ICECandidateInit)
	r.seen = make(map[string]struct{})
}
