package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/petervdpas/peerline/internal/proto"
)

// MemoryStore is an in-process Store with the same snapshot semantics as
// MongoStore: every session mutation fans a full-document copy out to all
// watchers of that session. It backs the controller tests and the CLI's
// loopback demo, where both peers live in one process.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*CallSession
	waiting  map[string]WaitingEntry
	watchers map[string]map[chan CallSession]struct{}
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*CallSession),
		waiting:  make(map[string]WaitingEntry),
		watchers: make(map[string]map[chan CallSession]struct{}),
	}
}

func (s *MemoryStore) CreateSession(_ context.Context, c CallSession) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	cp := c
	s.sessions[c.ID] = &cp
	s.notifyLocked(c.ID)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) GetSession(_ context.Context, id string) (CallSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.sessions[id]
	if !ok {
		return CallSession{}, ErrNotFound
	}
	return snapshotLocked(c), nil
}

func (s *MemoryStore) ClaimSession(_ context.Context, id, uid string) (CallSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.sessions[id]
	if !ok {
		return CallSession{}, ErrNotFound
	}
	if c.Status != proto.StatusWaiting || c.UserB != "" {
		return CallSession{}, ErrAlreadyClaimed
	}
	c.UserB = uid
	c.Status = proto.StatusRinging
	s.notifyLocked(id)
	return snapshotLocked(c), nil
}

func (s *MemoryStore) SetOffer(_ context.Context, id, sdp string) error {
	return s.mutate(id, func(c *CallSession) {
		c.OfferSDP = sdp
	})
}

func (s *MemoryStore) SetAnswer(_ context.Context, id, sdp string) error {
	return s.mutate(id, func(c *CallSession) {
		c.AnswerSDP = sdp
		c.Status = proto.StatusConnected
	})
}

func (s *MemoryStore) SetStatus(_ context.Context, id, status string) error {
	return s.mutate(id, func(c *CallSession) {
		c.Status = status
	})
}

func (s *MemoryStore) AddCandidate(_ context.Context, id string, cand Candidate) error {
	return s.mutate(id, func(c *CallSession) {
		c.Candidates = append(c.Candidates, cand)
	})
}

func (s *MemoryStore) mutate(id string, fn func(*CallSession)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	fn(c)
	s.notifyLocked(id)
	return nil
}

func (s *MemoryStore) DeleteSession(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) DeleteWaitingSessions(_ context.Context, uid string) error {
	s.mu.Lock()
	for id, c := range s.sessions {
		if c.UserA == uid && c.Status == proto.StatusWaiting {
			delete(s.sessions, id)
		}
	}
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) PutWaiting(_ context.Context, entry WaitingEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	s.waiting[entry.UID] = entry
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) DeleteWaiting(_ context.Context, uid string) error {
	s.mu.Lock()
	delete(s.waiting, uid)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) ListWaiting(_ context.Context) ([]WaitingEntry, error) {
	s.mu.RLock()
	entries := make([]WaitingEntry, 0, len(s.waiting))
	for _, e := range s.waiting {
		entries = append(entries, e)
	}
	s.mu.RUnlock()
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
	return entries, nil
}

func (s *MemoryStore) WatchSession(ctx context.Context, id string) (<-chan CallSession, func(), error) {
	ch := make(chan CallSession, 32)

	s.mu.Lock()
	subs, ok := s.watchers[id]
	if !ok {
		subs = make(map[chan CallSession]struct{})
		s.watchers[id] = subs
	}
	subs[ch] = struct{}{}
	// Deliver the current state immediately, if the document exists, so a
	// watcher attached after creation still sees it.
	if c, ok := s.sessions[id]; ok {
		ch <- snapshotLocked(c)
	}
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		if _, ok := subs[ch]; ok {
			delete(subs, ch)
			close(ch)
		}
		if len(subs) == 0 {
			delete(s.watchers, id)
		}
		s.mu.Unlock()
	}

	// A cancelled caller context tears the watch down as well.
	if done := ctx.Done(); done != nil {
		stop := make(chan struct{})
		var once sync.Once
		inner := cancel
		cancel = func() {
			once.Do(func() { close(stop) })
			inner()
		}
		go func() {
			select {
			case <-done:
				inner()
			case <-stop:
			}
		}()
	}
	return ch, cancel, nil
}

// notifyLocked fans the current full document out to every watcher.
// Callers hold s.mu.
func (s *MemoryStore) notifyLocked(id string) {
	c, ok := s.sessions[id]
	if !ok {
		return
	}
	snap := snapshotLocked(c)
	for ch := range s.watchers[id] {
		select {
		case ch <- snap:
		default:
			// Watcher buffer full; it will re-derive from a later snapshot.
		}
	}
}

func snapshotLocked(c *CallSession) CallSession {
	cp := *c
	cp.Candidates = make([]Candidate, len(c.Candidates))
	copy(cp.Candidates, c.Candidates)
	return cp
}

func (s *MemoryStore) Close(context.Context) error {
	s.mu.Lock()
	for _, subs := range s.watchers {
		for ch := range subs {
			close(ch)
		}
	}
	s.watchers = make(map[string]map[chan CallSession]struct{})
	s.mu.Unlock()
	return nil
}
