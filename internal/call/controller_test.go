package call

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/peerline/internal/media"
	"github.com/petervdpas/peerline/internal/proto"
	"github.com/petervdpas/peerline/internal/session"
)

// fakeTransport records negotiation calls and lets tests fire callbacks.
type fakeTransport struct {
	mu           sync.Mutex
	cb           media.Callbacks
	remoteOffer  string
	remoteAnswer string
	candidates   []webrtc.ICECandidateInit
	micOn        bool
	closes       int
}

func (f *fakeTransport) Init(cb media.Callbacks) error {
	f.mu.Lock()
	f.cb = cb
	f.micOn = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) CreateOffer() (string, error)  { return "offer-sdp", nil }
func (f *fakeTransport) CreateAnswer() (string, error) { return "answer-sdp", nil }

func (f *fakeTransport) SetRemoteOffer(sdp string) error {
	f.mu.Lock()
	f.remoteOffer = sdp
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) SetRemoteAnswer(sdp string) error {
	f.mu.Lock()
	f.remoteAnswer = sdp
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) AddRemoteCandidate(c webrtc.ICECandidateInit) error {
	f.mu.Lock()
	f.candidates = append(f.candidates, c)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) SetMicEnabled(on bool) error {
	f.mu.Lock()
	f.micOn = on
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) SendChat([]byte) error       { return nil }
func (f *fakeTransport) DataChannelOpen() bool       { return false }
func (f *fakeTransport) SetChatHandler(func([]byte)) {}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closes++
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) callbacks() media.Callbacks {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cb
}

func (f *fakeTransport) gotRemoteOffer() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remoteOffer
}

func (f *fakeTransport) gotRemoteAnswer() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remoteAnswer
}

func (f *fakeTransport) candidateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.candidates)
}

func (f *fakeTransport) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

func newTestController(t *testing.T, store session.Store, uid string, tr media.Transport) *Controller {
	t.Helper()
	c, err := NewController(Config{
		UID:            uid,
		Nickname:       uid,
		Store:          store,
		NewTransport:   func() media.Transport { return tr },
		WaitingTimeout: -1,
	})
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	c.Start()
	t.Cleanup(c.Close)
	return c
}

func waitSnap(t *testing.T, c *Controller, what string, cond func(Snapshot) bool) Snapshot {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		s := c.Snapshot()
		if cond(s) {
			return s
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s; snapshot=%+v", what, c.Snapshot())
	return Snapshot{}
}

func waitTrue(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitingEntry(t *testing.T, store session.Store, uid string) session.WaitingEntry {
	t.Helper()
	var entry session.WaitingEntry
	waitTrue(t, "waiting entry for "+uid, func() bool {
		entries, err := store.ListWaiting(context.Background())
		if err != nil {
			return false
		}
		for _, e := range entries {
			if e.UID == uid {
				entry = e
				return true
			}
		}
		return false
	})
	return entry
}

func TestCallHandshake(t *testing.T) {
	store := session.NewMemoryStore()
	trA := &fakeTransport{}
	trB := &fakeTransport{}
	a := newTestController(t, store, "alice", trA)
	b := newTestController(t, store, "bob", trB)

	a.StartWaiting("practice talking")
	waitSnap(t, a, "alice waiting", func(s Snapshot) bool { return s.State == StateWaiting })
	entry := waitingEntry(t, store, "alice")
	if entry.Reason != "practice talking" {
		t.Fatalf("waiting reason = %q", entry.Reason)
	}

	b.AnswerCall(entry.SessionID, entry.UID, entry.Nickname)

	waitSnap(t, a, "alice in call", func(s Snapshot) bool {
		return s.State == StateInCall && s.PeerUID == "bob"
	})
	waitSnap(t, b, "bob in call", func(s Snapshot) bool {
		return s.State == StateInCall && s.PeerUID == "alice"
	})

	// Offer/answer flows through the store: bob applies alice's offer,
	// alice applies bob's answer, each exactly once.
	waitTrue(t, "bob received offer", func() bool { return trB.gotRemoteOffer() == "offer-sdp" })
	waitTrue(t, "alice received answer", func() bool { return trA.gotRemoteAnswer() == "answer-sdp" })

	// The waiting entry is gone once the call is live.
	waitTrue(t, "waiting entry removed", func() bool {
		entries, err := store.ListWaiting(context.Background())
		return err == nil && len(entries) == 0
	})

	// A local candidate from alice reaches bob but is never echoed back.
	mid := "0"
	idx := uint16(0)
	cand := webrtc.ICECandidateInit{Candidate: "cand-a", SDPMid: &mid, SDPMLineIndex: &idx}
	trA.callbacks().OnLocalCandidate(cand)
	waitTrue(t, "bob got candidate", func() bool { return trB.candidateCount() == 1 })

	// Replaying the same candidate is suppressed by both sides.
	trA.callbacks().OnLocalCandidate(cand)
	time.Sleep(50 * time.Millisecond)
	if n := trB.candidateCount(); n != 1 {
		t.Fatalf("duplicate candidate applied, count = %d", n)
	}
	if n := trA.candidateCount(); n != 0 {
		t.Fatalf("own candidate echoed back, count = %d", n)
	}

	// Chat request is sticky and idempotent; connection makes it usable.
	b.RequestChat()
	b.RequestChat()
	waitSnap(t, b, "chat requested", func(s Snapshot) bool { return s.ChatRequested })
	trB.callbacks().OnRemoteAudio()
	waitSnap(t, b, "chat connected via audio", func(s Snapshot) bool { return s.ChatConnected })
	trA.callbacks().OnConnectionState(proto.ConnConnected)
	waitSnap(t, a, "chat connected via transport", func(s Snapshot) bool {
		return s.ChatConnected && s.ConnStatus == proto.ConnConnected
	})

	// Mic toggling goes through the transport.
	a.SetMicEnabled(false)
	waitSnap(t, a, "mic muted", func(s Snapshot) bool { return !s.MicEnabled })

	// Backgrounding keeps the call alive.
	a.EnterBackground()
	waitSnap(t, a, "backgrounded", func(s Snapshot) bool { return s.State == StateBackground })
	a.EnterForeground()
	waitSnap(t, a, "foregrounded", func(s Snapshot) bool { return s.State == StateInCall })

	// Hanging up returns alice to idle and ends bob's call remotely.
	a.EndCall()
	waitSnap(t, a, "alice idle", func(s Snapshot) bool { return s.State == StateIdle })
	waitSnap(t, b, "bob idle after remote hangup", func(s Snapshot) bool { return s.State == StateIdle })

	waitTrue(t, "transports closed once", func() bool {
		return trA.closeCount() == 1 && trB.closeCount() == 1
	})
}

// flakyStore fails the first candidateFailures AddCandidate calls, then
// delegates to the wrapped store.
type flakyStore struct {
	session.Store
	mu                sync.Mutex
	candidateFailures int
}

func (s *flakyStore) AddCandidate(ctx context.Context, id string, c session.Candidate) error {
	s.mu.Lock()
	if s.candidateFailures > 0 {
		s.candidateFailures--
		s.mu.Unlock()
		return errors.New("transient network error")
	}
	s.mu.Unlock()
	return s.Store.AddCandidate(ctx, id, c)
}

func TestStoreErrorClearedOnNextSuccess(t *testing.T) {
	base := session.NewMemoryStore()
	store := &flakyStore{Store: base, candidateFailures: 1}
	trA := &fakeTransport{}
	a := newTestController(t, store, "alice", trA)

	a.StartWaiting("")
	waitSnap(t, a, "waiting", func(s Snapshot) bool { return s.State == StateWaiting })
	sessID := a.Snapshot().SessionID

	ctx := context.Background()
	if _, err := base.ClaimSession(ctx, sessID, "bob"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	waitSnap(t, a, "in call", func(s Snapshot) bool { return s.State == StateInCall })

	// Let the offer land first so the candidate writes are the only store
	// traffic left.
	waitTrue(t, "offer stored", func() bool {
		doc, err := base.GetSession(ctx, sessID)
		return err == nil && doc.OfferSDP != ""
	})

	mid := "0"
	idx := uint16(0)
	trA.callbacks().OnLocalCandidate(webrtc.ICECandidateInit{
		Candidate: "cand-1", SDPMid: &mid, SDPMLineIndex: &idx,
	})
	waitSnap(t, a, "store error surfaced", func(s Snapshot) bool { return s.LastError != "" })
	if s := a.Snapshot(); s.State != StateInCall {
		t.Fatalf("store failure changed state to %s", s.State)
	}

	// The next successful write clears the error.
	trA.callbacks().OnLocalCandidate(webrtc.ICECandidateInit{
		Candidate: "cand-2", SDPMid: &mid, SDPMLineIndex: &idx,
	})
	waitSnap(t, a, "store error cleared", func(s Snapshot) bool { return s.LastError == "" })

	doc, err := base.GetSession(ctx, sessID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if len(doc.Candidates) != 1 || doc.Candidates[0].Candidate != "cand-2" {
		t.Fatalf("stored candidates = %+v", doc.Candidates)
	}
}

// dropRingingStore hides ringing snapshots, standing in for a watcher that
// lagged past the claim and first observes a later document state.
type dropRingingStore struct {
	session.Store
}

func (s *dropRingingStore) WatchSession(ctx context.Context, id string) (<-chan session.CallSession, func(), error) {
	ch, cancel, err := s.Store.WatchSession(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	out := make(chan session.CallSession, 32)
	go func() {
		defer close(out)
		for doc := range ch {
			if doc.Status == proto.StatusRinging {
				continue
			}
			out <- doc
		}
	}()
	return out, cancel, nil
}

func TestEndedWhileWaitingReturnsToIdle(t *testing.T) {
	base := session.NewMemoryStore()
	store := &dropRingingStore{Store: base}
	trA := &fakeTransport{}
	a := newTestController(t, store, "alice", trA)

	a.StartWaiting("")
	waitSnap(t, a, "waiting", func(s Snapshot) bool { return s.State == StateWaiting })
	sessID := a.Snapshot().SessionID

	// The claim is never observed; the first snapshot that gets through is
	// the terminal one.
	ctx := context.Background()
	if _, err := base.ClaimSession(ctx, sessID, "bob"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := base.SetStatus(ctx, sessID, proto.StatusEnded); err != nil {
		t.Fatalf("set status: %v", err)
	}

	waitSnap(t, a, "idle after ended session", func(s Snapshot) bool { return s.State == StateIdle })
	if a.Transport() != nil {
		t.Fatal("transport initialized against an ended session")
	}
	waitTrue(t, "waiting entry removed", func() bool {
		entries, err := base.ListWaiting(ctx)
		return err == nil && len(entries) == 0
	})
}

func TestAnswerLostClaimFallsBackToIdle(t *testing.T) {
	store := session.NewMemoryStore()
	if err := store.CreateSession(context.Background(), session.CallSession{
		ID:     "sess-1",
		UserA:  "alice",
		Status: proto.StatusWaiting,
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	b := newTestController(t, store, "bob", &fakeTransport{})
	c := newTestController(t, store, "carol", &fakeTransport{})

	b.AnswerCall("sess-1", "alice", "alice")
	c.AnswerCall("sess-1", "alice", "alice")

	// Exactly one controller keeps the call; the loser lands on idle with
	// an explanation.
	waitTrue(t, "claim race settled", func() bool {
		sb, sc := b.Snapshot(), c.Snapshot()
		win := 0
		lose := 0
		for _, s := range []Snapshot{sb, sc} {
			if s.State == StateInCall {
				win++
			}
			if s.State == StateIdle && s.TimeoutMessage != "" {
				lose++
			}
		}
		return win == 1 && lose == 1
	})
}

func TestAnswerMissingSession(t *testing.T) {
	store := session.NewMemoryStore()
	b := newTestController(t, store, "bob", &fakeTransport{})

	b.AnswerCall("missing", "alice", "alice")
	waitSnap(t, b, "fallback to idle", func(s Snapshot) bool {
		return s.State == StateIdle && s.TimeoutMessage != ""
	})
}

func TestCancelWaitingCleansStore(t *testing.T) {
	store := session.NewMemoryStore()
	a := newTestController(t, store, "alice", &fakeTransport{})

	a.StartWaiting("")
	snap := waitSnap(t, a, "waiting", func(s Snapshot) bool { return s.State == StateWaiting })
	waitingEntry(t, store, "alice")

	a.CancelWaiting()
	waitSnap(t, a, "idle after cancel", func(s Snapshot) bool { return s.State == StateIdle })

	waitTrue(t, "waiting entry removed", func() bool {
		entries, err := store.ListWaiting(context.Background())
		return err == nil && len(entries) == 0
	})
	waitTrue(t, "waiting session removed", func() bool {
		_, err := store.GetSession(context.Background(), snap.SessionID)
		return errors.Is(err, session.ErrNotFound)
	})
}

func TestWaitingTimeout(t *testing.T) {
	store := session.NewMemoryStore()
	tr := &fakeTransport{}
	c, err := NewController(Config{
		UID:            "alice",
		Nickname:       "alice",
		Store:          store,
		NewTransport:   func() media.Transport { return tr },
		WaitingTimeout: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	c.Start()
	t.Cleanup(c.Close)

	c.StartWaiting("")
	waitSnap(t, c, "timed out to idle", func(s Snapshot) bool {
		return s.State == StateIdle && s.TimeoutMessage == TimeoutNoAnswer
	})
	waitTrue(t, "waiting entry removed", func() bool {
		entries, err := store.ListWaiting(context.Background())
		return err == nil && len(entries) == 0
	})
}

func TestRequestChatIgnoredOutsideCall(t *testing.T) {
	store := session.NewMemoryStore()
	c := newTestController(t, store, "alice", &fakeTransport{})

	c.RequestChat()
	time.Sleep(50 * time.Millisecond)
	if c.Snapshot().ChatRequested {
		t.Fatal("chat requested while idle")
	}
}

func TestAttachDeliversSnapshots(t *testing.T) {
	store := session.NewMemoryStore()
	c := newTestController(t, store, "alice", &fakeTransport{})

	ch, cancel := c.Attach()
	defer cancel()

	// The current snapshot arrives first.
	select {
	case s := <-ch:
		if s.State != StateIdle {
			t.Fatalf("initial snapshot state = %s", s.State)
		}
	case <-time.After(time.Second):
		t.Fatal("no initial snapshot")
	}

	c.StartWaiting("")
	deadline := time.After(2 * time.Second)
	for {
		select {
		case s := <-ch:
			if s.State == StateWaiting {
				return
			}
		case <-deadline:
			t.Fatal("never observed waiting snapshot")
		}
	}
}
