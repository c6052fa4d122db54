// Package call implements the call session controller: a single-goroutine
// state machine that matches two users through the remote session store,
// negotiates a media transport between them, and exposes its progress as
// observable snapshots.
package call

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/peerline/internal/media"
	"github.com/petervdpas/peerline/internal/proto"
	"github.com/petervdpas/peerline/internal/session"
)

const (
	roleCreator = "creator"
	roleJoiner  = "joiner"

	// storeOpTimeout bounds every fire-and-forget store write.
	storeOpTimeout = 10 * time.Second

	// DefaultWaitingTimeout is how long a wait runs before it is abandoned
	// when the config does not say otherwise.
	DefaultWaitingTimeout = 2 * time.Minute
)

// TimeoutNoAnswer is the message set when a wait expires unanswered.
const TimeoutNoAnswer = "nobody answered, try again later"

// Config assembles a Controller.
type Config struct {
	UID      string
	Nickname string
	Store    session.Store

	// NewTransport builds a fresh media transport per call.
	NewTransport func() media.Transport

	// WaitingTimeout bounds how long StartWaiting stays in waiting state.
	// Zero means DefaultWaitingTimeout; negative disables the timer.
	WaitingTimeout time.Duration
}

// Controller runs one user's call lifecycle. All public methods are
// non-blocking: they post to the loop goroutine, which owns every state
// transition, and results surface through snapshots.
type Controller struct {
	uid            string
	nickname       string
	store          session.Store
	newTransport   func() media.Transport
	waitingTimeout time.Duration

	events  chan event
	done    chan struct{}
	stopped chan struct{}
	closer  sync.Once

	mu        sync.RWMutex
	snap      Snapshot
	subs      map[chan Snapshot]struct{}
	transport media.Transport

	// Loop-owned; never touched outside the run goroutine.
	gen            int
	role           string
	watchCancel    func()
	waitTimer      *time.Timer
	seenCands      map[string]struct{}
	sentOffer      bool
	sentAnswer     bool
	offerLaunched  bool
	answerLaunched bool
	appliedAnswer  bool
}

// NewController builds a controller; Start must be called before use.
func NewController(cfg Config) (*Controller, error) {
	if cfg.UID == "" {
		return nil, errors.New("call: uid required")
	}
	if cfg.Store == nil {
		return nil, errors.New("call: store required")
	}
	if cfg.NewTransport == nil {
		return nil, errors.New("call: transport factory required")
	}
	timeout := cfg.WaitingTimeout
	if timeout == 0 {
		timeout = DefaultWaitingTimeout
	}
	return &Controller{
		uid:            cfg.UID,
		nickname:       cfg.Nickname,
		store:          cfg.Store,
		newTransport:   cfg.NewTransport,
		waitingTimeout: timeout,
		events:         make(chan event, 64),
		done:           make(chan struct{}),
		stopped:        make(chan struct{}),
		subs:           make(map[chan Snapshot]struct{}),
	}, nil
}

// Start launches the loop goroutine.
func (c *Controller) Start() {
	go c.run()
}

// Close ends any active call, stops the loop and closes all subscriber
// channels. Safe to call more than once.
func (c *Controller) Close() {
	c.closer.Do(func() { close(c.done) })
	<-c.stopped
}

// StartWaiting creates a session, announces this user as waiting and moves
// the controller to waiting state. Ignored unless idle.
func (c *Controller) StartWaiting(reason string) { c.post(cmdStartWaiting{reason: reason}) }

// CancelWaiting abandons the current wait and cleans up the store. Ignored
// unless waiting.
func (c *Controller) CancelWaiting() { c.post(cmdCancelWaiting{}) }

// AnswerCall claims another user's waiting session. The controller moves to
// in-call immediately; if the claim is lost it falls back to idle with a
// timeout message.
func (c *Controller) AnswerCall(sessionID, peerUID, peerNickname string) {
	c.post(cmdAnswerCall{sessionID: sessionID, peerUID: peerUID, peerNickname: peerNickname})
}

// EndCall hangs up the active call and returns to idle.
func (c *Controller) EndCall() { c.post(cmdEndCall{}) }

// SetMicEnabled mutes or unmutes the local microphone.
func (c *Controller) SetMicEnabled(on bool) { c.post(cmdSetMic{on: on}) }

// RequestChat marks the user's intent to text-chat during the call.
// Idempotent; chat delivery additionally requires a connected transport.
func (c *Controller) RequestChat() { c.post(cmdRequestChat{}) }

// EnterBackground marks the call as backgrounded; media keeps flowing.
func (c *Controller) EnterBackground() { c.post(cmdBackground{}) }

// EnterForeground returns a backgrounded call to the foreground.
func (c *Controller) EnterForeground() { c.post(cmdForeground{}) }

// SetTimeoutMessage records why the current attempt was abandoned and, when
// waiting, cancels the wait.
func (c *Controller) SetTimeoutMessage(msg string) { c.post(cmdTimeout{message: msg}) }

// Snapshot returns a copy of the current state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap
}

// Attach subscribes to state changes. The current snapshot is delivered
// first; cancel detaches and closes the channel.
func (c *Controller) Attach() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 16)
	c.mu.Lock()
	c.subs[ch] = struct{}{}
	ch <- c.snap
	c.mu.Unlock()
	cancel := func() {
		c.mu.Lock()
		if _, ok := c.subs[ch]; ok {
			delete(c.subs, ch)
			close(ch)
		}
		c.mu.Unlock()
	}
	return ch, cancel
}

// Transport returns the active call's media transport, or nil outside a
// call. The chat bridge uses it to bind the data channel.
func (c *Controller) Transport() media.Transport {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.transport
}

// ListWaiting returns users currently announcing themselves, oldest first.
func (c *Controller) ListWaiting(ctx context.Context) ([]session.WaitingEntry, error) {
	return c.store.ListWaiting(ctx)
}

func (c *Controller) post(ev event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func (c *Controller) run() {
	defer close(c.stopped)
	for {
		select {
		case <-c.done:
			if st := c.Snapshot().State; st == StateInCall || st == StateBackground {
				c.finishCall(true, "")
			} else if st == StateWaiting {
				c.cleanupWaiting()
				c.toIdle("")
			}
			c.closeSubs()
			return
		case ev := <-c.events:
			c.handle(ev)
		}
	}
}

func (c *Controller) handle(ev event) {
	switch e := ev.(type) {
	case cmdStartWaiting:
		c.handleStartWaiting(e.reason)
	case cmdCancelWaiting:
		c.handleCancelWaiting("")
	case cmdAnswerCall:
		c.handleAnswerCall(e)
	case cmdEndCall:
		c.handleEndCall()
	case cmdSetMic:
		c.handleSetMic(e.on)
	case cmdRequestChat:
		c.handleRequestChat()
	case cmdBackground:
		c.handleBackground()
	case cmdForeground:
		c.handleForeground()
	case cmdTimeout:
		c.handleTimeout(e.message)
	case evSessionCreated:
		c.handleSessionCreated(e)
	case evClaimed:
		c.handleClaimed(e)
	case evSnapshot:
		if e.gen == c.gen {
			c.applyDoc(e.doc)
		}
	case evWatchClosed:
		c.handleWatchClosed(e)
	case evOfferReady:
		c.handleOfferReady(e)
	case evAnswerReady:
		c.handleAnswerReady(e)
	case evStoreErr:
		log.Printf("CALL: %s failed: %v", e.op, e.err)
		c.update(func(s *Snapshot) { s.LastError = fmt.Sprintf("%s: %v", e.op, e.err) })
	case evStoreOK:
		if c.Snapshot().LastError != "" {
			c.update(func(s *Snapshot) { s.LastError = "" })
		}
	case evTransportState:
		c.handleTransportState(e)
	case evRemoteAudio:
		if e.gen == c.gen {
			c.update(func(s *Snapshot) { s.ChatConnected = true })
		}
	case evLocalCandidate:
		c.handleLocalCandidate(e)
	}
}

func (c *Controller) handleStartWaiting(reason string) {
	if c.Snapshot().State != StateIdle {
		log.Printf("CALL: start waiting ignored in state %s", c.Snapshot().State)
		return
	}
	c.gen++
	gen := c.gen
	id := uuid.NewString()
	c.role = roleCreator
	c.resetCallFlags()

	c.update(func(s *Snapshot) {
		*s = Snapshot{State: StateWaiting, SessionID: id, MicEnabled: true}
	})

	// Watch before create so the creation event itself is never missed.
	if !c.startWatch(gen, id) {
		c.toIdle("session watch failed")
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
		defer cancel()
		err := c.store.CreateSession(ctx, session.CallSession{
			ID:        id,
			UserA:     c.uid,
			Status:    proto.StatusWaiting,
			CreatedAt: time.Now().UTC(),
		})
		if err == nil {
			err = c.store.PutWaiting(ctx, session.WaitingEntry{
				UID:       c.uid,
				Nickname:  c.nickname,
				Reason:    reason,
				SessionID: id,
			})
		}
		c.post(evSessionCreated{gen: gen, err: err})
	}()

	if c.waitingTimeout > 0 {
		c.waitTimer = time.AfterFunc(c.waitingTimeout, func() {
			c.post(cmdTimeout{message: TimeoutNoAnswer})
		})
	}
}

func (c *Controller) handleSessionCreated(e evSessionCreated) {
	if e.gen != c.gen {
		return
	}
	if e.err != nil {
		log.Printf("CALL: announce failed: %v", e.err)
		c.cleanupWaiting()
		c.toIdle(fmt.Sprintf("announce failed: %v", e.err))
		return
	}
	log.Printf("CALL: waiting as %s (session %s)", c.uid, c.Snapshot().SessionID)
}

func (c *Controller) handleCancelWaiting(timeoutMsg string) {
	if c.Snapshot().State != StateWaiting {
		return
	}
	c.cleanupWaiting()
	c.toIdle("")
	if timeoutMsg != "" {
		c.update(func(s *Snapshot) { s.TimeoutMessage = timeoutMsg })
	}
}

// cleanupWaiting stops the timer and watch and deletes this user's waiting
// footprint from the store. Loop-owned.
func (c *Controller) cleanupWaiting() {
	c.stopTimer()
	c.stopWatch()
	c.gen++
	uid := c.uid
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
		defer cancel()
		if err := c.store.DeleteWaiting(ctx, uid); err != nil {
			log.Printf("CALL: delete waiting entry: %v", err)
		}
		if err := c.store.DeleteWaitingSessions(ctx, uid); err != nil {
			log.Printf("CALL: delete waiting sessions: %v", err)
		}
	}()
}

func (c *Controller) handleAnswerCall(e cmdAnswerCall) {
	st := c.Snapshot().State
	if st == StateInCall || st == StateBackground {
		log.Printf("CALL: answer ignored, already in a call")
		return
	}
	if st == StateWaiting {
		c.cleanupWaiting()
	}
	c.gen++
	gen := c.gen
	c.role = roleJoiner
	c.resetCallFlags()

	// Optimistic transition; a lost claim falls back to idle.
	c.update(func(s *Snapshot) {
		*s = Snapshot{
			State:        StateInCall,
			SessionID:    e.sessionID,
			PeerUID:      e.peerUID,
			PeerNickname: e.peerNickname,
			MicEnabled:   true,
		}
	})

	if !c.startWatch(gen, e.sessionID) {
		c.toIdle("session watch failed")
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
		defer cancel()
		doc, err := c.store.ClaimSession(ctx, e.sessionID, c.uid)
		c.post(evClaimed{gen: gen, doc: doc, err: err})
	}()
}

func (c *Controller) handleClaimed(e evClaimed) {
	if e.gen != c.gen {
		return
	}
	if e.err != nil {
		c.stopWatch()
		c.gen++
		msg := fmt.Sprintf("claim failed: %v", e.err)
		if errors.Is(e.err, session.ErrAlreadyClaimed) || errors.Is(e.err, session.ErrNotFound) {
			msg = "that call was already answered"
		}
		log.Printf("CALL: %s", msg)
		c.toIdle("")
		c.update(func(s *Snapshot) { s.TimeoutMessage = msg })
		return
	}
	log.Printf("CALL: claimed session %s (peer %s)", e.doc.ID, e.doc.UserA)
	c.update(func(s *Snapshot) { s.PeerUID = e.doc.UserA })
	if !c.initTransport(e.gen) {
		return
	}
	c.applyDoc(e.doc)
}

// applyDoc re-derives all pending negotiation work from a full session
// snapshot. Snapshots can arrive out of causal order with this side's own
// writes, so every decision is recomputed from the document state plus
// loop-local progress flags.
func (c *Controller) applyDoc(doc session.CallSession) {
	snap := c.Snapshot()

	if doc.Status == proto.StatusEnded {
		switch snap.State {
		case StateInCall, StateBackground:
			log.Printf("CALL: peer ended session %s", doc.ID)
			c.finishCall(false, "")
		case StateWaiting:
			// A snapshot can be dropped under load, so the first document a
			// waiting creator observes may already be terminal. Never match
			// against it.
			log.Printf("CALL: session %s ended before it connected", doc.ID)
			c.handleCancelWaiting("")
		}
		return
	}

	// Creator side: a joiner appeared.
	if snap.State == StateWaiting && c.role == roleCreator && doc.UserB != "" &&
		(doc.Status == proto.StatusRinging || doc.Status == proto.StatusConnected) {
		log.Printf("CALL: matched with %s", doc.UserB)
		c.stopTimer()
		c.update(func(s *Snapshot) {
			s.State = StateInCall
			s.PeerUID = doc.UserB
		})
		uid := c.uid
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
			defer cancel()
			if err := c.store.DeleteWaiting(ctx, uid); err != nil {
				log.Printf("CALL: delete waiting entry: %v", err)
			}
		}()
		if !c.initTransport(c.gen) {
			return
		}
	}

	tr := c.Transport()
	if tr == nil {
		return
	}

	// Creator offers exactly once, after the transport exists.
	if c.role == roleCreator && !c.sentOffer && !c.offerLaunched {
		c.offerLaunched = true
		gen := c.gen
		go func() {
			sdp, err := tr.CreateOffer()
			c.post(evOfferReady{gen: gen, sdp: sdp, err: err})
		}()
	}

	// Joiner answers exactly once, as soon as the offer is visible.
	if c.role == roleJoiner && doc.OfferSDP != "" && !c.sentAnswer && !c.answerLaunched {
		c.answerLaunched = true
		gen := c.gen
		offer := doc.OfferSDP
		go func() {
			if err := tr.SetRemoteOffer(offer); err != nil {
				c.post(evAnswerReady{gen: gen, err: err})
				return
			}
			sdp, err := tr.CreateAnswer()
			c.post(evAnswerReady{gen: gen, sdp: sdp, err: err})
		}()
	}

	// Creator applies the answer exactly once.
	if c.role == roleCreator && doc.AnswerSDP != "" && c.sentOffer && !c.appliedAnswer {
		c.appliedAnswer = true
		answer := doc.AnswerSDP
		go func() {
			if err := tr.SetRemoteAnswer(answer); err != nil {
				c.post(evStoreErr{op: "apply answer", err: err})
			}
		}()
	}

	// Feed the peer's candidates, skipping our own and ones already seen.
	for _, cand := range doc.Candidates {
		if cand.SenderID == c.uid {
			continue
		}
		key := cand.Key()
		if _, ok := c.seenCands[key]; ok {
			continue
		}
		c.seenCands[key] = struct{}{}
		mid := cand.SDPMid
		idx := cand.SDPMLineIndex
		if err := tr.AddRemoteCandidate(webrtc.ICECandidateInit{
			Candidate:     cand.Candidate,
			SDPMid:        &mid,
			SDPMLineIndex: &idx,
		}); err != nil {
			log.Printf("CALL: add remote candidate: %v", err)
		}
	}
}

func (c *Controller) handleOfferReady(e evOfferReady) {
	if e.gen != c.gen {
		return
	}
	if e.err != nil {
		c.failCall("create offer", e.err)
		return
	}
	c.sentOffer = true
	id := c.Snapshot().SessionID
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
		defer cancel()
		if err := c.store.SetOffer(ctx, id, e.sdp); err != nil {
			c.post(evStoreErr{op: "store offer", err: err})
			return
		}
		c.post(evStoreOK{})
	}()
}

func (c *Controller) handleAnswerReady(e evAnswerReady) {
	if e.gen != c.gen {
		return
	}
	if e.err != nil {
		c.failCall("create answer", e.err)
		return
	}
	c.sentAnswer = true
	id := c.Snapshot().SessionID
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
		defer cancel()
		if err := c.store.SetAnswer(ctx, id, e.sdp); err != nil {
			c.post(evStoreErr{op: "store answer", err: err})
			return
		}
		c.post(evStoreOK{})
	}()
}

func (c *Controller) handleEndCall() {
	switch c.Snapshot().State {
	case StateInCall, StateBackground:
		c.finishCall(true, "")
	case StateWaiting:
		c.handleCancelWaiting("")
	}
}

func (c *Controller) handleSetMic(on bool) {
	tr := c.Transport()
	if tr != nil {
		if err := tr.SetMicEnabled(on); err != nil {
			log.Printf("CALL: set mic: %v", err)
			return
		}
	}
	c.update(func(s *Snapshot) { s.MicEnabled = on })
}

func (c *Controller) handleRequestChat() {
	st := c.Snapshot().State
	if st != StateInCall && st != StateBackground {
		return
	}
	c.update(func(s *Snapshot) { s.ChatRequested = true })
}

func (c *Controller) handleBackground() {
	if c.Snapshot().State != StateInCall {
		return
	}
	c.update(func(s *Snapshot) { s.State = StateBackground })
}

func (c *Controller) handleForeground() {
	if c.Snapshot().State != StateBackground {
		return
	}
	c.update(func(s *Snapshot) { s.State = StateInCall })
}

func (c *Controller) handleTimeout(msg string) {
	if c.Snapshot().State == StateWaiting {
		c.handleCancelWaiting(msg)
		return
	}
	c.update(func(s *Snapshot) { s.TimeoutMessage = msg })
}

func (c *Controller) handleWatchClosed(e evWatchClosed) {
	if e.gen != c.gen {
		return
	}
	snap := c.Snapshot()
	switch snap.State {
	case StateWaiting:
		log.Printf("CALL: session watch closed while waiting")
		c.cleanupWaiting()
		c.toIdle("lost connection to session store")
	case StateInCall, StateBackground:
		// Media may already be flowing peer-to-peer; keep the call up.
		log.Printf("CALL: session watch closed mid-call")
		c.update(func(s *Snapshot) { s.LastError = "lost connection to session store" })
	}
}

func (c *Controller) handleTransportState(e evTransportState) {
	if e.gen != c.gen {
		return
	}
	c.update(func(s *Snapshot) {
		s.ConnStatus = e.status
		switch e.status {
		case proto.ConnConnected:
			s.ChatConnected = true
		case proto.ConnDisconnected, proto.ConnFailed, proto.ConnClosed:
			s.ChatConnected = false
		}
	})
}

func (c *Controller) handleLocalCandidate(e evLocalCandidate) {
	if e.gen != c.gen {
		return
	}
	id := c.Snapshot().SessionID
	cand := session.Candidate{
		Candidate: e.cand.Candidate,
		SenderID:  c.uid,
	}
	if e.cand.SDPMid != nil {
		cand.SDPMid = *e.cand.SDPMid
	}
	if e.cand.SDPMLineIndex != nil {
		cand.SDPMLineIndex = *e.cand.SDPMLineIndex
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
		defer cancel()
		if err := c.store.AddCandidate(ctx, id, cand); err != nil {
			c.post(evStoreErr{op: "store candidate", err: err})
			return
		}
		c.post(evStoreOK{})
	}()
}

// initTransport builds and installs the media transport for the active
// call. Returns false (and tears down) on failure.
func (c *Controller) initTransport(gen int) bool {
	tr := c.newTransport()
	err := tr.Init(media.Callbacks{
		OnLocalCandidate: func(cand webrtc.ICECandidateInit) {
			c.post(evLocalCandidate{gen: gen, cand: cand})
		},
		OnConnectionState: func(status string) {
			c.post(evTransportState{gen: gen, status: status})
		},
		OnRemoteAudio: func() {
			c.post(evRemoteAudio{gen: gen})
		},
	})
	if err != nil {
		_ = tr.Close()
		c.failCall("init transport", err)
		return false
	}
	c.mu.Lock()
	c.transport = tr
	c.mu.Unlock()
	return true
}

func (c *Controller) failCall(op string, err error) {
	log.Printf("CALL: %s: %v", op, err)
	c.finishCall(true, fmt.Sprintf("%s: %v", op, err))
}

// finishCall tears the active call down and returns to idle. When setEnded
// is true this side marks the session ended and removes the document.
func (c *Controller) finishCall(setEnded bool, lastErr string) {
	c.stopTimer()
	c.stopWatch()
	c.gen++

	c.mu.Lock()
	tr := c.transport
	c.transport = nil
	id := c.snap.SessionID
	c.mu.Unlock()

	if tr != nil {
		if err := tr.Close(); err != nil {
			log.Printf("CALL: close transport: %v", err)
		}
	}
	if setEnded && id != "" {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
			defer cancel()
			if err := c.store.SetStatus(ctx, id, proto.StatusEnded); err != nil &&
				!errors.Is(err, session.ErrNotFound) {
				log.Printf("CALL: mark session ended: %v", err)
			}
			if err := c.store.DeleteSession(ctx, id); err != nil {
				log.Printf("CALL: delete session: %v", err)
			}
		}()
	}
	c.toIdle(lastErr)
}

func (c *Controller) toIdle(lastErr string) {
	c.role = ""
	c.resetCallFlags()
	c.update(func(s *Snapshot) {
		*s = Snapshot{State: StateIdle, LastError: lastErr}
	})
}

func (c *Controller) resetCallFlags() {
	c.seenCands = make(map[string]struct{})
	c.sentOffer = false
	c.sentAnswer = false
	c.offerLaunched = false
	c.answerLaunched = false
	c.appliedAnswer = false
}

// startWatch subscribes to the session document and pumps snapshots into
// the loop tagged with gen.
func (c *Controller) startWatch(gen int, id string) bool {
	ch, cancel, err := c.store.WatchSession(context.Background(), id)
	if err != nil {
		log.Printf("CALL: watch session %s: %v", id, err)
		return false
	}
	c.watchCancel = cancel
	go func() {
		for doc := range ch {
			c.post(evSnapshot{gen: gen, doc: doc})
		}
		c.post(evWatchClosed{gen: gen})
	}()
	return true
}

func (c *Controller) stopWatch() {
	if c.watchCancel != nil {
		c.watchCancel()
		c.watchCancel = nil
	}
}

func (c *Controller) stopTimer() {
	if c.waitTimer != nil {
		c.waitTimer.Stop()
		c.waitTimer = nil
	}
}

func (c *Controller) update(fn func(*Snapshot)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&c.snap)
	for ch := range c.subs {
		select {
		case ch <- c.snap:
		default:
			// Subscriber buffer full; it catches up on the next change.
		}
	}
}

func (c *Controller) closeSubs() {
	c.mu.Lock()
	for ch := range c.subs {
		close(ch)
	}
	c.subs = make(map[chan Snapshot]struct{})
	c.mu.Unlock()
}
