// Package session defines the remote session store: the shared document
// database through which two peers find each other and exchange WebRTC
// negotiation state. The call controller is coupled to the Store interface
// only; MongoStore talks to a real deployment, MemoryStore backs tests and
// the single-process loopback demo.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// CallSession is the shared signaling document for one call. It is created
// by the first waiting user, claimed by the joiner, and written by both
// peers during negotiation. Candidates is append-only; candidate order is
// irrelevant and consumers must tolerate duplicates.
type CallSession struct {
	ID         string      `bson:"_id" json:"id"`
	UserA      string      `bson:"user_a" json:"user_a"`
	UserB      string      `bson:"user_b,omitempty" json:"user_b,omitempty"`
	Status     string      `bson:"status" json:"status"`
	OfferSDP   string      `bson:"offer_sdp,omitempty" json:"offer_sdp,omitempty"`
	AnswerSDP  string      `bson:"answer_sdp,omitempty" json:"answer_sdp,omitempty"`
	Candidates []Candidate `bson:"candidates,omitempty" json:"candidates,omitempty"`
	CreatedAt  time.Time   `bson:"created_at" json:"created_at"`
}

// Candidate is one discovered ICE candidate, tagged with the uid of the
// peer that produced it so the other side knows to consume it.
type Candidate struct {
	Candidate     string `bson:"candidate" json:"candidate"`
	SDPMid        string `bson:"sdp_mid" json:"sdp_mid"`
	SDPMLineIndex uint16 `bson:"sdp_mline_index" json:"sdp_mline_index"`
	SenderID      string `bson:"sender_id" json:"sender_id"`
}

// Key returns a stable identity for duplicate suppression.
func (c Candidate) Key() string {
	return fmt.Sprintf("%s/%s/%d/%s", c.SenderID, c.SDPMid, c.SDPMLineIndex, c.Candidate)
}

// WaitingEntry announces a user looking for a match. One entry per uid.
type WaitingEntry struct {
	UID       string    `bson:"_id" json:"uid"`
	Nickname  string    `bson:"nickname" json:"nickname"`
	Reason    string    `bson:"reason" json:"reason"`
	SessionID string    `bson:"session_id" json:"session_id"`
	CreatedAt time.Time `bson:"created_at" json:"created_at"`
}

var (
	// ErrNotFound is returned when a session or waiting entry does not exist.
	ErrNotFound = errors.New("session: not found")

	// ErrAlreadyClaimed is returned by ClaimSession when the session is no
	// longer in waiting status — some other joiner won the claim, or the
	// session ended.
	ErrAlreadyClaimed = errors.New("session: already claimed")
)

// Store is the remote session-store contract. Every mutation of a session
// document is observable through WatchSession as a full-document snapshot,
// including the writer's own mutations. Implementations serialize writes
// per document; callers get no cross-document ordering guarantees.
type Store interface {
	// CreateSession stores a new session document.
	CreateSession(ctx context.Context, s CallSession) error

	// GetSession fetches the current session document.
	GetSession(ctx context.Context, id string) (CallSession, error)

	// ClaimSession atomically joins a waiting session: it sets user_b and
	// status=ringing only if the session is still waiting and unjoined.
	// Exactly one of any number of concurrent claimers succeeds; the rest
	// get ErrAlreadyClaimed. Returns the post-claim document.
	ClaimSession(ctx context.Context, id, uid string) (CallSession, error)

	// SetOffer stores the offerer's SDP.
	SetOffer(ctx context.Context, id, sdp string) error

	// SetAnswer stores the answerer's SDP and moves status to connected.
	SetAnswer(ctx context.Context, id, sdp string) error

	// SetStatus updates the session status field.
	SetStatus(ctx context.Context, id, status string) error

	// AddCandidate appends one ICE candidate to the session document.
	AddCandidate(ctx context.Context, id string, c Candidate) error

	// DeleteSession removes a session document.
	DeleteSession(ctx context.Context, id string) error

	// DeleteWaitingSessions removes every session owned by uid that is
	// still in waiting status. Used on cancel so stale sessions do not
	// match future joiners.
	DeleteWaitingSessions(ctx context.Context, uid string) error

	// PutWaiting creates or replaces the waiting entry for entry.UID.
	PutWaiting(ctx context.Context, entry WaitingEntry) error

	// DeleteWaiting removes the waiting entry for uid, if any.
	DeleteWaiting(ctx context.Context, uid string) error

	// ListWaiting returns current waiting entries, oldest first.
	ListWaiting(ctx context.Context) ([]WaitingEntry, error)

	// WatchSession subscribes to full-document snapshots of one session.
	// Each mutation delivers the complete current document; snapshots may
	// arrive out of causal order relative to the subscriber's own writes,
	// so consumers must re-derive decisions from each snapshot rather
	// than assume deltas. The channel closes after cancel is called, ctx
	// is cancelled, or the underlying stream fails terminally.
	WatchSession(ctx context.Context, id string) (<-chan CallSession, func(), error)

	// Close releases the store's resources.
	Close(ctx context.Context) error
}
