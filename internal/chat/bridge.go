// Package chat bridges the in-call data channel and the local chat log.
// Outgoing messages are persisted locally before they are sent; incoming
// data-channel messages are decoded and persisted as the peer's.
package chat

import (
	"encoding/json"
	"errors"
	"log"
	"strings"
	"sync"

	"github.com/petervdpas/peerline/internal/chatlog"
	"github.com/petervdpas/peerline/internal/media"
	"github.com/petervdpas/peerline/internal/proto"
)

// ErrNoCall is returned by Send when the bridge has no session bound.
var ErrNoCall = errors.New("chat: no session bound")

// wireMessage is the JSON envelope carried on the data channel.
type wireMessage struct {
	From string `json:"from"`
	Body string `json:"body"`
	Ts   int64  `json:"ts"`
}

// Bridge connects one call's chat channel to the chat log.
type Bridge struct {
	uid  string
	clog *chatlog.Log

	mu        sync.Mutex
	sessionID string
	peerName  string
	peerUID   string
	transport media.Transport
}

// NewBridge creates a bridge writing to the given chat log.
func NewBridge(uid string, clog *chatlog.Log) *Bridge {
	return &Bridge{uid: uid, clog: clog}
}

// Bind attaches the bridge to an active call's transport and records the
// conversation immediately, so the peer is listed before any message flows.
// Messages the transport buffered before binding are replayed into the log.
func (b *Bridge) Bind(sessionID, peerName, peerUID string, tr media.Transport) error {
	if err := b.clog.EnsureConversation(sessionID, peerName, peerUID); err != nil {
		return err
	}
	b.mu.Lock()
	b.sessionID = sessionID
	b.peerName = peerName
	b.peerUID = peerUID
	b.transport = tr
	b.mu.Unlock()

	tr.SetChatHandler(func(data []byte) {
		b.receive(data)
	})
	log.Printf("CHAT: bound to session %s (peer %s)", sessionID, peerUID)
	return nil
}

// BindOffline points the bridge at a session without a transport, so
// history browsing and local-only sends still work after the call is gone.
func (b *Bridge) BindOffline(sessionID, peerName, peerUID string) error {
	if err := b.clog.EnsureConversation(sessionID, peerName, peerUID); err != nil {
		return err
	}
	b.mu.Lock()
	b.sessionID = sessionID
	b.peerName = peerName
	b.peerUID = peerUID
	b.transport = nil
	b.mu.Unlock()
	return nil
}

// Available reports whether the chat channel can deliver right now.
func (b *Bridge) Available() bool {
	b.mu.Lock()
	tr := b.transport
	b.mu.Unlock()
	return tr != nil && tr.DataChannelOpen()
}

// OnCallEnded drops the transport but keeps the session bound for offline
// history browsing.
func (b *Bridge) OnCallEnded() {
	b.mu.Lock()
	tr := b.transport
	b.transport = nil
	b.mu.Unlock()
	if tr != nil {
		tr.SetChatHandler(nil)
	}
}

// Send persists the message locally first, then delivers it over the data
// channel when one is open. Blank messages are silently dropped; delivery
// failure never rolls the local copy back.
func (b *Bridge) Send(content string) error {
	if strings.TrimSpace(content) == "" {
		return nil
	}
	b.mu.Lock()
	sessionID := b.sessionID
	peerName := b.peerName
	peerUID := b.peerUID
	tr := b.transport
	b.mu.Unlock()
	if sessionID == "" {
		return ErrNoCall
	}

	msg, err := b.clog.Append(chatlog.Message{
		SessionID: sessionID,
		PeerName:  peerName,
		PeerUID:   peerUID,
		Content:   content,
		FromSelf:  true,
	})
	if err != nil {
		return err
	}

	if tr == nil || !tr.DataChannelOpen() {
		log.Printf("CHAT: stored message locally, channel not open")
		return nil
	}
	data, err := json.Marshal(wireMessage{From: b.uid, Body: content, Ts: msg.SentAt})
	if err != nil {
		return err
	}
	if err := tr.SendChat(data); err != nil {
		log.Printf("CHAT: send failed, message kept locally: %v", err)
		return err
	}
	return nil
}

// History returns the bound session's most recent messages.
func (b *Bridge) History(limit int) ([]chatlog.Message, error) {
	b.mu.Lock()
	sessionID := b.sessionID
	b.mu.Unlock()
	if sessionID == "" {
		return nil, ErrNoCall
	}
	return b.clog.Messages(sessionID, limit)
}

// SessionID returns the currently bound session, or "".
func (b *Bridge) SessionID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sessionID
}

func (b *Bridge) receive(data []byte) {
	b.mu.Lock()
	sessionID := b.sessionID
	peerName := b.peerName
	peerUID := b.peerUID
	b.mu.Unlock()

	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		log.Printf("CHAT: failed to decode incoming message: %v", err)
		return
	}
	if w.From != "" && peerUID != "" && w.From != peerUID {
		log.Printf("CHAT: message claims sender %s, bound peer is %s", w.From, peerUID)
	}
	if w.Ts == 0 {
		w.Ts = proto.NowMillis()
	}
	if _, err := b.clog.Append(chatlog.Message{
		SessionID: sessionID,
		PeerName:  peerName,
		PeerUID:   peerUID,
		Content:   w.Body,
		FromSelf:  false,
		SentAt:    w.Ts,
	}); err != nil {
		log.Printf("CHAT: failed to store incoming message: %v", err)
	}
}
