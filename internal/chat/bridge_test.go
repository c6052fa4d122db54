package chat

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/peerline/internal/chatlog"
	"github.com/petervdpas/peerline/internal/media"
)

// chanTransport is a transport double whose chat channel is a slice of sent
// frames, with a toggle for whether the channel counts as open.
type chanTransport struct {
	mu      sync.Mutex
	open    bool
	sent    [][]byte
	handler func([]byte)
	backlog [][]byte
}

func (t *chanTransport) Init(media.Callbacks) error                       { return nil }
func (t *chanTransport) CreateOffer() (string, error)                     { return "offer", nil }
func (t *chanTransport) SetRemoteOffer(string) error                      { return nil }
func (t *chanTransport) CreateAnswer() (string, error)                    { return "answer", nil }
func (t *chanTransport) SetRemoteAnswer(string) error                     { return nil }
func (t *chanTransport) AddRemoteCandidate(webrtc.ICECandidateInit) error { return nil }
func (t *chanTransport) SetMicEnabled(bool) error                         { return nil }
func (t *chanTransport) Close() error                                     { return nil }

func (t *chanTransport) SendChat(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, data)
	return nil
}

func (t *chanTransport) DataChannelOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.open
}

func (t *chanTransport) SetChatHandler(fn func(data []byte)) {
	t.mu.Lock()
	t.handler = fn
	backlog := t.backlog
	t.backlog = nil
	t.mu.Unlock()
	if fn != nil {
		for _, data := range backlog {
			fn(data)
		}
	}
}

func (t *chanTransport) deliver(data []byte) {
	t.mu.Lock()
	fn := t.handler
	if fn == nil {
		t.backlog = append(t.backlog, data)
	}
	t.mu.Unlock()
	if fn != nil {
		fn(data)
	}
}

func (t *chanTransport) sentFrames() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([][]byte(nil), t.sent...)
}

func newTestBridge(t *testing.T) (*Bridge, *chatlog.Log) {
	t.Helper()
	clog, err := chatlog.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	t.Cleanup(func() { clog.Close() })
	return NewBridge("me", clog), clog
}

func TestSendPersistsAndDelivers(t *testing.T) {
	b, clog := newTestBridge(t)
	tr := &chanTransport{open: true}
	if err := b.Bind("sess-1", "Bob", "bob", tr); err != nil {
		t.Fatalf("bind: %v", err)
	}

	if err := b.Send("hello there"); err != nil {
		t.Fatalf("send: %v", err)
	}

	frames := tr.sentFrames()
	if len(frames) != 1 {
		t.Fatalf("sent %d frames, want 1", len(frames))
	}
	var w wireMessage
	if err := json.Unmarshal(frames[0], &w); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if w.From != "me" || w.Body != "hello there" || w.Ts == 0 {
		t.Fatalf("wire message = %+v", w)
	}

	msgs, err := clog.Messages("sess-1", 0)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(msgs) != 1 || !msgs[0].FromSelf || msgs[0].Content != "hello there" {
		t.Fatalf("stored = %+v", msgs)
	}
	if msgs[0].PeerUID != "bob" || msgs[0].PeerName != "Bob" {
		t.Fatalf("peer identity = %q %q", msgs[0].PeerName, msgs[0].PeerUID)
	}
}

func TestSendBlankIsNoOp(t *testing.T) {
	b, clog := newTestBridge(t)
	tr := &chanTransport{open: true}
	if err := b.Bind("sess-1", "Bob", "bob", tr); err != nil {
		t.Fatalf("bind: %v", err)
	}

	if err := b.Send("   "); err != nil {
		t.Fatalf("blank send: %v", err)
	}
	if len(tr.sentFrames()) != 0 {
		t.Fatal("blank message went out")
	}
	msgs, err := clog.Messages("sess-1", 0)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatal("blank message was stored")
	}
}

func TestSendWithoutBind(t *testing.T) {
	b, _ := newTestBridge(t)
	if err := b.Send("hi"); err != ErrNoCall {
		t.Fatalf("err = %v, want ErrNoCall", err)
	}
}

func TestSendKeepsLocalCopyWhenChannelClosed(t *testing.T) {
	b, clog := newTestBridge(t)
	tr := &chanTransport{open: false}
	if err := b.Bind("sess-1", "Bob", "bob", tr); err != nil {
		t.Fatalf("bind: %v", err)
	}

	if err := b.Send("offline note"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(tr.sentFrames()) != 0 {
		t.Fatal("message sent on closed channel")
	}
	msgs, err := clog.Messages("sess-1", 0)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "offline note" {
		t.Fatalf("stored = %+v", msgs)
	}
}

func TestReceiveStoresPeerMessage(t *testing.T) {
	b, clog := newTestBridge(t)
	tr := &chanTransport{open: true}
	if err := b.Bind("sess-1", "Bob", "bob", tr); err != nil {
		t.Fatalf("bind: %v", err)
	}

	data, _ := json.Marshal(wireMessage{From: "bob", Body: "hey", Ts: 1234})
	tr.deliver(data)

	msgs, err := clog.Messages("sess-1", 0)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("stored %d messages", len(msgs))
	}
	m := msgs[0]
	if m.FromSelf || m.Content != "hey" || m.SentAt != 1234 {
		t.Fatalf("message = %+v", m)
	}
	if m.PeerUID != "bob" || m.PeerName != "Bob" {
		t.Fatalf("peer identity = %q %q", m.PeerName, m.PeerUID)
	}
}

func TestBindReplaysEarlyMessages(t *testing.T) {
	b, clog := newTestBridge(t)
	tr := &chanTransport{open: true}

	early, _ := json.Marshal(wireMessage{From: "bob", Body: "first!", Ts: 1})
	tr.deliver(early)

	if err := b.Bind("sess-1", "Bob", "bob", tr); err != nil {
		t.Fatalf("bind: %v", err)
	}

	msgs, err := clog.Messages("sess-1", 0)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "first!" {
		t.Fatalf("early message not replayed: %+v", msgs)
	}
}

func TestEndedCallKeepsHistory(t *testing.T) {
	b, _ := newTestBridge(t)
	tr := &chanTransport{open: true}
	if err := b.Bind("sess-1", "Bob", "bob", tr); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if err := b.Send("before hangup"); err != nil {
		t.Fatalf("send: %v", err)
	}

	b.OnCallEnded()

	if b.Available() {
		t.Fatal("bridge still available after call ended")
	}
	if b.SessionID() != "sess-1" {
		t.Fatalf("session dropped: %q", b.SessionID())
	}
	msgs, err := b.History(0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("history lost: %d messages", len(msgs))
	}

	if err := b.Send("after hangup"); err != nil {
		t.Fatalf("offline send: %v", err)
	}
	msgs, err = b.History(0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("offline send not stored: %d messages", len(msgs))
	}
}

func TestBindOffline(t *testing.T) {
	b, clog := newTestBridge(t)
	if err := b.BindOffline("sess-old", "Carol", "carol"); err != nil {
		t.Fatalf("bind offline: %v", err)
	}
	if b.Available() {
		t.Fatal("offline bridge reports available")
	}
	if err := b.Send("note to self"); err != nil {
		t.Fatalf("send: %v", err)
	}
	conv, err := clog.Conversation("sess-old")
	if err != nil {
		t.Fatalf("conversation: %v", err)
	}
	if conv.PeerUID != "carol" || conv.TotalMessages != 1 {
		t.Fatalf("conversation = %+v", conv)
	}
}
