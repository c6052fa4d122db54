package media

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/peerline/internal/proto"
	"github.com/petervdpas/peerline/internal/util"
)

// DefaultStunURL is used when the config names no ICE servers.
const DefaultStunURL = "stun:stun.l.google.com:19302"

// chatBacklogSize is how many incoming chat messages are kept while no
// handler is installed.
const chatBacklogSize = 100

var errChatClosed = errors.New("media: chat channel not open")

// PionTransport implements Transport on a pion/webrtc peer connection.
type PionTransport struct {
	cfg Config
	cb  Callbacks

	mu          sync.Mutex
	pc          *webrtc.PeerConnection
	dc          *webrtc.DataChannel
	dcOpen      bool
	audioSender *webrtc.RTPSender
	audioTrack  webrtc.TrackLocal
	stopCapture func()
	remoteSet   bool
	pending     []webrtc.ICECandidateInit
	chatHandler func([]byte)
	closed      bool

	backlog   *util.RingBuffer[[]byte]
	audioOnce sync.Once
}

// NewPionTransport creates an uninitialized transport. Init must be called
// before any other method.
func NewPionTransport(cfg Config) *PionTransport {
	return &PionTransport{
		cfg:     cfg,
		backlog: util.NewRingBuffer[[]byte](chatBacklogSize),
	}
}

func (t *PionTransport) Init(cb Callbacks) error {
	t.cb = cb

	mediaEngine, err := newMediaEngine()
	if err != nil {
		return fmt.Errorf("media engine: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return fmt.Errorf("register interceptors: %w", err)
	}

	// Generous ICE timeouts so a brief NAT hiccup does not immediately
	// terminate the call.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	stun := t.cfg.StunURLs
	if len(stun) == 0 {
		stun = []string{DefaultStunURL}
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: stun}},
	})
	if err != nil {
		return fmt.Errorf("new peer connection: %w", err)
	}
	t.pc = pc

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		if t.cb.OnLocalCandidate != nil {
			t.cb.OnLocalCandidate(c.ToJSON())
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Printf("MEDIA: connection state %s", state)
		if t.cb.OnConnectionState != nil {
			t.cb.OnConnectionState(connStatus(state))
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		go t.readRemote(track)
	})

	// Callee side: the caller creates the chat channel, we receive it.
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != proto.ChatChannelLabel {
			log.Printf("MEDIA: ignoring unexpected data channel %q", dc.Label())
			return
		}
		t.bindChatChannel(dc)
	})

	if t.cfg.Capture {
		if err := t.attachMic(pc); err != nil {
			log.Printf("MEDIA: mic capture failed, proceeding receive-only: %v", err)
			addRecvOnlyAudio(pc)
		}
	} else {
		addRecvOnlyAudio(pc)
	}

	return nil
}

// attachMic captures the local microphone and adds its track to the peer
// connection, keeping the sender for later mute/unmute swaps.
func (t *PionTransport) attachMic(pc *webrtc.PeerConnection) error {
	track, stop, err := captureMic()
	if err != nil {
		return err
	}
	if track == nil {
		return errors.New("no microphone available")
	}
	sender, err := pc.AddTrack(track)
	if err != nil {
		stop()
		return fmt.Errorf("add track: %w", err)
	}
	t.mu.Lock()
	t.audioSender = sender
	t.audioTrack = track
	t.stopCapture = stop
	t.mu.Unlock()
	go t.drainRTCP(sender)
	return nil
}

// drainRTCP consumes feedback packets on the sender so interceptors keep
// running. Malformed packets are logged and skipped.
func (t *PionTransport) drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		n, _, err := sender.Read(buf)
		if err != nil {
			return
		}
		if _, err := rtcp.Unmarshal(buf[:n]); err != nil {
			log.Printf("MEDIA: bad rtcp packet: %v", err)
		}
	}
}

// readRemote consumes one remote track. The first audio packet fires
// OnRemoteAudio exactly once.
func (t *PionTransport) readRemote(track *webrtc.TrackRemote) {
	var first *rtp.Packet
	first, _, err := track.ReadRTP()
	if err != nil {
		return
	}
	log.Printf("MEDIA: remote %s track live (ssrc=%d pt=%d)",
		track.Kind(), first.SSRC, first.PayloadType)
	if track.Kind() == webrtc.RTPCodecTypeAudio {
		t.audioOnce.Do(func() {
			if t.cb.OnRemoteAudio != nil {
				t.cb.OnRemoteAudio()
			}
		})
	}
	for {
		if _, _, err := track.ReadRTP(); err != nil {
			return
		}
	}
}

func (t *PionTransport) bindChatChannel(dc *webrtc.DataChannel) {
	t.mu.Lock()
	t.dc = dc
	t.mu.Unlock()

	dc.OnOpen(func() {
		log.Printf("MEDIA: chat channel open")
		t.mu.Lock()
		t.dcOpen = true
		t.mu.Unlock()
	})
	dc.OnClose(func() {
		t.mu.Lock()
		t.dcOpen = false
		t.mu.Unlock()
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		t.mu.Lock()
		handler := t.chatHandler
		t.mu.Unlock()
		if handler != nil {
			handler(msg.Data)
			return
		}
		t.backlog.Push(append([]byte(nil), msg.Data...))
	})
}

func (t *PionTransport) CreateOffer() (string, error) {
	dc, err := t.pc.CreateDataChannel(proto.ChatChannelLabel, nil)
	if err != nil {
		return "", fmt.Errorf("create data channel: %w", err)
	}
	t.bindChatChannel(dc)

	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	return offer.SDP, nil
}

func (t *PionTransport) SetRemoteOffer(sdp string) error {
	return t.setRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp})
}

func (t *PionTransport) CreateAnswer() (string, error) {
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	return answer.SDP, nil
}

func (t *PionTransport) SetRemoteAnswer(sdp string) error {
	return t.setRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp})
}

func (t *PionTransport) setRemote(desc webrtc.SessionDescription) error {
	if err := t.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	t.mu.Lock()
	t.remoteSet = true
	pending := t.pending
	t.pending = nil
	t.mu.Unlock()
	for _, c := range pending {
		if err := t.pc.AddICECandidate(c); err != nil {
			log.Printf("MEDIA: buffered candidate rejected: %v", err)
		}
	}
	return nil
}

func (t *PionTransport) AddRemoteCandidate(c webrtc.ICECandidateInit) error {
	t.mu.Lock()
	if !t.remoteSet {
		// AddICECandidate fails before the remote description is set;
		// hold the candidate until then.
		t.pending = append(t.pending, c)
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()
	return t.pc.AddICECandidate(c)
}

func (t *PionTransport) SetMicEnabled(on bool) error {
	t.mu.Lock()
	sender, track := t.audioSender, t.audioTrack
	t.mu.Unlock()
	if sender == nil || track == nil {
		return nil
	}
	if on {
		return sender.ReplaceTrack(track)
	}
	return sender.ReplaceTrack(nil)
}

func (t *PionTransport) SendChat(data []byte) error {
	t.mu.Lock()
	dc, open := t.dc, t.dcOpen
	t.mu.Unlock()
	if dc == nil || !open {
		return errChatClosed
	}
	return dc.Send(data)
}

func (t *PionTransport) DataChannelOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dcOpen
}

func (t *PionTransport) SetChatHandler(fn func(data []byte)) {
	t.mu.Lock()
	t.chatHandler = fn
	t.mu.Unlock()
	if fn == nil {
		return
	}
	for _, data := range t.backlog.Drain() {
		fn(data)
	}
}

func (t *PionTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	stop := t.stopCapture
	t.mu.Unlock()

	if stop != nil {
		stop()
	}
	if t.pc != nil {
		return t.pc.Close()
	}
	return nil
}

// addRecvOnlyAudio adds a recvonly audio transceiver so offers and answers
// always carry a valid audio m-line even without local capture.
func addRecvOnlyAudio(pc *webrtc.PeerConnection) {
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		log.Printf("MEDIA: AddTransceiver(audio) error: %v", err)
	}
}

func connStatus(state webrtc.PeerConnectionState) string {
	switch state {
	case webrtc.PeerConnectionStateNew:
		return proto.ConnNew
	case webrtc.PeerConnectionStateConnecting:
		return proto.ConnConnecting
	case webrtc.PeerConnectionStateConnected:
		return proto.ConnConnected
	case webrtc.PeerConnectionStateDisconnected:
		return proto.ConnDisconnected
	case webrtc.PeerConnectionStateFailed:
		return proto.ConnFailed
	default:
		return proto.ConnClosed
	}
}
