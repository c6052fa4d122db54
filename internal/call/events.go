package call

import (
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/peerline/internal/session"
)

// Every public method and every async completion is delivered to the loop
// goroutine as one of these events. Async events carry the generation they
// belong to; the loop drops events from superseded generations.
type event any

type cmdStartWaiting struct{ reason string }

type cmdCancelWaiting struct{}

type cmdAnswerCall struct {
	sessionID    string
	peerUID      string
	peerNickname string
}

type cmdEndCall struct{}

type cmdSetMic struct{ on bool }

type cmdRequestChat struct{}

type cmdBackground struct{}

type cmdForeground struct{}

type cmdTimeout struct{ message string }

type evSessionCreated struct {
	gen int
	err error
}

type evClaimed struct {
	gen int
	doc session.CallSession
	err error
}

type evSnapshot struct {
	gen int
	doc session.CallSession
}

type evWatchClosed struct{ gen int }

type evOfferReady struct {
	gen int
	sdp string
	err error
}

type evAnswerReady struct {
	gen int
	sdp string
	err error
}

type evStoreErr struct {
	op  string
	err error
}

type evStoreOK struct{}

type evTransportState struct {
	gen    int
	status string
}

type evRemoteAudio struct{ gen int }

type evLocalCandidate struct {
	gen  int
	cand webrtc.ICECandidateInit
}
