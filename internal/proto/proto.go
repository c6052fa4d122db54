// Package proto holds the wire-level constants shared by the session
// store, the media transport and the call controller.
package proto

import "time"

// Remote session-store collections.
const (
	SessionsCollection = "call_sessions"
	WaitingCollection  = "waiting_users"
)

// Call session status values. A session document moves
// waiting → ringing → connected → ended; "ended" is terminal.
const (
	StatusWaiting   = "waiting"
	StatusRinging   = "ringing"
	StatusConnected = "connected"
	StatusEnded     = "ended"
)

// Label of the data channel that carries chat text during a call.
const ChatChannelLabel = "chat"

// Transport connection status values reported by the media layer.
const (
	ConnNew          = "New"
	ConnConnecting   = "Connecting"
	ConnConnected    = "Connected"
	ConnDisconnected = "Disconnected"
	ConnFailed       = "Failed"
	ConnClosed       = "Closed"
)

func NowMillis() int64 { return time.Now().UnixMilli() }
