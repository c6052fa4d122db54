//go:build !linux || !cgo

package media

import "github.com/pion/webrtc/v4"

// newMediaEngine registers pion's default codecs. No mediadevices encoders
// are wired on platforms without capture support.
func newMediaEngine() (*webrtc.MediaEngine, error) {
	me := &webrtc.MediaEngine{}
	if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	return me, nil
}

// captureMic reports no microphone; calls stay receive-only off Linux.
func captureMic() (webrtc.TrackLocal, func(), error) {
	return nil, func() {}, nil
}
