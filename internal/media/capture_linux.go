//go:build linux && cgo

package media

import (
	"errors"
	"fmt"
	"log"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/webrtc/v4"
)

// newMediaEngine builds a MediaEngine populated with the Opus encoder from
// pion/mediadevices so captured mic tracks negotiate cleanly.
func newMediaEngine() (*webrtc.MediaEngine, error) {
	selector, err := newOpusSelector()
	if err != nil {
		return nil, err
	}
	me := &webrtc.MediaEngine{}
	selector.Populate(me)
	return me, nil
}

func newOpusSelector() (*mediadevices.CodecSelector, error) {
	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}
	return mediadevices.NewCodecSelector(
		mediadevices.WithAudioEncoders(&opusParams),
	), nil
}

// captureMic opens the default microphone (malgo) and returns its encoded
// Opus track plus a stop func that releases the device.
func captureMic() (webrtc.TrackLocal, func(), error) {
	selector, err := newOpusSelector()
	if err != nil {
		return nil, nil, err
	}

	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(_ *mediadevices.MediaTrackConstraints) {},
		Codec: selector,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("get user media: %w", err)
	}

	tracks := stream.GetAudioTracks()
	if len(tracks) == 0 {
		for _, t := range stream.GetTracks() {
			t.Close()
		}
		return nil, nil, errors.New("no audio track captured")
	}

	track := tracks[0]
	track.OnEnded(func(err error) {
		if err != nil {
			log.Printf("MEDIA: local mic track ended: %v", err)
		}
	})

	stop := func() {
		for _, t := range stream.GetTracks() {
			t.Close()
		}
	}
	return track, stop, nil
}
