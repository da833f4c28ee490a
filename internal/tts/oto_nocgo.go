//go:build !cgo

package tts

import "errors"

type OtoSpeaker struct{ Speaker }

func NewOtoSpeaker() (*OtoSpeaker, error) {
	return nil, errors.New("tts: local playback needs a cgo build")
}
