//go:build !silero

package vad

func newSileroClassifier(ClassifierConfig) (FrameClassifier, error) {
	return nil, ErrUnsupported
}
