package vad

import "time"

// EventType distinguishes the two edges the adapter reports.
type EventType int

const (
	SpeechStart EventType = iota + 1
	SpeechEnd
)

func (t EventType) String() string {
	switch t {
	case SpeechStart:
		return "speech_start"
	case SpeechEnd:
		return "speech_end"
	default:
		return "unknown"
	}
}

// Event is one speech edge. At is the offset from the start of the stream;
// for SpeechStart it is moved back by the pre-speech pad.
type Event struct {
	Type EventType
	At   time.Duration
}

// Config is the hysteresis policy in frames of the capture format.
type Config struct {
	PositiveThreshold  float32
	NegativeThreshold  float32
	MinSpeechFrames    int
	RedemptionFrames   int
	PreSpeechPadFrames int
}

// DefaultConfig assumes 20 ms frames: ~100 ms to start, 600 ms to end.
var DefaultConfig = Config{
	PositiveThreshold:  0.5,
	NegativeThreshold:  0.35,
	MinSpeechFrames:    5,
	RedemptionFrames:   30,
	PreSpeechPadFrames: 10,
}

// Detector applies hysteresis to per-frame probabilities. Speech starts once
// MinSpeechFrames consecutive frames score at or above PositiveThreshold and
// ends once RedemptionFrames frames in a row score below NegativeThreshold.
// Frames between the two thresholds hold the current counters.
type Detector struct {
	cfg        Config
	frame      time.Duration
	speaking   bool
	candidate  int
	firstVoice int
	redemption int
	index      int
}

func NewDetector(cfg Config, frameDuration time.Duration) *Detector {
	if cfg.MinSpeechFrames < 1 {
		cfg.MinSpeechFrames = 1
	}
	if cfg.RedemptionFrames < 1 {
		cfg.RedemptionFrames = 1
	}
	if cfg.NegativeThreshold > cfg.PositiveThreshold {
		cfg.NegativeThreshold = cfg.PositiveThreshold
	}
	return &Detector{cfg: cfg, frame: frameDuration}
}

// Speaking reports the current hysteresis state.
func (d *Detector) Speaking() bool { return d.speaking }

// Process consumes the probability of the next frame and returns an event
// when an edge is crossed.
func (d *Detector) Process(p float32) (Event, bool) {
	i := d.index
	d.index++

	if !d.speaking {
		switch {
		case p >= d.cfg.PositiveThreshold:
			if d.candidate == 0 {
				d.firstVoice = i
			}
			d.candidate++
			if d.candidate >= d.cfg.MinSpeechFrames {
				d.speaking = true
				d.candidate = 0
				d.redemption = 0
				start := d.firstVoice - d.cfg.PreSpeechPadFrames
				if start < 0 {
					start = 0
				}
				return Event{Type: SpeechStart, At: time.Duration(start) * d.frame}, true
			}
		case p < d.cfg.NegativeThreshold:
			d.candidate = 0
		}
		return Event{}, false
	}

	switch {
	case p >= d.cfg.PositiveThreshold:
		d.redemption = 0
	case p < d.cfg.NegativeThreshold:
		d.redemption++
		if d.redemption >= d.cfg.RedemptionFrames {
			d.speaking = false
			d.redemption = 0
			return Event{Type: SpeechEnd, At: time.Duration(d.index) * d.frame}, true
		}
	}
	return Event{}, false
}

// Reset forgets all state, including the frame clock.
func (d *Detector) Reset() {
	*d = Detector{cfg: d.cfg, frame: d.frame}
}
