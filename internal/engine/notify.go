package engine

import (
	"sync"
	"time"
)

// drainLimit bounds how long a closing notifier waits for observers.
const drainLimit = 2 * time.Second

type NotificationKind string

const (
	NotifyPhase      NotificationKind = "phase"
	NotifyTranscript NotificationKind = "transcript"
	NotifyWarning    NotificationKind = "warning"
	NotifyActivity   NotificationKind = "activity"
	NotifyResult     NotificationKind = "result"
)

// Warning codes carried by NotifyWarning.
const (
	WarningShortAnswer  = "short_answer"
	WarningConfirmDone  = "confirm_done"
	WarningSTTDegraded  = "transcription_degraded"
	WarningPlaybackLost = "playback_failed"
)

// Activity codes carried by NotifyActivity.
const (
	ActivitySpeechStarted  = "speech_started"
	ActivitySpeechEnded    = "speech_ended"
	ActivitySilenceStarted = "silence_started"
	ActivitySilenceEnded   = "silence_ended"
)

// Notification is one entry on the observer stream. Only the fields that
// match Kind are set.
type Notification struct {
	Kind       NotificationKind `json:"kind"`
	TurnID     string           `json:"turn_id"`
	Phase      Phase            `json:"phase"`
	Transcript string           `json:"transcript,omitempty"`
	Code       string           `json:"code,omitempty"`
	Result     *Result          `json:"result,omitempty"`
	At         time.Time        `json:"at"`
}

// notifier decouples the event loop from observers. Pushes never block;
// consecutive transcript updates collapse into the newest one.
type notifier struct {
	mu     sync.Mutex
	queue  []Notification
	wake   chan struct{}
	out    chan Notification
	done   chan struct{}
	closed bool
}

func newNotifier() *notifier {
	n := &notifier{
		wake: make(chan struct{}, 1),
		out:  make(chan Notification),
		done: make(chan struct{}),
	}
	go n.run()
	return n
}

func (n *notifier) push(note Notification) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	if last := len(n.queue) - 1; note.Kind == NotifyTranscript && last >= 0 &&
		n.queue[last].Kind == NotifyTranscript && n.queue[last].TurnID == note.TurnID {
		n.queue[last] = note
	} else {
		n.queue = append(n.queue, note)
	}
	n.mu.Unlock()

	select {
	case n.wake <- struct{}{}:
	default:
	}
}

func (n *notifier) run() {
	defer close(n.out)
	for {
		n.mu.Lock()
		if len(n.queue) == 0 {
			n.mu.Unlock()
			select {
			case <-n.wake:
				continue
			case <-n.done:
				n.drain()
				return
			}
		}
		note := n.queue[0]
		n.queue = n.queue[1:]
		n.mu.Unlock()

		select {
		case n.out <- note:
		case <-n.done:
			n.mu.Lock()
			n.queue = append([]Notification{note}, n.queue...)
			n.mu.Unlock()
			n.drain()
			return
		}
	}
}

// drain hands what was queued before close to observers, giving up after
// drainLimit if nobody reads.
func (n *notifier) drain() {
	n.mu.Lock()
	rest := n.queue
	n.queue = nil
	n.mu.Unlock()

	limit := time.NewTimer(drainLimit)
	defer limit.Stop()
	for _, note := range rest {
		select {
		case n.out <- note:
		case <-limit.C:
			return
		}
	}
}

// close stops accepting pushes. Notifications already queued are still
// delivered before the stream ends.
func (n *notifier) close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	n.mu.Unlock()
	close(n.done)
}
