package client

import (
	"sync"
	"time"

	"github.com/orchestra-mcp/relay/src/types"
)

// DefaultTypingTimeout is how long a typing indicator survives without a
// follow-up signal.
const DefaultTypingTimeout = 3 * time.Second

// TypingIndicator tracks which peers are typing. The receiver owns expiry:
// a true signal that is never followed by false clears itself after the
// timeout.
type TypingIndicator struct {
	timeout  time.Duration
	onChange func(user types.UserID, typing bool)

	mu     sync.Mutex
	active map[types.UserID]*typingEntry
	seq    uint64
}

type typingEntry struct {
	timer *time.Timer
	gen   uint64
}

// NewTypingIndicator creates an indicator. onChange, if set, is called
// outside the lock on every transition, including expiry.
func NewTypingIndicator(timeout time.Duration, onChange func(types.UserID, bool)) *TypingIndicator {
	if timeout <= 0 {
		timeout = DefaultTypingTimeout
	}
	return &TypingIndicator{
		timeout:  timeout,
		onChange: onChange,
		active:   make(map[types.UserID]*typingEntry),
	}
}

// Apply handles a userTyping event.
func (t *TypingIndicator) Apply(p types.UserTypingPayload) {
	if p.UserID == "" {
		return
	}
	t.mu.Lock()
	prev, was := t.active[p.UserID]
	if was {
		prev.timer.Stop()
		delete(t.active, p.UserID)
	}
	if p.IsTyping {
		t.seq++
		gen := t.seq
		user := p.UserID
		t.active[user] = &typingEntry{
			gen:   gen,
			timer: time.AfterFunc(t.timeout, func() { t.expire(user, gen) }),
		}
	}
	t.mu.Unlock()

	if was != p.IsTyping {
		t.notify(p.UserID, p.IsTyping)
	}
}

func (t *TypingIndicator) expire(user types.UserID, gen uint64) {
	t.mu.Lock()
	e, ok := t.active[user]
	// A newer signal re-armed the indicator after this timer fired.
	if !ok || e.gen != gen {
		t.mu.Unlock()
		return
	}
	delete(t.active, user)
	t.mu.Unlock()
	t.notify(user, false)
}

// IsTyping reports whether user is currently shown as typing.
func (t *TypingIndicator) IsTyping(user types.UserID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.active[user]
	return ok
}

// Stop cancels all pending expiries without notifying.
func (t *TypingIndicator) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for u, e := range t.active {
		e.timer.Stop()
		delete(t.active, u)
	}
}

func (t *TypingIndicator) notify(user types.UserID, typing bool) {
	if t.onChange != nil {
		t.onChange(user, typing)
	}
}
