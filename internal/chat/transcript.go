package chat

import "sync"

// Transcript is an append-only, ordered log of turns. Readers get
// snapshots, so a render in progress is never disturbed by later appends.
type Transcript struct {
	mu          sync.RWMutex
	turns       []Turn
	subscribers []func(Turn)
}

// NewTranscript creates an empty transcript
func NewTranscript() *Transcript {
	return &Transcript{}
}

// Append adds a turn at the end and notifies subscribers
func (t *Transcript) Append(turn Turn) {
	t.mu.Lock()
	t.turns = append(t.turns, turn)
	subs := t.subscribers
	t.mu.Unlock()

	for _, fn := range subs {
		fn(turn)
	}
}

// All returns a snapshot of every turn in append order
func (t *Transcript) All() []Turn {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Turn(nil), t.turns...)
}

// Since returns a snapshot of the turns after the first n
func (t *Transcript) Since(n int) []Turn {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if n < 0 {
		n = 0
	}
	if n >= len(t.turns) {
		return nil
	}
	return append([]Turn(nil), t.turns[n:]...)
}

// Len returns the number of turns
func (t *Transcript) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.turns)
}

// Subscribe registers fn to be called after every append
func (t *Transcript) Subscribe(fn func(Turn)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subscribers = append(t.subscribers[:len(t.subscribers):len(t.subscribers)], fn)
}
