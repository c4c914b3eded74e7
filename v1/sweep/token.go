package sweep

import "sync"

// Result is what a resolved token delivers to its owner.
type Result struct {
	Sweep *Sweep
	// Err is the probe failure, nil on success. The completion path treats
	// both the same way.
	Err error
}

// Token is the completion handle a probe operation resolves exactly once.
type Token struct {
	once      sync.Once
	mu        sync.Mutex
	sweep     *Sweep
	abandoned bool
	deliver   func(Result)
}

// NewToken returns a token calling deliver on resolution.
func NewToken(deliver func(Result)) *Token {
	return &Token{deliver: deliver}
}

func (t *Token) bind(s *Sweep) {
	t.mu.Lock()
	t.sweep = s
	t.mu.Unlock()
}

// Resolve reports the end of the probe and whether this call delivered it.
// Later calls, and calls on an abandoned token, return false.
func (t *Token) Resolve(err error) bool {
	t.mu.Lock()
	if t.abandoned {
		t.mu.Unlock()
		return false
	}
	s := t.sweep
	t.mu.Unlock()

	delivered := false
	t.once.Do(func() {
		delivered = true
		t.deliver(Result{Sweep: s, Err: err})
	})
	return delivered
}

// Abandon disarms the token. It is used when the probe operation rejected
// the sweep synchronously and the initiator already cleaned up.
func (t *Token) Abandon() {
	t.mu.Lock()
	t.abandoned = true
	t.mu.Unlock()
}

// Abandoned reports whether Abandon was called.
func (t *Token) Abandoned() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.abandoned
}
