package sched

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
)

// Token identifies one boost cycle. It must be handed back to Restore.
type Token struct {
	gen    uint64
	nested bool
}

// Nested reports whether the token was issued while a boost was already active.
func (t Token) Nested() bool {
	return t.nested
}

// Scheduler owns the single saved-policy slot for real-time boosts.
type Scheduler struct {
	mu         sync.Mutex
	thread     ThreadPolicy
	constraint Constraint

	saved   Policy
	boosted bool
	gen     uint64
}

// New returns a Scheduler that manipulates thread through the given policy
// backend, boosting into constraint.
func New(thread ThreadPolicy, constraint Constraint) *Scheduler {
	return &Scheduler{
		thread:     thread,
		constraint: constraint,
	}
}

// NewDefault returns a Scheduler for the calling OS thread with DefaultConstraint.
func NewDefault() *Scheduler {
	return New(CurrentThread(), DefaultConstraint)
}

// Boosted reports whether a boost cycle is active.
func (s *Scheduler) Boosted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boosted
}

// Boost switches the calling thread to the real-time constraint policy.
// The current policy is saved first; if it cannot be read, nothing is
// switched. Boosting while already boosted is a no-op that returns a nested
// token.
func (s *Scheduler) Boost() (Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.boosted {
		return Token{gen: s.gen, nested: true}, nil
	}

	prev, err := s.thread.Get()
	if err != nil {
		slog.Error("Could not query current scheduling settings", "error", err)
		return Token{}, fmt.Errorf("query scheduling policy: %w", err)
	}

	rt := s.constraint.Policy()
	if err := s.thread.Set(rt); err != nil {
		slog.Warn("Could not switch to realtime scheduling", "policy", rt.String(), "error", err)
		return Token{}, fmt.Errorf("switch to realtime: %w", err)
	}

	s.saved = prev
	s.boosted = true
	s.gen++
	slog.Debug("Realtime boost enabled", "previous", prev.String(), "policy", rt.String())

	return Token{gen: s.gen}, nil
}

// Restore reapplies the policy saved by the Boost that issued tok. Restoring
// while not boosted, or with a nested token, is a no-op. If reapplying fails
// the boost cycle is abandoned: the saved slot is discarded and not retried.
func (s *Scheduler) Restore(tok Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.boosted {
		return nil
	}
	if tok.gen != s.gen {
		return fmt.Errorf("%w: token generation %d, active %d", ErrStaleToken, tok.gen, s.gen)
	}
	if tok.nested {
		return nil
	}

	saved := s.saved
	s.saved = Policy{}
	s.boosted = false

	if err := s.thread.Set(saved); err != nil {
		slog.Error("Could not switch back to non-realtime scheduling", "policy", saved.String(), "error", err)
		return fmt.Errorf("restore scheduling policy: %w", err)
	}

	slog.Debug("Realtime boost disabled", "restored", saved.String())
	return nil
}

// Do runs fn with the real-time boost enabled, on a dedicated goroutine
// locked to its OS thread. The boost is restored even if fn panics; the panic
// is then re-raised on the caller's goroutine. A failed boost does not
// prevent fn from running; the boost or restore error is returned after fn
// completes. When restore fails the thread stays locked, so the runtime
// discards it instead of reusing it for other goroutines.
func (s *Scheduler) Do(fn func()) error {
	var (
		err      error
		panicked bool
		panicVal any
	)

	done := make(chan struct{})
	go func() {
		defer close(done)
		runtime.LockOSThread()

		tok, boostErr := s.Boost()
		defer func() {
			if boostErr != nil {
				err = boostErr
				runtime.UnlockOSThread()
				return
			}
			if err = s.Restore(tok); err != nil {
				return
			}
			runtime.UnlockOSThread()
		}()
		defer func() {
			if v := recover(); v != nil {
				panicked = true
				panicVal = v
			}
		}()

		fn()
	}()
	<-done

	if panicked {
		panic(panicVal)
	}
	return err
}

// IsUnsupported reports whether err means the platform has no policy control.
func IsUnsupported(err error) bool {
	return errors.Is(err, ErrUnsupported)
}
