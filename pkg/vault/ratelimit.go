package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Unlock attempt limits: 5 attempts -> 30s, 10 attempts -> 5min,
// 20 attempts -> 30min
const (
	CooldownThreshold1 = 5
	CooldownThreshold2 = 10
	CooldownThreshold3 = 20
	CooldownDuration1  = 30 * time.Second
	CooldownDuration2  = 5 * time.Minute
	CooldownDuration3  = 30 * time.Minute
)

// ErrCooldownActive is returned by RateLimiter.Check while attempts are blocked.
var ErrCooldownActive = errors.New("vault: cooldown period active")

// RateLimiter is consulted before every unlock and told about every failed
// one. Backoff storage and policy belong to the implementation.
type RateLimiter interface {
	// Check returns the remaining cooldown and ErrCooldownActive when
	// attempts are currently blocked.
	Check(ctx context.Context) (time.Duration, error)

	// RecordFailure records a failed attempt and returns the cooldown it
	// triggered, if any.
	RecordFailure(ctx context.Context) (time.Duration, error)

	// Reset clears the failure history after a successful unlock.
	Reset(ctx context.Context) error
}

// LockState tracks failed unlock attempts for cooldown enforcement
type LockState struct {
	FailedAttempts int       `json:"failed_attempts"`
	LastAttempt    time.Time `json:"last_attempt"`
	CooldownUntil  time.Time `json:"cooldown_until"`
	LockoutCount   int       `json:"lockout_count"` // Number of times cooldown was triggered
}

// CooldownPolicy maps cumulative failures to cooldown durations.
type CooldownPolicy struct {
	Threshold1, Threshold2, Threshold3 int
	Duration1, Duration2, Duration3    time.Duration
}

// DefaultCooldownPolicy returns the 5/10/20 failure policy.
func DefaultCooldownPolicy() CooldownPolicy {
	return CooldownPolicy{
		Threshold1: CooldownThreshold1,
		Threshold2: CooldownThreshold2,
		Threshold3: CooldownThreshold3,
		Duration1:  CooldownDuration1,
		Duration2:  CooldownDuration2,
		Duration3:  CooldownDuration3,
	}
}

func (p CooldownPolicy) cooldownFor(failures int) time.Duration {
	switch {
	case p.Threshold3 > 0 && failures >= p.Threshold3:
		return p.Duration3
	case p.Threshold2 > 0 && failures >= p.Threshold2:
		return p.Duration2
	case p.Threshold1 > 0 && failures >= p.Threshold1:
		return p.Duration1
	}
	return 0
}

// CooldownLimiter is the default RateLimiter. With a path it persists its
// LockState as JSON so the count survives restarts; without one it keeps
// state in memory.
type CooldownLimiter struct {
	path   string
	policy CooldownPolicy
	now    func() time.Time

	mu  sync.Mutex
	mem LockState
}

// NewCooldownLimiter returns a limiter persisting to path ("" for memory).
func NewCooldownLimiter(path string, policy CooldownPolicy) *CooldownLimiter {
	return &CooldownLimiter{path: path, policy: policy, now: time.Now}
}

func (l *CooldownLimiter) Check(ctx context.Context) (time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	state, err := l.load()
	if err != nil {
		return 0, err
	}
	now := l.now()
	if !state.CooldownUntil.IsZero() && now.Before(state.CooldownUntil) {
		return state.CooldownUntil.Sub(now), ErrCooldownActive
	}
	return 0, nil
}

func (l *CooldownLimiter) RecordFailure(ctx context.Context) (time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	state, err := l.load()
	if err != nil {
		return 0, err
	}

	now := l.now()
	state.FailedAttempts++
	state.LastAttempt = now

	cooldown := l.policy.cooldownFor(state.FailedAttempts)
	if cooldown > 0 {
		state.CooldownUntil = now.Add(cooldown)
		state.LockoutCount++
	}

	return cooldown, l.save(state)
}

func (l *CooldownLimiter) Reset(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.mem = LockState{}
	if l.path == "" {
		return nil
	}
	err := os.Remove(l.path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("vault: failed to clear lock state: %w", err)
	}
	return nil
}

// State returns a copy of the current lock state.
func (l *CooldownLimiter) State(ctx context.Context) (*LockState, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	state, err := l.load()
	if err != nil {
		return nil, err
	}
	return &state, nil
}

func (l *CooldownLimiter) load() (LockState, error) {
	if l.path == "" {
		return l.mem, nil
	}
	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return LockState{}, nil
		}
		return LockState{}, fmt.Errorf("vault: failed to read lock state: %w", err)
	}

	var state LockState
	if err := json.Unmarshal(data, &state); err != nil {
		// Corrupted lock file - reset state
		return LockState{}, nil
	}
	return state, nil
}

func (l *CooldownLimiter) save(state LockState) error {
	if l.path == "" {
		l.mem = state
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0700); err != nil {
		return fmt.Errorf("vault: failed to create lock state directory: %w", err)
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("vault: failed to marshal lock state: %w", err)
	}
	if err := os.WriteFile(l.path, data, 0600); err != nil {
		return fmt.Errorf("vault: failed to write lock state: %w", err)
	}
	return nil
}
