// Package memotp keeps OTP challenges in process memory with a TTL. Losing
// the map on restart only forces users to request a fresh code, so this is a
// liveness shortcut, not a correctness one; deployments that need challenges
// to survive restarts use the redis-backed manager instead.
package memotp

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/GreenLoopResearchLab/wallet/pkg/wallet"
)

const (
	// DefaultTTL is the five minute challenge window.
	DefaultTTL = 5 * time.Minute
	// DefaultSweepInterval is how often expired challenges are evicted.
	DefaultSweepInterval = time.Minute

	codeSpace = 1_000_000
)

type challenge struct {
	code             wallet.OTPCode
	expiresAtUnixUTC int64
}

// Manager implements wallet.Challenger over an in-memory map keyed by user.
type Manager struct {
	mu         sync.Mutex
	nowFn      func() int64
	ttl        time.Duration
	challenges map[string]challenge
}

// Option configures a Manager.
type Option func(*Manager)

// WithTTL overrides the challenge window.
func WithTTL(ttl time.Duration) Option {
	return func(manager *Manager) {
		manager.ttl = ttl
	}
}

// New wires a Manager against the supplied clock.
func New(now func() int64, options ...Option) (*Manager, error) {
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", wallet.ErrInvalidServiceConfig)
	}
	manager := &Manager{
		nowFn:      now,
		ttl:        DefaultTTL,
		challenges: make(map[string]challenge),
	}
	for _, option := range options {
		if option != nil {
			option(manager)
		}
	}
	if manager.ttl <= 0 {
		return nil, fmt.Errorf("%w: ttl must be positive", wallet.ErrInvalidServiceConfig)
	}
	return manager, nil
}

// Issue generates a uniformly random six digit code and replaces any prior
// challenge for the user.
func (manager *Manager) Issue(_ context.Context, userID wallet.UserID) (wallet.Challenge, error) {
	code, err := randomCode()
	if err != nil {
		return wallet.Challenge{}, err
	}
	expiresAt := manager.nowFn() + int64(manager.ttl/time.Second)
	manager.mu.Lock()
	manager.challenges[userID.String()] = challenge{code: code, expiresAtUnixUTC: expiresAt}
	manager.mu.Unlock()
	return wallet.Challenge{Code: code, ExpiresAtUnixUTC: expiresAt}, nil
}

// Verify consumes the challenge on an exact match before expiry. A mismatch
// leaves the challenge for retry until it expires or is replaced.
func (manager *Manager) Verify(_ context.Context, userID wallet.UserID, code wallet.OTPCode) error {
	manager.mu.Lock()
	defer manager.mu.Unlock()
	stored, exists := manager.challenges[userID.String()]
	if !exists {
		return wallet.ErrChallengeNotFound
	}
	if manager.nowFn() > stored.expiresAtUnixUTC {
		delete(manager.challenges, userID.String())
		return wallet.ErrChallengeExpired
	}
	if stored.code != code {
		return wallet.ErrChallengeMismatch
	}
	delete(manager.challenges, userID.String())
	return nil
}

// Sweep evicts expired challenges and reports how many were removed.
// Idempotent and safe to run concurrently with issue and verify.
func (manager *Manager) Sweep() int {
	now := manager.nowFn()
	manager.mu.Lock()
	defer manager.mu.Unlock()
	evicted := 0
	for key, stored := range manager.challenges {
		if now > stored.expiresAtUnixUTC {
			delete(manager.challenges, key)
			evicted++
		}
	}
	return evicted
}

// Run sweeps on the given interval until the context is cancelled.
func (manager *Manager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			manager.Sweep()
		}
	}
}

func randomCode() (wallet.OTPCode, error) {
	value, err := rand.Int(rand.Reader, big.NewInt(codeSpace))
	if err != nil {
		return wallet.OTPCode{}, fmt.Errorf("generate code: %w", err)
	}
	return wallet.NewOTPCode(fmt.Sprintf("%06d", value.Int64()))
}
