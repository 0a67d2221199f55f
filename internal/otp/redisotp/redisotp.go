// Package redisotp keeps OTP challenges in Redis so they survive process
// restarts and are shared across replicas. One key per user; issuing
// overwrites the key, which is exactly the replace-on-reissue contract.
package redisotp

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/GreenLoopResearchLab/wallet/pkg/wallet"
)

const (
	// DefaultTTL is the five minute challenge window.
	DefaultTTL = 5 * time.Minute

	keyPrefix      = "wallet:otp:"
	valueDelimiter = ":"
	codeSpace      = 1_000_000

	// The key lives twice the window so an expired-but-recent challenge
	// still answers with Expired instead of NotFound. After the grace the
	// distinction collapses to NotFound, which callers treat the same way.
	ttlGraceFactor = 2
)

// consumeScript deletes the key only when it still holds the expected value,
// making the code single-use even under concurrent verification.
var consumeScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Manager implements wallet.Challenger over a Redis client.
type Manager struct {
	client *redis.Client
	nowFn  func() int64
	ttl    time.Duration
}

// Option configures a Manager.
type Option func(*Manager)

// WithTTL overrides the challenge window.
func WithTTL(ttl time.Duration) Option {
	return func(manager *Manager) {
		manager.ttl = ttl
	}
}

// New wires a Manager against the supplied client and clock.
func New(client *redis.Client, now func() int64, options ...Option) (*Manager, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: redis client is nil", wallet.ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", wallet.ErrInvalidServiceConfig)
	}
	manager := &Manager{client: client, nowFn: now, ttl: DefaultTTL}
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
func (manager *Manager) Issue(ctx context.Context, userID wallet.UserID) (wallet.Challenge, error) {
	code, err := randomCode()
	if err != nil {
		return wallet.Challenge{}, err
	}
	expiresAt := manager.nowFn() + int64(manager.ttl/time.Second)
	value := code.String() + valueDelimiter + strconv.FormatInt(expiresAt, 10)
	if err := manager.client.Set(ctx, challengeKey(userID), value, manager.ttl*ttlGraceFactor).Err(); err != nil {
		return wallet.Challenge{}, wallet.WrapError("otp", "challenge", "store", err)
	}
	return wallet.Challenge{Code: code, ExpiresAtUnixUTC: expiresAt}, nil
}

// Verify consumes the challenge on an exact match before expiry. A mismatch
// leaves the key untouched for retry.
func (manager *Manager) Verify(ctx context.Context, userID wallet.UserID, code wallet.OTPCode) error {
	key := challengeKey(userID)
	value, err := manager.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return wallet.ErrChallengeNotFound
	}
	if err != nil {
		return wallet.WrapError("otp", "challenge", "load", err)
	}
	storedCode, expiresAt, err := parseValue(value)
	if err != nil {
		return err
	}
	if manager.nowFn() > expiresAt {
		// Best effort discard; the TTL collects it regardless.
		_, _ = consumeScript.Run(ctx, manager.client, []string{key}, value).Result()
		return wallet.ErrChallengeExpired
	}
	if storedCode != code.String() {
		return wallet.ErrChallengeMismatch
	}
	deleted, err := consumeScript.Run(ctx, manager.client, []string{key}, value).Int()
	if err != nil {
		return wallet.WrapError("otp", "challenge", "consume", err)
	}
	if deleted == 0 {
		// Replaced or consumed between the read and the delete.
		return wallet.ErrChallengeNotFound
	}
	return nil
}

func challengeKey(userID wallet.UserID) string {
	return keyPrefix + userID.String()
}

func parseValue(value string) (string, int64, error) {
	index := strings.LastIndex(value, valueDelimiter)
	if index < 0 {
		return "", 0, wallet.WrapError("otp", "challenge", "decode", fmt.Errorf("malformed challenge value"))
	}
	expiresAt, err := strconv.ParseInt(value[index+1:], 10, 64)
	if err != nil {
		return "", 0, wallet.WrapError("otp", "challenge", "decode", err)
	}
	return value[:index], expiresAt, nil
}

func randomCode() (wallet.OTPCode, error) {
	value, err := rand.Int(rand.Reader, big.NewInt(codeSpace))
	if err != nil {
		return wallet.OTPCode{}, fmt.Errorf("generate code: %w", err)
	}
	return wallet.NewOTPCode(fmt.Sprintf("%06d", value.Int64()))
}
