package redisotp

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/GreenLoopResearchLab/wallet/pkg/wallet"
)

type manualClock struct {
	mu  sync.Mutex
	now int64
}

func (clock *manualClock) Now() int64 {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	return clock.now
}

func (clock *manualClock) Advance(seconds int64) {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	clock.now += seconds
}

func newManagerForTest(test *testing.T) (*Manager, *miniredis.Miniredis, *manualClock) {
	test.Helper()
	server := miniredis.RunT(test)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	test.Cleanup(func() { _ = client.Close() })
	clock := &manualClock{now: 1_700_000_000}
	manager, err := New(client, clock.Now)
	if err != nil {
		test.Fatalf("new manager: %v", err)
	}
	return manager, server, clock
}

func mustUserID(test *testing.T, raw string) wallet.UserID {
	test.Helper()
	userID, err := wallet.NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}

func TestParseValueRoundTrip(test *testing.T) {
	test.Parallel()
	code, expiresAt, err := parseValue("042137:1700000300")
	if err != nil {
		test.Fatalf("parse: %v", err)
	}
	if code != "042137" {
		test.Fatalf("expected code 042137, got %q", code)
	}
	if expiresAt != 1_700_000_300 {
		test.Fatalf("expected expiry 1700000300, got %d", expiresAt)
	}
}

func TestParseValueRejectsMalformed(test *testing.T) {
	test.Parallel()
	for _, value := range []string{"", "123456", "123456:not-a-number"} {
		if _, _, err := parseValue(value); err == nil {
			test.Fatalf("expected error for %q", value)
		}
	}
}

func TestRandomCodeIsSixDigits(test *testing.T) {
	test.Parallel()
	for attempt := 0; attempt < 32; attempt++ {
		code, err := randomCode()
		if err != nil {
			test.Fatalf("generate: %v", err)
		}
		if len(code.String()) != wallet.OTPCodeLength {
			test.Fatalf("expected 6 digit code, got %q", code.String())
		}
	}
}

func TestIssueProducesSixDigitCodeWithFiveMinuteWindow(test *testing.T) {
	test.Parallel()
	manager, server, clock := newManagerForTest(test)
	userID := mustUserID(test, "issue-user")

	issued, err := manager.Issue(context.Background(), userID)
	if err != nil {
		test.Fatalf("issue: %v", err)
	}
	if len(issued.Code.String()) != wallet.OTPCodeLength {
		test.Fatalf("expected %d digits, got %q", wallet.OTPCodeLength, issued.Code.String())
	}
	if issued.ExpiresAtUnixUTC != clock.Now()+300 {
		test.Fatalf("expected expiry at now+300, got %d", issued.ExpiresAtUnixUTC)
	}
	if ttl := server.TTL(challengeKey(userID)); ttl != DefaultTTL*ttlGraceFactor {
		test.Fatalf("expected key ttl %s, got %s", DefaultTTL*ttlGraceFactor, ttl)
	}
}

func TestVerifyConsumesExactlyOnce(test *testing.T) {
	test.Parallel()
	manager, _, _ := newManagerForTest(test)
	userID := mustUserID(test, "consume-user")

	issued, err := manager.Issue(context.Background(), userID)
	if err != nil {
		test.Fatalf("issue: %v", err)
	}
	if err := manager.Verify(context.Background(), userID, issued.Code); err != nil {
		test.Fatalf("first verify: %v", err)
	}
	if err := manager.Verify(context.Background(), userID, issued.Code); !errors.Is(err, wallet.ErrChallengeNotFound) {
		test.Fatalf("expected ErrChallengeNotFound on reuse, got %v", err)
	}
}

func TestVerifyExpiredChallengeDiscarded(test *testing.T) {
	test.Parallel()
	manager, _, clock := newManagerForTest(test)
	userID := mustUserID(test, "expired-user")

	issued, err := manager.Issue(context.Background(), userID)
	if err != nil {
		test.Fatalf("issue: %v", err)
	}
	clock.Advance(301)
	if err := manager.Verify(context.Background(), userID, issued.Code); !errors.Is(err, wallet.ErrChallengeExpired) {
		test.Fatalf("expected ErrChallengeExpired, got %v", err)
	}
	// The expired challenge is gone, not retriable.
	if err := manager.Verify(context.Background(), userID, issued.Code); !errors.Is(err, wallet.ErrChallengeNotFound) {
		test.Fatalf("expected ErrChallengeNotFound after discard, got %v", err)
	}
}

func TestVerifyMismatchKeepsChallenge(test *testing.T) {
	test.Parallel()
	manager, _, _ := newManagerForTest(test)
	userID := mustUserID(test, "mismatch-user")

	issued, err := manager.Issue(context.Background(), userID)
	if err != nil {
		test.Fatalf("issue: %v", err)
	}
	wrong := "000000"
	if wrong == issued.Code.String() {
		wrong = "000001"
	}
	wrongCode, err := wallet.NewOTPCode(wrong)
	if err != nil {
		test.Fatalf("wrong code: %v", err)
	}
	if err := manager.Verify(context.Background(), userID, wrongCode); !errors.Is(err, wallet.ErrChallengeMismatch) {
		test.Fatalf("expected ErrChallengeMismatch, got %v", err)
	}
	if err := manager.Verify(context.Background(), userID, issued.Code); err != nil {
		test.Fatalf("expected correct code to verify after mismatch, got %v", err)
	}
}

func TestIssueReplacesPriorChallenge(test *testing.T) {
	test.Parallel()
	manager, _, _ := newManagerForTest(test)
	userID := mustUserID(test, "replace-user")

	first, err := manager.Issue(context.Background(), userID)
	if err != nil {
		test.Fatalf("first issue: %v", err)
	}
	second, err := manager.Issue(context.Background(), userID)
	if err != nil {
		test.Fatalf("second issue: %v", err)
	}
	if first.Code == second.Code {
		test.Skipf("random collision between consecutive codes")
	}
	if err := manager.Verify(context.Background(), userID, first.Code); !errors.Is(err, wallet.ErrChallengeMismatch) {
		test.Fatalf("expected stale code rejected, got %v", err)
	}
	if err := manager.Verify(context.Background(), userID, second.Code); err != nil {
		test.Fatalf("expected fresh code accepted, got %v", err)
	}
}

func TestVerifyUnknownUser(test *testing.T) {
	test.Parallel()
	manager, _, _ := newManagerForTest(test)
	code, err := wallet.NewOTPCode("123456")
	if err != nil {
		test.Fatalf("code: %v", err)
	}
	if err := manager.Verify(context.Background(), mustUserID(test, "nobody"), code); !errors.Is(err, wallet.ErrChallengeNotFound) {
		test.Fatalf("expected ErrChallengeNotFound, got %v", err)
	}
}

func TestEvictedKeyCollapsesToNotFound(test *testing.T) {
	test.Parallel()
	manager, server, _ := newManagerForTest(test)
	userID := mustUserID(test, "evicted-user")

	issued, err := manager.Issue(context.Background(), userID)
	if err != nil {
		test.Fatalf("issue: %v", err)
	}
	server.FastForward(DefaultTTL*ttlGraceFactor + time.Second)
	if err := manager.Verify(context.Background(), userID, issued.Code); !errors.Is(err, wallet.ErrChallengeNotFound) {
		test.Fatalf("expected ErrChallengeNotFound past the grace window, got %v", err)
	}
}

func TestNewValidatesDependencies(test *testing.T) {
	test.Parallel()
	clock := func() int64 { return 0 }
	if _, err := New(nil, clock); !errors.Is(err, wallet.ErrInvalidServiceConfig) {
		test.Fatalf("expected config error for nil client, got %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer client.Close()
	if _, err := New(client, nil); !errors.Is(err, wallet.ErrInvalidServiceConfig) {
		test.Fatalf("expected config error for nil clock, got %v", err)
	}
	if _, err := New(client, clock, WithTTL(-time.Second)); !errors.Is(err, wallet.ErrInvalidServiceConfig) {
		test.Fatalf("expected config error for negative ttl, got %v", err)
	}
}
