package ratelimit

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestLimiter(limits Limits) (*Limiter, *time.Time) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	l := NewLimiter(slog.Default(), time.Minute, limits, 3, time.Minute, 16)
	l.now = func() time.Time { return now }
	return l, &now
}

func TestLimiter_ExactlyNPerWindow(t *testing.T) {
	req := require.New(t)
	limiter, now := newTestLimiter(Limits{CategoryMessage: 5})

	// When an identity consumes exactly the window budget
	for i := 0; i < 5; i++ {
		req.True(limiter.CheckAndConsume("alice", CategoryMessage))
	}

	// Then the next call is denied until the window resets
	req.False(limiter.CheckAndConsume("alice", CategoryMessage))

	// When the window elapses
	*now = now.Add(time.Minute)

	// Then the counter starts from zero again
	req.True(limiter.CheckAndConsume("alice", CategoryMessage))
}

func TestLimiter_DenialDoesNotConsume(t *testing.T) {
	req := require.New(t)
	limiter, now := newTestLimiter(Limits{CategoryMessage: 1})

	req.True(limiter.CheckAndConsume("alice", CategoryMessage))
	req.False(limiter.CheckAndConsume("alice", CategoryMessage))

	// A denied call must not have incremented the counter: after reset the
	// full budget is available again.
	*now = now.Add(time.Minute)
	req.True(limiter.CheckAndConsume("alice", CategoryMessage))
}

func TestLimiter_CategoriesAreIndependent(t *testing.T) {
	req := require.New(t)
	limiter, _ := newTestLimiter(Limits{CategoryMessage: 1, CategoryJoin: 2})

	req.True(limiter.CheckAndConsume("alice", CategoryMessage))
	req.False(limiter.CheckAndConsume("alice", CategoryMessage))

	// Exhausting messages must not touch the join budget
	req.True(limiter.CheckAndConsume("alice", CategoryJoin))
	req.True(limiter.CheckAndConsume("alice", CategoryJoin))
	req.False(limiter.CheckAndConsume("alice", CategoryJoin))
}

func TestLimiter_BlockAfterRepeatedViolations(t *testing.T) {
	req := require.New(t)
	limiter, now := newTestLimiter(Limits{CategoryMessage: 1})

	req.True(limiter.CheckAndConsume("mallory", CategoryMessage))

	// Given three consecutive violations (the configured threshold)
	for i := 0; i < 3; i++ {
		req.False(limiter.CheckAndConsume("mallory", CategoryMessage))
	}

	// Then the identity is blocked, independent of window state
	*now = now.Add(30 * time.Second)
	req.False(limiter.CheckAndConsume("mallory", CategoryMessage))

	blocked := limiter.ListBlocked()
	req.Len(blocked, 1)
	req.Equal("mallory", blocked[0].Identity)
}

func TestLimiter_BlockDurationEscalates(t *testing.T) {
	req := require.New(t)
	limiter, now := newTestLimiter(Limits{CategoryMessage: 1})

	req.True(limiter.CheckAndConsume("mallory", CategoryMessage))
	for i := 0; i < 3; i++ {
		limiter.CheckAndConsume("mallory", CategoryMessage)
	}
	firstBlock := limiter.ListBlocked()[0]
	req.Equal(now.Add(time.Minute), firstBlock.Until)

	// When the block expires and the identity re-offends right away, the
	// duration doubles
	*now = now.Add(2 * time.Minute)
	req.True(limiter.CheckAndConsume("mallory", CategoryMessage))
	for i := 0; i < 4; i++ {
		limiter.CheckAndConsume("mallory", CategoryMessage)
	}
	secondBlock := limiter.ListBlocked()[0]
	req.Equal(now.Add(2*time.Minute), secondBlock.Until)

	// A third offense straight after that block quadruples it
	*now = now.Add(3 * time.Minute)
	req.True(limiter.CheckAndConsume("mallory", CategoryMessage))
	limiter.CheckAndConsume("mallory", CategoryMessage)
	thirdBlock := limiter.ListBlocked()[0]
	req.Equal(now.Add(4*time.Minute), thirdBlock.Until)
}

func TestLimiter_ViolationsDecayAfterQuietPeriod(t *testing.T) {
	req := require.New(t)
	limiter, now := newTestLimiter(Limits{CategoryMessage: 1})

	limiter.CheckAndConsume("mallory", CategoryMessage)
	for i := 0; i < 3; i++ {
		limiter.CheckAndConsume("mallory", CategoryMessage)
	}
	req.Equal(now.Add(time.Minute), limiter.ListBlocked()[0].Until)

	// When the identity stays quiet well past the block and the violation
	// retention
	*now = now.Add(10 * time.Minute)
	req.True(limiter.CheckAndConsume("mallory", CategoryMessage))

	// Then a fresh offense round starts back at the base duration
	for i := 0; i < 3; i++ {
		limiter.CheckAndConsume("mallory", CategoryMessage)
	}
	req.Equal(now.Add(time.Minute), limiter.ListBlocked()[0].Until)
}

func TestLimiter_BlockExpiryClearsViolations(t *testing.T) {
	req := require.New(t)
	limiter, now := newTestLimiter(Limits{CategoryMessage: 1})

	limiter.CheckAndConsume("mallory", CategoryMessage)
	for i := 0; i < 3; i++ {
		limiter.CheckAndConsume("mallory", CategoryMessage)
	}
	req.Len(limiter.ListBlocked(), 1)

	// When the block expires
	*now = now.Add(5 * time.Minute)

	// Then the next admission succeeds and the slate is clean
	req.True(limiter.CheckAndConsume("mallory", CategoryMessage))
	req.Empty(limiter.ListBlocked())
	req.Empty(limiter.ListSuspicious())
}

func TestLimiter_Unblock(t *testing.T) {
	req := require.New(t)
	limiter, _ := newTestLimiter(Limits{CategoryMessage: 1})

	limiter.CheckAndConsume("mallory", CategoryMessage)
	for i := 0; i < 3; i++ {
		limiter.CheckAndConsume("mallory", CategoryMessage)
	}
	req.Len(limiter.ListBlocked(), 1)

	// When an operator unblocks manually
	req.True(limiter.Unblock("mallory"))

	// Then the window budget is restored with the block, admission works
	// right away, and a second unblock is a no-op
	req.True(limiter.CheckAndConsume("mallory", CategoryMessage))
	req.Empty(limiter.ListSuspicious())
	req.False(limiter.Unblock("mallory"))
}

func TestLimiter_ListSuspicious(t *testing.T) {
	req := require.New(t)
	limiter, _ := newTestLimiter(Limits{CategoryMessage: 1})

	limiter.CheckAndConsume("alice", CategoryMessage)
	limiter.CheckAndConsume("alice", CategoryMessage) // one violation, below threshold

	suspicious := limiter.ListSuspicious()
	req.Len(suspicious, 1)
	req.Equal("alice", suspicious[0].Identity)
	req.Equal(1, suspicious[0].Violations)
	req.Empty(limiter.ListBlocked())
}

func TestLimiter_SweepDropsExpiredState(t *testing.T) {
	req := require.New(t)
	limiter, now := newTestLimiter(Limits{CategoryMessage: 1})

	limiter.CheckAndConsume("alice", CategoryMessage)
	limiter.CheckAndConsume("mallory", CategoryMessage)
	for i := 0; i < 3; i++ {
		limiter.CheckAndConsume("mallory", CategoryMessage)
	}

	// When everything ages past the retention horizon
	limiter.Sweep(now.Add(10 * time.Minute))

	req.Empty(limiter.ListBlocked())
	req.Empty(limiter.ListSuspicious())
	req.Empty(limiter.windows)
}
