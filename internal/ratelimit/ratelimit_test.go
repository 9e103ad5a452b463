package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpeedLimiterAllowsUntilMax(t *testing.T) {
	s := NewSpeedLimiter(nil, 0, 0, 0, 0, 0)
	amount := MaxDownloadLimitPerMinute / 10

	for i := 0; i < 9; i++ {
		assert.True(t, s.GetToken("bla", amount))
	}
	for i := 0; i < 9; i++ {
		assert.False(t, s.GetToken("bla", amount))
	}
}

func TestSpeedLimiterDegradeRestoresCapacity(t *testing.T) {
	s := NewSpeedLimiter(nil, 0, 0, 0, 0, 0)
	amount := MaxDownloadLimitPerMinute / 10

	for i := 0; i < 9; i++ {
		require.True(t, s.GetToken("bla", amount))
	}

	s.bucket.degrade(ResetDownloadLimitPerMinute, DegradationFactor)

	for i := 0; i < 7; i++ {
		assert.True(t, s.GetToken("bla", amount))
	}
	assert.False(t, s.GetToken("bla", amount))
}

func TestSpeedLimiterDegradeEvictsBelowFloor(t *testing.T) {
	s := NewSpeedLimiter(nil, 0, 0, 0, 0, 0)
	s.GetToken("small", ResetDownloadLimitPerMinute-1)

	s.bucket.degrade(ResetDownloadLimitPerMinute, DegradationFactor)

	s.bucket.mu.Lock()
	_, present := s.bucket.counts["small"]
	s.bucket.mu.Unlock()
	assert.False(t, present)
}

func TestConnectionLimiterAllowsUpToLimit(t *testing.T) {
	c := NewConnectionLimiter(nil, 0, 0, 0)
	for i := 0; i < ConnectionsPerSecond-1; i++ {
		assert.True(t, c.AddNewConnection("client"))
	}
	assert.False(t, c.AddNewConnection("client"))
}

func TestConnectionLimiterResetClearsWindow(t *testing.T) {
	c := NewConnectionLimiter(nil, 0, 0, 0)
	for i := 0; i < ConnectionsPerSecond; i++ {
		c.AddNewConnection("client")
	}
	require.False(t, c.AddNewConnection("client"))

	c.bucket.reset()

	assert.True(t, c.AddNewConnection("client"))
}

func TestIsClientInViolationAndPenalty(t *testing.T) {
	c := NewConnectionLimiter(nil, 0, 0, 0)
	assert.False(t, c.IsClientInViolation("client"))
	assert.Equal(t, time.Duration(0), c.GetPenaltyTime("client"))

	for i := 0; i < ConnectionsPerSecond; i++ {
		c.AddNewConnection("client")
	}

	assert.True(t, c.IsClientInViolation("client"))
	assert.Greater(t, c.GetPenaltyTime("client"), time.Duration(0))
}

func TestCompositeLimiterDelegates(t *testing.T) {
	cl := NewCompositeLimiter(nil)
	for i := 0; i < ConnectionsPerSecond; i++ {
		cl.AddNewConnection("client")
	}
	assert.True(t, cl.IsClientInViolation("client"))
	assert.False(t, cl.IsClientInViolation("other"))
}

func TestPenalizeConnectionErrorForcesViolation(t *testing.T) {
	c := NewConnectionLimiter(nil, 0, 0, 0)
	assert.False(t, c.IsClientInViolation("client"))

	c.PenalizeConnectionError("client")

	assert.True(t, c.IsClientInViolation("client"))
	assert.Greater(t, c.GetPenaltyTime("client"), time.Duration(0))
}

func TestCompositeLimiterPenalizeConnectionErrorDelegatesToConnections(t *testing.T) {
	cl := NewCompositeLimiter(nil)
	cl.PenalizeConnectionError("client")

	assert.True(t, cl.Connections.IsClientInViolation("client"))
	assert.False(t, cl.Speed.IsClientInViolation("client"))
}

func TestNoopLimiterAlwaysAllows(t *testing.T) {
	var n NoopLimiter
	assert.True(t, n.AddNewConnection("client"))
	assert.True(t, n.GetToken("client", MaxDownloadLimitPerMinute*10))
	assert.False(t, n.IsClientInViolation("client"))
	assert.Equal(t, time.Duration(0), n.GetPenaltyTime("client"))
	n.PenalizeConnectionError("client")
}

func TestHallOfShameLogsAtStrikeThreshold(t *testing.T) {
	var logged []string
	hall := NewHallOfShame(func(format string, args ...interface{}) {
		logged = append(logged, format)
	}, 0)

	for i := 0; i < StrikesToBan-1; i++ {
		hall.AddToHall("repeat-offender")
	}
	assert.Empty(t, logged)

	hall.AddToHall("repeat-offender")
	assert.Len(t, logged, 1)
	assert.Equal(t, StrikesToBan, hall.Strikes("repeat-offender"))

	hall.AddToHall("repeat-offender")
	assert.Len(t, logged, 1, "logs only once, at the threshold crossing")
}

func TestCompositeLimiterFromConfigUsesTunables(t *testing.T) {
	cl := NewCompositeLimiterFromConfig(Config{
		ConnectionsPerSecond: 2,
	}, nil)

	assert.True(t, cl.AddNewConnection("client"))
	assert.False(t, cl.AddNewConnection("client"))
}
