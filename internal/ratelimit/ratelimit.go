// Package ratelimit implements the connection and bandwidth limiters that
// guard a gemguard server against connection floods and high-bandwidth
// clients.
package ratelimit

import (
	"sync"
	"time"
)

// Default tuning constants, matching the gemeaux reference implementation's
// RateLimiter defaults.
const (
	ConnectionsPerSecond        = 10
	MaxDownloadLimitPerMinute   = 1000 * 1024
	ResetDownloadLimitPerMinute = 10 * 1024
	DegradationFactor           = 4
	StrikesToBan                = 3

	connectionSleeptime = 1 * time.Second
	speedSleeptime      = 60 * time.Second

	// Default penalty times, matching the gemeaux reference's own split
	// defaults (connectionlimiter_penaltytime: 1,
	// speedlimiter_penaltytime: 60).
	connectionPenaltyTime = 1 * time.Second
	speedPenaltyTime      = 60 * time.Second
)

// Limiter is the interface the connection worker and accept loop consult
// before accepting bytes from, or sending bytes to, a client.
type Limiter interface {
	// AddNewConnection registers a new connection from addr, returning
	// false if the client has exceeded its connection rate.
	AddNewConnection(addr string) bool

	// GetToken accounts for amount bytes sent to addr, returning false if
	// the client has exceeded its bandwidth allowance.
	GetToken(addr string, amount int) bool

	// IsClientInViolation reports whether a zero-amount probe against
	// addr would currently fail.
	IsClientInViolation(addr string) bool

	// GetPenaltyTime returns the SlowDown penalty to report to addr, or
	// zero if addr is not currently in violation.
	GetPenaltyTime(addr string) time.Duration

	// PenalizeConnectionError forces addr into violation, independent of
	// AddNewConnection/GetToken accounting. The connection worker calls
	// this after a non-timeout read failure (connection reset, broken
	// pipe, or another I/O error) on addr's connection.
	PenalizeConnectionError(addr string)

	// Run starts any background refill workers. It blocks until stop is
	// closed, so callers run it in its own goroutine.
	Run(stop <-chan struct{})
}

// tokenBucket is the shared shape both the connection and speed limiters
// use: a lock-guarded counter map, a non-blocking-acquire check, and a
// periodic reset rule. The map lock is always acquired with TryLock on the
// request path — contention is treated as a limit exceedance rather than a
// reason to wait, per the "shed, don't queue" discipline the rate limiter
// requires.
type tokenBucket struct {
	mu      sync.Mutex
	counts  map[string]int
	max     int
	sleep   time.Duration
	penalty time.Duration
}

func newTokenBucket(max int, sleep, penalty time.Duration) *tokenBucket {
	return &tokenBucket{counts: make(map[string]int), max: max, sleep: sleep, penalty: penalty}
}

func durationOrDefault(seconds int, def time.Duration) time.Duration {
	if seconds <= 0 {
		return def
	}
	return time.Duration(seconds) * time.Second
}

func intOrDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func (b *tokenBucket) add(addr string, amount int) bool {
	if !b.mu.TryLock() {
		return false
	}
	defer b.mu.Unlock()
	b.counts[addr] += amount
	return b.counts[addr] < b.max
}

func (b *tokenBucket) violation(addr string) bool {
	if !b.mu.TryLock() {
		return true
	}
	defer b.mu.Unlock()
	return b.counts[addr] >= b.max
}

// penalize forces addr's counter to max, the same state a normal
// add/violation check would classify as "in violation", without going
// through the non-blocking try-lock discipline the request path uses:
// this runs on an error path, not the hot path, so a blocking Lock is
// acceptable here.
func (b *tokenBucket) penalize(addr string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.counts[addr] = b.max
}

func (b *tokenBucket) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.counts = make(map[string]int)
}

// degrade divides every counter by factor and evicts any counter that falls
// below floor, instead of clearing the map outright. Grounded on gemeaux's
// ResetClientList DEGREDATION=True branch.
func (b *tokenBucket) degrade(floor, factor int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for addr, count := range b.counts {
		count /= factor
		if count < floor {
			delete(b.counts, addr)
			continue
		}
		b.counts[addr] = count
	}
}

// ConnectionLimiter bounds the number of connections accepted per client
// address within each reset window (one second by default), clearing the
// whole window on each reset.
type ConnectionLimiter struct {
	bucket *tokenBucket
	hall   *HallOfShame
}

// NewConnectionLimiter returns a ConnectionLimiter allowing at most
// connectionsPerSecond new connections per address within each reset
// window, reporting repeat violators to hall (which may be nil). A
// non-positive connectionsPerSecond, sleep, or penalty falls back to the
// package defaults.
func NewConnectionLimiter(hall *HallOfShame, connectionsPerSecond int, sleep, penalty time.Duration) *ConnectionLimiter {
	if sleep <= 0 {
		sleep = connectionSleeptime
	}
	if penalty <= 0 {
		penalty = connectionPenaltyTime
	}
	return &ConnectionLimiter{
		bucket: newTokenBucket(intOrDefault(connectionsPerSecond, ConnectionsPerSecond), sleep, penalty),
		hall:   hall,
	}
}

func (c *ConnectionLimiter) AddNewConnection(addr string) bool {
	return c.bucket.add(addr, 1)
}

func (c *ConnectionLimiter) IsClientInViolation(addr string) bool {
	return c.bucket.violation(addr)
}

func (c *ConnectionLimiter) GetPenaltyTime(addr string) time.Duration {
	if c.IsClientInViolation(addr) {
		return c.bucket.penalty
	}
	return 0
}

// PenalizeConnectionError forces addr into violation following a
// non-timeout socket read failure.
func (c *ConnectionLimiter) PenalizeConnectionError(addr string) {
	c.bucket.penalize(addr)
}

// Run clears the connection window every sleeptime (default 1s) until stop
// is closed.
func (c *ConnectionLimiter) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(c.bucket.sleep)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.bucket.reset()
			c.reportViolators()
		}
	}
}

func (c *ConnectionLimiter) reportViolators() {
	if c.hall == nil {
		return
	}
	c.bucket.mu.Lock()
	addrs := make([]string, 0, len(c.bucket.counts))
	for addr, count := range c.bucket.counts {
		if count >= c.bucket.max {
			addrs = append(addrs, addr)
		}
	}
	c.bucket.mu.Unlock()
	for _, addr := range addrs {
		c.hall.AddToHall(addr)
	}
}

// SpeedLimiter bounds the bytes returned to a client within a rolling
// minute, degrading (rather than clearing) its counters on each reset.
type SpeedLimiter struct {
	bucket            *tokenBucket
	hall              *HallOfShame
	resetFloor        int
	degradationFactor int
}

// NewSpeedLimiter returns a SpeedLimiter allowing maxBytesPerMinute bytes
// per address before each degrade, evicting any address whose degraded
// count falls below resetFloor, dividing by degradationFactor each reset,
// and reporting repeat violators to hall (which may be nil). Non-positive
// tunables, including penalty, fall back to the package defaults.
func NewSpeedLimiter(hall *HallOfShame, maxBytesPerMinute, resetFloor, degradationFactor int, sleep, penalty time.Duration) *SpeedLimiter {
	if sleep <= 0 {
		sleep = speedSleeptime
	}
	if penalty <= 0 {
		penalty = speedPenaltyTime
	}
	return &SpeedLimiter{
		bucket:            newTokenBucket(intOrDefault(maxBytesPerMinute, MaxDownloadLimitPerMinute), sleep, penalty),
		hall:              hall,
		resetFloor:        intOrDefault(resetFloor, ResetDownloadLimitPerMinute),
		degradationFactor: intOrDefault(degradationFactor, DegradationFactor),
	}
}

func (s *SpeedLimiter) GetToken(addr string, amount int) bool {
	return s.bucket.add(addr, amount)
}

func (s *SpeedLimiter) IsClientInViolation(addr string) bool {
	return s.bucket.violation(addr)
}

func (s *SpeedLimiter) GetPenaltyTime(addr string) time.Duration {
	if s.IsClientInViolation(addr) {
		return s.bucket.penalty
	}
	return 0
}

// Run degrades the speed window every sleeptime (default 60s) until stop is
// closed.
func (s *SpeedLimiter) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(s.bucket.sleep)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.bucket.degrade(s.resetFloor, s.degradationFactor)
			s.reportViolators()
		}
	}
}

func (s *SpeedLimiter) reportViolators() {
	if s.hall == nil {
		return
	}
	s.bucket.mu.Lock()
	addrs := make([]string, 0, len(s.bucket.counts))
	for addr, count := range s.bucket.counts {
		if count >= s.bucket.max {
			addrs = append(addrs, addr)
		}
	}
	s.bucket.mu.Unlock()
	for _, addr := range addrs {
		s.hall.AddToHall(addr)
	}
}

// CompositeLimiter combines a ConnectionLimiter and a SpeedLimiter into the
// single Limiter the connection worker consults, used whenever concurrency
// is enabled.
type CompositeLimiter struct {
	Connections *ConnectionLimiter
	Speed       *SpeedLimiter
}

// NewCompositeLimiter returns a CompositeLimiter sharing a single
// HallOfShame between its two component limiters, using the package
// defaults throughout.
func NewCompositeLimiter(hall *HallOfShame) *CompositeLimiter {
	return &CompositeLimiter{
		Connections: NewConnectionLimiter(hall, ConnectionsPerSecond, connectionSleeptime, connectionPenaltyTime),
		Speed:       NewSpeedLimiter(hall, MaxDownloadLimitPerMinute, ResetDownloadLimitPerMinute, DegradationFactor, speedSleeptime, speedPenaltyTime),
	}
}

// Config collects the tunables NewCompositeLimiterFromConfig needs, mirroring
// internal/config.RateLimiterConfig field-for-field so the CLI wrapper can
// pass its parsed config straight through. A zero value uses the package
// defaults everywhere.
type Config struct {
	StrikesToBan                int
	ConnectionsPerSecond        int
	ConnectionSleepSeconds      int
	ConnectionPenaltySeconds    int
	MaxDownloadLimitPerMinute   int
	ResetDownloadLimitPerMinute int
	SpeedSleepSeconds           int
	SpeedPenaltySeconds         int
	DegradationFactor           int
}

// NewCompositeLimiterFromConfig builds a CompositeLimiter and its shared
// HallOfShame from cfg, reporting strike-threshold crossings through logf.
func NewCompositeLimiterFromConfig(cfg Config, logf func(format string, args ...interface{})) *CompositeLimiter {
	hall := NewHallOfShame(logf, cfg.StrikesToBan)
	return &CompositeLimiter{
		Connections: NewConnectionLimiter(
			hall,
			cfg.ConnectionsPerSecond,
			time.Duration(cfg.ConnectionSleepSeconds)*time.Second,
			time.Duration(cfg.ConnectionPenaltySeconds)*time.Second,
		),
		Speed: NewSpeedLimiter(
			hall,
			cfg.MaxDownloadLimitPerMinute,
			cfg.ResetDownloadLimitPerMinute,
			cfg.DegradationFactor,
			time.Duration(cfg.SpeedSleepSeconds)*time.Second,
			time.Duration(cfg.SpeedPenaltySeconds)*time.Second,
		),
	}
}

func (c *CompositeLimiter) AddNewConnection(addr string) bool {
	return c.Connections.AddNewConnection(addr)
}

func (c *CompositeLimiter) GetToken(addr string, amount int) bool {
	return c.Speed.GetToken(addr, amount)
}

func (c *CompositeLimiter) IsClientInViolation(addr string) bool {
	return c.Connections.IsClientInViolation(addr) || c.Speed.IsClientInViolation(addr)
}

func (c *CompositeLimiter) GetPenaltyTime(addr string) time.Duration {
	connPenalty := c.Connections.GetPenaltyTime(addr)
	speedPenalty := c.Speed.GetPenaltyTime(addr)
	if speedPenalty > connPenalty {
		return speedPenalty
	}
	return connPenalty
}

// PenalizeConnectionError forwards to the connection limiter: a read
// failure is a connection-level event, not a bandwidth one.
func (c *CompositeLimiter) PenalizeConnectionError(addr string) {
	c.Connections.PenalizeConnectionError(addr)
}

// Run starts both component refill workers concurrently and blocks until
// stop is closed.
func (c *CompositeLimiter) Run(stop <-chan struct{}) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); c.Connections.Run(stop) }()
	go func() { defer wg.Done(); c.Speed.Run(stop) }()
	wg.Wait()
}

// NoopLimiter is used when concurrency is disabled (--no-threading): every
// check passes and reset does nothing.
type NoopLimiter struct{}

func (NoopLimiter) AddNewConnection(string) bool        { return true }
func (NoopLimiter) GetToken(string, int) bool           { return true }
func (NoopLimiter) IsClientInViolation(string) bool     { return false }
func (NoopLimiter) GetPenaltyTime(string) time.Duration { return 0 }
func (NoopLimiter) PenalizeConnectionError(string)      {}
func (NoopLimiter) Run(stop <-chan struct{})            { <-stop }

// HallOfShame records repeat violators, escalating to a critical log line
// once a client crosses StrikesToBan.
type HallOfShame struct {
	mu           sync.Mutex
	strikes      map[string]int
	logger       func(format string, args ...interface{})
	strikesToBan int
}

// NewHallOfShame returns a HallOfShame that calls logf (if non-nil) at
// critical level when a client crosses strikesToBan strikes. A
// non-positive strikesToBan falls back to the package default.
func NewHallOfShame(logf func(format string, args ...interface{}), strikesToBan int) *HallOfShame {
	return &HallOfShame{
		strikes:      make(map[string]int),
		logger:       logf,
		strikesToBan: intOrDefault(strikesToBan, StrikesToBan),
	}
}

// AddToHall increments addr's strike count, logging a critical line the
// moment it crosses StrikesToBan.
func (h *HallOfShame) AddToHall(addr string) {
	h.mu.Lock()
	h.strikes[addr]++
	count := h.strikes[addr]
	h.mu.Unlock()

	if count == h.strikesToBan && h.logger != nil {
		h.logger("client %s has been flagged %d times for rate-limit violations", addr, count)
	}
}

// Strikes returns addr's current strike count, for introspection/tests.
func (h *HallOfShame) Strikes(addr string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.strikes[addr]
}
