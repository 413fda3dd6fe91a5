// Package antiban decides when a WhatsApp message may be sent and how long
// to wait between sends.
package antiban

import (
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"
)

// ErrUnknownTier is returned when selecting a tier that is not configured
var ErrUnknownTier = errors.New("unknown tier")

// Reason explains why a send was refused
type Reason string

const (
	ReasonPaused             Reason = "paused"
	ReasonOutsideActiveHours Reason = "outside_active_hours"
	ReasonHourlyLimit        Reason = "hourly_limit"
	ReasonDailyLimit         Reason = "daily_limit"
	ReasonWeeklyLimit        Reason = "weekly_limit"
	ReasonPerRecipientLimit  Reason = "per_recipient_limit"
)

const (
	week          = 7 * 24 * time.Hour
	recipientSpan = time.Hour
)

// Clock returns the current time
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Decision is the result of CheckPermitted
type Decision struct {
	Permitted  bool          `json:"permitted"`
	Reason     Reason        `json:"reason,omitempty"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

// Counts holds the current window counters
type Counts struct {
	Hour int `json:"hour"`
	Day  int `json:"day"`
	Week int `json:"week"`
}

// Stats is a snapshot of the throttle state
type Stats struct {
	Tier              Tier        `json:"tier"`
	Counts            Counts      `json:"counts"`
	Paused            bool        `json:"paused"`
	PausedUntil       *time.Time  `json:"paused_until,omitempty"`
	ConsecutiveErrors int         `json:"consecutive_errors"`
	ActiveHours       ActiveHours `json:"active_hours"`
	WithinActiveHours bool        `json:"within_active_hours"`
	NextDelay         string      `json:"next_delay"`
	Recipients        int         `json:"tracked_recipients"`
}

type window struct {
	count   int
	resetAt time.Time
}

// PauseHandler is notified when sending is paused after consecutive errors
type PauseHandler func(until time.Time, consecutiveErrors int)

// Throttle is the send-throttle calculator. Its state lives in memory only.
type Throttle struct {
	mu     sync.Mutex
	cfg    Config
	tiers  map[string]Tier
	tier   Tier
	clock  Clock
	rnd    *rand.Rand
	logger *slog.Logger

	hour, day, wk     window
	consecutiveErrors int
	paused            bool
	pausedUntil       time.Time
	recipients        map[string][]time.Time

	onPause PauseHandler
}

// Option configures a Throttle
type Option func(*Throttle)

// WithClock replaces the wall clock
func WithClock(c Clock) Option {
	return func(t *Throttle) { t.clock = c }
}

// WithRandSource replaces the jitter random source
func WithRandSource(src rand.Source) Option {
	return func(t *Throttle) { t.rnd = rand.New(src) }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(t *Throttle) { t.logger = l }
}

// New creates a Throttle. Zero config values are replaced by defaults and an
// unknown tier falls back to new_account.
func New(cfg Config, opts ...Option) *Throttle {
	cfg.SetDefaults()

	t := &Throttle{
		cfg:        cfg,
		tiers:      cfg.tiers(),
		clock:      realClock{},
		rnd:        rand.New(rand.NewSource(time.Now().UnixNano())),
		logger:     slog.Default(),
		recipients: make(map[string][]time.Time),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With("component", "antiban")

	tier, ok := t.tiers[cfg.Tier]
	if !ok {
		t.logger.Warn("unknown tier, using default", "tier", cfg.Tier, "default", TierNewAccount)
		tier = t.tiers[TierNewAccount]
	}
	t.tier = tier

	now := t.clock.Now()
	t.hour.resetAt = now
	t.day.resetAt = now
	t.wk.resetAt = now

	return t
}

// OnPause registers a handler called when an automatic pause starts
func (t *Throttle) OnPause(h PauseHandler) {
	t.mu.Lock()
	t.onPause = h
	t.mu.Unlock()
}

// CheckPermitted reports whether a message to recipient may be sent now.
// It does not change any state.
func (t *Throttle) CheckPermitted(recipient string) Decision {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()

	if t.isPaused(now) {
		return Decision{Reason: ReasonPaused, RetryAfter: t.pausedUntil.Sub(now)}
	}

	if !t.cfg.ActiveHours.Contains(now) {
		return Decision{Reason: ReasonOutsideActiveHours, RetryAfter: untilActive(now, t.cfg.ActiveHours)}
	}

	counts := t.counts(now)
	if counts.Hour >= t.tier.PerHour {
		return Decision{Reason: ReasonHourlyLimit, RetryAfter: startOfHour(now).Add(time.Hour).Sub(now)}
	}
	if counts.Day >= t.tier.PerDay {
		return Decision{Reason: ReasonDailyLimit, RetryAfter: startOfDay(now).AddDate(0, 0, 1).Sub(now)}
	}
	if counts.Week >= t.tier.PerWeek {
		return Decision{Reason: ReasonWeeklyLimit, RetryAfter: t.wk.resetAt.Add(week).Sub(now)}
	}

	if t.cfg.PerRecipientLimit > 0 && recipient != "" {
		recent := recentSends(t.recipients[recipient], now)
		if len(recent) >= t.cfg.PerRecipientLimit {
			return Decision{Reason: ReasonPerRecipientLimit, RetryAfter: recent[0].Add(recipientSpan).Sub(now)}
		}
	}

	return Decision{Permitted: true}
}

// ComputeDelay returns how long to wait before the next send
func (t *Throttle) ComputeDelay(hasError bool) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	d := t.baseDelay(t.clock.Now())

	if t.cfg.Jitter > 0 {
		factor := 1 + (t.rnd.Float64()*2-1)*t.cfg.Jitter
		d = time.Duration(float64(d) * factor)
	}
	if d < 0 {
		d = 0
	}
	if hasError && d < t.cfg.AfterErrorDelay {
		d = t.cfg.AfterErrorDelay
	}
	return d
}

// baseDelay is the delay before jitter
func (t *Throttle) baseDelay(now time.Time) time.Duration {
	mult := t.tier.DelayMultiplier *
		usageMultiplier(t.counts(now).Hour) *
		errorMultiplier(t.consecutiveErrors)
	return time.Duration(float64(t.cfg.BaseDelay) * mult)
}

func usageMultiplier(hourly int) float64 {
	switch {
	case hourly >= 100:
		return 2.0
	case hourly >= 50:
		return 1.6
	case hourly >= 10:
		return 1.3
	default:
		return 1.0
	}
}

func errorMultiplier(consecutive int) float64 {
	switch {
	case consecutive >= 3:
		return 3.0
	case consecutive == 2:
		return 2.0
	case consecutive == 1:
		return 1.5
	default:
		return 1.0
	}
}

// RecordOutcome updates the counters after a send attempt
func (t *Throttle) RecordOutcome(recipient string, success bool) {
	t.mu.Lock()

	now := t.clock.Now()
	t.expirePause(now)

	if success {
		t.resetExpired(now)
		t.hour.count++
		t.day.count++
		t.wk.count++
		t.consecutiveErrors = 0
		if recipient != "" {
			t.recipients[recipient] = append(recentSends(t.recipients[recipient], now), now)
		}
		t.pruneRecipients(now)
		t.mu.Unlock()
		return
	}

	t.consecutiveErrors++
	if t.paused || t.consecutiveErrors < t.cfg.MaxConsecutiveErrors {
		t.mu.Unlock()
		return
	}

	t.paused = true
	t.pausedUntil = now.Add(t.cfg.PauseDuration)
	until, errs, handler := t.pausedUntil, t.consecutiveErrors, t.onPause
	t.mu.Unlock()

	t.logger.Warn("sending paused after consecutive errors",
		"consecutive_errors", errs,
		"paused_until", until,
	)
	if handler != nil {
		handler(until, errs)
	}
}

// Pause stops sending for d. A non-positive d uses the configured pause duration.
func (t *Throttle) Pause(d time.Duration) time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()

	if d <= 0 {
		d = t.cfg.PauseDuration
	}
	t.paused = true
	t.pausedUntil = t.clock.Now().Add(d)
	t.logger.Info("sending paused", "until", t.pausedUntil)
	return t.pausedUntil
}

// Resume lifts a pause and clears the consecutive error count
func (t *Throttle) Resume() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.paused = false
	t.pausedUntil = time.Time{}
	t.consecutiveErrors = 0
	t.logger.Info("sending resumed")
}

// Reset clears all counters, the recipient history and any pause
func (t *Throttle) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	t.hour = window{resetAt: now}
	t.day = window{resetAt: now}
	t.wk = window{resetAt: now}
	t.consecutiveErrors = 0
	t.paused = false
	t.pausedUntil = time.Time{}
	t.recipients = make(map[string][]time.Time)
	t.logger.Info("throttle counters reset")
}

// SetTier switches the account tier
func (t *Throttle) SetTier(name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	tier, ok := t.tiers[name]
	if !ok {
		return ErrUnknownTier
	}
	t.tier = tier
	t.logger.Info("tier changed", "tier", name)
	return nil
}

// Tier returns the current tier
func (t *Throttle) Tier() Tier {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tier
}

// Tiers returns the configured tiers ordered by hourly ceiling
func (t *Throttle) Tiers() []Tier {
	return sortedTiers(t.tiers)
}

// Stats returns a snapshot of the current state
func (t *Throttle) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	s := Stats{
		Tier:              t.tier,
		Counts:            t.counts(now),
		Paused:            t.isPaused(now),
		ConsecutiveErrors: t.consecutiveErrors,
		ActiveHours:       t.cfg.ActiveHours,
		WithinActiveHours: t.cfg.ActiveHours.Contains(now),
		NextDelay:         t.baseDelay(now).String(),
		Recipients:        len(t.recipients),
	}
	if s.Paused {
		until := t.pausedUntil
		s.PausedUntil = &until
	}
	return s
}

func (t *Throttle) isPaused(now time.Time) bool {
	return t.paused && now.Before(t.pausedUntil)
}

func (t *Throttle) expirePause(now time.Time) {
	if t.paused && !now.Before(t.pausedUntil) {
		t.paused = false
		t.pausedUntil = time.Time{}
		t.consecutiveErrors = 0
		t.logger.Info("pause expired, sending resumed")
	}
}

// counts evaluates the windows at now without resetting them
func (t *Throttle) counts(now time.Time) Counts {
	c := Counts{Hour: t.hour.count, Day: t.day.count, Week: t.wk.count}
	if hourExpired(t.hour.resetAt, now) {
		c.Hour = 0
	}
	if dayExpired(t.day.resetAt, now) {
		c.Day = 0
	}
	if now.Sub(t.wk.resetAt) >= week {
		c.Week = 0
	}
	return c
}

func (t *Throttle) resetExpired(now time.Time) {
	if hourExpired(t.hour.resetAt, now) {
		t.hour = window{resetAt: now}
	}
	if dayExpired(t.day.resetAt, now) {
		t.day = window{resetAt: now}
	}
	if now.Sub(t.wk.resetAt) >= week {
		t.wk = window{resetAt: now}
	}
}

func (t *Throttle) pruneRecipients(now time.Time) {
	for r, sends := range t.recipients {
		recent := recentSends(sends, now)
		if len(recent) == 0 {
			delete(t.recipients, r)
			continue
		}
		t.recipients[r] = recent
	}
}

// recentSends returns the sends within the last hour. sends is ordered oldest first.
func recentSends(sends []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-recipientSpan)
	for i, s := range sends {
		if s.After(cutoff) {
			return sends[i:]
		}
	}
	return nil
}

func hourExpired(last, now time.Time) bool {
	return !startOfHour(now).Equal(startOfHour(last))
}

func startOfHour(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, t.Hour(), 0, 0, 0, t.Location())
}

func dayExpired(last, now time.Time) bool {
	ly, lm, ld := last.Date()
	ny, nm, nd := now.Date()
	return ly != ny || lm != nm || ld != nd
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func untilActive(now time.Time, a ActiveHours) time.Duration {
	start := time.Date(now.Year(), now.Month(), now.Day(), a.Start, 0, 0, 0, now.Location())
	if !start.After(now) {
		start = start.AddDate(0, 0, 1)
	}
	return start.Sub(now)
}
