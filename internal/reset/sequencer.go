package reset

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/muurk/sonixflash/internal/transport"
)

const (
	DefaultPulseWidth   = 10 * time.Millisecond
	DefaultSettle       = 1666 * time.Microsecond
	DefaultPollInterval = 20 * time.Millisecond
	DefaultMaxAttempts  = 500
)

// Config describes the reset wiring and timing.
type Config struct {
	Pin    transport.Pin
	Invert bool

	PulseWidth time.Duration
	Settle     time.Duration

	// ResetLess polls the handshake instead of driving a line.
	// It is implied when Pin is transport.PinNone.
	ResetLess    bool
	PollInterval time.Duration
	MaxAttempts  int
}

// DefaultConfig returns RTS reset with the recommended timings.
func DefaultConfig() Config {
	return Config{
		Pin:          transport.PinRTS,
		PulseWidth:   DefaultPulseWidth,
		Settle:       DefaultSettle,
		PollInterval: DefaultPollInterval,
		MaxAttempts:  DefaultMaxAttempts,
	}
}

// AttemptFunc is told about each reset-less handshake attempt.
type AttemptFunc func(attempt, max int)

// Sequencer drives the reset line and the handshake retry policy.
type Sequencer struct {
	ch     transport.Channel
	cfg    Config
	logger *zap.Logger
	sleep  func(ctx context.Context, d time.Duration) error
	onTry  AttemptFunc
}

// Option configures a Sequencer.
type Option func(*Sequencer)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Sequencer) {
		s.logger = logger
	}
}

// WithSleeper replaces the delay function.
func WithSleeper(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Sequencer) {
		s.sleep = fn
	}
}

// WithAttemptFunc registers a callback for reset-less attempts.
func WithAttemptFunc(fn AttemptFunc) Option {
	return func(s *Sequencer) {
		s.onTry = fn
	}
}

// New creates a Sequencer. A zero pulse width, poll interval or attempt
// count falls back to the default; a negative settle time does too.
func New(ch transport.Channel, cfg Config, opts ...Option) *Sequencer {
	if cfg.PulseWidth <= 0 {
		cfg.PulseWidth = DefaultPulseWidth
	}
	if cfg.Settle < 0 {
		cfg.Settle = DefaultSettle
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Pin == transport.PinNone {
		cfg.ResetLess = true
	}

	s := &Sequencer{
		ch:     ch,
		cfg:    cfg,
		logger: zap.NewNop(),
		sleep:  sleepContext,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ResetLess reports whether the sequencer polls instead of pulsing a line.
func (s *Sequencer) ResetLess() bool {
	return s.cfg.ResetLess
}

// ReleaseLine returns the line and the level that leave the target running.
func (s *Sequencer) ReleaseLine() (transport.Pin, bool) {
	if s.cfg.ResetLess {
		return transport.PinNone, false
	}
	return s.cfg.Pin, s.cfg.Invert
}

// Reset resets the target and runs handshake in its listen window.
func (s *Sequencer) Reset(ctx context.Context, handshake func(context.Context) error) error {
	if s.cfg.ResetLess {
		return s.poll(ctx, handshake)
	}

	if err := s.Pulse(ctx); err != nil {
		return err
	}
	if err := s.sleep(ctx, s.cfg.Settle); err != nil {
		return err
	}

	if err := handshake(ctx); err != nil {
		if ctx.Err() != nil {
			return err
		}
		return &Error{Pin: s.cfg.Pin.String(), Attempts: 1, Err: err}
	}
	s.logger.Debug("target entered bootloader", zap.Stringer("pin", s.cfg.Pin))
	return nil
}

// Pulse asserts reset for the pulse width and releases it. In reset-less
// mode it does nothing.
func (s *Sequencer) Pulse(ctx context.Context) error {
	if s.cfg.ResetLess {
		s.logger.Debug("no reset line, skipping pulse")
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.logger.Debug("asserting reset", zap.Stringer("pin", s.cfg.Pin), zap.Bool("invert", s.cfg.Invert))
	if err := s.ch.SetLine(s.cfg.Pin, !s.cfg.Invert); err != nil {
		return err
	}

	// release even if the hold is cancelled
	holdErr := s.sleep(ctx, s.cfg.PulseWidth)
	if err := s.ch.SetLine(s.cfg.Pin, s.cfg.Invert); err != nil {
		return err
	}
	return holdErr
}

func (s *Sequencer) poll(ctx context.Context, handshake func(context.Context) error) error {
	s.logger.Info("waiting for target power cycle",
		zap.Int("max_attempts", s.cfg.MaxAttempts),
		zap.Duration("interval", s.cfg.PollInterval))

	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if s.onTry != nil {
			s.onTry(attempt, s.cfg.MaxAttempts)
		}

		lastErr = handshake(ctx)
		if lastErr == nil {
			s.logger.Debug("target entered bootloader", zap.Int("attempt", attempt))
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := s.sleep(ctx, s.cfg.PollInterval); err != nil {
			return err
		}
	}

	return &Error{ResetLess: true, Attempts: s.cfg.MaxAttempts, Err: lastErr}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
