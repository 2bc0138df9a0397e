package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/muurk/sonixflash/internal/chip"
	"github.com/muurk/sonixflash/internal/firmware"
	"github.com/muurk/sonixflash/internal/flash"
	"github.com/muurk/sonixflash/internal/protocol"
	"github.com/muurk/sonixflash/internal/reset"
	"github.com/muurk/sonixflash/internal/transport"
)

// finalResetTimeout bounds the closing reset pulse, which runs even after
// the command context was cancelled.
const finalResetTimeout = time.Second

// Options configures a programming session.
type Options struct {
	Port            string
	Reset           reset.Config
	ResponseTimeout time.Duration
	Override        chip.Override

	// SeriesOverrides returns stored overrides for the identified series.
	// Override wins where both set a field.
	SeriesOverrides func(series string) chip.Override

	// NoFinalReset leaves the target in the bootloader instead of pulsing
	// reset to start the user firmware.
	NoFinalReset bool

	Catalog *chip.Catalog
	Logger  *zap.Logger

	// OnAttempt is told about each reset-less handshake attempt.
	OnAttempt reset.AttemptFunc

	// Channel, when set, is used instead of opening Port.
	Channel transport.Channel
}

// WritePolicy selects the phases of Session.Write.
type WritePolicy struct {
	NoErase   bool
	NoVerify  bool
	AllowBoot bool
}

// Session owns one open channel and the layers stacked on it.
type Session struct {
	opts   Options
	logger *zap.Logger

	ch     transport.Channel
	seq    *reset.Sequencer
	engine *protocol.Engine
	ctrl   *flash.Controller
	info   chip.Info
	closed bool
}

// Open opens the channel and builds the reset, protocol and flash layers.
// Nothing is sent to the target yet.
func Open(opts Options) (*Session, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Catalog == nil {
		c, err := chip.Load()
		if err != nil {
			return nil, err
		}
		opts.Catalog = c
	}
	if opts.Reset.Pin == transport.PinNone {
		opts.Reset.ResetLess = true
	}

	ch := opts.Channel
	if ch == nil {
		var err error
		ch, err = openChannel(opts, logger)
		if err != nil {
			return nil, err
		}
	}

	seqOpts := []reset.Option{reset.WithLogger(logger.Named("reset"))}
	if opts.OnAttempt != nil {
		seqOpts = append(seqOpts, reset.WithAttemptFunc(opts.OnAttempt))
	}
	seq := reset.New(ch, opts.Reset, seqOpts...)

	engOpts := []protocol.Option{protocol.WithLogger(logger.Named("protocol"))}
	if opts.ResponseTimeout > 0 {
		engOpts = append(engOpts, protocol.WithResponseTimeout(opts.ResponseTimeout))
	}
	engine := protocol.NewEngine(ch, engOpts...)

	ctrlOpts := []flash.Option{
		flash.WithLogger(logger.Named("flash")),
		flash.WithOverride(opts.Override),
	}
	if opts.SeriesOverrides != nil {
		ctrlOpts = append(ctrlOpts, flash.WithSeriesOverrides(opts.SeriesOverrides))
	}
	ctrl := flash.NewController(engine, opts.Catalog, ctrlOpts...)

	return &Session{
		opts:   opts,
		logger: logger,
		ch:     ch,
		seq:    seq,
		engine: engine,
		ctrl:   ctrl,
	}, nil
}

// overridesFor merges the stored overrides for series with Override.
func (o Options) overridesFor(series string) chip.Override {
	if o.SeriesOverrides == nil {
		return o.Override
	}
	return o.SeriesOverrides(series).Merge(o.Override)
}

func openChannel(opts Options, logger *zap.Logger) (transport.Channel, error) {
	if opts.Port == "" {
		return nil, errors.New("no serial port given (use --port or set adapter.port in the config file)")
	}
	if IsSimulated(opts.Port) {
		return NewSimulator(opts.Port, opts.Catalog, opts.overridesFor, opts.Reset, logger)
	}

	var serialOpts []transport.Option
	serialOpts = append(serialOpts, transport.WithLogger(logger.Named("serial")))
	if !opts.Reset.ResetLess {
		serialOpts = append(serialOpts, transport.WithReleaseLine(opts.Reset.Pin, opts.Reset.Invert))
	}
	return transport.OpenSerial(opts.Port, serialOpts...)
}

// ResetLess reports whether the session waits for a manual power cycle.
func (s *Session) ResetLess() bool {
	return s.seq.ResetLess()
}

// Connect resets the target and performs the handshake.
func (s *Session) Connect(ctx context.Context) error {
	s.logger.Info("connecting",
		zap.String("port", s.opts.Port),
		zap.Stringer("pin", s.opts.Reset.Pin),
		zap.Bool("reset_less", s.seq.ResetLess()))
	return s.engine.Connect(ctx, s.seq)
}

// Identify reads the chip ID and resolves its geometry.
func (s *Session) Identify(ctx context.Context) (chip.Info, error) {
	info, err := s.ctrl.Identify(ctx)
	if err != nil {
		return info, err
	}
	s.info = info
	return info, nil
}

// Info returns the identified chip.
func (s *Session) Info() chip.Info {
	return s.info
}

// Geometry returns the resolved flash layout and whether it is known.
func (s *Session) Geometry() (flash.Geometry, bool) {
	return s.ctrl.Geometry()
}

// SetProgress sets the byte progress callback for the next operations.
func (s *Session) SetProgress(fn flash.ProgressFunc) {
	s.ctrl.SetProgress(fn)
}

// BankSize returns the size of bank, or ErrUnknownGeometry.
func (s *Session) BankSize(bank protocol.Bank) (uint32, error) {
	g, ok := s.ctrl.Geometry()
	if !ok {
		return 0, flash.ErrUnknownGeometry
	}
	return g.BankSize(bank), nil
}

// Read reads length bytes of bank at offset. A zero length reads from offset
// to the end of the bank.
func (s *Session) Read(ctx context.Context, bank protocol.Bank, offset, length uint32) ([]byte, error) {
	if length == 0 {
		size, err := s.BankSize(bank)
		if err != nil {
			return nil, err
		}
		length = size - offset%size
	}
	return s.ctrl.Read(ctx, bank, offset, length)
}

// Erase erases bank.
func (s *Session) Erase(ctx context.Context, bank protocol.Bank, allowBoot bool) error {
	return s.ctrl.Erase(ctx, bank, allowBoot)
}

// Phase names one step of a composite write.
type Phase string

const (
	PhaseErase  Phase = "erase"
	PhaseWrite  Phase = "write"
	PhaseVerify Phase = "verify"
)

// PhaseFunc is told when a write phase starts (done false) and ends.
type PhaseFunc func(phase Phase, done bool)

// Write erases the bank, programs img and verifies it, as selected by p.
// A verify with mismatches returns the report together with an error
// wrapping flash.ErrVerifyMismatch.
func (s *Session) Write(ctx context.Context, bank protocol.Bank, offset uint32, img *firmware.Image, p WritePolicy, onPhase PhaseFunc) (*flash.Report, error) {
	if bank == protocol.BankBoot && !p.AllowBoot {
		return nil, &flash.Error{Op: "write", Bank: bank, Offset: offset, Err: flash.ErrBootAreaProtected}
	}
	phase := func(ph Phase, done bool) {
		if onPhase != nil {
			onPhase(ph, done)
		}
	}

	if !p.NoErase {
		phase(PhaseErase, false)
		if err := s.ctrl.Erase(ctx, bank, p.AllowBoot); err != nil {
			return nil, err
		}
		phase(PhaseErase, true)
	}

	phase(PhaseWrite, false)
	if err := s.ctrl.Write(ctx, bank, offset, img, flash.WriteOptions{AllowBoot: p.AllowBoot}); err != nil {
		return nil, err
	}
	phase(PhaseWrite, true)

	if p.NoVerify {
		return nil, nil
	}
	phase(PhaseVerify, false)
	report, err := s.Verify(ctx, bank, offset, img)
	if err != nil {
		return report, err
	}
	phase(PhaseVerify, true)
	return report, nil
}

// Verify compares img placed at offset with the contents of bank.
func (s *Session) Verify(ctx context.Context, bank protocol.Bank, offset uint32, img *firmware.Image) (*flash.Report, error) {
	report, err := flash.NewVerifier(s.ctrl).Verify(ctx, bank, offset, img)
	if err != nil {
		return nil, err
	}
	return report, report.Err()
}

// Close pulses reset to start the user firmware, unless disabled or the
// session never connected, and releases the channel. It is safe to call
// more than once.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	if !s.opts.NoFinalReset && s.engine.State() != protocol.StateDisconnected {
		ctx, cancel := context.WithTimeout(context.Background(), finalResetTimeout)
		if err := s.seq.Pulse(ctx); err != nil {
			errs = append(errs, fmt.Errorf("final reset: %w", err))
		} else {
			s.logger.Debug("target reset to run user firmware")
		}
		cancel()
	}
	if err := s.ch.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close channel: %w", err))
	}
	return errors.Join(errs...)
}

// Run opens a session, connects, identifies the chip and calls fn. The
// session is always closed, including when ctx is cancelled.
func Run(ctx context.Context, opts Options, fn func(ctx context.Context, s *Session) error) (err error) {
	s, err := Open(opts)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	if err := s.Connect(ctx); err != nil {
		return err
	}
	if _, err := s.Identify(ctx); err != nil {
		return err
	}
	return fn(ctx, s)
}
