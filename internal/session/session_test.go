package session

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/muurk/sonixflash/internal/chip"
	"github.com/muurk/sonixflash/internal/firmware"
	"github.com/muurk/sonixflash/internal/flash"
	"github.com/muurk/sonixflash/internal/protocol"
	"github.com/muurk/sonixflash/internal/reset"
	"github.com/muurk/sonixflash/internal/simulator"
	"github.com/muurk/sonixflash/internal/transport"
)

func catalog(t *testing.T) *chip.Catalog {
	t.Helper()
	c, err := chip.Load()
	if err != nil {
		t.Fatalf("chip.Load failed: %v", err)
	}
	return c
}

// fastReset keeps the hardware timings short so tests run quickly.
func fastReset() reset.Config {
	cfg := reset.DefaultConfig()
	cfg.PulseWidth = time.Microsecond
	cfg.Settle = 0
	cfg.PollInterval = time.Microsecond
	return cfg
}

func simSession(t *testing.T, cfg simulator.Config, opts Options) (*simulator.Target, *Session) {
	t.Helper()
	sim := simulator.New(cfg, nil)
	opts.Channel = sim
	opts.Catalog = catalog(t)
	if opts.Reset == (reset.Config{}) {
		opts.Reset = fastReset()
	}
	s, err := Open(opts)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return sim, s
}

func connect(t *testing.T, s *Session) {
	t.Helper()
	ctx := context.Background()
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if _, err := s.Identify(ctx); err != nil {
		t.Fatalf("Identify failed: %v", err)
	}
}

func TestWriteEraseWriteVerify(t *testing.T) {
	sim, s := simSession(t, simulator.DefaultConfig(), Options{})
	connect(t, s)
	sim.Load(protocol.BankMain, 0, bytes.Repeat([]byte{0x12}, 0x1000))

	img := firmware.FromBinary([]byte{1, 2, 3, 4, 5})
	var phases []string
	report, err := s.Write(context.Background(), protocol.BankMain, 0x100, img, WritePolicy{}, func(p Phase, done bool) {
		if done {
			phases = append(phases, string(p))
		}
	})
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if report == nil || !report.OK() || report.Checked != 5 {
		t.Errorf("report = %+v", report)
	}
	if want := []string{"erase", "write", "verify"}; len(phases) != 3 || phases[0] != want[0] || phases[2] != want[2] {
		t.Errorf("phases = %v, want %v", phases, want)
	}

	mem := sim.Flash(protocol.BankMain)
	if mem[0] != 0xFF || mem[0x104] != 5 || mem[0x105] != 0xFF {
		t.Error("erase before write did not clear the bank")
	}
}

func TestWriteNoEraseKeepsContents(t *testing.T) {
	sim, s := simSession(t, simulator.DefaultConfig(), Options{})
	connect(t, s)
	sim.Load(protocol.BankMain, 0, bytes.Repeat([]byte{0x12}, 0x1000))

	report, err := s.Write(context.Background(), protocol.BankMain, 0x10, firmware.FromBinary([]byte{0xAA}),
		WritePolicy{NoErase: true, NoVerify: true}, nil)
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if report != nil {
		t.Error("no report expected without verify")
	}
	mem := sim.Flash(protocol.BankMain)
	if mem[0x10] != 0xAA || mem[0x11] != 0x12 || mem[0] != 0x12 {
		t.Error("write without erase changed other bytes")
	}
}

func TestWriteBootRefusedBeforeIO(t *testing.T) {
	sim, s := simSession(t, simulator.DefaultConfig(), Options{})
	connect(t, s)
	sim.ClearFrames()

	_, err := s.Write(context.Background(), protocol.BankBoot, 0, firmware.FromBinary([]byte{1}), WritePolicy{}, nil)
	if !errors.Is(err, flash.ErrBootAreaProtected) {
		t.Fatalf("Write(boot) error = %v, want ErrBootAreaProtected", err)
	}
	if len(sim.Frames()) != 0 {
		t.Error("refused boot write sent frames")
	}
}

func TestVerifyMismatchReturnsReport(t *testing.T) {
	_, s := simSession(t, simulator.DefaultConfig(), Options{})
	connect(t, s)

	report, err := s.Verify(context.Background(), protocol.BankMain, 0, firmware.FromBinary([]byte{0x00, 0x01}))
	if !errors.Is(err, flash.ErrVerifyMismatch) {
		t.Fatalf("Verify() error = %v, want ErrVerifyMismatch", err)
	}
	if report == nil || len(report.Mismatches) != 2 {
		t.Errorf("report = %+v, want 2 mismatches", report)
	}
}

func TestReadWholeBankByDefault(t *testing.T) {
	_, s := simSession(t, simulator.DefaultConfig(), Options{})
	connect(t, s)

	data, err := s.Read(context.Background(), protocol.BankBoot, 0, 0)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(data) != 0x200 {
		t.Errorf("read %d bytes, want the 0x200 byte boot bank", len(data))
	}
}

func TestCloseFinalReset(t *testing.T) {
	tests := []struct {
		name         string
		noFinalReset bool
		wantConn     bool
	}{
		{"pulses reset", false, false},
		{"stays in bootloader", true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sim, s := simSession(t, simulator.DefaultConfig(), Options{NoFinalReset: tt.noFinalReset})
			connect(t, s)

			if err := s.Close(); err != nil {
				t.Fatalf("Close failed: %v", err)
			}
			if !sim.Closed() {
				t.Error("channel not closed")
			}
			if sim.InReset() {
				t.Error("reset line left asserted")
			}
			if sim.Connected() != tt.wantConn {
				t.Errorf("Connected() = %v after close, want %v", sim.Connected(), tt.wantConn)
			}
			if err := s.Close(); err != nil {
				t.Errorf("second Close() error = %v", err)
			}
		})
	}
}

func TestRunResetLess(t *testing.T) {
	cfg := simulator.DefaultConfig()
	cfg.ListenAfter = 4

	rc := fastReset()
	rc.Pin = transport.PinNone
	rc.MaxAttempts = 10

	var attempts int
	sim := simulator.New(cfg, nil)
	err := Run(context.Background(), Options{
		Channel:   sim,
		Catalog:   catalog(t),
		Reset:     rc,
		OnAttempt: func(n, _ int) { attempts = n },
	}, func(ctx context.Context, s *Session) error {
		if !s.ResetLess() {
			t.Error("session should be reset-less without a pin")
		}
		if s.Info().Variant.Series != "SN8F5702" {
			t.Errorf("Info() = %v", s.Info())
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if attempts < 4 {
		t.Errorf("connected after %d attempts, want at least 4", attempts)
	}
	if !sim.Closed() {
		t.Error("Run did not close the channel")
	}
}

func TestRunNoResponse(t *testing.T) {
	sim := simulator.New(simulator.DefaultConfig(), nil)
	sim.FailAfter(0)

	err := Run(context.Background(), Options{Channel: sim, Catalog: catalog(t), Reset: fastReset()},
		func(context.Context, *Session) error {
			t.Error("operation ran without a connection")
			return nil
		})
	if !errors.Is(err, reset.ErrNoResponse) {
		t.Errorf("Run() error = %v, want ErrNoResponse", err)
	}
	if !sim.Closed() {
		t.Error("channel not closed after failure")
	}
}

func TestRunCancelled(t *testing.T) {
	sim := simulator.New(simulator.DefaultConfig(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Run(ctx, Options{Channel: sim, Catalog: catalog(t), Reset: fastReset()},
		func(context.Context, *Session) error { return nil })
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Run() error = %v, want context.Canceled", err)
	}
	if !sim.Closed() || sim.InReset() {
		t.Error("cancelled run did not release the channel")
	}
}

func TestNewSimulatorSelectsPart(t *testing.T) {
	c := catalog(t)
	tests := []struct {
		port   string
		wantID uint32
		err    bool
	}{
		{"sim:", 0x6200, false},
		{"sim:SN8F5703", 0x6300, false},
		{"sim:0x6310", 0x6310, false},
		{"sim:NOPE", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.port, func(t *testing.T) {
			sim, err := NewSimulator(tt.port, c, nil, fastReset(), zap.NewNop())
			if tt.err {
				if err == nil {
					t.Error("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("NewSimulator failed: %v", err)
			}

			s, err := Open(Options{Channel: sim, Catalog: c, Reset: fastReset()})
			if err != nil {
				t.Fatal(err)
			}
			defer s.Close()
			connect(t, s)
			if s.Info().ID != tt.wantID {
				t.Errorf("ID = 0x%X, want 0x%X", s.Info().ID, tt.wantID)
			}
		})
	}
}
