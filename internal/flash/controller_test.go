package flash_test

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
)

func noSleep(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}

func catalog(t *testing.T) *chip.Catalog {
	t.Helper()
	c, err := chip.Load()
	if err != nil {
		t.Fatalf("chip.Load failed: %v", err)
	}
	return c
}

// setup connects to a fresh simulator through an RTS pulse and identifies it.
func setup(t *testing.T, cfg simulator.Config, opts ...flash.Option) (*simulator.Target, *flash.Controller) {
	t.Helper()
	ctx := context.Background()

	sim := simulator.New(cfg, nil)
	eng := protocol.NewEngine(sim, protocol.WithLogger(zap.NewNop()), protocol.WithSleeper(noSleep))
	seq := reset.New(sim, reset.DefaultConfig(), reset.WithSleeper(noSleep))
	if err := eng.Connect(ctx, seq); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	opts = append([]flash.Option{flash.WithLogger(zap.NewNop())}, opts...)
	c := flash.NewController(eng, catalog(t), opts...)
	if _, err := c.Identify(ctx); err != nil {
		t.Fatalf("Identify failed: %v", err)
	}
	return sim, c
}

func pattern(n int, seed byte) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i)*7 + seed
	}
	return out
}

func TestIdentifyAndErasedRead(t *testing.T) {
	tests := []struct {
		name  string
		empty byte
	}{
		{"erased reads 0xFF", 0xFF},
		{"erased reads 0x00", 0x00},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := simulator.DefaultConfig()
			cfg.EmptyValue = tt.empty
			empty := tt.empty
			sim, c := setup(t, cfg, flash.WithOverride(chip.Override{EmptyValue: &empty}))

			if !sim.Connected() {
				t.Fatal("simulator did not accept the handshake")
			}
			info := c.Info()
			if !info.Known || info.Variant.Series != "SN8F5702" {
				t.Errorf("Info() = %v, want SN8F5702", info)
			}
			geom, ok := c.Geometry()
			if !ok {
				t.Fatal("geometry not resolved")
			}
			if geom.MainSize != 0x1000 || geom.PageSize != 0x20 || geom.EmptyValue != tt.empty {
				t.Errorf("Geometry() = %+v", geom)
			}

			got, err := c.Read(context.Background(), protocol.BankMain, 0, geom.MainSize)
			if err != nil {
				t.Fatalf("Read failed: %v", err)
			}
			want := bytes.Repeat([]byte{tt.empty}, int(geom.MainSize))
			if !bytes.Equal(got, want) {
				t.Error("erased flash does not read back as the empty value")
			}
		})
	}
}

func TestReadUnalignedWindow(t *testing.T) {
	sim, c := setup(t, simulator.DefaultConfig())
	data := pattern(0x1000, 3)
	sim.Load(protocol.BankMain, 0, data)

	got, err := c.Read(context.Background(), protocol.BankMain, 0x13, 0x455)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if !bytes.Equal(got, data[0x13:0x13+0x455]) {
		t.Error("unaligned read returned wrong bytes")
	}
}

func TestReadWraparound(t *testing.T) {
	sim, c := setup(t, simulator.DefaultConfig())
	ctx := context.Background()
	sim.Load(protocol.BankMain, 0, pattern(0x1000, 9))

	wrapped, err := c.Read(ctx, protocol.BankMain, 0x0FF0, 0x30)
	if err != nil {
		t.Fatalf("wrapped Read failed: %v", err)
	}
	tail, err := c.Read(ctx, protocol.BankMain, 0x0FF0, 0x10)
	if err != nil {
		t.Fatalf("tail Read failed: %v", err)
	}
	head, err := c.Read(ctx, protocol.BankMain, 0, 0x20)
	if err != nil {
		t.Fatalf("head Read failed: %v", err)
	}

	if !bytes.Equal(wrapped, append(tail, head...)) {
		t.Errorf("wrapped read % X != tail+head", wrapped)
	}

	// an offset beyond the bank wraps too
	again, err := c.Read(ctx, protocol.BankMain, 0x1FF0, 0x30)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if !bytes.Equal(again, wrapped) {
		t.Error("offset 0x1FF0 did not wrap to 0x0FF0")
	}
}

func TestReadLongerThanBank(t *testing.T) {
	sim, c := setup(t, simulator.DefaultConfig())
	boot := pattern(0x200, 0x31)
	sim.Load(protocol.BankBoot, 0, boot)

	got, err := c.Read(context.Background(), protocol.BankBoot, 0x1FE, 0x204)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}

	want := append([]byte(nil), boot[0x1FE:]...)
	want = append(want, boot...)
	want = append(want, boot[:2]...)
	if !bytes.Equal(got, want) {
		t.Errorf("Read() returned %d bytes, want the bank repeated from 0x1FE (%d bytes)", len(got), len(want))
	}
}

// hookedDevice lets a test fail or disturb page selection.
type hookedDevice struct {
	*protocol.Engine
	onSelect func(page uint32) error
	ended    int
}

func (d *hookedDevice) SelectPage(ctx context.Context, bank protocol.Bank, page uint32) error {
	if d.onSelect != nil {
		if err := d.onSelect(page); err != nil {
			return err
		}
	}
	return d.Engine.SelectPage(ctx, bank, page)
}

func (d *hookedDevice) EndISP(ctx context.Context) error {
	d.ended++
	return d.Engine.EndISP(ctx)
}

func TestFailedReadLeavesISP(t *testing.T) {
	ctx := context.Background()
	sim := simulator.New(simulator.DefaultConfig(), nil)
	eng := protocol.NewEngine(sim, protocol.WithLogger(zap.NewNop()), protocol.WithSleeper(noSleep))
	if err := eng.Connect(ctx, reset.New(sim, reset.DefaultConfig(), reset.WithSleeper(noSleep))); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	dev := &hookedDevice{Engine: eng}
	c := flash.NewController(dev, catalog(t), flash.WithLogger(zap.NewNop()))
	if _, err := c.Identify(ctx); err != nil {
		t.Fatalf("Identify failed: %v", err)
	}

	rejected := errors.New("page rejected")
	dev.onSelect = func(page uint32) error {
		if page == 3 {
			return rejected
		}
		return nil
	}
	if _, err := c.Read(ctx, protocol.BankMain, 0x60, 0x10); !errors.Is(err, rejected) {
		t.Fatalf("Read() error = %v, want the rejected page", err)
	}
	if dev.ended != 1 {
		t.Errorf("EndISP called %d times after a failed read, want 1", dev.ended)
	}

	dev.ended = 0
	if _, err := flash.NewVerifier(c).Verify(ctx, protocol.BankMain, 0x60, firmware.FromBinary([]byte{1, 2})); !errors.Is(err, rejected) {
		t.Fatalf("Verify() error = %v, want the rejected page", err)
	}
	if dev.ended != 1 {
		t.Errorf("EndISP called %d times after a failed verify, want 1", dev.ended)
	}
	if eng.State() != protocol.StateReady {
		t.Errorf("state = %v, want READY", eng.State())
	}

	// a silent target faults the engine; nothing more is sent
	dev.ended = 0
	dev.onSelect = func(page uint32) error {
		if page == 3 {
			sim.FailAfter(0)
		}
		return nil
	}
	if _, err := c.Read(ctx, protocol.BankMain, 0x60, 0x10); !errors.Is(err, protocol.ErrDesyncOrTimeout) {
		t.Fatalf("Read() error = %v, want ErrDesyncOrTimeout", err)
	}
	if dev.ended != 0 {
		t.Errorf("EndISP called %d times on a faulted engine, want 0", dev.ended)
	}
}

func TestBootGuard(t *testing.T) {
	sim, c := setup(t, simulator.DefaultConfig())
	ctx := context.Background()
	img := firmware.FromBinary([]byte{1, 2, 3, 4})

	sim.ClearFrames()
	if err := c.Erase(ctx, protocol.BankBoot, false); !errors.Is(err, flash.ErrBootAreaProtected) {
		t.Errorf("Erase(boot) error = %v, want ErrBootAreaProtected", err)
	}
	if err := c.Write(ctx, protocol.BankBoot, 0, img, flash.WriteOptions{}); !errors.Is(err, flash.ErrBootAreaProtected) {
		t.Errorf("Write(boot) error = %v, want ErrBootAreaProtected", err)
	}
	if n := len(sim.Frames()); n != 0 {
		t.Errorf("guarded operations sent %d frames, want 0", n)
	}

	if err := c.Erase(ctx, protocol.BankBoot, true); err != nil {
		t.Fatalf("Erase(boot, allow) failed: %v", err)
	}
	if err := c.Write(ctx, protocol.BankBoot, 0x10, img, flash.WriteOptions{AllowBoot: true}); err != nil {
		t.Fatalf("Write(boot, allow) failed: %v", err)
	}
	boot := sim.Flash(protocol.BankBoot)
	if !bytes.Equal(boot[0x10:0x14], []byte{1, 2, 3, 4}) {
		t.Errorf("boot bank = % X, want image at 0x10", boot[0x10:0x14])
	}
	if main := sim.Flash(protocol.BankMain); main[0x10] != 0xFF {
		t.Error("boot write leaked into the main bank")
	}
}

func TestWritePreservesPartialPages(t *testing.T) {
	sim, c := setup(t, simulator.DefaultConfig())
	before := pattern(0x1000, 0x40)
	sim.Load(protocol.BankMain, 0, before)

	patch := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	if err := c.Write(context.Background(), protocol.BankMain, 0x45, firmware.FromBinary(patch), flash.WriteOptions{}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	want := append([]byte(nil), before...)
	copy(want[0x45:], patch)
	if got := sim.Flash(protocol.BankMain); !bytes.Equal(got, want) {
		t.Error("bytes outside the image changed")
	}
}

func TestWriteAfterEraseFillsEmptyValue(t *testing.T) {
	tests := []struct {
		name  string
		empty byte
	}{
		{"0xFF", 0xFF},
		{"0x00", 0x00},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := simulator.DefaultConfig()
			cfg.EmptyValue = tt.empty
			empty := tt.empty
			sim, c := setup(t, cfg, flash.WithOverride(chip.Override{EmptyValue: &empty}))
			ctx := context.Background()
			sim.Load(protocol.BankMain, 0, pattern(0x1000, 1))

			if err := c.Erase(ctx, protocol.BankMain, false); err != nil {
				t.Fatalf("Erase failed: %v", err)
			}
			sim.ClearFrames()
			if err := c.Write(ctx, protocol.BankMain, 0x22, firmware.FromBinary([]byte{0x5A}), flash.WriteOptions{}); err != nil {
				t.Fatalf("Write failed: %v", err)
			}

			for _, f := range sim.Frames() {
				if f[1] == protocol.OpBulkBegin {
					t.Fatal("write after erase read the page back")
				}
			}
			page := sim.Flash(protocol.BankMain)[0x20:0x40]
			want := bytes.Repeat([]byte{tt.empty}, 0x20)
			want[2] = 0x5A
			if !bytes.Equal(page, want) {
				t.Errorf("page = % X, want % X", page, want)
			}
		})
	}
}

func TestWriteWraparound(t *testing.T) {
	sim, c := setup(t, simulator.DefaultConfig())
	img := firmware.FromBinary([]byte{0xA1, 0xA2, 0xA3, 0xA4})

	if err := c.Write(context.Background(), protocol.BankMain, 0x0FFE, img, flash.WriteOptions{}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	mem := sim.Flash(protocol.BankMain)
	if mem[0x0FFE] != 0xA1 || mem[0x0FFF] != 0xA2 || mem[0] != 0xA3 || mem[1] != 0xA4 {
		t.Errorf("wrapped write landed at % X ... % X", mem[0x0FFC:], mem[:4])
	}
}

func TestWriteSparseImage(t *testing.T) {
	sim, c := setup(t, simulator.DefaultConfig())
	ctx := context.Background()
	if err := c.Erase(ctx, protocol.BankMain, false); err != nil {
		t.Fatalf("Erase failed: %v", err)
	}

	var hex bytes.Buffer
	src := firmware.FromBinary(pattern(0x40, 5))
	if err := firmware.EncodeIntelHex(&hex, src); err != nil {
		t.Fatalf("EncodeIntelHex failed: %v", err)
	}
	img, err := firmware.DecodeIntelHex("app.hex", &hex)
	if err != nil {
		t.Fatalf("DecodeIntelHex failed: %v", err)
	}

	var last, total int
	c.SetProgress(func(done, n int) { last, total = done, n })
	if err := c.Write(ctx, protocol.BankMain, 0x800, img, flash.WriteOptions{}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if last != 0x40 || total != 0x40 {
		t.Errorf("progress ended at %d/%d, want 64/64", last, total)
	}
	if got := sim.Flash(protocol.BankMain)[0x800:0x840]; !bytes.Equal(got, pattern(0x40, 5)) {
		t.Error("image not written at the base offset")
	}
}

func TestUnknownChipNeedsGeometry(t *testing.T) {
	cfg := simulator.DefaultConfig()
	cfg.ChipID = 0xBEEF

	_, c := setup(t, cfg)
	if c.Info().Known {
		t.Fatal("chip 0xBEEF reported as known")
	}
	if _, ok := c.Geometry(); ok {
		t.Fatal("geometry resolved without overrides")
	}
	if _, err := c.Read(context.Background(), protocol.BankMain, 0, 0x10); !errors.Is(err, flash.ErrUnknownGeometry) {
		t.Errorf("Read() error = %v, want ErrUnknownGeometry", err)
	}

	size, page := uint32(0x1000), uint32(0x20)
	_, c = setup(t, cfg, flash.WithOverride(chip.Override{FlashSize: &size, PageSize: &page}))
	if _, err := c.Read(context.Background(), protocol.BankMain, 0, 0x10); err != nil {
		t.Errorf("Read with overrides failed: %v", err)
	}
}

func TestWriteLongerThanBank(t *testing.T) {
	sim, c := setup(t, simulator.DefaultConfig())
	data := pattern(0x1002, 0x17)

	var last, total int
	c.SetProgress(func(done, n int) { last, total = done, n })
	if err := c.Write(context.Background(), protocol.BankMain, 0, firmware.FromBinary(data), flash.WriteOptions{}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	want := append([]byte(nil), data[:0x1000]...)
	copy(want, data[0x1000:])
	if got := sim.Flash(protocol.BankMain); !bytes.Equal(got, want) {
		t.Errorf("bank starts with % X, want the wrapped tail % X", got[:2], data[0x1000:])
	}
	if last != 0x1000 || total != 0x1000 {
		t.Errorf("progress ended at %d/%d, want one count per bank address", last, total)
	}

	report, err := flash.NewVerifier(c).Verify(context.Background(), protocol.BankMain, 0, firmware.FromBinary(data))
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !report.OK() {
		t.Errorf("verify of the wrapped image mismatched: %s", report.Summary(4))
	}
}

func TestPartialWritesAfterErase(t *testing.T) {
	sim, c := setup(t, simulator.DefaultConfig())
	ctx := context.Background()

	if err := c.Erase(ctx, protocol.BankMain, false); err != nil {
		t.Fatalf("Erase failed: %v", err)
	}
	if err := c.Write(ctx, protocol.BankMain, 0, firmware.FromBinary([]byte{0x11, 0x22, 0x33, 0x44}), flash.WriteOptions{}); err != nil {
		t.Fatalf("first Write failed: %v", err)
	}
	if err := c.Write(ctx, protocol.BankMain, 8, firmware.FromBinary([]byte{0xAA}), flash.WriteOptions{}); err != nil {
		t.Fatalf("second Write failed: %v", err)
	}

	got, err := c.Read(ctx, protocol.BankMain, 0, 9)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	want := []byte{0x11, 0x22, 0x33, 0x44, 0xFF, 0xFF, 0xFF, 0xFF, 0xAA}
	if !bytes.Equal(got, want) {
		t.Errorf("Read() = % X, want % X", got, want)
	}

	// a new erase makes the page blank again, so no read back is needed
	if err := c.Erase(ctx, protocol.BankMain, false); err != nil {
		t.Fatalf("Erase failed: %v", err)
	}
	sim.ClearFrames()
	if err := c.Write(ctx, protocol.BankMain, 8, firmware.FromBinary([]byte{0xBB}), flash.WriteOptions{}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	for _, f := range sim.Frames() {
		if f[1] == protocol.OpBulkBegin {
			t.Fatal("write to a freshly erased page read it back")
		}
	}
	if page := sim.Flash(protocol.BankMain)[:9]; !bytes.Equal(page, []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xBB}) {
		t.Errorf("page = % X after erase and write", page)
	}
}

func TestSeriesOverrides(t *testing.T) {
	empty, boot := uint8(0x00), uint32(0x400)
	var asked string
	profile := func(series string) chip.Override {
		asked = series
		return chip.Override{EmptyValue: &empty, BootSize: &boot}
	}
	flagBoot := uint32(0x100)

	_, c := setup(t, simulator.DefaultConfig(),
		flash.WithSeriesOverrides(profile),
		flash.WithOverride(chip.Override{BootSize: &flagBoot}))

	if asked != "SN8F5702" {
		t.Errorf("series lookup for %q, want SN8F5702", asked)
	}
	v := c.Info().Variant
	if v.EmptyValue != 0x00 {
		t.Errorf("EmptyValue = 0x%02X, want the series override", v.EmptyValue)
	}
	if v.BootSize != 0x100 {
		t.Errorf("BootSize = 0x%X, want the explicit override 0x100", v.BootSize)
	}
}
