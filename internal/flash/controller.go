package flash

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/muurk/sonixflash/internal/chip"
	"github.com/muurk/sonixflash/internal/firmware"
	"github.com/muurk/sonixflash/internal/protocol"
)

// readChunk caps a single bulk read so progress advances regularly.
const readChunk = 0x400

// Device is the ISP surface the controller drives. *protocol.Engine
// implements it.
type Device interface {
	Identify(ctx context.Context) (protocol.ChipID, error)
	BeginISP(ctx context.Context) error
	EndISP(ctx context.Context) error
	SelectPage(ctx context.Context, bank protocol.Bank, page uint32) error
	RawRead(ctx context.Context, n int) ([]byte, error)
	RawWrite(ctx context.Context, data []byte) error
	RawErase(ctx context.Context) error
	SetPageSize(n uint32) error
	State() protocol.State
}

// ProgressFunc receives the number of bytes processed so far and the total.
type ProgressFunc func(done, total int)

// WriteOptions controls Write.
type WriteOptions struct {
	// AllowBoot permits writing the boot bank.
	AllowBoot bool
}

// Controller performs bank level operations for one connected chip.
type Controller struct {
	dev      Device
	catalog  *chip.Catalog
	override chip.Override
	series   func(series string) chip.Override
	logger   *zap.Logger
	progress ProgressFunc

	info  chip.Info
	geom  Geometry
	ready bool

	// erased marks banks fully erased by this controller; programmed holds
	// the pages written since that erase.
	erased     map[protocol.Bank]bool
	programmed map[protocol.Bank]map[uint32]bool
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Controller) {
		c.logger = logger
	}
}

// WithOverride applies variant overrides on top of the catalog entry.
func WithOverride(o chip.Override) Option {
	return func(c *Controller) {
		c.override = o
	}
}

// WithSeriesOverrides supplies per-series overrides, looked up once the
// chip is identified. Overrides from WithOverride take precedence.
func WithSeriesOverrides(fn func(series string) chip.Override) Option {
	return func(c *Controller) {
		c.series = fn
	}
}

// WithProgress registers a progress callback used by Read, Write and Verify.
func WithProgress(fn ProgressFunc) Option {
	return func(c *Controller) {
		c.progress = fn
	}
}

// NewController creates a controller. Identify must be called before any
// other operation.
func NewController(dev Device, catalog *chip.Catalog, opts ...Option) *Controller {
	c := &Controller{
		dev:     dev,
		catalog: catalog,
		logger:  zap.NewNop(),
		erased:     make(map[protocol.Bank]bool),
		programmed: make(map[protocol.Bank]map[uint32]bool),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetProgress replaces the progress callback.
func (c *Controller) SetProgress(fn ProgressFunc) {
	c.progress = fn
}

// Geometry returns the resolved layout and whether it is known.
func (c *Controller) Geometry() (Geometry, bool) {
	return c.geom, c.ready
}

// Info returns the result of the last Identify.
func (c *Controller) Info() chip.Info {
	return c.info
}

// Identify reads the chip ID and resolves the flash geometry from the
// catalog and overrides. An unknown chip is not an error; operations that
// need the geometry fail with ErrUnknownGeometry unless overrides supply it.
func (c *Controller) Identify(ctx context.Context) (chip.Info, error) {
	id, err := c.dev.Identify(ctx)
	if err != nil {
		return chip.Info{}, err
	}

	info := c.catalog.Identify(uint32(id))
	base := info.Variant
	if !info.Known {
		base = chip.Variant{
			Series:     "unknown",
			BootSize:   chip.DefaultBootSize,
			EmptyValue: chip.DefaultEmptyValue,
			PageSize:   chip.DefaultPageSize,
		}
	}
	o := c.override
	if c.series != nil {
		o = c.series(base.Series).Merge(c.override)
	}
	v := base.Apply(o)
	info.Variant = v
	c.info = info

	c.logger.Info("chip identified",
		zap.String("id", fmt.Sprintf("0x%08X", info.ID)),
		zap.String("series", v.Series),
		zap.Bool("known", info.Known))

	if err := v.Validate(); err != nil {
		c.logger.Warn("flash geometry unavailable", zap.Error(err))
		c.ready = false
		return info, nil
	}
	if err := c.dev.SetPageSize(v.PageSize); err != nil {
		return info, err
	}

	c.geom = GeometryFor(v)
	c.ready = true
	if v.FlashSize > protocol.AddressSpace {
		c.logger.Warn("flash larger than the ISP window, only the first 64 KiB are reachable",
			zap.Uint32("flash_size", v.FlashSize))
	}
	return info, nil
}

// Read returns length bytes of bank starting at offset. The window wraps
// modulo the bank size, so a length beyond the bank size repeats it.
func (c *Controller) Read(ctx context.Context, bank protocol.Bank, offset, length uint32) ([]byte, error) {
	_, err := c.bankSize(bank)
	if err != nil {
		return nil, &Error{Op: "read", Bank: bank, Offset: offset, Err: err}
	}
	if length == 0 {
		return []byte{}, nil
	}

	if err := c.dev.BeginISP(ctx); err != nil {
		return nil, &Error{Op: "read", Bank: bank, Offset: offset, Err: err}
	}

	var done int
	data, err := c.readWindow(ctx, bank, offset, length, &done, int(length))
	if err != nil {
		c.abortISP(ctx, err)
		return nil, err
	}

	if err := c.dev.EndISP(ctx); err != nil {
		return nil, &Error{Op: "read", Bank: bank, Offset: offset, Err: err}
	}
	return data, nil
}

// readWindow reads within an open ISP session. done and total feed progress.
func (c *Controller) readWindow(ctx context.Context, bank protocol.Bank, offset, length uint32, done *int, total int) ([]byte, error) {
	size := c.geom.BankSize(bank)
	ps := c.geom.PageSize
	out := make([]byte, 0, length)

	for _, s := range wrapSpans(offset, length, size) {
		first := s.start / ps * ps
		end := (s.start + s.n + ps - 1) / ps * ps

		buf := make([]byte, 0, end-first)
		for addr := first; addr < end; {
			n := end - addr
			if n > readChunk {
				n = readChunk
			}
			if err := c.dev.SelectPage(ctx, bank, addr/ps); err != nil {
				return nil, &Error{Op: "read", Bank: bank, Offset: addr, Err: err}
			}
			chunk, err := c.dev.RawRead(ctx, int(n))
			if err != nil {
				return nil, &Error{Op: "read", Bank: bank, Offset: addr, Err: err}
			}
			buf = append(buf, chunk...)
			addr += n

			// count only the bytes inside the requested window
			lo, hi := maxU32(addr-n, s.start), minU32(addr, s.start+s.n)
			if hi > lo {
				*done += int(hi - lo)
				c.report(*done, total)
			}
		}

		out = append(out, buf[s.start-first:s.start-first+s.n]...)
	}
	return out, nil
}

// Erase erases a whole bank.
func (c *Controller) Erase(ctx context.Context, bank protocol.Bank, allowBoot bool) error {
	if bank == protocol.BankBoot && !allowBoot {
		return &Error{Op: "erase", Bank: bank, Err: ErrBootAreaProtected}
	}
	if _, err := c.bankSize(bank); err != nil {
		return &Error{Op: "erase", Bank: bank, Err: err}
	}
	c.erased[bank] = false

	c.logger.Info("erasing bank", zap.Stringer("bank", bank))
	steps := []struct {
		name string
		fn   func() error
	}{
		{"begin", func() error { return c.dev.BeginISP(ctx) }},
		{"select", func() error { return c.dev.SelectPage(ctx, bank, 0) }},
		{"erase", func() error { return c.dev.RawErase(ctx) }},
		{"end", func() error { return c.dev.EndISP(ctx) }},
	}
	for i, step := range steps {
		if err := step.fn(); err != nil {
			if i > 0 && i < len(steps)-1 {
				c.abortISP(ctx, err)
			}
			return &Error{Op: "erase", Bank: bank, Err: fmt.Errorf("%s: %w", step.name, err)}
		}
	}

	c.erased[bank] = true
	c.programmed[bank] = make(map[uint32]bool)
	return nil
}

// pageImage is one page to program and which of its bytes the image defines.
type pageImage struct {
	data    []byte
	defined []bool
	count   int
}

// Write programs img into bank with image offset 0 placed at offset. Image
// bytes past the end of the bank wrap to its start; when two bytes land on
// the same address the later one wins. Partially covered pages are read
// back first unless they are still erased.
func (c *Controller) Write(ctx context.Context, bank protocol.Bank, offset uint32, img *firmware.Image, opts WriteOptions) error {
	if bank == protocol.BankBoot && !opts.AllowBoot {
		return &Error{Op: "write", Bank: bank, Offset: offset, Err: ErrBootAreaProtected}
	}
	size, err := c.bankSize(bank)
	if err != nil {
		return &Error{Op: "write", Bank: bank, Offset: offset, Err: err}
	}
	if img.Empty() {
		return nil
	}

	pages := c.paginate(bank, offset, img)
	order := make([]uint32, 0, len(pages))
	total := 0
	for p, pg := range pages {
		order = append(order, p)
		total += pg.count
	}
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })

	c.logger.Info("writing image",
		zap.Stringer("bank", bank),
		zap.Int("bytes", total),
		zap.Uint32("bank_size", size),
		zap.Int("pages", len(order)),
		zap.Bool("erased", c.erased[bank]))

	if err := c.dev.BeginISP(ctx); err != nil {
		return &Error{Op: "write", Bank: bank, Offset: offset, Err: err}
	}

	ps := c.geom.PageSize
	done := 0
	for _, p := range order {
		pg := pages[p]
		addr := p * ps

		if err := c.dev.SelectPage(ctx, bank, p); err != nil {
			c.abortISP(ctx, err)
			return &Error{Op: "write", Bank: bank, Offset: addr, Err: err}
		}
		if pg.count < int(ps) && !c.stillErased(bank, p) {
			current, err := c.dev.RawRead(ctx, int(ps))
			if err != nil {
				c.abortISP(ctx, err)
				return &Error{Op: "write", Bank: bank, Offset: addr, Err: fmt.Errorf("read back partial page: %w", err)}
			}
			for i := range pg.data {
				if !pg.defined[i] {
					pg.data[i] = current[i]
				}
			}
		}
		if err := c.dev.RawWrite(ctx, pg.data); err != nil {
			c.abortISP(ctx, err)
			return &Error{Op: "write", Bank: bank, Offset: addr, Err: err}
		}
		if c.erased[bank] {
			c.programmed[bank][p] = true
		}

		done += pg.count
		c.report(done, total)
	}

	if err := c.dev.EndISP(ctx); err != nil {
		return &Error{Op: "write", Bank: bank, Offset: offset, Err: err}
	}
	return nil
}

// paginate places every defined image byte at its wrapped bank address and
// groups them by page. Undefined bytes start as the empty value.
func (c *Controller) paginate(bank protocol.Bank, offset uint32, img *firmware.Image) map[uint32]*pageImage {
	size := c.geom.BankSize(bank)
	ps := c.geom.PageSize
	pages := make(map[uint32]*pageImage)

	for _, seg := range img.Segments() {
		for i, v := range seg.Data {
			addr := wrapAddr(offset, seg.Offset+uint32(i), size)
			p := addr / ps
			pg, ok := pages[p]
			if !ok {
				pg = &pageImage{
					data:    make([]byte, ps),
					defined: make([]bool, ps),
				}
				for j := range pg.data {
					pg.data[j] = c.geom.EmptyValue
				}
				pages[p] = pg
			}
			idx := addr % ps
			if !pg.defined[idx] {
				pg.defined[idx] = true
				pg.count++
			}
			pg.data[idx] = v
		}
	}
	return pages
}

// stillErased reports whether page of bank is known to hold only the empty
// value.
func (c *Controller) stillErased(bank protocol.Bank, page uint32) bool {
	return c.erased[bank] && !c.programmed[bank][page]
}

// abortISP leaves the ISP session after a failed step. A faulted engine
// refuses further exchanges and is only recovered by the final reset.
func (c *Controller) abortISP(ctx context.Context, cause error) {
	if c.dev.State() == protocol.StateFaulted {
		return
	}
	if err := c.dev.EndISP(ctx); err != nil {
		c.logger.Warn("leaving ISP after error failed", zap.NamedError("cause", cause), zap.Error(err))
	}
}

func (c *Controller) bankSize(bank protocol.Bank) (uint32, error) {
	if !c.ready {
		return 0, ErrUnknownGeometry
	}
	if bank != protocol.BankMain && bank != protocol.BankBoot {
		return 0, fmt.Errorf("invalid bank %d", bank)
	}
	return c.geom.BankSize(bank), nil
}

func (c *Controller) report(done, total int) {
	if c.progress != nil {
		c.progress(done, total)
	}
}

func minU32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

func maxU32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}
