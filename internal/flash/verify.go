package flash

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/muurk/sonixflash/internal/firmware"
	"github.com/muurk/sonixflash/internal/protocol"
)

// Mismatch is one byte that differs between the image and the chip.
type Mismatch struct {
	// Offset is the bank address after wrapping.
	Offset   uint32
	Expected byte
	Actual   byte
}

func (m Mismatch) String() string {
	return fmt.Sprintf("0x%04X: expected 0x%02X, read 0x%02X", m.Offset, m.Expected, m.Actual)
}

// Report is the outcome of a verify pass.
type Report struct {
	Bank       protocol.Bank
	Checked    int
	Mismatches []Mismatch
}

// OK reports whether every checked byte matched.
func (r *Report) OK() bool {
	return len(r.Mismatches) == 0
}

// Err returns nil for a clean report, otherwise an error wrapping
// ErrVerifyMismatch.
func (r *Report) Err() error {
	if r.OK() {
		return nil
	}
	first := r.Mismatches[0]
	return &Error{
		Op:     "verify",
		Bank:   r.Bank,
		Offset: first.Offset,
		Err:    fmt.Errorf("%w: %d of %d bytes differ", ErrVerifyMismatch, len(r.Mismatches), r.Checked),
	}
}

// Summary renders at most limit mismatches, one per line.
func (r *Report) Summary(limit int) string {
	var b strings.Builder
	for i, m := range r.Mismatches {
		if limit > 0 && i == limit {
			fmt.Fprintf(&b, "... and %d more\n", len(r.Mismatches)-limit)
			break
		}
		b.WriteString(m.String())
		b.WriteByte('\n')
	}
	return b.String()
}

// Verifier compares firmware images against chip contents.
type Verifier struct {
	c *Controller
}

// NewVerifier creates a verifier that reads through c.
func NewVerifier(c *Controller) *Verifier {
	return &Verifier{c: c}
}

// Verify reads back every defined segment of img placed at offset in bank
// and compares it byte for byte. Undefined gaps are not read. Addresses wrap
// modulo the bank size, and where image bytes share an address the later
// one is expected, matching Write.
func (v *Verifier) Verify(ctx context.Context, bank protocol.Bank, offset uint32, img *firmware.Image) (*Report, error) {
	c := v.c
	size, err := c.bankSize(bank)
	if err != nil {
		return nil, &Error{Op: "verify", Bank: bank, Offset: offset, Err: err}
	}

	report := &Report{Bank: bank}
	if img.Empty() {
		return report, nil
	}

	expected := make(map[uint32]byte)
	for _, seg := range img.Segments() {
		for i, b := range seg.Data {
			expected[wrapAddr(offset, seg.Offset+uint32(i), size)] = b
		}
	}

	if err := c.dev.BeginISP(ctx); err != nil {
		return nil, &Error{Op: "verify", Bank: bank, Offset: offset, Err: err}
	}

	total := img.Len()
	done := 0
	checked := make(map[uint32]bool, len(expected))
	for _, seg := range img.Segments() {
		start := wrapAddr(offset, seg.Offset, size)
		actual, err := c.readWindow(ctx, bank, start, uint32(len(seg.Data)), &done, total)
		if err != nil {
			c.abortISP(ctx, err)
			return nil, err
		}
		for i := range seg.Data {
			addr := wrapAddr(start, uint32(i), size)
			if checked[addr] {
				continue
			}
			checked[addr] = true
			report.Checked++
			if want := expected[addr]; actual[i] != want {
				report.Mismatches = append(report.Mismatches, Mismatch{
					Offset:   addr,
					Expected: want,
					Actual:   actual[i],
				})
			}
		}
	}

	if err := c.dev.EndISP(ctx); err != nil {
		return nil, &Error{Op: "verify", Bank: bank, Offset: offset, Err: err}
	}

	c.logger.Info("verify finished",
		zap.Stringer("bank", bank),
		zap.Int("checked", report.Checked),
		zap.Int("mismatches", len(report.Mismatches)))
	return report, nil
}
