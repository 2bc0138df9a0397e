package protocol

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/muurk/sonixflash/internal/transport"
)

const (
	// DefaultResponseTimeout bounds every Receive.
	DefaultResponseTimeout = 50 * time.Millisecond

	// DefaultPageSize is used until SetPageSize is called.
	DefaultPageSize = 0x20

	// AddressSpace is the size of the 16-bit ISP address window.
	AddressSpace = 0x10000

	phaseDelay = 15 * time.Millisecond
	pageDelay  = 5 * time.Millisecond
)

// ChipID is the raw 32-bit identifier reported by the target.
type ChipID uint32

func (id ChipID) String() string {
	return fmt.Sprintf("0x%08X", uint32(id))
}

// Resetter brings the target into its bootloader and runs handshake inside
// the listen window.
type Resetter interface {
	Reset(ctx context.Context, handshake func(context.Context) error) error
}

// Sleeper waits between ISP phases.
type Sleeper func(ctx context.Context, d time.Duration) error

// Engine speaks the ISP protocol over a transport.Channel.
// It is not safe for concurrent use.
type Engine struct {
	ch      transport.Channel
	logger  *zap.Logger
	timeout time.Duration
	sleep   Sleeper

	state    State
	pageSize uint32

	bank      Bank
	bankKnown bool
	entryBank Bank

	page         uint32
	pageSelected bool

	isp bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithResponseTimeout sets how long each response may take.
func WithResponseTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.timeout = d
	}
}

// WithSleeper replaces the delay function used between ISP phases.
func WithSleeper(s Sleeper) Option {
	return func(e *Engine) {
		e.sleep = s
	}
}

// WithPageSize sets the flash page size in bytes.
func WithPageSize(n uint32) Option {
	return func(e *Engine) {
		e.pageSize = n
	}
}

// NewEngine creates a disconnected engine on ch.
func NewEngine(ch transport.Channel, opts ...Option) *Engine {
	e := &Engine{
		ch:       ch,
		logger:   zap.NewNop(),
		timeout:  DefaultResponseTimeout,
		sleep:    SleepContext,
		pageSize: DefaultPageSize,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SleepContext waits for d or until ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// State returns the current connection state.
func (e *Engine) State() State {
	return e.state
}

// Bank returns the bank last written to the target, if known.
func (e *Engine) Bank() (Bank, bool) {
	return e.bank, e.bankKnown
}

// PageSize returns the page size in bytes.
func (e *Engine) PageSize() uint32 {
	return e.pageSize
}

// SetPageSize changes the page size, typically after identification.
func (e *Engine) SetPageSize(n uint32) error {
	if n == 0 || n&(n-1) != 0 || n > 0x100 {
		return fmt.Errorf("invalid page size 0x%X", n)
	}
	e.pageSize = n
	e.pageSelected = false
	return nil
}

// Connect resets the target through r and performs the handshake.
func (e *Engine) Connect(ctx context.Context, r Resetter) error {
	if e.state == StateFaulted {
		return ErrFaulted
	}

	e.state = StateResetPending
	e.bankKnown = false
	e.pageSelected = false
	e.isp = false

	if err := r.Reset(ctx, e.handshake); err != nil {
		if ctx.Err() != nil {
			e.state = StateDisconnected
		} else {
			e.state = StateFaulted
		}
		return err
	}
	return nil
}

// handshake sends one connect command. Failures do not fault the engine so
// that a reset-less poll loop can retry.
func (e *Engine) handshake(ctx context.Context) error {
	if err := e.ch.Discard(); err != nil {
		return fmt.Errorf("discard input: %w", err)
	}

	resp, err := e.roundTrip(ctx, OpConnect, ConnectKey...)
	if err != nil {
		return err
	}
	if !bytes.Equal(resp, HandshakeResponse) {
		return &Error{
			Kind:   KindDesyncOrTimeout,
			Op:     opName(OpConnect),
			Detail: fmt.Sprintf("unexpected handshake response % X", resp),
		}
	}

	e.state = StateHandshakeActive
	e.logger.Debug("handshake accepted")
	return nil
}

// Identify reads the chip ID. On success the engine is READY.
func (e *Engine) Identify(ctx context.Context) (ChipID, error) {
	if e.state != StateHandshakeActive && e.state != StateReady {
		return 0, e.notReady("identify")
	}

	resp, err := e.command(ctx, OpChipID, ChipIDRequest...)
	if err != nil {
		return 0, err
	}
	if _, err := e.command(ctx, OpBulkEnd); err != nil {
		return 0, err
	}

	id := ChipID(binary.LittleEndian.Uint32(resp))
	e.state = StateReady
	e.logger.Debug("chip identified", zap.Stringer("id", id))
	return id, nil
}

// BeginISP records the active bank, halts the core, selects the main bank
// and unlocks flash programming. SelectPage must be called again afterwards.
func (e *Engine) BeginISP(ctx context.Context) error {
	if err := e.requireReady("begin ISP"); err != nil {
		return err
	}

	current, err := e.readXRAM(ctx, XRAMBank)
	if err != nil {
		return err
	}
	e.entryBank = BankMain
	if Bank(current) == BankBoot {
		e.entryBank = BankBoot
	}

	if err := e.setBank(ctx, BankMain); err != nil {
		return err
	}
	for _, sfr := range []byte{SFRPERAM, SFRPEROMH, SFRPEROML} {
		if err := e.writeRAM(ctx, sfr, 0x00); err != nil {
			return err
		}
	}
	if err := e.control(ctx, CtrlHalt); err != nil {
		return err
	}
	if err := e.sleep(ctx, phaseDelay); err != nil {
		return err
	}

	if err := e.unlock(ctx); err != nil {
		return err
	}
	if err := e.sleep(ctx, phaseDelay); err != nil {
		return err
	}

	e.isp = true
	e.pageSelected = false
	e.logger.Debug("ISP session started")
	return nil
}

// EndISP restores the bank that was active before BeginISP and leaves
// programming mode.
func (e *Engine) EndISP(ctx context.Context) error {
	if err := e.requireReady("end ISP"); err != nil {
		return err
	}

	if !e.bankKnown || e.bank != e.entryBank {
		if err := e.setBank(ctx, e.entryBank); err != nil {
			return err
		}
	}

	if err := e.control(ctx, CtrlHalt); err != nil {
		return err
	}
	if err := e.sleep(ctx, phaseDelay); err != nil {
		return err
	}
	if err := e.unlock(ctx); err != nil {
		return err
	}
	if err := e.sleep(ctx, phaseDelay); err != nil {
		return err
	}

	e.isp = false
	e.pageSelected = false
	e.logger.Debug("ISP session finished")
	return nil
}

// SelectPage makes page (an index in units of the page size) of bank the
// target of the next RawRead, RawWrite or RawErase. The bank register is
// only written when it differs from the tracked bank.
func (e *Engine) SelectPage(ctx context.Context, bank Bank, page uint32) error {
	if err := e.requireReady("select page"); err != nil {
		return err
	}
	if bank != BankMain && bank != BankBoot {
		return fmt.Errorf("invalid bank %d", bank)
	}
	if uint64(page)*uint64(e.pageSize) >= AddressSpace {
		return fmt.Errorf("page %d outside the 64 KiB ISP window", page)
	}

	if !e.bankKnown || e.bank != bank {
		if err := e.setBank(ctx, bank); err != nil {
			return err
		}
	}

	e.page = page
	e.pageSelected = true
	e.logger.Debug("page selected", zap.Stringer("bank", bank), zap.Uint32("page", page))
	return nil
}

// RawRead reads n bytes of code memory starting at the selected page.
// The data pointer and clock SFRs are saved and restored around the read.
func (e *Engine) RawRead(ctx context.Context, n int) ([]byte, error) {
	if err := e.requirePage("raw read"); err != nil {
		return nil, err
	}
	addr := e.page * e.pageSize
	if n < 0 || uint64(addr)+uint64(n) > AddressSpace {
		return nil, fmt.Errorf("read of %d bytes at 0x%04X crosses the 64 KiB ISP window", n, addr)
	}

	saved, err := e.saveContext(ctx)
	if err != nil {
		return nil, err
	}

	if err := e.writeRAM(ctx, SFRDPS, 0x00); err != nil {
		return nil, err
	}
	if err := e.writeRAM(ctx, SFRDPC, 0x00); err != nil {
		return nil, err
	}
	if err := e.exec(ctx, InsnMovDptrImm, byte(addr>>8), byte(addr)); err != nil {
		return nil, err
	}
	if err := e.selectMode(ctx, SelModeCode); err != nil {
		return nil, err
	}
	if _, err := e.command(ctx, OpBulkBegin); err != nil {
		return nil, err
	}

	data := make([]byte, n)
	for i := range data {
		v, err := e.readByte(ctx)
		if err != nil {
			return nil, err
		}
		data[i] = v
	}

	if _, err := e.command(ctx, OpBulkEnd); err != nil {
		return nil, err
	}
	if err := e.selectMode(ctx, SelModeOff); err != nil {
		return nil, err
	}
	if err := e.restoreContext(ctx, saved); err != nil {
		return nil, err
	}
	return data, nil
}

// RawWrite programs one full page at the selected page address.
func (e *Engine) RawWrite(ctx context.Context, data []byte) error {
	if err := e.requireISP("raw write"); err != nil {
		return err
	}
	if uint32(len(data)) != e.pageSize {
		return fmt.Errorf("raw write needs exactly %d bytes, got %d", e.pageSize, len(data))
	}

	for i, v := range data {
		if err := e.writeRAM(ctx, byte(i), v); err != nil {
			return err
		}
	}
	if err := e.loadISPAddress(ctx); err != nil {
		return err
	}
	if err := e.writeRAM(ctx, SFRPECMD, PECmdProgram); err != nil {
		return err
	}
	if err := e.sleep(ctx, pageDelay); err != nil {
		return err
	}
	if err := e.checkWriteDone(ctx, "page program"); err != nil {
		return err
	}
	return e.sleep(ctx, pageDelay)
}

// RawErase erases the whole selected bank and reloads flash protection.
func (e *Engine) RawErase(ctx context.Context) error {
	if err := e.requireISP("raw erase"); err != nil {
		return err
	}

	if err := e.loadISPAddress(ctx); err != nil {
		return err
	}
	if err := e.writeRAM(ctx, SFRPECMD, PECmdErase); err != nil {
		return err
	}
	if err := e.sleep(ctx, phaseDelay); err != nil {
		return err
	}
	if err := e.checkWriteDone(ctx, "erase"); err != nil {
		return err
	}
	if err := e.sleep(ctx, phaseDelay); err != nil {
		return err
	}

	if err := e.writeXRAM(ctx, XRAMProtect1, ProtectReload1); err != nil {
		return err
	}
	if err := e.writeXRAM(ctx, XRAMProtect2, ProtectReload2); err != nil {
		return err
	}
	return e.sleep(ctx, phaseDelay)
}

// Low-level helpers.

func (e *Engine) loadISPAddress(ctx context.Context) error {
	addr := e.page * e.pageSize
	if err := e.writeRAM(ctx, SFRPERAM, 0x00); err != nil {
		return err
	}
	if err := e.writeRAM(ctx, SFRPEROMH, byte(addr>>8)); err != nil {
		return err
	}
	return e.writeRAM(ctx, SFRPEROML, byte(addr)|PEROMLISPFlags)
}

func (e *Engine) unlock(ctx context.Context) error {
	if err := e.control(ctx, CtrlResume); err != nil {
		return err
	}
	if err := e.writeXRAM(ctx, XRAMProtect1, ProtectUnlock); err != nil {
		return err
	}
	return e.writeXRAM(ctx, XRAMProtect2, ProtectUnlock)
}

func (e *Engine) setBank(ctx context.Context, bank Bank) error {
	e.bankKnown = false
	if err := e.writeXRAM(ctx, XRAMBank, byte(bank)); err != nil {
		return err
	}
	e.bank = bank
	e.bankKnown = true
	return nil
}

type sfrContext struct {
	ckon, dps, dpc, dpl, dph byte
}

func (e *Engine) saveContext(ctx context.Context) (sfrContext, error) {
	var s sfrContext
	var err error

	if s.ckon, err = e.readRAM(ctx, SFRCKON); err != nil {
		return s, err
	}
	if err = e.writeRAM(ctx, SFRCKON, CKONISP); err != nil {
		return s, err
	}
	if s.dps, err = e.readRAM(ctx, SFRDPS); err != nil {
		return s, err
	}
	if s.dpc, err = e.readRAM(ctx, SFRDPC); err != nil {
		return s, err
	}
	if s.dpl, err = e.readRAM(ctx, SFRDPL); err != nil {
		return s, err
	}
	if s.dph, err = e.readRAM(ctx, SFRDPH); err != nil {
		return s, err
	}
	return s, nil
}

func (e *Engine) restoreContext(ctx context.Context, s sfrContext) error {
	regs := []struct {
		sfr byte
		val byte
	}{
		{SFRCKON, s.ckon},
		{SFRDPS, s.dps},
		{SFRDPC, s.dpc},
		{SFRDPL, s.dpl},
		{SFRDPH, s.dph},
	}
	for _, r := range regs {
		if err := e.writeRAM(ctx, r.sfr, r.val); err != nil {
			return err
		}
	}
	return nil
}

// exec stages one instruction (opcode, arg1, arg2) and runs it. The target
// expects the instruction bytes in reverse order.
func (e *Engine) exec(ctx context.Context, opcode, arg1, arg2 byte) error {
	if err := e.sel(ctx, SelStage); err != nil {
		return err
	}
	if _, err := e.command(ctx, OpStage, arg2, arg1, opcode); err != nil {
		return err
	}
	if err := e.sel(ctx, SelRun); err != nil {
		return err
	}
	_, err := e.command(ctx, OpControl, CtrlExecute, 0x01)
	return err
}

func (e *Engine) writeRAM(ctx context.Context, addr, v byte) error {
	return e.exec(ctx, InsnMovDirectImm, addr, v)
}

func (e *Engine) readRAM(ctx context.Context, addr byte) (byte, error) {
	if err := e.exec(ctx, InsnMovADirect, addr, 0x00); err != nil {
		return 0, err
	}
	if err := e.sel(ctx, SelAccumulator); err != nil {
		return 0, err
	}
	return e.readByte(ctx)
}

func (e *Engine) writeXRAM(ctx context.Context, addr uint16, v byte) error {
	if err := e.exec(ctx, InsnMovDptrImm, byte(addr>>8), byte(addr)); err != nil {
		return err
	}
	if err := e.exec(ctx, InsnMovAImm, v, 0x00); err != nil {
		return err
	}
	return e.exec(ctx, InsnMovxDptrA, 0x00, 0x00)
}

func (e *Engine) readXRAM(ctx context.Context, addr uint16) (byte, error) {
	if err := e.exec(ctx, InsnMovDptrImm, byte(addr>>8), byte(addr)); err != nil {
		return 0, err
	}
	if err := e.selectMode(ctx, SelModeXData); err != nil {
		return 0, err
	}
	if err := e.selectMode(ctx, SelModeOff); err != nil {
		return 0, err
	}
	if err := e.sel(ctx, SelAccumulator); err != nil {
		return 0, err
	}
	return e.readByte(ctx)
}

func (e *Engine) checkWriteDone(ctx context.Context, op string) error {
	if err := e.sel(ctx, SelStatus); err != nil {
		return err
	}
	resp, err := e.command(ctx, OpWriteStatus)
	if err != nil {
		return err
	}
	if !bytes.Equal(resp, WriteDone) {
		perr := &Error{
			Kind:   KindWriteFailed,
			Op:     op,
			Detail: fmt.Sprintf("status % X, want % X", resp, WriteDone),
		}
		e.fault(perr)
		return perr
	}
	return nil
}

func (e *Engine) selectMode(ctx context.Context, mode byte) error {
	if err := e.sel(ctx, SelDataMode); err != nil {
		return err
	}
	return e.sel(ctx, mode)
}

func (e *Engine) sel(ctx context.Context, v byte) error {
	_, err := e.command(ctx, OpSelect, v)
	return err
}

func (e *Engine) control(ctx context.Context, v byte) error {
	if err := e.sel(ctx, SelRun); err != nil {
		return err
	}
	_, err := e.command(ctx, OpControl, v, 0x01)
	return err
}

func (e *Engine) readByte(ctx context.Context) (byte, error) {
	resp, err := e.command(ctx, OpReadByte)
	if err != nil {
		return 0, err
	}
	return resp[0], nil
}

// command performs one exchange and faults the engine on failure.
func (e *Engine) command(ctx context.Context, op byte, payload ...byte) ([]byte, error) {
	if e.state == StateFaulted {
		return nil, ErrFaulted
	}

	resp, err := e.roundTrip(ctx, op, payload...)
	if err != nil {
		var perr *Error
		if errors.As(err, &perr) {
			e.fault(perr)
		}
		return nil, err
	}
	return resp, nil
}

// roundTrip sends one framed command and reads its fixed-length response.
// ctx is only checked before the command is sent.
func (e *Engine) roundTrip(ctx context.Context, op byte, payload ...byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	frame := make([]byte, 0, 2+len(payload))
	frame = append(frame, Sync, op)
	frame = append(frame, payload...)

	if err := e.ch.Send(frame); err != nil {
		return nil, &Error{Kind: KindDesyncOrTimeout, Op: opName(op), Err: err}
	}

	n := ResponseLen(op)
	if n == 0 {
		return nil, nil
	}
	resp, err := e.ch.Receive(n, e.timeout)
	if err != nil {
		return nil, &Error{Kind: KindDesyncOrTimeout, Op: opName(op), Err: err}
	}
	return resp, nil
}

func (e *Engine) fault(err *Error) {
	if e.state != StateFaulted {
		e.logger.Warn("protocol engine faulted", zap.Error(err), zap.Stringer("previous_state", e.state))
	}
	e.state = StateFaulted
	e.isp = false
	e.pageSelected = false
	e.bankKnown = false
}

func (e *Engine) notReady(op string) error {
	if e.state == StateFaulted {
		return ErrFaulted
	}
	return fmt.Errorf("%s in state %s: %w", op, e.state, ErrNotReady)
}

func (e *Engine) requireReady(op string) error {
	if e.state != StateReady {
		return e.notReady(op)
	}
	return nil
}

func (e *Engine) requirePage(op string) error {
	if err := e.requireReady(op); err != nil {
		return err
	}
	if !e.pageSelected {
		return fmt.Errorf("%s without a selected page: %w", op, ErrNotReady)
	}
	return nil
}

func (e *Engine) requireISP(op string) error {
	if err := e.requirePage(op); err != nil {
		return err
	}
	if !e.isp {
		return fmt.Errorf("%s outside an ISP session: %w", op, ErrNotReady)
	}
	return nil
}

func opName(op byte) string {
	switch op {
	case OpConnect:
		return "connect"
	case OpChipID:
		return "chip id"
	case OpBulkBegin:
		return "bulk read begin"
	case OpBulkEnd:
		return "bulk read end"
	case OpSelect:
		return "select"
	case OpControl:
		return "control"
	case OpStage:
		return "stage instruction"
	case OpReadByte:
		return "read byte"
	case OpWriteStatus:
		return "write status"
	default:
		return fmt.Sprintf("opcode 0x%02X", op)
	}
}
