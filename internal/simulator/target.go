package simulator

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/muurk/sonixflash/internal/logging"
	"github.com/muurk/sonixflash/internal/protocol"
	"github.com/muurk/sonixflash/internal/transport"
)

// Config describes the simulated chip and its reset wiring.
type Config struct {
	ChipID     uint32
	PageSize   uint32
	MainSize   uint32
	BootSize   uint32
	EmptyValue byte

	// ResetPin is the adapter line wired to the reset circuit.
	ResetPin transport.Pin
	// ResetActiveLow means the target is held in reset while the line is low.
	ResetActiveLow bool

	// ListenAfter makes the target enter its bootloader on its own after
	// this many ignored connect attempts, like a manual power cycle.
	// Zero disables it.
	ListenAfter int
}

// DefaultConfig is an SN8F5702 wired to RTS.
func DefaultConfig() Config {
	return Config{
		ChipID:     0x6200,
		PageSize:   0x20,
		MainSize:   0x1000,
		BootSize:   0x200,
		EmptyValue: 0xFF,
		ResetPin:   transport.PinRTS,
	}
}

// Target is a simulated SN8F5xxx bootloader. It implements
// transport.Channel at the byte level; echo is not reproduced since
// transport.Serial already consumes it.
type Target struct {
	cfg    Config
	logger *zap.Logger

	flash [2][]byte
	xram  map[uint16]byte
	iram  [256]byte

	acc     byte
	dptr    uint16
	staged  [3]byte
	modeSel bool
	mode    byte
	bulk    bool
	ispOK   bool

	lines     map[transport.Pin]bool
	inReset   bool
	listening bool
	connected bool
	attempts  int

	in     []byte
	rx     []byte
	frames [][]byte
	closed bool

	failAfter int
	corrupt   bool
}

// New creates a powered, running target with erased flash.
func New(cfg Config, logger *zap.Logger) *Target {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Target{
		cfg:       cfg,
		logger:    logger,
		lines:     make(map[transport.Pin]bool),
		failAfter: -1,
	}
	t.flash[protocol.BankMain] = bytes.Repeat([]byte{cfg.EmptyValue}, int(cfg.MainSize))
	t.flash[protocol.BankBoot] = bytes.Repeat([]byte{cfg.EmptyValue}, int(cfg.BootSize))
	t.lines[cfg.ResetPin] = t.releasedLevel()
	t.powerOn()
	return t
}

// Load writes data into bank at offset, bypassing the protocol.
func (t *Target) Load(bank protocol.Bank, offset uint32, data []byte) {
	mem := t.flash[bank]
	for i, v := range data {
		mem[(offset+uint32(i))%uint32(len(mem))] = v
	}
}

// Flash returns a copy of a bank.
func (t *Target) Flash(bank protocol.Bank) []byte {
	return append([]byte(nil), t.flash[bank]...)
}

// Frames returns every complete command received so far.
func (t *Target) Frames() [][]byte {
	return t.frames
}

// ClearFrames forgets the recorded commands.
func (t *Target) ClearFrames() {
	t.frames = nil
}

// InReset reports whether the reset line currently holds the core.
func (t *Target) InReset() bool {
	return t.inReset
}

// Connected reports whether a handshake was accepted since the last reset.
func (t *Target) Connected() bool {
	return t.connected
}

// Closed reports whether Close was called.
func (t *Target) Closed() bool {
	return t.closed
}

// FailAfter makes the target go silent after n more responses.
func (t *Target) FailAfter(n int) {
	t.failAfter = n
}

// CorruptNext flips the bits of the next response.
func (t *Target) CorruptNext() {
	t.corrupt = true
}

func (t *Target) Send(data []byte) error {
	if t.closed {
		return transport.ErrClosed
	}
	logging.LogRawBytes(t.logger, "SIM RX", data)
	t.in = append(t.in, data...)
	t.process()
	return nil
}

func (t *Target) Receive(n int, _ time.Duration) ([]byte, error) {
	if t.closed {
		return nil, transport.ErrClosed
	}
	if len(t.rx) < n {
		got := t.rx
		t.rx = nil
		return got, &transport.TimeoutError{Want: n, Got: len(got)}
	}
	out := t.rx[:n:n]
	t.rx = t.rx[n:]
	return out, nil
}

func (t *Target) SetLine(pin transport.Pin, level bool) error {
	if t.closed {
		return transport.ErrClosed
	}
	t.lines[pin] = level
	if pin != t.cfg.ResetPin {
		return nil
	}

	held := level != t.releasedLevel()
	switch {
	case held && !t.inReset:
		t.inReset = true
		t.powerOn()
	case !held && t.inReset:
		t.inReset = false
		t.listening = true
		t.logger.Debug("simulator left reset, bootloader listening")
	}
	return nil
}

func (t *Target) Discard() error {
	if t.closed {
		return transport.ErrClosed
	}
	t.rx = nil
	return nil
}

// Close releases the reset line like transport.Serial does.
func (t *Target) Close() error {
	if t.closed {
		return nil
	}
	if err := t.SetLine(t.cfg.ResetPin, t.releasedLevel()); err != nil {
		return err
	}
	t.closed = true
	return nil
}

func (t *Target) releasedLevel() bool {
	return t.cfg.ResetActiveLow
}

// powerOn puts the core in its post-reset state. Flash survives.
func (t *Target) powerOn() {
	t.xram = make(map[uint16]byte)
	t.iram = [256]byte{}
	t.iram[protocol.SFRCKON] = protocol.CKONISP
	t.acc = 0
	t.dptr = 0xFFFB
	t.modeSel = false
	t.mode = protocol.SelModeOff
	t.bulk = false
	t.ispOK = false
	t.connected = false
	t.listening = false
	t.in = nil
	t.rx = nil
}

func (t *Target) respond(data ...byte) {
	if t.failAfter == 0 {
		return
	}
	if t.failAfter > 0 {
		t.failAfter--
	}
	data = append([]byte(nil), data...)
	if t.corrupt {
		t.corrupt = false
		for i := range data {
			data[i] ^= 0xFF
		}
	}
	logging.LogRawBytes(t.logger, "SIM TX", data)
	t.rx = append(t.rx, data...)
}

func (t *Target) process() {
	for len(t.in) > 0 {
		if t.in[0] != protocol.Sync {
			t.logger.Debug("simulator dropped byte out of sync", zap.Uint8("byte", t.in[0]))
			t.in = t.in[1:]
			continue
		}
		if len(t.in) < 2 {
			return
		}
		op := t.in[1]
		n, ok := protocol.PayloadLen(op)
		if !ok {
			t.logger.Debug("simulator ignored unknown opcode", zap.Uint8("op", op))
			t.in = t.in[2:]
			continue
		}
		if len(t.in) < 2+n {
			return
		}

		frame := append([]byte(nil), t.in[:2+n]...)
		t.in = t.in[2+n:]
		t.frames = append(t.frames, frame)
		t.handle(op, frame[2:])
	}
}

func (t *Target) handle(op byte, payload []byte) {
	if t.inReset {
		return
	}

	if op == protocol.OpConnect {
		t.handleConnect(payload)
		return
	}
	if !t.connected {
		return
	}

	switch op {
	case protocol.OpChipID:
		if bytes.Equal(payload, protocol.ChipIDRequest) {
			var id [4]byte
			binary.LittleEndian.PutUint32(id[:], t.cfg.ChipID)
			t.respond(id[:]...)
		}
	case protocol.OpBulkBegin:
		t.bulk = t.mode == protocol.SelModeCode
	case protocol.OpBulkEnd:
		t.bulk = false
	case protocol.OpSelect:
		t.handleSelect(payload[0])
	case protocol.OpControl:
		if payload[0] == protocol.CtrlExecute && payload[1] == 0x01 {
			t.execute()
		}
	case protocol.OpStage:
		t.staged = [3]byte{payload[2], payload[1], payload[0]}
	case protocol.OpReadByte:
		t.respond(t.readByte())
	case protocol.OpWriteStatus:
		status := byte(0x00)
		if t.ispOK {
			status = 0x01
		}
		t.respond(0x5D, status)
	}
}

func (t *Target) handleConnect(payload []byte) {
	if !t.listening {
		t.attempts++
		if t.cfg.ListenAfter > 0 && t.attempts >= t.cfg.ListenAfter {
			t.listening = true
		}
		return
	}
	if !bytes.Equal(payload, protocol.ConnectKey) {
		return
	}
	t.listening = false
	t.connected = true
	t.respond(protocol.HandshakeResponse...)
}

func (t *Target) handleSelect(v byte) {
	if t.modeSel {
		t.modeSel = false
		t.mode = v
		if v == protocol.SelModeXData {
			t.acc = t.xram[t.dptr]
		}
		return
	}
	if v == protocol.SelDataMode {
		t.modeSel = true
	}
}

func (t *Target) readByte() byte {
	if !t.bulk {
		return t.acc
	}
	mem := t.flash[t.bankIndex()]
	v := mem[uint32(t.dptr)%uint32(len(mem))]
	t.dptr++
	return v
}

func (t *Target) execute() {
	op, a1, a2 := t.staged[0], t.staged[1], t.staged[2]
	switch op {
	case protocol.InsnMovDirectImm:
		t.writeDirect(a1, a2)
	case protocol.InsnMovDptrImm:
		t.dptr = uint16(a1)<<8 | uint16(a2)
	case protocol.InsnMovAImm:
		t.acc = a1
	case protocol.InsnMovxDptrA:
		t.xram[t.dptr] = t.acc
	case protocol.InsnMovADirect:
		t.acc = t.readDirect(a1)
	default:
		t.logger.Debug("simulator ignored instruction", zap.String("insn", fmt.Sprintf("%02X %02X %02X", op, a1, a2)))
	}
}

func (t *Target) readDirect(addr byte) byte {
	switch addr {
	case protocol.SFRDPL:
		return byte(t.dptr)
	case protocol.SFRDPH:
		return byte(t.dptr >> 8)
	}
	return t.iram[addr]
}

func (t *Target) writeDirect(addr, v byte) {
	switch addr {
	case protocol.SFRDPL:
		t.dptr = t.dptr&0xFF00 | uint16(v)
	case protocol.SFRDPH:
		t.dptr = t.dptr&0x00FF | uint16(v)<<8
	}
	t.iram[addr] = v
	if addr == protocol.SFRPECMD {
		t.runISP(v)
	}
}

func (t *Target) bankIndex() int {
	if t.xram[protocol.XRAMBank] == byte(protocol.BankBoot) {
		return int(protocol.BankBoot)
	}
	return int(protocol.BankMain)
}

func (t *Target) unlocked() bool {
	return t.xram[protocol.XRAMProtect1] == protocol.ProtectUnlock &&
		t.xram[protocol.XRAMProtect2] == protocol.ProtectUnlock
}

func (t *Target) runISP(cmd byte) {
	t.ispOK = false
	if !t.unlocked() || t.xram[protocol.XRAMBank] > byte(protocol.BankBoot) {
		t.logger.Debug("simulator rejected ISP command", zap.Uint8("cmd", cmd))
		return
	}
	mem := t.flash[t.bankIndex()]

	switch cmd {
	case protocol.PECmdProgram:
		addr := (uint32(t.iram[protocol.SFRPEROMH])<<8 | uint32(t.iram[protocol.SFRPEROML])) &^ (t.cfg.PageSize - 1)
		if addr+t.cfg.PageSize > uint32(len(mem)) {
			return
		}
		src := uint32(t.iram[protocol.SFRPERAM])
		for i := uint32(0); i < t.cfg.PageSize; i++ {
			mem[addr+i] = t.iram[byte(src+i)]
		}
		t.ispOK = true
	case protocol.PECmdErase:
		for i := range mem {
			mem[i] = t.cfg.EmptyValue
		}
		t.ispOK = true
	}
}
