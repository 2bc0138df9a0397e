package protocol

// Sync is the first byte of every command.
const Sync = 0x55

// Command opcodes, the byte after Sync.
const (
	OpConnect     = 0x08
	OpChipID      = 0x21
	OpBulkBegin   = 0x2A
	OpBulkEnd     = 0x2B
	OpSelect      = 0x48
	OpControl     = 0x4B
	OpStage       = 0x58
	OpReadByte    = 0x88
	OpWriteStatus = 0x8B
)

// Selector values used with OpSelect.
const (
	SelRun         = 0x80
	SelStatus      = 0x81
	SelAccumulator = 0x83
	SelStage       = 0x86
	SelDataMode    = 0x88
	SelModeOff     = 0x00
	SelModeCode    = 0x04
	SelModeXData   = 0x05
)

// OpControl arguments.
const (
	CtrlExecute = 0x57
	CtrlHalt    = 0x75
	CtrlResume  = 0x55
)

// 8051 instructions staged through OpStage.
const (
	InsnMovDirectImm = 0x75 // MOV direct, #data
	InsnMovDptrImm   = 0x90 // MOV DPTR, #data16
	InsnMovAImm      = 0x74 // MOV A, #data
	InsnMovxDptrA    = 0xF0 // MOVX @DPTR, A
	InsnMovADirect   = 0xE5 // MOV A, direct
)

// Special function registers touched by the programmer.
const (
	SFRDPL    = 0x82
	SFRDPH    = 0x83
	SFRCKON   = 0x8E
	SFRDPS    = 0x92
	SFRDPC    = 0x93
	SFRPECMD  = 0x94
	SFRPEROML = 0x95
	SFRPEROMH = 0x96
	SFRPERAM  = 0x97
)

// ISP command register values and address flags.
const (
	PECmdProgram   = 0x5A
	PECmdErase     = 0x96
	PEROMLISPFlags = 0x0A
	CKONISP        = 0x71
)

// XDATA locations of the bootloader.
const (
	XRAMProtect1 = 0xFFF8
	XRAMProtect2 = 0xFFFB
	XRAMBank     = 0xFFFC

	ProtectUnlock  = 0xC3
	ProtectReload1 = 0x5A
	ProtectReload2 = 0xA5
)

// Fixed exchange payloads and responses.
var (
	ChipIDRequest     = []byte{0x55, 0xA0}
	HandshakeResponse = []byte{0xFF, 0xFF, 0xFF, 0xFF}
	WriteDone         = []byte{0x5D, 0x01}
)

// ConnectKey is the payload of the connect command.
var ConnectKey = []byte{
	0x29, 0x23, 0xBE, 0x84, 0xE1, 0x6C, 0xD6, 0xAE, 0x52, 0x90, 0x49, 0xF1,
	0xF1, 0xBB, 0xE9, 0xEB, 0xB3, 0xA6, 0xDB, 0x3C, 0x87, 0x0C, 0x3E, 0x99,
	0x24, 0x5E, 0x0D, 0x1C, 0x06, 0xB7, 0x47, 0xDE, 0xB3, 0x12, 0x4D, 0xC8,
	0x43, 0xBB, 0x8B, 0xA6, 0x1F, 0x03, 0x5A, 0x7D, 0x09, 0x38, 0x25, 0x1F,
	0x5D, 0xD4, 0xCB, 0xFC, 0x96, 0xF5, 0x45, 0x3B, 0x13, 0x0D, 0x89, 0x0A,
	0x1C, 0xDB, 0xAE, 0x32, 0x20, 0x9A, 0x50, 0xEE, 0x40, 0x78, 0x36, 0xFD,
	0x12, 0x49, 0x32, 0xF6, 0x9E, 0x7D, 0x49, 0xDC, 0xAD, 0x4F, 0x14, 0xF2,
	0x44, 0x40, 0x66, 0xD0, 0x6B, 0xC4, 0x30, 0xB7, 0x32, 0x3B, 0xA1, 0x22,
	0xF6, 0x22, 0x91, 0x9D, 0xE1, 0x8B, 0x1F, 0xDA, 0xB0, 0xCA, 0x99, 0x02,
	0xB9, 0x72, 0x9D, 0x49, 0x2C, 0x80, 0x7E, 0x6B, 0x8F, 0xD3, 0x92,
}

// PayloadLen returns the number of bytes following the opcode, and whether
// the opcode is known.
func PayloadLen(op byte) (int, bool) {
	switch op {
	case OpConnect:
		return len(ConnectKey), true
	case OpChipID:
		return len(ChipIDRequest), true
	case OpBulkBegin, OpBulkEnd, OpReadByte, OpWriteStatus:
		return 0, true
	case OpSelect:
		return 1, true
	case OpControl:
		return 2, true
	case OpStage:
		return 3, true
	}
	return 0, false
}

// ResponseLen returns the number of bytes the target answers with.
func ResponseLen(op byte) int {
	switch op {
	case OpConnect, OpChipID:
		return 4
	case OpReadByte:
		return 1
	case OpWriteStatus:
		return 2
	}
	return 0
}
