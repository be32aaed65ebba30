// Package packet implements the Intel PT wire-format packet codec: the
// tagged-union Packet type, opcode tables, and the bidirectional
// decode_next/encode operations plus PSB synchronization scanning.
package packet

import "strconv"

// Type discriminates the Packet tagged union.
type Type int

const (
	TypeUnknown Type = iota
	TypePad
	TypeOVF
	TypePSB
	TypePSBEnd
	TypeTNT
	TypeTIP
	TypeFUP
	TypeTIPPGE
	TypeTIPPGD
	TypeModeExec
	TypeModeTSX
	TypePIP
	TypeTSC
	TypeCBR
)

func (t Type) String() string {
	switch t {
	case TypePad:
		return "PAD"
	case TypeOVF:
		return "OVF"
	case TypePSB:
		return "PSB"
	case TypePSBEnd:
		return "PSBEND"
	case TypeTNT:
		return "TNT"
	case TypeTIP:
		return "TIP"
	case TypeFUP:
		return "FUP"
	case TypeTIPPGE:
		return "TIP.PGE"
	case TypeTIPPGD:
		return "TIP.PGD"
	case TypeModeExec:
		return "MODE.Exec"
	case TypeModeTSX:
		return "MODE.TSX"
	case TypePIP:
		return "PIP"
	case TypeTSC:
		return "TSC"
	case TypeCBR:
		return "CBR"
	default:
		return "Unknown"
	}
}

// IPCompression is the IP compression tag carried by TIP/FUP-family
// packets, per spec.md §3.
type IPCompression int

const (
	IPSuppressed IPCompression = iota
	IPUpdate16
	IPUpdate32
	IPSext48
)

func (c IPCompression) String() string {
	switch c {
	case IPSuppressed:
		return "suppressed"
	case IPUpdate16:
		return "upd16"
	case IPUpdate32:
		return "upd32"
	case IPSext48:
		return "sext48"
	default:
		return "invalid"
	}
}

// Packet is a flat tagged-union struct: Type selects which field group is
// meaningful, following the teacher's ptm.Packet representation rather
// than a sum-type-via-interface.
type Packet struct {
	Type   Type
	Offset uint64
	Size   uint8

	// TNT
	TNTBits  uint64
	TNTCount uint8

	// TIP / FUP / TIP.PGE / TIP.PGD
	IPC     IPCompression
	IPBits  uint64 // raw partial IP as carried on the wire, pre-update

	// MODE.Exec
	ModeCSL bool
	ModeCSD bool

	// MODE.TSX
	TSXIntX bool
	TSXAbrt bool

	// PIP
	CR3 uint64
	PIPNonRoot bool

	// TSC
	TSC uint64

	// CBR
	CBR uint8

	// Unknown
	RawBytes []byte
	UserCtx  interface{}
}

// Description renders a short human-readable summary of the packet,
// following the style of the teacher's GenericTraceElement.Description.
func (p *Packet) Description() string {
	switch p.Type {
	case TypeTNT:
		return "TNT count=" + strconv.Itoa(int(p.TNTCount))
	case TypeTIP, TypeFUP, TypeTIPPGE, TypeTIPPGD:
		return p.Type.String() + " ipc=" + p.IPC.String()
	case TypeModeExec:
		return "MODE.Exec"
	case TypeModeTSX:
		return "MODE.TSX"
	case TypePIP:
		return "PIP"
	case TypeTSC:
		return "TSC"
	case TypeCBR:
		return "CBR"
	case TypeUnknown:
		return "Unknown"
	default:
		return p.Type.String()
	}
}
