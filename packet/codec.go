package packet

import (
	"encoding/binary"

	"ptdecode/errs"
)

// DecodeCallback is the pluggable escape hatch for first bytes that match
// no known opcode. It receives the remaining buffer starting at the
// unrecognized byte and a caller context, and returns either the number
// of bytes consumed (the packet becomes TypeUnknown) or an error kind
// other than errs.KindNone, surfaced unchanged to the caller.
type DecodeCallback func(buf []byte, ctx interface{}) (consumed int, kind errs.Kind)

// Codec performs decode_next/encode against a byte buffer, per spec.md
// §4.B. It holds no cursor itself — Pos (see sync.go) tracks
// position across calls.
type Codec struct {
	Callback    DecodeCallback
	CallbackCtx interface{}
}

// NewCodec builds a Codec with no unknown-packet callback installed.
func NewCodec() *Codec {
	return &Codec{}
}

// DecodeNext decodes one packet starting at buf[0]. It returns the
// decoded packet and the number of bytes consumed, or an error. On
// success bytesConsumed is always the full wire length of the packet.
func (c *Codec) DecodeNext(buf []byte, offset uint64) (Packet, int, error) {
	if len(buf) == 0 {
		return Packet{}, 0, errs.NewAt(errs.KindEOS, int64(offset))
	}

	b0 := buf[0]

	switch b0 {
	case opcPad:
		return Packet{Type: TypePad, Offset: offset, Size: 1}, 1, nil
	case opcExt:
		return c.decodeExt(buf, offset)
	case opcMode:
		return c.decodeMode(buf, offset)
	case opcTSC:
		return c.decodeTSC(buf, offset)
	}

	if opc := b0 & opmTIP; isTIPFamilyOpcode(opc) {
		return c.decodeTIPFamily(buf, offset, opc, b0)
	}

	if b0&opmTNT8 == opmTNT8 {
		return c.decodeTNT8(buf, offset, b0)
	}

	if c.Callback != nil {
		consumed, kind := c.Callback(buf, c.CallbackCtx)
		if kind != errs.KindNone {
			return Packet{}, 0, errs.NewAt(kind, int64(offset))
		}
		if consumed <= 0 {
			return Packet{}, 0, errs.NewAt(errs.KindBadOpcode, int64(offset))
		}
		if consumed > len(buf) {
			return Packet{}, 0, errs.NewAt(errs.KindEOS, int64(offset))
		}
		raw := make([]byte, consumed)
		copy(raw, buf[:consumed])
		return Packet{
			Type: TypeUnknown, Offset: offset, Size: uint8(consumed),
			RawBytes: raw, UserCtx: c.CallbackCtx,
		}, consumed, nil
	}

	return Packet{}, 0, errs.NewAt(errs.KindBadOpcode, int64(offset))
}

func isTIPFamilyOpcode(opc byte) bool {
	switch opc {
	case opcTIP, opcTIPPGE, opcTIPPGD, opcFUP:
		return true
	default:
		return false
	}
}

func (c *Codec) decodeExt(buf []byte, offset uint64) (Packet, int, error) {
	if len(buf) < 2 {
		return Packet{}, 0, errs.NewAt(errs.KindEOS, int64(offset))
	}
	switch buf[1] {
	case extPSB:
		if len(buf) < psbSize {
			return Packet{}, 0, errs.NewAt(errs.KindEOS, int64(offset))
		}
		for i := 0; i < psbSize; i++ {
			if buf[i] != psbPattern[i] {
				return Packet{}, 0, errs.NewAt(errs.KindBadPacket, int64(offset))
			}
		}
		return Packet{Type: TypePSB, Offset: offset, Size: uint8(psbSize)}, psbSize, nil
	case extPSBEnd:
		return Packet{Type: TypePSBEnd, Offset: offset, Size: 2}, 2, nil
	case extOVF:
		return Packet{Type: TypeOVF, Offset: offset, Size: 2}, 2, nil
	case extPIP:
		need := 2 + pipPayloadSize
		if len(buf) < need {
			return Packet{}, 0, errs.NewAt(errs.KindEOS, int64(offset))
		}
		raw := le48(buf[2 : 2+pipPayloadSize])
		cr3 := (raw >> 1) << 5
		nonRoot := raw&0x1 != 0
		return Packet{
			Type: TypePIP, Offset: offset, Size: uint8(need),
			CR3: cr3, PIPNonRoot: nonRoot,
		}, need, nil
	case extCBR:
		need := 2 + cbrPayloadSize
		if len(buf) < need {
			return Packet{}, 0, errs.NewAt(errs.KindEOS, int64(offset))
		}
		return Packet{
			Type: TypeCBR, Offset: offset, Size: uint8(need), CBR: buf[2],
		}, need, nil
	case extTNT64:
		need := 2 + tnt64PayloadSize
		if len(buf) < need {
			return Packet{}, 0, errs.NewAt(errs.KindEOS, int64(offset))
		}
		payload := le48(buf[2 : 2+tnt64PayloadSize])
		bits, count, ok := decodeStopBitField(payload, 48)
		if !ok {
			return Packet{}, 0, errs.NewAt(errs.KindBadPacket, int64(offset))
		}
		return Packet{
			Type: TypeTNT, Offset: offset, Size: uint8(need),
			TNTBits: bits, TNTCount: uint8(count),
		}, need, nil
	default:
		return Packet{}, 0, errs.NewAt(errs.KindBadOpcode, int64(offset))
	}
}

func (c *Codec) decodeMode(buf []byte, offset uint64) (Packet, int, error) {
	if len(buf) < 2 {
		return Packet{}, 0, errs.NewAt(errs.KindEOS, int64(offset))
	}
	leaf := buf[1] & modeLeafMask
	bits := buf[1] & modeBitsMask
	switch leaf {
	case modeLeafExec:
		if bits&^(modeBitExecCSL|modeBitExecCSD) != 0 {
			return Packet{}, 0, errs.NewAt(errs.KindBadPacket, int64(offset))
		}
		return Packet{
			Type: TypeModeExec, Offset: offset, Size: 2,
			ModeCSL: bits&modeBitExecCSL != 0,
			ModeCSD: bits&modeBitExecCSD != 0,
		}, 2, nil
	case modeLeafTSX:
		if bits&^(modeBitTSXIntX|modeBitTSXAbrt) != 0 {
			return Packet{}, 0, errs.NewAt(errs.KindBadPacket, int64(offset))
		}
		return Packet{
			Type: TypeModeTSX, Offset: offset, Size: 2,
			TSXIntX: bits&modeBitTSXIntX != 0,
			TSXAbrt: bits&modeBitTSXAbrt != 0,
		}, 2, nil
	default:
		return Packet{}, 0, errs.NewAt(errs.KindBadPacket, int64(offset))
	}
}

func (c *Codec) decodeTSC(buf []byte, offset uint64) (Packet, int, error) {
	need := 1 + tscPayloadSize
	if len(buf) < need {
		return Packet{}, 0, errs.NewAt(errs.KindEOS, int64(offset))
	}
	tsc := le56(buf[1 : 1+tscPayloadSize])
	return Packet{Type: TypeTSC, Offset: offset, Size: uint8(need), TSC: tsc}, need, nil
}

func (c *Codec) decodeTIPFamily(buf []byte, offset uint64, opc byte, b0 byte) (Packet, int, error) {
	ipcBits := (b0 & opmIPCMask) >> opmIPCShr
	ipc := ipcFromBits(ipcBits)
	payloadSize := ipcPayloadSize(ipc)
	need := 1 + payloadSize
	if len(buf) < need {
		return Packet{}, 0, errs.NewAt(errs.KindEOS, int64(offset))
	}

	var t Type
	switch opc {
	case opcTIP:
		t = TypeTIP
	case opcTIPPGE:
		t = TypeTIPPGE
	case opcTIPPGD:
		t = TypeTIPPGD
	case opcFUP:
		t = TypeFUP
	}

	var ipBits uint64
	if payloadSize > 0 {
		ipBits = leN(buf[1:1+payloadSize], payloadSize)
	}

	return Packet{
		Type: t, Offset: offset, Size: uint8(need), IPC: ipc, IPBits: ipBits,
	}, need, nil
}

func (c *Codec) decodeTNT8(buf []byte, offset uint64, b0 byte) (Packet, int, error) {
	payload7 := uint64(b0 >> 1)
	return Packet{
		Type: TypeTNT, Offset: offset, Size: 1, TNTBits: payload7, TNTCount: 7,
	}, 1, nil
}

// decodeStopBitField implements the general variable-length TNT encoding:
// scanning from bit (width-1) down to 0, the first set bit is the stop
// bit; the bits below it (read LSB-first, oldest-to-newest) are the TNT
// data. An all-zero field has no stop bit and is malformed.
func decodeStopBitField(field uint64, width int) (value uint64, count int, ok bool) {
	for pos := width - 1; pos >= 0; pos-- {
		if field&(uint64(1)<<uint(pos)) != 0 {
			count = pos
			mask := uint64(0)
			if count > 0 {
				mask = (uint64(1) << uint(count)) - 1
			}
			return field & mask, count, true
		}
	}
	return 0, 0, false
}

// encodeStopBitField is the inverse of decodeStopBitField: it sets the
// stop bit immediately above the `count` data bits.
func encodeStopBitField(value uint64, count int) uint64 {
	mask := uint64(0)
	if count > 0 {
		mask = (uint64(1) << uint(count)) - 1
	}
	return (value & mask) | (uint64(1) << uint(count))
}

func le48(b []byte) uint64 {
	var buf [8]byte
	copy(buf[:6], b[:6])
	return binary.LittleEndian.Uint64(buf[:])
}

func le56(b []byte) uint64 {
	var buf [8]byte
	copy(buf[:7], b[:7])
	return binary.LittleEndian.Uint64(buf[:])
}

func leN(b []byte, n int) uint64 {
	var buf [8]byte
	copy(buf[:n], b[:n])
	return binary.LittleEndian.Uint64(buf[:])
}

// Encode writes packet p to buf starting at buf[0] and returns the number
// of bytes written. p.Size is ignored; the codec computes wire length
// from the variant's fields. On error the buffer is left untouched.
func (c *Codec) Encode(buf []byte, p Packet) (int, error) {
	switch p.Type {
	case TypePad:
		return writeBytes(buf, []byte{opcPad})
	case TypePSB:
		return writeBytes(buf, psbPattern[:])
	case TypePSBEnd:
		return writeBytes(buf, []byte{opcExt, extPSBEnd})
	case TypeOVF:
		return writeBytes(buf, []byte{opcExt, extOVF})
	case TypePIP:
		payload := ((p.CR3 >> 5) << 1)
		if p.PIPNonRoot {
			payload |= 0x1
		}
		out := make([]byte, 2+pipPayloadSize)
		out[0], out[1] = opcExt, extPIP
		putLE(out[2:2+pipPayloadSize], payload, pipPayloadSize)
		return writeBytes(buf, out)
	case TypeCBR:
		return writeBytes(buf, []byte{opcExt, extCBR, p.CBR, 0})
	case TypeTSC:
		out := make([]byte, 1+tscPayloadSize)
		out[0] = opcTSC
		putLE(out[1:1+tscPayloadSize], p.TSC, tscPayloadSize)
		return writeBytes(buf, out)
	case TypeModeExec:
		b := int(modeLeafExec)
		if p.ModeCSL {
			b |= int(modeBitExecCSL)
		}
		if p.ModeCSD {
			b |= int(modeBitExecCSD)
		}
		return writeBytes(buf, []byte{opcMode, byte(b)})
	case TypeModeTSX:
		b := int(modeLeafTSX)
		if p.TSXIntX {
			b |= int(modeBitTSXIntX)
		}
		if p.TSXAbrt {
			b |= int(modeBitTSXAbrt)
		}
		return writeBytes(buf, []byte{opcMode, byte(b)})
	case TypeTNT:
		if p.TNTCount == 7 && p.TNTBits < 0x80 {
			return writeBytes(buf, []byte{byte((p.TNTBits << 1) | 1)})
		}
		field := encodeStopBitField(p.TNTBits, int(p.TNTCount))
		out := make([]byte, 2+tnt64PayloadSize)
		out[0], out[1] = opcExt, extTNT64
		putLE(out[2:2+tnt64PayloadSize], field, tnt64PayloadSize)
		return writeBytes(buf, out)
	case TypeTIP, TypeFUP, TypeTIPPGE, TypeTIPPGD:
		var opc byte
		switch p.Type {
		case TypeTIP:
			opc = opcTIP
		case TypeFUP:
			opc = opcFUP
		case TypeTIPPGE:
			opc = opcTIPPGE
		case TypeTIPPGD:
			opc = opcTIPPGD
		}
		b0 := opc | (ipcToBits(p.IPC) << opmIPCShr)
		n := ipcPayloadSize(p.IPC)
		out := make([]byte, 1+n)
		out[0] = b0
		if n > 0 {
			putLE(out[1:1+n], p.IPBits, n)
		}
		return writeBytes(buf, out)
	case TypeUnknown:
		return writeBytes(buf, p.RawBytes)
	default:
		return 0, errs.New(errs.KindBadOpcode)
	}
}

func writeBytes(buf []byte, payload []byte) (int, error) {
	if len(buf) < len(payload) {
		return 0, errs.New(errs.KindEOS)
	}
	copy(buf, payload)
	return len(payload), nil
}

func putLE(dst []byte, v uint64, n int) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	copy(dst, buf[:n])
}
