// Package flow implements the instruction-flow reconstructor: component F
// from spec.md §4.F, combining a query decoder, a traced image, and an
// external instruction decoder to single-step from one executed
// instruction to the next.
package flow

import (
	"ptdecode/errs"
	"ptdecode/image"
	"ptdecode/insn"
	"ptdecode/logging"
	"ptdecode/query"
)

// Decoder single-steps a reconstructed instruction stream, per the
// algorithm in spec.md §4.F. Between calls to Next, IP holds the address
// of the next instruction to execute.
type Decoder struct {
	Log   logging.Logger
	Query *query.Decoder
	Image *image.Image
	Insn  insn.Decoder

	ip     uint64
	haveIP bool
	asid   image.ASID
	exec   insn.ExecMode
}

// New builds a flow Decoder over the given query decoder, traced image,
// and external instruction decoder.
func New(q *query.Decoder, img *image.Image, dec insn.Decoder, log logging.Logger) *Decoder {
	if log == nil {
		log = logging.NoOp()
	}
	return &Decoder{Query: q, Image: img, Insn: dec, Log: log}
}

// SetIP seeds the starting instruction pointer, e.g. after the caller
// has synchronized the query decoder and knows the entry point.
func (d *Decoder) SetIP(ip uint64) { d.ip, d.haveIP = ip, true }

// SetASID selects the address space single-stepping reads from.
func (d *Decoder) SetASID(asid image.ASID) { d.asid = asid }

// IP returns the current instruction pointer and whether it is known.
func (d *Decoder) IP() (uint64, bool) { return d.ip, d.haveIP }

// Next performs one step of the single-step algorithm: read up to 15
// bytes at the current (ASID, IP), classify the decoded instruction,
// advance IP accordingly, and decorate the returned record with any
// events that became releasable at this step.
func (d *Decoder) Next() (insn.Record, query.Status, error) {
	var rec insn.Record
	var status query.Status

	if !d.haveIP {
		return rec, status, errs.New(errs.KindNoIP)
	}

	raw := make([]byte, 15)
	n, err := d.Image.Read(raw, d.asid, d.ip)
	if err != nil {
		return rec, status, err
	}
	if n == 0 {
		return rec, status, errs.New(errs.KindNoMap)
	}
	raw = raw[:n]

	dec, err := d.Insn.Decode(raw, d.ip)
	if err != nil {
		return rec, status, errs.NewMsg(errs.KindBadInsn, err.Error())
	}

	rec.IP = d.ip
	rec.Class = dec.Class
	rec.ExecMode = d.exec
	rec.RawLen = copy(rec.Raw[:], raw)
	rec.Size = dec.Size

	switch dec.Class {
	case insn.ClassOther:
		d.ip += uint64(dec.Size)

	case insn.ClassDirectJump:
		if !dec.HasDirectTarget {
			return rec, status, errs.New(errs.KindBadInsn)
		}
		d.ip = dec.DirectTarget

	case insn.ClassCondJump:
		taken, st, qerr := d.Query.CondBranch()
		status = st
		if qerr != nil {
			return rec, status, qerr
		}
		if taken {
			if !dec.HasDirectTarget {
				return rec, status, errs.New(errs.KindBadInsn)
			}
			d.ip = dec.DirectTarget
		} else {
			d.ip += uint64(dec.Size)
		}

	case insn.ClassIndirectJump:
		ip, st, qerr := d.Query.IndirectBranch()
		status = st
		if qerr != nil {
			return rec, status, qerr
		}
		d.ip = ip
		if st.IPSuppressed {
			// The destination is unknown: mark the halt and require the
			// caller to resynchronize before the next Next() call.
			status.EOS = true
			d.haveIP = false
		}
	}

	if d.Query.TakeResynced() {
		rec.Flags |= insn.FlagResynced
	}

	for {
		ev, ok := d.Query.PendingEvent()
		if !ok {
			break
		}
		d.applyEvent(&rec, ev)
	}

	return rec, status, nil
}

// applyEvent decorates rec with the flags implied by ev. For events that
// carry an authoritative IP (enabled/disabled/overflow), it re-seeds the
// decoder's IP from that event only if the decoder doesn't already have
// one: a branch resolved earlier in the same Next() call (e.g. a TIP.PGE
// immediately followed by the TIP that resolves an indirect jump at the
// resumed address) already holds the more current value, and the
// event's IP must not clobber it.
func (d *Decoder) applyEvent(rec *insn.Record, ev query.Event) {
	switch ev.Kind {
	case query.KindEnabled:
		rec.Flags |= insn.FlagEnabled
		if ev.Resumed {
			rec.Flags |= insn.FlagResumed
		}
		if ev.IPValid && !d.haveIP {
			d.ip, d.haveIP = ev.IP, true
		}

	case query.KindDisabled, query.KindAsyncDisabled:
		rec.Flags |= insn.FlagDisabled
		if ev.IPValid && !d.haveIP {
			d.ip, d.haveIP = ev.IP, true
		}

	case query.KindOverflow:
		rec.Flags |= insn.FlagResynced
		if ev.IPValid && !d.haveIP {
			d.ip, d.haveIP = ev.IP, true
		}

	case query.KindExecMode:
		d.exec = insn.ExecMode{CSL: ev.ModeCSL, CSD: ev.ModeCSD}

	case query.KindTSX:
		// Errata BDM64: a tsx.abrt may make the following branch target
		// unreliable; mark the instruction and continue rather than
		// aborting the stream.
		switch {
		case ev.TSXAbrt:
			rec.Flags |= insn.FlagAborted
		case ev.TSXIntX:
			rec.Flags |= insn.FlagSpeculative
		default:
			rec.Flags |= insn.FlagCommitted
		}
	}
}
