package query

import (
	"ptdecode/errs"
	"ptdecode/logging"
	"ptdecode/packet"
)

// Errata is a bitset of CPU erratum workarounds, consulted at packet
// handler decision points rather than branching on CPU identity directly.
type Errata uint32

const (
	ErrataBDM70 Errata = 1 << iota
	ErrataBDM64
)

// Status is the bit-vector returned alongside every query result.
type Status struct {
	EventPending bool
	IPSuppressed bool
	EOS          bool
}

// Decoder is the packet-driven query/event state machine: component D,
// wrapping the IP accumulator and TNT cache (A) and the event queues (C).
type Decoder struct {
	Log    logging.Logger
	Codec  *packet.Codec
	Pos    *packet.Pos
	Errata Errata

	ip     IP
	tnt    TNTCache
	queues Queues
	released [4]bool

	haveTSC bool
	tsc     uint64
	haveCBR bool
	cbr     uint8

	tracingEnabled bool
	inPSBPlus      bool

	haveFUPIP  bool
	fupIP      uint64

	wasDisabledWithIP bool
	lastDisabledIP    uint64

	pendingOverflow bool
	pendingResynced bool

	bdm70 bdm70Pending
}

// bdm70Pending holds a FUP or MODE.Exec seen under ErrataBDM70 inside PSB+
// whose processing is deferred by one packet: BDM70 can inject such a
// packet immediately ahead of the terminating PSBEND, out of order, and
// the only way to tell an errata injection from a legitimate one is to
// see what follows it.
type bdm70Pending struct {
	active bool
	isFUP  bool
	pkt    packet.Packet
}

// NewDecoder builds a Decoder pulling packets from pos via codec.
func NewDecoder(codec *packet.Codec, pos *packet.Pos, log logging.Logger) *Decoder {
	if log == nil {
		log = logging.NoOp()
	}
	d := &Decoder{Codec: codec, Pos: pos, Log: log}
	d.released[BindNow] = true
	return d
}

// CurrentIP exposes the live IP accumulator state to callers (cmd/ptdump
// seeds the instruction-flow decoder's starting IP from this).
func (d *Decoder) CurrentIP() (uint64, IPStatus) { return d.ip.Query() }

// CurrentTSC returns the last-seen timestamp, if any.
func (d *Decoder) CurrentTSC() (uint64, bool) { return d.tsc, d.haveTSC }

// CurrentCBR returns the last-seen core/bus ratio, if any.
func (d *Decoder) CurrentCBR() (uint8, bool) { return d.cbr, d.haveCBR }

// TracingEnabled reports whether the stream is currently between a
// TIP.PGE and the next TIP.PGD.
func (d *Decoder) TracingEnabled() bool { return d.tracingEnabled }

// TakeResynced reports and clears the pending "next instruction resynced"
// flag set by an OVF packet, consumed by the instruction-flow decoder.
func (d *Decoder) TakeResynced() bool {
	v := d.pendingResynced
	d.pendingResynced = false
	return v
}

func (d *Decoder) status() Status {
	_, ipStatus := d.ip.Query()
	return Status{
		EventPending: d.anyReleasable(),
		IPSuppressed: ipStatus == IPIsSuppressed,
	}
}

func (d *Decoder) anyReleasable() bool {
	if !d.queues.IsEmpty(BindNow) {
		return true
	}
	for _, b := range []Binding{BindPSBEnd, BindTIP, BindFUP} {
		if d.released[b] && !d.queues.IsEmpty(b) {
			return true
		}
	}
	return false
}

// CondBranch implements the cond_branch() query: pop one TNT bit,
// decoding forward if the cache is empty.
func (d *Decoder) CondBranch() (bool, Status, error) {
	if !d.tnt.IsEmpty() {
		taken, _ := d.tnt.Pop()
		return taken, d.status(), nil
	}
	for {
		pt, err := d.consumeOne()
		if err != nil {
			return false, d.status(), err
		}
		if taken, ok := d.tnt.Pop(); ok {
			return taken, d.status(), nil
		}
		if isIndirectSignal(pt) {
			return false, d.status(), errs.New(errs.KindBadQuery)
		}
	}
}

// IndirectBranch implements the indirect_branch() query: decode forward
// until a TIP is consumed, returning its updated IP.
func (d *Decoder) IndirectBranch() (uint64, Status, error) {
	if !d.tnt.IsEmpty() {
		return 0, d.status(), errs.New(errs.KindBadQuery)
	}
	for {
		pt, err := d.consumeOne()
		if err != nil {
			return 0, d.status(), err
		}
		if pt == packet.TypeTIP {
			ip, ipStatus := d.ip.Query()
			st := d.status()
			st.IPSuppressed = ipStatus == IPIsSuppressed
			return ip, st, nil
		}
		if !d.tnt.IsEmpty() {
			return 0, d.status(), errs.New(errs.KindBadQuery)
		}
	}
}

// Event implements the event() query: return the head of whichever
// binding has a releasable event, decoding forward until one does.
func (d *Decoder) Event() (Event, Status, error) {
	for {
		if !d.tnt.IsEmpty() {
			return Event{}, d.status(), errs.New(errs.KindBadQuery)
		}
		if !d.queues.IsEmpty(BindNow) {
			e, _ := d.queues.Dequeue(BindNow)
			return e, d.status(), nil
		}
		for _, b := range []Binding{BindPSBEnd, BindTIP, BindFUP} {
			if d.released[b] && !d.queues.IsEmpty(b) {
				e, _ := d.queues.Dequeue(b)
				if d.queues.IsEmpty(b) {
					d.released[b] = false
				}
				return e, d.status(), nil
			}
		}
		if _, err := d.consumeOne(); err != nil {
			return Event{}, d.status(), err
		}
	}
}

// PendingEvent pops the next event that is already releasable without
// decoding any further packets. The instruction-flow decoder uses this
// to drain events tied to a boundary it just crossed while resolving a
// branch, without forcing the stream past that boundary. ok is false
// when nothing is currently releasable.
func (d *Decoder) PendingEvent() (Event, bool) {
	if !d.queues.IsEmpty(BindNow) {
		e, _ := d.queues.Dequeue(BindNow)
		return e, true
	}
	for _, b := range []Binding{BindPSBEnd, BindTIP, BindFUP} {
		if d.released[b] && !d.queues.IsEmpty(b) {
			e, _ := d.queues.Dequeue(b)
			if d.queues.IsEmpty(b) {
				d.released[b] = false
			}
			return e, true
		}
	}
	return Event{}, false
}

func isIndirectSignal(pt packet.Type) bool {
	switch pt {
	case packet.TypeTIP, packet.TypeTIPPGE, packet.TypeTIPPGD:
		return true
	default:
		return false
	}
}

// consumeOne decodes and dispatches exactly one packet, returning its
// type so callers can detect a wrong-query mismatch.
func (d *Decoder) consumeOne() (packet.Type, error) {
	buf := d.Pos.Remaining()
	p, n, err := d.Codec.DecodeNext(buf, d.Pos.Offset())
	if err != nil {
		return packet.TypeUnknown, err
	}
	d.Pos.Advance(n)
	if err := d.handle(p); err != nil {
		return p.Type, err
	}
	return p.Type, nil
}

func (d *Decoder) newEvent(kind Kind, binding Binding) Event {
	e := Event{Kind: kind, Binding: binding, StatusUpdate: d.inPSBPlus}
	if d.haveTSC {
		e.HasTSC = true
		e.TSC = d.tsc
	}
	return e
}

func (d *Decoder) handle(p packet.Packet) error {
	if d.bdm70.active {
		pending := d.bdm70
		d.bdm70 = bdm70Pending{}
		if p.Type != packet.TypePSBEnd {
			// Not immediately ahead of PSBEND after all: a legitimate
			// packet, apply it now in its original order.
			var err error
			if pending.isFUP {
				err = d.applyFUP(pending.pkt)
			} else {
				err = d.applyModeExec(pending.pkt)
			}
			if err != nil {
				return err
			}
		}
		// Else: the erratum is confirmed, the pending packet is dropped.
	}

	switch p.Type {
	case packet.TypePad:
		// no-op

	case packet.TypePSB:
		d.Pos.LastSync = p.Offset
		d.inPSBPlus = true

	case packet.TypePSBEnd:
		d.inPSBPlus = false
		d.released[BindPSBEnd] = true

	case packet.TypeFUP:
		if d.Errata&ErrataBDM70 != 0 && d.inPSBPlus {
			// BDM70: a FUP can be injected immediately ahead of the
			// terminating PSBEND in violation of ordering. Defer it: if
			// PSBEND follows directly, it's dropped; otherwise it's a
			// legitimate FUP and gets applied once we see what's next.
			d.bdm70 = bdm70Pending{active: true, isFUP: true, pkt: p}
			return nil
		}
		return d.applyFUP(p)

	case packet.TypeTIP:
		d.ip.Update(p.IPC, p.IPBits)
		ip, ipStatus := d.ip.Query()
		if d.pendingOverflow {
			ev := d.newEvent(KindOverflow, BindNow)
			ev.IP, ev.IPValid = ip, ipStatus == IPKnown
			ev.IPSuppressed = ipStatus == IPIsSuppressed
			if !d.queues.Enqueue(BindNow, ev) {
				return errs.New(errs.KindNoMem)
			}
			d.pendingOverflow = false
			d.pendingResynced = true
		}
		if !d.inPSBPlus && d.haveFUPIP {
			// A FUP immediately ahead of a plain TIP (not TIP.PGD) marks
			// an asynchronous branch: the FUP supplies the event's source
			// IP, per the binding rule for async-branch/async-disabled.
			ev := d.newEvent(KindAsyncBranch, BindNow)
			ev.IP, ev.IPValid = d.fupIP, true
			if !d.queues.Enqueue(BindNow, ev) {
				return errs.New(errs.KindNoMem)
			}
		}
		d.haveFUPIP = false
		d.released[BindTIP] = true

	case packet.TypeTIPPGE:
		d.ip.Update(p.IPC, p.IPBits)
		ip, ipStatus := d.ip.Query()
		resumed := d.wasDisabledWithIP
		ev := d.newEvent(KindEnabled, BindNow)
		ev.IP, ev.IPValid = ip, ipStatus == IPKnown
		ev.IPSuppressed = ipStatus == IPIsSuppressed
		ev.Resumed = resumed
		if !d.queues.Enqueue(BindNow, ev) {
			return errs.New(errs.KindNoMem)
		}
		d.tracingEnabled = true
		d.wasDisabledWithIP = false
		d.haveFUPIP = false
		d.released[BindTIP] = true

	case packet.TypeTIPPGD:
		d.ip.Update(p.IPC, p.IPBits)
		ip, ipStatus := d.ip.Query()
		kind := KindDisabled
		if d.haveFUPIP {
			kind = KindAsyncDisabled
		}
		ev := d.newEvent(kind, BindNow)
		ev.IP, ev.IPValid = ip, ipStatus == IPKnown
		ev.IPSuppressed = ipStatus == IPIsSuppressed
		if !d.queues.Enqueue(BindNow, ev) {
			return errs.New(errs.KindNoMem)
		}
		d.tracingEnabled = false
		d.wasDisabledWithIP = ipStatus == IPKnown
		d.lastDisabledIP = ip
		d.haveFUPIP = false
		d.released[BindTIP] = true

	case packet.TypeOVF:
		d.pendingOverflow = true
		d.tnt.Clear()

	case packet.TypeModeExec:
		if d.Errata&ErrataBDM70 != 0 && d.inPSBPlus {
			// BDM70: a MODE.Exec can likewise be injected immediately
			// ahead of the terminating PSBEND out of order. Defer it the
			// same way as FUP above.
			d.bdm70 = bdm70Pending{active: true, isFUP: false, pkt: p}
			return nil
		}
		return d.applyModeExec(p)

	case packet.TypeModeTSX:
		binding := BindTIP
		if d.inPSBPlus {
			binding = BindPSBEnd
		}
		ev := d.newEvent(KindTSX, binding)
		ev.TSXIntX, ev.TSXAbrt = p.TSXIntX, p.TSXAbrt
		if !d.queues.Enqueue(binding, ev) {
			return errs.New(errs.KindNoMem)
		}

	case packet.TypePIP:
		var kind Kind
		var binding Binding
		switch {
		case d.inPSBPlus:
			kind, binding = KindPaging, BindPSBEnd
		default:
			kind, binding = KindAsyncPaging, BindTIP
		}
		ev := d.newEvent(kind, binding)
		ev.CR3, ev.PIPNonRoot = p.CR3, p.PIPNonRoot
		if !d.queues.Enqueue(binding, ev) {
			return errs.New(errs.KindNoMem)
		}

	case packet.TypeTNT:
		if !d.tnt.IsEmpty() {
			return errs.New(errs.KindBadContext)
		}
		d.tnt.Stage(p.TNTBits, int(p.TNTCount))

	case packet.TypeTSC:
		d.tsc = p.TSC
		d.haveTSC = true

	case packet.TypeCBR:
		d.cbr = p.CBR
		d.haveCBR = true

	case packet.TypeUnknown:
		// no state change; caller-supplied context travels with the packet.
	}
	return nil
}

// applyFUP is the normal (non-errata) FUP handler: advance the IP
// accumulator, complete any pending overflow event, and release the
// bindings a FUP satisfies as an IP-effective point.
func (d *Decoder) applyFUP(p packet.Packet) error {
	d.ip.Update(p.IPC, p.IPBits)
	ip, ipStatus := d.ip.Query()
	if d.pendingOverflow {
		ev := d.newEvent(KindOverflow, BindNow)
		ev.IP, ev.IPValid = ip, ipStatus == IPKnown
		ev.IPSuppressed = ipStatus == IPIsSuppressed
		if !d.queues.Enqueue(BindNow, ev) {
			return errs.New(errs.KindNoMem)
		}
		d.pendingOverflow = false
		d.pendingResynced = true
	}
	d.haveFUPIP = ipStatus == IPKnown
	d.fupIP = ip
	d.released[BindFUP] = true
	// FUP is an IP-effective point exactly like TIP: events bound to
	// BindTIP (MODE.Exec, MODE.TSX, async_paging) release here too,
	// instead of waiting for a TIP-family packet that may not come next.
	d.released[BindTIP] = true
	return nil
}

// applyModeExec is the normal (non-errata) MODE.Exec handler.
func (d *Decoder) applyModeExec(p packet.Packet) error {
	binding := BindTIP
	if d.inPSBPlus {
		binding = BindPSBEnd
	}
	ev := d.newEvent(KindExecMode, binding)
	ev.ModeCSL, ev.ModeCSD = p.ModeCSL, p.ModeCSD
	if !d.queues.Enqueue(binding, ev) {
		return errs.New(errs.KindNoMem)
	}
	return nil
}
