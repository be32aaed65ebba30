// Package printer formats decoded packets, events, and instruction
// records for the ptdump CLI, following the line-oriented style of the
// teacher's FormatGenericElementLine helpers.
package printer

import (
	"fmt"
	"strings"

	"ptdecode/insn"
	"ptdecode/packet"
	"ptdecode/query"
)

// FormatPacketLine renders one decoded packet as a single output line,
// e.g. "Idx:42; TIP ipc=upd32".
func FormatPacketLine(offset uint64, p packet.Packet) string {
	return fmt.Sprintf("Idx:%d; %s", offset, p.Description())
}

// FormatEventLine renders one query-engine event.
func FormatEventLine(ev query.Event) string {
	var b strings.Builder
	b.WriteString(ev.Kind.String())
	switch ev.Kind {
	case query.KindEnabled, query.KindDisabled, query.KindAsyncDisabled, query.KindAsyncBranch, query.KindOverflow:
		if ev.IPValid {
			fmt.Fprintf(&b, " ip=0x%x", ev.IP)
		} else if ev.IPSuppressed {
			b.WriteString(" ip=<suppressed>")
		}
	case query.KindPaging, query.KindAsyncPaging:
		fmt.Fprintf(&b, " cr3=0x%x", ev.CR3)
	case query.KindExecMode:
		fmt.Fprintf(&b, " csl=%v csd=%v", ev.ModeCSL, ev.ModeCSD)
	case query.KindTSX:
		fmt.Fprintf(&b, " intx=%v abrt=%v", ev.TSXIntX, ev.TSXAbrt)
	}
	if ev.StatusUpdate {
		b.WriteString(" [status_update]")
	}
	if ev.HasTSC {
		fmt.Fprintf(&b, " tsc=%d", ev.TSC)
	}
	return b.String()
}

// FormatInstructionLine renders one reconstructed instruction record.
func FormatInstructionLine(rec insn.Record) string {
	var b strings.Builder
	fmt.Fprintf(&b, "0x%016x: %s size=%d", rec.IP, rec.Class, rec.Size)
	if flags := formatFlags(rec.Flags); flags != "" {
		fmt.Fprintf(&b, " [%s]", flags)
	}
	return b.String()
}

var flagNames = []struct {
	bit  insn.Flag
	name string
}{
	{insn.FlagSpeculative, "speculative"},
	{insn.FlagAborted, "aborted"},
	{insn.FlagCommitted, "committed"},
	{insn.FlagDisabled, "disabled"},
	{insn.FlagEnabled, "enabled"},
	{insn.FlagResumed, "resumed"},
	{insn.FlagInterrupted, "interrupted"},
	{insn.FlagResynced, "resynced"},
}

func formatFlags(f insn.Flag) string {
	var names []string
	for _, fn := range flagNames {
		if f.Has(fn.bit) {
			names = append(names, fn.name)
		}
	}
	return strings.Join(names, ",")
}
