// Command ptdump is a thin CLI over the decoder core: it loads a raw
// Intel PT trace buffer, decodes its packets (and optionally walks
// events and reconstructed instructions), and prints one line per item.
// It is a contract-only consumer of the core per spec.md §1; none of its
// flag parsing or formatting counts against the core's line budget.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"ptdecode/config"
	"ptdecode/flow"
	"ptdecode/image"
	"ptdecode/insn"
	"ptdecode/logging"
	"ptdecode/metrics"
	"ptdecode/packet"
	"ptdecode/printer"
	"ptdecode/query"
)

// stubInsnDecoder is a minimal external-decoder stand-in: spec.md §1
// treats the real x86 decoder as an out-of-scope pure function supplied
// by the caller. ptdump ships this placeholder so `ptdump instrs` has
// something to drive without requiring callers to wire in a full x86
// decoder just to inspect packets and events.
type stubInsnDecoder struct{}

func (stubInsnDecoder) Decode(raw []byte, ip uint64) (insn.Decoded, error) {
	if len(raw) == 0 {
		return insn.Decoded{}, fmt.Errorf("no bytes at 0x%x", ip)
	}
	return insn.Decoded{Class: insn.ClassOther, Size: 1}, nil
}

func main() {
	app := &cli.App{
		Name:  "ptdump",
		Usage: "decode an Intel Processor Trace buffer",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "path to a ptdump TOML config file"},
			&cli.StringFlag{Name: "input", Required: true, Usage: "path to the raw PT trace buffer"},
			&cli.StringFlag{Name: "mode", Value: "packets", Usage: "packets|events|instrs"},
			&cli.BoolFlag{Name: "metrics", Usage: "accepted but has no effect: no decode counters are printed"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "ptdump:", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	fc, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}

	log, err := logging.Setup(fc.LogLevel, true, fc.LogFile, nil)
	if err != nil {
		return err
	}

	buf, err := os.ReadFile(c.String("input"))
	if err != nil {
		return err
	}

	codec := packet.NewCodec()
	pos := packet.NewPos(buf)
	if err := pos.SyncForward(); err != nil {
		return fmt.Errorf("no PSB sync point found: %w", err)
	}

	switch c.String("mode") {
	case "packets":
		return dumpPackets(codec, pos)
	case "events":
		return dumpEvents(codec, pos, fc.Errata(), log)
	case "instrs":
		return dumpInstrs(codec, pos, fc.Errata(), log)
	default:
		return fmt.Errorf("unknown mode %q", c.String("mode"))
	}
}

func dumpPackets(codec *packet.Codec, pos *packet.Pos) error {
	for {
		p, n, err := codec.DecodeNext(pos.Remaining(), pos.Offset())
		if err != nil {
			return err
		}
		fmt.Println(printer.FormatPacketLine(p.Offset, p))
		pos.Advance(n)
		if pos.Offset() >= uint64(len(pos.Buffer)) {
			return nil
		}
	}
}

func dumpEvents(codec *packet.Codec, pos *packet.Pos, errata query.Errata, log logging.Logger) error {
	q := query.NewDecoder(codec, pos, log)
	q.Errata = errata
	for {
		ev, _, err := q.Event()
		if err != nil {
			return err
		}
		metrics.ObserveEvent(ev.Kind)
		fmt.Println(printer.FormatEventLine(ev))
	}
}

func dumpInstrs(codec *packet.Codec, pos *packet.Pos, errata query.Errata, log logging.Logger) error {
	q := query.NewDecoder(codec, pos, log)
	q.Errata = errata
	img := image.New()
	fd := flow.New(q, img, stubInsnDecoder{}, log)

	if ip, status := q.CurrentIP(); status == query.IPKnown {
		fd.SetIP(ip)
	}

	for {
		rec, _, err := fd.Next()
		if err != nil {
			return err
		}
		metrics.ObserveInstruction(rec.Class)
		fmt.Println(printer.FormatInstructionLine(rec))
	}
}
