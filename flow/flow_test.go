package flow

import (
	"testing"

	"github.com/stretchr/testify/require"

	"ptdecode/image"
	"ptdecode/insn"
	"ptdecode/packet"
	"ptdecode/query"
)

// fakeInsn is a table-driven stand-in for the external x86 decoder: it
// looks up the instruction at ip by exact match, defaulting to a 1-byte
// non-branch instruction for any address it wasn't told about.
type fakeInsn struct {
	byIP map[uint64]insn.Decoded
}

func (f *fakeInsn) Decode(raw []byte, ip uint64) (insn.Decoded, error) {
	if d, ok := f.byIP[ip]; ok {
		return d, nil
	}
	return insn.Decoded{Class: insn.ClassOther, Size: 1}, nil
}

func flatImage(t *testing.T, base uint64, data []byte) *image.Image {
	t.Helper()
	img := image.New()
	img.SetCallback(func(dst []byte, asid image.ASID, ip uint64, ctx interface{}) (int, error) {
		if ip < base || ip >= base+uint64(len(data)) {
			return 0, nil
		}
		n := copy(dst, data[ip-base:])
		return n, nil
	}, nil)
	return img
}

func buildStream(t *testing.T, pkts []packet.Packet) []byte {
	t.Helper()
	c := packet.NewCodec()
	buf := make([]byte, 4096)
	off := 0
	for _, p := range pkts {
		n, err := c.Encode(buf[off:], p)
		require.NoError(t, err)
		off += n
	}
	return buf[:off]
}

func TestNextStraightLineAdvancesByInstructionSize(t *testing.T) {
	img := flatImage(t, 0x1000, make([]byte, 64))
	dec := &fakeInsn{byIP: map[uint64]insn.Decoded{
		0x1000: {Class: insn.ClassOther, Size: 3},
	}}
	pos := packet.NewPos(nil)
	q := query.NewDecoder(packet.NewCodec(), pos, nil)
	d := New(q, img, dec, nil)
	d.SetIP(0x1000)

	rec, _, err := d.Next()
	require.NoError(t, err)
	require.Equal(t, uint64(0x1000), rec.IP)
	ip, ok := d.IP()
	require.True(t, ok)
	require.Equal(t, uint64(0x1003), ip)
}

func TestNextConditionalBranchTaken(t *testing.T) {
	img := flatImage(t, 0x1000, make([]byte, 64))
	dec := &fakeInsn{byIP: map[uint64]insn.Decoded{
		0x1000: {Class: insn.ClassCondJump, Size: 2, HasDirectTarget: true, DirectTarget: 0x2000},
	}}
	buf := buildStream(t, []packet.Packet{{Type: packet.TypeTNT, TNTBits: 1, TNTCount: 1}})
	pos := packet.NewPos(buf)
	q := query.NewDecoder(packet.NewCodec(), pos, nil)
	d := New(q, img, dec, nil)
	d.SetIP(0x1000)

	_, _, err := d.Next()
	require.NoError(t, err)
	ip, _ := d.IP()
	require.Equal(t, uint64(0x2000), ip)
}

func TestNextIndirectBranchUsesQueryTIP(t *testing.T) {
	img := flatImage(t, 0x1000, make([]byte, 64))
	dec := &fakeInsn{byIP: map[uint64]insn.Decoded{
		0x1000: {Class: insn.ClassIndirectJump, Size: 2},
	}}
	tip := packet.Packet{Type: packet.TypeTIP, IPC: packet.IPUpdate32, IPBits: 0x3000}
	buf := buildStream(t, []packet.Packet{tip})
	pos := packet.NewPos(buf)
	q := query.NewDecoder(packet.NewCodec(), pos, nil)
	d := New(q, img, dec, nil)
	d.SetIP(0x1000)

	_, _, err := d.Next()
	require.NoError(t, err)
	ip, ok := d.IP()
	require.True(t, ok)
	require.Equal(t, uint64(0x3000), ip)
}

func TestNextIndirectBranchSuppressedHaltsUntilResynced(t *testing.T) {
	img := flatImage(t, 0x1000, make([]byte, 64))
	dec := &fakeInsn{byIP: map[uint64]insn.Decoded{
		0x1000: {Class: insn.ClassIndirectJump, Size: 2},
	}}
	// The resolving TIP suppresses its IP: the destination is unknown
	// (e.g. CR3 filtering hid the target), so the flow decoder must halt
	// rather than guess, leaving IP unknown until the caller resyncs.
	tip := packet.Packet{Type: packet.TypeTIP, IPC: packet.IPSuppressed}
	buf := buildStream(t, []packet.Packet{tip})
	pos := packet.NewPos(buf)
	q := query.NewDecoder(packet.NewCodec(), pos, nil)
	d := New(q, img, dec, nil)
	d.SetIP(0x1000)

	_, status, err := d.Next()
	require.NoError(t, err)
	require.True(t, status.IPSuppressed)
	require.True(t, status.EOS)
	_, haveIP := d.IP()
	require.False(t, haveIP)
}

func TestNextNoMapWithoutBackingBytes(t *testing.T) {
	img := image.New()
	dec := &fakeInsn{byIP: map[uint64]insn.Decoded{}}
	pos := packet.NewPos(nil)
	q := query.NewDecoder(packet.NewCodec(), pos, nil)
	d := New(q, img, dec, nil)
	d.SetIP(0xDEAD)

	_, _, err := d.Next()
	require.Error(t, err)
}

func TestNextDecoratesEnabledFlag(t *testing.T) {
	img := flatImage(t, 0x1000, make([]byte, 64))
	dec := &fakeInsn{byIP: map[uint64]insn.Decoded{
		0x1000: {Class: insn.ClassIndirectJump, Size: 2},
	}}
	// TIP.PGE is consumed while resolving the indirect branch: tracing
	// resumes right at an indirect-jump instruction, and the TIP that
	// follows immediately resolves it. The enabled event it enqueues
	// (BindNow) is already releasable by the time the TIP that answers
	// indirect_branch() is reached, but its IP (the resume point) must
	// not clobber the branch target the TIP just produced.
	pge := packet.Packet{Type: packet.TypeTIPPGE, IPC: packet.IPUpdate32, IPBits: 0x1000}
	tip := packet.Packet{Type: packet.TypeTIP, IPC: packet.IPUpdate32, IPBits: 0x3000}
	buf := buildStream(t, []packet.Packet{pge, tip})
	pos := packet.NewPos(buf)
	q := query.NewDecoder(packet.NewCodec(), pos, nil)
	d := New(q, img, dec, nil)
	d.SetIP(0x1000)

	rec, _, err := d.Next()
	require.NoError(t, err)
	require.True(t, rec.Flags.Has(insn.FlagEnabled))
	ip, _ := d.IP()
	require.Equal(t, uint64(0x3000), ip)
}
