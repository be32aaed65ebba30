package packet

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"ptdecode/errs"
)

func TestDecodeTNT8WorkedExample(t *testing.T) {
	// spec scenario 2: TNT8 header 0x5F -> bits {1,1,1,1,0,1,0}, count 7.
	c := NewCodec()
	p, n, err := c.DecodeNext([]byte{0x5F}, 0)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, TypeTNT, p.Type)
	require.Equal(t, uint8(7), p.TNTCount)

	var got []int
	bits, count := p.TNTBits, int(p.TNTCount)
	for i := 0; i < count; i++ {
		got = append(got, int((bits>>uint(i))&1))
	}
	want := []int{1, 1, 1, 1, 0, 1, 0}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("TNT bits mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeTIPUpd32(t *testing.T) {
	// spec scenario 3: TIP upd32 payload 0xDEADBEEF.
	c := NewCodec()
	b0 := opcTIP | (ipcToBits(IPUpdate32) << opmIPCShr)
	buf := []byte{b0, 0xEF, 0xBE, 0xAD, 0xDE}
	p, n, err := c.DecodeNext(buf, 0)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, TypeTIP, p.Type)
	require.Equal(t, IPUpdate32, p.IPC)
	require.Equal(t, uint64(0xDEADBEEF), p.IPBits)
}

func TestPSBRoundTrip(t *testing.T) {
	c := NewCodec()
	buf := make([]byte, 32)
	n, err := c.Encode(buf, Packet{Type: TypePSB})
	require.NoError(t, err)
	require.Equal(t, psbSize, n)

	p, consumed, err := c.DecodeNext(buf, 0)
	require.NoError(t, err)
	require.Equal(t, psbSize, consumed)
	require.Equal(t, TypePSB, p.Type)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	c := NewCodec()
	cases := []Packet{
		{Type: TypePad},
		{Type: TypePSBEnd},
		{Type: TypeOVF},
		{Type: TypeCBR, CBR: 0x2a},
		{Type: TypeTSC, TSC: 0x00ABCDEF01},
		{Type: TypeModeExec, ModeCSL: true, ModeCSD: false},
		{Type: TypeModeTSX, TSXIntX: true, TSXAbrt: true},
		{Type: TypePIP, CR3: 0x0000123456780000, PIPNonRoot: true},
		{Type: TypeTIP, IPC: IPSuppressed},
		{Type: TypeTIP, IPC: IPUpdate16, IPBits: 0xBEEF},
		{Type: TypeFUP, IPC: IPSext48, IPBits: 0x0000800000000000},
		{Type: TypeTIPPGE, IPC: IPUpdate32, IPBits: 0xCAFEBABE},
		{Type: TypeTIPPGD, IPC: IPSuppressed},
	}

	for _, want := range cases {
		buf := make([]byte, 32)
		n, err := c.Encode(buf, want)
		require.NoError(t, err)

		got, consumed, err := c.DecodeNext(buf, 0)
		require.NoError(t, err)
		require.Equal(t, n, consumed)
		require.Equal(t, want.Type, got.Type)
		require.Equal(t, want.IPC, got.IPC)
		require.Equal(t, want.IPBits, got.IPBits)
	}
}

func TestIPSext48Example(t *testing.T) {
	// spec scenario 4: payload 0x0000800000000000 -> after sign extension,
	// 0xFFFF800000000000. The codec only surfaces the raw payload bits;
	// sign extension itself is the IP accumulator's job (see query.IP).
	c := NewCodec()
	b0 := opcFUP | (ipcToBits(IPSext48) << opmIPCShr)
	buf := make([]byte, 7)
	buf[0] = b0
	buf[6] = 0x80 // top byte of the 48-bit little-endian payload
	p, _, err := c.DecodeNext(buf, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(0x0000800000000000), p.IPBits)
}

func TestDecodeUnknownWithoutCallback(t *testing.T) {
	c := NewCodec()
	_, _, err := c.DecodeNext([]byte{0x04}, 0)
	require.Error(t, err)
}

func TestDecodeUnknownWithCallback(t *testing.T) {
	c := NewCodec()
	c.Callback = func(buf []byte, ctx interface{}) (int, errs.Kind) {
		return 3, errs.KindNone
	}
	p, n, err := c.DecodeNext([]byte{0x04, 0x01, 0x02, 0x03}, 0)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Equal(t, TypeUnknown, p.Type)
	require.Equal(t, []byte{0x04, 0x01, 0x02}, p.RawBytes)
}
