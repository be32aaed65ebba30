package packet

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSyncForwardScenario(t *testing.T) {
	// spec scenario 1: [PAD, PAD, PSB(16 bytes), PAD] -> last_sync=2,
	// cursor lands at byte 18 after consuming the PSB.
	buf := make([]byte, 0, 19)
	buf = append(buf, opcPad, opcPad)
	buf = append(buf, psbPattern[:]...)
	buf = append(buf, opcPad)

	pos := NewPos(buf)
	err := pos.SyncForward()
	require.NoError(t, err)
	require.Equal(t, uint64(2), pos.LastSync)
	require.Equal(t, uint64(2), pos.Cursor)

	c := NewCodec()
	p, n, err := c.DecodeNext(pos.Remaining(), pos.Cursor)
	require.NoError(t, err)
	require.Equal(t, TypePSB, p.Type)
	pos.Advance(n)
	require.Equal(t, uint64(18), pos.Cursor)
}

func TestSyncForwardIdempotent(t *testing.T) {
	buf := append(append([]byte{}, psbPattern[:]...), 0x00)
	pos := NewPos(buf)
	require.NoError(t, pos.SyncForward())
	first := pos.Cursor
	require.NoError(t, pos.SyncForward())
	require.Equal(t, first, pos.Cursor)
}

func TestSyncSetRequiresPSB(t *testing.T) {
	buf := []byte{0x00, 0x00, 0x00}
	pos := NewPos(buf)
	err := pos.SyncSet(0)
	require.Error(t, err)
}
