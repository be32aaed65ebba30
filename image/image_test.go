package image

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"ptdecode/errs"
)

func writeTempFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestAddFileOverlapRejected(t *testing.T) {
	path := writeTempFile(t, "a.bin", make([]byte, 64))
	img := New()
	asid := ASID{CR3: 0x1000}
	require.NoError(t, img.AddFile(path, 0, 16, asid, 0x1000))
	err := img.AddFile(path, 0, 16, asid, 0x1008)
	require.True(t, errs.Is(err, errs.KindBadImage))
}

func TestAddFileWildcardOverlapsConcrete(t *testing.T) {
	path := writeTempFile(t, "a.bin", make([]byte, 64))
	img := New()
	require.NoError(t, img.AddFile(path, 0, 16, ASID{CR3: NoCR3}, 0x1000))
	err := img.AddFile(path, 0, 16, ASID{CR3: 0x42}, 0x1004)
	require.True(t, errs.Is(err, errs.KindBadImage))
}

func TestReadTruncatesToSectionBoundary(t *testing.T) {
	data := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	path := writeTempFile(t, "a.bin", data)
	img := New()
	asid := ASID{CR3: NoCR3}
	require.NoError(t, img.AddFile(path, 0, 4, asid, 0x2000))

	dst := make([]byte, 8)
	n, err := img.Read(dst, asid, 0x2002)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, []byte{3, 4}, dst[:n])
}

func TestReadFallsBackToCallback(t *testing.T) {
	img := New()
	var gotIP uint64
	img.SetCallback(func(dst []byte, asid ASID, ip uint64, ctx interface{}) (int, error) {
		gotIP = ip
		dst[0] = 0xAB
		return 1, nil
	}, nil)

	dst := make([]byte, 1)
	n, err := img.Read(dst, ASID{CR3: 1}, 0x5000)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, uint64(0x5000), gotIP)
	require.Equal(t, byte(0xAB), dst[0])
}

func TestReadNoMapWithoutCallback(t *testing.T) {
	img := New()
	_, err := img.Read(make([]byte, 1), ASID{CR3: 1}, 0x5000)
	require.True(t, errs.Is(err, errs.KindNoMap))
}

func TestNewCR3CallbackFiresOncePerCR3(t *testing.T) {
	img := New()
	calls := 0
	img.SetNewCR3Callback(func(i *Image, cr3 uint64, ctx interface{}, ip uint64) error {
		calls++
		return nil
	}, nil)

	_, _ = img.Read(make([]byte, 1), ASID{CR3: 7}, 0x100)
	_, _ = img.Read(make([]byte, 1), ASID{CR3: 7}, 0x200)
	_, _ = img.Read(make([]byte, 1), ASID{CR3: NoCR3}, 0x300)
	require.Equal(t, 1, calls)
}

func TestNewCR3CallbackErrorSurfacesFromRead(t *testing.T) {
	img := New()
	img.SetNewCR3Callback(func(i *Image, cr3 uint64, ctx interface{}, ip uint64) error {
		return errs.NewMsg(errs.KindBadImage, "no sections known for this CR3")
	}, nil)

	_, err := img.Read(make([]byte, 1), ASID{CR3: 7}, 0x100)
	require.True(t, errs.Is(err, errs.KindBadImage))
}

func TestRemoveByFilenameAndASID(t *testing.T) {
	path := writeTempFile(t, "a.bin", make([]byte, 64))
	img := New()
	a1 := ASID{CR3: 1}
	a2 := ASID{CR3: 2}
	require.NoError(t, img.AddFile(path, 0, 16, a1, 0x1000))
	require.NoError(t, img.AddFile(path, 16, 16, a2, 0x1000))
	require.NoError(t, img.AddFile(path, 32, 16, a1, 0x2000))

	require.Equal(t, 2, img.RemoveByASID(a1))
	require.Equal(t, 1, img.SectionCount())

	require.Equal(t, 1, img.RemoveByFilename(path, a2))
	require.Equal(t, 0, img.SectionCount())
}

func TestCopySkipsOverlaps(t *testing.T) {
	path := writeTempFile(t, "a.bin", make([]byte, 64))
	src := New()
	asid := ASID{CR3: NoCR3}
	require.NoError(t, src.AddFile(path, 0, 16, asid, 0x1000))
	require.NoError(t, src.AddFile(path, 16, 16, asid, 0x2000))

	dst := New()
	require.NoError(t, dst.AddFile(path, 0, 16, asid, 0x1000))

	added, skipped := dst.Copy(src)
	require.Equal(t, 1, added)
	require.Equal(t, 1, skipped)
	require.Equal(t, 2, dst.SectionCount())
}
