// Package image implements the traced memory image: a set of file-backed
// sections addressed by (ASID, virtual address), with lazy mapping,
// overlap detection, and backing-file mutation detection.
package image

import (
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"

	"ptdecode/errs"
)

// NoCR3 is the wildcard ASID that matches any concrete CR3 value.
const NoCR3 uint64 = 0xffff_ffff_ffff_ffff

// ASID identifies an address space by its CR3. A CR3 of NoCR3 matches any
// concrete CR3.
type ASID struct {
	CR3 uint64
}

// Matches reports whether a is compatible with other for overlap and
// lookup purposes: a wildcard matches every concrete CR3.
func (a ASID) Matches(other ASID) bool {
	return a.CR3 == NoCR3 || other.CR3 == NoCR3 || a.CR3 == other.CR3
}

// Section is one (file, file_offset, size, ASID, virtual_address) entry.
type Section struct {
	Filename   string
	FileOffset int64
	Size       uint64
	ASID       ASID
	VAddr      uint64

	mu       sync.Mutex
	refCount int
	file     *os.File
	openSize int64
	openTime time.Time
}

// EndVAddr is the exclusive end of the section's virtual address range.
func (s *Section) EndVAddr() uint64 { return s.VAddr + s.Size }

func (s *Section) overlaps(other *Section) bool {
	if !s.ASID.Matches(other.ASID) {
		return false
	}
	return s.VAddr < other.EndVAddr() && other.VAddr < s.EndVAddr()
}

// covers reports whether this section maps (asid, va).
func (s *Section) covers(asid ASID, va uint64) bool {
	return s.ASID.Matches(asid) && va >= s.VAddr && va < s.EndVAddr()
}

// acquire opens the backing file (if not already open), recording its
// size and mtime on first open and verifying they still match on every
// subsequent open.
func (s *Section) acquire() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.refCount > 0 {
		s.refCount++
		return nil
	}

	f, err := os.Open(s.Filename)
	if err != nil {
		return errors.Wrap(err, "open section backing file")
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return errors.Wrap(err, "stat section backing file")
	}

	if s.openTime.IsZero() && s.openSize == 0 {
		s.openSize = info.Size()
		s.openTime = info.ModTime()
	} else if info.Size() != s.openSize || !info.ModTime().Equal(s.openTime) {
		f.Close()
		return errs.NewMsg(errs.KindBadImage, "backing file size or mtime changed since first mapping")
	}

	if s.openSize < s.FileOffset {
		f.Close()
		return errs.NewMsg(errs.KindBadImage, "backing file shorter than section offset")
	}

	s.file = f
	s.refCount = 1

	// Silently truncate Size if the file is shorter than declared.
	avail := uint64(s.openSize - s.FileOffset)
	if s.Size > avail {
		s.Size = avail
	}
	return nil
}

// release decrements the map/unmap reference count, closing the
// underlying file descriptor once it drops to zero.
func (s *Section) release() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.refCount == 0 {
		return
	}
	s.refCount--
	if s.refCount == 0 && s.file != nil {
		s.file.Close()
		s.file = nil
	}
}

// readAt copies up to len(dst) bytes starting at virtual address va, and
// stops at the section boundary. It maps the section on demand.
func (s *Section) readAt(va uint64, dst []byte) (int, error) {
	if err := s.acquire(); err != nil {
		return 0, err
	}
	defer s.release()

	if va < s.VAddr || va >= s.EndVAddr() {
		return 0, errs.New(errs.KindNoMap)
	}

	byteOff := s.FileOffset + int64(va-s.VAddr)
	max := s.EndVAddr() - va
	want := uint64(len(dst))
	if want > max {
		want = max
	}

	n, err := s.file.ReadAt(dst[:want], byteOff)
	if err != nil && n == 0 {
		return 0, errors.Wrap(err, "read section backing file")
	}
	return n, nil
}
