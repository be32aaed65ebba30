package image

import (
	"sync"

	"ptdecode/errs"
)

// ReadMemoryCallback is the fallback consulted when no section covers the
// requested address (spec.md §6 memory-read callback contract).
type ReadMemoryCallback func(dst []byte, asid ASID, ip uint64, ctx interface{}) (int, error)

// NewCR3Callback is invoked once per first observation of a CR3 value the
// image has not seen before; it may add sections in response.
type NewCR3Callback func(img *Image, cr3 uint64, ctx interface{}, ip uint64) error

// Image is the traced memory image: a set of sections searched by
// (ASID, virtual address), per spec.md §3/§4.E. No two sections in
// compatible ASIDs may overlap in virtual address.
type Image struct {
	mu       sync.Mutex
	sections []*Section

	readCB    ReadMemoryCallback
	readCtx   interface{}
	newCR3CB  NewCR3Callback
	newCR3Ctx interface{}
	seenCR3   map[uint64]bool
}

// New builds an empty traced image.
func New() *Image {
	return &Image{seenCR3: make(map[uint64]bool)}
}

// AddFile adds a section backed by filename. It fails with bad_image if
// the (ASID, vaddr..vaddr+size) range overlaps any existing section in a
// compatible ASID. The section's Size is silently truncated on first map
// if the backing file turns out to be shorter.
func (img *Image) AddFile(filename string, fileOffset int64, size uint64, asid ASID, vaddr uint64) error {
	img.mu.Lock()
	defer img.mu.Unlock()

	cand := &Section{
		Filename:   filename,
		FileOffset: fileOffset,
		Size:       size,
		ASID:       asid,
		VAddr:      vaddr,
	}
	for _, s := range img.sections {
		if s.overlaps(cand) {
			return errs.NewMsg(errs.KindBadImage, "section overlaps an existing mapping in a compatible ASID")
		}
	}
	img.sections = append(img.sections, cand)
	return nil
}

// RemoveByFilename removes every section backed by filename within asid,
// returning the count removed.
func (img *Image) RemoveByFilename(filename string, asid ASID) int {
	img.mu.Lock()
	defer img.mu.Unlock()
	return img.removeWhere(func(s *Section) bool {
		return s.Filename == filename && s.ASID == asid
	})
}

// RemoveByASID removes every section whose ASID equals asid exactly,
// returning the count removed.
func (img *Image) RemoveByASID(asid ASID) int {
	img.mu.Lock()
	defer img.mu.Unlock()
	return img.removeWhere(func(s *Section) bool {
		return s.ASID == asid
	})
}

func (img *Image) removeWhere(match func(*Section) bool) int {
	kept := img.sections[:0]
	removed := 0
	for _, s := range img.sections {
		if match(s) {
			removed++
			continue
		}
		kept = append(kept, s)
	}
	img.sections = kept
	return removed
}

// Copy adds every section of src into img. Overlapping sections are
// skipped and counted rather than treated as an error.
func (img *Image) Copy(src *Image) (added, skipped int) {
	src.mu.Lock()
	srcSections := make([]*Section, len(src.sections))
	copy(srcSections, src.sections)
	src.mu.Unlock()

	img.mu.Lock()
	defer img.mu.Unlock()
	for _, s := range srcSections {
		cand := &Section{
			Filename: s.Filename, FileOffset: s.FileOffset,
			Size: s.Size, ASID: s.ASID, VAddr: s.VAddr,
		}
		overlap := false
		for _, existing := range img.sections {
			if existing.overlaps(cand) {
				overlap = true
				break
			}
		}
		if overlap {
			skipped++
			continue
		}
		img.sections = append(img.sections, cand)
		added++
	}
	return added, skipped
}

// SetCallback installs the fallback memory-read callback, consulted when
// no section covers an address.
func (img *Image) SetCallback(cb ReadMemoryCallback, ctx interface{}) {
	img.mu.Lock()
	defer img.mu.Unlock()
	img.readCB, img.readCtx = cb, ctx
}

// SetNewCR3Callback installs the callback invoked once per first
// observation of a CR3 value unknown to the image.
func (img *Image) SetNewCR3Callback(cb NewCR3Callback, ctx interface{}) {
	img.mu.Lock()
	defer img.mu.Unlock()
	img.newCR3CB, img.newCR3Ctx = cb, ctx
}

// Read resolves the section covering (asid, ip) and copies up to
// len(dst) bytes starting at ip, stopping at the section boundary. It
// falls back to the read-memory callback if no section covers the
// address. It fires the new-CR3 callback the first time a concrete CR3
// is observed.
func (img *Image) Read(dst []byte, asid ASID, ip uint64) (int, error) {
	if err := img.maybeNotifyNewCR3(asid, ip); err != nil {
		return 0, errs.Wrap(err, "new-CR3 callback")
	}

	img.mu.Lock()
	var target *Section
	for _, s := range img.sections {
		if s.covers(asid, ip) {
			target = s
			break
		}
	}
	cb, ctx := img.readCB, img.readCtx
	img.mu.Unlock()

	if target != nil {
		return target.readAt(ip, dst)
	}
	if cb != nil {
		return cb(dst, asid, ip, ctx)
	}
	return 0, errs.New(errs.KindNoMap)
}

// maybeNotifyNewCR3 fires the new-CR3 callback at most once per CR3
// value. A failing callback leaves the CR3 marked seen (it will not be
// retried) and its error is returned so Read surfaces it to the caller
// instead of silently reading against an image the callback never
// finished populating.
func (img *Image) maybeNotifyNewCR3(asid ASID, ip uint64) error {
	if asid.CR3 == NoCR3 {
		return nil
	}
	img.mu.Lock()
	if img.seenCR3[asid.CR3] {
		img.mu.Unlock()
		return nil
	}
	img.seenCR3[asid.CR3] = true
	cb, ctx := img.newCR3CB, img.newCR3Ctx
	img.mu.Unlock()

	if cb == nil {
		return nil
	}
	return cb(img, asid.CR3, ctx, ip)
}

// SectionCount reports how many sections the image currently holds, for
// diagnostics and tests.
func (img *Image) SectionCount() int {
	img.mu.Lock()
	defer img.mu.Unlock()
	return len(img.sections)
}
