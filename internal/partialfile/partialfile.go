// Package partialfile implements the memory-mapped destination file
// and completed-chunk bitmap used by the concurrent range downloader
// (spec §5 PartialFile / ChunkBitmap).
package partialfile

import (
	"fmt"
	"os"
	"sync"

	"github.com/edsrzf/mmap-go"
)

// PartialFile is a preallocated, memory-mapped destination file that
// chunk workers write into at arbitrary offsets without contending on
// a shared file position.
type PartialFile struct {
	f   *os.File
	mm  mmap.MMap
	size int64

	bitmapMu sync.Mutex
	bitmap   []byte // one bit per chunk, indexed by chunk ID
	chunks   int
}

// Open creates (or reuses) the file at path, truncates/extends it to
// size, and maps it into memory. chunkCount sizes the completion
// bitmap.
func Open(path string, size int64, chunkCount int) (*PartialFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("partialfile: open %s: %w", path, err)
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, fmt.Errorf("partialfile: truncate %s to %d: %w", path, size, err)
	}

	var mm mmap.MMap
	if size > 0 {
		mm, err = mmap.Map(f, mmap.RDWR, 0)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("partialfile: mmap %s: %w", path, err)
		}
	}

	return &PartialFile{
		f:      f,
		mm:     mm,
		size:   size,
		bitmap: make([]byte, (chunkCount+7)/8),
		chunks: chunkCount,
	}, nil
}

// WriteAt copies data into the mapped region at offset. Safe for
// concurrent use across disjoint [offset, offset+len(data)) ranges.
func (p *PartialFile) WriteAt(offset int64, data []byte) error {
	if offset < 0 || offset+int64(len(data)) > p.size {
		return fmt.Errorf("partialfile: write [%d,%d) out of bounds for size %d", offset, offset+int64(len(data)), p.size)
	}
	copy(p.mm[offset:], data)
	return nil
}

// MarkDone sets the completion bit for chunkID.
func (p *PartialFile) MarkDone(chunkID int) {
	p.bitmapMu.Lock()
	defer p.bitmapMu.Unlock()
	p.bitmap[chunkID/8] |= 1 << uint(chunkID%8)
}

// IsDone reports whether chunkID's bit is set.
func (p *PartialFile) IsDone(chunkID int) bool {
	p.bitmapMu.Lock()
	defer p.bitmapMu.Unlock()
	return p.bitmap[chunkID/8]&(1<<uint(chunkID%8)) != 0
}

// Bitmap returns a copy of the completion bitmap, suitable for
// persisting into a sidecar.
func (p *PartialFile) Bitmap() []byte {
	p.bitmapMu.Lock()
	defer p.bitmapMu.Unlock()
	cp := make([]byte, len(p.bitmap))
	copy(cp, p.bitmap)
	return cp
}

// LoadBitmap restores a previously persisted completion bitmap, used
// when resuming (spec §4.3 "Resume").
func (p *PartialFile) LoadBitmap(b []byte) error {
	p.bitmapMu.Lock()
	defer p.bitmapMu.Unlock()
	if len(b) != len(p.bitmap) {
		return fmt.Errorf("partialfile: bitmap length %d does not match expected %d", len(b), len(p.bitmap))
	}
	copy(p.bitmap, b)
	return nil
}

// CompletedCount returns how many of the chunks chunks are marked
// done.
func (p *PartialFile) CompletedCount() int {
	p.bitmapMu.Lock()
	defer p.bitmapMu.Unlock()
	n := 0
	for id := 0; id < p.chunks; id++ {
		if p.bitmap[id/8]&(1<<uint(id%8)) != 0 {
			n++
		}
	}
	return n
}

// Flush syncs the mapped pages and the file to stable storage.
func (p *PartialFile) Flush() error {
	if p.mm != nil {
		if err := p.mm.Flush(); err != nil {
			return fmt.Errorf("partialfile: flush mmap: %w", err)
		}
	}
	return nil
}

// Close unmaps and closes the underlying file.
func (p *PartialFile) Close() error {
	var err error
	if p.mm != nil {
		err = p.mm.Unmap()
	}
	if cerr := p.f.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
