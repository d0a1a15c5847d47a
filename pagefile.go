// Counting page I/O.
//
// One pageFile wraps one index file. All access is page-sized at
// offset = header + id*pageSize, and every read or write bumps the
// owning index's tracker, so metrics reflect actual disk traffic.
// Files grow but never shrink; freed pages are zeroed and recycled
// through each index's own free list.
package quarto

import (
	"fmt"
	"io"
	"os"
)

// treePageSize is the fixed page size of both B+-tree variants.
const treePageSize = 4096

// pageFile is a page-addressed file with I/O accounting.
type pageFile struct {
	f        *os.File
	path     string
	pageSize int
	header   int // bytes reserved before page 0
	track    *tracker
}

// openPageFile opens or creates a page-addressed file. A fresh file is
// sized to its header immediately so offset arithmetic holds from the
// first page.
func openPageFile(path string, pageSize, header int, track *tracker) (*pageFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.Size() < int64(header) {
		if err := f.Truncate(int64(header)); err != nil {
			f.Close()
			return nil, fmt.Errorf("grow %s: %w", path, err)
		}
	}
	return &pageFile{f: f, path: path, pageSize: pageSize, header: header, track: track}, nil
}

// offset returns the byte position of a page.
func (p *pageFile) offset(id int) int64 {
	return int64(p.header) + int64(id)*int64(p.pageSize)
}

// readPage reads one page. Reading at or past the end of file returns
// a zeroed page without error, matching the growth-by-write model.
func (p *pageFile) readPage(id int) ([]byte, error) {
	p.track.reads++
	buf := make([]byte, p.pageSize)
	_, err := p.f.ReadAt(buf, p.offset(id))
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return buf, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read page %d of %s: %w", id, p.path, err)
	}
	return buf, nil
}

// writePage writes one page, zero-padding short buffers to pageSize.
func (p *pageFile) writePage(id int, buf []byte) error {
	if len(buf) > p.pageSize {
		return fmt.Errorf("write page %d of %s: %d bytes exceed page size %d", id, p.path, len(buf), p.pageSize)
	}
	p.track.writes++
	page := buf
	if len(buf) < p.pageSize {
		page = make([]byte, p.pageSize)
		copy(page, buf)
	}
	if _, err := p.f.WriteAt(page, p.offset(id)); err != nil {
		return fmt.Errorf("write page %d of %s: %w", id, p.path, err)
	}
	return nil
}

// zeroPage overwrites a freed page with zeros.
func (p *pageFile) zeroPage(id int) error {
	return p.writePage(id, nil)
}

// pages returns the number of whole pages currently in the file.
func (p *pageFile) pages() (int, error) {
	info, err := p.f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", p.path, err)
	}
	n := info.Size() - int64(p.header)
	if n <= 0 {
		return 0, nil
	}
	return int(n / int64(p.pageSize)), nil
}

// readHeader reads the reserved header region, counted as one read.
func (p *pageFile) readHeader() ([]byte, error) {
	p.track.reads++
	buf := make([]byte, p.header)
	_, err := p.f.ReadAt(buf, 0)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return buf, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read header of %s: %w", p.path, err)
	}
	return buf, nil
}

// writeHeader writes the reserved header region, counted as one write.
func (p *pageFile) writeHeader(buf []byte) error {
	if len(buf) > p.header {
		return fmt.Errorf("write header of %s: %d bytes exceed header size %d", p.path, len(buf), p.header)
	}
	p.track.writes++
	full := make([]byte, p.header)
	copy(full, buf)
	if _, err := p.f.WriteAt(full, 0); err != nil {
		return fmt.Errorf("write header of %s: %w", p.path, err)
	}
	return nil
}

// Close releases the file handle.
func (p *pageFile) Close() error { return p.f.Close() }

// Remove closes and deletes the backing file.
func (p *pageFile) Remove() error {
	p.f.Close()
	if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
