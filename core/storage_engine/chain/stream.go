package chain

import (
	"fmt"

	"github.com/sushant-115/gojostore/core/storage_engine/objectid"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
)

// Pos is a position inside a chain: a block index and a byte offset within
// that block. Offsets are absolute, so the first data byte of a chain is at
// offset DirectorySize(k) of block 0. A position at the end of a block that
// has a successor is always normalized to the start of the successor.
type Pos struct {
	Block  int
	Offset int
}

func (p Pos) String() string { return fmt.Sprintf("pos{block: %d, offset: %d}", p.Block, p.Offset) }

func (p Pos) Before(q Pos) bool {
	return p.Block < q.Block || (p.Block == q.Block && p.Offset < q.Offset)
}

// Stream is a cursor over the data of one chain. Blocks are attached through
// the allocator's cache and stay attached until the allocator is released.
type Stream struct {
	alloc  *Allocator
	loc    objectid.ObjectID
	mode   pagemanager.FixMode
	blocks []Block
	pos    Pos
}

// Open positions a new stream at the first data byte of the chain at loc.
func (al *Allocator) Open(loc objectid.ObjectID, mode pagemanager.FixMode) (*Stream, error) {
	id, err := blockID(loc)
	if err != nil {
		return nil, err
	}
	first, err := al.attach(id, mode)
	if err != nil {
		return nil, err
	}
	blocks, err := parseDirectory(id, first.area.Bytes())
	if err != nil {
		return nil, err
	}
	s := &Stream{alloc: al, loc: loc, mode: mode, blocks: blocks}
	s.pos = s.DataStart()
	return s, nil
}

func (s *Stream) Locator() objectid.ObjectID { return s.loc }
func (s *Stream) Blocks() []Block            { return s.blocks }
func (s *Stream) Position() Pos              { return s.pos }

// DataStart is the position of the first byte after the directory.
func (s *Stream) DataStart() Pos {
	return s.normalize(Pos{Block: 0, Offset: DirectorySize(len(s.blocks))})
}

// End is the position just past the last byte of the chain.
func (s *Stream) End() Pos {
	last := len(s.blocks) - 1
	return Pos{Block: last, Offset: s.blocks[last].Size}
}

// Capacity is the number of data bytes the chain can hold.
func (s *Stream) Capacity() int {
	return s.Distance(s.DataStart(), s.End())
}

func (s *Stream) normalize(p Pos) Pos {
	for p.Block < len(s.blocks)-1 && p.Offset >= s.blocks[p.Block].Size {
		p.Offset -= s.blocks[p.Block].Size
		p.Block++
	}
	return p
}

func (s *Stream) valid(p Pos) bool {
	if p.Block < 0 || p.Block >= len(s.blocks) || p.Offset < 0 || p.Offset > s.blocks[p.Block].Size {
		return false
	}
	if p.Block == 0 && p.Offset < DirectorySize(len(s.blocks)) {
		return false
	}
	return true
}

// SetPosition moves the cursor to p, which must lie within the data range.
func (s *Stream) SetPosition(p Pos) error {
	if !s.valid(p) {
		return fmt.Errorf("%w: %v in %v", ErrOutOfBounds, p, s.loc)
	}
	s.pos = s.normalize(p)
	return nil
}

// Advance returns the position n bytes after p without moving the cursor.
func (s *Stream) Advance(p Pos, n int) (Pos, error) {
	if n < 0 || !s.valid(p) {
		return p, fmt.Errorf("%w: advance %v by %d in %v", ErrOutOfBounds, p, n, s.loc)
	}
	p.Offset += n
	p = s.normalize(p)
	if p.Offset > s.blocks[p.Block].Size {
		return p, fmt.Errorf("%w: advance by %d runs past the end of %v", ErrOutOfBounds, n, s.loc)
	}
	return p, nil
}

// Skip moves the cursor n bytes forward.
func (s *Stream) Skip(n int) error {
	p, err := s.Advance(s.pos, n)
	if err != nil {
		return err
	}
	s.pos = p
	return nil
}

// Distance is the number of data bytes from a to b. It is negative when b
// comes before a.
func (s *Stream) Distance(a, b Pos) int {
	if b.Before(a) {
		return -s.Distance(b, a)
	}
	if a.Block == b.Block {
		return b.Offset - a.Offset
	}
	d := s.blocks[a.Block].Size - a.Offset
	for i := a.Block + 1; i < b.Block; i++ {
		d += s.blocks[i].Size
	}
	return d + b.Offset
}

// current returns the bytes of the block under the cursor from the cursor on.
func (s *Stream) current(write bool) ([]byte, error) {
	if write && !s.mode.Exclusive() {
		return nil, fmt.Errorf("%w: %v", ErrReadOnly, s.loc)
	}
	b := s.blocks[s.pos.Block]
	if s.pos.Offset >= b.Size {
		return nil, fmt.Errorf("%w: end of %v", ErrOutOfBounds, s.loc)
	}
	c, err := s.alloc.attach(b.ID, s.mode)
	if err != nil {
		return nil, err
	}
	data := c.area.Bytes()
	if len(data) != b.Size {
		return nil, fmt.Errorf("%w: block %d of %v is %d bytes, directory says %d", ErrCorrupted, s.pos.Block, s.loc, len(data), b.Size)
	}
	if write {
		c.dirty = true
	}
	return data[s.pos.Offset:], nil
}

func (s *Stream) move(n int) {
	s.pos.Offset += n
	s.pos = s.normalize(s.pos)
}

// ReadSerial fills buf from the cursor and advances past it.
func (s *Stream) ReadSerial(buf []byte) error {
	for len(buf) > 0 {
		data, err := s.current(false)
		if err != nil {
			return err
		}
		n := copy(buf, data)
		buf = buf[n:]
		s.move(n)
	}
	return nil
}

// WriteSerial writes buf at the cursor and advances past it.
func (s *Stream) WriteSerial(buf []byte) error {
	for len(buf) > 0 {
		data, err := s.current(true)
		if err != nil {
			return err
		}
		n := copy(data, buf)
		buf = buf[n:]
		s.move(n)
	}
	return nil
}

// Copy moves n bytes from src's cursor to dst's cursor, block slice to block
// slice, and advances both.
func Copy(dst, src *Stream, n int) error {
	for n > 0 {
		from, err := src.current(false)
		if err != nil {
			return err
		}
		to, err := dst.current(true)
		if err != nil {
			return err
		}
		chunk := min(n, len(from), len(to))
		copy(to[:chunk], from[:chunk])
		src.move(chunk)
		dst.move(chunk)
		n -= chunk
	}
	return nil
}
