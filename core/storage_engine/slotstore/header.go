package slotstore

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/OneOfOne/xxhash"
	"github.com/sushant-115/gojostore/core/storage_engine/objectid"
	"go.uber.org/zap"
)

// FileVersion is written into every header block of a slot file.
const FileVersion uint32 = 1

// Header is the slot file metadata kept on page 0.
type Header struct {
	Version       uint32
	SlotSize      uint32
	LastModified  time.Time
	InsertedCount uint64
	Last          objectid.ObjectID
	FirstFree     objectid.ObjectID
	FirstExpunged objectid.ObjectID
}

// progress is the marker byte in front of the two header blocks.
type progress byte

const (
	notWriting         progress = 0
	writingFirstBlock  progress = 1
	writingSecondBlock progress = 2
)

const (
	// version | slotSize | lastModified | insertedCount | last | firstFree | firstExpunged | checksum
	headerBlockSize = 4 + 4 + 8 + 8 + 8 + 8 + 8 + 8

	markerOffset = 0
	block1Offset = 1
	block2Offset = 1 + headerBlockSize

	// HeaderPageMinSize is the smallest page able to hold both header blocks.
	HeaderPageMinSize = block2Offset + headerBlockSize
)

// headerIO is the part of the disk manager the header protocol needs. Every
// step of a header write must be durable before the next one starts.
type headerIO interface {
	ReadAt(buf []byte, off int64) error
	WriteDurable(buf []byte, off int64) error
}

func (h Header) encode() []byte {
	b := make([]byte, headerBlockSize)
	binary.LittleEndian.PutUint32(b[0:4], h.Version)
	binary.LittleEndian.PutUint32(b[4:8], h.SlotSize)
	var ts int64
	if !h.LastModified.IsZero() {
		ts = h.LastModified.UnixNano()
	}
	binary.LittleEndian.PutUint64(b[8:16], uint64(ts))
	binary.LittleEndian.PutUint64(b[16:24], h.InsertedCount)
	h.Last.Put(b[24:32])
	h.FirstFree.Put(b[32:40])
	h.FirstExpunged.Put(b[40:48])
	binary.LittleEndian.PutUint64(b[48:56], xxhash.Checksum64(b[:48]))
	return b
}

func decodeHeader(b []byte) (Header, error) {
	h := Header{
		Version:       binary.LittleEndian.Uint32(b[0:4]),
		SlotSize:      binary.LittleEndian.Uint32(b[4:8]),
		InsertedCount: binary.LittleEndian.Uint64(b[16:24]),
		Last:          objectid.FromBytes(b[24:32]),
		FirstFree:     objectid.FromBytes(b[32:40]),
		FirstExpunged: objectid.FromBytes(b[40:48]),
	}
	if ts := int64(binary.LittleEndian.Uint64(b[8:16])); ts != 0 {
		h.LastModified = time.Unix(0, ts).UTC()
	}
	if h.Version == 0 {
		// Never written; a zeroed block carries no checksum.
		return h, nil
	}
	if sum := binary.LittleEndian.Uint64(b[48:56]); sum != xxhash.Checksum64(b[:48]) {
		return h, fmt.Errorf("%w: header block checksum %#x does not match", ErrCorrupted, sum)
	}
	return h, nil
}

// headerState is what reading page 0 found.
type headerState struct {
	marker        progress
	header        Header
	authoritative int // 1 or 2
}

func readHeaderState(io headerIO) (headerState, error) {
	buf := make([]byte, HeaderPageMinSize)
	if err := io.ReadAt(buf, 0); err != nil {
		return headerState{}, err
	}
	st := headerState{marker: progress(buf[markerOffset]), authoritative: 1}
	off := block1Offset
	switch st.marker {
	case notWriting, writingSecondBlock:
	case writingFirstBlock:
		st.authoritative = 2
		off = block2Offset
	default:
		return st, fmt.Errorf("%w: header progress marker %d", ErrCorrupted, st.marker)
	}
	h, err := decodeHeader(buf[off : off+headerBlockSize])
	if err != nil {
		return st, fmt.Errorf("header block %d: %w", st.authoritative, err)
	}
	st.header = h
	return st, nil
}

// writeHeader runs the double-buffered header write: mark block 1 in
// progress, write it, mark block 2 in progress, write it, mark done.
func writeHeader(io headerIO, h Header) error {
	block := h.encode()
	steps := []struct {
		off  int64
		data []byte
	}{
		{markerOffset, []byte{byte(writingFirstBlock)}},
		{block1Offset, block},
		{markerOffset, []byte{byte(writingSecondBlock)}},
		{block2Offset, block},
		{markerOffset, []byte{byte(notWriting)}},
	}
	for _, s := range steps {
		if err := io.WriteDurable(s.data, s.off); err != nil {
			return err
		}
	}
	return nil
}

// syncHeaderInternal stamps and durably writes the in-memory header.
func (s *Store) syncHeaderInternal() error {
	h := s.header
	h.LastModified = time.Now().UTC()
	if err := writeHeader(s.io, h); err != nil {
		s.logger.Error("Failed to write header", zap.Error(err))
		return err
	}
	s.header = h
	s.onDisk = h
	return nil
}

// Sync durably writes the header if it changed since it was last written.
func (s *Store) Sync() error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if s.header.equalContent(s.onDisk) {
		return nil
	}
	return s.syncHeaderInternal()
}

// Reload re-reads the header from disk, dropping in-memory changes. It picks
// the authoritative block from the progress marker but repairs nothing.
func (s *Store) Reload() error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	st, err := readHeaderState(s.io)
	if err != nil {
		return err
	}
	if err := s.adoptHeader(st.header); err != nil {
		return err
	}
	if st.marker != notWriting {
		s.logger.Warn("Header write was interrupted; using the consistent block",
			zap.Int("block", st.authoritative), zap.Uint8("marker", uint8(st.marker)))
	}
	return nil
}

// Recover reloads the header and, if a header write was interrupted,
// rewrites both blocks from the authoritative one.
func (s *Store) Recover() error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	st, err := readHeaderState(s.io)
	if err != nil {
		return err
	}
	if err := s.adoptHeader(st.header); err != nil {
		return err
	}
	if st.marker == notWriting {
		return nil
	}
	s.logger.Warn("Repairing interrupted header write",
		zap.Int("authoritative_block", st.authoritative), zap.Uint8("marker", uint8(st.marker)))
	if err := writeHeader(s.io, s.header); err != nil {
		return err
	}
	s.onDisk = s.header
	return nil
}

// adoptHeader installs a header read from disk as both the current and the
// committed state. A never-written header means a new file, which the next
// Sync initializes.
func (s *Store) adoptHeader(h Header) error {
	if h.Version == 0 {
		s.header = Header{Version: FileVersion, SlotSize: uint32(s.slotSize)}
		s.committed = s.header
		s.onDisk = Header{}
		return nil
	}
	if h.Version != FileVersion {
		return fmt.Errorf("%w: unsupported slot file version %d", ErrCorrupted, h.Version)
	}
	if int(h.SlotSize) != s.slotSize {
		return fmt.Errorf("%w: file slot size %d, configured %d", ErrInvalidArgument, h.SlotSize, s.slotSize)
	}
	s.header = h
	s.committed = h
	s.onDisk = h
	return nil
}

func (h Header) equalContent(o Header) bool {
	return h.Version == o.Version && h.SlotSize == o.SlotSize && h.InsertedCount == o.InsertedCount &&
		h.Last == o.Last && h.FirstFree == o.FirstFree && h.FirstExpunged == o.FirstExpunged
}
