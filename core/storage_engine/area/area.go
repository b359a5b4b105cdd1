// Package area is the block substrate for variable-length record data. An
// area is an independently addressable, variable-capacity byte range in the
// area file, created, attached, detached and freed by numeric id.
package area

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/OneOfOne/xxhash"
	flushmanager "github.com/sushant-115/gojostore/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
	"go.uber.org/zap"
)

// ID addresses an area by its first allocation unit. Unit 0 holds the
// superblock, so the zero ID is never a real area.
type ID uint64

const InvalidID ID = 0

const (
	superMagic   uint32 = 0x474a4152 // "GJAR"
	superVersion uint32 = 1
	// magic | version | unitSize | reserved | endUnit | freeHead | checksum
	superblockSize = 4 + 4 + 4 + 4 + 8 + 8 + 8

	areaMagic uint32 = 0x41524541 // "AREA"
	// magic | units | size | state | reserved
	HeaderSize = 4 + 4 + 4 + 1 + 3

	stateLive byte = 1
	stateFree byte = 2

	// MinUnitSize keeps the superblock and a free area's next pointer in one unit.
	MinUnitSize = superblockSize
)

var (
	ErrInvalidSize = errors.New("area: invalid size")
	ErrNotLive     = errors.New("area: not a live area")
	ErrCorrupted   = errors.New("area: corrupted area file")
)

// Area is an attached area. Bytes stays valid until Detach.
type Area struct {
	id    ID
	data  []byte
	mode  pagemanager.FixMode
	latch *latchEntry
}

func (a *Area) ID() ID        { return a.id }
func (a *Area) Bytes() []byte { return a.data }
func (a *Area) Size() int     { return len(a.data) }

func (a *Area) Mode() pagemanager.FixMode { return a.mode }

type latchEntry struct {
	rw   sync.RWMutex
	refs int
}

type header struct {
	units uint32
	size  uint32
	state byte
}

// Manager allocates areas in unit-granular runs of its own file. Freed areas
// go on a first-fit free list threaded through their first data bytes.
type Manager struct {
	disk     *flushmanager.DiskManager
	unitSize int

	mu       sync.Mutex
	endUnit  uint64
	freeHead ID
	latches  map[ID]*latchEntry

	logger *zap.Logger
}

// Open opens or creates the area file at path.
func Open(path string, unitSize int, logger *zap.Logger) (*Manager, error) {
	if unitSize < MinUnitSize {
		return nil, fmt.Errorf("%w: unit size %d below minimum %d", ErrInvalidSize, unitSize, MinUnitSize)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	disk, err := flushmanager.NewDiskManager(path, unitSize, logger)
	if err != nil {
		return nil, err
	}
	created, err := disk.Open(true)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		disk:     disk,
		unitSize: unitSize,
		latches:  make(map[ID]*latchEntry),
		logger:   logger.Named("area_manager"),
	}
	if created {
		m.endUnit = 1
		if err := m.writeSuperblock(); err != nil {
			_ = disk.Close()
			return nil, err
		}
		if err := disk.Sync(); err != nil {
			_ = disk.Close()
			return nil, err
		}
	} else if err := m.readSuperblock(); err != nil {
		_ = disk.Close()
		return nil, err
	}
	m.logger.Info("Area file ready", zap.String("path", path), zap.Uint64("end_unit", m.endUnit), zap.Bool("created", created))
	return m, nil
}

func (m *Manager) writeSuperblock() error {
	buf := make([]byte, superblockSize)
	binary.LittleEndian.PutUint32(buf[0:4], superMagic)
	binary.LittleEndian.PutUint32(buf[4:8], superVersion)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(m.unitSize))
	binary.LittleEndian.PutUint64(buf[16:24], m.endUnit)
	binary.LittleEndian.PutUint64(buf[24:32], uint64(m.freeHead))
	binary.LittleEndian.PutUint64(buf[32:40], xxhash.Checksum64(buf[:32]))
	return m.disk.WriteAt(buf, 0)
}

func (m *Manager) readSuperblock() error {
	buf := make([]byte, superblockSize)
	if err := m.disk.ReadAt(buf, 0); err != nil {
		return err
	}
	if binary.LittleEndian.Uint32(buf[0:4]) != superMagic {
		return fmt.Errorf("%w: bad superblock magic", ErrCorrupted)
	}
	if v := binary.LittleEndian.Uint32(buf[4:8]); v != superVersion {
		return fmt.Errorf("%w: unsupported area file version %d", ErrCorrupted, v)
	}
	if binary.LittleEndian.Uint64(buf[32:40]) != xxhash.Checksum64(buf[:32]) {
		return fmt.Errorf("%w: superblock %v", ErrCorrupted, flushmanager.ErrChecksumMismatch)
	}
	if us := int(binary.LittleEndian.Uint32(buf[8:12])); us != m.unitSize {
		return fmt.Errorf("%w: area file unit size %d does not match configured %d", ErrCorrupted, us, m.unitSize)
	}
	m.endUnit = binary.LittleEndian.Uint64(buf[16:24])
	m.freeHead = ID(binary.LittleEndian.Uint64(buf[24:32]))
	if m.endUnit > m.disk.NumPages() {
		return fmt.Errorf("%w: end unit %d beyond file end %d", ErrCorrupted, m.endUnit, m.disk.NumPages())
	}
	return nil
}

func (m *Manager) offset(id ID) int64 { return int64(id) * int64(m.unitSize) }

func (m *Manager) readHeader(id ID) (header, error) {
	if id == InvalidID || uint64(id) >= m.endUnit {
		return header{}, fmt.Errorf("%w: area %d out of range", ErrNotLive, id)
	}
	buf := make([]byte, HeaderSize)
	if err := m.disk.ReadAt(buf, m.offset(id)); err != nil {
		return header{}, err
	}
	if binary.LittleEndian.Uint32(buf[0:4]) != areaMagic {
		return header{}, fmt.Errorf("%w: area %d has no area header", ErrNotLive, id)
	}
	h := header{
		units: binary.LittleEndian.Uint32(buf[4:8]),
		size:  binary.LittleEndian.Uint32(buf[8:12]),
		state: buf[12],
	}
	if h.units == 0 || uint64(id)+uint64(h.units) > m.endUnit {
		return header{}, fmt.Errorf("%w: area %d spans past the end of the file", ErrCorrupted, id)
	}
	return h, nil
}

func (m *Manager) writeHeader(id ID, h header) error {
	buf := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], areaMagic)
	binary.LittleEndian.PutUint32(buf[4:8], h.units)
	binary.LittleEndian.PutUint32(buf[8:12], h.size)
	buf[12] = h.state
	return m.disk.WriteAt(buf, m.offset(id))
}

func (m *Manager) readNextFree(id ID) (ID, error) {
	buf := make([]byte, 8)
	if err := m.disk.ReadAt(buf, m.offset(id)+HeaderSize); err != nil {
		return InvalidID, err
	}
	return ID(binary.LittleEndian.Uint64(buf)), nil
}

func (m *Manager) writeNextFree(id, next ID) error {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(next))
	return m.disk.WriteAt(buf, m.offset(id)+HeaderSize)
}

func (m *Manager) unitsFor(size int) uint32 {
	return uint32((HeaderSize + size + m.unitSize - 1) / m.unitSize)
}

// Create allocates an area able to hold size bytes. Its content is
// unspecified until written.
func (m *Manager) Create(size int) (ID, error) {
	if size <= 0 || size > 1<<31 {
		return InvalidID, fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}
	need := m.unitsFor(size)

	m.mu.Lock()
	defer m.mu.Unlock()

	id, units, err := m.takeFreeInternal(need)
	if err != nil {
		return InvalidID, err
	}
	if id == InvalidID {
		first, err := m.disk.AllocatePages(int(need))
		if err != nil {
			return InvalidID, err
		}
		id = ID(first)
		units = need
		m.endUnit = uint64(first) + uint64(need)
	}
	if err := m.writeHeader(id, header{units: units, size: uint32(size), state: stateLive}); err != nil {
		return InvalidID, err
	}
	if err := m.writeSuperblock(); err != nil {
		return InvalidID, err
	}
	m.logger.Debug("Created area", zap.Uint64("area_id", uint64(id)), zap.Int("size", size), zap.Uint32("units", units))
	return id, nil
}

// takeFreeInternal unlinks the first free area with at least need units.
// This method MUST be called with m.mu locked.
func (m *Manager) takeFreeInternal(need uint32) (ID, uint32, error) {
	prev := InvalidID
	cur := m.freeHead
	for steps := uint64(0); cur != InvalidID; steps++ {
		if steps > m.endUnit {
			return InvalidID, 0, fmt.Errorf("%w: cycle in area free list", ErrCorrupted)
		}
		h, err := m.readHeader(cur)
		if err != nil {
			return InvalidID, 0, err
		}
		if h.state != stateFree {
			return InvalidID, 0, fmt.Errorf("%w: area %d on free list is not free", ErrCorrupted, cur)
		}
		next, err := m.readNextFree(cur)
		if err != nil {
			return InvalidID, 0, err
		}
		if h.units >= need {
			if prev == InvalidID {
				m.freeHead = next
			} else if err := m.writeNextFree(prev, next); err != nil {
				return InvalidID, 0, err
			}
			return cur, h.units, nil
		}
		prev, cur = cur, next
	}
	return InvalidID, 0, nil
}

// Free returns an area to the free list.
func (m *Manager) Free(id ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, err := m.readHeader(id)
	if err != nil {
		return err
	}
	if h.state != stateLive {
		return fmt.Errorf("%w: area %d freed twice", ErrNotLive, id)
	}
	if e, ok := m.latches[id]; ok && e.refs > 0 {
		return fmt.Errorf("area %d is still attached", id)
	}
	h.state = stateFree
	if err := m.writeHeader(id, h); err != nil {
		return err
	}
	if err := m.writeNextFree(id, m.freeHead); err != nil {
		return err
	}
	m.freeHead = id
	m.logger.Debug("Freed area", zap.Uint64("area_id", uint64(id)))
	return m.writeSuperblock()
}

// Size returns the byte size an area was created with.
func (m *Manager) Size(id ID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, err := m.readHeader(id)
	if err != nil {
		return 0, err
	}
	if h.state != stateLive {
		return 0, fmt.Errorf("%w: area %d", ErrNotLive, id)
	}
	return int(h.size), nil
}

// Attach reads an area into memory and latches it according to mode. The
// latch wait happens outside the manager mutex.
func (m *Manager) Attach(id ID, mode pagemanager.FixMode) (*Area, error) {
	m.mu.Lock()
	h, err := m.readHeader(id)
	if err == nil && h.state != stateLive {
		err = fmt.Errorf("%w: area %d", ErrNotLive, id)
	}
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	e, ok := m.latches[id]
	if !ok {
		e = &latchEntry{}
		m.latches[id] = e
	}
	e.refs++
	m.mu.Unlock()

	if mode.Exclusive() {
		e.rw.Lock()
	} else {
		e.rw.RLock()
	}
	a := &Area{id: id, data: make([]byte, h.size), mode: mode, latch: e}
	if err := m.disk.ReadAt(a.data, m.offset(id)+HeaderSize); err != nil {
		m.unlatch(a)
		return nil, err
	}
	return a, nil
}

// Detach releases an attached area, writing it back when dirty.
func (m *Manager) Detach(a *Area, dirty bool) error {
	var err error
	if dirty {
		if !a.mode.Exclusive() {
			err = fmt.Errorf("area %d attached for read cannot be written", a.id)
		} else {
			err = m.disk.WriteAt(a.data, m.offset(a.id)+HeaderSize)
		}
	}
	m.unlatch(a)
	return err
}

func (m *Manager) unlatch(a *Area) {
	if a.mode.Exclusive() {
		a.latch.rw.Unlock()
	} else {
		a.latch.rw.RUnlock()
	}
	m.mu.Lock()
	a.latch.refs--
	if a.latch.refs == 0 {
		delete(m.latches, a.id)
	}
	m.mu.Unlock()
}

// Sync forces area data and allocation metadata to stable storage.
func (m *Manager) Sync() error {
	return m.disk.Sync()
}

// Close syncs and closes the area file.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.writeSuperblock(); err != nil {
		return err
	}
	return m.disk.Close()
}
