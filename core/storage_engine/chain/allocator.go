// Package chain stores byte ranges larger than one storage block. A chain is
// a list of areas: the first one starts with a directory naming the others,
// and a Stream reads and writes the chain's data as one contiguous range.
package chain

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/sushant-115/gojostore/core/storage_engine/area"
	"github.com/sushant-115/gojostore/core/storage_engine/objectid"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var (
	ErrInvalidLocator = errors.New("chain: invalid chain locator")
	ErrChainTooLarge  = errors.New("chain: data does not fit in one chain")
	ErrOutOfBounds    = errors.New("chain: position out of bounds")
	ErrReadOnly       = errors.New("chain: stream is attached read-only")
	ErrCorrupted      = errors.New("chain: corrupted chain directory")
)

const (
	countSize = 4
	entrySize = objectid.Size + 4
)

// DirectorySize is the size of the directory of a chain of k blocks.
func DirectorySize(k int) int { return countSize + entrySize*(k-1) }

type Config struct {
	// MaxBlockSize caps the size of one block. It must be a multiple of Alignment.
	MaxBlockSize int
	// Alignment rounds every block size up.
	Alignment int
}

func (c Config) validate() error {
	if c.Alignment <= 0 || c.Alignment&(c.Alignment-1) != 0 {
		return fmt.Errorf("chain: alignment %d is not a power of two", c.Alignment)
	}
	if c.MaxBlockSize < DirectorySize(2)+c.Alignment || c.MaxBlockSize%c.Alignment != 0 {
		return fmt.Errorf("chain: max block size %d must be a multiple of %d and at least %d",
			c.MaxBlockSize, c.Alignment, DirectorySize(2)+c.Alignment)
	}
	return nil
}

type cachedArea struct {
	area  *area.Area
	dirty bool
}

// Allocator creates and frees chains and caches the blocks attached during
// one operation. Frees are deferred to Commit so that Discard can drop them.
type Allocator struct {
	areas  *area.Manager
	cfg    Config
	logger *zap.Logger

	attached       map[area.ID]*cachedArea
	pendingCreated []area.ID
	pendingFree    []area.ID
	freeing        map[objectid.ObjectID]struct{}
}

func NewAllocator(areas *area.Manager, cfg Config, logger *zap.Logger) (*Allocator, error) {
	if areas == nil {
		return nil, errors.New("chain: area manager cannot be nil")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Allocator{
		areas:    areas,
		cfg:      cfg,
		logger:   logger.Named("chain_allocator"),
		attached: make(map[area.ID]*cachedArea),
		freeing:  make(map[objectid.ObjectID]struct{}),
	}, nil
}

func (al *Allocator) Config() Config { return al.cfg }

// Align rounds n up to the block alignment.
func (al *Allocator) Align(n int) int { return al.align(n) }

func (al *Allocator) align(n int) int {
	return (n + al.cfg.Alignment - 1) &^ (al.cfg.Alignment - 1)
}

// AlignedSize is the total block size a chain of dataSize bytes occupies.
func (al *Allocator) AlignedSize(dataSize int) int {
	sizes, err := al.blockSizes(dataSize)
	if err != nil {
		return -1
	}
	total := 0
	for _, s := range sizes {
		total += s
	}
	return total
}

// blockSizes splits dataSize bytes of data plus the directory into blocks.
// Every block but the last is MaxBlockSize; the last is rounded up to the
// alignment.
func (al *Allocator) blockSizes(dataSize int) ([]int, error) {
	if dataSize <= 0 {
		return nil, fmt.Errorf("%w: data size %d", ErrOutOfBounds, dataSize)
	}
	maxSize := al.cfg.MaxBlockSize
	if single := al.align(DirectorySize(1) + dataSize); single <= maxSize {
		return []int{single}, nil
	}
	for k := 2; DirectorySize(k) <= maxSize; k++ {
		if k*maxSize-DirectorySize(k) < dataSize {
			continue
		}
		sizes := make([]int, k)
		for i := 0; i < k-1; i++ {
			sizes[i] = maxSize
		}
		remaining := dataSize - ((maxSize - DirectorySize(k)) + (k-2)*maxSize)
		sizes[k-1] = al.align(remaining)
		return sizes, nil
	}
	return nil, fmt.Errorf("%w: %d bytes", ErrChainTooLarge, dataSize)
}

// CreateChain allocates blocks for dataSize bytes and writes the directory.
// The data itself is left for the caller to write through a Stream.
func (al *Allocator) CreateChain(dataSize int) (objectid.ObjectID, error) {
	sizes, err := al.blockSizes(dataSize)
	if err != nil {
		return objectid.InvalidObjectID, err
	}
	ids := make([]area.ID, 0, len(sizes))
	for _, size := range sizes {
		id, err := al.areas.Create(size)
		if err != nil {
			for _, created := range ids {
				err = multierr.Append(err, al.areas.Free(created))
			}
			return objectid.InvalidObjectID, err
		}
		ids = append(ids, id)
	}
	al.pendingCreated = append(al.pendingCreated, ids...)

	first, err := al.attach(ids[0], pagemanager.FixUpdate)
	if err != nil {
		return objectid.InvalidObjectID, err
	}
	dir := first.area.Bytes()
	binary.LittleEndian.PutUint32(dir, uint32(len(ids)))
	for i := 1; i < len(ids); i++ {
		e := dir[countSize+entrySize*(i-1):]
		objectid.New(uint64(ids[i]), 0).Put(e)
		binary.LittleEndian.PutUint32(e[objectid.Size:], uint32(sizes[i]))
	}
	first.dirty = true

	loc := objectid.New(uint64(ids[0]), 0)
	al.logger.Debug("Created chain", zap.Stringer("locator", loc), zap.Int("data_size", dataSize), zap.Int("blocks", len(ids)))
	return loc, nil
}

// Block describes one block of a chain.
type Block struct {
	ID   area.ID
	Size int
}

func blockID(loc objectid.ObjectID) (area.ID, error) {
	if !loc.IsValid() || loc.Index() != 0 || loc.Page() == 0 {
		return area.InvalidID, fmt.Errorf("%w: %v", ErrInvalidLocator, loc)
	}
	return area.ID(loc.Page()), nil
}

// Blocks reads the directory of the chain at loc.
func (al *Allocator) Blocks(loc objectid.ObjectID) ([]Block, error) {
	id, err := blockID(loc)
	if err != nil {
		return nil, err
	}
	first, err := al.attach(id, pagemanager.FixRead)
	if err != nil {
		return nil, err
	}
	return parseDirectory(id, first.area.Bytes())
}

func parseDirectory(id area.ID, data []byte) ([]Block, error) {
	if len(data) < countSize {
		return nil, fmt.Errorf("%w: first block of %d bytes", ErrCorrupted, len(data))
	}
	k := int(binary.LittleEndian.Uint32(data))
	if k < 1 || DirectorySize(k) > len(data) {
		return nil, fmt.Errorf("%w: block count %d in a %d byte block", ErrCorrupted, k, len(data))
	}
	blocks := make([]Block, k)
	blocks[0] = Block{ID: id, Size: len(data)}
	for i := 1; i < k; i++ {
		e := data[countSize+entrySize*(i-1):]
		next, err := blockID(objectid.FromBytes(e))
		if err != nil {
			return nil, fmt.Errorf("%w: block %d: %v", ErrCorrupted, i, err)
		}
		blocks[i] = Block{ID: next, Size: int(binary.LittleEndian.Uint32(e[objectid.Size:]))}
		if blocks[i].Size <= 0 {
			return nil, fmt.Errorf("%w: block %d has size %d", ErrCorrupted, i, blocks[i].Size)
		}
	}
	return blocks, nil
}

// FreeChain schedules every block of the chain for release at Commit.
func (al *Allocator) FreeChain(loc objectid.ObjectID) error {
	if _, ok := al.freeing[loc]; ok {
		return fmt.Errorf("%w: %v already freed", ErrInvalidLocator, loc)
	}
	blocks, err := al.Blocks(loc)
	if err != nil {
		return err
	}
	for _, b := range blocks {
		al.pendingFree = append(al.pendingFree, b.ID)
	}
	al.freeing[loc] = struct{}{}
	al.logger.Debug("Scheduled chain free", zap.Stringer("locator", loc), zap.Int("blocks", len(blocks)))
	return nil
}

// attach returns the cached copy of an area, attaching it on first use. A
// block cached for reading is re-attached when write access is requested.
func (al *Allocator) attach(id area.ID, mode pagemanager.FixMode) (*cachedArea, error) {
	if c, ok := al.attached[id]; ok {
		if !mode.Exclusive() || c.area.Mode().Exclusive() {
			return c, nil
		}
		delete(al.attached, id)
		if err := al.areas.Detach(c.area, false); err != nil {
			return nil, err
		}
	}
	a, err := al.areas.Attach(id, mode)
	if err != nil {
		return nil, err
	}
	c := &cachedArea{area: a}
	al.attached[id] = c
	return c, nil
}

// Release detaches every cached block, writing back the ones modified.
func (al *Allocator) Release() error {
	var err error
	for id, c := range al.attached {
		err = multierr.Append(err, al.areas.Detach(c.area, c.dirty))
		delete(al.attached, id)
	}
	return err
}

// dropAttached detaches every cached block without writing it back.
func (al *Allocator) dropAttached() error {
	var err error
	for id, c := range al.attached {
		err = multierr.Append(err, al.areas.Detach(c.area, false))
		delete(al.attached, id)
	}
	return err
}

// Sync writes back attached blocks and syncs the area file. Deferred frees
// stay pending.
func (al *Allocator) Sync() error {
	return multierr.Append(al.Release(), al.areas.Sync())
}

// Commit writes back attached blocks, performs the deferred frees and syncs
// the area file.
func (al *Allocator) Commit() error {
	err := al.Release()
	for _, id := range al.pendingFree {
		err = multierr.Append(err, al.areas.Free(id))
	}
	if len(al.pendingFree) > 0 {
		al.logger.Debug("Freed chain blocks", zap.Int("blocks", len(al.pendingFree)))
	}
	al.resetPending()
	return multierr.Append(err, al.areas.Sync())
}

// Discard drops unwritten block changes, frees the blocks created since the
// last Commit and forgets the deferred frees.
func (al *Allocator) Discard() error {
	err := al.dropAttached()
	for _, id := range al.pendingCreated {
		err = multierr.Append(err, al.areas.Free(id))
	}
	if len(al.pendingCreated) > 0 {
		al.logger.Debug("Discarded created chain blocks", zap.Int("blocks", len(al.pendingCreated)))
	}
	al.resetPending()
	return err
}

func (al *Allocator) resetPending() {
	al.pendingCreated = al.pendingCreated[:0]
	al.pendingFree = al.pendingFree[:0]
	clear(al.freeing)
}

// AreaSize reports the size of a block as recorded by the area store.
func (al *Allocator) AreaSize(id area.ID) (int, error) {
	return al.areas.Size(id)
}
