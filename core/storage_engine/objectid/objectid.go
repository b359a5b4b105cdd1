// Package objectid defines the opaque locator used to address fixed slots and
// variable-length storage blocks.
package objectid

import (
	"encoding/binary"
	"fmt"
)

// ObjectID packs a page (or area) id and a slot (or block) index into one
// integer. The zero value is the "none" sentinel: page 0 of every slot file is
// the header page, so no slot ever encodes to zero.
type ObjectID uint64

const (
	// InvalidObjectID is the reserved "none" locator.
	InvalidObjectID ObjectID = 0

	// Size is the on-disk width of an ObjectID.
	Size = 8

	indexBits = 16
	indexMask = 1<<indexBits - 1

	// MaxPage is the largest page id that fits in a locator.
	MaxPage = 1<<(64-indexBits) - 1
)

// New builds a locator from a page id and an index within that page.
func New(page uint64, index uint16) ObjectID {
	return ObjectID(page<<indexBits | uint64(index))
}

// Page returns the page (or area) component.
func (o ObjectID) Page() uint64 { return uint64(o) >> indexBits }

// Index returns the slot (or block) component.
func (o ObjectID) Index() uint16 { return uint16(uint64(o) & indexMask) }

// IsValid reports whether o is not the "none" sentinel.
func (o ObjectID) IsValid() bool { return o != InvalidObjectID }

func (o ObjectID) String() string {
	if !o.IsValid() {
		return "oid{none}"
	}
	return fmt.Sprintf("oid{page: %d, index: %d}", o.Page(), o.Index())
}

// Put writes o into b, which must hold at least Size bytes.
func (o ObjectID) Put(b []byte) {
	binary.LittleEndian.PutUint64(b[:Size], uint64(o))
}

// FromBytes reads a locator written by Put.
func FromBytes(b []byte) ObjectID {
	return ObjectID(binary.LittleEndian.Uint64(b[:Size]))
}
