package slotstore

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/sushant-115/gojostore/core/storage_engine/objectid"
)

// TxnID identifies the transaction owning an expunged or backup slot.
type TxnID uint64

// Owner words with a reserved meaning. Real transaction ids lie strictly
// between TxnNeverWritten and TxnFree.
const (
	TxnNeverWritten TxnID = 0
	TxnNoOwner      TxnID = math.MaxUint64
	TxnFree         TxnID = math.MaxUint64 - 1
)

func (t TxnID) IsReal() bool { return t != TxnNeverWritten && t != TxnNoOwner && t != TxnFree }

// slotHeaderSize is link, owner and origin, each eight bytes.
const slotHeaderSize = 3 * 8

// slotHeader is the stored form of a slot's status.
type slotHeader struct {
	link   objectid.ObjectID
	owner  TxnID
	origin objectid.ObjectID
}

func readSlotHeader(b []byte) slotHeader {
	return slotHeader{
		link:   objectid.FromBytes(b[0:8]),
		owner:  TxnID(binary.LittleEndian.Uint64(b[8:16])),
		origin: objectid.FromBytes(b[16:24]),
	}
}

func (h slotHeader) put(b []byte) {
	h.link.Put(b[0:8])
	binary.LittleEndian.PutUint64(b[8:16], uint64(h.owner))
	h.origin.Put(b[16:24])
}

type StatusKind uint8

const (
	StatusUninitialized StatusKind = iota
	StatusInserted
	StatusInsertedWithBackup
	StatusFree
	StatusExpunged
	StatusBackup
)

func (k StatusKind) String() string {
	switch k {
	case StatusUninitialized:
		return "uninitialized"
	case StatusInserted:
		return "inserted"
	case StatusInsertedWithBackup:
		return "inserted_with_backup"
	case StatusFree:
		return "free"
	case StatusExpunged:
		return "expunged"
	case StatusBackup:
		return "backup"
	}
	return fmt.Sprintf("status(%d)", uint8(k))
}

// Status is the decoded state of a slot. Which fields carry meaning depends
// on Kind:
//
//	InsertedWithBackup: Backup is the slot holding the pre-update image
//	Free:               Next is the next free slot
//	Expunged:           Next is the next expunged slot, Owner deleted it
//	Backup:             Next and Owner as Expunged, Origin is the live slot
type Status struct {
	Kind   StatusKind
	Next   objectid.ObjectID
	Backup objectid.ObjectID
	Owner  TxnID
	Origin objectid.ObjectID
}

func Inserted() Status { return Status{Kind: StatusInserted} }

func InsertedWithBackup(backup objectid.ObjectID) Status {
	return Status{Kind: StatusInsertedWithBackup, Backup: backup}
}

func Free(next objectid.ObjectID) Status { return Status{Kind: StatusFree, Next: next} }

func Expunged(next objectid.ObjectID, owner TxnID) Status {
	return Status{Kind: StatusExpunged, Next: next, Owner: owner}
}

func Backup(next objectid.ObjectID, owner TxnID, origin objectid.ObjectID) Status {
	return Status{Kind: StatusBackup, Next: next, Owner: owner, Origin: origin}
}

// IsLive reports whether the slot holds a readable record.
func (s Status) IsLive() bool {
	return s.Kind == StatusInserted || s.Kind == StatusInsertedWithBackup
}

// onExpungeList reports whether the slot is threaded on the expunge list.
func (s Status) onExpungeList() bool {
	return s.Kind == StatusExpunged || s.Kind == StatusBackup
}

// withNext returns s relinked to next. Only list members have a next.
func (s Status) withNext(next objectid.ObjectID) Status {
	s.Next = next
	return s
}

func (s Status) String() string {
	switch s.Kind {
	case StatusInsertedWithBackup:
		return fmt.Sprintf("%v{backup: %v}", s.Kind, s.Backup)
	case StatusFree:
		return fmt.Sprintf("%v{next: %v}", s.Kind, s.Next)
	case StatusExpunged:
		return fmt.Sprintf("%v{next: %v, owner: %d}", s.Kind, s.Next, s.Owner)
	case StatusBackup:
		return fmt.Sprintf("%v{next: %v, owner: %d, origin: %v}", s.Kind, s.Next, s.Owner, s.Origin)
	}
	return s.Kind.String()
}

// decodeStatus maps a stored header to exactly one status. Any combination
// the allocator never writes is an error.
func decodeStatus(h slotHeader) (Status, error) {
	switch h.owner {
	case TxnNeverWritten:
		if h.link.IsValid() || h.origin.IsValid() {
			return Status{}, fmt.Errorf("never-written slot with link %v origin %v", h.link, h.origin)
		}
		return Status{Kind: StatusUninitialized}, nil
	case TxnNoOwner:
		if h.origin.IsValid() {
			return Status{}, fmt.Errorf("live slot with origin %v", h.origin)
		}
		if !h.link.IsValid() {
			return Inserted(), nil
		}
		return InsertedWithBackup(h.link), nil
	case TxnFree:
		if h.origin.IsValid() {
			return Status{}, fmt.Errorf("free slot with origin %v", h.origin)
		}
		return Free(h.link), nil
	}
	if !h.origin.IsValid() {
		return Expunged(h.link, h.owner), nil
	}
	return Backup(h.link, h.owner, h.origin), nil
}

// encode is the inverse of decodeStatus.
func (s Status) encode() slotHeader {
	switch s.Kind {
	case StatusInserted:
		return slotHeader{owner: TxnNoOwner}
	case StatusInsertedWithBackup:
		return slotHeader{link: s.Backup, owner: TxnNoOwner}
	case StatusFree:
		return slotHeader{link: s.Next, owner: TxnFree}
	case StatusExpunged:
		return slotHeader{link: s.Next, owner: s.Owner}
	case StatusBackup:
		return slotHeader{link: s.Next, owner: s.Owner, origin: s.Origin}
	}
	return slotHeader{}
}
