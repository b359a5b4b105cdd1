package slotstore

import (
	"errors"
	"fmt"

	"github.com/sushant-115/gojostore/core/storage_engine/objectid"
)

var (
	ErrInvalidArgument = errors.New("slotstore: invalid argument")
	ErrNotFound        = errors.New("slotstore: object not found")
	ErrExpunged        = errors.New("slotstore: object is expunged")
	ErrRecordBusy      = errors.New("slotstore: object is held by another active transaction")
	ErrEndOfScan       = errors.New("slotstore: end of scan")
	ErrCorrupted       = errors.New("slotstore: corrupted slot file")
	ErrClosed          = errors.New("slotstore: store is closed")
)

// CorruptionError reports a slot whose stored state contradicts what an
// operation requires. It is only returned after the attached pages have
// been discarded.
type CorruptionError struct {
	Op     string
	Object objectid.ObjectID
	Status Status
	Reason string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("slotstore: %s on %v (%v): %s", e.Op, e.Object, e.Status, e.Reason)
}

func (e *CorruptionError) Unwrap() error { return ErrCorrupted }

func corrupt(op string, loc objectid.ObjectID, st Status, format string, args ...any) error {
	return &CorruptionError{Op: op, Object: loc, Status: st, Reason: fmt.Sprintf(format, args...)}
}
