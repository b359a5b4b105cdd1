// Package common holds what the storage components share for consistency
// checking: mismatch severities, the sink verification reports to, and the
// scan throttle.
package common

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sushant-115/gojostore/core/storage_engine/objectid"
)

// ErrVerifyAborted is returned by a sink that wants verification to stop.
var ErrVerifyAborted = errors.New("verification aborted")

type Severity int

const (
	// SeverityInconsistent marks redundant state that disagrees but can be
	// recomputed, such as a stale object count.
	SeverityInconsistent Severity = iota
	// SeverityFatal marks structural damage: broken links, impossible
	// slot states, chains whose sizes do not add up.
	SeverityFatal
)

func (s Severity) String() string {
	switch s {
	case SeverityInconsistent:
		return "inconsistent"
	case SeverityFatal:
		return "fatal"
	}
	return fmt.Sprintf("severity(%d)", int(s))
}

// Mismatch is one finding of a verification pass.
type Mismatch struct {
	Severity  Severity
	Component string
	Object    objectid.ObjectID
	Message   string
}

func (m Mismatch) String() string {
	return fmt.Sprintf("[%s] %s %v: %s", m.Severity, m.Component, m.Object, m.Message)
}

// VerifySink receives verification findings and progress. Report returning
// an error stops the pass; that error is returned to the caller.
type VerifySink interface {
	Report(m Mismatch) error
	Progress(stage string, done, total uint64)
}

// CollectingSink records every mismatch. Unless BestEffort is set it stops
// the pass at the first fatal one.
type CollectingSink struct {
	BestEffort bool

	mu         sync.Mutex
	mismatches []Mismatch
}

func (c *CollectingSink) Report(m Mismatch) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mismatches = append(c.mismatches, m)
	if m.Severity == SeverityFatal && !c.BestEffort {
		return fmt.Errorf("%w: %v", ErrVerifyAborted, m)
	}
	return nil
}

func (c *CollectingSink) Progress(string, uint64, uint64) {}

func (c *CollectingSink) Mismatches() []Mismatch {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Mismatch(nil), c.mismatches...)
}

// Count returns how many mismatches of severity s were reported.
func (c *CollectingSink) Count(s Severity) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, m := range c.mismatches {
		if m.Severity == s {
			n++
		}
	}
	return n
}
