// Package stats carries per-edge byte counters from the engine to whatever
// wants them: the stdout line emitter, the in-memory history ring, and the
// optional Redis publisher all implement Reporter.
package stats

import (
	"encoding/json"
	"fmt"
	"io"
)

// Snapshot maps edge ids to their current spliced-byte totals.
type Snapshot map[string]int64

// Marshal serializes a snapshot as the canonical one-line JSON object.
func (s Snapshot) Marshal() ([]byte, error) {
	return json.Marshal(map[string]int64(s))
}

// Reporter consumes one stats snapshot per tick.
type Reporter interface {
	Emit(Snapshot) error
}

// LineWriter emits each snapshot as a single JSON line.
type LineWriter struct {
	W io.Writer
}

func (lw *LineWriter) Emit(s Snapshot) error {
	b, err := s.Marshal()
	if err != nil {
		return fmt.Errorf("stats: %w", err)
	}
	if _, err := lw.W.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("stats: %w", err)
	}
	return nil
}

// Multi fans a snapshot out to several reporters. Every reporter sees the
// snapshot; the first error is returned.
type Multi []Reporter

func (m Multi) Emit(s Snapshot) error {
	var first error
	for _, r := range m {
		if err := r.Emit(s); err != nil && first == nil {
			first = err
		}
	}
	return first
}
