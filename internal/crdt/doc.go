// Package crdt provides the conflict-free document primitive used by the
// collaboration core.
//
// The core treats documents as opaque: it only needs "apply delta" and
// "encode full state". The default implementation here is an op-set text
// CRDT whose merge is associative, commutative, and idempotent under
// re-application of already-seen deltas.
package crdt

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Document is the opaque replicated document contract.
//
// EncodeState must return a valid delta: applying it to an empty document
// reproduces the full state, so a joiner can initialize its replica without
// replaying history.
type Document interface {
	ApplyDelta(delta []byte) error
	EncodeState() []byte
	Len() int
}

// Factory constructs an empty Document. Sessions call it lazily on first join.
type Factory func() Document

// ErrMalformedDelta is returned when a delta cannot be decoded or contains
// structurally invalid operations.
var ErrMalformedDelta = errors.New("crdt: malformed delta")

// Action constants (wire-stable within deltas).
const (
	ActionInsert = "insert"
	ActionDelete = "delete"
)

// OpID uniquely identifies an operation by originating peer and its
// per-peer logical clock.
type OpID struct {
	Peer  string `json:"peer"`
	Clock uint64 `json:"clock"`
}

func (id OpID) key() string { return fmt.Sprintf("%s/%d", id.Peer, id.Clock) }

func (id OpID) less(other OpID) bool {
	if id.Peer != other.Peer {
		return id.Peer < other.Peer
	}
	return id.Clock < other.Clock
}

// Op is a single replicated edit.
//
// Inserts carry a value and a dense position path; deletes reference the
// target insert by ID. Concurrent inserts at the same path are ordered by
// OpID, which keeps the merge deterministic on every replica.
type Op struct {
	Action   string `json:"action"`
	ID       OpID   `json:"id"`
	Value    string `json:"value,omitempty"`
	Position []int  `json:"position,omitempty"`
	Target   *OpID  `json:"target,omitempty"`
}

type delta struct {
	Ops []Op `json:"ops"`
}

// EncodeDelta packs operations into the transmissible delta format.
func EncodeDelta(ops []Op) ([]byte, error) {
	return json.Marshal(delta{Ops: ops})
}

type charState struct {
	op      Op
	deleted bool
}

// TextDoc is the default Document implementation: a tombstoned op-set of
// characters ordered by position path.
type TextDoc struct {
	mu      sync.RWMutex
	chars   map[string]*charState // insert op key -> state
	deletes map[string]Op         // delete op key -> op (kept for state encoding)
}

// NewTextDoc returns an empty text document.
func NewTextDoc() *TextDoc {
	return &TextDoc{
		chars:   make(map[string]*charState),
		deletes: make(map[string]Op),
	}
}

// NewDocument is the Factory for the default implementation.
func NewDocument() Document { return NewTextDoc() }

// ApplyDelta merges a delta into the document. Already-seen operations are
// no-ops. A decode or validation failure leaves the document unchanged.
func (d *TextDoc) ApplyDelta(raw []byte) error {
	var dec delta
	if err := json.Unmarshal(raw, &dec); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedDelta, err)
	}
	for _, op := range dec.Ops {
		if err := validateOp(op); err != nil {
			return err
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for _, op := range dec.Ops {
		switch op.Action {
		case ActionInsert:
			k := op.ID.key()
			if _, ok := d.chars[k]; ok {
				continue
			}
			d.chars[k] = &charState{op: op}
			// A delete may have arrived before its insert.
			for _, del := range d.deletes {
				if del.Target != nil && *del.Target == op.ID {
					d.chars[k].deleted = true
				}
			}
		case ActionDelete:
			k := op.ID.key()
			if _, ok := d.deletes[k]; ok {
				continue
			}
			d.deletes[k] = op
			if st, ok := d.chars[op.Target.key()]; ok {
				st.deleted = true
			}
		}
	}
	return nil
}

func validateOp(op Op) error {
	switch op.Action {
	case ActionInsert:
		if op.ID.Peer == "" || op.Value == "" || len(op.Position) == 0 {
			return fmt.Errorf("%w: incomplete insert op", ErrMalformedDelta)
		}
	case ActionDelete:
		if op.ID.Peer == "" || op.Target == nil || op.Target.Peer == "" {
			return fmt.Errorf("%w: incomplete delete op", ErrMalformedDelta)
		}
	default:
		return fmt.Errorf("%w: unknown action %q", ErrMalformedDelta, op.Action)
	}
	return nil
}

// EncodeState returns the complete op set as a single delta.
func (d *TextDoc) EncodeState() []byte {
	d.mu.RLock()
	ops := make([]Op, 0, len(d.chars)+len(d.deletes))
	for _, st := range d.chars {
		ops = append(ops, st.op)
	}
	for _, del := range d.deletes {
		ops = append(ops, del)
	}
	d.mu.RUnlock()

	// Deterministic encoding regardless of arrival order.
	sort.Slice(ops, func(i, j int) bool {
		if ops[i].Action != ops[j].Action {
			return ops[i].Action < ops[j].Action
		}
		return ops[i].ID.less(ops[j].ID)
	})

	raw, err := EncodeDelta(ops)
	if err != nil {
		// Ops round-trip through json.Unmarshal, so this cannot fail.
		return []byte(`{"ops":[]}`)
	}
	return raw
}

// Len returns the number of visible (non-tombstoned) characters.
func (d *TextDoc) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	n := 0
	for _, st := range d.chars {
		if !st.deleted {
			n++
		}
	}
	return n
}

// Text materializes the document as a string, ordering characters by
// position path with OpID as the tiebreaker.
func (d *TextDoc) Text() string {
	d.mu.RLock()
	visible := make([]Op, 0, len(d.chars))
	for _, st := range d.chars {
		if !st.deleted {
			visible = append(visible, st.op)
		}
	}
	d.mu.RUnlock()

	sort.Slice(visible, func(i, j int) bool {
		return comparePositions(visible[i], visible[j])
	})

	var b strings.Builder
	for _, op := range visible {
		b.WriteString(op.Value)
	}
	return b.String()
}

func comparePositions(a, b Op) bool {
	pa, pb := a.Position, b.Position
	for i := 0; i < len(pa) && i < len(pb); i++ {
		if pa[i] != pb[i] {
			return pa[i] < pb[i]
		}
	}
	if len(pa) != len(pb) {
		return len(pa) < len(pb)
	}
	return a.ID.less(b.ID)
}
