package crdt

import (
	"errors"
	"strings"
	"testing"
)

func insertOp(peer string, clock uint64, value string, pos ...int) Op {
	return Op{Action: ActionInsert, ID: OpID{Peer: peer, Clock: clock}, Value: value, Position: pos}
}

func deleteOp(peer string, clock uint64, target OpID) Op {
	return Op{Action: ActionDelete, ID: OpID{Peer: peer, Clock: clock}, Target: &target}
}

func mustDelta(t *testing.T, ops ...Op) []byte {
	t.Helper()
	raw, err := EncodeDelta(ops)
	if err != nil {
		t.Fatalf("encode delta: %v", err)
	}
	return raw
}

func TestEncodeDeltaTargetOnlyOnDeletes(t *testing.T) {
	t.Parallel()

	ins := mustDelta(t, insertOp("a", 1, "x", 10))
	if strings.Contains(string(ins), `"target"`) {
		t.Fatalf("insert op serialized a target field: %s", ins)
	}

	del := mustDelta(t, deleteOp("a", 2, OpID{Peer: "a", Clock: 1}))
	if !strings.Contains(string(del), `"target"`) {
		t.Fatalf("delete op lost its target field: %s", del)
	}
}

func TestTextDoc_InsertOrdering(t *testing.T) {
	t.Parallel()

	d := NewTextDoc()
	if err := d.ApplyDelta(mustDelta(t,
		insertOp("a", 2, "i", 20),
		insertOp("a", 1, "h", 10),
		insertOp("a", 3, "!", 30),
	)); err != nil {
		t.Fatalf("apply: %v", err)
	}

	if got := d.Text(); got != "hi!" {
		t.Fatalf("expected %q, got %q", "hi!", got)
	}
	if got := d.Len(); got != 3 {
		t.Fatalf("expected len=3, got %d", got)
	}
}

func TestTextDoc_ReapplyIsNoop(t *testing.T) {
	t.Parallel()

	d := NewTextDoc()
	delta := mustDelta(t,
		insertOp("a", 1, "x", 10),
		insertOp("a", 2, "y", 20),
		deleteOp("a", 3, OpID{Peer: "a", Clock: 2}),
	)

	if err := d.ApplyDelta(delta); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	before := string(d.EncodeState())

	for i := 0; i < 3; i++ {
		if err := d.ApplyDelta(delta); err != nil {
			t.Fatalf("re-apply %d: %v", i, err)
		}
	}

	if after := string(d.EncodeState()); after != before {
		t.Fatalf("re-application changed state:\nbefore=%s\nafter=%s", before, after)
	}
	if got := d.Text(); got != "x" {
		t.Fatalf("expected %q, got %q", "x", got)
	}
}

func TestTextDoc_CommutativeMerge(t *testing.T) {
	t.Parallel()

	d1 := mustDelta(t, insertOp("a", 1, "a", 10))
	d2 := mustDelta(t, insertOp("b", 1, "b", 20))
	d3 := mustDelta(t, deleteOp("b", 2, OpID{Peer: "a", Clock: 1}))

	orders := [][][]byte{
		{d1, d2, d3},
		{d3, d2, d1}, // delete arrives before its insert
		{d2, d1, d3},
	}

	var want string
	for i, order := range orders {
		d := NewTextDoc()
		for _, raw := range order {
			if err := d.ApplyDelta(raw); err != nil {
				t.Fatalf("order %d apply: %v", i, err)
			}
		}
		got := string(d.EncodeState())
		if i == 0 {
			want = got
			if txt := d.Text(); txt != "b" {
				t.Fatalf("expected text %q, got %q", "b", txt)
			}
			continue
		}
		if got != want {
			t.Fatalf("order %d diverged:\nwant=%s\ngot=%s", i, want, got)
		}
	}
}

func TestTextDoc_ConcurrentSamePositionIsDeterministic(t *testing.T) {
	t.Parallel()

	a := mustDelta(t, insertOp("alice", 1, "A", 10))
	b := mustDelta(t, insertOp("bob", 1, "B", 10))

	d1 := NewTextDoc()
	d2 := NewTextDoc()
	for _, raw := range [][]byte{a, b} {
		if err := d1.ApplyDelta(raw); err != nil {
			t.Fatalf("d1 apply: %v", err)
		}
	}
	for _, raw := range [][]byte{b, a} {
		if err := d2.ApplyDelta(raw); err != nil {
			t.Fatalf("d2 apply: %v", err)
		}
	}

	if d1.Text() != d2.Text() {
		t.Fatalf("replicas diverged: %q vs %q", d1.Text(), d2.Text())
	}
	if d1.Text() != "AB" {
		t.Fatalf("expected OpID tiebreak order %q, got %q", "AB", d1.Text())
	}
}

func TestTextDoc_StateInitializesFreshReplica(t *testing.T) {
	t.Parallel()

	src := NewTextDoc()
	if err := src.ApplyDelta(mustDelta(t,
		insertOp("a", 1, "g", 10),
		insertOp("a", 2, "o", 20),
		deleteOp("b", 1, OpID{Peer: "a", Clock: 2}),
	)); err != nil {
		t.Fatalf("apply: %v", err)
	}

	joiner := NewTextDoc()
	if err := joiner.ApplyDelta(src.EncodeState()); err != nil {
		t.Fatalf("apply state: %v", err)
	}

	if joiner.Text() != src.Text() {
		t.Fatalf("joiner state %q != source state %q", joiner.Text(), src.Text())
	}
}

func TestTextDoc_MalformedDelta(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		raw  []byte
	}{
		{"not json", []byte("{nope")},
		{"unknown action", mustDelta(t, Op{Action: "swap", ID: OpID{Peer: "a", Clock: 1}})},
		{"insert without position", mustDelta(t, Op{Action: ActionInsert, ID: OpID{Peer: "a", Clock: 1}, Value: "x"})},
		{"delete without target", mustDelta(t, Op{Action: ActionDelete, ID: OpID{Peer: "a", Clock: 1}})},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			d := NewTextDoc()
			if err := d.ApplyDelta(tc.raw); !errors.Is(err, ErrMalformedDelta) {
				t.Fatalf("expected ErrMalformedDelta, got %v", err)
			}
			if d.Len() != 0 {
				t.Fatalf("malformed delta mutated document: len=%d", d.Len())
			}
		})
	}
}
