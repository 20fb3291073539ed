package app

import (
	"bytes"
	"testing"
)

func TestCounter(t *testing.T) {
	state := []byte("0")
	for want := int64(0); want < 5; want++ {
		var out []byte
		state, out = Counter(state, nil)
		if got := CounterValue(out); got != want {
			t.Errorf("output: got %d, want %d", got, want)
		}
	}
	if got := CounterValue(state); got != 5 {
		t.Errorf("final state: got %d, want 5", got)
	}
}

func TestCounterEmptyState(t *testing.T) {
	state, out := Counter(nil, []byte("ignored"))
	if string(out) != "0" || string(state) != "1" {
		t.Errorf("got state %q output %q, want 1 and 0", state, out)
	}
}

func TestKV(t *testing.T) {
	var state []byte
	apply := func(op Op) Result {
		var out []byte
		state, out = KV(state, op.Encode())
		r, err := DecodeResult(out)
		if err != nil {
			t.Fatalf("%v: %v", op, err)
		}
		return r
	}

	if r := apply(GetOp("a")); r.Found {
		t.Errorf("get on empty store: %+v", r)
	}
	if r := apply(PutOp("a", "1")); r.Found {
		t.Errorf("first put reported a previous value: %+v", r)
	}
	if r := apply(PutOp("a", "2")); !r.Found || r.Value != "1" {
		t.Errorf("second put: got %+v, want previous value 1", r)
	}
	if r := apply(GetOp("a")); !r.Found || r.Value != "2" {
		t.Errorf("get: got %+v, want 2", r)
	}
	if r := apply(DeleteOp("a")); !r.Found || r.Value != "2" {
		t.Errorf("delete: got %+v", r)
	}
	if got := KVData(state); len(got) != 0 {
		t.Errorf("store not empty after delete: %v", got)
	}
}

func TestKVIsDeterministic(t *testing.T) {
	ops := []Op{PutOp("b", "2"), PutOp("a", "1"), PutOp("c", "3"), DeleteOp("b")}
	var s1, s2 []byte
	for _, op := range ops {
		s1, _ = KV(s1, op.Encode())
	}
	for _, op := range ops {
		s2, _ = KV(s2, op.Encode())
	}
	if !bytes.Equal(s1, s2) {
		t.Errorf("states differ: %s vs %s", s1, s2)
	}
}

func TestKVBadCommand(t *testing.T) {
	state := []byte(`{"a":"1"}`)
	next, out := KV(state, []byte("not json"))
	if !bytes.Equal(next, state) {
		t.Errorf("state changed on bad command: %s", next)
	}
	r, err := DecodeResult(out)
	if err != nil || r.Err == "" {
		t.Errorf("expected an error result, got %+v (%v)", r, err)
	}
}
