// Package app holds state machines a cluster can replicate. Each is a pure
// function over a serialized state, so every replica that applies the same
// inputs in the same order ends up byte-for-byte identical.
package app

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Counter is the increment machine: the state is a decimal integer, every
// input adds one and the output is the value before the increment.
func Counter(state, _ []byte) (newState, output []byte) {
	n := CounterValue(state)
	return []byte(strconv.FormatInt(n+1, 10)), []byte(strconv.FormatInt(n, 10))
}

// CounterValue decodes a counter state. An empty or unreadable state is 0.
func CounterValue(state []byte) int64 {
	n, err := strconv.ParseInt(string(state), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

type OpType int

const (
	GET OpType = iota
	PUT
	DELETE
)

func (o OpType) String() string {
	switch o {
	case GET:
		return "GET"
	case PUT:
		return "PUT"
	case DELETE:
		return "DELETE"
	default:
		return "ERROR"
	}
}

// Op is one key/value store command.
type Op struct {
	T OpType `json:"op"`
	K string `json:"key"`
	V string `json:"value,omitempty"`
}

func (o Op) Encode() []byte {
	b, _ := json.Marshal(o)
	return b
}

func GetOp(k string) Op { return Op{T: GET, K: k} }

func PutOp(k, v string) Op { return Op{T: PUT, K: k, V: v} }

func DeleteOp(k string) Op { return Op{T: DELETE, K: k} }

// Result is the output of a key/value command.
type Result struct {
	Value string `json:"value,omitempty"`
	Found bool   `json:"found"`
	Err   string `json:"error,omitempty"`
}

func DecodeResult(b []byte) (Result, error) {
	var r Result
	if err := json.Unmarshal(b, &r); err != nil {
		return Result{}, fmt.Errorf("decode result: %w", err)
	}
	return r, nil
}

// KV is an in-memory key/value store whose state is the JSON encoding of its
// map. PUT and DELETE report the previous value.
func KV(state, input []byte) (newState, output []byte) {
	data := KVData(state)
	var op Op
	if err := json.Unmarshal(input, &op); err != nil {
		return state, encodeResult(Result{Err: fmt.Sprintf("bad command: %v", err)})
	}

	prev, found := data[op.K]
	switch op.T {
	case GET:
		return state, encodeResult(Result{Value: prev, Found: found})
	case PUT:
		data[op.K] = op.V
	case DELETE:
		delete(data, op.K)
	default:
		return state, encodeResult(Result{Err: fmt.Sprintf("invalid operation %v", op.T)})
	}
	return encodeKV(data), encodeResult(Result{Value: prev, Found: found})
}

// KVData decodes a key/value state. An empty state is an empty store.
func KVData(state []byte) map[string]string {
	data := make(map[string]string)
	if len(state) > 0 {
		_ = json.Unmarshal(state, &data)
	}
	return data
}

// encodeKV relies on encoding/json writing map keys in sorted order.
func encodeKV(data map[string]string) []byte {
	b, _ := json.Marshal(data)
	return b
}

func encodeResult(r Result) []byte {
	b, _ := json.Marshal(r)
	return b
}
