package rpc

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"reflect"
)

type kind uint8

const (
	kindCall kind = iota + 1
	kindResult
	kindError
)

// message is the envelope exchanged on the wire. Body carries the
// encoded object graph of a call's arguments or of a reply's result.
type message struct {
	Kind   kind
	ID     uint64
	Method string
	Body   []byte
	Err    string
}

// Void is used as the argument or result type of methods that take or
// return nothing. It encodes to an empty body.
type Void struct{}

// Encode serializes a value for use as a call or reply body. Shared and
// cyclic references inside v are preserved.
func Encode(v any) ([]byte, error) {
	if _, ok := v.(Void); ok {
		return nil, nil
	}
	g, err := encodeGraph(v)
	if err != nil {
		return nil, fmt.Errorf("rpc: encode %T: %w", v, err)
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(g); err != nil {
		return nil, fmt.Errorf("rpc: encode %T: %w", v, err)
	}
	return buf.Bytes(), nil
}

// Decode deserializes a body produced by Encode into v, which must be a pointer.
func Decode(body []byte, v any) error {
	if _, ok := v.(*Void); ok {
		return nil
	}
	if len(body) == 0 {
		return nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return fmt.Errorf("rpc: decode into non-pointer %T", v)
	}
	var g graph
	if err := gob.NewDecoder(bytes.NewReader(body)).Decode(&g); err != nil {
		return fmt.Errorf("rpc: decode %T: %w", v, err)
	}
	if err := decodeGraph(&g, rv.Elem()); err != nil {
		return fmt.Errorf("rpc: decode %T: %w", v, err)
	}
	return nil
}

// Caller sends an encoded call to a remote method and waits for the encoded reply.
// Both *Channel and the worker pool implement it.
type Caller interface {
	Call(ctx context.Context, method string, body []byte) ([]byte, error)
}

// Invoke is the typed client side of a remote method.
func Invoke[A, R any](ctx context.Context, c Caller, method string, args A) (R, error) {
	var result R
	body, err := Encode(args)
	if err != nil {
		return result, err
	}
	reply, err := c.Call(ctx, method, body)
	if err != nil {
		return result, err
	}
	if err := Decode(reply, &result); err != nil {
		return result, err
	}
	return result, nil
}

// Handle adapts a typed function into a HandlerFunc served by a Channel.
func Handle[A, R any](fn func(ctx context.Context, args A) (R, error)) HandlerFunc {
	return func(ctx context.Context, body []byte) ([]byte, error) {
		var args A
		if err := Decode(body, &args); err != nil {
			return nil, err
		}
		result, err := fn(ctx, args)
		if err != nil {
			return nil, err
		}
		return Encode(result)
	}
}
