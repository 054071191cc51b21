package rpc

import (
	"encoding"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"
)

// Bodies are encoded as an object graph: pointers, maps and non-empty
// slices become references into a table of objects, so shared and cyclic
// values survive the trip and keep their identity. The graph itself is
// acyclic and is written with gob.

type nodeKind uint8

const (
	nodeNil nodeKind = iota
	nodeBool
	nodeInt
	nodeUint
	nodeFloat
	nodeComplex
	nodeString
	nodeBinary
	nodeRef
	nodeList
	nodeStruct
	nodeMap
	nodeIface
)

type node struct {
	K     nodeKind
	I     int64
	U     uint64
	F     float64
	C     complex128
	S     string
	B     []byte
	Ref   int
	Elems []node
	Names []string
}

type graph struct {
	Root    node
	Objects []node
}

var ErrUnregisteredType = errors.New("rpc: type not registered")

var (
	typesMu sync.RWMutex
	types   = make(map[string]reflect.Type)

	binaryMarshalerType   = reflect.TypeFor[encoding.BinaryMarshaler]()
	binaryUnmarshalerType = reflect.TypeFor[encoding.BinaryUnmarshaler]()
)

// Register makes the concrete type of v, and a pointer to it, usable
// inside interface values. Both ends of a channel must register the same
// types, typically from an init function.
func Register(v any) {
	t := reflect.TypeOf(v)
	typesMu.Lock()
	defer typesMu.Unlock()
	types[t.String()] = t
	types[reflect.PointerTo(t).String()] = reflect.PointerTo(t)
}

func lookupType(name string) (reflect.Type, bool) {
	typesMu.RLock()
	defer typesMu.RUnlock()
	t, ok := types[name]
	return t, ok
}

func init() {
	for _, v := range []any{
		false, "", []byte(nil),
		0, int8(0), int16(0), int32(0), int64(0),
		uint(0), uint8(0), uint16(0), uint32(0), uint64(0),
		float32(0), float64(0), complex64(0), complex128(0),
		[]any(nil), map[string]any(nil), []string(nil), map[string]string(nil),
		time.Time{}, time.Duration(0),
	} {
		Register(v)
	}
}

type refKey struct {
	ptr uintptr
	n   int
	t   reflect.Type
}

type encodeWork struct {
	id       int
	v        reflect.Value
	contents bool
}

type graphEncoder struct {
	ids     map[refKey]int
	objects []node
	queue   []encodeWork
}

func encodeGraph(v any) (*graph, error) {
	e := &graphEncoder{ids: make(map[refKey]int)}
	g := &graph{}
	if v != nil {
		root, err := e.value(reflect.ValueOf(v))
		if err != nil {
			return nil, err
		}
		g.Root = root
	}
	for len(e.queue) > 0 {
		w := e.queue[0]
		e.queue = e.queue[1:]
		var (
			n   node
			err error
		)
		if w.contents {
			n, err = e.contents(w.v)
		} else {
			n, err = e.value(w.v)
		}
		if err != nil {
			return nil, err
		}
		e.objects[w.id-1] = n
	}
	g.Objects = e.objects
	return g, nil
}

// ref returns the 1-based object id of key, queueing v the first time.
func (e *graphEncoder) ref(key refKey, v reflect.Value, contents bool) node {
	id, ok := e.ids[key]
	if !ok {
		e.objects = append(e.objects, node{})
		id = len(e.objects)
		e.ids[key] = id
		e.queue = append(e.queue, encodeWork{id: id, v: v, contents: contents})
	}
	return node{K: nodeRef, Ref: id}
}

func (e *graphEncoder) value(v reflect.Value) (node, error) {
	t := v.Type()
	if k := v.Kind(); k != reflect.Pointer && k != reflect.Interface && t.Implements(binaryMarshalerType) {
		b, err := v.Interface().(encoding.BinaryMarshaler).MarshalBinary()
		if err != nil {
			return node{}, fmt.Errorf("rpc: marshal %s: %w", t, err)
		}
		return node{K: nodeBinary, B: b}, nil
	}

	switch v.Kind() {
	case reflect.Bool:
		return node{K: nodeBool, U: boolToUint(v.Bool())}, nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return node{K: nodeInt, I: v.Int()}, nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return node{K: nodeUint, U: v.Uint()}, nil
	case reflect.Float32, reflect.Float64:
		return node{K: nodeFloat, F: v.Float()}, nil
	case reflect.Complex64, reflect.Complex128:
		return node{K: nodeComplex, C: v.Complex()}, nil
	case reflect.String:
		return node{K: nodeString, S: v.String()}, nil

	case reflect.Pointer:
		if v.IsNil() {
			return node{}, nil
		}
		return e.ref(refKey{ptr: v.Pointer(), t: t}, v.Elem(), false), nil

	case reflect.Map:
		if v.IsNil() {
			return node{}, nil
		}
		return e.ref(refKey{ptr: v.Pointer(), n: -1, t: t}, v, true), nil

	case reflect.Slice:
		switch {
		case v.IsNil():
			return node{}, nil
		case t.Elem().Kind() == reflect.Uint8:
			return node{K: nodeBinary, B: v.Bytes()}, nil
		case v.Len() == 0:
			return node{K: nodeList}, nil
		}
		return e.ref(refKey{ptr: v.Pointer(), n: v.Len(), t: t}, v, true), nil

	case reflect.Array:
		return e.contents(v)

	case reflect.Struct:
		n := node{K: nodeStruct}
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() {
				continue
			}
			fn, err := e.value(v.Field(i))
			if err != nil {
				return node{}, fmt.Errorf("%s.%s: %w", t, f.Name, err)
			}
			n.Names = append(n.Names, f.Name)
			n.Elems = append(n.Elems, fn)
		}
		return n, nil

	case reflect.Interface:
		if v.IsNil() {
			return node{}, nil
		}
		inner := v.Elem()
		name := inner.Type().String()
		if _, ok := lookupType(name); !ok {
			return node{}, fmt.Errorf("%w: %s", ErrUnregisteredType, name)
		}
		in, err := e.value(inner)
		if err != nil {
			return node{}, err
		}
		return node{K: nodeIface, S: name, Elems: []node{in}}, nil
	}
	return node{}, fmt.Errorf("rpc: cannot encode values of type %s", t)
}

// contents encodes the elements of a slice, array or map.
func (e *graphEncoder) contents(v reflect.Value) (node, error) {
	if v.Kind() == reflect.Map {
		n := node{K: nodeMap, Elems: make([]node, 0, 2*v.Len())}
		iter := v.MapRange()
		for iter.Next() {
			k, err := e.value(iter.Key())
			if err != nil {
				return node{}, err
			}
			val, err := e.value(iter.Value())
			if err != nil {
				return node{}, err
			}
			n.Elems = append(n.Elems, k, val)
		}
		return n, nil
	}
	n := node{K: nodeList, Elems: make([]node, v.Len())}
	for i := range n.Elems {
		en, err := e.value(v.Index(i))
		if err != nil {
			return node{}, err
		}
		n.Elems[i] = en
	}
	return n, nil
}

func boolToUint(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

type graphDecoder struct {
	g     *graph
	objs  []reflect.Value
	queue []func() error
}

// decodeGraph stores the value described by g into v, which must be settable.
func decodeGraph(g *graph, v reflect.Value) error {
	d := &graphDecoder{g: g, objs: make([]reflect.Value, len(g.Objects))}
	if err := d.value(g.Root, v); err != nil {
		return err
	}
	for len(d.queue) > 0 {
		fill := d.queue[0]
		d.queue = d.queue[1:]
		if err := fill(); err != nil {
			return err
		}
	}
	return nil
}

func (d *graphDecoder) mismatch(n node, t reflect.Type) error {
	return fmt.Errorf("rpc: cannot decode node of kind %d into %s", n.K, t)
}

// object returns the shared value behind ref, creating it on first use.
func (d *graphDecoder) object(n node, t reflect.Type) (reflect.Value, error) {
	if n.K != nodeRef {
		return reflect.Value{}, d.mismatch(n, t)
	}
	if n.Ref < 1 || n.Ref > len(d.g.Objects) {
		return reflect.Value{}, fmt.Errorf("rpc: object reference %d out of range", n.Ref)
	}
	i := n.Ref - 1
	if obj := d.objs[i]; obj.IsValid() {
		if obj.Type() != t {
			return reflect.Value{}, fmt.Errorf("rpc: object %d is a %s, not a %s", n.Ref, obj.Type(), t)
		}
		return obj, nil
	}

	body := d.g.Objects[i]
	var obj reflect.Value
	switch t.Kind() {
	case reflect.Pointer:
		obj = reflect.New(t.Elem())
		d.queue = append(d.queue, func() error { return d.value(body, obj.Elem()) })
	case reflect.Map:
		if body.K != nodeMap || len(body.Elems)%2 != 0 {
			return reflect.Value{}, d.mismatch(body, t)
		}
		obj = reflect.MakeMapWithSize(t, len(body.Elems)/2)
		d.queue = append(d.queue, func() error { return d.fillMap(body, obj) })
	case reflect.Slice:
		if body.K != nodeList {
			return reflect.Value{}, d.mismatch(body, t)
		}
		obj = reflect.MakeSlice(t, len(body.Elems), len(body.Elems))
		d.queue = append(d.queue, func() error { return d.fillList(body, obj) })
	default:
		return reflect.Value{}, d.mismatch(n, t)
	}
	d.objs[i] = obj
	return obj, nil
}

func (d *graphDecoder) fillMap(n node, m reflect.Value) error {
	t := m.Type()
	for i := 0; i < len(n.Elems); i += 2 {
		k := reflect.New(t.Key()).Elem()
		if err := d.value(n.Elems[i], k); err != nil {
			return err
		}
		val := reflect.New(t.Elem()).Elem()
		if err := d.value(n.Elems[i+1], val); err != nil {
			return err
		}
		m.SetMapIndex(k, val)
	}
	return nil
}

func (d *graphDecoder) fillList(n node, list reflect.Value) error {
	if len(n.Elems) > list.Len() {
		return fmt.Errorf("rpc: %d elements do not fit into %s", len(n.Elems), list.Type())
	}
	for i, en := range n.Elems {
		if err := d.value(en, list.Index(i)); err != nil {
			return err
		}
	}
	return nil
}

func (d *graphDecoder) value(n node, v reflect.Value) error {
	t := v.Type()
	if n.K == nodeNil {
		v.SetZero()
		return nil
	}
	if n.K == nodeBinary && reflect.PointerTo(t).Implements(binaryUnmarshalerType) {
		if err := v.Addr().Interface().(encoding.BinaryUnmarshaler).UnmarshalBinary(n.B); err != nil {
			return fmt.Errorf("rpc: unmarshal %s: %w", t, err)
		}
		return nil
	}

	switch t.Kind() {
	case reflect.Bool:
		if n.K != nodeBool {
			return d.mismatch(n, t)
		}
		v.SetBool(n.U != 0)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if n.K != nodeInt || v.OverflowInt(n.I) {
			return d.mismatch(n, t)
		}
		v.SetInt(n.I)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		if n.K != nodeUint || v.OverflowUint(n.U) {
			return d.mismatch(n, t)
		}
		v.SetUint(n.U)
	case reflect.Float32, reflect.Float64:
		if n.K != nodeFloat {
			return d.mismatch(n, t)
		}
		v.SetFloat(n.F)
	case reflect.Complex64, reflect.Complex128:
		if n.K != nodeComplex {
			return d.mismatch(n, t)
		}
		v.SetComplex(n.C)
	case reflect.String:
		if n.K != nodeString {
			return d.mismatch(n, t)
		}
		v.SetString(n.S)

	case reflect.Pointer, reflect.Map:
		obj, err := d.object(n, t)
		if err != nil {
			return err
		}
		v.Set(obj)

	case reflect.Slice:
		switch n.K {
		case nodeBinary:
			if t.Elem().Kind() != reflect.Uint8 {
				return d.mismatch(n, t)
			}
			b := reflect.MakeSlice(t, len(n.B), len(n.B))
			reflect.Copy(b, reflect.ValueOf(n.B))
			v.Set(b)
		case nodeList:
			list := reflect.MakeSlice(t, len(n.Elems), len(n.Elems))
			if err := d.fillList(n, list); err != nil {
				return err
			}
			v.Set(list)
		default:
			obj, err := d.object(n, t)
			if err != nil {
				return err
			}
			v.Set(obj)
		}

	case reflect.Array:
		if n.K != nodeList {
			return d.mismatch(n, t)
		}
		return d.fillList(n, v)

	case reflect.Struct:
		if n.K != nodeStruct || len(n.Names) != len(n.Elems) {
			return d.mismatch(n, t)
		}
		for i, name := range n.Names {
			f := v.FieldByName(name)
			if !f.IsValid() || !f.CanSet() {
				continue
			}
			if err := d.value(n.Elems[i], f); err != nil {
				return fmt.Errorf("%s.%s: %w", t, name, err)
			}
		}

	case reflect.Interface:
		if n.K != nodeIface || len(n.Elems) != 1 {
			return d.mismatch(n, t)
		}
		ct, ok := lookupType(n.S)
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnregisteredType, n.S)
		}
		if !ct.Implements(t) {
			return fmt.Errorf("rpc: %s does not implement %s", ct, t)
		}
		inner := reflect.New(ct).Elem()
		if err := d.value(n.Elems[0], inner); err != nil {
			return err
		}
		v.Set(inner)

	default:
		return fmt.Errorf("rpc: cannot decode into %s", t)
	}
	return nil
}
