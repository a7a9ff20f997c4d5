package server

import (
	"context"
	"reflect"
	"strconv"
	"sync"
)

// methodType is the invocation adapter for one exported method.
type methodType struct {
	method    reflect.Method
	hasCtx    bool           // First parameter after the receiver is a context.Context
	ArgTypes  []reflect.Type // Parameters the caller supplies, in order
	variadic  bool
	hasResult bool // Returns a value
	hasError  bool // Last result is an error
}

// methodTable maps method name → adapter for one exported type.
type methodTable map[string]*methodType

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()

	// tables caches one methodTable per reflect.Type, built the first time
	// a value of that type is exported.
	tables sync.Map
)

// methodsOf returns the method table for typ, scanning it once.
//
// Eligible methods are the exported ones with one of these result shapes:
//
//	func (r *T) M(args...)
//	func (r *T) M(args...) error
//	func (r *T) M(args...) V
//	func (r *T) M(args...) (V, error)
//
// An optional leading context.Context parameter receives the dispatch
// context and does not count toward the method's arity.
func methodsOf(typ reflect.Type) methodTable {
	if cached, ok := tables.Load(typ); ok {
		return cached.(methodTable)
	}

	table := make(methodTable)
	for i := 0; i < typ.NumMethod(); i++ {
		method := typ.Method(i)
		if mt := newMethodType(method); mt != nil {
			table[method.Name] = mt
		}
	}

	actual, _ := tables.LoadOrStore(typ, table)
	return actual.(methodTable)
}

func newMethodType(method reflect.Method) *methodType {
	if !method.IsExported() {
		return nil
	}
	ft := method.Type
	mt := &methodType{method: method, variadic: ft.IsVariadic()}

	in := 1 // skip receiver
	if ft.NumIn() > in && ft.In(in) == contextType {
		mt.hasCtx = true
		in++
	}
	for ; in < ft.NumIn(); in++ {
		mt.ArgTypes = append(mt.ArgTypes, ft.In(in))
	}

	switch ft.NumOut() {
	case 0:
	case 1:
		if ft.Out(0) == errorType {
			mt.hasError = true
		} else {
			mt.hasResult = true
		}
	case 2:
		if ft.Out(1) != errorType {
			return nil
		}
		mt.hasResult = true
		mt.hasError = true
	default:
		return nil
	}
	return mt
}

// acceptsArgs reports whether n caller arguments fit the method.
func (m *methodType) acceptsArgs(n int) bool {
	if m.variadic {
		return n >= len(m.ArgTypes)-1
	}
	return n == len(m.ArgTypes)
}

// argType returns the type the i-th caller argument must decode into.
func (m *methodType) argType(i int) reflect.Type {
	last := len(m.ArgTypes) - 1
	if m.variadic && i >= last {
		return m.ArgTypes[last].Elem()
	}
	return m.ArgTypes[i]
}

// arity describes the expected argument count for error messages.
func (m *methodType) arity() string {
	if m.variadic {
		return "at least " + strconv.Itoa(len(m.ArgTypes)-1)
	}
	return strconv.Itoa(len(m.ArgTypes))
}

// Call invokes the method on rcvr. The returned value is valid only when
// hasResult is set.
func (m *methodType) Call(ctx context.Context, rcvr reflect.Value, args []reflect.Value) (reflect.Value, error) {
	in := make([]reflect.Value, 0, len(args)+2)
	in = append(in, rcvr)
	if m.hasCtx {
		in = append(in, reflect.ValueOf(ctx))
	}
	in = append(in, args...)

	results := m.method.Func.Call(in)

	var result reflect.Value
	if m.hasResult {
		result = results[0]
	}
	if m.hasError {
		if errv := results[len(results)-1]; !errv.IsNil() {
			return result, errv.Interface().(error)
		}
	}
	return result, nil
}
