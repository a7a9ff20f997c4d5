package server

import (
	"context"
	"errors"
	"reflect"

	"mini-drb/codec"
	"mini-drb/message"
	"mini-drb/registry"
	"mini-drb/rpcerr"
)

// Undumped marks a type whose values are always returned by reference.
// Embed it in a struct:
//
//	type Counter struct {
//		server.Undumped
//		n int
//	}
type Undumped struct{}

func (Undumped) undumped() {}

type undumped interface{ undumped() }

type byRef struct{ v any }

// ByRef wraps v so that a method returning it hands the Sink a reference
// instead of a copy.
func ByRef(v any) any { return byRef{v: v} }

// exportable returns the object to register when v travels by reference.
func exportable(v any) (any, bool) {
	switch w := v.(type) {
	case byRef:
		return w.v, true
	case undumped:
		return v, true
	}
	return nil, false
}

// Dispatcher turns a CallFrame into a method invocation on a registered
// object and the invocation's outcome into a ResponseFrame.
type Dispatcher struct {
	registry *registry.Registry
}

// NewDispatcher creates a Dispatcher over reg.
func NewDispatcher(reg *registry.Registry) *Dispatcher {
	return &Dispatcher{registry: reg}
}

// Handle runs one call. It never returns nil; every failure is classified.
func (d *Dispatcher) Handle(ctx context.Context, call *message.CallFrame) (resp *message.ResponseFrame) {
	obj, err := d.registry.Resolve(call.Target)
	if err != nil {
		return message.Failure(call.Seq, asError(err))
	}

	rcvr := reflect.ValueOf(obj)
	mt, ok := methodsOf(rcvr.Type())[call.Method]
	if !ok {
		return message.Failure(call.Seq, rpcerr.New(rpcerr.NoSuchMethod, "%T has no method %q", obj, call.Method))
	}
	if !mt.acceptsArgs(len(call.Args)) {
		return message.Failure(call.Seq, rpcerr.New(rpcerr.ArityMismatch,
			"%s expects %s arguments, got %d", call.Method, mt.arity(), len(call.Args)))
	}

	cdc := codec.GetCodec(codec.CodecType(call.Codec))
	args := make([]reflect.Value, len(call.Args))
	for i, v := range call.Args {
		arg, err := d.decodeArg(cdc, v, mt.argType(i))
		var classified *rpcerr.Error
		if errors.As(err, &classified) {
			return message.Failure(call.Seq, classified)
		}
		if err != nil {
			return message.Failure(call.Seq, rpcerr.New(rpcerr.InvalidArgument, "%s argument %d: %v", call.Method, i, err))
		}
		args[i] = arg
	}

	defer func() {
		if p := recover(); p != nil {
			resp = message.Failure(call.Seq, rpcerr.FromPanic(p))
		}
	}()

	result, err := mt.Call(ctx, rcvr, args)
	if err != nil {
		return message.Failure(call.Seq, rpcerr.FromCallee(err))
	}
	if !mt.hasResult {
		return message.Success(call.Seq, message.Value{})
	}

	value, err := d.encodeResult(ctx, cdc, result)
	if err != nil {
		return message.Failure(call.Seq, asError(err))
	}
	resp = message.Success(call.Seq, value)
	resp.Codec = call.Codec
	return resp
}

func (d *Dispatcher) decodeArg(cdc codec.Codec, v message.Value, typ reflect.Type) (reflect.Value, error) {
	switch v.Tag {
	case message.TagNil:
		return reflect.Zero(typ), nil
	case message.TagRef:
		obj, err := d.registry.Resolve(v.Ref)
		if err != nil {
			return reflect.Value{}, err
		}
		ov := reflect.ValueOf(obj)
		if !ov.Type().AssignableTo(typ) {
			return reflect.Value{}, errors.New(ov.Type().String() + " is not assignable to " + typ.String())
		}
		return ov, nil
	default:
		ptr := reflect.New(typ)
		if err := cdc.Decode(v.Data, ptr.Interface()); err != nil {
			return reflect.Value{}, err
		}
		return ptr.Elem(), nil
	}
}

// encodeResult exports by-reference results and encodes the rest. A
// reference is not created once ctx has ended, since nobody will receive it.
func (d *Dispatcher) encodeResult(ctx context.Context, cdc codec.Codec, result reflect.Value) (message.Value, error) {
	if isNil(result) {
		return message.Value{}, nil
	}
	out := result.Interface()
	if obj, ok := exportable(out); ok {
		if obj == nil {
			return message.Value{}, nil
		}
		if err := ctx.Err(); err != nil {
			return message.Value{}, rpcerr.New(rpcerr.Timeout, "result discarded: %v", err)
		}
		methodsOf(reflect.TypeOf(obj))
		return message.RefValue(d.registry.Register(obj)), nil
	}
	data, err := cdc.Encode(out)
	if err != nil {
		return message.Value{}, rpcerr.New(rpcerr.RemoteExecutionFailure, "encoding %T result: %v", out, err)
	}
	return message.DataValue(data), nil
}

func isNil(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Interface, reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		return v.IsNil()
	}
	return !v.IsValid()
}

func asError(err error) *rpcerr.Error {
	var e *rpcerr.Error
	if errors.As(err, &e) {
		return e
	}
	return rpcerr.New(rpcerr.RemoteExecutionFailure, "%v", err)
}
