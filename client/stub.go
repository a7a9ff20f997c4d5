package client

import (
	"context"

	"mini-drb/codec"
	"mini-drb/message"
	"mini-drb/rpcerr"
)

// Stub is a proxy for one remote object. It is safe for concurrent use.
type Stub struct {
	client *Client
	ref    message.RemoteRef

	// Guarded by client.mu.
	holds    int    // Local holders; the stub is released when this reaches zero
	remote   uint32 // Times the Source handed this ref out to us
	released bool
}

// Ref returns the remote reference this stub stands for.
func (s *Stub) Ref() message.RemoteRef { return s.ref }

// Client returns the client the stub belongs to.
func (s *Stub) Client() *Client { return s.client }

// Retain adds a local hold. Every Retain needs a matching Release.
func (s *Stub) Retain() *Stub {
	s.client.mu.Lock()
	defer s.client.mu.Unlock()
	if !s.released {
		s.holds++
	}
	return s
}

// Release drops a local hold. The last one removes the stub from the cache
// and tells the Source to drop every count this Sink held. Releasing a
// released stub does nothing.
func (s *Stub) Release() {
	c := s.client
	c.mu.Lock()
	if s.released {
		c.mu.Unlock()
		return
	}
	s.holds--
	if s.holds > 0 {
		c.mu.Unlock()
		return
	}
	s.released = true
	count := s.remote
	if c.stubs[s.ref] == s {
		delete(c.stubs, s.ref)
	}
	c.mu.Unlock()

	c.release(s.ref, count)
}

// Released reports whether the stub has been released.
func (s *Stub) Released() bool {
	s.client.mu.Lock()
	defer s.client.mu.Unlock()
	return s.released
}

// Call invokes method on the remote object and waits for its result.
//
// Arguments that are *Stub travel as references to their remote object;
// anything else is encoded by value with the configured codec. A ctx without
// a deadline gets the configured call_timeout.
func (s *Stub) Call(ctx context.Context, method string, args ...any) (*Result, error) {
	if s.Released() {
		return nil, rpcerr.New(rpcerr.UnknownReference, "%s: stub has been released", s.ref)
	}
	c := s.client

	values := make([]message.Value, len(args))
	for i, arg := range args {
		v, err := c.encodeArg(arg)
		if err != nil {
			return nil, rpcerr.New(rpcerr.InvalidArgument, "%s argument %d: %v", method, i, err)
		}
		values[i] = v
	}

	ctx, cancel := c.withDefaultTimeout(ctx)
	defer cancel()

	v, err := c.conn.Call(ctx, &message.CallFrame{Target: s.ref, Method: method, Args: values})
	if err != nil {
		return nil, err
	}

	res := &Result{value: v, codec: c.codec}
	if v.Tag == message.TagRef {
		res.stub = c.adopt(v.Ref)
	}
	return res, nil
}

// Invoke is Call followed by decoding the result into reply. A reply of
// type **Stub receives a reference result; any other reply receives a
// value. reply may be nil to discard the result.
func (s *Stub) Invoke(ctx context.Context, method string, reply any, args ...any) error {
	res, err := s.Call(ctx, method, args...)
	if err != nil {
		return err
	}
	if reply == nil {
		if res.stub != nil {
			res.stub.Release()
		}
		return nil
	}
	if target, ok := reply.(**Stub); ok {
		*target = res.stub
		return nil
	}
	if res.stub != nil {
		res.stub.Release()
		return rpcerr.New(rpcerr.InvalidArgument, "%s returned a reference; decode it into a **Stub", method)
	}
	return res.Decode(reply)
}

func (c *Client) encodeArg(arg any) (message.Value, error) {
	switch a := arg.(type) {
	case nil:
		return message.Value{}, nil
	case *Stub:
		if a.client != c {
			return message.Value{}, rpcerr.New(rpcerr.InvalidArgument, "%s belongs to another connection", a.ref)
		}
		if a.Released() {
			return message.Value{}, rpcerr.New(rpcerr.UnknownReference, "%s: stub has been released", a.ref)
		}
		return message.RefValue(a.ref), nil
	}
	data, err := c.codec.Encode(arg)
	if err != nil {
		return message.Value{}, err
	}
	return message.DataValue(data), nil
}

// Result is the outcome of a successful call.
type Result struct {
	value message.Value
	codec codec.Codec
	stub  *Stub
}

// IsNil reports whether the method returned nothing or nil.
func (r *Result) IsNil() bool { return r.value.Tag == message.TagNil }

// IsRef reports whether the method returned a remote object.
func (r *Result) IsRef() bool { return r.value.Tag == message.TagRef }

// Stub returns the stub for a reference result, or nil for a value. The
// caller owns one hold on it and must Release it.
func (r *Result) Stub() *Stub { return r.stub }

// Decode decodes a value result into v. A nil result leaves v untouched.
func (r *Result) Decode(v any) error {
	switch r.value.Tag {
	case message.TagNil:
		return nil
	case message.TagRef:
		return rpcerr.New(rpcerr.InvalidArgument, "result is a reference to %s, not a value", r.value.Ref)
	}
	if err := r.codec.Decode(r.value.Data, v); err != nil {
		return rpcerr.New(rpcerr.InvalidArgument, "decoding result: %v", err)
	}
	return nil
}
