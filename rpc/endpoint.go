// Package rpc is the bidirectional, promise-oriented RPC engine: the
// object-identity registries, the marshal/unmarshal rules that rewrite
// object graphs crossing the wire, the call/reply state machine and its
// re-entrancy discipline, and the free protocol that keeps both
// endpoints' views of the object space consistent.
//
// The engine consumes only a transport.Transport (a message-boundary
// preserving duplex stream) and Stubbable application objects; it knows
// nothing about sockets, auth, or framing beyond that.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/op/go-logging"

	"github.com/kryptco/transparent-rpc/rpc/common/log"
	"github.com/kryptco/transparent-rpc/rpc/common/util"
	"github.com/kryptco/transparent-rpc/rpc/transport"
	"github.com/kryptco/transparent-rpc/rpc/wire"
)

// Options configures a new Endpoint. A zero Options is valid; Logger
// defaults to the package logger krd-style (logging.MustGetLogger).
type Options struct {
	Logger *logging.Logger
}

// Endpoint is one side of the bidirectional RPC channel. All mutable
// state (the two registries, the pending-call table, the announcement
// buffer, the inCall flag) is owned by a single internal goroutine; every
// exported method funnels through it, so Endpoint is safe for concurrent
// use by multiple application goroutines even though the spec's model is
// single-threaded cooperative (see SPEC_FULL.md §5, "Goroutine boundary").
type Endpoint struct {
	tr  transport.Transport
	log *logging.Logger

	cmds   chan func()
	stopCh chan struct{}
	done   chan struct{}

	stopOnce sync.Once
	closeErr error

	ctx    context.Context
	cancel context.CancelFunc

	// The remaining fields are touched only on the command goroutine.
	stubs       *stubRegistry
	proxies     *proxyRegistry
	pending     map[int64]chan callOutcome
	nextCallID  int64
	inCall      bool
	announceBuf []wire.Message
}

type callOutcome struct {
	value interface{}
	err   error
}

// NewEndpoint wraps tr and starts the engine's command and read-loop
// goroutines. Call End or Destroy to tear it down.
func NewEndpoint(tr transport.Transport, opts Options) *Endpoint {
	l := opts.Logger
	if l == nil {
		l = log.Log
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Endpoint{
		tr:      tr,
		log:     l,
		cmds:    make(chan func()),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
		stubs:   newStubRegistry(),
		proxies: newProxyRegistry(),
		pending: make(map[int64]chan callOutcome),
		ctx:     ctx,
		cancel:  cancel,
	}
	go e.run()
	go e.readLoop()
	return e
}

// submit hands fn to the command goroutine, returning false if the
// endpoint has already closed.
func (e *Endpoint) submit(fn func()) bool {
	select {
	case e.cmds <- fn:
		return true
	case <-e.done:
		return false
	}
}

// run is the command goroutine. It never closes e.cmds -- a send on a
// closed channel panics, and submit() can race a concurrent close -- so
// e.stopCh is the only shutdown signal it ever observes.
func (e *Endpoint) run() {
	defer close(e.done)
	for {
		select {
		case fn := <-e.cmds:
			fn()
		case <-e.stopCh:
			return
		}
	}
}

func (e *Endpoint) readLoop() {
	for {
		msg, err := e.tr.Recv()
		if err != nil {
			var malformed *wire.MalformedError
			if errors.As(err, &malformed) {
				e.log.Warning("rpc: dropping malformed frame:", err)
				continue
			}
			e.closeWithError(err)
			return
		}
		m := msg
		if !e.submit(func() { e.handleMessage(m) }) {
			return
		}
	}
}

// closeWithError begins endpoint teardown: every pending call is
// rejected with a closed-endpoint error, the transport is closed, and the
// cause (nil for a clean application-initiated close) is re-emitted by
// Wait/Err. It delivers the pending-call cleanup to the command goroutine
// as an ordinary blocking send on e.cmds (still open, still being
// received by run()) and only then asks run() to stop via e.stopCh, so
// there is no window where a concurrent submit() can race a channel
// close.
func (e *Endpoint) closeWithError(cause error) {
	e.stopOnce.Do(func() {
		e.closeErr = cause
		e.cancel()
		e.cmds <- func() { e.failAllPending() }
		close(e.stopCh)
		e.tr.Close()
	})
}

func (e *Endpoint) failAllPending() {
	for id, ch := range e.pending {
		ch <- callOutcome{nil, util.ErrEndpointClosed}
		delete(e.pending, id)
	}
}

// Wait blocks until the endpoint has finished closing and returns the
// transport error that caused it, or nil for a clean End().
func (e *Endpoint) Wait() error {
	<-e.done
	return e.closeErr
}

// End closes the endpoint cleanly: every pending call is rejected with a
// closed-endpoint error and the transport is closed.
func (e *Endpoint) End() error {
	e.closeWithError(nil)
	<-e.done
	return nil
}

// Destroy starts the same teardown as End (there is no separate
// half-close) but returns without waiting for it to finish.
func (e *Endpoint) Destroy() {
	e.closeWithError(nil)
}

// isClosed reports whether teardown has begun. closeWithError cancels
// e.ctx before it hands failAllPending to the command goroutine, so work
// that runs on that goroutine after the pending calls were failed sees
// the endpoint as closed.
func (e *Endpoint) isClosed() bool {
	return e.ctx.Err() != nil
}

// AddStub registers obj and returns its oid. A re-registration of an
// already-live object is idempotent; a re-registration after the object
// was freed re-announces it. The very first oid exchanged between two
// peers is still handed to the application to convey out of band (the
// bootstrap handshake is outside this package's scope per spec §1); every
// other new-object frame rides the wire as usual.
func (e *Endpoint) AddStub(obj Stubbable) (oid string, err error) {
	type result struct {
		oid string
		err error
	}
	resultCh := make(chan result, 1)
	ok := e.submit(func() {
		if e.isClosed() {
			resultCh <- result{"", util.ErrEndpointClosed}
			return
		}
		stub, announce, aerr := e.stubs.addStub(obj)
		if aerr != nil {
			resultCh <- result{"", aerr}
			return
		}
		if announce {
			msg := wire.Message{Control: wire.ControlNewObject, Obj: stub.OID, Methods: stub.Methods}
			if serr := e.tr.Send(msg); serr != nil {
				resultCh <- result{"", serr}
				return
			}
		}
		resultCh <- result{stub.OID, nil}
	})
	if !ok {
		return "", util.ErrEndpointClosed
	}
	r := <-resultCh
	return r.oid, r.err
}

// GetProxy returns the proxy already registered for oid, if any. It does
// not create one: a proxy only comes into being when a new-object frame
// for that oid has arrived from the peer.
func (e *Endpoint) GetProxy(oid string) (proxy *Proxy, ok bool) {
	type result struct {
		proxy *Proxy
		ok    bool
	}
	resultCh := make(chan result, 1)
	if !e.submit(func() {
		p, found := e.proxies.lookup(oid)
		resultCh <- result{p, found}
	}) {
		return nil, false
	}
	r := <-resultCh
	return r.proxy, r.ok
}

// FreeProxy removes the proxy for oid and, unless the endpoint is already
// closed, notifies the peer with a free frame.
func (e *Endpoint) FreeProxy(oid string) {
	e.freeProxy(oid)
}

func (e *Endpoint) freeProxy(oid string) {
	e.submit(func() {
		if _, ok := e.proxies.lookup(oid); !ok {
			return
		}
		e.proxies.remove(oid)
		if e.isClosed() {
			return
		}
		if err := e.tr.Send(wire.Message{Control: wire.ControlFree, FreeOID: oid}); err != nil {
			e.log.Error("rpc: error sending free:", err)
		}
	})
}

// Call invokes method on the stub named oid and blocks for the reply.
func (e *Endpoint) Call(ctx context.Context, oid, method string, args []interface{}) (interface{}, error) {
	return e.call(ctx, oid, method, args)
}

func (e *Endpoint) call(ctx context.Context, oid, method string, args []interface{}) (interface{}, error) {
	resultCh := make(chan callOutcome, 1)
	ok := e.submit(func() { e.startOutboundCall(oid, method, args, resultCh) })
	if !ok {
		return nil, util.ErrEndpointClosed
	}
	select {
	case out := <-resultCh:
		return out.value, out.err
	case <-ctx.Done():
		// The call is still pending at the engine level -- the spec
		// allows no cancellation at this layer -- but a Go caller is
		// free to stop waiting locally.
		return nil, ctx.Err()
	}
}

// startOutboundCall runs on the command goroutine. It implements §4.4
// Outbound call and the re-entrancy rule in §5.
func (e *Endpoint) startOutboundCall(oid, method string, args []interface{}, resultCh chan callOutcome) {
	if e.isClosed() {
		resultCh <- callOutcome{nil, util.ErrEndpointClosed}
		return
	}
	if e.inCall {
		resultCh <- callOutcome{nil, util.ReentrantCallError{}}
		return
	}

	e.inCall = true
	marshaled := make([]interface{}, len(args))
	var merr error
	for i, a := range args {
		marshaled[i], merr = e.marshalValue(a)
		if merr != nil {
			break
		}
	}
	e.inCall = false

	if merr != nil {
		// Marshalling failed: propagate synchronously without
		// consuming a callId, but still flush any stubs that were
		// successfully registered before the failure -- they are now
		// live and the peer should learn about them regardless.
		e.flushAnnouncements()
		resultCh <- callOutcome{nil, merr}
		return
	}

	params := make([]json.RawMessage, len(marshaled))
	for i, m := range marshaled {
		raw, jerr := json.Marshal(m)
		if jerr != nil {
			e.flushAnnouncements()
			resultCh <- callOutcome{nil, jerr}
			return
		}
		params[i] = raw
	}

	e.flushAnnouncements()

	e.nextCallID++
	callID := e.nextCallID
	e.pending[callID] = resultCh

	msg := wire.Message{Control: wire.ControlCall, Obj: oid, CallID: callID, Method: method, Params: params}
	if err := e.tr.Send(msg); err != nil {
		delete(e.pending, callID)
		resultCh <- callOutcome{nil, err}
		return
	}
}

// flushAnnouncements sends every new-object frame buffered while
// marshalling, before the frame that referenced those oids goes out.
// This is the engine's rendering of ordering guarantee (1): it applies
// to both outbound call arguments and inbound-call replies. AddStub does
// not buffer; it sends its own announcement immediately.
func (e *Endpoint) flushAnnouncements() {
	if len(e.announceBuf) == 0 {
		return
	}
	batch := e.announceBuf
	e.announceBuf = nil
	for _, m := range batch {
		if err := e.tr.Send(m); err != nil {
			e.log.Error("rpc: error sending new-object:", err)
		}
	}
}

// handleMessage is the Message Router (§4.5): it classifies an inbound
// frame and dispatches it. It always runs on the command goroutine.
func (e *Endpoint) handleMessage(msg wire.Message) {
	switch msg.Control {
	case wire.ControlNewObject:
		e.handleNewObject(msg)
	case wire.ControlCall:
		e.handleInboundCall(msg)
	case wire.ControlReply:
		e.handleReply(msg)
	case wire.ControlFree:
		e.handleFree(msg)
	default:
		e.log.Debugf("rpc: ignoring frame with unknown control %q", msg.Control)
	}
}

func (e *Endpoint) handleNewObject(msg wire.Message) {
	if msg.Obj == "" {
		e.log.Warning("rpc: new-object frame missing oid")
		return
	}
	e.proxies.getOrCreate(e, msg.Obj, msg.Methods)
}

func (e *Endpoint) handleFree(msg wire.Message) {
	if msg.FreeOID == "" {
		e.log.Warning("rpc: free frame missing oid")
		return
	}
	if _, ok := e.stubs.lookup(msg.FreeOID); ok {
		e.stubs.handleFree(msg.FreeOID)
		return
	}
	e.proxies.remove(msg.FreeOID)
}

// handleReply is the Call Dispatcher's reply-matching half (§4.4).
func (e *Endpoint) handleReply(msg wire.Message) {
	ch, ok := e.pending[msg.CallID]
	if !ok {
		e.log.Warningf("rpc: reply for unknown call id %d", msg.CallID)
		return
	}
	delete(e.pending, msg.CallID)

	if msg.Error != nil {
		ch <- callOutcome{nil, errorFromPayload(msg.Error)}
		return
	}

	var raw interface{}
	if len(msg.Reply) > 0 {
		if err := json.Unmarshal(msg.Reply, &raw); err != nil {
			ch <- callOutcome{nil, err}
			return
		}
	}
	val, uerr := e.unmarshalValue(raw)
	ch <- callOutcome{val, uerr}
}

// handleInboundCall is the Call Dispatcher's inbound half (§4.4). Method
// resolution and argument unmarshalling happen synchronously on the
// command goroutine (pure data transforms); the stub method itself runs
// on its own goroutine so a slow or asynchronous handler does not stall
// the endpoint's ability to process other frames meanwhile -- the Go
// rendering of "suspension points exist... while the application's
// stubbed method is itself asynchronous" (§5).
func (e *Endpoint) handleInboundCall(msg wire.Message) {
	reply := func(value interface{}, callErr error) {
		out := wire.Message{Control: wire.ControlReply, CallID: msg.CallID}
		if callErr != nil {
			out.Error = errorPayloadFrom(callErr)
		} else {
			marshaled, merr := e.marshalValue(value)
			if merr != nil {
				out.Error = errorPayloadFrom(merr)
			} else if raw, jerr := json.Marshal(marshaled); jerr != nil {
				out.Error = errorPayloadFrom(jerr)
			} else {
				out.Reply = raw
			}
		}
		e.flushAnnouncements()
		if err := e.tr.Send(out); err != nil {
			e.log.Error("rpc: error sending reply:", err)
		}
	}

	stub, ok := e.stubs.lookup(msg.Obj)
	if !ok {
		reply(nil, util.InvalidObjectError{OID: msg.Obj})
		return
	}

	args, uerr := e.unmarshalParams(msg.Params)
	if uerr != nil {
		reply(nil, uerr)
		return
	}

	prop, isGet, isSet := parsePropertyMethod(msg.Method)
	switch {
	case isGet:
		if !stub.hasGetter(prop) {
			reply(nil, util.InvalidMethodError{Method: msg.Method})
			return
		}
		if len(args) != 0 {
			reply(nil, util.WrongArityError{Method: msg.Method, Want: 0, Got: len(args)})
			return
		}
		getter, ok := stub.Target.(Getter)
		if !ok {
			reply(nil, util.InvalidMethodError{Method: msg.Method})
			return
		}
		ctx := e.ctx
		go func() {
			v, err := getter.RPCGet(ctx, prop)
			e.submit(func() { reply(v, err) })
		}()

	case isSet:
		if !stub.hasGetter(prop) {
			reply(nil, util.InvalidMethodError{Method: msg.Method})
			return
		}
		if len(args) != 1 {
			reply(nil, util.WrongArityError{Method: msg.Method, Want: 1, Got: len(args)})
			return
		}
		setter, ok := stub.Target.(Setter)
		if !ok {
			reply(nil, util.InvalidMethodError{Method: msg.Method})
			return
		}
		ctx := e.ctx
		value := args[0]
		go func() {
			err := setter.RPCSet(ctx, prop, value)
			e.submit(func() { reply(nil, err) })
		}()

	default:
		if !stub.hasMethod(msg.Method) {
			reply(nil, util.InvalidMethodError{Method: msg.Method})
			return
		}
		target := stub.Target
		ctx := e.ctx
		go func() {
			v, err := target.RPCCall(ctx, msg.Method, args)
			e.submit(func() { reply(v, err) })
		}()
	}
}

func (e *Endpoint) unmarshalParams(raw []json.RawMessage) ([]interface{}, error) {
	args := make([]interface{}, len(raw))
	for i, r := range raw {
		var v interface{}
		if err := json.Unmarshal(r, &v); err != nil {
			return nil, util.MalformedFrameError{Reason: err.Error()}
		}
		u, err := e.unmarshalValue(v)
		if err != nil {
			return nil, err
		}
		args[i] = u
	}
	return args, nil
}

// marshalValue is the Marshaller's outbound half (§4.3): a pure
// structural rewrite of one value tree, registering any not-yet-known
// stubbable object it encounters along the way.
func (e *Endpoint) marshalValue(v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	if p, ok := v.(*Proxy); ok {
		if p.ep != e {
			return nil, util.InvalidObjectError{OID: p.oid}
		}
		return wire.OIDRef{OID: p.oid}, nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		n := rv.Len()
		out := make([]interface{}, n)
		for i := 0; i < n; i++ {
			m, err := e.marshalValue(rv.Index(i).Interface())
			if err != nil {
				return nil, err
			}
			out[i] = m
		}
		return out, nil
	}

	if stubbable, ok := v.(Stubbable); ok {
		stub, announce, err := e.stubs.addStub(stubbable)
		if err != nil {
			return nil, err
		}
		if announce {
			e.announceBuf = append(e.announceBuf, wire.Message{
				Control: wire.ControlNewObject,
				Obj:     stub.OID,
				Methods: stub.Methods,
			})
		}
		return wire.OIDRef{OID: stub.OID}, nil
	}

	// Plain data: primitives, maps, and structs pass through for the
	// transport's own encoding to preserve their shape.
	return v, nil
}

// unmarshalValue is the Marshaller's inbound half (§4.3), operating on
// the generic interface{} tree produced by decoding JSON.
func (e *Endpoint) unmarshalValue(v interface{}) (interface{}, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			u, err := e.unmarshalValue(item)
			if err != nil {
				return nil, err
			}
			out[i] = u
		}
		return out, nil
	case map[string]interface{}:
		if oid, ok := wire.SoleOID(val); ok {
			if stub, ok := e.stubs.lookup(oid); ok {
				return stub.Target, nil
			}
			if proxy, ok := e.proxies.lookup(oid); ok {
				return proxy, nil
			}
			return nil, util.NewTypeError(fmt.Sprintf("rpc: unknown oid %q", oid))
		}
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			u, err := e.unmarshalValue(item)
			if err != nil {
				return nil, err
			}
			out[k] = u
		}
		return out, nil
	case float64:
		// JSON has no integer type: an integral number within float64's
		// exact-integer range comes back as int64, any other as float64.
		if val >= -(1<<53) && val <= 1<<53 && val == float64(int64(val)) {
			return int64(val), nil
		}
		return val, nil
	default:
		return val, nil
	}
}

func errorPayloadFrom(err error) *wire.ErrorPayload {
	if err == nil {
		return nil
	}
	p := &wire.ErrorPayload{Message: err.Error()}
	var classified *util.ClassifiedError
	if errors.As(err, &classified) {
		p.Class = classified.Class
		p.Code = classified.Code
		p.Stack = classified.Stack
		if classified.Message != "" {
			p.Message = classified.Message
		}
		return p
	}
	var coder interface{ Code() string }
	if errors.As(err, &coder) {
		p.Code = coder.Code()
	}
	return p
}

func errorFromPayload(p *wire.ErrorPayload) error {
	if p == nil {
		return nil
	}
	return &util.ClassifiedError{Class: p.Class, Message: p.Message, Stack: p.Stack, Code: p.Code}
}
