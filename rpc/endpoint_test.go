package rpc

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kryptco/transparent-rpc/rpc/common/util"
	"github.com/kryptco/transparent-rpc/rpc/transport"
)

func newPairedEndpoints(t *testing.T) (a, b *Endpoint) {
	t.Helper()
	ta, tb := transport.NewPipe(16)
	a = NewEndpoint(ta, Options{})
	b = NewEndpoint(tb, Options{})
	t.Cleanup(func() {
		a.Destroy()
		b.Destroy()
	})
	return a, b
}

// frobStub is the scenario-(a)/(b)/(c) object: one method, one getter,
// backing a single string value.
type frobStub struct {
	value string
}

func (s *frobStub) RPCMethods() []string {
	return []string{"frobnicate", "get value"}
}

func (s *frobStub) RPCCall(ctx context.Context, method string, args []interface{}) (interface{}, error) {
	switch method {
	case "frobnicate":
		if len(args) != 1 || args[0] != "x" {
			return nil, util.NewTypeError("expected x")
		}
		return int64(42), nil
	default:
		return nil, util.InvalidMethodError{Method: method}
	}
}

func (s *frobStub) RPCGet(ctx context.Context, name string) (interface{}, error) {
	if name == "value" {
		return s.value, nil
	}
	return nil, util.InvalidMethodError{Method: "get " + name}
}

// scenario (a): basic call.
func TestBasicCall(t *testing.T) {
	a, b := newPairedEndpoints(t)

	oid, err := a.AddStub(&frobStub{value: "x"})
	if err != nil {
		t.Fatalf("AddStub: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result, err := b.Call(ctx, oid, "frobnicate", []interface{}{"x"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if result != int64(42) {
		t.Fatalf("got %v, want 42", result)
	}
}

type getObjectStub struct {
	inner Stubbable
}

func (s *getObjectStub) RPCMethods() []string { return []string{"getObject"} }

func (s *getObjectStub) RPCCall(ctx context.Context, method string, args []interface{}) (interface{}, error) {
	if method != "getObject" {
		return nil, util.InvalidMethodError{Method: method}
	}
	return s.inner, nil
}

// scenario (b): a call returning a stubbable object becomes a proxy on the
// far side whose method list matches what was declared, and whose absent
// names the caller can detect without a round trip.
func TestReturnedStubbableBecomesProxy(t *testing.T) {
	a, b := newPairedEndpoints(t)

	inner := &frobStub{value: "x"}
	provider := &getObjectStub{inner: inner}
	oid, err := a.AddStub(provider)
	if err != nil {
		t.Fatalf("AddStub: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	res, err := b.Call(ctx, oid, "getObject", nil)
	if err != nil {
		t.Fatalf("getObject call: %v", err)
	}
	p, ok := res.(*Proxy)
	if !ok {
		t.Fatalf("expected *Proxy, got %T", res)
	}
	if !p.HasMethod("frobnicate") || !p.HasGetter("value") {
		t.Fatalf("proxy missing declared methods: %v", p.Methods())
	}
	if p.HasMethod("notAMethod") {
		t.Fatalf("proxy should not expose undeclared method")
	}

	v, err := p.Get(ctx, "value")
	if err != nil || v != "x" {
		t.Fatalf("getValue: %v, %v", v, err)
	}
	f, err := p.Call(ctx, "frobnicate", "x")
	if err != nil || f != int64(42) {
		t.Fatalf("frobnicate: %v, %v", f, err)
	}
}

type receiveStub struct {
	mu     sync.Mutex
	oids   []string
	values []string
}

func (s *receiveStub) RPCMethods() []string { return []string{"accept"} }

func (s *receiveStub) RPCCall(ctx context.Context, method string, args []interface{}) (interface{}, error) {
	if method != "accept" || len(args) != 1 {
		return nil, util.InvalidMethodError{Method: method}
	}
	p, ok := args[0].(*Proxy)
	if !ok {
		return nil, util.NewTypeError("expected a proxy argument")
	}
	v, err := p.Get(ctx, "value")
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.oids = append(s.oids, p.OID())
	s.values = append(s.values, v.(string))
	s.mu.Unlock()
	return nil, nil
}

// scenario (c): a stubbable sent as an argument arrives as a proxy, and
// repeating the pattern with a fresh object yields a distinct oid.
func TestStubbableAsArgument(t *testing.T) {
	a, b := newPairedEndpoints(t)

	receiver := &receiveStub{}
	oid, err := a.AddStub(receiver)
	if err != nil {
		t.Fatalf("AddStub: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := b.Call(ctx, oid, "accept", []interface{}{&frobStub{value: "x"}}); err != nil {
		t.Fatalf("accept 1: %v", err)
	}
	if _, err := b.Call(ctx, oid, "accept", []interface{}{&frobStub{value: "x"}}); err != nil {
		t.Fatalf("accept 2: %v", err)
	}

	receiver.mu.Lock()
	defer receiver.mu.Unlock()
	if len(receiver.oids) != 2 || receiver.oids[0] == receiver.oids[1] {
		t.Fatalf("expected two distinct oids, got %v", receiver.oids)
	}
	if receiver.values[0] != "x" || receiver.values[1] != "x" {
		t.Fatalf("expected both proxies to resolve getValue to x, got %v", receiver.values)
	}
}

type echoStub struct{}

func (s *echoStub) RPCMethods() []string { return []string{"echo"} }

func (s *echoStub) RPCCall(ctx context.Context, method string, args []interface{}) (interface{}, error) {
	if method != "echo" {
		return nil, util.InvalidMethodError{Method: method}
	}
	return args, nil
}

// scenario (d): a mixed tuple of stub, nested array, map, and string
// round-trips with the stub leg coming back as the original object on its
// owner and the data legs compared deeply.
func TestMixedPayloadRoundTrip(t *testing.T) {
	a, b := newPairedEndpoints(t)

	ownedByB := &frobStub{value: "owned-by-b"}
	bOid, err := b.AddStub(ownedByB)
	if err != nil {
		t.Fatalf("AddStub: %v", err)
	}

	echoOid, err := a.AddStub(&echoStub{})
	if err != nil {
		t.Fatalf("AddStub echo: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	in := []interface{}{
		ownedByB,
		[]interface{}{int64(7)},
		map[string]interface{}{"a": "a", "b": "b", "c": int64(3)},
		"72",
	}
	out, err := b.Call(ctx, echoOid, "echo", in)
	if err != nil {
		t.Fatalf("echo call: %v", err)
	}
	tuple, ok := out.([]interface{})
	if !ok || len(tuple) != 4 {
		t.Fatalf("expected 4-tuple, got %#v", out)
	}
	owned, ok := tuple[0].(*frobStub)
	if !ok {
		t.Fatalf("expected the original object back for stub leg, got %T", tuple[0])
	}
	if owned != ownedByB {
		t.Fatalf("stub leg (oid %s) did not round-trip to the original object", bOid)
	}
	arr, ok := tuple[1].([]interface{})
	if !ok || len(arr) != 1 || arr[0] != int64(7) {
		t.Fatalf("array leg mismatch: %#v", tuple[1])
	}
	m, ok := tuple[2].(map[string]interface{})
	if !ok || m["a"] != "a" || m["b"] != "b" || m["c"] != int64(3) {
		t.Fatalf("map leg mismatch: %#v", tuple[2])
	}
	if tuple[3] != "72" {
		t.Fatalf("string leg mismatch: %#v", tuple[3])
	}
}

// scenario (e): calling a method that returns the same underlying object
// twice yields the same proxy twice; after freeing, the next call yields a
// distinct proxy that still resolves correctly.
func TestProxyFreeReuse(t *testing.T) {
	a, b := newPairedEndpoints(t)

	shared := &frobStub{value: "x"}
	provider := &getObjectStub{inner: shared}
	oid, err := a.AddStub(provider)
	if err != nil {
		t.Fatalf("AddStub: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	r1, err := b.Call(ctx, oid, "getObject", nil)
	if err != nil {
		t.Fatalf("getObject 1: %v", err)
	}
	r2, err := b.Call(ctx, oid, "getObject", nil)
	if err != nil {
		t.Fatalf("getObject 2: %v", err)
	}
	p1, p2 := r1.(*Proxy), r2.(*Proxy)
	if p1 != p2 {
		t.Fatalf("expected the same proxy instance for repeated arrivals of the same oid")
	}

	p1.Free()
	waitUntilTrue(t, func() bool {
		_, ok := b.GetProxy(p1.OID())
		return !ok
	}, time.Second)

	r3, err := b.Call(ctx, oid, "getObject", nil)
	if err != nil {
		t.Fatalf("getObject 3: %v", err)
	}
	p3 := r3.(*Proxy)
	if p3 == p1 {
		t.Fatalf("expected a fresh proxy after free")
	}
	v, err := p3.Get(ctx, "value")
	if err != nil || v != "x" {
		t.Fatalf("p3 getValue: %v, %v", v, err)
	}
}

type throwingStub struct{}

func (s *throwingStub) RPCMethods() []string {
	return []string{"throwType", "throwCoded", "throwSyntax"}
}

func (s *throwingStub) RPCCall(ctx context.Context, method string, args []interface{}) (interface{}, error) {
	switch method {
	case "throwType":
		return nil, util.NewTypeError("foo")
	case "throwCoded":
		return nil, codedError{"E_FOO_BAR_ERROR"}
	case "throwSyntax":
		return nil, util.NewSyntaxError("unexpected token")
	default:
		return nil, util.InvalidMethodError{Method: method}
	}
}

type codedError struct{ code string }

func (e codedError) Error() string { return "something went wrong" }
func (e codedError) Code() string  { return e.code }

// scenario (f): thrown errors preserve class, message, and code.
func TestErrorPropagation(t *testing.T) {
	a, b := newPairedEndpoints(t)

	oid, err := a.AddStub(&throwingStub{})
	if err != nil {
		t.Fatalf("AddStub: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var classified *util.ClassifiedError

	_, err = b.Call(ctx, oid, "throwType", nil)
	if !errors.As(err, &classified) || classified.Class != "TypeError" || classified.Message != "foo" {
		t.Fatalf("throwType: got %#v", err)
	}

	_, err = b.Call(ctx, oid, "throwCoded", nil)
	if !errors.As(err, &classified) || classified.Code != "E_FOO_BAR_ERROR" {
		t.Fatalf("throwCoded: got %#v", err)
	}

	_, err = b.Call(ctx, oid, "throwSyntax", nil)
	if !errors.As(err, &classified) || classified.Class != "SyntaxError" {
		t.Fatalf("throwSyntax: got %#v", err)
	}
}

type blockingStub struct {
	release chan struct{}
	began   chan struct{}
}

func (s *blockingStub) started() bool {
	select {
	case <-s.began:
		return true
	default:
		return false
	}
}

func (s *blockingStub) RPCMethods() []string { return []string{"block"} }

func (s *blockingStub) RPCCall(ctx context.Context, method string, args []interface{}) (interface{}, error) {
	close(s.began)
	<-s.release
	return nil, nil
}

// invariant 4: every pending call at closure rejects exactly once with a
// closed-endpoint error.
func TestPendingCallsRejectOnClose(t *testing.T) {
	a, b := newPairedEndpoints(t)

	blocker := &blockingStub{release: make(chan struct{}), began: make(chan struct{})}
	oid, err := a.AddStub(blocker)
	if err != nil {
		t.Fatalf("AddStub: %v", err)
	}

	ctx := context.Background()
	errCh := make(chan error, 1)
	go func() {
		_, callErr := b.Call(ctx, oid, "block", nil)
		errCh <- callErr
	}()

	waitUntilTrue(t, blocker.started, time.Second)
	b.Destroy()

	select {
	case err := <-errCh:
		if !errors.Is(err, util.ErrEndpointClosed) {
			t.Fatalf("expected ErrEndpointClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("call did not reject after endpoint closed")
	}
	close(blocker.release)
}

func waitUntilTrue(t *testing.T, cond func() bool, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !cond() {
		t.Fatal("condition not met before deadline")
	}
}
