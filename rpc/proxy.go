package rpc

import (
	"context"

	"github.com/kryptco/transparent-rpc/rpc/common/util"
)

// Proxy is a local handle for an object the peer owns. Its method list is
// learned at construction time from the new-object frame that introduced
// it and is not known statically -- per spec §9 this is rendered in Go as
// a runtime lookup table (HasMethod/HasGetter) rather than generated
// methods; a consumer that wants compile-time typing wraps a Proxy in its
// own adapter type.
type Proxy struct {
	oid     string
	methods []string
	ep      *Endpoint
}

func (p *Proxy) OID() string { return p.oid }

// Methods returns the declared method/getter names, snapshotted from the
// new-object frame that created this proxy.
func (p *Proxy) Methods() []string {
	return append([]string(nil), p.methods...)
}

func (p *Proxy) HasMethod(name string) bool {
	for _, m := range p.methods {
		if m == name {
			return true
		}
	}
	return false
}

func (p *Proxy) HasGetter(name string) bool {
	return p.HasMethod("get " + name)
}

// Call invokes method on the remote object and blocks for the reply.
// Calling a name not in Methods fails locally without a round trip, the
// Go rendering of "a method name not in $rpcMethods is absent on the
// proxy".
func (p *Proxy) Call(ctx context.Context, method string, args ...interface{}) (interface{}, error) {
	if !p.HasMethod(method) {
		return nil, util.InvalidMethodError{Method: method}
	}
	return p.ep.call(ctx, p.oid, method, args)
}

// Get invokes the remote getter for name. Calling a name that was not
// declared "get NAME" fails locally without a round trip.
func (p *Proxy) Get(ctx context.Context, name string) (interface{}, error) {
	if !p.HasGetter(name) {
		return nil, util.InvalidMethodError{Method: "get " + name}
	}
	return p.ep.call(ctx, p.oid, "get "+name, nil)
}

// Free removes this proxy from the endpoint's registry and, unless the
// endpoint is already closed, tells the peer to release the stub.
func (p *Proxy) Free() {
	p.ep.freeProxy(p.oid)
}

// proxyRegistry owns every proxy a single endpoint currently holds,
// keyed by oid, so that two new-object frames bearing the same oid
// produce one proxy (spec §8 invariant 5).
type proxyRegistry struct {
	byOID map[string]*Proxy
}

func newProxyRegistry() *proxyRegistry {
	return &proxyRegistry{byOID: make(map[string]*Proxy)}
}

func (r *proxyRegistry) lookup(oid string) (*Proxy, bool) {
	p, ok := r.byOID[oid]
	return p, ok
}

// getOrCreate returns the existing proxy for oid, or constructs and
// registers a new one from methods. created reports which happened.
func (r *proxyRegistry) getOrCreate(ep *Endpoint, oid string, methods []string) (proxy *Proxy, created bool) {
	if p, ok := r.byOID[oid]; ok {
		return p, false
	}
	p := &Proxy{oid: oid, methods: append([]string(nil), methods...), ep: ep}
	r.byOID[oid] = p
	return p, true
}

func (r *proxyRegistry) remove(oid string) {
	delete(r.byOID, oid)
}
