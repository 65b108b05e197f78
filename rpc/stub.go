package rpc

import (
	"context"
	"strings"

	"github.com/kryptco/transparent-rpc/rpc/common/util"
)

// Stubbable is implemented by any application object that can be
// exported to a peer. RPCMethods snapshots the method/getter/setter
// names exposed at stub-creation time; RPCCall dispatches every method
// name not prefixed "get "/"set ".
//
// Objects that want property-style access also implement Getter and/or
// Setter for the names they list as "get NAME" entries.
type Stubbable interface {
	RPCMethods() []string
	RPCCall(ctx context.Context, method string, args []interface{}) (interface{}, error)
}

// Getter is implemented by a Stubbable that exposes "get NAME" entries.
type Getter interface {
	RPCGet(ctx context.Context, name string) (interface{}, error)
}

// Setter is implemented by a Stubbable willing to accept writes to a
// "get NAME" entry. A "get NAME" entry authorizes both read and write
// per spec; an object that only implements Getter rejects "set" calls
// with InvalidMethodError.
type Setter interface {
	RPCSet(ctx context.Context, name string, value interface{}) error
}

// Freer is an optional hook invoked, after the oid is removed from the
// id table, when the application calls the free closure it was handed
// through SetRPCFree. An inbound free frame removes the oid without
// calling OnFree.
type Freer interface {
	OnFree()
}

// Stub is the local record of an object exported to the peer: its oid,
// the target object, and the method-name snapshot taken at creation.
type Stub struct {
	OID     string
	Target  Stubbable
	Methods []string
}

func (s *Stub) hasMethod(name string) bool {
	for _, m := range s.Methods {
		if m == name {
			return true
		}
	}
	return false
}

func (s *Stub) hasGetter(name string) bool {
	return s.hasMethod("get " + name)
}

// stubIDTable is the oid -> *Stub map. It is handed to a stub's free
// closure by itself, not the registry or the endpoint that owns it, so
// that invoking $free cannot keep the endpoint reachable from the
// application object's retained state (spec §9, §3 invariant 3).
type stubIDTable struct {
	byOID map[string]*Stub
}

func newStubIDTable() *stubIDTable {
	return &stubIDTable{byOID: make(map[string]*Stub)}
}

func (t *stubIDTable) get(oid string) (*Stub, bool) {
	s, ok := t.byOID[oid]
	return s, ok
}

func (t *stubIDTable) put(oid string, s *Stub) {
	t.byOID[oid] = s
}

func (t *stubIDTable) remove(oid string) {
	delete(t.byOID, oid)
}

// stubRegistry owns every stub a single endpoint has exported: the live
// oid -> *Stub table, plus an identity map from application object to its
// (possibly no-longer-live) Stub record so a repeated AddStub of the same
// object is idempotent. Go has no built-in weak map (see DESIGN.md for
// the discussion spec §9 invites); byObject is a plain map whose entries
// are never removed, not even when an oid is freed, so every object the
// endpoint has stubbed stays reachable for as long as the endpoint lives.
type stubRegistry struct {
	ids      *stubIDTable
	byObject map[Stubbable]*Stub
	gen      *oidGenerator
}

func newStubRegistry() *stubRegistry {
	return &stubRegistry{
		ids:      newStubIDTable(),
		byObject: make(map[Stubbable]*Stub),
		gen:      newOIDGenerator(),
	}
}

func (r *stubRegistry) lookup(oid string) (*Stub, bool) {
	return r.ids.get(oid)
}

// addStub registers obj if necessary and reports whether a new-object
// announcement is owed to the peer: true for a brand new stub, and true
// again if obj was previously stubbed, freed, and is now being re-used --
// a peer that sent a free for that oid has dropped its proxy, so it must
// be told about the oid again.
func (r *stubRegistry) addStub(obj Stubbable) (stub *Stub, announce bool, err error) {
	if existing, ok := r.byObject[obj]; ok {
		if _, live := r.ids.get(existing.OID); live {
			return existing, false, nil
		}
		r.ids.put(existing.OID, existing)
		return existing, true, nil
	}

	methods := obj.RPCMethods()
	if methods == nil {
		return nil, false, util.NoMethodListError{}
	}
	oid := r.gen.next()
	stub = &Stub{OID: oid, Target: obj, Methods: append([]string(nil), methods...)}
	r.ids.put(oid, stub)
	r.byObject[obj] = stub

	ids := r.ids
	freeFn := func() {
		ids.remove(oid)
		if freer, ok := obj.(Freer); ok {
			freer.OnFree()
		}
	}
	if receiver, ok := obj.(interface{ SetRPCFree(func()) }); ok {
		receiver.SetRPCFree(freeFn)
	}

	return stub, true, nil
}

// handleFree removes oid from the stub id table only. Endpoint.handleFree
// calls it for an inbound free frame naming a stub and removes the oid
// from the proxy registry instead when it is not a stub.
func (r *stubRegistry) handleFree(oid string) {
	r.ids.remove(oid)
}

func parsePropertyMethod(method string) (prop string, isGet, isSet bool) {
	if rest, ok := cutPrefix(method, "get "); ok {
		return rest, true, false
	}
	if rest, ok := cutPrefix(method, "set "); ok {
		return rest, false, true
	}
	return "", false, false
}

func cutPrefix(s, prefix string) (string, bool) {
	if strings.HasPrefix(s, prefix) {
		return s[len(prefix):], true
	}
	return "", false
}
