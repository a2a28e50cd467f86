package resolve

import "testing"

type fakeModule struct {
	exports map[string]uint64
}

func (f fakeModule) LookupExport(name string) (uint64, bool) {
	addr, ok := f.exports[name]
	return addr, ok
}

func TestResolverEmptyResolvesNothing(t *testing.T) {
	var r Resolver
	_, ok, err := r.Lookup("anything", true)
	if ok {
		t.Fatalf("expected no match from a zero-value Resolver")
	}
	if err != nil {
		t.Fatalf("weak lookup against empty resolver must not error, got %v", err)
	}
}

func TestResolverOrderPreFindWinsOverScope(t *testing.T) {
	r := Resolver{
		PreFind: func(name string) (uint64, bool) {
			if name == "target" {
				return 0x1, true
			}
			return 0, false
		},
		Scope: Scope{fakeModule{exports: map[string]uint64{"target": 0x2}}},
	}
	addr, ok, err := r.Lookup("target", false)
	if err != nil || !ok {
		t.Fatalf("Lookup: addr=%#x ok=%v err=%v", addr, ok, err)
	}
	if addr != 0x1 {
		t.Fatalf("pre_find must take priority over scope, got %#x", addr)
	}
}

func TestResolverOrderScopeWinsOverPostFind(t *testing.T) {
	r := Resolver{
		Scope: Scope{fakeModule{exports: map[string]uint64{"target": 0x2}}},
		PostFind: func(name string) (uint64, bool) {
			return 0x3, true
		},
	}
	addr, ok, err := r.Lookup("target", false)
	if err != nil || !ok {
		t.Fatalf("Lookup: addr=%#x ok=%v err=%v", addr, ok, err)
	}
	if addr != 0x2 {
		t.Fatalf("scope must take priority over post_find, got %#x", addr)
	}
}

func TestResolverScopeSearchedInOrder(t *testing.T) {
	r := Resolver{
		Scope: Scope{
			fakeModule{exports: map[string]uint64{"other": 0x9}},
			fakeModule{exports: map[string]uint64{"target": 0x4}},
		},
	}
	addr, ok, _ := r.Lookup("target", false)
	if !ok || addr != 0x4 {
		t.Fatalf("expected the second module in scope to supply target, got %#x ok=%v", addr, ok)
	}
}

func TestResolverPostFindFallsThroughToUndefined(t *testing.T) {
	r := Resolver{
		PostFind: func(name string) (uint64, bool) { return 0, false },
	}
	_, ok, err := r.Lookup("missing", false)
	if ok {
		t.Fatalf("expected no match")
	}
	if _, ok := err.(*UndefinedSymbolError); !ok {
		t.Fatalf("expected *UndefinedSymbolError, got %T (%v)", err, err)
	}
	if err.Error() != "undefined symbol: missing" {
		t.Fatalf("error message = %q", err.Error())
	}
}

func TestResolverWeakUndefinedResolvesNullWithoutError(t *testing.T) {
	var r Resolver
	addr, ok, err := r.Lookup("missing_weak", true)
	if err != nil {
		t.Fatalf("weak undefined reference must not error, got %v", err)
	}
	if ok {
		t.Fatalf("expected ok == false for an unresolved weak reference")
	}
	if addr != 0 {
		t.Fatalf("expected addr == 0 for an unresolved weak reference, got %#x", addr)
	}
}

func TestScopeFindSkipsNonMatchingModules(t *testing.T) {
	s := Scope{
		fakeModule{exports: map[string]uint64{}},
		fakeModule{exports: map[string]uint64{"x": 0x7}},
	}
	addr, ok := s.find("x")
	if !ok || addr != 0x7 {
		t.Fatalf("find(x) = %#x, %v", addr, ok)
	}
	if _, ok := s.find("y"); ok {
		t.Fatalf("expected no match for an undefined name")
	}
}

func TestFromResolverDelegatesToLookup(t *testing.T) {
	r := &Resolver{
		PreFind: func(name string) (uint64, bool) { return 0x55, name == "x" },
	}
	ls := FromResolver(r)
	addr, ok, err := ls("x", false)
	if err != nil || !ok || addr != 0x55 {
		t.Fatalf("LazyScope from FromResolver: addr=%#x ok=%v err=%v", addr, ok, err)
	}
}
