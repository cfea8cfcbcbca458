package registry

import (
	"testing"

	errs "github.com/dotnet/interactive-sub006/core/errors"
)

type entry struct{ name string }

func TestRegistry_LocalLookupIsNormalized(t *testing.T) {
	r := New[*entry]()
	csharp := &entry{"csharp"}
	key, err := r.RegisterLocal("Kernel://LOCAL/csharp/", csharp)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if key != "kernel://local/csharp" {
		t.Fatalf("unexpected key %q", key)
	}
	got, ok := r.Local("kernel://local/csharp")
	if !ok || got != csharp {
		t.Fatalf("expected csharp entry, got %v %v", got, ok)
	}
	if _, err := r.RegisterLocal("kernel://local/csharp", csharp); err != nil {
		t.Fatalf("re-registering the same entry should succeed: %v", err)
	}
	if _, err := r.RegisterLocal("kernel://local/csharp", &entry{"other"}); !errs.Is(err, errs.ErrDuplicate) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
	if _, err := r.RegisterLocal("relative", csharp); err == nil {
		t.Fatal("expected error for a relative uri")
	}
	if _, ok := r.Local("::bad::"); ok {
		t.Fatal("expected no match for an unparseable uri")
	}
}

func TestRegistry_RebindRemovesStaleMappings(t *testing.T) {
	r := New[*entry]()
	proxy := &entry{"proxy"}
	other := &entry{"other"}

	if _, err := r.BindRemote("kernel://remote/python", proxy); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if _, err := r.BindRemote("kernel://remote/python3", proxy); err != nil {
		t.Fatalf("rebind: %v", err)
	}
	if _, ok := r.Remote("kernel://remote/python"); ok {
		t.Fatal("stale remote uri should no longer resolve")
	}
	if got, _ := r.Remote("kernel://remote/python3"); got != proxy {
		t.Fatalf("expected proxy for new uri, got %v", got)
	}

	if _, err := r.BindRemote("kernel://remote/python3", other); err != nil {
		t.Fatalf("bind other: %v", err)
	}
	if got, _ := r.Remote("kernel://remote/python3"); got != other {
		t.Fatalf("expected other for taken uri, got %v", got)
	}

	// other moves away; proxy lost python3 when other took it, so nothing resolves.
	if _, err := r.BindRemote("kernel://remote/python4", other); err != nil {
		t.Fatalf("move other: %v", err)
	}
	if _, ok := r.Remote("kernel://remote/python3"); ok {
		t.Fatal("expected no binding for the abandoned uri")
	}
	if _, err := r.BindRemote("kernel://remote/python", proxy); err != nil {
		t.Fatalf("rebind proxy: %v", err)
	}
	if got, _ := r.Remote("kernel://remote/python4"); got != other {
		t.Fatalf("rebinding proxy must not disturb other, got %v", got)
	}
}
