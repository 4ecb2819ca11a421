package sources

import (
	"context"
	"testing"

	"github.com/fxbharat/fxbharat/internal/dates"
	"github.com/fxbharat/fxbharat/internal/storage"
)

type stubSource struct {
	tag string
}

func (s *stubSource) Tag() string { return s.tag }

func (s *stubSource) FetchRange(context.Context, dates.Range) ([]storage.ForexRate, error) {
	return nil, nil
}

type stubMetalSource struct {
	metal storage.Metal
}

func (s *stubMetalSource) Metal() storage.Metal { return s.metal }

func (s *stubMetalSource) Fetch(context.Context) ([]storage.MetalRate, error) {
	return nil, nil
}

func TestRegisterAndGet(t *testing.T) {
	Register(&stubSource{tag: "TEST-ALPHA"})

	if _, ok := Get("test-alpha"); !ok {
		t.Error("lookup should be case insensitive")
	}
	if _, ok := Get(" TEST-ALPHA "); !ok {
		t.Error("lookup should trim whitespace")
	}
	if _, ok := Get("TEST-MISSING"); ok {
		t.Error("unregistered tag should not resolve")
	}

	var seen bool
	for _, tag := range List() {
		if tag == "TEST-ALPHA" {
			seen = true
		}
	}
	if !seen {
		t.Errorf("List() = %v, missing TEST-ALPHA", List())
	}
}

func TestRegisterDuplicatePanics(t *testing.T) {
	Register(&stubSource{tag: "TEST-DUP"})
	defer func() {
		if recover() == nil {
			t.Error("duplicate registration should panic")
		}
	}()
	Register(&stubSource{tag: "test-dup"})
}

func TestRegisterNilPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("nil registration should panic")
		}
	}()
	Register(nil)
}

func TestRegisterMetalAndGet(t *testing.T) {
	metal := storage.Metal("TEST-METAL")
	RegisterMetal(&stubMetalSource{metal: metal})

	if _, ok := GetMetal(metal); !ok {
		t.Error("registered metal should resolve")
	}
	if _, ok := GetMetal(storage.Metal("TEST-ABSENT")); ok {
		t.Error("unregistered metal should not resolve")
	}

	var seen bool
	for _, m := range ListMetals() {
		if m == metal {
			seen = true
		}
	}
	if !seen {
		t.Errorf("ListMetals() = %v, missing %s", ListMetals(), metal)
	}
}

func TestRegisterMetalDuplicatePanics(t *testing.T) {
	metal := storage.Metal("TEST-METAL-DUP")
	RegisterMetal(&stubMetalSource{metal: metal})
	defer func() {
		if recover() == nil {
			t.Error("duplicate metal registration should panic")
		}
	}()
	RegisterMetal(&stubMetalSource{metal: metal})
}
