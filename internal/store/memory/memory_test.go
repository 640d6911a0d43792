package memory_test

import (
	"errors"
	"testing"

	"github.com/snehjoshi/opsync/internal/store"
	"github.com/snehjoshi/opsync/internal/store/memory"
)

func TestBackend_GetSetRemove(t *testing.T) {
	b := memory.New()

	if _, err := b.Get("k"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("Get on empty: want ErrNotFound, got %v", err)
	}
	if err := b.Set("k", []byte("v1")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := b.Get("k")
	if err != nil || string(got) != "v1" {
		t.Fatalf("Get: %q, %v", got, err)
	}
	if err := b.Remove("k"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := b.Get("k"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("Get after Remove: want ErrNotFound, got %v", err)
	}
}

func TestBackend_CopiesValues(t *testing.T) {
	b := memory.New()
	v := []byte("abc")
	_ = b.Set("k", v)
	v[0] = 'x'

	got, _ := b.Get("k")
	if string(got) != "abc" {
		t.Fatalf("stored value aliased caller slice: %q", got)
	}
	got[1] = 'y'
	again, _ := b.Get("k")
	if string(again) != "abc" {
		t.Fatalf("returned value aliased stored slice: %q", again)
	}
}

func TestBackend_FailWrites(t *testing.T) {
	b := memory.New()
	b.FailWrites(true)
	if err := b.Set("k", []byte("v")); !errors.Is(err, memory.ErrInjected) {
		t.Fatalf("Set while failing: want ErrInjected, got %v", err)
	}
	b.Put("k", []byte("seeded"))
	if got, _ := b.Get("k"); string(got) != "seeded" {
		t.Fatalf("Put should bypass FailWrites, got %q", got)
	}

	b.FailWrites(false)
	if err := b.Set("k", []byte("v")); err != nil {
		t.Fatalf("Set after recovery: %v", err)
	}
	if n := b.Sets(); n != 1 {
		t.Errorf("Sets: got %d, want 1", n)
	}
}
