package pebble_test

import (
	"errors"
	"testing"

	"github.com/snehjoshi/opsync/internal/store"
	"github.com/snehjoshi/opsync/internal/store/pebble"
)

func TestPebble_SetGetRemove(t *testing.T) {
	b, err := pebble.OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })

	if _, err := b.Get("k"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("Get missing: want ErrNotFound, got %v", err)
	}
	if err := b.Set("k", []byte("v1")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, err := b.Get("k")
	if err != nil || string(v) != "v1" {
		t.Fatalf("Get: want v1, got %q (err=%v)", v, err)
	}
	if err := b.Remove("k"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := b.Get("k"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("Get after Remove: want ErrNotFound, got %v", err)
	}
}

func TestPebble_OnDiskReopen(t *testing.T) {
	dir := t.TempDir()
	b, err := pebble.Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := b.Set("k", []byte("kept")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	b, err = pebble.Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	v, err := b.Get("k")
	if err != nil || string(v) != "kept" {
		t.Fatalf("Get after reopen: want kept, got %q (err=%v)", v, err)
	}
}
