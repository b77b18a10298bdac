// Package physicaltest provides a conformance suite shared by resume-store
// backends.
package physicaltest

import (
	"bytes"
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/gezibash/creditmine/internal/resumestore/physical"
)

// Run exercises the Backend contract against a fresh backend per subtest.
func Run(t *testing.T, newBackend func(t *testing.T) physical.Backend) {
	t.Helper()
	ctx := context.Background()

	t.Run("PutGet", func(t *testing.T) {
		b := newBackend(t)
		if err := b.Put(ctx, "a.state", []byte("alpha")); err != nil {
			t.Fatalf("put: %v", err)
		}
		got, err := b.Get(ctx, "a.state")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if !bytes.Equal(got, []byte("alpha")) {
			t.Fatalf("got %q, want alpha", got)
		}
	})

	t.Run("Overwrite", func(t *testing.T) {
		b := newBackend(t)
		for _, v := range []string{"one", "two"} {
			if err := b.Put(ctx, "k.state", []byte(v)); err != nil {
				t.Fatalf("put %s: %v", v, err)
			}
		}
		got, err := b.Get(ctx, "k.state")
		if err != nil {
			t.Fatal(err)
		}
		if string(got) != "two" {
			t.Fatalf("got %q, want two", got)
		}
	})

	t.Run("GetMissing", func(t *testing.T) {
		b := newBackend(t)
		if _, err := b.Get(ctx, "missing.state"); !errors.Is(err, physical.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("ExistsDelete", func(t *testing.T) {
		b := newBackend(t)
		if err := b.Put(ctx, "x.state", []byte("x")); err != nil {
			t.Fatal(err)
		}
		ok, err := b.Exists(ctx, "x.state")
		if err != nil || !ok {
			t.Fatalf("exists = %v, %v", ok, err)
		}
		if err := b.Delete(ctx, "x.state"); err != nil {
			t.Fatalf("delete: %v", err)
		}
		ok, err = b.Exists(ctx, "x.state")
		if err != nil || ok {
			t.Fatalf("exists after delete = %v, %v", ok, err)
		}
		if err := b.Delete(ctx, "x.state"); err != nil {
			t.Fatalf("second delete should be a no-op, got %v", err)
		}
	})

	t.Run("List", func(t *testing.T) {
		b := newBackend(t)
		for _, n := range []string{"b.state", "a.state"} {
			if err := b.Put(ctx, n, []byte(n)); err != nil {
				t.Fatal(err)
			}
		}
		names, err := b.List(ctx)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		slices.Sort(names)
		if !slices.Equal(names, []string{"a.state", "b.state"}) {
			t.Fatalf("list = %v", names)
		}
	})

	t.Run("Closed", func(t *testing.T) {
		b := newBackend(t)
		if err := b.Close(); err != nil {
			t.Fatalf("close: %v", err)
		}
		if err := b.Put(ctx, "c.state", []byte("c")); !errors.Is(err, physical.ErrClosed) {
			t.Fatalf("put after close: %v", err)
		}
		if _, err := b.Get(ctx, "c.state"); !errors.Is(err, physical.ErrClosed) {
			t.Fatalf("get after close: %v", err)
		}
	})
}
