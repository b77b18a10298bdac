package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/gezibash/creditmine/internal/resumestore/physical"
	"github.com/gezibash/creditmine/internal/resumestore/physical/physicaltest"
)

func newTestBackend(t *testing.T) physical.Backend {
	t.Helper()
	b, err := NewFactory(context.Background(), map[string]string{
		KeyPath: filepath.Join(t.TempDir(), "resume.db"),
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestConformance(t *testing.T) {
	physicaltest.Run(t, newTestBackend)
}

func TestFactoryRequiresPath(t *testing.T) {
	if _, err := NewFactory(context.Background(), map[string]string{KeyPath: ""}); err == nil {
		t.Fatal("expected error for empty path")
	}
}
