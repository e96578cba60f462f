package finalize

import (
	"context"
	"os"
	"slices"
	"testing"
	"time"
)

func TestManifest_WriteAndRead(t *testing.T) {
	dir := t.TempDir()
	m := NewManifest(dir)
	fixed := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return fixed }

	if err := m.OnRunQuiescent(context.Background(), "run-1", 2, []string{"a.md", "b.md"}); err != nil {
		t.Fatalf("OnRunQuiescent: %v", err)
	}
	doc, err := m.Read("run-1", 2)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if doc.Count != 2 || !slices.Equal(doc.Documents, []string{"a.md", "b.md"}) || !doc.CompletedAt.Equal(fixed) {
		t.Errorf("manifest = %+v", doc)
	}
	if _, err := m.Read("run-1", 1); !os.IsNotExist(err) {
		t.Errorf("Read epoch 1 error = %v, want not exist", err)
	}
}

func TestManifest_EmptyRun(t *testing.T) {
	m := NewManifest(t.TempDir())
	if err := m.OnRunQuiescent(context.Background(), "run-1", 1, nil); err != nil {
		t.Fatalf("OnRunQuiescent: %v", err)
	}
	doc, err := m.Read("run-1", 1)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if doc.Documents == nil || doc.Count != 0 {
		t.Errorf("manifest = %+v, want empty list", doc)
	}
}

func TestTextSink_Idempotent(t *testing.T) {
	s := NewTextSink(t.TempDir())
	ctx := context.Background()
	for _, text := range []string{"first", "second"} {
		if err := s.Store(ctx, "run-1", "sub/a.md", text); err != nil {
			t.Fatalf("Store: %v", err)
		}
	}
	data, err := os.ReadFile(s.Path("run-1", "sub/a.md"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "second" {
		t.Errorf("content = %q", data)
	}
}
