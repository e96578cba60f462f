package extract

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/kalambet/runq/internal/source"
)

func write(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestExtract_Markdown(t *testing.T) {
	dir := t.TempDir()
	p := write(t, dir, "notes/index.md", `# Index
See [setup](setup.md), [api](../ref/api.md "API") and [home](https://example.com).
Also [anchor](#top) and [setup again](./setup.md#install).
`)
	res, err := (&Extractor{}).Extract(context.Background(), p)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	want := []string{
		filepath.Join(dir, "notes", "setup.md"),
		filepath.Join(dir, "ref", "api.md"),
	}
	if !slices.Equal(res.Links, want) {
		t.Errorf("Links = %v, want %v", res.Links, want)
	}
	if !strings.Contains(res.Text, "# Index") {
		t.Errorf("Text = %q", res.Text)
	}
}

func TestExtract_HTML(t *testing.T) {
	dir := t.TempDir()
	p := write(t, dir, "page.html", `<html><head><style>p{}</style><script>var x;</script></head>
<body><h1>Title</h1><p>Body <a href="other.html">next</a></p><a href="mailto:a@b.c">mail</a></body></html>`)

	res, err := (&Extractor{}).Extract(context.Background(), p)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if res.Text != "Title Body next mail" {
		t.Errorf("Text = %q", res.Text)
	}
	if want := []string{filepath.Join(dir, "other.html")}; !slices.Equal(res.Links, want) {
		t.Errorf("Links = %v, want %v", res.Links, want)
	}
}

func TestExtract_FatalClassification(t *testing.T) {
	dir := t.TempDir()
	ex := &Extractor{MaxBytes: 9}
	tests := []struct {
		name string
		path string
	}{
		{"unsupported", write(t, dir, "image.png", "x")},
		{"missing", filepath.Join(dir, "nope.md")},
		{"too large", write(t, dir, "big.txt", "0123456789")},
		{"corrupt pdf", write(t, dir, "broken.pdf", "not a pdf")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ex.Extract(context.Background(), tt.path)
			if err == nil {
				t.Fatal("expected error")
			}
			if !IsFatal(err) {
				t.Errorf("IsFatal(%v) = false", err)
			}
		})
	}
}

func TestIsFatal(t *testing.T) {
	if IsFatal(errors.New("timeout")) {
		t.Error("plain error classified fatal")
	}
	if !IsFatal(errors.Join(errors.New("ctx"), Fatal(errors.New("bad")))) {
		t.Error("wrapped fatal error not detected")
	}
	if Fatal(nil) != nil {
		t.Error("Fatal(nil) != nil")
	}
}

func TestProcessor_LinksBecomeIDs(t *testing.T) {
	dir := t.TempDir()
	write(t, dir, "a.md", "[b](b.md) [c](sub/c.md) [self](a.md) [img](pic.png)")
	write(t, dir, "b.md", "b")

	p := NewProcessor(source.NewDir([]string{dir}, []string{".md"}), nil)
	doc, err := p.Process(context.Background(), "a.md")
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	want := []string{"b.md", "sub/c.md"}
	if !slices.Equal(doc.Links, want) {
		t.Errorf("Links = %v, want %v", doc.Links, want)
	}

	if _, err := p.Process(context.Background(), "../escape.md"); !IsFatal(err) {
		t.Errorf("escaping id error = %v, want fatal", err)
	}
}
