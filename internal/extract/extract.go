// Package extract pulls text and outgoing links out of documents. It is the
// processing step the worker runs between claim and complete; its errors
// carry the retryable/fatal classification the worker hands to the queue.
package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"
)

// FatalError marks a failure that will not go away on retry: an unsupported
// or corrupt format, a missing file, a permission denial.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

// Fatal wraps err as non-retryable.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

// IsFatal reports whether err is non-retryable.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// Result is what one file yielded. Links are absolute paths of local link
// targets, de-duplicated, in document order.
type Result struct {
	Text  string
	Links []string
}

// Extractor reads files of the supported formats.
type Extractor struct {
	// MaxBytes caps the size of files read; zero means no cap.
	MaxBytes int64
}

// Extract reads path and returns its text and local links.
func (e *Extractor) Extract(ctx context.Context, path string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
			return Result{}, Fatal(err)
		}
		return Result{}, err
	}
	if e.MaxBytes > 0 && info.Size() > e.MaxBytes {
		return Result{}, Fatal(fmt.Errorf("%s is %d bytes, over the %d byte limit", path, info.Size(), e.MaxBytes))
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".txt", ".text":
		data, err := readFile(path)
		if err != nil {
			return Result{}, err
		}
		return Result{Text: string(data)}, nil
	case ".md", ".markdown":
		data, err := readFile(path)
		if err != nil {
			return Result{}, err
		}
		return Result{Text: string(data), Links: resolveLinks(path, markdownLinks(data))}, nil
	case ".html", ".htm":
		data, err := readFile(path)
		if err != nil {
			return Result{}, err
		}
		text, hrefs, err := parseHTML(data)
		if err != nil {
			return Result{}, Fatal(fmt.Errorf("parsing %s: %w", path, err))
		}
		return Result{Text: text, Links: resolveLinks(path, hrefs)}, nil
	case ".pdf":
		text, err := pdfText(path)
		if err != nil {
			return Result{}, err
		}
		return Result{Text: text}, nil
	default:
		return Result{}, Fatal(fmt.Errorf("unsupported document format %q", ext))
	}
}

func readFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
			return nil, Fatal(err)
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return data, nil
}

var mdLink = regexp.MustCompile(`\[[^\]]*\]\(\s*<?([^)\s>]+)>?(?:\s+"[^"]*")?\s*\)`)

func markdownLinks(data []byte) []string {
	var out []string
	for _, m := range mdLink.FindAllSubmatch(data, -1) {
		out = append(out, string(m[1]))
	}
	return out
}

func parseHTML(data []byte) (string, []string, error) {
	doc, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return "", nil, err
	}
	var text strings.Builder
	var hrefs []string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.ElementNode:
			switch n.Data {
			case "script", "style", "noscript":
				return
			case "a":
				for _, a := range n.Attr {
					if a.Key == "href" {
						hrefs = append(hrefs, a.Val)
					}
				}
			}
		case html.TextNode:
			if s := strings.TrimSpace(n.Data); s != "" {
				if text.Len() > 0 {
					text.WriteByte(' ')
				}
				text.WriteString(s)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return text.String(), hrefs, nil
}

func pdfText(path string) (string, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
			return "", Fatal(err)
		}
		return "", Fatal(fmt.Errorf("opening pdf %s: %w", path, err))
	}
	defer f.Close()

	plain, err := r.GetPlainText()
	if err != nil {
		return "", Fatal(fmt.Errorf("reading pdf text from %s: %w", path, err))
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, plain); err != nil {
		return "", fmt.Errorf("reading pdf text from %s: %w", path, err)
	}
	return buf.String(), nil
}

// resolveLinks keeps relative links to local files and makes them absolute
// against the linking document's directory.
func resolveLinks(from string, raw []string) []string {
	base := filepath.Dir(from)
	seen := make(map[string]bool)
	var out []string
	for _, l := range raw {
		u, err := url.Parse(strings.TrimSpace(l))
		if err != nil || u.Scheme != "" || u.Host != "" || u.Path == "" {
			continue
		}
		p := filepath.FromSlash(u.Path)
		if !filepath.IsAbs(p) {
			p = filepath.Join(base, p)
		}
		p = filepath.Clean(p)
		if seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}
