package extract

import (
	"context"

	"github.com/kalambet/runq/internal/source"
)

// Document is a processed document: its text and the ids of the documents
// it links to within the same source.
type Document struct {
	ID    string
	Text  string
	Links []string
}

// Processor resolves document ids against a directory source and extracts
// them.
type Processor struct {
	src *source.Dir
	ex  *Extractor
}

func NewProcessor(src *source.Dir, ex *Extractor) *Processor {
	if ex == nil {
		ex = &Extractor{}
	}
	return &Processor{src: src, ex: ex}
}

// Process extracts documentID. Links leaving the source, or pointing at
// filtered-out files, are dropped.
func (p *Processor) Process(ctx context.Context, documentID string) (Document, error) {
	path, err := p.src.Resolve(documentID)
	if err != nil {
		return Document{}, Fatal(err)
	}
	res, err := p.ex.Extract(ctx, path)
	if err != nil {
		return Document{}, err
	}
	doc := Document{ID: documentID, Text: res.Text}
	for _, l := range res.Links {
		if id, ok := p.src.ID(l); ok && id != documentID {
			doc.Links = append(doc.Links, id)
		}
	}
	return doc, nil
}
