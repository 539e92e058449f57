// Package extract applies declarative rule sets to loaded pages. Rules
// evaluate in declared order against the rendered markup; script rules
// reach back into the live page when one is still attached.
package extract

import (
	"context"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"github.com/ysmood/gson"
)

// ScriptRunner evaluates a JavaScript function expression in a live
// page. A loaded navigator page satisfies this.
type ScriptRunner interface {
	Eval(ctx context.Context, js string) (gson.JSON, error)
}

// Document is the extraction input: the rendered markup of one page,
// plus an optional runner for script rules.
type Document struct {
	// URL is the document's final URL, used to resolve relative links.
	URL string

	// HTML is the rendered markup.
	HTML string

	// Runner evaluates script rules against the live page. When nil,
	// script rules simply miss.
	Runner ScriptRunner

	once   sync.Once
	doc    *goquery.Document
	docErr error
}

// parsed returns the goquery tree, building it on first use.
func (d *Document) parsed() (*goquery.Document, error) {
	d.once.Do(func() {
		d.doc, d.docErr = goquery.NewDocumentFromReader(strings.NewReader(d.HTML))
	})
	return d.doc, d.docErr
}

// Text returns the document's concatenated text. Content fingerprints
// are computed over it.
func (d *Document) Text() (string, error) {
	doc, err := d.parsed()
	if err != nil {
		return "", err
	}
	return doc.Text(), nil
}
