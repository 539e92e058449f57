package simhash

import (
	"strings"

	"golang.org/x/net/html"
)

// Structure fingerprints the markup's tag sequence, ignoring text and
// attributes. Compared against a prior run it separates template
// changes, which put selectors at risk, from content-only drift.
func Structure(markup string) uint64 {
	return fromTokens(tagStream(markup))
}

// tagStream tokenizes markup and returns opening tag names in document
// order. Malformed markup yields whatever tags the tokenizer reached.
func tagStream(markup string) []string {
	z := html.NewTokenizer(strings.NewReader(markup))
	var tags []string
	for {
		switch z.Next() {
		case html.ErrorToken:
			return tags
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			tags = append(tags, string(name))
		}
	}
}
