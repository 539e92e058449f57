package simhash

import (
	"strings"
	"testing"
)

const articleText = "the museum reopened on tuesday after a two year renovation " +
	"that doubled its gallery space and added a rooftop garden visitors " +
	"queued around the block for the first public tours and the director " +
	"said attendance records could fall within the opening month"

func TestText_Deterministic(t *testing.T) {
	fp1 := Text(articleText)
	fp2 := Text(articleText)

	if fp1 != fp2 {
		t.Errorf("same text produced different fingerprints: %016x vs %016x", fp1, fp2)
	}
	if fp1 == 0 {
		t.Error("non-empty text produced zero fingerprint")
	}
}

func TestText_WhitespaceInsensitive(t *testing.T) {
	reflowed := strings.ReplaceAll(articleText, " ", "\n\t ")

	if got, want := Text(reflowed), Text(articleText); got != want {
		t.Errorf("reflowed whitespace moved the fingerprint: %016x vs %016x", got, want)
	}
}

func TestText_MinorEditStaysClose(t *testing.T) {
	reworded := strings.Replace(articleText, "reopened", "opened", 1)

	dist := Distance(Text(articleText), Text(reworded))
	if dist > 28 {
		t.Errorf("one-word edit moved %d bits, want a distance well under half", dist)
	}
}

func TestText_UnrelatedTextsFarApart(t *testing.T) {
	other := "quarterly earnings beat analyst expectations as cloud revenue " +
		"grew forty percent year over year and the board approved an " +
		"expanded buyback program alongside a modest dividend increase"

	dist := Distance(Text(articleText), Text(other))
	if dist < 6 {
		t.Errorf("unrelated texts only %d bits apart", dist)
	}
}

func TestText_EmptyAndBlank(t *testing.T) {
	for _, in := range []string{"", "   \t\n  "} {
		if fp := Text(in); fp != 0 {
			t.Errorf("Text(%q) = %016x, want 0", in, fp)
		}
	}
}

func TestText_ShortInputFallsBackToTokens(t *testing.T) {
	fp := Text("hello")
	if fp == 0 {
		t.Error("single token produced zero fingerprint")
	}
	if fp != Text("hello") {
		t.Error("single-token fingerprint not deterministic")
	}
	if Text("hello") == Text("world") {
		t.Error("distinct single tokens produced the same fingerprint")
	}
}

func TestDistance(t *testing.T) {
	tests := []struct {
		name string
		a, b uint64
		want int
	}{
		{"identical", 0xFF, 0xFF, 0},
		{"all bits", 0, ^uint64(0), 64},
		{"one bit", 0, 1, 1},
		{"two bits", 0, 3, 2},
		{"both zero", 0, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Distance(tt.a, tt.b); got != tt.want {
				t.Errorf("Distance(%#x, %#x) = %d, want %d", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestChanged(t *testing.T) {
	if Changed(0xF0, 0xF0, 0) {
		t.Error("identical fingerprints reported as changed")
	}
	if !Changed(0, 0xF, 3) {
		t.Error("4-bit difference not reported as change at tolerance 3")
	}
	if Changed(0, 0xF, 4) {
		t.Error("4-bit difference reported as change at tolerance 4")
	}
}

func TestStructure_TextChangesDoNotMove(t *testing.T) {
	page1 := `<html><head><title>Page 1</title></head><body><div><h1>Hello</h1><p>World</p></div></body></html>`
	page2 := `<html><head><title>Page 2</title></head><body><div><h1>Hi</h1><p>Earth</p></div></body></html>`

	fp1 := Structure(page1)
	fp2 := Structure(page2)
	if fp1 != fp2 {
		t.Errorf("same tag sequence produced different fingerprints, distance %d", Distance(fp1, fp2))
	}
}

func TestStructure_TemplateChangeMoves(t *testing.T) {
	article := `<html><body><div><h1>Title</h1><p>Text</p><p>More</p></div></body></html>`
	table := `<html><body><table><tr><td>A</td><td>B</td></tr><tr><td>C</td><td>D</td></tr></table></body></html>`

	if dist := Distance(Structure(article), Structure(table)); dist < 3 {
		t.Errorf("different templates only %d bits apart", dist)
	}
}

func TestStructure_DepthMatters(t *testing.T) {
	deep := `<div><div><div><p>Deep</p></div></div></div>`
	shallow := `<div><p>Shallow</p></div>`

	if Structure(deep) == Structure(shallow) {
		t.Error("different nesting depths produced the same fingerprint")
	}
}

func TestStructure_NoTags(t *testing.T) {
	for _, in := range []string{"", "just some plain text with no tags"} {
		if fp := Structure(in); fp != 0 {
			t.Errorf("Structure(%q) = %016x, want 0", in, fp)
		}
	}
}

func TestStructure_SingleTag(t *testing.T) {
	if Structure("<br/>") == 0 {
		t.Error("single self-closing tag produced zero fingerprint")
	}
}

func TestTagStream(t *testing.T) {
	markup := `<html><head><title>Test</title></head><body><div><p>Hello</p></div></body></html>`

	got := tagStream(markup)
	want := []string{"html", "head", "title", "body", "div", "p"}
	if len(got) != len(want) {
		t.Fatalf("got %d tags %v, want %d", len(got), got, len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("tag[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestShingles(t *testing.T) {
	got := shingles([]string{"a", "b", "c", "d"})
	want := []string{"a\x1fb\x1fc", "b\x1fc\x1fd"}

	if len(got) != len(want) {
		t.Fatalf("got %d shingles %v, want %d", len(got), got, len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("shingle[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestShingles_TooFewTokens(t *testing.T) {
	if got := shingles([]string{"a", "b"}); got != nil {
		t.Errorf("want nil below the shingle width, got %v", got)
	}
}
