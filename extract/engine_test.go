package extract

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/ysmood/gson"

	"github.com/gleanhq/glean/models"
)

const productHTML = `<!DOCTYPE html>
<html>
<head><title>Acme Widget | Shop</title></head>
<body>
  <div id="main">
    <h1 class="product-title">  Acme   Widget </h1>
    <span class="price">$1,299.99</span>
    <span class="sku" data-sku="AW-100">SKU</span>
    <ul class="features">
      <li>Durable</li>
      <li> Lightweight </li>
      <li>Waterproof</li>
    </ul>
    <div class="stock">In Stock</div>
    <a class="next" href="/page/2">Next</a>
  </div>
  <div id="footer"><span class="price">$0.00</span></div>
</body>
</html>`

type fakeRunner struct {
	results map[string]gson.JSON
	err     error
	calls   []string
}

func (f *fakeRunner) Eval(_ context.Context, js string) (gson.JSON, error) {
	f.calls = append(f.calls, js)
	if f.err != nil {
		return gson.New(nil), f.err
	}
	return f.results[js], nil
}

func doc(html string) *Document {
	return &Document{URL: "https://shop.example/widget", HTML: html}
}

func rules(rs ...models.Rule) *models.RuleSet {
	return &models.RuleSet{Rules: rs}
}

func TestExtract_TitleSingleton(t *testing.T) {
	e := New()
	res, err := e.Extract(context.Background(), doc(productHTML), rules(
		models.Rule{Name: "title", Kind: models.RuleKindSelector, Selector: "title", Required: true},
	))
	if err != nil {
		t.Fatalf("extract failed: %v", err)
	}
	got, ok := res.Get("title")
	if !ok {
		t.Fatal("title field missing")
	}
	if got != "Acme Widget | Shop" {
		t.Errorf("title = %q", got)
	}
	if res.Partial {
		t.Error("result should not be partial")
	}
}

func TestExtract_FirstMatchWins(t *testing.T) {
	e := New()
	// Both #main and #footer contain a .price; document order decides.
	res, err := e.Extract(context.Background(), doc(productHTML), rules(
		models.Rule{Name: "price", Kind: models.RuleKindSelector, Selector: ".price"},
	))
	if err != nil {
		t.Fatalf("extract failed: %v", err)
	}
	if got, _ := res.Get("price"); got != "$1,299.99" {
		t.Errorf("price = %q, want the first match in document order", got)
	}
}

func TestExtract_NormalizesWhitespace(t *testing.T) {
	e := New()
	res, err := e.Extract(context.Background(), doc(productHTML), rules(
		models.Rule{Name: "name", Kind: models.RuleKindSelector, Selector: ".product-title"},
	))
	if err != nil {
		t.Fatalf("extract failed: %v", err)
	}
	if got, _ := res.Get("name"); got != "Acme Widget" {
		t.Errorf("name = %q, want whitespace collapsed", got)
	}
}

func TestExtract_TypedCoercion(t *testing.T) {
	e := New()
	res, err := e.Extract(context.Background(), doc(productHTML), rules(
		models.Rule{Name: "price", Kind: models.RuleKindSelector, Selector: ".price", Type: models.TypeFloat},
	))
	if err != nil {
		t.Fatalf("extract failed: %v", err)
	}
	if got, _ := res.Get("price"); got != 1299.99 {
		t.Errorf("price = %v (%T), want 1299.99", got, got)
	}
}

func TestExtract_ListCollectsAllMatches(t *testing.T) {
	e := New()
	res, err := e.Extract(context.Background(), doc(productHTML), rules(
		models.Rule{Name: "features", Kind: models.RuleKindSelector, Selector: ".features li", List: true},
	))
	if err != nil {
		t.Fatalf("extract failed: %v", err)
	}
	got, _ := res.Get("features")
	want := []any{"Durable", "Lightweight", "Waterproof"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("features = %v, want %v", got, want)
	}
}

func TestExtract_RequiredMissFails(t *testing.T) {
	e := New()
	_, err := e.Extract(context.Background(), doc(productHTML), rules(
		models.Rule{Name: "rating", Kind: models.RuleKindSelector, Selector: ".rating", Required: true},
	))
	if !models.IsCode(err, models.ErrCodeExtractionRule) {
		t.Fatalf("expected EXTRACTION_RULE_ERROR, got %v", err)
	}
	if !strings.Contains(err.Error(), "rating") {
		t.Errorf("error should name the missing field: %v", err)
	}
}

func TestExtract_OptionalMissMarksPartial(t *testing.T) {
	e := New()
	res, err := e.Extract(context.Background(), doc(productHTML), rules(
		models.Rule{Name: "title", Kind: models.RuleKindSelector, Selector: "title", Required: true},
		models.Rule{Name: "badge", Kind: models.RuleKindSelector, Selector: ".badge"},
	))
	if err != nil {
		t.Fatalf("optional miss should not fail: %v", err)
	}
	if !res.Partial {
		t.Error("result should be partial")
	}
	if !reflect.DeepEqual(res.Missing, []string{"badge"}) {
		t.Errorf("Missing = %v, want [badge]", res.Missing)
	}
	if _, ok := res.Get("title"); !ok {
		t.Error("matched fields should still be present")
	}
}

func TestExtract_FallbackChainFillsName(t *testing.T) {
	e := New()
	res, err := e.Extract(context.Background(), doc(productHTML), rules(
		models.Rule{Name: "price", Kind: models.RuleKindSelector, Selector: ".sale-price", Required: true},
		models.Rule{Name: "price", Kind: models.RuleKindSelector, Selector: ".price"},
	))
	if err != nil {
		t.Fatalf("fallback should satisfy the required name: %v", err)
	}
	if got, _ := res.Get("price"); got != "$1,299.99" {
		t.Errorf("price = %q, want the fallback match", got)
	}
	if res.Partial {
		t.Error("filled name should not count as missing")
	}
}

func TestExtract_FirstRuleWinsOverLaterSameName(t *testing.T) {
	e := New()
	res, err := e.Extract(context.Background(), doc(productHTML), rules(
		models.Rule{Name: "label", Kind: models.RuleKindSelector, Selector: ".stock"},
		models.Rule{Name: "label", Kind: models.RuleKindSelector, Selector: ".product-title"},
	))
	if err != nil {
		t.Fatalf("extract failed: %v", err)
	}
	if got, _ := res.Get("label"); got != "In Stock" {
		t.Errorf("label = %q, the earlier rule should win", got)
	}
	if len(res.Fields) != 1 {
		t.Errorf("expected a single field, got %d", len(res.Fields))
	}
}

func TestExtract_AttrRule(t *testing.T) {
	e := New()
	res, err := e.Extract(context.Background(), doc(productHTML), rules(
		models.Rule{Name: "sku", Kind: models.RuleKindAttr, Selector: ".sku", Attr: "data-sku"},
		models.Rule{Name: "next", Kind: models.RuleKindAttr, Selector: "a.next", Attr: "href"},
	))
	if err != nil {
		t.Fatalf("extract failed: %v", err)
	}
	if got, _ := res.Get("sku"); got != "AW-100" {
		t.Errorf("sku = %q", got)
	}
	if got, _ := res.Get("next"); got != "/page/2" {
		t.Errorf("next = %q", got)
	}
}

func TestExtract_AttrAbsentIsMiss(t *testing.T) {
	e := New()
	res, err := e.Extract(context.Background(), doc(productHTML), rules(
		models.Rule{Name: "lang", Kind: models.RuleKindAttr, Selector: ".stock", Attr: "data-lang"},
	))
	if err != nil {
		t.Fatalf("extract failed: %v", err)
	}
	if !res.Partial || len(res.Missing) != 1 {
		t.Errorf("absent attribute should be a miss: %+v", res)
	}
}

func TestExtract_ScopeRestrictsRules(t *testing.T) {
	e := New()
	res, err := e.Extract(context.Background(), doc(productHTML), &models.RuleSet{
		Scope: "#footer",
		Rules: []models.Rule{
			{Name: "price", Kind: models.RuleKindSelector, Selector: ".price"},
		},
	})
	if err != nil {
		t.Fatalf("extract failed: %v", err)
	}
	if got, _ := res.Get("price"); got != "$0.00" {
		t.Errorf("price = %q, want the footer's", got)
	}
}

func TestExtract_ScopeWithNoMatchMissesRules(t *testing.T) {
	e := New()
	res, err := e.Extract(context.Background(), doc(productHTML), &models.RuleSet{
		Scope: "#sidebar",
		Rules: []models.Rule{
			{Name: "price", Kind: models.RuleKindSelector, Selector: ".price"},
		},
	})
	if err != nil {
		t.Fatalf("extract failed: %v", err)
	}
	if !res.Partial {
		t.Error("rules inside an absent scope should miss")
	}
}

func TestExtract_ScriptRule(t *testing.T) {
	e := New()
	d := doc(productHTML)
	script := `() => document.querySelectorAll('li').length`
	d.Runner = &fakeRunner{results: map[string]gson.JSON{
		script: gson.NewFrom(`3`),
	}}

	res, err := e.Extract(context.Background(), d, rules(
		models.Rule{Name: "count", Kind: models.RuleKindScript, Script: script, Type: models.TypeInt},
	))
	if err != nil {
		t.Fatalf("extract failed: %v", err)
	}
	if got, _ := res.Get("count"); got != int64(3) {
		t.Errorf("count = %v (%T), want int64(3)", got, got)
	}
}

func TestExtract_ScriptPassthrough(t *testing.T) {
	e := New()
	d := doc(productHTML)
	script := `() => [...document.querySelectorAll('a')].map(a => ({href: a.href}))`
	d.Runner = &fakeRunner{results: map[string]gson.JSON{
		script: gson.NewFrom(`[{"href":"https://shop.example/page/2"}]`),
	}}

	res, err := e.Extract(context.Background(), d, rules(
		models.Rule{Name: "links", Kind: models.RuleKindScript, Script: script, List: true},
	))
	if err != nil {
		t.Fatalf("extract failed: %v", err)
	}
	got, _ := res.Get("links")
	arr, ok := got.([]any)
	if !ok || len(arr) != 1 {
		t.Fatalf("links = %#v, want one-element array", got)
	}
	obj, ok := arr[0].(map[string]any)
	if !ok || obj["href"] != "https://shop.example/page/2" {
		t.Errorf("links[0] = %#v", arr[0])
	}
}

func TestExtract_ScriptWithoutRunnerMisses(t *testing.T) {
	e := New()
	res, err := e.Extract(context.Background(), doc(productHTML), rules(
		models.Rule{Name: "live", Kind: models.RuleKindScript, Script: `() => 1`},
	))
	if err != nil {
		t.Fatalf("extract failed: %v", err)
	}
	if !res.Partial {
		t.Error("script rule without a live page should miss")
	}
}

func TestExtract_ScriptErrorIsMissNotFailure(t *testing.T) {
	e := New()
	d := doc(productHTML)
	d.Runner = &fakeRunner{err: errors.New("ReferenceError: x is not defined")}

	res, err := e.Extract(context.Background(), d, rules(
		models.Rule{Name: "broken", Kind: models.RuleKindScript, Script: `() => x`},
		models.Rule{Name: "title", Kind: models.RuleKindSelector, Selector: "title"},
	))
	if err != nil {
		t.Fatalf("a throwing script should not fail the extraction: %v", err)
	}
	if _, ok := res.Get("title"); !ok {
		t.Error("later rules should still run")
	}
	if !res.Partial {
		t.Error("throwing script rule should count as a miss")
	}
}

func TestExtract_CancelledContext(t *testing.T) {
	e := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.Extract(ctx, doc(productHTML), rules(
		models.Rule{Name: "title", Kind: models.RuleKindSelector, Selector: "title"},
	))
	if !models.IsCode(err, models.ErrCodeCancelled) {
		t.Fatalf("expected CANCELLED, got %v", err)
	}
}

func TestExtract_Deterministic(t *testing.T) {
	e := New()
	rs := rules(
		models.Rule{Name: "title", Kind: models.RuleKindSelector, Selector: "title"},
		models.Rule{Name: "features", Kind: models.RuleKindSelector, Selector: ".features li", List: true},
		models.Rule{Name: "price", Kind: models.RuleKindSelector, Selector: ".price", Type: models.TypeFloat},
	)
	r1, err := e.Extract(context.Background(), doc(productHTML), rs)
	if err != nil {
		t.Fatalf("extract failed: %v", err)
	}
	r2, err := e.Extract(context.Background(), doc(productHTML), rs)
	if err != nil {
		t.Fatalf("extract failed: %v", err)
	}
	if !reflect.DeepEqual(r1.Fields, r2.Fields) {
		t.Errorf("same document and rules gave different fields:\n%v\n%v", r1.Fields, r2.Fields)
	}
}

func TestExtract_FieldOrderFollowsRules(t *testing.T) {
	e := New()
	res, err := e.Extract(context.Background(), doc(productHTML), rules(
		models.Rule{Name: "stock", Kind: models.RuleKindSelector, Selector: ".stock"},
		models.Rule{Name: "title", Kind: models.RuleKindSelector, Selector: "title"},
	))
	if err != nil {
		t.Fatalf("extract failed: %v", err)
	}
	if len(res.Fields) != 2 || res.Fields[0].Name != "stock" || res.Fields[1].Name != "title" {
		t.Errorf("fields out of rule order: %+v", res.Fields)
	}
}
