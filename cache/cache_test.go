package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/gleanhq/glean/models"
)

func sampleResult(value string) *models.ExtractionResult {
	return &models.ExtractionResult{
		Fields: []models.Field{{Name: "title", Value: value}},
		Provenance: models.Provenance{
			Locator:  "https://site.example/page",
			FinalURL: "https://site.example/page",
		},
	}
}

func TestCache_GetReturnsStoredResult(t *testing.T) {
	c := New(10)
	defer c.Close()

	key := Key("https://site.example/page", nil)
	c.Set(key, sampleResult("hello"))

	got, ok := c.Get(key, 60_000)
	if !ok {
		t.Fatal("expected a cache hit")
	}
	if v, _ := got.Get("title"); v != "hello" {
		t.Errorf("title = %v, want hello", v)
	}
	if !got.Provenance.CacheHit {
		t.Error("returned result not marked as a cache hit")
	}
}

func TestCache_HitIsACopy(t *testing.T) {
	c := New(10)
	defer c.Close()

	stored := sampleResult("hello")
	key := Key("https://site.example/page", nil)
	c.Set(key, stored)

	if _, ok := c.Get(key, 60_000); !ok {
		t.Fatal("expected a cache hit")
	}
	if stored.Provenance.CacheHit {
		t.Error("stored original must stay unmarked")
	}
}

func TestCache_ZeroMaxAgeSkipsLookup(t *testing.T) {
	c := New(10)
	defer c.Close()

	key := Key("https://site.example/page", nil)
	c.Set(key, sampleResult("hello"))

	if _, ok := c.Get(key, 0); ok {
		t.Error("maxAgeMs 0 must disable the lookup")
	}
	if _, ok := c.Get(key, -1); ok {
		t.Error("negative maxAgeMs must disable the lookup")
	}
}

func TestCache_ExpiredEntryMisses(t *testing.T) {
	c := New(10)
	defer c.Close()

	key := Key("https://site.example/page", nil)
	c.Set(key, sampleResult("hello"))

	// Backdate the entry past any plausible max age.
	c.mu.Lock()
	c.store[key].createdAt = time.Now().Add(-time.Hour)
	c.mu.Unlock()

	if _, ok := c.Get(key, 1000); ok {
		t.Error("expired entry should miss")
	}
}

func TestCache_KeyVariesWithRules(t *testing.T) {
	locator := "https://site.example/page"
	a := Key(locator, &models.RuleSet{Rules: []models.Rule{
		{Name: "title", Kind: models.RuleKindSelector, Selector: "h1"},
	}})
	b := Key(locator, &models.RuleSet{Rules: []models.Rule{
		{Name: "title", Kind: models.RuleKindSelector, Selector: "h2"},
	}})
	if a == b {
		t.Error("different rule sets must not share a key")
	}
	if a != Key(locator, &models.RuleSet{Rules: []models.Rule{
		{Name: "title", Kind: models.RuleKindSelector, Selector: "h1"},
	}}) {
		t.Error("identical requests must share a key")
	}
	if a == Key("https://other.example/", nil) {
		t.Error("different locators must not share a key")
	}
}

func TestCache_EvictsAtCapacity(t *testing.T) {
	c := New(3)
	defer c.Close()

	for i := 0; i < 5; i++ {
		c.Set(Key(fmt.Sprintf("https://site.example/p%d", i), nil), sampleResult("x"))
	}
	if got := c.Len(); got != 3 {
		t.Errorf("len = %d, want 3", got)
	}
}

func TestCache_SetOverwritesExisting(t *testing.T) {
	c := New(10)
	defer c.Close()

	key := Key("https://site.example/page", nil)
	c.Set(key, sampleResult("old"))
	c.Set(key, sampleResult("new"))

	got, ok := c.Get(key, 60_000)
	if !ok {
		t.Fatal("expected a cache hit")
	}
	if v, _ := got.Get("title"); v != "new" {
		t.Errorf("title = %v, want new", v)
	}
	if c.Len() != 1 {
		t.Errorf("len = %d, want 1", c.Len())
	}
}
