package extract

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"github.com/ysmood/gson"

	"github.com/gleanhq/glean/models"
)

// Engine evaluates rule sets against documents. It is stateless apart
// from the shared markdown converter and safe for concurrent use.
type Engine struct {
	conv *converter.Converter
}

// New builds an extraction engine.
func New() *Engine {
	return &Engine{conv: newMarkdownConverter()}
}

// Extract applies the rule set in declared order.
//
// Rules sharing a name form a fallback chain: once a name is filled,
// later rules for it are skipped. A name that stays unfilled fails the
// extraction with EXTRACTION_RULE_ERROR if any of its rules is required;
// otherwise it is reported in Missing and the result is marked partial.
func (e *Engine) Extract(ctx context.Context, doc *Document, rs *models.RuleSet) (*models.ExtractionResult, error) {
	root, err := doc.parsed()
	if err != nil {
		return nil, models.NewEngineError(models.ErrCodeExtractionRule,
			"document is not parseable HTML", err)
	}

	scope := root.Selection
	if rs.Scope != "" {
		m, err := cascadia.Compile(rs.Scope)
		if err != nil {
			return nil, models.NewEngineError(models.ErrCodeInvalidInput,
				fmt.Sprintf("invalid scope selector %q", rs.Scope), err)
		}
		scope = root.FindMatcher(m).First()
	}

	filled := make(map[string]bool, len(rs.Rules))
	var fields []models.Field

	for i := range rs.Rules {
		r := &rs.Rules[i]
		if cerr := ctx.Err(); cerr != nil {
			return nil, models.NewEngineError(models.ErrCodeCancelled,
				"extraction cancelled", cerr)
		}
		if filled[r.Name] {
			continue
		}
		val, ok, rerr := e.evalRule(ctx, doc, scope, r)
		if rerr != nil {
			return nil, rerr
		}
		if !ok {
			continue
		}
		fields = append(fields, models.Field{Name: r.Name, Value: val})
		filled[r.Name] = true
	}

	// Resolve misses after the whole pass so fallback rules further down
	// the list get their chance before a required name is declared dead.
	var missing []string
	seenMiss := make(map[string]bool)
	for i := range rs.Rules {
		r := &rs.Rules[i]
		if filled[r.Name] || seenMiss[r.Name] {
			continue
		}
		seenMiss[r.Name] = true
		if requiredName(rs.Rules, r.Name) {
			return nil, models.NewEngineError(models.ErrCodeExtractionRule,
				fmt.Sprintf("required field %q matched nothing", r.Name), nil)
		}
		missing = append(missing, r.Name)
	}

	return &models.ExtractionResult{
		Fields:  fields,
		Missing: missing,
		Partial: len(missing) > 0,
	}, nil
}

// Content distills the document's main content in the given format
// ("text", "html", or "markdown") without a rule set. It backs the page
// reader surface and supplies the input for schema extraction.
func (e *Engine) Content(doc *Document, format string) (string, error) {
	r := models.Rule{Kind: models.RuleKindContent, Format: format}
	v, _, err := e.evalContent(doc, &r)
	if err != nil {
		return "", err
	}
	s, _ := v.(string)
	return s, nil
}

// requiredName reports whether any rule supplying the name is required.
func requiredName(rules []models.Rule, name string) bool {
	for i := range rules {
		if rules[i].Name == name && rules[i].Required {
			return true
		}
	}
	return false
}

// evalRule evaluates one rule. ok reports whether the rule matched; the
// error return is reserved for invalid rules and cancellation.
func (e *Engine) evalRule(ctx context.Context, doc *Document, scope *goquery.Selection, r *models.Rule) (any, bool, error) {
	switch r.Kind {
	case models.RuleKindSelector:
		return e.evalSelector(scope, r)
	case models.RuleKindAttr:
		return evalAttr(scope, r)
	case models.RuleKindScript:
		return e.evalScript(ctx, doc, r)
	case models.RuleKindContent:
		return e.evalContent(doc, r)
	default:
		return nil, false, models.NewEngineError(models.ErrCodeInvalidInput,
			fmt.Sprintf("rule %q: unknown kind %q", r.Name, r.Kind), nil)
	}
}

func (e *Engine) evalSelector(scope *goquery.Selection, r *models.Rule) (any, bool, error) {
	m, err := cascadia.Compile(r.Selector)
	if err != nil {
		return nil, false, models.NewEngineError(models.ErrCodeInvalidInput,
			fmt.Sprintf("rule %q: invalid selector %q", r.Name, r.Selector), err)
	}
	sel := scope.FindMatcher(m)

	if r.List {
		var out []any
		sel.Each(func(_ int, s *goquery.Selection) {
			if v, ok := e.nodeValue(s, r); ok {
				out = append(out, v)
			}
		})
		if len(out) == 0 {
			return nil, false, nil
		}
		return out, true, nil
	}

	if sel.Length() == 0 {
		return nil, false, nil
	}
	v, ok := e.nodeValue(sel.First(), r)
	return v, ok, nil
}

// nodeValue renders one matched element per the rule's format and type.
func (e *Engine) nodeValue(s *goquery.Selection, r *models.Rule) (any, bool) {
	switch r.OutputFormat() {
	case models.FormatHTML:
		h, err := goquery.OuterHtml(s)
		if err != nil {
			return nil, false
		}
		return h, true
	case models.FormatMarkdown:
		h, err := goquery.OuterHtml(s)
		if err != nil {
			return nil, false
		}
		md, err := e.conv.ConvertString(h)
		if err != nil {
			return nil, false
		}
		return strings.TrimSpace(md), true
	default:
		return coerceText(s.Text(), r.ValueType())
	}
}

func evalAttr(scope *goquery.Selection, r *models.Rule) (any, bool, error) {
	m, err := cascadia.Compile(r.Selector)
	if err != nil {
		return nil, false, models.NewEngineError(models.ErrCodeInvalidInput,
			fmt.Sprintf("rule %q: invalid selector %q", r.Name, r.Selector), err)
	}
	sel := scope.FindMatcher(m)

	if r.List {
		var out []any
		sel.Each(func(_ int, s *goquery.Selection) {
			raw, exists := s.Attr(r.Attr)
			if !exists {
				return
			}
			if v, ok := coerceText(raw, r.ValueType()); ok {
				out = append(out, v)
			}
		})
		if len(out) == 0 {
			return nil, false, nil
		}
		return out, true, nil
	}

	if sel.Length() == 0 {
		return nil, false, nil
	}
	raw, exists := sel.First().Attr(r.Attr)
	if !exists {
		return nil, false, nil
	}
	v, ok := coerceText(raw, r.ValueType())
	return v, ok, nil
}

// evalScript runs the rule's script in the live page. With no type set
// the returned JSON passes through unchanged, which lets a script hand
// back whole objects or arrays.
func (e *Engine) evalScript(ctx context.Context, doc *Document, r *models.Rule) (any, bool, error) {
	if doc.Runner == nil {
		return nil, false, nil
	}
	res, err := doc.Runner.Eval(ctx, r.Script)
	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return nil, false, models.NewEngineError(models.ErrCodeCancelled,
				"extraction cancelled", cerr)
		}
		slog.Debug("script rule failed", "field", r.Name, "error", err)
		return nil, false, nil
	}
	return scriptValue(res, r)
}

func scriptValue(res gson.JSON, r *models.Rule) (any, bool, error) {
	v := res.Val()
	if v == nil {
		return nil, false, nil
	}
	if r.List {
		arr, ok := v.([]any)
		if !ok {
			return nil, false, nil
		}
		if r.Type == "" {
			if len(arr) == 0 {
				return nil, false, nil
			}
			return arr, true, nil
		}
		var out []any
		for _, item := range arr {
			if cv, ok := coerceAny(item, r.ValueType()); ok {
				out = append(out, cv)
			}
		}
		if len(out) == 0 {
			return nil, false, nil
		}
		return out, true, nil
	}
	if r.Type == "" {
		return v, true, nil
	}
	cv, ok := coerceAny(v, r.ValueType())
	return cv, ok, nil
}

// evalContent distills the page's main article content.
func (e *Engine) evalContent(doc *Document, r *models.Rule) (any, bool, error) {
	article, _ := readable(doc.HTML, doc.URL)
	switch r.OutputFormat() {
	case models.FormatHTML:
		return article.Content, true, nil
	case models.FormatText:
		return strings.TrimSpace(article.TextContent), true, nil
	default:
		md, err := e.conv.ConvertString(article.Content, converter.WithDomain(domainOf(doc.URL)))
		if err != nil {
			slog.Warn("markdown conversion failed, returning text content",
				"url", doc.URL, "error", err)
			return strings.TrimSpace(article.TextContent), true, nil
		}
		return strings.TrimSpace(md), true, nil
	}
}
