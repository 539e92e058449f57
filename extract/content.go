package extract

import (
	"log/slog"
	nurl "net/url"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	readability "github.com/go-shiori/go-readability"
)

// minContentLength is the shortest TextContent readability output can
// have and still be trusted. Below it the algorithm likely missed the
// main content and the raw markup is used instead.
const minContentLength = 50

// newMarkdownConverter builds the shared, goroutine-safe converter:
// the base plugin strips script/style/head noise, commonmark renders
// standard Markdown, and the table plugin keeps tabular structure with
// minimal cell padding.
func newMarkdownConverter() *converter.Converter {
	return converter.NewConverter(
		converter.WithPlugins(
			base.NewBasePlugin(),
			commonmark.NewCommonmarkPlugin(),
			table.NewTablePlugin(
				table.WithCellPaddingBehavior(table.CellPaddingBehaviorMinimal),
			),
		),
	)
}

// readable runs the Mozilla Readability algorithm over the document.
// Extraction must not fail just because readability choked, so every
// failure path falls back to the raw markup; the second return reports
// whether real article content was found.
func readable(rawHTML, sourceURL string) (readability.Article, bool) {
	parsedURL, err := nurl.Parse(sourceURL)
	if err != nil {
		slog.Warn("readability: invalid source URL, using raw markup",
			"url", sourceURL, "error", err)
		return fallbackArticle(rawHTML), false
	}

	article, err := readability.FromReader(strings.NewReader(rawHTML), parsedURL)
	if err != nil {
		slog.Warn("readability: extraction failed, using raw markup",
			"url", sourceURL, "error", err)
		return fallbackArticle(rawHTML), false
	}

	if len(strings.TrimSpace(article.TextContent)) < minContentLength {
		slog.Debug("readability: content too short, using raw markup",
			"url", sourceURL, "length", len(article.TextContent))
		return fallbackArticle(rawHTML), false
	}

	return article, true
}

func fallbackArticle(rawHTML string) readability.Article {
	return readability.Article{
		Content:     rawHTML,
		TextContent: rawHTML,
	}
}

// domainOf returns scheme://host for resolving relative links in
// markdown output, or "" when the URL does not parse.
func domainOf(sourceURL string) string {
	u, err := nurl.Parse(sourceURL)
	if err != nil || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}
