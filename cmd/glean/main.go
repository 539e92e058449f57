// Command glean loads a page in a pooled headless browser, applies an
// extraction rule set, and prints the result as JSON on stdout.
//
// With no -rules flag it extracts the page title and the main article
// content as markdown. Logs go to stderr.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gleanhq/glean/browser"
	"github.com/gleanhq/glean/config"
	"github.com/gleanhq/glean/jobs"
	"github.com/gleanhq/glean/models"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		rulesArg   = flag.String("rules", "", "rule set: a path to a JSON file, or inline JSON starting with '{'")
		schema     = flag.String("schema", "", "JSON schema for LLM structured extraction (key from GLEAN_LLM_API_KEY)")
		timeoutMs  = flag.Int("timeout-ms", 0, "per-attempt navigation timeout in ms (0 uses the configured default)")
		waitFor    = flag.String("wait-for", "", "CSS selector that must render before extraction")
		screenshot = flag.Bool("screenshot", false, "include a full-page screenshot (base64 PNG) in the result")
		stealth    = flag.Bool("stealth", false, "enable anti-bot-detection evasions")
		download   = flag.Bool("download", false, "fetch the raw resource without rendering and write it to stdout")
		compact    = flag.Bool("compact", false, "print the result on one line instead of indented")
	)
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() != 1 {
		usage()
		return 2
	}
	target := flag.Arg(0)

	cfg := config.Load()
	initLogger(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng := jobs.New(cfg, browser.NewRodLauncher(cfg.Browser))
	defer eng.Close()

	if *download {
		dl, err := eng.Download(ctx, target)
		if err != nil {
			slog.Error("download failed", "code", models.CodeOf(err), "error", err)
			return 1
		}
		slog.Info("resource fetched",
			"content_type", dl.ContentType, "size", dl.Size, "filename", dl.Filename)
		if _, err := os.Stdout.Write(dl.Data); err != nil {
			slog.Error("writing resource failed", "error", err)
			return 1
		}
		return 0
	}

	rules, err := loadRules(*rulesArg)
	if err != nil {
		slog.Error("invalid rule set", "error", err)
		return 2
	}

	if cfg.Pool.Prewarm {
		if err := eng.Warm(ctx); err != nil {
			slog.Warn("browser prewarm incomplete", "error", err)
		}
	}

	req := &models.ExtractRequest{
		Locator:      target,
		Rules:        *rules,
		TimeoutMs:    *timeoutMs,
		WaitSelector: *waitFor,
		Screenshot:   *screenshot,
		Stealth:      *stealth,
	}
	if *schema != "" {
		req.Schema = *schema
		req.LLMAPIKey = os.Getenv("GLEAN_LLM_API_KEY")
	}

	result, err := eng.Extract(ctx, req)
	if err != nil {
		slog.Error("extraction failed", "code", models.CodeOf(err), "error", err)
		return 1
	}

	enc := json.NewEncoder(os.Stdout)
	if !*compact {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(result); err != nil {
		slog.Error("encoding result failed", "error", err)
		return 1
	}
	return 0
}

// loadRules resolves the -rules flag. Empty means the default reader
// rules: the page title plus the main content as markdown.
func loadRules(arg string) (*models.RuleSet, error) {
	if arg == "" {
		return &models.RuleSet{Rules: []models.Rule{
			{Name: "title", Kind: models.RuleKindSelector, Selector: "title"},
			{Name: "content", Kind: models.RuleKindContent},
		}}, nil
	}
	data := []byte(arg)
	if !strings.HasPrefix(strings.TrimSpace(arg), "{") {
		var err error
		data, err = os.ReadFile(arg)
		if err != nil {
			return nil, err
		}
	}
	return models.ParseRules(data)
}

func usage() {
	fmt.Fprint(os.Stderr, `glean extracts structured data from web pages with a headless browser.

Usage:
  glean [flags] <url>

Examples:
  glean https://example.com
  glean -rules product.json https://shop.example/widget
  glean -rules '{"rules":[{"name":"title","kind":"selector","selector":"h1"}]}' https://example.com
  glean -download https://example.com/report.pdf > report.pdf

Flags:
`)
	flag.PrintDefaults()
}

// initLogger configures slog from LogConfig. The CLI logs to stderr so
// stdout stays clean for the result payload.
func initLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}

	slog.SetDefault(slog.New(handler))
}
