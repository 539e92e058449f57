// Command glean-mcp exposes the extraction engine over the Model Context
// Protocol on stdio. The engine runs in-process; no separate daemon is
// needed. Logs go to stderr since stdout carries the protocol.
package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/gleanhq/glean/browser"
	"github.com/gleanhq/glean/config"
	"github.com/gleanhq/glean/jobs"
	"github.com/gleanhq/glean/models"
)

func main() {
	cfg := config.Load()
	initLogger(cfg.Log)

	eng := jobs.New(cfg, browser.NewRodLauncher(cfg.Browser))
	defer eng.Close()

	s := server.NewMCPServer(
		"glean",
		"1.0.0",
		server.WithToolCapabilities(false),
	)

	extractPageTool := mcp.NewTool("extract_page",
		mcp.WithDescription("Load a web page in a headless browser and extract structured fields with a declarative rule set. Returns the extraction result as JSON, including provenance (final URL, status code, content fingerprint)."),
		mcp.WithString("url",
			mcp.Required(),
			mcp.Description("The URL of the page to extract from"),
		),
		mcp.WithString("rules",
			mcp.Required(),
			mcp.Description(`Rule set as a JSON string, e.g. {"rules":[{"name":"title","kind":"selector","selector":"h1","required":true}]}. Kinds: selector, attr, script, content.`),
		),
		mcp.WithString("wait_for",
			mcp.Description("CSS selector that must render before extraction begins"),
		),
		mcp.WithBoolean("stealth",
			mcp.Description("Enable anti-bot-detection evasions"),
		),
		mcp.WithBoolean("screenshot",
			mcp.Description("Include a full-page screenshot (base64 PNG) in the result"),
		),
	)
	s.AddTool(extractPageTool, handleExtractPage(eng))

	readPageTool := mcp.NewTool("read_page",
		mcp.WithDescription("Load a web page and return its main article content, stripped of navigation and ads. Best for reading documentation, articles, and blog posts."),
		mcp.WithString("url",
			mcp.Required(),
			mcp.Description("The URL of the page to read"),
		),
		mcp.WithString("format",
			mcp.Description("Content format: 'markdown' (default), 'text', or 'html'"),
			mcp.Enum("markdown", "text", "html"),
		),
	)
	s.AddTool(readPageTool, handleReadPage(eng))

	extractDataTool := mcp.NewTool("extract_data",
		mcp.WithDescription("Load a web page and extract structured data with an LLM guided by a JSON schema. Requires an OpenAI-compatible API key (bring your own key; it is never stored)."),
		mcp.WithString("url",
			mcp.Required(),
			mcp.Description("The URL of the page to extract from"),
		),
		mcp.WithString("schema",
			mcp.Required(),
			mcp.Description("JSON schema string describing the desired output structure"),
		),
		mcp.WithString("llm_api_key",
			mcp.Required(),
			mcp.Description("API key for the LLM service (OpenAI-compatible)"),
		),
		mcp.WithString("llm_model",
			mcp.Description("LLM model to use (default from engine config)"),
		),
	)
	s.AddTool(extractDataTool, handleExtractData(eng))

	submitJobTool := mcp.NewTool("submit_job",
		mcp.WithDescription("Queue an extraction job and return its ID immediately. Poll it with job_status, or set webhook_url for a signed terminal event."),
		mcp.WithString("url",
			mcp.Required(),
			mcp.Description("The URL of the page to extract from"),
		),
		mcp.WithString("rules",
			mcp.Required(),
			mcp.Description("Rule set as a JSON string (same shape as extract_page)"),
		),
		mcp.WithString("webhook_url",
			mcp.Description("Endpoint to receive the job.completed/job.failed event"),
		),
	)
	s.AddTool(submitJobTool, handleSubmitJob(eng))

	jobStatusTool := mcp.NewTool("job_status",
		mcp.WithDescription("Report the status of a submitted extraction job, including its result once it succeeded."),
		mcp.WithString("job_id",
			mcp.Required(),
			mcp.Description("The job ID returned by submit_job"),
		),
	)
	s.AddTool(jobStatusTool, handleJobStatus(eng))

	cancelJobTool := mcp.NewTool("cancel_job",
		mcp.WithDescription("Request cancellation of a queued or running job. Running jobs stop at their next suspension point."),
		mcp.WithString("job_id",
			mcp.Required(),
			mcp.Description("The job ID to cancel"),
		),
	)
	s.AddTool(cancelJobTool, handleCancelJob(eng))

	fetchResourceTool := mcp.NewTool("fetch_resource",
		mcp.WithDescription("Download a resource (file, API payload, image) directly over HTTP without rendering. Text responses are returned inline; binary ones base64-encoded."),
		mcp.WithString("url",
			mcp.Required(),
			mcp.Description("The URL of the resource to download"),
		),
	)
	s.AddTool(fetchResourceTool, handleFetchResource(eng))

	healthTool := mcp.NewTool("engine_health",
		mcp.WithDescription("Report engine health: browser pool utilisation, job counts, and queue depth."),
	)
	s.AddTool(healthTool, handleHealth(eng))

	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}
}

func handleExtractPage(eng *jobs.Orchestrator) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		req, errResult := requestFromArgs(request)
		if errResult != nil {
			return errResult, nil
		}

		result, err := eng.Extract(ctx, req)
		if err != nil {
			return engineError(err), nil
		}
		return jsonResult(result)
	}
}

func handleReadPage(eng *jobs.Orchestrator) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		url, err := request.RequireString("url")
		if err != nil {
			return mcp.NewToolResultError("url is required"), nil
		}
		format := request.GetString("format", models.FormatMarkdown)

		result, xerr := eng.Extract(ctx, &models.ExtractRequest{
			Locator: url,
			Rules: models.RuleSet{Rules: []models.Rule{
				{Name: "title", Kind: models.RuleKindSelector, Selector: "title"},
				{Name: "content", Kind: models.RuleKindContent, Format: format, Required: true},
			}},
		})
		if xerr != nil {
			return engineError(xerr), nil
		}

		var sb strings.Builder
		if title, ok := result.Get("title"); ok {
			fmt.Fprintf(&sb, "Title: %v\n", title)
		}
		fmt.Fprintf(&sb, "Source: %s\n\n", result.Provenance.FinalURL)
		if content, ok := result.Get("content"); ok {
			fmt.Fprintf(&sb, "%v", content)
		}
		return mcp.NewToolResultText(sb.String()), nil
	}
}

func handleExtractData(eng *jobs.Orchestrator) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		url, err := request.RequireString("url")
		if err != nil {
			return mcp.NewToolResultError("url is required"), nil
		}
		schemaStr, err := request.RequireString("schema")
		if err != nil {
			return mcp.NewToolResultError("schema is required"), nil
		}
		llmAPIKey, err := request.RequireString("llm_api_key")
		if err != nil {
			return mcp.NewToolResultError("llm_api_key is required"), nil
		}
		if !json.Valid([]byte(schemaStr)) {
			return mcp.NewToolResultError("schema must be valid JSON"), nil
		}

		result, xerr := eng.Extract(ctx, &models.ExtractRequest{
			Locator: url,
			Rules: models.RuleSet{Rules: []models.Rule{
				{Name: "content", Kind: models.RuleKindContent, Required: true},
			}},
			Schema:    schemaStr,
			LLMAPIKey: llmAPIKey,
			LLMModel:  request.GetString("llm_model", ""),
		})
		if xerr != nil {
			return engineError(xerr), nil
		}

		var pretty strings.Builder
		fmt.Fprintf(&pretty, "Source: %s\n\nExtracted data:\n", result.Provenance.FinalURL)
		var buf bytes.Buffer
		if err := json.Indent(&buf, result.Structured, "", "  "); err != nil {
			buf.Reset()
			buf.Write(result.Structured)
		}
		pretty.Write(buf.Bytes())
		if result.Usage != nil {
			fmt.Fprintf(&pretty, "\n\nTokens: %d prompt + %d completion",
				result.Usage.PromptTokens, result.Usage.CompletionTokens)
		}
		return mcp.NewToolResultText(pretty.String()), nil
	}
}

func handleSubmitJob(eng *jobs.Orchestrator) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		req, errResult := requestFromArgs(request)
		if errResult != nil {
			return errResult, nil
		}
		req.WebhookURL = request.GetString("webhook_url", "")

		id, err := eng.Submit(ctx, req)
		if err != nil {
			return engineError(err), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("Job %s queued. Poll it with job_status.", id)), nil
	}
}

func handleJobStatus(eng *jobs.Orchestrator) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := request.RequireString("job_id")
		if err != nil {
			return mcp.NewToolResultError("job_id is required"), nil
		}
		job, ok := eng.Status(id)
		if !ok {
			return mcp.NewToolResultError(fmt.Sprintf("unknown job %q", id)), nil
		}
		return jsonResult(job)
	}
}

func handleCancelJob(eng *jobs.Orchestrator) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := request.RequireString("job_id")
		if err != nil {
			return mcp.NewToolResultError("job_id is required"), nil
		}
		if !eng.Cancel(id) {
			return mcp.NewToolResultError(fmt.Sprintf("job %q is unknown or already finished", id)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("Cancellation requested for job %s.", id)), nil
	}
}

func handleFetchResource(eng *jobs.Orchestrator) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		url, err := request.RequireString("url")
		if err != nil {
			return mcp.NewToolResultError("url is required"), nil
		}

		dl, ferr := eng.Download(ctx, url)
		if ferr != nil {
			return engineError(ferr), nil
		}

		var sb strings.Builder
		fmt.Fprintf(&sb, "Source: %s\nContent-Type: %s\nSize: %d bytes\n",
			dl.SourceURL, dl.ContentType, dl.Size)
		if dl.Filename != "" {
			fmt.Fprintf(&sb, "Filename: %s\n", dl.Filename)
		}
		sb.WriteString("\n")
		if textualContentType(dl.ContentType) {
			sb.Write(dl.Data)
		} else {
			sb.WriteString("(binary, base64)\n")
			sb.WriteString(base64.StdEncoding.EncodeToString(dl.Data))
		}
		return mcp.NewToolResultText(sb.String()), nil
	}
}

func handleHealth(eng *jobs.Orchestrator) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return jsonResult(eng.Health())
	}
}

// requestFromArgs builds the common extract request from url/rules plus
// the optional page-control parameters shared by extract_page and
// submit_job.
func requestFromArgs(request mcp.CallToolRequest) (*models.ExtractRequest, *mcp.CallToolResult) {
	url, err := request.RequireString("url")
	if err != nil {
		return nil, mcp.NewToolResultError("url is required")
	}
	rulesStr, err := request.RequireString("rules")
	if err != nil {
		return nil, mcp.NewToolResultError("rules is required")
	}
	rules, err := models.ParseRules([]byte(rulesStr))
	if err != nil {
		return nil, mcp.NewToolResultError(fmt.Sprintf("invalid rules: %v", err))
	}

	req := &models.ExtractRequest{
		Locator:      url,
		Rules:        *rules,
		WaitSelector: request.GetString("wait_for", ""),
	}
	args := request.GetArguments()
	if v, ok := args["stealth"].(bool); ok {
		req.Stealth = v
	}
	if v, ok := args["screenshot"].(bool); ok {
		req.Screenshot = v
	}
	return req, nil
}

// engineError renders an engine failure for the MCP client, keeping the
// code visible so agents can branch on it.
func engineError(err error) *mcp.CallToolResult {
	detail := models.DetailOf(err)
	return mcp.NewToolResultError(fmt.Sprintf("[%s] %s", detail.Code, detail.Message))
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(raw)), nil
}

// textualContentType reports whether a MIME type is safe to inline as
// text in a tool result.
func textualContentType(ct string) bool {
	ct = strings.ToLower(ct)
	if strings.HasPrefix(ct, "text/") {
		return true
	}
	for _, frag := range []string{"json", "xml", "javascript", "yaml", "csv", "x-www-form-urlencoded"} {
		if strings.Contains(ct, frag) {
			return true
		}
	}
	return false
}

// initLogger configures slog from LogConfig, always to stderr: stdout is
// the MCP transport.
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
