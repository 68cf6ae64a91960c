// Command textops is a sample exec worker. It reads one worker.ExecRequest
// from stdin and answers with one worker.ExecResponse on stdout.
//
// Supported work types:
//
//	text.upper         upper-cases input.text
//	text.stats         counts lines, words and runes in input.text
//	text.extract_urls  lists the URLs found in input.text
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/mattjoyce/toolgate/internal/worker"
)

const defaultMaxURLs = 20

type workerConfig struct {
	MaxURLs  int
	MaxInput int
}

var urlRe = regexp.MustCompile(`https?://[^\s<>"')\]]+`)

func main() {
	resp := handle(os.Stdin)
	_ = json.NewEncoder(os.Stdout).Encode(resp)
}

func handle(r io.Reader) worker.ExecResponse {
	var req worker.ExecRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return errResp(fmt.Sprintf("invalid request JSON: %v", err))
	}
	if req.Protocol != 1 {
		return errResp(fmt.Sprintf("unsupported protocol version: %d", req.Protocol))
	}
	if !req.DeadlineAt.IsZero() && time.Now().After(req.DeadlineAt) {
		return errResp("deadline already passed")
	}

	cfg := parseConfig(req.Config)
	input := asMap(req.Input)
	text, ok := input["text"].(string)
	if !ok {
		return errResp("input.text must be a string")
	}
	if cfg.MaxInput > 0 && len(text) > cfg.MaxInput {
		return errResp(fmt.Sprintf("input.text is %d bytes, limit is %d", len(text), cfg.MaxInput))
	}

	logs := []worker.LogEntry{info(fmt.Sprintf("%s work_id=%s bytes=%d", req.Type, req.WorkID, len(text)))}

	switch strings.TrimSpace(req.Type) {
	case "text.upper":
		return okResp(map[string]any{"text": strings.ToUpper(text)}, logs)
	case "text.stats":
		return okResp(map[string]any{
			"lines": countLines(text),
			"words": len(strings.Fields(text)),
			"runes": utf8.RuneCountInString(text),
		}, logs)
	case "text.extract_urls":
		urls := extractURLs(text, cfg.MaxURLs)
		if len(urls) == 0 {
			logs = append(logs, warn("no urls found in "+shorten(text, 40)))
		}
		return okResp(map[string]any{
			"extraction_id": uuid.NewString(),
			"urls":          urls,
		}, logs)
	default:
		return errResp(fmt.Sprintf("unsupported work type %q (expected text.upper, text.stats, text.extract_urls)", req.Type))
	}
}

func parseConfig(cfg map[string]any) workerConfig {
	return workerConfig{
		MaxURLs:  asInt(cfg["max_urls"], defaultMaxURLs),
		MaxInput: asInt(cfg["max_input_bytes"], 0),
	}
}

func countLines(s string) int {
	if s == "" {
		return 0
	}
	n := strings.Count(s, "\n")
	if !strings.HasSuffix(s, "\n") {
		n++
	}
	return n
}

// extractURLs returns distinct URLs in order of first appearance.
func extractURLs(text string, max int) []string {
	seen := make(map[string]bool)
	out := []string{}
	for _, u := range urlRe.FindAllString(text, -1) {
		u = strings.TrimRight(u, ".,;:!?")
		if seen[u] {
			continue
		}
		seen[u] = true
		out = append(out, u)
		if max > 0 && len(out) == max {
			break
		}
	}
	return out
}

func info(msg string) worker.LogEntry {
	return worker.LogEntry{Level: "info", Message: msg}
}

func warn(msg string) worker.LogEntry {
	return worker.LogEntry{Level: "warn", Message: msg}
}

func okResp(output any, logs []worker.LogEntry) worker.ExecResponse {
	return worker.ExecResponse{Status: "ok", Output: output, Logs: logs}
}

func errResp(message string) worker.ExecResponse {
	return worker.ExecResponse{
		Status: "error",
		Error:  message,
		Logs:   []worker.LogEntry{{Level: "error", Message: message}},
	}
}

func asMap(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

func asInt(v any, fallback int) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i)
		}
	case string:
		var i int
		if _, err := fmt.Sscanf(n, "%d", &i); err == nil {
			return i
		}
	}
	return fallback
}

func shorten(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
