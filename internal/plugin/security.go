// Package plugin loads and runs bot handlers: JavaScript artifacts
// generated by the synthesis funnel and compiled-in builtins. Untrusted
// sources pass a static guardrail before they ever reach a VM, and a
// source that fails to load is quarantined so one broken artifact can
// never wedge the dispatch path.
package plugin

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/dop251/goja"

	"github.com/modularbot/bot-factory/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// SECURITY GUARDRAIL
// ══════════════════════════════════════════════════════════════════════════════

// RejectionError carries the machine-readable reason a source was
// rejected. The reason is what ends up in the quarantine record.
type RejectionError struct {
	Reason string
}

// Error implements the error interface.
func (e *RejectionError) Error() string {
	return "handler source rejected: " + e.Reason
}

// Is makes the rejection match the handler domain error.
func (e *RejectionError) Is(target error) bool {
	return target == shared.ErrSourceRejected || errors.Is(shared.ErrSourceRejected, target)
}

func reject(format string, args ...any) error {
	return &RejectionError{Reason: fmt.Sprintf(format, args...)}
}

// forbiddenPatterns are scanned before compilation. The runtime has no
// module system and no process object anyway; the scan exists to turn
// an obscure runtime failure into a named rejection.
var forbiddenPatterns = []struct {
	re     *regexp.Regexp
	reason func(match string) string
}{
	{
		re:     regexp.MustCompile(`\brequire\s*\(\s*(['"][^'"]*['"])?`),
		reason: func(m string) string { return "forbidden_require: " + strings.TrimSpace(m) },
	},
	{
		re:     regexp.MustCompile(`\beval\s*\(`),
		reason: func(string) string { return "forbidden_call: eval" },
	},
	{
		re:     regexp.MustCompile(`\bnew\s+Function\b|\bFunction\s*\(`),
		reason: func(string) string { return "forbidden_call: Function" },
	},
	{
		re:     regexp.MustCompile(`(?m)^\s*(import\s+[\w{*'"]|export\s+)`),
		reason: func(string) string { return "forbidden_call: import" },
	},
	{
		re:     regexp.MustCompile(`\bprocess\s*[.\[]`),
		reason: func(string) string { return "forbidden_process_access" },
	},
	{
		re:     regexp.MustCompile(`__host_\w+`),
		reason: func(m string) string { return "forbidden_host_access: " + m },
	},
	{
		re:     regexp.MustCompile(`\bglobalThis\b`),
		reason: func(string) string { return "forbidden_global_access: globalThis" },
	},
}

// Vet statically checks a handler source (without the state preamble).
// It returns a *RejectionError naming the first violation, or nil when
// the source is admissible.
func Vet(source string) error {
	for _, p := range forbiddenPatterns {
		if m := p.re.FindString(source); m != "" {
			return reject("%s", p.reason(m))
		}
	}

	// A source that does not even parse is rejected the same way a
	// forbidden construct is: loading it later could never succeed.
	if _, err := goja.Compile("handler.js", source, true); err != nil {
		return reject("syntax_error: %s", firstLine(err.Error()))
	}

	return nil
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}
