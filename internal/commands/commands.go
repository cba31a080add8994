// Package commands provides channel-agnostic slash command handling.
package commands

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/qbot-ai/qbot/internal/probe"
	"github.com/qbot-ai/qbot/internal/runtime"
	"github.com/qbot-ai/qbot/internal/stats"
)

const helpText = "Commands: /help, /commands, /stats, /probe"

// Summarizer reports aggregated turn statistics.
type Summarizer interface {
	Summarize(ctx context.Context) (stats.Summary, error)
}

// Prober checks every configured knowledge base once.
type Prober interface {
	RunAll(ctx context.Context) []probe.Result
}

// Handler dispatches supported slash commands.
type Handler struct {
	stats  Summarizer
	prober Prober
}

// New creates a new slash command handler.
func New(stats Summarizer, prober Prober) *Handler {
	return &Handler{stats: stats, prober: prober}
}

// Handle executes one command and reports whether it was handled.
func (h *Handler) Handle(ctx context.Context, cmd string, w runtime.ResponseWriter) (handled bool, err error) {
	if w == nil {
		return false, errors.New("response writer is required")
	}

	switch firstToken(cmd) {
	case "/help", "/commands":
		return true, h.handleHelp(ctx, w)
	case "/stats":
		return true, h.handleStats(ctx, w)
	case "/probe":
		return true, h.handleProbe(ctx, w)
	default:
		return false, nil
	}
}

func (h *Handler) handleHelp(ctx context.Context, w runtime.ResponseWriter) error {
	return w.WriteMessage(ctx, helpText)
}

func (h *Handler) handleStats(ctx context.Context, w runtime.ResponseWriter) error {
	if h.stats == nil {
		return w.WriteMessage(ctx, "The /stats command is unavailable on this server.")
	}
	summary, err := h.stats.Summarize(ctx)
	if err != nil {
		return err
	}
	if summary.Total == 0 {
		return w.WriteMessage(ctx, "No turns handled yet.")
	}

	var b strings.Builder
	_, _ = fmt.Fprintf(&b, "Turns handled: %d (%d failed)", summary.Total, summary.Failed)
	kinds := make([]string, 0, len(summary.ByKind))
	for kind := range summary.ByKind {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	for _, kind := range kinds {
		_, _ = fmt.Fprintf(&b, "\n%s: %d", kind, summary.ByKind[kind])
	}
	return w.WriteMessage(ctx, b.String())
}

func (h *Handler) handleProbe(ctx context.Context, w runtime.ResponseWriter) error {
	if h.prober == nil {
		return w.WriteMessage(ctx, "The /probe command is unavailable on this server.")
	}
	results := h.prober.RunAll(ctx)
	if len(results) == 0 {
		return w.WriteMessage(ctx, "No knowledge bases configured.")
	}

	var b strings.Builder
	b.WriteString("Knowledge base check:")
	for _, result := range results {
		if result.Err != nil {
			_, _ = fmt.Fprintf(&b, "\n%s: failed (%v)", result.Base, result.Err)
			continue
		}
		_, _ = fmt.Fprintf(&b, "\n%s: %d answers in %dms", result.Base, result.Answers, result.Duration.Milliseconds())
	}
	return w.WriteMessage(ctx, b.String())
}

// Router dispatches slash commands before delegating to the next runtime.Handler.
type Router struct {
	Commands *Handler
	Next     runtime.Handler
}

// HandleActivity runs command dispatch on message activities first, then
// forwards everything else unchanged.
func (r Router) HandleActivity(ctx context.Context, w runtime.ResponseWriter, activity *runtime.Activity) error {
	if activity == nil {
		return errors.New("activity is required")
	}
	if r.Next == nil {
		return errors.New("next handler is required")
	}
	if r.Commands != nil && activity.Kind == runtime.KindMessage {
		handled, err := r.Commands.Handle(ctx, activity.Text, w)
		if handled || err != nil {
			return err
		}
	}
	return r.Next.HandleActivity(ctx, w, activity)
}

// firstToken extracts the command word, lower-cased, so "/PROBE now" still
// dispatches to /probe.
func firstToken(text string) string {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return ""
	}
	return strings.ToLower(fields[0])
}
