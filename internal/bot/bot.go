// Package bot implements the turn handler: messages are answered from a
// knowledge base, conversation updates greet added members, and every other
// activity kind gets a diagnostic reply.
package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"

	runtimeapi "github.com/qbot-ai/qbot/internal/runtime"

	"github.com/qbot-ai/qbot/internal/knowledge"
)

// PrimaryBase is the configuration key of the knowledge base the handler
// answers from.
const PrimaryBase = "QnABot"

// ErrNotConfigured marks construction failures caused by missing or
// incomplete knowledge-base configuration. Callers test with errors.Is.
var ErrNotConfigured = errors.New("bot is not configured")

// Defaults applied when Options fields are empty.
const (
	DefaultName        = "QnaBot"
	DefaultWelcomeText = "This bot will introduce you to QnA Maker. Ask it a question to get started."
)

// fallbackAnswer is the single reply sent when the knowledge base returns no
// answers for a question.
const fallbackAnswer = `No QnA Maker answers were found. This example uses a knowledge base based on FAQs about the QnA Maker service. Ask the bot questions like "How do I programmatically update my KB?" or "Can I share a knowledge base with others?"`

// Options control how the bot introduces itself.
type Options struct {
	Name        string
	WelcomeText string
}

// TurnHandler dispatches inbound activities by kind. It keeps no state
// between turns and is safe for concurrent use.
type TurnHandler struct {
	provider    knowledge.Provider
	name        string
	welcomeText string
}

// New creates a TurnHandler answering from provider.
func New(provider knowledge.Provider, opts Options) (*TurnHandler, error) {
	if provider == nil {
		return nil, fmt.Errorf("%w: knowledge provider is required", ErrNotConfigured)
	}

	name := strings.TrimSpace(opts.Name)
	if name == "" {
		name = DefaultName
	}
	welcomeText := strings.TrimSpace(opts.WelcomeText)
	if welcomeText == "" {
		welcomeText = DefaultWelcomeText
	}
	return &TurnHandler{
		provider:    provider,
		name:        name,
		welcomeText: welcomeText,
	}, nil
}

// FromBases selects the primary knowledge base from the configured set. The
// key match is case-insensitive so TOML key folding cannot hide the entry.
func FromBases(bases map[string]knowledge.Provider, opts Options) (*TurnHandler, error) {
	if bases == nil {
		return nil, fmt.Errorf("%w: no knowledge bases configured", ErrNotConfigured)
	}

	var provider knowledge.Provider
	for name, p := range bases {
		if strings.EqualFold(name, PrimaryBase) {
			provider = p
			break
		}
	}
	if provider == nil {
		return nil, fmt.Errorf("%w: knowledge base %q is missing", ErrNotConfigured, PrimaryBase)
	}
	return New(provider, opts)
}

// HandleActivity processes one activity and writes the replies it requires.
func (h *TurnHandler) HandleActivity(ctx context.Context, w runtimeapi.ResponseWriter, activity *runtimeapi.Activity) error {
	if w == nil {
		return errors.New("response writer is required")
	}
	if activity == nil {
		return errors.New("activity is required")
	}

	switch activity.Kind {
	case runtimeapi.KindMessage:
		return h.handleMessage(ctx, w, activity)
	case runtimeapi.KindConversationUpdate:
		return h.handleConversationUpdate(ctx, w, activity)
	default:
		return w.WriteMessage(ctx, fmt.Sprintf("%s event detected", activity.Kind))
	}
}

// handleMessage answers with exactly one reply: the best knowledge-base
// answer, or the fallback when the base has none. Lookup errors are returned
// unchanged without writing anything.
func (h *TurnHandler) handleMessage(ctx context.Context, w runtimeapi.ResponseWriter, activity *runtimeapi.Activity) error {
	answers, err := h.provider.GenerateAnswer(ctx, activity.Text)
	if err != nil {
		return err
	}
	if len(answers) == 0 {
		return w.WriteMessage(ctx, fallbackAnswer)
	}
	return w.WriteMessage(ctx, answers[0].Text)
}

// handleConversationUpdate greets each added member except the bot itself,
// in input order.
func (h *TurnHandler) handleConversationUpdate(ctx context.Context, w runtimeapi.ResponseWriter, activity *runtimeapi.Activity) error {
	for _, member := range activity.MembersAdded {
		if member.ID == activity.Recipient.ID {
			continue
		}
		greeting := fmt.Sprintf("Welcome to %s %s. %s", h.name, member.Name, h.welcomeText)
		if err := w.WriteMessage(ctx, greeting); err != nil {
			return err
		}
	}
	return nil
}
