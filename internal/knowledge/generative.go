package knowledge

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/qbot-ai/qbot/internal/config"
)

const defaultGenerativeMaxTokens = 1024

const generativeSystemPrompt = "You are a question answering assistant. " +
	"Answer the user's question concisely and factually in plain prose. " +
	"If you do not know the answer, reply with exactly: UNKNOWN"

// generativeProvider answers from a hosted LLM for deployments without a
// curated knowledge base. It returns at most one answer with a fixed score.
type generativeProvider struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int
}

func newGenerativeProvider(cfg config.BaseConfig) (Provider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("generative api key is required")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("generative model is required")
	}

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultGenerativeMaxTokens
	}
	client := anthropic.NewClient(option.WithAPIKey(cfg.APIKey))
	return &generativeProvider{
		client:    client,
		model:     anthropic.Model(cfg.Model),
		maxTokens: maxTokens,
	}, nil
}

func newGenerativeProviderForTest(apiKey, model string, maxTokens int, baseURL string, httpClient *http.Client) (Provider, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("generative api key is required")
	}
	if strings.TrimSpace(model) == "" {
		return nil, fmt.Errorf("generative model is required")
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithBaseURL(baseURL),
		option.WithHTTPClient(httpClient),
	}

	client := anthropic.NewClient(opts...)
	return &generativeProvider{
		client:    client,
		model:     anthropic.Model(model),
		maxTokens: maxTokens,
	}, nil
}

func (p *generativeProvider) Name() string {
	return config.BaseKindGenerative
}

func (p *generativeProvider) GenerateAnswer(ctx context.Context, question string) ([]Answer, error) {
	msg, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     p.model,
		MaxTokens: int64(p.maxTokens),
		System: []anthropic.TextBlockParam{{
			Text: generativeSystemPrompt,
		}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(question)),
		},
	})
	if err != nil {
		return nil, wrapLookup(p.Name(), err)
	}

	var contentParts []string
	for _, block := range msg.Content {
		if v, ok := block.AsAny().(anthropic.TextBlock); ok && v.Text != "" {
			contentParts = append(contentParts, v.Text)
		}
	}
	text := strings.TrimSpace(strings.Join(contentParts, "\n"))
	if text == "" || text == "UNKNOWN" {
		return []Answer{}, nil
	}

	return []Answer{{
		Text:   text,
		Score:  1,
		Source: string(p.model),
	}}, nil
}
