package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/qbot-ai/qbot/internal/config"
)

// The QnA Maker service reports a single sentinel answer instead of an empty
// result when nothing in the base clears the threshold.
const (
	noMatchAnswerID   = -1
	noMatchAnswerText = "No good match found in KB."
)

type qnaMakerProvider struct {
	endpoint       string
	kbID           string
	endpointKey    string
	top            int
	scoreThreshold float64
	httpClient     *http.Client
}

func newQnAMakerProvider(cfg config.BaseConfig) (Provider, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, fmt.Errorf("qnamaker endpoint is required")
	}
	if strings.TrimSpace(cfg.KBID) == "" {
		return nil, fmt.Errorf("qnamaker kb id is required")
	}
	if strings.TrimSpace(cfg.EndpointKey) == "" {
		return nil, fmt.Errorf("qnamaker endpoint key is required")
	}
	return &qnaMakerProvider{
		endpoint:       strings.TrimRight(cfg.Endpoint, "/"),
		kbID:           cfg.KBID,
		endpointKey:    cfg.EndpointKey,
		top:            cfg.Top,
		scoreThreshold: cfg.ScoreThreshold,
		httpClient:     &http.Client{Timeout: cfg.RequestTimeout},
	}, nil
}

func newQnAMakerProviderForTest(endpoint, kbID, endpointKey string, top int, scoreThreshold float64, httpClient *http.Client) (Provider, error) {
	if strings.TrimSpace(endpoint) == "" {
		return nil, fmt.Errorf("qnamaker endpoint is required")
	}
	if strings.TrimSpace(kbID) == "" {
		return nil, fmt.Errorf("qnamaker kb id is required")
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &qnaMakerProvider{
		endpoint:       strings.TrimRight(endpoint, "/"),
		kbID:           kbID,
		endpointKey:    endpointKey,
		top:            top,
		scoreThreshold: scoreThreshold,
		httpClient:     httpClient,
	}, nil
}

func (p *qnaMakerProvider) Name() string {
	return config.BaseKindQnAMaker
}

// GenerateAnswer queries the hosted generateAnswer endpoint and normalizes
// the response: wire scores are percentages, and the service's no-match
// sentinel becomes an empty result.
func (p *qnaMakerProvider) GenerateAnswer(ctx context.Context, question string) ([]Answer, error) {
	payload := generateAnswerRequest{
		Question: question,
		Top:      p.top,
		// The wire threshold is a percentage.
		ScoreThreshold: p.scoreThreshold * 100,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, wrapLookup(p.Name(), fmt.Errorf("marshal request: %w", err))
	}

	requestURL := fmt.Sprintf("%s/knowledgebases/%s/generateAnswer", p.endpoint, url.PathEscape(p.kbID))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, requestURL, bytes.NewReader(body))
	if err != nil {
		return nil, wrapLookup(p.Name(), fmt.Errorf("build request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "EndpointKey "+p.endpointKey)

	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, wrapLookup(p.Name(), err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, wrapLookup(p.Name(), fmt.Errorf("read response: %w", err))
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return nil, wrapLookup(p.Name(), fmt.Errorf("API returned %s: %s", httpResp.Status, strings.TrimSpace(string(respBody))))
	}

	var parsed generateAnswerResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, wrapLookup(p.Name(), fmt.Errorf("decode response: %w", err))
	}
	if parsed.Error != nil {
		return nil, wrapLookup(p.Name(), errors.New(parsed.Error.Message))
	}

	answers := make([]Answer, 0, len(parsed.Answers))
	for _, a := range parsed.Answers {
		if a.ID == noMatchAnswerID || a.Answer == noMatchAnswerText {
			continue
		}
		answers = append(answers, Answer{
			Text:      a.Answer,
			Score:     a.Score / 100,
			ID:        a.ID,
			Source:    a.Source,
			Questions: a.Questions,
		})
	}
	return answers, nil
}

type generateAnswerRequest struct {
	Question       string  `json:"question"`
	Top            int     `json:"top,omitempty"`
	ScoreThreshold float64 `json:"scoreThreshold,omitempty"`
}

type generateAnswerResponse struct {
	Answers []struct {
		Answer    string   `json:"answer"`
		Score     float64  `json:"score"`
		ID        int      `json:"id"`
		Source    string   `json:"source"`
		Questions []string `json:"questions"`
	} `json:"answers"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}
