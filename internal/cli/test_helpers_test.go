package cli

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/qbot-ai/qbot/internal/config"
	"github.com/qbot-ai/qbot/internal/knowledge"
)

func createTestHome(t *testing.T) string {
	t.Helper()
	homeDir := filepath.Join(t.TempDir(), ".qbot")
	t.Setenv("QBOT_HOME", homeDir)
	return homeDir
}

func writeValidConfig(t *testing.T, homeDir string) {
	t.Helper()
	configBody := `
[bot]
name = "QnaBot"

[bases.QnABot]
kind = "qnamaker"
endpoint = "https://qbot-test.azurewebsites.net"
kb_id = "11111111-2222-3333-4444-555555555555"
endpoint_key = "test-endpoint-key"
`
	writeConfigFile(t, homeDir, configBody)
}

func writeConfigFile(t *testing.T, homeDir, configBody string) {
	t.Helper()
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		t.Fatalf("mkdir home dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(homeDir, "config.toml"), []byte(configBody), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

type fakeKnowledgeProvider struct {
	answers []knowledge.Answer
	err     error
}

func (p *fakeKnowledgeProvider) GenerateAnswer(_ context.Context, _ string) ([]knowledge.Answer, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.answers, nil
}

func (p *fakeKnowledgeProvider) Name() string { return "fake" }

// stubKnowledgeFactory swaps the provider factory for one returning canned
// answers, restoring the real factory when the test ends.
func stubKnowledgeFactory(t *testing.T, answers ...knowledge.Answer) {
	t.Helper()
	orig := knowledgeFactory
	t.Cleanup(func() { knowledgeFactory = orig })
	knowledgeFactory = func(_ *config.Config) (map[string]knowledge.Provider, error) {
		return map[string]knowledge.Provider{
			"QnABot": &fakeKnowledgeProvider{answers: answers},
		}, nil
	}
}
