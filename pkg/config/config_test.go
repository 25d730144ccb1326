package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/WessleyAI/groundwork/engine/domain"
	"github.com/WessleyAI/groundwork/engine/router"
)

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestDefaults(t *testing.T) {
	cfg, err := Parse(nil, envMap(nil))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != "8080" || cfg.Server.ResponseMode != "sse" || cfg.Store.Backend != BackendMemory {
		t.Fatalf("server/store = %+v / %+v", cfg.Server, cfg.Store)
	}
	r := cfg.Retrieval
	if r.MatchThreshold != 0.75 || r.MatchCount != 5 || r.ContextBudget != 6000 || r.SearchTimeout != 5*time.Second {
		t.Fatalf("retrieval = %+v", r)
	}
	if cfg.Image.MatchThreshold != 0.7 || cfg.Image.MatchCount != 1 || cfg.Image.Model != "dall-e-3" || cfg.Image.Size != "1024x1024" {
		t.Fatalf("image = %+v", cfg.Image)
	}
	in := cfg.Ingest
	if in.ChunkSize != 1000 || in.Overlap != 200 || in.Concurrency != 4 || in.MaxRetries != 3 || in.Subject != "groundwork.ingest" {
		t.Fatalf("ingest = %+v", in)
	}
	if *cfg.Completion.Temperature != 0.2 || cfg.Completion.PromptMode != "conversation" {
		t.Fatalf("completion = %+v", cfg.Completion)
	}
}

func TestYAMLThenEnvThenDefaults(t *testing.T) {
	doc := `
server:
  port: "9000"
  response_mode: text
completion:
  temperature: 0
  model: gpt-4o
store:
  backend: qdrant
  qdrant:
    addr: qdrant:6334
retrieval:
  match_count: 8
  search_timeout: 2s
router:
  rules:
    - intent: fetch
      keywords: [crawl]
`
	cfg, err := Parse(strings.NewReader(doc), envMap(map[string]string{
		"PORT":            "7000",
		"OPENAI_API_KEY":  "sk-test",
		"MATCH_THRESHOLD": "0.6",
	}))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != "7000" || cfg.Server.ResponseMode != "text" {
		t.Fatalf("server = %+v", cfg.Server)
	}
	if *cfg.Completion.Temperature != 0 || cfg.Completion.Model != "gpt-4o" {
		t.Fatalf("explicit zero temperature lost: %+v", cfg.Completion)
	}
	if cfg.Embedding.APIKey != "sk-test" || cfg.Completion.APIKey != "sk-test" || cfg.Image.APIKey != "sk-test" {
		t.Fatal("shared key not applied")
	}
	if cfg.Retrieval.MatchThreshold != 0.6 || cfg.Retrieval.MatchCount != 8 || cfg.Retrieval.SearchTimeout != 2*time.Second {
		t.Fatalf("retrieval = %+v", cfg.Retrieval)
	}
	rules, err := cfg.RouterRules()
	if err != nil || len(rules) != 1 || rules[0].Intent != router.Fetch {
		t.Fatalf("rules = %+v, %v", rules, err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestBadEnvNumber(t *testing.T) {
	if _, err := Parse(nil, envMap(map[string]string{"METRICS_PORT": "abc"})); err == nil {
		t.Fatal("expected error")
	}
}

func TestValidateNamesEveryMissingSetting(t *testing.T) {
	cfg, _ := Parse(strings.NewReader("store:\n  backend: postgres\nrecords:\n  backend: neo4j\n"), envMap(nil))
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error")
	}
	if domain.KindOf(err) != domain.KindConfiguration {
		t.Fatalf("kind = %v", domain.KindOf(err))
	}
	msg := err.Error()
	for _, setting := range []string{"embedding.api_key", "completion.api_key", "store.postgres.dsn", "records.url"} {
		if !strings.Contains(msg, setting) {
			t.Errorf("missing %s in %q", setting, msg)
		}
	}
}

func TestValidateEnumerations(t *testing.T) {
	cfg, _ := Parse(nil, envMap(map[string]string{"OPENAI_API_KEY": "k", "RESPONSE_MODE": "xml", "STORE_BACKEND": "mongo", "LOG_LEVEL": "loud"}))
	msg := cfg.Validate().Error()
	for _, setting := range []string{"server.response_mode", "store.backend", "log.level"} {
		if !strings.Contains(msg, setting) {
			t.Errorf("missing %s in %q", setting, msg)
		}
	}
}

func TestOllamaNeedsNoKey(t *testing.T) {
	cfg, _ := Parse(nil, envMap(map[string]string{"EMBEDDING_PROVIDER": "ollama", "COMPLETION_PROVIDER": "ollama"}))
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Embedding.BaseURL != "http://localhost:11434" || cfg.ImageEnabled() {
		t.Fatalf("cfg = %+v", cfg.Embedding)
	}
}

func TestLoadFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "g.yaml")
	if err := os.WriteFile(path, []byte("log:\n  level: debug\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if lvl, _ := cfg.Log.SlogLevel(); lvl != slog.LevelDebug {
		t.Fatalf("level = %v", lvl)
	}

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("explicit missing file: %v", err)
	}
}

func TestRouterRulesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	os.WriteFile(path, []byte("rules:\n  - intent: image\n    keywords: [sketch]\n"), 0o600)
	cfg := &Config{Router: RouterConfig{File: path, Rules: []router.Rule{{Intent: router.Fetch}}}}
	rules, err := cfg.RouterRules()
	if err != nil || len(rules) != 1 || rules[0].Keywords[0] != "sketch" {
		t.Fatalf("rules = %+v, %v", rules, err)
	}
	if rules, _ := (&Config{}).RouterRules(); len(rules) != len(router.DefaultRules()) {
		t.Fatal("default rules not used")
	}
}
