// Package config loads the server and worker configuration: an optional
// YAML file, then environment overrides, then defaults.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/WessleyAI/groundwork/engine/chunk"
	"github.com/WessleyAI/groundwork/engine/domain"
	"github.com/WessleyAI/groundwork/engine/embed"
	"github.com/WessleyAI/groundwork/engine/fetch"
	"github.com/WessleyAI/groundwork/engine/image"
	"github.com/WessleyAI/groundwork/engine/ingest"
	"github.com/WessleyAI/groundwork/engine/router"
)

// DefaultPath is read when neither a path nor GROUNDWORK_CONFIG is given.
const DefaultPath = "groundwork.yaml"

// PathEnv overrides DefaultPath.
const PathEnv = "GROUNDWORK_CONFIG"

// Provider and backend names.
const (
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"

	BackendMemory   = "memory"
	BackendQdrant   = "qdrant"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"

	RecordsStatic = "static"
	RecordsNeo4j  = "neo4j"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Embedding  EmbeddingConfig  `yaml:"embedding"`
	Completion CompletionConfig `yaml:"completion"`
	Store      StoreConfig      `yaml:"store"`
	Retrieval  RetrievalConfig  `yaml:"retrieval"`
	Image      ImageConfig      `yaml:"image"`
	Router     RouterConfig     `yaml:"router"`
	Ingest     IngestConfig     `yaml:"ingest"`
	Records    RecordsConfig    `yaml:"records"`
	Fetch      FetchConfig      `yaml:"fetch"`
	Log        LogConfig        `yaml:"log"`
}

type ServerConfig struct {
	Port       string `yaml:"port"`
	CORSOrigin string `yaml:"cors_origin"`
	// ResponseMode is sse, text, or json.
	ResponseMode string `yaml:"response_mode"`
	// MetricsPort, when set, also serves /metrics on its own listener.
	MetricsPort int `yaml:"metrics_port"`
	// RatePerSec limits requests per client IP. Zero disables.
	RatePerSec float64 `yaml:"rate_per_sec"`
	RateBurst  int     `yaml:"rate_burst"`
}

type EmbeddingConfig struct {
	Provider      string `yaml:"provider"`
	Model         string `yaml:"model"`
	BaseURL       string `yaml:"base_url"`
	APIKey        string `yaml:"api_key"`
	MaxInputChars int    `yaml:"max_input_chars"`
	BatchSize     int    `yaml:"batch_size"`
	Dimensions    int    `yaml:"dimensions"`
}

type CompletionConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"base_url"`
	APIKey   string `yaml:"api_key"`
	// Temperature is a pointer so an explicit 0 survives defaulting.
	Temperature     *float64 `yaml:"temperature"`
	MaxTokens       int      `yaml:"max_tokens"`
	PromptMode      string   `yaml:"prompt_mode"`
	StrictGrounding bool     `yaml:"strict_grounding"`
}

type StoreConfig struct {
	Backend  string         `yaml:"backend"`
	Qdrant   QdrantConfig   `yaml:"qdrant"`
	Postgres PostgresConfig `yaml:"postgres"`
	Redis    RedisConfig    `yaml:"redis"`
}

type QdrantConfig struct {
	Addr       string `yaml:"addr"`
	APIKey     string `yaml:"api_key"`
	Collection string `yaml:"collection"`
	TLS        bool   `yaml:"tls"`
}

type PostgresConfig struct {
	DSN   string `yaml:"dsn"`
	Table string `yaml:"table"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Index    string `yaml:"index"`
	Prefix   string `yaml:"prefix"`
}

type RetrievalConfig struct {
	MatchThreshold float32       `yaml:"match_threshold"`
	MatchCount     int           `yaml:"match_count"`
	ContextBudget  int           `yaml:"context_budget"`
	SearchTimeout  time.Duration `yaml:"search_timeout"`
}

type ImageConfig struct {
	Enabled        *bool   `yaml:"enabled"`
	MatchThreshold float32 `yaml:"match_threshold"`
	MatchCount     int     `yaml:"match_count"`
	Model          string  `yaml:"model"`
	Size           string  `yaml:"size"`
	// APIKey falls back to the completion key.
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

type RouterConfig struct {
	// File is a YAML rules file; it wins over inline Rules.
	File  string        `yaml:"file"`
	Rules []router.Rule `yaml:"rules"`
}

type IngestConfig struct {
	ChunkSize   int    `yaml:"chunk_size"`
	Overlap     int    `yaml:"overlap"`
	Concurrency int    `yaml:"concurrency"`
	BatchSize   int    `yaml:"batch_size"`
	NATSURL     string `yaml:"nats_url"`
	Subject     string `yaml:"subject"`
	DLQSubject  string `yaml:"dlq_subject"`
	MaxRetries  int    `yaml:"max_retries"`
}

type RecordsConfig struct {
	Backend  string `yaml:"backend"`
	URL      string `yaml:"url"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

type FetchConfig struct {
	DefaultSite string        `yaml:"default_site"`
	RatePerSec  float64       `yaml:"rate_per_sec"`
	Burst       int           `yaml:"burst"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxBytes    int64         `yaml:"max_bytes"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Load reads path (or GROUNDWORK_CONFIG, or DefaultPath), overlays the
// process environment, and applies defaults. A missing default file is not
// an error; a missing explicit file is.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if path == "" {
		path = os.Getenv(PathEnv)
		explicit = path != ""
	}
	if path == "" {
		path = DefaultPath
	}

	f, err := os.Open(path)
	switch {
	case err == nil:
		defer f.Close()
		return Parse(f, os.Getenv)
	case errors.Is(err, os.ErrNotExist) && !explicit:
		return Parse(nil, os.Getenv)
	default:
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
}

// Parse decodes r (nil means no file), overlays getenv, and applies
// defaults.
func Parse(r io.Reader, getenv func(string) string) (*Config, error) {
	cfg := &Config{}
	if r != nil {
		if err := yaml.NewDecoder(r).Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("config: decode: %w", err)
		}
	}
	env := envSource(getenv)
	if err := env.overlay(cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

type envSource func(string) string

func (e envSource) or(key, fallback string) string {
	if v := e(key); v != "" {
		return v
	}
	return fallback
}

func (e envSource) intOr(key string, fallback int) (int, error) {
	v := e(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return n, nil
}

func (e envSource) floatOr(key string, fallback float64) (float64, error) {
	v := e(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return f, nil
}

func (e envSource) boolOr(key string, fallback bool) (bool, error) {
	v := e(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("config: %s: %w", key, err)
	}
	return b, nil
}

func (e envSource) overlay(c *Config) error {
	c.Server.Port = e.or("PORT", c.Server.Port)
	c.Server.CORSOrigin = e.or("CORS_ORIGIN", c.Server.CORSOrigin)
	c.Server.ResponseMode = e.or("RESPONSE_MODE", c.Server.ResponseMode)

	// OPENAI_API_KEY is shared by every OpenAI-backed client.
	openaiKey := e("OPENAI_API_KEY")
	c.Embedding.Provider = e.or("EMBEDDING_PROVIDER", c.Embedding.Provider)
	c.Embedding.Model = e.or("EMBEDDING_MODEL", c.Embedding.Model)
	c.Embedding.BaseURL = e.or("EMBEDDING_BASE_URL", c.Embedding.BaseURL)
	c.Embedding.APIKey = e.or("EMBEDDING_API_KEY", or(c.Embedding.APIKey, openaiKey))

	c.Completion.Provider = e.or("COMPLETION_PROVIDER", c.Completion.Provider)
	c.Completion.Model = e.or("COMPLETION_MODEL", c.Completion.Model)
	c.Completion.BaseURL = e.or("COMPLETION_BASE_URL", c.Completion.BaseURL)
	c.Completion.APIKey = e.or("COMPLETION_API_KEY", or(c.Completion.APIKey, openaiKey))
	c.Completion.PromptMode = e.or("PROMPT_MODE", c.Completion.PromptMode)

	c.Image.APIKey = e.or("IMAGE_API_KEY", c.Image.APIKey)
	c.Image.Model = e.or("IMAGE_MODEL", c.Image.Model)

	c.Store.Backend = e.or("STORE_BACKEND", c.Store.Backend)
	c.Store.Qdrant.Addr = e.or("QDRANT_URL", c.Store.Qdrant.Addr)
	c.Store.Qdrant.APIKey = e.or("QDRANT_API_KEY", c.Store.Qdrant.APIKey)
	c.Store.Qdrant.Collection = e.or("QDRANT_COLLECTION", c.Store.Qdrant.Collection)
	c.Store.Postgres.DSN = e.or("DATABASE_URL", c.Store.Postgres.DSN)
	c.Store.Redis.Addr = e.or("REDIS_ADDR", c.Store.Redis.Addr)
	c.Store.Redis.Password = e.or("REDIS_PASSWORD", c.Store.Redis.Password)

	c.Ingest.NATSURL = e.or("NATS_URL", c.Ingest.NATSURL)

	c.Records.Backend = e.or("RECORDS_BACKEND", c.Records.Backend)
	c.Records.URL = e.or("NEO4J_URL", c.Records.URL)
	c.Records.User = e.or("NEO4J_USER", c.Records.User)
	c.Records.Password = e.or("NEO4J_PASS", c.Records.Password)

	c.Fetch.DefaultSite = e.or("FETCH_DEFAULT_SITE", c.Fetch.DefaultSite)
	c.Log.Level = e.or("LOG_LEVEL", c.Log.Level)

	var err error
	if c.Server.MetricsPort, err = e.intOr("METRICS_PORT", c.Server.MetricsPort); err != nil {
		return err
	}
	if c.Retrieval.MatchCount, err = e.intOr("MATCH_COUNT", c.Retrieval.MatchCount); err != nil {
		return err
	}
	threshold, err := e.floatOr("MATCH_THRESHOLD", float64(c.Retrieval.MatchThreshold))
	if err != nil {
		return err
	}
	c.Retrieval.MatchThreshold = float32(threshold)
	if c.Completion.StrictGrounding, err = e.boolOr("STRICT_GROUNDING", c.Completion.StrictGrounding); err != nil {
		return err
	}
	return nil
}

func or(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}

func (c *Config) applyDefaults() {
	s := &c.Server
	s.Port = or(s.Port, "8080")
	s.CORSOrigin = or(s.CORSOrigin, "*")
	s.ResponseMode = or(s.ResponseMode, "sse")

	e := &c.Embedding
	e.Provider = or(e.Provider, ProviderOpenAI)
	if e.Model == "" && e.Provider == ProviderOpenAI {
		e.Model = embed.DefaultOpenAIModel
	}
	if e.Provider == ProviderOllama {
		e.BaseURL = or(e.BaseURL, "http://localhost:11434")
		e.Model = or(e.Model, "nomic-embed-text")
	}
	d := embed.DefaultOptions()
	if e.MaxInputChars == 0 {
		e.MaxInputChars = d.MaxInputChars
	}
	if e.BatchSize == 0 {
		e.BatchSize = d.BatchSize
	}
	if e.Dimensions == 0 && e.Provider == ProviderOpenAI {
		e.Dimensions = 1536
	}

	m := &c.Completion
	m.Provider = or(m.Provider, ProviderOpenAI)
	if m.Provider == ProviderOllama {
		m.BaseURL = or(m.BaseURL, "http://localhost:11434")
		m.Model = or(m.Model, "llama3.1")
	}
	m.Model = or(m.Model, "gpt-4")
	if m.Temperature == nil {
		t := 0.2
		m.Temperature = &t
	}
	if m.MaxTokens == 0 {
		m.MaxTokens = 1024
	}
	m.PromptMode = or(m.PromptMode, "conversation")

	st := &c.Store
	st.Backend = or(st.Backend, BackendMemory)
	st.Qdrant.Collection = or(st.Qdrant.Collection, "groundwork")
	st.Postgres.Table = or(st.Postgres.Table, "documents")
	st.Redis.Index = or(st.Redis.Index, "groundwork-docs")
	st.Redis.Prefix = or(st.Redis.Prefix, "doc:")

	r := &c.Retrieval
	if r.MatchThreshold == 0 {
		r.MatchThreshold = 0.75
	}
	if r.MatchCount == 0 {
		r.MatchCount = 5
	}
	if r.ContextBudget == 0 {
		r.ContextBudget = 6000
	}
	if r.SearchTimeout == 0 {
		r.SearchTimeout = 5 * time.Second
	}

	im := &c.Image
	if im.Enabled == nil {
		on := true
		im.Enabled = &on
	}
	if im.MatchThreshold == 0 {
		im.MatchThreshold = image.DefaultThreshold
	}
	if im.MatchCount == 0 {
		im.MatchCount = image.DefaultCount
	}
	im.Model = or(im.Model, image.DefaultModel)
	im.Size = or(im.Size, image.DefaultSize)
	im.APIKey = or(im.APIKey, m.APIKey)
	if m.Provider == ProviderOpenAI {
		im.BaseURL = or(im.BaseURL, m.BaseURL)
	}

	in := &c.Ingest
	if in.ChunkSize == 0 {
		in.ChunkSize = chunk.DefaultSize
		if in.Overlap == 0 {
			in.Overlap = chunk.DefaultOverlap
		}
	}
	if in.Concurrency == 0 {
		in.Concurrency = ingest.DefaultConcurrency
	}
	if in.BatchSize == 0 {
		in.BatchSize = ingest.DefaultBatchSize
	}
	in.Subject = or(in.Subject, ingest.IngestSubject)
	in.DLQSubject = or(in.DLQSubject, ingest.DLQSubject)
	if in.MaxRetries == 0 {
		in.MaxRetries = ingest.MaxRetries
	}

	c.Records.Backend = or(c.Records.Backend, RecordsStatic)
	c.Records.User = or(c.Records.User, "neo4j")

	f := &c.Fetch
	if f.RatePerSec == 0 {
		f.RatePerSec = 1
	}
	if f.Burst == 0 {
		f.Burst = 1
	}
	if f.Timeout == 0 {
		f.Timeout = fetch.DefaultTimeout
	}
	if f.MaxBytes == 0 {
		f.MaxBytes = fetch.DefaultMaxBytes
	}

	c.Log.Level = or(c.Log.Level, "info")
}

// Validate reports every missing credential and invalid setting as a
// domain.ConfigError naming it.
func (c *Config) Validate() error {
	var errs []error
	bad := func(setting string) { errs = append(errs, domain.ConfigError(setting)) }

	switch c.Embedding.Provider {
	case ProviderOpenAI:
		if c.Embedding.APIKey == "" {
			bad("embedding.api_key")
		}
	case ProviderOllama:
		if c.Embedding.Model == "" {
			bad("embedding.model")
		}
	default:
		bad("embedding.provider")
	}

	switch c.Completion.Provider {
	case ProviderOpenAI:
		if c.Completion.APIKey == "" {
			bad("completion.api_key")
		}
	case ProviderOllama:
	default:
		bad("completion.provider")
	}
	if c.Completion.PromptMode != "single" && c.Completion.PromptMode != "conversation" {
		bad("completion.prompt_mode")
	}

	switch c.Store.Backend {
	case BackendMemory:
	case BackendQdrant:
		if c.Store.Qdrant.Addr == "" {
			bad("store.qdrant.addr")
		}
	case BackendPostgres:
		if c.Store.Postgres.DSN == "" {
			bad("store.postgres.dsn")
		}
	case BackendRedis:
		if c.Store.Redis.Addr == "" {
			bad("store.redis.addr")
		}
	default:
		bad("store.backend")
	}

	switch c.Server.ResponseMode {
	case "sse", "text", "json":
	default:
		bad("server.response_mode")
	}

	if t := c.Retrieval.MatchThreshold; t < 0 || t > 1 {
		bad("retrieval.match_threshold")
	}
	if c.Ingest.Overlap < 0 || c.Ingest.Overlap >= c.Ingest.ChunkSize {
		bad("ingest.overlap")
	}

	switch c.Records.Backend {
	case RecordsStatic:
	case RecordsNeo4j:
		if c.Records.URL == "" {
			bad("records.url")
		}
	default:
		bad("records.backend")
	}

	if _, err := c.Log.SlogLevel(); err != nil {
		bad("log.level")
	}
	return errors.Join(errs...)
}

// ImageEnabled reports whether the image branch should be wired.
func (c *Config) ImageEnabled() bool {
	return c.Image.Enabled != nil && *c.Image.Enabled && c.Image.APIKey != ""
}

// RouterRules returns the configured routing rules, falling back to
// router.DefaultRules.
func (c *Config) RouterRules() ([]router.Rule, error) {
	if c.Router.File != "" {
		f, err := os.Open(c.Router.File)
		if err != nil {
			return nil, fmt.Errorf("config: router rules: %w", err)
		}
		defer f.Close()
		return router.LoadRules(f)
	}
	if len(c.Router.Rules) > 0 {
		return c.Router.Rules, nil
	}
	return router.DefaultRules(), nil
}

// SlogLevel parses the configured level.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("config: unknown log level %q", l.Level)
}
