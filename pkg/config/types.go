// SPDX-License-Identifier: MIT
// Copyright 2025 The nlweb-go Authors
//

package config

import (
	"fmt"
	"strings"
)

// GenerateMode selects the post-ranking behaviour for a query.
type GenerateMode string

const (
	GenerateModeNone      GenerateMode = "none"
	GenerateModeList      GenerateMode = "list"
	GenerateModeSummarize GenerateMode = "summarize"
	GenerateModeGenerate  GenerateMode = "generate"
)

// Config is the root configuration, loaded once at startup from the config
// directory and immutable afterwards.
type Config struct {
	Server    ServerConfig    `yaml:"server" koanf:"server"`
	LLM       LLMConfig       `yaml:"llm" koanf:"llm"`
	Embedding EmbeddingConfig `yaml:"embedding" koanf:"embedding"`
	Retrieval RetrievalConfig `yaml:"retrieval" koanf:"retrieval"`
	Ranking   RankingConfig   `yaml:"ranking" koanf:"ranking"`
	Tools     ToolsConfig     `yaml:"tools" koanf:"tools"`
	Features  FeatureConfig   `yaml:"features" koanf:"features"`
	Sites     SitesConfig     `yaml:"sites" koanf:"sites"`
	Logging   LoggingConfig   `yaml:"logging" koanf:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics" koanf:"metrics"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Host string `yaml:"host" koanf:"host"`
	Port int    `yaml:"port" koanf:"port"`

	// DevMode allows the db query parameter to override the retrieval
	// endpoint selection per request.
	DevMode bool `yaml:"dev_mode" koanf:"dev_mode"`

	// Headers are emitted once per request as header messages before any
	// content message.
	Headers map[string]string `yaml:"headers" koanf:"headers"`

	// APIKeys are key names announced to the client on the first send.
	// Values are resolved from the environment, never emitted.
	APIKeys []string `yaml:"api_keys" koanf:"api_keys"`
}

func (c *ServerConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 8000
	}
}

func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LLMEndpoint describes one model endpoint.
type LLMEndpoint struct {
	Type        string  `yaml:"type" koanf:"type"` // openai, anthropic, ollama
	Model       string  `yaml:"model" koanf:"model"`
	APIKey      string  `yaml:"api_key" koanf:"api_key"`
	BaseURL     string  `yaml:"base_url" koanf:"base_url"`
	Temperature float64 `yaml:"temperature" koanf:"temperature"`
	MaxTokens   int     `yaml:"max_tokens" koanf:"max_tokens"`
}

// LLMConfig declares the two model tiers. Pre-checks and per-item scoring
// use the low tier; synthesis and comparisons use the high tier.
type LLMConfig struct {
	High LLMEndpoint `yaml:"high" koanf:"high"`
	Low  LLMEndpoint `yaml:"low" koanf:"low"`

	Timeout    int `yaml:"timeout" koanf:"timeout"`         // seconds, per call
	MaxRetries int `yaml:"max_retries" koanf:"max_retries"`
	RetryDelay int `yaml:"retry_delay" koanf:"retry_delay"` // seconds
}

func (c *LLMConfig) SetDefaults() {
	if c.Timeout == 0 {
		c.Timeout = 30
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 2
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = 1
	}
	if c.Low.Type == "" {
		c.Low = c.High
	}
	if c.High.MaxTokens == 0 {
		c.High.MaxTokens = 4096
	}
	if c.Low.MaxTokens == 0 {
		c.Low.MaxTokens = 1024
	}
}

func (c *LLMConfig) Validate() error {
	if c.High.Type == "" {
		return fmt.Errorf("llm.high.type is required")
	}
	switch c.High.Type {
	case "openai", "anthropic", "ollama":
	default:
		return fmt.Errorf("unsupported LLM type: %s (supported: openai, anthropic, ollama)", c.High.Type)
	}
	return nil
}

// EmbeddingConfig configures the embedding provider used to vectorise
// queries before backend fan-out.
type EmbeddingConfig struct {
	Type       string `yaml:"type" koanf:"type"` // openai, ollama, cohere
	Model      string `yaml:"model" koanf:"model"`
	APIKey     string `yaml:"api_key" koanf:"api_key"`
	BaseURL    string `yaml:"base_url" koanf:"base_url"`
	Dimensions int    `yaml:"dimensions" koanf:"dimensions"`
	Timeout    int    `yaml:"timeout" koanf:"timeout"`
}

func (c *EmbeddingConfig) SetDefaults() {
	if c.Timeout == 0 {
		c.Timeout = 15
	}
	if c.Dimensions == 0 {
		c.Dimensions = 1536
	}
}

func (c *EmbeddingConfig) Validate() error {
	switch c.Type {
	case "openai", "ollama", "cohere":
		return nil
	case "":
		return fmt.Errorf("embedding.type is required")
	default:
		return fmt.Errorf("unsupported embedding type: %s (supported: openai, ollama, cohere)", c.Type)
	}
}

// RetrievalEndpoint describes one vector-store backend.
type RetrievalEndpoint struct {
	Type    string `yaml:"type" koanf:"type"`
	Enabled *bool  `yaml:"enabled" koanf:"enabled"`

	Host      string `yaml:"host" koanf:"host"`
	Port      int    `yaml:"port" koanf:"port"`
	APIKey    string `yaml:"api_key" koanf:"api_key"`
	Index     string `yaml:"index" koanf:"index"` // collection / index / table name
	VectorDim int    `yaml:"vector_dim" koanf:"vector_dim"`

	// Postgres
	DSN string `yaml:"dsn" koanf:"dsn"`

	// Snowflake Cortex Search
	Account  string `yaml:"account" koanf:"account"`
	Database string `yaml:"database" koanf:"database"`
	Schema   string `yaml:"schema" koanf:"schema"`
	Service  string `yaml:"service" koanf:"service"`

	// Chromem (embedded)
	Path string `yaml:"path" koanf:"path"` // persistence dir, empty = in-memory

	EnableTLS          *bool  `yaml:"enable_tls" koanf:"enable_tls"`
	InsecureSkipVerify *bool  `yaml:"insecure_skip_verify" koanf:"insecure_skip_verify"`
	CACertificate      string `yaml:"ca_certificate" koanf:"ca_certificate"`
}

func (e *RetrievalEndpoint) IsEnabled() bool {
	return e.Enabled == nil || *e.Enabled
}

// SupportedBackendTypes lists the retrieval endpoint types the unified
// retriever can drive.
var SupportedBackendTypes = []string{
	"azure_ai_search",
	"opensearch",
	"qdrant",
	"elasticsearch",
	"postgres",
	"snowflake_cortex_search",
	"milvus",
	"pinecone",
	"chromem",
}

func (e *RetrievalEndpoint) Validate(name string) error {
	if e.Type == "" {
		return fmt.Errorf("retrieval endpoint %s: type is required", name)
	}
	for _, t := range SupportedBackendTypes {
		if e.Type == t {
			return nil
		}
	}
	return fmt.Errorf("retrieval endpoint %s: unsupported type %s (supported: %s)",
		name, e.Type, strings.Join(SupportedBackendTypes, ", "))
}

// RetrievalConfig configures the multi-backend retriever.
type RetrievalConfig struct {
	Endpoints map[string]*RetrievalEndpoint `yaml:"endpoints" koanf:"endpoints"`

	// WriteEndpoint names the single endpoint that receives document
	// writes. Empty means writes are rejected.
	WriteEndpoint string `yaml:"write_endpoint" koanf:"write_endpoint"`

	// Timeout bounds each backend call, in seconds.
	Timeout int `yaml:"timeout" koanf:"timeout"`
}

func (c *RetrievalConfig) SetDefaults() {
	if c.Timeout == 0 {
		c.Timeout = 20
	}
}

func (c *RetrievalConfig) Validate() error {
	enabled := 0
	for name, ep := range c.Endpoints {
		if err := ep.Validate(name); err != nil {
			return err
		}
		if ep.IsEnabled() {
			enabled++
		}
	}
	if enabled == 0 {
		return fmt.Errorf("retrieval: at least one enabled endpoint is required")
	}
	if c.WriteEndpoint != "" {
		if _, ok := c.Endpoints[c.WriteEndpoint]; !ok {
			return fmt.Errorf("retrieval: write_endpoint %s is not a configured endpoint", c.WriteEndpoint)
		}
	}
	return nil
}

// RankingConfig exposes the ranking engine thresholds.
type RankingConfig struct {
	Workers int `yaml:"workers" koanf:"workers"`

	RegularThreshold int `yaml:"regular_threshold" koanf:"regular_threshold"`
	FastThreshold    int `yaml:"fast_threshold" koanf:"fast_threshold"`

	// FallbackFloor and FallbackDelta control the re-emission pass when
	// streaming produced too few good answers.
	FallbackFloor int `yaml:"fallback_floor" koanf:"fallback_floor"`
	FallbackDelta int `yaml:"fallback_delta" koanf:"fallback_delta"`

	// MaxResults caps the answers emitted per query.
	MaxResults int `yaml:"max_results" koanf:"max_results"`
}

func (c *RankingConfig) SetDefaults() {
	if c.Workers == 0 {
		c.Workers = 20
	}
	if c.RegularThreshold == 0 {
		c.RegularThreshold = 51
	}
	if c.FastThreshold == 0 {
		c.FastThreshold = 59
	}
	if c.FallbackFloor == 0 {
		c.FallbackFloor = 2
	}
	if c.FallbackDelta == 0 {
		c.FallbackDelta = 10
	}
	if c.MaxResults == 0 {
		c.MaxResults = 10
	}
}

// ToolsConfig locates the declarative tool catalogue and the statistics
// assets. Empty paths select the embedded defaults.
type ToolsConfig struct {
	CatalogPath string `yaml:"catalog_path" koanf:"catalog_path"`

	StatisticsTemplatesPath string `yaml:"statistics_templates_path" koanf:"statistics_templates_path"`
	DCIDMappingPath         string `yaml:"dcid_mapping_path" koanf:"dcid_mapping_path"`

	// MinScore is the routing threshold; candidates below it are dropped.
	MinScore int `yaml:"min_score" koanf:"min_score"`
}

func (c *ToolsConfig) SetDefaults() {
	if c.MinScore == 0 {
		c.MinScore = 70
	}
}

// FeatureConfig toggles pipeline stages.
type FeatureConfig struct {
	ToolSelectionEnabled   *bool `yaml:"tool_selection_enabled" koanf:"tool_selection_enabled"`
	DecontextualizeEnabled *bool `yaml:"decontextualize_enabled" koanf:"decontextualize_enabled"`
	RequiredInfoEnabled    *bool `yaml:"required_info_enabled" koanf:"required_info_enabled"`
	MemoryEnabled          *bool `yaml:"memory_enabled" koanf:"memory_enabled"`
}

func (c *FeatureConfig) ToolSelection() bool   { return BoolValue(c.ToolSelectionEnabled, true) }
func (c *FeatureConfig) Decontextualize() bool { return BoolValue(c.DecontextualizeEnabled, true) }
func (c *FeatureConfig) RequiredInfo() bool    { return BoolValue(c.RequiredInfoEnabled, false) }
func (c *FeatureConfig) Memory() bool          { return BoolValue(c.MemoryEnabled, false) }

// SitesConfig declares the site corpus and per-site metadata.
type SitesConfig struct {
	// Allowed restricts queries to these sites. Empty means any site.
	Allowed []string `yaml:"allowed" koanf:"allowed"`

	// ItemTypes maps a site to its schema.org item type. Unlisted sites
	// default to Thing.
	ItemTypes map[string]string `yaml:"item_types" koanf:"item_types"`

	// RequiredInfo maps a site to the user question asked when a query is
	// missing required input for that site.
	RequiredInfo map[string]string `yaml:"required_info" koanf:"required_info"`
}

// ItemType resolves the schema.org type for a site scope.
func (c *SitesConfig) ItemType(sites []string) string {
	for _, site := range sites {
		if t, ok := c.ItemTypes[site]; ok {
			return t
		}
	}
	return "Thing"
}

// LoggingConfig configures slog output.
type LoggingConfig struct {
	Level  string `yaml:"level" koanf:"level"`
	File   string `yaml:"file" koanf:"file"`
	Format string `yaml:"format" koanf:"format"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" koanf:"enabled"`
	Path    string `yaml:"path" koanf:"path"`
}

func (c *MetricsConfig) SetDefaults() {
	if c.Path == "" {
		c.Path = "/metrics"
	}
}

// SetDefaults applies defaults recursively.
func (c *Config) SetDefaults() {
	c.Server.SetDefaults()
	c.LLM.SetDefaults()
	c.Embedding.SetDefaults()
	c.Retrieval.SetDefaults()
	c.Ranking.SetDefaults()
	c.Tools.SetDefaults()
	c.Metrics.SetDefaults()
}

// Validate checks the configuration for startup errors. Failures here are
// fatal: the process must not start with a broken config.
func (c *Config) Validate() error {
	if err := c.LLM.Validate(); err != nil {
		return err
	}
	if err := c.Embedding.Validate(); err != nil {
		return err
	}
	if err := c.Retrieval.Validate(); err != nil {
		return err
	}
	return nil
}

// BoolPtr returns a pointer to b, for optional config fields.
func BoolPtr(b bool) *bool { return &b }

// BoolValue dereferences p, falling back to def when nil.
func BoolValue(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}
