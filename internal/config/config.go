// SPDX-License-Identifier: Apache-2.0

// Package config loads and validates the run configuration.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/goccy/go-yaml"

	"github.com/pvsafety/dsrmap/internal/chunk"
	"github.com/pvsafety/dsrmap/internal/embed"
	"github.com/pvsafety/dsrmap/internal/mapper"
	"github.com/pvsafety/dsrmap/internal/resolve"
)

//go:embed schema.cue
var schemaSource string

// Environment variables that override the file configuration.
const (
	EnvAPIKey        = "OPENAI_API_KEY"
	EnvEmbedProvider = "DSRMAP_EMBED_PROVIDER"
	EnvEmbedModel    = "DSRMAP_EMBED_MODEL"
	EnvEmbedBaseURL  = "DSRMAP_EMBED_BASE_URL"
	EnvEmbedCache    = "DSRMAP_EMBED_CACHE"
)

// Config is the configuration of one run.
type Config struct {
	Embedding embed.Config    `yaml:"embedding" json:"embedding"`
	Chunking  chunk.Config    `yaml:"chunking" json:"chunking"`
	Matching  mapper.Options  `yaml:"matching" json:"matching"`
	Resolver  resolve.Options `yaml:"resolver" json:"resolver"`
	Output    Output          `yaml:"output" json:"output"`
}

// Output configures where deliverables are written.
type Output struct {
	// Dir receives mapping.md, mapping.csv, evidence.md and snapshot.json.
	Dir string `yaml:"dir" json:"dir"`

	// MetricsFile, when set, receives the run metrics in text exposition format.
	MetricsFile string `yaml:"metrics_file" json:"metrics_file"`
}

// Default returns a configuration that runs offline with vector matching
// disabled.
func Default() Config {
	return Config{
		Embedding: embed.DefaultConfig(),
		Chunking:  chunk.DefaultConfig(),
		Matching:  mapper.DefaultOptions(),
		Resolver:  resolve.DefaultOptions(),
		Output:    Output{Dir: "out"},
	}
}

// Load reads the YAML file at path over the defaults, applies environment
// overrides and validates the result. An empty path loads only defaults and
// environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.ApplyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides embedding settings from the environment. getenv is
// usually os.Getenv.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv(EnvAPIKey); v != "" {
		c.Embedding.APIKey = v
	}
	if v := getenv(EnvEmbedProvider); v != "" {
		c.Embedding.Provider = v
	}
	if v := getenv(EnvEmbedModel); v != "" {
		c.Embedding.Model = v
	}
	if v := getenv(EnvEmbedBaseURL); v != "" {
		c.Embedding.BaseURL = v
	}
	if v := getenv(EnvEmbedCache); v != "" {
		c.Embedding.CachePath = v
	}
	c.Embedding.Provider = strings.ToLower(strings.TrimSpace(c.Embedding.Provider))
}

// Validate checks the configuration against the CUE schema, then the
// constraints that span fields.
func (c Config) Validate() error {
	if err := validateSchema(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := c.Chunking.Validate(); err != nil {
		return fmt.Errorf("invalid config: chunking: %w", err)
	}
	r := c.Embedding.Retry
	if r.MaxBackoff < r.BackoffBase {
		return fmt.Errorf("invalid config: embedding.retry.max_backoff (%s) is below backoff_base (%s)", r.MaxBackoff, r.BackoffBase)
	}
	if c.Embedding.Provider == embed.ProviderOpenAI && c.Embedding.APIKey == "" && c.Embedding.BaseURL == "" {
		return fmt.Errorf("invalid config: the openai provider needs %s or embedding.base_url", EnvAPIKey)
	}
	return nil
}

func validateSchema(c Config) error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))

	v := ctx.Encode(c)
	if err := v.Err(); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return def.Unify(v).Validate(cue.Concrete(true))
}

// Redacted returns a copy safe to print.
func (c Config) Redacted() Config {
	if c.Embedding.APIKey != "" {
		c.Embedding.APIKey = "REDACTED"
	}
	return c
}

// Marshal renders the configuration as YAML, with secrets redacted.
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c.Redacted())
}
