package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kailas-cloud/therapist/internal/domain"
)

// Defaults for settings whose zero value is meaningful.
const (
	DefaultVectorK     = 5
	DefaultTemperature = 0.7
)

// Config holds the therapist service configuration.
type Config struct {
	HTTP      HTTPConfig      `yaml:"http"`
	Auth      AuthConfig      `yaml:"auth"`
	Logging   LoggingConfig   `yaml:"logging"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Ingestion IngestionConfig `yaml:"ingestion"`
	Index     IndexConfig     `yaml:"index"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	WebSearch WebSearchConfig `yaml:"websearch"`
	LLM       LLMConfig       `yaml:"llm"`
	Cache     CacheConfig     `yaml:"cache"`
	Audit     AuditConfig     `yaml:"audit"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error (default: determined by env)
}

// AuthConfig holds API authentication settings.
type AuthConfig struct {
	APIKeys []string `yaml:"api_keys"`
}

// HTTPConfig holds HTTP server settings.
type HTTPConfig struct {
	Port            int `yaml:"port"`
	ReadTimeoutSec  int `yaml:"read_timeout_sec"`
	WriteTimeoutSec int `yaml:"write_timeout_sec"`
	ShutdownSec     int `yaml:"shutdown_timeout_sec"`
}

// RetrievalConfig holds context agent settings.
type RetrievalConfig struct {
	// VectorK is a pointer so an explicit 0 (no passages) differs from unset.
	VectorK         *int `yaml:"vector_k"`
	WebTimeoutMS    int  `yaml:"web_timeout_ms"`
	VectorTimeoutMS int  `yaml:"vector_timeout_ms"`
	Workers         int  `yaml:"workers"`
}

// IngestionConfig holds ingestion pipeline settings.
type IngestionConfig struct {
	ChunkSizeTokens    int    `yaml:"chunk_size_tokens"`
	ChunkOverlapTokens int    `yaml:"chunk_overlap_tokens"`
	Workers            int    `yaml:"workers"`
	Tokenizer          string `yaml:"tokenizer"`  // tiktoken:<encoding> | words
	PDFLoader          string `yaml:"pdf_loader"` // native | pdftotext
	EmbedBatchSize     int    `yaml:"embed_batch_size"`
}

// IndexConfig holds the on-disk vector index settings.
type IndexConfig struct {
	Dir           string `yaml:"index_dir"`
	Format        string `yaml:"format"` // f32, f32+zstd, f32+lz4, gob
	TrustedSource bool   `yaml:"trusted_source"`
}

// EmbeddingConfig holds embedding provider settings.
type EmbeddingConfig struct {
	Provider           string `yaml:"provider"`
	APIKey             string `yaml:"api_key"`
	BaseURL            string `yaml:"base_url"`
	Model              string `yaml:"model"`
	Dimensions         int    `yaml:"dimensions"`
	QueryInstruction   string `yaml:"query_instruction"`
	PassageInstruction string `yaml:"passage_instruction"`
}

// WebSearchConfig holds web search collaborator settings.
type WebSearchConfig struct {
	APIKey            string  `yaml:"api_key"`
	BaseURL           string  `yaml:"base_url"`
	MaxResults        int     `yaml:"max_results"`
	IncludeAnswer     bool    `yaml:"include_answer"`
	IncludeImages     bool    `yaml:"include_images"`
	RequestsPerSecond float64 `yaml:"requests_per_second"` // 0 = unlimited
}

// LLMConfig holds chat model settings.
type LLMConfig struct {
	APIKey      string  `yaml:"api_key"`
	BaseURL     string  `yaml:"base_url"`
	Model       string  `yaml:"model"`
	Temperature *float32 `yaml:"temperature"` // 0 is deterministic decoding
	MaxRetries  int      `yaml:"max_retries"`
}

// CacheConfig selects the query embedding cache backend.
// With addrs set the cache lives in Redis, otherwise in process.
type CacheConfig struct {
	Addrs    []string `yaml:"addrs"`
	Password string   `yaml:"password"`
	TTLSec   int      `yaml:"ttl_sec"`
	LRUSize  int      `yaml:"lru_size"`
}

// AuditConfig holds audit stream settings.
type AuditConfig struct {
	Path         string `yaml:"path"` // empty = stderr
	MaxBodyBytes int    `yaml:"max_body_bytes"`
}

// WebTimeout returns the web retrieval deadline.
func (r RetrievalConfig) WebTimeout() time.Duration {
	return time.Duration(r.WebTimeoutMS) * time.Millisecond
}

// K returns the number of passages per vector search.
func (r RetrievalConfig) K() int {
	if r.VectorK == nil {
		return DefaultVectorK
	}
	return *r.VectorK
}

// VectorTimeout returns the vector retrieval deadline.
func (r RetrievalConfig) VectorTimeout() time.Duration {
	return time.Duration(r.VectorTimeoutMS) * time.Millisecond
}

// Temp returns the sampling temperature.
func (l LLMConfig) Temp() float32 {
	if l.Temperature == nil {
		return DefaultTemperature
	}
	return *l.Temperature
}

// Load reads configuration from a YAML file by environment name (local, dev, prod).
func Load(env string) (Config, error) {
	return LoadFile(findConfigPath(env))
}

// LoadFile reads configuration from an explicit path.
func LoadFile(configPath string) (Config, error) {
	data, err := os.ReadFile(filepath.Clean(configPath))
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", configPath, err)
	}

	// Substitute env variables of the form ${VAR}
	data = expandEnvVars(data)

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: failed to parse config: %v", domain.ErrConfiguration, err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// MustLoad loads configuration or panics.
func MustLoad(env string) Config {
	cfg, err := Load(env)
	if err != nil {
		panic(err)
	}
	return cfg
}

// GetEnv returns the current environment from the ENV variable, defaulting to "local".
func GetEnv() string {
	if env := os.Getenv("ENV"); env != "" {
		return env
	}
	return "local"
}

// ApplyDefaults fills empty fields with default values.
// Overlap keeps its zero value: zero is the default.
func (c *Config) ApplyDefaults() {
	if c.HTTP.Port == 0 {
		c.HTTP.Port = 8080
	}
	if c.HTTP.ReadTimeoutSec <= 0 {
		c.HTTP.ReadTimeoutSec = 10
	}
	if c.HTTP.WriteTimeoutSec <= 0 {
		c.HTTP.WriteTimeoutSec = 30
	}
	if c.HTTP.ShutdownSec <= 0 {
		c.HTTP.ShutdownSec = 10
	}
	if c.Retrieval.VectorK == nil {
		k := DefaultVectorK
		c.Retrieval.VectorK = &k
	}
	if c.Retrieval.WebTimeoutMS == 0 {
		c.Retrieval.WebTimeoutMS = 10000
	}
	if c.Retrieval.VectorTimeoutMS == 0 {
		c.Retrieval.VectorTimeoutMS = 2000
	}
	if c.Retrieval.Workers == 0 {
		c.Retrieval.Workers = 4
	}
	if c.Ingestion.ChunkSizeTokens == 0 {
		c.Ingestion.ChunkSizeTokens = 1000
	}
	if c.Ingestion.Workers == 0 {
		c.Ingestion.Workers = 4
	}
	if c.Ingestion.Tokenizer == "" {
		c.Ingestion.Tokenizer = "tiktoken:gpt2"
	}
	if c.Ingestion.PDFLoader == "" {
		c.Ingestion.PDFLoader = "native"
	}
	if c.Ingestion.EmbedBatchSize == 0 {
		c.Ingestion.EmbedBatchSize = 64
	}
	if c.Index.Format == "" {
		c.Index.Format = "f32"
	}
	if c.Embedding.Provider == "" {
		c.Embedding.Provider = "ollama"
	}
	if c.Embedding.BaseURL == "" {
		c.Embedding.BaseURL = "http://localhost:11434/v1"
	}
	if c.Embedding.Model == "" {
		c.Embedding.Model = "bge-m3"
	}
	if c.WebSearch.BaseURL == "" {
		c.WebSearch.BaseURL = "https://api.tavily.com"
	}
	if c.WebSearch.MaxResults == 0 {
		c.WebSearch.MaxResults = 5
	}
	if c.LLM.BaseURL == "" {
		c.LLM.BaseURL = "http://localhost:11434/v1"
	}
	if c.LLM.Model == "" {
		c.LLM.Model = "llama3.1"
	}
	if c.LLM.Temperature == nil {
		t := float32(DefaultTemperature)
		c.LLM.Temperature = &t
	}
	if c.LLM.MaxRetries == 0 {
		c.LLM.MaxRetries = 3
	}
	if c.Cache.TTLSec == 0 {
		c.Cache.TTLSec = 24 * 3600
	}
	if c.Cache.LRUSize == 0 {
		c.Cache.LRUSize = 1024
	}
	if c.Audit.MaxBodyBytes == 0 {
		c.Audit.MaxBodyBytes = 8192
	}
}

// Validate checks the configuration for correctness. Every failure matches domain.ErrConfiguration.
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return domain.ConfigError("http.port must be between 1 and 65535, got %d", c.HTTP.Port)
	}
	if c.Index.Dir == "" {
		return domain.ConfigError("index.index_dir is required")
	}
	switch c.Index.Format {
	case "f32", "f32+zstd", "f32+lz4", "gob":
	default:
		return domain.ConfigError("index.format must be one of f32, f32+zstd, f32+lz4, gob, got %q", c.Index.Format)
	}
	if c.Retrieval.K() < 0 {
		return domain.ConfigError("retrieval.vector_k must be >= 0, got %d", c.Retrieval.K())
	}
	if c.Retrieval.WebTimeoutMS < 0 || c.Retrieval.VectorTimeoutMS < 0 {
		return domain.ConfigError("retrieval timeouts must be positive")
	}
	if c.Retrieval.Workers < 1 {
		return domain.ConfigError("retrieval.workers must be >= 1, got %d", c.Retrieval.Workers)
	}
	if c.Ingestion.ChunkSizeTokens < 1 {
		return domain.ConfigError("ingestion.chunk_size_tokens must be >= 1, got %d", c.Ingestion.ChunkSizeTokens)
	}
	if c.Ingestion.ChunkOverlapTokens < 0 || c.Ingestion.ChunkOverlapTokens >= c.Ingestion.ChunkSizeTokens {
		return domain.ConfigError(
			"ingestion.chunk_overlap_tokens must be in [0, %d), got %d",
			c.Ingestion.ChunkSizeTokens, c.Ingestion.ChunkOverlapTokens,
		)
	}
	switch c.Ingestion.PDFLoader {
	case "native", "pdftotext":
	default:
		return domain.ConfigError("ingestion.pdf_loader must be \"native\" or \"pdftotext\", got %q", c.Ingestion.PDFLoader)
	}
	if c.WebSearch.MaxResults < 1 {
		return domain.ConfigError("websearch.max_results must be positive, got %d", c.WebSearch.MaxResults)
	}
	if t := c.LLM.Temp(); t < 0 || t > 2 {
		return domain.ConfigError("llm.temperature must be in [0, 2], got %v", t)
	}
	return nil
}

// findConfigPath locates the config file.
func findConfigPath(env string) string {
	filename := fmt.Sprintf("%s.yaml", env)

	// 1. Check ./config/
	if path := filepath.Join("config", filename); fileExists(path) {
		return path
	}

	// 2. Check relative to the source file
	_, b, _, _ := runtime.Caller(0)
	projectRoot := filepath.Dir(filepath.Dir(filepath.Dir(b))) // internal/config -> project root
	if path := filepath.Join(projectRoot, "config", filename); fileExists(path) {
		return path
	}

	// 3. Fallback to ./config/
	return filepath.Join("config", filename)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// expandEnvVars replaces ${VAR} and ${VAR:-default} with environment variable values.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnvVars(data []byte) []byte {
	return envVarRegex.ReplaceAllFunc(data, func(match []byte) []byte {
		expr := string(match[2 : len(match)-1]) // strip ${ and }
		varName, defaultVal, hasDefault := strings.Cut(expr, ":-")
		val := os.Getenv(varName)
		if val == "" && hasDefault {
			val = defaultVal
		}
		return []byte(val)
	})
}
