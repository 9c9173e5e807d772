package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kailas-cloud/therapist/internal/domain"
)

func validConfig() Config {
	cfg := Config{Index: IndexConfig{Dir: "/var/lib/therapist/index"}}
	cfg.ApplyDefaults()
	return cfg
}

func TestValidate_MissingIndexDir(t *testing.T) {
	cfg := validConfig()
	cfg.Index.Dir = ""

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error for missing index dir")
	}
	if !errors.Is(err, domain.ErrConfiguration) {
		t.Errorf("expected ErrConfiguration, got %v", err)
	}
}

func TestValidate_InvalidPort(t *testing.T) {
	cfg := validConfig()
	cfg.HTTP.Port = 70000

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for invalid port")
	}
}

func TestValidate_OverlapNotBelowChunkSize(t *testing.T) {
	cfg := validConfig()
	cfg.Ingestion.ChunkSizeTokens = 100
	cfg.Ingestion.ChunkOverlapTokens = 100

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error for overlap >= chunk size")
	}

	expected := "configuration error: ingestion.chunk_overlap_tokens must be in [0, 100), got 100"
	if err.Error() != expected {
		t.Errorf("unexpected error message:\ngot:  %q\nwant: %q", err.Error(), expected)
	}
}

func TestValidate_IndexFormats(t *testing.T) {
	for _, format := range []string{"f32", "f32+zstd", "f32+lz4", "gob"} {
		t.Run("format="+format, func(t *testing.T) {
			cfg := validConfig()
			cfg.Index.Format = format
			if err := cfg.Validate(); err != nil {
				t.Fatalf("unexpected error for format %q: %v", format, err)
			}
		})
	}

	cfg := validConfig()
	cfg.Index.Format = "pickle"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown format")
	}
}

func TestValidate_PDFLoader(t *testing.T) {
	cfg := validConfig()
	cfg.Ingestion.PDFLoader = "ocr"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown pdf loader")
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := Config{}
	cfg.ApplyDefaults()

	if cfg.Retrieval.K() != 5 {
		t.Errorf("expected VectorK=5, got %d", cfg.Retrieval.K())
	}
	if cfg.Ingestion.ChunkSizeTokens != 1000 {
		t.Errorf("expected ChunkSizeTokens=1000, got %d", cfg.Ingestion.ChunkSizeTokens)
	}
	if cfg.Ingestion.ChunkOverlapTokens != 0 {
		t.Errorf("expected ChunkOverlapTokens=0, got %d", cfg.Ingestion.ChunkOverlapTokens)
	}
	if cfg.WebSearch.MaxResults != 5 {
		t.Errorf("expected MaxResults=5, got %d", cfg.WebSearch.MaxResults)
	}
	if cfg.Retrieval.WebTimeout() != 10*time.Second {
		t.Errorf("expected web timeout 10s, got %s", cfg.Retrieval.WebTimeout())
	}
	if cfg.Retrieval.VectorTimeout() != 2*time.Second {
		t.Errorf("expected vector timeout 2s, got %s", cfg.Retrieval.VectorTimeout())
	}
	if cfg.LLM.Model != "llama3.1" {
		t.Errorf("expected llama3.1, got %q", cfg.LLM.Model)
	}
	if cfg.LLM.Temp() != 0.7 {
		t.Errorf("expected temperature 0.7, got %v", cfg.LLM.Temp())
	}
	if cfg.LLM.MaxRetries != 3 {
		t.Errorf("expected MaxRetries=3, got %d", cfg.LLM.MaxRetries)
	}
	if cfg.Index.Format != "f32" {
		t.Errorf("expected format f32, got %q", cfg.Index.Format)
	}
	if cfg.Index.TrustedSource {
		t.Error("expected trusted_source to default to false")
	}
}

func TestApplyDefaults_NoOverride(t *testing.T) {
	cfg := Config{
		HTTP:      HTTPConfig{Port: 9090, ReadTimeoutSec: 30},
		Retrieval: RetrievalConfig{VectorK: ptr(8), WebTimeoutMS: 500},
		Ingestion: IngestionConfig{ChunkSizeTokens: 256, ChunkOverlapTokens: 32},
	}
	cfg.ApplyDefaults()

	if cfg.HTTP.Port != 9090 {
		t.Errorf("expected Port=9090, got %d", cfg.HTTP.Port)
	}
	if cfg.Retrieval.K() != 8 {
		t.Errorf("expected VectorK=8, got %d", cfg.Retrieval.K())
	}
	if cfg.Retrieval.WebTimeoutMS != 500 {
		t.Errorf("expected WebTimeoutMS=500, got %d", cfg.Retrieval.WebTimeoutMS)
	}
	if cfg.Ingestion.ChunkOverlapTokens != 32 {
		t.Errorf("expected ChunkOverlapTokens=32, got %d", cfg.Ingestion.ChunkOverlapTokens)
	}
}

func TestLoadFile_ExpandsEnv(t *testing.T) {
	t.Setenv("THERAPIST_INDEX_DIR", "/tmp/idx")
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	yml := "index:\n  index_dir: ${THERAPIST_INDEX_DIR}\nwebsearch:\n  api_key: ${TAVILY_KEY_UNSET:-none}\n"
	if err := os.WriteFile(path, []byte(yml), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Index.Dir != "/tmp/idx" {
		t.Errorf("expected index dir from env, got %q", cfg.Index.Dir)
	}
	if cfg.WebSearch.APIKey != "none" {
		t.Errorf("expected default api key, got %q", cfg.WebSearch.APIKey)
	}
}

func TestLoadFile_InvalidIsConfigurationError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(path, []byte("http:\n  port: 8080\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	_, err := LoadFile(path)
	if !errors.Is(err, domain.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
}

func ptr[T any](v T) *T { return &v }

func TestLoadFile_ExplicitZerosKept(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "zero.yaml")
	yml := "index:\n  index_dir: /tmp/idx\nretrieval:\n  vector_k: 0\nllm:\n  temperature: 0\n"
	if err := os.WriteFile(path, []byte(yml), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Retrieval.K() != 0 {
		t.Errorf("expected vector_k 0 to be kept, got %d", cfg.Retrieval.K())
	}
	if cfg.LLM.Temp() != 0 {
		t.Errorf("expected temperature 0 to be kept, got %v", cfg.LLM.Temp())
	}
}

func TestValidate_NegativeVectorK(t *testing.T) {
	cfg := validConfig()
	cfg.Retrieval.VectorK = ptr(-1)
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for negative vector_k")
	}
}

func TestValidate_TemperatureRange(t *testing.T) {
	cfg := validConfig()
	cfg.LLM.Temperature = ptr(float32(2.5))
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for temperature above 2")
	}
}
