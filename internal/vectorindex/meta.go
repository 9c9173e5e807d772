package vectorindex

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// File names inside an index directory.
const (
	IndexFile   = "index.bin"
	PayloadFile = "payload.jsonl"
	MetaFile    = "meta.json"
)

// MetricCosine is the only supported similarity metric.
const MetricCosine = "cosine"

// Meta describes how an index was built. It is written to meta.json.
type Meta struct {
	EmbeddingDim       int       `json:"embedding_dim"`
	EmbeddingModelID   string    `json:"embedding_model_id"`
	Metric             string    `json:"metric"`
	ChunkSizeTokens    int       `json:"chunk_size_tokens"`
	ChunkOverlapTokens int       `json:"chunk_overlap_tokens"`
	CreatedAt          time.Time `json:"created_at"`
	Format             Format    `json:"index_format,omitempty"`
	Tokenizer          string    `json:"tokenizer,omitempty"`
	Count              int       `json:"count"`
}

func readMeta(dir string) (Meta, error) {
	data, err := os.ReadFile(filepath.Join(dir, MetaFile))
	if err != nil {
		return Meta{}, fmt.Errorf("read %s: %w", MetaFile, err)
	}
	var m Meta
	if err := json.Unmarshal(data, &m); err != nil {
		return Meta{}, fmt.Errorf("parse %s: %w", MetaFile, err)
	}
	if m.Format == "" {
		m.Format = FormatF32
	}
	return m, nil
}

func encodeMeta(m Meta) ([]byte, error) {
	m.CreatedAt = m.CreatedAt.UTC().Truncate(time.Second)
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", MetaFile, err)
	}
	return append(data, '\n'), nil
}
