// Package vectorindex persists and searches the passage embedding index.
//
// An index directory holds index.bin (vectors), payload.jsonl (passages, one per
// line, sorted by vector_id) and meta.json (build parameters). Vectors are stored
// L2-normalized, so cosine similarity is a dot product.
package vectorindex

import (
	"bufio"
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/kailas-cloud/therapist/internal/domain"
)

// DefaultK is the number of passages SearchString returns.
const DefaultK = 5

// maxPayloadLine bounds a single payload.jsonl record.
const maxPayloadLine = 16 << 20

// Options controls how an index is opened.
type Options struct {
	// TrustedSource allows formats whose decoder is not safe on untrusted bytes.
	TrustedSource bool
	// ExpectedModelID, when set, must equal meta.json embedding_model_id.
	ExpectedModelID string
	// K is the passage count used by SearchString. Nil means DefaultK;
	// zero disables vector context.
	K      *int
	Logger *zap.Logger
}

// Reader is an immutable, concurrency-safe view of a persisted index.
type Reader struct {
	meta     Meta
	dim      int
	ids      []uint32
	vectors  []float32
	passages []domain.Passage
	embedder domain.Embedder
	k        int
	logger   *zap.Logger
}

// Open loads the index in dir. Queries are embedded with embedder, which must be
// backed by the model the index was built with.
func Open(dir string, embedder domain.Embedder, opts Options) (*Reader, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	dir = filepath.Clean(dir)
	if err := recoverBackup(dir); err != nil {
		// read-only mount: serve the stranded backup in place
		logger.Warn("index dir missing, reading backup", zap.String("dir", dir), zap.Error(err))
		dir = backupPath(dir)
	}

	meta, err := readMeta(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrIncompatibleIndex, err)
	}
	if meta.Metric != MetricCosine {
		return nil, fmt.Errorf("%w: metric %q", domain.ErrIncompatibleIndex, meta.Metric)
	}
	if !meta.Format.Known() {
		return nil, fmt.Errorf("%w: format %q", domain.ErrIncompatibleIndex, meta.Format)
	}
	if meta.Format.RequiresTrust() && !opts.TrustedSource {
		return nil, fmt.Errorf("%w: %q", domain.ErrUntrustedFormat, meta.Format)
	}
	if opts.ExpectedModelID != "" && meta.EmbeddingModelID != opts.ExpectedModelID {
		return nil, fmt.Errorf("%w: index built with %q, query embedder is %q",
			domain.ErrIncompatibleIndex, meta.EmbeddingModelID, opts.ExpectedModelID)
	}

	raw, err := os.ReadFile(filepath.Join(dir, IndexFile))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", domain.ErrIndexCorrupt, IndexFile, err)
	}
	m, err := decodeMatrix(raw, meta.Format)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrIndexCorrupt, err)
	}
	if len(m.IDs) > 0 && m.Dim != meta.EmbeddingDim {
		return nil, fmt.Errorf("%w: index.bin dim %d, meta.json dim %d", domain.ErrIndexCorrupt, m.Dim, meta.EmbeddingDim)
	}

	passages, err := readPayload(filepath.Join(dir, PayloadFile), m.IDs)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrIndexCorrupt, err)
	}

	for i := range m.IDs {
		normalizeL2InPlace(m.Vectors[i*m.Dim : (i+1)*m.Dim])
	}

	k := DefaultK
	if opts.K != nil {
		k = *opts.K
	}

	logger.Info("vector index opened",
		zap.String("dir", dir),
		zap.Int("passages", len(passages)),
		zap.Int("dim", meta.EmbeddingDim),
		zap.String("model", meta.EmbeddingModelID),
		zap.String("format", string(meta.Format)),
	)

	return &Reader{
		meta:     meta,
		dim:      meta.EmbeddingDim,
		ids:      m.IDs,
		vectors:  m.Vectors,
		passages: passages,
		embedder: embedder,
		k:        k,
		logger:   logger,
	}, nil
}

// readPayload returns passages aligned with ids. Every id must own exactly one line.
func readPayload(path string, ids []uint32) ([]domain.Passage, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", PayloadFile, err)
	}
	defer func() { _ = f.Close() }()

	pos := make(map[uint32]int, len(ids))
	for i, id := range ids {
		if _, dup := pos[id]; dup {
			return nil, fmt.Errorf("duplicate vector id %d in %s", id, IndexFile)
		}
		pos[id] = i
	}

	passages := make([]domain.Passage, len(ids))
	seen := make([]bool, len(ids))
	count := 0

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxPayloadLine)
	line := 0
	for sc.Scan() {
		line++
		b := bytes.TrimSpace(sc.Bytes())
		if len(b) == 0 {
			continue
		}
		var p domain.Passage
		if err := json.Unmarshal(b, &p); err != nil {
			return nil, fmt.Errorf("%s line %d: %w", PayloadFile, line, err)
		}
		i, ok := pos[p.VectorID]
		if !ok {
			return nil, fmt.Errorf("payload vector id %d has no vector", p.VectorID)
		}
		if seen[i] {
			return nil, fmt.Errorf("duplicate payload for vector id %d", p.VectorID)
		}
		seen[i] = true
		passages[i] = p
		count++
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", PayloadFile, err)
	}
	if count != len(ids) {
		return nil, fmt.Errorf("%d vectors but %d payload records", len(ids), count)
	}
	return passages, nil
}

// Meta returns the build parameters of the index.
func (r *Reader) Meta() Meta { return r.meta }

// Len returns the number of passages.
func (r *Reader) Len() int { return len(r.ids) }

// Search embeds query and returns up to k passages by non-increasing cosine
// similarity, ties broken by ascending vector id. k <= 0 yields no passages.
func (r *Reader) Search(ctx context.Context, query string, k int) ([]domain.Passage, error) {
	if k <= 0 || len(r.ids) == 0 {
		return []domain.Passage{}, nil
	}
	if r.embedder == nil {
		return nil, domain.ConfigError("vector index opened without a query embedder")
	}

	res, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	return r.SearchVector(ctx, res.Embedding, k)
}

type scored struct {
	idx   int
	score float64
}

// SearchVector ranks passages against an already embedded query.
func (r *Reader) SearchVector(ctx context.Context, query []float32, k int) ([]domain.Passage, error) {
	if k <= 0 || len(r.ids) == 0 {
		return []domain.Passage{}, nil
	}
	if len(query) != r.dim {
		return nil, fmt.Errorf("%w: query has %d, index has %d", domain.ErrVectorDimMismatch, len(query), r.dim)
	}
	q := slices.Clone(query)
	normalizeL2InPlace(q)

	hits := make([]scored, len(r.ids))
	for i := range r.ids {
		if i%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		hits[i] = scored{idx: i, score: dot(q, r.vectors[i*r.dim:(i+1)*r.dim])}
	}

	slices.SortFunc(hits, func(a, b scored) int {
		if c := cmp.Compare(b.score, a.score); c != 0 {
			return c
		}
		return cmp.Compare(r.ids[a.idx], r.ids[b.idx])
	})

	k = min(k, len(hits))
	out := make([]domain.Passage, k)
	for i := 0; i < k; i++ {
		p := r.passages[hits[i].idx]
		p.Score = hits[i].score
		out[i] = p
	}
	return out, nil
}

// SearchString returns the configured number of passages rendered with AsString.
func (r *Reader) SearchString(ctx context.Context, query string) (string, error) {
	passages, err := r.Search(ctx, query, r.k)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", err
		}
		return "", fmt.Errorf("%w: %w", domain.ErrVectorRetrievalFailed, err)
	}
	return AsString(passages), nil
}

// AsString joins passage texts with newlines. No trailing newline is added.
func AsString(passages []domain.Passage) string {
	texts := make([]string, len(passages))
	for i, p := range passages {
		texts[i] = p.Text
	}
	return strings.Join(texts, "\n")
}
