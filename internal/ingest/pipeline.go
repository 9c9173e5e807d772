// Package ingest turns a directory of PDFs into a persisted vector index.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kailas-cloud/therapist/internal/domain"
	"github.com/kailas-cloud/therapist/internal/metrics"
	"github.com/kailas-cloud/therapist/internal/pdf"
	"github.com/kailas-cloud/therapist/internal/tokenizer"
	"github.com/kailas-cloud/therapist/internal/vectorindex"
)

// Defaults mirror the ingestion section of the config.
const (
	DefaultChunkSizeTokens = 1000
	DefaultWorkers         = 4
	DefaultEmbedBatchSize  = 64
)

// Config holds pipeline parameters.
type Config struct {
	ChunkSizeTokens    int
	ChunkOverlapTokens int
	Workers            int
	EmbedBatchSize     int
	Format             vectorindex.Format
	// ModelID is recorded in meta.json when the embedder does not report one.
	ModelID string
}

// Document is a loaded PDF with its non-empty pages.
type Document struct {
	SourceID string
	Path     string
	Pages    []pdf.Page
}

// Chunk is a window of at most ChunkSizeTokens tokens of one document.
// Page is the page of its first token.
type Chunk struct {
	SourceID string
	Page     int
	Index    int
	Text     string
	Tokens   int
}

// Stats summarizes a pipeline run.
type Stats struct {
	RunID       string
	FilesFound  int
	FilesFailed int
	Pages       int
	Tokens      int
	Chunks      int
	Duration    time.Duration
}

// Pipeline runs discover, load, chunk, embed and persist.
type Pipeline struct {
	loader   PageLoader
	tok      Tokenizer
	embedder domain.Embedder
	sink     AuditSink
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time
}

// New validates cfg and builds a pipeline. sink may be nil.
func New(loader PageLoader, tok Tokenizer, embedder domain.Embedder, sink AuditSink, cfg Config, logger *zap.Logger) (*Pipeline, error) {
	if loader == nil || tok == nil || embedder == nil {
		return nil, domain.ConfigError("ingest pipeline needs a page loader, tokenizer and embedder")
	}
	if cfg.ChunkSizeTokens == 0 {
		cfg.ChunkSizeTokens = DefaultChunkSizeTokens
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.EmbedBatchSize <= 0 {
		cfg.EmbedBatchSize = DefaultEmbedBatchSize
	}
	if cfg.Format == "" {
		cfg.Format = vectorindex.FormatF32
	}
	if cfg.ChunkSizeTokens < 1 || cfg.ChunkOverlapTokens < 0 || cfg.ChunkOverlapTokens >= cfg.ChunkSizeTokens {
		return nil, domain.ConfigError("chunk overlap %d must be in [0, %d)", cfg.ChunkOverlapTokens, cfg.ChunkSizeTokens)
	}
	if !cfg.Format.Known() {
		return nil, domain.ConfigError("unknown index format %q", cfg.Format)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		loader:   loader,
		tok:      tok,
		embedder: embedder,
		sink:     sink,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// Discover returns every *.pdf file under root, sorted lexicographically.
func Discover(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), ".pdf") {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w in %s", domain.ErrNoInputs, root)
	}
	slices.Sort(files)
	return files, nil
}

// Load extracts the pages of one PDF, dropping pages that are empty after trimming.
func (p *Pipeline) Load(ctx context.Context, path string) ([]pdf.Page, error) {
	pages, err := p.loader.LoadPages(ctx, path)
	if err != nil {
		return nil, err
	}
	kept := pages[:0]
	for _, pg := range pages {
		if strings.TrimSpace(pg.Text) != "" {
			kept = append(kept, pg)
		}
	}
	return kept, nil
}

// LoadAll loads files concurrently. Unreadable files are logged and skipped;
// the result keeps the input order.
func (p *Pipeline) LoadAll(ctx context.Context, root string, files []string) ([]Document, int, error) {
	docs := make([]*Document, len(files))
	var failed atomic.Int32

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Workers)
	for i, path := range files {
		g.Go(func() error {
			pages, err := p.Load(gctx, path)
			if err != nil {
				if ctxErr := gctx.Err(); ctxErr != nil {
					return ctxErr
				}
				failed.Add(1)
				metrics.IngestionFilesTotal.WithLabelValues("failed").Inc()
				p.logger.Warn("skipping unreadable PDF", zap.String("path", path), zap.Error(err))
				return nil
			}
			metrics.IngestionFilesTotal.WithLabelValues("ok").Inc()
			docs[i] = &Document{SourceID: sourceID(root, path), Path: path, Pages: pages}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, 0, err
	}

	out := make([]Document, 0, len(docs))
	for _, d := range docs {
		if d != nil {
			out = append(out, *d)
		}
	}
	return out, int(failed.Load()), nil
}

func sourceID(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(rel)
}

// Chunk splits a document into token windows. Pages are joined with a newline,
// so a chunk may span a page break; its Page is that of its first token.
func (p *Pipeline) Chunk(doc Document) []Chunk {
	chunks, _ := p.chunk(doc)
	return chunks
}

func (p *Pipeline) chunk(doc Document) ([]Chunk, int) {
	var ids, pageOf []int
	for i, pg := range doc.Pages {
		text := pg.Text
		if i < len(doc.Pages)-1 {
			text += "\n"
		}
		enc := p.tok.Encode(text)
		ids = append(ids, enc...)
		for range enc {
			pageOf = append(pageOf, pg.Number)
		}
	}

	spans, err := tokenizer.Spans(len(ids), p.cfg.ChunkSizeTokens, p.cfg.ChunkOverlapTokens)
	if err != nil {
		// New rejects invalid window settings
		return nil, len(ids)
	}
	chunks := make([]Chunk, 0, len(spans))
	for i, s := range spans {
		chunks = append(chunks, Chunk{
			SourceID: doc.SourceID,
			Page:     pageOf[s.Start],
			Index:    i,
			Text:     p.tok.Decode(ids[s.Start:s.End]),
			Tokens:   s.End - s.Start,
		})
	}
	return chunks, len(ids)
}

// Embed vectorizes chunk texts in batches. Every vector must have the same dimension.
func (p *Pipeline) Embed(ctx context.Context, chunks []Chunk) ([][]float32, error) {
	vectors := make([][]float32, 0, len(chunks))
	dim := 0
	for start := 0; start < len(chunks); start += p.cfg.EmbedBatchSize {
		end := min(start+p.cfg.EmbedBatchSize, len(chunks))
		texts := make([]string, 0, end-start)
		for _, c := range chunks[start:end] {
			texts = append(texts, c.Text)
		}

		res, err := domain.EmbedAll(ctx, p.embedder, texts)
		if err != nil {
			return nil, fmt.Errorf("embed chunks [%d:%d]: %w", start, end, err)
		}
		if len(res.Embeddings) != len(texts) {
			return nil, fmt.Errorf("embed chunks [%d:%d]: got %d vectors for %d texts",
				start, end, len(res.Embeddings), len(texts))
		}
		for i, v := range res.Embeddings {
			if dim == 0 {
				dim = len(v)
			}
			if len(v) == 0 || len(v) != dim {
				return nil, fmt.Errorf("%w: chunk %d has %d, want %d",
					domain.ErrVectorDimMismatch, start+i, len(v), dim)
			}
			vectors = append(vectors, v)
		}
		p.logger.Debug("embedded batch", zap.Int("from", start), zap.Int("to", end))
	}
	return vectors, nil
}

// Run ingests every PDF under root into an index at outDir.
// Cancellation is returned as the context error, not as an ingestion failure.
func (p *Pipeline) Run(ctx context.Context, root, outDir string) (Stats, error) {
	start := p.now()
	stats := Stats{RunID: uuid.NewString()}
	log := p.logger.With(zap.String("run_id", stats.RunID), zap.String("root", root))

	files, err := Discover(root)
	if err != nil {
		if errors.Is(err, domain.ErrNoInputs) {
			return stats, err
		}
		return stats, domain.NewIngestionFailed(domain.StageDiscover, err)
	}
	stats.FilesFound = len(files)
	log.Info("discovered PDFs", zap.Int("files", len(files)))

	docs, failed, err := p.LoadAll(ctx, root, files)
	if err != nil {
		return stats, stageErr(ctx, domain.StageLoad, err)
	}
	stats.FilesFailed = failed

	var chunks []Chunk
	for _, d := range docs {
		docChunks, tokens := p.chunk(d)
		stats.Pages += len(d.Pages)
		stats.Tokens += tokens
		chunks = append(chunks, docChunks...)
	}
	if len(chunks) == 0 {
		return stats, domain.NewIngestionFailed(domain.StageChunk, errors.New("no text extracted from any PDF"))
	}
	stats.Chunks = len(chunks)
	log.Info("chunked documents",
		zap.Int("documents", len(docs)),
		zap.Int("pages", stats.Pages),
		zap.Int("tokens", stats.Tokens),
		zap.Int("chunks", stats.Chunks),
	)

	vectors, err := p.Embed(ctx, chunks)
	if err != nil {
		return stats, stageErr(ctx, domain.StageEmbed, err)
	}

	// chunks are already in (source_id, page, chunk_index) order
	records := make([]vectorindex.Record, len(chunks))
	for i, c := range chunks {
		records[i] = vectorindex.Record{
			Passage: domain.Passage{
				VectorID: uint32(i),
				Text:     c.Text,
				SourceID: c.SourceID,
				Page:     c.Page,
			},
			Vector: vectors[i],
		}
	}

	meta := vectorindex.Meta{
		EmbeddingDim:       len(vectors[0]),
		EmbeddingModelID:   p.modelID(),
		ChunkSizeTokens:    p.cfg.ChunkSizeTokens,
		ChunkOverlapTokens: p.cfg.ChunkOverlapTokens,
		CreatedAt:          p.now(),
		Format:             p.cfg.Format,
		Tokenizer:          p.tok.Name(),
	}
	if err := ctx.Err(); err != nil {
		return stats, err
	}
	if err := vectorindex.Write(outDir, meta, records); err != nil {
		return stats, domain.NewIngestionFailed(domain.StagePersist, err)
	}
	metrics.IngestionChunksTotal.Add(float64(len(records)))

	stats.Duration = p.now().Sub(start)
	log.Info("index written",
		zap.String("dir", outDir),
		zap.Int("chunks", stats.Chunks),
		zap.Int("files_failed", stats.FilesFailed),
		zap.Duration("duration", stats.Duration),
	)
	if p.sink != nil {
		p.sink.Emit(domain.AuditEvent{
			Action: domain.ActionIngestionCompleted,
			Level:  domain.LevelInfo,
			Metadata: map[string]any{
				"run_id":       stats.RunID,
				"files":        stats.FilesFound,
				"files_failed": stats.FilesFailed,
				"chunks":       stats.Chunks,
				"index_dir":    outDir,
			},
		})
	}
	return stats, nil
}

func (p *Pipeline) modelID() string {
	if mi, ok := p.embedder.(domain.ModelIdentifier); ok && mi.ModelID() != "" {
		return mi.ModelID()
	}
	return p.cfg.ModelID
}

func stageErr(ctx context.Context, stage string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return ctxErr
	}
	return domain.NewIngestionFailed(stage, err)
}
