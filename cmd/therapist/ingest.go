package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kailas-cloud/therapist/internal/audit"
	"github.com/kailas-cloud/therapist/internal/ingest"
	"github.com/kailas-cloud/therapist/internal/metrics"
	"github.com/kailas-cloud/therapist/internal/pdf"
	"github.com/kailas-cloud/therapist/internal/tokenizer"
	"github.com/kailas-cloud/therapist/internal/vectorindex"
)

var (
	ingestOut   string
	ingestWatch bool
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <dir>",
	Short: "Build the vector index from every PDF under dir",
	Long: `Discover PDFs under dir, split their text into token windows, embed the
windows and atomically replace the index at --out (default: index.index_dir).

With --watch the command keeps running and rebuilds the index whenever a PDF
under dir is created, changed or removed.`,
	Args: cobra.ExactArgs(1),
	RunE: runIngest,
}

func init() {
	ingestCmd.Flags().StringVarP(&ingestOut, "out", "o", "", "index output directory (default: index.index_dir)")
	ingestCmd.Flags().BoolVarP(&ingestWatch, "watch", "w", false, "rebuild the index when PDFs change")
	rootCmd.AddCommand(ingestCmd)
}

func runIngest(cmd *cobra.Command, args []string) error {
	cfg, logger, err := bootstrap()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	root := args[0]
	out := ingestOut
	if out == "" {
		out = cfg.Index.Dir
	}

	metrics.RegisterEmbeddingMetrics()
	metrics.RegisterRetrievalMetrics()

	loader, err := pdf.NewLoader(cfg.Ingestion.PDFLoader)
	if err != nil {
		return err
	}
	if cfg.Ingestion.PDFLoader == "pdftotext" {
		if err := pdf.CheckAvailable(); err != nil {
			return err
		}
	}
	tok, err := tokenizer.New(cfg.Ingestion.Tokenizer)
	if err != nil {
		return err
	}
	sink, err := audit.OpenFile(cfg.Audit.Path)
	if err != nil {
		return fmt.Errorf("open audit sink: %w", err)
	}
	defer func() { _ = sink.Close() }()

	embedder := buildEmbedder(cfg, cfg.Embedding.PassageInstruction, nil, "", logger)

	pipeline, err := ingest.New(loader, tok, embedder, sink, ingest.Config{
		ChunkSizeTokens:    cfg.Ingestion.ChunkSizeTokens,
		ChunkOverlapTokens: cfg.Ingestion.ChunkOverlapTokens,
		Workers:            cfg.Ingestion.Workers,
		EmbedBatchSize:     cfg.Ingestion.EmbedBatchSize,
		Format:             vectorindex.Format(cfg.Index.Format),
		ModelID:            cfg.Embedding.Model,
	}, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if ingestWatch {
		logger.Info("Watching for PDF changes", zap.String("root", root), zap.String("out", out))
		err := pipeline.Watch(ctx, root, out, ingest.DefaultDebounce, func(stats ingest.Stats, err error) {
			if err == nil {
				printStats(cmd, out, stats)
			}
		})
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}

	stats, err := pipeline.Run(ctx, root, out)
	if err != nil {
		logger.Error("Ingestion failed", zap.Error(err))
		return err
	}
	printStats(cmd, out, stats)
	return nil
}

func printStats(cmd *cobra.Command, out string, stats ingest.Stats) {
	cmd.Printf("indexed %d chunks from %d PDFs (%d failed, %d pages, %d tokens) into %s in %s\n",
		stats.Chunks, stats.FilesFound, stats.FilesFailed, stats.Pages, stats.Tokens, out, stats.Duration)
}
