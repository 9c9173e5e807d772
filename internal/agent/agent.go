// Package agent gathers retrieval context for a query from the web and the local vector index.
package agent

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/kailas-cloud/therapist/internal/domain"
	logpkg "github.com/kailas-cloud/therapist/internal/logger"
	"github.com/kailas-cloud/therapist/internal/metrics"
)

// Defaults for Options.
const (
	DefaultWebTimeout    = 10 * time.Second
	DefaultVectorTimeout = 2 * time.Second
	DefaultWorkers       = 4
)

const (
	sourceWeb    = "web"
	sourceVector = "vector"
)

const truncatedSuffix = "...[truncated]"

// Options tune the agent. Zero values take defaults.
type Options struct {
	WebTimeout    time.Duration
	VectorTimeout time.Duration
	// Workers bounds retrievals running at once on the async path, across all queries.
	Workers int
	// MaxAuditBodyBytes truncates context bodies in audit metadata; 0 disables truncation.
	MaxAuditBodyBytes int
	Logger            *zap.Logger
}

type source struct {
	name      string
	retriever Retriever
	timeout   time.Duration
	failure   error
	sentinel  string
	errAction string
	okAction  string
}

// Agent runs web and vector retrieval for a query and fuses them into a ContextInfo.
// Safe for concurrent use.
type Agent struct {
	web     source
	vector  source
	sink    AuditSink
	pool    *semaphore.Weighted
	maxBody int
	logger  *zap.Logger
}

// New builds an agent from already-initialized collaborators.
func New(web WebSearcher, vector VectorSearcher, sink AuditSink, opts Options) (*Agent, error) {
	if web == nil || vector == nil {
		return nil, domain.ConfigError("agent needs both a web and a vector searcher")
	}
	return NewWithRetrievers(WebRetriever(web), VectorRetriever(vector), sink, opts)
}

// NewWithRetrievers builds an agent from raw retrievers.
func NewWithRetrievers(web, vector Retriever, sink AuditSink, opts Options) (*Agent, error) {
	if web == nil || vector == nil {
		return nil, domain.ConfigError("agent needs both a web and a vector retriever")
	}
	if opts.WebTimeout < 0 || opts.VectorTimeout < 0 {
		return nil, domain.ConfigError("retrieval timeouts must not be negative")
	}
	if opts.Workers < 0 {
		return nil, domain.ConfigError("retrieval.workers must not be negative, got %d", opts.Workers)
	}
	if opts.MaxAuditBodyBytes < 0 {
		return nil, domain.ConfigError("audit.max_body_bytes must not be negative, got %d", opts.MaxAuditBodyBytes)
	}
	if opts.WebTimeout == 0 {
		opts.WebTimeout = DefaultWebTimeout
	}
	if opts.VectorTimeout == 0 {
		opts.VectorTimeout = DefaultVectorTimeout
	}
	if opts.Workers == 0 {
		opts.Workers = DefaultWorkers
	}
	if sink == nil {
		sink = nopSink{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	return &Agent{
		web: source{
			name:      sourceWeb,
			retriever: web,
			timeout:   opts.WebTimeout,
			failure:   domain.ErrWebRetrievalFailed,
			sentinel:  domain.WebUnavailable,
			errAction: domain.ActionWebSearchError,
			okAction:  domain.ActionWebSearchDone,
		},
		vector: source{
			name:      sourceVector,
			retriever: vector,
			timeout:   opts.VectorTimeout,
			failure:   domain.ErrVectorRetrievalFailed,
			sentinel:  domain.VectorUnavailable,
			errAction: domain.ActionVectorSearchError,
			okAction:  domain.ActionVectorSearchDone,
		},
		sink:    sink,
		pool:    semaphore.NewWeighted(int64(opts.Workers)),
		maxBody: opts.MaxAuditBodyBytes,
		logger:  opts.Logger,
	}, nil
}

// Process retrieves web context, then vector context, and fuses them.
// The error is non-nil only when ctx is done; retrieval failures become sentinels.
func (a *Agent) Process(ctx context.Context, query string) (domain.ContextInfo, error) {
	metrics.ContextRequestsTotal.WithLabelValues("sync").Inc()

	web := a.guard(ctx, a.web, query, false)
	vector := a.guard(ctx, a.vector, query, false)

	return a.finish(ctx, query, web, vector)
}

// ProcessAsync runs both retrievals concurrently on the worker pool and waits for both.
// Cancelling ctx signals both retrievals; their results are dropped.
func (a *Agent) ProcessAsync(ctx context.Context, query string) (domain.ContextInfo, error) {
	metrics.ContextRequestsTotal.WithLabelValues("async").Inc()

	webCh := make(chan outcome, 1)
	vectorCh := make(chan outcome, 1)
	go func() { webCh <- a.offload(ctx, a.web, query) }()
	go func() { vectorCh <- a.offload(ctx, a.vector, query) }()

	web, vector := <-webCh, <-vectorCh
	return a.finish(ctx, query, web, vector)
}

func (a *Agent) finish(ctx context.Context, query string, web, vector outcome) (domain.ContextInfo, error) {
	log := logpkg.FromContextOr(ctx, a.logger)
	if err := ctx.Err(); err != nil {
		log.Debug("context gathering cancelled", zap.Error(err))
		return domain.ContextInfo{}, err
	}

	webText := a.record(log, a.web, web)
	vectorText := a.record(log, a.vector, vector)
	info := domain.NewContextInfo(query, webText, vectorText)

	a.emit(domain.ActionContextGathered, domain.LevelInfo, map[string]any{
		"query":          query,
		"web_context":    a.truncate(info.WebContext),
		"vector_context": a.truncate(info.VectorContext),
	})
	return info, nil
}

// offload runs the retrieval on the bounded pool. Waiting for a slot counts
// against the source deadline; the slot is held until the retriever itself
// returns, even if its result was already abandoned.
func (a *Agent) offload(ctx context.Context, src source, query string) outcome {
	return a.guard(ctx, src, query, true)
}

type outcome struct {
	text     string
	err      error
	timedOut bool
	duration time.Duration
}

// guard runs one retrieval under its own deadline. Errors and panics are
// wrapped in the source's failure kind; a retriever that ignores ctx is
// abandoned at the deadline and left to finish on its own.
func (a *Agent) guard(ctx context.Context, src source, query string, pooled bool) outcome {
	start := time.Now()
	rctx, cancel := context.WithTimeout(ctx, src.timeout)
	defer cancel()

	out := a.run(rctx, src, query, pooled)
	out.duration = time.Since(start)

	if out.err != nil {
		out.timedOut = errors.Is(out.err, context.DeadlineExceeded) && ctx.Err() == nil
		if !errors.Is(out.err, src.failure) {
			out.err = fmt.Errorf("%w: %w", src.failure, out.err)
		}
	}
	return out
}

func (a *Agent) run(rctx context.Context, src source, query string, pooled bool) outcome {
	var release func()
	if pooled {
		if err := a.pool.Acquire(rctx, 1); err != nil {
			return outcome{err: fmt.Errorf("waiting for worker: %w", err)}
		}
		release = func() { a.pool.Release(1) }
	}

	done := make(chan outcome, 1)
	go func() {
		if release != nil {
			defer release()
		}
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: fmt.Errorf("panic: %v", p)}
			}
		}()
		text, err := src.retriever.Retrieve(rctx, query)
		done <- outcome{text: text, err: err}
	}()

	select {
	case out := <-done:
		return out
	case <-rctx.Done():
		return outcome{err: rctx.Err()}
	}
}

// record emits the per-source audit event and maps failures to the sentinel.
func (a *Agent) record(log *zap.Logger, src source, out outcome) string {
	metrics.RetrievalDuration.WithLabelValues(src.name).Observe(out.duration.Seconds())

	if out.err != nil {
		status := "error"
		if out.timedOut {
			status = "timeout"
		}
		metrics.RetrievalRequestsTotal.WithLabelValues(src.name, status).Inc()
		log.Warn("retrieval failed",
			zap.String("source", src.name),
			zap.Duration("duration", out.duration),
			zap.Error(out.err),
		)
		a.emit(src.errAction, domain.LevelError, map[string]any{
			"error":       out.err.Error(),
			"duration_ms": out.duration.Milliseconds(),
		})
		return src.sentinel
	}

	metrics.RetrievalRequestsTotal.WithLabelValues(src.name, "ok").Inc()
	a.emit(src.okAction, domain.LevelDebug, map[string]any{
		"bytes":       len(out.text),
		"duration_ms": out.duration.Milliseconds(),
	})
	return out.text
}

func (a *Agent) emit(action string, level domain.Level, metadata map[string]any) {
	a.sink.Emit(domain.AuditEvent{
		Action:    action,
		Level:     level,
		Metadata:  metadata,
		Timestamp: time.Now().UTC(),
	})
}

// truncate cuts s to at most maxBody bytes on a rune boundary.
func (a *Agent) truncate(s string) string {
	if a.maxBody <= 0 || len(s) <= a.maxBody {
		return s
	}
	cut := a.maxBody
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + truncatedSuffix
}

type nopSink struct{}

func (nopSink) Emit(domain.AuditEvent) {}
