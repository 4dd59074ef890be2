package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/bernard/ledger/config"
	"github.com/bernard/ledger/pkg/api/middleware"
	"github.com/bernard/ledger/pkg/ledger"
	"github.com/bernard/ledger/pkg/llm"
	"github.com/bernard/ledger/pkg/logger"
	"github.com/bernard/ledger/pkg/metrics"
	"github.com/bernard/ledger/pkg/queue"
	"github.com/bernard/ledger/pkg/recall"
	"github.com/bernard/ledger/pkg/store"
	"github.com/bernard/ledger/pkg/summary"
	"github.com/bernard/ledger/pkg/sweep"
	"github.com/bernard/ledger/pkg/tasks"
	"github.com/bernard/ledger/pkg/vectorindex"
)

var (
	_ ledger.MetricsRecorder            = (*metrics.Manager)(nil)
	_ queue.MetricsRecorder             = (*metrics.Manager)(nil)
	_ tasks.MetricsRecorder             = (*metrics.Manager)(nil)
	_ sweep.MetricsRecorder             = (*metrics.Manager)(nil)
	_ middleware.MetricsRecorder        = (*metrics.Manager)(nil)
	_ middleware.ContextMetricsRecorder = (*metrics.Manager)(nil)
	_ summary.Completer                 = (*llm.ChatClient)(nil)
	_ vectorindex.Embedder              = (*llm.EmbeddingClient)(nil)
	_ recall.ConversationSource         = (*ledger.Ledger)(nil)
	_ tasks.Store                       = (*ledger.Ledger)(nil)
	_ sweep.Closer                      = (*ledger.Ledger)(nil)
)

// instrumentable is implemented by the concrete queues.
type instrumentable interface {
	SetMetrics(m queue.MetricsRecorder)
	SetLogger(l logger.Logger)
}

// app holds every wired component of a ledgerd process.
type app struct {
	cfg *config.Config
	log logger.Logger

	rdb         *redis.Client
	keys        store.Keys
	metrics     *metrics.Manager
	queue       queue.Queue
	index       vectorindex.Index
	emb         vectorindex.Embedder
	summarizer  summary.Summarizer
	ledger      *ledger.Ledger
	processor   *tasks.Processor
	recollector *recall.Recollector
	sweeper     *sweep.Sweeper
}

// newApp connects to Redis and builds the component graph. Nothing is
// started; the caller decides which loops run.
func newApp(ctx context.Context, cfg *config.Config, log logger.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log, keys: store.NewKeys(cfg.Ledger.Namespace)}

	a.rdb = store.NewClient(cfg.Redis)
	if err := store.Ping(ctx, a.rdb); err != nil {
		_ = a.rdb.Close()
		return nil, err
	}

	mcfg := metrics.DefaultConfig()
	mcfg.Enabled = cfg.Metrics.Enabled
	mcfg.Path = cfg.Metrics.Path
	a.metrics = metrics.NewManager(mcfg)

	if err := a.buildSummarizer(); err != nil {
		a.close(ctx)
		return nil, err
	}
	if err := a.buildIndex(ctx); err != nil {
		a.close(ctx)
		return nil, err
	}
	if err := a.buildQueue(); err != nil {
		a.close(ctx)
		return nil, err
	}

	dispatcher := tasks.NewDispatcher(a.queue, log)
	ledgerOpts := []ledger.Option{
		ledger.WithIdleTimeout(cfg.Ledger.IdleTimeout),
		ledger.WithDispatcher(dispatcher),
		ledger.WithSummaryMessages(cfg.Summary.MaxMessages),
		ledger.WithMetrics(a.metrics),
		ledger.WithLogger(log),
	}
	if a.summarizer != nil {
		ledgerOpts = append(ledgerOpts, ledger.WithSummarizer(a.summarizer))
	}
	a.ledger = ledger.New(a.rdb, a.keys, ledgerOpts...)

	a.processor = tasks.NewProcessor(a.ledger,
		tasks.WithIndex(a.index),
		tasks.WithSummarizer(a.summarizer),
		tasks.WithChunking(tasks.ChunkOptions{
			MessageLimit: cfg.Index.MessageLimit,
			ChunkChars:   cfg.Index.ChunkChars,
			MaxChunks:    cfg.Index.MaxChunks,
		}),
		tasks.WithMetrics(a.metrics),
		tasks.WithLogger(log),
	)
	if a.queue != nil {
		a.queue.SetHandler(a.processor.Handle)
	}

	if a.index != nil {
		a.recollector = recall.NewRecollector(a.emb, a.index,
			recall.WithCandidates(cfg.Recall.Candidates),
			recall.WithLimit(cfg.Recall.Limit),
			recall.WithLambda(cfg.Recall.Lambda),
			recall.WithEmbedTimeout(cfg.Embedding.Timeout),
			recall.WithCache(cfg.Embedding.CacheSize, cfg.Embedding.CacheTTL),
			recall.WithConversations(a.ledger),
			recall.WithLogger(log),
		)
	}

	sw, err := sweep.New(a.ledger, a.rdb, sweep.Config{
		Interval: cfg.Sweep.Interval,
		LockTTL:  cfg.Sweep.LockTTL,
		LockKey:  a.keys.SweepLock(),
	}, sweep.WithMetrics(a.metrics), sweep.WithLogger(log))
	if err != nil {
		a.close(ctx)
		return nil, err
	}
	a.sweeper = sw
	return a, nil
}

func (a *app) buildSummarizer() error {
	if !a.cfg.Summary.Enabled {
		return nil
	}
	chat, err := llm.NewChatClient(llm.ChatConfig{
		BaseURL:     a.cfg.LLM.BaseURL,
		APIKey:      a.cfg.LLM.APIKey,
		Model:       a.cfg.LLM.Model,
		Temperature: a.cfg.LLM.Temperature,
		MaxTokens:   a.cfg.LLM.MaxTokens,
	}, a.log)
	if err != nil {
		return fmt.Errorf("create chat client: %w", err)
	}
	a.summarizer = summary.NewLLMSummarizer(chat,
		summary.WithTimeout(a.cfg.Summary.Timeout),
		summary.WithMaxMessages(a.cfg.Summary.MaxMessages),
		summary.WithLogger(a.log),
	)
	return nil
}

// newEmbedder builds the embedding client shared by the index and the
// recollector. Tests replace it.
var newEmbedder = func(cfg config.EmbeddingConfig) (vectorindex.Embedder, error) {
	return llm.NewEmbeddingClient(llm.EmbeddingConfig{
		BaseURL: cfg.BaseURL,
		APIKey:  cfg.APIKey,
		Model:   cfg.Model,
	})
}

func (a *app) buildIndex(ctx context.Context) error {
	if a.cfg.Vector.Type == "disabled" {
		a.log.Info("vector index disabled")
		return nil
	}
	emb, err := newEmbedder(a.cfg.Embedding)
	if err != nil {
		return fmt.Errorf("create embedding client: %w", err)
	}

	switch a.cfg.Vector.Type {
	case "qdrant":
		q, err := vectorindex.NewQdrantIndex(vectorindex.QdrantConfig{
			URL:        a.cfg.Vector.URL,
			Collection: a.cfg.Vector.Collection,
			APIKey:     a.cfg.Vector.APIKey,
			Dimension:  a.cfg.Vector.Dimension,
		}, emb)
		if err != nil {
			return fmt.Errorf("create qdrant index: %w", err)
		}
		if err := q.Open(ctx); err != nil {
			_ = q.Close()
			return fmt.Errorf("open qdrant index: %w", err)
		}
		a.index = q
		a.log.Info("initialized qdrant vector index", "url", a.cfg.Vector.URL, "collection", a.cfg.Vector.Collection)
	default:
		a.index = vectorindex.NewMemoryIndex(emb, a.cfg.Vector.Dimension)
		a.log.Info("initialized memory vector index")
	}
	a.emb = emb
	return nil
}

func (a *app) buildQueue() error {
	qcfg := queue.DefaultConfig(a.cfg.Queue.Name)
	if a.cfg.Queue.KeyPrefix != "" {
		qcfg.KeyPrefix = a.cfg.Queue.KeyPrefix
	}
	qcfg.Concurrency = a.cfg.Worker.Concurrency
	qcfg.RateLimit = a.cfg.Worker.RateLimit
	qcfg.MaxAttempts = a.cfg.Queue.MaxAttempts
	qcfg.BackoffInitial = a.cfg.Queue.BackoffInitial
	qcfg.BackoffMax = a.cfg.Queue.BackoffMax
	qcfg.BlockTimeout = a.cfg.Queue.BlockTimeout
	qcfg.LeaseTimeout = a.cfg.Queue.LeaseTimeout
	qcfg.PromoteInterval = a.cfg.Queue.PromoteInterval

	var (
		q   queue.Queue
		err error
	)
	switch a.cfg.Queue.Type {
	case "disabled":
		a.log.Warn("task queue disabled, closed conversations are summarized synchronously")
		return nil
	case "memory":
		q, err = queue.NewMemoryQueue(qcfg)
	default:
		q, err = queue.NewRedisQueue(a.rdb, qcfg)
	}
	if err != nil {
		return fmt.Errorf("create %s queue: %w", a.cfg.Queue.Type, err)
	}
	if iq, ok := q.(instrumentable); ok {
		iq.SetMetrics(a.metrics)
		iq.SetLogger(a.log)
	}
	a.queue = q
	a.log.Info("initialized task queue", "type", a.cfg.Queue.Type, "name", qcfg.Name, "concurrency", qcfg.Concurrency)
	return nil
}

// close releases every component in reverse construction order.
func (a *app) close(ctx context.Context) error {
	var errs []error
	if a.sweeper != nil {
		a.sweeper.Stop()
	}
	if a.queue != nil {
		if err := a.queue.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close queue: %w", err))
		}
	}
	if a.index != nil {
		if err := a.index.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close vector index: %w", err))
		}
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	return errors.Join(errs...)
}
