package tasks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/bernard/ledger/pkg/ledger"
	"github.com/bernard/ledger/pkg/logger"
	"github.com/bernard/ledger/pkg/message"
	"github.com/bernard/ledger/pkg/queue"
	"github.com/bernard/ledger/pkg/summary"
	"github.com/bernard/ledger/pkg/vectorindex"
)

const tracerName = "github.com/bernard/ledger/pkg/tasks"

// Store is the part of the ledger the processor reads and writes.
type Store interface {
	GetConversation(ctx context.Context, id string) (*ledger.Conversation, error)
	GetMessages(ctx context.Context, id string, limit int, includeTrace bool) ([]message.Record, error)
	UpdateIndexingStatus(ctx context.Context, id string, status ledger.IndexingStatus, errMsg string) error
	UpdateSummary(ctx context.Context, id string, res summary.Result) error
	UpdateFlags(ctx context.Context, id string, flags summary.Flags) error
	ChunkIDs(ctx context.Context, id string) ([]string, error)
	SetChunkIDs(ctx context.Context, id string, ids []string) error
}

// MetricsRecorder receives task outcomes.
type MetricsRecorder interface {
	RecordTask(kind, outcome string, duration time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) RecordTask(string, string, time.Duration) {}

// Processor executes index, summary and flag jobs.
type Processor struct {
	store      Store
	index      vectorindex.Index
	summarizer summary.Summarizer
	chunking   ChunkOptions
	metrics    MetricsRecorder
	log        logger.Logger
	tracer     trace.Tracer
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

// WithIndex sets the vector index written by index jobs.
func WithIndex(idx vectorindex.Index) ProcessorOption {
	return func(p *Processor) { p.index = idx }
}

// WithSummarizer sets the summarizer used by summary jobs.
func WithSummarizer(s summary.Summarizer) ProcessorOption {
	return func(p *Processor) { p.summarizer = s }
}

// WithChunking sets the chunking bounds.
func WithChunking(o ChunkOptions) ProcessorOption {
	return func(p *Processor) { p.chunking = o }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m MetricsRecorder) ProcessorOption {
	return func(p *Processor) {
		if m != nil {
			p.metrics = m
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) ProcessorOption {
	return func(p *Processor) { p.log = l }
}

// NewProcessor creates a Processor reading from store.
func NewProcessor(store Store, opts ...ProcessorOption) *Processor {
	p := &Processor{
		store:   store,
		metrics: nopMetrics{},
		tracer:  otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.chunking = p.chunking.withDefaults()
	p.log = logger.OrGlobal(p.log).With("component", "processor")
	return p
}

// Handle is a queue.Handler. Result reasons are logged; only returned
// errors reach the queue's retry policy.
func (p *Processor) Handle(ctx context.Context, job *queue.Job) error {
	var payload Payload
	if err := job.Decode(&payload); err != nil {
		return fmt.Errorf("%w: job %s: %v", ErrInvalidPayload, job.ID, err)
	}
	if payload.ConversationID == "" {
		return fmt.Errorf("%w: job %s has no conversationId", ErrInvalidPayload, job.ID)
	}

	res, err := p.Process(ctx, Kind(job.Kind), payload.ConversationID)
	if err != nil {
		return err
	}
	if !res.OK {
		p.log.WarnContext(ctx, "task finished without result", "job_id", job.ID,
			"kind", job.Kind, "conversation_id", payload.ConversationID, "reason", res.Reason)
	}
	return nil
}

// Process runs one task for a conversation.
func (p *Processor) Process(ctx context.Context, kind Kind, conversationID string) (res Result, err error) {
	ctx, span := p.tracer.Start(ctx, "tasks."+string(kind), trace.WithAttributes(
		attribute.String("task.kind", string(kind)),
		attribute.String("conversation.id", conversationID),
	))
	start := time.Now()
	defer func() {
		outcome := "ok"
		switch {
		case err != nil:
			outcome = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		case !res.OK:
			outcome = res.Reason
		}
		span.SetAttributes(attribute.Bool("task.ok", res.OK))
		span.End()
		p.metrics.RecordTask(string(kind), outcome, time.Since(start))
	}()

	switch kind {
	case KindIndex, KindSummary, KindFlag:
	default:
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownJobKind, kind)
	}

	conv, err := p.store.GetConversation(ctx, conversationID)
	if errors.Is(err, ledger.ErrConversationNotFound) {
		return Result{OK: false, Reason: ReasonConversationMissing}, nil
	}
	if err != nil {
		return Result{}, err
	}

	records, err := p.store.GetMessages(ctx, conversationID, 0, false)
	if err != nil {
		return Result{}, err
	}
	records = message.Filter(records)

	switch kind {
	case KindIndex:
		return p.indexConversation(ctx, conv, records)
	case KindSummary:
		return p.summarize(ctx, conv, records)
	default:
		return p.flag(ctx, conv, records)
	}
}

func (p *Processor) indexConversation(ctx context.Context, conv *ledger.Conversation, records []message.Record) (Result, error) {
	if conv.Ghost {
		return Result{OK: false, Reason: ReasonGhost}, nil
	}
	if p.index == nil {
		err := p.store.UpdateIndexingStatus(ctx, conv.ID, ledger.IndexingFailed, "vector index disabled")
		return Result{OK: false, Reason: ReasonIndexDisabled}, err
	}

	if err := p.store.UpdateIndexingStatus(ctx, conv.ID, ledger.IndexingIndexing, ""); err != nil {
		return Result{}, err
	}

	chunks, err := p.writeChunks(ctx, conv, records)
	if err != nil {
		if serr := p.store.UpdateIndexingStatus(ctx, conv.ID, ledger.IndexingFailed, err.Error()); serr != nil {
			p.log.ErrorContext(ctx, "record indexing failure", "conversation_id", conv.ID, "error", serr)
		}
		return Result{}, fmt.Errorf("index %s: %w", conv.ID, err)
	}

	if err := p.store.UpdateIndexingStatus(ctx, conv.ID, ledger.IndexingIndexed, ""); err != nil {
		return Result{}, err
	}
	p.log.InfoContext(ctx, "conversation indexed", "conversation_id", conv.ID, "chunks", chunks)
	return Result{OK: true, Meta: map[string]any{"chunks": chunks}}, nil
}

// writeChunks upserts the current chunks, deletes stale ones and then
// records the new id set. The id set is only replaced after both index
// calls succeed.
func (p *Processor) writeChunks(ctx context.Context, conv *ledger.Conversation, records []message.Record) (int, error) {
	chunks := Chunk(records, p.chunking)

	docs := make([]vectorindex.Document, len(chunks))
	ids := make([]string, len(chunks))
	current := make(map[string]struct{}, len(chunks))
	for i, text := range chunks {
		id := ChunkID(conv.ID, i)
		ids[i] = id
		current[id] = struct{}{}
		docs[i] = vectorindex.Document{
			ID:      id,
			Content: text,
			Metadata: map[string]any{
				vectorindex.KeyConversationID: conv.ID,
				"chunk_index":                 i,
			},
		}
	}

	previous, err := p.store.ChunkIDs(ctx, conv.ID)
	if err != nil {
		return 0, err
	}
	var stale []string
	for _, id := range previous {
		if _, ok := current[id]; !ok {
			stale = append(stale, id)
		}
	}

	if err := p.index.AddDocuments(ctx, docs); err != nil {
		return 0, err
	}
	if len(stale) > 0 {
		if err := p.index.Delete(ctx, stale); err != nil {
			return 0, err
		}
	}
	if err := p.store.SetChunkIDs(ctx, conv.ID, ids); err != nil {
		return 0, err
	}
	return len(chunks), nil
}

func (p *Processor) summarize(ctx context.Context, conv *ledger.Conversation, records []message.Record) (Result, error) {
	if p.summarizer == nil {
		return Result{OK: false, Reason: ReasonSummarizerDisabled}, nil
	}

	res := p.summarizer.Summarize(ctx, conv.ID, records)
	if err := p.store.UpdateSummary(ctx, conv.ID, res); err != nil {
		return Result{}, err
	}

	meta := map[string]any{
		"tags":     len(res.Tags),
		"keywords": len(res.Keywords),
		"places":   len(res.Places),
	}
	if res.Failed() {
		meta["error"] = res.Error
		return Result{OK: false, Reason: ReasonSummaryFailed, Meta: meta}, nil
	}
	return Result{OK: true, Meta: meta}, nil
}

func (p *Processor) flag(ctx context.Context, conv *ledger.Conversation, records []message.Record) (Result, error) {
	flags := summary.DetectFlags(records)
	if err := p.store.UpdateFlags(ctx, conv.ID, flags); err != nil {
		return Result{}, err
	}
	return Result{OK: true, Meta: map[string]any{
		"explicit":  flags.Explicit,
		"forbidden": flags.Forbidden,
	}}, nil
}
