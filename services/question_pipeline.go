// Copyright (C) 2025 Inlet AI (jinterlante@inlet.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package services contains the business logic of the Q&A backend.
//
// This package holds the question pipeline and its supporting pieces
// (context assembly, sanitization, enrichment), separated from the
// transport in handlers. Services are designed to be:
//   - Testable: dependencies are injected via constructors
//   - Composable: services can call other services
//   - Traceable: all methods accept context for distributed tracing
package services

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/InletAI/InletDocs/datatypes"
	"github.com/InletAI/InletDocs/llm"
	"github.com/InletAI/InletDocs/observability"
	"github.com/InletAI/InletDocs/retrieval"
	"github.com/InletAI/InletDocs/search"
	"github.com/InletAI/InletDocs/storage"
)

var pipelineTracer = otel.Tracer("inletdocs.services.pipeline")

// Stage identifies where in the question lifecycle the pipeline is.
// Completed and Failed are terminal; neither closes the channel.
type Stage string

const (
	StageReceived          Stage = "received"
	StageValidated         Stage = "validated"
	StageChatResolved      Stage = "chat_resolved"
	StageEmbeddingComputed Stage = "embedding_computed"
	StageContextAssembled  Stage = "context_assembled"
	StageStreaming         Stage = "streaming"
	StageEnriching         Stage = "enriching"
	StageCompleted         Stage = "completed"
	StageFailed            Stage = "failed"
)

// fallbackAnswer is emitted as a single chunk when retrieval finds
// nothing for the question. No generation provider is invoked.
const fallbackAnswer = "I couldn't find anything relevant to your question in this document. " +
	"Try rephrasing the question, or check that the right document is selected."

// Emitter delivers server events for one user's broadcast group. The
// gateway implements it over the session hub.
type Emitter interface {
	Emit(event datatypes.ServerEvent)
}

// ChatLog is the durable chat record store used by the pipeline.
// Implemented by storage.ChatStore.
type ChatLog interface {
	GetOrCreateChat(ctx context.Context, userID, documentID string) (string, error)
	AppendMessage(ctx context.Context, chatID, sender, text string) error
}

// HistoryCache is the bounded ephemeral transcript used for prompt
// history. Implemented by storage.HistoryStore.
type HistoryCache interface {
	Append(ctx context.Context, userID, documentID, line string) error
	Trim(ctx context.Context, userID, documentID string, max int) error
	Recent(ctx context.Context, userID, documentID string, n int) ([]string, error)
}

// PipelineConfig tunes one QuestionPipeline instance.
type PipelineConfig struct {
	// TopK is both the retrieval limit and the relevance split point.
	TopK int

	// MaxContextRunes is the assembled context budget.
	MaxContextRunes int

	// HistoryLines is how many cached transcript lines go into a prompt.
	HistoryLines int

	// GenerationTimeout bounds each generation stream, including the
	// enrichment stream.
	GenerationTimeout time.Duration

	// SearchMaxResults bounds the enrichment web search.
	SearchMaxResults int
}

// DefaultPipelineConfig returns production defaults.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		TopK:              4,
		MaxContextRunes:   6000,
		HistoryLines:      20,
		GenerationTimeout: 2 * time.Minute,
		SearchMaxResults:  5,
	}
}

// QuestionPipeline drives one question from receipt to completion.
//
// # Description
//
// The pipeline sequence is: resolve chat (atomic upsert), persist the
// user message, sanitize, embed (behind the circuit breaker), retrieve,
// assemble the token-budgeted context, stream the generated answer,
// optionally run a web-search enrichment continuation, persist the AI
// message, and trim the ephemeral history. All collaborator failures
// are caught here, logged with (user, document, stage) correlation, and
// surfaced to the client as one generic error event.
//
// Questions for the same (user, document) pair are serialized through a
// per-key mutex so two overlapping exchanges cannot interleave their
// history appends. Questions for different pairs run concurrently.
//
// # Thread Safety
//
// Safe for concurrent use.
type QuestionPipeline struct {
	chats     ChatLog
	history   HistoryCache
	embedder  retrieval.Embedder
	searcher  retrieval.Searcher
	llmClient llm.Client
	builder   *ContextBuilder
	sanitizer *Sanitizer
	web       search.WebSearcher // nil disables enrichment
	config    PipelineConfig

	keyLocks sync.Map // "user|document" -> *sync.Mutex
}

// NewQuestionPipeline wires the pipeline. The web searcher may be nil,
// which disables the enrichment pass; every other dependency is required.
func NewQuestionPipeline(
	chats ChatLog,
	history HistoryCache,
	embedder retrieval.Embedder,
	searcher retrieval.Searcher,
	llmClient llm.Client,
	builder *ContextBuilder,
	sanitizer *Sanitizer,
	web search.WebSearcher,
	config PipelineConfig,
) *QuestionPipeline {
	if chats == nil || history == nil || embedder == nil || searcher == nil ||
		llmClient == nil || builder == nil || sanitizer == nil {
		panic("NewQuestionPipeline: all dependencies except the web searcher are required")
	}
	def := DefaultPipelineConfig()
	if config.TopK <= 0 {
		config.TopK = def.TopK
	}
	if config.MaxContextRunes <= 0 {
		config.MaxContextRunes = def.MaxContextRunes
	}
	if config.HistoryLines <= 0 {
		config.HistoryLines = def.HistoryLines
	}
	if config.GenerationTimeout <= 0 {
		config.GenerationTimeout = def.GenerationTimeout
	}
	if config.SearchMaxResults <= 0 {
		config.SearchMaxResults = def.SearchMaxResults
	}
	return &QuestionPipeline{
		chats:     chats,
		history:   history,
		embedder:  embedder,
		searcher:  searcher,
		llmClient: llmClient,
		builder:   builder,
		sanitizer: sanitizer,
		web:       web,
		config:    config,
	}
}

// Process answers one question event, emitting answer_chunk events
// followed by answer_complete (or a single error event) to the user's
// broadcast group.
//
// # Outputs
//
//   - error: The terminal failure, already emitted and logged. Nil on
//     completion. Returned for tests and callers that track outcomes;
//     nothing further needs to be sent to the client.
func (p *QuestionPipeline) Process(ctx context.Context, userID string, q datatypes.QuestionEvent, emit Emitter) error {
	ctx, span := pipelineTracer.Start(ctx, "ProcessQuestion")
	defer span.End()

	start := time.Now()
	stage := StageReceived

	fail := func(err error) error {
		slog.Error("Question pipeline failed",
			"error", err,
			"userID", userID,
			"documentID", q.DocumentID,
			"stage", stage)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordStageError(string(stage))
			m.RecordQuestion(false, time.Since(start).Seconds())
		}
		emit.Emit(datatypes.NewErrorEvent(ClientMessage(err)))
		return err
	}

	// 1. Validate. A bad payload is a scoped error; the channel stays open.
	if strings.TrimSpace(q.DocumentID) == "" {
		return fail(&ValidationError{Field: "documentId", Reason: "must not be empty"})
	}
	if strings.TrimSpace(q.QuestionText) == "" {
		return fail(&ValidationError{Field: "questionText", Reason: "must not be empty"})
	}
	stage = StageValidated

	// Serialize per (user, document) so history appends cannot interleave.
	unlock := p.lockKey(userID, q.DocumentID)
	defer unlock()

	// 2. Resolve the chat record.
	chatID, err := p.chats.GetOrCreateChat(ctx, userID, q.DocumentID)
	if err != nil {
		return fail(&UpstreamError{Stage: stage, Err: err})
	}
	stage = StageChatResolved

	// 3. Persist the user message before any provider is involved.
	question := p.sanitizer.Sanitize(q.QuestionText)
	if err := p.chats.AppendMessage(ctx, chatID, datatypes.SenderUser, q.QuestionText); err != nil {
		return fail(&UpstreamError{Stage: stage, Err: err})
	}
	if err := p.history.Append(ctx, userID, q.DocumentID, datatypes.HistoryLine(datatypes.SenderUser, q.QuestionText)); err != nil {
		return fail(&UpstreamError{Stage: stage, Err: err})
	}

	// 4. Embed the sanitized question.
	vector, err := p.embedder.Embed(ctx, question)
	if err != nil {
		return fail(&UpstreamError{Stage: stage, Err: err})
	}
	stage = StageEmbeddingComputed

	// 5. Retrieve matches scoped to this user and document.
	matches, err := p.searcher.Query(ctx, vector, userID, q.DocumentID, p.config.TopK*2)
	if err != nil {
		return fail(&UpstreamError{Stage: stage, Err: err})
	}

	// 6. No context at all: fixed fallback, no generation, no summarization.
	if len(matches) == 0 {
		slog.Info("No matches for question, sending fallback",
			"userID", userID, "documentID", q.DocumentID)
		if m := observability.DefaultMetrics; m != nil {
			m.FallbacksTotal.Inc()
		}
		emit.Emit(datatypes.NewAnswerChunk(fallbackAnswer))
		if err := p.finishExchange(ctx, chatID, userID, q.DocumentID, fallbackAnswer); err != nil {
			return fail(&UpstreamError{Stage: stage, Err: err})
		}
		emit.Emit(datatypes.NewAnswerComplete())
		stage = StageCompleted
		if m := observability.DefaultMetrics; m != nil {
			m.RecordQuestion(true, time.Since(start).Seconds())
		}
		return nil
	}

	// 7. Assemble the budgeted context.
	contextText, err := p.builder.AssembleContext(ctx, matches, p.config.TopK, p.config.MaxContextRunes)
	if err != nil {
		return fail(&UpstreamError{Stage: stage, Err: err})
	}
	stage = StageContextAssembled

	// 8. Build the prompt from sanitized parts.
	historyLines := p.promptHistory(ctx, userID, q.DocumentID, q.ChatHistory)
	prompt := p.buildPrompt(question, contextText, historyLines)

	// 9. Stream the answer.
	stage = StageStreaming
	answer, err := p.streamAnswer(ctx, prompt, emit, start)
	if err != nil {
		return fail(&UpstreamError{Stage: stage, Err: err})
	}

	// 10. Enrichment continuation; failures are logged and swallowed.
	if extra := p.runEnrichment(ctx, question, answer, emit, &stage); extra != "" {
		answer += extra
	}

	// 11. Persist the AI message and trim, then complete.
	if err := p.finishExchange(ctx, chatID, userID, q.DocumentID, answer); err != nil {
		return fail(&UpstreamError{Stage: stage, Err: err})
	}
	emit.Emit(datatypes.NewAnswerComplete())
	stage = StageCompleted

	if m := observability.DefaultMetrics; m != nil {
		m.RecordQuestion(true, time.Since(start).Seconds())
	}
	slog.Info("Question completed",
		"userID", userID,
		"documentID", q.DocumentID,
		"answerRunes", len([]rune(answer)),
		"duration", time.Since(start))
	return nil
}

// lockKey serializes processing per (user, document) pair.
func (p *QuestionPipeline) lockKey(userID, documentID string) func() {
	key := userID + "|" + documentID
	muIface, _ := p.keyLocks.LoadOrStore(key, &sync.Mutex{})
	mu := muIface.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// promptHistory loads recent transcript lines, falling back to the
// client-supplied history when the cache is cold. Every line is
// sanitized before it can reach a prompt.
func (p *QuestionPipeline) promptHistory(ctx context.Context, userID, documentID string, clientHistory []string) []string {
	lines, err := p.history.Recent(ctx, userID, documentID, p.config.HistoryLines)
	if err != nil {
		slog.Warn("Failed to read history cache, falling back to client history",
			"error", err, "userID", userID, "documentID", documentID)
		lines = nil
	}
	if len(lines) == 0 {
		lines = clientHistory
		if len(lines) > p.config.HistoryLines {
			lines = lines[len(lines)-p.config.HistoryLines:]
		}
	}
	sanitized := make([]string, 0, len(lines))
	for _, line := range lines {
		if clean := p.sanitizer.Sanitize(line); clean != "" {
			sanitized = append(sanitized, clean)
		}
	}
	return sanitized
}

// buildPrompt assembles the final generation prompt. Context and history
// arrive pre-sanitized.
func (p *QuestionPipeline) buildPrompt(question, contextText string, history []string) string {
	var sb strings.Builder
	sb.WriteString("Answer the question using only the document context below. ")
	sb.WriteString("If the context does not contain the answer, say you don't know.\n\n")
	sb.WriteString("Document context:\n")
	sb.WriteString(contextText)
	if len(history) > 0 {
		sb.WriteString("\n\nConversation so far:\n")
		sb.WriteString(strings.Join(history, "\n"))
	}
	sb.WriteString("\n\nQuestion: ")
	sb.WriteString(question)
	return sb.String()
}

// streamAnswer drains one generation stream, forwarding each delta as an
// answer_chunk and returning the accumulated answer.
func (p *QuestionPipeline) streamAnswer(ctx context.Context, prompt string, emit Emitter, questionStart time.Time) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.config.GenerationTimeout)
	defer cancel()

	events, err := p.llmClient.ChatStream(ctx, prompt, llm.GenerationParams{})
	if err != nil {
		return "", err
	}

	var answer strings.Builder
	first := true
	for event := range events {
		switch event.Type {
		case llm.StreamEventToken:
			if first {
				first = false
				if m := observability.DefaultMetrics; m != nil {
					m.TimeToFirstTokenSeconds.Observe(time.Since(questionStart).Seconds())
				}
			}
			answer.WriteString(event.Token)
			emit.Emit(datatypes.NewAnswerChunk(event.Token))
			if m := observability.DefaultMetrics; m != nil {
				m.AnswerTokensTotal.Inc()
			}
		case llm.StreamEventError:
			return answer.String(), event.Err
		case llm.StreamEventDone:
			return answer.String(), nil
		}
	}
	// Producer closed without a sentinel; treat as cancellation.
	return answer.String(), ctx.Err()
}

// runEnrichment decides whether the answer signals missing knowledge
// and, if so, streams a web-grounded continuation. Nothing on this path
// may fail the question: every error is logged and swallowed, and the
// first answer stands as complete.
func (p *QuestionPipeline) runEnrichment(ctx context.Context, question, answer string, emit Emitter, stage *Stage) string {
	if p.web == nil || !NeedsEnrichment(answer) {
		if m := observability.DefaultMetrics; m != nil {
			m.RecordEnrichment("skipped")
		}
		return ""
	}
	*stage = StageEnriching

	record := func(outcome string) {
		if m := observability.DefaultMetrics; m != nil {
			m.RecordEnrichment(outcome)
		}
	}

	results, err := p.web.Search(ctx, BuildEnrichmentQuery(question), p.config.SearchMaxResults)
	if err != nil {
		slog.Warn("Enrichment search failed, keeping first answer", "error", err)
		record("failed")
		return ""
	}
	if len(results) == 0 {
		record("skipped")
		return ""
	}

	streamCtx, cancel := context.WithTimeout(ctx, p.config.GenerationTimeout)
	defer cancel()

	events, err := p.llmClient.ChatStream(streamCtx, BuildEnrichmentPrompt(question, results), llm.GenerationParams{})
	if err != nil {
		slog.Warn("Enrichment stream open failed, keeping first answer", "error", err)
		record("failed")
		return ""
	}

	var extra strings.Builder
	// The continuation joins the same logical answer, separated by a
	// blank line.
	lead := "\n\n"
	for event := range events {
		switch event.Type {
		case llm.StreamEventToken:
			if lead != "" {
				extra.WriteString(lead)
				emit.Emit(datatypes.NewAnswerChunk(lead))
				lead = ""
			}
			extra.WriteString(event.Token)
			emit.Emit(datatypes.NewAnswerChunk(event.Token))
			if m := observability.DefaultMetrics; m != nil {
				m.AnswerTokensTotal.Inc()
			}
		case llm.StreamEventError:
			slog.Warn("Enrichment stream failed mid-way, keeping partial continuation", "error", event.Err)
			record("failed")
			return extra.String()
		case llm.StreamEventDone:
			record("completed")
			return extra.String()
		}
	}
	record("failed")
	return extra.String()
}

// finishExchange persists the AI side of the exchange and trims the
// ephemeral history to its bound.
func (p *QuestionPipeline) finishExchange(ctx context.Context, chatID, userID, documentID, answer string) error {
	if err := p.chats.AppendMessage(ctx, chatID, datatypes.SenderAI, answer); err != nil {
		return err
	}
	if err := p.history.Append(ctx, userID, documentID, datatypes.HistoryLine(datatypes.SenderAI, answer)); err != nil {
		return err
	}
	return p.history.Trim(ctx, userID, documentID, storage.MaxHistoryEntries)
}
