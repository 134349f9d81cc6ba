package exam

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pavelanni/entrevue/internal/event"
	"github.com/pavelanni/entrevue/internal/llm"
	"github.com/pavelanni/entrevue/internal/llm/prompts"
	"github.com/pavelanni/entrevue/internal/metrics"
	"github.com/pavelanni/entrevue/internal/model"
)

// Evaluate grades the whole conversation, replaces any previous evaluation
// and saves the conversation. Language service failures produce a default
// evaluation; only prompt and save errors are returned.
func (e *Engine) Evaluate(ctx context.Context, conv *model.Conversation) (*model.ConversationEvaluation, error) {
	if conv == nil {
		return nil, ErrNilConversation
	}

	p, err := prompts.Evaluation(e.variant, prompts.EvaluationData{
		Criteria:       e.criteria.Text(),
		AskedQuestions: conv.ExamSession.AskedQuestions(),
		UserAnswers:    conv.UserMessages(),
		Transcript:     conv.Messages,
	})
	if err != nil {
		return nil, fmt.Errorf("build evaluation prompt: %w", err)
	}

	raw, err := e.lm.Complete(ctx, llm.Request{
		System:      p.System,
		User:        p.User,
		Schema:      "evaluation",
		Temperature: evaluationTemperature,
	})
	if err != nil {
		metrics.LanguageServiceFailures.WithLabelValues("evaluation").Inc()
		slog.Warn("evaluation call failed, using defaults", "conversation_id", conv.ID, "error", err)
		raw = ""
	}

	ev, err := validateEvaluation(ctx, raw)
	if err != nil && raw != "" {
		metrics.LanguageServiceFailures.WithLabelValues("evaluation").Inc()
		slog.Warn("unusable evaluation, using defaults", "conversation_id", conv.ID, "error", err)
	}
	ev.EvaluatedAt = e.now()

	conv.Evaluation = ev
	if err := e.store.SaveConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("save evaluation: %w", err)
	}

	metrics.Evaluations.WithLabelValues(string(ev.OverallLevel)).Inc()
	slog.Info("exam evaluated", "conversation_id", conv.ID, "level", ev.OverallLevel, "variant", e.variant)
	e.publish(ctx, event.Event{
		Type:           event.TypeExamEvaluated,
		ConversationID: conv.ID,
		OccurredAt:     ev.EvaluatedAt,
		OverallLevel:   ev.OverallLevel,
		Score:          ev.Score,
	})
	return ev, nil
}
