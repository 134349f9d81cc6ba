package exam

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/pavelanni/entrevue/internal/event"
	"github.com/pavelanni/entrevue/internal/i18n"
	"github.com/pavelanni/entrevue/internal/llm"
	"github.com/pavelanni/entrevue/internal/llm/prompts"
	"github.com/pavelanni/entrevue/internal/metrics"
	"github.com/pavelanni/entrevue/internal/model"
)

// TurnResult is the outcome of one exam turn.
type TurnResult struct {
	AssistantReply string
	Session        *model.ExamSession
	Move           Move
}

// GenerateTurn advances the exam by one user utterance. The session is
// created on first use and saved after every turn except on an already
// completed exam, which is left untouched.
func (e *Engine) GenerateTurn(ctx context.Context, conv *model.Conversation, utterance string) (TurnResult, error) {
	s, err := e.EnsureSession(ctx, conv)
	if err != nil {
		return TurnResult{}, err
	}

	if s.Completed {
		metrics.ExamTurns.WithLabelValues(string(MoveNone)).Inc()
		return TurnResult{
			AssistantReply: i18n.T(ctx, "ExamAlreadyCompleted"),
			Session:        s,
			Move:           MoveNone,
		}, nil
	}

	normalize(s, e.maxFollowUps)

	_, hasEligible := nextEligibleLevel(s)
	active, hasActive := s.Question(s.ActiveQuestionID)
	candidate := nextCandidate(s)
	facts := Facts{HasCandidate: candidate != nil}
	if hasActive {
		facts.CanFollowUp = canFollowUp(s, active)
	}
	phase := phaseOf(s, hasEligible, hasActive, facts.CanFollowUp)

	var decision turnDecision
	if phase == PhaseActiveFollowUpRoom || phase == PhaseActiveFollowUpLimit {
		decision = e.decide(ctx, conv.ID, s, active, candidate, facts, utterance)
	}

	move := Transition(phase, decision.Action, facts)
	firstQuestion := len(s.AskedQuestionIDs) == 0

	var reply string
	switch move {
	case MoveAskPrimary:
		activate(s, *candidate)
		reply = presentQuestion(ctx, *candidate)
		if firstQuestion {
			reply = i18n.T(ctx, "ExamPreamble") + "\n\n" + reply
		}
	case MoveFollowUp:
		followUp(s, active)
		reply = decision.Reply
		if decision.Action != ActionFollowUp || !usableReply(reply) {
			reply = followUpFallback(ctx, utterance, active)
		}
	case MoveNextQuestion:
		activate(s, *candidate)
		reply = decision.Reply
		if decision.Action != ActionNextQuestion || !usableReply(reply) {
			reply = presentQuestion(ctx, *candidate)
		}
	default:
		complete(s)
		move = MoveComplete
		reply = i18n.T(ctx, "ExamClosing")
	}

	if hasActive && decision.Assessment != nil {
		s.RunningAssessments = append(s.RunningAssessments, model.RunningAssessment{
			At:           e.now(),
			Difficulty:   active.Difficulty,
			QuestionID:   active.ID,
			Summary:      decision.Assessment.Summary,
			Strengths:    decision.Assessment.Strengths,
			Improvements: decision.Assessment.Improvements,
		})
	}

	if err := e.store.SaveConversation(ctx, conv); err != nil {
		return TurnResult{}, fmt.Errorf("save exam turn: %w", err)
	}

	metrics.ExamTurns.WithLabelValues(string(move)).Inc()
	slog.Debug("exam turn",
		"conversation_id", conv.ID,
		"phase", phase,
		"proposed", decision.Action,
		"move", move,
		"difficulty", s.CurrentDifficulty,
	)
	if move == MoveComplete {
		slog.Info("exam completed", "conversation_id", conv.ID, "asked_questions", len(s.AskedQuestionIDs))
		e.publish(ctx, event.Event{
			Type:           event.TypeExamCompleted,
			ConversationID: conv.ID,
			OccurredAt:     e.now(),
			AskedTurns:     s.AskedTurnCountByDifficulty,
		})
	}

	return TurnResult{AssistantReply: reply, Session: s, Move: move}, nil
}

// decide asks the model for a decision. Failures yield a zero decision,
// which the transition treats like an unusable proposal.
func (e *Engine) decide(
	ctx context.Context,
	conversationID string,
	s *model.ExamSession,
	active model.ExamQuestion,
	candidate *model.ExamQuestion,
	facts Facts,
	utterance string,
) turnDecision {
	p, err := prompts.Turn(prompts.TurnData{
		Criteria:             e.criteria.Text(),
		FocusTheme:           s.FocusTheme,
		Session:              s,
		ActiveQuestion:       &active,
		CanFollowUp:          facts.CanFollowUp,
		FollowUpAlreadyAsked: s.FollowUpAskedForActive,
		Utterance:            utterance,
		Candidate:            candidate,
	})
	if err != nil {
		slog.Error("build turn prompt", "error", err)
		return turnDecision{}
	}

	raw, err := e.lm.Complete(ctx, llm.Request{
		System:      p.System,
		User:        p.User,
		Schema:      "turn_decision",
		Temperature: turnTemperature,
	})
	if err != nil {
		metrics.LanguageServiceFailures.WithLabelValues("turn").Inc()
		slog.Warn("turn decision failed", "conversation_id", conversationID, "error", err)
		return turnDecision{}
	}

	d, err := validateTurnDecision(raw)
	if err != nil {
		metrics.LanguageServiceFailures.WithLabelValues("turn").Inc()
		slog.Warn("unusable turn decision", "conversation_id", conversationID, "error", err)
		return turnDecision{}
	}
	return d
}

func usableReply(text string) bool {
	return utf8.RuneCountInString(strings.TrimSpace(text)) >= minUsableReplyRunes
}

func presentQuestion(ctx context.Context, q model.ExamQuestion) string {
	return i18n.Td(ctx, "ExamQuestion", map[string]any{
		"Level": string(q.Difficulty),
		"Text":  q.Text,
	})
}

func followUpFallback(ctx context.Context, utterance string, active model.ExamQuestion) string {
	return i18n.Td(ctx, "ExamFollowUpFallback", map[string]any{
		"Excerpt": excerpt(utterance),
		"Level":   string(active.Difficulty),
	})
}

// excerpt collapses whitespace and shortens text to maxExcerptRunes.
func excerpt(text string) string {
	cleaned := strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(cleaned) <= maxExcerptRunes {
		return cleaned
	}
	runes := []rune(cleaned)
	return string(runes[:maxExcerptRunes-3]) + "..."
}
