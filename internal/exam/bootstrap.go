package exam

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/pavelanni/entrevue/internal/event"
	"github.com/pavelanni/entrevue/internal/llm"
	"github.com/pavelanni/entrevue/internal/llm/prompts"
	"github.com/pavelanni/entrevue/internal/metrics"
	"github.com/pavelanni/entrevue/internal/model"
)

// EnsureSession returns the conversation's exam session, creating and saving
// it on first use. An existing session is returned unchanged without calling
// the language service.
func (e *Engine) EnsureSession(ctx context.Context, conv *model.Conversation) (*model.ExamSession, error) {
	if conv == nil {
		return nil, ErrNilConversation
	}
	if conv.ExamSession != nil {
		return conv.ExamSession, nil
	}

	targets := make(map[model.Level]int, len(model.Levels))
	primaryCounts := make(map[model.Level]int, len(model.Levels))
	for _, lv := range model.Levels {
		targets[lv] = MinTurnsPerLevel + e.rnd.IntN(MaxTurnsPerLevel-MinTurnsPerLevel+1)
		primaryCounts[lv] = primaryCount(targets[lv])
	}

	samples := make(map[model.Level][]string, len(model.Levels))
	var levelC []model.Theme
	for _, lv := range model.Levels {
		themes := e.themes(ctx, lv)
		samples[lv] = sampleQuestions(themes)
		if lv == model.LevelC {
			levelC = themes
		}
	}
	focus := e.chooseFocus(levelC)

	generated := e.generateQuestions(ctx, conv.ID, targets, primaryCounts, focus, samples)

	questions := make(map[model.Level][]model.ExamQuestion, len(model.Levels))
	for _, lv := range model.Levels {
		questions[lv] = e.buildPrimaries(lv, generated[lv], samples[lv], primaryCounts[lv])
	}

	session := &model.ExamSession{
		QuestionsByDifficulty:       questions,
		TargetTurnCountByDifficulty: targets,
		AskedTurnCountByDifficulty:  map[model.Level]int{model.LevelA: 0, model.LevelB: 0, model.LevelC: 0},
		AskedQuestionIDs:            []string{},
		MaxFollowUpsPerQuestion:     e.maxFollowUps,
		CurrentDifficulty:           model.LevelA,
		RunningAssessments:          []model.RunningAssessment{},
	}
	if focus != nil {
		session.FocusTheme = &model.FocusTheme{
			ID:          focus.ID,
			Title:       focus.Title,
			Description: focus.Description,
		}
	}

	conv.ExamSession = session
	if err := e.store.SaveConversation(ctx, conv); err != nil {
		conv.ExamSession = nil
		return nil, fmt.Errorf("save new exam session: %w", err)
	}

	metrics.SessionsStarted.Inc()
	slog.Info("exam session created",
		"conversation_id", conv.ID,
		"targets", fmt.Sprintf("A=%d B=%d C=%d", targets[model.LevelA], targets[model.LevelB], targets[model.LevelC]),
		"focus_theme", focusID(focus),
	)
	e.publish(ctx, event.Event{
		Type:           event.TypeExamStarted,
		ConversationID: conv.ID,
		OccurredAt:     e.now(),
	})
	return session, nil
}

// primaryCount is ceil(target/2) clamped to [2,3].
func primaryCount(target int) int {
	return clamp((target+1)/2, MinPrimaryPerLevel, MaxPrimaryPerLevel)
}

// themes returns the non-meta themes for a level. Pool errors are soft.
func (e *Engine) themes(ctx context.Context, lv model.Level) []model.Theme {
	all, err := e.pool.ThemesByLevel(ctx, lv)
	if err != nil {
		slog.Warn("question pool unavailable", "level", lv, "error", err)
		return nil
	}
	out := make([]model.Theme, 0, len(all))
	for _, t := range all {
		if t.ID == model.ExamThemeID {
			continue
		}
		out = append(out, t)
	}
	return out
}

// chooseFocus draws one theme uniformly. No draw happens when there are no candidates.
func (e *Engine) chooseFocus(themes []model.Theme) *model.Theme {
	if len(themes) == 0 {
		return nil
	}
	t := themes[e.rnd.IntN(len(themes))]
	return &t
}

func focusID(t *model.Theme) string {
	if t == nil {
		return ""
	}
	return t.ID
}

// sampleQuestions flattens, normalizes and dedupes theme questions, keeping
// at most maxSamplesPerLevel in bank order.
func sampleQuestions(themes []model.Theme) []string {
	var out []string
	seen := make(map[string]bool)
	for _, t := range themes {
		for _, q := range t.Questions {
			text := normalizeQuestion(q.Text)
			if text == "" || seen[text] {
				continue
			}
			seen[text] = true
			out = append(out, text)
			if len(out) == maxSamplesPerLevel {
				return out
			}
		}
	}
	return out
}

// generateQuestions asks for all levels in one call. Any failure yields
// empty lists so padding takes over.
func (e *Engine) generateQuestions(
	ctx context.Context,
	conversationID string,
	targets, primaryCounts map[model.Level]int,
	focus *model.Theme,
	samples map[model.Level][]string,
) map[model.Level][]string {
	empty := map[model.Level][]string{}

	examples := make(map[model.Level][]string, len(model.Levels))
	for _, lv := range model.Levels {
		s := samples[lv]
		if len(s) > maxExamplesInPrompt {
			s = s[:maxExamplesInPrompt]
		}
		if s == nil {
			s = []string{}
		}
		examples[lv] = s
	}

	var focusSample *prompts.FocusThemeSample
	if focus != nil {
		focusSample = &prompts.FocusThemeSample{
			ID:              focus.ID,
			Title:           focus.Title,
			Description:     focus.Description,
			SampleQuestions: []string{},
		}
		for _, q := range focus.Questions {
			if len(focusSample.SampleQuestions) == maxFocusSampleQs {
				break
			}
			if text := normalizeQuestion(q.Text); text != "" {
				focusSample.SampleQuestions = append(focusSample.SampleQuestions, text)
			}
		}
	}

	p, err := prompts.QuestionSet(prompts.QuestionSetData{
		Criteria:      e.criteria.Text(),
		Targets:       targets,
		PrimaryCounts: primaryCounts,
		FocusTheme:    focusSample,
		Examples:      examples,
	})
	if err != nil {
		slog.Error("build question set prompt", "error", err)
		return empty
	}

	raw, err := e.lm.Complete(ctx, llm.Request{
		System:      p.System,
		User:        p.User,
		Schema:      "question_set",
		Temperature: questionSetTemperature,
	})
	if err != nil {
		metrics.LanguageServiceFailures.WithLabelValues("question_set").Inc()
		slog.Warn("question generation failed, using fallback questions", "conversation_id", conversationID, "error", err)
		return empty
	}

	generated, err := validateQuestionSet(raw)
	if err != nil {
		metrics.LanguageServiceFailures.WithLabelValues("question_set").Inc()
		slog.Warn("unusable question set, using fallback questions", "conversation_id", conversationID, "error", err)
		return empty
	}
	return generated
}

// buildPrimaries keeps up to count distinct generated questions and pads the
// rest from the theme samples and then the static set.
func (e *Engine) buildPrimaries(lv model.Level, generated, samples []string, count int) []model.ExamQuestion {
	out := make([]model.ExamQuestion, 0, count)
	used := make(map[string]bool)

	for _, text := range generated {
		if len(out) == count {
			return out
		}
		text = normalizeQuestion(text)
		if text == "" || used[text] {
			continue
		}
		used[text] = true
		out = append(out, model.ExamQuestion{ID: e.newID(), Text: text, Difficulty: lv, Source: model.SourceGenerated})
	}

	pad := func(pool []string, label string) {
		for _, text := range pool {
			if len(out) == count {
				return
			}
			text = normalizeQuestion(text)
			if text == "" || used[text] {
				continue
			}
			used[text] = true
			out = append(out, model.ExamQuestion{ID: e.newID(), Text: text, Difficulty: lv, Source: model.SourceThemeInspired})
			metrics.FallbackQuestions.WithLabelValues(label).Inc()
		}
	}
	pad(samples, "theme")
	pad(fallbackQuestions[lv], "static")
	return out
}

// normalizeQuestion collapses whitespace, trims and applies NFC so that
// visually identical questions compare equal.
func normalizeQuestion(text string) string {
	return norm.NFC.String(strings.Join(strings.Fields(text), " "))
}
