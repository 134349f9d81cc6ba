package exam

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pavelanni/entrevue/internal/i18n"
	"github.com/pavelanni/entrevue/internal/model"
)

var errNotObject = errors.New("response is not a JSON object")

// parseObject decodes raw model output as a JSON object.
func parseObject(raw string) (map[string]any, error) {
	var v any
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &v); err != nil {
		return nil, fmt.Errorf("parse model JSON: %w", err)
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, errNotObject
	}
	return obj, nil
}

// validateQuestionSet reads {"A": [...], "B": [...], "C": [...]}. Missing or
// malformed levels are empty; non-string entries are skipped.
func validateQuestionSet(raw string) (map[model.Level][]string, error) {
	obj, err := parseObject(raw)
	if err != nil {
		return nil, err
	}
	out := make(map[model.Level][]string, len(model.Levels))
	for _, lv := range model.Levels {
		out[lv] = stringList(obj[string(lv)], 0)
	}
	return out, nil
}

// assessmentDraft is a validated running assessment before it is stamped.
type assessmentDraft struct {
	Summary      string
	Strengths    []string
	Improvements []string
}

// turnDecision is the validated model decision for one turn.
type turnDecision struct {
	Action     Action
	Reply      string
	Assessment *assessmentDraft
}

// validateTurnDecision reads the turn decision schema. Unknown actions become
// ActionNone; a missing or malformed assessment is dropped.
func validateTurnDecision(raw string) (turnDecision, error) {
	obj, err := parseObject(raw)
	if err != nil {
		return turnDecision{}, err
	}

	var d turnDecision
	if action, ok := obj["action"].(string); ok {
		switch a := Action(action); a {
		case ActionFollowUp, ActionNextQuestion, ActionEndExam:
			d.Action = a
		}
	}
	if reply, ok := obj["assistantReply"].(string); ok {
		d.Reply = strings.TrimSpace(reply)
	}
	if ra, ok := obj["runningAssessment"].(map[string]any); ok {
		a := &assessmentDraft{
			Strengths:    stringList(ra["strengths"], maxAssessmentEntries),
			Improvements: stringList(ra["improvements"], maxAssessmentEntries),
		}
		if summary, ok := ra["summary"].(string); ok {
			a.Summary = strings.TrimSpace(summary)
		}
		d.Assessment = a
	}
	return d, nil
}

// validateEvaluation maps the evaluation schema onto a ConversationEvaluation.
// It never fails: unparseable output yields an evaluation with no score, no
// level, and the default per-level rationale.
func validateEvaluation(ctx context.Context, raw string) (*model.ConversationEvaluation, error) {
	ev := &model.ConversationEvaluation{
		LevelRationale:  make(map[model.Level]string, len(model.Levels)),
		Recommendations: []string{},
		Criteria:        map[string]model.CriterionScore{},
	}

	obj, err := parseObject(raw)
	if obj == nil {
		obj = map[string]any{}
	}

	ev.Score = score(obj["score"])
	if lv, ok := obj["overallLevel"].(string); ok && model.Level(lv).Valid() {
		ev.OverallLevel = model.Level(lv)
	}
	if notes, ok := obj["notes"].(string); ok {
		ev.Notes = strings.TrimSpace(notes)
	}

	rationale, _ := obj["levelRationale"].(map[string]any)
	for _, lv := range model.Levels {
		text, _ := rationale[string(lv)].(string)
		text = strings.TrimSpace(text)
		if text == "" {
			text = i18n.T(ctx, "Rationale"+string(lv))
		}
		ev.LevelRationale[lv] = text
	}

	ev.Recommendations = stringList(obj["recommendations"], maxRecommendations)

	if criteria, ok := obj["criteria"].(map[string]any); ok {
		for name, v := range criteria {
			c, ok := v.(map[string]any)
			if !ok {
				continue
			}
			cs := model.CriterionScore{Score: score(c["score"])}
			if notes, ok := c["notes"].(string); ok {
				cs.Notes = strings.TrimSpace(notes)
			}
			ev.Criteria[name] = cs
		}
	}
	return ev, err
}

// score accepts a JSON number and clamps it to [0,100].
func score(v any) *float64 {
	f, ok := v.(float64)
	if !ok {
		return nil
	}
	f = min(max(f, 0), 100)
	return &f
}

// stringList keeps trimmed non-empty strings from a JSON array. limit <= 0
// means no limit. The result is never nil.
func stringList(v any, limit int) []string {
	out := []string{}
	items, ok := v.([]any)
	if !ok {
		return out
	}
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			continue
		}
		if s = strings.TrimSpace(s); s == "" {
			continue
		}
		out = append(out, s)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}
