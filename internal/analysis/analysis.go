// Package analysis produces per-message language coaching for user answers.
package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pavelanni/entrevue/internal/llm"
	"github.com/pavelanni/entrevue/internal/llm/prompts"
	"github.com/pavelanni/entrevue/internal/metrics"
	"github.com/pavelanni/entrevue/internal/model"
)

const (
	contextMessages = 8
	temperature     = 0.35
	maxTokens       = 400
)

// ErrMessageNotFound is returned when no user message has the requested timestamp.
var ErrMessageNotFound = errors.New("user message not found for analysis")

var (
	categories = map[string]bool{
		"grammar": true, "spelling": true, "wording": true, "clarity": true,
		"tone": true, "structure": true, "consistency": true, "other": true,
	}
	severities = map[string]bool{"low": true, "medium": true, "high": true}
)

// LanguageService completes a prompt.
type LanguageService interface {
	Complete(ctx context.Context, req llm.Request) (string, error)
}

// Conversations loads and saves whole conversations.
type Conversations interface {
	GetConversation(ctx context.Context, id string) (*model.Conversation, error)
	SaveConversation(ctx context.Context, conv *model.Conversation) error
}

// Themes looks up a theme by id.
type Themes interface {
	GetTheme(ctx context.Context, id string) (model.Theme, error)
}

// Analyzer coaches single user messages.
type Analyzer struct {
	lm     LanguageService
	convs  Conversations
	themes Themes
	now    func() time.Time
}

// New creates an Analyzer.
func New(lm LanguageService, convs Conversations, themes Themes) *Analyzer {
	return &Analyzer{lm: lm, convs: convs, themes: themes, now: time.Now}
}

// AnalyzeUserMessage analyzes the user message sent at timestamp, replaces
// any earlier analysis of that message and saves the conversation.
// Timestamps match at millisecond precision.
func (a *Analyzer) AnalyzeUserMessage(ctx context.Context, conversationID string, timestamp time.Time) (*model.MessageAnalysis, error) {
	conv, err := a.convs.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	var answer *model.Message
	for i := range conv.Messages {
		m := &conv.Messages[i]
		if m.Role == model.RoleUser && m.Timestamp.UnixMilli() == timestamp.UnixMilli() {
			answer = m
			break
		}
	}
	if answer == nil {
		return nil, fmt.Errorf("conversation %s at %d: %w", conversationID, timestamp.UnixMilli(), ErrMessageNotFound)
	}

	data := prompts.AnalysisData{Answer: answer.Content}
	if theme, err := a.themes.GetTheme(ctx, conv.ThemeID); err == nil {
		data.ThemeTitle = theme.Title
		data.ThemeDescription = theme.Description
	} else {
		slog.Debug("analysis without theme", "conversation_id", conversationID, "theme_id", conv.ThemeID, "error", err)
	}
	recent := conv.Messages
	if len(recent) > contextMessages {
		recent = recent[len(recent)-contextMessages:]
	}
	data.Context = recent

	p, err := prompts.Analysis(data)
	if err != nil {
		return nil, fmt.Errorf("build analysis prompt: %w", err)
	}

	raw, err := a.lm.Complete(ctx, llm.Request{
		System:      p.System,
		User:        p.User,
		Schema:      "message_analysis",
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		metrics.LanguageServiceFailures.WithLabelValues("analysis").Inc()
		slog.Warn("analysis call failed, returning empty analysis", "conversation_id", conversationID, "error", err)
		raw = "{}"
	}

	now := a.now()
	ma := parse(raw)
	ma.MessageTimestamp = answer.Timestamp
	ma.AnalyzedAt = now

	if conv.Analysis == nil {
		conv.Analysis = &model.ConversationAnalysis{}
	}
	kept := make([]model.MessageAnalysis, 0, len(conv.Analysis.MessageAnalyses)+1)
	for _, prev := range conv.Analysis.MessageAnalyses {
		if prev.MessageTimestamp.UnixMilli() != timestamp.UnixMilli() {
			kept = append(kept, prev)
		}
	}
	conv.Analysis.MessageAnalyses = append(kept, ma)
	conv.Analysis.LastAnalyzedAt = now

	if err := a.convs.SaveConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("save analysis: %w", err)
	}
	slog.Info("message analyzed", "conversation_id", conversationID, "issues", len(ma.Issues))
	return &ma, nil
}

// parse reads the analysis schema. Unparseable output yields an empty analysis.
func parse(raw string) model.MessageAnalysis {
	ma := model.MessageAnalysis{Issues: []model.AnalysisIssue{}}

	var obj map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &obj); err != nil {
		metrics.LanguageServiceFailures.WithLabelValues("analysis").Inc()
		slog.Warn("unusable analysis output", "error", err)
		return ma
	}

	ma.Summary, _ = obj["summary"].(string)
	ma.ImprovedExample, _ = obj["improvedExample"].(string)
	if issues, ok := obj["issues"].([]any); ok {
		for _, v := range issues {
			issue, ok := v.(map[string]any)
			if !ok {
				continue
			}
			ma.Issues = append(ma.Issues, normalizeIssue(issue))
		}
	}
	return ma
}

// normalizeIssue maps unknown categories to "other" and unknown severities to "medium".
func normalizeIssue(v map[string]any) model.AnalysisIssue {
	issue := model.AnalysisIssue{Category: "other", Severity: "medium"}
	if c, _ := v["category"].(string); categories[c] {
		issue.Category = c
	}
	if s, _ := v["severity"].(string); severities[s] {
		issue.Severity = s
	}
	issue.Description, _ = v["description"].(string)
	issue.Suggestion, _ = v["suggestion"].(string)
	return issue
}
