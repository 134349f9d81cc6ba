package store

import (
	"context"
	"fmt"

	"github.com/pavelanni/entrevue/internal/model"
)

// ConversationLister is satisfied by every conversation store.
type ConversationLister interface {
	ListConversations(ctx context.Context) ([]*model.Conversation, error)
}

// ExportConversations builds export-ready results from all conversations.
func ExportConversations(ctx context.Context, src ConversationLister) ([]model.ConversationResult, error) {
	convs, err := src.ListConversations(ctx)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}

	results := []model.ConversationResult{}
	for _, c := range convs {
		var msgs []model.ConversationMsg
		for _, m := range c.Messages {
			msgs = append(msgs, model.ConversationMsg{
				Role:    string(m.Role),
				Content: m.Content,
				At:      m.Timestamp,
			})
		}

		mode := c.Mode
		if mode == "" {
			mode = model.ModePractice
			if c.IsExam() {
				mode = model.ModeExam
			}
		}

		completed := c.ExamSession != nil && c.ExamSession.Completed

		results = append(results, model.ConversationResult{
			ID:           c.ID,
			ThemeID:      c.ThemeID,
			Mode:         mode,
			StartedAt:    c.StartTime,
			Completed:    completed,
			Questions:    c.ExamSession.AskedQuestions(),
			Conversation: msgs,
			Evaluation:   c.Evaluation,
		})
	}
	return results, nil
}
