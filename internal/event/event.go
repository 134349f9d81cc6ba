// Package event publishes exam lifecycle events to a message broker.
package event

import (
	"context"
	"time"

	"github.com/pavelanni/entrevue/internal/model"
)

// Routing keys.
const (
	TypeExamStarted   = "exam.started"
	TypeExamCompleted = "exam.completed"
	TypeExamEvaluated = "exam.evaluated"
)

// Event is the JSON body of every published message. Fields that do not
// apply to a given type are omitted.
type Event struct {
	Type           string              `json:"type"`
	ConversationID string              `json:"conversationId"`
	OccurredAt     time.Time           `json:"occurredAt"`
	AskedTurns     map[model.Level]int `json:"askedTurns,omitempty"`
	OverallLevel   model.Level         `json:"overallLevel,omitempty"`
	Score          *float64            `json:"score,omitempty"`
}

// Noop drops every event. It is used when no broker is configured.
type Noop struct{}

func (Noop) Publish(_ context.Context, _ Event) error { return nil }

func (Noop) Close() error { return nil }
