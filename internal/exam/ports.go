package exam

import (
	"context"

	"github.com/pavelanni/entrevue/internal/event"
	"github.com/pavelanni/entrevue/internal/llm"
	"github.com/pavelanni/entrevue/internal/model"
)

// LanguageService completes a prompt and returns raw model text. The engine
// treats the text as untrusted and validates it per call site.
type LanguageService interface {
	Complete(ctx context.Context, req llm.Request) (string, error)
}

// QuestionPool provides the theme banks for a level.
type QuestionPool interface {
	ThemesByLevel(ctx context.Context, level model.Level) ([]model.Theme, error)
}

// SessionStore persists whole conversations. The engine never saves partial fields.
//
// The engine does not lock. Callers must serialize GenerateTurn and Evaluate
// per conversation id.
type SessionStore interface {
	SaveConversation(ctx context.Context, conv *model.Conversation) error
}

// CriteriaProvider returns the exam criteria text.
type CriteriaProvider interface {
	Text() string
}

// Publisher receives exam lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, ev event.Event) error
}

// Rand is the random source used for turn budgets and the focus theme.
type Rand interface {
	IntN(n int) int
}
