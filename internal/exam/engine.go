// Package exam implements the leveled oral exam: session bootstrap, the turn
// state machine and the final evaluation.
package exam

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"github.com/pavelanni/entrevue/internal/event"
	"github.com/pavelanni/entrevue/internal/llm/prompts"
	"github.com/pavelanni/entrevue/internal/model"
)

// Budget and sampling limits.
const (
	MinTurnsPerLevel    = 4
	MaxTurnsPerLevel    = 6
	MinPrimaryPerLevel  = 2
	MaxPrimaryPerLevel  = 3
	DefaultMaxFollowUps = 2

	maxSamplesPerLevel   = 30
	maxExamplesInPrompt  = 20
	maxFocusSampleQs     = 8
	minUsableReplyRunes  = 8
	maxExcerptRunes      = 120
	maxRecommendations   = 6
	maxAssessmentEntries = 4
)

// Sampling temperatures per call site.
const (
	questionSetTemperature = 0.7
	turnTemperature        = 0.55
	evaluationTemperature  = 0.3
)

// ErrNilConversation is returned when no conversation is supplied.
var ErrNilConversation = errors.New("exam: nil conversation")

// Engine runs exams. It is safe for concurrent use across conversations.
type Engine struct {
	lm       LanguageService
	pool     QuestionPool
	store    SessionStore
	criteria CriteriaProvider
	events   Publisher
	rnd      Rand
	newID    func() string
	now      func() time.Time

	maxFollowUps int
	variant      prompts.PromptVariant
}

// Option configures an Engine.
type Option func(*Engine)

// WithRand replaces the random source.
func WithRand(r Rand) Option {
	return func(e *Engine) { e.rnd = r }
}

// WithIDs replaces the question id generator.
func WithIDs(newID func() string) Option {
	return func(e *Engine) { e.newID = newID }
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithCriteria replaces the criteria provider built from the config path.
func WithCriteria(c CriteriaProvider) Option {
	return func(e *Engine) { e.criteria = c }
}

// WithPublisher sets the lifecycle event sink.
func WithPublisher(p Publisher) Option {
	return func(e *Engine) { e.events = p }
}

// globalRand uses the concurrency-safe top-level math/rand/v2 source.
type globalRand struct{}

func (globalRand) IntN(n int) int { return rand.IntN(n) }

// New creates an Engine.
func New(lm LanguageService, pool QuestionPool, store SessionStore, cfg model.ExamConfig, opts ...Option) *Engine {
	e := &Engine{
		lm:           lm,
		pool:         pool,
		store:        store,
		criteria:     NewCriteria(cfg.CriteriaPath),
		events:       event.Noop{},
		rnd:          globalRand{},
		newID:        uuid.NewString,
		now:          time.Now,
		maxFollowUps: cfg.MaxFollowUps,
		variant:      prompts.PromptVariant(cfg.PromptVariant),
	}
	if e.maxFollowUps <= 0 {
		e.maxFollowUps = DefaultMaxFollowUps
	}
	if !prompts.IsValidVariant(string(e.variant)) {
		e.variant = prompts.PromptStandard
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) publish(ctx context.Context, ev event.Event) {
	if err := e.events.Publish(ctx, ev); err != nil {
		slog.Warn("publish exam event", "type", ev.Type, "conversation_id", ev.ConversationID, "error", err)
	}
}
