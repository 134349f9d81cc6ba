package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"

	"github.com/pavelanni/entrevue/internal/exam"
	"github.com/pavelanni/entrevue/internal/i18n"
	"github.com/pavelanni/entrevue/internal/metrics"
	"github.com/pavelanni/entrevue/internal/model"
	"github.com/pavelanni/entrevue/internal/store"
)

// requestTimeout bounds every API request. Turns can chain transcription,
// two model calls and speech synthesis.
const requestTimeout = 2 * time.Minute

// Conversations is the conversation store the handlers read and write.
type Conversations interface {
	GetConversation(ctx context.Context, id string) (*model.Conversation, error)
	SaveConversation(ctx context.Context, conv *model.Conversation) error
	DeleteConversation(ctx context.Context, id string) error
	ListConversations(ctx context.Context) ([]*model.Conversation, error)
}

// Themes is the theme catalogue. An empty level lists every theme.
type Themes interface {
	ListThemes(ctx context.Context, level model.Level) ([]model.Theme, error)
	GetTheme(ctx context.Context, id string) (model.Theme, error)
}

// Exam runs exam turns and evaluations.
type Exam interface {
	GenerateTurn(ctx context.Context, conv *model.Conversation, utterance string) (exam.TurnResult, error)
	Evaluate(ctx context.Context, conv *model.Conversation) (*model.ConversationEvaluation, error)
}

// Analyzer produces coaching feedback for one user message.
type Analyzer interface {
	AnalyzeUserMessage(ctx context.Context, conversationID string, timestamp time.Time) (*model.MessageAnalysis, error)
}

// Voice covers practice replies and the audio round trip.
type Voice interface {
	Reply(ctx context.Context, theme model.Theme, history []model.Message, utterance string) (string, error)
	Transcribe(ctx context.Context, audio io.Reader, filename string) (string, error)
	Speak(ctx context.Context, text string) ([]byte, error)
}

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	convs    Conversations
	themes   Themes
	exam     Exam
	analyzer Analyzer
	voice    Voice
	locks    *keyedMutex
	now      func() time.Time
}

// New creates a new Handler.
func New(convs Conversations, themes Themes, ex Exam, analyzer Analyzer, voice Voice) *Handler {
	return &Handler{
		convs:    convs,
		themes:   themes,
		exam:     ex,
		analyzer: analyzer,
		voice:    voice,
		locks:    newKeyedMutex(),
		now:      time.Now,
	}
}

// Router builds the full HTTP handler: middleware, CORS for the given
// origins, localization in lang, the API, the turn socket and /metrics.
func (h *Handler) Router(corsOrigins []string, lang string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	if len(corsOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   corsOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Accept-Language", "Authorization", "Content-Type"},
			ExposedHeaders:   []string{"Content-Length"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}
	r.Use(i18n.Middleware(lang))

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(requestTimeout))
		h.Routes(r)
	})
	r.Get("/ws/conversations/{id}", h.handleTurnSocket)
	r.Handle("/metrics", metrics.Handler())
	return r
}

// Routes registers the JSON API.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.handleHealth)

		r.Get("/themes", h.handleListThemes)
		r.Get("/themes/{id}", h.handleGetTheme)

		r.Get("/conversations", h.handleListConversations)
		r.Post("/conversations", h.handleCreateConversation)
		r.Get("/conversations/{id}", h.handleGetConversation)
		r.Put("/conversations/{id}", h.handleUpdateConversation)
		r.Delete("/conversations/{id}", h.handleDeleteConversation)
		r.Post("/conversations/{id}/turn", h.handleTurn)
		r.Post("/conversations/{id}/evaluate", h.handleEvaluate)
		r.Post("/conversations/{id}/messages/{timestamp}/analysis", h.handleAnalyze)

		r.Post("/audio/transcribe", h.handleTranscribe)
		r.Post("/audio/process", h.handleProcessAudio)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

// writeError sends {"error": msg} with the message localized for the request.
func writeError(w http.ResponseWriter, r *http.Request, status int, msgID string) {
	writeJSON(w, status, map[string]string{"error": i18n.T(r.Context(), msgID)})
}

// fail maps err to a status and logs anything that is not a client error.
// notFoundID is the message used when err wraps store.ErrNotFound.
func fail(w http.ResponseWriter, r *http.Request, err error, notFoundID string) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, notFoundID)
		return
	}
	slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	writeError(w, r, http.StatusInternalServerError, "InternalError")
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"timestamp": h.now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) handleListThemes(w http.ResponseWriter, r *http.Request) {
	level := model.Level(strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("level"))))
	if level != "" && !level.Valid() {
		writeError(w, r, http.StatusBadRequest, "InvalidRequest")
		return
	}
	themes, err := h.themes.ListThemes(r.Context(), level)
	if err != nil {
		fail(w, r, err, "ThemeNotFound")
		return
	}
	writeJSON(w, http.StatusOK, themes)
}

func (h *Handler) handleGetTheme(w http.ResponseWriter, r *http.Request) {
	theme, err := h.themes.GetTheme(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		fail(w, r, err, "ThemeNotFound")
		return
	}
	writeJSON(w, http.StatusOK, theme)
}

func (h *Handler) handleListConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := h.convs.ListConversations(r.Context())
	if err != nil {
		fail(w, r, err, "ConversationNotFound")
		return
	}
	if convs == nil {
		convs = []*model.Conversation{}
	}
	writeJSON(w, http.StatusOK, convs)
}

type createConversationRequest struct {
	ThemeID  string                 `json:"themeId"`
	Mode     model.ConversationMode `json:"mode"`
	IsWarmup bool                   `json:"isWarmup"`
}

// handleCreateConversation starts a conversation. Warmup conversations are
// returned to the client but never stored.
func (h *Handler) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req createConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "InvalidRequest")
		return
	}
	req.ThemeID = strings.TrimSpace(req.ThemeID)
	if req.ThemeID == "" && req.Mode == model.ModeExam {
		req.ThemeID = model.ExamThemeID
	}
	if req.ThemeID == "" {
		writeError(w, r, http.StatusBadRequest, "ThemeRequired")
		return
	}
	if req.ThemeID != model.ExamThemeID {
		if _, err := h.themes.GetTheme(r.Context(), req.ThemeID); err != nil {
			fail(w, r, err, "ThemeNotFound")
			return
		}
	}

	mode := model.ModePractice
	if req.Mode == model.ModeExam || req.ThemeID == model.ExamThemeID {
		mode = model.ModeExam
	}
	conv := &model.Conversation{
		ID:        uuid.NewString(),
		ThemeID:   req.ThemeID,
		Mode:      mode,
		IsWarmup:  req.IsWarmup,
		StartTime: h.now().UTC(),
		Messages:  []model.Message{},
	}
	if !conv.IsWarmup {
		if err := h.convs.SaveConversation(r.Context(), conv); err != nil {
			fail(w, r, err, "ConversationNotFound")
			return
		}
	}
	slog.Info("conversation created", "conversation_id", conv.ID, "theme_id", conv.ThemeID, "mode", conv.Mode, "warmup", conv.IsWarmup)
	writeJSON(w, http.StatusCreated, conv)
}

func (h *Handler) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := h.convs.GetConversation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		fail(w, r, err, "ConversationNotFound")
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// handleUpdateConversation merges the request body into the stored
// conversation. The id cannot change.
func (h *Handler) handleUpdateConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	unlock := h.locks.Lock(id)
	defer unlock()

	conv, err := h.convs.GetConversation(r.Context(), id)
	if err != nil {
		fail(w, r, err, "ConversationNotFound")
		return
	}
	if err := json.NewDecoder(r.Body).Decode(conv); err != nil {
		writeError(w, r, http.StatusBadRequest, "InvalidRequest")
		return
	}
	conv.ID = id
	if err := h.convs.SaveConversation(r.Context(), conv); err != nil {
		fail(w, r, err, "ConversationNotFound")
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (h *Handler) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	unlock := h.locks.Lock(id)
	defer unlock()

	if err := h.convs.DeleteConversation(r.Context(), id); err != nil {
		fail(w, r, err, "ConversationNotFound")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
