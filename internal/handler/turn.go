package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/entrevue/internal/analysis"
	"github.com/pavelanni/entrevue/internal/exam"
	"github.com/pavelanni/entrevue/internal/metrics"
	"github.com/pavelanni/entrevue/internal/model"
	"github.com/pavelanni/entrevue/internal/store"
)

var (
	errLanguageService = errors.New("language service unavailable")
	errThemeNotFound   = errors.New("conversation theme not found")
)

// keyedMutex serializes work per conversation id.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refLock)}
}

// Lock blocks until id is free and returns the matching unlock.
func (k *keyedMutex) Lock(id string) func() {
	k.mu.Lock()
	l, ok := k.locks[id]
	if !ok {
		l = &refLock{}
		k.locks[id] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, id)
		}
		k.mu.Unlock()
	}
}

type turnRequest struct {
	Text string `json:"text"`
}

type turnResponse struct {
	UserText      string             `json:"userText"`
	AssistantText string             `json:"assistantText"`
	Move          exam.Move          `json:"move,omitempty"`
	ExamSession   *model.ExamSession `json:"examSession,omitempty"`
	AudioBase64   string             `json:"audioBase64,omitempty"`
}

// respond runs one user utterance through the conversation: an exam turn
// for exam conversations, a free interviewer reply otherwise. Both messages
// are appended and the conversation is saved, except on a finished exam,
// which is left as it was.
func (h *Handler) respond(ctx context.Context, id, text string, audio bool) (turnResponse, error) {
	unlock := h.locks.Lock(id)
	defer unlock()

	conv, err := h.convs.GetConversation(ctx, id)
	if err != nil {
		return turnResponse{}, err
	}

	resp := turnResponse{UserText: text}
	if conv.IsExam() {
		res, err := h.exam.GenerateTurn(ctx, conv, text)
		if err != nil {
			return turnResponse{}, fmt.Errorf("exam turn: %w", err)
		}
		resp.AssistantText = res.AssistantReply
		resp.Move = res.Move
		resp.ExamSession = res.Session
		if res.Move == exam.MoveNone {
			return resp, nil
		}
	} else {
		theme, err := h.themes.GetTheme(ctx, conv.ThemeID)
		if errors.Is(err, store.ErrNotFound) {
			return turnResponse{}, errThemeNotFound
		}
		if err != nil {
			return turnResponse{}, fmt.Errorf("theme %s: %w", conv.ThemeID, err)
		}
		reply, err := h.voice.Reply(ctx, theme, conv.Messages, text)
		if err != nil || reply == "" {
			metrics.LanguageServiceFailures.WithLabelValues("practice").Inc()
			slog.Warn("practice reply failed", "conversation_id", id, "error", err)
			return turnResponse{}, errLanguageService
		}
		resp.AssistantText = reply
	}

	now := h.now().UTC()
	conv.Messages = append(conv.Messages,
		model.Message{Role: model.RoleUser, Content: text, Timestamp: now, Audio: audio},
		model.Message{Role: model.RoleAssistant, Content: resp.AssistantText, Timestamp: now.Add(time.Millisecond), Audio: audio},
	)
	if err := h.convs.SaveConversation(ctx, conv); err != nil {
		return turnResponse{}, fmt.Errorf("save turn: %w", err)
	}
	return resp, nil
}

// turnError maps respond errors to a status and message id.
func turnError(err error) (int, string) {
	switch {
	case errors.Is(err, errLanguageService):
		return http.StatusBadGateway, "LanguageServiceUnavailable"
	case errors.Is(err, errThemeNotFound):
		return http.StatusNotFound, "ThemeNotFound"
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "ConversationNotFound"
	default:
		return http.StatusInternalServerError, "InternalError"
	}
}

func failTurn(w http.ResponseWriter, r *http.Request, err error) {
	status, msgID := turnError(err)
	if status == http.StatusInternalServerError {
		slog.Error("turn failed", "path", r.URL.Path, "error", err)
	}
	writeError(w, r, status, msgID)
}

func (h *Handler) handleTurn(w http.ResponseWriter, r *http.Request) {
	var req turnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "InvalidRequest")
		return
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		writeError(w, r, http.StatusBadRequest, "TextRequired")
		return
	}

	resp, err := h.respond(r.Context(), chi.URLParam(r, "id"), text, false)
	if err != nil {
		failTurn(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	unlock := h.locks.Lock(id)
	defer unlock()

	conv, err := h.convs.GetConversation(r.Context(), id)
	if err != nil {
		fail(w, r, err, "ConversationNotFound")
		return
	}
	ev, err := h.exam.Evaluate(r.Context(), conv)
	if err != nil {
		fail(w, r, err, "ConversationNotFound")
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

// handleAnalyze analyzes the user message whose timestamp, in Unix
// milliseconds, is in the path.
func (h *Handler) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	ms, err := strconv.ParseInt(chi.URLParam(r, "timestamp"), 10, 64)
	if err != nil || ms <= 0 {
		writeError(w, r, http.StatusBadRequest, "InvalidTimestamp")
		return
	}

	id := chi.URLParam(r, "id")
	unlock := h.locks.Lock(id)
	defer unlock()

	result, err := h.analyzer.AnalyzeUserMessage(r.Context(), id, time.UnixMilli(ms))
	if errors.Is(err, analysis.ErrMessageNotFound) {
		writeError(w, r, http.StatusNotFound, "MessageNotFound")
		return
	}
	if err != nil {
		fail(w, r, err, "ConversationNotFound")
		return
	}
	writeJSON(w, http.StatusOK, result)
}
