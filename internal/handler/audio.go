package handler

import (
	"encoding/base64"
	"errors"
	"log/slog"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/pavelanni/entrevue/internal/metrics"
)

const (
	maxAudioBytes  = 10 << 20
	audioFormField = "audio"
)

// readAudio opens the uploaded audio part. It writes the error response
// itself and returns ok=false when the upload is missing or too large.
func readAudio(w http.ResponseWriter, r *http.Request) (multipart.File, string, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxAudioBytes+1<<20)
	if err := r.ParseMultipartForm(maxAudioBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, http.StatusRequestEntityTooLarge, "AudioTooLarge")
			return nil, "", false
		}
		writeError(w, r, http.StatusBadRequest, "AudioRequired")
		return nil, "", false
	}
	file, header, err := r.FormFile(audioFormField)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "AudioRequired")
		return nil, "", false
	}
	if header.Size > maxAudioBytes {
		file.Close()
		writeError(w, r, http.StatusRequestEntityTooLarge, "AudioTooLarge")
		return nil, "", false
	}

	// Whisper picks the decoder from the extension.
	name := filepath.Base(header.Filename)
	if filepath.Ext(name) == "" {
		name = "audio.webm"
	}
	return file, name, true
}

func (h *Handler) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	file, name, ok := readAudio(w, r)
	if !ok {
		return
	}
	defer file.Close()

	text, err := h.voice.Transcribe(r.Context(), file, name)
	if err != nil {
		metrics.LanguageServiceFailures.WithLabelValues("transcribe").Inc()
		slog.Warn("transcription failed", "error", err)
		writeError(w, r, http.StatusBadGateway, "LanguageServiceUnavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"text": text})
}

// handleProcessAudio runs the full voice round trip for a conversation:
// transcribe the answer, produce the reply, synthesize it. A failed
// synthesis still returns the text reply, without audio.
func (h *Handler) handleProcessAudio(w http.ResponseWriter, r *http.Request) {
	file, name, ok := readAudio(w, r)
	if !ok {
		return
	}
	defer file.Close()

	id := strings.TrimSpace(r.FormValue("conversationId"))
	if id == "" {
		writeError(w, r, http.StatusBadRequest, "InvalidRequest")
		return
	}

	text, err := h.voice.Transcribe(r.Context(), file, name)
	if err != nil {
		metrics.LanguageServiceFailures.WithLabelValues("transcribe").Inc()
		slog.Warn("transcription failed", "conversation_id", id, "error", err)
		writeError(w, r, http.StatusBadGateway, "LanguageServiceUnavailable")
		return
	}
	if strings.TrimSpace(text) == "" {
		writeError(w, r, http.StatusBadRequest, "TextRequired")
		return
	}

	resp, err := h.respond(r.Context(), id, text, true)
	if err != nil {
		failTurn(w, r, err)
		return
	}

	speech, err := h.voice.Speak(r.Context(), resp.AssistantText)
	if err != nil {
		metrics.LanguageServiceFailures.WithLabelValues("speak").Inc()
		slog.Warn("speech synthesis failed, returning text only", "conversation_id", id, "error", err)
	} else {
		resp.AudioBase64 = base64.StdEncoding.EncodeToString(speech)
	}
	slog.Debug("audio turn", "conversation_id", id, "user_chars", len(text), "audio_bytes", len(speech))
	writeJSON(w, http.StatusOK, resp)
}
