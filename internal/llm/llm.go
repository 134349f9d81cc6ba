package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/pavelanni/entrevue/internal/llm/prompts"
	"github.com/pavelanni/entrevue/internal/metrics"
	"github.com/pavelanni/entrevue/internal/model"

	"github.com/prometheus/client_golang/prometheus"
	openai "github.com/sashabaranov/go-openai"
)

// Fixed audio settings. Voice selection is not configurable.
const (
	TranscriptionLanguage = "fr"
	SpeechVoice           = openai.VoiceAlloy
	SpeechFormat          = openai.SpeechResponseFormatMp3

	practiceTemperature = 0.8
	practiceMaxTokens   = 500
)

// ErrEmptyResponse is returned when the model produced no choices.
var ErrEmptyResponse = errors.New("LLM returned no choices")

// Request is one completion call. A non-empty Schema names the expected JSON
// shape and switches the call to JSON-object output.
type Request struct {
	System      string
	User        string
	Schema      string
	Temperature float32
	MaxTokens   int // 0 leaves the server default
}

// Client wraps an OpenAI-compatible API client.
type Client struct {
	api   *openai.Client
	model string
}

// New creates a new LLM client. A zero timeout leaves the HTTP client unbounded.
func New(baseURL, apiKey, modelName string, timeout time.Duration) *Client {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	if timeout > 0 {
		config.HTTPClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		api:   openai.NewClientWithConfig(config),
		model: modelName,
	}
}

// Model returns the chat model name.
func (c *Client) Model() string {
	return c.model
}

// Ping checks that the API is reachable and the key is accepted.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.api.ListModels(ctx); err != nil {
		return fmt.Errorf("LLM ping: %w", err)
	}
	return nil
}

// Complete sends a system/user pair and returns the raw text of the first choice.
// Callers parse and validate the text themselves.
func (c *Client) Complete(ctx context.Context, req Request) (string, error) {
	timer := prometheus.NewTimer(metrics.LanguageServiceDuration.WithLabelValues("complete"))
	defer timer.ObserveDuration()

	chatReq := openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: req.System},
			{Role: openai.ChatMessageRoleUser, Content: req.User},
		},
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if req.Schema != "" {
		chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	resp, err := c.api.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return "", fmt.Errorf("LLM API call (%s): %w", req.Schema, err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}

	raw := resp.Choices[0].Message.Content
	slog.Debug("LLM response", "schema", req.Schema, "raw", raw)
	return raw, nil
}

// Reply produces a free-form interviewer turn for a practice conversation.
// history must not include utterance.
func (c *Client) Reply(ctx context.Context, theme model.Theme, history []model.Message, utterance string) (string, error) {
	timer := prometheus.NewTimer(metrics.LanguageServiceDuration.WithLabelValues("reply"))
	defer timer.ObserveDuration()

	system, err := prompts.Practice(theme)
	if err != nil {
		return "", err
	}

	chatMsgs := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: system},
	}
	for _, m := range history {
		role := openai.ChatMessageRoleUser
		if m.Role == model.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		chatMsgs = append(chatMsgs, openai.ChatCompletionMessage{
			Role:    role,
			Content: m.Content,
		})
	}
	chatMsgs = append(chatMsgs, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: utterance,
	})

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    chatMsgs,
		Temperature: practiceTemperature,
		MaxTokens:   practiceMaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("LLM practice reply: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// Transcribe converts French speech to text with Whisper. filename only
// carries the container format hint (e.g. "answer.webm").
func (c *Client) Transcribe(ctx context.Context, audio io.Reader, filename string) (string, error) {
	timer := prometheus.NewTimer(metrics.LanguageServiceDuration.WithLabelValues("transcribe"))
	defer timer.ObserveDuration()

	resp, err := c.api.CreateTranscription(ctx, openai.AudioRequest{
		Model:    openai.Whisper1,
		FilePath: filename,
		Reader:   audio,
		Language: TranscriptionLanguage,
	})
	if err != nil {
		return "", fmt.Errorf("transcribe audio: %w", err)
	}
	return strings.TrimSpace(resp.Text), nil
}

// Speak synthesizes text with the fixed voice and returns mp3 bytes.
func (c *Client) Speak(ctx context.Context, text string) ([]byte, error) {
	timer := prometheus.NewTimer(metrics.LanguageServiceDuration.WithLabelValues("speak"))
	defer timer.ObserveDuration()

	resp, err := c.api.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.TTSModel1,
		Input:          text,
		Voice:          SpeechVoice,
		ResponseFormat: SpeechFormat,
	})
	if err != nil {
		return nil, fmt.Errorf("synthesize speech: %w", err)
	}
	defer resp.Close()

	data, err := io.ReadAll(resp)
	if err != nil {
		return nil, fmt.Errorf("read speech audio: %w", err)
	}
	return data, nil
}
