package event

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/pavelanni/entrevue/internal/model"
)

func TestEventJSON(t *testing.T) {
	score := 72.5
	ev := Event{
		Type:           TypeExamEvaluated,
		ConversationID: "c1",
		OccurredAt:     time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		OverallLevel:   model.LevelB,
		Score:          &score,
	}
	b, err := json.Marshal(ev)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"type":"exam.evaluated","conversationId":"c1","occurredAt":"2026-01-02T03:04:05Z","overallLevel":"B","score":72.5}`
	if string(b) != want {
		t.Errorf("json = %s\nwant  %s", b, want)
	}
}

func TestNoop(t *testing.T) {
	var n Noop
	if err := n.Publish(context.Background(), Event{Type: TypeExamStarted}); err != nil {
		t.Errorf("Publish() error: %v", err)
	}
	if err := n.Close(); err != nil {
		t.Errorf("Close() error: %v", err)
	}
}

func TestPublisherRoundTrip(t *testing.T) {
	uri := os.Getenv("ENTREVUE_TEST_AMQP_URL")
	if uri == "" {
		t.Skip("ENTREVUE_TEST_AMQP_URL not set")
	}

	p, err := NewPublisher(uri, "entrevue.test")
	if err != nil {
		t.Fatalf("NewPublisher() error: %v", err)
	}
	defer p.Close()

	ev := Event{Type: TypeExamCompleted, ConversationID: "c1", OccurredAt: time.Now()}
	if err := p.Publish(context.Background(), ev); err != nil {
		t.Errorf("Publish() error: %v", err)
	}
}

func TestNewPublisherBadURI(t *testing.T) {
	if _, err := NewPublisher("amqp://127.0.0.1:1/", ""); err == nil {
		t.Error("expected dial error")
	}
}
