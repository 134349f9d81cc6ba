package cache

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pavelanni/entrevue/internal/model"
)

var errNotFound = errors.New("not found")

type memBacking struct {
	convs map[string]*model.Conversation
	gets  int
	err   error
}

func (m *memBacking) GetConversation(_ context.Context, id string) (*model.Conversation, error) {
	m.gets++
	c, ok := m.convs[id]
	if !ok {
		return nil, errNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *memBacking) SaveConversation(_ context.Context, c *model.Conversation) error {
	if m.err != nil {
		return m.err
	}
	cp := *c
	m.convs[c.ID] = &cp
	return nil
}

func (m *memBacking) DeleteConversation(_ context.Context, id string) error {
	if _, ok := m.convs[id]; !ok {
		return errNotFound
	}
	delete(m.convs, id)
	return nil
}

func (m *memBacking) ListConversations(_ context.Context) ([]*model.Conversation, error) {
	out := []*model.Conversation{}
	for _, c := range m.convs {
		out = append(out, c)
	}
	return out, nil
}

// newTestCache connects to the Redis named by ENTREVUE_TEST_REDIS_ADDR and
// skips the test when it is not set.
func newTestCache(t *testing.T, next Backing) *Conversations {
	t.Helper()
	addr := os.Getenv("ENTREVUE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("ENTREVUE_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { client.Close() })
	c := NewConversations(client, next, time.Minute)
	if err := c.Ping(context.Background()); err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	return c
}

func TestReadThrough(t *testing.T) {
	backing := &memBacking{convs: map[string]*model.Conversation{}}
	c := newTestCache(t, backing)
	ctx := context.Background()
	id := "cache-test-" + time.Now().Format("150405.000000000")
	t.Cleanup(func() { c.client.Del(ctx, key(id)) })

	backing.convs[id] = &model.Conversation{ID: id, ThemeID: "accueil", Messages: []model.Message{{Role: model.RoleUser, Content: "Bonjour"}}}

	for i := 0; i < 3; i++ {
		got, err := c.GetConversation(ctx, id)
		if err != nil {
			t.Fatalf("GetConversation: %v", err)
		}
		if got.ThemeID != "accueil" || len(got.Messages) != 1 {
			t.Errorf("got %+v", got)
		}
	}
	if backing.gets != 1 {
		t.Errorf("backing reads = %d, want 1", backing.gets)
	}
}

func TestWriteThroughAndDelete(t *testing.T) {
	backing := &memBacking{convs: map[string]*model.Conversation{}}
	c := newTestCache(t, backing)
	ctx := context.Background()
	id := "cache-test-w-" + time.Now().Format("150405.000000000")
	t.Cleanup(func() { c.client.Del(ctx, key(id)) })

	conv := &model.Conversation{ID: id, ThemeID: model.ExamThemeID, Mode: model.ModeExam}
	if err := c.SaveConversation(ctx, conv); err != nil {
		t.Fatalf("SaveConversation: %v", err)
	}
	if _, ok := backing.convs[id]; !ok {
		t.Fatal("save did not reach the backing store")
	}
	got, err := c.GetConversation(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if got.Mode != model.ModeExam || backing.gets != 0 {
		t.Errorf("expected a cache hit, mode=%s backing reads=%d", got.Mode, backing.gets)
	}

	if err := c.DeleteConversation(ctx, id); err != nil {
		t.Fatalf("DeleteConversation: %v", err)
	}
	if _, err := c.GetConversation(ctx, id); !errors.Is(err, errNotFound) {
		t.Errorf("after delete: err = %v", err)
	}
}

func TestFailedSaveEvicts(t *testing.T) {
	backing := &memBacking{convs: map[string]*model.Conversation{}}
	c := newTestCache(t, backing)
	ctx := context.Background()
	id := "cache-test-f-" + time.Now().Format("150405.000000000")
	t.Cleanup(func() { c.client.Del(ctx, key(id)) })

	if err := c.SaveConversation(ctx, &model.Conversation{ID: id, ThemeID: "v1"}); err != nil {
		t.Fatal(err)
	}
	backing.err = errors.New("disk full")
	if err := c.SaveConversation(ctx, &model.Conversation{ID: id, ThemeID: "v2"}); err == nil {
		t.Fatal("expected save error")
	}
	if n, _ := c.client.Exists(ctx, key(id)).Result(); n != 0 {
		t.Error("cached copy should be evicted after a failed save")
	}
}

func TestNewConversationsDefaultTTL(t *testing.T) {
	c := NewConversations(nil, &memBacking{}, 0)
	if c.ttl != DefaultTTL {
		t.Errorf("ttl = %v", c.ttl)
	}
}
