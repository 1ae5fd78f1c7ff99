package subscription

import (
	"context"
	"fmt"
	"forumwatch/cache"
	"forumwatch/pkg/notifier"
	"forumwatch/storage"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newService(t *testing.T) (*Service, *storage.SQL) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	db, err := storage.OpenSQL(context.Background(), storage.DriverSQLite, filepath.Join(t.TempDir(), "subs.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mem := cache.NewMemory()
	t.Cleanup(func() { _ = mem.Close() })
	return New(db, mem, logger), db
}

func TestSubscribeKeyword(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	sub, err := svc.Subscribe(ctx, "linux-do", 42, notifier.KindKeyword, "  Docker ")
	require.NoError(t, err)
	assert.NotEmpty(t, sub.ID)
	assert.Equal(t, "Docker", sub.Pattern)
	assert.True(t, sub.Active)

	_, err = svc.Subscribe(ctx, "linux-do", 42, notifier.KindKeyword, "docker")
	assert.ErrorIs(t, err, ErrAlreadySubscribed)
}

func TestSubscribeRejectsSixthKeyword(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	for i := range MaxKeywords {
		_, err := svc.Subscribe(ctx, "linux-do", 42, notifier.KindKeyword, fmt.Sprintf("kw%d", i))
		require.NoError(t, err)
	}
	_, err := svc.Subscribe(ctx, "linux-do", 42, notifier.KindKeyword, "one-too-many")
	assert.ErrorIs(t, err, ErrLimitReached)

	_, err = svc.Subscribe(ctx, "nodeseek", 42, notifier.KindKeyword, "one-too-many")
	assert.NoError(t, err, "limits are per forum")

	_, err = svc.Subscribe(ctx, "linux-do", 7, notifier.KindKeyword, "one-too-many")
	assert.NoError(t, err, "limits are per recipient")

	active, err := svc.Active(ctx, "linux-do")
	require.NoError(t, err)
	count := 0
	for _, s := range active {
		if s.Recipient == 42 && s.Kind == notifier.KindKeyword {
			count++
		}
	}
	assert.Equal(t, MaxKeywords, count)
}

func TestSubscribeAuthorLimitAndCleanup(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	sub, err := svc.Subscribe(ctx, "linux-do", 42, notifier.KindAuthor, "@neo")
	require.NoError(t, err)
	assert.Equal(t, "neo", sub.Pattern)

	_, err = svc.Subscribe(ctx, "linux-do", 42, notifier.KindAuthor, "NEO")
	assert.ErrorIs(t, err, ErrAlreadySubscribed)

	for i := 1; i < MaxAuthors; i++ {
		_, err := svc.Subscribe(ctx, "linux-do", 42, notifier.KindAuthor, fmt.Sprintf("user%d", i))
		require.NoError(t, err)
	}
	_, err = svc.Subscribe(ctx, "linux-do", 42, notifier.KindAuthor, "extra")
	assert.ErrorIs(t, err, ErrLimitReached)

	_, err = svc.Subscribe(ctx, "linux-do", 42, notifier.KindKeyword, "still-fine")
	assert.NoError(t, err, "author and keyword limits are separate")
}

func TestSubscribeValidation(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		kind    notifier.Kind
		pattern string
	}{
		{"empty keyword", notifier.KindKeyword, "   "},
		{"bad regex", notifier.KindKeyword, "([a-z"},
		{"empty author", notifier.KindAuthor, "@"},
		{"unknown kind", notifier.Kind("tag"), "go"},
		{"too long", notifier.KindKeyword, string(make([]rune, maxPatternLength+1))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Subscribe(ctx, "linux-do", 42, tt.kind, tt.pattern)
			assert.Error(t, err)
		})
	}
}

func TestSubscribeAll(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	require.NoError(t, svc.SubscribeAll(ctx, "linux-do", 42))
	assert.ErrorIs(t, svc.SubscribeAll(ctx, "linux-do", 42), ErrAlreadySubscribed)

	_, err := svc.Subscribe(ctx, "linux-do", 42, notifier.KindKeyword, "docker")
	require.NoError(t, err, "subscribe-all does not remove other subscriptions")

	require.NoError(t, svc.UnsubscribeAll(ctx, "linux-do", 42))
	assert.ErrorIs(t, svc.UnsubscribeAll(ctx, "linux-do", 42), ErrNotSubscribed)

	subs, err := svc.List(ctx, "linux-do", 42)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, notifier.KindKeyword, subs[0].Kind)
}

func TestUnsubscribe(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	_, err := svc.Subscribe(ctx, "linux-do", 42, notifier.KindKeyword, "Docker")
	require.NoError(t, err)

	require.NoError(t, svc.Unsubscribe(ctx, "linux-do", 42, notifier.KindKeyword, "docker"))
	assert.ErrorIs(t, svc.Unsubscribe(ctx, "linux-do", 42, notifier.KindKeyword, "docker"), ErrNotSubscribed)
}

func TestKeywordEscapesAreCaseSensitive(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	_, err := svc.Subscribe(ctx, "linux-do", 42, notifier.KindKeyword, `\d+`)
	require.NoError(t, err)
	_, err = svc.Subscribe(ctx, "linux-do", 42, notifier.KindKeyword, `\D+`)
	require.NoError(t, err, `\D+ matches different titles than \d+`)

	require.NoError(t, svc.Unsubscribe(ctx, "linux-do", 42, notifier.KindKeyword, `\D+`))

	subs, err := svc.List(ctx, "linux-do", 42)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, `\d+`, subs[0].Pattern)

	assert.ErrorIs(t, svc.Unsubscribe(ctx, "linux-do", 42, notifier.KindKeyword, `\D+`), ErrNotSubscribed)
}

func TestSubscribeClearsUnreachable(t *testing.T) {
	svc, db := newService(t)
	ctx := context.Background()

	require.NoError(t, db.MarkUnreachable(ctx, "linux-do", 5))
	_, err := svc.Subscribe(ctx, "linux-do", 5, notifier.KindKeyword, "docker")
	require.NoError(t, err)

	blocked, err := db.IsUnreachable(ctx, "linux-do", 5)
	require.NoError(t, err)
	assert.False(t, blocked, "a recipient who subscribes again is reachable")
}

func TestConcurrentSubscribesRespectLimit(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	created := 0
	for i := range MaxKeywords + 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Subscribe(ctx, "linux-do", 42, notifier.KindKeyword, fmt.Sprintf("kw%d", i)); err == nil {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, MaxKeywords, created)
	subs, err := svc.List(ctx, "linux-do", 42)
	require.NoError(t, err)
	assert.Len(t, subs, MaxKeywords)
}

func TestActiveIsInvalidatedOnWrite(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	active, err := svc.Active(ctx, "linux-do")
	require.NoError(t, err)
	assert.Empty(t, active)

	_, err = svc.Subscribe(ctx, "linux-do", 42, notifier.KindKeyword, "docker")
	require.NoError(t, err)

	active, err = svc.Active(ctx, "linux-do")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "docker", active[0].Pattern)

	require.NoError(t, svc.Unsubscribe(ctx, "linux-do", 42, notifier.KindKeyword, "docker"))
	active, err = svc.Active(ctx, "linux-do")
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestStatsAndKeywordStats(t *testing.T) {
	svc, db := newService(t)
	ctx := context.Background()

	_, err := svc.Subscribe(ctx, "linux-do", 42, notifier.KindKeyword, "docker")
	require.NoError(t, err)
	require.NoError(t, svc.SubscribeAll(ctx, "linux-do", 7))

	_, err = db.RecordNotification(ctx, &notifier.NotificationRecord{ForumID: "linux-do", PostID: "1", Recipient: 42, Kind: notifier.KindKeyword, Pattern: "docker"})
	require.NoError(t, err)

	stats, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Recipients)
	assert.Equal(t, 1, stats.Keywords)
	assert.Equal(t, 1, stats.SubscribeAll)
	assert.Equal(t, 1, stats.Notifications)

	counts, err := svc.KeywordStats(ctx, "linux-do")
	require.NoError(t, err)
	require.Len(t, counts, 1)
	assert.Equal(t, "docker", counts[0].Pattern)
	assert.Equal(t, 1, counts[0].Count)
}
