package telegram

import (
	"context"
	"fmt"
	"forumwatch/pkg/notifier"
	"forumwatch/storage"
	"forumwatch/subscription"
	"path/filepath"
	"strings"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCommands(t *testing.T) (*Commands, *subscription.Service, *fakeSender) {
	t.Helper()
	db, err := storage.OpenSQL(context.Background(), storage.DriverSQLite, filepath.Join(t.TempDir(), "bot.db"), discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	svc := subscription.New(db, nil, discard())
	sender := &fakeSender{}
	forum := &notifier.Forum{ID: "linux-do", Name: "Linux.do"}
	c := NewCommands(forum, svc, sender, discard())
	c.opts = fastOptions
	return c, svc, sender
}

// command builds a message the way Telegram delivers a bot command.
func command(chatID int64, text string) *tgbotapi.Message {
	msg := &tgbotapi.Message{Text: text, Chat: &tgbotapi.Chat{ID: chatID}}
	if strings.HasPrefix(text, "/") {
		n := strings.IndexByte(text, ' ')
		if n < 0 {
			n = len(text)
		}
		msg.Entities = []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: n}}
	}
	return msg
}

func TestSubscribeAndList(t *testing.T) {
	c, _, _ := newCommands(t)
	ctx := context.Background()

	reply := c.Reply(ctx, command(42, "/subscribe docker"))
	assert.Contains(t, reply, "Subscribed to keyword: docker")

	reply = c.Reply(ctx, command(42, "/subscribe Docker"))
	assert.Contains(t, reply, "already subscribed")

	reply = c.Reply(ctx, command(42, "/subscribe_user @neo"))
	assert.Contains(t, reply, "Subscribed to author: neo")

	reply = c.Reply(ctx, command(42, "/list"))
	assert.Contains(t, reply, "docker")
	assert.Contains(t, reply, "(1/5)")
	assert.NotContains(t, reply, "neo")

	reply = c.Reply(ctx, command(42, "/list_users"))
	assert.Contains(t, reply, "neo")
}

func TestSubscribeLimit(t *testing.T) {
	c, _, _ := newCommands(t)
	ctx := context.Background()

	for i := range subscription.MaxKeywords {
		reply := c.Reply(ctx, command(42, fmt.Sprintf("/subscribe kw%d", i)))
		require.Contains(t, reply, "✅")
	}
	reply := c.Reply(ctx, command(42, "/subscribe kw99"))
	assert.Contains(t, reply, "limit of 5 keywords")
	assert.Contains(t, reply, "/unsubscribe")
}

func TestSubscribeValidation(t *testing.T) {
	c, _, _ := newCommands(t)
	ctx := context.Background()

	assert.Contains(t, c.Reply(ctx, command(42, "/subscribe")), "Give a keyword")
	assert.Contains(t, c.Reply(ctx, command(42, "/subscribe_user @")), "Give an author name")
	assert.Contains(t, c.Reply(ctx, command(42, "/subscribe (unclosed")), "Invalid keyword")
}

func TestUnsubscribe(t *testing.T) {
	c, svc, _ := newCommands(t)
	ctx := context.Background()

	_, err := svc.Subscribe(ctx, "linux-do", 42, notifier.KindKeyword, "docker")
	require.NoError(t, err)

	assert.Contains(t, c.Reply(ctx, command(42, "/unsubscribe DOCKER")), "Unsubscribed from keyword")
	assert.Contains(t, c.Reply(ctx, command(42, "/unsubscribe docker")), "not subscribed")
	assert.Contains(t, c.Reply(ctx, command(42, "/list")), "no keyword subscriptions")
}

func TestSubscribeAllCommands(t *testing.T) {
	c, svc, _ := newCommands(t)
	ctx := context.Background()

	assert.Contains(t, c.Reply(ctx, command(42, "/subscribe_all")), "every new post on Linux.do")
	assert.Contains(t, c.Reply(ctx, command(42, "/subscribe_all")), "already subscribed")
	assert.Contains(t, c.Reply(ctx, command(42, "/list")), "Subscribed to every new post")

	active, err := svc.Active(ctx, "linux-do")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, notifier.KindAll, active[0].Kind)

	assert.Contains(t, c.Reply(ctx, command(42, "/unsubscribe_all")), "no longer")
	assert.Contains(t, c.Reply(ctx, command(42, "/unsubscribe_all")), "not subscribed")
}

func TestStatsCommand(t *testing.T) {
	c, svc, _ := newCommands(t)
	ctx := context.Background()

	_, err := svc.Subscribe(ctx, "linux-do", 42, notifier.KindKeyword, "docker")
	require.NoError(t, err)

	reply := c.Reply(ctx, command(42, "/stats"))
	assert.Contains(t, reply, "Recipients: 1")
	assert.Contains(t, reply, "Keyword subscriptions: 1")
}

func TestUnknownInput(t *testing.T) {
	c, _, _ := newCommands(t)
	ctx := context.Background()

	assert.Contains(t, c.Reply(ctx, command(42, "/frobnicate")), "Unknown command")
	assert.Contains(t, c.Reply(ctx, command(42, "hello")), "Unrecognized message")
	assert.Contains(t, c.Reply(ctx, command(42, "/help")), "Up to 5 keywords and 5 authors")
	assert.Contains(t, c.Reply(ctx, command(42, "/start")), "Linux.do")
}

func TestRunRepliesToUpdates(t *testing.T) {
	c, _, sender := newCommands(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates := make(chan tgbotapi.Update, 3)
	updates <- tgbotapi.Update{Message: command(42, "/subscribe docker")}
	updates <- tgbotapi.Update{} // no message
	updates <- tgbotapi.Update{Message: command(7, "/help")}
	close(updates)

	done := make(chan struct{})
	go func() {
		c.Run(ctx, updates)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after the channel closed")
	}

	sender.mu.Lock()
	defer sender.mu.Unlock()
	require.Len(t, sender.sent, 2)
	assert.Equal(t, int64(42), sender.sent[0].ChatID)
	assert.Contains(t, sender.sent[0].Text, "docker")
	assert.Equal(t, int64(7), sender.sent[1].ChatID)
}

func TestReplyClearsUnreachableMark(t *testing.T) {
	ctx := context.Background()
	db, err := storage.OpenSQL(ctx, storage.DriverSQLite, filepath.Join(t.TempDir(), "bot.db"), discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	sender := &fakeSender{errs: []error{&tgbotapi.Error{Code: 403, Message: "Forbidden: bot was blocked by the user"}}}
	c := NewCommands(&notifier.Forum{ID: "linux-do", Name: "Linux.do"}, subscription.New(db, nil, discard()), sender, discard())
	c.opts = fastOptions

	require.NoError(t, db.MarkUnreachable(ctx, "linux-do", 7))

	c.handle(ctx, command(7, "/help"))
	blocked, err := db.IsUnreachable(ctx, "linux-do", 7)
	require.NoError(t, err)
	assert.True(t, blocked, "a failed reply proves nothing")

	c.handle(ctx, command(7, "/help"))
	blocked, err = db.IsUnreachable(ctx, "linux-do", 7)
	require.NoError(t, err)
	assert.False(t, blocked, "a delivered reply means the recipient unblocked the bot")
}
