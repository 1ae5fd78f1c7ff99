package telegram

import (
	"context"
	"errors"
	"fmt"
	"forumwatch/pkg/notifier"
	"forumwatch/subscription"
	"log/slog"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Subscriptions is the subscription surface the commands drive.
type Subscriptions interface {
	Subscribe(ctx context.Context, forumID string, recipient int64, kind notifier.Kind, pattern string) (*notifier.Subscription, error)
	Unsubscribe(ctx context.Context, forumID string, recipient int64, kind notifier.Kind, pattern string) error
	SubscribeAll(ctx context.Context, forumID string, recipient int64) error
	UnsubscribeAll(ctx context.Context, forumID string, recipient int64) error
	List(ctx context.Context, forumID string, recipient int64) ([]*notifier.Subscription, error)
	KeywordStats(ctx context.Context, forumID string) ([]notifier.PatternCount, error)
	Stats(ctx context.Context) (*notifier.Stats, error)
	Reachable(ctx context.Context, forumID string, recipient int64) error
}

// CommandMenu is the command list published to Telegram clients.
func CommandMenu() tgbotapi.SetMyCommandsConfig {
	return tgbotapi.NewSetMyCommands(
		tgbotapi.BotCommand{Command: "subscribe", Description: "Subscribe to a keyword"},
		tgbotapi.BotCommand{Command: "unsubscribe", Description: "Remove a keyword"},
		tgbotapi.BotCommand{Command: "list", Description: "List my subscriptions"},
		tgbotapi.BotCommand{Command: "subscribe_user", Description: "Follow an author"},
		tgbotapi.BotCommand{Command: "unsubscribe_user", Description: "Stop following an author"},
		tgbotapi.BotCommand{Command: "list_users", Description: "List followed authors"},
		tgbotapi.BotCommand{Command: "subscribe_all", Description: "Get every new post"},
		tgbotapi.BotCommand{Command: "unsubscribe_all", Description: "Stop getting every post"},
		tgbotapi.BotCommand{Command: "stats", Description: "Usage statistics"},
		tgbotapi.BotCommand{Command: "help", Description: "Help"},
	)
}

// Commands answers the subscription commands sent to one forum's bot.
type Commands struct {
	forumID   string
	forumName string
	subs      Subscriptions
	sender    Sender
	logger    *slog.Logger
	opts      Options
}

// NewCommands creates the command handler for forum.
func NewCommands(forum *notifier.Forum, subs Subscriptions, sender Sender, logger *slog.Logger) *Commands {
	name := forum.Name
	if name == "" {
		name = forum.ID
	}
	return &Commands{
		forumID:   forum.ID,
		forumName: name,
		subs:      subs,
		sender:    sender,
		logger:    logger.With("forum", forum.ID),
		opts:      DefaultOptions,
	}
}

// Run answers updates until ctx is done or the channel closes.
func (c *Commands) Run(ctx context.Context, updates tgbotapi.UpdatesChannel) {
	c.logger.Info("Listening for bot commands")
	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			if update.Message == nil || update.Message.Chat == nil {
				continue
			}
			c.handle(ctx, update.Message)
		}
	}
}

func (c *Commands) handle(ctx context.Context, msg *tgbotapi.Message) {
	text := c.Reply(ctx, msg)
	reply := tgbotapi.NewMessage(msg.Chat.ID, text)
	reply.DisableWebPagePreview = true
	if err := send(ctx, c.sender, reply, c.opts, c.logger); err != nil {
		c.logger.Warn("Failed to send command reply", "chat_id", msg.Chat.ID, "error", err)
		return
	}
	// The reply went through, so notifications will too.
	if err := c.subs.Reachable(ctx, c.forumID, msg.Chat.ID); err != nil {
		c.logger.Warn("Failed to clear unreachable mark", "chat_id", msg.Chat.ID, "error", err)
	}
}

// Reply computes the answer to one message.
func (c *Commands) Reply(ctx context.Context, msg *tgbotapi.Message) string {
	if !msg.IsCommand() {
		return "❓ Unrecognized message.\n\nSend /help for the list of commands."
	}
	chatID := msg.Chat.ID
	args := strings.TrimSpace(msg.CommandArguments())

	c.logger.Debug("Bot command", "chat_id", chatID, "command", msg.Command())

	switch msg.Command() {
	case "start":
		return c.welcome()
	case "help":
		return c.help()
	case "subscribe":
		return c.subscribe(ctx, chatID, notifier.KindKeyword, args)
	case "unsubscribe":
		return c.unsubscribe(ctx, chatID, notifier.KindKeyword, args)
	case "subscribe_user":
		return c.subscribe(ctx, chatID, notifier.KindAuthor, args)
	case "unsubscribe_user":
		return c.unsubscribe(ctx, chatID, notifier.KindAuthor, args)
	case "list":
		return c.list(ctx, chatID, notifier.KindKeyword)
	case "list_users":
		return c.list(ctx, chatID, notifier.KindAuthor)
	case "subscribe_all":
		return c.subscribeAll(ctx, chatID)
	case "unsubscribe_all":
		return c.unsubscribeAll(ctx, chatID)
	case "stats":
		return c.stats(ctx)
	default:
		return "❌ Unknown command.\n\nSend /help for the list of commands."
	}
}

func (c *Commands) welcome() string {
	return fmt.Sprintf("👋 Welcome! This bot watches %s for new posts.\n\n"+
		"/subscribe <keyword> - notify me about matching titles\n"+
		"/subscribe_user <name> - notify me about an author's posts\n"+
		"/subscribe_all - notify me about every post\n"+
		"/list - show my subscriptions\n"+
		"/help - all commands", c.forumName)
}

func (c *Commands) help() string {
	return fmt.Sprintf("📖 Help\n\n"+
		"This bot watches %s and notifies you when a new post matches.\n\n"+
		"📝 Keywords (case-insensitive, regular expressions allowed):\n"+
		"/subscribe <keyword>\n"+
		"/unsubscribe <keyword>\n"+
		"/list\n\n"+
		"👤 Authors:\n"+
		"/subscribe_user <name>\n"+
		"/unsubscribe_user <name>\n"+
		"/list_users\n\n"+
		"🌟 Everything:\n"+
		"/subscribe_all\n"+
		"/unsubscribe_all\n\n"+
		"📊 /stats\n\n"+
		"⚠️ Up to %d keywords and %d authors per person.\n\n"+
		"💡 Examples:\n/subscribe docker\n/subscribe_user neo",
		c.forumName, subscription.MaxKeywords, subscription.MaxAuthors)
}

func noun(kind notifier.Kind) string {
	if kind == notifier.KindAuthor {
		return "author"
	}
	return "keyword"
}

func usage(kind notifier.Kind, verb string) string {
	if kind == notifier.KindAuthor {
		return fmt.Sprintf("❌ Give an author name, for example: /%s_user neo", verb)
	}
	return fmt.Sprintf("❌ Give a keyword, for example: /%s docker", verb)
}

func (c *Commands) subscribe(ctx context.Context, chatID int64, kind notifier.Kind, args string) string {
	if strings.TrimPrefix(args, "@") == "" {
		return usage(kind, "subscribe")
	}
	sub, err := c.subs.Subscribe(ctx, c.forumID, chatID, kind, args)
	switch {
	case err == nil:
		return fmt.Sprintf("✅ Subscribed to %s: %s", noun(kind), sub.Pattern)
	case errors.Is(err, subscription.ErrAlreadySubscribed):
		return fmt.Sprintf("⚠️ You are already subscribed to %s: %s", noun(kind), args)
	case errors.Is(err, subscription.ErrLimitReached):
		limit := subscription.MaxKeywords
		if kind == notifier.KindAuthor {
			limit = subscription.MaxAuthors
		}
		return fmt.Sprintf("❌ You have reached the limit of %d %ss.\n\nRemove one with /un%s first.",
			limit, noun(kind), commandFor(kind, "subscribe"))
	}
	var verrs validation.Errors
	if errors.As(err, &verrs) {
		return fmt.Sprintf("❌ Invalid %s: %v", noun(kind), err)
	}
	c.logger.Error("Subscribe failed", "chat_id", chatID, "kind", kind, "error", err)
	return "❌ Something went wrong, please try again later."
}

func commandFor(kind notifier.Kind, verb string) string {
	if kind == notifier.KindAuthor {
		return verb + "_user"
	}
	return verb
}

func (c *Commands) unsubscribe(ctx context.Context, chatID int64, kind notifier.Kind, args string) string {
	if strings.TrimPrefix(args, "@") == "" {
		return usage(kind, "unsubscribe")
	}
	err := c.subs.Unsubscribe(ctx, c.forumID, chatID, kind, args)
	switch {
	case err == nil:
		return fmt.Sprintf("✅ Unsubscribed from %s: %s", noun(kind), strings.TrimPrefix(args, "@"))
	case errors.Is(err, subscription.ErrNotSubscribed):
		return fmt.Sprintf("⚠️ You are not subscribed to %s: %s", noun(kind), strings.TrimPrefix(args, "@"))
	}
	c.logger.Error("Unsubscribe failed", "chat_id", chatID, "kind", kind, "error", err)
	return "❌ Something went wrong, please try again later."
}

func (c *Commands) list(ctx context.Context, chatID int64, kind notifier.Kind) string {
	subs, err := c.subs.List(ctx, c.forumID, chatID)
	if err != nil {
		c.logger.Error("List failed", "chat_id", chatID, "error", err)
		return "❌ Something went wrong, please try again later."
	}

	limit := subscription.MaxKeywords
	if kind == notifier.KindAuthor {
		limit = subscription.MaxAuthors
	}

	var all bool
	var patterns []string
	for _, sub := range subs {
		if !sub.Active {
			continue
		}
		switch sub.Kind {
		case notifier.KindAll:
			all = true
		case kind:
			patterns = append(patterns, sub.Pattern)
		}
	}

	var sections []string
	if all && kind == notifier.KindKeyword {
		sections = append(sections, "🌟 Subscribed to every new post")
	}
	if len(patterns) > 0 {
		var b strings.Builder
		fmt.Fprintf(&b, "📋 %ss (%d/%d):\n", strings.ToUpper(noun(kind)[:1])+noun(kind)[1:], len(patterns), limit)
		for _, p := range patterns {
			fmt.Fprintf(&b, "  • %s\n", p)
		}
		fmt.Fprintf(&b, "📊 Remaining: %d", limit-len(patterns))
		sections = append(sections, b.String())
	}
	if len(sections) == 0 {
		return fmt.Sprintf("📭 You have no %s subscriptions.\n\nUse /%s to add one (up to %d).",
			noun(kind), commandFor(kind, "subscribe"), limit)
	}
	return strings.Join(sections, "\n\n")
}

func (c *Commands) subscribeAll(ctx context.Context, chatID int64) string {
	err := c.subs.SubscribeAll(ctx, c.forumID, chatID)
	switch {
	case err == nil:
		return fmt.Sprintf("✅ You will be notified about every new post on %s.\n\nUse /unsubscribe_all to stop.", c.forumName)
	case errors.Is(err, subscription.ErrAlreadySubscribed):
		return "⚠️ You are already subscribed to every new post."
	}
	c.logger.Error("Subscribe all failed", "chat_id", chatID, "error", err)
	return "❌ Something went wrong, please try again later."
}

func (c *Commands) unsubscribeAll(ctx context.Context, chatID int64) string {
	err := c.subs.UnsubscribeAll(ctx, c.forumID, chatID)
	switch {
	case err == nil:
		return "✅ You will no longer be notified about every new post."
	case errors.Is(err, subscription.ErrNotSubscribed):
		return "⚠️ You are not subscribed to every new post."
	}
	c.logger.Error("Unsubscribe all failed", "chat_id", chatID, "error", err)
	return "❌ Something went wrong, please try again later."
}

const statsTop = 10

func (c *Commands) stats(ctx context.Context) string {
	stats, err := c.subs.Stats(ctx)
	if err != nil {
		c.logger.Error("Stats failed", "error", err)
		return "❌ Something went wrong, please try again later."
	}
	counts, err := c.subs.KeywordStats(ctx, c.forumID)
	if err != nil {
		c.logger.Error("Keyword stats failed", "error", err)
		return "❌ Something went wrong, please try again later."
	}

	var b strings.Builder
	b.WriteString("📊 Statistics\n\n")
	fmt.Fprintf(&b, "👥 Recipients: %d\n", stats.Recipients)
	fmt.Fprintf(&b, "🔑 Keyword subscriptions: %d\n", stats.Keywords)
	fmt.Fprintf(&b, "👤 Author subscriptions: %d\n", stats.Authors)
	fmt.Fprintf(&b, "🌟 Subscribed to everything: %d\n", stats.SubscribeAll)
	fmt.Fprintf(&b, "📰 Posts processed: %d\n", stats.PostsSeen)
	fmt.Fprintf(&b, "📤 Notifications sent: %d", stats.Notifications)

	var top []notifier.PatternCount
	for _, pc := range counts {
		if pc.Kind == notifier.KindKeyword {
			top = append(top, pc)
		}
		if len(top) == statsTop {
			break
		}
	}
	if len(top) > 0 {
		fmt.Fprintf(&b, "\n\n🔥 Top keywords on %s:\n", c.forumName)
		for i, pc := range top {
			fmt.Fprintf(&b, "%d. %s (%d)\n", i+1, pc.Pattern, pc.Count)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
