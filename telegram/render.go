package telegram

import (
	"fmt"
	"forumwatch/pkg/notifier"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

func escape(s string) string {
	return tgbotapi.EscapeText(tgbotapi.ModeHTML, s)
}

// RenderNotification formats a delivery as a Telegram HTML message.
func RenderNotification(d *notifier.Delivery) string {
	var b strings.Builder
	name := d.Post.ForumID
	if d.Forum != nil && d.Forum.Name != "" {
		name = d.Forum.Name
	}

	switch d.Subscription.Kind {
	case notifier.KindAll:
		fmt.Fprintf(&b, "📢 <b>New post on %s</b>\n\n", escape(name))
	case notifier.KindAuthor:
		fmt.Fprintf(&b, "🔔 <b>New post on %s</b>\n\n", escape(name))
		fmt.Fprintf(&b, "👤 <b>Author</b>: %s\n\n", escape(d.Trigger))
	default:
		fmt.Fprintf(&b, "🔔 <b>New post on %s</b>\n\n", escape(name))
		fmt.Fprintf(&b, "📌 <b>Keyword</b>: <code>%s</code>\n\n", escape(d.Trigger))
	}

	b.WriteString("📝 <b>Title</b>\n")
	b.WriteString(escape(d.Post.Title))
	b.WriteString("\n")
	if d.Post.Author != "" && d.Subscription.Kind != notifier.KindAuthor {
		fmt.Fprintf(&b, "by %s\n", escape(d.Post.Author))
	}
	fmt.Fprintf(&b, "\n🔗 <a href=\"%s\">Open post →</a>", escape(d.Post.URL))
	return b.String()
}

// RenderAlert formats a degradation event for the operator.
func RenderAlert(ev *notifier.DegradationEvent) string {
	name := ev.ForumName
	if name == "" {
		name = ev.ForumID
	}
	return fmt.Sprintf("🚨 <b>Source degraded</b>\n\n"+
		"Forum: <b>%s</b> (<code>%s</code>)\n"+
		"Switched from <code>%s</code> to <code>%s</code> after %d consecutive authentication failures.\n"+
		"Time: %s\n\n"+
		"Replace the forum credential in the configuration to restore the API source.",
		escape(name), escape(ev.ForumID), ev.PreviousMode, ev.NewMode, ev.Failures,
		ev.At.UTC().Format("2006-01-02 15:04:05 MST"))
}
