package email

import (
	"fmt"
	"forumwatch/pkg/notifier"
	"html"
	"strings"
)

func alertSubject(ev *notifier.DegradationEvent) string {
	return fmt.Sprintf("[forumwatch] %s degraded to public feed", forumName(ev))
}

func forumName(ev *notifier.DegradationEvent) string {
	if ev.ForumName != "" {
		return ev.ForumName
	}
	return ev.ForumID
}

func formatAlertBody(ev *notifier.DegradationEvent) string {
	var b strings.Builder

	b.WriteString("<!DOCTYPE html>\n<html lang=\"en\">\n<head>\n")
	b.WriteString("<meta charset=\"utf-8\">\n")
	b.WriteString("<style>\n")
	b.WriteString("body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 640px; margin: 0 auto; padding: 20px; }\n")
	b.WriteString("h1 { font-size: 1.3em; color: #c0392b; }\n")
	b.WriteString("table { border-collapse: collapse; margin: 15px 0; }\n")
	b.WriteString("td { padding: 4px 12px 4px 0; vertical-align: top; }\n")
	b.WriteString("td.label { color: #7f8c8d; }\n")
	b.WriteString("code { background: #f4f4f4; padding: 1px 4px; border-radius: 3px; }\n")
	b.WriteString(".footer { margin-top: 30px; font-size: 0.9em; color: #7f8c8d; }\n")
	b.WriteString("</style>\n</head>\n<body>\n")

	b.WriteString(fmt.Sprintf("<h1>&#x1F6A8; %s switched to its public feed</h1>\n", escapeHTML(forumName(ev))))
	b.WriteString("<table>\n")
	b.WriteString(fmt.Sprintf("<tr><td class=\"label\">Forum</td><td>%s (<code>%s</code>)</td></tr>\n",
		escapeHTML(forumName(ev)), escapeHTML(ev.ForumID)))
	b.WriteString(fmt.Sprintf("<tr><td class=\"label\">Mode</td><td><code>%s</code> &rarr; <code>%s</code></td></tr>\n",
		escapeHTML(string(ev.PreviousMode)), escapeHTML(string(ev.NewMode))))
	b.WriteString(fmt.Sprintf("<tr><td class=\"label\">Failures</td><td>%d consecutive authentication failures</td></tr>\n", ev.Failures))
	b.WriteString(fmt.Sprintf("<tr><td class=\"label\">Time</td><td>%s UTC</td></tr>\n",
		ev.At.UTC().Format("Jan 2, 2006 at 3:04 PM")))
	b.WriteString("</table>\n")

	b.WriteString("<p>Notifications continue from the public feed. Replace the forum credential in the configuration file ")
	b.WriteString("and the authenticated source is restored on the next cycle.</p>\n")
	b.WriteString("<div class=\"footer\">Sent once per degradation.</div>\n")
	b.WriteString("</body>\n</html>\n")
	return b.String()
}

func escapeHTML(s string) string {
	return html.EscapeString(s)
}
