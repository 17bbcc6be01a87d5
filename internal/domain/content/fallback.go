package content

import (
	"strings"

	"golang.org/x/net/html"
)

// FallbackTitle is used when title generation fails.
func FallbackTitle(topic string) string {
	return topic + "에 대한 완벽 가이드"
}

// FallbackBody is the templated article published when generation fails or a
// provider rejected the generated one. It already carries the target link.
func FallbackBody(title, topic, targetURL string) string {
	t, k, u := html.EscapeString(title), html.EscapeString(topic), html.EscapeString(targetURL)
	var b strings.Builder
	b.WriteString("<h1>" + t + "</h1>\n")
	b.WriteString("<p>" + k + "에 대해 알아보겠습니다.</p>\n")
	b.WriteString(`<p><a href="` + u + `">` + k + "</a>는 매우 중요한 주제입니다.</p>")
	return b.String()
}

// Tags returns the post tags for topic.
func Tags(topic string) []string {
	tags := make([]string, 0, 3)
	if t := strings.TrimSpace(topic); t != "" {
		tags = append(tags, t)
	}
	return append(tags, "백링크", "SEO")
}
