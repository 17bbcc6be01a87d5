// Package content builds generation prompts and turns generated markdown into
// publishable HTML carrying exactly one link to the order's target.
package content

import (
	"fmt"
	"strings"
)

// expansionFocus is cycled through on successive body expansions.
var expansionFocus = []string{
	"concrete examples and case studies",
	"practical step-by-step tips",
	"common mistakes and how to avoid them",
	"data, numbers and comparisons",
	"frequently asked questions",
}

// ExpansionFocus returns the focus of the n-th expansion, starting at 0.
func ExpansionFocus(n int) string {
	if n < 0 {
		n = 0
	}
	return expansionFocus[n%len(expansionFocus)]
}

// TitlePrompt asks for a single-line Korean blog title about topic.
func TitlePrompt(topic string) string {
	return fmt.Sprintf(`You write natural, engaging Korean blog titles.
Write one Korean blog title, at most 30 characters, related to the topic below.
Do not add quotes, hashtags, explanations or special characters. Output the title only.

Topic: %s`, topic)
}

// BodyPrompt asks for the opening body of an article, without a conclusion.
func BodyPrompt(title, topic string) string {
	return fmt.Sprintf(`You are an experienced Korean content writer.
Write the body of a detailed, useful blog post in Korean markdown.
Title: %s
Keyword: %s
Requirements:
- Korean only.
- Use ## section headings and ### subheadings, examples and tips.
- Do not write a conclusion or closing remarks.
- About 300 to 400 words.
Output the body only.`, title, topic)
}

// ExpandPrompt asks for a continuation of existing that adds new material
// with the given focus.
func ExpandPrompt(existing string, words int, focus string) string {
	return fmt.Sprintf(`The blog post below currently has about %d words.
Continue it in Korean markdown with new material focused on %s.
Requirements:
- Start every new major section with a ## heading.
- Do not repeat existing headings or content.
- Do not write a conclusion or summary.
- Korean only.

Existing post:
%s`, words, focus, existing)
}

// ConclusionPrompt asks for a short closing section.
func ConclusionPrompt(existing string) string {
	return fmt.Sprintf(`Write a conclusion for the blog post below in Korean markdown.
Start with a ## heading using one of 결론, 마무리 or 끝으로.
Summarise the key points in one or two paragraphs without further subheadings.

Existing post:
%s`, existing)
}

// ImagePrompt describes an illustration for the article.
func ImagePrompt(topic, title string) string {
	return fmt.Sprintf(`Keyword: %s
Article: %s
Create an image that captures the essence of the keyword in a clear and appealing way.
Use a simple, balanced composition with neutral tones and soft details.
The design must be universally acceptable and free of sensitive or controversial elements.`, topic, title)
}

// SafeImagePrompt is the image prompt used after a safety block.
func SafeImagePrompt(topic string) string {
	return fmt.Sprintf("A neutral, abstract, universally safe illustration representing the concept of '%s'. No people, no sensitive content.", topic)
}

// GenericTopic is the neutral phrasing a topic is rewritten to after a safety block.
func GenericTopic(topic string) string {
	return "general informational overview about " + topic
}

// SafeTextPrompt rewrites a blocked body prompt into a generic request about topic.
func SafeTextPrompt(topic string) string {
	return fmt.Sprintf(`Write a %s in Korean markdown.
Keep the tone neutral and factual. Use ## section headings.`, GenericTopic(topic))
}

// CleanTitle strips quotes and markdown from a generated title and keeps its first line.
func CleanTitle(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	s = strings.NewReplacer(`"`, "", "'", "", "#", "", "*", "", "“", "", "”", "").Replace(s)
	return strings.TrimSpace(s)
}

// WordCount counts whitespace-separated words.
func WordCount(s string) int {
	return len(strings.Fields(s))
}
