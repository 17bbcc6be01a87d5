package content

import (
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

var (
	mdLink   = regexp.MustCompile(`\[([^\]]+)\]\((https?://[^)\s]+)\)`)
	mdBold   = regexp.MustCompile(`\*\*([^*]+)\*\*`)
	mdItalic = regexp.MustCompile(`\*([^*]+)\*`)
)

// MarkdownToHTML converts the markdown subset produced by the generator:
// # to ###### headings, bullet lists, links, bold, italics and paragraphs.
// Code fences and backticks are dropped. Text is HTML-escaped.
func MarkdownToHTML(md string) string {
	md = strings.ReplaceAll(md, "\r\n", "\n")

	var (
		out  []string
		para []string
		list []string
	)
	flushPara := func() {
		if len(para) > 0 {
			out = append(out, "<p>"+strings.Join(para, "<br>")+"</p>")
			para = nil
		}
	}
	flushList := func() {
		if len(list) > 0 {
			out = append(out, "<ul>"+strings.Join(list, "")+"</ul>")
			list = nil
		}
	}

	for _, raw := range strings.Split(md, "\n") {
		line := strings.TrimSpace(raw)
		if strings.HasPrefix(line, "```") {
			continue
		}
		if level, text := headingLevel(line); level > 0 {
			flushPara()
			flushList()
			out = append(out, fmt.Sprintf("<h%d>%s</h%d>", level, inline(text), level))
			continue
		}
		switch {
		case line == "":
			flushPara()
			flushList()
		case strings.HasPrefix(line, "- "), strings.HasPrefix(line, "* "):
			flushPara()
			list = append(list, "<li>"+inline(line[2:])+"</li>")
		default:
			flushList()
			para = append(para, inline(line))
		}
	}
	flushPara()
	flushList()
	return strings.Join(out, "\n")
}

func headingLevel(line string) (int, string) {
	n := 0
	for n < len(line) && n < 6 && line[n] == '#' {
		n++
	}
	if n == 0 || n >= len(line) || line[n] != ' ' {
		return 0, ""
	}
	return n, strings.TrimSpace(line[n+1:])
}

func inline(s string) string {
	s = html.EscapeString(strings.ReplaceAll(s, "`", ""))
	s = mdLink.ReplaceAllString(s, `<a href="$2">$1</a>`)
	s = mdBold.ReplaceAllString(s, "<strong>$1</strong>")
	return mdItalic.ReplaceAllString(s, "<em>$1</em>")
}
