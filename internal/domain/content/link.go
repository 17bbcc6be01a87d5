package content

import (
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// InsertLink makes body carry exactly one link to target, outside headings.
// Links to target inside headings and every body link after the first are
// unwrapped to plain text. When no body link remains, the first occurrence of
// keyword in text outside headings and existing anchors is wrapped in an
// anchor, or a closing paragraph with the link is appended. A body that
// already has exactly one such link is returned unchanged.
func InsertLink(body, keyword, target string) string {
	keyword = strings.TrimSpace(keyword)
	if target == "" {
		return body
	}
	if keyword == "" {
		keyword = target
	}

	ctxNode := &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
	nodes, err := html.ParseFragment(strings.NewReader(body), ctxNode)
	if err != nil {
		return body + closingLink(keyword, target)
	}
	root := &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
	for _, n := range nodes {
		root.AppendChild(n)
	}

	var kept bool
	if unwrapExtraLinks(root, strings.TrimSuffix(target, "/"), false, &kept) == 0 && kept {
		return body
	}
	if kept {
		return render(root, body, keyword, target)
	}

	match := regexp.MustCompile(`(?i)` + regexp.QuoteMeta(keyword))
	if !wrapFirst(root, match, target) {
		root.AppendChild(linkParagraph(keyword, target))
	}

	return render(root, body, keyword, target)
}

func render(root *html.Node, body, keyword, target string) string {
	var b strings.Builder
	for c := root.FirstChild; c != nil; c = c.NextSibling {
		if err := html.Render(&b, c); err != nil {
			return body + closingLink(keyword, target)
		}
	}
	return b.String()
}

// unwrapExtraLinks keeps the first anchor to want found outside a heading and
// replaces every other anchor to want with its children. It returns the
// number of anchors unwrapped.
func unwrapExtraLinks(n *html.Node, want string, inHeading bool, kept *bool) int {
	removed := 0
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		switch {
		case c.Type == html.ElementNode && c.DataAtom == atom.A && hrefIs(c, want):
			if !inHeading && !*kept {
				*kept = true
				break
			}
			for gc := c.FirstChild; gc != nil; {
				gcNext := gc.NextSibling
				c.RemoveChild(gc)
				n.InsertBefore(gc, c)
				gc = gcNext
			}
			n.RemoveChild(c)
			removed++
		case c.Type == html.ElementNode:
			removed += unwrapExtraLinks(c, want, inHeading || isHeading(c.DataAtom), kept)
		}
		c = next
	}
	return removed
}

func hrefIs(a *html.Node, want string) bool {
	for _, attr := range a.Attr {
		if attr.Key == "href" && strings.TrimSuffix(strings.TrimSpace(attr.Val), "/") == want {
			return true
		}
	}
	return false
}

func isHeading(a atom.Atom) bool {
	switch a {
	case atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
		return true
	}
	return false
}

// wrapFirst splits the first eligible text node around the match.
func wrapFirst(root *html.Node, match *regexp.Regexp, target string) bool {
	done := false
	walk(root, func(n *html.Node) bool {
		if done {
			return false
		}
		if n.Type == html.ElementNode && skipsLinking(n.DataAtom) {
			return false
		}
		if n.Type != html.TextNode {
			return true
		}
		loc := match.FindStringIndex(n.Data)
		if loc == nil {
			return true
		}
		before, hit, after := n.Data[:loc[0]], n.Data[loc[0]:loc[1]], n.Data[loc[1]:]
		parent := n.Parent
		if before != "" {
			parent.InsertBefore(&html.Node{Type: html.TextNode, Data: before}, n)
		}
		parent.InsertBefore(anchor(hit, target), n)
		if after != "" {
			parent.InsertBefore(&html.Node{Type: html.TextNode, Data: after}, n)
		}
		parent.RemoveChild(n)
		done = true
		return false
	})
	return done
}

func skipsLinking(a atom.Atom) bool {
	switch a {
	case atom.A, atom.Script, atom.Style, atom.Title:
		return true
	}
	return isHeading(a)
}

// walk visits nodes depth first; fn returning false skips the node's children.
func walk(n *html.Node, fn func(*html.Node) bool) {
	if !fn(n) {
		return
	}
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		walk(c, fn)
		c = next
	}
}

func anchor(text, target string) *html.Node {
	a := &html.Node{
		Type:     html.ElementNode,
		Data:     "a",
		DataAtom: atom.A,
		Attr:     []html.Attribute{{Key: "href", Val: target}},
	}
	a.AppendChild(&html.Node{Type: html.TextNode, Data: text})
	return a
}

func linkParagraph(keyword, target string) *html.Node {
	p := &html.Node{Type: html.ElementNode, Data: "p", DataAtom: atom.P}
	p.AppendChild(anchor(keyword, target))
	return p
}

func closingLink(keyword, target string) string {
	return `<p><a href="` + html.EscapeString(target) + `">` + html.EscapeString(keyword) + "</a></p>"
}
