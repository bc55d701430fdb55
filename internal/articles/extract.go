package articles

import (
	"strings"

	"golang.org/x/net/html"
)

// noiseTags are stripped before extraction so chrome never reaches markdown.
var noiseTags = map[string]bool{
	"script":   true,
	"style":    true,
	"nav":      true,
	"footer":   true,
	"aside":    true,
	"noscript": true,
}

// extractMainHTML returns the HTML of the most article-like region:
// the WeChat content container first, then <article>, then <body>.
func extractMainHTML(doc *html.Node) string {
	removeNoise(doc)
	if n := findByID(doc, "js_content"); n != nil {
		return innerHTML(n)
	}
	if n := findByTag(doc, "article"); n != nil {
		return innerHTML(n)
	}
	if n := findByTag(doc, "body"); n != nil {
		return innerHTML(n)
	}
	return ""
}

// extractTitle walks the usual suspects in priority order: the WeChat
// article header, Open Graph, meta title, <title>, first <h1>.
func extractTitle(doc *html.Node) string {
	if n := findByID(doc, "activity-name"); n != nil {
		if t := strings.TrimSpace(textContent(n)); t != "" {
			return t
		}
	}
	if t := strings.TrimSpace(metaContent(doc, "property", "og:title")); t != "" {
		return t
	}
	if t := strings.TrimSpace(metaContent(doc, "name", "title")); t != "" {
		return t
	}
	if n := findByTag(doc, "title"); n != nil {
		if t := strings.TrimSpace(textContent(n)); t != "" {
			return t
		}
	}
	if n := findByTag(doc, "h1"); n != nil {
		if t := strings.TrimSpace(textContent(n)); t != "" {
			return t
		}
	}
	return ""
}

func removeNoise(n *html.Node) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		if c.Type == html.ElementNode && noiseTags[c.Data] {
			n.RemoveChild(c)
		} else {
			removeNoise(c)
		}
		c = next
	}
}

func findByID(n *html.Node, id string) *html.Node {
	if n.Type == html.ElementNode {
		for _, a := range n.Attr {
			if a.Key == "id" && a.Val == id {
				return n
			}
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findByID(c, id); found != nil {
			return found
		}
	}
	return nil
}

func findByTag(n *html.Node, tag string) *html.Node {
	if n.Type == html.ElementNode && n.Data == tag {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findByTag(c, tag); found != nil {
			return found
		}
	}
	return nil
}

func metaContent(n *html.Node, attrKey, attrVal string) string {
	if n.Type == html.ElementNode && n.Data == "meta" {
		var match bool
		var content string
		for _, a := range n.Attr {
			if a.Key == attrKey && a.Val == attrVal {
				match = true
			}
			if a.Key == "content" {
				content = a.Val
			}
		}
		if match {
			return content
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if v := metaContent(c, attrKey, attrVal); v != "" {
			return v
		}
	}
	return ""
}

func textContent(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		b.WriteString(textContent(c))
	}
	return b.String()
}

func innerHTML(n *html.Node) string {
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		html.Render(&b, c)
	}
	return b.String()
}
