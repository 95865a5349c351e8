// Package extract pulls readable text out of captured web pages and PDFs.
package extract

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/kalambet/flashbox/internal/failure"
)

const (
	// DefaultMaxChars caps stored clip text.
	DefaultMaxChars = 25000
	defaultTitle    = "No Title"
	maxBodyBytes    = 5 * 1024 * 1024
	userAgent       = "flashbox/1.0 (web clipper)"
)

// Article is the readable part of a web page.
type Article struct {
	Title string
	URL   string
	Text  string
}

// Clipper downloads pages and reduces them to title and body text.
type Clipper struct {
	client   *http.Client
	maxChars int
	logger   *slog.Logger
}

// NewClipper creates a Clipper. A nil client uses http.DefaultClient; the
// caller's context bounds each request.
func NewClipper(client *http.Client, maxChars int) *Clipper {
	if client == nil {
		client = http.DefaultClient
	}
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	return &Clipper{client: client, maxChars: maxChars, logger: slog.Default()}
}

// Clip fetches rawURL and extracts its article text.
func (c *Clipper) Clip(ctx context.Context, rawURL string) (Article, error) {
	const op = "web clip"
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Article{}, failure.Validation(op, fmt.Sprintf("not an http(s) url: %q", rawURL))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Article{}, failure.Validation(op, err.Error())
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := c.client.Do(req)
	if err != nil {
		return Article{}, failure.External(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Article{}, failure.External(op, fmt.Errorf("fetching %s: HTTP %d", u, resp.StatusCode))
	}

	a, err := ParseArticle(io.LimitReader(resp.Body, maxBodyBytes), c.maxChars)
	if err != nil {
		return Article{}, err
	}
	a.URL = u.String()
	c.logger.Debug("page clipped", "url", a.URL, "title", a.Title, "chars", utf8.RuneCountInString(a.Text))
	return a, nil
}

var contentSelectors = []string{"article", "main", "[role=main]", "#content", ".content", "body"}

const noiseSelector = "head, script, style, noscript, iframe, nav, header, footer, aside, form, svg, button"

// ParseArticle reads an HTML document and returns its title and readable
// text, truncated to maxChars characters.
func ParseArticle(r io.Reader, maxChars int) (Article, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return Article{}, failure.Wrap(failure.ErrExternal, "web clip", "parsing html", err)
	}

	title := pageTitle(doc)

	root := doc.Selection
	for _, sel := range contentSelectors {
		if s := doc.Find(sel).First(); s.Length() > 0 && strings.TrimSpace(s.Text()) != "" {
			root = s
			break
		}
	}
	root.Find(noiseSelector).Remove()

	var sb strings.Builder
	for _, n := range root.Nodes {
		writeText(&sb, n)
	}
	return Article{Title: title, Text: Truncate(normalizeText(sb.String()), maxChars)}, nil
}

func pageTitle(doc *goquery.Document) string {
	if v, ok := doc.Find(`meta[property="og:title"]`).Attr("content"); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	if t := strings.TrimSpace(doc.Find("title").First().Text()); t != "" {
		return t
	}
	if t := strings.TrimSpace(doc.Find("h1").First().Text()); t != "" {
		return t
	}
	return defaultTitle
}

var blockTags = map[string]bool{
	"p": true, "div": true, "section": true, "article": true, "blockquote": true, "pre": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"li": true, "tr": true, "br": true, "dd": true, "dt": true, "figcaption": true,
}

func writeText(sb *strings.Builder, n *html.Node) {
	switch n.Type {
	case html.TextNode:
		if t := strings.Join(strings.Fields(n.Data), " "); t != "" {
			sb.WriteString(t)
			sb.WriteByte(' ')
		}
		return
	case html.CommentNode:
		return
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		writeText(sb, c)
	}
	if n.Type == html.ElementNode && blockTags[n.Data] {
		sb.WriteByte('\n')
	}
}

// normalizeText trims every line and collapses runs of blank lines.
func normalizeText(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		l = strings.Join(strings.Fields(l), " ")
		if l == "" {
			continue
		}
		out = append(out, l)
	}
	return strings.Join(out, "\n")
}

// Truncate cuts s to at most limit characters.
func Truncate(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	return string([]rune(s)[:limit])
}
