// Package search is the optional research collaborator used to enrich
// topic prompts. It never fails: errors degrade to no results.
package search

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/Martian-dev/newsletter-threader/internal/logging"
)

const defaultEndpoint = "https://html.duckduckgo.com/html/"

// Result is one search hit.
type Result struct {
	Title   string
	Snippet string
	URL     string
}

// DuckDuckGo queries the DuckDuckGo HTML endpoint, which needs no API key.
type DuckDuckGo struct {
	endpoint string
	client   *http.Client
	log      *zap.Logger
}

func NewDuckDuckGo(log *zap.Logger) *DuckDuckGo {
	return &DuckDuckGo{
		endpoint: defaultEndpoint,
		client:   &http.Client{Timeout: 30 * time.Second},
		log:      logging.Named(log, "search"),
	}
}

// Search returns up to maxResults hits for query, or nil on any failure.
func (d *DuckDuckGo) Search(ctx context.Context, query string, maxResults int) []Result {
	results, err := d.search(ctx, query, maxResults)
	if err != nil {
		d.log.Warn("search failed", zap.String("query", query), zap.Error(err))
		return nil
	}
	d.log.Debug("search complete", zap.String("query", query), zap.Int("results", len(results)))
	return results
}

func (d *DuckDuckGo) search(ctx context.Context, query string, maxResults int) ([]Result, error) {
	if maxResults <= 0 {
		return nil, nil
	}

	u := d.endpoint + "?q=" + url.QueryEscape(query)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36")
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bad status %d", resp.StatusCode)
	}

	doc, err := html.Parse(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return parseResults(doc, maxResults), nil
}

// parseResults walks the result divs of a DuckDuckGo HTML page.
func parseResults(doc *html.Node, maxResults int) []Result {
	var results []Result

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if len(results) >= maxResults {
			return
		}
		if n.Type == html.ElementNode && n.Data == "div" && hasClass(n, "result") && !hasClass(n, "result--ad") {
			if r := extractResult(n); r.URL != "" && r.Title != "" {
				results = append(results, r)
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	return results
}

func extractResult(n *html.Node) Result {
	var r Result

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			switch {
			case hasClass(n, "result__a"):
				r.URL = attr(n, "href")
				r.Title = text(n)
			case hasClass(n, "result__snippet"):
				r.Snippet = text(n)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)

	r.URL = unwrapRedirect(r.URL)
	return r
}

// unwrapRedirect turns //duckduckgo.com/l/?uddg=<target> into <target>.
func unwrapRedirect(raw string) string {
	if !strings.Contains(raw, "duckduckgo.com/l/") {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	if target := u.Query().Get("uddg"); target != "" {
		return target
	}
	return raw
}

func hasClass(n *html.Node, class string) bool {
	for _, f := range strings.Fields(attr(n, "class")) {
		if f == class {
			return true
		}
	}
	return false
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func text(n *html.Node) string {
	var parts []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			if s := strings.TrimSpace(n.Data); s != "" {
				parts = append(parts, s)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.Join(parts, " ")
}
