package scraper

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"regexp"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/JohannesKaufmann/html-to-markdown/plugin"
	"github.com/PuerkitoBio/goquery"

	"psp.com/tutorhub/internal/safefetch"
)

// ErrNoContent means the page had no readable text.
var ErrNoContent = errors.New("no readable content")

// Page is the readable content of a fetched page.
type Page struct {
	URL      string   `json:"url"`
	Title    string   `json:"title"`
	Text     string   `json:"content"`
	Markdown string   `json:"markdown"`
	Facts    []string `json:"-"`
}

var (
	mainSelectors = []string{"main", "article", "[role=main]"}
	blockSelector = "h1, h2, h3, h4, h5, h6, p, li, pre, blockquote, td, dt, dd"
	noiseSelector = "script, style, noscript, template, nav, header, footer, aside, form, " +
		"iframe, object, embed, button, input, select, svg"
	noiseClasses = []string{
		"nav", "navbar", "navigation", "sidebar", "menu", "toc",
		"table-of-contents", "footer", "header", "ad", "advertisement",
		"social", "share", "comments", "related", "breadcrumb", "cookie-banner",
	}
	excessiveLinesRe = regexp.MustCompile(`\n{4,}`)
)

var converter = func() *md.Converter {
	c := md.NewConverter("", true, nil)
	c.Use(plugin.GitHubFlavored())
	return c
}()

// Extract pulls the readable content out of an HTML document.
func Extract(html, pageURL string) (*Page, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	title := normalize(doc.Find("title").First().Text())
	if title == "" {
		title = normalize(doc.Find("h1").First().Text())
	}

	content := mainContent(doc)
	content.Find(noiseSelector).Remove()
	for _, class := range noiseClasses {
		content.Find("." + class).Remove()
	}

	var lines []string
	content.Find(blockSelector).Each(func(_ int, s *goquery.Selection) {
		// innermost blocks only, so nested lists are not repeated
		if s.Find(blockSelector).Length() > 0 {
			return
		}
		if text := normalize(s.Text()); text != "" {
			lines = append(lines, text)
		}
	})
	if len(lines) == 0 {
		if text := normalize(content.Text()); text != "" {
			lines = append(lines, text)
		}
	}

	var facts []string
	content.Find("ul li, ol li").Each(func(_ int, li *goquery.Selection) {
		text := normalize(li.Text())
		if len(text) > 0 && len(text) < 260 { // skip ultra-long lines
			facts = append(facts, text)
		}
	})

	inner, err := goquery.OuterHtml(content)
	if err != nil {
		return nil, fmt.Errorf("render content: %w", err)
	}
	markdown, err := converter.ConvertString(inner)
	if err != nil {
		return nil, fmt.Errorf("convert markdown: %w", err)
	}

	page := &Page{
		URL:      pageURL,
		Title:    title,
		Text:     strings.Join(lines, "\n"),
		Markdown: cleanMarkdown(markdown),
		Facts:    facts,
	}
	if page.Text == "" {
		return page, ErrNoContent
	}
	return page, nil
}

func mainContent(doc *goquery.Document) *goquery.Selection {
	for _, sel := range mainSelectors {
		if s := doc.Find(sel).First(); s.Length() > 0 {
			return s
		}
	}
	if body := doc.Find("body"); body.Length() > 0 {
		return body
	}
	return doc.Selection
}

func normalize(s string) string { return strings.Join(strings.Fields(s), " ") }

func cleanMarkdown(content string) string {
	content = excessiveLinesRe.ReplaceAllString(content, "\n\n\n")
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// Fetcher is the subset of safefetch.Fetcher the scraper needs.
type Fetcher interface {
	Get(ctx context.Context, rawURL string) (*safefetch.Result, error)
}

// Scraper fetches pages through the guarded fetcher and extracts their text.
type Scraper struct {
	fetcher Fetcher
}

func New(f Fetcher) *Scraper { return &Scraper{fetcher: f} }

// Scrape fetches rawURL and extracts it. Fetch failures are returned as-is so
// callers can inspect the *safefetch.Error.
func (s *Scraper) Scrape(ctx context.Context, rawURL string) (*Page, error) {
	res, err := s.fetcher.Get(ctx, rawURL)
	if err != nil {
		return nil, err
	}

	mediaType, _, _ := mime.ParseMediaType(res.ContentType)
	if mediaType == "text/plain" {
		text := strings.TrimSpace(res.Body)
		if text == "" {
			return nil, ErrNoContent
		}
		return &Page{URL: res.URL, Text: text, Markdown: text, Facts: nonEmptyLines(text)}, nil
	}

	page, err := Extract(res.Body, res.URL)
	if err != nil {
		return nil, err
	}
	return page, nil
}

func nonEmptyLines(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		if line = normalize(line); line != "" && len(line) < 260 {
			out = append(out, line)
		}
	}
	return out
}
