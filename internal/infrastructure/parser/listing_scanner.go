package parser

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"StoryRadar/internal/domain"
	"StoryRadar/internal/scanner"
)

// Option keys recognized in a site's scanner options.
const (
	optItemSelector  = "itemSelector"
	optTitleSelector = "titleSelector"
	optLinkSelector  = "linkSelector"
	optLeadSelector  = "leadSelector"
	optDateSelector  = "dateSelector"
	optDateAttr      = "dateAttr"
	optDateFormat    = "dateFormat"
	optMaxPages      = "maxPages"
)

type selectors struct {
	item       string
	title      string
	link       string
	lead       string
	date       string
	dateAttr   string
	dateFormat string
	maxPages   int
}

func selectorsFrom(options map[string]string) selectors {
	sel := selectors{
		item:       "article",
		title:      ".headline",
		link:       "a",
		lead:       ".lead",
		date:       "time",
		dateAttr:   "datetime",
		dateFormat: time.RFC3339,
		maxPages:   5,
	}
	get := func(key, fallback string) string {
		if v, ok := options[key]; ok && v != "" {
			return v
		}
		return fallback
	}
	sel.item = get(optItemSelector, sel.item)
	sel.title = get(optTitleSelector, sel.title)
	sel.link = get(optLinkSelector, sel.link)
	sel.lead = get(optLeadSelector, sel.lead)
	sel.date = get(optDateSelector, sel.date)
	sel.dateAttr = get(optDateAttr, sel.dateAttr)
	sel.dateFormat = get(optDateFormat, sel.dateFormat)
	if v, ok := options[optMaxPages]; ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			sel.maxPages = n
		}
	}
	return sel
}

// ListingScanner crawls headline listing pages of configured news sites and
// extracts the articles published on the requested day. Selectors come from
// the site's options, so one strategy serves many listing layouts.
type ListingScanner struct {
	client *http.Client
}

// NewListingScanner wires an HTTP client; a nil client gets a default with a
// request timeout.
func NewListingScanner(client *http.Client) *ListingScanner {
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	return &ListingScanner{client: client}
}

// Name identifies the strategy inside the registry.
func (l *ListingScanner) Name() string {
	return "listing"
}

// Scan walks each section's listing pages and collects the requested day's
// articles, deduplicated by link.
func (l *ListingScanner) Scan(ctx context.Context, req scanner.Request) ([]domain.Article, error) {
	if len(req.Sections) == 0 {
		return nil, fmt.Errorf("no sections provided for site %s", req.SiteName)
	}

	sel := selectorsFrom(req.Options)
	targetDay := req.Day.UTC().Truncate(24 * time.Hour)
	results := make([]domain.Article, 0)
	seen := map[string]struct{}{}

	for _, section := range req.Sections {
		for page := 1; page <= sel.maxPages; page++ {
			pageURL, err := buildPageURL(section.URL, page)
			if err != nil {
				return nil, fmt.Errorf("section %s: %w", section.Name, err)
			}

			doc, err := l.fetchDocument(ctx, pageURL)
			if err != nil {
				return nil, fmt.Errorf("section %s: %w", section.Name, err)
			}

			pageArticles, keepPaging := l.extractArticles(doc, sel, targetDay, req.SiteName, section)
			for _, article := range pageArticles {
				if _, ok := seen[article.ID]; ok {
					continue
				}
				seen[article.ID] = struct{}{}
				results = append(results, article)
			}

			if !keepPaging {
				break
			}
		}
	}

	return results, nil
}

func (l *ListingScanner) fetchDocument(ctx context.Context, pageURL string) (*goquery.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", "StoryRadar/1.0")

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request listing: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("listing returned %s", resp.Status)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse listing: %w", err)
	}
	return doc, nil
}

func (l *ListingScanner) extractArticles(doc *goquery.Document, sel selectors, targetDay time.Time, siteName string, section scanner.Section) ([]domain.Article, bool) {
	var (
		collected  []domain.Article
		sawEntries bool
		keepPaging = true
	)

	doc.Find(sel.item).EachWithBreak(func(i int, item *goquery.Selection) bool {
		sawEntries = true

		article, publishedAt, err := parseItem(item, sel, siteName, section)
		if err != nil {
			return true
		}

		articleDay := publishedAt.UTC().Truncate(24 * time.Hour)
		if articleDay.Equal(targetDay) {
			collected = append(collected, article)
		}
		if articleDay.Before(targetDay) {
			keepPaging = false
			return false
		}
		return true
	})

	if !sawEntries {
		keepPaging = false
	}
	return collected, keepPaging
}

func parseItem(item *goquery.Selection, sel selectors, siteName string, section scanner.Section) (domain.Article, time.Time, error) {
	link := item.Find(sel.link).First()
	href, _ := link.Attr("href")
	href = strings.TrimSpace(href)
	if href == "" {
		return domain.Article{}, time.Time{}, fmt.Errorf("entry without link")
	}
	if !strings.HasPrefix(href, "http") {
		base, err := url.Parse(section.URL)
		if err == nil {
			if abs, err := base.Parse(href); err == nil {
				href = abs.String()
			}
		}
	}

	title := strings.TrimSpace(item.Find(sel.title).First().Text())
	if title == "" {
		title = strings.TrimSpace(link.Text())
	}
	if title == "" {
		return domain.Article{}, time.Time{}, fmt.Errorf("entry without title")
	}

	lead := strings.TrimSpace(item.Find(sel.lead).First().Text())

	dateNode := item.Find(sel.date).First()
	dateText, ok := dateNode.Attr(sel.dateAttr)
	if !ok || strings.TrimSpace(dateText) == "" {
		dateText = dateNode.Text()
	}
	publishedAt, err := time.Parse(sel.dateFormat, strings.TrimSpace(dateText))
	if err != nil {
		return domain.Article{}, time.Time{}, fmt.Errorf("parse date %q: %w", dateText, err)
	}

	source := siteName
	if section.Name != "" {
		source = fmt.Sprintf("%s/%s", siteName, section.Name)
	}

	article := domain.Article{
		ID:          href,
		Title:       title,
		Lead:        lead,
		URL:         href,
		Source:      source,
		PublishedAt: publishedAt.UTC(),
	}
	return article, publishedAt, nil
}

func buildPageURL(base string, page int) (string, error) {
	parsed, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid section url %s: %w", base, err)
	}

	query := parsed.Query()
	query.Set("page", strconv.Itoa(page))
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}
