// Package annaarchive implements a book source for Anna's Archive.
//
// Search scrapes the site's result list; LoadBook scrapes a detail page and
// follows each download anchor through the mirror pages it points at until
// direct links remain. Link resolution is best effort: a mirror that fails
// contributes no links instead of failing the whole book.
package annaarchive

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"novelext/internal/config"
	"novelext/pkg/source"
)

const (
	name     = "Anna's Archive"
	saveName = "anna"

	// volumeSortMarker prefixes queries whose results should be ordered by volume.
	volumeSortMarker = "!$"

	// searchIcon trails the title on detail pages.
	searchIcon = "\U0001F50D"

	slowDownloadPattern = "slow_download"
)

// excludedLinkPatterns are href substrings of anchors that never lead to a
// usable file.
var excludedLinkPatterns = []string{"onion", "/datasets", "1lib"}

var _ source.Source = (*Source)(nil)

type Source struct {
	baseURL      string
	defaultImage string
	format       string
	excluded     []string
}

func New(cfg config.AnnaConfig) *Source {
	excluded := slices.Clone(excludedLinkPatterns)
	if !cfg.FollowSlowDownloads {
		excluded = append(excluded, slowDownloadPattern)
	}

	return &Source{
		baseURL:      strings.TrimSuffix(cfg.BaseURL, "/"),
		defaultImage: cfg.DefaultImage,
		format:       strings.ToLower(cfg.Format),
		excluded:     excluded,
	}
}

func (s *Source) Name() string { return name }

func (s *Source) SaveName() string { return saveName }

func (s *Source) Search(ctx context.Context, query string, client source.Client) ([]source.ShowResponse, error) {
	formatted := formatQuery(query)
	searchURL := s.searchURL(formatted)

	node, err := client.Get(ctx, searchURL)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}

	results := []source.ShowResponse{}
	rows := withClass(goquery.NewDocumentFromNode(node).Find("*"), "h-[125]")
	rows.Each(func(_ int, row *goquery.Selection) {
		if res := s.parseShowResponse(rowAnchor(row)); res != nil {
			results = append(results, *res)
		}
	})

	slog.Debug("Search finished", "source", saveName, "query", formatted, "rows", rows.Length(), "results", len(results))

	if strings.HasPrefix(query, volumeSortMarker) {
		results = sortByVolume(results, formatted, s.defaultImage)
	}

	return results, nil
}

func (s *Source) LoadBook(ctx context.Context, link string, extra map[string]string, client source.Client) (*source.Book, error) {
	node, err := client.Get(ctx, link)
	if err != nil {
		return nil, fmt.Errorf("book request failed: %w", err)
	}

	page := goquery.NewDocumentFromNode(node).Find("main").First()
	if page.Length() == 0 {
		return nil, fmt.Errorf("%s has no main element: %w", link, source.ErrPageLayout)
	}

	title := page.Find("div.text-3xl").First()
	if title.Length() == 0 {
		return nil, fmt.Errorf("%s has no title: %w", link, source.ErrPageLayout)
	}

	titleText, _, _ := strings.Cut(text(title), searchIcon)
	book := &source.Book{
		Name: strings.TrimSpace(titleText),
		Img:  s.coverURL(page),
	}

	if desc := page.Find("div.js-md5-top-box-description").First(); desc.Length() > 0 {
		description := text(desc)
		book.Description = &description
	}

	hrefs := s.downloadLinks(page)
	slices.Reverse(hrefs)

	extractor := NewLinkExtractor(s.baseURL, client)
	book.Links = []string{}
	seen := make(map[string]bool)
	for _, href := range hrefs {
		for _, resolved := range extractor.Extract(ctx, href) {
			if resolved == "" || seen[resolved] || containsAny(resolved, s.excluded) {
				continue
			}
			seen[resolved] = true
			book.Links = append(book.Links, resolved)
		}
	}

	slog.Debug("Book loaded", "source", saveName, "url", link, "anchors", len(hrefs), "links", len(book.Links))

	return book, nil
}

// downloadLinks returns the hrefs of the usable download anchors in document order.
func (s *Source) downloadLinks(page *goquery.Selection) []string {
	var hrefs []string
	page.Find("a.js-download-link").Each(func(_ int, a *goquery.Selection) {
		if strings.Contains(a.Text(), "Fast") {
			return
		}
		href, _ := a.Attr("href")
		if containsAny(href, s.excluded) {
			return
		}
		hrefs = append(hrefs, href)
	})
	return hrefs
}

func (s *Source) searchURL(query string) string {
	params := url.Values{}
	params.Set("ext", s.format)
	params.Set("q", query)
	return s.baseURL + "/search?" + params.Encode()
}

func (s *Source) coverURL(sel *goquery.Selection) string {
	if src, ok := sel.Find("img").First().Attr("src"); ok && src != "" {
		return src
	}
	return s.defaultImage
}

// formatQuery strips the volume sort marker and turns dashes into spaces.
func formatQuery(query string) string {
	if _, after, found := strings.Cut(query, volumeSortMarker); found {
		query = after
	}
	return strings.TrimSpace(strings.ReplaceAll(query, "-", " "))
}

func containsAny(s string, substrings []string) bool {
	for _, sub := range substrings {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
