package annaarchive

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"novelext/pkg/source"
)

// loopbackMarker shows up in links generated after the real ones on mirror
// and slow download pages; everything from the first such link on is noise.
const loopbackMarker = "localhost"

// LinkExtractor resolves a download anchor to the direct links behind it.
type LinkExtractor struct {
	baseURL string
	client  source.Client
}

func NewLinkExtractor(baseURL string, client source.Client) *LinkExtractor {
	return &LinkExtractor{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  client,
	}
}

// Extract returns the direct links behind link. Links that need no further
// hop are returned unchanged. Any failure yields nil.
func (e *LinkExtractor) Extract(ctx context.Context, link string) []string {
	var (
		links []string
		err   error
	)

	switch {
	case isMirrorURL(link):
		links, err = e.extractMirror(ctx, link)
	case isSlowDownload(link):
		links, err = e.extractSlowDownload(ctx, link)
	default:
		return []string{link}
	}

	if err != nil {
		slog.Debug("Link resolution failed", "url", link, "error", err)
		return nil
	}
	return links
}

func isMirrorURL(link string) bool {
	return strings.Contains(link, "libgen") || strings.Contains(link, "library.lol")
}

func isSlowDownload(link string) bool {
	return strings.Contains(link, slowDownloadPattern)
}

func (e *LinkExtractor) extractMirror(ctx context.Context, link string) ([]string, error) {
	if strings.Contains(link, "ads.php") {
		return e.extractFromAdsPage(ctx, link)
	}
	return e.extractFromDownloadPage(ctx, link)
}

// extractFromAdsPage follows the "GET" link of a mirror's ads.php interstitial.
func (e *LinkExtractor) extractFromAdsPage(ctx context.Context, link string) ([]string, error) {
	doc, err := e.document(ctx, link)
	if err != nil {
		return nil, err
	}

	href, ok := doc.Find("table#main a[href]").First().Attr("href")
	if !ok || href == "" {
		return nil, fmt.Errorf("ads page %s has no download link: %w", link, source.ErrPageLayout)
	}

	if strings.HasPrefix(href, "/ads.php") || strings.HasPrefix(href, "get.php") {
		prefix, _, _ := strings.Cut(link, "ads.php")
		return []string{prefix + strings.TrimPrefix(href, "/")}, nil
	}
	return []string{href}, nil
}

func (e *LinkExtractor) extractFromDownloadPage(ctx context.Context, link string) ([]string, error) {
	doc, err := e.document(ctx, link)
	if err != nil {
		return nil, err
	}

	return hrefsUntilLoopback(doc.Find("div#download").First().Find("a[href]")), nil
}

func (e *LinkExtractor) extractSlowDownload(ctx context.Context, link string) ([]string, error) {
	pageURL := link
	if strings.HasPrefix(link, "/") {
		pageURL = e.baseURL + link
	}

	doc, err := e.document(ctx, pageURL)
	if err != nil {
		return nil, err
	}

	return hrefsUntilLoopback(doc.Find("a[href]")), nil
}

// document fetches an intermediate page. Mirror and slow download pages hand
// out keyed links that expire, so they are never cached.
func (e *LinkExtractor) document(ctx context.Context, pageURL string) (*goquery.Document, error) {
	node, err := e.client.Get(source.Volatile(ctx), pageURL)
	if err != nil {
		return nil, err
	}
	if node == nil {
		return nil, fmt.Errorf("empty document for %s: %w", pageURL, source.ErrPageLayout)
	}
	return goquery.NewDocumentFromNode(node), nil
}

// hrefsUntilLoopback collects hrefs in document order, stopping at the first
// one that points at the loopback marker.
func hrefsUntilLoopback(anchors *goquery.Selection) []string {
	var links []string
	anchors.EachWithBreak(func(_ int, a *goquery.Selection) bool {
		href, _ := a.Attr("href")
		if strings.Contains(href, loopbackMarker) {
			return false
		}
		if href != "" {
			links = append(links, href)
		}
		return true
	})
	return links
}
