package server

import (
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/beevik/etree"

	"novelext/pkg/source"
)

const (
	atomNamespace = "http://www.w3.org/2005/Atom"
	opdsNamespace = "http://opds-spec.org/2010/catalog"
	dcNamespace   = "http://purl.org/dc/terms/"

	opdsAcquisitionType = "application/atom+xml;profile=opds-catalog;kind=acquisition"

	relAcquisition = "http://opds-spec.org/acquisition"
	relImage       = "http://opds-spec.org/image"
	relThumbnail   = "http://opds-spec.org/image/thumbnail"
	relSubsection  = "subsection"
)

var acquisitionTypes = map[string]string{
	".epub": "application/epub+zip",
	".pdf":  "application/pdf",
	".mobi": "application/x-mobipocket-ebook",
	".azw3": "application/vnd.amazon.ebook",
	".fb2":  "application/x-fictionbook+xml",
	".djvu": "image/vnd.djvu",
	".cbz":  "application/vnd.comicbook+zip",
	".cbr":  "application/vnd.comicbook-rar",
}

var now = time.Now

func newFeed(id, title string) (*etree.Document, *etree.Element) {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)

	feed := doc.CreateElement("feed")
	feed.CreateAttr("xmlns", atomNamespace)
	feed.CreateAttr("xmlns:opds", opdsNamespace)
	feed.CreateAttr("xmlns:dc", dcNamespace)

	feed.CreateElement("id").SetText(id)
	feed.CreateElement("title").SetText(title)
	feed.CreateElement("updated").SetText(timestamp())

	return doc, feed
}

func newEntry(feed *etree.Element, id, title string) *etree.Element {
	entry := feed.CreateElement("entry")
	entry.CreateElement("id").SetText(id)
	entry.CreateElement("title").SetText(title)
	entry.CreateElement("updated").SetText(timestamp())
	return entry
}

func addLink(entry *etree.Element, rel, href, mediaType string) {
	if href == "" {
		return
	}
	link := entry.CreateElement("link")
	link.CreateAttr("rel", rel)
	link.CreateAttr("href", href)
	if mediaType != "" {
		link.CreateAttr("type", mediaType)
	}
}

// searchFeed renders search results as an OPDS acquisition feed whose
// entries point at the book feed of each result.
func searchFeed(src source.Source, query string, results []source.ShowResponse) *etree.Document {
	doc, feed := newFeed("urn:novelext:search:"+src.SaveName()+":"+url.QueryEscape(query), src.Name()+": "+query)

	for _, res := range results {
		entry := newEntry(feed, res.Link, res.Name)
		if summary := extraSummary(res.Extra); summary != "" {
			content := entry.CreateElement("content")
			content.CreateAttr("type", "text")
			content.SetText(summary)
		}
		addLink(entry, relImage, res.CoverURL, "")
		addLink(entry, relThumbnail, res.CoverURL, "")
		addLink(entry, relSubsection, bookHref(src.SaveName(), res.Link), opdsAcquisitionType)
	}

	return doc
}

// bookFeed renders a loaded book as a feed with one entry carrying an
// acquisition link per download URL.
func bookFeed(src source.Source, link string, book *source.Book) *etree.Document {
	doc, feed := newFeed("urn:novelext:book:"+src.SaveName()+":"+url.QueryEscape(link), book.Name)

	entry := newEntry(feed, link, book.Name)
	if book.Description != nil && *book.Description != "" {
		entry.CreateElement("summary").SetText(*book.Description)
	}
	entry.CreateElement("dc:source").SetText(link)
	addLink(entry, relImage, book.Img, "")
	addLink(entry, relThumbnail, book.Img, "")
	for _, download := range book.Links {
		addLink(entry, relAcquisition, download, acquisitionType(download))
	}

	return doc
}

func bookHref(sourceKey, link string) string {
	params := url.Values{}
	params.Set("source", sourceKey)
	params.Set("url", link)
	return "/opds/book?" + params.Encode()
}

func extraSummary(extra map[string]string) string {
	keys := make([]string, 0, len(extra))
	for key, value := range extra {
		if value != "" {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, extra[key])
	}
	return strings.Join(parts, "\n")
}

// acquisitionType guesses the media type of a download from its path.
func acquisitionType(link string) string {
	u, err := url.Parse(link)
	if err != nil {
		return ""
	}
	return acquisitionTypes[strings.ToLower(path.Ext(u.Path))]
}

func timestamp() string {
	return now().UTC().Format(time.RFC3339)
}

func writeFeed(w http.ResponseWriter, doc *etree.Document, contentType string) {
	doc.Indent(2)
	body, err := doc.WriteToBytes()
	if err != nil {
		slog.Error("Failed to serialize feed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to serialize feed")
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body); err != nil {
		slog.Error("Failed to write feed", "error", err)
	}
}
