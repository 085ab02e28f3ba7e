package annaarchive

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"novelext/internal/config"
	"novelext/pkg/source"
)

const testBaseURL = "https://annas-archive.org"

// fakeClient serves canned pages keyed by URL and records every request.
type fakeClient struct {
	pages    map[string]string
	requests []string
	volatile map[string]bool
}

func (f *fakeClient) Get(ctx context.Context, url string) (*html.Node, error) {
	f.requests = append(f.requests, url)
	if f.volatile == nil {
		f.volatile = make(map[string]bool)
	}
	f.volatile[url] = source.IsVolatile(ctx)
	page, ok := f.pages[url]
	if !ok {
		return nil, fmt.Errorf("request to %s failed with status 404 Not Found", url)
	}
	return html.Parse(strings.NewReader(page))
}

func rowFromMarkup(t *testing.T, markup string) *goquery.Selection {
	t.Helper()
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(`<div class="h-[125]">` + markup + `</div>`))
	if err != nil {
		t.Fatalf("failed to parse markup: %v", err)
	}
	return doc.Find("div").First()
}

func newTestSource(followSlow bool) *Source {
	cfg := config.Default().Anna
	cfg.FollowSlowDownloads = followSlow
	return New(cfg)
}

const searchPage = `<html><body>
<div class="mb-4">
  <div class="h-[125] flex flex-col justify-center">
    <a href="/md5/aaa" class="js-vim-focus">
      <img src="https://covers.example/a.jpg">
      <h3>Dune</h3>
      <div class="italic">Frank   Herbert</div>
      <div class="max-lg:text-xs">Ace Books, 1990</div>
      <div class="text-gray-500 lg:text-xs">English [en], .epub, 0.5MB</div>
    </a>
  </div>
  <div class="h-[125] flex flex-col justify-center">
    <a href="/md5/bbb">
      <img src="https://covers.example/b.jpg">
      <h3>Dune (scan)</h3>
      <div class="text-gray-500 lg:text-xs">English [en], .pdf, 80MB</div>
    </a>
  </div>
  <div class="h-[125] flex flex-col justify-center"><!-- <a href="/md5/ccc"><h3>Dune Messiah</h3><div class="lg:text-xs">English [en], .EPUB, 0.4MB</div></a> --></div>
  <div class="h-[125] flex flex-col justify-center"></div>
</div>
</body></html>`

func TestSearch(t *testing.T) {
	client := &fakeClient{pages: map[string]string{
		testBaseURL + "/search?ext=epub&q=dune": searchPage,
	}}
	src := newTestSource(false)

	results, err := src.Search(context.Background(), "dune", client)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d: %+v", len(results), results)
	}

	first := results[0]
	if first.Name != "Dune" {
		t.Errorf("expected name Dune, got %q", first.Name)
	}
	if first.Link != testBaseURL+"/md5/aaa" {
		t.Errorf("expected absolute link, got %q", first.Link)
	}
	if first.CoverURL != "https://covers.example/a.jpg" {
		t.Errorf("unexpected cover %q", first.CoverURL)
	}
	expectedExtra := map[string]string{
		"0": "Frank Herbert",
		"1": "Ace Books, 1990",
		"2": "Ace Books, 1990 English [en], .epub, 0.5MB",
	}
	if !reflect.DeepEqual(first.Extra, expectedExtra) {
		t.Errorf("expected extra %v, got %v", expectedExtra, first.Extra)
	}

	second := results[1]
	if second.Name != "Dune Messiah" {
		t.Errorf("expected commented row to be parsed, got %q", second.Name)
	}
	if second.Link != testBaseURL+"/md5/ccc" {
		t.Errorf("unexpected link %q", second.Link)
	}
	if second.CoverURL != config.DefaultImage {
		t.Errorf("expected default cover, got %q", second.CoverURL)
	}
}

func TestSearchNoResults(t *testing.T) {
	client := &fakeClient{pages: map[string]string{
		testBaseURL + "/search?ext=epub&q=nothing": `<html><body><p>No files found.</p></body></html>`,
	}}

	results, err := newTestSource(false).Search(context.Background(), "nothing", client)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if results == nil || len(results) != 0 {
		t.Errorf("expected empty non-nil results, got %#v", results)
	}
}

func TestSearchRequestFailure(t *testing.T) {
	client := &fakeClient{pages: map[string]string{}}

	if _, err := newTestSource(false).Search(context.Background(), "dune", client); err == nil {
		t.Fatal("expected error when the search page cannot be fetched")
	}
}

func TestSearchQueryFormatting(t *testing.T) {
	tests := []struct {
		query    string
		expected string
	}{
		{"dune", testBaseURL + "/search?ext=epub&q=dune"},
		{"dune-messiah", testBaseURL + "/search?ext=epub&q=dune+messiah"},
		{"!$overlord-light-novel", testBaseURL + "/search?ext=epub&q=overlord+light+novel"},
		{"a&b", testBaseURL + "/search?ext=epub&q=a%26b"},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			client := &fakeClient{pages: map[string]string{tt.expected: `<html></html>`}}

			if _, err := newTestSource(false).Search(context.Background(), tt.query, client); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(client.requests) != 1 || client.requests[0] != tt.expected {
				t.Errorf("expected request to %s, got %v", tt.expected, client.requests)
			}
		})
	}
}

func TestSearchVolumeSorted(t *testing.T) {
	page := `<html><body>
<div class="h-[125]"><a href="/md5/2"><img src="c2.jpg"><h3>Overlord Vol. 2</h3><div class="lg:text-xs">.epub</div></a></div>
<div class="h-[125]"><a href="/md5/x"><img src="cx.jpg"><h3>Overlord Art Book</h3><div class="lg:text-xs">.epub</div></a></div>
<div class="h-[125]"><a href="/md5/1"><img src="c1.jpg"><h3>Overlord Vol. 1</h3><div class="lg:text-xs">.epub</div></a></div>
</body></html>`
	client := &fakeClient{pages: map[string]string{
		testBaseURL + "/search?ext=epub&q=overlord": page,
	}}

	results, err := newTestSource(false).Search(context.Background(), "!$overlord", client)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var names []string
	for _, r := range results {
		names = append(names, r.Name)
	}
	expected := []string{"Overlord Vol. 1", "Overlord Vol. 2", "Overlord Art Book"}
	if !reflect.DeepEqual(names, expected) {
		t.Errorf("expected %v, got %v", expected, names)
	}
}

func TestParseShowResponseRequiresFormat(t *testing.T) {
	tests := []struct {
		name     string
		markup   string
		expected bool
	}{
		{"epub listed", `<a href="/md5/a"><div class="lg:text-xs">.epub</div></a>`, true},
		{"format is case insensitive", `<a href="/md5/a"><div class="lg:text-xs">.EPUB</div></a>`, true},
		{"other format", `<a href="/md5/a"><div class="lg:text-xs">.mobi</div></a>`, false},
		{"no metadata block", `<a href="/md5/a"><h3>epub</h3></a>`, false},
	}

	src := newTestSource(false)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			row := rowFromMarkup(t, tt.markup)
			res := src.parseShowResponse(rowAnchor(row))
			if (res != nil) != tt.expected {
				t.Errorf("expected result=%v, got %+v", tt.expected, res)
			}
		})
	}
}

func TestParseShowResponseNil(t *testing.T) {
	if res := newTestSource(false).parseShowResponse(nil); res != nil {
		t.Errorf("expected nil for missing anchor, got %+v", res)
	}
}

const bookPage = `<html><body><main>
<div class="text-3xl font-bold">Dune 🔍</div>
<img src="https://covers.example/dune.jpg">
<div class="js-md5-top-box-description">A desert
   planet.</div>
<ul>
  <li><a class="js-download-link" href="https://libgen.li/ads.php?md5=abc">Libgen.li</a></li>
  <li><a class="js-download-link" href="/fast_download/abc/0/0">Fast Partner Server #1</a></li>
  <li><a class="js-download-link" href="/slow_download/abc/0/0">Slow Partner Server #1</a></li>
  <li><a class="js-download-link" href="http://annasarchivexyz.onion/md5/abc">Tor</a></li>
  <li><a class="js-download-link" href="/datasets/lgli">Dataset</a></li>
  <li><a class="js-download-link" href="https://1lib.sk/md5/abc">Z-Library</a></li>
  <li><a class="js-download-link" href="https://ipfs.io/ipfs/Qm1">IPFS #1</a></li>
  <li><a class="js-download-link" href="https://libgen.rs/book/index.php?md5=abc">Libgen.rs</a></li>
  <li><a class="js-download-link" href="https://library.lol/main/abc">Library.lol</a></li>
  <li><a class="js-download-link" href="https://ipfs.io/ipfs/Qm1">IPFS #1 again</a></li>
</ul>
</main></body></html>`

func bookPages() map[string]string {
	return map[string]string{
		testBaseURL + "/md5/abc": bookPage,
		"https://libgen.li/ads.php?md5=abc": `<html><body><table id="main"><tr><td>
<a href="get.php?md5=abc&amp;key=K">GET</a></td></tr></table></body></html>`,
		"https://library.lol/main/abc": `<html><body><div id="download">
<a href="https://cloudflare-ipfs.com/ipfs/x">Cloudflare</a>
<a href="https://download.library.lol/main/abc/dune.epub">GET</a>
<a href="http://localhost:8080/ipfs/x">Local gateway</a>
<a href="https://after.example/x">After</a>
</div></body></html>`,
		testBaseURL + "/slow_download/abc/0/0": `<html><body>
<a href="https://slow.example/dune.epub">Download now</a>
<a href="http://localhost/copy">Copy</a>
<a href="https://slow.example/ignored">Ignored</a>
</body></html>`,
		// libgen.rs is intentionally missing so its resolution fails.
	}
}

func TestLoadBook(t *testing.T) {
	client := &fakeClient{pages: bookPages()}

	book, err := newTestSource(false).LoadBook(context.Background(), testBaseURL+"/md5/abc", nil, client)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if book.Name != "Dune" {
		t.Errorf("expected name Dune, got %q", book.Name)
	}
	if book.Img != "https://covers.example/dune.jpg" {
		t.Errorf("unexpected image %q", book.Img)
	}
	if book.Description == nil || *book.Description != "A desert planet." {
		t.Errorf("unexpected description %v", book.Description)
	}

	expected := []string{
		"https://ipfs.io/ipfs/Qm1",
		"https://cloudflare-ipfs.com/ipfs/x",
		"https://download.library.lol/main/abc/dune.epub",
		"https://libgen.li/get.php?md5=abc&key=K",
	}
	if !reflect.DeepEqual(book.Links, expected) {
		t.Errorf("expected links %v, got %v", expected, book.Links)
	}
}

func TestLoadBookResolvesInReverseOrder(t *testing.T) {
	client := &fakeClient{pages: bookPages()}

	if _, err := newTestSource(false).LoadBook(context.Background(), testBaseURL+"/md5/abc", nil, client); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expected := []string{
		testBaseURL + "/md5/abc",
		"https://library.lol/main/abc",
		"https://libgen.rs/book/index.php?md5=abc",
		"https://libgen.li/ads.php?md5=abc",
	}
	if !reflect.DeepEqual(client.requests, expected) {
		t.Errorf("expected requests %v, got %v", expected, client.requests)
	}
}

func TestLoadBookExcludesLinks(t *testing.T) {
	client := &fakeClient{pages: bookPages()}

	book, err := newTestSource(false).LoadBook(context.Background(), testBaseURL+"/md5/abc", nil, client)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, link := range book.Links {
		for _, banned := range []string{"onion", "/datasets", "1lib", "fast_download", "slow", "localhost", "after.example"} {
			if strings.Contains(link, banned) {
				t.Errorf("link %s should have been excluded (%s)", link, banned)
			}
		}
	}
}

func TestLoadBookExcludesResolvedLinks(t *testing.T) {
	tests := []struct {
		name       string
		followSlow bool
		expected   []string
	}{
		{
			name:       "slow downloads skipped",
			followSlow: false,
			expected:   []string{"https://get.library.lol/p.epub"},
		},
		{
			name:       "slow downloads followed",
			followSlow: true,
			expected:   []string{"https://get.library.lol/p.epub", testBaseURL + "/slow_download/p/0/0"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &fakeClient{pages: map[string]string{
				testBaseURL + "/md5/p": `<html><body><main>
<div class="text-3xl">Dune</div>
<a class="js-download-link" href="https://library.lol/main/p">Library.lol</a>
</main></body></html>`,
				"https://library.lol/main/p": `<html><body><div id="download">
<a href="https://get.library.lol/p.epub">GET</a>
<a href="http://libgenxyz.onion/p.epub">Tor</a>
<a href="https://annas-archive.org/datasets/lgli">Dataset</a>
<a href="https://1lib.sk/p">Z-Library</a>
<a href="` + testBaseURL + `/slow_download/p/0/0">Slow</a>
</div></body></html>`,
			}}

			book, err := newTestSource(tt.followSlow).LoadBook(context.Background(), testBaseURL+"/md5/p", nil, client)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !reflect.DeepEqual(book.Links, tt.expected) {
				t.Errorf("expected links %v, got %v", tt.expected, book.Links)
			}
		})
	}
}

func TestLoadBookMarksMirrorHopsVolatile(t *testing.T) {
	client := &fakeClient{pages: bookPages()}

	if _, err := newTestSource(false).LoadBook(context.Background(), testBaseURL+"/md5/abc", nil, client); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if client.volatile[testBaseURL+"/md5/abc"] {
		t.Error("expected the detail page request to be cacheable")
	}
	for _, hop := range []string{"https://libgen.li/ads.php?md5=abc", "https://library.lol/main/abc"} {
		if !client.volatile[hop] {
			t.Errorf("expected request for %s to be marked volatile", hop)
		}
	}
}

func TestLoadBookFollowsSlowDownloads(t *testing.T) {
	client := &fakeClient{pages: bookPages()}

	book, err := newTestSource(true).LoadBook(context.Background(), testBaseURL+"/md5/abc", nil, client)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expected := []string{
		"https://ipfs.io/ipfs/Qm1",
		"https://cloudflare-ipfs.com/ipfs/x",
		"https://download.library.lol/main/abc/dune.epub",
		"https://slow.example/dune.epub",
		"https://libgen.li/get.php?md5=abc&key=K",
	}
	if !reflect.DeepEqual(book.Links, expected) {
		t.Errorf("expected links %v, got %v", expected, book.Links)
	}
}

func TestLoadBookPageLayout(t *testing.T) {
	tests := []struct {
		name string
		page string
	}{
		{"no main", `<html><body><div class="text-3xl">Dune</div></body></html>`},
		{"no title", `<html><body><main><p>Dune</p></main></body></html>`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &fakeClient{pages: map[string]string{testBaseURL + "/md5/x": tt.page}}

			_, err := newTestSource(false).LoadBook(context.Background(), testBaseURL+"/md5/x", nil, client)
			if !errors.Is(err, source.ErrPageLayout) {
				t.Errorf("expected ErrPageLayout, got %v", err)
			}
		})
	}
}

func TestLoadBookMinimalPage(t *testing.T) {
	client := &fakeClient{pages: map[string]string{
		testBaseURL + "/md5/x": `<html><body><main><div class="text-3xl">Untitled</div></main></body></html>`,
	}}

	book, err := newTestSource(false).LoadBook(context.Background(), testBaseURL+"/md5/x", nil, client)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if book.Img != config.DefaultImage {
		t.Errorf("expected default image, got %q", book.Img)
	}
	if book.Description != nil {
		t.Errorf("expected no description, got %q", *book.Description)
	}
	if book.Links == nil || len(book.Links) != 0 {
		t.Errorf("expected empty non-nil links, got %#v", book.Links)
	}
}

func TestLoadBookRequestFailure(t *testing.T) {
	client := &fakeClient{pages: map[string]string{}}

	if _, err := newTestSource(false).LoadBook(context.Background(), testBaseURL+"/md5/x", nil, client); err == nil {
		t.Fatal("expected error when the book page cannot be fetched")
	}
}

func TestSourceIdentity(t *testing.T) {
	src := newTestSource(false)
	if src.Name() != "Anna's Archive" {
		t.Errorf("unexpected name %q", src.Name())
	}
	if src.SaveName() != "anna" {
		t.Errorf("unexpected save name %q", src.SaveName())
	}
}
