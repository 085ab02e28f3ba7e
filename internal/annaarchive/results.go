package annaarchive

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"novelext/pkg/source"
)

// parseShowResponse turns a result anchor into a ShowResponse. It returns nil
// when the anchor is missing or its metadata does not mention the format.
func (s *Source) parseShowResponse(a *goquery.Selection) *source.ShowResponse {
	if a == nil || a.Length() == 0 {
		return nil
	}

	divs := a.Find("div")
	metadata := text(withClass(divs, "lg:text-xs"))
	if !strings.Contains(strings.ToLower(metadata), s.format) {
		return nil
	}

	href, _ := a.Attr("href")

	return &source.ShowResponse{
		Name:     text(a.Find("h3").First()),
		Link:     s.baseURL + href,
		CoverURL: s.coverURL(a),
		Extra: map[string]string{
			"0": text(divs.Filter(".italic")),
			"1": text(withClass(divs, "max-lg:text-xs")),
			"2": metadata,
		},
	}
}

// rowAnchor returns the first anchor of a result row. Rows below the fold
// ship their markup inside an HTML comment, so when the row has no anchor the
// commented markup is parsed instead.
func rowAnchor(row *goquery.Selection) *goquery.Selection {
	if a := row.Find("a").First(); a.Length() > 0 {
		return a
	}

	var hidden strings.Builder
	for _, n := range row.Nodes {
		collectComments(n, &hidden)
	}
	if hidden.Len() == 0 {
		return nil
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(hidden.String()))
	if err != nil {
		return nil
	}

	a := doc.Find("a").First()
	if a.Length() == 0 {
		return nil
	}
	return a
}

func collectComments(n *html.Node, sb *strings.Builder) {
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		switch child.Type {
		case html.CommentNode:
			sb.WriteString(child.Data)
		case html.ElementNode:
			collectComments(child, sb)
		}
	}
}

// withClass keeps the elements whose class attribute contains token as a
// substring. Tailwind class names such as "lg:text-xs" also occur inside
// longer variants ("max-lg:text-xs"), and both must match.
func withClass(sel *goquery.Selection, token string) *goquery.Selection {
	return sel.FilterFunction(func(_ int, el *goquery.Selection) bool {
		class, _ := el.Attr("class")
		return strings.Contains(class, token)
	})
}

// text returns the whitespace-normalised text of every element in sel,
// joined by single spaces.
func text(sel *goquery.Selection) string {
	var parts []string
	sel.Each(func(_ int, el *goquery.Selection) {
		if t := normalizeSpace(el.Text()); t != "" {
			parts = append(parts, t)
		}
	})
	return strings.Join(parts, " ")
}

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
