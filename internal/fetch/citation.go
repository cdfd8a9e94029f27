package fetch

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/jonathan/research-assistant/internal/types"
)

// maxSummaryChars bounds the summary taken from page text
const maxSummaryChars = 600

var yearPattern = regexp.MustCompile(`\b(1[89]\d{2}|20\d{2})\b`)

// metaContent returns the first non-empty content attribute among the named meta tags
func metaContent(doc *goquery.Document, names ...string) string {
	for _, name := range names {
		var value string
		doc.Find(fmt.Sprintf(`meta[name=%q], meta[property=%q]`, name, name)).EachWithBreak(func(_ int, s *goquery.Selection) bool {
			value = strings.TrimSpace(s.AttrOr("content", ""))
			return value == ""
		})
		if value != "" {
			return value
		}
	}
	return ""
}

func metaAll(doc *goquery.Document, names ...string) []string {
	var values []string
	for _, name := range names {
		doc.Find(fmt.Sprintf(`meta[name=%q]`, name)).Each(func(_ int, s *goquery.Selection) {
			if v := strings.TrimSpace(s.AttrOr("content", "")); v != "" {
				values = append(values, v)
			}
		})
		if len(values) > 0 {
			return values
		}
	}
	return nil
}

// ExtractCitation reads Highwire/Dublin Core/OpenGraph metadata from a reference page.
// Fields not present on the page are left empty.
func ExtractCitation(html, pageURL string) (types.Reference, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return types.Reference{}, fmt.Errorf("failed to parse HTML: %w", err)
	}

	ref := types.Reference{
		Title:   metaContent(doc, "citation_title", "dc.title", "DC.title", "og:title"),
		Authors: metaAll(doc, "citation_author", "dc.creator", "DC.creator"),
		Venue:   metaContent(doc, "citation_journal_title", "citation_conference_title", "dc.source", "og:site_name"),
		DOI:     strings.TrimPrefix(metaContent(doc, "citation_doi", "dc.identifier", "DC.identifier"), "doi:"),
		URL:     pageURL,
	}
	if ref.Title == "" {
		ref.Title = strings.TrimSpace(doc.Find("title").First().Text())
	}

	date := metaContent(doc, "citation_publication_date", "citation_date", "dc.date", "DC.date", "article:published_time")
	if m := yearPattern.FindString(date); m != "" {
		ref.Year, _ = strconv.Atoi(m)
	}

	summary := metaContent(doc, "citation_abstract", "description", "og:description")
	if summary == "" {
		summary = mainText(doc, DefaultTextSelectors())
	}
	ref.Summary = truncate(strings.Join(strings.Fields(summary), " "), maxSummaryChars)

	return ref, nil
}

// Merge fills empty fields of ref from fetched
func Merge(ref, fetched types.Reference) types.Reference {
	if ref.Title == "" {
		ref.Title = fetched.Title
	}
	if len(ref.Authors) == 0 {
		ref.Authors = fetched.Authors
	}
	if ref.Year == 0 {
		ref.Year = fetched.Year
	}
	if ref.Venue == "" {
		ref.Venue = fetched.Venue
	}
	if ref.DOI == "" {
		ref.DOI = fetched.DOI
	}
	if ref.Summary == "" {
		ref.Summary = fetched.Summary
	}
	if ref.URL == "" {
		ref.URL = fetched.URL
	}
	return ref
}

// ReferenceURL returns the page to fetch for a reference, preferring its URL over its DOI
func ReferenceURL(ref types.Reference) string {
	if ref.URL != "" {
		return ref.URL
	}
	if ref.DOI != "" {
		return "https://doi.org/" + strings.TrimPrefix(ref.DOI, "https://doi.org/")
	}
	return ""
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return strings.TrimSpace(string(r[:max])) + "..."
}
