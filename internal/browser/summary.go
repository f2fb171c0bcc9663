package browser

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

const maxSummaryItems = 40

// Summarize condenses a document to the title and a plain-text outline of
// its headings and interactive elements, enough for a model to plan a test.
func Summarize(htmlContent string) (title, summary string, err error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(htmlContent))
	if err != nil {
		return "", "", fmt.Errorf("failed to parse HTML: %w", err)
	}
	doc.Find("script, style, noscript, template, svg").Remove()
	doc.Find("[hidden]").Remove()

	title = collapse(doc.Find("title").First().Text())

	var b strings.Builder
	section := func(name, selector string, line func(*goquery.Selection) string) {
		var items []string
		doc.Find(selector).EachWithBreak(func(_ int, s *goquery.Selection) bool {
			if l := line(s); l != "" {
				items = append(items, l)
			}
			return len(items) < maxSummaryItems
		})
		if len(items) == 0 {
			return
		}
		fmt.Fprintf(&b, "%s (%d):\n", name, len(items))
		for _, it := range items {
			b.WriteString("- ")
			b.WriteString(it)
			b.WriteByte('\n')
		}
	}

	section("Headings", "h1, h2, h3", func(s *goquery.Selection) string {
		return clip(collapse(s.Text()), 100)
	})
	section("Buttons", "button, input[type=button], input[type=submit], [role=button]", func(s *goquery.Selection) string {
		text := collapse(s.Text())
		if text == "" {
			text, _ = s.Attr("value")
		}
		if text == "" {
			text, _ = s.Attr("aria-label")
		}
		return clip(text, 60)
	})
	section("Links", "a[href]", func(s *goquery.Selection) string {
		href, _ := s.Attr("href")
		text := clip(collapse(s.Text()), 60)
		if strings.HasPrefix(href, "javascript:") || len(href) > 80 {
			href = clip(href, 80)
		}
		if text == "" {
			return href
		}
		return text + " -> " + href
	})
	section("Forms", "form", func(s *goquery.Selection) string {
		name, _ := s.Attr("name")
		if name == "" {
			name, _ = s.Attr("id")
		}
		if name == "" {
			name = "form"
		}
		var fields []string
		s.Find("input, select, textarea").Each(func(_ int, f *goquery.Selection) {
			if t, _ := f.Attr("type"); t == "hidden" || t == "submit" {
				return
			}
			key, _ := f.Attr("name")
			if key == "" {
				key, _ = f.Attr("placeholder")
			}
			if key == "" {
				key = goquery.NodeName(f)
			}
			fields = append(fields, key)
		})
		return fmt.Sprintf("%s [%s]", name, strings.Join(fields, ", "))
	})

	return title, strings.TrimSpace(b.String()), nil
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
