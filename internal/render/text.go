package render

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

const blockSelector = "p, div, h1, h2, h3, h4, h5, h6, li, tr, table, blockquote, section, article, header, footer"

// HTMLToText derives a plain-text body from rendered HTML. Block elements
// become line breaks, links keep their target in parentheses and runs of
// whitespace collapse.
func HTMLToText(src string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(src))
	if err != nil {
		return "", err
	}
	doc.Find("head, script, style, noscript").Remove()

	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		text := strings.TrimSpace(s.Text())
		if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(href, "mailto:") || text == href {
			return
		}
		s.AppendHtml(" (" + escapeText(href) + ")")
	})
	doc.Find("br").ReplaceWithHtml("\n")
	doc.Find("li").PrependHtml("- ")
	doc.Find(blockSelector).AppendHtml("\n")

	var lines []string
	blank := false
	for _, line := range strings.Split(doc.Text(), "\n") {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			if !blank && len(lines) > 0 {
				lines = append(lines, "")
			}
			blank = true
			continue
		}
		lines = append(lines, line)
		blank = false
	}
	return strings.TrimSpace(strings.Join(lines, "\n")), nil
}

func escapeText(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	return r.Replace(s)
}
