package ingest

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	"github.com/ledongthuc/pdf"

	"github.com/WessleyAI/groundwork/engine/domain"
)

// LoadPDF extracts the plain text of a PDF into a document titled title.
func LoadPDF(r io.ReaderAt, size int64, title string) (domain.Document, error) {
	rdr, err := pdf.NewReader(r, size)
	if err != nil {
		return domain.Document{}, domain.InvalidInput("ingest.pdf", fmt.Errorf("open pdf: %w", err))
	}
	b, err := rdr.GetPlainText()
	if err != nil {
		return domain.Document{}, domain.InvalidInput("ingest.pdf", fmt.Errorf("read pdf text: %w", err))
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, b); err != nil {
		return domain.Document{}, fmt.Errorf("ingest: read pdf buffer: %w", err)
	}
	text := strings.TrimSpace(buf.String())
	if text == "" {
		return domain.Document{}, domain.InvalidInput("ingest.pdf", fmt.Errorf("no text extracted from pdf"))
	}
	return domain.Document{Title: title, Content: text, SourceType: domain.SourcePDF}, nil
}

// LoadHTML converts an HTML page to a markdown document. The page <title>
// is used when title is empty.
func LoadHTML(r io.Reader, pageURL, title string) (domain.Document, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return domain.Document{}, domain.InvalidInput("ingest.html", fmt.Errorf("parse html: %w", err))
	}
	if title == "" {
		title = strings.TrimSpace(doc.Find("title").First().Text())
	}
	doc.Find("script, style, noscript").Remove()

	body, err := doc.Find("body").Html()
	if err != nil || strings.TrimSpace(body) == "" {
		body, err = doc.Html()
		if err != nil {
			return domain.Document{}, fmt.Errorf("ingest: render html: %w", err)
		}
	}
	text, err := HTMLToMarkdown(body)
	if err != nil {
		return domain.Document{}, err
	}
	if text == "" {
		return domain.Document{}, domain.InvalidInput("ingest.html", domain.ErrEmptyContent)
	}
	return domain.Document{Title: title, Content: text, URL: pageURL, SourceType: domain.SourceWeb}, nil
}

// HTMLToMarkdown converts an HTML fragment and drops blank lines.
func HTMLToMarkdown(html string) (string, error) {
	converter := md.NewConverter("", true, nil)
	markdown, err := converter.ConvertString(html)
	if err != nil {
		return "", fmt.Errorf("convert to markdown: %w", err)
	}

	lines := strings.Split(markdown, "\n")
	out := lines[:0]
	for _, line := range lines {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return strings.Join(out, "\n"), nil
}
