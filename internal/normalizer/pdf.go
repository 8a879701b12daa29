package normalizer

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/tokenlens/tokenlens/pkg/crawl"
)

// normalizePDF extracts plain text from PDF content, page by page.
// Pages that fail to decode are skipped rather than failing the whole
// document.
func (n *Normalizer) normalizePDF(raw []byte) (*crawl.NormalizedContent, error) {
	if len(raw) < 4 || string(raw[:4]) != "%PDF" {
		return nil, fmt.Errorf("not a valid PDF document")
	}

	reader, err := pdf.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return nil, fmt.Errorf("failed to parse PDF: %w", err)
	}

	var textBuilder strings.Builder
	pages := reader.NumPage()
	if n.config.PDFMaxPages > 0 && pages > n.config.PDFMaxPages {
		pages = n.config.PDFMaxPages
	}

	for i := 1; i <= pages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		pageText, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		textBuilder.WriteString(pageText)
		textBuilder.WriteString("\n\n")
	}

	text := strings.TrimSpace(textBuilder.String())
	if text == "" {
		return nil, fmt.Errorf("PDF contains no extractable text")
	}

	return &crawl.NormalizedContent{
		Text: collapseBlankLines(text),
	}, nil
}
