package normalizer

import (
	"bytes"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/html"

	"github.com/tokenlens/tokenlens/pkg/crawl"
)

// NormalizerConfig configures content normalization
type NormalizerConfig struct {
	MaxTextLength int  `json:"max_text_length"`
	KeepLinks     bool `json:"keep_links"`
	KeepMedia     bool `json:"keep_media"`
	PDFMaxPages   int  `json:"pdf_max_pages"`
}

// DefaultNormalizerConfig returns default normalizer configuration
func DefaultNormalizerConfig() *NormalizerConfig {
	return &NormalizerConfig{
		MaxTextLength: 500_000,
		KeepLinks:     true,
		KeepMedia:     true,
		PDFMaxPages:   200,
	}
}

// Normalizer converts raw fetched content into canonical text with
// structured link and media side-lists. It performs no network I/O and
// is fully deterministic for a given raw input.
type Normalizer struct {
	config   *NormalizerConfig
	sanitize *bluemonday.Policy
}

// NewNormalizer creates a new content normalizer
func NewNormalizer(config *NormalizerConfig) *Normalizer {
	if config == nil {
		config = DefaultNormalizerConfig()
	}
	return &Normalizer{
		config:   config,
		sanitize: bluemonday.UGCPolicy(),
	}
}

// boilerplate elements are dropped wholesale from the content tree
var boilerplateTags = map[string]bool{
	"script": true, "style": true, "noscript": true,
	"nav": true, "header": true, "footer": true, "aside": true,
	"form": true, "iframe": true,
}

var enumerationLine = regexp.MustCompile(`(?m)^\s*(?:[-*+]|\d+[.)])\s+\S`)

var blankLines = regexp.MustCompile(`\n{3,}`)

// Normalize transforms raw content into its canonical form. The
// contentType decides the path: HTML, PDF, or plain text.
func (n *Normalizer) Normalize(raw []byte, contentType, baseURL string) (*crawl.NormalizedContent, error) {
	mediaType := strings.ToLower(contentType)
	if idx := strings.Index(mediaType, ";"); idx != -1 {
		mediaType = mediaType[:idx]
	}
	mediaType = strings.TrimSpace(mediaType)

	var (
		content  *crawl.NormalizedContent
		err      error
		fromHTML bool
	)

	switch {
	case mediaType == "application/pdf":
		content, err = n.normalizePDF(raw)
	case mediaType == "text/html" || mediaType == "application/xhtml+xml" || mediaType == "":
		content, err = n.normalizeHTML(raw, baseURL)
		fromHTML = true
	default:
		content = n.normalizePlainText(raw)
	}
	if err != nil {
		return nil, err
	}

	if n.config.MaxTextLength > 0 && len(content.Text) > n.config.MaxTextLength {
		content.Text = content.Text[:n.config.MaxTextLength]
	}
	content.WordCount = len(strings.Fields(content.Text))
	// Text-level enumeration detection only for non-HTML content; the
	// HTML path already judged list structure on the tree, and rendered
	// markdown bullets would re-trigger here
	if !fromHTML && !content.HasEnumerations {
		content.HasEnumerations = enumerationLine.MatchString(content.Text)
	}

	log.Debug().
		Str("content_type", mediaType).
		Int("word_count", content.WordCount).
		Int("links", len(content.Links)).
		Int("media", len(content.Media)).
		Bool("has_tables", content.HasTables).
		Msg("Content normalized")

	return content, nil
}

// normalizeHTML strips boilerplate, collects links and media into
// side-lists, flags tables and enumerations, and renders the remaining
// body to markdown-like text
func (n *Normalizer) normalizeHTML(raw []byte, baseURL string) (*crawl.NormalizedContent, error) {
	doc, err := html.Parse(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	content := &crawl.NormalizedContent{}

	baseHost := ""
	if parsed, err := url.Parse(baseURL); err == nil {
		baseHost = strings.ToLower(parsed.Hostname())
	}

	pruneBoilerplate(doc)
	n.collect(doc, content, baseURL, baseHost)

	var rendered bytes.Buffer
	if err := html.Render(&rendered, doc); err != nil {
		return nil, fmt.Errorf("failed to render content tree: %w", err)
	}

	sanitized := n.sanitize.Sanitize(rendered.String())
	markdown, err := htmltomarkdown.ConvertString(sanitized)
	if err != nil {
		return nil, fmt.Errorf("failed to convert to markdown: %w", err)
	}

	content.Text = collapseBlankLines(strings.TrimSpace(markdown))
	return content, nil
}

// pruneBoilerplate removes boilerplate subtrees in place
func pruneBoilerplate(n *html.Node) {
	var next *html.Node
	for c := n.FirstChild; c != nil; c = next {
		next = c.NextSibling
		if c.Type == html.ElementNode && boilerplateTags[c.Data] {
			n.RemoveChild(c)
			continue
		}
		pruneBoilerplate(c)
	}
}

// collect walks the pruned tree gathering the title, link and media
// side-lists, and structure flags
func (nz *Normalizer) collect(node *html.Node, content *crawl.NormalizedContent, baseURL, baseHost string) {
	if node.Type == html.ElementNode {
		switch node.Data {
		case "title":
			if content.Title == "" && node.FirstChild != nil && node.FirstChild.Type == html.TextNode {
				content.Title = strings.TrimSpace(node.FirstChild.Data)
			}
		case "a":
			if nz.config.KeepLinks {
				if href := attr(node, "href"); href != "" {
					if resolved, internal, ok := resolveLink(href, baseURL, baseHost); ok {
						content.Links = append(content.Links, crawl.LinkRef{
							URL:      resolved,
							Text:     nodeText(node),
							Internal: internal,
						})
					}
				}
			}
		case "img":
			if nz.config.KeepMedia {
				if src := attr(node, "src"); src != "" {
					if resolved, _, ok := resolveLink(src, baseURL, baseHost); ok {
						content.Media = append(content.Media, crawl.MediaRef{URL: resolved, Kind: "image", Alt: attr(node, "alt")})
					}
				}
			}
		case "video", "audio":
			if nz.config.KeepMedia {
				if src := attr(node, "src"); src != "" {
					if resolved, _, ok := resolveLink(src, baseURL, baseHost); ok {
						content.Media = append(content.Media, crawl.MediaRef{URL: resolved, Kind: node.Data})
					}
				}
			}
		case "table":
			content.HasTables = true
		case "ol":
			content.HasEnumerations = true
		case "ul":
			// Short nav-like lists survive pruning; require some bulk
			if countChildren(node, "li") >= 3 {
				content.HasEnumerations = true
			}
		}
	}

	for c := node.FirstChild; c != nil; c = c.NextSibling {
		nz.collect(c, content, baseURL, baseHost)
	}
}

// normalizePlainText collapses whitespace only
func (n *Normalizer) normalizePlainText(raw []byte) *crawl.NormalizedContent {
	text := strings.TrimSpace(string(raw))
	return &crawl.NormalizedContent{
		Text: collapseBlankLines(text),
	}
}

func attr(node *html.Node, name string) string {
	for _, a := range node.Attr {
		if a.Key == name {
			return strings.TrimSpace(a.Val)
		}
	}
	return ""
}

func nodeText(node *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(node)
	return strings.Join(strings.Fields(sb.String()), " ")
}

func countChildren(node *html.Node, tag string) int {
	count := 0
	for c := node.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && c.Data == tag {
			count++
		}
	}
	return count
}

// resolveLink resolves a possibly-relative reference against the base
// URL and classifies it as internal or external
func resolveLink(href, baseURL, baseHost string) (string, bool, bool) {
	if strings.HasPrefix(href, "#") || strings.HasPrefix(href, "javascript:") || strings.HasPrefix(href, "mailto:") {
		return "", false, false
	}

	ref, err := url.Parse(href)
	if err != nil {
		return "", false, false
	}

	if baseURL != "" {
		if base, err := url.Parse(baseURL); err == nil {
			ref = base.ResolveReference(ref)
		}
	}
	if ref.Host == "" {
		return "", false, false
	}

	internal := strings.ToLower(ref.Hostname()) == baseHost && baseHost != ""
	return ref.String(), internal, true
}

func collapseBlankLines(text string) string {
	return blankLines.ReplaceAllString(text, "\n\n")
}
