package matcher

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/tokenlens/tokenlens/pkg/source"
)

// Specificity classes order match kinds from most to least specific:
// exact > domain > path-prefix > regex
type Specificity int

const (
	SpecificityRegex Specificity = iota + 1
	SpecificityPathPrefix
	SpecificityDomain
	SpecificityExact
)

// SpecificityOf returns the specificity class for a match kind
func SpecificityOf(kind source.MatchKind) Specificity {
	switch kind {
	case source.MatchExact:
		return SpecificityExact
	case source.MatchDomain:
		return SpecificityDomain
	case source.MatchPathPrefix:
		return SpecificityPathPrefix
	default:
		return SpecificityRegex
	}
}

// Match is one rule that matched a URL, tagged with its specificity class
type Match struct {
	Rule        source.MatchRule `json:"rule"`
	Specificity Specificity      `json:"specificity"`
}

// NormalizeURL canonicalizes a URL for matching: lower-cased scheme and
// host, trailing slash stripped
func NormalizeURL(raw string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("invalid URL %q: %w", raw, err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", fmt.Errorf("URL %q must have scheme and host", raw)
	}

	parsed.Scheme = strings.ToLower(parsed.Scheme)
	parsed.Host = strings.ToLower(parsed.Host)
	parsed.Path = strings.TrimSuffix(parsed.Path, "/")

	return parsed.String(), nil
}

// MatchURL returns the subset of rules matching the URL, each tagged
// with its specificity class. Matching is deterministic and side-effect
// free: output order follows input rule order. No match is not an error.
func MatchURL(rawURL string, rules []source.MatchRule) ([]Match, error) {
	normalized, err := NormalizeURL(rawURL)
	if err != nil {
		return nil, err
	}
	parsed, _ := url.Parse(normalized)

	matches := make([]Match, 0, len(rules))
	for _, rule := range rules {
		if ruleMatches(rule, normalized, parsed) {
			matches = append(matches, Match{
				Rule:        rule,
				Specificity: SpecificityOf(rule.Kind),
			})
		}
	}
	return matches, nil
}

func ruleMatches(rule source.MatchRule, normalized string, parsed *url.URL) bool {
	switch rule.Kind {
	case source.MatchExact:
		target, err := NormalizeURL(rule.Pattern)
		if err != nil {
			return false
		}
		return normalized == target

	case source.MatchDomain:
		pattern := strings.ToLower(strings.TrimSpace(rule.Pattern))
		host := hostname(parsed.Host)
		return host == pattern || strings.HasSuffix(host, "."+pattern)

	case source.MatchPathPrefix:
		patternHost, patternPath := splitHostPath(rule.Pattern)
		if hostname(parsed.Host) != patternHost {
			return false
		}
		return strings.HasPrefix(parsed.Path, strings.TrimSuffix(patternPath, "/"))

	case source.MatchRegex:
		re, err := regexp.Compile(anchored(rule.Pattern))
		if err != nil {
			return false
		}
		return re.MatchString(normalized)
	}
	return false
}

// hostname strips an explicit port from a host
func hostname(host string) string {
	if idx := strings.LastIndex(host, ":"); idx != -1 && !strings.Contains(host[idx:], "]") {
		return host[:idx]
	}
	return host
}

// splitHostPath splits a path-prefix pattern into host and path parts.
// Accepts both "example.com/blog" and "https://example.com/blog".
func splitHostPath(pattern string) (string, string) {
	pattern = strings.TrimSpace(pattern)
	if strings.Contains(pattern, "://") {
		if parsed, err := url.Parse(pattern); err == nil {
			return strings.ToLower(hostname(parsed.Host)), parsed.Path
		}
	}
	if idx := strings.Index(pattern, "/"); idx != -1 {
		return strings.ToLower(pattern[:idx]), pattern[idx:]
	}
	return strings.ToLower(pattern), ""
}

// anchored wraps a regex pattern so it matches the full URL
func anchored(pattern string) string {
	if !strings.HasPrefix(pattern, "^") {
		pattern = "^" + pattern
	}
	if !strings.HasSuffix(pattern, "$") {
		pattern = pattern + "$"
	}
	return pattern
}
