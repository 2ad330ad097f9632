// Package decision reconstructs the canonical, one-per-level decision trail
// from the classification service's evolving beam and milestone events.
package decision

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	pathSeparator = " > "
	groupMarker   = "[GROUP]"
)

var (
	leadingCode = regexp.MustCompile(`^(\d{2,}(?:\.\d{1,})*)`)
	markupTag   = regexp.MustCompile(`</?[^>]+(>|$)`)
)

// Segment is one classification code on a beam path with the text it came from.
type Segment struct {
	Code string
	Text string
}

// ParseTopPathSegments splits a human-readable path into its coded segments.
// Group segments and segments without a leading code are dropped, and a code
// is kept only the first time it appears. The index of each returned segment
// is its hierarchy level.
func ParseTopPathSegments(path string) []Segment {
	if path == "" {
		return nil
	}

	var (
		out  []Segment
		seen = map[string]bool{}
	)
	for _, seg := range strings.Split(path, pathSeparator) {
		if strings.Contains(seg, groupMarker) {
			continue
		}
		m := leadingCode.FindStringSubmatch(seg)
		if m == nil {
			continue
		}
		code := m[1]
		if seen[code] {
			continue
		}
		seen[code] = true
		out = append(out, Segment{Code: code, Text: seg})
	}
	return out
}

// ExtractDescription returns the text following code in segment.
// Separators are tried in order: "code - rest", "code. rest", "code rest".
// Markup tags are stripped. Falls back to "Classification <code>".
func ExtractDescription(code, segment string) string {
	rest, ok := strings.CutPrefix(segment, code)
	if !ok {
		return fallbackDescription(code)
	}
	for _, sep := range []func(string) (string, bool){afterDash, afterDot, afterSpace} {
		text, ok := sep(rest)
		if !ok {
			continue
		}
		if desc := strings.TrimSpace(markupTag.ReplaceAllString(text, "")); desc != "" {
			return desc
		}
		break
	}
	return fallbackDescription(code)
}

const blanks = " \t\n\f\r"

func afterDash(rest string) (string, bool) {
	body, ok := strings.CutPrefix(strings.TrimLeft(rest, blanks), "-")
	if !ok {
		return "", false
	}
	return description(body)
}

func afterDot(rest string) (string, bool) {
	body, ok := strings.CutPrefix(rest, ".")
	if !ok {
		return "", false
	}
	return description(body)
}

func afterSpace(rest string) (string, bool) {
	if strings.TrimLeft(rest, blanks) == rest {
		return "", false
	}
	return description(rest)
}

// description takes the first line after any leading blanks. A run of
// blanks alone still counts as a match so the caller stops searching.
func description(body string) (string, bool) {
	trimmed := strings.TrimLeft(body, blanks)
	if line, _, _ := strings.Cut(trimmed, "\n"); line != "" {
		return line, true
	}
	return "", strings.ContainsAny(body, " \t\f\r")
}

func fallbackDescription(code string) string {
	return fmt.Sprintf("Classification %s", code)
}

// LevelForCode approximates a code's hierarchy depth from its length:
// 4+ characters is a heading, 6+ a subheading, 8+ a further subdivision.
func LevelForCode(code string) int {
	switch n := len(code); {
	case n >= 8:
		return 3
	case n >= 6:
		return 2
	case n >= 4:
		return 1
	default:
		return 0
	}
}
