package agent

import (
	"encoding/json"
	"regexp"
	"sort"
	"strings"
)

var fenceRe = regexp.MustCompile("(?s)```[A-Za-z0-9_+-]*[ \t]*\r?\n(.*?)```")

type candidate struct {
	pos  int
	text string
}

// extractCandidates returns possible JSON payloads in text, later ones first.
// Fenced block bodies and top-level brace-matched objects are merged and
// deduplicated.
func extractCandidates(text string) []string {
	var all []candidate
	for _, m := range fenceRe.FindAllStringSubmatchIndex(text, -1) {
		all = append(all, candidate{pos: m[2], text: strings.TrimSpace(text[m[2]:m[3]])})
	}
	all = append(all, findJSONObjects(text)...)
	sort.SliceStable(all, func(i, j int) bool { return all[i].pos > all[j].pos })

	seen := make(map[string]bool, len(all))
	out := make([]string, 0, len(all))
	for _, c := range all {
		if c.text == "" || seen[c.text] {
			continue
		}
		seen[c.text] = true
		out = append(out, c.text)
	}
	return out
}

// findJSONObjects scans for top-level {...} spans, skipping braces inside
// string literals. ASCII delimiters never occur inside multi-byte UTF-8
// sequences, so byte iteration is safe.
func findJSONObjects(s string) []candidate {
	var out []candidate
	depth, start := 0, -1
	inString, escape := false, false

	for i := 0; i < len(s); i++ {
		b := s[i]
		if escape {
			escape = false
			continue
		}
		if inString {
			if b == '\\' {
				escape = true
			} else if b == '"' {
				inString = false
			}
			continue
		}
		switch b {
		case '"':
			// Quotes only matter inside an object; prose apostrophes and
			// stray quotes outside must not swallow the next object.
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 && start != -1 {
					out = append(out, candidate{pos: start, text: s[start : i+1]})
					start = -1
				}
			}
		}
	}
	return out
}

// parseReply returns the first candidate, in extraction order, that decodes
// as a JSON object.
func parseReply(text string) (map[string]any, bool) {
	for _, c := range extractCandidates(text) {
		var obj map[string]any
		if err := json.Unmarshal([]byte(c), &obj); err == nil && obj != nil {
			return obj, true
		}
	}
	return nil, false
}
