package artifact

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// Marker is the line prefix scripts print to announce their artifacts, e.g.
//
//	Generated files: ['report.html', 'equity.html']
const Marker = "Generated files:"

// ParseSelfReport scans output for the marker line and parses the list that
// follows it. Lines whose payload is not a list literal are skipped. The first
// line that does parse ends the scan; an empty list there is reported as no
// usable list.
func ParseSelfReport(output string) ([]string, bool) {
	for _, line := range strings.Split(output, "\n") {
		idx := strings.Index(line, Marker)
		if idx < 0 {
			continue
		}
		files, err := parseListLiteral(line[idx+len(Marker):])
		if err != nil {
			continue
		}
		if len(files) == 0 {
			return nil, false
		}
		return files, true
	}
	return nil, false
}

// parseListLiteral accepts a list or tuple literal whose items are quoted
// strings, in either JSON or Python quoting. Adjacent literals inside one item
// are concatenated. Anything else between items, such as bare words, is
// rejected.
func parseListLiteral(s string) ([]string, error) {
	s = strings.TrimSpace(strings.TrimSuffix(s, "\r"))
	if len(s) < 2 {
		return nil, errors.New("too short")
	}
	tuple := false
	switch {
	case s[0] == '[' && s[len(s)-1] == ']':
	case s[0] == '(' && s[len(s)-1] == ')':
		tuple = true
	default:
		return nil, fmt.Errorf("not a list literal: %q", s)
	}

	items, trailingComma, err := scanItems(s[1 : len(s)-1])
	if err != nil {
		return nil, err
	}
	// ('a.html') is a parenthesized string, not a tuple
	if tuple && len(items) == 1 && !trailingComma {
		return nil, errors.New("parenthesized string is not a tuple")
	}

	files := make([]string, 0, len(items))
	for _, parts := range items {
		var name strings.Builder
		for _, lit := range parts {
			v, err := decodeString(lit)
			if err != nil {
				return nil, err
			}
			name.WriteString(v)
		}
		files = append(files, name.String())
	}
	return files, nil
}

// scanItems splits the body of a list literal into items, each a run of one
// or more raw quoted literals.
func scanItems(body string) ([][]string, bool, error) {
	var (
		items    [][]string
		current  []string
		trailing bool
	)
	i := 0
	for {
		for i < len(body) && isSpace(body[i]) {
			i++
		}
		if i == len(body) {
			break
		}
		switch c := body[i]; {
		case c == '\'' || c == '"':
			end, err := closingQuote(body, i)
			if err != nil {
				return nil, false, err
			}
			current = append(current, body[i:end+1])
			trailing = false
			i = end + 1
		case c == ',':
			if len(current) == 0 {
				return nil, false, fmt.Errorf("empty item at offset %d", i)
			}
			items = append(items, current)
			current = nil
			trailing = true
			i++
		default:
			return nil, false, fmt.Errorf("unexpected %q at offset %d", c, i)
		}
	}
	if len(current) > 0 {
		items = append(items, current)
	}
	return items, trailing, nil
}

func closingQuote(s string, start int) (int, error) {
	q := s[start]
	for i := start + 1; i < len(s); i++ {
		switch s[i] {
		case '\\':
			i++
		case q:
			return i, nil
		}
	}
	return 0, errors.New("unterminated string")
}

// decodeString turns one quoted literal into its value. Single-quoted
// literals are rewritten to JSON by jsonrepair.
func decodeString(lit string) (string, error) {
	if lit[0] == '\'' {
		repaired, err := jsonrepair.JSONRepair(lit)
		if err != nil {
			return "", err
		}
		lit = repaired
	}
	var v string
	if err := json.Unmarshal([]byte(lit), &v); err != nil {
		return "", fmt.Errorf("decode %s: %w", lit, err)
	}
	return v, nil
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

// ReadManifest reads the structured result channel: a JSON array of names or
// an object with a "files" array. A missing file means the script did not
// use the channel.
func ReadManifest(path string) ([]string, bool, error) {
	if path == "" {
		return nil, false, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}

	var files []string
	if err := json.Unmarshal(data, &files); err == nil {
		return files, true, nil
	}
	var wrapped struct {
		Files []string `json:"files"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, false, fmt.Errorf("decode manifest %s: %w", path, err)
	}
	if wrapped.Files == nil {
		return nil, false, fmt.Errorf("decode manifest %s: no files key", path)
	}
	return wrapped.Files, true, nil
}
