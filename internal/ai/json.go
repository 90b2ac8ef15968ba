package ai

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Pre-compiled patterns used by Parse.
var (
	codeFenceRegex     = regexp.MustCompile("(?s)```(?:json|JSON|javascript|js)?\\s*\\n?(.*?)\\n?```")
	trailingCommaRegex = regexp.MustCompile(`,(\s*[}\]])`)
	lineCommentRegex   = regexp.MustCompile(`(?m)^\s*//.*$`)
)

// ErrNoJSON is returned when no JSON value could be recovered from a reply.
var ErrNoJSON = errors.New("no JSON found in model response")

// maxParseInput bounds the reply size Parse will look at.
const maxParseInput = 2 << 20

// Parse decodes a model reply into T. Models wrap JSON in code fences, leave
// trailing commas and surround it with prose; each of those is tried in turn:
//  1. direct decode
//  2. strip code fences
//  3. remove trailing commas and line comments
//  4. extract the outermost balanced object or array
func Parse[T any](text string) (T, error) {
	var zero T
	if len(text) > maxParseInput {
		return zero, fmt.Errorf("model response too large (%d bytes)", len(text))
	}
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return zero, ErrNoJSON
	}

	if v, err := decode[T](trimmed); err == nil {
		return v, nil
	}

	unfenced := trimmed
	if m := codeFenceRegex.FindStringSubmatch(trimmed); m != nil {
		unfenced = strings.TrimSpace(m[1])
		if v, err := decode[T](unfenced); err == nil {
			return v, nil
		}
	}

	cleaned := cleanup(unfenced)
	if v, err := decode[T](cleaned); err == nil {
		return v, nil
	}

	if extracted := extractJSON(cleaned); extracted != "" {
		v, err := decode[T](cleanup(extracted))
		if err == nil {
			return v, nil
		}
		return zero, fmt.Errorf("decode model JSON: %w", err)
	}
	return zero, ErrNoJSON
}

func decode[T any](s string) (T, error) {
	var v T
	err := json.Unmarshal([]byte(s), &v)
	return v, err
}

func cleanup(s string) string {
	s = lineCommentRegex.ReplaceAllString(s, "")
	s = trailingCommaRegex.ReplaceAllString(s, "$1")
	return strings.TrimSpace(s)
}

// extractJSON returns the first balanced {...} or [...] in s, honouring
// string literals so braces inside values do not end the match early.
func extractJSON(s string) string {
	start := strings.IndexAny(s, "{[")
	for start >= 0 {
		if end := matchClose(s, start); end > start {
			return s[start : end+1]
		}
		next := strings.IndexAny(s[start+1:], "{[")
		if next < 0 {
			break
		}
		start += next + 1
	}
	return ""
}

func matchClose(s string, start int) int {
	var stack []byte
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) == 0 || stack[len(stack)-1] != c {
				return -1
			}
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				return i
			}
		}
	}
	return -1
}
