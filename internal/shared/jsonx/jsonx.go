// Package jsonx decodes JSON produced by language models: it tolerates fenced
// code blocks, surrounding prose, and malformed output that the jsonrepair
// library can fix. The service never lets a parse failure abort a task, so
// callers treat errors here as degrade signals, not failures.
package jsonx

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/kaptinlin/jsonrepair"
)

// Decode unmarshals raw into v, repairing the input once when plain
// unmarshalling fails.
func Decode(raw string, v any) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fmt.Errorf("empty input")
	}
	if err := json.Unmarshal([]byte(raw), v); err == nil {
		return nil
	}
	repaired, repairErr := jsonrepair.JSONRepair(raw)
	if repairErr != nil {
		return fmt.Errorf("repair failed: %w", repairErr)
	}
	if err := json.Unmarshal([]byte(repaired), v); err != nil {
		return fmt.Errorf("unmarshal repaired json: %w", err)
	}
	return nil
}

// DecodeLoose extracts the first JSON value embedded in text (fenced block or
// inline object/array) and decodes it with repair. Model output frequently
// wraps JSON in prose or markdown fences.
func DecodeLoose(text string, v any) error {
	candidate := Extract(text)
	if candidate == "" {
		return fmt.Errorf("no json value found")
	}
	return Decode(candidate, v)
}

// Extract returns the most plausible JSON substring of text: the content of
// the first ```json fence, otherwise the outermost balanced {...} or [...]
// span. Returns "" when nothing looks like JSON.
func Extract(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}

	if fenced := extractFenced(text); fenced != "" {
		return fenced
	}

	objStart := strings.IndexByte(text, '{')
	arrStart := strings.IndexByte(text, '[')
	start := objStart
	if start == -1 || (arrStart != -1 && arrStart < start) {
		start = arrStart
	}
	if start == -1 {
		return ""
	}
	end := balancedEnd(text, start)
	if end == -1 {
		// Unbalanced tail; hand the rest to the repairer.
		return text[start:]
	}
	return text[start : end+1]
}

func extractFenced(text string) string {
	for _, marker := range []string{"```json", "```JSON", "```"} {
		idx := strings.Index(text, marker)
		if idx == -1 {
			continue
		}
		body := text[idx+len(marker):]
		if nl := strings.IndexByte(body, '\n'); nl != -1 && marker == "```" {
			body = body[nl+1:]
		}
		closing := strings.Index(body, "```")
		if closing == -1 {
			body = strings.TrimSpace(body)
		} else {
			body = strings.TrimSpace(body[:closing])
		}
		if strings.HasPrefix(body, "{") || strings.HasPrefix(body, "[") {
			return body
		}
	}
	return ""
}

func balancedEnd(text string, start int) int {
	open := text[start]
	var close byte
	switch open {
	case '{':
		close = '}'
	case '[':
		close = ']'
	default:
		return -1
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
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
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// ValidText returns s as valid UTF-8, replacing invalid bytes once. Readers
// of workspace files use this instead of failing on stray bytes.
func ValidText(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	return strings.ToValidUTF8(string(b), "�")
}
