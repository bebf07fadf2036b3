package action

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Call is a parsed pseudocode invocation like click("File menu", 1, "left").
type Call struct {
	Name   string
	Args   []Value
	Kwargs map[string]Value
}

// ValueKind discriminates parsed argument values.
type ValueKind int

const (
	ValueString ValueKind = iota
	ValueNumber
	ValueBool
	ValueNil
	ValueList
)

// Value is one parsed argument.
type Value struct {
	Kind ValueKind
	Str  string
	Num  float64
	Bool bool
	List []Value
}

// AsString returns the string form of scalar values.
func (v Value) AsString() string {
	switch v.Kind {
	case ValueString:
		return v.Str
	case ValueNumber:
		return strconv.FormatFloat(v.Num, 'f', -1, 64)
	case ValueBool:
		return strconv.FormatBool(v.Bool)
	default:
		return ""
	}
}

// AsInt returns the integer form, truncating numbers.
func (v Value) AsInt(fallback int) int {
	switch v.Kind {
	case ValueNumber:
		return int(v.Num)
	case ValueString:
		if n, err := strconv.Atoi(strings.TrimSpace(v.Str)); err == nil {
			return n
		}
	}
	return fallback
}

// AsFloat returns the numeric form.
func (v Value) AsFloat(fallback float64) float64 {
	switch v.Kind {
	case ValueNumber:
		return v.Num
	case ValueString:
		if f, err := strconv.ParseFloat(strings.TrimSpace(v.Str), 64); err == nil {
			return f
		}
	}
	return fallback
}

// AsBool returns the boolean form.
func (v Value) AsBool(fallback bool) bool {
	switch v.Kind {
	case ValueBool:
		return v.Bool
	case ValueString:
		if b, err := strconv.ParseBool(strings.ToLower(strings.TrimSpace(v.Str))); err == nil {
			return b
		}
	}
	return fallback
}

// AsStringList flattens a list value into strings.
func (v Value) AsStringList() []string {
	if v.Kind != ValueList {
		if s := v.AsString(); s != "" {
			return []string{s}
		}
		return nil
	}
	out := make([]string, 0, len(v.List))
	for _, item := range v.List {
		out = append(out, item.AsString())
	}
	return out
}

// Matches the generator's grounded calls, including quoted arguments with
// embedded parentheses. Same approximation the upstream models are prompted
// to satisfy: one level of nesting inside quotes only.
var agentCallPattern = regexp.MustCompile(`agent\.[a-zA-Z_]+\((?:[^()'"]|'[^']*'|"[^"]*")*\)`)

var bareCallPattern = regexp.MustCompile(`\b[a-zA-Z_]+\((?:[^()'"]|'[^']*'|"[^"]*")*\)`)

// ParseCall extracts the first pseudocode call from generator output.
// Bare WAIT / DONE / FAIL sentinels map to the corresponding calls. Fenced
// code blocks are preferred; otherwise the first agent.* call anywhere in
// the text wins, then any bare call.
func ParseCall(text string) (Call, error) {
	code := extractCode(text)
	if code == "" {
		return Call{}, fmt.Errorf("no action code found")
	}

	switch strings.ToUpper(strings.TrimSpace(code)) {
	case "WAIT":
		return Call{Name: "wait"}, nil
	case "DONE":
		return Call{Name: "done"}, nil
	case "FAIL":
		return Call{Name: "fail"}, nil
	}

	match := agentCallPattern.FindString(code)
	if match == "" {
		match = bareCallPattern.FindString(code)
	}
	if match == "" {
		return Call{}, fmt.Errorf("no call expression in %q", firstLine(code))
	}
	return parseCallExpr(match)
}

func extractCode(text string) string {
	trimmed := strings.TrimSpace(text)
	upper := strings.ToUpper(trimmed)
	if upper == "WAIT" || upper == "DONE" || upper == "FAIL" {
		return upper
	}

	if blocks := fencedBlocks(trimmed); len(blocks) > 0 {
		block := blocks[0]
		// A trailing sentinel line overrides the code above it.
		lines := strings.Split(block, "\n")
		last := strings.ToUpper(strings.TrimSpace(lines[len(lines)-1]))
		if last == "WAIT" || last == "DONE" || last == "FAIL" {
			if len(lines) == 1 {
				return last
			}
			// Keep the code; the sentinel applies to the following step.
			return strings.Join(lines[:len(lines)-1], "\n")
		}
		return block
	}
	return trimmed
}

func fencedBlocks(text string) []string {
	var blocks []string
	remaining := text
	for {
		start := strings.Index(remaining, "```")
		if start == -1 {
			break
		}
		rest := remaining[start+3:]
		// Drop an optional language tag on the opening fence.
		if nl := strings.IndexByte(rest, '\n'); nl != -1 {
			head := strings.TrimSpace(rest[:nl])
			if head != "" && !strings.ContainsAny(head, "()") {
				rest = rest[nl+1:]
			}
		}
		end := strings.Index(rest, "```")
		if end == -1 {
			blocks = append(blocks, strings.TrimSpace(rest))
			break
		}
		blocks = append(blocks, strings.TrimSpace(rest[:end]))
		remaining = rest[end+3:]
	}
	return blocks
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx != -1 {
		return s[:idx]
	}
	return s
}

func parseCallExpr(expr string) (Call, error) {
	open := strings.IndexByte(expr, '(')
	if open == -1 || !strings.HasSuffix(expr, ")") {
		return Call{}, fmt.Errorf("malformed call %q", expr)
	}
	name := strings.TrimPrefix(expr[:open], "agent.")
	name = strings.TrimSpace(name)
	if name == "" {
		return Call{}, fmt.Errorf("call has no name: %q", expr)
	}

	call := Call{Name: strings.ToLower(name), Kwargs: map[string]Value{}}
	argText := expr[open+1 : len(expr)-1]

	args, err := splitArgs(argText)
	if err != nil {
		return Call{}, err
	}
	for _, arg := range args {
		key, valueText := splitKwarg(arg)
		value, err := parseValue(valueText)
		if err != nil {
			return Call{}, fmt.Errorf("argument %q: %w", arg, err)
		}
		if key != "" {
			call.Kwargs[key] = value
		} else {
			call.Args = append(call.Args, value)
		}
	}
	return call, nil
}

// splitArgs splits on top-level commas, respecting quotes and brackets.
func splitArgs(text string) ([]string, error) {
	var args []string
	var depth int
	var quote byte
	start := 0
	for i := 0; i < len(text); i++ {
		c := text[i]
		if quote != 0 {
			if c == '\\' {
				i++
			} else if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '\'', '"':
			quote = c
		case '[', '(':
			depth++
		case ']', ')':
			depth--
			if depth < 0 {
				return nil, fmt.Errorf("unbalanced brackets in %q", text)
			}
		case ',':
			if depth == 0 {
				args = append(args, strings.TrimSpace(text[start:i]))
				start = i + 1
			}
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("unterminated quote in %q", text)
	}
	if tail := strings.TrimSpace(text[start:]); tail != "" {
		args = append(args, tail)
	}
	return args, nil
}

func splitKwarg(arg string) (key, value string) {
	for i := 0; i < len(arg); i++ {
		c := arg[i]
		if c == '=' && i > 0 && (i+1 >= len(arg) || arg[i+1] != '=') {
			candidate := strings.TrimSpace(arg[:i])
			if isIdentifier(candidate) {
				return candidate, strings.TrimSpace(arg[i+1:])
			}
			return "", arg
		}
		if c == '\'' || c == '"' || c == '[' {
			break
		}
	}
	return "", arg
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		if r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
			continue
		}
		if i > 0 && r >= '0' && r <= '9' {
			continue
		}
		return false
	}
	return true
}

func parseValue(text string) (Value, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Value{Kind: ValueNil}, nil
	}

	if len(text) >= 2 && (text[0] == '\'' || text[0] == '"') && text[len(text)-1] == text[0] {
		return Value{Kind: ValueString, Str: unescape(text[1 : len(text)-1])}, nil
	}

	switch strings.ToLower(text) {
	case "true":
		return Value{Kind: ValueBool, Bool: true}, nil
	case "false":
		return Value{Kind: ValueBool, Bool: false}, nil
	case "none", "null":
		return Value{Kind: ValueNil}, nil
	}

	if text[0] == '[' && text[len(text)-1] == ']' {
		items, err := splitArgs(text[1 : len(text)-1])
		if err != nil {
			return Value{}, err
		}
		list := Value{Kind: ValueList}
		for _, item := range items {
			parsed, err := parseValue(item)
			if err != nil {
				return Value{}, err
			}
			list.List = append(list.List, parsed)
		}
		return list, nil
	}

	if num, err := strconv.ParseFloat(text, 64); err == nil {
		return Value{Kind: ValueNumber, Num: num}, nil
	}

	// Unquoted bareword; the repair-friendly choice is to treat it as text.
	return Value{Kind: ValueString, Str: text}, nil
}

func unescape(s string) string {
	replacer := strings.NewReplacer(`\'`, `'`, `\"`, `"`, `\\`, `\`, `\n`, "\n", `\t`, "\t")
	return replacer.Replace(s)
}
