// internal/rules/fieldpath.go
package rules

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/expr-lang/expr/file"
	"github.com/expr-lang/expr/parser/lexer"

	"github.com/flowflex/stagecondition/internal/types"
)

/*
 * Field path grammar and resolution.
 *
 * Authored field paths are dotted references into the evaluation input:
 *
 *   amount                               -> input.fields.amount
 *   input.fields.2006236814662307840     -> input.fields["2006236814662307840"]
 *   input.checklist.tasks.12.34.isCompleted
 *   input.questionnaire.answers["77"]["q1"]
 *
 * Key functions:
 *   - NormalizeFieldPath: prefixes bare paths with input.fields.
 *   - ValidateFieldPath: allow-listed grammar (rejects anything resembling code)
 *   - ParseFieldPath: normalized path -> []PathSegment
 *   - FormatPath: []PathSegment -> expression text (bracket form where needed)
 *   - Resolve: traverses decoded input following PathSegment chain
 *
 * Resolution never panics. Missing keys, nil intermediates, scalars in the
 * middle of a path and out-of-range indices all report Found=false.
 */

const inputRoot = "input"

// allowedRoots are the input branches a rule may read.
var allowedRoots = []string{
	"input.fields",
	"input.checklist",
	"input.questionnaire",
	"input.attachments",
}

// forbiddenChars never appear in a valid field path.
const forbiddenChars = ";&|`$!{}<>\\"

// forbiddenPatterns are substrings that indicate an injection attempt.
var forbiddenPatterns = []string{"__", "=>", "system.", "new ", "typeof", "..", "()", "/*", "//"}

// checklistRoot is accepted on its own by stage completion rules.
const checklistRoot = "input.checklist"

// reservedWords cannot be rendered as a dotted member name. Words the
// expression lexer reads as operators are rejected by isIdentifier as well.
var reservedWords = map[string]bool{
	"in": true, "and": true, "or": true, "not": true, "matches": true,
	"contains": true, "startsWith": true, "endsWith": true, "true": true,
	"false": true, "nil": true, "let": true, "if": true, "else": true,
}

// ResolveResult contains the resolved value and whether the path exists.
type ResolveResult struct {
	Value any  // resolved value (nil if not found)
	Found bool // true if path resolved to a value
}

// NormalizeFieldPath trims the path and prefixes input.fields. when the
// author wrote a bare field name.
func NormalizeFieldPath(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return ""
	}
	if path == inputRoot || strings.HasPrefix(path, inputRoot+".") || strings.HasPrefix(path, inputRoot+"[") {
		return path
	}
	return "input.fields." + path
}

// ValidateFieldPath checks an already-normalized path against the grammar.
func ValidateFieldPath(path string) error {
	if path == "" {
		return fmt.Errorf("%w: field path is empty", types.ErrInvalidFieldPath)
	}
	if len(path) > types.MaxFieldPathLength {
		return fmt.Errorf("%w: field path exceeds %d characters", types.ErrInvalidFieldPath, types.MaxFieldPathLength)
	}
	if i := strings.IndexAny(path, forbiddenChars); i >= 0 {
		return fmt.Errorf("%w: character %q is not allowed", types.ErrInvalidFieldPath, path[i])
	}
	lower := strings.ToLower(path)
	for _, p := range forbiddenPatterns {
		if strings.Contains(lower, p) {
			return fmt.Errorf("%w: pattern %q is not allowed", types.ErrInvalidFieldPath, p)
		}
	}

	rooted := false
	for _, root := range allowedRoots {
		if strings.HasPrefix(path, root+".") || strings.HasPrefix(path, root+"[") {
			rooted = true
			break
		}
	}
	if !rooted {
		return fmt.Errorf("%w: path must start with one of %s", types.ErrInvalidFieldPath, strings.Join(allowedRoots, ", "))
	}

	_, err := ParseFieldPath(path)
	return err
}

// ParseFieldPath splits a normalized path into segments. The leading input
// segment is dropped; the result addresses the evaluation input directly.
func ParseFieldPath(path string) ([]types.PathSegment, error) {
	var segments []types.PathSegment
	i := 0
	n := len(path)

	readName := func() (string, error) {
		start := i
		for i < n && isNameChar(path[i]) {
			i++
		}
		if start == i {
			return "", fmt.Errorf("%w: empty segment at offset %d", types.ErrInvalidFieldPath, start)
		}
		return path[start:i], nil
	}

	first, err := readName()
	if err != nil {
		return nil, err
	}
	if first != inputRoot {
		return nil, fmt.Errorf("%w: path must start with %q", types.ErrInvalidFieldPath, inputRoot)
	}

	for i < n {
		switch path[i] {
		case '.':
			i++
			name, err := readName()
			if err != nil {
				return nil, err
			}
			segments = append(segments, types.PathSegment{Key: name})
		case '[':
			seg, next, err := parseBracket(path, i)
			if err != nil {
				return nil, err
			}
			segments = append(segments, seg)
			i = next
		default:
			return nil, fmt.Errorf("%w: unexpected %q at offset %d", types.ErrInvalidFieldPath, path[i], i)
		}
	}

	if len(segments) == 0 {
		return nil, fmt.Errorf("%w: path has no field", types.ErrInvalidFieldPath)
	}
	if len(segments) > types.MaxPathDepth {
		return nil, types.ErrPathTooDeep
	}
	return segments, nil
}

// parseBracket parses ["key"], ['key'] or [n] starting at path[i] == '['.
func parseBracket(path string, i int) (types.PathSegment, int, error) {
	end := strings.IndexByte(path[i:], ']')
	if end < 0 {
		return types.PathSegment{}, 0, fmt.Errorf("%w: unbalanced bracket at offset %d", types.ErrInvalidFieldPath, i)
	}
	inner := path[i+1 : i+end]
	next := i + end + 1

	if len(inner) >= 2 && (inner[0] == '"' || inner[0] == '\'') && inner[len(inner)-1] == inner[0] {
		key := inner[1 : len(inner)-1]
		if key == "" || strings.ContainsAny(key, "\"'[]") {
			return types.PathSegment{}, 0, fmt.Errorf("%w: invalid bracket key %q", types.ErrInvalidFieldPath, inner)
		}
		return types.PathSegment{Key: key}, next, nil
	}

	idx, err := strconv.Atoi(inner)
	if err != nil || idx < 0 {
		return types.PathSegment{}, 0, fmt.Errorf("%w: bracket must hold a quoted key or an index, got %q", types.ErrInvalidFieldPath, inner)
	}
	return types.PathSegment{Index: idx, IsIndex: true}, next, nil
}

func isNameChar(c byte) bool {
	return c == '_' || c == '-' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func isIdentifier(s string) bool {
	if s == "" || reservedWords[s] {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (i > 0 && c >= '0' && c <= '9') {
			continue
		}
		return false
	}
	return lexesAsIdentifier(s)
}

// lexesAsIdentifier reports whether the expression lexer reads s as a single
// identifier token rather than a keyword operator.
func lexesAsIdentifier(s string) bool {
	tokens, err := lexer.Lex(file.NewSource(s))
	if err != nil || len(tokens) != 2 {
		return false
	}
	return tokens[0].Is(lexer.Identifier, s) && tokens[1].Is(lexer.EOF)
}

// FormatPath renders segments as an expression member chain rooted at input.
// Keys that are not plain identifiers (numeric ids, hyphens, reserved words)
// use bracket form so the expression parser reads them as map keys.
func FormatPath(path []types.PathSegment) string {
	var b strings.Builder
	b.WriteString(inputRoot)
	for _, seg := range path {
		switch {
		case seg.IsIndex:
			b.WriteString("[")
			b.WriteString(strconv.Itoa(seg.Index))
			b.WriteString("]")
		case isIdentifier(seg.Key):
			b.WriteString(".")
			b.WriteString(seg.Key)
		default:
			b.WriteString("[")
			b.WriteString(strconv.Quote(seg.Key))
			b.WriteString("]")
		}
	}
	return b.String()
}

// Resolve traverses data following path segments.
// Returns ErrPathTooDeep if path exceeds MaxPathDepth.
// Returns ErrFieldNotFound if path does not exist in data.
func Resolve(path []types.PathSegment, data any) (ResolveResult, error) {
	if len(path) > types.MaxPathDepth {
		return ResolveResult{}, types.ErrPathTooDeep
	}
	return resolveRecursive(path, data)
}

// resolveRecursive walks one segment per call. Numeric keys index into
// arrays so dotted paths like tasks.0.name work on lists too.
func resolveRecursive(path []types.PathSegment, current any) (ResolveResult, error) {
	if len(path) == 0 {
		if current == nil {
			return ResolveResult{}, types.ErrFieldNotFound
		}
		return ResolveResult{Value: current, Found: true}, nil
	}

	seg := path[0]
	remaining := path[1:]

	switch v := current.(type) {
	case map[string]any:
		val, ok := v[segmentKey(seg)]
		if !ok {
			return ResolveResult{}, types.ErrFieldNotFound
		}
		return resolveRecursive(remaining, val)

	case map[string]string:
		val, ok := v[segmentKey(seg)]
		if !ok {
			return ResolveResult{}, types.ErrFieldNotFound
		}
		return resolveRecursive(remaining, val)

	case []any:
		idx, ok := segmentIndex(seg)
		if !ok || idx >= len(v) {
			return ResolveResult{}, types.ErrFieldNotFound
		}
		return resolveRecursive(remaining, v[idx])

	case []string:
		idx, ok := segmentIndex(seg)
		if !ok || idx >= len(v) {
			return ResolveResult{}, types.ErrFieldNotFound
		}
		return resolveRecursive(remaining, v[idx])

	case []map[string]any:
		idx, ok := segmentIndex(seg)
		if !ok || idx >= len(v) {
			return ResolveResult{}, types.ErrFieldNotFound
		}
		return resolveRecursive(remaining, v[idx])

	default:
		// nil or scalar value but path continues
		return ResolveResult{}, types.ErrFieldNotFound
	}
}

func segmentKey(seg types.PathSegment) string {
	if seg.IsIndex {
		return strconv.Itoa(seg.Index)
	}
	return seg.Key
}

func segmentIndex(seg types.PathSegment) (int, bool) {
	if seg.IsIndex {
		return seg.Index, seg.Index >= 0
	}
	idx, err := strconv.Atoi(seg.Key)
	if err != nil || idx < 0 {
		return 0, false
	}
	return idx, true
}

