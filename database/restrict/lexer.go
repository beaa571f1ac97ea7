package restrict

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokQuoted
	tokString
	tokNumber
	tokParam
	tokPunct
)

type token struct {
	kind tokenKind
	// val is lowercased for unquoted identifiers.
	val string
	pos int
	end int
}

func (t token) is(keywords ...string) bool {
	if t.kind != tokIdent {
		return false
	}
	for _, k := range keywords {
		if t.val == k {
			return true
		}
	}
	return false
}

func (t token) isPunct(p string) bool {
	return t.kind == tokPunct && t.val == p
}

func (t token) isName() bool {
	return t.kind == tokIdent || t.kind == tokQuoted
}

// SyntaxError is returned when a SQL string cannot be tokenized.
type SyntaxError struct {
	Pos int
	Msg string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("sql syntax error at offset %d: %s", e.Pos, e.Msg)
}

func isIdentStart(r rune) bool {
	return r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || r >= utf8.RuneSelf
}

func isIdentPart(r rune) bool {
	return isIdentStart(r) || (r >= '0' && r <= '9') || r == '$'
}

func isDigit(b byte) bool {
	return b >= '0' && b <= '9'
}

// lex splits sql into tokens. Comments are dropped. String literals, quoted identifiers and dollar-quoted bodies are
// single opaque tokens.
func lex(sql string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(sql) {
		c := sql[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f':
			i++

		case c == '-' && i+1 < len(sql) && sql[i+1] == '-':
			for i < len(sql) && sql[i] != '\n' {
				i++
			}

		case c == '/' && i+1 < len(sql) && sql[i+1] == '*':
			end, err := skipBlockComment(sql, i)
			if err != nil {
				return nil, err
			}
			i = end

		case c == '\'':
			end, err := skipQuoted(sql, i, '\'', false)
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{kind: tokString, val: sql[i:end], pos: i, end: end})
			i = end

		case c == '"':
			end, err := skipQuoted(sql, i, '"', false)
			if err != nil {
				return nil, err
			}
			val := strings.ReplaceAll(sql[i+1:end-1], `""`, `"`)
			toks = append(toks, token{kind: tokQuoted, val: val, pos: i, end: end})
			i = end

		case c == '$':
			if i+1 < len(sql) && isDigit(sql[i+1]) {
				j := i + 1
				for j < len(sql) && isDigit(sql[j]) {
					j++
				}
				toks = append(toks, token{kind: tokParam, val: sql[i:j], pos: i, end: j})
				i = j
				continue
			}
			end, ok, err := skipDollarQuoted(sql, i)
			if err != nil {
				return nil, err
			}
			if !ok {
				toks = append(toks, token{kind: tokPunct, val: "$", pos: i, end: i + 1})
				i++
				continue
			}
			toks = append(toks, token{kind: tokString, val: sql[i:end], pos: i, end: end})
			i = end

		case isDigit(c):
			j := i
			for j < len(sql) && (isDigit(sql[j]) || sql[j] == '.' || sql[j] == 'e' || sql[j] == 'E' || sql[j] == '_') {
				j++
			}
			toks = append(toks, token{kind: tokNumber, val: sql[i:j], pos: i, end: j})
			i = j

		default:
			r, size := utf8.DecodeRuneInString(sql[i:])
			if !isIdentStart(r) {
				toks = append(toks, token{kind: tokPunct, val: sql[i : i+size], pos: i, end: i + size})
				i += size
				continue
			}
			// E'...' escape strings
			if (c == 'e' || c == 'E') && i+1 < len(sql) && sql[i+1] == '\'' {
				end, err := skipQuoted(sql, i+1, '\'', true)
				if err != nil {
					return nil, err
				}
				toks = append(toks, token{kind: tokString, val: sql[i:end], pos: i, end: end})
				i = end
				continue
			}
			j := i
			for j < len(sql) {
				r, size := utf8.DecodeRuneInString(sql[j:])
				if !isIdentPart(r) {
					break
				}
				j += size
			}
			toks = append(toks, token{kind: tokIdent, val: strings.ToLower(sql[i:j]), pos: i, end: j})
			i = j
		}
	}
	return toks, nil
}

func skipBlockComment(sql string, start int) (int, error) {
	depth := 0
	i := start
	for i < len(sql)-1 {
		switch {
		case sql[i] == '/' && sql[i+1] == '*':
			depth++
			i += 2
		case sql[i] == '*' && sql[i+1] == '/':
			depth--
			i += 2
			if depth == 0 {
				return i, nil
			}
		default:
			i++
		}
	}
	return 0, &SyntaxError{Pos: start, Msg: "unterminated comment"}
}

// skipQuoted returns the offset just past the literal starting at sql[start], which must be the quote character.
// A doubled quote is an escaped quote. With backslashes set, a backslash escapes the next character.
func skipQuoted(sql string, start int, quote byte, backslashes bool) (int, error) {
	i := start + 1
	for i < len(sql) {
		switch {
		case backslashes && sql[i] == '\\':
			i += 2
		case sql[i] == quote:
			if i+1 < len(sql) && sql[i+1] == quote {
				i += 2
				continue
			}
			return i + 1, nil
		default:
			i++
		}
	}
	return 0, &SyntaxError{Pos: start, Msg: "unterminated quoted string"}
}

// skipDollarQuoted returns the offset just past the dollar-quoted string starting at sql[start]. ok is false when
// the dollar sign does not open a dollar quote.
func skipDollarQuoted(sql string, start int) (end int, ok bool, err error) {
	j := start + 1
	for j < len(sql) && sql[j] != '$' {
		r, size := utf8.DecodeRuneInString(sql[j:])
		if !isIdentPart(r) || r == '$' || (j == start+1 && !isIdentStart(r)) {
			return 0, false, nil
		}
		j += size
	}
	if j >= len(sql) {
		return 0, false, nil
	}
	delim := sql[start : j+1]
	idx := strings.Index(sql[j+1:], delim)
	if idx < 0 {
		return 0, false, &SyntaxError{Pos: start, Msg: fmt.Sprintf("unterminated dollar-quoted string %s", delim)}
	}
	return j + 1 + idx + len(delim), true, nil
}
