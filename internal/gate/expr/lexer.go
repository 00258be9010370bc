package expr

import (
	"fmt"
	"strings"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokNumber
	tokString
	tokTemplate
	tokIdent
	tokPunct
)

type token struct {
	kind tokenKind
	text string
	num  float64
	// parts/exprs hold a template literal's alternating string chunks and
	// embedded ${...} expression source, chunks always one longer than exprs.
	parts []string
	exprs []string
}

// allowedChars is the pre-parse character allowlist: any byte
// outside this set rejects the expression before tokenization even starts,
// closing off parser-level smuggling via exotic unicode identifiers.
func allowedChars(src string) error {
	for i := 0; i < len(src); i++ {
		c := src[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case strings.ContainsRune(" \t\r\n_.,!?:;+-*/%<>=&|()[]{}'\"`$", rune(c)):
		default:
			return fmt.Errorf("character %q not permitted in expression", c)
		}
	}
	return nil
}

// denylistedTokens are substrings that must never appear in an expression,
// regardless of where: these name JS/Node globals and prototype-pollution
// vectors that a member-access-only evaluator must never be able to reach.
var denylistedTokens = []string{
	"process", "global", "globalThis", "prototype", "__proto__",
	"constructor", "import", "require", "eval", "fetch",
	"setTimeout", "setInterval", "setImmediate", "Function",
}

func checkDenylist(src string) error {
	for _, bad := range denylistedTokens {
		if strings.Contains(src, bad) {
			return fmt.Errorf("expression contains forbidden identifier %q", bad)
		}
	}
	return nil
}

type lexer struct {
	src string
	pos int
	tok token
}

func newLexer(src string) (*lexer, error) {
	if err := allowedChars(src); err != nil {
		return nil, err
	}
	if err := checkDenylist(src); err != nil {
		return nil, err
	}
	l := &lexer{src: src}
	if err := l.advance(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *lexer) skipSpace() {
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		if c == ' ' || c == '\t' || c == '\r' || c == '\n' {
			l.pos++
			continue
		}
		break
	}
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentCont(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

// multiCharPunct lists the punctuation sequences that must be matched
// greedily before falling back to single-character tokens.
var multiCharPunct = []string{
	"===", "!==", "??", "==", "!=", "<=", ">=", "&&", "||", "?.",
}

func (l *lexer) advance() error {
	l.skipSpace()
	if l.pos >= len(l.src) {
		l.tok = token{kind: tokEOF}
		return nil
	}

	c := l.src[l.pos]

	if isIdentStart(c) {
		start := l.pos
		for l.pos < len(l.src) && isIdentCont(l.src[l.pos]) {
			l.pos++
		}
		l.tok = token{kind: tokIdent, text: l.src[start:l.pos]}
		return nil
	}

	if isDigit(c) || (c == '.' && l.pos+1 < len(l.src) && isDigit(l.src[l.pos+1])) {
		start := l.pos
		for l.pos < len(l.src) && (isDigit(l.src[l.pos]) || l.src[l.pos] == '.') {
			l.pos++
		}
		text := l.src[start:l.pos]
		var f float64
		if _, err := fmt.Sscanf(text, "%g", &f); err != nil {
			return fmt.Errorf("invalid number %q", text)
		}
		l.tok = token{kind: tokNumber, text: text, num: f}
		return nil
	}

	if c == '\'' || c == '"' {
		s, err := l.scanString(c)
		if err != nil {
			return err
		}
		l.tok = token{kind: tokString, text: s}
		return nil
	}

	if c == '`' {
		parts, exprs, err := l.scanTemplate()
		if err != nil {
			return err
		}
		l.tok = token{kind: tokTemplate, parts: parts, exprs: exprs}
		return nil
	}

	for _, p := range multiCharPunct {
		if strings.HasPrefix(l.src[l.pos:], p) {
			l.pos += len(p)
			l.tok = token{kind: tokPunct, text: p}
			return nil
		}
	}

	l.pos++
	l.tok = token{kind: tokPunct, text: string(c)}
	return nil
}

func (l *lexer) scanString(quote byte) (string, error) {
	l.pos++ // opening quote
	var sb strings.Builder
	for {
		if l.pos >= len(l.src) {
			return "", fmt.Errorf("unterminated string literal")
		}
		c := l.src[l.pos]
		if c == quote {
			l.pos++
			return sb.String(), nil
		}
		if c == '\\' && l.pos+1 < len(l.src) {
			sb.WriteByte(l.src[l.pos+1])
			l.pos += 2
			continue
		}
		sb.WriteByte(c)
		l.pos++
	}
}

// scanTemplate splits a `...${expr}...` literal into alternating literal
// chunks and the raw source of each ${} expression, to be parsed recursively.
func (l *lexer) scanTemplate() ([]string, []string, error) {
	l.pos++ // opening backtick
	var parts []string
	var exprs []string
	var sb strings.Builder
	for {
		if l.pos >= len(l.src) {
			return nil, nil, fmt.Errorf("unterminated template literal")
		}
		c := l.src[l.pos]
		if c == '`' {
			l.pos++
			parts = append(parts, sb.String())
			return parts, exprs, nil
		}
		if c == '$' && l.pos+1 < len(l.src) && l.src[l.pos+1] == '{' {
			parts = append(parts, sb.String())
			sb.Reset()
			l.pos += 2
			start := l.pos
			depth := 1
			for l.pos < len(l.src) && depth > 0 {
				switch l.src[l.pos] {
				case '{':
					depth++
				case '}':
					depth--
					if depth == 0 {
						continue
					}
				}
				l.pos++
			}
			if depth != 0 {
				return nil, nil, fmt.Errorf("unterminated ${} in template literal")
			}
			exprs = append(exprs, l.src[start:l.pos])
			l.pos++ // closing brace
			continue
		}
		if c == '\\' && l.pos+1 < len(l.src) {
			sb.WriteByte(l.src[l.pos+1])
			l.pos += 2
			continue
		}
		sb.WriteByte(c)
		l.pos++
	}
}
