package sparql

import (
	"fmt"
	"strings"
	"unicode"
)

type tokKind int

const (
	tokWord tokKind = iota
	tokVar
	tokIRI
	tokPrefixedName
	tokString
	tokNumber
	tokOp
	tokPunct
	tokDatatype
	tokEOF
)

type token struct {
	kind   tokKind
	text   string
	prefix string // for prefixed names and prefixed datatypes
	local  string
}

func (t token) is(kind tokKind, text string) bool {
	if t.kind != kind {
		return false
	}
	if kind == tokWord {
		return strings.EqualFold(t.text, text)
	}
	return t.text == text
}

type lexer struct {
	input  []rune
	pos    int
	peeked *token
}

func newLexer(input string) *lexer {
	return &lexer{input: []rune(input)}
}

func (l *lexer) peek() (token, error) {
	if l.peeked == nil {
		tok, err := l.scan()
		if err != nil {
			return token{}, err
		}
		l.peeked = &tok
	}
	return *l.peeked, nil
}

func (l *lexer) consume() {
	l.peeked = nil
}

func (l *lexer) next() (token, error) {
	if l.peeked != nil {
		tok := *l.peeked
		l.peeked = nil
		return tok, nil
	}
	return l.scan()
}

func (l *lexer) scan() (token, error) {
	for l.pos < len(l.input) && unicode.IsSpace(l.input[l.pos]) {
		l.pos++
	}
	if l.pos >= len(l.input) {
		return token{kind: tokEOF}, nil
	}
	c := l.input[l.pos]
	switch {
	case c == '<':
		return l.scanIRI()
	case c == '?' || c == '$':
		return l.scanVar()
	case c == '"' || c == '\'':
		return l.scanString(c)
	case c == '^':
		return l.scanDatatype()
	case strings.ContainsRune("{}().,;*", c):
		l.pos++
		return token{kind: tokPunct, text: string(c)}, nil
	case strings.ContainsRune("=!<>", c):
		return l.scanOp()
	case unicode.IsDigit(c) || (c == '-' && l.pos+1 < len(l.input) && unicode.IsDigit(l.input[l.pos+1])):
		return l.scanNumber()
	case unicode.IsLetter(c) || c == '_':
		return l.scanWord()
	default:
		return token{}, fmt.Errorf("%w: unexpected character %q", ErrSyntax, c)
	}
}

func (l *lexer) scanIRI() (token, error) {
	start := l.pos + 1
	for i := start; i < len(l.input); i++ {
		if l.input[i] == '>' {
			l.pos = i + 1
			return token{kind: tokIRI, text: string(l.input[start:i])}, nil
		}
	}
	return token{}, fmt.Errorf("%w: unterminated IRI", ErrSyntax)
}

func (l *lexer) scanVar() (token, error) {
	l.pos++
	start := l.pos
	for l.pos < len(l.input) && isNameRune(l.input[l.pos]) {
		l.pos++
	}
	if l.pos == start {
		return token{}, fmt.Errorf("%w: empty variable name", ErrSyntax)
	}
	return token{kind: tokVar, text: string(l.input[start:l.pos])}, nil
}

func (l *lexer) scanString(quote rune) (token, error) {
	l.pos++
	var sb strings.Builder
	for l.pos < len(l.input) {
		c := l.input[l.pos]
		if c == '\\' && l.pos+1 < len(l.input) {
			l.pos++
			next := l.input[l.pos]
			switch next {
			case 'n':
				sb.WriteRune('\n')
			case 't':
				sb.WriteRune('\t')
			default:
				sb.WriteRune(next)
			}
			l.pos++
			continue
		}
		if c == quote {
			l.pos++
			return token{kind: tokString, text: sb.String()}, nil
		}
		sb.WriteRune(c)
		l.pos++
	}
	return token{}, fmt.Errorf("%w: unterminated string", ErrSyntax)
}

func (l *lexer) scanDatatype() (token, error) {
	if l.pos+1 >= len(l.input) || l.input[l.pos+1] != '^' {
		return token{}, fmt.Errorf("%w: expected '^^'", ErrSyntax)
	}
	l.pos += 2
	if l.pos < len(l.input) && l.input[l.pos] == '<' {
		iri, err := l.scanIRI()
		if err != nil {
			return token{}, err
		}
		return token{kind: tokDatatype, text: iri.text}, nil
	}
	word, err := l.scanWord()
	if err != nil {
		return token{}, err
	}
	if word.kind != tokPrefixedName {
		return token{}, fmt.Errorf("%w: bad datatype %q", ErrSyntax, word.text)
	}
	return token{kind: tokDatatype, prefix: word.prefix, local: word.local}, nil
}

func (l *lexer) scanOp() (token, error) {
	start := l.pos
	l.pos++
	if l.pos < len(l.input) && l.input[l.pos] == '=' {
		l.pos++
	}
	op := string(l.input[start:l.pos])
	switch op {
	case "=", "==", "!=", ">", ">=", "<", "<=":
		if op == "==" {
			op = "="
		}
		return token{kind: tokOp, text: op}, nil
	}
	return token{}, fmt.Errorf("%w: bad operator %q", ErrSyntax, op)
}

func (l *lexer) scanNumber() (token, error) {
	start := l.pos
	if l.input[l.pos] == '-' {
		l.pos++
	}
	for l.pos < len(l.input) && (unicode.IsDigit(l.input[l.pos]) || l.input[l.pos] == '.') {
		l.pos++
	}
	return token{kind: tokNumber, text: string(l.input[start:l.pos])}, nil
}

func (l *lexer) scanWord() (token, error) {
	start := l.pos
	for l.pos < len(l.input) && isNameRune(l.input[l.pos]) {
		l.pos++
	}
	text := string(l.input[start:l.pos])
	// A colon turns a word into a prefixed name: pfx:local.
	if l.pos < len(l.input) && l.input[l.pos] == ':' {
		l.pos++
		localStart := l.pos
		for l.pos < len(l.input) && isLocalRune(l.input[l.pos]) {
			l.pos++
		}
		return token{
			kind:   tokPrefixedName,
			text:   text + ":" + string(l.input[localStart:l.pos]),
			prefix: text,
			local:  string(l.input[localStart:l.pos]),
		}, nil
	}
	return token{kind: tokWord, text: text}, nil
}

func isNameRune(c rune) bool {
	return unicode.IsLetter(c) || unicode.IsDigit(c) || c == '_'
}

func isLocalRune(c rune) bool {
	return isNameRune(c) || c == '-' || c == '.' || c == '/' || c == '#'
}
