package eleuscript

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Detect reports whether a chat line looks like an EleuScript rule.
// It is a cheap pre-filter, not a parse: presence of the rule keyword,
// an arrow, and one of the three target constructors is enough.
func Detect(text string) bool {
	if !strings.Contains(text, "rule") {
		return false
	}
	if !strings.Contains(text, "->") && !strings.Contains(text, "→") {
		return false
	}
	return strings.Contains(text, "Policy(") ||
		strings.Contains(text, "Forum(") ||
		strings.Contains(text, "Service(")
}

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokString
	tokNumber
	tokCurrency
	tokArrow
	tokLParen
	tokRParen
	tokLBracket
	tokRBracket
	tokLBrace
	tokRBrace
	tokComma
	tokAssign
	tokInvalid
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func (k tokenKind) String() string {
	switch k {
	case tokEOF:
		return "end of input"
	case tokIdent:
		return "identifier"
	case tokString:
		return "string"
	case tokNumber:
		return "number"
	case tokCurrency:
		return "currency amount"
	case tokArrow:
		return "'->'"
	case tokLParen:
		return "'('"
	case tokRParen:
		return "')'"
	case tokLBracket:
		return "'['"
	case tokRBracket:
		return "']'"
	case tokLBrace:
		return "'{'"
	case tokRBrace:
		return "'}'"
	case tokComma:
		return "','"
	case tokAssign:
		return "'='"
	default:
		return "invalid token"
	}
}

func lex(input string) []token {
	runes := []rune(input)
	var toks []token
	i := 0
	push := func(kind tokenKind, text string, pos int) {
		toks = append(toks, token{kind: kind, text: text, pos: pos})
	}
	for i < len(runes) {
		r := runes[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '→':
			push(tokArrow, "→", i)
			i++
		case r == '-' && i+1 < len(runes) && runes[i+1] == '>':
			push(tokArrow, "->", i)
			i += 2
		case r == '(':
			push(tokLParen, "(", i)
			i++
		case r == ')':
			push(tokRParen, ")", i)
			i++
		case r == '[':
			push(tokLBracket, "[", i)
			i++
		case r == ']':
			push(tokRBracket, "]", i)
			i++
		case r == '{':
			push(tokLBrace, "{", i)
			i++
		case r == '}':
			push(tokRBrace, "}", i)
			i++
		case r == ',':
			push(tokComma, ",", i)
			i++
		case r == '=' || r == ':':
			push(tokAssign, string(r), i)
			i++
		case r == '"' || r == '\'':
			quote := r
			start := i
			i++
			var sb strings.Builder
			closed := false
			for i < len(runes) {
				if runes[i] == '\\' && i+1 < len(runes) {
					sb.WriteRune(runes[i+1])
					i += 2
					continue
				}
				if runes[i] == quote {
					closed = true
					i++
					break
				}
				sb.WriteRune(runes[i])
				i++
			}
			if !closed {
				push(tokInvalid, string(runes[start:]), start)
			} else {
				push(tokString, sb.String(), start)
			}
		case r == '$':
			start := i
			i++
			for i < len(runes) {
				if unicode.IsDigit(runes[i]) || runes[i] == '.' {
					i++
					continue
				}
				// a comma belongs to the amount only as a thousands
				// separator; a comma before a non-digit delimits the
				// next parameter
				if runes[i] == ',' && i+1 < len(runes) && unicode.IsDigit(runes[i+1]) {
					i++
					continue
				}
				break
			}
			push(tokCurrency, string(runes[start:i]), start)
		case unicode.IsDigit(r) || (r == '-' && i+1 < len(runes) && unicode.IsDigit(runes[i+1])):
			start := i
			i++
			for i < len(runes) && (unicode.IsDigit(runes[i]) || runes[i] == '.') {
				i++
			}
			push(tokNumber, string(runes[start:i]), start)
		case unicode.IsLetter(r) || r == '_':
			start := i
			for i < len(runes) && (unicode.IsLetter(runes[i]) || unicode.IsDigit(runes[i]) || runes[i] == '_' || runes[i] == '.') {
				i++
			}
			push(tokIdent, string(runes[start:i]), start)
		default:
			push(tokInvalid, string(r), i)
			i++
		}
	}
	push(tokEOF, "", len(runes))
	return toks
}

// ParseAmount converts a currency literal like "$5.00" or "$1,250.50"
// to a float. Malformed amounts parse to 0; payment validation rejects
// 0 as below the minimum, so nothing slips through on this path.
func ParseAmount(lit string) float64 {
	s := strings.TrimPrefix(strings.TrimSpace(lit), "$")
	s = strings.ReplaceAll(s, ",", "")
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return n
}

type parser struct {
	toks []token
	pos  int
	errs []string
}

func (p *parser) cur() token  { return p.toks[p.pos] }
func (p *parser) next() token { t := p.toks[p.pos]; p.pos++; return t }

func (p *parser) expect(kind tokenKind) (token, bool) {
	t := p.cur()
	if t.kind != kind {
		p.errorf("expected %s, found %s at offset %d", kind, describe(t), t.pos)
		return t, false
	}
	p.pos++
	return t, true
}

func (p *parser) errorf(format string, args ...any) {
	p.errs = append(p.errs, fmt.Sprintf(format, args...))
}

func describe(t token) string {
	if t.kind == tokEOF {
		return "end of input"
	}
	return fmt.Sprintf("%q", t.text)
}

// Parse parses a single EleuScript statement of the shape
//
//	rule <name> (->|→) Policy("<target>"[, key=value ...])
//
// with Service and Forum as the other target constructors. Parameter
// values may be strings, numbers, booleans, $-amounts, arrays, or
// nested objects. On failure it returns a *ParseError; it never panics.
func Parse(text string) (Rule, error) {
	p := &parser{toks: lex(strings.TrimSpace(text))}

	kw, ok := p.expect(tokIdent)
	if !ok || kw.text != "rule" {
		p.errorf("statement must start with the rule keyword")
		return nil, &ParseError{Errors: dedupe(p.errs)}
	}
	name, ok := p.expect(tokIdent)
	if !ok {
		p.errorf("rule name missing")
		return nil, &ParseError{Errors: dedupe(p.errs)}
	}
	if _, ok := p.expect(tokArrow); !ok {
		return nil, &ParseError{Errors: dedupe(p.errs)}
	}
	target, ok := p.expect(tokIdent)
	if !ok {
		return nil, &ParseError{Errors: dedupe(p.errs)}
	}
	switch target.text {
	case "Policy", "Service", "Forum":
	default:
		p.errorf("unknown rule target %q: want Policy, Service, or Forum", target.text)
		return nil, &ParseError{Errors: dedupe(p.errs)}
	}
	if _, ok := p.expect(tokLParen); !ok {
		return nil, &ParseError{Errors: dedupe(p.errs)}
	}
	targetName, ok := p.expect(tokString)
	if !ok {
		p.errorf("%s target requires a quoted name", target.text)
		return nil, &ParseError{Errors: dedupe(p.errs)}
	}
	if targetName.text == "" {
		p.errorf("%s target name must not be empty", target.text)
	}

	params := map[string]any{}
	for p.cur().kind == tokComma {
		p.next()
		key, ok := p.expect(tokIdent)
		if !ok {
			return nil, &ParseError{Errors: dedupe(p.errs)}
		}
		if _, ok := p.expect(tokAssign); !ok {
			return nil, &ParseError{Errors: dedupe(p.errs)}
		}
		val, ok := p.parseValue()
		if !ok {
			return nil, &ParseError{Errors: dedupe(p.errs)}
		}
		params[key.text] = val
	}
	if _, ok := p.expect(tokRParen); !ok {
		return nil, &ParseError{Errors: dedupe(p.errs)}
	}
	if p.cur().kind != tokEOF {
		p.errorf("unexpected trailing content %s at offset %d", describe(p.cur()), p.cur().pos)
	}
	if len(p.errs) > 0 {
		return nil, &ParseError{Errors: dedupe(p.errs)}
	}
	return bindRule(name.text, target.text, targetName.text, params), nil
}

func (p *parser) parseValue() (any, bool) {
	t := p.cur()
	switch t.kind {
	case tokString:
		p.next()
		return t.text, true
	case tokNumber:
		p.next()
		n, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			p.errorf("invalid number %q at offset %d", t.text, t.pos)
			return nil, false
		}
		return n, true
	case tokCurrency:
		p.next()
		return ParseAmount(t.text), true
	case tokIdent:
		p.next()
		switch t.text {
		case "true":
			return true, true
		case "false":
			return false, true
		default:
			// bare identifiers (payerId=A) read as strings
			return t.text, true
		}
	case tokLBracket:
		return p.parseArray()
	case tokLBrace:
		return p.parseObject()
	default:
		p.errorf("expected a value, found %s at offset %d", describe(t), t.pos)
		return nil, false
	}
}

func (p *parser) parseArray() (any, bool) {
	p.next() // [
	var items []any
	if p.cur().kind == tokRBracket {
		p.next()
		return items, true
	}
	for {
		v, ok := p.parseValue()
		if !ok {
			return nil, false
		}
		items = append(items, v)
		switch p.cur().kind {
		case tokComma:
			p.next()
		case tokRBracket:
			p.next()
			return items, true
		default:
			p.errorf("expected ',' or ']' in array, found %s at offset %d", describe(p.cur()), p.cur().pos)
			return nil, false
		}
	}
}

func (p *parser) parseObject() (any, bool) {
	p.next() // {
	obj := map[string]any{}
	if p.cur().kind == tokRBrace {
		p.next()
		return obj, true
	}
	for {
		key := p.cur()
		if key.kind != tokIdent && key.kind != tokString {
			p.errorf("expected object key, found %s at offset %d", describe(key), key.pos)
			return nil, false
		}
		p.next()
		if _, ok := p.expect(tokAssign); !ok {
			return nil, false
		}
		v, ok := p.parseValue()
		if !ok {
			return nil, false
		}
		obj[key.text] = v
		switch p.cur().kind {
		case tokComma:
			p.next()
		case tokRBrace:
			p.next()
			return obj, true
		default:
			p.errorf("expected ',' or '}' in object, found %s at offset %d", describe(p.cur()), p.cur().pos)
			return nil, false
		}
	}
}

func dedupe(in []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
