package definition

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Evaluate evaluates a boolean condition expression against vars.
//
// Supported syntax: comparison operators (==, !=, <, <=, >, >=), logical
// operators (&&, ||, !), parentheses, number and quoted-string literals,
// true/false, and dot-path variable access ("review.score" resolves through
// nested map[string]any values). An unresolvable variable evaluates to nil,
// which compares equal only to nil and is falsy.
func Evaluate(expr string, vars map[string]any) (bool, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return false, fmt.Errorf("empty expression")
	}

	toks, err := lex(expr)
	if err != nil {
		return false, err
	}

	p := parser{toks: toks, vars: vars}
	v, err := p.or()
	if err != nil {
		return false, err
	}
	if p.pos != len(p.toks) {
		return false, fmt.Errorf("trailing token %q in expression", p.toks[p.pos].text)
	}
	return truthy(v), nil
}

type tokKind int

const (
	tokNum tokKind = iota
	tokStr
	tokIdent
	tokOp
	tokLParen
	tokRParen
)

type tok struct {
	kind tokKind
	text string
}

func lex(expr string) ([]tok, error) {
	var toks []tok
	rs := []rune(expr)
	i := 0

	for i < len(rs) {
		c := rs[i]
		switch {
		case unicode.IsSpace(c):
			i++

		case c == '(':
			toks = append(toks, tok{tokLParen, "("})
			i++

		case c == ')':
			toks = append(toks, tok{tokRParen, ")"})
			i++

		case c == '"' || c == '\'':
			quote := c
			j := i + 1
			var b strings.Builder
			for j < len(rs) && rs[j] != quote {
				if rs[j] == '\\' && j+1 < len(rs) {
					j++
				}
				b.WriteRune(rs[j])
				j++
			}
			if j == len(rs) {
				return nil, fmt.Errorf("unterminated string at offset %d", i)
			}
			toks = append(toks, tok{tokStr, b.String()})
			i = j + 1

		case i+1 < len(rs) && isTwoCharOp(string(rs[i:i+2])):
			toks = append(toks, tok{tokOp, string(rs[i : i+2])})
			i += 2

		case c == '<' || c == '>' || c == '!':
			toks = append(toks, tok{tokOp, string(c)})
			i++

		case unicode.IsDigit(c) || (c == '-' && i+1 < len(rs) && unicode.IsDigit(rs[i+1]) && negOK(toks)):
			j := i + 1
			for j < len(rs) && (unicode.IsDigit(rs[j]) || rs[j] == '.') {
				j++
			}
			toks = append(toks, tok{tokNum, string(rs[i:j])})
			i = j

		case unicode.IsLetter(c) || c == '_':
			j := i
			for j < len(rs) && (unicode.IsLetter(rs[j]) || unicode.IsDigit(rs[j]) || rs[j] == '_' || rs[j] == '.') {
				j++
			}
			toks = append(toks, tok{tokIdent, string(rs[i:j])})
			i = j

		default:
			return nil, fmt.Errorf("unexpected character %q at offset %d", string(c), i)
		}
	}
	return toks, nil
}

func isTwoCharOp(s string) bool {
	switch s {
	case "==", "!=", "<=", ">=", "&&", "||":
		return true
	}
	return false
}

// negOK reports whether a '-' at the current position starts a negative
// number literal rather than anything else: true at expression start, after
// an operator, or after an opening parenthesis.
func negOK(toks []tok) bool {
	if len(toks) == 0 {
		return true
	}
	last := toks[len(toks)-1]
	return last.kind == tokOp || last.kind == tokLParen
}

type parser struct {
	toks []tok
	pos  int
	vars map[string]any
}

func (p *parser) peek() *tok {
	if p.pos < len(p.toks) {
		return &p.toks[p.pos]
	}
	return nil
}

func (p *parser) next() tok {
	t := p.toks[p.pos]
	p.pos++
	return t
}

func (p *parser) or() (any, error) {
	left, err := p.and()
	if err != nil {
		return nil, err
	}
	for t := p.peek(); t != nil && t.kind == tokOp && t.text == "||"; t = p.peek() {
		p.next()
		right, err := p.and()
		if err != nil {
			return nil, err
		}
		left = truthy(left) || truthy(right)
	}
	return left, nil
}

func (p *parser) and() (any, error) {
	left, err := p.cmp()
	if err != nil {
		return nil, err
	}
	for t := p.peek(); t != nil && t.kind == tokOp && t.text == "&&"; t = p.peek() {
		p.next()
		right, err := p.cmp()
		if err != nil {
			return nil, err
		}
		left = truthy(left) && truthy(right)
	}
	return left, nil
}

func (p *parser) cmp() (any, error) {
	left, err := p.unary()
	if err != nil {
		return nil, err
	}
	t := p.peek()
	if t == nil || t.kind != tokOp {
		return left, nil
	}
	switch t.text {
	case "==", "!=", "<", "<=", ">", ">=":
		op := p.next().text
		right, err := p.unary()
		if err != nil {
			return nil, err
		}
		return compare(left, op, right), nil
	}
	return left, nil
}

func (p *parser) unary() (any, error) {
	if t := p.peek(); t != nil && t.kind == tokOp && t.text == "!" {
		p.next()
		v, err := p.unary()
		if err != nil {
			return nil, err
		}
		return !truthy(v), nil
	}
	return p.primary()
}

func (p *parser) primary() (any, error) {
	t := p.peek()
	if t == nil {
		return nil, fmt.Errorf("unexpected end of expression")
	}
	switch t.kind {
	case tokNum:
		p.next()
		return strconv.ParseFloat(t.text, 64)
	case tokStr:
		p.next()
		return t.text, nil
	case tokIdent:
		p.next()
		switch t.text {
		case "true":
			return true, nil
		case "false":
			return false, nil
		case "nil":
			return nil, nil
		}
		return lookup(t.text, p.vars), nil
	case tokLParen:
		p.next()
		v, err := p.or()
		if err != nil {
			return nil, err
		}
		if t := p.peek(); t == nil || t.kind != tokRParen {
			return nil, fmt.Errorf("missing closing parenthesis")
		}
		p.next()
		return v, nil
	}
	return nil, fmt.Errorf("unexpected token %q", t.text)
}

// lookup resolves a dot path through nested map[string]any values.
func lookup(path string, vars map[string]any) any {
	cur := any(vars)
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = m[part]
		if !ok {
			return nil
		}
	}
	return cur
}

func compare(left any, op string, right any) bool {
	if left == nil || right == nil {
		switch op {
		case "==":
			return left == right
		case "!=":
			return left != right
		case "<", "<=":
			return left == nil && right != nil || op == "<=" && left == nil && right == nil
		case ">", ">=":
			return left != nil && right == nil || op == ">=" && left == nil && right == nil
		}
		return false
	}

	if lf, lok := asFloat(left); lok {
		if rf, rok := asFloat(right); rok {
			switch op {
			case "==":
				return lf == rf
			case "!=":
				return lf != rf
			case "<":
				return lf < rf
			case "<=":
				return lf <= rf
			case ">":
				return lf > rf
			case ">=":
				return lf >= rf
			}
		}
	}

	ls, rs := fmt.Sprintf("%v", left), fmt.Sprintf("%v", right)
	switch op {
	case "==":
		return ls == rs
	case "!=":
		return ls != rs
	case "<":
		return ls < rs
	case "<=":
		return ls <= rs
	case ">":
		return ls > rs
	case ">=":
		return ls >= rs
	}
	return false
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case float64:
		return x != 0
	case int:
		return x != 0
	case string:
		return x != "" && x != "false" && x != "0"
	}
	return true
}

func asFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case string:
		f, err := strconv.ParseFloat(x, 64)
		return f, err == nil
	}
	return 0, false
}
