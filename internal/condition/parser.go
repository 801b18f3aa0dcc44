package condition

import (
	"fmt"
	"strconv"
)

type node interface{}

type (
	literal struct{ val any }
	ident   struct{ name string }
	member  struct {
		target node
		key    node // literal string for .name
	}
	call struct {
		name string
		args []node
	}
	unary struct {
		op      tokenKind
		operand node
	}
	binary struct {
		op          tokenKind
		left, right node
	}
)

type parser struct {
	toks []token
	pos  int
}

func parseExpr(src string) (node, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	n, err := p.or()
	if err != nil {
		return nil, err
	}
	if tok := p.peek(); tok.kind != tokEOF {
		return nil, fmt.Errorf("offset %d: unexpected %s", tok.pos, tok)
	}
	return n, nil
}

func (p *parser) peek() token {
	return p.toks[p.pos]
}

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) expect(kind tokenKind, what string) (token, error) {
	t := p.next()
	if t.kind != kind {
		return t, fmt.Errorf("offset %d: expected %s, got %s", t.pos, what, t)
	}
	return t, nil
}

func (p *parser) or() (node, error) {
	left, err := p.and()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOr {
		p.next()
		right, err := p.and()
		if err != nil {
			return nil, err
		}
		left = binary{op: tokOr, left: left, right: right}
	}
	return left, nil
}

func (p *parser) and() (node, error) {
	left, err := p.comparison()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokAnd {
		p.next()
		right, err := p.comparison()
		if err != nil {
			return nil, err
		}
		left = binary{op: tokAnd, left: left, right: right}
	}
	return left, nil
}

func (p *parser) comparison() (node, error) {
	left, err := p.additive()
	if err != nil {
		return nil, err
	}
	switch op := p.peek().kind; op {
	case tokEq, tokNe, tokLt, tokLe, tokGt, tokGe:
		p.next()
		right, err := p.additive()
		if err != nil {
			return nil, err
		}
		return binary{op: op, left: left, right: right}, nil
	}
	return left, nil
}

func (p *parser) additive() (node, error) {
	left, err := p.unary()
	if err != nil {
		return nil, err
	}
	for {
		op := p.peek().kind
		if op != tokPlus && op != tokMinus {
			return left, nil
		}
		p.next()
		right, err := p.unary()
		if err != nil {
			return nil, err
		}
		left = binary{op: op, left: left, right: right}
	}
}

func (p *parser) unary() (node, error) {
	switch op := p.peek().kind; op {
	case tokNot, tokMinus:
		p.next()
		operand, err := p.unary()
		if err != nil {
			return nil, err
		}
		return unary{op: op, operand: operand}, nil
	}
	return p.postfix()
}

func (p *parser) postfix() (node, error) {
	n, err := p.primary()
	if err != nil {
		return nil, err
	}
	for {
		switch p.peek().kind {
		case tokDot:
			p.next()
			t, err := p.expect(tokIdent, "member name")
			if err != nil {
				return nil, err
			}
			n = member{target: n, key: literal{val: t.text}}
		case tokLBrack:
			p.next()
			key, err := p.or()
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(tokRBrack, "']'"); err != nil {
				return nil, err
			}
			n = member{target: n, key: key}
		default:
			return n, nil
		}
	}
}

func (p *parser) primary() (node, error) {
	t := p.next()
	switch t.kind {
	case tokInt:
		v, err := strconv.ParseInt(t.text, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("offset %d: invalid integer %s", t.pos, t.text)
		}
		return literal{val: v}, nil
	case tokString:
		return literal{val: t.text}, nil
	case tokLParen:
		n, err := p.or()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen, "')'"); err != nil {
			return nil, err
		}
		return n, nil
	case tokIdent:
		switch t.text {
		case "true":
			return literal{val: true}, nil
		case "false":
			return literal{val: false}, nil
		case "null":
			return literal{val: nil}, nil
		}
		if p.peek().kind == tokLParen {
			p.next()
			return p.callArgs(t.text)
		}
		return ident{name: t.text}, nil
	}
	return nil, fmt.Errorf("offset %d: unexpected %s", t.pos, t)
}

func (p *parser) callArgs(name string) (node, error) {
	c := call{name: name}
	if p.peek().kind == tokRParen {
		p.next()
		return c, nil
	}
	for {
		arg, err := p.or()
		if err != nil {
			return nil, err
		}
		c.args = append(c.args, arg)
		t := p.next()
		switch t.kind {
		case tokComma:
			continue
		case tokRParen:
			return c, nil
		default:
			return nil, fmt.Errorf("offset %d: expected ',' or ')', got %s", t.pos, t)
		}
	}
}
