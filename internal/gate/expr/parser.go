package expr

import "fmt"

const maxParseDepth = 64

type parser struct {
	lex   *lexer
	depth int
}

func parse(src string) (node, error) {
	lex, err := newLexer(src)
	if err != nil {
		return nil, err
	}
	p := &parser{lex: lex}
	n, err := p.parseTernary()
	if err != nil {
		return nil, err
	}
	if p.lex.tok.kind != tokEOF {
		return nil, fmt.Errorf("unexpected trailing input near %q", p.lex.tok.text)
	}
	return n, nil
}

func (p *parser) enter() error {
	p.depth++
	if p.depth > maxParseDepth {
		return fmt.Errorf("expression nesting too deep")
	}
	return nil
}

func (p *parser) leave() { p.depth-- }

func (p *parser) is(punct string) bool {
	return p.lex.tok.kind == tokPunct && p.lex.tok.text == punct
}

func (p *parser) expect(punct string) error {
	if !p.is(punct) {
		return fmt.Errorf("expected %q, got %q", punct, p.lex.tok.text)
	}
	return p.lex.advance()
}

func (p *parser) parseTernary() (node, error) {
	if err := p.enter(); err != nil {
		return nil, err
	}
	defer p.leave()

	test, err := p.parseNullish()
	if err != nil {
		return nil, err
	}
	if !p.is("?") {
		return test, nil
	}
	if err := p.lex.advance(); err != nil {
		return nil, err
	}
	consequent, err := p.parseTernary()
	if err != nil {
		return nil, err
	}
	if err := p.expect(":"); err != nil {
		return nil, err
	}
	alternate, err := p.parseTernary()
	if err != nil {
		return nil, err
	}
	return conditionalExpr{test: test, consequent: consequent, alternate: alternate}, nil
}

func (p *parser) parseBinaryLevel(ops []string, next func() (node, error)) (node, error) {
	left, err := next()
	if err != nil {
		return nil, err
	}
	for {
		matched := ""
		for _, op := range ops {
			if p.is(op) {
				matched = op
				break
			}
		}
		if matched == "" {
			return left, nil
		}
		if err := p.lex.advance(); err != nil {
			return nil, err
		}
		right, err := next()
		if err != nil {
			return nil, err
		}
		left = binaryExpr{op: matched, left: left, right: right}
	}
}

func (p *parser) parseNullish() (node, error) {
	left, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	for p.is("??") {
		if err := p.lex.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		left = logicalExpr{op: "??", left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.is("||") {
		if err := p.lex.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = logicalExpr{op: "||", left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseEquality()
	if err != nil {
		return nil, err
	}
	for p.is("&&") {
		if err := p.lex.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseEquality()
		if err != nil {
			return nil, err
		}
		left = logicalExpr{op: "&&", left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseEquality() (node, error) {
	return p.parseBinaryLevel([]string{"===", "!==", "==", "!="}, p.parseRelational)
}

func (p *parser) parseRelational() (node, error) {
	return p.parseBinaryLevel([]string{"<=", ">=", "<", ">"}, p.parseAdditive)
}

func (p *parser) parseAdditive() (node, error) {
	return p.parseBinaryLevel([]string{"+", "-"}, p.parseMultiplicative)
}

func (p *parser) parseMultiplicative() (node, error) {
	return p.parseBinaryLevel([]string{"*", "/", "%"}, p.parseUnary)
}

func (p *parser) parseUnary() (node, error) {
	if p.is("!") || p.is("+") || p.is("-") {
		op := p.lex.tok.text
		if err := p.lex.advance(); err != nil {
			return nil, err
		}
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return unaryExpr{op: op, operand: operand}, nil
	}
	return p.parsePostfix()
}

func (p *parser) parsePostfix() (node, error) {
	n, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for {
		switch {
		case p.is("."):
			if err := p.lex.advance(); err != nil {
				return nil, err
			}
			if p.lex.tok.kind != tokIdent {
				return nil, fmt.Errorf("expected property name after '.'")
			}
			name := p.lex.tok.text
			if err := p.lex.advance(); err != nil {
				return nil, err
			}
			if p.is("(") {
				args, err := p.parseArgs()
				if err != nil {
					return nil, err
				}
				if !allowedMethods[name] {
					return nil, fmt.Errorf("call to %q is not permitted", name)
				}
				n = methodCall{receiver: n, method: name, args: args}
				continue
			}
			n = memberAccess{object: n, property: stringLit{value: name}}

		case p.is("["):
			if err := p.lex.advance(); err != nil {
				return nil, err
			}
			key, err := p.parseTernary()
			if err != nil {
				return nil, err
			}
			if err := p.expect("]"); err != nil {
				return nil, err
			}
			n = memberAccess{object: n, property: key, computed: true}

		case p.is("("):
			return nil, fmt.Errorf("call expressions are not permitted")

		default:
			return n, nil
		}
	}
}

func (p *parser) parseArgs() ([]node, error) {
	if err := p.expect("("); err != nil {
		return nil, err
	}
	var args []node
	for !p.is(")") {
		arg, err := p.parseTernary()
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
		if p.is(",") {
			if err := p.lex.advance(); err != nil {
				return nil, err
			}
			continue
		}
		break
	}
	if err := p.expect(")"); err != nil {
		return nil, err
	}
	return args, nil
}

func (p *parser) parsePrimary() (node, error) {
	if err := p.enter(); err != nil {
		return nil, err
	}
	defer p.leave()

	tok := p.lex.tok
	switch tok.kind {
	case tokNumber:
		if err := p.lex.advance(); err != nil {
			return nil, err
		}
		return numberLit{value: tok.num}, nil

	case tokString:
		if err := p.lex.advance(); err != nil {
			return nil, err
		}
		return stringLit{value: tok.text}, nil

	case tokTemplate:
		if err := p.lex.advance(); err != nil {
			return nil, err
		}
		exprs := make([]node, len(tok.exprs))
		for i, src := range tok.exprs {
			n, err := parse(src)
			if err != nil {
				return nil, fmt.Errorf("template expression %d: %w", i, err)
			}
			exprs[i] = n
		}
		return templateLit{parts: tok.parts, exprs: exprs}, nil

	case tokIdent:
		switch tok.text {
		case "true":
			p.lex.advance()
			return boolLit{value: true}, nil
		case "false":
			p.lex.advance()
			return boolLit{value: false}, nil
		case "null", "undefined":
			p.lex.advance()
			return nullLit{}, nil
		}
		if err := p.lex.advance(); err != nil {
			return nil, err
		}
		return identifier{name: tok.text}, nil

	case tokPunct:
		switch tok.text {
		case "(":
			if err := p.lex.advance(); err != nil {
				return nil, err
			}
			n, err := p.parseTernary()
			if err != nil {
				return nil, err
			}
			if err := p.expect(")"); err != nil {
				return nil, err
			}
			return n, nil
		case "[":
			return p.parseArray()
		case "{":
			return p.parseObject()
		}
	}

	return nil, fmt.Errorf("unexpected token %q", tok.text)
}

func (p *parser) parseArray() (node, error) {
	if err := p.expect("["); err != nil {
		return nil, err
	}
	var elems []node
	for !p.is("]") {
		el, err := p.parseTernary()
		if err != nil {
			return nil, err
		}
		elems = append(elems, el)
		if p.is(",") {
			if err := p.lex.advance(); err != nil {
				return nil, err
			}
			continue
		}
		break
	}
	if err := p.expect("]"); err != nil {
		return nil, err
	}
	return arrayLit{elements: elems}, nil
}

func (p *parser) parseObject() (node, error) {
	if err := p.expect("{"); err != nil {
		return nil, err
	}
	var keys []string
	var values []node
	for !p.is("}") {
		var key string
		switch p.lex.tok.kind {
		case tokIdent:
			key = p.lex.tok.text
		case tokString:
			key = p.lex.tok.text
		default:
			return nil, fmt.Errorf("expected object key, got %q", p.lex.tok.text)
		}
		if err := p.lex.advance(); err != nil {
			return nil, err
		}
		if err := p.expect(":"); err != nil {
			return nil, err
		}
		val, err := p.parseTernary()
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
		values = append(values, val)
		if p.is(",") {
			if err := p.lex.advance(); err != nil {
				return nil, err
			}
			continue
		}
		break
	}
	if err := p.expect("}"); err != nil {
		return nil, err
	}
	return objectLit{keys: keys, values: values}, nil
}
