// Package formula evaluates user-supplied arithmetic expressions over a
// name-to-number binding map. The grammar is fixed at parse time: numeric
// literals, identifiers, + - * /, unary minus and parentheses. Everything
// else is rejected before evaluation, so a derived-PEG string can never
// reach anything resembling code execution.
package formula

import (
	"fmt"
	"strconv"
	"unicode"

	"cell_analysis/pkg/core/errs"
)

// Result carries the evaluated value plus any non-fatal warnings, currently
// only division-by-zero notices.
type Result struct {
	Value    float64
	Warnings []string
}

// Eval parses and evaluates expression against bindings. It is a pure
// function of its arguments: no process state, environment or clock access.
func Eval(expression string, bindings map[string]float64) (Result, error) {
	tokens, err := lex(expression)
	if err != nil {
		return Result{}, err
	}
	p := &parser{expression: expression, tokens: tokens}
	root, err := p.parseExpr(0)
	if err != nil {
		return Result{}, err
	}
	if !p.atEOF() {
		return Result{}, syntaxErr(expression, p.peek().pos, "unexpected trailing input")
	}

	var res Result
	value, err := root.eval(bindings, &res)
	if err != nil {
		return Result{}, err
	}
	res.Value = value
	return res, nil
}

func syntaxErr(expression string, pos int, reason string) error {
	return errs.Newf(errs.KindFormulaSyntax, "invalid formula at position %d: %s", pos, reason).
		WithDetail("expression", expression).
		WithDetail("position", pos)
}

// --- lexer ---

type tokenKind int

const (
	tokNumber tokenKind = iota
	tokIdent
	tokOp    // + - * /
	tokLParen
	tokRParen
	tokEOF
)

type token struct {
	kind tokenKind
	text string
	num  float64
	pos  int
}

func lex(expression string) ([]token, error) {
	var tokens []token
	runes := []rune(expression)
	i := 0
	for i < len(runes) {
		r := runes[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '+' || r == '-' || r == '*' || r == '/':
			tokens = append(tokens, token{kind: tokOp, text: string(r), pos: i})
			i++
		case r == '(':
			tokens = append(tokens, token{kind: tokLParen, text: "(", pos: i})
			i++
		case r == ')':
			tokens = append(tokens, token{kind: tokRParen, text: ")", pos: i})
			i++
		case unicode.IsDigit(r) || r == '.':
			start := i
			dots := 0
			for i < len(runes) && (unicode.IsDigit(runes[i]) || runes[i] == '.') {
				if runes[i] == '.' {
					dots++
				}
				i++
			}
			text := string(runes[start:i])
			if dots > 1 {
				return nil, syntaxErr(expression, start, "malformed number "+text)
			}
			num, err := strconv.ParseFloat(text, 64)
			if err != nil {
				return nil, syntaxErr(expression, start, "malformed number "+text)
			}
			tokens = append(tokens, token{kind: tokNumber, text: text, num: num, pos: start})
		case unicode.IsLetter(r):
			start := i
			for i < len(runes) && (unicode.IsLetter(runes[i]) || unicode.IsDigit(runes[i]) || runes[i] == '_') {
				i++
			}
			tokens = append(tokens, token{kind: tokIdent, text: string(runes[start:i]), pos: start})
		default:
			return nil, syntaxErr(expression, i, fmt.Sprintf("illegal character %q", r))
		}
	}
	tokens = append(tokens, token{kind: tokEOF, pos: len(runes)})
	return tokens, nil
}

// --- parser (Pratt, precedence: unary minus > * / > + -) ---

type parser struct {
	expression string
	tokens     []token
	idx        int
}

func (p *parser) peek() token { return p.tokens[p.idx] }

func (p *parser) next() token {
	t := p.tokens[p.idx]
	if t.kind != tokEOF {
		p.idx++
	}
	return t
}

func (p *parser) atEOF() bool { return p.peek().kind == tokEOF }

func binPrecedence(op string) int {
	switch op {
	case "+", "-":
		return 1
	case "*", "/":
		return 2
	}
	return 0
}

func (p *parser) parseExpr(minPrec int) (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		if t.kind != tokOp {
			break
		}
		prec := binPrecedence(t.text)
		if prec < minPrec {
			break
		}
		p.next()
		right, err := p.parseExpr(prec + 1) // left-associative
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: t.text, pos: t.pos, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseUnary() (node, error) {
	t := p.peek()
	if t.kind == tokOp && (t.text == "-" || t.text == "+") {
		p.next()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		if t.text == "+" {
			return operand, nil
		}
		return &unaryNode{pos: t.pos, operand: operand}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (node, error) {
	t := p.next()
	switch t.kind {
	case tokNumber:
		return &numberNode{value: t.num}, nil
	case tokIdent:
		return &identNode{name: t.text, pos: t.pos}, nil
	case tokLParen:
		inner, err := p.parseExpr(0)
		if err != nil {
			return nil, err
		}
		if closing := p.next(); closing.kind != tokRParen {
			return nil, syntaxErr(p.expression, closing.pos, "missing closing parenthesis")
		}
		return inner, nil
	case tokEOF:
		return nil, syntaxErr(p.expression, t.pos, "unexpected end of expression")
	default:
		return nil, syntaxErr(p.expression, t.pos, "unexpected token "+t.text)
	}
}

// --- AST ---

type node interface {
	eval(bindings map[string]float64, res *Result) (float64, error)
}

type numberNode struct{ value float64 }

func (n *numberNode) eval(map[string]float64, *Result) (float64, error) { return n.value, nil }

type identNode struct {
	name string
	pos  int
}

func (n *identNode) eval(bindings map[string]float64, _ *Result) (float64, error) {
	v, ok := bindings[n.name]
	if !ok {
		return 0, errs.Newf(errs.KindFormulaUnknownRef, "unknown ref %s", n.name).
			WithDetail("name", n.name)
	}
	return v, nil
}

type unaryNode struct {
	pos     int
	operand node
}

func (n *unaryNode) eval(bindings map[string]float64, res *Result) (float64, error) {
	v, err := n.operand.eval(bindings, res)
	if err != nil {
		return 0, err
	}
	return -v, nil
}

type binaryNode struct {
	op          string
	pos         int
	left, right node
}

func (n *binaryNode) eval(bindings map[string]float64, res *Result) (float64, error) {
	l, err := n.left.eval(bindings, res)
	if err != nil {
		return 0, err
	}
	r, err := n.right.eval(bindings, res)
	if err != nil {
		return 0, err
	}
	switch n.op {
	case "+":
		return l + r, nil
	case "-":
		return l - r, nil
	case "*":
		return l * r, nil
	case "/":
		if r == 0 {
			// Division by zero yields 0 with a warning; it never fails
			// the analysis.
			res.Warnings = append(res.Warnings, fmt.Sprintf("division by zero at position %d", n.pos))
			return 0, nil
		}
		return l / r, nil
	}
	return 0, errs.Newf(errs.KindInternal, "unreachable operator %q", n.op)
}
