// Package enforce implements the two-lane hard-constraint enforcer:
// sandboxed expression evaluation for formal rules and an LLM judge for
// subjective ones, with regeneration and template fallback.
package enforce

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"
)

// The evaluator is deliberately closed: literals, identifiers, arithmetic,
// comparison and boolean operators, and a fixed function set. No attribute
// access, no subscripting, no other calls.
var allowedFuncs = map[string]bool{
	"min": true, "max": true, "len": true, "abs": true,
	"round": true, "any": true, "all": true,
}

type tokenKind int

const (
	tokNumber tokenKind = iota
	tokString
	tokIdent
	tokOp
	tokLParen
	tokRParen
	tokComma
	tokEOF
)

type token struct {
	kind tokenKind
	text string
	num  float64
}

type lexer struct {
	src string
	pos int
	tok token
}

func (l *lexer) next() error {
	for l.pos < len(l.src) && unicode.IsSpace(rune(l.src[l.pos])) {
		l.pos++
	}
	if l.pos >= len(l.src) {
		l.tok = token{kind: tokEOF}
		return nil
	}
	c := l.src[l.pos]
	switch {
	case c >= '0' && c <= '9' || c == '.':
		start := l.pos
		for l.pos < len(l.src) && (l.src[l.pos] >= '0' && l.src[l.pos] <= '9' || l.src[l.pos] == '.') {
			l.pos++
		}
		n, err := strconv.ParseFloat(l.src[start:l.pos], 64)
		if err != nil {
			return fmt.Errorf("bad number %q", l.src[start:l.pos])
		}
		l.tok = token{kind: tokNumber, num: n}
	case c == '\'' || c == '"':
		quote := c
		l.pos++
		start := l.pos
		for l.pos < len(l.src) && l.src[l.pos] != quote {
			l.pos++
		}
		if l.pos >= len(l.src) {
			return fmt.Errorf("unterminated string")
		}
		l.tok = token{kind: tokString, text: l.src[start:l.pos]}
		l.pos++
	case isIdentStart(c):
		start := l.pos
		for l.pos < len(l.src) && isIdentPart(l.src[l.pos]) {
			l.pos++
		}
		l.tok = token{kind: tokIdent, text: l.src[start:l.pos]}
	case c == '(':
		l.pos++
		l.tok = token{kind: tokLParen}
	case c == ')':
		l.pos++
		l.tok = token{kind: tokRParen}
	case c == ',':
		l.pos++
		l.tok = token{kind: tokComma}
	default:
		for _, op := range []string{"<=", ">=", "==", "!=", "&&", "||", "<", ">", "+", "-", "*", "/", "%", "!", "="} {
			if strings.HasPrefix(l.src[l.pos:], op) {
				if op == "=" {
					return fmt.Errorf("assignment is not allowed; use ==")
				}
				l.pos += len(op)
				l.tok = token{kind: tokOp, text: op}
				return nil
			}
		}
		return fmt.Errorf("unexpected character %q", string(c))
	}
	return nil
}

func isIdentStart(c byte) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || c >= '0' && c <= '9'
}

// node is a parsed expression node.
type node interface {
	eval(vars map[string]any) (any, error)
}

type numberNode float64
type stringNode string
type boolNode bool
type identNode string

type binaryNode struct {
	op          string
	left, right node
}

type unaryNode struct {
	op   string
	expr node
}

type callNode struct {
	fn   string
	args []node
}

func (n numberNode) eval(map[string]any) (any, error) { return float64(n), nil }
func (n stringNode) eval(map[string]any) (any, error) { return string(n), nil }
func (n boolNode) eval(map[string]any) (any, error)   { return bool(n), nil }

func (n identNode) eval(vars map[string]any) (any, error) {
	v, ok := vars[string(n)]
	if !ok {
		return nil, fmt.Errorf("unknown variable %q", string(n))
	}
	return normalize(v)
}

// normalize coerces Go numeric types to float64 so comparisons are uniform.
func normalize(v any) (any, error) {
	switch t := v.(type) {
	case float64, string, bool:
		return t, nil
	case float32:
		return float64(t), nil
	case int:
		return float64(t), nil
	case int32:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			n, err := normalize(e)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case nil:
		return nil, fmt.Errorf("nil value")
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}

func (n *unaryNode) eval(vars map[string]any) (any, error) {
	v, err := n.expr.eval(vars)
	if err != nil {
		return nil, err
	}
	switch n.op {
	case "!", "not":
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("operator %s needs a boolean", n.op)
		}
		return !b, nil
	case "-":
		f, ok := v.(float64)
		if !ok {
			return nil, fmt.Errorf("unary minus needs a number")
		}
		return -f, nil
	}
	return nil, fmt.Errorf("unknown unary operator %q", n.op)
}

func (n *binaryNode) eval(vars map[string]any) (any, error) {
	// Short-circuit boolean operators.
	if n.op == "&&" || n.op == "and" || n.op == "||" || n.op == "or" {
		lv, err := n.left.eval(vars)
		if err != nil {
			return nil, err
		}
		lb, ok := lv.(bool)
		if !ok {
			return nil, fmt.Errorf("operator %s needs booleans", n.op)
		}
		if (n.op == "&&" || n.op == "and") && !lb {
			return false, nil
		}
		if (n.op == "||" || n.op == "or") && lb {
			return true, nil
		}
		rv, err := n.right.eval(vars)
		if err != nil {
			return nil, err
		}
		rb, ok := rv.(bool)
		if !ok {
			return nil, fmt.Errorf("operator %s needs booleans", n.op)
		}
		return rb, nil
	}

	lv, err := n.left.eval(vars)
	if err != nil {
		return nil, err
	}
	rv, err := n.right.eval(vars)
	if err != nil {
		return nil, err
	}

	switch n.op {
	case "==":
		return lv == rv, nil
	case "!=":
		return lv != rv, nil
	}

	if ls, lok := lv.(string); lok {
		rs, rok := rv.(string)
		if !rok {
			return nil, fmt.Errorf("cannot compare string with %T", rv)
		}
		switch n.op {
		case "<":
			return ls < rs, nil
		case "<=":
			return ls <= rs, nil
		case ">":
			return ls > rs, nil
		case ">=":
			return ls >= rs, nil
		case "+":
			return ls + rs, nil
		}
		return nil, fmt.Errorf("operator %s not defined on strings", n.op)
	}

	lf, lok := lv.(float64)
	rf, rok := rv.(float64)
	if !lok || !rok {
		return nil, fmt.Errorf("operator %s needs numbers", n.op)
	}
	switch n.op {
	case "<":
		return lf < rf, nil
	case "<=":
		return lf <= rf, nil
	case ">":
		return lf > rf, nil
	case ">=":
		return lf >= rf, nil
	case "+":
		return lf + rf, nil
	case "-":
		return lf - rf, nil
	case "*":
		return lf * rf, nil
	case "/":
		if rf == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		return lf / rf, nil
	case "%":
		if rf == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		return math.Mod(lf, rf), nil
	}
	return nil, fmt.Errorf("unknown operator %q", n.op)
}

func (n *callNode) eval(vars map[string]any) (any, error) {
	args := make([]any, len(n.args))
	for i, a := range n.args {
		v, err := a.eval(vars)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	switch n.fn {
	case "len":
		if len(args) != 1 {
			return nil, fmt.Errorf("len takes one argument")
		}
		switch t := args[0].(type) {
		case string:
			return float64(len(t)), nil
		case []any:
			return float64(len(t)), nil
		}
		return nil, fmt.Errorf("len needs a string or list")
	case "abs":
		f, ok := argFloat(args, 0, 1)
		if !ok {
			return nil, fmt.Errorf("abs takes one number")
		}
		return math.Abs(f), nil
	case "round":
		f, ok := argFloat(args, 0, 1)
		if !ok {
			return nil, fmt.Errorf("round takes one number")
		}
		return math.Round(f), nil
	case "min", "max":
		vals, err := flattenNumbers(args)
		if err != nil || len(vals) == 0 {
			return nil, fmt.Errorf("%s needs at least one number", n.fn)
		}
		best := vals[0]
		for _, f := range vals[1:] {
			if n.fn == "min" && f < best || n.fn == "max" && f > best {
				best = f
			}
		}
		return best, nil
	case "any", "all":
		bools, err := flattenBools(args)
		if err != nil {
			return nil, fmt.Errorf("%s needs booleans", n.fn)
		}
		if n.fn == "any" {
			for _, b := range bools {
				if b {
					return true, nil
				}
			}
			return false, nil
		}
		for _, b := range bools {
			if !b {
				return false, nil
			}
		}
		return true, nil
	}
	return nil, fmt.Errorf("function %q is not allowed", n.fn)
}

func argFloat(args []any, i, want int) (float64, bool) {
	if len(args) != want {
		return 0, false
	}
	f, ok := args[i].(float64)
	return f, ok
}

func flattenNumbers(args []any) ([]float64, error) {
	var out []float64
	for _, a := range args {
		switch t := a.(type) {
		case float64:
			out = append(out, t)
		case []any:
			for _, e := range t {
				f, ok := e.(float64)
				if !ok {
					return nil, fmt.Errorf("non-number in list")
				}
				out = append(out, f)
			}
		default:
			return nil, fmt.Errorf("non-number argument")
		}
	}
	return out, nil
}

func flattenBools(args []any) ([]bool, error) {
	var out []bool
	for _, a := range args {
		switch t := a.(type) {
		case bool:
			out = append(out, t)
		case []any:
			for _, e := range t {
				b, ok := e.(bool)
				if !ok {
					return nil, fmt.Errorf("non-boolean in list")
				}
				out = append(out, b)
			}
		default:
			return nil, fmt.Errorf("non-boolean argument")
		}
	}
	return out, nil
}

type parser struct {
	lex *lexer
}

// Compile parses an enforcement expression. Disallowed constructs fail at
// compile time, not evaluation time.
func Compile(src string) (*Expr, error) {
	p := &parser{lex: &lexer{src: src}}
	if err := p.lex.next(); err != nil {
		return nil, err
	}
	n, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.lex.tok.kind != tokEOF {
		return nil, fmt.Errorf("unexpected trailing input")
	}
	return &Expr{src: src, root: n}, nil
}

// Expr is a compiled enforcement expression.
type Expr struct {
	src  string
	root node
}

// Source returns the original expression text.
func (e *Expr) Source() string { return e.src }

// Eval evaluates against the merged variable set and requires a boolean
// result.
func (e *Expr) Eval(vars map[string]any) (bool, error) {
	v, err := e.root.eval(vars)
	if err != nil {
		return false, fmt.Errorf("evaluating %q: %w", e.src, err)
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("expression %q is not boolean", e.src)
	}
	return b, nil
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.isOp("||") || p.isIdent("or") {
		if err := p.lex.next(); err != nil {
			return nil, err
		}
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: "||", left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.isOp("&&") || p.isIdent("and") {
		if err := p.lex.next(); err != nil {
			return nil, err
		}
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: "&&", left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseNot() (node, error) {
	if p.isOp("!") || p.isIdent("not") {
		if err := p.lex.next(); err != nil {
			return nil, err
		}
		inner, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &unaryNode{op: "!", expr: inner}, nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (node, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	for _, op := range []string{"<=", ">=", "==", "!=", "<", ">"} {
		if p.isOp(op) {
			if err := p.lex.next(); err != nil {
				return nil, err
			}
			right, err := p.parseAdditive()
			if err != nil {
				return nil, err
			}
			return &binaryNode{op: op, left: left, right: right}, nil
		}
	}
	return left, nil
}

func (p *parser) parseAdditive() (node, error) {
	left, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for p.isOp("+") || p.isOp("-") {
		op := p.lex.tok.text
		if err := p.lex.next(); err != nil {
			return nil, err
		}
		right, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: op, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseMultiplicative() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.isOp("*") || p.isOp("/") || p.isOp("%") {
		op := p.lex.tok.text
		if err := p.lex.next(); err != nil {
			return nil, err
		}
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: op, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseUnary() (node, error) {
	if p.isOp("-") {
		if err := p.lex.next(); err != nil {
			return nil, err
		}
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &unaryNode{op: "-", expr: inner}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (node, error) {
	tok := p.lex.tok
	switch tok.kind {
	case tokNumber:
		if err := p.lex.next(); err != nil {
			return nil, err
		}
		return numberNode(tok.num), nil
	case tokString:
		if err := p.lex.next(); err != nil {
			return nil, err
		}
		return stringNode(tok.text), nil
	case tokIdent:
		if err := p.lex.next(); err != nil {
			return nil, err
		}
		switch tok.text {
		case "true", "True":
			return boolNode(true), nil
		case "false", "False":
			return boolNode(false), nil
		}
		if p.lex.tok.kind == tokLParen {
			if !allowedFuncs[tok.text] {
				return nil, fmt.Errorf("function %q is not allowed", tok.text)
			}
			if err := p.lex.next(); err != nil {
				return nil, err
			}
			var args []node
			for p.lex.tok.kind != tokRParen {
				arg, err := p.parseOr()
				if err != nil {
					return nil, err
				}
				args = append(args, arg)
				if p.lex.tok.kind == tokComma {
					if err := p.lex.next(); err != nil {
						return nil, err
					}
				} else if p.lex.tok.kind != tokRParen {
					return nil, fmt.Errorf("expected , or ) in call")
				}
			}
			if err := p.lex.next(); err != nil {
				return nil, err
			}
			return &callNode{fn: tok.text, args: args}, nil
		}
		return identNode(tok.text), nil
	case tokLParen:
		if err := p.lex.next(); err != nil {
			return nil, err
		}
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.lex.tok.kind != tokRParen {
			return nil, fmt.Errorf("missing closing parenthesis")
		}
		if err := p.lex.next(); err != nil {
			return nil, err
		}
		return inner, nil
	}
	return nil, fmt.Errorf("unexpected token")
}

func (p *parser) isOp(op string) bool {
	return p.lex.tok.kind == tokOp && p.lex.tok.text == op
}

func (p *parser) isIdent(name string) bool {
	return p.lex.tok.kind == tokIdent && p.lex.tok.text == name
}
