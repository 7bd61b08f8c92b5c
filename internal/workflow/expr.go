package workflow

import (
	"fmt"
	"strconv"
	"strings"

	"gobby/internal/logging"
)

// ExprFunc is an allowlisted function callable from conditions.
type ExprFunc func(args []any) (any, error)

// Evaluator evaluates guard expressions over a name-resolution context. The
// grammar is a deliberately small subset: arithmetic, comparison, boolean
// logic, membership, attribute and index access, and calls to allowlisted
// functions only. An expression that errors evaluates to false.
type Evaluator struct {
	funcs  map[string]ExprFunc
	logger logging.Logger
}

// NewEvaluator constructs an evaluator with the built-in allowlist.
func NewEvaluator(logger logging.Logger) *Evaluator {
	e := &Evaluator{
		funcs:  map[string]ExprFunc{},
		logger: logging.OrNop(logger),
	}
	e.funcs["len"] = func(args []any) (any, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("len takes one argument")
		}
		switch v := args[0].(type) {
		case string:
			return len(v), nil
		case []any:
			return len(v), nil
		case []string:
			return len(v), nil
		case map[string]any:
			return len(v), nil
		case nil:
			return 0, nil
		default:
			return nil, fmt.Errorf("len: unsupported type %T", v)
		}
	}
	return e
}

// RegisterFunc adds a function to the allowlist.
func (e *Evaluator) RegisterFunc(name string, fn ExprFunc) {
	e.funcs[name] = fn
}

// EvalBool evaluates expr against ctx as a condition. Empty expressions are
// true; evaluation errors are false and logged at debug.
func (e *Evaluator) EvalBool(expr string, ctx map[string]any) bool {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return true
	}
	value, err := e.Eval(expr, ctx)
	if err != nil {
		e.logger.Debug("condition %q evaluated with error: %v", expr, err)
		return false
	}
	return truthy(value)
}

// Eval evaluates expr against ctx and returns the value.
func (e *Evaluator) Eval(expr string, ctx map[string]any) (value any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("evaluate %q: %v", expr, rec)
		}
	}()

	tokens, err := tokenize(expr)
	if err != nil {
		return nil, err
	}
	p := &exprParser{tokens: tokens, ctx: ctx, funcs: e.funcs}
	value, err = p.parseOr()
	if err != nil {
		return nil, err
	}
	if !p.atEnd() {
		return nil, fmt.Errorf("unexpected token %q", p.peek().text)
	}
	return value, nil
}

type tokenKind int

const (
	tokName tokenKind = iota
	tokNumber
	tokString
	tokOp
	tokEOF
)

type token struct {
	kind tokenKind
	text string
}

func tokenize(input string) ([]token, error) {
	var tokens []token
	i := 0
	for i < len(input) {
		c := input[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n':
			i++

		case c >= '0' && c <= '9':
			j := i
			for j < len(input) && (input[j] >= '0' && input[j] <= '9' || input[j] == '.') {
				j++
			}
			tokens = append(tokens, token{tokNumber, input[i:j]})
			i = j

		case c == '\'' || c == '"':
			quote := c
			j := i + 1
			for j < len(input) && input[j] != quote {
				j++
			}
			if j >= len(input) {
				return nil, fmt.Errorf("unterminated string")
			}
			tokens = append(tokens, token{tokString, input[i+1 : j]})
			i = j + 1

		case isNameStart(c):
			j := i
			for j < len(input) && isNameChar(input[j]) {
				j++
			}
			tokens = append(tokens, token{tokName, input[i:j]})
			i = j

		default:
			if op := matchOp(input[i:]); op != "" {
				tokens = append(tokens, token{tokOp, op})
				i += len(op)
				continue
			}
			return nil, fmt.Errorf("unexpected character %q", c)
		}
	}
	tokens = append(tokens, token{tokEOF, ""})
	return tokens, nil
}

func matchOp(rest string) string {
	for _, op := range []string{"==", "!=", "<=", ">=", "&&", "||"} {
		if strings.HasPrefix(rest, op) {
			return op
		}
	}
	switch rest[0] {
	case '+', '-', '*', '/', '%', '<', '>', '(', ')', '[', ']', '.', ',', '!':
		return rest[:1]
	}
	return ""
}

func isNameStart(c byte) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

func isNameChar(c byte) bool {
	return isNameStart(c) || c >= '0' && c <= '9'
}

type exprParser struct {
	tokens []token
	pos    int
	ctx    map[string]any
	funcs  map[string]ExprFunc
}

func (p *exprParser) peek() token { return p.tokens[p.pos] }

func (p *exprParser) next() token {
	t := p.tokens[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *exprParser) atEnd() bool { return p.peek().kind == tokEOF }

func (p *exprParser) match(kind tokenKind, text string) bool {
	t := p.peek()
	if t.kind == kind && t.text == text {
		p.pos++
		return true
	}
	return false
}

func (p *exprParser) parseOr() (any, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.match(tokName, "or") || p.match(tokOp, "||") {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = truthy(left) || truthy(right)
	}
	return left, nil
}

func (p *exprParser) parseAnd() (any, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.match(tokName, "and") || p.match(tokOp, "&&") {
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = truthy(left) && truthy(right)
	}
	return left, nil
}

func (p *exprParser) parseNot() (any, error) {
	if p.match(tokName, "not") || p.match(tokOp, "!") {
		value, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return !truthy(value), nil
	}
	return p.parseComparison()
}

func (p *exprParser) parseComparison() (any, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		var op string
		switch {
		case t.kind == tokOp && (t.text == "==" || t.text == "!=" || t.text == "<" ||
			t.text == "<=" || t.text == ">" || t.text == ">="):
			op = t.text
			p.pos++
		case t.kind == tokName && t.text == "in":
			op = "in"
			p.pos++
		case t.kind == tokName && t.text == "not" && p.tokens[p.pos+1].text == "in":
			op = "not in"
			p.pos += 2
		default:
			return left, nil
		}

		right, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		left, err = compare(op, left, right)
		if err != nil {
			return nil, err
		}
	}
}

func (p *exprParser) parseAdditive() (any, error) {
	left, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for {
		switch {
		case p.match(tokOp, "+"):
			right, err := p.parseMultiplicative()
			if err != nil {
				return nil, err
			}
			left, err = arith("+", left, right)
			if err != nil {
				return nil, err
			}
		case p.match(tokOp, "-"):
			right, err := p.parseMultiplicative()
			if err != nil {
				return nil, err
			}
			left, err = arith("-", left, right)
			if err != nil {
				return nil, err
			}
		default:
			return left, nil
		}
	}
}

func (p *exprParser) parseMultiplicative() (any, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		var op string
		switch {
		case p.match(tokOp, "*"):
			op = "*"
		case p.match(tokOp, "/"):
			op = "/"
		case p.match(tokOp, "%"):
			op = "%"
		default:
			return left, nil
		}
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left, err = arith(op, left, right)
		if err != nil {
			return nil, err
		}
	}
}

func (p *exprParser) parseUnary() (any, error) {
	if p.match(tokOp, "-") {
		value, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return arith("-", 0.0, value)
	}
	return p.parsePostfix()
}

// parsePostfix handles attribute access, indexing and allowlisted calls.
func (p *exprParser) parsePostfix() (any, error) {
	value, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for {
		switch {
		case p.match(tokOp, "."):
			name := p.next()
			if name.kind != tokName {
				return nil, fmt.Errorf("expected attribute name after '.'")
			}
			value = attr(value, name.text)

		case p.match(tokOp, "["):
			index, err := p.parseOr()
			if err != nil {
				return nil, err
			}
			if !p.match(tokOp, "]") {
				return nil, fmt.Errorf("expected ']'")
			}
			value, err = indexInto(value, index)
			if err != nil {
				return nil, err
			}

		default:
			return value, nil
		}
	}
}

func (p *exprParser) parsePrimary() (any, error) {
	t := p.next()
	switch t.kind {
	case tokNumber:
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, fmt.Errorf("bad number %q", t.text)
		}
		return f, nil

	case tokString:
		return t.text, nil

	case tokName:
		switch t.text {
		case "true", "True":
			return true, nil
		case "false", "False":
			return false, nil
		case "none", "None", "null":
			return nil, nil
		}
		// A name followed by '(' is a call, allowed only for allowlisted
		// functions.
		if p.peek().kind == tokOp && p.peek().text == "(" {
			p.pos++
			fn, ok := p.funcs[t.text]
			if !ok {
				return nil, fmt.Errorf("function %q is not allowed", t.text)
			}
			var args []any
			if !p.match(tokOp, ")") {
				for {
					arg, err := p.parseOr()
					if err != nil {
						return nil, err
					}
					args = append(args, arg)
					if p.match(tokOp, ")") {
						break
					}
					if !p.match(tokOp, ",") {
						return nil, fmt.Errorf("expected ',' or ')' in call")
					}
				}
			}
			return fn(args)
		}
		return p.ctx[t.text], nil

	case tokOp:
		if t.text == "(" {
			value, err := p.parseOr()
			if err != nil {
				return nil, err
			}
			if !p.match(tokOp, ")") {
				return nil, fmt.Errorf("expected ')'")
			}
			return value, nil
		}
	}
	return nil, fmt.Errorf("unexpected token %q", t.text)
}

func attr(value any, name string) any {
	if m, ok := value.(map[string]any); ok {
		return m[name]
	}
	return nil
}

func indexInto(value, index any) (any, error) {
	switch v := value.(type) {
	case map[string]any:
		key, ok := index.(string)
		if !ok {
			return nil, fmt.Errorf("map index must be a string")
		}
		return v[key], nil
	case []any:
		i, ok := toFloat(index)
		if !ok {
			return nil, fmt.Errorf("list index must be a number")
		}
		n := int(i)
		if n < 0 || n >= len(v) {
			return nil, fmt.Errorf("index %d out of range", n)
		}
		return v[n], nil
	case []string:
		i, ok := toFloat(index)
		if !ok {
			return nil, fmt.Errorf("list index must be a number")
		}
		n := int(i)
		if n < 0 || n >= len(v) {
			return nil, fmt.Errorf("index %d out of range", n)
		}
		return v[n], nil
	default:
		return nil, fmt.Errorf("cannot index %T", value)
	}
}

func compare(op string, left, right any) (any, error) {
	switch op {
	case "in", "not in":
		found, err := contains(right, left)
		if err != nil {
			return nil, err
		}
		if op == "not in" {
			return !found, nil
		}
		return found, nil
	case "==":
		return equals(left, right), nil
	case "!=":
		return !equals(left, right), nil
	}

	lf, lok := toFloat(left)
	rf, rok := toFloat(right)
	if lok && rok {
		switch op {
		case "<":
			return lf < rf, nil
		case "<=":
			return lf <= rf, nil
		case ">":
			return lf > rf, nil
		case ">=":
			return lf >= rf, nil
		}
	}
	ls, lok := left.(string)
	rs, rok := right.(string)
	if lok && rok {
		switch op {
		case "<":
			return ls < rs, nil
		case "<=":
			return ls <= rs, nil
		case ">":
			return ls > rs, nil
		case ">=":
			return ls >= rs, nil
		}
	}
	return nil, fmt.Errorf("cannot order %T and %T", left, right)
}

func contains(container, item any) (bool, error) {
	switch c := container.(type) {
	case string:
		s, ok := item.(string)
		if !ok {
			return false, fmt.Errorf("membership in a string needs a string")
		}
		return strings.Contains(c, s), nil
	case []any:
		for _, member := range c {
			if equals(member, item) {
				return true, nil
			}
		}
		return false, nil
	case []string:
		for _, member := range c {
			if equals(member, item) {
				return true, nil
			}
		}
		return false, nil
	case map[string]any:
		key, ok := item.(string)
		if !ok {
			return false, fmt.Errorf("membership in a map needs a string key")
		}
		_, found := c[key]
		return found, nil
	default:
		return false, fmt.Errorf("cannot test membership in %T", container)
	}
}

func equals(left, right any) bool {
	if lf, ok := toFloat(left); ok {
		if rf, ok := toFloat(right); ok {
			return lf == rf
		}
	}
	return fmt.Sprintf("%v", left) == fmt.Sprintf("%v", right)
}

func arith(op string, left, right any) (any, error) {
	if op == "+" {
		if ls, ok := left.(string); ok {
			if rs, ok := right.(string); ok {
				return ls + rs, nil
			}
		}
	}
	lf, lok := toFloat(left)
	rf, rok := toFloat(right)
	if !lok || !rok {
		return nil, fmt.Errorf("cannot apply %q to %T and %T", op, left, right)
	}
	switch op {
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
		if int64(rf) == 0 {
			return nil, fmt.Errorf("modulo by zero")
		}
		return float64(int64(lf) % int64(rf)), nil
	}
	return nil, fmt.Errorf("unknown operator %q", op)
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

func truthy(value any) bool {
	switch v := value.(type) {
	case nil:
		return false
	case bool:
		return v
	case string:
		return v != ""
	case float64:
		return v != 0
	case int:
		return v != 0
	case []any:
		return len(v) > 0
	case []string:
		return len(v) > 0
	case map[string]any:
		return len(v) > 0
	default:
		return true
	}
}
