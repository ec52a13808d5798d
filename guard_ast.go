package ledger

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// GuardExpr is a restricted-AST boolean expression compiled from a source
// string. The grammar allows only: field access rooted at payload.*,
// party.*, contract.*, event.*; the comparison operators == != > >= < <=;
// the boolean connectives && || !; parenthesization; and literals (string,
// number, bool). There is no function-call syntax and no way to escape the
// four declared namespaces, satisfying spec §4.5/§4.3's "no arbitrary
// calls, no attribute escape" requirement structurally rather than by
// runtime sandboxing of a general-purpose language.
type GuardExpr struct {
	Source string `json:"source"`
	root   node
}

// EvalContext supplies the four declared namespaces a guard expression may
// read from. Implementations must treat these maps as frozen: the
// evaluator never mutates them, and callers should not either (spec §9,
// "frozen inputs to pure functions").
type EvalContext struct {
	Payload  map[string]interface{}
	Party    map[string]interface{}
	Contract map[string]interface{}
	Event    map[string]interface{}
}

func (c EvalContext) namespace(name string) (map[string]interface{}, bool) {
	switch name {
	case "payload":
		return c.Payload, true
	case "party":
		return c.Party, true
	case "contract":
		return c.Contract, true
	case "event":
		return c.Event, true
	default:
		return nil, false
	}
}

// ParseGuardExpr parses source into a GuardExpr, rejecting anything
// outside the restricted grammar.
func ParseGuardExpr(source string) (*GuardExpr, error) {
	p := &parser{tokens: tokenize(source)}
	root, err := p.parseOr()
	if err != nil {
		return nil, NewKernelError(KindMalformedPayload, fmt.Sprintf("guard expression %q: %v", source, err))
	}
	if !p.atEnd() {
		return nil, NewKernelError(KindMalformedPayload, fmt.Sprintf("guard expression %q: unexpected trailing input", source))
	}
	return &GuardExpr{Source: source, root: root}, nil
}

// MarshalJSON stores only the source text; the compiled pack re-parses on
// load, keeping the persisted pack free of any non-data (closures, etc).
func (g GuardExpr) MarshalJSON() ([]byte, error) {
	return json.Marshal(g.Source)
}

func (g *GuardExpr) UnmarshalJSON(data []byte) error {
	var src string
	if err := json.Unmarshal(data, &src); err != nil {
		return err
	}
	parsed, err := ParseGuardExpr(src)
	if err != nil {
		return err
	}
	*g = *parsed
	return nil
}

// Eval evaluates the expression against ctx, returning a bool.
func (g *GuardExpr) Eval(ctx EvalContext) (bool, error) {
	if g.root == nil {
		reparsed, err := ParseGuardExpr(g.Source)
		if err != nil {
			return false, err
		}
		g.root = reparsed.root
	}
	v, err := g.root.eval(ctx)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, NewKernelError(KindMalformedPayload, "guard expression did not evaluate to a boolean")
	}
	return b, nil
}

// ---------------------------------------------------------------------
// AST nodes.
// ---------------------------------------------------------------------

type node interface {
	eval(ctx EvalContext) (interface{}, error)
}

type litNode struct{ value interface{} }

func (n litNode) eval(EvalContext) (interface{}, error) { return n.value, nil }

type fieldNode struct{ path []string }

func (n fieldNode) eval(ctx EvalContext) (interface{}, error) {
	if len(n.path) < 2 {
		return nil, fmt.Errorf("field path %q must include a namespace and at least one key", strings.Join(n.path, "."))
	}
	ns, ok := ctx.namespace(n.path[0])
	if !ok {
		return nil, fmt.Errorf("unknown namespace %q (allowed: payload, party, contract, event)", n.path[0])
	}
	var cur interface{} = ns
	for _, key := range n.path[1:] {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, nil // missing intermediate path resolves to nil, not an error
		}
		cur = m[key]
	}
	return cur, nil
}

type notNode struct{ inner node }

func (n notNode) eval(ctx EvalContext) (interface{}, error) {
	v, err := n.inner.eval(ctx)
	if err != nil {
		return nil, err
	}
	b, ok := v.(bool)
	if !ok {
		return nil, fmt.Errorf("operand of ! must be boolean")
	}
	return !b, nil
}

type boolOpNode struct {
	op          string // "&&" or "||"
	left, right node
}

func (n boolOpNode) eval(ctx EvalContext) (interface{}, error) {
	l, err := n.left.eval(ctx)
	if err != nil {
		return nil, err
	}
	lb, ok := l.(bool)
	if !ok {
		return nil, fmt.Errorf("left operand of %s must be boolean", n.op)
	}
	if n.op == "&&" && !lb {
		return false, nil
	}
	if n.op == "||" && lb {
		return true, nil
	}
	r, err := n.right.eval(ctx)
	if err != nil {
		return nil, err
	}
	rb, ok := r.(bool)
	if !ok {
		return nil, fmt.Errorf("right operand of %s must be boolean", n.op)
	}
	return rb, nil
}

type cmpNode struct {
	op          string // == != > >= < <=
	left, right node
}

func (n cmpNode) eval(ctx EvalContext) (interface{}, error) {
	l, err := n.left.eval(ctx)
	if err != nil {
		return nil, err
	}
	r, err := n.right.eval(ctx)
	if err != nil {
		return nil, err
	}
	return compare(n.op, l, r)
}

func compare(op string, l, r interface{}) (bool, error) {
	// Numeric comparisons always go through decimal.Decimal (spec §4.5).
	ld, lok := toDecimal(l)
	rd, rok := toDecimal(r)
	if lok && rok {
		cmp := ld.Cmp(rd)
		switch op {
		case "==":
			return cmp == 0, nil
		case "!=":
			return cmp != 0, nil
		case ">":
			return cmp > 0, nil
		case ">=":
			return cmp >= 0, nil
		case "<":
			return cmp < 0, nil
		case "<=":
			return cmp <= 0, nil
		}
	}

	switch op {
	case "==":
		return fmt.Sprint(l) == fmt.Sprint(r) && sameKind(l, r), nil
	case "!=":
		return !(fmt.Sprint(l) == fmt.Sprint(r) && sameKind(l, r)), nil
	default:
		return false, fmt.Errorf("operator %s requires numeric operands", op)
	}
}

func sameKind(l, r interface{}) bool {
	if l == nil || r == nil {
		return l == r
	}
	return fmt.Sprintf("%T", l) == fmt.Sprintf("%T", r)
}

func toDecimal(v interface{}) (decimal.Decimal, bool) {
	switch t := v.(type) {
	case decimal.Decimal:
		return t, true
	case float64:
		return decimal.NewFromFloat(t), true
	case int:
		return decimal.NewFromInt(int64(t)), true
	case int64:
		return decimal.NewFromInt(t), true
	case json.Number:
		d, err := decimal.NewFromString(t.String())
		return d, err == nil
	case string:
		d, err := decimal.NewFromString(t)
		return d, err == nil
	default:
		return decimal.Decimal{}, false
	}
}

// ---------------------------------------------------------------------
// Tokenizer + recursive-descent parser.
// ---------------------------------------------------------------------

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokNumber
	tokString
	tokOp
	tokLParen
	tokRParen
	tokNot
)

type token struct {
	kind tokenKind
	text string
}

func tokenize(src string) []token {
	var tokens []token
	runes := []rune(src)
	i := 0
	for i < len(runes) {
		c := runes[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(':
			tokens = append(tokens, token{tokLParen, "("})
			i++
		case c == ')':
			tokens = append(tokens, token{tokRParen, ")"})
			i++
		case c == '"':
			j := i + 1
			for j < len(runes) && runes[j] != '"' {
				j++
			}
			tokens = append(tokens, token{tokString, string(runes[i+1 : j])})
			i = j + 1
		case c == '&' && i+1 < len(runes) && runes[i+1] == '&':
			tokens = append(tokens, token{tokOp, "&&"})
			i += 2
		case c == '|' && i+1 < len(runes) && runes[i+1] == '|':
			tokens = append(tokens, token{tokOp, "||"})
			i += 2
		case c == '=' && i+1 < len(runes) && runes[i+1] == '=':
			tokens = append(tokens, token{tokOp, "=="})
			i += 2
		case c == '!' && i+1 < len(runes) && runes[i+1] == '=':
			tokens = append(tokens, token{tokOp, "!="})
			i += 2
		case c == '!':
			tokens = append(tokens, token{tokNot, "!"})
			i++
		case c == '>' && i+1 < len(runes) && runes[i+1] == '=':
			tokens = append(tokens, token{tokOp, ">="})
			i += 2
		case c == '<' && i+1 < len(runes) && runes[i+1] == '=':
			tokens = append(tokens, token{tokOp, "<="})
			i += 2
		case c == '>':
			tokens = append(tokens, token{tokOp, ">"})
			i++
		case c == '<':
			tokens = append(tokens, token{tokOp, "<"})
			i++
		case c == '-' || c == '.' || (c >= '0' && c <= '9'):
			j := i + 1
			for j < len(runes) && (runes[j] == '.' || (runes[j] >= '0' && runes[j] <= '9')) {
				j++
			}
			tokens = append(tokens, token{tokNumber, string(runes[i:j])})
			i = j
		default:
			j := i
			for j < len(runes) && (runes[j] == '_' || runes[j] == '.' || runes[j] == '-' ||
				(runes[j] >= 'a' && runes[j] <= 'z') || (runes[j] >= 'A' && runes[j] <= 'Z') ||
				(runes[j] >= '0' && runes[j] <= '9')) {
				j++
			}
			if j == i {
				i++ // skip unrecognized rune rather than loop forever
				continue
			}
			tokens = append(tokens, token{tokIdent, string(runes[i:j])})
			i = j
		}
	}
	tokens = append(tokens, token{tokEOF, ""})
	return tokens
}

type parser struct {
	tokens []token
	pos    int
}

func (p *parser) peek() token  { return p.tokens[p.pos] }
func (p *parser) atEnd() bool  { return p.peek().kind == tokEOF }
func (p *parser) advance() token {
	t := p.tokens[p.pos]
	if p.pos < len(p.tokens)-1 {
		p.pos++
	}
	return t
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOp && p.peek().text == "||" {
		p.advance()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = boolOpNode{op: "||", left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOp && p.peek().text == "&&" {
		p.advance()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = boolOpNode{op: "&&", left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseUnary() (node, error) {
	if p.peek().kind == tokNot {
		p.advance()
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return notNode{inner: inner}, nil
	}
	return p.parseCmp()
}

func (p *parser) parseCmp() (node, error) {
	left, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	if p.peek().kind == tokOp {
		op := p.advance().text
		right, err := p.parsePrimary()
		if err != nil {
			return nil, err
		}
		return cmpNode{op: op, left: left, right: right}, nil
	}
	return left, nil
}

func (p *parser) parsePrimary() (node, error) {
	t := p.peek()
	switch t.kind {
	case tokLParen:
		p.advance()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.peek().kind != tokRParen {
			return nil, fmt.Errorf("expected closing parenthesis")
		}
		p.advance()
		return inner, nil
	case tokNumber:
		p.advance()
		d, err := decimal.NewFromString(t.text)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", t.text)
		}
		return litNode{value: d}, nil
	case tokString:
		p.advance()
		return litNode{value: t.text}, nil
	case tokIdent:
		p.advance()
		if t.text == "true" {
			return litNode{value: true}, nil
		}
		if t.text == "false" {
			return litNode{value: false}, nil
		}
		parts := strings.Split(t.text, ".")
		for _, part := range parts {
			if part == "" {
				return nil, fmt.Errorf("malformed field path %q", t.text)
			}
		}
		if len(parts) < 2 {
			return nil, fmt.Errorf("bare identifier %q is not a valid field reference; use namespace.field", t.text)
		}
		switch parts[0] {
		case "payload", "party", "contract", "event":
		default:
			return nil, fmt.Errorf("namespace %q is not permitted; allowed: payload, party, contract, event", parts[0])
		}
		return fieldNode{path: parts}, nil
	default:
		return nil, fmt.Errorf("unexpected token %q", t.text)
	}
}

// normalizeNumbers converts a raw decoded JSON number (float64) into a
// decimal.Decimal recursively through a payload map, so guard comparisons
// never see float64 for monetary fields. Event ingestion does not call it.
func normalizeNumbers(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, vv := range val {
			out[k] = normalizeNumbers(vv)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, vv := range val {
			out[i] = normalizeNumbers(vv)
		}
		return out
	case float64:
		return decimal.NewFromFloat(val)
	case json.Number:
		d, err := decimal.NewFromString(val.String())
		if err != nil {
			return val
		}
		return d
	default:
		return val
	}
}
