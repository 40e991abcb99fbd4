// Package cond evaluates boolean transition conditions against a
// flattened attribute context.
//
// Grammar:
//
//	Expr    ::= Or
//	Or      ::= And ( '||' And )*
//	And     ::= Unary ( '&&' Unary )*
//	Unary   ::= '!' Unary | '(' Expr ')' | Cmp
//	Cmp     ::= Term ( ('=='|'!='|'>='|'<='|'>'|'<') Term )?
//	Term    ::= Literal | Key
//	Key     ::= Ident ( '.' Ident )*
//	Literal ::= String | Number | 'true' | 'false'
//
// Missing keys resolve to nil and compare as empty strings. A bare key is
// truthy when non-empty and not "false"/"0"/"no".
package cond

import (
	"fmt"
	"strconv"
	"strings"
)

// EvalError reports a malformed condition expression. Callers treat it as
// a false result plus a warning; it is never fatal to a run.
type EvalError struct {
	Expr string
	Msg  string
}

func (e *EvalError) Error() string {
	return fmt.Sprintf("condition %q: %s", e.Expr, e.Msg)
}

// Evaluate evaluates the condition against the flattened context.
// An empty condition is vacuously true.
func Evaluate(condition string, ctx map[string]any) (bool, error) {
	condition = strings.TrimSpace(condition)
	if condition == "" {
		return true, nil
	}
	p := &parser{expr: condition, toks: lex(condition)}
	v, err := p.parseOr()
	if err != nil {
		return false, err
	}
	if p.pos != len(p.toks) {
		return false, p.errf("trailing input at %q", p.toks[p.pos].lit)
	}
	return truthy(v.eval(ctx)), nil
}

// EvaluateUnless evaluates the negation of the condition; "unless: X" on
// an edge is sugar for "!(X)".
func EvaluateUnless(condition string, ctx map[string]any) (bool, error) {
	condition = strings.TrimSpace(condition)
	if condition == "" {
		return true, nil
	}
	return Evaluate("!("+condition+")", ctx)
}

// externalVocabulary marks conditions that reference external calls. Such
// conditions are not eligible for automatic evaluation; the transition
// evaluator defers them to the decision-maker.
var externalVocabulary = []string{
	"tool", "api", "call", "invoke", "fetch", "http", "exec", "agent", "llm",
}

// IsSimple reports whether the condition is eligible for automatic
// evaluation without an external decision. The classification is
// advisory: it looks for external-call vocabulary in the key names.
func IsSimple(condition string) bool {
	condition = strings.ToLower(strings.TrimSpace(condition))
	if condition == "" {
		return true
	}
	for _, tok := range lex(condition) {
		if tok.typ != tokKey {
			continue
		}
		for _, part := range strings.Split(tok.lit, ".") {
			for _, word := range externalVocabulary {
				if part == word || strings.HasPrefix(part, word+"_") || strings.HasSuffix(part, "_"+word) {
					return false
				}
			}
		}
	}
	return true
}

type tokType int

const (
	tokKey tokType = iota
	tokString
	tokNumber
	tokOp     // == != >= <= > < && || !
	tokParen  // ( )
	tokInvalid
)

type token struct {
	typ tokType
	lit string
}

func lex(s string) []token {
	var toks []token
	i := 0
	for i < len(s) {
		c := s[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(' || c == ')':
			toks = append(toks, token{tokParen, string(c)})
			i++
		case c == '!' && i+1 < len(s) && s[i+1] == '=':
			toks = append(toks, token{tokOp, "!="})
			i += 2
		case c == '!':
			toks = append(toks, token{tokOp, "!"})
			i++
		case c == '=' && i+1 < len(s) && s[i+1] == '=':
			toks = append(toks, token{tokOp, "=="})
			i += 2
		case c == '>' || c == '<':
			if i+1 < len(s) && s[i+1] == '=' {
				toks = append(toks, token{tokOp, string(c) + "="})
				i += 2
			} else {
				toks = append(toks, token{tokOp, string(c)})
				i++
			}
		case c == '&' && i+1 < len(s) && s[i+1] == '&':
			toks = append(toks, token{tokOp, "&&"})
			i += 2
		case c == '|' && i+1 < len(s) && s[i+1] == '|':
			toks = append(toks, token{tokOp, "||"})
			i += 2
		case c == '"' || c == '\'':
			quote := c
			j := i + 1
			for j < len(s) && s[j] != quote {
				j++
			}
			if j >= len(s) {
				toks = append(toks, token{tokInvalid, s[i:]})
				return toks
			}
			toks = append(toks, token{tokString, s[i+1 : j]})
			i = j + 1
		case c >= '0' && c <= '9' || c == '-' && i+1 < len(s) && s[i+1] >= '0' && s[i+1] <= '9':
			j := i + 1
			for j < len(s) && (s[j] >= '0' && s[j] <= '9' || s[j] == '.') {
				j++
			}
			toks = append(toks, token{tokNumber, s[i:j]})
			i = j
		case isIdentByte(c):
			j := i
			for j < len(s) && (isIdentByte(s[j]) || s[j] == '.') {
				j++
			}
			toks = append(toks, token{tokKey, s[i:j]})
			i = j
		default:
			toks = append(toks, token{tokInvalid, string(c)})
			i++
		}
	}
	return toks
}

func isIdentByte(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_'
}

type parser struct {
	expr string
	toks []token
	pos  int
}

func (p *parser) errf(format string, args ...any) error {
	return &EvalError{Expr: p.expr, Msg: fmt.Sprintf(format, args...)}
}

func (p *parser) peek() (token, bool) {
	if p.pos >= len(p.toks) {
		return token{}, false
	}
	return p.toks[p.pos], true
}

func (p *parser) acceptOp(lits ...string) (string, bool) {
	tok, ok := p.peek()
	if !ok || tok.typ != tokOp {
		return "", false
	}
	for _, lit := range lits {
		if tok.lit == lit {
			p.pos++
			return lit, true
		}
	}
	return "", false
}

// expr is an evaluable expression node.
type expr interface {
	eval(ctx map[string]any) any
}

type orExpr struct{ terms []expr }

func (e orExpr) eval(ctx map[string]any) any {
	for _, t := range e.terms {
		if truthy(t.eval(ctx)) {
			return true
		}
	}
	return false
}

type andExpr struct{ terms []expr }

func (e andExpr) eval(ctx map[string]any) any {
	for _, t := range e.terms {
		if !truthy(t.eval(ctx)) {
			return false
		}
	}
	return true
}

type notExpr struct{ inner expr }

func (e notExpr) eval(ctx map[string]any) any { return !truthy(e.inner.eval(ctx)) }

type cmpExpr struct {
	op          string
	left, right expr
}

func (e cmpExpr) eval(ctx map[string]any) any {
	return compare(e.op, e.left.eval(ctx), e.right.eval(ctx))
}

type litExpr struct{ v any }

func (e litExpr) eval(map[string]any) any { return e.v }

type keyExpr struct{ key string }

func (e keyExpr) eval(ctx map[string]any) any {
	if ctx == nil {
		return nil
	}
	if v, ok := ctx[e.key]; ok {
		return v
	}
	return nil
}

func (p *parser) parseOr() (expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	terms := []expr{left}
	for {
		if _, ok := p.acceptOp("||"); !ok {
			break
		}
		t, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		terms = append(terms, t)
	}
	if len(terms) == 1 {
		return terms[0], nil
	}
	return orExpr{terms}, nil
}

func (p *parser) parseAnd() (expr, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	terms := []expr{left}
	for {
		if _, ok := p.acceptOp("&&"); !ok {
			break
		}
		t, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		terms = append(terms, t)
	}
	if len(terms) == 1 {
		return terms[0], nil
	}
	return andExpr{terms}, nil
}

func (p *parser) parseUnary() (expr, error) {
	if _, ok := p.acceptOp("!"); ok {
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return notExpr{inner}, nil
	}
	if tok, ok := p.peek(); ok && tok.typ == tokParen && tok.lit == "(" {
		p.pos++
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		tok, ok := p.peek()
		if !ok || tok.typ != tokParen || tok.lit != ")" {
			return nil, p.errf("missing closing paren")
		}
		p.pos++
		return inner, nil
	}
	return p.parseCmp()
}

func (p *parser) parseCmp() (expr, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	op, ok := p.acceptOp("==", "!=", ">=", "<=", ">", "<")
	if !ok {
		return left, nil
	}
	right, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	return cmpExpr{op: op, left: left, right: right}, nil
}

func (p *parser) parseTerm() (expr, error) {
	tok, ok := p.peek()
	if !ok {
		return nil, p.errf("unexpected end of expression")
	}
	switch tok.typ {
	case tokString:
		p.pos++
		return litExpr{tok.lit}, nil
	case tokNumber:
		p.pos++
		f, err := strconv.ParseFloat(tok.lit, 64)
		if err != nil {
			return nil, p.errf("bad number %q", tok.lit)
		}
		return litExpr{f}, nil
	case tokKey:
		p.pos++
		switch tok.lit {
		case "true":
			return litExpr{true}, nil
		case "false":
			return litExpr{false}, nil
		}
		return keyExpr{tok.lit}, nil
	default:
		return nil, p.errf("unexpected token %q", tok.lit)
	}
}

// compare applies op to two context values. Numeric comparison is used
// when both sides are numbers (or parse as numbers); otherwise values
// compare as strings.
func compare(op string, a, b any) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		switch op {
		case "==":
			return af == bf
		case "!=":
			return af != bf
		case ">":
			return af > bf
		case "<":
			return af < bf
		case ">=":
			return af >= bf
		case "<=":
			return af <= bf
		}
	}
	as, bs := toString(a), toString(b)
	switch op {
	case "==":
		return as == bs
	case "!=":
		return as != bs
	case ">":
		return as > bs
	case "<":
		return as < bs
	case ">=":
		return as >= bs
	case "<=":
		return as <= bs
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case nil:
		return 0, false
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case bool:
		return 0, false
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func toString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case float64:
		return t != 0
	case int:
		return t != 0
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "", "false", "0", "no":
			return false
		}
		return true
	default:
		return true
	}
}
