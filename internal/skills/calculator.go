package skills

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"
)

// CalculatorSkill evaluates arithmetic expressions with a small
// recursive-descent parser. Supported: + - * / % ^, parentheses, unary
// minus, and the functions sqrt, abs, floor, ceil and round.
type CalculatorSkill struct{}

func NewCalculatorSkill() *CalculatorSkill { return &CalculatorSkill{} }

func (c *CalculatorSkill) Name() string        { return "calculator" }
func (c *CalculatorSkill) Description() string { return "Evaluate arithmetic expressions" }

func (c *CalculatorSkill) Actions() []ActionSpec {
	return []ActionSpec{
		{
			Name:        "evaluate",
			Description: "Evaluate an arithmetic expression",
			Params: []ParamSpec{
				{Name: "expression", Type: ParamString, Required: true, Description: "Expression, e.g. (2 + 3) * sqrt(16)"},
			},
		},
	}
}

func (c *CalculatorSkill) Invoke(ctx context.Context, action string, params Params) (*ActionResult, error) {
	if action != "evaluate" {
		return nil, fmt.Errorf("%w: calculator.%s", ErrUnknownAction, action)
	}

	expr := strings.TrimSpace(params.String("expression"))
	if expr == "" {
		return nil, fmt.Errorf("%w: expression must not be empty", ErrInvalidParams)
	}

	p := &exprParser{input: expr}
	value, err := p.parseExpr()
	if err != nil {
		return nil, fmt.Errorf("evaluate %q: %w", expr, err)
	}
	p.skipSpace()
	if p.pos < len(p.input) {
		return nil, fmt.Errorf("evaluate %q: unexpected %q at offset %d", expr, p.input[p.pos], p.pos)
	}
	if math.IsInf(value, 0) || math.IsNaN(value) {
		return nil, fmt.Errorf("evaluate %q: result is not finite", expr)
	}

	return &ActionResult{Output: map[string]any{
		"expression": expr,
		"result":     value,
	}}, nil
}

// exprParser implements precedence grammar:
//
//	expr   := term (('+'|'-') term)*
//	term   := power (('*'|'/'|'%') power)*
//	power  := unary ('^' power)?          right-associative
//	unary  := '-' unary | atom
//	atom   := number | func '(' expr ')' | '(' expr ')'
type exprParser struct {
	input string
	pos   int
}

func (p *exprParser) parseExpr() (float64, error) {
	left, err := p.parseTerm()
	if err != nil {
		return 0, err
	}
	for {
		p.skipSpace()
		if p.pos >= len(p.input) {
			return left, nil
		}
		op := p.input[p.pos]
		if op != '+' && op != '-' {
			return left, nil
		}
		p.pos++
		right, err := p.parseTerm()
		if err != nil {
			return 0, err
		}
		if op == '+' {
			left += right
		} else {
			left -= right
		}
	}
}

func (p *exprParser) parseTerm() (float64, error) {
	left, err := p.parsePower()
	if err != nil {
		return 0, err
	}
	for {
		p.skipSpace()
		if p.pos >= len(p.input) {
			return left, nil
		}
		op := p.input[p.pos]
		if op != '*' && op != '/' && op != '%' {
			return left, nil
		}
		p.pos++
		right, err := p.parsePower()
		if err != nil {
			return 0, err
		}
		switch op {
		case '*':
			left *= right
		case '/':
			if right == 0 {
				return 0, fmt.Errorf("division by zero")
			}
			left /= right
		case '%':
			if right == 0 {
				return 0, fmt.Errorf("modulo by zero")
			}
			left = math.Mod(left, right)
		}
	}
}

func (p *exprParser) parsePower() (float64, error) {
	base, err := p.parseUnary()
	if err != nil {
		return 0, err
	}
	p.skipSpace()
	if p.pos < len(p.input) && p.input[p.pos] == '^' {
		p.pos++
		exp, err := p.parsePower()
		if err != nil {
			return 0, err
		}
		return math.Pow(base, exp), nil
	}
	return base, nil
}

func (p *exprParser) parseUnary() (float64, error) {
	p.skipSpace()
	if p.pos < len(p.input) && p.input[p.pos] == '-' {
		p.pos++
		v, err := p.parseUnary()
		if err != nil {
			return 0, err
		}
		return -v, nil
	}
	return p.parseAtom()
}

func (p *exprParser) parseAtom() (float64, error) {
	p.skipSpace()
	if p.pos >= len(p.input) {
		return 0, fmt.Errorf("unexpected end of expression")
	}

	ch := p.input[p.pos]
	switch {
	case ch == '(':
		p.pos++
		v, err := p.parseExpr()
		if err != nil {
			return 0, err
		}
		if err := p.expect(')'); err != nil {
			return 0, err
		}
		return v, nil

	case unicode.IsDigit(rune(ch)) || ch == '.':
		return p.parseNumber()

	case unicode.IsLetter(rune(ch)):
		return p.parseFunc()
	}
	return 0, fmt.Errorf("unexpected %q at offset %d", ch, p.pos)
}

func (p *exprParser) parseNumber() (float64, error) {
	start := p.pos
	for p.pos < len(p.input) {
		ch := p.input[p.pos]
		if !unicode.IsDigit(rune(ch)) && ch != '.' && ch != 'e' && ch != 'E' {
			break
		}
		// exponent sign
		if (ch == 'e' || ch == 'E') && p.pos+1 < len(p.input) &&
			(p.input[p.pos+1] == '+' || p.input[p.pos+1] == '-') {
			p.pos++
		}
		p.pos++
	}
	v, err := strconv.ParseFloat(p.input[start:p.pos], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", p.input[start:p.pos])
	}
	return v, nil
}

func (p *exprParser) parseFunc() (float64, error) {
	start := p.pos
	for p.pos < len(p.input) && unicode.IsLetter(rune(p.input[p.pos])) {
		p.pos++
	}
	name := p.input[start:p.pos]

	if err := p.expect('('); err != nil {
		return 0, fmt.Errorf("function %q: %w", name, err)
	}
	arg, err := p.parseExpr()
	if err != nil {
		return 0, err
	}
	if err := p.expect(')'); err != nil {
		return 0, err
	}

	switch name {
	case "sqrt":
		if arg < 0 {
			return 0, fmt.Errorf("sqrt of negative number")
		}
		return math.Sqrt(arg), nil
	case "abs":
		return math.Abs(arg), nil
	case "floor":
		return math.Floor(arg), nil
	case "ceil":
		return math.Ceil(arg), nil
	case "round":
		return math.Round(arg), nil
	}
	return 0, fmt.Errorf("unknown function %q", name)
}

func (p *exprParser) expect(ch byte) error {
	p.skipSpace()
	if p.pos >= len(p.input) || p.input[p.pos] != ch {
		return fmt.Errorf("expected %q at offset %d", ch, p.pos)
	}
	p.pos++
	return nil
}

func (p *exprParser) skipSpace() {
	for p.pos < len(p.input) && (p.input[p.pos] == ' ' || p.input[p.pos] == '\t') {
		p.pos++
	}
}
