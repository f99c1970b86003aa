// internal/rules/expression.go
package rules

import (
	"errors"
	"fmt"
	"strings"

	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/parser"

	"github.com/flowflex/stagecondition/internal/types"
)

/*
 * Expression parsing and the predicate AST.
 *
 * Canonical expressions are text in the expr language, for example:
 *
 *   GreaterThan(input.fields.amount, 1000) && !IsEmpty(input.fields["77"])
 *
 * The expr parser produces a general AST; ParseExpression lowers it into a
 * deliberately small one:
 *
 *   literal   nil, bool, integer, float, string
 *   list      [a, b, c]
 *   path      input.fields.x, input.fields["x"][0]
 *   call      registered helper with checked arity
 *   not       !x, not x
 *   logical   &&, ||, and, or (short-circuit)
 *   compare   ==, !=, <, <=, >, >= (loose comparison)
 *   in        x in [..], x not in [..]
 *   negate    -x
 *
 * Everything else is rejected at parse time: closures, builtins, pipes,
 * ternaries, map literals, method calls, slices, identifiers other than
 * input, and unknown helpers. Lowered predicates hold no reference to the
 * parser's tree and are safe to share between goroutines.
 */

// Predicate is a parsed boolean expression.
type Predicate struct {
	Source string
	root   node
}

type node interface {
	eval(env *Env) (any, error)
}

// ParseExpression parses text and lowers it against the registry.
func ParseExpression(text string, registry *Registry) (*Predicate, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("%w: expression is empty", types.ErrInvalidExpression)
	}
	if len(text) > types.MaxExpressionLength {
		return nil, fmt.Errorf("%w: expression exceeds %d characters", types.ErrInvalidExpression, types.MaxExpressionLength)
	}
	if registry == nil {
		registry = defaultRegistry
	}

	tree, err := parser.Parse(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInvalidExpression, err)
	}

	root, err := lower(tree.Node, registry)
	if err != nil {
		return nil, err
	}
	return &Predicate{Source: text, root: root}, nil
}

// Eval runs the predicate. Helper panics are recovered into errors; a
// non-boolean result is ErrNotBoolean.
func (p *Predicate) Eval(env *Env) (result bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = false
			err = fmt.Errorf("%w: panic during evaluation: %v", types.ErrInvalidExpression, r)
		}
	}()

	v, err := p.root.eval(env)
	if err != nil {
		return false, err
	}
	return truthy(v)
}

// truthy interprets a predicate result. Absent values are false.
func truthy(v any) (bool, error) {
	if v == nil {
		return false, nil
	}
	if b, ok := toBool(v); ok {
		return b, nil
	}
	return false, fmt.Errorf("%w: got %T", types.ErrNotBoolean, v)
}

func lower(n ast.Node, reg *Registry) (node, error) {
	switch t := n.(type) {
	case *ast.NilNode:
		return literalNode{value: nil}, nil
	case *ast.BoolNode:
		return literalNode{value: t.Value}, nil
	case *ast.IntegerNode:
		return literalNode{value: float64(t.Value)}, nil
	case *ast.FloatNode:
		return literalNode{value: t.Value}, nil
	case *ast.StringNode:
		return literalNode{value: t.Value}, nil

	case *ast.ArrayNode:
		items := make([]node, 0, len(t.Nodes))
		for _, child := range t.Nodes {
			item, err := lower(child, reg)
			if err != nil {
				return nil, err
			}
			items = append(items, item)
		}
		return listNode{items: items}, nil

	case *ast.IdentifierNode, *ast.MemberNode:
		path, err := lowerPath(n)
		if err != nil {
			return nil, err
		}
		return pathNode{path: path}, nil

	case *ast.ChainNode:
		return lower(t.Node, reg)

	case *ast.UnaryNode:
		x, err := lower(t.Node, reg)
		if err != nil {
			return nil, err
		}
		switch t.Operator {
		case "!", "not":
			return notNode{x: x}, nil
		case "-":
			return negateNode{x: x}, nil
		case "+":
			return x, nil
		}
		return nil, fmt.Errorf("%w: unary operator %q", types.ErrUnsupportedNode, t.Operator)

	case *ast.BinaryNode:
		return lowerBinary(t, reg)

	case *ast.CallNode:
		return lowerCall(t, reg)

	case *ast.BuiltinNode:
		// the parser reports names like now() or abs() as builtins
		return lowerCallArgs(t.Name, t.Arguments, reg)

	default:
		return nil, fmt.Errorf("%w: %T", types.ErrUnsupportedNode, n)
	}
}

func lowerBinary(t *ast.BinaryNode, reg *Registry) (node, error) {
	left, err := lower(t.Left, reg)
	if err != nil {
		return nil, err
	}
	right, err := lower(t.Right, reg)
	if err != nil {
		return nil, err
	}

	// x == nil and x != nil are null checks rather than comparisons.
	if t.Operator == "==" || t.Operator == "!=" {
		if operand, ok := nullCheckOperand(left, right); ok {
			op := OpIsNull
			if t.Operator == "!=" {
				op = OpIsNotNull
			}
			return compareNode{op: op, left: operand, right: literalNode{}}, nil
		}
	}

	switch t.Operator {
	case "&&", "and":
		return logicalNode{and: true, left: left, right: right}, nil
	case "||", "or":
		return logicalNode{and: false, left: left, right: right}, nil
	case "==":
		return compareNode{op: OpEq, left: left, right: right}, nil
	case "!=":
		return compareNode{op: OpNeq, left: left, right: right}, nil
	case "<":
		return compareNode{op: OpLt, left: left, right: right}, nil
	case "<=":
		return compareNode{op: OpLte, left: left, right: right}, nil
	case ">":
		return compareNode{op: OpGt, left: left, right: right}, nil
	case ">=":
		return compareNode{op: OpGte, left: left, right: right}, nil
	case "in":
		return compareNode{op: OpInList, left: left, right: right}, nil
	case "not in":
		return compareNode{op: OpNotInList, left: left, right: right}, nil
	case "contains":
		return compareNode{op: OpContains, left: left, right: right}, nil
	case "startsWith":
		return compareNode{op: OpStartsWith, left: left, right: right}, nil
	case "endsWith":
		return compareNode{op: OpEndsWith, left: left, right: right}, nil
	}
	return nil, fmt.Errorf("%w: operator %q", types.ErrUnsupportedNode, t.Operator)
}

func nullCheckOperand(left, right node) (node, bool) {
	if isNilLiteral(right) {
		return left, true
	}
	if isNilLiteral(left) {
		return right, true
	}
	return nil, false
}

func isNilLiteral(n node) bool {
	lit, ok := n.(literalNode)
	return ok && lit.value == nil
}

func lowerCall(t *ast.CallNode, reg *Registry) (node, error) {
	ident, ok := t.Callee.(*ast.IdentifierNode)
	if !ok {
		return nil, fmt.Errorf("%w: only helper functions may be called", types.ErrUnsupportedNode)
	}
	return lowerCallArgs(ident.Value, t.Arguments, reg)
}

func lowerCallArgs(name string, arguments []ast.Node, reg *Registry) (node, error) {
	fn, ok := reg.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrUnknownFunction, name)
	}
	if len(arguments) < fn.MinArgs || len(arguments) > fn.MaxArgs {
		return nil, fmt.Errorf("%w: %s takes %s, got %d", types.ErrArity, fn.Name, arityText(fn), len(arguments))
	}

	args := make([]node, 0, len(arguments))
	for _, a := range arguments {
		arg, err := lower(a, reg)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}
	return callNode{fn: fn, args: args}, nil
}

func arityText(fn Function) string {
	if fn.MinArgs == fn.MaxArgs {
		if fn.MinArgs == 1 {
			return "1 argument"
		}
		return fmt.Sprintf("%d arguments", fn.MinArgs)
	}
	return fmt.Sprintf("%d to %d arguments", fn.MinArgs, fn.MaxArgs)
}

// lowerPath flattens a member chain rooted at the input identifier.
func lowerPath(n ast.Node) ([]types.PathSegment, error) {
	var rev []types.PathSegment
	for {
		switch t := n.(type) {
		case *ast.IdentifierNode:
			if t.Value != inputRoot {
				return nil, fmt.Errorf("%w: unknown identifier %q", types.ErrInvalidExpression, t.Value)
			}
			if len(rev) == 0 {
				return nil, fmt.Errorf("%w: input must be followed by a field", types.ErrInvalidExpression)
			}
			path := make([]types.PathSegment, len(rev))
			for i, seg := range rev {
				path[len(rev)-1-i] = seg
			}
			if len(path) > types.MaxPathDepth {
				return nil, types.ErrPathTooDeep
			}
			return path, nil

		case *ast.MemberNode:
			if t.Method {
				return nil, fmt.Errorf("%w: method calls are not allowed", types.ErrUnsupportedNode)
			}
			switch p := t.Property.(type) {
			case *ast.StringNode:
				rev = append(rev, types.PathSegment{Key: p.Value})
			case *ast.IntegerNode:
				if p.Value < 0 {
					return nil, fmt.Errorf("%w: negative index %d", types.ErrInvalidExpression, p.Value)
				}
				rev = append(rev, types.PathSegment{Index: p.Value, IsIndex: true})
			default:
				return nil, fmt.Errorf("%w: member access must use a literal key", types.ErrUnsupportedNode)
			}
			n = t.Node

		case *ast.ChainNode:
			n = t.Node

		default:
			return nil, fmt.Errorf("%w: %T in member chain", types.ErrUnsupportedNode, n)
		}
	}
}

type literalNode struct {
	value any
}

func (n literalNode) eval(*Env) (any, error) {
	return n.value, nil
}

type listNode struct {
	items []node
}

func (n listNode) eval(env *Env) (any, error) {
	out := make([]any, 0, len(n.items))
	for _, item := range n.items {
		v, err := item.eval(env)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

type pathNode struct {
	path []types.PathSegment
}

func (n pathNode) eval(env *Env) (any, error) {
	v, _ := env.Get(n.path)
	return v, nil
}

type callNode struct {
	fn   Function
	args []node
}

func (n callNode) eval(env *Env) (any, error) {
	fn := n.fn
	if bound, ok := env.Registry().Lookup(fn.Name); ok {
		fn = bound
	}
	args := make([]any, len(n.args))
	for i, a := range n.args {
		v, err := a.eval(env)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	return fn.Fn(args), nil
}

type notNode struct {
	x node
}

func (n notNode) eval(env *Env) (any, error) {
	v, err := n.x.eval(env)
	if err != nil {
		return nil, err
	}
	b, err := truthy(v)
	if err != nil {
		return nil, err
	}
	return !b, nil
}

type negateNode struct {
	x node
}

func (n negateNode) eval(env *Env) (any, error) {
	v, err := n.x.eval(env)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	f, ok := toFloat64(v)
	if !ok {
		return nil, fmt.Errorf("%w: cannot negate %T", types.ErrInvalidValue, v)
	}
	return -f, nil
}

type logicalNode struct {
	and         bool
	left, right node
}

func (n logicalNode) eval(env *Env) (any, error) {
	lv, err := n.left.eval(env)
	if err != nil {
		return nil, err
	}
	l, err := truthy(lv)
	if err != nil {
		return nil, err
	}
	if n.and && !l {
		return false, nil
	}
	if !n.and && l {
		return true, nil
	}
	rv, err := n.right.eval(env)
	if err != nil {
		return nil, err
	}
	return truthy(rv)
}

type compareNode struct {
	op          Operator
	left, right node
}

func (n compareNode) eval(env *Env) (any, error) {
	lv, err := n.left.eval(env)
	if err != nil {
		return nil, err
	}
	rv, err := n.right.eval(env)
	if err != nil {
		return nil, err
	}
	return Compare(n.op, lv, rv), nil
}

// IsExpressionError reports whether err came from parsing or lowering.
func IsExpressionError(err error) bool {
	return errors.Is(err, types.ErrInvalidExpression) ||
		errors.Is(err, types.ErrUnsupportedNode) ||
		errors.Is(err, types.ErrUnknownFunction) ||
		errors.Is(err, types.ErrArity) ||
		errors.Is(err, types.ErrPathTooDeep)
}
