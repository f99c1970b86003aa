package types

import "errors"

// Sentinel errors for stage condition operations.
var (
	// ErrNotFound indicates a stage, case or condition does not exist for the tenant.
	ErrNotFound = errors.New("not found")

	// ErrStageAlreadyCompleted indicates another request already completed the stage.
	ErrStageAlreadyCompleted = errors.New("stage already completed by another request")

	// ErrInvalidFieldPath indicates a field path failed the allow-listed grammar.
	ErrInvalidFieldPath = errors.New("invalid field path")

	// ErrPathTooDeep indicates a field path exceeds MaxPathDepth.
	ErrPathTooDeep = errors.New("field path exceeds maximum depth")

	// ErrInvalidValue indicates a literal cannot be embedded in an expression.
	ErrInvalidValue = errors.New("invalid rule value")

	// ErrMissingValue indicates a binary operator without a comparison value.
	ErrMissingValue = errors.New("value required for operator")

	// ErrUnknownOperator indicates an operator outside the closed operator table.
	ErrUnknownOperator = errors.New("unknown operator")

	// ErrInvalidExpression indicates an expression failed to parse.
	ErrInvalidExpression = errors.New("invalid expression")

	// ErrUnsupportedNode indicates an expression construct outside the predicate language.
	ErrUnsupportedNode = errors.New("unsupported expression construct")

	// ErrUnknownFunction indicates a call to a function missing from the helper registry.
	ErrUnknownFunction = errors.New("unknown function")

	// ErrArity indicates a helper call with the wrong number of arguments.
	ErrArity = errors.New("wrong number of arguments")

	// ErrNotBoolean indicates an expression did not produce a boolean.
	ErrNotBoolean = errors.New("expression did not evaluate to a boolean")

	// ErrInvalidRules indicates a rule document could not be decoded.
	ErrInvalidRules = errors.New("invalid rules document")

	// ErrInvalidActions indicates an action document could not be decoded.
	ErrInvalidActions = errors.New("invalid actions document")

	// ErrActionTimeout indicates an action exceeded its timeout.
	ErrActionTimeout = errors.New("action execution timed out")

	// ErrFieldNotFound indicates a field path could not be resolved.
	ErrFieldNotFound = errors.New("field not found")

	// ErrInvalidRequest indicates an evaluation request without tenant, case or stage.
	ErrInvalidRequest = errors.New("invalid evaluation request")
)
