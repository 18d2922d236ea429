package types

import "errors"

// Sentinel errors for governance operations.
var (
	// ErrRuleSetNotFound indicates no rule set matched. Evaluation recovers
	// from it locally and allows the action.
	ErrRuleSetNotFound = errors.New("rule set not found")

	// ErrRuleNotConfigured indicates no active version pointer exists for a code.
	ErrRuleNotConfigured = errors.New("rule not configured")

	// ErrRuleNotFound indicates a rule id or version does not exist.
	ErrRuleNotFound = errors.New("rule not found")

	// ErrMissingInputField indicates a rule referenced an absent snapshot field.
	ErrMissingInputField = errors.New("required input missing")

	// ErrAuditPersistence indicates an evaluation record could not be stored.
	ErrAuditPersistence = errors.New("audit persistence failure")

	// ErrConcurrentPointerConflict indicates another repoint won the race.
	ErrConcurrentPointerConflict = errors.New("concurrent active version pointer update")

	// ErrVersionConflict indicates a concurrent publish took the same version.
	ErrVersionConflict = errors.New("rule version already exists")

	// ErrPointerMismatch indicates a repoint target from another rule set or code.
	ErrPointerMismatch = errors.New("rule does not belong to pointer's rule set and code")

	// ErrRuleSetInactive indicates a write against a deactivated rule set.
	ErrRuleSetInactive = errors.New("rule set is inactive")

	// ErrInvalidRuleSet indicates rule set attributes violate scope invariants.
	ErrInvalidRuleSet = errors.New("invalid rule set")

	// ErrInvalidRequest indicates an evaluation request is malformed.
	ErrInvalidRequest = errors.New("invalid evaluation request")

	// ErrInvalidDefinition indicates a rule definition failed validation.
	ErrInvalidDefinition = errors.New("invalid rule definition")

	// ErrExpressionTooDeep indicates a definition exceeds MaxExpressionDepth.
	ErrExpressionTooDeep = errors.New("expression exceeds maximum depth")

	// ErrExpressionTooLarge indicates a definition exceeds MaxExpressionNodes.
	ErrExpressionTooLarge = errors.New("expression exceeds maximum node count")

	// ErrTooManyInValues indicates an IN list exceeds MaxInOperatorValues.
	ErrTooManyInValues = errors.New("IN operator has too many values")

	// ErrInvalidOperator indicates an unknown operator.
	ErrInvalidOperator = errors.New("invalid operator")

	// ErrTypeMismatch indicates operands of incompatible types.
	ErrTypeMismatch = errors.New("operand type mismatch")

	// ErrDivisionByZero indicates a div node with a zero divisor.
	ErrDivisionByZero = errors.New("division by zero")

	// ErrSnapshotTooLarge indicates a snapshot exceeds MaxSnapshotFields.
	ErrSnapshotTooLarge = errors.New("snapshot has too many fields")
)
