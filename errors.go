package ledger

import "fmt"

// Kind is a stable, machine-checkable error taxonomy code. Kind values are
// UPPER_SNAKE_CASE by convention and never change meaning once shipped —
// callers are expected to switch on Kind, not on error message text.
type Kind string

const (
	// Protocol
	KindProtocolViolation        Kind = "PROTOCOL_VIOLATION"
	KindUnsupportedSchemaVersion Kind = "UNSUPPORTED_SCHEMA_VERSION"
	KindInvalidCurrency          Kind = "INVALID_CURRENCY"
	KindMalformedPayload         Kind = "MALFORMED_PAYLOAD"

	// Dispatch
	KindPolicyNotFound          Kind = "PROFILE_NOT_FOUND"
	KindAmbiguousPolicy         Kind = "AMBIGUOUS_POLICY"
	KindPolicyCompilationFailed Kind = "POLICY_COMPILATION_FAILED"

	// Guard
	KindGuardRejected Kind = "GUARD_REJECTED"
	KindGuardBlocked  Kind = "GUARD_BLOCKED"

	// Reference
	KindRoleUnresolved        Kind = "ROLE_UNRESOLVED"
	KindRoleAmbiguous         Kind = "ROLE_AMBIGUOUS"
	KindStaleReferenceSnap    Kind = "STALE_REFERENCE_SNAPSHOT"
	KindAccountInactive       Kind = "ACCOUNT_INACTIVE"
	KindPeriodClosed          Kind = "PERIOD_CLOSED"
	KindAdjustmentNotAllowed  Kind = "ADJUSTMENT_NOT_ALLOWED"

	// Balance & rounding
	KindUnbalancedIntent        Kind = "UNBALANCED_INTENT"
	KindRoundingThresholdExceed Kind = "ROUNDING_THRESHOLD_EXCEEDED"
	KindMultipleRoundingLines   Kind = "MULTIPLE_ROUNDING_LINES"
	KindRoundingAccountMissing  Kind = "ROUNDING_ACCOUNT_MISSING"

	// Concurrency & idempotency
	KindIdempotentAlreadyPosted Kind = "IDEMPOTENT_ALREADY_POSTED"

	// Link
	KindLinkCycle             Kind = "LINK_CYCLE"
	KindLinkLegalityViolation Kind = "LINK_LEGALITY_VIOLATION"
	KindMaxDegreeExceeded     Kind = "MAX_DEGREE_EXCEEDED"

	// Reconciliation
	KindSubledgerOutOfBalance Kind = "SUBLEDGER_OUT_OF_BALANCE"

	// Engine
	KindEngineContractViolation Kind = "ENGINE_CONTRACT_VIOLATION"
	KindEngineParameterInvalid Kind = "ENGINE_PARAMETER_INVALID"
	KindEngineFailure           Kind = "ENGINE_FAILURE"

	// Integrity
	KindImmutabilityViolation Kind = "IMMUTABILITY_VIOLATION"
	KindAuditChainBroken      Kind = "AUDIT_CHAIN_BROKEN"

	// System
	KindSequenceAllocationFailed Kind = "SEQUENCE_ALLOCATION_FAILED"
	KindTransactionFailure       Kind = "TRANSACTION_FAILURE"
)

// KernelError is the single error type the kernel returns across package
// boundaries. It never carries a raw storage error string or stack trace —
// only a stable Kind, a human-readable Message, and optional structured
// Context for diagnosis.
type KernelError struct {
	Kind    Kind                   `json:"kind"`
	Message string                 `json:"message"`
	Context map[string]interface{} `json:"context,omitempty"`

	wrapped error
}

// NewKernelError constructs a KernelError with no wrapped cause.
func NewKernelError(kind Kind, message string) *KernelError {
	return &KernelError{Kind: kind, Message: message}
}

// Wrap constructs a KernelError that also carries an underlying cause,
// available via errors.Unwrap, without leaking the cause's message into
// Error() (spec §7: no raw storage text surfaces to callers).
func Wrap(kind Kind, message string, cause error) *KernelError {
	return &KernelError{Kind: kind, Message: message, wrapped: cause}
}

// WithContext returns a copy of e with additional context fields merged in.
func (e *KernelError) WithContext(kv map[string]interface{}) *KernelError {
	merged := make(map[string]interface{}, len(e.Context)+len(kv))
	for k, v := range e.Context {
		merged[k] = v
	}
	for k, v := range kv {
		merged[k] = v
	}
	return &KernelError{Kind: e.Kind, Message: e.Message, Context: merged, wrapped: e.wrapped}
}

func (e *KernelError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the wrapped cause, if any, for errors.Is/As.
func (e *KernelError) Unwrap() error { return e.wrapped }

// Is reports whether target is a KernelError with the same Kind, enabling
// errors.Is(err, NewKernelError(KindPeriodClosed, "")) style checks.
func (e *KernelError) Is(target error) bool {
	other, ok := target.(*KernelError)
	if !ok {
		return false
	}
	return e.Kind == other.Kind
}

// IsKind reports whether err is a *KernelError of the given kind.
func IsKind(err error, kind Kind) bool {
	ke, ok := err.(*KernelError)
	return ok && ke.Kind == kind
}
