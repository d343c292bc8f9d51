package model

import "fmt"

// ValidationError rejects malformed policy input at the API boundary.
// Nothing is partially applied when one is returned.
type ValidationError struct {
	Field  string
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Detail)
	}
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Detail)
}

// NotFoundError signals an operation on an unknown id or identity.
// No state changes when one is returned.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

// TransientStoreError wraps a persistence failure. Callers degrade to
// best-effort in-memory operation and retry writes with bounded backoff.
type TransientStoreError struct {
	Op  string
	Err error
}

func (e *TransientStoreError) Error() string {
	return fmt.Sprintf("store unavailable during %s: %v", e.Op, e.Err)
}

func (e *TransientStoreError) Unwrap() error { return e.Err }

// EnforcementFailure reports that the dispatcher could not apply an action
// after bounded retries. The intended policy stays recorded as pending.
type EnforcementFailure struct {
	Identity FlowIdentity
	Action   PolicyAction
	Attempts int
	Err      error
}

func (e *EnforcementFailure) Error() string {
	return fmt.Sprintf("enforcement of %s for %s failed after %d attempts: %v",
		e.Action, e.Identity, e.Attempts, e.Err)
}

func (e *EnforcementFailure) Unwrap() error { return e.Err }
