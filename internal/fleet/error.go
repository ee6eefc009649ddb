package fleet

import (
	"fmt"
	"time"
)

type _error string

// Missing is returned when a resource does not exist.
const Missing _error = "missing"

func (e _error) Error() string {
	return string(e)
}

// RejectedError is returned when the control plane refuses a request, e.g.
// quota exceeded, an invalid argument, or a name already in use. These are
// never retried.
type RejectedError struct {
	Op      string
	Code    int
	Reason  string
	Message string
}

func (e *RejectedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%s rejected (%d): %s", e.Op, e.Code,
			e.Message)
	}
	return fmt.Sprintf("%s rejected (%d %s): %s", e.Op, e.Code, e.Reason,
		e.Message)
}

// AuthorizationError is returned when the calling identity is not permitted
// to perform an operation. It is kept apart from RejectedError so that an
// under-scoped service account is never mistaken for a quota problem.
type AuthorizationError struct {
	Op       string
	Identity string
	Code     int
	Message  string
}

func (e *AuthorizationError) Error() string {
	who := e.Identity
	if who == "" {
		who = "caller"
	}
	return fmt.Sprintf("%s not authorized for %s (%d): %s", who, e.Op,
		e.Code, e.Message)
}

// FirewallConflictError is returned when a firewall rule exists under the
// requested name with different settings.
type FirewallConflictError struct {
	Name string
	Want FirewallRule
	Have FirewallRule
}

func (e *FirewallConflictError) Error() string {
	return fmt.Sprintf("firewall %s exists with different rule: have %s, want %s",
		e.Name, e.Have, e.Want)
}

// TimeoutError is returned by Await when a resource did not reach its
// terminal state in time.
type TimeoutError struct {
	What    string
	Timeout time.Duration
	Last    string
}

func (e *TimeoutError) Error() string {
	if e.Last == "" {
		return fmt.Sprintf("%s: timed out after %s", e.What, e.Timeout)
	}
	return fmt.Sprintf("%s: timed out after %s (last: %s)", e.What,
		e.Timeout, e.Last)
}

// UnhealthyError is returned when an instance was created but never reported
// ready. The instance is left running for inspection.
type UnhealthyError struct {
	Instance string
	Address  string
	Err      error
}

func (e *UnhealthyError) Error() string {
	return fmt.Sprintf("instance %s (%s) unhealthy: %v", e.Instance,
		e.Address, e.Err)
}

func (e *UnhealthyError) Unwrap() error { return e.Err }
