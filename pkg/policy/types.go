package policy

import (
	"time"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is logged but does not block admission.
	SeverityWarning Severity = "warning"

	// SeverityError blocks admission.
	SeverityError Severity = "error"

	// SeverityCritical blocks admission.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether violations of this severity reject an intent.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is a Rego module whose deny set is evaluated against every intent.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity applies to violations that do not carry their own.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Metadata contains additional policy metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Violation is one element of a policy's deny set.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	Message  string   `json:"message"`
	Severity Severity `json:"severity"`

	// Remediation provides a suggested fix when the policy supplies one.
	Remediation string `json:"remediation,omitempty"`
}

// Result is the outcome of evaluating every enabled policy against one
// intent.
type Result struct {
	// Allowed is false when any violation is blocking.
	Allowed bool `json:"allowed"`

	// Violations lists blocking violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists non-blocking violations.
	Warnings []Violation `json:"warnings,omitempty"`

	// Errors lists policies that failed to evaluate.
	Errors []string `json:"errors,omitempty"`

	EvaluatedPolicies []string      `json:"evaluated_policies"`
	EvaluatedAt       time.Time     `json:"evaluated_at"`
	Duration          time.Duration `json:"duration"`
}

// Input is the document policies see as input.
type Input struct {
	Intent  IntentInput `json:"intent"`
	Context Context     `json:"context"`
}

// IntentInput is the policy view of an intent. Spec holds the kind's spec
// fields under their JSON names.
type IntentInput struct {
	Tenant   string                 `json:"tenant"`
	Kind     string                 `json:"kind"`
	Name     string                 `json:"name,omitempty"`
	ParentID string                 `json:"parent_id,omitempty"`
	Spec     map[string]interface{} `json:"spec"`
}

// Context provides context information for policy evaluation.
type Context struct {
	Timestamp time.Time `json:"timestamp"`

	// Operation is the operation being admitted, currently always "create".
	Operation string `json:"operation"`
}
