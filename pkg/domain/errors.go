package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Common domain errors
var (
	ErrUnknownRule        = errors.New("unknown rule")
	ErrCapabilityMismatch = errors.New("rule does not support phase")
	ErrMalformedBinding   = errors.New("malformed binding")
	ErrInvalidPhase       = errors.New("invalid phase")
	ErrRulePanic          = errors.New("rule panicked")
)

// ConfigurationError reports a catalog problem detected at load time.
type ConfigurationError struct {
	EntityType string
	Phase      Phase
	RuleID     string
	Reason     string
	Err        error
}

func (e *ConfigurationError) Error() string {
	var b strings.Builder
	b.WriteString("configuration error")
	if e.RuleID != "" {
		fmt.Fprintf(&b, " for rule %q", e.RuleID)
	}
	if e.EntityType != "" || e.Phase != "" {
		fmt.Fprintf(&b, " (%s/%s)", e.EntityType, e.Phase)
	}
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// RuleExecutionError wraps an unexpected fault raised by a rule.
type RuleExecutionError struct {
	EntityType string
	Phase      Phase
	RuleID     string
	Err        error
}

func (e *RuleExecutionError) Error() string {
	return fmt.Sprintf("rule %q failed during %s on %s: %v", e.RuleID, e.Phase, e.EntityType, e.Err)
}

func (e *RuleExecutionError) Unwrap() error {
	return e.Err
}

// ValidationError is a record-level rejection attached by a rule. Index is
// the record's position in the dispatched batch, which still tells records
// apart before the store assigns ids.
type ValidationError struct {
	RuleID   string `json:"ruleId"`
	RecordID string `json:"recordId,omitempty"`
	Index    int    `json:"index"`
	Field    string `json:"field,omitempty"`
	Message  string `json:"message"`
}

// RecordKey names the record the error belongs to: its id, or "#<index>"
// for a record that has none yet.
func (e ValidationError) RecordKey() string {
	if e.RecordID != "" {
		return e.RecordID
	}
	return fmt.Sprintf("#%d", e.Index)
}

func (e ValidationError) Error() string {
	msg := e.Message
	if e.Field != "" {
		msg = e.Field + ": " + msg
	}
	if e.RuleID == "" {
		return msg
	}
	return e.RuleID + ": " + msg
}

// ErrorResponse defines the JSON error model returned by the HTTP API.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
