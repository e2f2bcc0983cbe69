package models

import (
	"encoding/json"
	"fmt"

	"gorm.io/gorm"
)

// StepType identifies the kind of work a pipeline step performs.
type StepType string

const (
	// StepTypeSearch queries release indexers for candidates.
	StepTypeSearch StepType = "SEARCH"
	// StepTypeDownload sends the chosen release to the download client.
	StepTypeDownload StepType = "DOWNLOAD"
	// StepTypeEncode queues the downloaded file for remote transcoding.
	StepTypeEncode StepType = "ENCODE"
	// StepTypeDeliver copies encoded output to the storage targets.
	StepTypeDeliver StepType = "DELIVER"
	// StepTypeApproval suspends the execution until a decision is recorded.
	StepTypeApproval StepType = "APPROVAL"
	// StepTypeNotification dispatches messages to configured notifiers.
	StepTypeNotification StepType = "NOTIFICATION"
)

// Valid returns true if the step type is a known value.
func (t StepType) Valid() bool {
	switch t {
	case StepTypeSearch, StepTypeDownload, StepTypeEncode,
		StepTypeDeliver, StepTypeApproval, StepTypeNotification:
		return true
	}
	return false
}

// ConditionOperator compares a context field against a rule value.
type ConditionOperator string

const (
	OpEqual          ConditionOperator = "=="
	OpNotEqual       ConditionOperator = "!="
	OpGreaterThan    ConditionOperator = ">"
	OpLessThan       ConditionOperator = "<"
	OpGreaterOrEqual ConditionOperator = ">="
	OpLessOrEqual    ConditionOperator = "<="
	OpIn             ConditionOperator = "in"
	OpNotIn          ConditionOperator = "not_in"
	OpContains       ConditionOperator = "contains"
	OpMatches        ConditionOperator = "matches"
)

// LogicalOperator combines nested condition rules.
type LogicalOperator string

const (
	LogicalAnd LogicalOperator = "AND"
	LogicalOr  LogicalOperator = "OR"
)

// ConditionRule gates step execution on the pipeline context. A leaf rule
// compares the value at Field (dotted path into the context) with Value using
// Operator. A composite rule combines Conditions with LogicalOp.
type ConditionRule struct {
	Field      string            `json:"field,omitempty"`
	Operator   ConditionOperator `json:"operator,omitempty"`
	Value      any               `json:"value,omitempty"`
	LogicalOp  LogicalOperator   `json:"logical_op,omitempty"`
	Conditions []ConditionRule   `json:"conditions,omitempty"`
}

// Step is one node of a template's step tree. Multiple children run in
// parallel; a single child runs sequentially after its parent completes.
type Step struct {
	Type            StepType       `json:"type"`
	Name            string         `json:"name"`
	Config          ContextMap     `json:"config,omitempty"`
	Condition       *ConditionRule `json:"condition,omitempty"`
	Required        bool           `json:"required"`
	Retryable       bool           `json:"retryable"`
	ContinueOnError bool           `json:"continue_on_error"`
	TimeoutMs       int64          `json:"timeout_ms,omitempty"`
	Children        []Step         `json:"children,omitempty"`
}

// CountSteps returns the number of nodes in the subtree rooted at s,
// including s itself.
func (s *Step) CountSteps() int {
	count := 1
	for i := range s.Children {
		count += s.Children[i].CountSteps()
	}
	return count
}

// Validate checks the subtree rooted at s for well-formedness.
func (s *Step) Validate() error {
	if !s.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStepType, s.Type)
	}
	if s.Name == "" {
		return ErrStepNameRequired
	}
	for i := range s.Children {
		if err := s.Children[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Template is a user-authored pipeline definition. Templates are immutable at
// execution time: starting an execution snapshots the step tree into the
// PipelineExecution so later edits never affect in-flight work.
type Template struct {
	BaseModel

	// Name is the unique display name of the template.
	Name string `gorm:"not null;uniqueIndex;size:255" json:"name"`

	// MediaKind restricts which requests may use this template.
	MediaKind MediaKind `gorm:"not null;size:10;index" json:"media_kind"`

	// Steps is the root list of the step tree.
	Steps []Step `gorm:"type:text;serializer:json" json:"steps"`
}

// TableName returns the table name for Template.
func (Template) TableName() string {
	return "templates"
}

// Validate performs basic validation on the template.
func (t *Template) Validate() error {
	if t.Name == "" {
		return ErrNameRequired
	}
	if !t.MediaKind.Valid() {
		return ErrInvalidMediaKind
	}
	if len(t.Steps) == 0 {
		return ErrStepsRequired
	}
	for i := range t.Steps {
		if err := t.Steps[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}

// SnapshotSteps returns a deep copy of the step tree for embedding into a
// new PipelineExecution.
func (t *Template) SnapshotSteps() ([]Step, error) {
	data, err := json.Marshal(t.Steps)
	if err != nil {
		return nil, fmt.Errorf("snapshotting template %s: %w", t.ID, err)
	}
	var snapshot []Step
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("snapshotting template %s: %w", t.ID, err)
	}
	return snapshot, nil
}

// BeforeCreate is a GORM hook that validates the template and generates a ULID.
func (t *Template) BeforeCreate(tx *gorm.DB) error {
	if err := t.BaseModel.BeforeCreate(tx); err != nil {
		return err
	}
	return t.Validate()
}

// BeforeUpdate is a GORM hook that validates the template before update.
func (t *Template) BeforeUpdate(tx *gorm.DB) error {
	return t.Validate()
}
