package pipeline

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// FieldError describes a single rejected input field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError is the typed error list returned by input validation.
type ValidationError []FieldError

func (e ValidationError) Error() string {
	parts := make([]string, len(e))
	for i, fe := range e {
		parts[i] = fmt.Sprintf("%s: %s", fe.Field, fe.Message)
	}
	return "invalid input: " + strings.Join(parts, "; ")
}

// CreatePipelineInput carries the fields for a new pipeline. Defaulting is a
// pure transform applied before validation, never interleaved with it.
type CreatePipelineInput struct {
	Name      string
	IsDefault bool
	Position  int
}

func (in *CreatePipelineInput) applyDefaults() {
	in.Name = strings.TrimSpace(in.Name)
}

func (in *CreatePipelineInput) validate() error {
	var errs ValidationError
	if in.Name == "" {
		errs = append(errs, FieldError{Field: "name", Message: "is required"})
	}
	if in.Position < 0 {
		errs = append(errs, FieldError{Field: "position", Message: "must not be negative"})
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

// UpdatePipelineInput carries the full replacement state for a pipeline.
type UpdatePipelineInput struct {
	Name      string
	Active    bool
	IsDefault bool
	Position  int
}

func (in *UpdatePipelineInput) applyDefaults() {
	in.Name = strings.TrimSpace(in.Name)
}

func (in *UpdatePipelineInput) validate() error {
	var errs ValidationError
	if in.Name == "" {
		errs = append(errs, FieldError{Field: "name", Message: "is required"})
	}
	if in.Position < 0 {
		errs = append(errs, FieldError{Field: "position", Message: "must not be negative"})
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

// CreateStageInput carries the fields for a new stage. A nil Position means
// "append after the current maximum".
type CreateStageInput struct {
	PipelineID  uuid.UUID
	Name        string
	Color       string
	Position    *int
	Probability *int
	IsFinal     bool
}

func (in *CreateStageInput) applyDefaults() {
	in.Name = strings.TrimSpace(in.Name)
	if in.Probability == nil {
		p := 0
		in.Probability = &p
	}
}

func (in *CreateStageInput) validate() error {
	var errs ValidationError
	if in.PipelineID == uuid.Nil {
		errs = append(errs, FieldError{Field: "pipelineId", Message: "is required"})
	}
	if in.Name == "" {
		errs = append(errs, FieldError{Field: "name", Message: "is required"})
	}
	if in.Position != nil && *in.Position < 0 {
		errs = append(errs, FieldError{Field: "position", Message: "must not be negative"})
	}
	if *in.Probability < 0 || *in.Probability > 100 {
		errs = append(errs, FieldError{Field: "probability", Message: "must be between 0 and 100"})
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

// UpdateStageInput carries the replacement state for a stage (position is
// changed via reorder, not here).
type UpdateStageInput struct {
	Name        string
	Color       string
	Probability int
	IsFinal     bool
}

func (in *UpdateStageInput) applyDefaults() {
	in.Name = strings.TrimSpace(in.Name)
}

func (in *UpdateStageInput) validate() error {
	var errs ValidationError
	if in.Name == "" {
		errs = append(errs, FieldError{Field: "name", Message: "is required"})
	}
	if in.Probability < 0 || in.Probability > 100 {
		errs = append(errs, FieldError{Field: "probability", Message: "must be between 0 and 100"})
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}
