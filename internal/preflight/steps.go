package preflight

import (
	"context"

	"github.com/pillmate/devicecfg/internal/model"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// StepStatus has status about a step, to be reported as part of the overall task.
type StepStatus struct {
	Step    string `json:"step"`
	Status  string `json:"status"`
	Details string `json:"details,omitempty"`
	Error   string `json:"error,omitempty"`
}

// NewStepStatus will create a new step status struct
func NewStepStatus(stepName string, state State, details string, err error) *StepStatus {
	status := &StepStatus{
		Step:    stepName,
		Status:  string(state),
		Details: details,
	}

	if err != nil {
		status.Error = err.Error()
	}

	return status
}

func (s *StepStatus) AsLogFields() logrus.Fields {
	return logrus.Fields{
		"step":    s.Step,
		"status":  s.Status,
		"details": s.Details,
		"error":   s.Error,
	}
}

// Step is a unit of work. Multiple steps accomplish a task.
type Step interface {
	// Name of this step
	Name() string
	// Run checks dev and returns a human readable outcome
	Run(ctx context.Context, dev model.Device) (string, error)
}

type provisionedStep struct {
	name string
}

// ProvisionedStep fails when the record still has empty or placeholder
// values. Nothing after it may run for such a record.
func ProvisionedStep() Step {
	return &provisionedStep{
		name: "Provisioned",
	}
}

func (t *provisionedStep) Name() string {
	return t.name
}

func (t *provisionedStep) Run(_ context.Context, dev model.Device) (string, error) {
	if err := dev.Validate(); errors.Is(err, model.ErrUnprovisioned) {
		return "Device must be registered and reflashed", err
	}

	return "Device " + dev.Serial() + " is provisioned", nil
}

type validateFieldsStep struct {
	name string
}

// ValidateFieldsStep checks the backend URL and the credential lengths.
func ValidateFieldsStep() Step {
	return &validateFieldsStep{
		name: "ValidateFields",
	}
}

func (t *validateFieldsStep) Name() string {
	return t.name
}

func (t *validateFieldsStep) Run(_ context.Context, dev model.Device) (string, error) {
	if err := dev.Validate(); err != nil {
		return "Invalid device configuration", err
	}

	return "Backend " + dev.BackendURL(), nil
}

type backendHealthStep struct {
	name   string
	prober Prober
}

// BackendHealthStep queries the backend health function.
func BackendHealthStep(prober Prober) Step {
	return &backendHealthStep{
		name:   "BackendHealth",
		prober: prober,
	}
}

func (t *backendHealthStep) Name() string {
	return t.name
}

func (t *backendHealthStep) Run(ctx context.Context, _ model.Device) (string, error) {
	status, err := t.prober.Health(ctx)
	if err != nil {
		return "Backend health check failed", err
	}

	if status.Timestamp.IsZero() {
		return "Backend is healthy", nil
	}

	return "Backend is healthy at " + status.Timestamp.UTC().Format("2006-01-02T15:04:05Z"), nil
}
