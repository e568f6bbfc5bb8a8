package preflight

import (
	"context"
	"encoding/json"
	"runtime/debug"

	"github.com/pillmate/devicecfg/internal/backend"
	"github.com/pillmate/devicecfg/internal/model"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const pkgName = "internal/preflight"

var (
	ErrTaskFatal = errors.New("Task fatal error, check logs for details")
)

// State of a task or step.
type State string

const (
	Pending   State = "pending"
	Active    State = "active"
	Succeeded State = "succeeded"
	Failed    State = "failed"
)

// Publisher receives the task status on every change.
type Publisher interface {
	Publish(ctx context.Context, status *TaskStatus)
}

// Prober checks that the backend answers.
type Prober interface {
	Health(ctx context.Context) (*backend.HealthStatus, error)
}

// TaskStatus has status about a task, and it's steps.
type TaskStatus struct {
	Task       string        `json:"task"`
	Serial     string        `json:"serial"`
	Status     string        `json:"status"`
	Details    string        `json:"details,omitempty"`
	Error      string        `json:"error,omitempty"`
	ActiveStep string        `json:"active_step,omitempty"`
	Warnings   []string      `json:"warnings,omitempty"`
	Steps      []*StepStatus `json:"steps"`
}

// NewTaskStatus will generate a new task status struct
func NewTaskStatus(taskName string, state State) *TaskStatus {
	return &TaskStatus{
		Task:   taskName,
		Status: string(state),
	}
}

func (r *TaskStatus) AsLogFields() logrus.Fields {
	return logrus.Fields{
		"task":    r.Task,
		"status":  r.Status,
		"details": r.Details,
		"error":   r.Error,
	}
}

func (r *TaskStatus) Marshal() ([]byte, error) {
	respBytes, err := json.Marshal(r)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal response to json")
	}

	return respBytes, nil
}

// Task is the ordered list of checks a device record goes through before
// anything is built or sent for it.
type Task interface {
	// Name of the task
	Name() string
	// Device is the record being checked
	Device() model.Device
	// Steps run in order; the first failure stops the task
	Steps() []Step
}

type bootTask struct {
	name   string
	device model.Device
	steps  []Step
}

// NewBootTask creates the boot gate for dev. The provisioning check always
// runs first; the backend probe is only added when prober is not nil.
func NewBootTask(dev model.Device, prober Prober) Task {
	steps := []Step{
		ProvisionedStep(),
		ValidateFieldsStep(),
	}

	if prober != nil {
		steps = append(steps, BackendHealthStep(prober))
	}

	return &bootTask{
		name:   "BootGate",
		device: dev,
		steps:  steps,
	}
}

func (j *bootTask) Name() string {
	return j.name
}

func (j *bootTask) Steps() []Step {
	return j.steps
}

func (j *bootTask) Device() model.Device {
	return j.device
}

// TaskRunner Will run the task by executing the individual steps in the task,
// and reports task status using the publisher.
type TaskRunner struct {
	logger     *logrus.Entry
	publisher  Publisher
	task       Task
	taskStatus *TaskStatus
}

// NewTaskRunner creates a TaskRunner to run a specific Task
func NewTaskRunner(logger *logrus.Logger, publisher Publisher, task Task) *TaskRunner {
	status := NewTaskStatus(task.Name(), Pending)
	status.Serial = task.Device().Serial()

	return &TaskRunner{
		logger:     logger.WithFields(logrus.Fields{"task": task.Name(), "serial": status.Serial}),
		publisher:  publisher,
		task:       task,
		taskStatus: status,
	}
}

// Status returns the last reported task status.
func (r *TaskRunner) Status() *TaskStatus {
	return r.taskStatus
}

func (r *TaskRunner) Run(ctx context.Context) (err error) {
	ctx, span := otel.Tracer(pkgName).Start(
		ctx,
		"TaskRunner.Run",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	defer span.End()

	r.logger.Info("Running task")

	r.initTaskLog()

	defer func() {
		if rec := recover(); rec != nil {
			err = r.handlePanic(ctx, rec)
		}
	}()

	r.taskStatus.Warnings = r.task.Device().Warnings()
	for _, w := range r.taskStatus.Warnings {
		r.logger.Warn(w)
	}

	r.publishTaskUpdate(ctx, Active, "Running steps", nil)

	for stepID, step := range r.task.Steps() {
		r.publishStepUpdate(ctx, stepID, "Running step")

		details, err := step.Run(ctx, r.task.Device())
		if err != nil {
			r.publishFailed(ctx, stepID, details, err)
			return err
		}

		r.publishStepSuccess(ctx, stepID, details)
	}

	r.publishTaskSuccess(ctx)

	return nil
}

func (r *TaskRunner) initTaskLog() {
	steps := r.task.Steps()
	r.taskStatus.Steps = make([]*StepStatus, len(steps))

	for i, step := range steps {
		r.taskStatus.Steps[i] = NewStepStatus(step.Name(), Pending, "", nil)
	}
}

func (r *TaskRunner) handlePanic(ctx context.Context, rec any) error {
	msg := "Panic occurred while running task"
	r.logger.WithFields(logrus.Fields{"rec": rec, "stack": string(debug.Stack())}).Error("!!panic occurred")

	r.publishTaskUpdate(ctx, Failed, msg, ErrTaskFatal)

	return ErrTaskFatal
}

func (r *TaskRunner) publishStepUpdate(ctx context.Context, stepID int, details string) {
	r.taskStatus.ActiveStep = r.task.Steps()[stepID].Name()
	r.publish(ctx, stepID, Active, Active, details, nil)
}

func (r *TaskRunner) publishStepSuccess(ctx context.Context, stepID int, details string) {
	r.publish(ctx, stepID, Succeeded, Active, details, nil)
}

func (r *TaskRunner) publishFailed(ctx context.Context, stepID int, details string, err error) {
	r.logger.WithError(err).Error("Task failed")
	r.publish(ctx, stepID, Failed, Failed, details, err)
}

func (r *TaskRunner) publishTaskSuccess(ctx context.Context) {
	r.logger.Info("Task completed successfully")
	r.taskStatus.ActiveStep = ""
	r.publishTaskUpdate(ctx, Succeeded, "Task completed successfully", nil)
}

func (r *TaskRunner) publish(ctx context.Context, stepID int, stepState, taskState State, details string, err error) {
	step := r.task.Steps()[stepID]
	stepStatus := NewStepStatus(step.Name(), stepState, details, err)

	r.logger.WithFields(stepStatus.AsLogFields()).Info(details)

	r.taskStatus.Steps[stepID] = stepStatus

	var taskDetails string
	if err != nil {
		taskDetails = "Task failed at step " + step.Name()
	}

	r.publishTaskUpdate(ctx, taskState, taskDetails, err)
}

func (r *TaskRunner) publishTaskUpdate(ctx context.Context, state State, details string, err error) {
	r.taskStatus.Status = string(state)
	r.taskStatus.Details = details

	if err != nil {
		r.taskStatus.Error = err.Error()
	}

	r.logger.WithFields(r.taskStatus.AsLogFields()).Debug("Task update")

	if r.publisher != nil {
		r.publisher.Publish(ctx, r.taskStatus)
	}
}
