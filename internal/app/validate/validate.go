package validate

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/schedge/backend/internal/app/model"
	"github.com/schedge/backend/internal/app/temporal"
)

// Schema names accepted by Validate.
const (
	SchemaRawTask        = "RawTask"
	SchemaFixedTask      = "FixedTask"
	SchemaContinuousTask = "ContinuousTask"
	SchemaProjectTask    = "ProjectTask"
	SchemaSlot           = "Slot"
)

var ErrUnknownSchema = errors.New("unknown schema")

// ValidationError is a structured schema failure. Field is the wire name of
// the offending field when one is known.
type ValidationError struct {
	Schema string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("schema validation failed (%s): %s", e.Schema, e.Reason)
	}
	return fmt.Sprintf("schema validation failed (%s): %s: %s", e.Schema, e.Field, e.Reason)
}

type Validator struct {
	v *validator.Validate
}

func New() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("isodatetime", func(fl validator.FieldLevel) bool {
		_, ok := temporal.ParseDatetime(fl.Field().String())
		return ok
	})
	_ = v.RegisterValidation("isoduration", func(fl validator.FieldLevel) bool {
		minutes, ok := temporal.ParseDurationMinutes(fl.Field().String())
		return ok && minutes >= temporal.MinDurationMinutes && minutes <= temporal.MaxDurationMinutes
	})
	return &Validator{v: v}
}

// Validate checks obj against the named schema. obj must be a model.Task for
// the task schemas and a model.Slot for SchemaSlot. It returns nil or a
// *ValidationError.
func (val *Validator) Validate(obj any, schema string) error {
	switch schema {
	case SchemaRawTask, SchemaFixedTask, SchemaContinuousTask, SchemaProjectTask:
		task, ok := obj.(model.Task)
		if !ok {
			return &ValidationError{Schema: schema, Reason: fmt.Sprintf("expected a task, got %T", obj)}
		}
		return val.task(task, schema)
	case SchemaSlot:
		slot, ok := obj.(model.Slot)
		if !ok {
			return &ValidationError{Schema: schema, Reason: fmt.Sprintf("expected a slot, got %T", obj)}
		}
		return val.slot(slot)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownSchema, schema)
	}
}

var schemaTypes = map[string]model.Type{
	SchemaFixedTask:      model.TypeFixed,
	SchemaContinuousTask: model.TypeContinuous,
	SchemaProjectTask:    model.TypeProject,
}

func (val *Validator) task(task model.Task, schema string) error {
	if !task.Type.Known() {
		return &ValidationError{Schema: schema, Field: "type", Reason: fmt.Sprintf("unknown task type %q", task.Type)}
	}
	if want, ok := schemaTypes[schema]; ok && task.Type != want {
		return &ValidationError{Schema: schema, Field: "type", Reason: fmt.Sprintf("expected %q, got %q", want, task.Type)}
	}
	if err := val.v.Struct(task); err != nil {
		return translate(schema, err)
	}

	var variant any
	var missing bool
	switch task.Type {
	case model.TypeFixed:
		variant, missing = task.Fixed, task.Fixed == nil
	case model.TypeContinuous:
		variant, missing = task.Continuous, task.Continuous == nil
	case model.TypeProject:
		variant, missing = task.Project, task.Project == nil
	}
	if missing {
		return &ValidationError{Schema: schema, Reason: fmt.Sprintf("missing %s fields", task.Type)}
	}
	if err := val.v.Struct(variant); err != nil {
		return translate(schema, err)
	}
	return windowFits(task, schema)
}

func (val *Validator) slot(slot model.Slot) error {
	if err := val.v.Struct(slot); err != nil {
		return translate(SchemaSlot, err)
	}
	return nil
}

// windowFits rejects continuous and project tasks whose duration cannot fit
// between kickoff and deadline.
func windowFits(task model.Task, schema string) error {
	var kickoff, deadline, duration string
	switch task.Type {
	case model.TypeContinuous:
		kickoff, deadline, duration = task.Continuous.Kickoff, task.Continuous.Deadline, task.Continuous.Duration
	case model.TypeProject:
		kickoff, deadline, duration = task.Project.Kickoff, task.Project.Deadline, task.Project.Duration
	default:
		return nil
	}
	k, _ := temporal.ParseDatetime(kickoff)
	d, _ := temporal.ParseDatetime(deadline)
	minutes, _ := temporal.ParseDurationMinutes(duration)
	if window := d.Sub(k); window.Minutes() < float64(minutes) {
		return &ValidationError{
			Schema: schema,
			Field:  "duration",
			Reason: fmt.Sprintf("%s does not fit between kickoff and deadline (%d minutes)", duration, int64(window.Minutes())),
		}
	}
	return nil
}

func translate(schema string, err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return &ValidationError{Schema: schema, Reason: err.Error()}
	}
	fe := verrs[0]
	return &ValidationError{Schema: schema, Field: wireName(fe.Field()), Reason: reason(fe)}
}

func reason(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "hexcolor":
		return "must be a hex color such as #FF0000"
	case "isodatetime":
		return "must be an RFC 3339 datetime"
	case "isoduration":
		return "must be an ISO 8601 duration between PT5M and PT4320M"
	case "gte":
		return "must be >= " + fe.Param()
	default:
		return "failed " + fe.Tag()
	}
}

func wireName(field string) string {
	if field == "" {
		return field
	}
	return strings.ToLower(field[:1]) + field[1:]
}
