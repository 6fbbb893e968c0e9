// Package errors defines the structured fault codes surfaced at worker
// boundaries. Workers never raise to callers; they return these typed values
// and supervisors translate WorkerCrash into restart decisions.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// Base error values for errors.Is checks.
var (
	ErrInvalidPayload    = errors.New("invalid payload")
	ErrCapacityExhausted = errors.New("sensor capacity exhausted")
	ErrUnknownSensor     = errors.New("unknown sensor")
	ErrTimeout           = errors.New("timeout")
	ErrNotFound          = errors.New("not found")
	ErrDraining          = errors.New("node draining")
)

// FaultCode categorizes a core fault.
type FaultCode string

const (
	CodeInvalidPayload     FaultCode = "invalid_payload"
	CodeCapacityExhausted  FaultCode = "sensor_capacity_exhausted"
	CodeUnknownSensor      FaultCode = "unknown_sensor"
	CodeTimeout            FaultCode = "timeout"
	CodeWorkerCrash        FaultCode = "worker_crash"
	CodeRestartStorm       FaultCode = "supervisor_restart_storm"
	CodeSubscriberOverflow FaultCode = "subscriber_overflow"
	CodeNotFound           FaultCode = "not_found"
	CodeInternal           FaultCode = "internal"
)

// CoreError is a structured fault raised by the ingestion and control core.
type CoreError struct {
	Code      FaultCode
	Op        string // operation that failed, e.g. "ingest", "spawn_sensor"
	SensorID  string
	Attribute string
	Err       error
	Timestamp time.Time
	Retryable bool
}

func (e *CoreError) Error() string {
	switch {
	case e.Attribute != "":
		return fmt.Sprintf("%s failed for %s/%s: %v", e.Op, e.SensorID, e.Attribute, e.Err)
	case e.SensorID != "":
		return fmt.Sprintf("%s failed for %s: %v", e.Op, e.SensorID, e.Err)
	default:
		return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
	}
}

func (e *CoreError) Unwrap() error {
	return e.Err
}

// Is maps fault codes onto the base error values.
func (e *CoreError) Is(target error) bool {
	switch target {
	case ErrInvalidPayload:
		return e.Code == CodeInvalidPayload
	case ErrCapacityExhausted:
		return e.Code == CodeCapacityExhausted
	case ErrUnknownSensor:
		return e.Code == CodeUnknownSensor
	case ErrTimeout:
		return e.Code == CodeTimeout
	case ErrNotFound:
		return e.Code == CodeNotFound
	}
	return errors.Is(e.Err, target)
}

// New creates a CoreError with retryability derived from the code.
func New(code FaultCode, op string, err error) *CoreError {
	return &CoreError{
		Code:      code,
		Op:        op,
		Err:       err,
		Timestamp: time.Now(),
		Retryable: retryable(code),
	}
}

// WithSensor attaches the sensor the fault belongs to.
func (e *CoreError) WithSensor(sensorID string) *CoreError {
	e.SensorID = sensorID
	return e
}

// WithAttribute attaches the attribute the fault belongs to.
func (e *CoreError) WithAttribute(attributeID string) *CoreError {
	e.Attribute = attributeID
	return e
}

func retryable(code FaultCode) bool {
	switch code {
	case CodeTimeout, CodeWorkerCrash, CodeSubscriberOverflow, CodeInternal:
		return true
	default:
		return false
	}
}

// IsRetryable reports whether the caller should retry the failed operation.
func IsRetryable(err error) bool {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce.Retryable
	}
	return errors.Is(err, ErrTimeout)
}

// InvalidPayload builds the validation fault for a rejected measurement.
func InvalidPayload(sensorID, attributeID string, err error) *CoreError {
	return New(CodeInvalidPayload, "ingest", err).WithSensor(sensorID).WithAttribute(attributeID)
}

// CapacityExhausted builds the node-local sensor limit fault.
func CapacityExhausted(sensorID string, limit int) *CoreError {
	return New(CodeCapacityExhausted, "spawn_sensor",
		fmt.Errorf("node limit of %d sensors reached", limit)).WithSensor(sensorID)
}

// RestartStorm builds the escalation fault after the restart budget is spent.
func RestartStorm(name string, crashes int, window time.Duration) *CoreError {
	return New(CodeRestartStorm, "supervise",
		fmt.Errorf("%s crashed %d times within %s", name, crashes, window))
}
