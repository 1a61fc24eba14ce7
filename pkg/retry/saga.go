package retry

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Step is one unit of a saga. Compensate undoes a completed Do and may be nil.
type Step struct {
	Name       string
	Do         func(ctx context.Context) error
	Compensate func(ctx context.Context) error
}

// Saga runs steps in order, each through Do with the saga's retry options.
// When a step fails, completed steps are compensated in reverse order.
type Saga struct {
	name  string
	opts  Options
	steps []Step
}

func NewSaga(name string, opts Options) *Saga {
	return &Saga{name: name, opts: opts}
}

func (s *Saga) Step(name string, do, compensate func(ctx context.Context) error) *Saga {
	s.steps = append(s.steps, Step{Name: name, Do: do, Compensate: compensate})
	return s
}

// SagaError reports which step failed and what had already completed.
type SagaError struct {
	Saga            string
	Step            string
	Completed       []string
	Err             error
	CompensationErr error
}

func (e *SagaError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: step %q failed", e.Saga, e.Step)
	if len(e.Completed) > 0 {
		fmt.Fprintf(&b, " after completing [%s]", strings.Join(e.Completed, ", "))
	}
	fmt.Fprintf(&b, ": %v", e.Err)
	if e.CompensationErr != nil {
		fmt.Fprintf(&b, " (compensation failed: %v)", e.CompensationErr)
	}
	return b.String()
}

func (e *SagaError) Unwrap() error { return e.Err }

func (s *Saga) Run(ctx context.Context) error {
	completed := make([]Step, 0, len(s.steps))
	for _, step := range s.steps {
		err := Do(ctx, s.opts, s.name+"/"+step.Name, step.Do)
		if err == nil {
			completed = append(completed, step)
			continue
		}

		sagaErr := &SagaError{
			Saga: s.name,
			Step: step.Name,
			Err:  err,
		}
		for _, c := range completed {
			sagaErr.Completed = append(sagaErr.Completed, c.Name)
		}
		sagaErr.CompensationErr = s.compensate(context.WithoutCancel(ctx), completed)
		return sagaErr
	}
	return nil
}

func (s *Saga) compensate(ctx context.Context, completed []Step) error {
	var errs []error
	for i := len(completed) - 1; i >= 0; i-- {
		step := completed[i]
		if step.Compensate == nil {
			continue
		}
		if err := Do(ctx, s.opts, s.name+"/"+step.Name+"/compensate", step.Compensate); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", step.Name, err))
		}
	}
	return errors.Join(errs...)
}
