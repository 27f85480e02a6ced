/*
saga.go - Application-level multi-step protocol

PURPOSE:
  The store has no multi-statement transactions. A Saga runs named steps
  in order, logs each completion, and on failure runs the compensations of
  the completed steps in reverse. Compensation failures are logged, never
  returned in place of the original error.

USAGE:
  saga := ledger.NewSaga("create_purchase_order", log)
  saga.Step("create_document", createDoc, deleteDoc)
  saga.Step("post_entry", post, nil)
  if err := saga.Run(ctx); err != nil {
      var se *ledger.SagaError
      errors.As(err, &se) // se.Step, se.Completed
  }
*/
package ledger

import (
	"context"
	"fmt"
	"strings"

	"github.com/warp/credit-ledger/logger"
)

type sagaStep struct {
	name       string
	do         func(ctx context.Context) error
	compensate func(ctx context.Context) error
}

type Saga struct {
	name  string
	log   *logger.Logger
	steps []sagaStep
}

func NewSaga(name string, log *logger.Logger) *Saga {
	if log == nil {
		log = logger.Nop()
	}
	return &Saga{name: name, log: log}
}

// Step appends a step. compensate may be nil (the step cannot be undone).
func (s *Saga) Step(name string, do func(ctx context.Context) error, compensate func(ctx context.Context) error) *Saga {
	s.steps = append(s.steps, sagaStep{name: name, do: do, compensate: compensate})
	return s
}

// SagaError reports where a saga stopped.
type SagaError struct {
	Saga      string
	Step      string
	Completed []string
	// Compensated lists steps whose compensation ran successfully.
	Compensated []string
	Err         error
}

func (e *SagaError) Error() string {
	return fmt.Sprintf("%s: step %q failed after [%s]: %v",
		e.Saga, e.Step, strings.Join(e.Completed, ", "), e.Err)
}

func (e *SagaError) Unwrap() error { return e.Err }

// Run executes the steps. It returns a *SagaError on the first failure.
func (s *Saga) Run(ctx context.Context) error {
	ctx = s.log.WithField(ctx, "saga", s.name)
	var completed []sagaStep

	for _, step := range s.steps {
		stepCtx := s.log.WithField(ctx, "step", step.name)
		if err := step.do(stepCtx); err != nil {
			s.log.Error(stepCtx, "saga step failed", err)
			sagaErr := &SagaError{Saga: s.name, Step: step.name, Err: err}
			for _, c := range completed {
				sagaErr.Completed = append(sagaErr.Completed, c.name)
			}
			sagaErr.Compensated = s.compensate(ctx, completed)
			return sagaErr
		}
		s.log.Debug(stepCtx, "saga step completed")
		completed = append(completed, step)
	}
	return nil
}

func (s *Saga) compensate(ctx context.Context, completed []sagaStep) []string {
	var done []string
	for i := len(completed) - 1; i >= 0; i-- {
		step := completed[i]
		if step.compensate == nil {
			continue
		}
		stepCtx := s.log.WithField(ctx, "step", step.name)
		if err := step.compensate(stepCtx); err != nil {
			s.log.Error(stepCtx, "saga compensation failed", err)
			continue
		}
		s.log.Info(stepCtx, "saga step compensated")
		done = append(done, step.name)
	}
	return done
}
