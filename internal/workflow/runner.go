package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"superpost/pkg/backoff"
	"superpost/pkg/errkind"
	"superpost/pkg/logger"
	"superpost/pkg/metrics"
	"superpost/pkg/otel"
	"superpost/pkg/trace"
)

// DefaultTimeout bounds an execution's wall-clock time.
const DefaultTimeout = 5 * time.Minute

// Step performs the work of one state on data and returns the next state.
// Steps must be idempotent: a step may run again after a stop, a timeout or
// a crash before its transition was checkpointed.
type Step[T any] func(ctx context.Context, data *T) (State, error)

// Definition describes a workflow over data of type T.
type Definition[T any] struct {
	Name  string
	Start State
	Steps map[State]Step[T]
	// Retry bounds transient failures inside one state.
	Retry   backoff.Policy
	Timeout time.Duration
	// Subject names the letter and status a failure report refers to.
	Subject func(data *T) (letterID, status string)
}

// Controller is the type-independent face of a Runner used by the ops API.
type Controller interface {
	Name() string
	Describe(ctx context.Context, id string) (*Execution, error)
	Stop(ctx context.Context, id, cause string) (*Execution, error)
	Resume(ctx context.Context, id string) (*Execution, error)
	Wait(ctx context.Context, id string) (*Execution, error)
}

type handle struct {
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// Runner executes a Definition. Each execution runs in its own goroutine
// and shares nothing in process with other executions.
type Runner[T any] struct {
	def    Definition[T]
	store  CheckpointStore
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	running map[string]*handle
	closed  bool
	wg      sync.WaitGroup
}

func NewRunner[T any](def Definition[T], store CheckpointStore, l *zap.Logger) *Runner[T] {
	if def.Timeout <= 0 {
		def.Timeout = DefaultTimeout
	}
	if def.Retry.Attempts <= 0 {
		def.Retry = backoff.DefaultPolicy()
	}
	if l == nil {
		l = zap.NewNop()
	}
	return &Runner[T]{
		def:     def,
		store:   store,
		logger:  l.With(zap.String("workflow", def.Name)),
		now:     func() time.Time { return time.Now().UTC() },
		running: make(map[string]*handle),
	}
}

func (r *Runner[T]) Name() string { return r.def.Name }

// Start creates execution id with input and runs it in the background. A
// duplicated trigger never runs a workflow twice: an execution that already
// SUCCEEDED or is running here is returned unchanged. One left RUNNING by a
// crashed process is picked up again, and one that ended ABORTED, TIMED_OUT
// or FAILED is resumed from its last checkpointed state the way Resume does.
func (r *Runner[T]) Start(ctx context.Context, id string, input T) (*Execution, error) {
	raw, err := json.Marshal(input)
	if err != nil {
		return nil, errkind.Validation("workflow.start", err)
	}
	now := r.now()
	exec := &Execution{
		ID:        id,
		Workflow:  r.def.Name,
		Status:    StatusRunning,
		State:     r.def.Start,
		Input:     raw,
		Data:      raw,
		StartedAt: now,
		UpdatedAt: now,
	}

	cur, created, err := r.store.Create(ctx, exec)
	if err != nil {
		return nil, fmt.Errorf("create execution %s: %w", id, err)
	}
	if !created {
		switch {
		case cur.Status == StatusRunning && !r.isRunning(id):
			return r.relaunch(ctx, cur)
		case cur.Status.Terminal() && cur.Status != StatusSucceeded:
			return r.restart(ctx, cur)
		}
		r.logger.Info("Execution already exists", zap.String("execution_id", id), zap.String("status", string(cur.Status)))
		return cur, nil
	}

	r.logger.Info("Execution started", zap.String("execution_id", id), zap.String("state", string(exec.State)))
	return r.relaunch(ctx, cur)
}

// relaunch tolerates a concurrent Start of the same id winning the launch
// and a runner that is shutting down.
func (r *Runner[T]) relaunch(ctx context.Context, exec *Execution) (*Execution, error) {
	started, err := r.launch(ctx, exec)
	switch {
	case errors.Is(err, ErrAlreadyRunning):
		return exec, nil
	case errors.Is(err, errShutdown):
		// Persisted as RUNNING; RecoverUnfinished runs it after restart.
		r.logger.Info("Execution deferred to recovery", zap.String("execution_id", exec.ID))
		return exec, nil
	}
	return started, err
}

// restart resumes an execution that ended without succeeding when its
// trigger is delivered again.
func (r *Runner[T]) restart(ctx context.Context, cur *Execution) (*Execution, error) {
	r.logger.Info("Trigger redelivered, resuming execution",
		zap.String("execution_id", cur.ID),
		zap.String("status", string(cur.Status)),
	)
	exec, err := r.Resume(ctx, cur.ID)
	switch {
	case errors.Is(err, ErrAlreadyRunning), errors.Is(err, ErrNotResumable):
		// A concurrent Start or Resume got there first.
		return r.store.Get(ctx, cur.ID)
	case errors.Is(err, errShutdown):
		r.logger.Info("Execution deferred to recovery", zap.String("execution_id", cur.ID))
		return r.store.Get(ctx, cur.ID)
	}
	return exec, err
}

// Describe returns the latest checkpoint.
func (r *Runner[T]) Describe(ctx context.Context, id string) (*Execution, error) {
	return r.store.Get(ctx, id)
}

// Stop cancels a running execution at its current state. Work already
// written stays written; nothing is rolled back.
func (r *Runner[T]) Stop(ctx context.Context, id, cause string) (*Execution, error) {
	r.mu.Lock()
	h, ok := r.running[id]
	r.mu.Unlock()

	if ok {
		h.cancel(fmt.Errorf("%w: %s", errStopped, cause))
		select {
		case <-h.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return r.store.Get(ctx, id)
	}

	exec, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if exec.Status != StatusRunning {
		return exec, nil
	}
	// Orphaned by a crashed process.
	r.finish(exec, StatusAborted, &ErrorInfo{Kind: "Stopped", Message: cause, State: exec.State})
	if err := r.checkpoint(exec); err != nil {
		return nil, err
	}
	return exec, nil
}

// Resume restarts an unfinished execution from its last checkpointed state
// with a fresh timeout.
func (r *Runner[T]) Resume(ctx context.Context, id string) (*Execution, error) {
	if r.isRunning(id) {
		return nil, fmt.Errorf("%s: %w", id, ErrAlreadyRunning)
	}
	exec, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if exec.Status == StatusSucceeded {
		return nil, fmt.Errorf("%s already succeeded: %w", id, ErrNotResumable)
	}

	if exec.State == StateFailed && exec.Error != nil && exec.Error.State != "" {
		exec.State = exec.Error.State
	}
	exec.Status = StatusRunning
	exec.Error = nil
	exec.StoppedAt = nil
	exec.Resumes++
	exec.UpdatedAt = r.now()
	if err := r.checkpoint(exec); err != nil {
		return nil, err
	}
	r.logger.Info("Execution resumed",
		zap.String("execution_id", id),
		zap.String("state", string(exec.State)),
		zap.Int("resumes", exec.Resumes),
	)
	return r.launch(ctx, exec)
}

// RecoverUnfinished resumes every execution left RUNNING that this runner
// does not own, typically after a restart.
func (r *Runner[T]) RecoverUnfinished(ctx context.Context) (int, error) {
	execs, err := r.store.List(ctx, r.def.Name, StatusRunning, 0)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, exec := range execs {
		if r.isRunning(exec.ID) {
			continue
		}
		if _, err := r.launch(ctx, exec); err != nil {
			r.logger.Error("Failed to recover execution", zap.String("execution_id", exec.ID), zap.Error(err))
			continue
		}
		n++
	}
	if n > 0 {
		r.logger.Info("Recovered unfinished executions", zap.Int("count", n))
	}
	return n, nil
}

// Wait blocks until the execution finishes in this process, then returns
// its checkpoint.
func (r *Runner[T]) Wait(ctx context.Context, id string) (*Execution, error) {
	r.mu.Lock()
	h, ok := r.running[id]
	r.mu.Unlock()
	if ok {
		select {
		case <-h.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return r.store.Get(ctx, id)
}

// Shutdown interrupts running executions without finishing them. They stay
// RUNNING in the store and are picked up by RecoverUnfinished.
func (r *Runner[T]) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	for _, h := range r.running {
		h.cancel(errShutdown)
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner[T]) isRunning(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.running[id]
	return ok
}

func (r *Runner[T]) launch(ctx context.Context, exec *Execution) (*Execution, error) {
	var data T
	if err := json.Unmarshal(exec.Data, &data); err != nil {
		return nil, errkind.Validation("workflow.launch", fmt.Errorf("decode checkpoint %s: %w", exec.ID, err))
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", exec.ID, errShutdown)
	}
	if _, ok := r.running[exec.ID]; ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", exec.ID, ErrAlreadyRunning)
	}
	// Executions outlive the request that started them but keep its trace.
	base := trace.WithContext(context.Background(), trace.FromContext(ctx))
	runCtx, cancel := context.WithCancelCause(base)
	h := &handle{cancel: cancel, done: make(chan struct{})}
	r.running[exec.ID] = h
	r.wg.Add(1)
	r.mu.Unlock()

	snapshot := exec.Clone()
	go func() {
		defer r.wg.Done()
		defer func() {
			r.mu.Lock()
			delete(r.running, exec.ID)
			r.mu.Unlock()
			cancel(nil)
			close(h.done)
		}()
		r.run(runCtx, exec, &data)
	}()
	return snapshot, nil
}

func (r *Runner[T]) run(ctx context.Context, exec *Execution, data *T) {
	ctx, cancel := context.WithTimeoutCause(ctx, r.def.Timeout, errTimedOut)
	defer cancel()

	log := logger.WithTrace(ctx, r.logger).With(zap.String("execution_id", exec.ID))

	for {
		switch exec.State {
		case StateDone:
			r.finish(exec, StatusSucceeded, nil)
			r.saveOrLog(log, exec)
			log.Info("Execution succeeded")
			return
		case StateFailed:
			r.finish(exec, StatusFailed, exec.Error)
			r.saveOrLog(log, exec)
			return
		}

		step, ok := r.def.Steps[exec.State]
		if !ok {
			r.fail(log, exec, data, errkind.Validationf("workflow.run", "state %q has no step", exec.State))
			return
		}

		from := exec.State
		next, attempts, err := r.runStep(ctx, exec, step, data)
		if err != nil {
			if cause := context.Cause(ctx); cause != nil {
				r.interrupted(log, exec, data, cause)
				return
			}
			if errkind.IsRetryable(err) {
				err = errkind.Exhausted(fmt.Sprintf("%s.%s", r.def.Name, from), err)
			}
			r.fail(log, exec, data, err)
			return
		}

		raw, err := json.Marshal(data)
		if err != nil {
			r.fail(log, exec, data, errkind.Validation("workflow.checkpoint", err))
			return
		}
		exec.State = next
		exec.Data = raw
		exec.UpdatedAt = r.now()
		exec.History = append(exec.History, Transition{From: from, To: next, At: exec.UpdatedAt, Attempts: attempts})
		metrics.RecordTransition(r.def.Name, string(from), string(next))

		if err := r.checkpoint(exec); err != nil {
			// The step's effects are idempotent; leaving the execution
			// RUNNING lets recovery redo the step.
			log.Error("Checkpoint failed, execution left for recovery",
				zap.String("state", string(next)),
				zap.Error(err),
			)
			return
		}
		log.Debug("Transition", zap.String("from", string(from)), zap.String("to", string(next)), zap.Int("attempts", attempts))
	}
}

func (r *Runner[T]) runStep(ctx context.Context, exec *Execution, step Step[T], data *T) (State, int, error) {
	ctx, span := otel.StartSpan(ctx, "workflow.step",
		oteltrace.WithAttributes(
			attribute.String("workflow.name", r.def.Name),
			attribute.String("workflow.execution_id", exec.ID),
			attribute.String("workflow.state", string(exec.State)),
		),
	)
	defer span.End()

	start := time.Now()
	var next State
	attempts, err := backoff.Retry(ctx, r.def.Retry, errkind.IsRetryable, func(attempt int) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := step(ctx, data)
		if err == nil {
			next = n
		}
		return err
	})
	metrics.RecordStepDuration(r.def.Name, string(exec.State), time.Since(start))
	if err != nil {
		otel.RecordError(span, err)
		return "", attempts, err
	}
	if next == "" {
		return "", attempts, errkind.Validationf("workflow.run", "state %q returned no next state", exec.State)
	}
	span.SetStatus(codes.Ok, "")
	return next, attempts, nil
}

func (r *Runner[T]) interrupted(log *zap.Logger, exec *Execution, data *T, cause error) {
	switch {
	case errors.Is(cause, errShutdown):
		log.Info("Execution interrupted by shutdown", zap.String("state", string(exec.State)))
	case errors.Is(cause, errTimedOut):
		err := errkind.Timeout(fmt.Sprintf("%s.%s", r.def.Name, exec.State), fmt.Errorf("exceeded %s", r.def.Timeout))
		info := r.errorInfo(exec, data, err)
		r.finish(exec, StatusTimedOut, info)
		r.saveOrLog(log, exec)
		log.Error("Execution timed out", zap.String("state", string(info.State)), zap.String("letter_id", info.LetterID))
	default:
		r.finish(exec, StatusAborted, &ErrorInfo{Kind: "Stopped", Message: cause.Error(), State: exec.State})
		r.saveOrLog(log, exec)
		log.Info("Execution stopped", zap.String("state", string(exec.State)), zap.String("cause", cause.Error()))
	}
}

func (r *Runner[T]) fail(log *zap.Logger, exec *Execution, data *T, err error) {
	info := r.errorInfo(exec, data, err)
	exec.History = append(exec.History, Transition{From: exec.State, To: StateFailed, At: r.now()})
	metrics.RecordTransition(r.def.Name, string(exec.State), string(StateFailed))
	exec.State = StateFailed
	r.finish(exec, StatusFailed, info)
	r.saveOrLog(log, exec)
	log.Error("Execution failed",
		zap.String("state", string(info.State)),
		zap.String("error_kind", info.Kind),
		zap.String("letter_id", info.LetterID),
		zap.String("status", info.Status),
		zap.Error(err),
	)
}

func (r *Runner[T]) errorInfo(exec *Execution, data *T, err error) *ErrorInfo {
	info := &ErrorInfo{
		Kind:    errkind.KindOf(err).String(),
		Message: err.Error(),
		State:   exec.State,
	}
	var e *errkind.Error
	if errors.As(err, &e) {
		info.LetterID, info.Status = e.LetterID, e.Status
	}
	if r.def.Subject != nil && (info.LetterID == "" || info.Status == "") {
		id, status := r.def.Subject(data)
		if info.LetterID == "" {
			info.LetterID = id
		}
		if info.Status == "" {
			info.Status = status
		}
	}
	return info
}

func (r *Runner[T]) finish(exec *Execution, status Status, info *ErrorInfo) {
	now := r.now()
	exec.Status = status
	exec.Error = info
	exec.UpdatedAt = now
	exec.StoppedAt = &now
	metrics.RecordExecution(r.def.Name, string(status))
}

// checkpoint writes even when the execution's context is gone.
func (r *Runner[T]) checkpoint(exec *Execution) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := backoff.Retry(ctx, r.def.Retry, errkind.IsRetryable, func(int) error {
		return r.store.Save(ctx, exec)
	})
	return err
}

func (r *Runner[T]) saveOrLog(log *zap.Logger, exec *Execution) {
	if err := r.checkpoint(exec); err != nil {
		log.Error("Failed to save final checkpoint", zap.String("status", string(exec.Status)), zap.Error(err))
	}
}
