package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/ekko-capture/internal/capture"
	"github.com/example/ekko-capture/internal/extract"
	"github.com/example/ekko-capture/internal/imagesource"
	"github.com/example/ekko-capture/internal/logging"
	"github.com/example/ekko-capture/internal/preprocess"
	"github.com/example/ekko-capture/internal/recognition"
)

// ImageSource acquires images and answers permission questions.
type ImageSource interface {
	CheckMode(ctx context.Context, mode capture.Mode) error
	Acquire(ctx context.Context, mode capture.Mode, picker imagesource.Picker) (*capture.CapturedImage, error)
}

// Preprocessor turns a captured image into an upload payload.
type Preprocessor interface {
	Normalize(ctx context.Context, img *capture.CapturedImage, targetWidth, targetHeight int) ([]byte, error)
}

// Committer is the confirmation gate.
type Committer interface {
	Commit(ctx context.Context, userID string, field *capture.ExtractedField) error
}

// Deps are the collaborators of a workflow.
type Deps struct {
	Source       ImageSource
	Preprocessor Preprocessor
	Recognizer   recognition.Client
	Gate         Committer
}

// Config identifies one capture session.
type Config struct {
	ID      string
	UserID  string
	Grammar capture.Grammar
}

// Workflow is the state machine of one capture session.
//
// mu guards the state and is only held while a transition is decided; the
// acquisition, preprocessing, recognition and commit calls run without it. Each
// suspend point remembers the epoch it started in and its result is applied only
// if the workflow is still in the expected phase of that epoch.
type Workflow struct {
	cfg     Config
	grammar *extract.Grammar
	profile preprocess.Profile
	deps    Deps
	logger  *zap.Logger
	now     func() time.Time

	mu         sync.Mutex
	state      State
	image      *capture.CapturedImage
	detections []capture.RawDetection
	committing bool
	closed     bool

	notifyMu  sync.Mutex
	observers []Observer
}

// New builds a workflow in Idle.
func New(cfg Config, deps Deps, logger *zap.Logger) (*Workflow, error) {
	g, err := extract.Lookup(cfg.Grammar)
	if err != nil {
		return nil, err
	}
	w := &Workflow{
		cfg:     cfg,
		grammar: g,
		profile: preprocess.ProfileFor(cfg.Grammar),
		deps:    deps,
		logger:  logger.Named("workflow").With(zap.String("session_id", cfg.ID), zap.String("grammar", string(cfg.Grammar))),
		now:     time.Now,
	}
	w.state = State{Phase: PhaseIdle, UpdatedAt: w.now().UTC()}
	return w, nil
}

// ID returns the capture session id.
func (w *Workflow) ID() string { return w.cfg.ID }

// UserID returns the owner of the session.
func (w *Workflow) UserID() string { return w.cfg.UserID }

// Grammar returns the grammar the session recognizes.
func (w *Workflow) Grammar() capture.Grammar { return w.cfg.Grammar }

// Observe registers an observer for subsequent transitions.
func (w *Workflow) Observe(o Observer) {
	w.notifyMu.Lock()
	defer w.notifyMu.Unlock()
	w.observers = append(w.observers, o)
}

// State returns the current snapshot.
func (w *Workflow) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Capture runs one acquisition cycle: acquire, preprocess, recognize and extract.
// Step failures are reported through the returned state; the error is reserved for
// rejected or superseded calls.
func (w *Workflow) Capture(ctx context.Context, mode capture.Mode, picker imagesource.Picker) (State, error) {
	permErr := w.deps.Source.CheckMode(ctx, mode)
	if permErr != nil && !errors.Is(permErr, capture.ErrPermissionDenied) {
		return w.State(), permErr
	}

	w.mu.Lock()
	if err := w.startCaptureLocked(); err != nil {
		st := w.state
		w.mu.Unlock()
		return st, err
	}
	var pending []Transition
	if w.state.Phase != PhaseIdle {
		// implicit retry
		pending = append(pending, w.toIdleLocked(""))
	}
	if permErr != nil {
		pending = append(pending, w.failLocked(permErr))
		return w.finish(pending, nil)
	}
	pending = append(pending, w.setLocked(State{Phase: PhaseAcquiring, Epoch: w.state.Epoch + 1}))
	epoch := w.state.Epoch
	w.flushLocked(pending)

	img, err := w.deps.Source.Acquire(ctx, mode, picker)
	w.mu.Lock()
	if !w.currentLocked(epoch, PhaseAcquiring) {
		w.mu.Unlock()
		_ = img.Release()
		return w.State(), ErrSuperseded
	}
	switch {
	case errors.Is(err, capture.ErrAborted):
		w.logger.Debug("acquisition aborted")
		return w.finish([]Transition{w.toIdleLocked("")}, nil)
	case err != nil:
		return w.finish([]Transition{w.failLocked(err)}, nil)
	}
	w.image = img
	w.flushLocked([]Transition{w.setLocked(State{Phase: PhasePreprocessing, Epoch: epoch})})

	payload, err := w.deps.Preprocessor.Normalize(ctx, img, w.profile.Width, w.profile.Height)
	w.mu.Lock()
	if !w.currentLocked(epoch, PhasePreprocessing) {
		w.mu.Unlock()
		return w.State(), ErrSuperseded
	}
	if err != nil {
		return w.finish([]Transition{w.failLocked(err)}, nil)
	}
	w.flushLocked([]Transition{w.setLocked(State{Phase: PhaseRecognizing, Epoch: epoch})})

	batch, err := w.deps.Recognizer.DetectText(ctx, payload)
	w.mu.Lock()
	if !w.currentLocked(epoch, PhaseRecognizing) {
		w.mu.Unlock()
		w.logger.Info("discarding late recognition result", zap.Uint64("epoch", epoch))
		return w.State(), ErrSuperseded
	}
	if err != nil {
		return w.finish([]Transition{w.failLocked(err)}, nil)
	}
	w.detections = batch
	field, ok := extract.Extract(w.grammar, batch)
	next := State{Phase: PhaseResolved, Epoch: epoch, Detections: len(batch)}
	if ok {
		next.Field = field
	} else {
		next.Retryable = true
		next.Error = capture.ErrNoFieldFound.Error()
	}
	return w.finish([]Transition{w.setLocked(next)}, nil)
}

// Reset returns to Idle from any state but Confirmed. Pending results are ignored.
func (w *Workflow) Reset() (State, error) {
	w.mu.Lock()
	if err := w.checkOpenLocked(); err != nil {
		st := w.state
		w.mu.Unlock()
		return st, err
	}
	if w.committing {
		st := w.state
		w.mu.Unlock()
		return st, ErrBusy
	}
	if w.state.Phase == PhaseConfirmed {
		st := w.state
		w.mu.Unlock()
		return st, ErrInvalidTransition
	}
	return w.finish([]Transition{w.toIdleLocked("")}, nil)
}

// Edit moves Resolved(Some) to Idle with the recognized value as prefill.
func (w *Workflow) Edit() (State, error) {
	w.mu.Lock()
	if err := w.checkOpenLocked(); err != nil {
		st := w.state
		w.mu.Unlock()
		return st, err
	}
	if w.committing {
		st := w.state
		w.mu.Unlock()
		return st, ErrBusy
	}
	if !w.state.Found() {
		st := w.state
		w.mu.Unlock()
		return st, ErrInvalidTransition
	}
	return w.finish([]Transition{w.toIdleLocked(w.state.Field.Value)}, nil)
}

// SubmitManual validates a typed value from Idle and confirms it. The image
// source, preprocessor and recognizer are never involved.
func (w *Workflow) SubmitManual(ctx context.Context, value string) (State, error) {
	w.mu.Lock()
	if err := w.checkOpenLocked(); err != nil {
		st := w.state
		w.mu.Unlock()
		return st, err
	}
	if w.state.Phase != PhaseIdle {
		st := w.state
		w.mu.Unlock()
		return st, ErrInvalidTransition
	}
	value = extract.NormalizeManual(w.cfg.Grammar, value)
	if err := extract.Validate(w.cfg.Grammar, value); err != nil {
		next := w.state
		next.Prefill = value
		next.Error = err.Error()
		return w.finish([]Transition{w.setLocked(next)}, err)
	}
	field := &capture.ExtractedField{Value: value, Grammar: w.cfg.Grammar, Source: capture.SourceManual, Tokens: 1}
	w.flushLocked([]Transition{w.setLocked(State{Phase: PhaseResolved, Field: field, Epoch: w.state.Epoch + 1})})

	return w.Confirm(ctx)
}

// Confirm commits Resolved(Some) through the gate and moves to Confirmed. On a
// gate error the workflow stays Resolved.
func (w *Workflow) Confirm(ctx context.Context) (State, error) {
	w.mu.Lock()
	if err := w.checkOpenLocked(); err != nil {
		st := w.state
		w.mu.Unlock()
		return st, err
	}
	if w.committing {
		st := w.state
		w.mu.Unlock()
		return st, ErrBusy
	}
	if !w.state.Found() {
		st := w.state
		w.mu.Unlock()
		return st, ErrInvalidTransition
	}
	field := w.state.Field
	epoch := w.state.Epoch
	w.committing = true
	w.mu.Unlock()

	err := w.deps.Gate.Commit(ctx, w.cfg.UserID, field)

	w.mu.Lock()
	w.committing = false
	if w.closed {
		st := w.state
		w.mu.Unlock()
		return st, ErrClosed
	}
	if err != nil {
		st := w.state
		w.mu.Unlock()
		w.logger.Warn("commit rejected", zap.Error(err))
		return st, logging.NewOperationError("workflow.confirm", w.cfg.ID, err)
	}
	t := w.setLocked(State{Phase: PhaseConfirmed, Field: field, Epoch: epoch, Detections: w.state.Detections})
	w.teardownLocked()
	return w.finish([]Transition{t}, nil)
}

// Close tears the workflow down. Pending results are discarded.
func (w *Workflow) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	w.state.Epoch++
	w.teardownLocked()
}

func (w *Workflow) startCaptureLocked() error {
	if err := w.checkOpenLocked(); err != nil {
		return err
	}
	switch {
	case w.state.Phase.Pending(), w.committing:
		return ErrBusy
	case w.state.Phase == PhaseIdle, w.state.Retryable:
		return nil
	default:
		return ErrInvalidTransition
	}
}

func (w *Workflow) checkOpenLocked() error {
	if w.closed {
		return ErrClosed
	}
	return nil
}

func (w *Workflow) currentLocked(epoch uint64, phase Phase) bool {
	return !w.closed && w.state.Epoch == epoch && w.state.Phase == phase
}

func (w *Workflow) toIdleLocked(prefill string) Transition {
	w.teardownLocked()
	return w.setLocked(State{Phase: PhaseIdle, Prefill: prefill, Epoch: w.state.Epoch + 1})
}

func (w *Workflow) failLocked(err error) Transition {
	kind := capture.KindOf(err)
	w.teardownLocked()
	w.logger.Warn("capture failed", zap.String("kind", string(kind)), zap.Error(err))
	return w.setLocked(State{
		Phase:     PhaseFailed,
		Failure:   kind,
		Retryable: kind.Retryable(),
		Error:     err.Error(),
		Epoch:     w.state.Epoch,
	})
}

// setLocked applies next and returns the transition to publish.
func (w *Workflow) setLocked(next State) Transition {
	from := w.state
	if !allowed[from.Phase][next.Phase] {
		panic(fmt.Sprintf("workflow: illegal transition %s -> %s", from.Phase, next.Phase))
	}
	next.UpdatedAt = w.now().UTC()
	w.state = next
	return Transition{WorkflowID: w.cfg.ID, UserID: w.cfg.UserID, Grammar: w.cfg.Grammar, From: from, To: next}
}

func (w *Workflow) teardownLocked() {
	if w.image != nil {
		if err := w.image.Release(); err != nil {
			w.logger.Warn("failed to release image", zap.Error(err))
		}
		w.image = nil
	}
	w.detections = nil
}

// flushLocked releases mu and publishes ts in order.
func (w *Workflow) flushLocked(ts []Transition) {
	w.notifyMu.Lock()
	w.mu.Unlock()
	defer w.notifyMu.Unlock()
	for _, t := range ts {
		for _, o := range w.observers {
			o(t)
		}
	}
}

func (w *Workflow) finish(ts []Transition, err error) (State, error) {
	st := w.state
	w.flushLocked(ts)
	return st, err
}
