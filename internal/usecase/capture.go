package usecase

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/ekko-capture/internal/capture"
	"github.com/example/ekko-capture/internal/imagesource"
	"github.com/example/ekko-capture/internal/logging"
	"github.com/example/ekko-capture/internal/recognition"
	"github.com/example/ekko-capture/internal/repository"
	"github.com/example/ekko-capture/internal/session"
	"github.com/example/ekko-capture/internal/workflow"
)

// ErrSessionNotFound is returned for unknown ids and for sessions of other users.
var ErrSessionNotFound = errors.New("capture session not found")

// AttemptRepository defines the persistence operations needed by the use case.
type AttemptRepository interface {
	SaveAttempt(ctx context.Context, attempt *repository.CaptureAttempt) error
	ListBySessionAndUser(ctx context.Context, sessionID, userID string) ([]*repository.CaptureAttempt, error)
	AggregateMetrics(ctx context.Context) (*repository.AttemptAggregate, error)
}

// Publisher fans transitions out to live subscribers.
type Publisher interface {
	Publish(t workflow.Transition)
}

// ContextStore is the read side of the session context plus sign-out.
type ContextStore interface {
	session.Reader
	Clear(userID string)
}

// Deps are shared by every capture session.
type Deps struct {
	Preprocessor workflow.Preprocessor
	Recognizer   recognition.Client
	Gate         workflow.Committer
	Contexts     ContextStore
	Attempts     AttemptRepository
	Publisher    Publisher
	SpoolDir     string
	// IdleTTL evicts sessions nobody touched for that long. Zero keeps them forever.
	IdleTTL time.Duration
}

// SessionInfo describes a capture session to clients.
type SessionInfo struct {
	ID        string          `json:"id"`
	Grammar   capture.Grammar `json:"grammar"`
	CreatedAt time.Time       `json:"created_at"`
	State     workflow.State  `json:"state"`
}

type entry struct {
	wf        *workflow.Workflow
	createdAt time.Time
	lastUsed  time.Time
	// startedAt is only touched from the workflow's observer, which runs serially.
	startedAt time.Time
}

// CaptureUseCase owns the capture sessions of all users.
type CaptureUseCase struct {
	deps   Deps
	logger *zap.Logger
	now    func() time.Time

	mu       sync.Mutex
	sessions map[string]*entry

	sendMu   sync.RWMutex
	stopped  bool
	attempts chan *repository.CaptureAttempt
	done     chan struct{}
	closeMu  sync.Once
}

// NewCaptureUseCase constructs the use case and starts the attempt writer.
func NewCaptureUseCase(deps Deps, logger *zap.Logger) *CaptureUseCase {
	uc := &CaptureUseCase{
		deps:     deps,
		logger:   logger.Named("capture_usecase"),
		now:      time.Now,
		sessions: make(map[string]*entry),
		attempts: make(chan *repository.CaptureAttempt, 64),
		done:     make(chan struct{}),
	}
	go uc.writeAttempts()
	return uc
}

// Create opens a capture session for userID. cameraGranted is the client's
// permission answer for this session.
func (uc *CaptureUseCase) Create(ctx context.Context, userID string, grammar capture.Grammar, cameraGranted bool) (*SessionInfo, error) {
	id := uuid.NewString()
	source := imagesource.NewSource(imagesource.StaticPermission(cameraGranted), uc.logger)
	wf, err := workflow.New(workflow.Config{ID: id, UserID: userID, Grammar: grammar}, workflow.Deps{
		Source:       source,
		Preprocessor: uc.deps.Preprocessor,
		Recognizer:   uc.deps.Recognizer,
		Gate:         uc.deps.Gate,
	}, uc.logger)
	if err != nil {
		return nil, err
	}

	now := uc.now().UTC()
	e := &entry{wf: wf, createdAt: now, lastUsed: now}
	wf.Observe(func(t workflow.Transition) { uc.observe(e, t) })

	uc.mu.Lock()
	uc.sessions[id] = e
	uc.mu.Unlock()

	logging.WithOperation(uc.logger, "usecase.create_session", id).Info("capture session opened",
		zap.String("user_id", userID), zap.String("grammar", string(grammar)), zap.Bool("camera_granted", cameraGranted))
	return &SessionInfo{ID: id, Grammar: grammar, CreatedAt: now, State: wf.State()}, nil
}

// Get returns the session snapshot.
func (uc *CaptureUseCase) Get(userID, id string) (*SessionInfo, error) {
	e, err := uc.lookup(userID, id)
	if err != nil {
		return nil, err
	}
	return &SessionInfo{ID: id, Grammar: e.wf.Grammar(), CreatedAt: e.createdAt, State: e.wf.State()}, nil
}

// Subscribe checks ownership of a session before a live stream is attached.
func (uc *CaptureUseCase) Subscribe(userID, id string) (workflow.State, error) {
	e, err := uc.lookup(userID, id)
	if err != nil {
		return workflow.State{}, err
	}
	return e.wf.State(), nil
}

// ListAttempts returns the persisted step outcomes of a session owned by userID.
// Records still queued for the writer are not included.
func (uc *CaptureUseCase) ListAttempts(ctx context.Context, userID, id string) ([]*repository.CaptureAttempt, error) {
	if _, err := uc.lookup(userID, id); err != nil {
		return nil, err
	}
	if uc.deps.Attempts == nil {
		return []*repository.CaptureAttempt{}, nil
	}
	attempts, err := uc.deps.Attempts.ListBySessionAndUser(ctx, id, userID)
	if err != nil {
		return nil, logging.NewOperationError("usecase.list_attempts", id, err)
	}
	return attempts, nil
}

// Capture runs one acquisition with bytes uploaded by the client. Empty data
// means the user cancelled the picker.
func (uc *CaptureUseCase) Capture(ctx context.Context, userID, id string, mode capture.Mode, data []byte) (workflow.State, error) {
	e, err := uc.lookup(userID, id)
	if err != nil {
		return workflow.State{}, err
	}
	return e.wf.Capture(ctx, mode, imagesource.UploadPicker{Data: data, SpoolDir: uc.deps.SpoolDir})
}

// Reset returns the session to Idle.
func (uc *CaptureUseCase) Reset(userID, id string) (workflow.State, error) {
	e, err := uc.lookup(userID, id)
	if err != nil {
		return workflow.State{}, err
	}
	return e.wf.Reset()
}

// Edit switches a resolved session to manual editing.
func (uc *CaptureUseCase) Edit(userID, id string) (workflow.State, error) {
	e, err := uc.lookup(userID, id)
	if err != nil {
		return workflow.State{}, err
	}
	return e.wf.Edit()
}

// Confirm commits the resolved field.
func (uc *CaptureUseCase) Confirm(ctx context.Context, userID, id string) (workflow.State, error) {
	e, err := uc.lookup(userID, id)
	if err != nil {
		return workflow.State{}, err
	}
	return e.wf.Confirm(ctx)
}

// SubmitManual validates and commits a typed value.
func (uc *CaptureUseCase) SubmitManual(ctx context.Context, userID, id, value string) (workflow.State, error) {
	e, err := uc.lookup(userID, id)
	if err != nil {
		return workflow.State{}, err
	}
	return e.wf.SubmitManual(ctx, value)
}

// Delete tears a session down.
func (uc *CaptureUseCase) Delete(userID, id string) error {
	e, err := uc.lookup(userID, id)
	if err != nil {
		return err
	}
	uc.mu.Lock()
	delete(uc.sessions, id)
	uc.mu.Unlock()
	e.wf.Close()
	return nil
}

// Context returns the user's session context.
func (uc *CaptureUseCase) Context(userID string) session.Context {
	return uc.deps.Contexts.Snapshot(userID)
}

// SignOut forgets the user's context and closes their capture sessions.
func (uc *CaptureUseCase) SignOut(userID string) {
	uc.deps.Contexts.Clear(userID)
	uc.mu.Lock()
	var closing []*workflow.Workflow
	for id, e := range uc.sessions {
		if e.wf.UserID() == userID {
			closing = append(closing, e.wf)
			delete(uc.sessions, id)
		}
	}
	uc.mu.Unlock()
	for _, wf := range closing {
		wf.Close()
	}
}

// Sweep closes sessions idle for longer than IdleTTL and returns how many.
func (uc *CaptureUseCase) Sweep() int {
	if uc.deps.IdleTTL <= 0 {
		return 0
	}
	cutoff := uc.now().UTC().Add(-uc.deps.IdleTTL)
	uc.mu.Lock()
	var closing []*workflow.Workflow
	for id, e := range uc.sessions {
		if e.lastUsed.Before(cutoff) && !e.wf.State().Phase.Pending() {
			closing = append(closing, e.wf)
			delete(uc.sessions, id)
		}
	}
	uc.mu.Unlock()
	for _, wf := range closing {
		wf.Close()
	}
	if len(closing) > 0 {
		uc.logger.Info("evicted idle capture sessions", zap.Int("count", len(closing)))
	}
	return len(closing)
}

// RunSweeper calls Sweep every interval until ctx is done.
func (uc *CaptureUseCase) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			uc.Sweep()
		}
	}
}

// Close stops accepting attempts and waits until the queued ones are written.
func (uc *CaptureUseCase) Close() {
	uc.closeMu.Do(func() {
		uc.mu.Lock()
		for id, e := range uc.sessions {
			e.wf.Close()
			delete(uc.sessions, id)
		}
		uc.mu.Unlock()

		uc.sendMu.Lock()
		uc.stopped = true
		close(uc.attempts)
		uc.sendMu.Unlock()
		<-uc.done
	})
}

func (uc *CaptureUseCase) lookup(userID, id string) (*entry, error) {
	uc.mu.Lock()
	defer uc.mu.Unlock()
	e, ok := uc.sessions[id]
	if !ok || e.wf.UserID() != userID {
		return nil, ErrSessionNotFound
	}
	e.lastUsed = uc.now().UTC()
	return e, nil
}

func (uc *CaptureUseCase) observe(e *entry, t workflow.Transition) {
	if uc.deps.Publisher != nil {
		uc.deps.Publisher.Publish(t)
	}
	if t.To.Phase == workflow.PhaseAcquiring {
		e.startedAt = t.To.UpdatedAt
	}
	attempt := attemptFor(t, e.startedAt)
	if attempt == nil || uc.deps.Attempts == nil {
		return
	}
	uc.sendMu.RLock()
	defer uc.sendMu.RUnlock()
	if uc.stopped {
		return
	}
	select {
	case uc.attempts <- attempt:
	default:
		uc.logger.Warn("attempt queue full, dropping record", zap.String("session_id", t.WorkflowID))
	}
}

func (uc *CaptureUseCase) writeAttempts() {
	defer close(uc.done)
	for attempt := range uc.attempts {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := uc.deps.Attempts.SaveAttempt(ctx, attempt); err != nil {
			uc.logger.Error("failed to persist capture attempt", zap.Error(err))
		}
		cancel()
	}
}

// attemptFor maps a terminal step outcome to a log row; other transitions yield nil.
func attemptFor(t workflow.Transition, startedAt time.Time) *repository.CaptureAttempt {
	a := &repository.CaptureAttempt{
		SessionID:  t.WorkflowID,
		UserID:     t.UserID,
		Grammar:    string(t.Grammar),
		Source:     string(capture.SourceImage),
		Detections: t.To.Detections,
		CreatedAt:  t.To.UpdatedAt,
	}
	switch t.To.Phase {
	case workflow.PhaseResolved:
		if t.To.Field == nil {
			a.Outcome = repository.OutcomeNotFound
		} else if t.To.Field.Source == capture.SourceManual {
			// manual entries are logged once, on confirmation
			return nil
		} else {
			a.Outcome = repository.OutcomeFound
			a.Tokens = t.To.Field.Tokens
		}
	case workflow.PhaseFailed:
		a.Outcome = repository.OutcomeFailed
		a.FailureKind = string(t.To.Failure)
	case workflow.PhaseConfirmed:
		a.Outcome = repository.OutcomeConfirmed
		a.Source = string(t.To.Field.Source)
		a.Tokens = t.To.Field.Tokens
		return a
	default:
		return nil
	}
	if !startedAt.IsZero() && t.From.Phase.Pending() {
		a.LatencyMs = t.To.UpdatedAt.Sub(startedAt).Milliseconds()
	}
	return a
}
