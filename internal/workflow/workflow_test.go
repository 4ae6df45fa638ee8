package workflow

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/example/ekko-capture/internal/capture"
	"github.com/example/ekko-capture/internal/imagesource"
)

type stubPicker struct {
	calls int
	err   error
}

func (p *stubPicker) Pick(context.Context) (*capture.CapturedImage, error) {
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	return capture.NewBorrowedImage("photo.jpg"), nil
}

type stubPreprocessor struct {
	calls  int
	width  int
	height int
	err    error
}

func (p *stubPreprocessor) Normalize(_ context.Context, _ *capture.CapturedImage, w, h int) ([]byte, error) {
	p.calls++
	p.width, p.height = w, h
	if p.err != nil {
		return nil, p.err
	}
	return []byte("jpeg"), nil
}

type stubRecognizer struct {
	calls   int
	batch   []capture.RawDetection
	err     error
	started chan struct{}
	release chan struct{}
}

func (r *stubRecognizer) DetectText(context.Context, []byte) ([]capture.RawDetection, error) {
	r.calls++
	if r.started != nil {
		close(r.started)
	}
	if r.release != nil {
		<-r.release
	}
	return r.batch, r.err
}

type stubGate struct {
	mu      sync.Mutex
	fields  []*capture.ExtractedField
	err     error
	started chan struct{}
	release chan struct{}
}

func (g *stubGate) Commit(_ context.Context, _ string, f *capture.ExtractedField) error {
	if g.started != nil {
		close(g.started)
		<-g.release
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return g.err
	}
	g.fields = append(g.fields, f)
	return nil
}

type fixture struct {
	wf     *Workflow
	picker *stubPicker
	pre    *stubPreprocessor
	rec    *stubRecognizer
	gate   *stubGate
	seen   []Transition
}

func newFixture(t *testing.T, grammar capture.Grammar, cameraGranted bool) *fixture {
	t.Helper()
	f := &fixture{
		picker: &stubPicker{},
		pre:    &stubPreprocessor{},
		rec:    &stubRecognizer{},
		gate:   &stubGate{},
	}
	wf, err := New(Config{ID: "s1", UserID: "u1", Grammar: grammar}, Deps{
		Source:       imagesource.NewSource(imagesource.StaticPermission(cameraGranted), zap.NewNop()),
		Preprocessor: f.pre,
		Recognizer:   f.rec,
		Gate:         f.gate,
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("new workflow: %v", err)
	}
	var mu sync.Mutex
	wf.Observe(func(tr Transition) {
		mu.Lock()
		f.seen = append(f.seen, tr)
		mu.Unlock()
	})
	f.wf = wf
	return f
}

func (f *fixture) phases() []Phase {
	out := make([]Phase, 0, len(f.seen))
	for _, tr := range f.seen {
		out = append(out, tr.To.Phase)
	}
	return out
}

func equalPhases(a, b []Phase) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestCapturePlateResolves(t *testing.T) {
	f := newFixture(t, capture.GrammarPlateFR, true)
	f.rec.batch = []capture.RawDetection{
		{Text: "RENAULT", Kind: capture.KindLine},
		{Text: "AB-123-CD", Kind: capture.KindLine},
	}

	st, err := f.wf.Capture(context.Background(), capture.ModeCamera, f.picker)
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if !st.Found() || st.Field.Value != "AB-123-CD" || st.Field.Source != capture.SourceImage {
		t.Fatalf("unexpected state %+v", st)
	}
	want := []Phase{PhaseAcquiring, PhasePreprocessing, PhaseRecognizing, PhaseResolved}
	if !equalPhases(f.phases(), want) {
		t.Fatalf("phases = %v, want %v", f.phases(), want)
	}
	if f.pre.width != 800 || f.pre.height != 0 {
		t.Fatalf("unexpected plate profile %dx%d", f.pre.width, f.pre.height)
	}
}

func TestCaptureDocumentUsesSquareProfile(t *testing.T) {
	f := newFixture(t, capture.GrammarDocumentNumber, false)
	f.rec.batch = []capture.RawDetection{
		{Text: "111111", Kind: capture.KindWord},
		{Text: "222222", Kind: capture.KindWord},
	}
	st, err := f.wf.Capture(context.Background(), capture.ModeLibrary, f.picker)
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if st.Field == nil || st.Field.Value != "111111222222" {
		t.Fatalf("unexpected field %+v", st.Field)
	}
	if f.pre.width != 1024 || f.pre.height != 1024 {
		t.Fatalf("unexpected document profile %dx%d", f.pre.width, f.pre.height)
	}
}

func TestCaptureNothingFoundIsRetryable(t *testing.T) {
	f := newFixture(t, capture.GrammarPlateFR, true)
	f.rec.batch = []capture.RawDetection{{Text: "ZZ999", Kind: capture.KindLine}}

	st, err := f.wf.Capture(context.Background(), capture.ModeCamera, f.picker)
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if st.Phase != PhaseResolved || st.Field != nil || !st.Retryable {
		t.Fatalf("expected Resolved(None), got %+v", st)
	}

	f.rec.batch = []capture.RawDetection{{Text: "AB-123-CD", Kind: capture.KindLine}}
	st, err = f.wf.Capture(context.Background(), capture.ModeCamera, f.picker)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if !st.Found() {
		t.Fatalf("expected retry to resolve, got %+v", st)
	}
}

func TestCameraPermissionDeniedSkipsAcquiring(t *testing.T) {
	f := newFixture(t, capture.GrammarPlateFR, false)

	st, err := f.wf.Capture(context.Background(), capture.ModeCamera, f.picker)
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if st.Phase != PhaseFailed || st.Failure != capture.KindPermissionDenied {
		t.Fatalf("expected Failed(PermissionDenied), got %+v", st)
	}
	if !equalPhases(f.phases(), []Phase{PhaseFailed}) {
		t.Fatalf("Acquiring must not be entered, saw %v", f.phases())
	}
	if f.picker.calls != 0 {
		t.Fatal("picker must not be opened")
	}
	if _, err := f.wf.Capture(context.Background(), capture.ModeLibrary, f.picker); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected explicit reset to be required, got %v", err)
	}
}

func TestAbortReturnsToIdle(t *testing.T) {
	f := newFixture(t, capture.GrammarPlateFR, true)
	f.picker.err = capture.ErrAborted

	st, err := f.wf.Capture(context.Background(), capture.ModeCamera, f.picker)
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if st.Phase != PhaseIdle || st.Failure != capture.KindNone {
		t.Fatalf("expected Idle, got %+v", st)
	}
	if f.pre.calls != 0 {
		t.Fatal("preprocessor must not run after abort")
	}
}

func TestPreprocessFailure(t *testing.T) {
	f := newFixture(t, capture.GrammarPlateFR, true)
	f.pre.err = &capture.PreprocessError{Path: "photo.jpg", Err: errors.New("corrupt")}

	st, _ := f.wf.Capture(context.Background(), capture.ModeCamera, f.picker)
	if st.Phase != PhaseFailed || st.Failure != capture.KindPreprocess || st.Retryable {
		t.Fatalf("expected Failed(Preprocess), got %+v", st)
	}
	if f.rec.calls != 0 {
		t.Fatal("recognizer must not run after preprocess failure")
	}
}

func TestRecognitionFailureIsRetryable(t *testing.T) {
	f := newFixture(t, capture.GrammarPlateFR, true)
	f.rec.err = &capture.RecognitionError{Backend: "stub", Timeout: true, Err: context.DeadlineExceeded}

	st, _ := f.wf.Capture(context.Background(), capture.ModeCamera, f.picker)
	if st.Phase != PhaseFailed || st.Failure != capture.KindRecognitionService || !st.Retryable {
		t.Fatalf("expected retryable Failed(RecognitionService), got %+v", st)
	}

	f.rec.err = nil
	f.rec.batch = []capture.RawDetection{{Text: "AB-123-CD", Kind: capture.KindLine}}
	st, err := f.wf.Capture(context.Background(), capture.ModeCamera, f.picker)
	if err != nil || !st.Found() {
		t.Fatalf("expected retry to resolve, got %+v, %v", st, err)
	}
	phases := f.phases()
	if phases[3] != PhaseFailed || phases[4] != PhaseIdle || phases[5] != PhaseAcquiring {
		t.Fatalf("expected implicit retry through Idle, saw %v", phases)
	}
}

func TestRecognizingOnlyLeadsToResolvedOrFailed(t *testing.T) {
	f := newFixture(t, capture.GrammarPlateFR, true)
	f.rec.batch = []capture.RawDetection{{Text: "AB-123-CD", Kind: capture.KindLine}}
	f.rec.started = make(chan struct{})
	f.rec.release = make(chan struct{})

	done := make(chan State)
	go func() {
		st, _ := f.wf.Capture(context.Background(), capture.ModeCamera, f.picker)
		done <- st
	}()
	<-f.rec.started

	if st, err := f.wf.Confirm(context.Background()); !errors.Is(err, ErrInvalidTransition) || st.Phase != PhaseRecognizing {
		t.Fatalf("confirm while recognizing: %+v, %v", st, err)
	}
	if _, err := f.wf.Capture(context.Background(), capture.ModeCamera, f.picker); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy for concurrent capture, got %v", err)
	}
	close(f.rec.release)
	st := <-done

	if st.Phase != PhaseResolved {
		t.Fatalf("expected Resolved, got %+v", st)
	}
	for _, tr := range f.seen {
		if tr.From.Phase == PhaseRecognizing && tr.To.Phase != PhaseResolved && tr.To.Phase != PhaseFailed {
			t.Fatalf("illegal transition out of Recognizing: %s", tr.To.Phase)
		}
		if tr.To.Phase == PhaseConfirmed {
			t.Fatal("Confirmed must not be reached")
		}
	}
	if len(f.gate.fields) != 0 {
		t.Fatal("gate must not be called")
	}
}

func TestResetDiscardsLateRecognitionResult(t *testing.T) {
	f := newFixture(t, capture.GrammarPlateFR, true)
	f.rec.batch = []capture.RawDetection{{Text: "AB-123-CD", Kind: capture.KindLine}}
	f.rec.started = make(chan struct{})
	f.rec.release = make(chan struct{})

	errc := make(chan error)
	go func() {
		_, err := f.wf.Capture(context.Background(), capture.ModeCamera, f.picker)
		errc <- err
	}()
	<-f.rec.started

	if st, err := f.wf.Reset(); err != nil || st.Phase != PhaseIdle {
		t.Fatalf("reset: %+v, %v", st, err)
	}
	close(f.rec.release)

	select {
	case err := <-errc:
		if !errors.Is(err, ErrSuperseded) {
			t.Fatalf("expected ErrSuperseded, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("capture did not return")
	}
	if st := f.wf.State(); st.Phase != PhaseIdle || st.Field != nil {
		t.Fatalf("late result moved the workflow: %+v", st)
	}
}

func TestManualEntryBypassesPipeline(t *testing.T) {
	f := newFixture(t, capture.GrammarPlateFR, true)

	st, err := f.wf.SubmitManual(context.Background(), " ab-123-cd ")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if st.Phase != PhaseConfirmed || st.Field.Value != "AB-123-CD" || st.Field.Source != capture.SourceManual {
		t.Fatalf("unexpected state %+v", st)
	}
	if f.picker.calls != 0 || f.pre.calls != 0 || f.rec.calls != 0 {
		t.Fatal("manual entry must not touch the capture pipeline")
	}
	if len(f.gate.fields) != 1 {
		t.Fatalf("expected one commit, got %d", len(f.gate.fields))
	}
	if !equalPhases(f.phases(), []Phase{PhaseResolved, PhaseConfirmed}) {
		t.Fatalf("unexpected phases %v", f.phases())
	}
}

func TestManualEntryValidation(t *testing.T) {
	f := newFixture(t, capture.GrammarDocumentNumber, false)

	st, err := f.wf.SubmitManual(context.Background(), "12345")
	if !errors.Is(err, capture.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if st.Phase != PhaseIdle || st.Prefill != "12345" {
		t.Fatalf("expected Idle with prefill, got %+v", st)
	}
	if len(f.gate.fields) != 0 {
		t.Fatal("invalid value reached the gate")
	}
}

func TestEditPrefillsAndResubmits(t *testing.T) {
	f := newFixture(t, capture.GrammarPlateFR, true)
	f.rec.batch = []capture.RawDetection{{Text: "AB-123-CD", Kind: capture.KindLine}}
	if _, err := f.wf.Capture(context.Background(), capture.ModeCamera, f.picker); err != nil {
		t.Fatalf("capture: %v", err)
	}

	st, err := f.wf.Edit()
	if err != nil || st.Phase != PhaseIdle || st.Prefill != "AB-123-CD" {
		t.Fatalf("edit: %+v, %v", st, err)
	}
	st, err = f.wf.SubmitManual(context.Background(), "AB-124-CD")
	if err != nil || st.Phase != PhaseConfirmed || st.Field.Value != "AB-124-CD" {
		t.Fatalf("resubmit: %+v, %v", st, err)
	}
}

func TestConfirmGateFailureStaysResolved(t *testing.T) {
	f := newFixture(t, capture.GrammarPlateFR, true)
	f.rec.batch = []capture.RawDetection{{Text: "AB-123-CD", Kind: capture.KindLine}}
	f.gate.err = capture.ErrVehicleNotFound
	if _, err := f.wf.Capture(context.Background(), capture.ModeCamera, f.picker); err != nil {
		t.Fatalf("capture: %v", err)
	}

	st, err := f.wf.Confirm(context.Background())
	if !errors.Is(err, capture.ErrVehicleNotFound) {
		t.Fatalf("expected ErrVehicleNotFound, got %v", err)
	}
	if !st.Found() {
		t.Fatalf("expected to stay Resolved, got %+v", st)
	}

	f.gate.err = nil
	st, err = f.wf.Confirm(context.Background())
	if err != nil || st.Phase != PhaseConfirmed {
		t.Fatalf("confirm: %+v, %v", st, err)
	}
	if _, err := f.wf.Reset(); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("Confirmed is terminal, got %v", err)
	}
}

func TestClosedWorkflowRejectsActions(t *testing.T) {
	f := newFixture(t, capture.GrammarPlateFR, true)
	f.wf.Close()
	if _, err := f.wf.Capture(context.Background(), capture.ModeCamera, f.picker); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestSpoolFailureFailsAsPreprocess(t *testing.T) {
	f := newFixture(t, capture.GrammarPlateFR, true)
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(blocker, []byte("x"), 0o600); err != nil {
		t.Fatalf("write blocker: %v", err)
	}

	st, err := f.wf.Capture(context.Background(), capture.ModeCamera,
		imagesource.UploadPicker{Data: []byte("photo"), SpoolDir: filepath.Join(blocker, "spool")})
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if st.Phase != PhaseFailed || st.Failure != capture.KindPreprocess || st.Retryable {
		t.Fatalf("expected Failed(preprocess) without retry, got %+v", st)
	}
	if f.rec.calls != 0 {
		t.Fatal("recognizer must not run after a spool failure")
	}
}

func TestUnsupportedModeLeavesStateUntouched(t *testing.T) {
	f := newFixture(t, capture.GrammarPlateFR, true)

	st, err := f.wf.Capture(context.Background(), capture.Mode("scanner"), f.picker)
	if !errors.Is(err, capture.ErrUnsupportedMode) {
		t.Fatalf("expected ErrUnsupportedMode, got %v", err)
	}
	if st.Phase != PhaseIdle || len(f.seen) != 0 || f.picker.calls != 0 {
		t.Fatalf("expected no transition, got %+v and %d transitions", st, len(f.seen))
	}
}

func TestCloseDuringCommitSuppressesConfirmed(t *testing.T) {
	f := newFixture(t, capture.GrammarPlateFR, true)
	f.rec.batch = []capture.RawDetection{{Text: "AB-123-CD", Kind: capture.KindLine}}
	if st, err := f.wf.Capture(context.Background(), capture.ModeLibrary, f.picker); err != nil || !st.Found() {
		t.Fatalf("capture: %+v %v", st, err)
	}

	f.gate.started = make(chan struct{})
	f.gate.release = make(chan struct{})
	type result struct {
		st  State
		err error
	}
	done := make(chan result, 1)
	go func() {
		st, err := f.wf.Confirm(context.Background())
		done <- result{st, err}
	}()

	select {
	case <-f.gate.started:
	case <-time.After(time.Second):
		t.Fatal("commit did not start")
	}
	f.wf.Close()
	close(f.gate.release)

	res := <-done
	if !errors.Is(res.err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", res.err)
	}
	for _, tr := range f.seen {
		if tr.To.Phase == PhaseConfirmed {
			t.Fatal("no Confirmed transition may be published after close")
		}
	}
}
