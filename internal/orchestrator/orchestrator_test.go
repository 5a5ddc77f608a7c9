package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"

	"github.com/colorlab/backend/internal/events"
	"github.com/colorlab/backend/internal/execution"
	"github.com/colorlab/backend/internal/ledger"
	"github.com/colorlab/backend/internal/ledger/ledgertest"
	"github.com/colorlab/backend/internal/models"
	"github.com/colorlab/backend/internal/pricing"
	"github.com/colorlab/backend/internal/providers"
	"github.com/colorlab/backend/internal/repository"
	"github.com/colorlab/backend/internal/tasks"
	"github.com/colorlab/backend/internal/validator"
)

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

type mockTaskStore struct {
	mu    sync.Mutex
	tasks map[uuid.UUID]*models.Task
}

func newMockTaskStore() *mockTaskStore {
	return &mockTaskStore{tasks: map[uuid.UUID]*models.Task{}}
}

func (m *mockTaskStore) CreateTx(_ context.Context, tx pgx.Tx, t *models.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.tasks[t.ID] = &cp
	ledgertest.OnRollback(tx, func() {
		m.mu.Lock()
		delete(m.tasks, t.ID)
		m.mu.Unlock()
	})
	return nil
}

func (m *mockTaskStore) GetByID(_ context.Context, id uuid.UUID) (*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *mockTaskStore) GetByCreditTransaction(_ context.Context, txID uuid.UUID) (*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tasks {
		if t.CreditTransactionID != nil && *t.CreditTransactionID == txID {
			cp := *t
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m *mockTaskStore) TransitionTx(_ context.Context, tx pgx.Tx, id uuid.UUID, to string, patch models.TaskPatch) (*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if err := tasks.Validate(t.Status, to); err != nil {
		return nil, err
	}
	prev := *t
	t.Status = to
	if patch.ProviderTaskID != nil {
		t.ProviderTaskID = patch.ProviderTaskID
	}
	if patch.ResultMediaURLs != nil {
		t.ResultMediaURLs = patch.ResultMediaURLs
	}
	if patch.ErrorMessage != nil {
		t.ErrorMessage = patch.ErrorMessage
	}
	ledgertest.OnRollback(tx, func() {
		m.mu.Lock()
		*m.tasks[id] = prev
		m.mu.Unlock()
	})
	cp := *t
	return &cp, nil
}

func (m *mockTaskStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

type mockProvider struct {
	mu        sync.Mutex
	submits   int
	submitErr error
	immediate *providers.Status
}

func (p *mockProvider) Name() string { return "mock" }

func (p *mockProvider) Submit(context.Context, providers.Input) (providers.Submission, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.submits++
	if p.submitErr != nil {
		return providers.Submission{}, p.submitErr
	}
	return providers.Submission{ProviderTaskID: fmt.Sprintf("prov-%d", p.submits), Immediate: p.immediate}, nil
}

func (p *mockProvider) QueryStatus(context.Context, string) (providers.Status, error) {
	return providers.Status{State: models.TaskStatusRunning}, nil
}

// checkingProvider inspects the source image before the task is charged.
type checkingProvider struct {
	mockProvider
	mu     sync.Mutex
	checks int
	found  map[string]any
	err    error
	inputs []providers.Input
}

func (p *checkingProvider) Name() string { return "mock-portrait" }

func (p *checkingProvider) Precheck(_ context.Context, in providers.Input) (map[string]any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.checks++
	return p.found, p.err
}

func (p *checkingProvider) Submit(ctx context.Context, in providers.Input) (providers.Submission, error) {
	p.mu.Lock()
	p.inputs = append(p.inputs, in)
	p.mu.Unlock()
	return p.mockProvider.Submit(ctx, in)
}

func (p *checkingProvider) checkCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.checks
}

func (p *mockProvider) submitCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.submits
}

type mockRehoster struct {
	err error
}

func (r *mockRehoster) Rehost(_ context.Context, userID, taskID uuid.UUID, urls []string) ([]string, error) {
	if r.err != nil {
		return nil, r.err
	}
	out := make([]string, len(urls))
	for i := range urls {
		out[i] = fmt.Sprintf("https://media.test/%s/%s/%d.png", userID, taskID, i)
	}
	return out, nil
}

type jobRecorder struct {
	mu   sync.Mutex
	jobs []river.JobArgs
}

func (j *jobRecorder) insert(_ context.Context, tx pgx.Tx, args river.JobArgs) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	n := len(j.jobs)
	j.jobs = append(j.jobs, args)
	ledgertest.OnRollback(tx, func() {
		j.mu.Lock()
		j.jobs = j.jobs[:n]
		j.mu.Unlock()
	})
	return nil
}

func (j *jobRecorder) kinds() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]string, len(j.jobs))
	for i, a := range j.jobs {
		out[i] = a.Kind()
	}
	return out
}

type publishRecorder struct {
	mu       sync.Mutex
	statuses []string
}

func (p *publishRecorder) Publish(_ context.Context, evt events.Event) error {
	p.mu.Lock()
	p.statuses = append(p.statuses, evt.Status)
	p.mu.Unlock()
	return nil
}

type fixture struct {
	orch     *Orchestrator
	credits  *ledgertest.Store
	tasks    *mockTaskStore
	provider *mockProvider
	rehoster *mockRehoster
	jobs     *jobRecorder
	events   *publishRecorder
	registry *providers.Registry
	user     uuid.UUID
}

func newFixture(t *testing.T, balance int) *fixture {
	t.Helper()
	v, err := validator.New()
	if err != nil {
		t.Fatalf("validator.New: %v", err)
	}
	f := &fixture{
		credits:  ledgertest.NewStore(),
		tasks:    newMockTaskStore(),
		provider: &mockProvider{},
		rehoster: &mockRehoster{},
		jobs:     &jobRecorder{},
		events:   &publishRecorder{},
		user:     uuid.New(),
	}
	f.credits.SetBalance(f.user, balance)
	db := &ledgertest.DB{}
	reg := providers.NewRegistry()
	reg.Register(f.provider, pricing.FeatureColorization, pricing.FeatureExpand)
	f.registry = reg
	f.orch = New(Deps{
		DB:        db,
		Ledger:    ledger.NewService(db, f.credits, f.credits, v, nil),
		Tasks:     f.tasks,
		Providers: reg,
		Validator: v,
		Rehoster:  f.rehoster,
		Publisher: f.events,
		InsertJob: f.jobs.insert,
	})
	return f
}

func (f *fixture) submit(t *testing.T) SubmitResult {
	t.Helper()
	res, err := f.orch.Submit(context.Background(), SubmitRequest{
		UserID:         f.user,
		Feature:        pricing.FeatureColorization,
		SourceMediaURL: "https://cdn.test/old-photo.jpg",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return res
}

func (f *fixture) refunds() int {
	n := 0
	for _, tx := range f.credits.Transactions(f.user) {
		if tx.Type == models.CreditTypeRefund {
			n++
		}
	}
	return n
}

// ---------------------------------------------------------------------------
// Submit
// ---------------------------------------------------------------------------

func TestSubmit_ChargesAndStartsTask(t *testing.T) {
	f := newFixture(t, 10)
	res := f.submit(t)

	if res.Status != models.TaskStatusRunning || res.Cost != 6 || res.ProviderTaskID != "prov-1" {
		t.Fatalf("got %+v", res)
	}
	if got := f.credits.Balance(f.user); got != 4 {
		t.Errorf("balance: got %d, want 4", got)
	}
	task, _ := f.tasks.GetByID(context.Background(), res.TaskID)
	if task.CreditTransactionID == nil {
		t.Fatal("task has no credit transaction")
	}
	txs := f.credits.Transactions(f.user)
	if len(txs) != 1 || txs[0].ID != *task.CreditTransactionID || txs[0].Amount != -6 {
		t.Fatalf("transactions: %+v", txs)
	}
	if txs[0].ReferenceID == nil || *txs[0].ReferenceID != res.TaskID.String() {
		t.Errorf("debit should reference the task, got %v", txs[0].ReferenceID)
	}
	if txs[0].Type != models.CreditTypeImageGeneration || txs[0].Metadata[models.MetaFunction] != pricing.FeatureColorization {
		t.Errorf("debit type/metadata: %s %v", txs[0].Type, txs[0].Metadata)
	}
	if task.RequestParameters[models.ParamCreditTransactionID] != txs[0].ID.String() {
		t.Errorf("request parameters: %v", task.RequestParameters)
	}
	if kinds := f.jobs.kinds(); len(kinds) != 1 || kinds[0] != "resolve_task" {
		t.Errorf("jobs: %v", kinds)
	}
	if fmt.Sprint(f.events.statuses) != "[PENDING RUNNING]" {
		t.Errorf("events: %v", f.events.statuses)
	}
}

func TestSubmit_InsufficientCredits(t *testing.T) {
	f := newFixture(t, 3)
	_, err := f.orch.Submit(context.Background(), SubmitRequest{
		UserID:         f.user,
		Feature:        pricing.FeatureColorization,
		SourceMediaURL: "https://cdn.test/a.jpg",
	})
	if !errors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("got %v, want ErrInsufficientCredits", err)
	}
	var ice *InsufficientCreditsError
	if !errors.As(err, &ice) || ice.Shortfall != 3 || ice.Required != 6 || ice.Balance != 3 {
		t.Fatalf("got %+v", ice)
	}
	if f.tasks.count() != 0 || f.provider.submitCount() != 0 {
		t.Errorf("tasks=%d submits=%d, want none", f.tasks.count(), f.provider.submitCount())
	}
	if got := f.credits.Balance(f.user); got != 3 {
		t.Errorf("balance changed to %d", got)
	}
	if len(f.credits.Transactions(f.user)) != 0 {
		t.Error("no transaction should be recorded")
	}
}

func TestSubmit_RejectsBeforeCharging(t *testing.T) {
	cases := []struct {
		name string
		req  SubmitRequest
		is   error
	}{
		{"no provider", SubmitRequest{Feature: pricing.FeatureLivePortrait, SourceMediaURL: "https://cdn.test/a.jpg"}, providers.ErrUnsupportedFeature},
		{"bad quality", SubmitRequest{Feature: pricing.FeatureColorization, Quality: "max", SourceMediaURL: "https://cdn.test/a.jpg"}, pricing.ErrInvalidQuality},
		{"bad params", SubmitRequest{Feature: pricing.FeatureColorization, Params: map[string]any{"seed": 1}, SourceMediaURL: "https://cdn.test/a.jpg"}, validator.ErrValidation},
		{"relative url", SubmitRequest{Feature: pricing.FeatureColorization, SourceMediaURL: "old.jpg"}, ErrInvalidRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, 100)
			tc.req.UserID = f.user
			_, err := f.orch.Submit(context.Background(), tc.req)
			if !errors.Is(err, ErrInvalidRequest) || !errors.Is(err, tc.is) {
				t.Fatalf("got %v", err)
			}
			if f.credits.Balance(f.user) != 100 || f.tasks.count() != 0 {
				t.Error("rejected request must not charge or create a task")
			}
		})
	}
}

func TestSubmit_ProviderRejectionRefunds(t *testing.T) {
	f := newFixture(t, 10)
	f.provider.submitErr = &providers.Error{Provider: "mock", StatusCode: 400, Message: "bad image"}

	_, err := f.orch.Submit(context.Background(), SubmitRequest{
		UserID:         f.user,
		Feature:        pricing.FeatureColorization,
		SourceMediaURL: "https://cdn.test/a.jpg",
	})
	var pse *ProviderSubmissionError
	if !errors.As(err, &pse) {
		t.Fatalf("got %v, want ProviderSubmissionError", err)
	}
	task, _ := f.tasks.GetByID(context.Background(), pse.TaskID)
	if task.Status != models.TaskStatusFailed || task.ErrorMessage == nil {
		t.Fatalf("task: %+v", task)
	}
	if got := f.credits.Balance(f.user); got != 10 {
		t.Errorf("balance: got %d, want 10", got)
	}
	if f.refunds() != 1 {
		t.Errorf("refunds: got %d, want 1", f.refunds())
	}
	if kinds := f.jobs.kinds(); len(kinds) != 0 {
		t.Errorf("no job should be queued, got %v", kinds)
	}
}

func emojiRequest(f *fixture) SubmitRequest {
	return SubmitRequest{
		UserID:         f.user,
		Feature:        pricing.FeatureEmojiAnimation,
		SourceMediaURL: "https://cdn.test/face.jpg",
		Params:         map[string]any{"driven_id": "mengwa_kaixin"},
		IdempotencyKey: "emoji-1",
	}
}

func TestSubmit_PrecheckRejectionChargesNothing(t *testing.T) {
	f := newFixture(t, 20)
	p := &checkingProvider{err: fmt.Errorf("%w: no usable face in image", providers.ErrInputRejected)}
	f.registry.Register(p, pricing.FeatureEmojiAnimation)

	_, err := f.orch.Submit(context.Background(), emojiRequest(f))
	if !errors.Is(err, ErrInvalidRequest) || !errors.Is(err, providers.ErrInputRejected) {
		t.Fatalf("got %v, want a rejected input", err)
	}
	if p.checkCount() != 1 || p.submitCount() != 0 || f.tasks.count() != 0 {
		t.Errorf("checks=%d submits=%d tasks=%d", p.checkCount(), p.submitCount(), f.tasks.count())
	}
	if got := f.credits.Balance(f.user); got != 20 || len(f.credits.Transactions(f.user)) != 0 {
		t.Errorf("balance %d, transactions %d: nothing should be charged", got, len(f.credits.Transactions(f.user)))
	}
}

func TestSubmit_PrecheckOutageChargesNothing(t *testing.T) {
	f := newFixture(t, 20)
	p := &checkingProvider{err: &providers.Error{Provider: "mock-portrait", StatusCode: 503, Message: "unavailable"}}
	f.registry.Register(p, pricing.FeatureEmojiAnimation)

	_, err := f.orch.Submit(context.Background(), emojiRequest(f))
	if !errors.Is(err, ErrProviderUnavailable) || errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("got %v, want ErrProviderUnavailable", err)
	}
	if got := f.credits.Balance(f.user); got != 20 {
		t.Errorf("balance: got %d, want 20", got)
	}
}

func TestSubmit_PrecheckFindingsReachTaskAndProvider(t *testing.T) {
	f := newFixture(t, 20)
	p := &checkingProvider{found: map[string]any{"face_bbox": []int{10, 20, 30, 40}, "ext_bbox": []int{0, 0, 50, 50}}}
	f.registry.Register(p, pricing.FeatureEmojiAnimation)

	req := emojiRequest(f)
	res, err := f.orch.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.Cost != 12 || f.credits.Balance(f.user) != 8 {
		t.Errorf("cost %d balance %d", res.Cost, f.credits.Balance(f.user))
	}
	task, _ := f.tasks.GetByID(context.Background(), res.TaskID)
	if task.Provider != "mock-portrait" || task.RequestParameters["face_bbox"] == nil || task.RequestParameters["driven_id"] != "mengwa_kaixin" {
		t.Errorf("request parameters: %v", task.RequestParameters)
	}
	if len(p.inputs) != 1 || p.inputs[0].Params["ext_bbox"] == nil {
		t.Errorf("provider input: %+v", p.inputs)
	}
	if _, ok := req.Params["face_bbox"]; ok {
		t.Error("caller params were modified")
	}

	again, err := f.orch.Submit(context.Background(), req)
	if err != nil || !again.Replayed || again.TaskID != res.TaskID {
		t.Fatalf("replay: %+v %v", again, err)
	}
	if p.checkCount() != 1 {
		t.Errorf("a replay must not run the precheck again, got %d checks", p.checkCount())
	}
}

func TestSubmit_IdempotencyKeyReplays(t *testing.T) {
	f := newFixture(t, 20)
	req := SubmitRequest{
		UserID:         f.user,
		Feature:        pricing.FeatureColorization,
		SourceMediaURL: "https://cdn.test/a.jpg",
		IdempotencyKey: "upload-42",
	}
	first, err := f.orch.Submit(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	second, err := f.orch.Submit(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if !second.Replayed || second.TaskID != first.TaskID || second.ProviderTaskID != first.ProviderTaskID {
		t.Fatalf("replay: got %+v, first %+v", second, first)
	}
	if f.provider.submitCount() != 1 || f.credits.Balance(f.user) != 14 || f.tasks.count() != 1 {
		t.Errorf("submits=%d balance=%d tasks=%d", f.provider.submitCount(), f.credits.Balance(f.user), f.tasks.count())
	}
}

func TestSubmit_ImmediateResultIsQueued(t *testing.T) {
	f := newFixture(t, 10)
	f.provider.immediate = &providers.Status{State: models.TaskStatusSucceeded, ResultURLs: []string{"https://p/out.png"}}
	f.submit(t)

	f.jobs.mu.Lock()
	defer f.jobs.mu.Unlock()
	args, ok := f.jobs.jobs[0].(execution.ResolveTaskArgs)
	if !ok || args.Immediate == nil || args.Immediate.ResultURLs[0] != "https://p/out.png" {
		t.Fatalf("job args: %+v", f.jobs.jobs[0])
	}
}

// ---------------------------------------------------------------------------
// Complete / Fail
// ---------------------------------------------------------------------------

func TestComplete_StoresOwnedResults(t *testing.T) {
	f := newFixture(t, 10)
	res := f.submit(t)

	if err := f.orch.Complete(context.Background(), res.TaskID, []string{"https://p/a.png", "https://p/b.png"}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	task, _ := f.tasks.GetByID(context.Background(), res.TaskID)
	if task.Status != models.TaskStatusSucceeded || len(task.ResultMediaURLs) != 2 {
		t.Fatalf("task: %+v", task)
	}
	for _, u := range task.ResultMediaURLs {
		if !strings.HasPrefix(u, "https://media.test/") {
			t.Errorf("result not re-hosted: %s", u)
		}
	}
	if f.credits.Balance(f.user) != 4 || f.refunds() != 0 {
		t.Error("success must keep the charge")
	}
	// settled tasks ignore further outcomes
	if err := f.orch.Fail(context.Background(), res.TaskID, "late failure"); err != nil {
		t.Fatal(err)
	}
	if err := f.orch.Complete(context.Background(), res.TaskID, []string{"https://p/c.png"}); err != nil {
		t.Fatal(err)
	}
	task, _ = f.tasks.GetByID(context.Background(), res.TaskID)
	if task.Status != models.TaskStatusSucceeded || len(task.ResultMediaURLs) != 2 || f.refunds() != 0 {
		t.Errorf("settled task changed: %+v", task)
	}
}

func TestComplete_NoResultsFails(t *testing.T) {
	f := newFixture(t, 10)
	res := f.submit(t)

	if err := f.orch.Complete(context.Background(), res.TaskID, nil); err != nil {
		t.Fatal(err)
	}
	task, _ := f.tasks.GetByID(context.Background(), res.TaskID)
	if task.Status != models.TaskStatusFailed || f.credits.Balance(f.user) != 10 {
		t.Errorf("status=%s balance=%d", task.Status, f.credits.Balance(f.user))
	}
}

func TestComplete_RehostErrorLeavesTaskRunning(t *testing.T) {
	f := newFixture(t, 10)
	res := f.submit(t)
	f.rehoster.err = errors.New("bucket unavailable")

	if err := f.orch.Complete(context.Background(), res.TaskID, []string{"https://p/a.png"}); err == nil {
		t.Fatal("expected a retryable error")
	}
	task, _ := f.tasks.GetByID(context.Background(), res.TaskID)
	if task.Status != models.TaskStatusRunning {
		t.Errorf("status: %s", task.Status)
	}
}

func TestFail_RefundsExactlyOnce(t *testing.T) {
	f := newFixture(t, 10)
	res := f.submit(t)

	for i := 0; i < 3; i++ {
		if err := f.orch.Fail(context.Background(), res.TaskID, "generation failed"); err != nil {
			t.Fatalf("Fail #%d: %v", i, err)
		}
	}
	if got := f.credits.Balance(f.user); got != 10 {
		t.Errorf("balance: got %d, want 10", got)
	}
	if f.refunds() != 1 {
		t.Errorf("refunds: got %d, want 1", f.refunds())
	}
	task, _ := f.tasks.GetByID(context.Background(), res.TaskID)
	if task.ErrorMessage == nil || *task.ErrorMessage != "generation failed" {
		t.Errorf("error message: %v", task.ErrorMessage)
	}
}

func TestFail_RefundErrorStillFailsTask(t *testing.T) {
	f := newFixture(t, 10)
	res := f.submit(t)
	f.credits.AddErr = errors.New("deadlock detected")

	if err := f.orch.Fail(context.Background(), res.TaskID, "generation failed"); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	task, _ := f.tasks.GetByID(context.Background(), res.TaskID)
	if task.Status != models.TaskStatusFailed {
		t.Fatalf("status: %s", task.Status)
	}
	if f.credits.Balance(f.user) != 4 || f.refunds() != 0 {
		t.Fatalf("refund should have been rolled back: balance=%d refunds=%d", f.credits.Balance(f.user), f.refunds())
	}
	if kinds := f.jobs.kinds(); len(kinds) != 2 || kinds[1] != "refund_task" {
		t.Fatalf("jobs: %v", kinds)
	}
	orig := f.credits.Transactions(f.user)[0]
	if orig.Status != models.CreditStatusCompleted {
		t.Errorf("original should still be refundable, status %s", orig.Status)
	}

	f.credits.AddErr = nil
	for i := 0; i < 2; i++ {
		if err := f.orch.RetryRefund(context.Background(), res.TaskID); err != nil {
			t.Fatalf("RetryRefund: %v", err)
		}
	}
	if f.credits.Balance(f.user) != 10 || f.refunds() != 1 {
		t.Errorf("after retry: balance=%d refunds=%d", f.credits.Balance(f.user), f.refunds())
	}
}

func TestFail_ConcurrentRefundRollsBackSavepoint(t *testing.T) {
	f := newFixture(t, 10)
	res := f.submit(t)
	ctx := context.Background()

	// Another refund of the charge committed first: its REFUND row exists but
	// this transaction still sees the original as COMPLETED.
	orig := f.credits.Transactions(f.user)[0]
	seed := &ledgertest.Tx{}
	if err := f.credits.CreateTx(ctx, seed, &models.CreditTransaction{
		ID:       uuid.New(),
		UserID:   f.user,
		Amount:   -orig.Amount,
		Type:     models.CreditTypeRefund,
		Status:   models.CreditStatusCompleted,
		RefundOf: &orig.ID,
	}); err != nil {
		t.Fatalf("seed refund: %v", err)
	}
	if err := seed.Commit(ctx); err != nil {
		t.Fatalf("seed commit: %v", err)
	}

	if err := f.orch.Fail(ctx, res.TaskID, "generation failed"); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	task, _ := f.tasks.GetByID(ctx, res.TaskID)
	if task.Status != models.TaskStatusFailed {
		t.Fatalf("status: %s", task.Status)
	}
	if got := f.credits.Balance(f.user); got != 4 {
		t.Errorf("balance: got %d, want 4 (credit must roll back with the savepoint)", got)
	}
	if f.refunds() != 1 {
		t.Errorf("refunds: got %d, want 1", f.refunds())
	}
	if kinds := f.jobs.kinds(); len(kinds) != 1 {
		t.Errorf("an already refunded charge needs no retry job: %v", kinds)
	}
}

func TestRetryRefund_IgnoresUnfailedTasks(t *testing.T) {
	f := newFixture(t, 10)
	res := f.submit(t)
	if err := f.orch.RetryRefund(context.Background(), res.TaskID); err != nil {
		t.Fatal(err)
	}
	if f.credits.Balance(f.user) != 4 {
		t.Error("running task must not be refunded")
	}
}

func TestGet_OwnerOnly(t *testing.T) {
	f := newFixture(t, 10)
	res := f.submit(t)
	if _, err := f.orch.Get(context.Background(), f.user, res.TaskID); err != nil {
		t.Fatal(err)
	}
	if _, err := f.orch.Get(context.Background(), uuid.New(), res.TaskID); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("other user: got %v", err)
	}
}
