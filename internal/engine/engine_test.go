package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"stitchflow/internal/config"
	"stitchflow/internal/db"
	"stitchflow/internal/domain"
	"stitchflow/internal/engine"
	"stitchflow/internal/migrate"
	"stitchflow/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if err := eng.SeedTemplates(ctx); err != nil {
		t.Fatalf("seed templates: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func createWorkflow(t *testing.T, env testEnv) domain.WorkflowInstance {
	t.Helper()
	w, err := env.Engine.CreateWorkflow(env.Ctx, engine.WorkflowCreateOptions{
		SampleRequestID: "SR-100",
		WorkflowName:    "Merino cardigan sample",
		ActorID:         "tester",
	})
	if err != nil {
		t.Fatalf("create workflow: %v", err)
	}
	return w
}

func setStatus(t *testing.T, env testEnv, cardID, status string) domain.Card {
	t.Helper()
	c, err := env.Engine.UpdateCardStatus(env.Ctx, engine.CardStatusOptions{
		CardID: cardID, Status: status, ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("set %s -> %s: %v", cardID, status, err)
	}
	return c
}

func completeCard(t *testing.T, env testEnv, c domain.Card) {
	t.Helper()
	if c.CardStatus == domain.CardPending {
		setStatus(t, env, c.ID, domain.CardReady)
	}
	setStatus(t, env, c.ID, domain.CardInProgress)
	setStatus(t, env, c.ID, domain.CardCompleted)
}

func TestCreateWorkflowInstantiatesCards(t *testing.T) {
	env := newTestEnv(t)
	w, err := env.Engine.CreateWorkflow(env.Ctx, engine.WorkflowCreateOptions{
		SampleRequestID: "SR-1",
		WorkflowName:    "Cable pullover",
		Priority:        "high",
		Assignments: map[string]string{
			"designer":   "dana",
			"programmer": "pat",
		},
		ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("create workflow: %v", err)
	}
	if w.WorkflowStatus != domain.WorkflowActive {
		t.Fatalf("expected active workflow, got %s", w.WorkflowStatus)
	}
	cards, err := env.Engine.Repo.ListWorkflowCards(env.Ctx, w.ID)
	if err != nil {
		t.Fatalf("list cards: %v", err)
	}
	if len(cards) != 5 {
		t.Fatalf("expected 5 cards, got %d", len(cards))
	}
	for i, c := range cards {
		want := domain.CardReady
		if i == 0 {
			want = domain.CardPending
		}
		if c.CardStatus != want {
			t.Fatalf("card %d (%s): expected %s, got %s", i, c.StageName, want, c.CardStatus)
		}
		if i > 0 && cards[i-1].StageOrder >= c.StageOrder {
			t.Fatalf("cards not ordered by stage")
		}
	}
	byStage := map[string]domain.Card{}
	for _, c := range cards {
		byStage[c.StageName] = c
	}
	if c := byStage["Assign Designer"]; c.AssignedTo == nil || *c.AssignedTo != "dana" {
		t.Fatalf("designer assignment not applied")
	}
	if c := byStage["Programming"]; c.AssignedTo == nil || *c.AssignedTo != "pat" {
		t.Fatalf("programmer assignment not applied")
	}
	if c := byStage["Design Approval"]; c.AssignedTo != nil {
		t.Fatalf("unmapped role should start unassigned")
	}
}

func TestCreateWorkflowValidation(t *testing.T) {
	env := newTestEnv(t)
	cases := []engine.WorkflowCreateOptions{
		{SampleRequestID: "SR-1", WorkflowName: "  ", ActorID: "tester"},
		{WorkflowName: "No sample", ActorID: "tester"},
		{SampleRequestID: "SR-1", WorkflowName: "Bad priority", Priority: "urgent", ActorID: "tester"},
		{SampleRequestID: "SR-1", WorkflowName: "Bad due", DueDate: "next tuesday", ActorID: "tester"},
		{SampleRequestID: "SR-1", WorkflowName: "Unknown type", WorkflowType: "bulk_production", ActorID: "tester"},
	}
	for i, opts := range cases {
		_, err := env.Engine.CreateWorkflow(env.Ctx, opts)
		var ve engine.ValidationError
		if !errors.As(err, &ve) {
			t.Fatalf("case %d: expected validation error, got %v", i, err)
		}
	}
}

func TestCardTransitionTable(t *testing.T) {
	env := newTestEnv(t)
	w := createWorkflow(t, env)
	first := w.Cards[0]

	// pending cannot jump ahead
	for _, bad := range []string{domain.CardInProgress, domain.CardCompleted} {
		_, err := env.Engine.UpdateCardStatus(env.Ctx, engine.CardStatusOptions{
			CardID: first.ID, Status: bad, ActorID: "tester",
		})
		var te engine.InvalidTransitionError
		if !errors.As(err, &te) {
			t.Fatalf("pending -> %s: expected invalid transition, got %v", bad, err)
		}
	}

	setStatus(t, env, first.ID, domain.CardReady)
	_, err := env.Engine.UpdateCardStatus(env.Ctx, engine.CardStatusOptions{
		CardID: first.ID, Status: domain.CardCompleted, ActorID: "tester",
	})
	var te engine.InvalidTransitionError
	if !errors.As(err, &te) {
		t.Fatalf("ready -> completed: expected invalid transition, got %v", err)
	}

	setStatus(t, env, first.ID, domain.CardInProgress)
	// in_progress can step back to ready
	setStatus(t, env, first.ID, domain.CardReady)
	setStatus(t, env, first.ID, domain.CardInProgress)
	c := setStatus(t, env, first.ID, domain.CardCompleted)
	if c.CompletedAt == nil {
		t.Fatalf("expected completed_at on completion")
	}

	// completed only reopens to ready
	_, err = env.Engine.UpdateCardStatus(env.Ctx, engine.CardStatusOptions{
		CardID: first.ID, Status: domain.CardInProgress, ActorID: "tester",
	})
	if !errors.As(err, &te) {
		t.Fatalf("completed -> in_progress: expected invalid transition, got %v", err)
	}
	c = setStatus(t, env, first.ID, domain.CardReady)
	if c.CompletedAt != nil {
		t.Fatalf("reopen should clear completed_at")
	}
}

func TestBlockingRequiresReason(t *testing.T) {
	env := newTestEnv(t)
	w := createWorkflow(t, env)
	first := w.Cards[0]

	_, err := env.Engine.UpdateCardStatus(env.Ctx, engine.CardStatusOptions{
		CardID: first.ID, Status: domain.CardBlocked, ActorID: "tester", Reason: "   ",
	})
	var ve engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error for missing reason, got %v", err)
	}

	c, err := env.Engine.UpdateCardStatus(env.Ctx, engine.CardStatusOptions{
		CardID: first.ID, Status: domain.CardBlocked, ActorID: "tester", Reason: "waiting on yarn delivery",
	})
	if err != nil {
		t.Fatalf("block: %v", err)
	}
	if c.BlockedReason == nil || *c.BlockedReason != "waiting on yarn delivery" {
		t.Fatalf("blocked reason not stored")
	}
	c = setStatus(t, env, first.ID, domain.CardReady)
	if c.BlockedReason != nil {
		t.Fatalf("unblocking should clear blocked_reason")
	}
}

func TestEarlierBlockedStageGatesLaterCards(t *testing.T) {
	env := newTestEnv(t)
	w := createWorkflow(t, env)
	first, second := w.Cards[0], w.Cards[1]

	if _, err := env.Engine.UpdateCardStatus(env.Ctx, engine.CardStatusOptions{
		CardID: first.ID, Status: domain.CardBlocked, ActorID: "tester", Reason: "design rejected",
	}); err != nil {
		t.Fatalf("block first: %v", err)
	}

	_, err := env.Engine.UpdateCardStatus(env.Ctx, engine.CardStatusOptions{
		CardID: second.ID, Status: domain.CardInProgress, ActorID: "tester",
	})
	var ve engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected gate on earlier blocked stage, got %v", err)
	}

	// force bypasses the gate but not the edge table
	if _, err := env.Engine.UpdateCardStatus(env.Ctx, engine.CardStatusOptions{
		CardID: second.ID, Status: domain.CardInProgress, ActorID: "tester", Force: true,
	}); err != nil {
		t.Fatalf("forced start: %v", err)
	}
	_, err = env.Engine.UpdateCardStatus(env.Ctx, engine.CardStatusOptions{
		CardID: second.ID, Status: domain.CardPending, ActorID: "tester", Force: true,
	})
	var te engine.InvalidTransitionError
	if !errors.As(err, &te) {
		t.Fatalf("force must not bypass the edge table, got %v", err)
	}

	// unblocking lifts the gate
	setStatus(t, env, first.ID, domain.CardReady)
	setStatus(t, env, second.ID, domain.CardCompleted)
}

func TestSameStatusIsNoOp(t *testing.T) {
	env := newTestEnv(t)
	w := createWorkflow(t, env)
	first := w.Cards[0]

	setStatus(t, env, first.ID, domain.CardReady)
	before, err := env.Engine.Repo.CardHistory(env.Ctx, first.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	stored, err := env.Engine.Repo.GetCard(env.Ctx, first.ID)
	if err != nil {
		t.Fatalf("get card: %v", err)
	}

	// advance the clock so an accidental write would be visible
	env.Engine.Now = func() time.Time { return time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC) }
	c := setStatus(t, env, first.ID, domain.CardReady)
	if c.CardStatus != domain.CardReady {
		t.Fatalf("no-op changed status")
	}
	after, err := env.Engine.Repo.CardHistory(env.Ctx, first.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(after) != len(before) {
		t.Fatalf("no-op appended history: %d -> %d", len(before), len(after))
	}
	got, err := env.Engine.Repo.GetCard(env.Ctx, first.ID)
	if err != nil {
		t.Fatalf("get card: %v", err)
	}
	if got.UpdatedAt != stored.UpdatedAt {
		t.Fatalf("no-op touched updated_at: %s -> %s", stored.UpdatedAt, got.UpdatedAt)
	}
}

func TestStaleStatusUpdateAffectsNoRows(t *testing.T) {
	env := newTestEnv(t)
	w := createWorkflow(t, env)
	first := w.Cards[0]
	setStatus(t, env, first.ID, domain.CardReady)

	// a writer whose expected status lags a committed change matches no rows
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	stale := first
	stale.CardStatus = domain.CardCompleted
	stale.UpdatedAt = "2027-01-01T00:00:00Z"
	affected, err := env.Engine.Repo.UpdateCardStatus(env.Ctx, tx, stale, domain.CardInProgress)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if affected != 0 {
		t.Fatalf("expected 0 rows for stale status guard, got %d", affected)
	}
}

func TestConcurrentStatusUpdatesSerialize(t *testing.T) {
	env := newTestEnv(t)
	w := createWorkflow(t, env)
	first := w.Cards[0]
	setStatus(t, env, first.ID, domain.CardReady)

	opts := []engine.CardStatusOptions{
		{CardID: first.ID, Status: domain.CardInProgress, ActorID: "racer-a"},
		{CardID: first.ID, Status: domain.CardBlocked, ActorID: "racer-b", Reason: "yarn lot mismatch"},
	}
	errs := make([]error, len(opts))
	var wg sync.WaitGroup
	for i := range opts {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.Engine.UpdateCardStatus(env.Ctx, opts[i])
		}(i)
	}
	wg.Wait()

	// a losing writer may surface a conflict, never a torn write
	for i, err := range errs {
		if err == nil {
			continue
		}
		var ce engine.ConflictError
		if !errors.As(err, &ce) {
			t.Fatalf("writer %d: unexpected error %v", i, err)
		}
	}

	entries, err := env.Engine.Repo.CardHistory(env.Ctx, first.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	// the ledger must form one linear chain with a single exit from ready
	fromReady := 0
	for i, entry := range entries {
		if entry.PreviousStatus == domain.CardReady {
			fromReady++
		}
		if i+1 < len(entries) && entry.PreviousStatus != entries[i+1].NewStatus {
			t.Fatalf("ledger fork at entry %d: %s -> %s does not follow %s", i, entry.PreviousStatus, entry.NewStatus, entries[i+1].NewStatus)
		}
	}
	if fromReady != 1 {
		t.Fatalf("expected exactly one transition out of ready, got %d", fromReady)
	}
	got, err := env.Engine.Repo.GetCard(env.Ctx, first.ID)
	if err != nil {
		t.Fatalf("get card: %v", err)
	}
	if got.CardStatus != entries[0].NewStatus {
		t.Fatalf("card status %s disagrees with latest ledger entry %s", got.CardStatus, entries[0].NewStatus)
	}
}

func TestHistoryLedgerRecordsEveryTransition(t *testing.T) {
	env := newTestEnv(t)
	w := createWorkflow(t, env)
	first := w.Cards[0]

	setStatus(t, env, first.ID, domain.CardReady)
	setStatus(t, env, first.ID, domain.CardInProgress)
	if _, err := env.Engine.UpdateCardStatus(env.Ctx, engine.CardStatusOptions{
		CardID: first.ID, Status: domain.CardBlocked, ActorID: "supervisor", Reason: "machine down",
	}); err != nil {
		t.Fatalf("block: %v", err)
	}

	entries, err := env.Engine.Repo.CardHistory(env.Ctx, first.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	// newest first
	latest := entries[0]
	if latest.PreviousStatus != domain.CardInProgress || latest.NewStatus != domain.CardBlocked {
		t.Fatalf("unexpected latest entry %s -> %s", latest.PreviousStatus, latest.NewStatus)
	}
	if latest.UpdatedBy != "supervisor" {
		t.Fatalf("expected actor on entry, got %q", latest.UpdatedBy)
	}
	if latest.UpdateReason == nil || *latest.UpdateReason != "machine down" {
		t.Fatalf("expected reason on blocking entry")
	}
	// ledger entries share the engine's clock with card timestamps
	if latest.CreatedAt != "2026-03-01T00:00:00Z" {
		t.Fatalf("expected ledger entry on the injected clock, got %s", latest.CreatedAt)
	}
	oldest := entries[len(entries)-1]
	if oldest.PreviousStatus != domain.CardPending || oldest.NewStatus != domain.CardReady {
		t.Fatalf("unexpected oldest entry %s -> %s", oldest.PreviousStatus, oldest.NewStatus)
	}
}

func TestWorkflowCompletionAndReopen(t *testing.T) {
	env := newTestEnv(t)
	w := createWorkflow(t, env)
	for _, c := range w.Cards {
		completeCard(t, env, c)
	}
	got, err := env.Engine.Repo.GetWorkflow(env.Ctx, w.ID)
	if err != nil {
		t.Fatalf("get workflow: %v", err)
	}
	if got.WorkflowStatus != domain.WorkflowCompleted {
		t.Fatalf("expected completed workflow, got %s", got.WorkflowStatus)
	}
	if got.CompletedAt == nil {
		t.Fatalf("expected completed_at set")
	}

	// reopening any card reactivates the workflow
	setStatus(t, env, w.Cards[2].ID, domain.CardReady)
	got, err = env.Engine.Repo.GetWorkflow(env.Ctx, w.ID)
	if err != nil {
		t.Fatalf("get workflow: %v", err)
	}
	if got.WorkflowStatus != domain.WorkflowActive {
		t.Fatalf("expected reactivated workflow, got %s", got.WorkflowStatus)
	}
	if got.CompletedAt != nil {
		t.Fatalf("expected completed_at cleared on reopen")
	}

	// closing the reopened card completes again
	setStatus(t, env, w.Cards[2].ID, domain.CardInProgress)
	setStatus(t, env, w.Cards[2].ID, domain.CardCompleted)
	got, _ = env.Engine.Repo.GetWorkflow(env.Ctx, w.ID)
	if got.WorkflowStatus != domain.WorkflowCompleted {
		t.Fatalf("expected re-completed workflow, got %s", got.WorkflowStatus)
	}
}

func TestCancelWorkflow(t *testing.T) {
	env := newTestEnv(t)
	w := createWorkflow(t, env)

	got, err := env.Engine.CancelWorkflow(env.Ctx, w.ID, "tester")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.WorkflowStatus != domain.WorkflowCancelled {
		t.Fatalf("expected cancelled, got %s", got.WorkflowStatus)
	}
	// idempotent
	if _, err := env.Engine.CancelWorkflow(env.Ctx, w.ID, "tester"); err != nil {
		t.Fatalf("second cancel: %v", err)
	}

	// cards remain workable but the workflow never auto-completes
	for _, c := range w.Cards {
		completeCard(t, env, c)
	}
	got, _ = env.Engine.Repo.GetWorkflow(env.Ctx, w.ID)
	if got.WorkflowStatus != domain.WorkflowCancelled {
		t.Fatalf("cancelled workflow must stay cancelled, got %s", got.WorkflowStatus)
	}

	// completed workflows cannot be cancelled
	done := createWorkflow(t, env)
	for _, c := range done.Cards {
		completeCard(t, env, c)
	}
	_, err = env.Engine.CancelWorkflow(env.Ctx, done.ID, "tester")
	var ve engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error cancelling completed workflow, got %v", err)
	}
}

func TestUnknownCardNotFound(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.UpdateCardStatus(env.Ctx, engine.CardStatusOptions{
		CardID: "missing", Status: domain.CardReady, ActorID: "tester",
	})
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestStatistics(t *testing.T) {
	env := newTestEnv(t)
	w1 := createWorkflow(t, env)
	for _, c := range w1.Cards {
		completeCard(t, env, c)
	}
	w2, err := env.Engine.CreateWorkflow(env.Ctx, engine.WorkflowCreateOptions{
		SampleRequestID: "SR-200",
		WorkflowName:    "Lambswool vest sample",
		Priority:        "high",
		DueDate:         "2026-02-01T00:00:00Z",
		ActorID:         "tester",
	})
	if err != nil {
		t.Fatalf("create second workflow: %v", err)
	}
	if _, err := env.Engine.UpdateCardStatus(env.Ctx, engine.CardStatusOptions{
		CardID: w2.Cards[0].ID, Status: domain.CardBlocked, ActorID: "tester", Reason: "swatch not approved",
	}); err != nil {
		t.Fatalf("block: %v", err)
	}

	s, err := env.Engine.Statistics(env.Ctx)
	if err != nil {
		t.Fatalf("statistics: %v", err)
	}
	if s.TotalWorkflows != 2 || s.ActiveWorkflows != 1 || s.CompletedWorkflows != 1 {
		t.Fatalf("unexpected workflow counts: %+v", s)
	}
	if s.BlockedCards != 1 {
		t.Fatalf("expected 1 blocked card, got %d", s.BlockedCards)
	}
	if s.CardCounts[domain.CardCompleted] != 5 {
		t.Fatalf("expected 5 completed cards, got %d", s.CardCounts[domain.CardCompleted])
	}
	// w2 is past its due date relative to the fixed clock
	if s.OverdueWorkflows != 1 {
		t.Fatalf("expected 1 overdue workflow, got %d", s.OverdueWorkflows)
	}
	if s.CompletionRate != 0.5 {
		t.Fatalf("expected 0.5 completion rate, got %v", s.CompletionRate)
	}
	if s.PriorityDistribution["high"] != 1 || s.PriorityDistribution["medium"] != 1 {
		t.Fatalf("unexpected priority distribution: %v", s.PriorityDistribution)
	}
}
