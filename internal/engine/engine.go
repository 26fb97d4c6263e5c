package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"stitchflow/internal/config"
	"stitchflow/internal/domain"
	"stitchflow/internal/history"
	"stitchflow/internal/repo"
)

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	History history.Writer
	Config  *config.Config
	Now     func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		History: history.Writer{DB: db},
		Config:  cfg,
		Now:     time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// historyWriter returns the ledger writer on the engine's clock, so a card's
// updated_at and its history entry's created_at carry the same timestamp
// source.
func (e Engine) historyWriter() history.Writer {
	w := e.History
	if w.Now == nil {
		w.Now = e.now
	}
	return w
}

// SeedTemplates writes the config's stage template catalog into the database.
// Existing rows are updated in place; rows for stages removed from the config
// are left alone (deactivate them in the config instead).
func (e Engine) SeedTemplates(ctx context.Context) error {
	if e.Config == nil {
		return errors.New("config not loaded")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for wfType, wf := range e.Config.Workflows {
		for _, s := range wf.Stages {
			t := domain.StageTemplate{
				ID:                     uuid.NewSHA1(uuid.NameSpaceOID, []byte(wfType+"|"+s.Name)).String(),
				WorkflowType:           wfType,
				StageName:              s.Name,
				StageOrder:             s.Order,
				StageDescription:       s.Description,
				DefaultAssigneeRole:    s.DefaultAssigneeRole,
				EstimatedDurationHours: s.EstimatedHours,
				IsActive:               !s.Inactive,
			}
			if err := e.Repo.UpsertTemplate(ctx, tx, t); err != nil {
				return fmt.Errorf("seed template %s/%s: %w", wfType, s.Name, err)
			}
		}
	}
	return tx.Commit()
}

// WorkflowCreateOptions are parameters for creating a workflow instance.
// Assignments maps a template's default_assignee_role to an actor id; stages
// whose role has no entry start unassigned.
type WorkflowCreateOptions struct {
	SampleRequestID string
	WorkflowName    string
	WorkflowType    string
	Priority        string
	DueDate         string
	Assignments     map[string]string
	ActorID         string
}

// CreateWorkflow instantiates a workflow and one card per active stage
// template in a single transaction. The card with the lowest stage_order
// starts pending, every other card starts ready.
func (e Engine) CreateWorkflow(ctx context.Context, opts WorkflowCreateOptions) (domain.WorkflowInstance, error) {
	name := strings.TrimSpace(opts.WorkflowName)
	if name == "" {
		return domain.WorkflowInstance{}, validationf("workflow name is required")
	}
	if opts.SampleRequestID == "" {
		return domain.WorkflowInstance{}, validationf("sample request is required")
	}
	wfType := opts.WorkflowType
	if wfType == "" {
		wfType = config.DefaultWorkflowType
	}
	priority := opts.Priority
	if priority == "" {
		priority = "medium"
	}
	switch priority {
	case "low", "medium", "high":
	default:
		return domain.WorkflowInstance{}, validationf("priority must be low, medium or high")
	}
	if opts.DueDate != "" {
		if _, err := time.Parse(time.RFC3339, opts.DueDate); err != nil {
			return domain.WorkflowInstance{}, validationf("due date must be RFC3339: %v", err)
		}
	}

	templates, err := e.Repo.ActiveTemplates(ctx, wfType)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.WorkflowInstance{}, validationf("no active stage templates for workflow type %s", wfType)
		}
		return domain.WorkflowInstance{}, err
	}

	now := e.now().UTC().Format(time.RFC3339)
	w := domain.WorkflowInstance{
		ID:              uuid.New().String(),
		SampleRequestID: opts.SampleRequestID,
		WorkflowName:    name,
		WorkflowStatus:  domain.WorkflowActive,
		Priority:        priority,
		CreatedBy:       opts.ActorID,
		CreatedAt:       now,
		UpdatedAt:       now,
		DueDate:         optionalString(opts.DueDate),
	}

	minOrder := templates[0].StageOrder
	for _, t := range templates {
		if t.StageOrder < minOrder {
			minOrder = t.StageOrder
		}
	}
	cards := make([]domain.Card, 0, len(templates))
	for _, t := range templates {
		status := domain.CardReady
		if t.StageOrder == minOrder {
			status = domain.CardPending
		}
		c := domain.Card{
			ID:              uuid.New().String(),
			WorkflowID:      w.ID,
			StageName:       t.StageName,
			StageOrder:      t.StageOrder,
			CardTitle:       t.StageName,
			CardDescription: t.StageDescription,
			CardStatus:      status,
			DueDate:         w.DueDate,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if t.DefaultAssigneeRole != "" {
			if actor, ok := opts.Assignments[t.DefaultAssigneeRole]; ok && actor != "" {
				c.AssignedTo = &actor
			}
		}
		cards = append(cards, c)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkflowInstance{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertWorkflow(ctx, tx, w); err != nil {
		return domain.WorkflowInstance{}, fmt.Errorf("insert workflow: %w", err)
	}
	for _, c := range cards {
		if err := e.Repo.InsertCard(ctx, tx, c); err != nil {
			return domain.WorkflowInstance{}, fmt.Errorf("insert card %s: %w", c.StageName, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkflowInstance{}, err
	}
	w.Cards = cards
	return w, nil
}

// ensureCardTransition validates a status edge. The edge table is fixed;
// force never bypasses it.
func ensureCardTransition(oldStatus, newStatus string) error {
	switch oldStatus {
	case domain.CardPending:
		if newStatus == domain.CardReady || newStatus == domain.CardBlocked {
			return nil
		}
	case domain.CardReady:
		if newStatus == domain.CardInProgress || newStatus == domain.CardBlocked {
			return nil
		}
	case domain.CardInProgress:
		if newStatus == domain.CardCompleted || newStatus == domain.CardBlocked || newStatus == domain.CardReady {
			return nil
		}
	case domain.CardCompleted:
		// explicit reopen
		if newStatus == domain.CardReady {
			return nil
		}
	case domain.CardBlocked:
		if newStatus == domain.CardReady || newStatus == domain.CardInProgress {
			return nil
		}
	}
	return InvalidTransitionError{From: oldStatus, To: newStatus}
}

// CardStatusOptions are parameters for a card status update. Force bypasses
// the earlier-blocked-stage gate only, never transition validity or the
// blocking-reason requirement.
type CardStatusOptions struct {
	CardID  string
	Status  string
	ActorID string
	Reason  string
	Force   bool
}

// UpdateCardStatus applies one validated status transition: one card
// mutation, one history entry, and at most one workflow completion check, all
// in a single transaction. A same-status request is a no-op with no side
// effects.
func (e Engine) UpdateCardStatus(ctx context.Context, opts CardStatusOptions) (domain.Card, error) {
	switch opts.Status {
	case domain.CardPending, domain.CardReady, domain.CardInProgress, domain.CardCompleted, domain.CardBlocked:
	default:
		return domain.Card{}, validationf("unknown card status %s", opts.Status)
	}
	reason := strings.TrimSpace(opts.Reason)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Card{}, err
	}
	defer tx.Rollback()

	c, err := e.Repo.GetCardTx(ctx, tx, opts.CardID)
	if err != nil {
		return c, err
	}
	previous := c.CardStatus
	if opts.Status == previous {
		return c, nil
	}
	if err := ensureCardTransition(previous, opts.Status); err != nil {
		return c, err
	}
	if opts.Status == domain.CardBlocked && reason == "" {
		return c, validationf("a reason is required when blocking a task")
	}
	if !opts.Force && (opts.Status == domain.CardInProgress || opts.Status == domain.CardCompleted) {
		if err := e.ensureNoEarlierBlocked(ctx, tx, c); err != nil {
			return c, err
		}
	}

	nowStr := e.now().UTC().Format(time.RFC3339)
	c.CardStatus = opts.Status
	c.UpdatedAt = nowStr
	c.BlockedReason = nil
	c.CompletedAt = nil
	if opts.Status == domain.CardBlocked {
		c.BlockedReason = &reason
	}
	if opts.Status == domain.CardCompleted {
		c.CompletedAt = &nowStr
	}
	affected, err := e.Repo.UpdateCardStatus(ctx, tx, c, previous)
	if err != nil {
		return c, err
	}
	if affected == 0 {
		return c, ConflictError{CardID: c.ID}
	}
	if err := e.historyWriter().Append(ctx, tx, c.ID, previous, c.CardStatus, opts.ActorID, optionalString(reason)); err != nil {
		return c, fmt.Errorf("append history: %w", err)
	}
	if err := e.checkCompletionTx(ctx, tx, c.WorkflowID); err != nil {
		return c, err
	}
	if err := tx.Commit(); err != nil {
		return c, err
	}
	return c, nil
}

// ensureNoEarlierBlocked rejects advancing a card while any earlier stage of
// the same workflow is blocked.
func (e Engine) ensureNoEarlierBlocked(ctx context.Context, tx *sql.Tx, c domain.Card) error {
	cards, err := e.Repo.ListWorkflowCardsTx(ctx, tx, c.WorkflowID)
	if err != nil {
		return err
	}
	for _, other := range cards {
		if other.ID == c.ID {
			continue
		}
		if other.StageOrder < c.StageOrder && other.CardStatus == domain.CardBlocked {
			return validationf("earlier stage %q is blocked; resolve it before advancing", other.StageName)
		}
	}
	return nil
}

// checkCompletionTx re-reads the workflow's cards and reconciles the
// aggregate status: all cards completed flips the workflow to completed, a
// reopened card flips a completed workflow back to active. Idempotent.
func (e Engine) checkCompletionTx(ctx context.Context, tx *sql.Tx, workflowID string) error {
	w, err := e.Repo.GetWorkflowTx(ctx, tx, workflowID)
	if err != nil {
		return err
	}
	if w.WorkflowStatus == domain.WorkflowCancelled {
		return nil
	}
	cards, err := e.Repo.ListWorkflowCardsTx(ctx, tx, workflowID)
	if err != nil {
		return err
	}
	allCompleted := len(cards) > 0
	for _, c := range cards {
		if c.CardStatus != domain.CardCompleted {
			allCompleted = false
			break
		}
	}
	nowStr := e.now().UTC().Format(time.RFC3339)
	switch {
	case allCompleted && w.WorkflowStatus != domain.WorkflowCompleted:
		return e.Repo.SetWorkflowStatus(ctx, tx, workflowID, domain.WorkflowCompleted, nowStr, &nowStr)
	case !allCompleted && w.WorkflowStatus == domain.WorkflowCompleted:
		return e.Repo.SetWorkflowStatus(ctx, tx, workflowID, domain.WorkflowActive, nowStr, nil)
	}
	return nil
}

// CheckAndComplete reconciles a workflow's aggregate status from its cards.
// Runs automatically after every successful status update; exposed for manual
// reconciliation.
func (e Engine) CheckAndComplete(ctx context.Context, workflowID string) (domain.WorkflowInstance, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkflowInstance{}, err
	}
	defer tx.Rollback()
	if err := e.checkCompletionTx(ctx, tx, workflowID); err != nil {
		return domain.WorkflowInstance{}, err
	}
	w, err := e.Repo.GetWorkflowTx(ctx, tx, workflowID)
	if err != nil {
		return w, err
	}
	if err := tx.Commit(); err != nil {
		return w, err
	}
	return w, nil
}

// CancelWorkflow sets the aggregate status to cancelled. Card statuses are
// left untouched; cancellation is a workflow-level operation.
func (e Engine) CancelWorkflow(ctx context.Context, workflowID, actorID string) (domain.WorkflowInstance, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkflowInstance{}, err
	}
	defer tx.Rollback()
	w, err := e.Repo.GetWorkflowTx(ctx, tx, workflowID)
	if err != nil {
		return w, err
	}
	if w.WorkflowStatus == domain.WorkflowCancelled {
		return w, nil
	}
	if w.WorkflowStatus == domain.WorkflowCompleted {
		return w, validationf("workflow %s is already completed", workflowID)
	}
	nowStr := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.SetWorkflowStatus(ctx, tx, workflowID, domain.WorkflowCancelled, nowStr, nil); err != nil {
		return w, err
	}
	if err := tx.Commit(); err != nil {
		return w, err
	}
	w.WorkflowStatus = domain.WorkflowCancelled
	w.UpdatedAt = nowStr
	return w, nil
}

// AssignCard changes a card's assignee. An empty assignee unassigns. This is
// plain mutable metadata and is not recorded in the status ledger.
func (e Engine) AssignCard(ctx context.Context, cardID, assignee string) (domain.Card, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Card{}, err
	}
	defer tx.Rollback()
	c, err := e.Repo.GetCardTx(ctx, tx, cardID)
	if err != nil {
		return c, err
	}
	nowStr := e.now().UTC().Format(time.RFC3339)
	var ptr *string
	if assignee != "" {
		ptr = &assignee
	}
	if err := e.Repo.UpdateCardAssignee(ctx, tx, cardID, ptr, nowStr); err != nil {
		return c, err
	}
	if err := tx.Commit(); err != nil {
		return c, err
	}
	c.AssignedTo = ptr
	c.UpdatedAt = nowStr
	return c, nil
}

// GetWorkflowWithCards loads an instance and its cards ordered by stage.
func (e Engine) GetWorkflowWithCards(ctx context.Context, workflowID string) (domain.WorkflowInstance, error) {
	w, err := e.Repo.GetWorkflow(ctx, workflowID)
	if err != nil {
		return w, err
	}
	cards, err := e.Repo.ListWorkflowCards(ctx, workflowID)
	if err != nil {
		return w, err
	}
	w.Cards = cards
	return w, nil
}

// Statistics computes the dashboard rollup from current store state.
func (e Engine) Statistics(ctx context.Context) (domain.Statistics, error) {
	var s domain.Statistics
	wfCounts, err := e.Repo.CountWorkflowsByStatus(ctx)
	if err != nil {
		return s, err
	}
	s.ActiveWorkflows = wfCounts[domain.WorkflowActive]
	s.CompletedWorkflows = wfCounts[domain.WorkflowCompleted]
	s.CancelledWorkflows = wfCounts[domain.WorkflowCancelled]
	s.TotalWorkflows = s.ActiveWorkflows + s.CompletedWorkflows + s.CancelledWorkflows

	if s.CardCounts, err = e.Repo.CountCardsByStatus(ctx); err != nil {
		return s, err
	}
	s.BlockedCards = s.CardCounts[domain.CardBlocked]

	if s.PriorityDistribution, err = e.Repo.CountWorkflowsByPriority(ctx); err != nil {
		return s, err
	}
	if s.OverdueWorkflows, err = e.Repo.CountOverdueWorkflows(ctx, e.now()); err != nil {
		return s, err
	}
	if s.AvgCompletionDays, err = e.Repo.AvgCompletionDays(ctx); err != nil {
		return s, err
	}
	if s.AssigneeActiveCards, err = e.Repo.CountActiveCardsByAssignee(ctx); err != nil {
		return s, err
	}
	if s.TotalWorkflows > 0 {
		s.CompletionRate = float64(s.CompletedWorkflows) / float64(s.TotalWorkflows)
	}
	return s, nil
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
