package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"stitchflow/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const templateCols = `id,workflow_type,stage_name,stage_order,COALESCE(stage_description,''),COALESCE(default_assignee_role,''),COALESCE(estimated_duration_hours,0),is_active`

// ActiveTemplates returns the active stage templates for a workflow type,
// ordered ascending by stage_order. ErrNotFound when the type has none.
func (r Repo) ActiveTemplates(ctx context.Context, workflowType string) ([]domain.StageTemplate, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+templateCols+` FROM stage_templates WHERE workflow_type=? AND is_active=1 ORDER BY stage_order ASC`, workflowType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StageTemplate
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	if len(res) == 0 {
		return nil, ErrNotFound
	}
	return res, nil
}

// ListTemplates returns all templates, optionally filtered by workflow type.
func (r Repo) ListTemplates(ctx context.Context, workflowType string) ([]domain.StageTemplate, error) {
	query := `SELECT ` + templateCols + ` FROM stage_templates`
	var args []any
	if workflowType != "" {
		query += ` WHERE workflow_type=?`
		args = append(args, workflowType)
	}
	query += ` ORDER BY workflow_type, stage_order ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StageTemplate
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, nil
}

func scanTemplate(rows *sql.Rows) (domain.StageTemplate, error) {
	var t domain.StageTemplate
	var active int
	err := rows.Scan(&t.ID, &t.WorkflowType, &t.StageName, &t.StageOrder, &t.StageDescription, &t.DefaultAssigneeRole, &t.EstimatedDurationHours, &active)
	t.IsActive = active != 0
	return t, err
}

// UpsertTemplate inserts or replaces one stage template row. Used only by
// seeding/administration, never by the engine.
func (r Repo) UpsertTemplate(ctx context.Context, tx *sql.Tx, t domain.StageTemplate) error {
	active := 0
	if t.IsActive {
		active = 1
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO stage_templates(id,workflow_type,stage_name,stage_order,stage_description,default_assignee_role,estimated_duration_hours,is_active)
VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(workflow_type,stage_name) DO UPDATE SET stage_order=excluded.stage_order, stage_description=excluded.stage_description,
default_assignee_role=excluded.default_assignee_role, estimated_duration_hours=excluded.estimated_duration_hours, is_active=excluded.is_active`,
		t.ID, t.WorkflowType, t.StageName, t.StageOrder, nullable(t.StageDescription), nullable(t.DefaultAssigneeRole), nullableInt(t.EstimatedDurationHours), active)
	return err
}

// TemplateCount returns the number of template rows for a workflow type.
func (r Repo) TemplateCount(ctx context.Context, workflowType string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM stage_templates WHERE workflow_type=?`, workflowType).Scan(&n)
	return n, err
}

const workflowCols = `id,sample_request_id,workflow_name,workflow_status,priority,created_by,created_at,updated_at,completed_at,due_date`

func (r Repo) InsertWorkflow(ctx context.Context, tx *sql.Tx, w domain.WorkflowInstance) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO workflow_instances(`+workflowCols+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		w.ID, w.SampleRequestID, w.WorkflowName, w.WorkflowStatus, w.Priority, w.CreatedBy,
		w.CreatedAt, w.UpdatedAt, nullableStringPtr(w.CompletedAt), nullableStringPtr(w.DueDate))
	return err
}

func (r Repo) GetWorkflow(ctx context.Context, id string) (domain.WorkflowInstance, error) {
	return scanWorkflow(r.DB.QueryRowContext(ctx, `SELECT `+workflowCols+` FROM workflow_instances WHERE id=?`, id))
}

func (r Repo) GetWorkflowTx(ctx context.Context, tx *sql.Tx, id string) (domain.WorkflowInstance, error) {
	return scanWorkflow(tx.QueryRowContext(ctx, `SELECT `+workflowCols+` FROM workflow_instances WHERE id=?`, id))
}

func scanWorkflow(row *sql.Row) (domain.WorkflowInstance, error) {
	var w domain.WorkflowInstance
	var completedAt, dueDate sql.NullString
	err := row.Scan(&w.ID, &w.SampleRequestID, &w.WorkflowName, &w.WorkflowStatus, &w.Priority, &w.CreatedBy,
		&w.CreatedAt, &w.UpdatedAt, &completedAt, &dueDate)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	if completedAt.Valid {
		w.CompletedAt = &completedAt.String
	}
	if dueDate.Valid {
		w.DueDate = &dueDate.String
	}
	return w, err
}

type WorkflowFilters struct {
	Status          string
	Priority        string
	SampleRequestID string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListWorkflows(ctx context.Context, f WorkflowFilters) ([]domain.WorkflowInstance, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "workflow_status=?")
		args = append(args, f.Status)
	}
	if f.Priority != "" {
		clauses = append(clauses, "priority=?")
		args = append(args, f.Priority)
	}
	if f.SampleRequestID != "" {
		clauses = append(clauses, "sample_request_id=?")
		args = append(args, f.SampleRequestID)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + workflowCols + ` FROM workflow_instances ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkflowInstance
	for rows.Next() {
		var w domain.WorkflowInstance
		var completedAt, dueDate sql.NullString
		if err := rows.Scan(&w.ID, &w.SampleRequestID, &w.WorkflowName, &w.WorkflowStatus, &w.Priority, &w.CreatedBy,
			&w.CreatedAt, &w.UpdatedAt, &completedAt, &dueDate); err != nil {
			return nil, err
		}
		if completedAt.Valid {
			w.CompletedAt = &completedAt.String
		}
		if dueDate.Valid {
			w.DueDate = &dueDate.String
		}
		res = append(res, w)
	}
	return res, nil
}

// SetWorkflowStatus updates the aggregate status and completion timestamp.
func (r Repo) SetWorkflowStatus(ctx context.Context, tx *sql.Tx, id, status, updatedAt string, completedAt *string) error {
	res, err := tx.ExecContext(ctx, `UPDATE workflow_instances SET workflow_status=?, updated_at=?, completed_at=? WHERE id=?`,
		status, updatedAt, nullableStringPtr(completedAt), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const cardCols = `id,workflow_id,stage_name,stage_order,card_title,card_description,assigned_to,card_status,due_date,created_at,updated_at,completed_at,blocked_reason`

func (r Repo) InsertCard(ctx context.Context, tx *sql.Tx, c domain.Card) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO workflow_cards(`+cardCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.WorkflowID, c.StageName, c.StageOrder, c.CardTitle, nullable(c.CardDescription),
		nullableStringPtr(c.AssignedTo), c.CardStatus, nullableStringPtr(c.DueDate),
		c.CreatedAt, c.UpdatedAt, nullableStringPtr(c.CompletedAt), nullableStringPtr(c.BlockedReason))
	return err
}

func (r Repo) GetCard(ctx context.Context, id string) (domain.Card, error) {
	return scanCard(r.DB.QueryRowContext(ctx, `SELECT `+cardCols+` FROM workflow_cards WHERE id=?`, id))
}

func (r Repo) GetCardTx(ctx context.Context, tx *sql.Tx, id string) (domain.Card, error) {
	return scanCard(tx.QueryRowContext(ctx, `SELECT `+cardCols+` FROM workflow_cards WHERE id=?`, id))
}

func scanCard(row *sql.Row) (domain.Card, error) {
	var c domain.Card
	var description, assignedTo, dueDate, completedAt, blockedReason sql.NullString
	err := row.Scan(&c.ID, &c.WorkflowID, &c.StageName, &c.StageOrder, &c.CardTitle, &description,
		&assignedTo, &c.CardStatus, &dueDate, &c.CreatedAt, &c.UpdatedAt, &completedAt, &blockedReason)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if description.Valid {
		c.CardDescription = description.String
	}
	if assignedTo.Valid {
		c.AssignedTo = &assignedTo.String
	}
	if dueDate.Valid {
		c.DueDate = &dueDate.String
	}
	if completedAt.Valid {
		c.CompletedAt = &completedAt.String
	}
	if blockedReason.Valid {
		c.BlockedReason = &blockedReason.String
	}
	return c, nil
}

// ListWorkflowCards returns a workflow's cards ordered by stage_order.
func (r Repo) ListWorkflowCards(ctx context.Context, workflowID string) ([]domain.Card, error) {
	return listCards(ctx, r.DB.QueryContext, workflowID)
}

// ListWorkflowCardsTx is the in-transaction variant, used by the completion
// detector so it sees the same snapshot as the card mutation.
func (r Repo) ListWorkflowCardsTx(ctx context.Context, tx *sql.Tx, workflowID string) ([]domain.Card, error) {
	return listCards(ctx, tx.QueryContext, workflowID)
}

type queryFn func(ctx context.Context, query string, args ...any) (*sql.Rows, error)

func listCards(ctx context.Context, query queryFn, workflowID string) ([]domain.Card, error) {
	rows, err := query(ctx, `SELECT `+cardCols+` FROM workflow_cards WHERE workflow_id=? ORDER BY stage_order ASC`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Card
	for rows.Next() {
		var c domain.Card
		var description, assignedTo, dueDate, completedAt, blockedReason sql.NullString
		if err := rows.Scan(&c.ID, &c.WorkflowID, &c.StageName, &c.StageOrder, &c.CardTitle, &description,
			&assignedTo, &c.CardStatus, &dueDate, &c.CreatedAt, &c.UpdatedAt, &completedAt, &blockedReason); err != nil {
			return nil, err
		}
		if description.Valid {
			c.CardDescription = description.String
		}
		if assignedTo.Valid {
			c.AssignedTo = &assignedTo.String
		}
		if dueDate.Valid {
			c.DueDate = &dueDate.String
		}
		if completedAt.Valid {
			c.CompletedAt = &completedAt.String
		}
		if blockedReason.Valid {
			c.BlockedReason = &blockedReason.String
		}
		res = append(res, c)
	}
	return res, nil
}

// UpdateCardStatus applies a validated transition. The WHERE clause pins the
// previously-read status so two racing writers cannot both succeed; zero rows
// affected means the caller lost the race.
func (r Repo) UpdateCardStatus(ctx context.Context, tx *sql.Tx, c domain.Card, expectedStatus string) (int64, error) {
	res, err := tx.ExecContext(ctx, `UPDATE workflow_cards SET card_status=?, updated_at=?, completed_at=?, blocked_reason=? WHERE id=? AND card_status=?`,
		c.CardStatus, c.UpdatedAt, nullableStringPtr(c.CompletedAt), nullableStringPtr(c.BlockedReason), c.ID, expectedStatus)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// UpdateCardAssignee reassigns a card.
func (r Repo) UpdateCardAssignee(ctx context.Context, tx *sql.Tx, cardID string, assignee *string, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE workflow_cards SET assigned_to=?, updated_at=? WHERE id=?`,
		nullableStringPtr(assignee), updatedAt, cardID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CardHistory returns the audit trail for a card, newest first.
func (r Repo) CardHistory(ctx context.Context, cardID string) ([]domain.StatusHistoryEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,card_id,previous_status,new_status,updated_by,update_reason,created_at
FROM card_status_history WHERE card_id=? ORDER BY created_at DESC, id DESC`, cardID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StatusHistoryEntry
	for rows.Next() {
		var e domain.StatusHistoryEntry
		var reason sql.NullString
		if err := rows.Scan(&e.ID, &e.CardID, &e.PreviousStatus, &e.NewStatus, &e.UpdatedBy, &reason, &e.CreatedAt); err != nil {
			return nil, err
		}
		if reason.Valid {
			e.UpdateReason = &reason.String
		}
		res = append(res, e)
	}
	return res, nil
}

// HistoryAfter returns history entries with IDs greater than the cursor in
// ascending order. Used by the webhook dispatcher.
func (r Repo) HistoryAfter(ctx context.Context, limit int, cursor int64) ([]domain.StatusHistoryEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,card_id,previous_status,new_status,updated_by,update_reason,created_at
FROM card_status_history WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StatusHistoryEntry
	for rows.Next() {
		var e domain.StatusHistoryEntry
		var reason sql.NullString
		if err := rows.Scan(&e.ID, &e.CardID, &e.PreviousStatus, &e.NewStatus, &e.UpdatedBy, &reason, &e.CreatedAt); err != nil {
			return nil, err
		}
		if reason.Valid {
			e.UpdateReason = &reason.String
		}
		res = append(res, e)
	}
	return res, nil
}

// LatestHistoryID returns the most recent ledger ID, 0 when empty.
func (r Repo) LatestHistoryID(ctx context.Context) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM card_status_history`).Scan(&id)
	return id, err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func nullableInt(v int) any {
	if v == 0 {
		return nil
	}
	return v
}
