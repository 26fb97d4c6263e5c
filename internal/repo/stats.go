package repo

import (
	"context"
	"time"

	"stitchflow/internal/domain"
)

// CountWorkflowsByStatus groups workflow instances by aggregate status.
func (r Repo) CountWorkflowsByStatus(ctx context.Context) (map[string]int, error) {
	return r.countGrouped(ctx, `SELECT workflow_status, count(*) FROM workflow_instances GROUP BY workflow_status`)
}

// CountCardsByStatus groups cards by status.
func (r Repo) CountCardsByStatus(ctx context.Context) (map[string]int, error) {
	return r.countGrouped(ctx, `SELECT card_status, count(*) FROM workflow_cards GROUP BY card_status`)
}

// CountWorkflowsByPriority groups workflow instances by priority.
func (r Repo) CountWorkflowsByPriority(ctx context.Context) (map[string]int, error) {
	return r.countGrouped(ctx, `SELECT priority, count(*) FROM workflow_instances GROUP BY priority`)
}

// CountActiveCardsByAssignee counts non-terminal cards per assignee. Cards
// without an assignee are skipped.
func (r Repo) CountActiveCardsByAssignee(ctx context.Context) (map[string]int, error) {
	return r.countGrouped(ctx, `SELECT assigned_to, count(*) FROM workflow_cards
WHERE assigned_to IS NOT NULL AND card_status NOT IN ('completed') GROUP BY assigned_to`)
}

// CountOverdueWorkflows counts workflows whose due date has passed and which
// are not completed.
func (r Repo) CountOverdueWorkflows(ctx context.Context, now time.Time) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM workflow_instances
WHERE due_date IS NOT NULL AND due_date < ? AND workflow_status != ?`,
		now.UTC().Format(time.RFC3339), domain.WorkflowCompleted).Scan(&n)
	return n, err
}

// AvgCompletionDays averages completed_at - created_at over completed
// workflows, in days. Timestamps are RFC3339 strings, so the arithmetic is
// done in Go rather than SQL.
func (r Repo) AvgCompletionDays(ctx context.Context) (float64, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT created_at, completed_at FROM workflow_instances
WHERE workflow_status=? AND completed_at IS NOT NULL`, domain.WorkflowCompleted)
	if err != nil {
		return 0, err
	}
	defer rows.Close()
	var total float64
	var n int
	for rows.Next() {
		var createdAt, completedAt string
		if err := rows.Scan(&createdAt, &completedAt); err != nil {
			return 0, err
		}
		start, err1 := time.Parse(time.RFC3339, createdAt)
		end, err2 := time.Parse(time.RFC3339, completedAt)
		if err1 != nil || err2 != nil {
			continue
		}
		total += end.Sub(start).Hours() / 24
		n++
	}
	if n == 0 {
		return 0, nil
	}
	return total / float64(n), nil
}

func (r Repo) countGrouped(ctx context.Context, query string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var key string
		var count int
		if err := rows.Scan(&key, &count); err != nil {
			return nil, err
		}
		res[key] = count
	}
	return res, nil
}
