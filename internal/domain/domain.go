package domain

// Card statuses. Cards move between these only through transitions the engine
// validates; the rest of the system treats them as opaque labels.
const (
	CardPending    = "pending"
	CardReady      = "ready"
	CardInProgress = "in_progress"
	CardCompleted  = "completed"
	CardBlocked    = "blocked"
)

// Workflow statuses.
const (
	WorkflowActive    = "active"
	WorkflowCompleted = "completed"
	WorkflowCancelled = "cancelled"
)

type StageTemplate struct {
	ID                     string `json:"id"`
	WorkflowType           string `json:"workflow_type"`
	StageName              string `json:"stage_name"`
	StageOrder             int    `json:"stage_order"`
	StageDescription       string `json:"stage_description,omitempty"`
	DefaultAssigneeRole    string `json:"default_assignee_role,omitempty"`
	EstimatedDurationHours int    `json:"estimated_duration_hours,omitempty"`
	IsActive               bool   `json:"is_active"`
}

type WorkflowInstance struct {
	ID              string  `json:"id"`
	SampleRequestID string  `json:"sample_request_id"`
	WorkflowName    string  `json:"workflow_name"`
	WorkflowStatus  string  `json:"workflow_status" enum:"active,completed,cancelled"`
	Priority        string  `json:"priority" enum:"low,medium,high"`
	CreatedBy       string  `json:"created_by"`
	CreatedAt       string  `json:"created_at" format:"date-time"`
	UpdatedAt       string  `json:"updated_at" format:"date-time"`
	CompletedAt     *string `json:"completed_at,omitempty" format:"date-time"`
	DueDate         *string `json:"due_date,omitempty" format:"date-time"`
	Cards           []Card  `json:"cards,omitempty"`
}

type Card struct {
	ID              string  `json:"id"`
	WorkflowID      string  `json:"workflow_id"`
	StageName       string  `json:"stage_name"`
	StageOrder      int     `json:"stage_order"`
	CardTitle       string  `json:"card_title"`
	CardDescription string  `json:"card_description,omitempty"`
	AssignedTo      *string `json:"assigned_to,omitempty"`
	CardStatus      string  `json:"card_status" enum:"pending,ready,in_progress,completed,blocked"`
	DueDate         *string `json:"due_date,omitempty" format:"date-time"`
	CreatedAt       string  `json:"created_at" format:"date-time"`
	UpdatedAt       string  `json:"updated_at" format:"date-time"`
	CompletedAt     *string `json:"completed_at,omitempty" format:"date-time"`
	BlockedReason   *string `json:"blocked_reason,omitempty"`
}

// StatusHistoryEntry is one row of the append-only audit trail. Ordered by
// CreatedAt (ties broken by ID) the chain of previous/new values reconstructs
// a card's full history.
type StatusHistoryEntry struct {
	ID             int64   `json:"id"`
	CardID         string  `json:"card_id"`
	PreviousStatus string  `json:"previous_status"`
	NewStatus      string  `json:"new_status"`
	UpdatedBy      string  `json:"updated_by"`
	UpdateReason   *string `json:"update_reason,omitempty"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
}

// Statistics is the dashboard rollup, recomputed on demand.
type Statistics struct {
	TotalWorkflows       int            `json:"total_workflows"`
	ActiveWorkflows      int            `json:"active_workflows"`
	CompletedWorkflows   int            `json:"completed_workflows"`
	CancelledWorkflows   int            `json:"cancelled_workflows"`
	OverdueWorkflows     int            `json:"overdue_workflows"`
	CardCounts           map[string]int `json:"card_counts"`
	BlockedCards         int            `json:"blocked_cards"`
	PriorityDistribution map[string]int `json:"priority_distribution"`
	AvgCompletionDays    float64        `json:"avg_completion_days"`
	AssigneeActiveCards  map[string]int `json:"assignee_active_cards"`
	CompletionRate       float64        `json:"completion_rate"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
