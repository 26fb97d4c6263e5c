package server

import (
	"stitchflow/internal/domain"
)

// Request payloads

// AssignmentsRequest maps production roles to actor ids. Each stage template
// names a default assignee role; the matching field here pre-assigns that
// stage's card.
type AssignmentsRequest struct {
	Approver            string `json:"approver,omitempty"`
	Designer            string `json:"designer,omitempty"`
	Programmer          string `json:"programmer,omitempty"`
	KnittingSupervisor  string `json:"knitting_supervisor,omitempty"`
	FinishingSupervisor string `json:"finishing_supervisor,omitempty"`
}

func (a AssignmentsRequest) roleMap() map[string]string {
	m := map[string]string{}
	for role, actor := range map[string]string{
		"approver":             a.Approver,
		"designer":             a.Designer,
		"programmer":           a.Programmer,
		"knitting_supervisor":  a.KnittingSupervisor,
		"finishing_supervisor": a.FinishingSupervisor,
	} {
		if actor != "" {
			m[role] = actor
		}
	}
	return m
}

type CreateWorkflowRequest struct {
	SampleRequestID string              `json:"sample_request_id"`
	WorkflowName    string              `json:"workflow_name"`
	WorkflowType    *string             `json:"workflow_type,omitempty"`
	Priority        *string             `json:"priority,omitempty" enum:"low,medium,high"`
	DueDate         *string             `json:"due_date,omitempty" format:"date-time"`
	Assignments     *AssignmentsRequest `json:"assignments,omitempty"`
}

type UpdateCardStatusRequest struct {
	Status string  `json:"status" enum:"pending,ready,in_progress,completed,blocked"`
	Reason *string `json:"reason,omitempty"`
	Force  bool    `json:"force,omitempty"`
}

type AssignCardRequest struct {
	AssignedTo string `json:"assigned_to"`
}

// Response payloads

type WorkflowResponse struct {
	ID              string         `json:"id"`
	SampleRequestID string         `json:"sample_request_id"`
	WorkflowName    string         `json:"workflow_name"`
	WorkflowStatus  string         `json:"workflow_status" enum:"active,completed,cancelled"`
	Priority        string         `json:"priority" enum:"low,medium,high"`
	CreatedBy       string         `json:"created_by"`
	CreatedAt       string         `json:"created_at" format:"date-time"`
	UpdatedAt       string         `json:"updated_at" format:"date-time"`
	CompletedAt     *string        `json:"completed_at,omitempty" format:"date-time"`
	DueDate         *string        `json:"due_date,omitempty" format:"date-time"`
	Cards           []CardResponse `json:"cards,omitempty"`
}

type CardResponse struct {
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

type HistoryEntryResponse struct {
	ID             int64   `json:"id"`
	CardID         string  `json:"card_id"`
	PreviousStatus string  `json:"previous_status"`
	NewStatus      string  `json:"new_status"`
	UpdatedBy      string  `json:"updated_by"`
	UpdateReason   *string `json:"update_reason,omitempty"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
}

type TemplateResponse struct {
	ID                     string `json:"id"`
	WorkflowType           string `json:"workflow_type"`
	StageName              string `json:"stage_name"`
	StageOrder             int    `json:"stage_order"`
	StageDescription       string `json:"stage_description,omitempty"`
	DefaultAssigneeRole    string `json:"default_assignee_role,omitempty"`
	EstimatedDurationHours int    `json:"estimated_duration_hours,omitempty"`
	IsActive               bool   `json:"is_active"`
}

type paginatedWorkflows struct {
	Items      []WorkflowResponse `json:"items"`
	NextCursor string             `json:"next_cursor,omitempty"`
}

type statisticsResponse domain.Statistics

func workflowResponse(w domain.WorkflowInstance) WorkflowResponse {
	return WorkflowResponse{
		ID:              w.ID,
		SampleRequestID: w.SampleRequestID,
		WorkflowName:    w.WorkflowName,
		WorkflowStatus:  w.WorkflowStatus,
		Priority:        w.Priority,
		CreatedBy:       w.CreatedBy,
		CreatedAt:       w.CreatedAt,
		UpdatedAt:       w.UpdatedAt,
		CompletedAt:     w.CompletedAt,
		DueDate:         w.DueDate,
		Cards:           mapCards(w.Cards),
	}
}

func mapWorkflows(items []domain.WorkflowInstance) []WorkflowResponse {
	res := make([]WorkflowResponse, 0, len(items))
	for _, w := range items {
		res = append(res, workflowResponse(w))
	}
	return res
}

func cardResponse(c domain.Card) CardResponse {
	return CardResponse{
		ID:              c.ID,
		WorkflowID:      c.WorkflowID,
		StageName:       c.StageName,
		StageOrder:      c.StageOrder,
		CardTitle:       c.CardTitle,
		CardDescription: c.CardDescription,
		AssignedTo:      c.AssignedTo,
		CardStatus:      c.CardStatus,
		DueDate:         c.DueDate,
		CreatedAt:       c.CreatedAt,
		UpdatedAt:       c.UpdatedAt,
		CompletedAt:     c.CompletedAt,
		BlockedReason:   c.BlockedReason,
	}
}

func mapCards(items []domain.Card) []CardResponse {
	if items == nil {
		return nil
	}
	res := make([]CardResponse, 0, len(items))
	for _, c := range items {
		res = append(res, cardResponse(c))
	}
	return res
}

func mapHistory(items []domain.StatusHistoryEntry) []HistoryEntryResponse {
	res := make([]HistoryEntryResponse, 0, len(items))
	for _, e := range items {
		res = append(res, HistoryEntryResponse{
			ID:             e.ID,
			CardID:         e.CardID,
			PreviousStatus: e.PreviousStatus,
			NewStatus:      e.NewStatus,
			UpdatedBy:      e.UpdatedBy,
			UpdateReason:   e.UpdateReason,
			CreatedAt:      e.CreatedAt,
		})
	}
	return res
}

func mapTemplates(items []domain.StageTemplate) []TemplateResponse {
	res := make([]TemplateResponse, 0, len(items))
	for _, t := range items {
		res = append(res, TemplateResponse{
			ID:                     t.ID,
			WorkflowType:           t.WorkflowType,
			StageName:              t.StageName,
			StageOrder:             t.StageOrder,
			StageDescription:       t.StageDescription,
			DefaultAssigneeRole:    t.DefaultAssigneeRole,
			EstimatedDurationHours: t.EstimatedDurationHours,
			IsActive:               t.IsActive,
		})
	}
	return res
}
