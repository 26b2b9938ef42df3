package server

import (
	"maturion/internal/domain"
)

type CreateIndexRequest struct {
	Code        string `json:"code" example:"naii-2024"`
	NameAr      string `json:"name_ar"`
	NameEn      string `json:"name_en,omitempty"`
	Description string `json:"description,omitempty"`
	Type        string `json:"type" enum:"naii,etari"`
	Public      bool   `json:"public,omitempty"`
	StartDate   string `json:"start_date,omitempty" format:"date-time"`
	EndDate     string `json:"end_date,omitempty" format:"date-time"`
	OwnerID     string `json:"owner_id,omitempty"`
}

type UpdateIndexRequest struct {
	NameAr      *string `json:"name_ar,omitempty"`
	NameEn      *string `json:"name_en,omitempty"`
	Description *string `json:"description,omitempty"`
	Public      *bool   `json:"public,omitempty"`
	StartDate   *string `json:"start_date,omitempty" format:"date-time"`
	EndDate     *string `json:"end_date,omitempty" format:"date-time"`
}

type IndexResponse struct {
	domain.Index
	DerivedStatus string `json:"derived_status,omitempty" enum:"not_started,in_progress,completed,archived"`
}

type CreateRequirementRequest struct {
	Code         string `json:"code"`
	QuestionAr   string `json:"question_ar"`
	QuestionEn   string `json:"question_en,omitempty"`
	MainArea     string `json:"main_area,omitempty"`
	SubDomain    string `json:"sub_domain,omitempty"`
	DisplayOrder int    `json:"display_order,omitempty"`
}

type SetMembershipRequest struct {
	ActorID string `json:"actor_id"`
	Role    string `json:"role" enum:"owner,supervisor,contributor"`
}

type UpdateMembershipRequest struct {
	Role         string `json:"role" enum:"owner,supervisor,contributor"`
	ExpectedRole string `json:"expected_role,omitempty"`
}

type CreateEvidenceRequest struct {
	RequirementID string `json:"requirement_id"`
	MaturityLevel int    `json:"maturity_level" minimum:"1"`
	DocumentName  string `json:"document_name"`
}

type EvidenceActionRequest struct {
	Action         string `json:"action" example:"submit"`
	ExpectedStatus string `json:"expected_status,omitempty"`
	AssigneeID     string `json:"assignee_id,omitempty"`
	Comment        string `json:"comment,omitempty"`
}

type AnswerActionRequest struct {
	Action         string `json:"action" example:"submit"`
	ExpectedStatus string `json:"expected_status,omitempty"`
	Comment        string `json:"comment,omitempty"`
}

type SaveAnswerRequest struct {
	Answer string `json:"answer"`
}

type CreateTaskRequest struct {
	Title         string `json:"title"`
	Description   string `json:"description,omitempty"`
	Priority      string `json:"priority,omitempty" enum:"low,medium,high"`
	IndexID       string `json:"index_id,omitempty"`
	RequirementID string `json:"requirement_id,omitempty"`
	AssigneeID    string `json:"assignee_id,omitempty"`
	DueDate       string `json:"due_date,omitempty" format:"date-time"`
}

type UpdateTaskRequest struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	Status      string  `json:"status,omitempty" enum:"todo,in_progress,completed"`
	Priority    string  `json:"priority,omitempty" enum:"low,medium,high"`
	AssigneeID  *string `json:"assignee_id,omitempty"`
	DueDate     *string `json:"due_date,omitempty" format:"date-time"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type WhoAmIResponse struct {
	ActorID    string `json:"actor_id"`
	GlobalRole string `json:"global_role" enum:"none,admin"`
	Source     string `json:"source,omitempty"`
}

type EvidenceResponse struct {
	domain.Evidence
	AvailableActions []string `json:"available_actions,omitempty"`
}

func indexResponse(ix domain.Index, derived string) IndexResponse {
	return IndexResponse{Index: ix, DerivedStatus: derived}
}

func mapIndices(in []domain.Index) []IndexResponse {
	out := make([]IndexResponse, 0, len(in))
	for _, ix := range in {
		out = append(out, IndexResponse{Index: ix})
	}
	return out
}
