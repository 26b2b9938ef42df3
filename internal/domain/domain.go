package domain

// Index is the top-level container of requirements (an assessment index).
// Status is never stored; it is derived from archived_at, start_date and
// completion on read.
type Index struct {
	ID          string  `json:"id"`
	Code        string  `json:"code"`
	NameAr      string  `json:"name_ar"`
	NameEn      string  `json:"name_en,omitempty"`
	Description string  `json:"description,omitempty"`
	Type        string  `json:"type" enum:"naii,etari"`
	Public      bool    `json:"public"`
	StartDate   *string `json:"start_date,omitempty" format:"date-time"`
	EndDate     *string `json:"end_date,omitempty" format:"date-time"`
	ArchivedAt  *string `json:"archived_at,omitempty" format:"date-time"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
}

type Actor struct {
	ID         string `json:"id"`
	GlobalRole string `json:"global_role" enum:"none,admin"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

// Membership assigns a scoped role to an actor within one index.
// At most one row per (index_id, actor_id).
type Membership struct {
	ID        string `json:"id"`
	IndexID   string `json:"index_id"`
	ActorID   string `json:"actor_id"`
	Role      string `json:"role" enum:"owner,supervisor,contributor"`
	AddedBy   string `json:"added_by,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type Requirement struct {
	ID           string  `json:"id"`
	IndexID      string  `json:"index_id"`
	Code         string  `json:"code"`
	QuestionAr   string  `json:"question_ar"`
	QuestionEn   string  `json:"question_en,omitempty"`
	MainArea     string  `json:"main_area,omitempty"`
	SubDomain    string  `json:"sub_domain,omitempty"`
	DisplayOrder int     `json:"display_order"`
	Answer       *string `json:"answer,omitempty"`
	AnswerStatus string  `json:"answer_status" enum:"draft,pending_review,approved,rejected,confirmed"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
	UpdatedAt    string  `json:"updated_at" format:"date-time"`
}

// Evidence is a file-backed artifact submitted against a requirement at one
// maturity level. Content revisions live in Versions; CurrentVersion is the
// highest version number.
type Evidence struct {
	ID             string `json:"id"`
	RequirementID  string `json:"requirement_id"`
	IndexID        string `json:"index_id"`
	MaturityLevel  int    `json:"maturity_level"`
	DocumentName   string `json:"document_name"`
	CurrentVersion int    `json:"current_version"`
	Status         string `json:"status" enum:"not_started,assigned,in_progress,submitted,ready_for_audit,confirmed,changes_requested"`
	AssigneeID     string `json:"assignee_id,omitempty"`
	CreatedBy      string `json:"created_by"`
	CreatedAt      string `json:"created_at" format:"date-time"`
	UpdatedAt      string `json:"updated_at" format:"date-time"`
}

type EvidenceVersion struct {
	ID            string `json:"id"`
	EvidenceID    string `json:"evidence_id"`
	VersionNumber int    `json:"version_number"`
	Filename      string `json:"filename"`
	StorageKey    string `json:"storage_key"`
	FileSize      int64  `json:"file_size"`
	SHA256        string `json:"sha256"`
	UploadedBy    string `json:"uploaded_by"`
	Comment       string `json:"comment,omitempty"`
	UploadedAt    string `json:"uploaded_at" format:"date-time"`
}

// ActivityRecord is one immutable audit-log entry. Rows are append-only.
type ActivityRecord struct {
	ID            int64  `json:"id"`
	TS            string `json:"ts" format:"date-time"`
	Action        string `json:"action"`
	IndexID       string `json:"index_id,omitempty"`
	EntityKind    string `json:"entity_kind"`
	EntityID      string `json:"entity_id,omitempty"`
	ActorID       string `json:"actor_id"`
	MaturityLevel *int   `json:"maturity_level,omitempty"`
	VersionNumber *int   `json:"version_number,omitempty"`
	Comment       string `json:"comment,omitempty"`
	Payload       string `json:"payload_json"`
}

// Task is an independent work item optionally linked to an index or
// requirement. Not policy-gated beyond creator/assignee/management.
type Task struct {
	ID            string  `json:"id"`
	Title         string  `json:"title"`
	Description   string  `json:"description,omitempty"`
	Status        string  `json:"status" enum:"todo,in_progress,completed"`
	Priority      string  `json:"priority" enum:"low,medium,high"`
	IndexID       *string `json:"index_id,omitempty"`
	RequirementID *string `json:"requirement_id,omitempty"`
	AssigneeID    *string `json:"assignee_id,omitempty"`
	CreatedBy     string  `json:"created_by"`
	DueDate       *string `json:"due_date,omitempty" format:"date-time"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
	UpdatedAt     string  `json:"updated_at" format:"date-time"`
	CompletedAt   *string `json:"completed_at,omitempty" format:"date-time"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Completion is the derived aggregate for one index.
type Completion struct {
	IndexID       string                  `json:"index_id"`
	Percent       int                     `json:"percent"`
	IsComplete    bool                    `json:"is_complete"`
	DerivedStatus string                  `json:"derived_status" enum:"not_started,in_progress,completed,archived"`
	Requirements  []RequirementCompletion `json:"requirements,omitempty"`
}

type RequirementCompletion struct {
	RequirementID string `json:"requirement_id"`
	Code          string `json:"code"`
	CurrentLevel  int    `json:"current_level"`
	Percent       int    `json:"percent"`
	IsComplete    bool   `json:"is_complete"`
}
