package domain

// BatchStatus is the lifecycle state of a batch.
type BatchStatus string

const (
	BatchDraft     BatchStatus = "draft"
	BatchActive    BatchStatus = "active"
	BatchCompleted BatchStatus = "completed"
	BatchCancelled BatchStatus = "cancelled"
	BatchFinalized BatchStatus = "finalized"
)

func (s BatchStatus) IsValid() bool {
	switch s {
	case BatchDraft, BatchActive, BatchCompleted, BatchCancelled, BatchFinalized:
		return true
	}
	return false
}

func (s BatchStatus) String() string { return string(s) }

// AssessmentStatus is the state of one member assessment.
type AssessmentStatus string

const (
	AssessmentStarted     AssessmentStatus = "started"
	AssessmentInProgress  AssessmentStatus = "in_progress"
	AssessmentCompleted   AssessmentStatus = "completed"
	AssessmentDeactivated AssessmentStatus = "deactivated"
)

func (s AssessmentStatus) IsValid() bool {
	switch s {
	case AssessmentStarted, AssessmentInProgress, AssessmentCompleted, AssessmentDeactivated:
		return true
	}
	return false
}

func (s AssessmentStatus) String() string { return string(s) }

// ReportStatus is the state of the report reserved for a batch.
type ReportStatus string

const (
	ReportDraft     ReportStatus = "draft"
	ReportIssuing   ReportStatus = "issuing"
	ReportIssued    ReportStatus = "issued"
	ReportDelivered ReportStatus = "delivered"
)

func (s ReportStatus) String() string { return string(s) }

type Cohort struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Subject struct {
	ID              string  `json:"id"`
	CohortID        string  `json:"cohort_id"`
	Name            string  `json:"name"`
	Level           string  `json:"level" enum:"operational,management"`
	Active          bool    `json:"active"`
	EvaluationIndex int     `json:"evaluation_index"`
	LastEvaluatedAt *string `json:"last_evaluated_at,omitempty" format:"date-time"`
	CreatedAt       string  `json:"created_at" format:"date-time"`
}

type Issuer struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Active    bool   `json:"active"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Batch struct {
	ID               string      `json:"id"`
	CohortID         string      `json:"cohort_id"`
	Ordinal          int         `json:"ordinal"`
	Title            string      `json:"title"`
	Status           BatchStatus `json:"status" enum:"draft,active,completed,cancelled,finalized"`
	TotalCount       int         `json:"total_count"`
	ReleasedCount    int         `json:"released_count"`
	CompletedCount   int         `json:"completed_count"`
	DeactivatedCount int         `json:"deactivated_count"`
	EmergencyUsed    bool        `json:"emergency_used"`
	CreatedBy        string      `json:"created_by"`
	CreatedAt        string      `json:"created_at" format:"date-time"`
	ReleasedAt       *string     `json:"released_at,omitempty" format:"date-time"`
	CompletedAt      *string     `json:"completed_at,omitempty" format:"date-time"`
	CancelledAt      *string     `json:"cancelled_at,omitempty" format:"date-time"`
	CancelReason     *string     `json:"cancel_reason,omitempty"`
	FinalizedAt      *string     `json:"finalized_at,omitempty" format:"date-time"`
	AutoEmitAt       *string     `json:"auto_emit_at,omitempty" format:"date-time"`
}

type MemberAssessment struct {
	ID                 string           `json:"id"`
	BatchID            string           `json:"batch_id"`
	SubjectID          string           `json:"subject_id"`
	Status             AssessmentStatus `json:"status" enum:"started,in_progress,completed,deactivated"`
	EligibilityReason  string           `json:"eligibility_reason,omitempty"`
	Priority           string           `json:"priority,omitempty"`
	StartedAt          *string          `json:"started_at,omitempty" format:"date-time"`
	SubmittedAt        *string          `json:"submitted_at,omitempty" format:"date-time"`
	DeactivatedAt      *string          `json:"deactivated_at,omitempty" format:"date-time"`
	DeactivationReason *string          `json:"deactivation_reason,omitempty"`
	CreatedAt          string           `json:"created_at" format:"date-time"`
}

// Response is one answered questionnaire item, value on a 0-100 scale.
type Response struct {
	AssessmentID string  `json:"assessment_id"`
	Dimension    int     `json:"dimension"`
	Item         string  `json:"item"`
	Value        float64 `json:"value"`
}

// Report metadata; Content is only loaded on demand.
type Report struct {
	ID              string       `json:"id"`
	Status          ReportStatus `json:"status" enum:"draft,issuing,issued,delivered"`
	ContentHash     *string      `json:"content_hash,omitempty"`
	ContentSize     int          `json:"content_size"`
	ContentType     *string      `json:"content_type,omitempty"`
	ArtifactRef     *string      `json:"artifact_ref,omitempty"`
	IssuerID        *string      `json:"issuer_id,omitempty"`
	PrincipalKind   *string      `json:"principal_kind,omitempty"`
	Emergency       bool         `json:"emergency"`
	EmergencyReason *string      `json:"emergency_reason,omitempty"`
	ClaimedAt       *string      `json:"claimed_at,omitempty" format:"date-time"`
	IssuedAt        *string      `json:"issued_at,omitempty" format:"date-time"`
	DeliveredAt     *string      `json:"delivered_at,omitempty" format:"date-time"`
	Content         []byte       `json:"-"`
}

type QueueEntry struct {
	BatchID     string  `json:"batch_id"`
	Attempts    int     `json:"attempts"`
	NextRetryAt string  `json:"next_retry_at" format:"date-time"`
	Terminal    bool    `json:"terminal"`
	LastError   *string `json:"last_error,omitempty"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
}

type AuditRecord struct {
	ID           string `json:"id"`
	TS           string `json:"ts" format:"date-time"`
	Action       string `json:"action"`
	ActorID      string `json:"actor_id"`
	ActorKind    string `json:"actor_kind"`
	ResourceKind string `json:"resource_kind"`
	ResourceID   string `json:"resource_id,omitempty"`
	Details      string `json:"details"`
}

type APIKey struct {
	ID        string   `json:"id"`
	SubjectID string   `json:"subject_id"`
	Role      string   `json:"role"`
	ScopeIDs  []string `json:"scope_ids"`
	Name      string   `json:"name,omitempty"`
	KeyHash   string   `json:"-"`
	CreatedAt string   `json:"created_at" format:"date-time"`
}
