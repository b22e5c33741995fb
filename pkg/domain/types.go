package domain

import "time"

// ReadingStatus tracks one analysis record through the worker pipeline.
// A record is created in processing and moved to exactly one terminal state
// by the worker attempt that owns it.
type ReadingStatus string

const (
	StatusProcessing ReadingStatus = "processing"
	StatusCompleted  ReadingStatus = "completed"
	StatusFailed     ReadingStatus = "failed"
	StatusRejected   ReadingStatus = "rejected"
)

// Facet is one interpretation angle a user can request for an uploaded palm
// photo. FacetAll is a sentinel billed at a different credit type and never
// counts toward the per-session completed-facet set.
type Facet string

const (
	FacetLove    Facet = "love"
	FacetCareer  Facet = "career"
	FacetHealth  Facet = "health"
	FacetFinance Facet = "finance"
	FacetFamily  Facet = "family"
	FacetDestiny Facet = "destiny"
	FacetAll     Facet = "all"
)

// TopicFacets lists the single-topic facets, in keyboard order.
var TopicFacets = []Facet{FacetLove, FacetCareer, FacetHealth, FacetFinance, FacetFamily, FacetDestiny}

// Valid reports whether f is a known facet, including the all sentinel.
func (f Facet) Valid() bool {
	if f == FacetAll {
		return true
	}
	for _, t := range TopicFacets {
		if f == t {
			return true
		}
	}
	return false
}

type CreditType string

const (
	CreditBasic CreditType = "basic"
	CreditFull  CreditType = "full"
)

// CreditTypeFor returns the credit type billed for a facet.
func CreditTypeFor(f Facet) CreditType {
	if f == FacetAll {
		return CreditFull
	}
	return CreditBasic
}

type Persona string

const (
	PersonaMystic  Persona = "mystic"
	PersonaScholar Persona = "scholar"
	PersonaFriend  Persona = "friend"
)

// Personas lists the narration voices, in keyboard order.
var Personas = []Persona{PersonaMystic, PersonaScholar, PersonaFriend}

// AnalysisJob is the unit of work carried by the queue. It is immutable once
// enqueued; the queue may redeliver it verbatim.
type AnalysisJob struct {
	Identity       int64      `json:"identity"`
	ChatID         int64      `json:"chatId"`
	PlaceholderID  int        `json:"placeholderId"`
	ArtifactKey    string     `json:"artifactKey"`
	TelegramFileID string     `json:"telegramFileId,omitempty"`
	Facet          Facet      `json:"facet"`
	Persona        Persona    `json:"persona"`
	Language       string     `json:"language"`
	CreditType     CreditType `json:"creditType"`
	PriorRecordID  string     `json:"priorRecordId,omitempty"`
	EnqueuedAt     time.Time  `json:"enqueuedAt"`
}

// Continuation reports whether the job asks for an additional facet of an
// already-interpreted artifact.
func (j AnalysisJob) Continuation() bool { return j.PriorRecordID != "" }

// AnalysisRecord is one persisted reading attempt. SessionGroupID is shared
// by every record derived from the same uploaded photo and is the durable
// correlation key across attempts and facets; record IDs are per-attempt.
type AnalysisRecord struct {
	ID             string        `json:"id"`
	Identity       int64         `json:"identity"`
	Persona        Persona       `json:"persona"`
	Facet          Facet         `json:"facet"`
	Language       string        `json:"language"`
	Status         ReadingStatus `json:"status"`
	Intermediate   string        `json:"intermediate,omitempty"`
	Interpretation string        `json:"interpretation,omitempty"`
	ErrorDetail    ErrorDetail   `json:"errorDetail"`
	SessionGroupID string        `json:"sessionGroupId"`
	CreditType     CreditType    `json:"creditType"`
	CreatedAt      time.Time     `json:"createdAt"`
	UpdatedAt      time.Time     `json:"updatedAt"`
}

// ErrorDetail explains why a record ended failed or rejected. Failed records
// carry the causing error; rejected records carry the classifier verdict.
type ErrorDetail struct {
	Error       string  `json:"error,omitempty"`
	Category    string  `json:"category,omitempty"`
	Confidence  float64 `json:"confidence,omitempty"`
	Description string  `json:"description,omitempty"`
}

// Empty reports whether the detail carries no information.
func (d ErrorDetail) Empty() bool { return d == ErrorDetail{} }

// ValidationResult is the classifier verdict over a submitted photo.
type ValidationResult struct {
	Valid       bool    `json:"valid"`
	Category    string  `json:"category"`
	Confidence  float64 `json:"confidence"`
	Description string  `json:"description"`
}

// Intermediate is the cached first-stage (vision) output reused by retopic
// continuations.
type Intermediate struct {
	Description string `json:"description"`
}

// Interpretation is the second-stage output delivered to the user.
type Interpretation struct {
	Text string `json:"text"`
	Cost int    `json:"cost"`
}
