package models

import (
	"time"
)

// JobStatus enumerates lifecycle states persisted in the job store.
type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
	StatusCancelled JobStatus = "cancelled"
)

// AllStatuses lists every status in display order.
var AllStatuses = []JobStatus{StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no transition may leave s.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Live reports whether a job in s still occupies its company (pending or running).
func (s JobStatus) Live() bool {
	return s == StatusPending || s == StatusRunning
}

// JobKind selects the automation flow the executor runs.
type JobKind string

const (
	KindConsultation JobKind = "consultation"
	KindMessageScan  JobKind = "message_scan"
)

// Valid reports whether k is a known kind.
func (k JobKind) Valid() bool {
	return k == KindConsultation || k == KindMessageScan
}

// Job is one request to run an automation flow against one company.
type Job struct {
	ID            string     `json:"id"`
	Seq           int64      `json:"-"`
	CompanyID     int64      `json:"empresa_id"`
	TaxID         string     `json:"inscricao_estadual,omitempty"`
	CredentialRef string     `json:"credencial,omitempty"`
	Kind          JobKind    `json:"tipo"`
	Status        JobStatus  `json:"status"`
	Priority      int        `json:"prioridade"`
	CreatedAt     time.Time  `json:"data_adicao"`
	StartedAt     *time.Time `json:"data_inicio,omitempty"`
	FinishedAt    *time.Time `json:"data_fim,omitempty"`
	Error         *string    `json:"erro,omitempty"`
	ScheduleID    *string    `json:"agendamento_id,omitempty"`
}

// Stats holds job counts per status.
type Stats struct {
	Pending   int64 `json:"pending"`
	Running   int64 `json:"running"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Cancelled int64 `json:"cancelled"`
	Total     int64 `json:"total"`
}

// Add records n jobs in status s.
func (st *Stats) Add(s JobStatus, n int64) {
	switch s {
	case StatusPending:
		st.Pending += n
	case StatusRunning:
		st.Running += n
	case StatusCompleted:
		st.Completed += n
	case StatusFailed:
		st.Failed += n
	case StatusCancelled:
		st.Cancelled += n
	default:
		return
	}
	st.Total += n
}

// AuditLog is one lifecycle event of a job.
type AuditLog struct {
	JobID    string    `json:"job_id"`
	Event    string    `json:"evento"`
	Detail   string    `json:"detalhe,omitempty"`
	Recorded time.Time `json:"registrado_em"`
}
