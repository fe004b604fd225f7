package models

import "time"

// Recurrence is how often a schedule fires.
type Recurrence string

const (
	RecurrenceOnce    Recurrence = "once"
	RecurrenceDaily   Recurrence = "daily"
	RecurrenceWeekly  Recurrence = "weekly"
	RecurrenceMonthly Recurrence = "monthly"
)

// Valid reports whether r is a known recurrence.
func (r Recurrence) Valid() bool {
	switch r {
	case RecurrenceOnce, RecurrenceDaily, RecurrenceWeekly, RecurrenceMonthly:
		return true
	}
	return false
}

// Schedule is a one-time or recurring definition that generates jobs.
type Schedule struct {
	ID         string     `json:"id"`
	Targets    []int64    `json:"empresa_ids"`
	Kind       JobKind    `json:"tipo"`
	Recurrence Recurrence `json:"recorrencia"`
	AnchorAt   time.Time  `json:"data_inicial"`
	NextRunAt  time.Time  `json:"data_agendada"`
	Priority   int        `json:"prioridade"`
	Active     bool       `json:"ativo"`
	LastRunAt  *time.Time `json:"ultima_execucao,omitempty"`
	CreatedAt  time.Time  `json:"criado_em"`
	UpdatedAt  time.Time  `json:"atualizado_em"`
}
