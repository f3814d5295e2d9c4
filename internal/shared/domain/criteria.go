package domain

import (
	"time"

	"github.com/google/uuid"
)

// ---------------- Operadores ----------------

type Operator string

const (
	OpEq  Operator = "="
	OpGt  Operator = ">"
	OpGte Operator = ">="
	OpLt  Operator = "<"
	OpLte Operator = "<="
)

// ---------------- Criterion ----------------

// Criterion describe una condición neutral de filtrado
type Criterion struct {
	Field string
	Op    Operator
	Value interface{}
}

// Criteria permite transformar filtros a condiciones neutrales
type Criteria interface {
	ToConditions() []Criterion
}

// CompositeCriteria combina criterios con AND.
type CompositeCriteria struct {
	Criterias []Criteria
}

func (c CompositeCriteria) ToConditions() []Criterion {
	var all []Criterion
	for _, crit := range c.Criterias {
		if crit == nil {
			continue
		}
		all = append(all, crit.ToConditions()...)
	}
	return all
}

// And crea un CompositeCriteria
func And(criterias ...Criteria) CompositeCriteria {
	return CompositeCriteria{Criterias: criterias}
}

// --- Criterios específicos del outbox ---

// OutboxStatusCriteria busca eventos por estado (PENDING, FAILED...).
type OutboxStatusCriteria struct {
	Status OutboxStatus
}

func (c OutboxStatusCriteria) ToConditions() []Criterion {
	return []Criterion{{Field: "status", Op: OpEq, Value: string(c.Status)}}
}

// TenantCriteria limita la búsqueda a un tenant.
type TenantCriteria struct {
	TenantID string
}

func (c TenantCriteria) ToConditions() []Criterion {
	return []Criterion{{Field: "tenant_id", Op: OpEq, Value: c.TenantID}}
}

// AggregateCriteria filtra por tipo y, opcionalmente, por id del agregado.
type AggregateCriteria struct {
	Type string
	ID   string
}

func (c AggregateCriteria) ToConditions() []Criterion {
	var conds []Criterion
	if c.Type != "" {
		conds = append(conds, Criterion{Field: "aggregate_type", Op: OpEq, Value: c.Type})
	}
	if c.ID != "" {
		conds = append(conds, Criterion{Field: "aggregate_id", Op: OpEq, Value: c.ID})
	}
	return conds
}

// EventIDCriteria busca un evento concreto.
type EventIDCriteria struct {
	ID uuid.UUID
}

func (c EventIDCriteria) ToConditions() []Criterion {
	return []Criterion{{Field: "id", Op: OpEq, Value: c.ID.String()}}
}

// CreatedAtRangeCriteria busca eventos creados en un rango de fechas.
// Usamos punteros para que los filtros de inicio y fin sean opcionales.
type CreatedAtRangeCriteria struct {
	Start *time.Time
	End   *time.Time
}

func (c CreatedAtRangeCriteria) ToConditions() []Criterion {
	var conds []Criterion
	if c.Start != nil {
		conds = append(conds, Criterion{Field: "created_at", Op: OpGte, Value: *c.Start})
	}
	if c.End != nil {
		conds = append(conds, Criterion{Field: "created_at", Op: OpLte, Value: *c.End})
	}
	return conds
}
