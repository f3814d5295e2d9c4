package query

// ---------- Tipos de paginación / ordenamiento ----------

// OffsetPagination para paginación clásica
type OffsetPagination struct {
	Limit  int
	Offset int
}

// Normalize aplica límites razonables a valores que vienen de la petición.
func (p OffsetPagination) Normalize(defaultLimit, maxLimit int) OffsetPagination {
	if p.Limit <= 0 {
		p.Limit = defaultLimit
	}
	if p.Limit > maxLimit {
		p.Limit = maxLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// Sort indica campo y dirección.
type Sort struct {
	Field string // ej. "created_at", "retry_count"
	Desc  bool
}

// SafeField devuelve el campo si está en la lista permitida, o fallback en otro caso.
// Evita interpolar en el SQL nombres de columna que vengan del exterior.
func (s Sort) SafeField(allowed map[string]bool, fallback string) string {
	if allowed[s.Field] {
		return s.Field
	}
	return fallback
}
