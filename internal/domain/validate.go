package domain

import (
	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Validate checks an exam definition loaded from an external source.
func (e ExamDefinition) Validate() error {
	if err := validate.Struct(e); err != nil {
		return InvalidInput("exam %s: %v", e.ID, err)
	}
	if e.StartDate != nil && e.EndDate != nil && e.EndDate.Before(*e.StartDate) {
		return InvalidInput("exam %s: end_date before start_date", e.ID)
	}
	seen := make(map[int]struct{}, len(e.Questions))
	for _, q := range e.Questions {
		if _, dup := seen[q.Position]; dup {
			return InvalidInput("exam %s: duplicate position %d", e.ID, q.Position)
		}
		seen[q.Position] = struct{}{}
	}
	return nil
}

// ValidateStruct runs tag validation on request payloads.
func ValidateStruct(v any) error {
	if err := validate.Struct(v); err != nil {
		return InvalidInput("%v", err)
	}
	return nil
}
