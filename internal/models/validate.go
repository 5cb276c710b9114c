package models

import (
	"encoding/json"

	"github.com/go-playground/validator/v10"
)

// NewValidator returns a validator that also understands the
// "interaction_kind" and "json_body" tags.
func NewValidator() *validator.Validate {
	v := validator.New()
	v.RegisterValidation("interaction_kind", func(fl validator.FieldLevel) bool {
		return InteractionKind(fl.Field().String()).Valid()
	})
	v.RegisterValidation("json_body", func(fl validator.FieldLevel) bool {
		raw, ok := fl.Field().Interface().(json.RawMessage)
		if !ok {
			return json.Valid([]byte(fl.Field().String()))
		}
		return len(raw) > 0 && json.Valid(raw)
	})
	return v
}
