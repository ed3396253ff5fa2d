package handlers

import (
	"github.com/go-playground/validator/v10"

	"github.com/nfrund/listsync/internal/snapshot"
)

// CustomValidator wraps the go-playground/validator library to implement Echo's Validator interface.
type CustomValidator struct {
	validator *validator.Validate
}

// NewValidator creates a new CustomValidator.
func NewValidator() *CustomValidator {
	return &CustomValidator{validator: validator.New()}
}

// Validate implements the echo.Validator interface.
func (cv *CustomValidator) Validate(i interface{}) error {
	return cv.validator.Struct(i)
}

// PushRequest is the body of PUT /api/lists/:key.
type PushRequest struct {
	Key   string          `param:"key" json:"-" validate:"required,max=512"`
	Items []snapshot.Item `json:"items" validate:"required"`
}
