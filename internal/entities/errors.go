package entities

import "errors"

var (
	ErrEntityNotFound    = errors.New("entity not found")
	ErrMissingExternalID = errors.New("observed entity carries no external id")
)
