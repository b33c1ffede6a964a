package domain

import "errors"

var (
	ErrNotFound        = errors.New("not found")
	ErrValidation      = errors.New("validation failed")
	ErrDuplicateApply  = errors.New("refund already applied")
	ErrVersionConflict = errors.New("version conflict")
	ErrAmbiguous       = errors.New("ambiguous transaction id")
)
