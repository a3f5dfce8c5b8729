package domain

import "errors"

var (
	ErrOrderNotFound       = errors.New("order not found")
	ErrFailedOrderNotFound = errors.New("failed order not found")
	ErrFieldNotAllowed     = errors.New("field not allowed")
	ErrInvalidField        = errors.New("invalid field value")
	ErrInvalidStatus       = errors.New("invalid status")
	ErrInvalidTransition   = errors.New("invalid state transition")
	ErrRetryInProgress     = errors.New("retry already in progress")
	ErrUnsupportedWebsite  = errors.New("unsupported website")
	ErrInvalidOrder        = errors.New("order id and website name are required")
)
