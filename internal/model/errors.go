package model

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound               = errors.New("not found")
	ErrRouterUnavailable      = errors.New("router unavailable")
	ErrRouterRejected         = errors.New("router rejected request")
	ErrRouterInUse            = errors.New("router has active sessions")
	ErrAlreadyActive          = errors.New("key already has an active session")
	ErrVoucherNotFound        = errors.New("voucher not found")
	ErrVoucherAlreadyConsumed = errors.New("voucher already consumed")
	ErrVoucherRouterMismatch  = errors.New("voucher belongs to another router")
	ErrGatewayRejected        = errors.New("payment gateway rejected charge")
	ErrInvalidPlan            = errors.New("invalid plan")
	ErrInvalidPhone           = errors.New("invalid phone number")
	ErrProvisioningDelayed    = errors.New("provisioning delayed")
	ErrCredentialsNotFound    = errors.New("gateway credentials not found")
)

// ValidationError reports bad input shape. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
