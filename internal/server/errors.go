package server

import (
	"errors"
	"fmt"
)

// ErrShutdownTimeout reports that in-flight connections outlived the
// grace period and were closed forcibly.
var ErrShutdownTimeout = errors.New("shutdown grace period expired")

// BindError reports that the listening socket could not be created,
// typically because the port is taken or privileges are missing. It is
// fatal: the process exits without retrying.
type BindError struct {
	Address string
	Err     error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("binding %s: %v", e.Address, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }
