package client

import (
	"errors"
	"fmt"
)

// TransientDispatchError is a send failure worth retrying: timeouts,
// throttling, or the remote side being temporarily unavailable.
type TransientDispatchError struct {
	Err error
}

func (e *TransientDispatchError) Error() string {
	return fmt.Sprintf("transient dispatch error: %v", e.Err)
}

func (e *TransientDispatchError) Unwrap() error { return e.Err }

// PermanentDispatchError means the recipient can never be reached, for
// example an unknown chat or a user who blocked the bot.
type PermanentDispatchError struct {
	Err error
}

func (e *PermanentDispatchError) Error() string {
	return fmt.Sprintf("permanent dispatch error: %v", e.Err)
}

func (e *PermanentDispatchError) Unwrap() error { return e.Err }

func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientDispatchError{Err: err}
}

func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentDispatchError{Err: err}
}

func IsPermanent(err error) bool {
	var p *PermanentDispatchError
	return errors.As(err, &p)
}

// IsTransient reports whether err should be retried. Unclassified errors
// count as transient; only an explicit PermanentDispatchError stops retries.
func IsTransient(err error) bool {
	return err != nil && !IsPermanent(err)
}
