package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidState is the kind shared by every precondition failure.
	// Use errors.Is(err, ErrInvalidState) to detect misuse of a handle.
	ErrInvalidState = errors.New("connbridge: invalid state")

	// ErrAlreadyStarted is returned when Start is called twice on a handle.
	ErrAlreadyStarted = fmt.Errorf("%w: already started", ErrInvalidState)

	// ErrNotStarted is returned when a handle is used before Start.
	ErrNotStarted = fmt.Errorf("%w: not started", ErrInvalidState)

	// ErrInputClosed is returned when writing after end of input was signalled.
	ErrInputClosed = fmt.Errorf("%w: input already closed", ErrInvalidState)

	// ErrStillRunning is returned when an exit value is requested before the process exited.
	ErrStillRunning = fmt.Errorf("%w: process still running", ErrInvalidState)

	// ErrInvalidConfig is returned when configuration validation fails.
	ErrInvalidConfig = errors.New("connbridge: invalid configuration")

	// ErrAlreadyRunning is returned when a worker is run twice.
	ErrAlreadyRunning = errors.New("connbridge: already running")

	// ErrNotRunning is returned when stopping an idle worker.
	ErrNotRunning = errors.New("connbridge: not running")
)
