package mining

import (
	"errors"

	"github.com/gezibash/creditmine/internal/engine"
)

var (
	// ErrAdmissionOverload indicates the probe pool is full. The request is
	// retried after the admission backoff.
	ErrAdmissionOverload = errors.New("admission overload")

	// ErrProbeTimeout indicates a probe ran past its maximum duration.
	ErrProbeTimeout = errors.New("admission probe timed out")

	// ErrProbeCanceled is delivered by a probe that was canceled.
	ErrProbeCanceled = errors.New("admission probe canceled")

	// ErrProbeInFlight indicates a probe for the infohash is already outstanding.
	ErrProbeInFlight = errors.New("admission probe already in flight")

	// ErrAlreadyActive indicates the candidate has a transfer or a transition
	// in progress.
	ErrAlreadyActive = errors.New("candidate already active")

	// ErrNotAdmitted indicates the candidate has neither resume state nor a
	// completed probe.
	ErrNotAdmitted = errors.New("candidate not admitted")

	// ErrUnknownInfohash indicates no candidate is registered for the infohash.
	ErrUnknownInfohash = errors.New("unknown infohash")

	// ErrDuplicateKey indicates a live candidate already holds the infohash.
	ErrDuplicateKey = errors.New("infohash already registered")

	// ErrDuplicate indicates the candidate is flagged as a duplicate.
	ErrDuplicate = errors.New("candidate is a duplicate")

	// ErrPersistence indicates resume state could not be written.
	ErrPersistence = errors.New("resume state persistence failed")

	// ErrUnknownSource indicates the source is not registered.
	ErrUnknownSource = errors.New("unknown source")

	// ErrClosed indicates the manager has been shut down.
	ErrClosed = errors.New("manager closed")

	// ErrEngineHandleInvalid aliases the engine error for stale handles.
	ErrEngineHandleInvalid = engine.ErrHandleInvalid
)

// Stop reasons recorded in logs and metrics.
const (
	ReasonPolicy         = "by policy"
	ReasonDuplicate      = "duplicate"
	ReasonArchive        = "archive mode"
	ReasonSourceDisabled = "disabling source"
	ReasonSourceRemoved  = "removing source"
	ReasonRemoved        = "removed"
	ReasonShutdown       = "shutdown"
	ReasonOperator       = "operator"
)

func resolved(err error) <-chan error {
	ch := make(chan error, 1)
	ch <- err
	close(ch)
	return ch
}
