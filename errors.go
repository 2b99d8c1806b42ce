package p2p

import "errors"

// Sentinel errors returned by the control surface. Call sites wrap these with
// fmt.Errorf("...: %w", err) so callers can match with errors.Is.
var (
	// ErrInvalidConfig indicates a construction-time configuration value is
	// unrecognized or out of range. Not recoverable without a new config.
	ErrInvalidConfig = errors.New("invalid config")

	// ErrInvalidAddress indicates a multiaddr could not be parsed, or is
	// missing a component the operation requires.
	ErrInvalidAddress = errors.New("invalid address")

	// ErrInvalidPeerID indicates a peer identifier could not be decoded.
	ErrInvalidPeerID = errors.New("invalid peer id")

	// ErrAlreadyRunning is returned by Start while a scheduler is active.
	ErrAlreadyRunning = errors.New("node already running")

	// ErrEngineBusy is returned when the engine is owned by the scheduler and
	// the operation could not be handed to it.
	ErrEngineBusy = errors.New("engine busy")

	// ErrEngineUnavailable indicates the engine slot was empty when it should
	// not have been, or the node has been closed.
	ErrEngineUnavailable = errors.New("engine unavailable")

	// ErrBindFailure indicates the transport rejected a listen address.
	ErrBindFailure = errors.New("bind failure")

	// ErrDialFailure indicates an outbound attempt could not be enqueued.
	ErrDialFailure = errors.New("dial failure")

	// ErrPublishFailure indicates a publish was rejected before transmission,
	// e.g. unknown topic or oversized payload.
	ErrPublishFailure = errors.New("publish failure")

	// ErrRequestFailed indicates a request/response exchange did not complete.
	ErrRequestFailed = errors.New("request failed")

	// ErrRecordNotFound indicates a record is absent from both the DHT and the
	// local record store.
	ErrRecordNotFound = errors.New("record not found")
)
