package types

import "errors"

// Error taxonomy shared by every layer. Callers match with errors.Is; the
// wrapping site adds the artifact name and the underlying cause.
var (
	// ErrDiscovery is an I/O failure listing or reading a watched directory
	ErrDiscovery = errors.New("discovery failed")

	// ErrBuild is a failure constructing the artifact's execution context
	ErrBuild = errors.New("build failed")

	// ErrStart is a failure starting a constructed artifact
	ErrStart = errors.New("start failed")

	// ErrStop is a failure stopping an artifact; teardown continues
	ErrStop = errors.New("stop failed")

	// ErrDispose is a failure disposing an artifact; teardown continues
	ErrDispose = errors.New("dispose failed")

	// ErrInvalidArgument is a programmer error at an API boundary
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotFound indicates the named artifact is not deployed
	ErrNotFound = errors.New("artifact not found")

	// ErrDomainUnavailable indicates an application's domain is not deployed
	ErrDomainUnavailable = errors.New("domain not deployed")

	// ErrCorruptArchive indicates an archive could not be extracted
	ErrCorruptArchive = errors.New("corrupt archive")

	// ErrInvalidDescriptor indicates a missing or unparsable descriptor
	ErrInvalidDescriptor = errors.New("invalid descriptor")

	// ErrAlreadyRunning indicates the orchestrator was started twice
	ErrAlreadyRunning = errors.New("orchestrator is already running")

	// ErrNotRunning indicates the orchestrator is not running
	ErrNotRunning = errors.New("orchestrator is not running")
)
