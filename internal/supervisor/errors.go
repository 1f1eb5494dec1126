package supervisor

import "errors"

var (
	// ErrResourceExhausted is returned when the concurrency cap is reached or a
	// child was killed for exceeding its memory limit. Callers may retry later;
	// the supervisor never queues or retries on its own.
	ErrResourceExhausted = errors.New("supervisor: resource exhausted")
	// ErrProcessTimeout is returned when a child exceeded its timeout and was
	// terminated.
	ErrProcessTimeout = errors.New("supervisor: process timeout")
	// ErrProcessKilled is returned when a child was explicitly killed.
	ErrProcessKilled = errors.New("supervisor: process killed")
	// ErrSpawnFailed is returned when the OS cannot create the child.
	ErrSpawnFailed = errors.New("supervisor: spawn failed")
	// ErrShutdown is returned for spawns attempted after Shutdown.
	ErrShutdown = errors.New("supervisor: shut down")
)
