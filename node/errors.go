package node

import "errors"

var (
	ErrNotRunning        = errors.New("node is not running")
	ErrAlreadyRunning    = errors.New("node is already running")
	ErrDispatchExhausted = errors.New("every direct and indirect dispatch attempt failed")
	ErrNoSeeds           = errors.New("no bootstrap seed responded")
	ErrAwaitTimeout      = errors.New("timed out awaiting a reply")
	ErrTopicClosed       = errors.New("topic handle has been closed")
	ErrPartialDelivery   = errors.New("broadcast reached only part of the known subscribers")
)
