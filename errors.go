package stowage

import "errors"

var (
	// Lifecycle errors.
	ErrAborted            = errors.New("stowage: aborted")
	ErrConfiguration      = errors.New("stowage: invalid configuration")
	ErrQueueUninitialized = errors.New("stowage: queue not started")
	ErrNoConnector        = errors.New("stowage: no queue connector configured")
	ErrStoreClosed        = errors.New("stowage: store closed")

	// Registry errors.
	ErrDuplicateQueue = errors.New("stowage: queue already registered")
	ErrRegistryFrozen = errors.New("stowage: registry is frozen")

	// Job errors.
	ErrJobNotFound      = errors.New("stowage: job not found")
	ErrJobAlreadyExists = errors.New("stowage: job already exists")
	ErrInvalidState     = errors.New("stowage: invalid state transition")
)
