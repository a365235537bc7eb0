package domain

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrRateLimited       = errors.New("rate limited")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrNotSupported      = errors.New("not supported by venue")
	ErrInvalidOrder      = errors.New("invalid order parameters")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrPaused            = errors.New("trading paused")
	ErrCircuitOpen       = errors.New("circuit breaker open")
	ErrApprovalRequired  = errors.New("manual approval required")
	ErrCooldownActive    = errors.New("cooldown active")
	ErrMissingMasterKey  = errors.New("master key not configured")
	ErrLockHeld          = errors.New("lock already held")
	ErrWSDisconnect      = errors.New("websocket disconnected")
	ErrContextDone       = errors.New("context cancelled")
)
