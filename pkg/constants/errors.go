package constants

import "errors"

var (
	ErrNoStore        = errors.New("queue store is not set")
	ErrNoSubmitter    = errors.New("submitter is not set")
	ErrNoChannelFunc  = errors.New("realtime channel constructor is not set")
	ErrGateClosed     = errors.New("realtime gate is closed: not authenticated or not hydrated")
	ErrChannelClosed  = errors.New("realtime channel closed")
	ErrAckTimeout     = errors.New("timed out waiting for subscription acknowledgment")
	ErrManagerClosed  = errors.New("manager is closed")
	ErrEmptyUserID    = errors.New("user id is empty")
	ErrInvalidPayload = errors.New("payload is not valid JSON")
)

var (
	ErrSyncInProgress = errors.New("a sync pass is already in progress")
	ErrNoCurrentUser  = errors.New("no current user is set")
	ErrOffline        = errors.New("backend is unreachable")
)
