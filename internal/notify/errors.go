package notify

import "errors"

var (
	ErrUnknownTrigger   = errors.New("unknown trigger")
	ErrInvalidRecipient = errors.New("invalid recipient")
	ErrAlreadyRunning   = errors.New("execution already running")
	ErrNotFound         = errors.New("not found")
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrFinished         = errors.New("execution finished")
	ErrInvalidSchedule  = errors.New("invalid schedule")
	ErrInvalidState     = errors.New("invalid state")
	ErrNotDue           = errors.New("schedule not due")
)
