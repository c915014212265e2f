package coordinator

import "errors"

var (
	ErrSessionFull      = errors.New("session full")
	ErrRefused          = errors.New("join refused")
	ErrTimeout          = errors.New("timed out")
	ErrStartup          = errors.New("session startup failed")
	ErrInvalidCharacter = errors.New("invalid character")
	ErrNotActive        = errors.New("no active session")
	ErrMultiplayer      = errors.New("not available in multiplayer")
)
