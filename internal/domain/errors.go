package domain

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrInvalidOrder  = errors.New("invalid order parameters")
	ErrSigningFailed = errors.New("signing failed")
	ErrWSDisconnect  = errors.New("websocket disconnected")
	ErrLockHeld      = errors.New("lock already held")
	ErrNotModified   = errors.New("stop-loss not modified")
	ErrNoPosition    = errors.New("no open position")
	ErrUnknownSymbol = errors.New("unknown symbol")
	ErrInjectedFault = errors.New("injected fault")
	ErrLedgerCorrupt = errors.New("ledger document corrupt")
)
