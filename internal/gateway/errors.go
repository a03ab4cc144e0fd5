package gateway

import "errors"

// Gateway lifecycle errors.
var (
	ErrGatewayAlreadyRunning = errors.New("gateway is already running")
	ErrGatewayNotRunning     = errors.New("gateway is not running")
	ErrNilConnection         = errors.New("connection cannot be nil")
)
