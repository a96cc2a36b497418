package tuya

import (
	"errors"
	"fmt"
)

// Transport identifies which API surface produced an error.
type Transport string

// Transport constants.
const (
	TransportOpenAPI  Transport = "openapi"
	TransportLocalAPI Transport = "localapi"
)

// ErrInvalidState is returned when a client is misconfigured or used
// outside its valid lifecycle (missing credentials, not connected).
var ErrInvalidState = errors.New("tuya: invalid client state")

// APIError is a protocol-level failure: the transport worked but the API
// answered with an error or a malformed/unexpected response.
type APIError struct {
	Transport Transport
	Code      int
	Message   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("tuya: %s error %d: %s", e.Transport, e.Code, e.Message)
}

// CallError is a transport-level failure: the request never completed.
// Request and Response carry whatever context is available for
// diagnostics; either may be empty.
type CallError struct {
	Transport Transport
	Op        string
	Request   string
	Response  string
	Err       error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("tuya: %s call %s failed: %v", e.Transport, e.Op, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }
