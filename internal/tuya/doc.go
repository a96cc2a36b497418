// Package tuya implements the device transports: the cloud OpenAPI client
// with HMAC-SHA256 request signing, the local TCP client speaking the 3.3
// framing, the OpenPulsar websocket push listener, and the discovery
// scanner that turns cloud listings into pipeline messages.
//
// Failures surface through a small taxonomy: ErrInvalidState for
// misconfiguration, APIError for protocol-level rejections, and CallError
// for transport failures carrying request/response context.
package tuya
