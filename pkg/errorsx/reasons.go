package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonAgentNotFound      ReasonCode = "agent_not_found"
	ReasonAgentNotConfigured ReasonCode = "agent_not_configured"
	ReasonCredentialMissing  ReasonCode = "credential_missing"

	ReasonUpstreamUnavailable ReasonCode = "upstream_unavailable"
	ReasonUpstreamConnect     ReasonCode = "upstream_connect"
	ReasonUpstreamTimeout     ReasonCode = "upstream_timeout"
	ReasonUpstreamClosed      ReasonCode = "upstream_closed"

	ReasonDownstreamClosed ReasonCode = "downstream_closed"
	ReasonMalformedFrame   ReasonCode = "malformed_frame"

	ReasonTransportInvalidSignature ReasonCode = "webhook_invalid_signature"
	ReasonTransportSend             ReasonCode = "transport_send"

	ReasonStoreWrite     ReasonCode = "store_write"
	ReasonWebhookDeliver ReasonCode = "webhook_deliver"
)

// IsConfigReason reports whether the reason is a pre-session configuration
// failure: the call is rejected with a spoken announcement instead of
// opening a silent stream, and is never retried.
func IsConfigReason(r ReasonCode) bool {
	switch r {
	case ReasonAgentNotFound, ReasonAgentNotConfigured, ReasonCredentialMissing:
		return true
	}
	return false
}
