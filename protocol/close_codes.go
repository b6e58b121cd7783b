package protocol

// WebSocket close codes surfaced by the control plane. Standard codes
// (1000-1008) are defined by RFC 6455; the 4000 range is reserved for
// application use.
const (
	CloseNormal          = 1000
	CloseGoingAway       = 1001
	CloseAbnormal        = 1006
	ClosePolicyViolation = 1008

	CloseRegistrationFailed = 4401
	CloseSuperseded         = 4405
	CloseHeartbeatMissed    = 4408
	CloseRateLimited        = 4429
	CloseInternalError      = 4500
)

// TerminalClose reports whether a close code is in the policy class and must
// not be retried by a reconnecting node. 1008 and the application 4xxx range
// are terminal; everything else (including 1006 abnormal closure) is
// retryable.
func TerminalClose(code int) bool {
	if code == ClosePolicyViolation {
		return true
	}
	return code >= 4000 && code < 5000
}
