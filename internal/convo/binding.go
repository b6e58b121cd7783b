package convo

import "strings"

// Match is the predicate half of a binding. Empty fields match anything;
// non-empty fields support glob matching with a single leading or trailing
// "*" (prefix, suffix, catch-all, or exact).
type Match struct {
	Channel   string `json:"channel,omitempty" mapstructure:"channel"`
	AccountID string `json:"accountId,omitempty" mapstructure:"accountId"`
	PeerID    string `json:"peerId,omitempty" mapstructure:"peerId"`
}

// Binding routes inbound messages matching a predicate to an agent.
// Bindings are evaluated in declared order; the first match wins. A binding
// with an empty match set is a catch-all.
type Binding struct {
	AgentID string `json:"agentId" mapstructure:"agentId"`
	Match   Match  `json:"match" mapstructure:"match"`
}

// Matches reports whether the given routing fields satisfy the predicate.
func (m Match) Matches(channel, accountID, peerID string) bool {
	return globMatch(m.Channel, channel) &&
		globMatch(m.AccountID, accountID) &&
		globMatch(m.PeerID, peerID)
}

// ResolveAgent evaluates the bindings in order against the routing fields
// and returns the first matching agent ID.
func ResolveAgent(bindings []Binding, channel, accountID, peerID string) (string, bool) {
	for _, b := range bindings {
		if b.Match.Matches(channel, accountID, peerID) {
			return b.AgentID, true
		}
	}
	return "", false
}

// globMatch supports "", "*" (any), "foo*" (prefix), "*foo" (suffix), and
// exact matches. A lone "*" in the middle of a pattern is not interpreted.
func globMatch(pattern, s string) bool {
	switch {
	case pattern == "" || pattern == "*":
		return true
	case strings.HasPrefix(pattern, "*"):
		return strings.HasSuffix(s, pattern[1:])
	case strings.HasSuffix(pattern, "*"):
		return strings.HasPrefix(s, pattern[:len(pattern)-1])
	default:
		return pattern == s
	}
}
