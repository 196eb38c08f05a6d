// Package classify decides whether a discovery observation belongs to a
// tracked peer and resolves the peer's identity.
package classify

import "strings"

// DefaultPrefix marks peers that advertise their identity in their name.
const DefaultPrefix = "SBT_"

// Reason explains a classification outcome.
type Reason string

const (
	ReasonPrefix    Reason = "prefix"
	ReasonAllowList Reason = "allowlist"
	ReasonSelf      Reason = "self"
	ReasonUnknown   Reason = "unknown"
)

// Result is the outcome of classifying one observation.
type Result struct {
	PeerID string
	Reason Reason
}

// Tracked reports whether the observation resolved to a peer other than self.
func (r Result) Tracked() bool {
	return r.Reason == ReasonPrefix || r.Reason == ReasonAllowList
}

// Classifier resolves peer identities. It is immutable after construction.
type Classifier struct {
	selfID    string
	prefix    string
	allowList map[string]string
}

// New creates a classifier. Allow-list keys are matched case-insensitively.
func New(selfID, prefix string, allowList map[string]string) *Classifier {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	normalized := make(map[string]string, len(allowList))
	for addr, id := range allowList {
		normalized[strings.ToLower(addr)] = id
	}
	return &Classifier{
		selfID:    selfID,
		prefix:    prefix,
		allowList: normalized,
	}
}

// Classify applies the name-prefix rule, then the allow-list, then rejects.
// A peer resolving to this node's own identity is rejected.
func (c *Classifier) Classify(name, address string) Result {
	var res Result

	switch {
	case strings.HasPrefix(name, c.prefix) && len(name) > len(c.prefix):
		res = Result{PeerID: strings.TrimPrefix(name, c.prefix), Reason: ReasonPrefix}
	case address != "":
		id, ok := c.allowList[strings.ToLower(address)]
		if !ok || id == "" {
			return Result{Reason: ReasonUnknown}
		}
		res = Result{PeerID: id, Reason: ReasonAllowList}
	default:
		return Result{Reason: ReasonUnknown}
	}

	if res.PeerID == c.selfID {
		return Result{PeerID: res.PeerID, Reason: ReasonSelf}
	}
	return res
}

// SelfID returns the identity this classifier rejects.
func (c *Classifier) SelfID() string {
	return c.selfID
}
