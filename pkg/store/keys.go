package store

import "strings"

// Keys builds ledger keys under a namespace. The zero value uses no prefix.
type Keys struct {
	prefix string
}

// NewKeys returns a key builder for namespace. An empty namespace yields
// unprefixed keys.
func NewKeys(namespace string) Keys {
	namespace = strings.TrimSuffix(namespace, ":")
	if namespace == "" {
		return Keys{}
	}
	return Keys{prefix: namespace + ":"}
}

// Prefix returns the namespace prefix including the trailing colon.
func (k Keys) Prefix() string { return k.prefix }

// Conversation is the hash holding conversation fields.
func (k Keys) Conversation(id string) string { return k.prefix + "conv:" + id }

// Messages is the append-only list of JSON message records.
func (k Keys) Messages(id string) string { return k.prefix + "conv:" + id + ":msgs" }

// Requests is the sorted set of request ids scored by creation time.
func (k Keys) Requests(id string) string { return k.prefix + "conv:" + id + ":requests" }

// Turns is the sorted set of turn ids scored by creation time.
func (k Keys) Turns(id string) string { return k.prefix + "conv:" + id + ":turns" }

// Chunks is the set of vector index chunk ids last written for a conversation.
func (k Keys) Chunks(id string) string { return k.prefix + "conv:" + id + ":chunks" }

// Models is the set of models used in a conversation.
func (k Keys) Models(id string) string { return k.prefix + "conv:" + id + ":models" }

// Tokens is the set of tokens that touched a conversation.
func (k Keys) Tokens(id string) string { return k.prefix + "conv:" + id + ":tokens" }

// Request is the hash holding request fields.
func (k Keys) Request(id string) string { return k.prefix + "req:" + id }

// Turn is the hash holding turn fields.
func (k Keys) Turn(id string) string { return k.prefix + "turn:" + id }

// Active is the sorted set of open conversations scored by last touch.
func (k Keys) Active() string { return k.prefix + "convs:active" }

// Closed is the sorted set of closed conversations scored by close time.
func (k Keys) Closed() string { return k.prefix + "convs:closed" }

// TokenConversations is the per-token conversation history scored by last touch.
func (k Keys) TokenConversations(token string) string {
	return k.prefix + "token:" + token + ":convs"
}

// Counters is the hash of aggregate request, turn and error counters.
func (k Keys) Counters() string { return k.prefix + "metrics:counters" }

// ModelMetrics is the per-model metrics hash.
func (k Keys) ModelMetrics(model string) string { return k.prefix + "metrics:model:" + model }

// ToolMetrics is the per-tool metrics hash.
func (k Keys) ToolMetrics(tool string) string { return k.prefix + "metrics:tool:" + tool }

// SweepLock is the distributed lock name guarding the idle sweep.
func (k Keys) SweepLock() string { return k.prefix + "lock:sweep" }
