package protocol

// Message type constants for feed envelopes.
const (
	TypeHello     = "hello"
	TypeError     = "error"
	TypeSubscribe = "subscribe"
	TypeStats     = "stats"
	TypeItems     = "items"
	TypeSources   = "sources"
)

// Topics a feed client can subscribe to.
const (
	TopicStats   = "stats"
	TopicItems   = "items"
	TopicSources = "sources"
)

// DefaultTopics is what a client receives before it subscribes.
var DefaultTopics = []string{TopicStats, TopicItems}

// ValidTopic reports whether t names a feed topic.
func ValidTopic(t string) bool {
	switch t {
	case TopicStats, TopicItems, TopicSources:
		return true
	}
	return false
}
