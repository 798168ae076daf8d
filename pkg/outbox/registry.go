package outbox

import (
	"fmt"
	"sort"
	"strings"
)

// Router resolves the broker topic for an event type. Event types without an
// explicit route publish to a topic named after the event type.
type Router struct {
	routes map[string]string
}

func NewRouter(routes map[string]string) *Router {
	copied := make(map[string]string, len(routes))
	for eventType, topic := range routes {
		eventType = strings.TrimSpace(eventType)
		topic = strings.TrimSpace(topic)
		if eventType == "" || topic == "" {
			continue
		}
		copied[eventType] = topic
	}
	return &Router{routes: copied}
}

func (r *Router) Topic(eventType string) (string, error) {
	if strings.TrimSpace(eventType) == "" {
		return "", fmt.Errorf("event type is required to resolve a topic")
	}
	if r != nil {
		if topic, ok := r.routes[eventType]; ok {
			return topic, nil
		}
	}
	return eventType, nil
}

// Topics lists every explicitly routed topic, sorted.
func (r *Router) Topics() []string {
	if r == nil {
		return nil
	}
	seen := make(map[string]struct{}, len(r.routes))
	topics := make([]string, 0, len(r.routes))
	for _, topic := range r.routes {
		if _, ok := seen[topic]; ok {
			continue
		}
		seen[topic] = struct{}{}
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	return topics
}
