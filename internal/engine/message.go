package engine

import "github.com/steveyegge/rowsync/internal/schema"

// MessageType names a notification kind.
type MessageType string

const (
	MessageAdd      MessageType = "add"
	MessageDelete   MessageType = "delete"
	MessageEdit     MessageType = "edit"
	MessageConflict MessageType = "conflict"
)

// Message is one notification delivered to a client. Payload maps are shared
// between the copies delivered to different clients and must be treated as
// read-only.
type Message struct {
	Type       MessageType    `json:"type"`
	Key        string         `json:"key,omitempty"`
	Version    int64          `json:"version"`
	Data       schema.Payload `json:"data,omitempty"`
	RowChanges map[string]any `json:"row_changes,omitempty"`
	Text       string         `json:"message,omitempty"`
}

// router collects the messages of one pass. The live client set is fixed when
// the router is created.
type router struct {
	clients  []string
	live     map[string]bool
	messages map[string][]Message
	changes  []Message
}

func newRouter(live []string) *router {
	clients := uniqueClients(live)
	r := &router{
		clients:  clients,
		live:     make(map[string]bool, len(clients)),
		messages: make(map[string][]Message, len(clients)),
	}
	for _, c := range clients {
		r.live[c] = true
		r.messages[c] = []Message{}
	}
	return r
}

// broadcast queues m for every live client and records it as a change.
func (r *router) broadcast(m Message) {
	r.changes = append(r.changes, m)
	for _, c := range r.clients {
		r.messages[c] = append(r.messages[c], m)
	}
}

// direct queues m for a single client. Clients outside the live set are
// skipped and direct reports false.
func (r *router) direct(client string, m Message) bool {
	if !r.live[client] {
		return false
	}
	r.messages[client] = append(r.messages[client], m)
	return true
}

// finish stamps every queued message with version.
func (r *router) finish(version int64) (map[string][]Message, []Message) {
	for _, msgs := range r.messages {
		for i := range msgs {
			msgs[i].Version = version
		}
	}
	for i := range r.changes {
		r.changes[i].Version = version
	}
	return r.messages, r.changes
}

func uniqueClients(live []string) []string {
	seen := make(map[string]bool, len(live))
	out := make([]string, 0, len(live))
	for _, c := range live {
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}

func emptyMessages(live []string) map[string][]Message {
	out := make(map[string][]Message, len(live))
	for _, c := range uniqueClients(live) {
		out[c] = []Message{}
	}
	return out
}
