package schema

import (
	"fmt"
	"time"
)

// Kind identifies the variant of an Action. The values double as the "type"
// field of wire requests.
type Kind string

const (
	// KindCreate inserts or replaces a whole record.
	KindCreate Kind = "add"
	// KindDelete removes a record.
	KindDelete Kind = "delete"
	// KindEdit sets a single field of an existing record.
	KindEdit Kind = "edit"
)

// String returns the wire name of the kind.
func (k Kind) String() string {
	return string(k)
}

// Meta is the header shared by every action variant.
type Meta struct {
	// Key is the lookup key of the targeted record.
	Key string

	// ClientID identifies the issuing client.
	ClientID string

	// RequestVersion is the data version the client was looking at when the
	// request was formed. Higher versions win create races and field merges.
	RequestVersion int64

	// IssuedAt is the client-supplied timestamp. It only breaks ties between
	// creates with equal RequestVersion.
	IssuedAt time.Time
}

// Info returns the header. It is promoted to every variant.
func (m Meta) Info() Meta {
	return m
}

// Action is one requested mutation. The set of implementations is closed:
// Create, Delete and Edit.
type Action interface {
	Info() Meta
	Kind() Kind
	sealed()
}

// Create inserts the payload at Key, replacing any record already there.
type Create struct {
	Meta
	Payload Payload
}

// Delete removes the record at Key.
type Delete struct {
	Meta
}

// Edit sets Field to Value on the record at Key.
type Edit struct {
	Meta
	Field string
	Value any
}

// Kind implements Action.
func (Create) Kind() Kind { return KindCreate }

// Kind implements Action.
func (Delete) Kind() Kind { return KindDelete }

// Kind implements Action.
func (Edit) Kind() Kind { return KindEdit }

func (Create) sealed() {}
func (Delete) sealed() {}
func (Edit) sealed()   {}

func (c Create) String() string {
	return fmt.Sprintf("Create(key=%q, client=%s, v=%d, fields=%d)", c.Key, c.ClientID, c.RequestVersion, len(c.Payload))
}

func (d Delete) String() string {
	return fmt.Sprintf("Delete(key=%q, client=%s, v=%d)", d.Key, d.ClientID, d.RequestVersion)
}

func (e Edit) String() string {
	return fmt.Sprintf("Edit(key=%q, field=%q, value=%v, client=%s, v=%d)", e.Key, e.Field, e.Value, e.ClientID, e.RequestVersion)
}
