// Package schema defines the values exchanged between clients and the
// reconciliation engine.
//
// # Actions
//
// An Action is one requested mutation of the shared record collection. It is
// a closed sum of three variants, each carrying the common Meta header:
//
//	Create{Meta, Payload}      // insert or replace the record at Meta.Key
//	Delete{Meta}               // remove the record at Meta.Key
//	Edit{Meta, Field, Value}   // set one field of the record at Meta.Key
//
// Consumers match variants with a type switch:
//
//	switch a := action.(type) {
//	case schema.Create:
//	    ...
//	case schema.Delete:
//	    ...
//	case schema.Edit:
//	    ...
//	}
//
// # Wire requests
//
// Clients send JSON requests such as:
//
//	{"type": "edit", "key": "Alice", "field": "age", "value": 31, "time": 1718000000000}
//
// ParseRequest validates a request and converts it into an Action stamped with
// the issuing client and the data version the server held when the request
// arrived. Malformed requests produce a *ValidationError.
//
// # Payloads
//
// A Payload is the field map stored for a record. Payloads are copied with
// Clone before being stored or broadcast, and patched with ApplyPatch, which
// either sets every field of the patch or returns an error and changes nothing.
//
// # Seed files
//
// ReadSeedFile loads the initial record set from JSON, JSONL or YAML:
//
//	- key: Alice
//	  payload: {name: Alice, age: 22, email: alice@example.com}
package schema
