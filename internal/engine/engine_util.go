package engine

import "github.com/DoyleJ11/kart-lobby/internal/protocol"

// ContainsEvent reports whether out carries an event of type t.
func ContainsEvent(out []Outgoing, t protocol.Type) bool {
	_, ok := FindEvent(out, t)
	return ok
}

// FindEvent returns the first outgoing event of type t.
func FindEvent(out []Outgoing, t protocol.Type) (Outgoing, bool) {
	for _, o := range out {
		if o.Msg != nil && o.Msg.Type() == t {
			return o, true
		}
	}
	return Outgoing{}, false
}
