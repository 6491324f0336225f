package message

// Stream is a closed set of message kinds a dispatcher will accept,
// SPEC_FULL.md §4.4's {aggregateRootId type, messages map} triple. The
// optional aggregate-root class of the source is out of scope here (the
// aggregate/event-sourcing layer is a Non-goal); Stream only gates which
// message types may flow through a given outbox/dispatcher pairing.
type Stream struct {
	Name  string
	types map[string]struct{}
}

// NewStream declares a stream accepting exactly the given message types.
func NewStream(name string, messageTypes ...string) *Stream {
	s := &Stream{Name: name, types: make(map[string]struct{}, len(messageTypes))}
	for _, t := range messageTypes {
		s.types[t] = struct{}{}
	}
	return s
}

// Accepts reports whether m's type is in this stream's closed set.
func (s *Stream) Accepts(m Message) bool {
	_, ok := s.types[m.Type]
	return ok
}

// Types returns the stream's message kinds in no particular order.
func (s *Stream) Types() []string {
	out := make([]string, 0, len(s.types))
	for t := range s.types {
		out = append(out, t)
	}
	return out
}
