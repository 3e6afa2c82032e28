package types

// Delivery state transition rules.
//
//	SENT ──► DELIVERED ──► SEEN
//	  │                     ▲
//	  └─────────────────────┘  (conversation opened before delivery)
//
// Transitions never move backwards. Asking for a state the message has
// already reached (or passed) is a no-op, not an error.

// ValidTransition reports whether from → to moves a message forward.
func ValidTransition(from, to DeliveryState) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	return to > from
}

// Advance returns the state a message ends up in after a request to move it
// to target, and whether anything changed.
func (s DeliveryState) Advance(target DeliveryState) (DeliveryState, bool) {
	if !ValidTransition(s, target) {
		return s, false
	}
	return target, true
}
