package laboratory

// transitions lists the collection states reachable from each state. saved is
// terminal.
var transitions = map[CollectionStatus][]CollectionStatus{
	StatusNotTaken: {StatusTaken},
	StatusTaken:    {StatusNotTaken, StatusSaved},
	StatusSaved:    {},
}

// CanTransition reports whether a line item may move from one collection
// state to another.
func CanTransition(from, to CollectionStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CanInclude reports whether the included flag may be set to the given value
// for an item in status. Un-including is always allowed.
func CanInclude(status CollectionStatus, included bool) bool {
	return !included || status == StatusSaved
}

func (s CollectionStatus) Valid() bool {
	_, ok := transitions[s]
	return ok
}
