package marketplace

// Status is the lifecycle state of a request.
type Status string

const (
	StatusOpen            Status = "open"
	StatusAssigned        Status = "assigned"
	StatusInProgress      Status = "in_progress"
	StatusAwaitingPayment Status = "awaiting_payment"
	StatusCompleted       Status = "completed"
	StatusCancelled       Status = "cancelled"
)

// transitions is the full edge set. assigned/in_progress -> cancelled is
// reserved for the abandon hook.
var transitions = map[Status][]Status{
	StatusOpen:            {StatusAssigned, StatusCancelled},
	StatusAssigned:        {StatusInProgress, StatusAwaitingPayment, StatusCancelled},
	StatusInProgress:      {StatusAwaitingPayment, StatusCancelled},
	StatusAwaitingPayment: {StatusCompleted},
}

func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusAssigned, StatusInProgress, StatusAwaitingPayment, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// Terminal states accept no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// CanTransition reports whether to is a legal next state.
func (s Status) CanTransition(to Status) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

func (s Status) in(set []Status) bool {
	for _, x := range set {
		if x == s {
			return true
		}
	}
	return false
}

func statusStrings(set []Status) []string {
	out := make([]string, len(set))
	for i, s := range set {
		out[i] = string(s)
	}
	return out
}
