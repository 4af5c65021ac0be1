package ingest

// State is a step of the ingestion state machine.
type State int

const (
	StateReceived State = iota
	StateSignatureVerified
	StateFetched
	StateDeduplicated
	StateValidated
	StatePersisted
	StateScored
	StateComplete
	StateFailed
)

var stateNames = [...]string{
	StateReceived:          "received",
	StateSignatureVerified: "signature_verified",
	StateFetched:           "fetched",
	StateDeduplicated:      "deduplicated",
	StateValidated:         "validated",
	StatePersisted:         "persisted",
	StateScored:            "scored",
	StateComplete:          "complete",
	StateFailed:            "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateFailed
}
