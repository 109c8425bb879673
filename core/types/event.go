package types

// Event is the typed payload emitted for every settlement state transition.
// Attribute values are pre-rendered strings so emitters can forward them to
// logs or subscribers without knowing the originating operation.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}
