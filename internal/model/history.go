package model

// HistoryEntry summarizes one committed iteration for the decision engine.
//
// Entries are produced two ways, by the runner while a loop executes and by
// the history package from stored rows. Both must yield identical values.
type HistoryEntry struct {
	Iteration             int            `json:"iteration"`
	Reasoning             string         `json:"reasoning"`
	Converged             bool           `json:"converged"`
	Asked                 string         `json:"asked,omitempty"`
	Actions               []ActionSpec   `json:"actions"`
	Results               []ActionResult `json:"results"`
	ObservationsRequested int            `json:"observations_requested,omitempty"`
}
