package messages

import "time"

const (
	TopicHazardAlerts  = "hazard.alerts"
	TopicRemoteChanges = "hazard.remote-changes"
)

// HazardAlert is published for every banner or notification emitted on a region entry.
type HazardAlert struct {
	HazardID  string    `json:"hazard_id"`
	Kind      string    `json:"kind"`
	Severity  int       `json:"severity"`
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Delivery  string    `json:"delivery"`
	EmittedAt time.Time `json:"emitted_at"`
}

// RemoteChanged tells the core that the remote authority has new changes
// past Cursor. An empty Cursor means "something changed, pull from yours".
type RemoteChanged struct {
	Cursor    string    `json:"cursor,omitempty"`
	HazardIDs []string  `json:"hazard_ids,omitempty"`
	ChangedAt time.Time `json:"changed_at"`
}
