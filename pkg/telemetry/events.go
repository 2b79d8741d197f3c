package telemetry

import "time"

// ResolutionEvent records which sources produced one file's identity during
// a listing pass.
type ResolutionEvent struct {
	Timestamp        time.Time  `json:"ts"`
	PassID           string     `json:"pass"`
	Bucket           string     `json:"bucket"`
	Path             string     `json:"path"`
	PatientCode      string     `json:"patient"`
	PatientSource    string     `json:"patient_source"`
	TherapistCode    string     `json:"therapist"`
	TherapistSource  string     `json:"therapist_source"`
	SessionTimestamp *time.Time `json:"session_ts,omitempty"`
	TimestampSource  string     `json:"session_ts_source"`
}

// Unresolved reports whether any chain ended at its fallback.
func (e ResolutionEvent) Unresolved() bool {
	return e.PatientSource == "fallback" || e.TherapistSource == "fallback" || e.TimestampSource == "fallback"
}
