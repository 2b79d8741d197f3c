// Package identity derives canonical patient, therapist and session-time
// values for a stored session file.
//
// Each field has its own fixed priority chain. The storage path is trusted
// most for who a recording belongs to, while the device-generated filename is
// trusted most for when it was captured. Resolution is pure and total: every
// input yields a value, using Unknown when no source matches.
package identity

import (
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Unknown is the sentinel for an unresolved patient or therapist code.
const Unknown = "Unknown"

// Accepted capture years. Dates outside are treated as corrupt.
const (
	minYear = 2020
	maxYear = 2030
)

// Source names the input that won a priority chain.
type Source string

const (
	SourcePath        Source = "path"
	SourcePlayerName  Source = "player_name"
	SourcePatientID   Source = "patient_id"
	SourceFilename    Source = "filename"
	SourceTherapistID Source = "therapist_id"
	SourceRecordField Source = "record_field"
	SourceFilenameTS  Source = "filename_timestamp"
	SourceFilenameDay Source = "filename_date"
	SourceSessionDate Source = "session_date"
	SourceTime        Source = "time"
	SourceFallback    Source = "fallback"
)

// Input is everything the resolver looks at for one file.
type Input struct {
	Path string
	// TherapistID is the legacy flat field stored on the record itself.
	TherapistID string
	Metadata    map[string]string
}

// Trace records which source won each chain.
type Trace struct {
	Patient   Source
	Therapist Source
	Timestamp Source
}

// Identity is the resolved identity of a session file.
type Identity struct {
	PatientCode   string
	TherapistCode string
	// SessionTimestamp is nil when no source yields a time.
	SessionTimestamp *time.Time
	Trace            Trace
}

var (
	patientDirRe  = regexp.MustCompile(`^P\d{3}$`)
	patientNameRe = regexp.MustCompile(`(?i)_(p\d{3})_|-(p\d{3})-`)

	fullStampRe = regexp.MustCompile(`(?:^|\D)(\d{4})(\d{2})(\d{2})_(\d{2})-(\d{2})-(\d{2})`)
	compactDay  = regexp.MustCompile(`(?:^|\D)(\d{4})(\d{2})(\d{2})(?:\D|$)`)
	isoDay      = regexp.MustCompile(`(?:^|\D)(\d{4})-(\d{2})-(\d{2})(?:\D|$)`)
	euroDay     = regexp.MustCompile(`(?:^|\D)(\d{2})-(\d{2})-(\d{4})(?:\D|$)`)
)

// Resolve applies the patient, therapist and timestamp chains to in.
func Resolve(in Input) Identity {
	md := ParseMetadata(in.Metadata)
	name := path.Base(in.Path)

	var id Identity
	id.PatientCode, id.Trace.Patient = resolvePatient(in.Path, name, md)
	id.TherapistCode, id.Trace.Therapist = resolveTherapist(in.TherapistID, md)
	id.SessionTimestamp, id.Trace.Timestamp = resolveTimestamp(name, md)
	return id
}

func resolvePatient(p, name string, md Metadata) (string, Source) {
	if dir, _, ok := strings.Cut(strings.TrimPrefix(p, "/"), "/"); ok && patientDirRe.MatchString(dir) {
		return dir, SourcePath
	}
	if md.PlayerName != "" {
		return md.PlayerName, SourcePlayerName
	}
	if md.PatientID != "" {
		return md.PatientID, SourcePatientID
	}
	if m := patientNameRe.FindStringSubmatch(name); m != nil {
		code := m[1]
		if code == "" {
			code = m[2]
		}
		return strings.ToUpper(code), SourceFilename
	}
	return Unknown, SourceFallback
}

func resolveTherapist(recordField string, md Metadata) (string, Source) {
	if md.TherapistID != "" {
		return md.TherapistID, SourceTherapistID
	}
	if v := strings.TrimSpace(recordField); v != "" {
		return v, SourceRecordField
	}
	return Unknown, SourceFallback
}

func resolveTimestamp(name string, md Metadata) (*time.Time, Source) {
	for _, m := range fullStampRe.FindAllStringSubmatch(name, -1) {
		if t, ok := buildTime(m[1], m[2], m[3], m[4], m[5], m[6]); ok {
			return &t, SourceFilenameTS
		}
	}
	if t, ok := filenameDay(name); ok {
		return &t, SourceFilenameDay
	}
	if t, ok := parseMetaTime(md.SessionDate); ok {
		return &t, SourceSessionDate
	}
	if t, ok := parseMetaTime(md.Time); ok {
		return &t, SourceTime
	}
	return nil, SourceFallback
}

func filenameDay(name string) (time.Time, bool) {
	for _, m := range compactDay.FindAllStringSubmatch(name, -1) {
		if t, ok := buildTime(m[1], m[2], m[3], "0", "0", "0"); ok {
			return t, true
		}
	}
	for _, m := range isoDay.FindAllStringSubmatch(name, -1) {
		if t, ok := buildTime(m[1], m[2], m[3], "0", "0", "0"); ok {
			return t, true
		}
	}
	for _, m := range euroDay.FindAllStringSubmatch(name, -1) {
		if t, ok := buildTime(m[3], m[2], m[1], "0", "0", "0"); ok {
			return t, true
		}
	}
	return time.Time{}, false
}

// buildTime validates calendar fields and the capture-year window.
func buildTime(ys, mos, ds, hs, mis, ss string) (time.Time, bool) {
	var v [6]int
	for i, s := range []string{ys, mos, ds, hs, mis, ss} {
		n, err := strconv.Atoi(s)
		if err != nil {
			return time.Time{}, false
		}
		v[i] = n
	}
	year, month, day, hour, minute, sec := v[0], v[1], v[2], v[3], v[4], v[5]
	if year < minYear || year > maxYear {
		return time.Time{}, false
	}
	if hour > 23 || minute > 59 || sec > 59 {
		return time.Time{}, false
	}
	t := time.Date(year, time.Month(month), day, hour, minute, sec, 0, time.UTC)
	if t.Month() != time.Month(month) || t.Day() != day {
		return time.Time{}, false
	}
	return t, true
}

var (
	withClock = []string{
		time.RFC3339Nano,
		"2006-01-02T15:04:05.999999999",
		"2006-01-02 15:04:05.999999999",
		"2006-01-02T15:04",
		"2006-01-02 15:04",
	}
	dateOnly = []string{
		"2006-01-02",
		"20060102",
		"02-01-2006",
		"2006/01/02",
	}
)

// parseMetaTime reads a metadata date. Values with a time component are used
// as-is; bare dates become midnight UTC.
func parseMetaTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range withClock {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	for _, layout := range dateOnly {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
