package identity

import (
	"sort"
	"strings"
)

// Metadata is the typed view of an object's embedded metadata blob.
// Empty strings mean the key was absent or blank.
type Metadata struct {
	PlayerName  string
	PatientID   string
	TherapistID string
	SessionDate string
	Time        string
	// Extra holds every key not modeled above, untouched.
	Extra map[string]string
}

// ParseMetadata builds a Metadata from a raw key/value blob. Keys match
// case-insensitively, and object stores' user-metadata prefixes
// (e.g. "x-amz-meta-") are removed first. Values are kept verbatim; a value
// that is only whitespace counts as absent.
//
// When several raw keys name the same field, a key already in canonical form
// ("player_name") wins; otherwise the first key in sorted order wins.
func ParseMetadata(raw map[string]string) Metadata {
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var md Metadata
	fields := map[string]*string{
		"player_name":  &md.PlayerName,
		"patient_id":   &md.PatientID,
		"therapist_id": &md.TherapistID,
		"session_date": &md.SessionDate,
		"time":         &md.Time,
	}
	canonical := make(map[string]bool)

	for _, k := range keys {
		v := raw[k]
		key := normalizeKey(k)
		dst, known := fields[key]
		if !known {
			if md.Extra == nil {
				md.Extra = make(map[string]string)
			}
			md.Extra[k] = v
			continue
		}
		if strings.TrimSpace(v) == "" || canonical[key] {
			continue
		}
		exact := k == key
		if *dst == "" || exact {
			*dst = v
			canonical[key] = exact
		}
	}
	return md
}

func normalizeKey(k string) string {
	k = strings.ToLower(strings.TrimSpace(k))
	k = strings.TrimPrefix(k, "x-amz-meta-")
	return strings.ReplaceAll(k, "-", "_")
}
