package identity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func utc(y int, m time.Month, d, hh, mm, ss int) time.Time {
	return time.Date(y, m, d, hh, mm, ss, 0, time.UTC)
}

func TestResolve_DeviceFilename(t *testing.T) {
	id := Resolve(Input{Path: "Ghostly_Emg_20230321_17-50-17-0881.c3d"})

	require.NotNil(t, id.SessionTimestamp)
	assert.Equal(t, utc(2023, time.March, 21, 17, 50, 17), *id.SessionTimestamp)
	assert.Equal(t, SourceFilenameTS, id.Trace.Timestamp)
	assert.Equal(t, Unknown, id.PatientCode)
	assert.Equal(t, Unknown, id.TherapistCode)
}

func TestResolve_PathBeatsMetadata(t *testing.T) {
	id := Resolve(Input{
		Path:     "P005/session.c3d",
		Metadata: map[string]string{"player_name": "P009", "patient_id": "P010"},
	})
	assert.Equal(t, "P005", id.PatientCode)
	assert.Equal(t, SourcePath, id.Trace.Patient)
}

func TestResolve_PatientChain(t *testing.T) {
	tests := []struct {
		name   string
		in     Input
		want   string
		source Source
	}{
		{"player name", Input{Path: "session.c3d", Metadata: map[string]string{"player_name": "Alice"}}, "Alice", SourcePlayerName},
		{"patient id", Input{Path: "session.c3d", Metadata: map[string]string{"patient_id": "P777"}}, "P777", SourcePatientID},
		{"blank player name ignored", Input{Path: "session.c3d", Metadata: map[string]string{"player_name": "  ", "patient_id": "P002"}}, "P002", SourcePatientID},
		{"filename underscores", Input{Path: "run_p012_left.c3d"}, "P012", SourceFilename},
		{"filename dashes", Input{Path: "run-P013-right.c3d"}, "P013", SourceFilename},
		{"non-matching dir", Input{Path: "archive/run_P014_x.c3d"}, "P014", SourceFilename},
		{"dir needs three digits", Input{Path: "P05/session.c3d"}, Unknown, SourceFallback},
		{"root file named like a code", Input{Path: "P001"}, Unknown, SourceFallback},
		{"nothing", Input{Path: "session.c3d"}, Unknown, SourceFallback},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := Resolve(tt.in)
			assert.Equal(t, tt.want, id.PatientCode)
			assert.Equal(t, tt.source, id.Trace.Patient)
		})
	}
}

func TestResolve_TherapistChain(t *testing.T) {
	id := Resolve(Input{Path: "a.c3d", TherapistID: "legacy", Metadata: map[string]string{"therapist_id": "T1"}})
	assert.Equal(t, "T1", id.TherapistCode)
	assert.Equal(t, SourceTherapistID, id.Trace.Therapist)

	id = Resolve(Input{Path: "a.c3d", TherapistID: "legacy"})
	assert.Equal(t, "legacy", id.TherapistCode)
	assert.Equal(t, SourceRecordField, id.Trace.Therapist)

	id = Resolve(Input{Path: "a.c3d"})
	assert.Equal(t, Unknown, id.TherapistCode)
}

func TestResolve_TimestampChain(t *testing.T) {
	tests := []struct {
		name   string
		in     Input
		want   *time.Time
		source Source
	}{
		{
			name:   "session_date midnight",
			in:     Input{Path: "session.c3d", Metadata: map[string]string{"session_date": "2024-01-01"}},
			want:   ptr(utc(2024, time.January, 1, 0, 0, 0)),
			source: SourceSessionDate,
		},
		{
			name:   "session_date with clock",
			in:     Input{Path: "session.c3d", Metadata: map[string]string{"session_date": "2024-01-01T09:30:00Z"}},
			want:   ptr(utc(2024, time.January, 1, 9, 30, 0)),
			source: SourceSessionDate,
		},
		{
			name:   "time field",
			in:     Input{Path: "session.c3d", Metadata: map[string]string{"time": "2024-02-03 10:11:12"}},
			want:   ptr(utc(2024, time.February, 3, 10, 11, 12)),
			source: SourceTime,
		},
		{
			name:   "unparseable session_date falls to time",
			in:     Input{Path: "session.c3d", Metadata: map[string]string{"session_date": "yesterday", "time": "2024-02-03"}},
			want:   ptr(utc(2024, time.February, 3, 0, 0, 0)),
			source: SourceTime,
		},
		{
			name:   "filename beats metadata",
			in:     Input{Path: "x_20230321_17-50-17.c3d", Metadata: map[string]string{"session_date": "2024-01-01"}},
			want:   ptr(utc(2023, time.March, 21, 17, 50, 17)),
			source: SourceFilenameTS,
		},
		{
			name:   "compact bare date",
			in:     Input{Path: "rec_20240105.c3d"},
			want:   ptr(utc(2024, time.January, 5, 0, 0, 0)),
			source: SourceFilenameDay,
		},
		{
			name:   "iso bare date",
			in:     Input{Path: "rec_2024-01-05.c3d"},
			want:   ptr(utc(2024, time.January, 5, 0, 0, 0)),
			source: SourceFilenameDay,
		},
		{
			name:   "day-month-year bare date",
			in:     Input{Path: "rec_05-01-2024.c3d"},
			want:   ptr(utc(2024, time.January, 5, 0, 0, 0)),
			source: SourceFilenameDay,
		},
		{
			name:   "out of range year falls through",
			in:     Input{Path: "rec_19990101_10-00-00.c3d", Metadata: map[string]string{"session_date": "2024-01-01"}},
			want:   ptr(utc(2024, time.January, 1, 0, 0, 0)),
			source: SourceSessionDate,
		},
		{
			name:   "later valid stamp after corrupt one",
			in:     Input{Path: "rec_19990101_10-00-00_20230321_17-50-17.c3d"},
			want:   ptr(utc(2023, time.March, 21, 17, 50, 17)),
			source: SourceFilenameTS,
		},
		{
			name:   "later valid bare date after corrupt one",
			in:     Input{Path: "rec_19990101_copy_20240105.c3d"},
			want:   ptr(utc(2024, time.January, 5, 0, 0, 0)),
			source: SourceFilenameDay,
		},
		{
			name:   "padded session_date",
			in:     Input{Path: "session.c3d", Metadata: map[string]string{"session_date": " 2024-01-01 "}},
			want:   ptr(utc(2024, time.January, 1, 0, 0, 0)),
			source: SourceSessionDate,
		},
		{
			name:   "invalid calendar date falls through",
			in:     Input{Path: "rec_20241345_10-00-00.c3d"},
			want:   nil,
			source: SourceFallback,
		},
		{
			name:   "nothing",
			in:     Input{Path: "session.c3d"},
			want:   nil,
			source: SourceFallback,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := Resolve(tt.in)
			assert.Equal(t, tt.source, id.Trace.Timestamp)
			if tt.want == nil {
				assert.Nil(t, id.SessionTimestamp)
				return
			}
			require.NotNil(t, id.SessionTimestamp)
			assert.True(t, tt.want.Equal(*id.SessionTimestamp), "got %v want %v", id.SessionTimestamp, tt.want)
		})
	}
}

func TestResolve_Idempotent(t *testing.T) {
	in := Input{
		Path:        "P003/Ghostly_Emg_20240210_08-00-00-0001.c3d",
		TherapistID: "owner",
		Metadata:    map[string]string{"therapist_id": "T9", "player_name": "P004"},
	}
	first := Resolve(in)
	second := Resolve(in)
	assert.Equal(t, first, second)
	assert.Equal(t, "P003", first.PatientCode)
	assert.Equal(t, "T9", first.TherapistCode)
}

func TestParseMetadata(t *testing.T) {
	md := ParseMetadata(map[string]string{
		"X-Amz-Meta-Player-Name": " Bob ",
		"Therapist_ID":           "T2",
		"device":                 "trigno",
	})
	assert.Equal(t, " Bob ", md.PlayerName)
	assert.Equal(t, "T2", md.TherapistID)
	assert.Equal(t, map[string]string{"device": "trigno"}, md.Extra)

	assert.Equal(t, Metadata{}, ParseMetadata(nil))
}

func TestResolve_PlayerNameVerbatim(t *testing.T) {
	id := Resolve(Input{Path: "session.c3d", Metadata: map[string]string{"player_name": "Jane Doe "}})
	assert.Equal(t, "Jane Doe ", id.PatientCode)
	assert.Equal(t, SourcePlayerName, id.Trace.Patient)
}

func TestParseMetadata_CollidingKeys(t *testing.T) {
	tests := []struct {
		name string
		raw  map[string]string
		want string
	}{
		{"canonical key wins", map[string]string{"player_name": "P001", "Player-Name": "P002", "x-amz-meta-player-name": "P003"}, "P001"},
		{"sorted order without canonical", map[string]string{"Player-Name": "P002", "PLAYER_NAME": "P004"}, "P004"},
		{"blank canonical ignored", map[string]string{"player_name": " ", "Player-Name": "P002"}, "P002"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i := 0; i < 200; i++ {
				require.Equal(t, tt.want, ParseMetadata(tt.raw).PlayerName)
			}
		})
	}
}

func TestResolve_DeterministicOnCollidingMetadata(t *testing.T) {
	in := Input{
		Path: "session.c3d",
		Metadata: map[string]string{
			"player_name":  "P001",
			"Player-Name":  "P002",
			"Therapist-ID": "T2",
			"therapist_id": "T1",
			"Session-Date": "2024-02-02",
			"SESSION_DATE": "2024-03-03",
		},
	}
	want := Resolve(in)
	assert.Equal(t, "P001", want.PatientCode)
	assert.Equal(t, "T1", want.TherapistCode)
	require.NotNil(t, want.SessionTimestamp)
	assert.Equal(t, utc(2024, time.March, 3, 0, 0, 0), *want.SessionTimestamp)
	for i := 0; i < 200; i++ {
		require.Equal(t, want, Resolve(in))
	}
}

func ptr(t time.Time) *time.Time { return &t }
