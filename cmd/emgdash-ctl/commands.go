package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ghostlyemg/emgdash/pkg/app"
	"github.com/ghostlyemg/emgdash/pkg/auth"
	"github.com/ghostlyemg/emgdash/pkg/config"
	"github.com/ghostlyemg/emgdash/pkg/sessions"
)

var (
	sessionsBucket string
	sessionsToken  string
	sessionsFormat string

	indicatorFiles    []string
	indicatorPatients []string
	indicatorTTL      time.Duration
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List session files in a bucket",
	Long: `Run one discovery pass against a bucket and print every session file
with its resolved patient, therapist and session time.`,
	RunE: runSessions,
}

var indicatorsCmd = &cobra.Command{
	Use:   "indicators",
	Short: "Show note counts for files and patients",
	RunE:  runIndicators,
}

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate the config file and print a summary",
	RunE:  runCheckConfig,
}

func init() {
	sessionsCmd.Flags().StringVar(&sessionsBucket, "bucket", "", "Bucket name (required)")
	sessionsCmd.Flags().StringVar(&sessionsToken, "token", "", "Signed bearer token for buckets that verify request tokens")
	sessionsCmd.Flags().StringVar(&sessionsFormat, "format", "table", "Output format: table, csv, json")
	sessionsCmd.MarkFlagRequired("bucket")

	indicatorsCmd.Flags().StringSliceVar(&indicatorFiles, "file", nil, "File path (repeatable)")
	indicatorsCmd.Flags().StringSliceVar(&indicatorPatients, "patient", nil, "Patient code (repeatable)")
	indicatorsCmd.Flags().DurationVar(&indicatorTTL, "ttl", 0, "Cache TTL (default from config)")
}

func newApp(cmd *cobra.Command) (*app.App, context.Context, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	a, err := app.New(ctx, cfg)
	if err != nil {
		cancel()
		return nil, nil, nil, err
	}
	return a, ctx, func() { a.Close(); cancel() }, nil
}

func runSessions(cmd *cobra.Command, args []string) error {
	a, ctx, cleanup, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	if sessionsToken != "" {
		ctx = auth.ContextWithToken(ctx, sessionsToken)
	}
	listing, err := a.Service.ListSessions(ctx, sessionsBucket)
	if err != nil {
		if sessions.IsRetryable(err) {
			return fmt.Errorf("%w (retryable)", err)
		}
		return err
	}

	out := cmd.OutOrStdout()
	switch sessionsFormat {
	case "csv":
		return writeSessionsCSV(out, listing)
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(listing)
	default:
		writeSessionsTable(out, sessionsBucket, listing)
		return nil
	}
}

func runIndicators(cmd *cobra.Command, args []string) error {
	if len(indicatorFiles) == 0 && len(indicatorPatients) == 0 {
		return fmt.Errorf("at least one --file or --patient is required")
	}
	a, ctx, cleanup, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	ind, err := a.Service.GetIndicators(ctx, indicatorFiles, indicatorPatients, indicatorTTL)
	if err != nil {
		return err
	}
	writeIndicators(cmd.OutOrStdout(), ind)
	return nil
}

func runCheckConfig(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	writeConfigSummary(cmd.OutOrStdout(), configPath, cfg)
	return nil
}

// ─── Output ───────────────────────────────────────────────────

const rule = "────────────────────────────────────────────────────────────────────────────"

func sortedFiles(l *sessions.Listing) []sessions.SessionFile {
	files := append([]sessions.SessionFile(nil), l.Files...)
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files
}

func formatTimestamp(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format("2006-01-02 15:04:05")
}

func writeSessionsTable(w io.Writer, bucket string, l *sessions.Listing) {
	fmt.Fprintf(w, "Sessions in %s (pass %s)\n", bucket, l.PassID)
	fmt.Fprintln(w, rule)
	fmt.Fprintf(w, "%-40s %-8s %-10s %-19s %10s\n", "PATH", "PATIENT", "THERAPIST", "SESSION", "SIZE")
	fmt.Fprintln(w, rule)
	for _, f := range sortedFiles(l) {
		fmt.Fprintf(w, "%-40s %-8s %-10s %-19s %10s\n",
			truncPath(f.Path, 40), f.PatientCode, truncPath(f.TherapistCode, 10),
			formatTimestamp(f.SessionTimestamp), humanBytes(int64(f.SizeBytes)))
	}
	if len(l.Files) == 0 {
		fmt.Fprintln(w, "  (no session files found)")
	}
	fmt.Fprintln(w, rule)
	for _, warn := range l.Warnings {
		fmt.Fprintf(w, "warning: %s\n", warn.Message)
	}
	fmt.Fprintf(w, "%d files, %d warnings\n", len(l.Files), len(l.Warnings))
}

func writeSessionsCSV(w io.Writer, l *sessions.Listing) error {
	cw := csv.NewWriter(w)
	cw.Write([]string{"path", "patient_code", "therapist_code", "session_timestamp", "size_bytes", "updated_at"})
	for _, f := range sortedFiles(l) {
		ts := ""
		if f.SessionTimestamp != nil {
			ts = f.SessionTimestamp.Format(time.RFC3339)
		}
		cw.Write([]string{f.Path, f.PatientCode, f.TherapistCode, ts,
			fmt.Sprintf("%d", f.SizeBytes), f.UpdatedAt.Format(time.RFC3339)})
	}
	cw.Flush()
	return cw.Error()
}

func writeIndicators(w io.Writer, ind *sessions.Indicators) {
	fmt.Fprintf(w, "%-50s %s\n", "ID", "NOTES")
	fmt.Fprintln(w, rule)
	for _, k := range sortedKeys(ind.FileNoteCounts) {
		fmt.Fprintf(w, "%-50s %d\n", "file:"+k, ind.FileNoteCounts[k])
	}
	for _, k := range sortedKeys(ind.PatientNoteCounts) {
		fmt.Fprintf(w, "%-50s %d\n", "patient:"+k, ind.PatientNoteCounts[k])
	}
}

func writeConfigSummary(w io.Writer, path string, cfg *config.Config) {
	fmt.Fprintf(w, "Config %s is valid\n", path)
	fmt.Fprintln(w, rule)
	fmt.Fprintf(w, "API:          %s\n", cfg.Server.Addr)
	if cfg.Metrics.MetricsEnabled() {
		fmt.Fprintf(w, "Metrics:      %s\n", cfg.Metrics.Addr)
	} else {
		fmt.Fprintf(w, "Metrics:      disabled\n")
	}
	fmt.Fprintf(w, "Discovery:    timeout %s, page size %d, concurrency %d\n",
		cfg.Discovery.Timeout, cfg.Discovery.PageSize, cfg.Discovery.MaxConcurrency)
	fmt.Fprintf(w, "Notes:        %s\n", cfg.Notes.Backend)
	fmt.Fprintf(w, "Buckets:      %d configured\n", len(cfg.Buckets))
	for _, b := range cfg.Buckets {
		loc := b.Root
		if b.Type == "s3-native" {
			loc = b.Bucket
		}
		fmt.Fprintf(w, "  - %-15s (%s) %s auth=%s\n", b.Name, b.Type, loc, b.Auth.Method)
	}
	fmt.Fprintln(w, rule)
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func humanBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	suffix := []string{"KB", "MB", "GB", "TB", "PB"}
	if exp >= len(suffix) {
		exp = len(suffix) - 1
	}
	return fmt.Sprintf("%.2f %s", float64(b)/float64(div), suffix[exp])
}

func truncPath(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return "..." + s[len(s)-maxLen+3:]
}
