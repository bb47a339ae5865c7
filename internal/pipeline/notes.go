package pipeline

import (
	"context"
	"encoding/base64"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"healinghands.org/datasync/internal/fhir"
	"healinghands.org/datasync/internal/progress"
	"healinghands.org/datasync/internal/snapshot"
)

const (
	// syncBuffer is rewound from the last run date so notes landing
	// close to the previous cutoff are not missed.
	syncBuffer = 30 * time.Minute

	// defaultLookback bounds the first sync when no snapshot exists.
	defaultLookback = 60 * 24 * time.Hour

	notesPageSize = 100

	// cursorLayout is the wire format for date window boundaries.
	cursorLayout = "2006-01-02T15:04:05Z"
)

var noteFieldnames = []string{
	"Patient_ID", "Note_Date", "Note_Type", "Worker_ID",
	"Note_Status", "Last_Update", "Last_Updated_By", "Note",
	"Episode_ID", "Api_Run_Date",
}

// Notes incrementally syncs coordination notes. The cursor resumes
// from the newest Api_Run_Date in the existing snapshot minus the sync
// buffer, and each fetched window advances it one second past the
// newest note date seen.
type Notes struct {
	deps Deps
	now  func() time.Time
}

// NewNotes creates the coordination notes pipeline.
func NewNotes(deps Deps) *Notes {
	return &Notes{deps: deps, now: time.Now}
}

func (n *Notes) Name() string { return "notes" }

func (n *Notes) Run(ctx context.Context) error {
	tracker, err := progress.New(n.deps.Cfg.OutputDirectory, "Coordination Notes", 0)
	if err != nil {
		return err
	}

	existing, err := n.deps.Store.DownloadCSV(ctx, n.deps.Cfg.CoordinationNotesFilename)
	if err != nil {
		tracker.SetError(err)
		return err
	}
	log.Info().Int("existing", len(existing)).Msg("Downloaded existing coordination notes")

	cursor := n.resumeCursor(existing)
	log.Info().Str("since", cursor).Msg("Fetching coordination notes")
	tracker.Update(0, "Fetching notes since "+cursor)

	// The end of the sync horizon is captured once so a long run cannot
	// chase a moving clock.
	horizon := n.now().UTC().Format(cursorLayout)

	var newNotes []snapshot.Row
	for {
		batch, batchLatest, err := n.fetchWindow(ctx, cursor)
		if err != nil {
			tracker.SetError(err)
			return err
		}
		if len(batch) == 0 {
			log.Info().Str("cursor", cursor).Msg("No more entries to fetch")
			break
		}

		newNotes = append(newNotes, batch...)
		tracker.Update(len(newNotes), "Fetched "+strconv.Itoa(len(newNotes))+" new notes")
		log.Info().
			Int("batch", len(batch)).
			Int("total", len(newNotes)).
			Msg("Processed notes window")

		cursor = advanceCursor(batchLatest)
		log.Info().Str("cursor", cursor).Msg("Moving date window")

		if cursor >= horizon {
			log.Info().Msg("Reached current time, finished fetching")
			break
		}
	}

	if len(newNotes) == 0 {
		log.Info().Msg("No new coordination notes found")
		tracker.Complete("No new coordination notes found")
		return nil
	}

	// The full snapshot is re-uploaded; the sync buffer means reruns
	// may duplicate recent rows and consumers dedupe on their side.
	all := append(append([]snapshot.Row{}, existing...), newNotes...)
	tracker.Update(len(newNotes), "Uploading "+strconv.Itoa(len(all))+" coordination notes")

	if err := uploadWithFallback(ctx, n.deps, all, n.deps.Cfg.CoordinationNotesFilename,
		"coordination_notes_backup", noteFieldnames); err != nil {
		tracker.SetError(err)
		return err
	}

	log.Info().Int("total", len(all)).Msg("Uploaded coordination notes")
	tracker.Complete("Uploaded " + strconv.Itoa(len(newNotes)) + " new coordination notes")
	return nil
}

// resumeCursor derives the sync start from the existing snapshot's
// newest Api_Run_Date, rewound by the sync buffer.
func (n *Notes) resumeCursor(existing []snapshot.Row) string {
	var latest time.Time
	for _, row := range existing {
		raw := row["Api_Run_Date"]
		if raw == "" {
			continue
		}
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			continue
		}
		if parsed.After(latest) {
			latest = parsed
		}
	}

	if !latest.IsZero() {
		resumed := latest.Add(-syncBuffer)
		log.Info().Time("last_fetch", resumed).Msg("Found last fetch date")
		return resumed.UTC().Format(cursorLayout)
	}

	fallback := n.now().Add(-defaultLookback).UTC().Format(cursorLayout)
	log.Info().Str("default", fallback).Msg("No last fetch date found, using default lookback")
	return fallback
}

// fetchWindow pulls every coordination note dated at or after the
// cursor, following pagination. It returns the flattened rows and the
// newest note date seen.
func (n *Notes) fetchWindow(ctx context.Context, cursor string) ([]snapshot.Row, string, error) {
	runTimestamp := n.now().UTC().Format(cursorLayout)
	batchLatest := cursor

	params := url.Values{
		"category": []string{"coordination-note"},
		"status":   []string{"current"},
		"_count":   []string{strconv.Itoa(notesPageSize)},
		"date":     []string{"ge" + cursor},
	}

	var rows []snapshot.Row
	endpoint := "DocumentReference"
	pageCount := 0

	for {
		bundle, err := n.deps.Client.Request(ctx, endpoint, params)
		if err != nil {
			return nil, "", err
		}

		entries := fhir.BundleEntries(bundle)
		for _, resource := range entries {
			rows = append(rows, noteRow(resource, runTimestamp))
			if date := fhir.GetString(resource, "date"); date != "" && date > batchLatest {
				batchLatest = date
			}
		}
		pageCount++
		log.Info().Int("page", pageCount).Int("notes", len(entries)).Msg("Retrieved notes page")

		next := fhir.NextLink(bundle)
		if next == "" || pageCount >= n.deps.Cfg.MaxPages {
			break
		}
		endpoint = next
		params = nil
	}

	return rows, batchLatest, nil
}

// noteRow flattens one DocumentReference into a notes row, decoding
// the base64 attachment body.
func noteRow(resource fhir.Resource, runTimestamp string) snapshot.Row {
	noteText := ""
	if contents := fhir.GetSlice(resource, "content"); len(contents) > 0 {
		if content, ok := contents[0].(map[string]any); ok {
			attachment := fhir.GetMap(content, "attachment")
			if data := fhir.GetString(attachment, "data"); data != "" {
				decoded, err := base64.StdEncoding.DecodeString(data)
				if err != nil {
					log.Error().
						Err(err).
						Str("resource_id", fhir.ResourceID(resource)).
						Msg("Failed to decode note attachment")
				} else {
					noteText = string(decoded)
				}
			}
		}
	}

	workerID := ""
	if authors := fhir.GetSlice(resource, "author"); len(authors) > 0 {
		if author, ok := authors[0].(map[string]any); ok {
			workerID = strings.TrimPrefix(fhir.GetString(author, "reference"), "Practitioner/")
		}
	}

	episodeID := ""
	if encounters := fhir.GetSlice(fhir.GetMap(resource, "context"), "encounter"); len(encounters) > 0 {
		if encounter, ok := encounters[0].(map[string]any); ok {
			ref := fhir.GetString(encounter, "reference")
			if i := strings.LastIndex(ref, "/"); i >= 0 {
				episodeID = ref[i+1:]
			} else {
				episodeID = ref
			}
		}
	}

	return snapshot.Row{
		"Patient_ID":      strings.TrimPrefix(fhir.SubjectReference(resource), "Patient/"),
		"Note_Date":       fhir.GetString(resource, "date"),
		"Note_Type":       fhir.GetString(fhir.GetMap(resource, "type"), "text"),
		"Worker_ID":       workerID,
		"Note_Status":     fhir.GetString(resource, "status"),
		"Last_Update":     fhir.GetString(fhir.GetMap(resource, "meta"), "lastUpdated"),
		"Last_Updated_By": "",
		"Note":            noteText,
		"Episode_ID":      episodeID,
		"Api_Run_Date":    runTimestamp,
	}
}

// advanceCursor moves the window one second past the newest note date.
// Unparseable dates fall back to appending a digit, which still sorts
// strictly after the raw value.
func advanceCursor(batchLatest string) string {
	parsed, err := parseNoteDate(batchLatest)
	if err != nil {
		log.Error().Err(err).Str("date", batchLatest).Msg("Error parsing date, using fallback cursor")
		return batchLatest + "0"
	}
	return parsed.Add(time.Second).Format(cursorLayout)
}

// parseNoteDate handles the upstream date shapes: bare seconds, with
// fractional seconds, a trailing Z, or a +HH:MM offset. The offset is
// dropped rather than converted, matching how cursors are compared as
// strings.
func parseNoteDate(raw string) (time.Time, error) {
	clean := raw
	if i := strings.Index(clean, "+"); i >= 0 {
		clean = clean[:i]
	}
	clean = strings.TrimSuffix(clean, "Z")

	layout := "2006-01-02T15:04:05"
	if strings.Contains(clean, ".") {
		layout += ".999999999"
	}
	return time.Parse(layout, clean)
}
