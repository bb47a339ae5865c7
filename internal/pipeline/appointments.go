package pipeline

import (
	"context"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"healinghands.org/datasync/internal/fhir"
	"healinghands.org/datasync/internal/progress"
	"healinghands.org/datasync/internal/snapshot"
)

// skilledNursingCode is the only service code the weekly export covers.
const skilledNursingCode = "SN11"

const (
	detailedStatusURL = "https://api.hchb.com/fhir/r4/StructureDefinition/detailed-status"
	subjectExtURL     = "https://api.hchb.com/fhir/r4/StructureDefinition/subject"
	entityIndexURL    = "https://api.hchb.com/fhir/r4/StructureDefinition/entity-index"
)

var appointmentFieldnames = []string{
	"appointmentId", "patientId", "practitionerId", "visitNumber",
	"appointmentDatetime", "status", "statusValue", "serviceCode",
	"serviceType", "collectionTimestamp",
}

// Appointments exports this week's skilled nursing visits.
type Appointments struct {
	deps Deps

	// now is swappable so tests can pin the week.
	now func() time.Time
}

// NewAppointments creates the weekly appointments pipeline.
func NewAppointments(deps Deps) *Appointments {
	return &Appointments{deps: deps, now: time.Now}
}

func (a *Appointments) Name() string { return "appointments" }

func (a *Appointments) Run(ctx context.Context) error {
	tracker, err := progress.New(a.deps.Cfg.OutputDirectory, "Weekly Appointments", 0)
	if err != nil {
		return err
	}

	startDate, endDate := currentWeekRange(a.now())
	log.Info().
		Str("start", startDate).
		Str("end", endDate).
		Msg("Fetching appointments for the current week")
	tracker.Update(0, "Fetching appointments for "+startDate+" to "+endDate)

	dates := weekDates(startDate, endDate)
	tracker.SetTotal(len(dates))

	workers := min(a.deps.Cfg.MaxWorkers, len(dates))
	dayResults, failedDays := runBatch(ctx, dates, workers,
		func(ctx context.Context, date string) ([]fhir.Resource, error) {
			return a.appointmentsForDay(ctx, date)
		})
	if failedDays > 0 {
		log.Warn().Int("failed_days", failedDays).Msg("Some days failed to fetch")
	}

	var appointments []fhir.Resource
	for _, day := range dayResults {
		appointments = append(appointments, day...)
	}
	tracker.Update(len(dates), "Retrieved "+strconv.Itoa(len(appointments))+" appointments")
	log.Info().Int("total", len(appointments)).Msg("Retrieved appointments for the week")

	if len(appointments) == 0 {
		log.Warn().Msg("No appointments found for the current week")
		tracker.Complete("No appointments found for the current week")
		return nil
	}

	collectedAt := a.now().Format(time.RFC3339)
	rows, _ := runBatch(ctx, appointments, a.deps.Cfg.MaxWorkers,
		func(ctx context.Context, appointment fhir.Resource) (snapshot.Row, error) {
			return appointmentRow(appointment, collectedAt), nil
		})

	// The server-side service-type filter is re-applied locally in case
	// the upstream search ignored it.
	filtered := rows[:0]
	for _, row := range rows {
		if row["serviceCode"] == skilledNursingCode {
			filtered = append(filtered, row)
		}
	}
	log.Info().Int("sn11", len(filtered)).Msg("Filtered skilled nursing appointments")

	if len(filtered) == 0 {
		tracker.Complete("No appointment data extracted")
		return nil
	}

	tracker.Update(len(dates), "Uploading "+strconv.Itoa(len(filtered))+" appointments")
	if err := uploadWithFallback(ctx, a.deps, filtered, a.deps.Cfg.WeeklyAppointmentsFilename,
		"weekly_appointments_backup", appointmentFieldnames); err != nil {
		tracker.SetError(err)
		return err
	}

	tracker.Complete("Successfully uploaded " + strconv.Itoa(len(filtered)) + " appointments")
	return nil
}

func (a *Appointments) appointmentsForDay(ctx context.Context, date string) ([]fhir.Resource, error) {
	log.Info().Str("date", date).Msg("Getting appointments")

	appointments, err := a.deps.Client.GetAllPages(ctx, "Appointment", url.Values{
		"date":         []string{"eq" + date},
		"_count":       []string{strconv.Itoa(a.deps.Cfg.BatchSize)},
		"_sort":        []string{"date"},
		"service-type": []string{skilledNursingCode},
	})
	if err != nil {
		return nil, err
	}

	log.Info().Str("date", date).Int("count", len(appointments)).Msg("Found appointments")
	return appointments, nil
}

// currentWeekRange returns the Monday and Sunday of now's week as
// YYYY-MM-DD strings.
func currentWeekRange(now time.Time) (start, end string) {
	// time.Weekday counts Sunday as 0.
	offset := (int(now.Weekday()) + 6) % 7
	monday := now.AddDate(0, 0, -offset)
	sunday := monday.AddDate(0, 0, 6)
	return monday.Format("2006-01-02"), sunday.Format("2006-01-02")
}

// weekDates expands an inclusive YYYY-MM-DD range into one string per
// day.
func weekDates(startDate, endDate string) []string {
	start, err := time.Parse("2006-01-02", startDate)
	if err != nil {
		return nil
	}
	end, err := time.Parse("2006-01-02", endDate)
	if err != nil {
		return nil
	}

	var dates []string
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		dates = append(dates, d.Format("2006-01-02"))
	}
	return dates
}

// appointmentRow flattens one appointment into an export row.
func appointmentRow(appointment fhir.Resource, collectedAt string) snapshot.Row {
	patientID, practitionerID := appointmentParticipants(appointment)
	if patientID == "" {
		patientID = patientFromExtensions(appointment)
	}

	statusValue := ""
	visitNumber := ""
	for _, e := range fhir.GetSlice(appointment, "extension") {
		extension, ok := e.(map[string]any)
		if !ok {
			continue
		}
		switch fhir.GetString(extension, "url") {
		case detailedStatusURL:
			for _, n := range fhir.GetSlice(extension, "extension") {
				nested, ok := n.(map[string]any)
				if !ok {
					continue
				}
				if fhir.GetString(nested, "url") == "StatusValue" {
					statusValue = fhir.GetString(nested, "valueString")
					break
				}
			}
		case entityIndexURL:
			if index, ok := extension["valueInteger"].(float64); ok {
				visitNumber = strconv.Itoa(int(index))
			}
		}
	}
	if statusValue == "" {
		// Some payloads carry StatusValue as a top-level extension
		// instead of nested under detailed-status.
		statusValue = fhir.ExtensionString(appointment, "StatusValue")
	}

	serviceCode, serviceType := appointmentService(appointment)

	return snapshot.Row{
		"appointmentId":       fhir.ResourceID(appointment),
		"patientId":           patientID,
		"practitionerId":      practitionerID,
		"visitNumber":         visitNumber,
		"appointmentDatetime": formatAppointmentTime(fhir.GetString(appointment, "start")),
		"status":              fhir.GetString(appointment, "status"),
		"statusValue":         statusValue,
		"serviceCode":         serviceCode,
		"serviceType":         serviceType,
		"collectionTimestamp": collectedAt,
	}
}

// appointmentParticipants pulls the patient and performing practitioner
// references. A practitioner participant without a type is treated as
// the performer.
func appointmentParticipants(appointment fhir.Resource) (patientID, practitionerID string) {
	for _, p := range fhir.GetSlice(appointment, "participant") {
		participant, ok := p.(map[string]any)
		if !ok {
			continue
		}
		ref := fhir.GetString(fhir.GetMap(participant, "actor"), "reference")
		switch {
		case strings.HasPrefix(ref, "Patient/"):
			patientID = strings.TrimPrefix(ref, "Patient/")

		case strings.HasPrefix(ref, "Practitioner/"):
			types := fhir.GetSlice(participant, "type")
			if types == nil || participantIsPerformer(types) {
				practitionerID = strings.TrimPrefix(ref, "Practitioner/")
			}
		}
	}
	return patientID, practitionerID
}

func participantIsPerformer(types []any) bool {
	for _, t := range types {
		typeEntry, ok := t.(map[string]any)
		if !ok {
			continue
		}
		for _, c := range fhir.GetSlice(typeEntry, "coding") {
			coding, ok := c.(map[string]any)
			if !ok {
				continue
			}
			if fhir.GetString(coding, "code") == "PRF" ||
				fhir.GetString(coding, "display") == "Performer" {
				return true
			}
		}
	}
	return false
}

func patientFromExtensions(appointment fhir.Resource) string {
	for _, e := range fhir.GetSlice(appointment, "extension") {
		extension, ok := e.(map[string]any)
		if !ok {
			continue
		}
		if fhir.GetString(extension, "url") != subjectExtURL {
			continue
		}
		ref := fhir.GetString(fhir.GetMap(extension, "valueReference"), "reference")
		if strings.HasPrefix(ref, "Patient/") {
			return strings.TrimPrefix(ref, "Patient/")
		}
	}
	return ""
}

func appointmentService(appointment fhir.Resource) (code, display string) {
	serviceTypes := fhir.GetSlice(appointment, "serviceType")
	if len(serviceTypes) == 0 {
		return "", ""
	}
	serviceType, ok := serviceTypes[0].(map[string]any)
	if !ok {
		return "", ""
	}

	display = fhir.GetString(serviceType, "text")
	for _, c := range fhir.GetSlice(serviceType, "coding") {
		coding, ok := c.(map[string]any)
		if !ok {
			continue
		}
		code = fhir.GetString(coding, "code")
		if display == "" {
			display = fhir.GetString(coding, "display")
		}
		break
	}
	return code, display
}

// formatAppointmentTime reformats a FHIR instant to a space-separated
// datetime, keeping the raw value if it does not parse.
func formatAppointmentTime(raw string) string {
	if raw == "" {
		return ""
	}
	parsed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return raw
	}
	return parsed.Format("2006-01-02 15:04:05")
}
