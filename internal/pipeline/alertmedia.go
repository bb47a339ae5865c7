package pipeline

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"healinghands.org/datasync/internal/fhir"
	"healinghands.org/datasync/internal/progress"
	"healinghands.org/datasync/internal/snapshot"
)

// Medication IDs known to be oxygen orders. Checked before any keyword
// matching so a rename upstream cannot hide them.
var knownO2MedicationIDs = map[string]bool{
	"zxiqm1e9pad": true, // OXYGEN
	"ezi36d75lcl": true, // O2 - OXYGEN
	"mpi76en0iq":  true, // oxygen gas for inhalation
	"mpi7d4qr3sq": true, // O2 - OXYGEN - PORTABLE
	"67i957z4xho": true, // O2 - OXYGEN - CPAP
}

var o2Keywords = []string{
	"oxygen", "o2", "concentrator", "portable oxygen", "continuous oxygen",
	"liquid oxygen", "nasal cannula", "oxygen tank", "cpap", "bipap",
	"ventilator", "respiratory", "breathing", "inhalation", "home oxygen",
}

var dosageKeywords = []string{
	"continuous", "prn", "as needed", "as directed", "bedtime", "daily",
	"liters", "lpm", "l/min", "nocturnal", "o2 sat",
}

var alertMediaFieldnames = []string{
	"LastName", "FirstName", "MI", "Street", "City", "State", "Zip",
	"County", "Phone", "O2",
}

// locationDetails is what gets cached per Location resource.
type locationDetails struct {
	county string
	phone  string
}

// patientLocation is the enrichment result for one patient.
type patientLocation struct {
	county     string
	phone      string
	locationID string
}

// AlertMedia builds the emergency notification roster: active patients
// enriched with the county and phone of their most recent encounter
// location and an oxygen-dependency flag from medication orders.
type AlertMedia struct {
	deps Deps

	cacheMu       sync.Mutex
	locationCache map[string]locationDetails
}

// NewAlertMedia creates the alert roster pipeline.
func NewAlertMedia(deps Deps) *AlertMedia {
	return &AlertMedia{
		deps:          deps,
		locationCache: map[string]locationDetails{},
	}
}

func (a *AlertMedia) Name() string { return "alertmedia" }

func (a *AlertMedia) Run(ctx context.Context) error {
	tracker, err := progress.New(a.deps.Cfg.OutputDirectory, "Patient Data Collection", 0)
	if err != nil {
		return err
	}

	tracker.Update(0, "Retrieving active patients")
	patients, err := fetchActivePatients(ctx, a.deps, nil)
	if err != nil {
		tracker.SetError(err)
		return err
	}
	if len(patients) == 0 {
		log.Warn().Msg("No active patients found")
		tracker.Complete("No active patients found")
		return nil
	}
	tracker.SetTotal(len(patients))

	patientIDs := make([]string, 0, len(patients))
	for _, patient := range patients {
		if id := fhir.ResourceID(patient); id != "" {
			patientIDs = append(patientIDs, id)
		}
	}

	tracker.Update(0, "Getting location data for "+strconv.Itoa(len(patientIDs))+" patients")
	locations := a.patientLocations(ctx, patientIDs)

	tracker.Update(0, "Checking O2 status for "+strconv.Itoa(len(patientIDs))+" patients")
	o2Status := a.o2Statuses(ctx, patientIDs)

	complete, missing := prepareAlertRows(patients, locations, o2Status)
	log.Info().
		Int("complete", len(complete)).
		Int("missing", len(missing)).
		Msg("Prepared alert roster")

	all := append(append([]snapshot.Row{}, complete...), missing...)
	if len(all) == 0 {
		tracker.Complete("No patient data to save")
		return nil
	}

	// Each run uploads a fresh timestamped roster rather than replacing
	// a single file, so prior rosters stay retrievable.
	filename := fmt.Sprintf("%s_%s.csv",
		strings.TrimSuffix(a.deps.Cfg.AlertMediaFilename, ".csv"),
		time.Now().Format("20060102_150405"))

	tracker.Update(len(patients), "Saving data for "+strconv.Itoa(len(all))+" patients")
	if err := uploadWithFallback(ctx, a.deps, all, filename,
		"alert_media_backup", alertMediaFieldnames); err != nil {
		tracker.SetError(err)
		return err
	}

	// Complete and missing rosters are also kept apart locally so the
	// missing-data list can be worked manually.
	if len(complete) > 0 {
		writeBackup(a.deps, complete, "patients_complete_data", alertMediaFieldnames)
	}
	if len(missing) > 0 {
		writeBackup(a.deps, missing, "patients_missing_data", alertMediaFieldnames)
	}

	tracker.Complete("Successfully processed " + strconv.Itoa(len(all)) + " patients")
	return nil
}

// patientLocations resolves encounter locations for every patient,
// batched through the worker pool.
func (a *AlertMedia) patientLocations(ctx context.Context, patientIDs []string) map[string]patientLocation {
	locations := map[string]patientLocation{}
	var mu sync.Mutex

	batches := partition(patientIDs, a.deps.Cfg.BatchSize)
	for i, batch := range batches {
		log.Info().
			Int("batch", i+1).
			Int("batches", len(batches)).
			Msg("Processing location batch")

		type resolved struct {
			patientID string
			location  patientLocation
		}
		results, _ := runBatch(ctx, batch, a.deps.Cfg.MaxWorkers,
			func(ctx context.Context, patientID string) (resolved, error) {
				location, err := a.locationForPatient(ctx, patientID)
				if err != nil {
					return resolved{}, err
				}
				return resolved{patientID: patientID, location: location}, nil
			})

		mu.Lock()
		for _, r := range results {
			if r.location.county != "" || r.location.phone != "" {
				locations[r.patientID] = r.location
			}
		}
		mu.Unlock()
	}

	found := 0
	for _, location := range locations {
		if location.county != "" {
			found++
		}
	}
	log.Info().
		Int("with_county", found).
		Int("patients", len(patientIDs)).
		Msg("Resolved patient locations")
	return locations
}

// locationForPatient walks the patient's recent encounters to their
// location resource. When no location carries a phone, the patient's
// own number is used.
func (a *AlertMedia) locationForPatient(ctx context.Context, patientID string) (patientLocation, error) {
	// One page of the most recent encounters is enough to find a
	// current location.
	bundle, err := a.deps.Client.SearchResources(ctx, "Encounter", url.Values{
		"subject": []string{"Patient/" + patientID},
		"_sort":   []string{"-date"},
		"_count":  []string{"10"},
	})
	if err != nil {
		return patientLocation{}, err
	}
	encounters := fhir.BundleEntries(bundle)

	locationID := ""
	for _, encounter := range encounters {
		for _, l := range fhir.GetSlice(encounter, "location") {
			entry, ok := l.(map[string]any)
			if !ok {
				continue
			}
			ref := fhir.GetString(fhir.GetMap(entry, "location"), "reference")
			if strings.HasPrefix(ref, "Location/") {
				locationID = strings.TrimPrefix(ref, "Location/")
				break
			}
		}
		if locationID != "" {
			break
		}
	}

	if locationID == "" {
		phone, err := a.patientPhone(ctx, patientID)
		if err != nil {
			return patientLocation{}, err
		}
		return patientLocation{phone: phone}, nil
	}

	details, err := a.locationDetails(ctx, locationID)
	if err != nil {
		return patientLocation{}, err
	}

	phone := details.phone
	if phone == "" {
		phone, err = a.patientPhone(ctx, patientID)
		if err != nil {
			return patientLocation{}, err
		}
	}
	return patientLocation{
		county:     details.county,
		phone:      phone,
		locationID: locationID,
	}, nil
}

// locationDetails fetches a Location resource, caching results so
// shared locations cost one API call.
func (a *AlertMedia) locationDetails(ctx context.Context, locationID string) (locationDetails, error) {
	a.cacheMu.Lock()
	if details, ok := a.locationCache[locationID]; ok {
		a.cacheMu.Unlock()
		return details, nil
	}
	a.cacheMu.Unlock()

	location, err := a.deps.Client.GetResource(ctx, "Location", locationID)
	if err != nil {
		return locationDetails{}, err
	}

	details := locationDetails{}
	if address, ok := location["address"].(map[string]any); ok {
		details.county = fhir.GetString(address, "district")
	}
	if phone := fhir.TelecomValue(location, "phone"); phone != "" {
		details.phone = fhir.NormalizePhone(phone)
	}

	a.cacheMu.Lock()
	a.locationCache[locationID] = details
	a.cacheMu.Unlock()
	return details, nil
}

func (a *AlertMedia) patientPhone(ctx context.Context, patientID string) (string, error) {
	patient, err := a.deps.Client.GetResource(ctx, "Patient", patientID)
	if err != nil {
		return "", err
	}
	return fhir.PhoneNumber(patient), nil
}

// o2Statuses checks every patient's medication orders for oxygen.
func (a *AlertMedia) o2Statuses(ctx context.Context, patientIDs []string) map[string]bool {
	status := map[string]bool{}
	var mu sync.Mutex

	batches := partition(patientIDs, a.deps.Cfg.BatchSize)
	for i, batch := range batches {
		log.Info().
			Int("batch", i+1).
			Int("batches", len(batches)).
			Msg("Processing O2 status batch")

		type checked struct {
			patientID string
			hasO2     bool
			reason    string
		}
		results, _ := runBatch(ctx, batch, a.deps.Cfg.MaxWorkers,
			func(ctx context.Context, patientID string) (checked, error) {
				hasO2, reason, err := a.checkO2(ctx, patientID)
				if err != nil {
					return checked{}, err
				}
				return checked{patientID: patientID, hasO2: hasO2, reason: reason}, nil
			})

		mu.Lock()
		for _, r := range results {
			status[r.patientID] = r.hasO2
			if r.hasO2 {
				log.Debug().
					Str("patient_id", r.patientID).
					Str("reason", r.reason).
					Msg("Oxygen medication match")
			}
		}
		mu.Unlock()
	}

	withO2 := 0
	for _, hasO2 := range status {
		if hasO2 {
			withO2++
		}
	}
	log.Info().Int("patients_with_o2", withO2).Msg("Completed O2 status check")
	return status
}

func (a *AlertMedia) checkO2(ctx context.Context, patientID string) (bool, string, error) {
	medRequests, err := a.deps.Client.GetAllPages(ctx, "MedicationRequest", url.Values{
		"patient": []string{"Patient/" + patientID},
		"status":  []string{"active,completed"},
		"_count":  []string{"100"},
	})
	if err != nil {
		return false, "", err
	}

	for _, medRequest := range medRequests {
		if hasO2, reason := medicationIndicatesO2(medRequest); hasO2 {
			return true, reason, nil
		}
	}
	return false, "", nil
}

// medicationIndicatesO2 decides whether a single MedicationRequest is
// an oxygen order. Known IDs win outright; then the medication name,
// codings, dosage text, category, and notes are scanned for keywords.
func medicationIndicatesO2(medRequest fhir.Resource) (bool, string) {
	if id := fhir.ResourceID(medRequest); knownO2MedicationIDs[id] {
		return true, "known ID " + id
	}

	medName := ""
	if concept, ok := medRequest["medicationCodeableConcept"].(map[string]any); ok {
		medName = strings.ToLower(fhir.GetString(concept, "text"))
		if containsAny(medName, o2Keywords) {
			return true, "name " + medName
		}

		for _, c := range fhir.GetSlice(concept, "coding") {
			coding, ok := c.(map[string]any)
			if !ok {
				continue
			}
			code := fhir.GetString(coding, "code")
			display := strings.ToLower(fhir.GetString(coding, "display"))
			if strings.HasPrefix(code, "O2") ||
				strings.Contains(display, "oxygen") ||
				containsWord(display, "o2") ||
				containsAny(display, o2Keywords) {
				return true, "coding " + display
			}
		}
	}

	for _, i := range fhir.GetSlice(medRequest, "dosageInstruction") {
		instruction, ok := i.(map[string]any)
		if !ok {
			continue
		}
		text := strings.ToLower(fhir.GetString(instruction, "text"))
		if text == "" {
			continue
		}
		if containsAny(text, o2Keywords) {
			return true, "dosage text"
		}
		if containsAny(text, dosageKeywords) &&
			(strings.HasPrefix(medName, "o2") || strings.Contains(medName, "oxygen")) {
			return true, "dosage pattern"
		}
	}

	for _, cat := range fhir.GetSlice(medRequest, "category") {
		category, ok := cat.(map[string]any)
		if !ok {
			continue
		}
		for _, c := range fhir.GetSlice(category, "coding") {
			coding, ok := c.(map[string]any)
			if !ok {
				continue
			}
			display := strings.ToLower(fhir.GetString(coding, "display"))
			if strings.Contains(display, "respiratory") || strings.Contains(display, "oxygen") {
				return true, "category " + display
			}
		}
	}

	for _, n := range fhir.GetSlice(medRequest, "note") {
		note, ok := n.(map[string]any)
		if !ok {
			continue
		}
		text := strings.ToLower(fhir.GetString(note, "text"))
		if text != "" && containsAny(text, o2Keywords) {
			return true, "note text"
		}
	}

	return false, ""
}

// prepareAlertRows flattens patients into roster rows, split into
// complete (county and phone both resolved) and missing.
func prepareAlertRows(patients []fhir.Resource, locations map[string]patientLocation, o2Status map[string]bool) (complete, missing []snapshot.Row) {
	for _, patient := range patients {
		patientID := fhir.ResourceID(patient)
		name := fhir.OfficialName(patient)
		address := fhir.FirstAddress(patient)

		county := ""
		phone := ""
		hasCompleteData := false
		if location, ok := locations[patientID]; ok {
			county = location.county
			phone = location.phone
			hasCompleteData = county != "" && phone != ""
		}

		o2 := ""
		if o2Status[patientID] {
			o2 = "Yes"
		}

		row := snapshot.Row{
			"LastName":  name.Family,
			"FirstName": name.Given,
			"MI":        name.MiddleInitial,
			"Street":    address.Street,
			"City":      address.City,
			"State":     address.State,
			"Zip":       address.PostalCode,
			"County":    county,
			"Phone":     phone,
			"O2":        o2,
		}
		if hasCompleteData {
			complete = append(complete, row)
		} else {
			missing = append(missing, row)
		}
	}
	return complete, missing
}

func containsAny(s string, keywords []string) bool {
	if s == "" {
		return false
	}
	for _, keyword := range keywords {
		if strings.Contains(s, keyword) {
			return true
		}
	}
	return false
}

// containsWord reports whether word appears as a whitespace-separated
// token in s.
func containsWord(s, word string) bool {
	for _, token := range strings.Fields(s) {
		if token == word {
			return true
		}
	}
	return false
}
