package pipeline

import (
	"context"
	"net/url"
	"strconv"

	"github.com/rs/zerolog/log"

	"healinghands.org/datasync/internal/fhir"
	"healinghands.org/datasync/internal/progress"
	"healinghands.org/datasync/internal/snapshot"
)

// processBatchSize is how many patients each worker-pool batch covers.
const processBatchSize = 200

var patientFieldnames = []string{
	"patientId", "lastName", "firstName", "mi", "street",
	"city", "state", "zip", "county", "phone",
}

// Patients exports demographics for every active patient with a birth
// date to the patient data snapshot.
type Patients struct {
	deps Deps
}

// NewPatients creates the patient demographics pipeline.
func NewPatients(deps Deps) *Patients {
	return &Patients{deps: deps}
}

func (p *Patients) Name() string { return "patients" }

func (p *Patients) Run(ctx context.Context) error {
	tracker, err := progress.New(p.deps.Cfg.OutputDirectory, "Patient Demographics", 0)
	if err != nil {
		return err
	}

	tracker.Update(0, "Retrieving active patients from FHIR API")
	patients, err := fetchActivePatients(ctx, p.deps, url.Values{
		"_elements": []string{"id,name,birthDate,address,telecom"},
	})
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
	tracker.Update(1, "Processing "+strconv.Itoa(len(patients))+" patients")

	var rows []snapshot.Row
	batches := partition(patients, processBatchSize)
	for i, batch := range batches {
		log.Info().
			Int("batch", i+1).
			Int("batches", len(batches)).
			Int("patients", len(batch)).
			Msg("Processing patient batch")

		batchRows, failedCount := runBatch(ctx, batch, p.deps.Cfg.MaxWorkers,
			func(ctx context.Context, patient fhir.Resource) (snapshot.Row, error) {
				return patientRow(patient), nil
			})
		if failedCount > 0 {
			log.Warn().Int("failed", failedCount).Msg("Some patients failed to process")
		}
		rows = append(rows, batchRows...)
		tracker.Update(min((i+1)*processBatchSize, len(patients)), "Processing patient batches")
	}

	if len(rows) == 0 {
		log.Warn().Msg("No patient data to upload")
		tracker.Complete("No patient data to upload")
		return nil
	}

	backupPath, backupErr := writeBackup(p.deps, rows, "patient_data_backup", patientFieldnames)

	tracker.Update(len(patients), "Uploading "+strconv.Itoa(len(rows))+" patient records")
	if err := p.deps.Store.UploadCSV(ctx, rows, p.deps.Cfg.PatientDataFilename, patientFieldnames); err != nil {
		if backupErr != nil {
			tracker.SetError(err)
			return err
		}
		log.Warn().Err(err).Str("backup", backupPath).Msg("Upload failed, data saved to local backup")
		tracker.Complete("Upload failed, saved " + strconv.Itoa(len(rows)) + " patient records locally")
		return nil
	}

	tracker.Complete("Successfully processed " + strconv.Itoa(len(rows)) + " patient records")
	return nil
}

// fetchActivePatients pages through every active patient and drops the
// ones without a birth date.
func fetchActivePatients(ctx context.Context, deps Deps, extra url.Values) ([]fhir.Resource, error) {
	params := url.Values{
		"active": []string{"true"},
		"_count": []string{strconv.Itoa(deps.Cfg.PatientBatchSize)},
	}
	for key, values := range extra {
		params[key] = values
	}

	all, err := deps.Client.GetAllPages(ctx, "Patient", params)
	if err != nil {
		return nil, err
	}

	var withBirthdate []fhir.Resource
	dropped := 0
	for _, patient := range all {
		if fhir.GetString(patient, "birthDate") != "" {
			withBirthdate = append(withBirthdate, patient)
		} else {
			dropped++
		}
	}

	log.Info().
		Int("with_birthdate", len(withBirthdate)).
		Int("without_birthdate", dropped).
		Msg("Completed retrieval of active patients")
	return withBirthdate, nil
}

// patientRow flattens one patient resource into a demographics row.
func patientRow(patient fhir.Resource) snapshot.Row {
	name := fhir.OfficialName(patient)
	address := fhir.FirstAddress(patient)

	return snapshot.Row{
		"patientId": fhir.ResourceID(patient),
		"lastName":  name.Family,
		"firstName": name.Given,
		"mi":        name.MiddleInitial,
		"street":    address.Street,
		"city":      address.City,
		"state":     address.State,
		"zip":       address.PostalCode,
		"county":    address.County,
		"phone":     fhir.PhoneNumber(patient),
	}
}
