package pipeline

import (
	"context"
	"net/url"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"healinghands.org/datasync/internal/fhir"
	"healinghands.org/datasync/internal/progress"
	"healinghands.org/datasync/internal/snapshot"
)

const practitionerDetailsURL = "https://api.hchb.com/fhir/r4/StructureDefinition/practitioner-details"

// targetBranches limits the worker export to the branches the
// downstream directory covers.
var targetBranches = map[string]bool{
	"HH WICHITA FALLS": true,
	"TEMPLATE BRANCH":  true,
}

var workerFieldnames = []string{
	"id", "name", "branch", "branch_id", "phone", "email",
	"address_line", "city", "state", "postal_code", "country", "active",
}

// Workers exports the practitioner directory for the target branches.
type Workers struct {
	deps Deps
}

// NewWorkers creates the worker directory pipeline.
func NewWorkers(deps Deps) *Workers {
	return &Workers{deps: deps}
}

func (w *Workers) Name() string { return "workers" }

func (w *Workers) Run(ctx context.Context) error {
	tracker, err := progress.New(w.deps.Cfg.OutputDirectory, "Workers Directory", 0)
	if err != nil {
		return err
	}

	tracker.Update(0, "Fetching practitioners")
	practitioners, err := w.deps.Client.GetAllPages(ctx, "Practitioner", url.Values{
		"_count":    []string{"200"},
		"active":    []string{"true,false"},
		"_elements": []string{"id,identifier,name,telecom,extension,active,address"},
	})
	if err != nil {
		tracker.SetError(err)
		return err
	}
	log.Info().Int("total", len(practitioners)).Msg("Retrieved practitioners")

	tracker.SetTotal(len(practitioners))
	tracker.Update(1, "Filtering "+strconv.Itoa(len(practitioners))+" practitioners by branch")

	workers := filterBranchWorkers(practitioners)
	if len(workers) == 0 {
		log.Warn().Msg("No workers with branch information found")
		tracker.Complete("No workers with branch information found")
		return nil
	}
	tracker.Update(len(practitioners), "Processing "+strconv.Itoa(len(workers))+" workers")

	rows, failedCount := runBatch(ctx, workers, w.deps.Cfg.MaxWorkers,
		func(ctx context.Context, worker fhir.Resource) (snapshot.Row, error) {
			return workerRow(worker), nil
		})
	if failedCount > 0 {
		log.Warn().Int("failed", failedCount).Msg("Some workers failed to process")
	}
	if len(rows) == 0 {
		tracker.Complete("No processed worker data to upload")
		return nil
	}

	tracker.Update(len(practitioners), "Uploading "+strconv.Itoa(len(rows))+" workers")
	if err := uploadWithFallback(ctx, w.deps, rows, w.deps.Cfg.WorkersFilename,
		"worker_data_backup", workerFieldnames); err != nil {
		tracker.SetError(err)
		return err
	}

	tracker.Complete("Successfully uploaded " + strconv.Itoa(len(rows)) + " workers")
	return nil
}

// filterBranchWorkers keeps practitioners that are flagged as workers
// and homed in a target branch, removing duplicate IDs while keeping
// first-seen order.
func filterBranchWorkers(practitioners []fhir.Resource) []fhir.Resource {
	var matched []fhir.Resource
	for _, practitioner := range practitioners {
		if !isPractitionerWorker(practitioner) {
			continue
		}
		branch, _ := homeBranch(practitioner)
		if targetBranches[branch] {
			matched = append(matched, practitioner)
			log.Info().Str("branch", branch).Msg("Found worker in target branch")
		}
	}

	seen := map[string]bool{}
	unique := matched[:0]
	for _, practitioner := range matched {
		id := fhir.ResourceID(practitioner)
		if seen[id] {
			continue
		}
		seen[id] = true
		unique = append(unique, practitioner)
	}
	if len(unique) < len(matched) {
		log.Info().Int("removed", len(matched)-len(unique)).Msg("Removed duplicate practitioners")
	}
	return unique
}

// isPractitionerWorker checks the secondary referenceTable identifier
// that marks practitioner-worker records.
func isPractitionerWorker(practitioner fhir.Resource) bool {
	for _, i := range fhir.GetSlice(practitioner, "identifier") {
		identifier, ok := i.(map[string]any)
		if !ok {
			continue
		}
		idType := fhir.GetMap(identifier, "type")
		if identifier["use"] == "secondary" &&
			fhir.GetString(idType, "text") == "referenceTable" &&
			fhir.GetString(identifier, "value") == "practitioner-worker" {
			return true
		}
	}
	return false
}

// homeBranch extracts the branch name and organization ID from the
// practitioner-details extension, falling back to a direct HomeBranch
// extension.
func homeBranch(practitioner fhir.Resource) (name, id string) {
	for _, e := range fhir.GetSlice(practitioner, "extension") {
		extension, ok := e.(map[string]any)
		if !ok {
			continue
		}
		switch fhir.GetString(extension, "url") {
		case practitionerDetailsURL:
			for _, n := range fhir.GetSlice(extension, "extension") {
				nested, ok := n.(map[string]any)
				if !ok {
					continue
				}
				if fhir.GetString(nested, "url") == "HomeBranch" {
					if branchName, branchID, ok := branchReference(nested); ok {
						return branchName, branchID
					}
				}
			}
		case "HomeBranch":
			if branchName, branchID, ok := branchReference(extension); ok {
				return branchName, branchID
			}
		}
	}
	return "", ""
}

func branchReference(extension map[string]any) (name, id string, ok bool) {
	valueRef, isMap := extension["valueReference"].(map[string]any)
	if !isMap {
		return "", "", false
	}
	name = fhir.GetString(valueRef, "display")
	ref := fhir.GetString(valueRef, "reference")
	if strings.HasPrefix(ref, "Organization/") {
		id = strings.TrimPrefix(ref, "Organization/")
	}
	return name, id, name != "" || id != ""
}

// workerRow flattens one practitioner into a directory row.
func workerRow(worker fhir.Resource) snapshot.Row {
	branchName, branchID := homeBranch(worker)

	active := "No"
	if isActive, ok := worker["active"].(bool); ok && isActive {
		active = "Yes"
	}

	address := fhir.FirstAddress(worker)
	return snapshot.Row{
		"id":           fhir.ResourceID(worker),
		"name":         fhir.FullName(worker),
		"branch":       branchName,
		"branch_id":    branchID,
		"phone":        fhir.TelecomValue(worker, "phone"),
		"email":        fhir.TelecomValue(worker, "email"),
		"address_line": fhir.AddressLines(worker),
		"city":         address.City,
		"state":        address.State,
		"postal_code":  address.PostalCode,
		"country":      address.Country,
		"active":       active,
	}
}
