package pipeline

import (
	"testing"

	"healinghands.org/datasync/internal/fhir"
)

func workerResource(id, branch string) fhir.Resource {
	return fhir.Resource{
		"id":     id,
		"active": true,
		"name": []any{
			map[string]any{"family": "Taylor", "given": []any{"Sam", "Lee"}},
		},
		"identifier": []any{
			map[string]any{
				"use":   "secondary",
				"type":  map[string]any{"text": "referenceTable"},
				"value": "practitioner-worker",
			},
		},
		"extension": []any{
			map[string]any{
				"url": practitionerDetailsURL,
				"extension": []any{
					map[string]any{
						"url": "HomeBranch",
						"valueReference": map[string]any{
							"reference": "Organization/org-1",
							"display":   branch,
						},
					},
				},
			},
		},
		"telecom": []any{
			map[string]any{"system": "phone", "value": "555-000-1111"},
			map[string]any{"system": "email", "value": "sam@example.com"},
		},
		"address": []any{
			map[string]any{
				"line":       []any{"10 Oak St", "Suite 2"},
				"city":       "Wichita Falls",
				"state":      "TX",
				"postalCode": "76301",
				"country":    "USA",
			},
		},
	}
}

func TestFilterBranchWorkers(t *testing.T) {
	notAWorker := fhir.Resource{
		"id": "w-3",
		"extension": []any{
			map[string]any{
				"url": "HomeBranch",
				"valueReference": map[string]any{
					"display": "HH WICHITA FALLS",
				},
			},
		},
	}
	wrongBranch := workerResource("w-4", "HH DALLAS")
	duplicate := workerResource("w-1", "HH WICHITA FALLS")

	practitioners := []fhir.Resource{
		workerResource("w-1", "HH WICHITA FALLS"),
		workerResource("w-2", "TEMPLATE BRANCH"),
		notAWorker,
		wrongBranch,
		duplicate,
	}

	got := filterBranchWorkers(practitioners)
	if len(got) != 2 {
		t.Fatalf("got %d workers, want 2", len(got))
	}
	if fhir.ResourceID(got[0]) != "w-1" || fhir.ResourceID(got[1]) != "w-2" {
		t.Errorf("unexpected worker order: %s, %s",
			fhir.ResourceID(got[0]), fhir.ResourceID(got[1]))
	}
}

func TestWorkerRow(t *testing.T) {
	row := workerRow(workerResource("w-1", "HH WICHITA FALLS"))

	want := map[string]string{
		"id":           "w-1",
		"name":         "Sam Lee Taylor",
		"branch":       "HH WICHITA FALLS",
		"branch_id":    "org-1",
		"phone":        "555-000-1111",
		"email":        "sam@example.com",
		"address_line": "10 Oak St, Suite 2",
		"city":         "Wichita Falls",
		"state":        "TX",
		"postal_code":  "76301",
		"country":      "USA",
		"active":       "Yes",
	}
	for field, wantValue := range want {
		if row[field] != wantValue {
			t.Errorf("row[%q] = %q, want %q", field, row[field], wantValue)
		}
	}
}

func TestWorkerRowInactive(t *testing.T) {
	worker := workerResource("w-9", "TEMPLATE BRANCH")
	worker["active"] = false

	if got := workerRow(worker)["active"]; got != "No" {
		t.Errorf("active = %q, want No", got)
	}
}

func TestHomeBranchDirectExtension(t *testing.T) {
	practitioner := fhir.Resource{
		"extension": []any{
			map[string]any{
				"url": "HomeBranch",
				"valueReference": map[string]any{
					"reference": "Organization/org-2",
					"display":   "TEMPLATE BRANCH",
				},
			},
		},
	}

	name, id := homeBranch(practitioner)
	if name != "TEMPLATE BRANCH" || id != "org-2" {
		t.Errorf("homeBranch() = (%q, %q), want (TEMPLATE BRANCH, org-2)", name, id)
	}
}
