package pipeline

import (
	"strings"
	"testing"

	"healinghands.org/datasync/internal/fhir"
)

func TestMedicationIndicatesO2(t *testing.T) {
	tests := []struct {
		name       string
		medRequest fhir.Resource
		want       bool
		wantReason string
	}{
		{
			name: "known ID wins even with unrelated name",
			medRequest: fhir.Resource{
				"id": "zxiqm1e9pad",
				"medicationCodeableConcept": map[string]any{
					"text": "Acetaminophen 500mg",
				},
			},
			want:       true,
			wantReason: "known ID",
		},
		{
			name: "name keyword",
			medRequest: fhir.Resource{
				"id": "med-1",
				"medicationCodeableConcept": map[string]any{
					"text": "Home Oxygen Therapy",
				},
			},
			want:       true,
			wantReason: "name",
		},
		{
			name: "coding display",
			medRequest: fhir.Resource{
				"id": "med-2",
				"medicationCodeableConcept": map[string]any{
					"text": "Gas therapy",
					"coding": []any{
						map[string]any{"code": "O2-PORT", "display": "Portable O2"},
					},
				},
			},
			want:       true,
			wantReason: "coding",
		},
		{
			name: "dosage keyword with oxygen name",
			medRequest: fhir.Resource{
				"id": "med-3",
				"medicationCodeableConcept": map[string]any{
					"text": "O2 gas",
				},
				"dosageInstruction": []any{
					map[string]any{"text": "2 liters continuous via mask"},
				},
			},
			want: true,
		},
		{
			name: "category respiratory",
			medRequest: fhir.Resource{
				"id": "med-4",
				"category": []any{
					map[string]any{
						"coding": []any{
							map[string]any{"display": "Respiratory supplies"},
						},
					},
				},
			},
			want:       true,
			wantReason: "category",
		},
		{
			name: "note text",
			medRequest: fhir.Resource{
				"id": "med-5",
				"note": []any{
					map[string]any{"text": "Patient uses CPAP nightly"},
				},
			},
			want:       true,
			wantReason: "note",
		},
		{
			name: "no oxygen signal",
			medRequest: fhir.Resource{
				"id": "med-6",
				"medicationCodeableConcept": map[string]any{
					"text": "Lisinopril 10mg",
					"coding": []any{
						map[string]any{"code": "LIS10", "display": "Lisinopril"},
					},
				},
				"dosageInstruction": []any{
					map[string]any{"text": "One tablet by mouth"},
				},
			},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, reason := medicationIndicatesO2(tt.medRequest)
			if got != tt.want {
				t.Fatalf("medicationIndicatesO2() = %v, want %v", got, tt.want)
			}
			if tt.wantReason != "" && !strings.HasPrefix(reason, tt.wantReason) {
				t.Errorf("reason = %q, want prefix %q", reason, tt.wantReason)
			}
		})
	}
}

func TestPrepareAlertRows(t *testing.T) {
	patients := []fhir.Resource{
		{
			"id": "p1",
			"name": []any{
				map[string]any{"use": "official", "family": "Smith", "given": []any{"Ann"}},
			},
			"address": []any{
				map[string]any{"line": []any{"1 Main St"}, "city": "Plano", "state": "TX", "postalCode": "75001"},
			},
		},
		{
			"id": "p2",
			"name": []any{
				map[string]any{"family": "Jones", "given": []any{"Bob"}},
			},
		},
		{
			"id": "p3",
		},
	}
	locations := map[string]patientLocation{
		"p1": {county: "Collin", phone: "555-123-4567"},
		"p2": {county: "Denton"}, // no phone, incomplete
	}
	o2Status := map[string]bool{"p1": true}

	complete, missing := prepareAlertRows(patients, locations, o2Status)

	if len(complete) != 1 {
		t.Fatalf("got %d complete rows, want 1", len(complete))
	}
	if len(missing) != 2 {
		t.Fatalf("got %d missing rows, want 2", len(missing))
	}

	row := complete[0]
	if row["LastName"] != "Smith" || row["County"] != "Collin" || row["Phone"] != "555-123-4567" {
		t.Errorf("complete row = %v", row)
	}
	if row["O2"] != "Yes" {
		t.Errorf("O2 = %q for oxygen patient, want Yes", row["O2"])
	}
	if missing[0]["O2"] != "" {
		t.Errorf("O2 = %q for non-oxygen patient, want empty", missing[0]["O2"])
	}
}

func TestContainsWord(t *testing.T) {
	if !containsWord("portable o2 tank", "o2") {
		t.Error("expected match for standalone token")
	}
	if containsWord("barometer reading", "o2") {
		t.Error("matched o2 inside another word")
	}
}
