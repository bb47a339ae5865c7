package fhir

import "testing"

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"ten digits", "5551234567", "555-123-4567"},
		{"ten digits with punctuation", "(555) 123-4567", "555-123-4567"},
		{"eleven digits with country code", "15551234567", "555-123-4567"},
		{"eleven digits with plus", "+1 555 123 4567", "555-123-4567"},
		{"too short returned unchanged", "12345", "12345"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizePhone(tt.input)
			if got != tt.want {
				t.Errorf("NormalizePhone(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestOfficialName(t *testing.T) {
	tests := []struct {
		name     string
		resource Resource
		want     HumanName
	}{
		{
			name: "official preferred over first entry",
			resource: Resource{
				"name": []any{
					map[string]any{"use": "nickname", "family": "Smith", "given": []any{"Bob"}},
					map[string]any{"use": "official", "family": "Smith", "given": []any{"Robert", "James"}},
				},
			},
			want: HumanName{Family: "Smith", Given: "Robert", MiddleInitial: "J"},
		},
		{
			name: "falls back to first entry",
			resource: Resource{
				"name": []any{
					map[string]any{"family": "Jones", "given": []any{"Ann"}},
				},
			},
			want: HumanName{Family: "Jones", Given: "Ann"},
		},
		{
			name:     "no name field",
			resource: Resource{"id": "abc"},
			want:     HumanName{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := OfficialName(tt.resource)
			if got != tt.want {
				t.Errorf("OfficialName() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestFirstAddress(t *testing.T) {
	resource := Resource{
		"address": []any{
			map[string]any{
				"line":       []any{"123 Main St", "Apt 4"},
				"city":       "Springfield",
				"state":      "TX",
				"postalCode": "75001",
				"district":   "Collin",
			},
		},
	}

	got := FirstAddress(resource)
	want := Address{Street: "123 Main St", City: "Springfield", State: "TX", PostalCode: "75001", County: "Collin"}
	if got != want {
		t.Errorf("FirstAddress() = %+v, want %+v", got, want)
	}

	if got := FirstAddress(Resource{}); got != (Address{}) {
		t.Errorf("FirstAddress(empty) = %+v, want zero value", got)
	}
}

func TestPhoneNumber(t *testing.T) {
	resource := Resource{
		"telecom": []any{
			map[string]any{"system": "email", "value": "x@example.com"},
			map[string]any{"system": "phone", "use": "work", "value": "1112223333"},
			map[string]any{"system": "phone", "use": "home", "value": "5551234567"},
		},
	}

	if got := PhoneNumber(resource); got != "555-123-4567" {
		t.Errorf("PhoneNumber() = %q, want home number first", got)
	}

	noHome := Resource{
		"telecom": []any{
			map[string]any{"system": "phone", "use": "work", "value": "1112223333"},
		},
	}
	if got := PhoneNumber(noHome); got != "111-222-3333" {
		t.Errorf("PhoneNumber() = %q, want work number fallback", got)
	}

	if got := PhoneNumber(Resource{}); got != "" {
		t.Errorf("PhoneNumber(empty) = %q, want empty", got)
	}
}

func TestReferenceID(t *testing.T) {
	if got := ReferenceID("Patient/abc123", "Patient/"); got != "abc123" {
		t.Errorf("ReferenceID() = %q, want abc123", got)
	}
	if got := ReferenceID("abc123", "Patient/"); got != "abc123" {
		t.Errorf("ReferenceID() without prefix = %q, want abc123", got)
	}
}

func TestFullName(t *testing.T) {
	resource := Resource{
		"name": []any{
			map[string]any{"family": "Smith", "given": []any{"Robert", "James"}},
		},
	}
	if got := FullName(resource); got != "Robert James Smith" {
		t.Errorf("FullName() = %q, want %q", got, "Robert James Smith")
	}
}

func TestExtensionString(t *testing.T) {
	resource := Resource{
		"extension": []any{
			map[string]any{"url": "Other", "valueString": "nope"},
			map[string]any{"url": "StatusValue", "valueString": "Scheduled"},
		},
	}
	if got := ExtensionString(resource, "StatusValue"); got != "Scheduled" {
		t.Errorf("ExtensionString() = %q, want Scheduled", got)
	}
	if got := ExtensionString(resource, "Missing"); got != "" {
		t.Errorf("ExtensionString(missing) = %q, want empty", got)
	}
}
