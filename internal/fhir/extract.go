package fhir

import (
	"strings"

	"github.com/rs/zerolog/log"
)

// Field accessors over untyped FHIR resources. Every helper tolerates
// missing or malformed fields and returns empty defaults, replacing the
// ad hoc nested lookups the upstream API shape would otherwise force on
// each pipeline.

// ResourceID returns the resource's id field.
func ResourceID(r Resource) string {
	return getString(r, "id")
}

// HumanName is the flattened name of a Patient or Practitioner.
type HumanName struct {
	Family        string
	Given         string
	MiddleInitial string
}

// OfficialName extracts the name with use=official, falling back to the
// first name entry.
func OfficialName(r Resource) HumanName {
	names, ok := r["name"].([]any)
	if !ok || len(names) == 0 {
		return HumanName{}
	}

	chosen, _ := names[0].(map[string]any)
	for _, n := range names {
		name, ok := n.(map[string]any)
		if !ok {
			continue
		}
		if name["use"] == "official" {
			chosen = name
			break
		}
	}
	if chosen == nil {
		return HumanName{}
	}

	var hn HumanName
	hn.Family = getString(chosen, "family")

	if given, ok := chosen["given"].([]any); ok && len(given) > 0 {
		if first, ok := given[0].(string); ok {
			hn.Given = first
		}
		if len(given) > 1 {
			if middle, ok := given[1].(string); ok && middle != "" {
				hn.MiddleInitial = middle[:1]
			}
		}
	}
	return hn
}

// FullName joins all given names and the family name of the first name
// entry, the form used for the workers export.
func FullName(r Resource) string {
	names, ok := r["name"].([]any)
	if !ok || len(names) == 0 {
		return ""
	}
	name, ok := names[0].(map[string]any)
	if !ok {
		return ""
	}

	var parts []string
	if given, ok := name["given"].([]any); ok {
		var givenParts []string
		for _, g := range given {
			if s, ok := g.(string); ok && s != "" {
				givenParts = append(givenParts, s)
			}
		}
		if len(givenParts) > 0 {
			parts = append(parts, strings.Join(givenParts, " "))
		}
	}
	if family := getString(name, "family"); family != "" {
		parts = append(parts, family)
	}
	return strings.Join(parts, " ")
}

// Address is the flattened first address of a resource.
type Address struct {
	Street     string
	City       string
	State      string
	PostalCode string
	County     string
	Country    string
}

// FirstAddress extracts the first address entry. County comes from the
// FHIR district field.
func FirstAddress(r Resource) Address {
	addresses, ok := r["address"].([]any)
	if !ok || len(addresses) == 0 {
		return Address{}
	}
	address, ok := addresses[0].(map[string]any)
	if !ok {
		return Address{}
	}

	var a Address
	if lines, ok := address["line"].([]any); ok && len(lines) > 0 {
		var lineParts []string
		for _, l := range lines {
			if s, ok := l.(string); ok && s != "" {
				lineParts = append(lineParts, s)
			}
		}
		if len(lineParts) > 0 {
			a.Street = lineParts[0]
		}
	}
	a.City = getString(address, "city")
	a.State = getString(address, "state")
	a.PostalCode = getString(address, "postalCode")
	a.County = getString(address, "district")
	a.Country = getString(address, "country")
	return a
}

// AddressLines joins all line entries of the first address.
func AddressLines(r Resource) string {
	addresses, ok := r["address"].([]any)
	if !ok || len(addresses) == 0 {
		return ""
	}
	address, ok := addresses[0].(map[string]any)
	if !ok {
		return ""
	}
	lines, ok := address["line"].([]any)
	if !ok {
		return ""
	}
	var parts []string
	for _, l := range lines {
		if s, ok := l.(string); ok && s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ", ")
}

// PhoneNumber extracts a phone number from the resource's telecom
// entries, preferring use=home, and normalizes it.
func PhoneNumber(r Resource) string {
	telecoms, ok := r["telecom"].([]any)
	if !ok {
		return ""
	}

	// Home phone wins over any phone.
	for _, t := range telecoms {
		telecom, ok := t.(map[string]any)
		if !ok {
			continue
		}
		if telecom["system"] == "phone" && telecom["use"] == "home" {
			return NormalizePhone(getString(telecom, "value"))
		}
	}
	for _, t := range telecoms {
		telecom, ok := t.(map[string]any)
		if !ok {
			continue
		}
		if telecom["system"] == "phone" {
			return NormalizePhone(getString(telecom, "value"))
		}
	}
	return ""
}

// TelecomValue returns the first telecom value for the given system
// (phone, email).
func TelecomValue(r Resource, system string) string {
	telecoms, ok := r["telecom"].([]any)
	if !ok {
		return ""
	}
	for _, t := range telecoms {
		telecom, ok := t.(map[string]any)
		if !ok {
			continue
		}
		if telecom["system"] == system {
			return getString(telecom, "value")
		}
	}
	return ""
}

// NormalizePhone strips non-digits and reformats 10-digit and
// 11-digit-with-leading-1 numbers to ###-###-####. Anything else is
// returned unchanged with a warning.
func NormalizePhone(phone string) string {
	if phone == "" {
		return ""
	}

	var digits strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	d := digits.String()

	switch {
	case len(d) == 10:
		return d[:3] + "-" + d[3:6] + "-" + d[6:]
	case len(d) == 11 && d[0] == '1':
		return d[1:4] + "-" + d[4:7] + "-" + d[7:]
	default:
		log.Warn().Str("phone", phone).Msg("Unusual phone number format")
		return phone
	}
}

// ReferenceID strips a "Type/" prefix from a reference string, e.g.
// "Patient/abc" with prefix "Patient/" yields "abc".
func ReferenceID(reference, prefix string) string {
	return strings.TrimPrefix(reference, prefix)
}

// SubjectReference returns the subject.reference field.
func SubjectReference(r Resource) string {
	subject, ok := r["subject"].(map[string]any)
	if !ok {
		return ""
	}
	return getString(subject, "reference")
}

// ExtensionString returns the valueString of the first extension with
// the given url, or "".
func ExtensionString(r Resource, url string) string {
	for _, e := range GetSlice(r, "extension") {
		extension, ok := e.(map[string]any)
		if !ok {
			continue
		}
		if getString(extension, "url") == url {
			return getString(extension, "valueString")
		}
	}
	return ""
}

// GetMap returns a nested map field, or an empty map.
func GetMap(r Resource, key string) map[string]any {
	m, ok := r[key].(map[string]any)
	if !ok {
		return map[string]any{}
	}
	return m
}

// GetSlice returns a nested slice field, or nil.
func GetSlice(r Resource, key string) []any {
	s, ok := r[key].([]any)
	if !ok {
		return nil
	}
	return s
}

// GetString returns a string field, or "".
func GetString(r Resource, key string) string {
	return getString(r, key)
}

func getString(m map[string]any, key string) string {
	s, ok := m[key].(string)
	if !ok {
		return ""
	}
	return s
}
