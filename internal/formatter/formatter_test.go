package formatter

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/BTreeMap/SyncPipe/internal/models"
)

type staticMetadata struct {
	fields []models.FieldMetadata
	err    error
}

func (s staticMetadata) GetCachedFields(ctx context.Context, module string) ([]models.FieldMetadata, error) {
	return s.fields, s.err
}

const testMappings = `
forms:
  - name: membership
    module: Leads
    lead_source: Membership Drive
    fields:
      - source: email
        target: Email
      - source: bio
        target: Description
        max_length: 10
  - name: conference
    module: Leads
    strict_mapping: true
    fields:
      - source: full_name
        target: Last_Name
      - source: topics
        target: Topics__c
        type: multiselect
        max_length: 12
`

func mustParse(t *testing.T, data string) *Mappings {
	t.Helper()
	m, err := ParseMappings([]byte(data))
	if err != nil {
		t.Fatalf("ParseMappings failed: %v", err)
	}
	return m
}

func TestInferType(t *testing.T) {
	tests := []struct {
		name  string
		field string
		value any
		want  FieldType
	}{
		{"email value", "contact", "someone@example.org", TypeEmail},
		{"phone value", "contact", "+1 (555) 123-4567", TypePhone},
		{"too few digits", "contact", "555-1234", TypeText},
		{"too many digits", "contact", "1234567890123456", TypeText},
		{"boolean token", "newsletter", "Yes", TypeBoolean},
		{"native bool", "newsletter", true, TypeBoolean},
		{"array", "interests", []any{"a", "b"}, TypeMultiSelect},
		{"email name", "work_email", "n/a", TypeEmail},
		{"phone name", "mobile_phone", "call me", TypePhone},
		{"tel name", "tel", "", TypePhone},
		{"consent name", "consent_given", "ok", TypeBoolean},
		{"agree name", "i_agree", float64(1), TypeBoolean},
		{"plain text", "comments", "hello", TypeText},
		{"number", "years", float64(3), TypeText},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := inferType(tt.field, tt.value); got != tt.want {
				t.Errorf("inferType(%q, %v) = %s, want %s", tt.field, tt.value, got, tt.want)
			}
		})
	}
}

func TestTruncate_ExactAndIdempotent(t *testing.T) {
	s := "héllo wörld"
	cut, truncated := truncate(s, 5)
	if !truncated || cut != "héllo" {
		t.Errorf("truncate = %q, %v", cut, truncated)
	}
	again, truncatedAgain := truncate(cut, 5)
	if truncatedAgain || again != cut {
		t.Errorf("second truncate changed %q to %q", cut, again)
	}
	if got, tr := truncate(s, 0); tr || got != s {
		t.Error("zero max should not truncate")
	}
}

func TestFormat_MappingMetadataInference(t *testing.T) {
	md := staticMetadata{fields: []models.FieldMetadata{
		{APIName: "First_Name", Label: "First Name", DataType: "text", MaxLength: 5},
		{APIName: "Email", DataType: "email", MaxLength: 100},
		{APIName: "Newsletter__c", Label: "Newsletter", DataType: "boolean"},
	}}
	f := New(mustParse(t, testMappings), md)

	record, diag := f.Format(context.Background(), "membership", "", models.Payload{
		{Name: "email", Value: "member@example.org"},
		{Name: "first_name", Value: "Alexandra"},
		{Name: "newsletter", Value: "yes"},
		{Name: "bio", Value: "Pediatric nurse since 2009"},
		{Name: "specialties", Value: []any{"oncology", "pediatrics"}},
		{Name: "phone", Value: "555-123-4567"},
	})

	want := map[string]any{
		"Email":         "member@example.org",
		"First_Name":    "Alexa",
		"Newsletter__c": true,
		"Description":   "Pediatric ",
		"specialties":   "oncology;pediatrics",
		"phone":         "555-123-4567",
		"Lead_Source":   "Membership Drive",
	}
	for k, v := range want {
		if record[k] != v {
			t.Errorf("record[%s] = %#v, want %#v", k, record[k], v)
		}
	}
	if len(record) != len(want) {
		t.Errorf("record has %d keys, want %d: %v", len(record), len(want), record)
	}
	if len(diag.Warnings) != 2 {
		t.Errorf("warnings = %v, want two truncation warnings", diag.Warnings)
	}
	if diag.Mapped["first_name"] != "First_Name" {
		t.Errorf("Mapped = %v", diag.Mapped)
	}
	if diag.LeadSource != "Membership Drive" {
		t.Errorf("LeadSource = %q", diag.LeadSource)
	}
}

func TestFormat_StrictMappingExcludesUnmapped(t *testing.T) {
	f := New(mustParse(t, testMappings), nil)
	record, diag := f.Format(context.Background(), "conference", "Leads", models.Payload{
		{Name: "full_name", Value: "Dr. Ada Okafor"},
		{Name: "topics", Value: []any{"ethics", "informatics", "policy"}},
		{Name: "referral_code", Value: "XYZ"},
	})
	if _, ok := record["referral_code"]; ok {
		t.Error("unmapped field leaked through strict mapping")
	}
	if len(diag.ExcludedFields) != 1 || diag.ExcludedFields[0] != "referral_code" {
		t.Errorf("ExcludedFields = %v", diag.ExcludedFields)
	}
	if got := record["Topics__c"]; got != "ethics;infor" {
		t.Errorf("Topics__c = %q, want truncated multiselect", got)
	}
}

func TestFormat_LeadSourcePrecedence(t *testing.T) {
	f := New(mustParse(t, testMappings), nil)
	ctx := context.Background()

	_, diag := f.Format(ctx, "newsletter", "Leads", models.Payload{
		{Name: "email", Value: "x@y.org"},
		{Name: "lead_source", Value: "Conference Booth"},
	})
	if diag.LeadSource != "Conference Booth" {
		t.Errorf("submitted lead source ignored: %q", diag.LeadSource)
	}

	record, diag := f.Format(ctx, "newsletter", "Leads", models.Payload{{Name: "email", Value: "x@y.org"}})
	if diag.LeadSource != "Website - newsletter" || record["Lead_Source"] != "Website - newsletter" {
		t.Errorf("default lead source = %q", diag.LeadSource)
	}

	record, diag = f.Format(ctx, "newsletter", "Leads", models.Payload{
		{Name: "Lead_Source", Value: "Referral"},
	})
	if record["Lead_Source"] != "Referral" || diag.LeadSource != "Referral" {
		t.Errorf("existing Lead_Source overwritten: %v", record["Lead_Source"])
	}
}

func TestFormat_BooleanFormatting(t *testing.T) {
	f := New(nil, nil)
	record, _ := f.Format(context.Background(), "f", "Leads", models.Payload{
		{Name: "consent", Value: "1"},
		{Name: "agree_terms", Value: "nope"},
		{Name: "opt_in", Value: "TRUE"},
		{Name: "flag", Value: false},
	})
	want := map[string]bool{"consent": true, "agree_terms": false, "opt_in": true, "flag": false}
	for k, v := range want {
		if record[k] != v {
			t.Errorf("record[%s] = %#v, want %v", k, record[k], v)
		}
	}
}

func TestFormat_MetadataFailureFallsBackToInference(t *testing.T) {
	f := New(nil, staticMetadata{err: errors.New("503 Service Unavailable")})
	record, diag := f.Format(context.Background(), "contact", "Leads", models.Payload{
		{Name: "email", Value: "x@y.org"},
	})
	if record["email"] != "x@y.org" {
		t.Errorf("record = %v", record)
	}
	if len(diag.Warnings) != 1 || !strings.Contains(diag.Warnings[0], "metadata unavailable") {
		t.Errorf("warnings = %v", diag.Warnings)
	}
}

func TestFormat_NilValueIsSkipped(t *testing.T) {
	record, diag := New(nil, nil).Format(context.Background(), "contact", "Leads", models.Payload{
		{Name: "comments", Value: nil},
	})
	if _, ok := record["comments"]; ok {
		t.Error("nil value should be skipped")
	}
	if len(diag.Warnings) != 1 {
		t.Errorf("warnings = %v", diag.Warnings)
	}
}

func TestParseMappings_Errors(t *testing.T) {
	tests := map[string]string{
		"missing name":   "forms:\n  - module: Leads\n",
		"duplicate form": "forms:\n  - name: a\n  - name: a\n",
		"missing source": "forms:\n  - name: a\n    fields:\n      - target: X\n",
		"unknown type":   "forms:\n  - name: a\n    fields:\n      - source: x\n        type: currency\n",
		"bad yaml":       "forms: [",
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseMappings([]byte(data)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestParseMappings_TargetDefaultsToSource(t *testing.T) {
	m := mustParse(t, "forms:\n  - name: a\n    fields:\n      - source: Email\n")
	fc, ok := m.Form("a")
	if !ok || fc.Fields[0].Target != "Email" {
		t.Errorf("form = %+v", fc)
	}
	if _, ok := m.Form("b"); ok {
		t.Error("unknown form found")
	}
}

func TestLoadMappings_ExpandsEnv(t *testing.T) {
	t.Setenv("SYNCPIPE_TEST_SOURCE", "Annual Gala")
	path := filepath.Join(t.TempDir(), "mappings.yaml")
	data := "forms:\n  - name: gala\n    module: Leads\n    lead_source: ${SYNCPIPE_TEST_SOURCE}\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	m, err := LoadMappings(path)
	if err != nil {
		t.Fatalf("LoadMappings failed: %v", err)
	}
	fc, _ := m.Form("gala")
	if fc.LeadSource != "Annual Gala" {
		t.Errorf("LeadSource = %q", fc.LeadSource)
	}
	if _, err := LoadMappings(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
