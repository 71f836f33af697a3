// Package formatter turns a submitted form payload into an outbound CRM record.
//
// Each field is resolved to a target name, a type and a length limit from
// the form's explicit mapping, then from cached CRM metadata, and finally by
// inference from the value itself. Formatting never fails: oversized values
// are truncated and reported as warnings.
package formatter

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/SyncPipe/internal/metrics"
	"github.com/BTreeMap/SyncPipe/internal/models"
)

// LeadSourceField is the CRM field that records where a lead came from.
const LeadSourceField = "Lead_Source"

// leadSourceInput is the submitted field that may carry a lead source.
const leadSourceInput = "lead_source"

// MetadataSource supplies CRM field metadata, normally *fieldcache.Cache.
type MetadataSource interface {
	GetCachedFields(ctx context.Context, module string) ([]models.FieldMetadata, error)
}

// Diagnostics describes what Format did, for the audit trail.
type Diagnostics struct {
	ExcludedFields []string          `json:"excluded_fields,omitempty"`
	LeadSource     string            `json:"lead_source"`
	Warnings       []string          `json:"warnings,omitempty"`
	Mapped         map[string]string `json:"mapped"`
}

// Details flattens the diagnostics for an audit entry.
func (d Diagnostics) Details() map[string]any {
	details := map[string]any{
		"lead_source":   d.LeadSource,
		"mapped_fields": len(d.Mapped),
	}
	if len(d.ExcludedFields) > 0 {
		details["excluded_fields"] = d.ExcludedFields
	}
	if len(d.Warnings) > 0 {
		details["warnings"] = d.Warnings
	}
	return details
}

type descriptor struct {
	target    string
	typ       FieldType
	maxLength int
}

// Formatter builds CRM records.
type Formatter struct {
	mappings *Mappings
	metadata MetadataSource
}

// New creates a Formatter. Both arguments may be nil.
func New(mappings *Mappings, metadata MetadataSource) *Formatter {
	return &Formatter{mappings: mappings, metadata: metadata}
}

// Format converts payload into a record for module. When module is empty
// the form's configured module is used.
func (f *Formatter) Format(ctx context.Context, formName, module string, payload models.Payload) (map[string]any, Diagnostics) {
	diag := Diagnostics{Mapped: make(map[string]string)}
	record := make(map[string]any, len(payload)+1)

	form, _ := f.mappings.Form(formName)
	if module == "" && form != nil {
		module = form.Module
	}
	lookup := f.loadMetadata(ctx, module, &diag)

	var submittedLeadSource string
	for _, field := range payload {
		if field.Name == leadSourceInput {
			if s, ok := field.Value.(string); ok {
				submittedLeadSource = strings.TrimSpace(s)
			}
			continue
		}

		d, ok := f.resolve(form, lookup, field)
		if !ok {
			diag.ExcludedFields = append(diag.ExcludedFields, field.Name)
			continue
		}
		if field.Value == nil {
			diag.Warnings = append(diag.Warnings, fmt.Sprintf("%s has no value", field.Name))
			continue
		}

		value, warning := formatValue(d, field.Value)
		if warning != "" {
			diag.Warnings = append(diag.Warnings, warning)
		}
		record[d.target] = value
		diag.Mapped[field.Name] = d.target
	}

	if existing, ok := record[LeadSourceField]; ok {
		diag.LeadSource = stringify(existing)
	} else {
		diag.LeadSource = resolveLeadSource(form, formName, submittedLeadSource)
		record[LeadSourceField] = diag.LeadSource
	}

	slog.Debug("Formatter.Format: record built", "form", formName, "module", module,
		"mapped", len(diag.Mapped), "excluded", len(diag.ExcludedFields), "warnings", len(diag.Warnings))
	return record, diag
}

func (f *Formatter) loadMetadata(ctx context.Context, module string, diag *Diagnostics) map[string]models.FieldMetadata {
	if f.metadata == nil || module == "" {
		return nil
	}
	fields, err := f.metadata.GetCachedFields(ctx, module)
	if err != nil {
		slog.Warn("Formatter.Format: field metadata unavailable, inferring types", "module", module, "error", err)
		diag.Warnings = append(diag.Warnings, "field metadata unavailable: "+err.Error())
		return nil
	}
	lookup := make(map[string]models.FieldMetadata, len(fields)*2)
	for _, md := range fields {
		lookup[normalize(md.APIName)] = md
		if md.Label != "" {
			if _, taken := lookup[normalize(md.Label)]; !taken {
				lookup[normalize(md.Label)] = md
			}
		}
	}
	return lookup
}

// resolve picks the descriptor of one field. It reports false when strict
// mapping excludes the field.
func (f *Formatter) resolve(form *FormConfig, lookup map[string]models.FieldMetadata, field models.Field) (descriptor, bool) {
	if form != nil {
		if m, ok := form.mapping(field.Name); ok {
			d := descriptor{target: m.Target, typ: m.Type, maxLength: m.MaxLength}
			if md, ok := lookup[normalize(m.Target)]; ok {
				if d.typ == "" {
					d.typ = typeFromMetadata(md)
				}
				if d.maxLength == 0 {
					d.maxLength = md.MaxLength
				}
			}
			if d.typ == "" {
				d.typ = inferType(field.Name, field.Value)
			}
			return d, true
		}
		if form.StrictMapping {
			return descriptor{}, false
		}
	}

	if md, ok := lookup[normalize(field.Name)]; ok {
		return descriptor{target: md.APIName, typ: typeFromMetadata(md), maxLength: md.MaxLength}, true
	}
	return descriptor{target: field.Name, typ: inferType(field.Name, field.Value)}, true
}

func formatValue(d descriptor, value any) (any, string) {
	var s string
	switch d.typ {
	case TypeBoolean:
		return toBool(value), ""
	case TypeMultiSelect:
		s = joinMulti(value)
	default:
		s = strings.TrimSpace(stringify(value))
	}

	cut, truncated := truncate(s, d.maxLength)
	if !truncated {
		return s, ""
	}
	metrics.FieldTruncations.Inc()
	return cut, fmt.Sprintf("%s truncated from %d to %d characters", d.target, len([]rune(s)), d.maxLength)
}

func resolveLeadSource(form *FormConfig, formName, submitted string) string {
	if form != nil && form.LeadSource != "" {
		return form.LeadSource
	}
	if submitted != "" {
		return submitted
	}
	return "Website - " + formName
}

// normalize folds case and separators so "first_name", "First Name" and
// "First_Name" compare equal.
func normalize(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '_', ' ', '-':
			return -1
		}
		return r
	}, strings.ToLower(name))
}
