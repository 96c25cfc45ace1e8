// Package fhir fetches and merges clinical-record bundles from the
// upstream FHIR data store.
package fhir

import (
	"fmt"
	"strings"
)

// Category is a requestable class of clinical records.
type Category string

const (
	PatientDemographics Category = "PATIENT_DEMOGRAPHICS"
	Conditions          Category = "CONDITIONS"
	Medications         Category = "MEDICATIONS"
	LabResults          Category = "LAB_RESULTS"
	VitalSigns          Category = "VITAL_SIGNS"
	Immunizations       Category = "IMMUNIZATIONS"
	Allergies           Category = "ALLERGIES"
	Procedures          Category = "PROCEDURES"
	DiagnosticReports   Category = "DIAGNOSTIC_REPORTS"
	Encounters          Category = "ENCOUNTERS"
	ClinicalDocuments   Category = "CLINICAL_DOCUMENTS"
)

type categoryDef struct {
	resourceType string
	// searchParams templates the query string on the subject id; empty
	// means the category is a direct read keyed by subject id.
	searchParams string
}

var categoryDefs = map[Category]categoryDef{
	PatientDemographics: {"Patient", ""},
	Conditions:          {"Condition", "patient={id}"},
	Medications:         {"MedicationRequest", "patient={id}"},
	LabResults:          {"Observation", "patient={id}&category=laboratory"},
	VitalSigns:          {"Observation", "patient={id}&category=vital-signs"},
	Immunizations:       {"Immunization", "patient={id}"},
	Allergies:           {"AllergyIntolerance", "patient={id}"},
	Procedures:          {"Procedure", "patient={id}"},
	DiagnosticReports:   {"DiagnosticReport", "patient={id}"},
	Encounters:          {"Encounter", "patient={id}"},
	ClinicalDocuments:   {"DocumentReference", "patient={id}&category=clinical-note"},
}

// ParseCategory validates a category name.
func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToUpper(s))
	if _, ok := categoryDefs[c]; !ok {
		return "", fmt.Errorf("unknown category %q", s)
	}
	return c, nil
}

// ResourceType returns the FHIR resource type the category maps to.
func (c Category) ResourceType() string {
	return categoryDefs[c].resourceType
}

// IsDirectRead reports whether the category is a singular resource
// fetched by subject id rather than searched.
func (c Category) IsDirectRead() bool {
	return categoryDefs[c].searchParams == ""
}

// SearchParams builds the search query string for a subject.
func (c Category) SearchParams(subjectID string) string {
	return strings.ReplaceAll(categoryDefs[c].searchParams, "{id}", subjectID)
}
