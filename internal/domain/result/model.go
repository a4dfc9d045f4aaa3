package result

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// DateLayout is the wire and CSV format of an observation date.
const DateLayout = "2006-01-02"

// ItemValue is one analyte reading. Values are kept verbatim as strings;
// "陰性" and "<0.1" are as valid as "5.2".
type ItemValue struct {
	Value        string `json:"value"`
	Unit         string `json:"unit,omitempty"`
	ReferenceMin string `json:"reference_min,omitempty"`
	ReferenceMax string `json:"reference_max,omitempty"`
}

// Items maps a free-text item name to its reading.
type Items map[string]ItemValue

// Provenance identifies the upload row a result came from. It is nil for
// results a patient entered directly.
type Provenance struct {
	OrganizationID  uuid.UUID `json:"organization_id"`
	StaffID         string    `json:"staff_id"`
	SourceFileName  string    `json:"source_file_name"`
	SourceRowNumber int       `json:"source_row_number"`
}

// TestResult is one panel for one patient on one date. It is created once
// and never updated.
type TestResult struct {
	ID             uuid.UUID   `json:"id"`
	PatientID      uuid.UUID   `json:"patient_id"`
	ObservedDate   time.Time   `json:"observed_date"`
	Items          Items       `json:"items"`
	Provenance     *Provenance `json:"provenance,omitempty"`
	SourceFileName string      `json:"source_file_name,omitempty"`
	Notes          string      `json:"notes,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
}

func (r TestResult) MarshalJSON() ([]byte, error) {
	type alias TestResult
	return json.Marshal(struct {
		alias
		ObservedDate string `json:"observed_date"`
	}{alias(r), r.ObservedDate.Format(DateLayout)})
}

// Summary is a list row without the item payload.
type Summary struct {
	ID             uuid.UUID `json:"id"`
	ObservedDate   string    `json:"observed_date"`
	ItemCount      int       `json:"item_count"`
	SourceFileName string    `json:"source_file_name,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// StaffSummary is a list row for an organization's staff.
type StaffSummary struct {
	Summary
	PatientID       uuid.UUID `json:"patient_id"`
	PatientName     string    `json:"patient_name"`
	PatientEmail    string    `json:"patient_email"`
	SourceRowNumber *int      `json:"source_row_number,omitempty"`
}

// Detail is a full result with the owning patient's contact fields.
type Detail struct {
	TestResult
	PatientName  string `json:"patient_name"`
	PatientEmail string `json:"patient_email"`
}

func (d Detail) MarshalJSON() ([]byte, error) {
	base, err := d.TestResult.MarshalJSON()
	if err != nil {
		return nil, err
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(base, &m); err != nil {
		return nil, err
	}
	m["patient_name"], _ = json.Marshal(d.PatientName)
	m["patient_email"], _ = json.Marshal(d.PatientEmail)
	return json.Marshal(m)
}

// OrganizationStats backs the staff dashboard.
type OrganizationStats struct {
	TotalResults  int `json:"total_results"`
	TotalPatients int `json:"total_patients"`
}
