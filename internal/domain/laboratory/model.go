package laboratory

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type Priority string

const (
	PriorityNormal Priority = "Normal"
	PriorityHigh   Priority = "High"
	PriorityUrgent Priority = "Urgent"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// CollectionStatus is the sample workflow state of a line item.
type CollectionStatus string

const (
	StatusNotTaken CollectionStatus = "not_taken"
	StatusTaken    CollectionStatus = "taken"
	StatusSaved    CollectionStatus = "saved"
)

// FormState is the result entry lock. It is independent of CollectionStatus.
type FormState string

const (
	FormEditable FormState = "editable"
	FormLocked   FormState = "locked"
)

type ResultStatus string

const (
	ResultPreliminary ResultStatus = "Preliminary"
	ResultFinal       ResultStatus = "Final"
)

// UnknownAge is passed to the range resolver when the patient has no
// recorded age.
const UnknownAge = -1

type PatientSnapshot struct {
	ID    *uuid.UUID `json:"id,omitempty"`
	Name  string     `json:"name"`
	Age   *int       `json:"age,omitempty"`
	Sex   string     `json:"sex,omitempty"`
	Phone string     `json:"phone,omitempty"`
}

// AgeOrUnknown returns the age for range resolution.
func (p PatientSnapshot) AgeOrUnknown() int {
	if p.Age == nil {
		return UnknownAge
	}
	return *p.Age
}

// VisitSnapshot is the read-only view of a registered visit.
type VisitSnapshot struct {
	VisitID    uuid.UUID       `json:"visit_id"`
	Patient    PatientSnapshot `json:"patient"`
	DoctorName string          `json:"doctor_name,omitempty"`
}

type ClinicianFields struct {
	OrderingClinician    string   `json:"ordering_clinician"`
	Priority             Priority `json:"priority"`
	ClinicalHistory      string   `json:"clinical_history"`
	ProvisionalDiagnosis string   `json:"provisional_diagnosis"`
	SpecialInstructions  string   `json:"special_instructions"`
}

type LabOrder struct {
	ID                   uuid.UUID          `json:"id"`
	FacilityID           string             `json:"facility_id,omitempty"`
	VisitID              uuid.UUID          `json:"visit_id"`
	Patient              PatientSnapshot    `json:"patient"`
	OrderingClinician    string             `json:"ordering_clinician"`
	Priority             Priority           `json:"priority"`
	ClinicalHistory      string             `json:"clinical_history,omitempty"`
	ProvisionalDiagnosis string             `json:"provisional_diagnosis,omitempty"`
	SpecialInstructions  string             `json:"special_instructions,omitempty"`
	CreatedAt            time.Time          `json:"created_at"`
	Items                []*LabTestLineItem `json:"items"`
}

type LabTestLineItem struct {
	ID            uuid.UUID        `json:"id"`
	OrderID       uuid.UUID        `json:"order_id"`
	VisitID       uuid.UUID        `json:"visit_id"`
	TestID        uuid.UUID        `json:"test_id"`
	TestName      string           `json:"test_name"`
	Status        CollectionStatus `json:"status"`
	Included      bool             `json:"included"`
	FormState     FormState        `json:"form_state"`
	OrderedDate   time.Time        `json:"ordered_date"`
	CollectedDate *time.Time       `json:"collected_date,omitempty"`
	CompletedDate *time.Time       `json:"completed_date,omitempty"`
	ResultValue   *string          `json:"result_value,omitempty"`
	NormalRange   *string          `json:"normal_range,omitempty"`
	Notes         string           `json:"notes,omitempty"`
}

// ReadyForEntry reports whether results may be recorded for the item.
func (li *LabTestLineItem) ReadyForEntry() bool {
	return li.Status == StatusSaved && li.Included
}

// ResultRecord is one persisted observation. Records are append-only; a
// correction is a new record with a higher Revision.
type ResultRecord struct {
	ID              uuid.UUID    `json:"id"`
	LineItemID      *uuid.UUID   `json:"line_item_id,omitempty"`
	MainTestName    string       `json:"main_test_name"`
	TestName        string       `json:"test_name"`
	Category        string       `json:"category,omitempty"`
	ResultValue     string       `json:"result_value"`
	Unit            string       `json:"unit,omitempty"`
	ReferenceRange  string       `json:"reference_range"`
	Comments        string       `json:"comments,omitempty"`
	IsAbnormal      bool         `json:"is_abnormal"`
	Status          ResultStatus `json:"status"`
	TechnicianName  string       `json:"technician_name,omitempty"`
	PathologistName string       `json:"pathologist_name,omitempty"`
	Authenticated   bool         `json:"authenticated"`
	PatientName     string       `json:"patient_name"`
	PatientAge      *int         `json:"patient_age,omitempty"`
	PatientSex      string       `json:"patient_sex,omitempty"`
	VisitID         *uuid.UUID   `json:"visit_id,omitempty"`
	PatientID       *uuid.UUID   `json:"patient_id,omitempty"`
	Revision        int          `json:"revision"`
	Degraded        bool         `json:"degraded"`
	CreatedAt       time.Time    `json:"created_at"`
}

// EntryInput is what the technician typed for one test or sub-test.
type EntryInput struct {
	Value    string `json:"value"`
	Unit     string `json:"unit,omitempty"`
	Comments string `json:"comments,omitempty"`
	Abnormal bool   `json:"abnormal,omitempty"`
}

// Blank reports whether neither a value nor a comment was entered.
func (in EntryInput) Blank() bool {
	return strings.TrimSpace(in.Value) == "" && strings.TrimSpace(in.Comments) == ""
}

type SaveResultsInput struct {
	Parent          EntryInput            `json:"parent"`
	SubTests        map[string]EntryInput `json:"sub_tests"`
	Authenticated   bool                  `json:"authenticated"`
	TechnicianName  string                `json:"technician_name"`
	PathologistName string                `json:"pathologist_name"`
}

type SavedResultSet struct {
	LineItemID uuid.UUID       `json:"line_item_id"`
	Revision   int             `json:"revision"`
	Records    []*ResultRecord `json:"records"`
	Degraded   int             `json:"degraded"`
}

// BatchResult lists the outcome of a collection batch save per item.
type BatchResult struct {
	Saved   []uuid.UUID `json:"saved"`
	Failed  []uuid.UUID `json:"failed"`
	Skipped []uuid.UUID `json:"skipped"`
}

// EntryField is one input row on the result entry form with its frozen range.
type EntryField struct {
	Name        string `json:"name"`
	Unit        string `json:"unit,omitempty"`
	Range       string `json:"range"`
	RangeSource string `json:"range_source"`
}

type EntryForm struct {
	Item     *LabTestLineItem `json:"item"`
	Category string           `json:"category,omitempty"`
	Parent   EntryField       `json:"parent"`
	SubTests []EntryField     `json:"sub_tests"`
	Locked   bool             `json:"locked"`
}

type EntrySession struct {
	OrderID uuid.UUID       `json:"order_id"`
	Patient PatientSnapshot `json:"patient"`
	Forms   []*EntryForm    `json:"forms"`
}
