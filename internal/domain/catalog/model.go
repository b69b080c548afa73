package catalog

import (
	"math"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Sex is the normalized patient/range sex used for range selection.
type Sex string

const (
	SexMale   Sex = "Male"
	SexFemale Sex = "Female"
	SexBoth   Sex = "Both"
)

// NormalizeSex maps free-text sex/gender values onto Male, Female or Both.
// Anything unrecognized is Both.
func NormalizeSex(s string) Sex {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "m", "male", "man":
		return SexMale
	case "f", "female", "woman":
		return SexFemale
	default:
		return SexBoth
	}
}

// MaxAge is the open upper bound used when a range row has no max_age.
const MaxAge = math.MaxInt32

// CatalogTest maps to the lab_tests table.
type CatalogTest struct {
	ID              uuid.UUID `db:"id" json:"id"`
	Name            string    `db:"name" json:"name"`
	Category        string    `db:"category" json:"category"`
	SpecimenType    string    `db:"specimen_type" json:"specimen_type"`
	Price           float64   `db:"price" json:"price"`
	TurnaroundHours int       `db:"turnaround_hours" json:"turnaround_hours"`
	Preparation     string    `db:"preparation" json:"preparation,omitempty"`
}

// SubTestDefinition is a measurable component of a CatalogTest. It is derived
// from the distinct (test_name, sub_test_name) pairs of lab_test_config.
type SubTestDefinition struct {
	TestName string                 `json:"test_name"`
	Name     string                 `json:"name"`
	Unit     string                 `json:"unit"`
	Ranges   []ReferenceRangeRecord `json:"ranges"`
}

// ReferenceRangeRecord maps to one lab_test_config row after coercion:
// gender is normalized, NULL ages open the band, NULL bounds stay nil.
type ReferenceRangeRecord struct {
	ID          int64    `db:"id" json:"id"`
	TestName    string   `db:"test_name" json:"test_name"`
	SubTestName string   `db:"sub_test_name" json:"sub_test_name"`
	Unit        string   `db:"unit" json:"unit"`
	Min         *float64 `db:"min_value" json:"min_value,omitempty"`
	Max         *float64 `db:"max_value" json:"max_value,omitempty"`
	Sex         Sex      `db:"gender" json:"gender"`
	MinAge      int      `db:"min_age" json:"min_age"`
	MaxAge      int      `db:"max_age" json:"max_age"`
}

// ContainsAge reports whether age falls inside the inclusive age band.
func (r ReferenceRangeRecord) ContainsAge(age int) bool {
	return age >= 0 && age >= r.MinAge && age <= r.MaxAge
}

// AppliesTo reports whether the record's sex is the patient's sex or Both.
func (r ReferenceRangeRecord) AppliesTo(sex Sex) bool {
	return r.Sex == sex || r.Sex == SexBoth
}

// Text renders the record as "<min> - <max> <unit>".
func (r ReferenceRangeRecord) Text() string {
	var s string
	switch {
	case r.Min != nil && r.Max != nil:
		s = formatBound(*r.Min) + " - " + formatBound(*r.Max)
	case r.Max != nil:
		s = "< " + formatBound(*r.Max)
	case r.Min != nil:
		s = "> " + formatBound(*r.Min)
	default:
		return ""
	}
	if u := strings.TrimSpace(r.Unit); u != "" {
		s += " " + u
	}
	return s
}

// formatBound prints at least one decimal place: 12 -> "12.0", 0.45 -> "0.45".
func formatBound(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s
}

// coerceAges fills the open ends of an age band and orders a reversed band.
func coerceAges(minAge, maxAge *int32) (int, int) {
	lo, hi := 0, MaxAge
	if minAge != nil && *minAge > 0 {
		lo = int(*minAge)
	}
	if maxAge != nil && *maxAge >= 0 {
		hi = int(*maxAge)
	}
	if lo > hi {
		lo, hi = hi, lo
	}
	return lo, hi
}
