package catalog

import "strings"

// GenericRange is returned when neither catalog rows nor the fallback table
// know a sub-test.
const GenericRange = "Consult reference values"

// Fallback supplies a range when the catalog has no rows for a sub-test.
type Fallback interface {
	Lookup(subTestName string, sex Sex) (string, bool)
}

// lexicalEntry matches when its key is a substring of the lower-cased name.
type lexicalEntry struct {
	key    string
	male   string
	female string
	both   string
}

func (e lexicalEntry) text(sex Sex) string {
	switch sex {
	case SexMale:
		if e.male != "" {
			return e.male
		}
	case SexFemale:
		if e.female != "" {
			return e.female
		}
	}
	return e.both
}

// LexicalTable is the last-resort default range table keyed by
// case-insensitive substring of the sub-test display name. Entries are
// checked in order, so more specific keys come first.
type LexicalTable struct {
	entries []lexicalEntry
}

// DefaultLexicalTable returns the built-in adult defaults.
func DefaultLexicalTable() *LexicalTable {
	return &LexicalTable{entries: []lexicalEntry{
		// Names that contain "hemoglobin" but are not hemoglobin.
		{key: "hba1c", both: "4.0 - 5.6 %"},
		{key: "glycated", both: "4.0 - 5.6 %"},
		{key: "glycosylated", both: "4.0 - 5.6 %"},
		{key: "corpuscular hemoglobin concentration", both: "32 - 36 g/dL"},
		{key: "corpuscular haemoglobin concentration", both: "32 - 36 g/dL"},
		{key: "mchc", both: "32 - 36 g/dL"},
		{key: "corpuscular hemoglobin", both: "27 - 33 pg"},
		{key: "corpuscular haemoglobin", both: "27 - 33 pg"},
		{key: "mch", both: "27 - 33 pg"},
		{key: "hemoglobin", male: "13.5 - 17.5 g/dL", female: "12.0 - 15.5 g/dL", both: "12.0 - 17.5 g/dL"},
		{key: "haemoglobin", male: "13.5 - 17.5 g/dL", female: "12.0 - 15.5 g/dL", both: "12.0 - 17.5 g/dL"},
		{key: "hematocrit", male: "41 - 53 %", female: "36 - 46 %", both: "36 - 53 %"},
		{key: "esr", male: "0 - 15 mm/hr", female: "0 - 20 mm/hr", both: "0 - 20 mm/hr"},
		{key: "creatinine", male: "0.7 - 1.3 mg/dL", female: "0.6 - 1.1 mg/dL", both: "0.6 - 1.3 mg/dL"},
		{key: "uric acid", male: "3.4 - 7.0 mg/dL", female: "2.4 - 6.0 mg/dL", both: "2.4 - 7.0 mg/dL"},
		{key: "glucose", both: "70 - 100 mg/dL (fasting)"},
		{key: "wbc", both: "4,000 - 11,000 /µL"},
		{key: "white blood", both: "4,000 - 11,000 /µL"},
		{key: "rbc", male: "4.7 - 6.1 million/µL", female: "4.2 - 5.4 million/µL", both: "4.2 - 6.1 million/µL"},
		{key: "platelet", both: "150,000 - 450,000 /µL"},
		{key: "urea", both: "7 - 20 mg/dL"},
		{key: "sodium", both: "135 - 145 mmol/L"},
		{key: "potassium", both: "3.5 - 5.0 mmol/L"},
		{key: "chloride", both: "98 - 107 mmol/L"},
		// "vldl" contains "ldl" and "non-hdl" contains "hdl".
		{key: "vldl", both: "5 - 40 mg/dL"},
		{key: "non-hdl", both: "< 130 mg/dL"},
		{key: "non hdl", both: "< 130 mg/dL"},
		{key: "hdl", both: "> 40 mg/dL"},
		{key: "ldl", both: "< 100 mg/dL"},
		{key: "triglyceride", both: "< 150 mg/dL"},
		{key: "cholesterol", both: "< 200 mg/dL"},
		{key: "bilirubin", both: "0.1 - 1.2 mg/dL"},
		{key: "sgpt", both: "7 - 56 U/L"},
		{key: "alanine aminotransferase", both: "7 - 56 U/L"},
		{key: "sgot", both: "10 - 40 U/L"},
		{key: "aspartate aminotransferase", both: "10 - 40 U/L"},
		{key: "tsh", both: "0.4 - 4.0 mIU/L"},
	}}
}

func (t *LexicalTable) Lookup(subTestName string, sex Sex) (string, bool) {
	name := strings.ToLower(subTestName)
	if strings.TrimSpace(name) == "" {
		return "", false
	}
	for _, e := range t.entries {
		if strings.Contains(name, e.key) {
			return e.text(sex), true
		}
	}
	return "", false
}
