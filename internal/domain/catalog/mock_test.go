package catalog

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

func ptrFloat(f float64) *float64 { return &f }
func ptrInt32(i int32) *int32     { return &i }

type mockCatalogRepo struct {
	mu       sync.Mutex
	tests    map[uuid.UUID]*CatalogTest
	ranges   []ReferenceRangeRecord
	failWith error
	lookups  int
}

func newMockCatalogRepo() *mockCatalogRepo {
	return &mockCatalogRepo{tests: make(map[uuid.UUID]*CatalogTest)}
}

func (m *mockCatalogRepo) addTest(name, category string) *CatalogTest {
	t := &CatalogTest{ID: uuid.New(), Name: name, Category: category}
	m.tests[t.ID] = t
	return t
}

func (m *mockCatalogRepo) addRange(rec ReferenceRangeRecord) {
	rec.ID = int64(len(m.ranges) + 1)
	m.ranges = append(m.ranges, rec)
}

func (m *mockCatalogRepo) ListOrderableTests(_ context.Context) ([]*CatalogTest, error) {
	var out []*CatalogTest
	for _, t := range m.tests {
		out = append(out, t)
	}
	return out, nil
}

func (m *mockCatalogRepo) GetTest(_ context.Context, id uuid.UUID) (*CatalogTest, error) {
	t, ok := m.tests[id]
	if !ok {
		return nil, ErrTestNotFound
	}
	return t, nil
}

func (m *mockCatalogRepo) GetTestsByIDs(_ context.Context, ids []uuid.UUID) (map[uuid.UUID]*CatalogTest, error) {
	out := make(map[uuid.UUID]*CatalogTest)
	for _, id := range ids {
		if t, ok := m.tests[id]; ok {
			out[id] = t
		}
	}
	return out, nil
}

func (m *mockCatalogRepo) ListSubTestsAndRanges(_ context.Context, testName string) ([]SubTestDefinition, error) {
	var rows []ReferenceRangeRecord
	for _, r := range m.ranges {
		if r.TestName == testName {
			rows = append(rows, r)
		}
	}
	return GroupSubTests(rows), nil
}

func (m *mockCatalogRepo) RangesForSubTest(_ context.Context, name string) ([]ReferenceRangeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lookups++
	if m.failWith != nil {
		return nil, m.failWith
	}
	var out []ReferenceRangeRecord
	for _, r := range m.ranges {
		if r.SubTestName == name {
			out = append(out, r)
		}
	}
	return out, nil
}

var errLookup = errors.New("connection reset")

// cbcRepo seeds the Complete Blood Count example: Hemoglobin by sex, WBC for both.
func cbcRepo() *mockCatalogRepo {
	m := newMockCatalogRepo()
	m.addTest("Complete Blood Count", "Hematology")
	m.addRange(ReferenceRangeRecord{TestName: "Complete Blood Count", SubTestName: "Hemoglobin", Unit: "g/dL",
		Min: ptrFloat(12.0), Max: ptrFloat(15.5), Sex: SexFemale, MinAge: 18, MaxAge: 60})
	m.addRange(ReferenceRangeRecord{TestName: "Complete Blood Count", SubTestName: "Hemoglobin", Unit: "g/dL",
		Min: ptrFloat(13.5), Max: ptrFloat(17.5), Sex: SexMale, MinAge: 18, MaxAge: 60})
	m.addRange(ReferenceRangeRecord{TestName: "Complete Blood Count", SubTestName: "WBC", Unit: "10^3/µL",
		Min: ptrFloat(4), Max: ptrFloat(11), Sex: SexBoth, MinAge: 0, MaxAge: MaxAge})
	return m
}
