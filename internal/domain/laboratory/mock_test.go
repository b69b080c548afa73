package laboratory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/labflow/internal/domain/catalog"
)

// -- In-memory store --

// memStore backs every repository. WithinTx serializes transactions and
// restores a snapshot when fn fails.
type memStore struct {
	txMu sync.Mutex
	mu   sync.Mutex

	orders  map[uuid.UUID]*LabOrder
	items   map[uuid.UUID]*LabTestLineItem
	results []*ResultRecord
	visits  map[uuid.UUID]*VisitSnapshot
	seq     int
	created map[uuid.UUID]int

	history map[uuid.UUID][]CollectionStatus
	writes  int

	failTransition map[uuid.UUID]error
	failItemCreate int // fail the n-th line item insert, 1-based
	itemCreates    int
	failInsert     error
	failReduced    error
	beforeLock     func(id uuid.UUID) // runs ahead of LockForm, outside mu
}

func newMemStore() *memStore {
	return &memStore{
		orders:         make(map[uuid.UUID]*LabOrder),
		items:          make(map[uuid.UUID]*LabTestLineItem),
		visits:         make(map[uuid.UUID]*VisitSnapshot),
		created:        make(map[uuid.UUID]int),
		history:        make(map[uuid.UUID][]CollectionStatus),
		failTransition: make(map[uuid.UUID]error),
	}
}

type memSnapshot struct {
	orders  map[uuid.UUID]LabOrder
	items   map[uuid.UUID]LabTestLineItem
	results []ResultRecord
}

func (m *memStore) snapshot() memSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := memSnapshot{
		orders: make(map[uuid.UUID]LabOrder, len(m.orders)),
		items:  make(map[uuid.UUID]LabTestLineItem, len(m.items)),
	}
	for k, v := range m.orders {
		s.orders[k] = *v
	}
	for k, v := range m.items {
		s.items[k] = *v
	}
	for _, r := range m.results {
		s.results = append(s.results, *r)
	}
	return s
}

func (m *memStore) restore(s memSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders = make(map[uuid.UUID]*LabOrder, len(s.orders))
	for k, v := range s.orders {
		v := v
		m.orders[k] = &v
	}
	m.items = make(map[uuid.UUID]*LabTestLineItem, len(s.items))
	for k, v := range s.items {
		v := v
		m.items[k] = &v
	}
	m.results = nil
	for _, r := range s.results {
		r := r
		m.results = append(m.results, &r)
	}
}

func (m *memStore) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	snap := m.snapshot()
	if err := fn(ctx); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

func (m *memStore) GetVisit(_ context.Context, id uuid.UUID) (*VisitSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.visits[id]
	if !ok {
		return nil, fmt.Errorf("visit %s: %w", id, ErrNotFound)
	}
	cp := *v
	return &cp, nil
}

func (m *memStore) itemState(id uuid.UUID) LabTestLineItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.items[id]
}

func (m *memStore) resultCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.results)
}

func (m *memStore) writeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

// -- Orders --

type memOrders struct{ *memStore }

func (m memOrders) Create(_ context.Context, o *LabOrder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	o.CreatedAt = time.Now()
	cp := *o
	cp.Items = nil
	m.orders[o.ID] = &cp
	return nil
}

func (m memOrders) GetByID(_ context.Context, id uuid.UUID) (*LabOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, fmt.Errorf("lab order %s: %w", id, ErrNotFound)
	}
	cp := *o
	return &cp, nil
}

func (m memOrders) ListByVisit(_ context.Context, visitID uuid.UUID, limit, offset int) ([]*LabOrder, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []*LabOrder
	for _, o := range m.orders {
		if o.VisitID == visitID {
			cp := *o
			all = append(all, &cp)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID.String() < all[j].ID.String() })
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

// -- Line items --

type memItems struct{ *memStore }

func (m memItems) Create(_ context.Context, li *LabTestLineItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.itemCreates++
	if m.failItemCreate > 0 && m.itemCreates == m.failItemCreate {
		return errors.New("insert visit_labs: connection reset")
	}
	m.writes++
	m.seq++
	li.OrderedDate = time.Now()
	cp := *li
	m.items[li.ID] = &cp
	m.created[li.ID] = m.seq
	m.history[li.ID] = append(m.history[li.ID], li.Status)
	return nil
}

func (m memItems) GetByID(_ context.Context, id uuid.UUID) (*LabTestLineItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	li, ok := m.items[id]
	if !ok {
		return nil, fmt.Errorf("line item %s: %w", id, ErrNotFound)
	}
	cp := *li
	return &cp, nil
}

func (m memItems) ListByOrder(_ context.Context, orderID uuid.UUID) ([]*LabTestLineItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*LabTestLineItem
	for _, li := range m.items {
		if li.OrderID == orderID {
			cp := *li
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return m.created[out[i].ID] < m.created[out[j].ID] })
	return out, nil
}

func (m memItems) Transition(_ context.Context, id uuid.UUID, from, to CollectionStatus, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failTransition[id]; err != nil {
		return err
	}
	li, ok := m.items[id]
	if !ok {
		return ErrNotFound
	}
	if li.Status != from {
		return ErrInvalidTransition
	}
	m.writes++
	li.Status = to
	switch to {
	case StatusTaken:
		li.CollectedDate = &at
	case StatusNotTaken:
		li.CollectedDate = nil
		li.Included = false
	}
	m.history[id] = append(m.history[id], to)
	return nil
}

func (m memItems) SetIncluded(_ context.Context, id uuid.UUID, included bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	li := m.items[id]
	if included && li.Status != StatusSaved {
		return ErrInvalidTransition
	}
	m.writes++
	li.Included = included
	return nil
}

func (m memItems) LockForm(_ context.Context, id uuid.UUID) error {
	if m.beforeLock != nil {
		m.beforeLock(id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	li, ok := m.items[id]
	if !ok {
		return ErrNotFound
	}
	if !li.ReadyForEntry() || li.FormState != FormEditable {
		return lockConflict(id, li.Status, li.Included)
	}
	m.writes++
	li.FormState = FormLocked
	return nil
}

func (m memItems) UnlockForm(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	li := m.items[id]
	if li.FormState != FormLocked {
		return ErrInvalidTransition
	}
	m.writes++
	li.FormState = FormEditable
	return nil
}

func (m memItems) StampSummary(_ context.Context, id uuid.UUID, value, normalRange string, completedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	li := m.items[id]
	li.ResultValue = &value
	li.NormalRange = &normalRange
	li.CompletedDate = &completedAt
	return nil
}

// -- Results --

type memResults struct{ *memStore }

func (m memResults) NextRevision(_ context.Context, lineItemID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rev := 0
	for _, r := range m.results {
		if r.LineItemID != nil && *r.LineItemID == lineItemID && r.Revision > rev {
			rev = r.Revision
		}
	}
	return rev + 1, nil
}

func (m memResults) Insert(_ context.Context, r *ResultRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failInsert != nil {
		return m.failInsert
	}
	m.writes++
	r.CreatedAt = time.Now()
	cp := *r
	m.results = append(m.results, &cp)
	return nil
}

func (m memResults) InsertReduced(_ context.Context, r *ResultRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failReduced != nil {
		return m.failReduced
	}
	m.writes++
	r.CreatedAt = time.Now()
	cp := *r
	m.results = append(m.results, &cp)
	return nil
}

func (m memResults) ListByLineItem(_ context.Context, lineItemID uuid.UUID) ([]*ResultRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*ResultRecord
	for _, r := range m.results {
		if r.LineItemID != nil && *r.LineItemID == lineItemID {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m memResults) ListByOrder(_ context.Context, orderID uuid.UUID) ([]*ResultRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*ResultRecord
	for _, r := range m.results {
		if r.LineItemID == nil {
			continue
		}
		if li, ok := m.items[*r.LineItemID]; ok && li.OrderID == orderID {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

// -- Catalog and ranges --

type fakeCatalog struct {
	tests map[uuid.UUID]*catalog.CatalogTest
	subs  map[string][]catalog.SubTestDefinition
}

func (f *fakeCatalog) GetTest(_ context.Context, id uuid.UUID) (*catalog.CatalogTest, error) {
	t, ok := f.tests[id]
	if !ok {
		return nil, catalog.ErrTestNotFound
	}
	return t, nil
}

func (f *fakeCatalog) GetTestsByIDs(_ context.Context, ids []uuid.UUID) (map[uuid.UUID]*catalog.CatalogTest, error) {
	out := make(map[uuid.UUID]*catalog.CatalogTest)
	for _, id := range ids {
		if t, ok := f.tests[id]; ok {
			out[id] = t
		}
	}
	return out, nil
}

func (f *fakeCatalog) ListEntryDefinitions(_ context.Context, testName string) ([]catalog.SubTestDefinition, string, error) {
	defs, parentUnit := catalog.SplitParent(testName, f.subs[testName])
	return defs, parentUnit, nil
}

// stubRanges returns fixed texts and records every call.
type stubRanges struct {
	mu    sync.Mutex
	texts map[string]string
	calls int
	age   int
	sex   string
}

func (s *stubRanges) ResolveAll(_ context.Context, names []string, age int, sex string) map[string]catalog.RangeDescription {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.age, s.sex = age, sex
	out := make(map[string]catalog.RangeDescription, len(names))
	for _, n := range names {
		if t, ok := s.texts[n]; ok {
			out[n] = catalog.RangeDescription{SubTest: n, Text: t, Source: catalog.SourceAgeAndSex}
			continue
		}
		out[n] = catalog.RangeDescription{SubTest: n, Text: catalog.GenericRange, Source: catalog.SourceGeneric}
	}
	return out
}

// countingMetrics records events emitted by the service.
type countingMetrics struct {
	mu                                        sync.Mutex
	orders, partial, degraded, failed, locked int
	transitions                               map[string]int
	saved                                     map[string]int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{transitions: map[string]int{}, saved: map[string]int{}}
}

func (c *countingMetrics) inc(field *int) {
	c.mu.Lock()
	*field++
	c.mu.Unlock()
}

func (c *countingMetrics) OrderCreated(int) { c.inc(&c.orders) }
func (c *countingMetrics) BatchPartialFailure() { c.inc(&c.partial) }
func (c *countingMetrics) ResultWriteDegraded() { c.inc(&c.degraded) }
func (c *countingMetrics) ResultWriteFailed() { c.inc(&c.failed) }
func (c *countingMetrics) FormLockConflict() { c.inc(&c.locked) }

func (c *countingMetrics) Transition(to string) {
	c.mu.Lock()
	c.transitions[to]++
	c.mu.Unlock()
}

func (c *countingMetrics) ResultSaved(status string) {
	c.mu.Lock()
	c.saved[status]++
	c.mu.Unlock()
}

// -- Fixture --

type fixture struct {
	svc     *Service
	store   *memStore
	cat     *fakeCatalog
	ranges  *stubRanges
	metrics *countingMetrics
	visit   VisitSnapshot

	cbcID     uuid.UUID
	glucoseID uuid.UUID
	lipidID   uuid.UUID
}

func ptrInt(v int) *int { return &v }

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:     newMemStore(),
		ranges:    &stubRanges{texts: map[string]string{}},
		metrics:   newCountingMetrics(),
		cbcID:     uuid.New(),
		glucoseID: uuid.New(),
		lipidID:   uuid.New(),
	}
	f.cat = &fakeCatalog{
		tests: map[uuid.UUID]*catalog.CatalogTest{
			f.cbcID:     {ID: f.cbcID, Name: "Complete Blood Count", Category: "Hematology"},
			f.glucoseID: {ID: f.glucoseID, Name: "Fasting Blood Glucose", Category: "Biochemistry"},
			f.lipidID:   {ID: f.lipidID, Name: "Lipid Profile", Category: "Biochemistry"},
		},
		subs: map[string][]catalog.SubTestDefinition{
			"Complete Blood Count": {
				{TestName: "Complete Blood Count", Name: "Hemoglobin", Unit: "g/dL"},
				{TestName: "Complete Blood Count", Name: "WBC", Unit: "10^3/uL"},
			},
			"Lipid Profile": {
				{TestName: "Lipid Profile", Name: "Total Cholesterol", Unit: "mg/dL"},
			},
			"Fasting Blood Glucose": {
				{TestName: "Fasting Blood Glucose", Name: "Fasting Blood Glucose", Unit: "mg/dL"},
			},
		},
	}

	patientID := uuid.New()
	f.visit = VisitSnapshot{
		VisitID:    uuid.New(),
		Patient:    PatientSnapshot{ID: &patientID, Name: "Meera Iyer", Age: ptrInt(40), Sex: "Male", Phone: "555-0100"},
		DoctorName: "Dr. Kapoor",
	}
	f.store.visits[f.visit.VisitID] = &f.visit

	f.svc = NewService(memOrders{f.store}, memItems{f.store}, memResults{f.store}, f.store, f.store,
		f.cat, f.ranges, zerolog.Nop())
	f.svc.SetMetrics(f.metrics)
	return f
}

func (f *fixture) order(t *testing.T, testIDs ...uuid.UUID) *LabOrder {
	t.Helper()
	o, err := f.svc.CreateOrder(context.Background(), f.visit, ClinicianFields{OrderingClinician: "Dr. Kapoor"}, testIDs)
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	return o
}

// readyItem walks a fresh line item to saved and included.
func (f *fixture) readyItem(t *testing.T, testID uuid.UUID) *LabTestLineItem {
	t.Helper()
	ctx := context.Background()
	li := f.order(t, testID).Items[0]
	if _, err := f.svc.MarkCollected(ctx, li.ID); err != nil {
		t.Fatalf("mark collected: %v", err)
	}
	if _, err := f.svc.SaveCollectedBatch(ctx, []uuid.UUID{li.ID}); err != nil {
		t.Fatalf("save batch: %v", err)
	}
	got, err := f.svc.SetIncluded(ctx, li.ID, true)
	if err != nil {
		t.Fatalf("set included: %v", err)
	}
	return got
}
