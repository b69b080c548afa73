package laboratory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/labflow/internal/domain/catalog"
	"github.com/ehr/labflow/internal/platform/db"
)

// Metrics receives pipeline events; metrics.Collector satisfies it.
type Metrics interface {
	OrderCreated(items int)
	Transition(to string)
	BatchPartialFailure()
	ResultSaved(status string)
	ResultWriteDegraded()
	ResultWriteFailed()
	FormLockConflict()
}

type nopMetrics struct{}

func (nopMetrics) OrderCreated(int) {}
func (nopMetrics) Transition(string) {}
func (nopMetrics) BatchPartialFailure() {}
func (nopMetrics) ResultSaved(string) {}
func (nopMetrics) ResultWriteDegraded() {}
func (nopMetrics) ResultWriteFailed() {}
func (nopMetrics) FormLockConflict() {}

type Service struct {
	orders  OrderRepository
	items   LineItemRepository
	results ResultRepository
	visits  VisitProvider
	tx      Transactor
	catalog Catalog
	ranges  RangeResolver
	logger  zerolog.Logger
	metrics Metrics
	now     func() time.Time
}

func NewService(orders OrderRepository, items LineItemRepository, results ResultRepository,
	visits VisitProvider, tx Transactor, cat Catalog, ranges RangeResolver, logger zerolog.Logger) *Service {
	return &Service{
		orders:  orders,
		items:   items,
		results: results,
		visits:  visits,
		tx:      tx,
		catalog: cat,
		ranges:  ranges,
		logger:  logger.With().Str("component", "laboratory").Logger(),
		metrics: nopMetrics{},
		now:     time.Now,
	}
}

// SetMetrics attaches an optional metrics sink.
func (s *Service) SetMetrics(m Metrics) {
	if m != nil {
		s.metrics = m
	}
}

// -- Order Aggregate --

// CreateOrder creates an order and one not_taken line item per distinct test
// in a single transaction.
func (s *Service) CreateOrder(ctx context.Context, visit VisitSnapshot, clinician ClinicianFields, testIDs []uuid.UUID) (*LabOrder, error) {
	if len(testIDs) == 0 {
		return nil, validation("test_ids", "at least one test must be selected")
	}
	if visit.VisitID == uuid.Nil {
		return nil, validation("visit_id", "no visit is bound to the order")
	}
	if strings.TrimSpace(visit.Patient.Name) == "" {
		return nil, validation("patient", "no patient is bound to the visit")
	}
	if clinician.Priority == "" {
		clinician.Priority = PriorityNormal
	}
	if !clinician.Priority.Valid() {
		return nil, validation("priority", "must be one of Normal, High, Urgent, got %q", clinician.Priority)
	}
	if clinician.OrderingClinician == "" {
		clinician.OrderingClinician = visit.DoctorName
	}

	ids := dedupeIDs(testIDs)
	if len(ids) == 0 {
		return nil, validation("test_ids", "at least one test must be selected")
	}
	tests, err := s.catalog.GetTestsByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load catalog tests: %w", err)
	}
	for _, id := range ids {
		if _, ok := tests[id]; !ok {
			return nil, validation("test_ids", "unknown test %s", id)
		}
	}

	order := &LabOrder{
		ID:                   uuid.New(),
		FacilityID:           db.FacilityFromContext(ctx),
		VisitID:              visit.VisitID,
		Patient:              visit.Patient,
		OrderingClinician:    clinician.OrderingClinician,
		Priority:             clinician.Priority,
		ClinicalHistory:      clinician.ClinicalHistory,
		ProvisionalDiagnosis: clinician.ProvisionalDiagnosis,
		SpecialInstructions:  clinician.SpecialInstructions,
	}

	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.orders.Create(ctx, order); err != nil {
			return fmt.Errorf("create lab order: %w", err)
		}
		order.Items = make([]*LabTestLineItem, 0, len(ids))
		for _, id := range ids {
			li := &LabTestLineItem{
				ID:        uuid.New(),
				OrderID:   order.ID,
				VisitID:   order.VisitID,
				TestID:    id,
				TestName:  tests[id].Name,
				Status:    StatusNotTaken,
				FormState: FormEditable,
			}
			if err := s.items.Create(ctx, li); err != nil {
				return fmt.Errorf("create line item for %s: %w", li.TestName, err)
			}
			order.Items = append(order.Items, li)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.OrderCreated(len(order.Items))
	s.logger.Info().
		Str("order_id", order.ID.String()).
		Str("visit_id", order.VisitID.String()).
		Int("items", len(order.Items)).
		Msg("lab order created")
	return order, nil
}

// CreateOrderForVisit loads the patient snapshot from registration first.
func (s *Service) CreateOrderForVisit(ctx context.Context, visitID uuid.UUID, clinician ClinicianFields, testIDs []uuid.UUID) (*LabOrder, error) {
	if visitID == uuid.Nil {
		return nil, validation("visit_id", "no visit is bound to the order")
	}
	visit, err := s.visits.GetVisit(ctx, visitID)
	if errors.Is(err, ErrNotFound) {
		return nil, validation("visit_id", "visit %s does not exist", visitID)
	}
	if err != nil {
		return nil, fmt.Errorf("load visit: %w", err)
	}
	return s.CreateOrder(ctx, *visit, clinician, testIDs)
}

func (s *Service) GetOrder(ctx context.Context, id uuid.UUID) (*LabOrder, error) {
	o, err := s.orders.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.Items, err = s.items.ListByOrder(ctx, o.ID); err != nil {
		return nil, fmt.Errorf("list line items: %w", err)
	}
	return o, nil
}

func (s *Service) ListOrdersByVisit(ctx context.Context, visitID uuid.UUID, limit, offset int) ([]*LabOrder, int, error) {
	orders, total, err := s.orders.ListByVisit(ctx, visitID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	for _, o := range orders {
		if o.Items, err = s.items.ListByOrder(ctx, o.ID); err != nil {
			return nil, 0, fmt.Errorf("list line items: %w", err)
		}
	}
	return orders, total, nil
}

func (s *Service) GetLineItem(ctx context.Context, id uuid.UUID) (*LabTestLineItem, error) {
	return s.items.GetByID(ctx, id)
}

// -- Sample Workflow --

func (s *Service) transition(ctx context.Context, id uuid.UUID, to CollectionStatus) (*LabTestLineItem, error) {
	li, err := s.items.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanTransition(li.Status, to) {
		return nil, fmt.Errorf("line item %s: %s to %s: %w", id, li.Status, to, ErrInvalidTransition)
	}
	at := s.now()
	if err := s.items.Transition(ctx, id, li.Status, to, at); err != nil {
		return nil, err
	}

	switch to {
	case StatusTaken:
		li.CollectedDate = &at
	case StatusNotTaken:
		li.CollectedDate = nil
		li.Included = false
	}
	li.Status = to
	s.metrics.Transition(string(to))
	return li, nil
}

// MarkCollected records that the sample was physically collected.
func (s *Service) MarkCollected(ctx context.Context, id uuid.UUID) (*LabTestLineItem, error) {
	return s.transition(ctx, id, StatusTaken)
}

// UnmarkCollected reverts a collection that has not been saved yet. The
// included flag is cleared with it.
func (s *Service) UnmarkCollected(ctx context.Context, id uuid.UUID) (*LabTestLineItem, error) {
	return s.transition(ctx, id, StatusNotTaken)
}

// SaveCollectedBatch moves every taken item in ids to saved, one write per
// item. Items not in taken are skipped. When any write fails the returned
// error is a *PartialBatchError carrying the same BatchResult.
func (s *Service) SaveCollectedBatch(ctx context.Context, ids []uuid.UUID) (*BatchResult, error) {
	if len(ids) == 0 {
		return nil, validation("item_ids", "no line items selected")
	}

	res := &BatchResult{Saved: []uuid.UUID{}, Failed: []uuid.UUID{}, Skipped: []uuid.UUID{}}
	errs := make(map[uuid.UUID]error)
	at := s.now()

	for _, id := range dedupeIDs(ids) {
		li, err := s.items.GetByID(ctx, id)
		if errors.Is(err, ErrNotFound) {
			res.Skipped = append(res.Skipped, id)
			continue
		}
		if err != nil {
			res.Failed = append(res.Failed, id)
			errs[id] = err
			continue
		}
		if li.Status != StatusTaken {
			res.Skipped = append(res.Skipped, id)
			continue
		}
		if err := s.items.Transition(ctx, id, StatusTaken, StatusSaved, at); err != nil {
			s.logger.Warn().Err(err).Str("line_item_id", id.String()).Msg("collection save failed")
			res.Failed = append(res.Failed, id)
			errs[id] = err
			continue
		}
		res.Saved = append(res.Saved, id)
		s.metrics.Transition(string(StatusSaved))
	}

	if len(res.Failed) > 0 {
		s.metrics.BatchPartialFailure()
		return res, &PartialBatchError{BatchResult: *res, Errs: errs}
	}
	return res, nil
}

// SetIncluded offers a saved item to result entry, or withdraws it.
func (s *Service) SetIncluded(ctx context.Context, id uuid.UUID, included bool) (*LabTestLineItem, error) {
	li, err := s.items.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanInclude(li.Status, included) {
		return nil, fmt.Errorf("line item %s is %s, only saved samples can be included: %w", id, li.Status, ErrInvalidTransition)
	}
	if li.Included == included {
		return li, nil
	}
	if err := s.items.SetIncluded(ctx, id, included); err != nil {
		return nil, err
	}
	li.Included = included
	return li, nil
}

func dedupeIDs(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]bool, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if id == uuid.Nil || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

var (
	_ Catalog       = (*catalog.Service)(nil)
	_ RangeResolver = (*catalog.Resolver)(nil)
)
