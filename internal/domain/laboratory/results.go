package laboratory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/labflow/internal/domain/catalog"
)

// draft is a result row before its range is resolved.
type draft struct {
	name string
	unit string
	in   EntryInput
}

// SaveResults persists one record per populated sub-test (plus the parent
// when it carries a value) and locks the entry form, all in one transaction.
func (s *Service) SaveResults(ctx context.Context, itemID uuid.UUID, in SaveResultsInput) (*SavedResultSet, error) {
	li, err := s.items.GetByID(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if !li.ReadyForEntry() || li.FormState == FormLocked {
		err := lockConflict(itemID, li.Status, li.Included)
		if errors.Is(err, ErrFormLocked) {
			s.metrics.FormLockConflict()
		}
		return nil, err
	}

	order, err := s.orders.GetByID(ctx, li.OrderID)
	if err != nil {
		return nil, err
	}
	test, err := s.catalog.GetTest(ctx, li.TestID)
	if err != nil {
		return nil, fmt.Errorf("load catalog test: %w", err)
	}
	defs, parentUnit, err := s.catalog.ListEntryDefinitions(ctx, test.Name)
	if err != nil {
		return nil, fmt.Errorf("load sub-tests for %s: %w", test.Name, err)
	}

	drafts, err := buildDrafts(test, defs, parentUnit, in)
	if err != nil {
		return nil, err
	}
	if len(drafts) == 0 {
		return nil, &NoResultsError{LineItemID: itemID}
	}

	names := make([]string, len(drafts))
	for i, d := range drafts {
		names[i] = d.name
	}
	patient := order.Patient
	ranges := s.ranges.ResolveAll(ctx, names, patient.AgeOrUnknown(), patient.Sex)

	status := ResultPreliminary
	if in.Authenticated {
		status = ResultFinal
	}

	set := &SavedResultSet{LineItemID: itemID}
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.items.LockForm(ctx, itemID); err != nil {
			return err
		}
		rev, err := s.results.NextRevision(ctx, itemID)
		if err != nil {
			return fmt.Errorf("next result revision: %w", err)
		}
		set.Revision = rev
		set.Records = make([]*ResultRecord, 0, len(drafts))
		set.Degraded = 0

		for _, d := range drafts {
			rec := &ResultRecord{
				ID:              uuid.New(),
				LineItemID:      &li.ID,
				MainTestName:    test.Name,
				TestName:        d.name,
				Category:        test.Category,
				ResultValue:     strings.TrimSpace(d.in.Value),
				Unit:            d.unit,
				ReferenceRange:  ranges[d.name].Text,
				Comments:        strings.TrimSpace(d.in.Comments),
				IsAbnormal:      d.in.Abnormal,
				Status:          status,
				TechnicianName:  in.TechnicianName,
				PathologistName: in.PathologistName,
				Authenticated:   in.Authenticated,
				PatientName:     patient.Name,
				PatientAge:      patient.Age,
				PatientSex:      patient.Sex,
				VisitID:         &order.VisitID,
				PatientID:       patient.ID,
				Revision:        rev,
			}
			degraded, err := s.writeResult(ctx, rec)
			if err != nil {
				return err
			}
			if degraded {
				set.Degraded++
			}
			set.Records = append(set.Records, rec)
		}

		value, normalRange := summarize(set.Records)
		return s.items.StampSummary(ctx, itemID, value, normalRange, s.now())
	})
	if err != nil {
		var pe *PersistenceError
		switch {
		case errors.As(err, &pe):
			s.metrics.ResultWriteFailed()
		case errors.Is(err, ErrFormLocked):
			s.metrics.FormLockConflict()
		}
		return nil, err
	}

	for range set.Records {
		s.metrics.ResultSaved(strings.ToLower(string(status)))
	}
	for i := 0; i < set.Degraded; i++ {
		s.metrics.ResultWriteDegraded()
	}
	s.logger.Info().
		Str("line_item_id", itemID.String()).
		Int("records", len(set.Records)).
		Int("revision", set.Revision).
		Int("degraded", set.Degraded).
		Str("status", string(status)).
		Msg("lab results saved")
	return set, nil
}

// lockConflict explains why a form could not be locked, in the same order
// SaveResults checks its preconditions.
func lockConflict(id uuid.UUID, status CollectionStatus, included bool) error {
	switch {
	case status != StatusSaved:
		return fmt.Errorf("line item %s sample is %s: %w", id, status, ErrInvalidTransition)
	case !included:
		return fmt.Errorf("line item %s: %w", id, ErrNotIncluded)
	default:
		return fmt.Errorf("line item %s: %w", id, ErrFormLocked)
	}
}

// writeResult tries the full insert and falls back once to the reduced one.
func (s *Service) writeResult(ctx context.Context, rec *ResultRecord) (bool, error) {
	err := s.results.Insert(ctx, rec)
	if err == nil {
		return false, nil
	}
	s.logger.Warn().Err(err).
		Str("line_item_id", rec.LineItemID.String()).
		Str("test_name", rec.TestName).
		Msg("result write degraded")

	lineItemID := *rec.LineItemID
	rec.LineItemID, rec.VisitID, rec.PatientID = nil, nil, nil
	rec.Degraded = true
	if rerr := s.results.InsertReduced(ctx, rec); rerr != nil {
		s.logger.Error().Err(rerr).
			Str("line_item_id", lineItemID.String()).
			Str("test_name", rec.TestName).
			Msg("result write failed")
		return false, &PersistenceError{LineItemID: lineItemID, TestName: rec.TestName, Err: errors.Join(err, rerr)}
	}
	return true, nil
}

// buildDrafts applies the entry rules: populated sub-tests in catalog order,
// the parent when it carries its own value, or the parent alone for tests
// without sub-tests. Blank units take the catalog unit.
func buildDrafts(test *catalog.CatalogTest, defs []catalog.SubTestDefinition, parentUnit string, in SaveResultsInput) ([]draft, error) {
	parent := in.Parent
	known := make(map[string]bool, len(defs))
	for _, d := range defs {
		known[d.Name] = true
	}
	for name, v := range in.SubTests {
		if known[name] {
			continue
		}
		// A test without sub-tests may have its value keyed by its own name.
		if name == test.Name && len(defs) == 0 {
			if parent.Blank() {
				parent = v
			}
			continue
		}
		return nil, validation("sub_tests", "%q is not a sub-test of %s", name, test.Name)
	}

	var drafts []draft
	if !parent.Blank() {
		unit := strings.TrimSpace(parent.Unit)
		if unit == "" {
			unit = parentUnit
		}
		drafts = append(drafts, draft{name: test.Name, unit: unit, in: parent})
	}
	for _, d := range defs {
		v, ok := in.SubTests[d.Name]
		if !ok || v.Blank() {
			continue
		}
		unit := strings.TrimSpace(v.Unit)
		if unit == "" {
			unit = d.Unit
		}
		drafts = append(drafts, draft{name: d.Name, unit: unit, in: v})
	}
	return drafts, nil
}

// summarize builds the line item's result_value and normal_range columns.
func summarize(records []*ResultRecord) (string, string) {
	if len(records) == 1 {
		r := records[0]
		return strings.TrimSpace(r.ResultValue + " " + r.Unit), r.ReferenceRange
	}
	values := make([]string, 0, len(records))
	ranges := make([]string, 0, len(records))
	for _, r := range records {
		if r.ResultValue != "" {
			values = append(values, fmt.Sprintf("%s: %s", r.TestName, strings.TrimSpace(r.ResultValue+" "+r.Unit)))
		}
		if r.ReferenceRange != "" {
			ranges = append(ranges, fmt.Sprintf("%s: %s", r.TestName, r.ReferenceRange))
		}
	}
	return strings.Join(values, "; "), strings.Join(ranges, "; ")
}

// ClearSavedForm unlocks a saved entry form for re-entry. Persisted records
// are kept; the next save writes a new revision.
func (s *Service) ClearSavedForm(ctx context.Context, itemID uuid.UUID, confirmed bool) (*LabTestLineItem, error) {
	if !confirmed {
		return nil, validation("confirm", "clearing a saved result form must be confirmed")
	}
	li, err := s.items.GetByID(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if li.FormState != FormLocked {
		return nil, fmt.Errorf("line item %s form is not locked: %w", itemID, ErrInvalidTransition)
	}
	if err := s.items.UnlockForm(ctx, itemID); err != nil {
		return nil, err
	}
	li.FormState = FormEditable
	s.logger.Info().Str("line_item_id", itemID.String()).Msg("result form cleared")
	return li, nil
}

// PrepareEntry loads every included line item of an order with its sub-tests
// and frozen ranges. It returns only once all forms are complete.
func (s *Service) PrepareEntry(ctx context.Context, orderID uuid.UUID) (*EntrySession, error) {
	order, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	var ready []*LabTestLineItem
	for _, li := range order.Items {
		if li.ReadyForEntry() {
			ready = append(ready, li)
		}
	}

	forms := make([]*EntryForm, len(ready))
	age, sex := order.Patient.AgeOrUnknown(), order.Patient.Sex

	g, gctx := errgroup.WithContext(ctx)
	for i, li := range ready {
		i, li := i, li
		g.Go(func() error {
			test, err := s.catalog.GetTest(gctx, li.TestID)
			if err != nil {
				return fmt.Errorf("load catalog test %s: %w", li.TestName, err)
			}
			defs, parentUnit, err := s.catalog.ListEntryDefinitions(gctx, test.Name)
			if err != nil {
				return fmt.Errorf("load sub-tests for %s: %w", test.Name, err)
			}

			names := make([]string, 0, len(defs)+1)
			names = append(names, test.Name)
			for _, d := range defs {
				names = append(names, d.Name)
			}
			ranges := s.ranges.ResolveAll(gctx, names, age, sex)

			form := &EntryForm{
				Item:     li,
				Category: test.Category,
				Parent:   entryField(test.Name, parentUnit, ranges[test.Name]),
				SubTests: make([]EntryField, 0, len(defs)),
				Locked:   li.FormState == FormLocked,
			}
			for _, d := range defs {
				form.SubTests = append(form.SubTests, entryField(d.Name, d.Unit, ranges[d.Name]))
			}
			forms[i] = form
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return &EntrySession{OrderID: order.ID, Patient: order.Patient, Forms: forms}, nil
}

func entryField(name, unit string, r catalog.RangeDescription) EntryField {
	return EntryField{Name: name, Unit: unit, Range: r.Text, RangeSource: string(r.Source)}
}

// ListResults returns every record written for a line item, oldest revision
// first.
func (s *Service) ListResults(ctx context.Context, itemID uuid.UUID) ([]*ResultRecord, error) {
	if _, err := s.items.GetByID(ctx, itemID); err != nil {
		return nil, err
	}
	return s.results.ListByLineItem(ctx, itemID)
}

func (s *Service) ListOrderResults(ctx context.Context, orderID uuid.UUID) ([]*ResultRecord, error) {
	if _, err := s.orders.GetByID(ctx, orderID); err != nil {
		return nil, err
	}
	return s.results.ListByOrder(ctx, orderID)
}
