package catalog

import (
	"context"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// RangeSourceKind records which selection step produced a range.
type RangeSourceKind string

const (
	SourceAgeAndSex RangeSourceKind = "age_sex"
	SourceSex       RangeSourceKind = "sex"
	SourceFirst     RangeSourceKind = "first"
	SourceLexical   RangeSourceKind = "lexical"
	SourceGeneric   RangeSourceKind = "generic"
)

// RangeDescription is the frozen textual range persisted with a result.
type RangeDescription struct {
	SubTest string          `json:"sub_test"`
	Text    string          `json:"text"`
	Source  RangeSourceKind `json:"source"`
	// RecordID is the lab_test_config row used, zero for fallbacks.
	RecordID int64 `json:"record_id,omitempty"`
}

// ResolveObserver is notified of every resolution; metrics.Collector satisfies it.
type ResolveObserver interface {
	ObserveRangeResolution(source string)
}

// Resolver selects the best reference range for a sub-test, patient age and
// sex. It never fails: lookup errors degrade to the fallback table.
type Resolver struct {
	source      RangeSource
	fallback    Fallback
	logger      zerolog.Logger
	concurrency int
	observer    ResolveObserver
}

func NewResolver(source RangeSource, fallback Fallback, logger zerolog.Logger) *Resolver {
	if fallback == nil {
		fallback = DefaultLexicalTable()
	}
	return &Resolver{source: source, fallback: fallback, logger: logger, concurrency: 8}
}

// SetConcurrency bounds the fan-out of ResolveAll.
func (r *Resolver) SetConcurrency(n int) {
	if n > 0 {
		r.concurrency = n
	}
}

// SetObserver attaches an optional resolution observer.
func (r *Resolver) SetObserver(o ResolveObserver) {
	r.observer = o
}

// Resolve returns the range text for subTestName. Age below zero means
// unknown and never matches an age band.
func (r *Resolver) Resolve(ctx context.Context, subTestName string, age int, sex string) RangeDescription {
	desc := r.resolve(ctx, subTestName, age, NormalizeSex(sex))
	if r.observer != nil {
		r.observer.ObserveRangeResolution(string(desc.Source))
	}
	return desc
}

func (r *Resolver) resolve(ctx context.Context, subTestName string, age int, sex Sex) RangeDescription {
	desc := RangeDescription{SubTest: subTestName}

	var records []ReferenceRangeRecord
	if strings.TrimSpace(subTestName) != "" && r.source != nil {
		var err error
		records, err = r.source.RangesForSubTest(ctx, subTestName)
		if err != nil {
			r.logger.Warn().Err(err).Str("sub_test", subTestName).Msg("range lookup failed, using fallback table")
			records = nil
		}
	}

	if rec, kind, ok := SelectRange(records, age, sex); ok {
		if text := rec.Text(); text != "" {
			desc.Text, desc.Source, desc.RecordID = text, kind, rec.ID
			return desc
		}
	}

	if text, ok := r.fallback.Lookup(subTestName, sex); ok && text != "" {
		desc.Text, desc.Source = text, SourceLexical
		return desc
	}
	desc.Text, desc.Source = GenericRange, SourceGeneric
	return desc
}

// SelectRange applies the selection order to a candidate set: age band and
// sex, then sex alone, then the first record. Candidates are ordered by id so
// the choice does not depend on query order.
func SelectRange(records []ReferenceRangeRecord, age int, sex Sex) (ReferenceRangeRecord, RangeSourceKind, bool) {
	if len(records) == 0 {
		return ReferenceRangeRecord{}, "", false
	}
	sorted := make([]ReferenceRangeRecord, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	for _, rec := range sorted {
		if rec.ContainsAge(age) && rec.AppliesTo(sex) {
			return rec, SourceAgeAndSex, true
		}
	}
	for _, rec := range sorted {
		if rec.AppliesTo(sex) {
			return rec, SourceSex, true
		}
	}
	return sorted[0], SourceFirst, true
}

// ResolveAll resolves every name concurrently and returns once all are done,
// keyed by sub-test name.
func (r *Resolver) ResolveAll(ctx context.Context, names []string, age int, sex string) map[string]RangeDescription {
	results := make([]RangeDescription, len(names))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i, name := range names {
		i, name := i, name
		g.Go(func() error {
			results[i] = r.Resolve(gctx, name, age, sex)
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[string]RangeDescription, len(names))
	for i, name := range names {
		out[name] = results[i]
	}
	return out
}
