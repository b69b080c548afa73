package catalog

import (
	"context"

	"github.com/google/uuid"
)

// Service fronts the catalog repository and the range resolver for handlers
// and for the laboratory domain.
type Service struct {
	repo     Repository
	resolver *Resolver
}

func NewService(repo Repository, resolver *Resolver) *Service {
	return &Service{repo: repo, resolver: resolver}
}

func (s *Service) Resolver() *Resolver { return s.resolver }

func (s *Service) ListOrderableTests(ctx context.Context) ([]*CatalogTest, error) {
	return s.repo.ListOrderableTests(ctx)
}

func (s *Service) GetTest(ctx context.Context, id uuid.UUID) (*CatalogTest, error) {
	return s.repo.GetTest(ctx, id)
}

func (s *Service) GetTestsByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*CatalogTest, error) {
	return s.repo.GetTestsByIDs(ctx, ids)
}

// ListSubTestsAndRanges returns the measurable sub-tests of a test. A test
// whose only configured sub-test carries its own name has no sub-tests: it is
// itself the measurable unit.
func (s *Service) ListSubTestsAndRanges(ctx context.Context, testName string) ([]SubTestDefinition, error) {
	defs, _, err := s.ListEntryDefinitions(ctx, testName)
	return defs, err
}

// ListEntryDefinitions is ListSubTestsAndRanges plus the unit configured on
// the row named after the test itself, which the entry form uses for the
// parent value.
func (s *Service) ListEntryDefinitions(ctx context.Context, testName string) ([]SubTestDefinition, string, error) {
	defs, err := s.repo.ListSubTestsAndRanges(ctx, testName)
	if err != nil {
		return nil, "", err
	}
	defs, parentUnit := SplitParent(testName, defs)
	return defs, parentUnit, nil
}

// SplitParent separates the self-named definition of a test from its
// sub-tests. The self-named row only stops being a sub-test when it is the
// test's sole row.
func SplitParent(testName string, defs []SubTestDefinition) ([]SubTestDefinition, string) {
	var parentUnit string
	for _, d := range defs {
		if d.Name == testName {
			parentUnit = d.Unit
			break
		}
	}
	if len(defs) == 1 && defs[0].Name == testName {
		return nil, parentUnit
	}
	return defs, parentUnit
}

func (s *Service) ResolveReferenceRange(ctx context.Context, subTestName string, age int, sex string) RangeDescription {
	return s.resolver.Resolve(ctx, subTestName, age, sex)
}
