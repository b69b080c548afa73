package catalog

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrTestNotFound is returned when a catalog test id or name is unknown.
var ErrTestNotFound = errors.New("lab test not found")

// Repository is the catalog collaborator: orderable tests plus their
// sub-tests and reference range rows.
type Repository interface {
	ListOrderableTests(ctx context.Context) ([]*CatalogTest, error)
	GetTest(ctx context.Context, id uuid.UUID) (*CatalogTest, error)
	GetTestsByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*CatalogTest, error)
	ListSubTestsAndRanges(ctx context.Context, testName string) ([]SubTestDefinition, error)
	RangeSource
}

// RangeSource returns every range row stored for a sub-test name.
type RangeSource interface {
	RangesForSubTest(ctx context.Context, subTestName string) ([]ReferenceRangeRecord, error)
}
