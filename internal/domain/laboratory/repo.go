package laboratory

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/labflow/internal/domain/catalog"
)

type OrderRepository interface {
	Create(ctx context.Context, o *LabOrder) error
	GetByID(ctx context.Context, id uuid.UUID) (*LabOrder, error)
	ListByVisit(ctx context.Context, visitID uuid.UUID, limit, offset int) ([]*LabOrder, int, error)
}

type LineItemRepository interface {
	Create(ctx context.Context, li *LabTestLineItem) error
	GetByID(ctx context.Context, id uuid.UUID) (*LabTestLineItem, error)
	ListByOrder(ctx context.Context, orderID uuid.UUID) ([]*LabTestLineItem, error)
	// Transition moves an item from one collection state to another. It
	// returns ErrInvalidTransition when the item is no longer in from.
	Transition(ctx context.Context, id uuid.UUID, from, to CollectionStatus, at time.Time) error
	SetIncluded(ctx context.Context, id uuid.UUID, included bool) error
	// LockForm flips editable to locked and returns ErrFormLocked when the
	// form was already locked.
	LockForm(ctx context.Context, id uuid.UUID) error
	UnlockForm(ctx context.Context, id uuid.UUID) error
	StampSummary(ctx context.Context, id uuid.UUID, value, normalRange string, completedAt time.Time) error
}

type ResultRepository interface {
	NextRevision(ctx context.Context, lineItemID uuid.UUID) (int, error)
	// Insert writes a record with its visit and patient linkage. A failure
	// leaves the surrounding transaction usable.
	Insert(ctx context.Context, r *ResultRecord) error
	// InsertReduced writes value, range, category and patient name only.
	InsertReduced(ctx context.Context, r *ResultRecord) error
	ListByLineItem(ctx context.Context, lineItemID uuid.UUID) ([]*ResultRecord, error)
	ListByOrder(ctx context.Context, orderID uuid.UUID) ([]*ResultRecord, error)
}

// VisitProvider reads the registration collaborator.
type VisitProvider interface {
	GetVisit(ctx context.Context, visitID uuid.UUID) (*VisitSnapshot, error)
}

type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Catalog is the subset of the catalog service the lab workflow reads.
type Catalog interface {
	GetTest(ctx context.Context, id uuid.UUID) (*catalog.CatalogTest, error)
	GetTestsByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*catalog.CatalogTest, error)
	// ListEntryDefinitions returns the sub-tests of a test and the unit
	// configured for the test's own value.
	ListEntryDefinitions(ctx context.Context, testName string) ([]catalog.SubTestDefinition, string, error)
}

// RangeResolver freezes reference ranges for a set of sub-tests. It must
// return an entry for every requested name.
type RangeResolver interface {
	ResolveAll(ctx context.Context, names []string, age int, sex string) map[string]catalog.RangeDescription
}
