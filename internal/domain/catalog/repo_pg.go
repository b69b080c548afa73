package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/labflow/internal/platform/db"
)

type catalogRepoPG struct {
	pool *pgxpool.Pool
	// caseInsensitive compares sub-test and test names with lower() on both sides.
	caseInsensitive bool
}

func NewRepoPG(pool *pgxpool.Pool, caseInsensitive bool) Repository {
	return &catalogRepoPG{pool: pool, caseInsensitive: caseInsensitive}
}

func (r *catalogRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const testCols = `id, name, category, specimen_type, price::float8, turnaround_hours, preparation`

func scanTest(row pgx.Row) (*CatalogTest, error) {
	var t CatalogTest
	err := row.Scan(&t.ID, &t.Name, &t.Category, &t.SpecimenType, &t.Price, &t.TurnaroundHours, &t.Preparation)
	return &t, err
}

func (r *catalogRepoPG) ListOrderableTests(ctx context.Context) ([]*CatalogTest, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+testCols+` FROM lab_tests WHERE active ORDER BY category, name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*CatalogTest
	for rows.Next() {
		t, err := scanTest(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, t)
	}
	return items, rows.Err()
}

func (r *catalogRepoPG) GetTest(ctx context.Context, id uuid.UUID) (*CatalogTest, error) {
	var t *CatalogTest
	err := db.ReadIsolated(ctx, r.pool, func(q db.Querier) error {
		var err error
		t, err = scanTest(q.QueryRow(ctx, `SELECT `+testCols+` FROM lab_tests WHERE id = $1`, id))
		return err
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTestNotFound
	}
	return t, err
}

func (r *catalogRepoPG) GetTestsByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*CatalogTest, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+testCols+` FROM lab_tests WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[uuid.UUID]*CatalogTest, len(ids))
	for rows.Next() {
		t, err := scanTest(rows)
		if err != nil {
			return nil, err
		}
		out[t.ID] = t
	}
	return out, rows.Err()
}

const rangeCols = `id, test_name, sub_test_name, unit, min_value::float8, max_value::float8, gender, min_age, max_age`

func scanRange(row pgx.Row) (ReferenceRangeRecord, error) {
	var (
		rec            ReferenceRangeRecord
		unit, gender   *string
		minAge, maxAge *int32
	)
	if err := row.Scan(&rec.ID, &rec.TestName, &rec.SubTestName, &unit, &rec.Min, &rec.Max, &gender, &minAge, &maxAge); err != nil {
		return rec, err
	}
	if unit != nil {
		rec.Unit = *unit
	}
	if gender != nil {
		rec.Sex = NormalizeSex(*gender)
	} else {
		rec.Sex = SexBoth
	}
	rec.MinAge, rec.MaxAge = coerceAges(minAge, maxAge)
	return rec, nil
}

func (r *catalogRepoPG) nameMatch(col string) string {
	if r.caseInsensitive {
		return fmt.Sprintf("lower(%s) = lower($1)", col)
	}
	return col + " = $1"
}

// queryRanges is reached from concurrent range resolution, so it never
// shares the request connection.
func (r *catalogRepoPG) queryRanges(ctx context.Context, where string, arg string) ([]ReferenceRangeRecord, error) {
	var out []ReferenceRangeRecord
	err := db.ReadIsolated(ctx, r.pool, func(q db.Querier) error {
		rows, err := q.Query(ctx, `SELECT `+rangeCols+` FROM lab_test_config WHERE `+where+` ORDER BY id`, arg)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			rec, err := scanRange(rows)
			if err != nil {
				return err
			}
			out = append(out, rec)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *catalogRepoPG) RangesForSubTest(ctx context.Context, subTestName string) ([]ReferenceRangeRecord, error) {
	return r.queryRanges(ctx, r.nameMatch("sub_test_name"), subTestName)
}

func (r *catalogRepoPG) ListSubTestsAndRanges(ctx context.Context, testName string) ([]SubTestDefinition, error) {
	rows, err := r.queryRanges(ctx, r.nameMatch("test_name"), testName)
	if err != nil {
		return nil, err
	}
	return GroupSubTests(rows), nil
}

// GroupSubTests folds range rows into sub-test definitions, keeping the order
// in which each sub-test first appears. The unit is the first non-empty one.
func GroupSubTests(rows []ReferenceRangeRecord) []SubTestDefinition {
	var defs []SubTestDefinition
	index := make(map[string]int)
	for _, rec := range rows {
		i, ok := index[rec.SubTestName]
		if !ok {
			i = len(defs)
			index[rec.SubTestName] = i
			defs = append(defs, SubTestDefinition{TestName: rec.TestName, Name: rec.SubTestName})
		}
		if defs[i].Unit == "" {
			defs[i].Unit = rec.Unit
		}
		defs[i].Ranges = append(defs[i].Ranges, rec)
	}
	return defs
}
