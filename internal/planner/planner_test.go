package planner

import (
	"testing"
	"time"

	"github.com/powersemmi/tg-parser/internal/model"
	"github.com/stretchr/testify/assert"
)

func at(h, m int) time.Time {
	return time.Date(2024, 1, 1, h, m, 0, 0, time.UTC)
}

func rec(fromH, fromM, toH, toM int) model.CollectionRecord {
	return model.CollectionRecord{FromDatetime: at(fromH, fromM), ToDatetime: at(toH, toM)}
}

// Scenario 2 (spec.md §8): full overlap against a single record.
func TestSubtract_FullOverlapRecord(t *testing.T) {
	records := []model.CollectionRecord{rec(10, 0, 11, 0)}

	got := Subtract(at(9, 30), at(10, 45), records)
	assert.Equal(t, []model.Range{{From: at(9, 30), To: at(10, 0)}}, got)

	got = Subtract(at(10, 30), at(10, 45), records)
	assert.Empty(t, got)

	got = Subtract(at(10, 30), at(11, 30), records)
	assert.Equal(t, []model.Range{{From: at(11, 0), To: at(11, 30)}}, got)
}

// Scenario 3 (spec.md §8): two records with a gap between them.
func TestSubtract_Gaps(t *testing.T) {
	records := []model.CollectionRecord{
		rec(0, 0, 1, 0),
		rec(2, 0, 3, 0),
	}

	got := Subtract(at(0, 30), at(2, 30), records)
	assert.Equal(t, []model.Range{{From: at(1, 0), To: at(2, 0)}}, got)
}

func TestSubtract_NoRecords(t *testing.T) {
	got := Subtract(at(0, 0), at(1, 0), nil)
	assert.Equal(t, []model.Range{{From: at(0, 0), To: at(1, 0)}}, got)
}

func TestSubtract_BeforeAndAfterGaps(t *testing.T) {
	records := []model.CollectionRecord{
		rec(0, 0, 1, 0),
		rec(2, 0, 3, 0),
	}
	before := at(0, 0).Add(-30 * time.Minute)
	after := at(3, 0).Add(30 * time.Minute)

	got := Subtract(before, after, records)
	assert.Equal(t, []model.Range{
		{From: before, To: at(0, 0)},
		{From: at(1, 0), To: at(2, 0)},
		{From: at(3, 0), To: after},
	}, got)
}

// Planner disjointness and containment invariants (spec.md §8), checked on
// one record configuration.
func TestSubtract_DisjointAndWithinRequestWindow(t *testing.T) {
	from, to := at(0, 0), at(5, 0)
	records := []model.CollectionRecord{rec(1, 0, 2, 0), rec(3, 0, 4, 0)}

	ranges := Subtract(from, to, records)
	require := assert.New(t)
	require.Len(ranges, 3)
	for i, r := range ranges {
		require.True(!r.From.Before(from) && !r.To.After(to), "range %d within window", i)
		require.True(r.From.Before(r.To) || r.From.Equal(r.To), "range %d well-formed", i)
	}
	for i := 1; i < len(ranges); i++ {
		require.False(ranges[i].From.Before(ranges[i-1].To), "ranges %d/%d overlap", i-1, i)
	}
}
