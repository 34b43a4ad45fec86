// Package planner computes the disjoint time ranges still needing
// collection for a channel (spec.md §4.3).
package planner

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/powersemmi/tg-parser/internal/crawlerr"
	"github.com/powersemmi/tg-parser/internal/model"
)

// Planner is the range planner leaf component.
type Planner struct {
	pool *pgxpool.Pool
}

// New builds a Planner backed by the given pgx pool.
func New(pool *pgxpool.Pool) *Planner {
	return &Planner{pool: pool}
}

// overlappingRecords fetches every collection record for entityID whose
// [from, to] intersects [from_ts, to_ts], per the three-way overlap test
// of spec.md §4.3 step 1.
func (p *Planner) overlappingRecords(ctx context.Context, entityID int64, from, to time.Time) ([]model.CollectionRecord, error) {
	const q = `
		SELECT id, entity_id, from_message_id, to_message_id, from_datetime, to_datetime, messages_count
		FROM crawler.channel_collections
		WHERE entity_id = $1
		  AND (
		        (from_datetime <= $2 AND $2 <= to_datetime)
		     OR (from_datetime <= $3 AND $3 <= to_datetime)
		     OR ($2 <= from_datetime AND to_datetime <= $3)
		      )
		ORDER BY from_datetime ASC`

	rows, err := p.pool.Query(ctx, q, entityID, from, to)
	if err != nil {
		return nil, fmt.Errorf("%w: query overlapping collections: %v", crawlerr.ErrGatewayTransient, err)
	}
	defer rows.Close()

	var out []model.CollectionRecord
	for rows.Next() {
		var r model.CollectionRecord
		if err := rows.Scan(&r.ID, &r.EntityID, &r.FromMessageID, &r.ToMessageID, &r.FromDatetime, &r.ToDatetime, &r.MessageCount); err != nil {
			return nil, fmt.Errorf("%w: scan collection row: %v", crawlerr.ErrGatewayTransient, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate collection rows: %v", crawlerr.ErrGatewayTransient, err)
	}
	return out, nil
}

// NonOverlapping returns the disjoint sub-ranges of [from, to] not yet
// covered by any recorded collection for entityID (spec.md §4.3). If to is
// the zero Time, "now" in from's location is used.
func (p *Planner) NonOverlapping(ctx context.Context, entityID int64, from, to time.Time) ([]model.Range, error) {
	if to.IsZero() {
		to = time.Now().In(from.Location())
	}

	records, err := p.overlappingRecords(ctx, entityID, from, to)
	if err != nil {
		return nil, err
	}
	return Subtract(from, to, records), nil
}

// Subtract is the pure interval-math half of the planner: given the
// request window and the overlapping records already fetched, walk a
// cursor across the sorted records and emit the gaps (spec.md §4.3 steps
// 2-5). Split out from NonOverlapping so it can be exercised directly in
// tests without a database.
func Subtract(from, to time.Time, records []model.CollectionRecord) []model.Range {
	if len(records) == 0 {
		return []model.Range{{From: from, To: to}}
	}

	sorted := make([]model.CollectionRecord, len(records))
	copy(sorted, records)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].FromDatetime.Before(sorted[j].FromDatetime)
	})

	var out []model.Range
	cursor := from
	for _, r := range sorted {
		if cursor.Before(r.FromDatetime) {
			out = append(out, model.Range{From: cursor, To: r.FromDatetime})
		}
		if r.ToDatetime.After(cursor) {
			cursor = r.ToDatetime
		}
	}
	if cursor.Before(to) {
		out = append(out, model.Range{From: cursor, To: to})
	}
	return out
}
