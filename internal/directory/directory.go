// Package directory implements the session directory leaf component
// (spec.md §4.4): session credentials, channel entities, and the sticky
// session<->channel mapping.
package directory

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/powersemmi/tg-parser/internal/crawlerr"
	"github.com/powersemmi/tg-parser/internal/model"
)

// Directory is the session directory leaf component.
type Directory struct {
	pool *pgxpool.Pool
}

// New builds a Directory backed by the given pgx pool.
func New(pool *pgxpool.Pool) *Directory {
	return &Directory{pool: pool}
}

// GetSession loads a session row by ID.
func (d *Directory) GetSession(ctx context.Context, id int64) (*model.Session, error) {
	const q = `SELECT id, session, api_id, api_hash, tel, COALESCE(proxy, '') FROM crawler.sessions WHERE id = $1`
	var s model.Session
	err := d.pool.QueryRow(ctx, q, id).Scan(&s.ID, &s.Credential, &s.APIID, &s.APISecret, &s.Phone, &s.ProxyURL)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get session %d: %v", crawlerr.ErrGatewayTransient, id, err)
	}
	return &s, nil
}

// AllSessionIDs lists every session ID currently provisioned, used to seed
// and reconcile the lease manager's known-resource set.
func (d *Directory) AllSessionIDs(ctx context.Context) ([]int64, error) {
	rows, err := d.pool.Query(ctx, `SELECT id FROM crawler.sessions ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("%w: list sessions: %v", crawlerr.ErrGatewayTransient, err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%w: scan session id: %v", crawlerr.ErrGatewayTransient, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// FindSubscribed returns a session already bound to entityID via the
// sticky mapping, or nil if none exists.
func (d *Directory) FindSubscribed(ctx context.Context, entityID int64) (*model.Session, error) {
	const q = `
		SELECT s.id, s.session, s.api_id, s.api_hash, s.tel, COALESCE(s.proxy, '')
		FROM crawler.sessions s
		JOIN crawler.session_entity_map m ON m.session_id = s.id
		WHERE m.entity_id = $1
		LIMIT 1`
	var s model.Session
	err := d.pool.QueryRow(ctx, q, entityID).Scan(&s.ID, &s.Credential, &s.APIID, &s.APISecret, &s.Phone, &s.ProxyURL)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: find subscribed session for entity %d: %v", crawlerr.ErrGatewayTransient, entityID, err)
	}
	return &s, nil
}

// EnsureMapping idempotently records that sessionID has fetched entityID's
// history.
func (d *Directory) EnsureMapping(ctx context.Context, sessionID, entityID int64) error {
	const q = `
		INSERT INTO crawler.session_entity_map (session_id, entity_id)
		VALUES ($1, $2)
		ON CONFLICT (session_id, entity_id) DO NOTHING`
	if _, err := d.pool.Exec(ctx, q, sessionID, entityID); err != nil {
		return fmt.Errorf("%w: ensure mapping (%d, %d): %v", crawlerr.ErrGatewayTransient, sessionID, entityID, err)
	}
	return nil
}

// GetByURL looks up a channel entity by its resolution URL.
func (d *Directory) GetByURL(ctx context.Context, url string) (*model.Channel, error) {
	return d.getOne(ctx, `SELECT id, entity_id, entity_name, entity_url FROM crawler.entities WHERE entity_url = $1`, url)
}

// GetByExternalID looks up a channel entity by its platform-assigned ID.
func (d *Directory) GetByExternalID(ctx context.Context, externalID int64) (*model.Channel, error) {
	return d.getOne(ctx, `SELECT id, entity_id, entity_name, entity_url FROM crawler.entities WHERE entity_id = $1`, externalID)
}

func (d *Directory) getOne(ctx context.Context, q string, arg any) (*model.Channel, error) {
	var c model.Channel
	err := d.pool.QueryRow(ctx, q, arg).Scan(&c.ID, &c.ExternalID, &c.Name, &c.URL)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: lookup entity: %v", crawlerr.ErrGatewayTransient, err)
	}
	return &c, nil
}

// CreateOrGet implements spec.md §4.4's create_or_get: first-by-url then
// first-by-external-id, otherwise insert, all within one SERIALIZABLE
// transaction.
func (d *Directory) CreateOrGet(ctx context.Context, url string, externalID int64, name string) (channel *model.Channel, created bool, err error) {
	tx, err := d.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return nil, false, fmt.Errorf("%w: begin serializable tx: %v", crawlerr.ErrGatewayTransient, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var c model.Channel
	err = tx.QueryRow(ctx, `SELECT id, entity_id, entity_name, entity_url FROM crawler.entities WHERE entity_url = $1`, url).
		Scan(&c.ID, &c.ExternalID, &c.Name, &c.URL)
	if err == nil {
		return &c, false, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("%w: lookup by url: %v", crawlerr.ErrGatewayTransient, err)
	}

	err = tx.QueryRow(ctx, `SELECT id, entity_id, entity_name, entity_url FROM crawler.entities WHERE entity_id = $1`, externalID).
		Scan(&c.ID, &c.ExternalID, &c.Name, &c.URL)
	if err == nil {
		return &c, false, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("%w: lookup by external id: %v", crawlerr.ErrGatewayTransient, err)
	}

	err = tx.QueryRow(ctx,
		`INSERT INTO crawler.entities (entity_id, entity_name, entity_url) VALUES ($1, $2, $3) RETURNING id, entity_id, entity_name, entity_url`,
		externalID, name, url,
	).Scan(&c.ID, &c.ExternalID, &c.Name, &c.URL)
	if err != nil {
		return nil, false, fmt.Errorf("%w: insert entity: %v", crawlerr.ErrGatewayTransient, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("%w: commit entity creation: %v", crawlerr.ErrGatewayTransient, err)
	}
	return &c, true, nil
}

// RecordCollection inserts one collection record (spec.md §3 "Collection
// record"), to be called only when messageCount > 0.
func RecordCollection(ctx context.Context, tx pgx.Tx, rec model.CollectionRecord) error {
	const q = `
		INSERT INTO crawler.channel_collections
			(entity_id, from_message_id, to_message_id, from_datetime, to_datetime, messages_count)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (entity_id, from_message_id, to_message_id) DO NOTHING`
	_, err := tx.Exec(ctx, q, rec.EntityID, rec.FromMessageID, rec.ToMessageID, rec.FromDatetime, rec.ToDatetime, rec.MessageCount)
	if err != nil {
		return fmt.Errorf("%w: insert collection record: %v", crawlerr.ErrGatewayTransient, err)
	}
	return nil
}

// BeginSerializable starts a SERIALIZABLE transaction. The executor uses
// it to commit each sub-range's collection record (spec.md §4.6 RECORD
// state); entity creation (CreateOrGet) and EnsureMapping commit on their
// own and are not part of that transaction.
func (d *Directory) BeginSerializable(ctx context.Context) (pgx.Tx, error) {
	tx, err := d.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return nil, fmt.Errorf("%w: begin serializable tx: %v", crawlerr.ErrGatewayTransient, err)
	}
	return tx, nil
}
