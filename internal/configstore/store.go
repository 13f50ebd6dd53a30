// Package configstore implements the C1 config store client: typed,
// read-only access (from the pipeline's perspective) to the endpoints
// a user has registered, backed by Postgres via sqlx, per §4.2.
package configstore

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/ipcasj/ethhook-sub004/internal/domain"
	"github.com/ipcasj/ethhook-sub004/internal/errs"
	"github.com/ipcasj/ethhook-sub004/internal/observability"
)

// Store is the operation set the pipeline needs from the config store.
type Store interface {
	// EndpointsMatching returns all active endpoints whose chain_ids
	// contains chainID AND (contract_addresses is empty OR contains
	// contractAddress). Topic filtering happens later, in the processor.
	EndpointsMatching(ctx context.Context, chainID uint64, contractAddress [20]byte) ([]domain.Endpoint, error)
	// EndpointByID re-checks a single endpoint's current state (used by C6
	// to re-verify is_active per job).
	EndpointByID(ctx context.Context, id string) (*domain.Endpoint, error)
	// NoteEndpointChange invalidates any cache entries touching endpointID.
	// A no-op on the uncached Store; meaningful on CachedStore.
	NoteEndpointChange(endpointID string)
}

// endpointRow mirrors the endpoints table per §6: chain_ids and
// contract_addresses/event_signatures are Postgres arrays.
type endpointRow struct {
	ID                 string         `db:"id"`
	ApplicationID      string         `db:"application_id"`
	UserID             string         `db:"user_id"`
	WebhookURL         string         `db:"webhook_url"`
	HMACSecret         string         `db:"hmac_secret"`
	ChainIDs           []int64        `db:"chain_ids"`
	ContractAddresses  []string       `db:"contract_addresses"`
	EventSignatures    []string       `db:"event_signatures"`
	IsActive           bool           `db:"is_active"`
	RateLimitPerMinute sql.NullInt64  `db:"rate_limit_per_minute"`
	MaxRetries         sql.NullInt64  `db:"max_retries"`
}

func (r endpointRow) toDomain() (domain.Endpoint, error) {
	e := domain.Endpoint{
		EndpointID:    r.ID,
		ApplicationID: r.ApplicationID,
		UserID:        r.UserID,
		WebhookURL:    r.WebhookURL,
		HMACSecret:    r.HMACSecret,
		IsActive:      r.IsActive,
	}

	e.ChainIDs = make(map[uint64]struct{}, len(r.ChainIDs))
	for _, c := range r.ChainIDs {
		e.ChainIDs[uint64(c)] = struct{}{}
	}

	e.ContractAddresses = make(map[[20]byte]struct{}, len(r.ContractAddresses))
	for _, a := range r.ContractAddresses {
		addr, err := decodeFixedHex(a, 20)
		if err != nil {
			return e, fmt.Errorf("configstore: decode contract_address %q: %w", a, err)
		}
		var fixed [20]byte
		copy(fixed[:], addr)
		e.ContractAddresses[fixed] = struct{}{}
	}

	e.EventSignatures = make(map[[32]byte]struct{}, len(r.EventSignatures))
	for _, s := range r.EventSignatures {
		sig, err := decodeFixedHex(s, 32)
		if err != nil {
			return e, fmt.Errorf("configstore: decode event_signature %q: %w", s, err)
		}
		var fixed [32]byte
		copy(fixed[:], sig)
		e.EventSignatures[fixed] = struct{}{}
	}

	if r.RateLimitPerMinute.Valid {
		e.RateLimitPerMinute = int(r.RateLimitPerMinute.Int64)
	}
	if r.MaxRetries.Valid {
		e.MaxRetries = int(r.MaxRetries.Int64)
	} else {
		e.MaxRetries = 5
	}

	return e, nil
}

func decodeFixedHex(s string, n int) ([]byte, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return nil, err
	}
	if len(b) != n {
		return nil, fmt.Errorf("expected %d bytes, got %d", n, len(b))
	}
	return b, nil
}

// PostgresStore is the uncached Store implementation.
type PostgresStore struct {
	db           *sqlx.DB
	logger       observability.Logger
	queryTimeout time.Duration
}

// NewPostgresStore opens (via sqlx.Connect, driver "postgres") and returns a
// PostgresStore.
func NewPostgresStore(dsn string, logger observability.Logger) (*PostgresStore, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, errs.New(errs.Config, "configstore.NewPostgresStore", err)
	}
	return &PostgresStore{db: db, logger: logger, queryTimeout: 5 * time.Second}, nil
}

// NewPostgresStoreFromDB wraps an already-open *sqlx.DB instead of dialing
// one from a DSN.
func NewPostgresStoreFromDB(db *sqlx.DB, logger observability.Logger) *PostgresStore {
	return &PostgresStore{db: db, logger: logger, queryTimeout: 5 * time.Second}
}

const endpointsMatchingQuery = `
SELECT id, application_id, user_id, webhook_url, hmac_secret,
       chain_ids, contract_addresses, event_signatures,
       is_active, rate_limit_per_minute, max_retries
FROM endpoints
WHERE is_active = true
  AND $1 = ANY(chain_ids)
  AND (cardinality(contract_addresses) = 0 OR $2 = ANY(contract_addresses))
`

// EndpointsMatching implements Store.EndpointsMatching. The SQL predicate is
// intentionally coarse: it never filters on topic0 (§4.2's stated reason —
// topics[0] is cheaper to compare in-process than to index in SQL across
// arrays).
func (s *PostgresStore) EndpointsMatching(ctx context.Context, chainID uint64, contractAddress [20]byte) ([]domain.Endpoint, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	addrHex := "0x" + hex.EncodeToString(contractAddress[:])

	var rows []endpointRow
	if err := s.db.SelectContext(ctx, &rows, endpointsMatchingQuery, int64(chainID), addrHex); err != nil {
		return nil, fmt.Errorf("configstore: endpoints_matching query: %w", err)
	}

	out := make([]domain.Endpoint, 0, len(rows))
	for _, r := range rows {
		e, err := r.toDomain()
		if err != nil {
			s.logger.Warn("configstore: skipping malformed endpoint row", map[string]interface{}{
				"endpoint_id": r.ID, "error": err.Error(),
			})
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

const endpointByIDQuery = `
SELECT id, application_id, user_id, webhook_url, hmac_secret,
       chain_ids, contract_addresses, event_signatures,
       is_active, rate_limit_per_minute, max_retries
FROM endpoints
WHERE id = $1
`

// EndpointByID implements Store.EndpointByID.
func (s *PostgresStore) EndpointByID(ctx context.Context, id string) (*domain.Endpoint, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	var row endpointRow
	if err := s.db.GetContext(ctx, &row, endpointByIDQuery, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("configstore: endpoint_by_id query: %w", err)
	}

	e, err := row.toDomain()
	if err != nil {
		return nil, fmt.Errorf("configstore: decode endpoint %s: %w", id, err)
	}
	return &e, nil
}

// NoteEndpointChange is a no-op on the uncached store: it has nothing to
// invalidate.
func (s *PostgresStore) NoteEndpointChange(string) {}

// Close closes the underlying database connection.
func (s *PostgresStore) Close() error { return s.db.Close() }
