package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"ledgersync/internal/domain/item"
)

// Sealer encrypts access credentials at rest
type Sealer interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

const itemColumns = `id, user_id, institution_id, access_token, cursor, last_synced_at,
	last_sync_status, last_error, reauth_required, created_at, updated_at`

type ItemRepository struct {
	db     *DB
	sealer Sealer
}

func NewItemRepository(db *DB, sealer Sealer) *ItemRepository {
	return &ItemRepository{db: db, sealer: sealer}
}

func (r *ItemRepository) Create(ctx context.Context, params item.CreateParams) (*item.Item, error) {
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", item.ErrInvalidInput, err)
	}

	sealed, err := r.sealer.Encrypt(params.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to seal access token: %w", err)
	}

	query := `
		INSERT INTO items (id, user_id, institution_id, access_token, last_sync_status)
		VALUES ($1, $2, $3, $4, 'idle')
		RETURNING ` + itemColumns

	it, err := r.scanItem(r.db.QueryRowContext(ctx, query, params.ID, params.UserID, params.InstitutionID, sealed))
	if err != nil {
		if isPgError(err, pgUniqueViolation) {
			return nil, item.ErrConflict
		}
		return nil, fmt.Errorf("failed to create item: %w", err)
	}

	return it, nil
}

func (r *ItemRepository) Get(ctx context.Context, id string) (*item.Item, error) {
	query := `SELECT ` + itemColumns + ` FROM items WHERE id = $1`

	it, err := r.scanItem(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, item.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get item: %w", err)
	}

	return it, nil
}

// ListByUserID retrieves all items for a user
func (r *ItemRepository) ListByUserID(ctx context.Context, userID int64) ([]*item.Item, error) {
	query := `SELECT ` + itemColumns + ` FROM items WHERE user_id = $1 ORDER BY created_at, id`
	return r.list(ctx, query, userID)
}

func (r *ItemRepository) ListAll(ctx context.Context) ([]*item.Item, error) {
	query := `SELECT ` + itemColumns + ` FROM items ORDER BY created_at, id`
	return r.list(ctx, query)
}

// UpdateCursor is a single-row compare-and-set on the cursor column.
func (r *ItemRepository) UpdateCursor(ctx context.Context, id string, expected *string, next string, syncedAt time.Time) error {
	query := `
		UPDATE items
		SET cursor = $2,
		    last_synced_at = $3,
		    last_sync_status = 'succeeded',
		    last_error = NULL,
		    reauth_required = FALSE,
		    updated_at = NOW()
		WHERE id = $1 AND cursor IS NOT DISTINCT FROM $4
	`

	result, err := r.db.ExecContext(ctx, query, id, next, syncedAt, expected)
	if err != nil {
		return fmt.Errorf("failed to update cursor: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rows == 0 {
		return item.ErrConflict
	}

	return nil
}

func (r *ItemRepository) SetStatus(ctx context.Context, id string, status item.SyncStatus, errMsg *string) error {
	if !status.IsPersistable() {
		return item.ErrInvalidStatus
	}

	query := `UPDATE items SET last_sync_status = $2, last_error = $3, updated_at = NOW() WHERE id = $1`
	return r.execOne(ctx, "set item status", query, id, string(status), errMsg)
}

func (r *ItemRepository) SetReauthRequired(ctx context.Context, id string, reason string) error {
	query := `
		UPDATE items
		SET last_sync_status = 'failed', last_error = $2, reauth_required = TRUE, updated_at = NOW()
		WHERE id = $1
	`
	return r.execOne(ctx, "flag item for re-link", query, id, reason)
}

// Delete removes an item; accounts and transactions cascade
func (r *ItemRepository) Delete(ctx context.Context, id string) error {
	return r.execOne(ctx, "delete item", `DELETE FROM items WHERE id = $1`, id)
}

func (r *ItemRepository) execOne(ctx context.Context, op, query string, args ...any) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rows == 0 {
		return item.ErrNotFound
	}

	return nil
}

func (r *ItemRepository) list(ctx context.Context, query string, args ...any) ([]*item.Item, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}
	defer rows.Close()

	var items []*item.Item
	for rows.Next() {
		it, err := r.scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}
		items = append(items, it)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating items: %w", err)
	}

	return items, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *ItemRepository) scanItem(row rowScanner) (*item.Item, error) {
	var (
		it     item.Item
		sealed string
		status string
	)

	err := row.Scan(
		&it.ID, &it.UserID, &it.InstitutionID, &sealed, &it.Cursor, &it.LastSyncedAt,
		&status, &it.LastError, &it.ReauthRequired, &it.CreatedAt, &it.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	it.LastSyncStatus = item.SyncStatus(status)
	it.AccessToken, err = r.sealer.Decrypt(sealed)
	if err != nil {
		return nil, fmt.Errorf("failed to open access token for item %s: %w", it.ID, err)
	}

	return &it, nil
}
