package items

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/clipberry/clipberry/internal/common"
	"github.com/clipberry/clipberry/internal/model"
)

type SQLiteRepository struct {
	db *sql.DB
}

func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

func (r *SQLiteRepository) Add(ctx context.Context, item *model.ClipboardItem) (bool, error) {

	metadata, err := json.Marshal(item.Metadata)
	if err != nil {
		return false, fmt.Errorf("failed to marshal metadata: %w", err)
	}

	query := `INSERT INTO clipboard_items
		(id, type, content_hash, origin_device_id, timestamp, size,
		 metadata, text_content, blob_path, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = r.db.ExecContext(ctx, query,
		item.ID, string(item.Type), item.ContentHash, item.OriginDeviceID,
		item.Timestamp, item.Size, string(metadata),
		nullableString(item.TextContent), nullableString(item.BlobPath),
		time.Now().UTC().UnixMilli(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			// Duplicate content hash: expected, not an error.
			return false, nil
		}
		return false, fmt.Errorf("failed to insert item: %w", err)
	}

	return true, nil
}

func (r *SQLiteRepository) GetByHash(ctx context.Context, contentHash string) (*model.ClipboardItem, error) {

	query := `SELECT id, type, content_hash, origin_device_id, timestamp, size,
			metadata, text_content, blob_path
		FROM clipboard_items
		WHERE content_hash = ?
	`
	row := r.db.QueryRowContext(ctx, query, contentHash)

	item, err := scanItem(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select item: %w", err)
	}

	return item, nil
}

func (r *SQLiteRepository) GetRecent(ctx context.Context, limit int) ([]model.ClipboardItem, error) {

	query := `SELECT id, type, content_hash, origin_device_id, timestamp, size,
			metadata, text_content, blob_path
		FROM clipboard_items
		ORDER BY timestamp DESC
		LIMIT ?
	`
	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select items: %w", err)
	}
	defer rows.Close()

	var result []model.ClipboardItem
	for rows.Next() {
		item, err := scanItem(rows.Scan)
		if err != nil {
			return nil, err
		}
		result = append(result, *item)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (r *SQLiteRepository) Clear(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM clipboard_items`); err != nil {
		return fmt.Errorf("failed to clear items: %w", err)
	}
	return nil
}

func scanItem(scan func(dest ...any) error) (*model.ClipboardItem, error) {
	var (
		item        model.ClipboardItem
		itemType    string
		metadata    string
		textContent sql.NullString
		blobPath    sql.NullString
	)

	err := scan(&item.ID, &itemType, &item.ContentHash, &item.OriginDeviceID,
		&item.Timestamp, &item.Size, &metadata, &textContent, &blobPath)
	if err != nil {
		return nil, err
	}

	item.Type = model.ItemType(itemType)
	item.TextContent = textContent.String
	item.BlobPath = blobPath.String

	if err := json.Unmarshal([]byte(metadata), &item.Metadata); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}

	return &item, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// isUniqueViolation reports whether err is a UNIQUE constraint failure as
// raised by the sqlite engine. Two concurrent inserts racing on the same
// content hash resolve here: exactly one succeeds, the rest see this error.
func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	code := se.Code()
	return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE ||
		code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}
