package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	nzberrors "github.com/odz123/nzbdav/internal/errors"
)

// ItemRepository owns the virtual item tree and its attached metadata.
type ItemRepository struct {
	db Querier
}

// NewItemRepository creates a repository over the given querier.
func NewItemRepository(db Querier) *ItemRepository {
	return &ItemRepository{db: db}
}

// WithTx returns a repository bound to a transaction.
func (r *ItemRepository) WithTx(tx *sql.Tx) *ItemRepository {
	return &ItemRepository{db: tx}
}

const itemColumns = `id, COALESCE(parent_id, ''), name, type, size, COALESCE(symlink_target, ''), created_at, release_date, last_health_check_at`

func scanItem(row interface{ Scan(...any) error }) (*VirtualItem, error) {
	var item VirtualItem
	err := row.Scan(&item.ID, &item.ParentID, &item.Name, &item.Type, &item.Size,
		&item.SymlinkTarget, &item.CreatedAt, &item.ReleaseDate, &item.LastHealthCheckAt)
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// Item fetches an item by id.
func (r *ItemRepository) Item(ctx context.Context, id string) (*VirtualItem, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM virtual_items WHERE id = ?`, id)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return item, err
}

// Lookup finds a child by name under a parent.
func (r *ItemRepository) Lookup(ctx context.Context, parentID, name string) (*VirtualItem, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM virtual_items WHERE parent_id = ? AND name = ?`, parentID, name)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return item, err
}

// Children lists the direct children of a directory, name order.
func (r *ItemRepository) Children(ctx context.Context, parentID string) ([]*VirtualItem, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+itemColumns+` FROM virtual_items WHERE parent_id = ? ORDER BY name`, parentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*VirtualItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// ResolvePath walks a slash-separated path from the root.
func (r *ItemRepository) ResolvePath(ctx context.Context, path string) (*VirtualItem, error) {
	current, err := r.Item(ctx, RootID)
	if err != nil {
		return nil, err
	}
	for _, part := range strings.Split(strings.Trim(path, "/"), "/") {
		if part == "" {
			continue
		}
		if current == nil {
			return nil, nil
		}
		current, err = r.Lookup(ctx, current.ID, part)
		if err != nil {
			return nil, err
		}
	}
	return current, nil
}

// Insert adds an item. A missing id is generated; duplicate (parent, name)
// pairs surface as Conflict.
func (r *ItemRepository) Insert(ctx context.Context, item *VirtualItem) error {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO virtual_items (id, parent_id, name, type, size, symlink_target, created_at, release_date, last_health_check_at)
		VALUES (?, ?, ?, ?, ?, NULLIF(?, ''), datetime('now'), ?, ?)`,
		item.ID, item.ParentID, item.Name, item.Type, item.Size, item.SymlinkTarget,
		item.ReleaseDate, item.LastHealthCheckAt)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return nzberrors.Wrap(nzberrors.KindConflict,
				fmt.Sprintf("item %q already exists under parent", item.Name), err)
		}
		return err
	}
	return nil
}

// EnsureDir returns the directory named name under parentID, creating it
// when absent.
func (r *ItemRepository) EnsureDir(ctx context.Context, parentID, name string) (*VirtualItem, error) {
	existing, err := r.Lookup(ctx, parentID, name)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if !existing.IsDir() {
			return nil, nzberrors.New(nzberrors.KindConflict, fmt.Sprintf("%q exists and is not a directory", name))
		}
		return existing, nil
	}

	dir := &VirtualItem{ParentID: parentID, Name: name, Type: ItemTypeDir}
	if err := r.Insert(ctx, dir); err != nil {
		return nil, err
	}
	return dir, nil
}

// Delete removes an item and, through foreign keys, its subtree and
// metadata.
func (r *ItemRepository) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM virtual_items WHERE id = ?`, id)
	return err
}

// SetFileMeta attaches plain-file segment geometry to an item.
func (r *ItemRepository) SetFileMeta(ctx context.Context, itemID string, segments SegmentRefs) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO file_meta (item_id, segments) VALUES (?, ?)`, itemID, segments)
	return err
}

// FileMeta loads the segment geometry of a plain file.
func (r *ItemRepository) FileMeta(ctx context.Context, itemID string) (SegmentRefs, error) {
	var segments SegmentRefs
	err := r.db.QueryRowContext(ctx,
		`SELECT segments FROM file_meta WHERE item_id = ?`, itemID).Scan(&segments)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return segments, err
}

// SetMultipartMeta attaches multipart mapping (and optional AES material)
// to an item.
func (r *ItemRepository) SetMultipartMeta(ctx context.Context, meta *MultipartMeta) error {
	var aes any
	if meta.AesParams != nil {
		v, err := meta.AesParams.Value()
		if err != nil {
			return err
		}
		aes = v
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO multipart_meta (item_id, aes_params, parts) VALUES (?, ?, ?)`,
		meta.ItemID, aes, meta.Parts)
	return err
}

// MultipartMeta loads the multipart mapping of an item.
func (r *ItemRepository) MultipartMeta(ctx context.Context, itemID string) (*MultipartMeta, error) {
	meta := &MultipartMeta{ItemID: itemID}
	var aes AesParams
	var hasAes sql.Null[[]byte]

	row := r.db.QueryRowContext(ctx,
		`SELECT aes_params, parts FROM multipart_meta WHERE item_id = ?`, itemID)
	if err := row.Scan(&hasAes, &meta.Parts); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if hasAes.Valid && len(hasAes.V) > 0 {
		if err := aes.Scan(hasAes.V); err != nil {
			return nil, err
		}
		meta.AesParams = &aes
	}
	return meta, nil
}

// MarkHealthChecked stamps last_health_check_at on the given items.
func (r *ItemRepository) MarkHealthChecked(ctx context.Context, itemIDs []string) error {
	for _, id := range itemIDs {
		if _, err := r.db.ExecContext(ctx,
			`UPDATE virtual_items SET last_health_check_at = datetime('now') WHERE id = ?`, id); err != nil {
			return err
		}
	}
	return nil
}

// UniqueChildName deduplicates a proposed name under a parent by suffixing
// " (2)", " (3)" and so on, giving up after 99 attempts.
func (r *ItemRepository) UniqueChildName(ctx context.Context, parentID, name string) (string, error) {
	existing, err := r.Lookup(ctx, parentID, name)
	if err != nil {
		return "", err
	}
	if existing == nil {
		return name, nil
	}
	for n := 2; n < 100; n++ {
		candidate := fmt.Sprintf("%s (%d)", name, n)
		existing, err := r.Lookup(ctx, parentID, candidate)
		if err != nil {
			return "", err
		}
		if existing == nil {
			return candidate, nil
		}
	}
	return "", nzberrors.New(nzberrors.KindConflict, fmt.Sprintf("no free name for %q after 99 attempts", name))
}
