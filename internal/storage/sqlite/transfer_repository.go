package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/italolelis/ftransfer/internal/storage"
)

const selectColumns = `SELECT transfer_id, direction, url, output, phase, error_kind, error_message,
	hash_algorithm, hash_value, content_length, content_type, instance_id, submitted_at, finished_at
	FROM transfers`

// TransferRepository implements storage.TransferRepository on SQLite.
type TransferRepository struct {
	db *sql.DB
}

func NewTransferRepository(db *sql.DB) *TransferRepository {
	return &TransferRepository{db: db}
}

func (r *TransferRepository) TrackTransfer(ctx context.Context, rec storage.TransferRecord) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO transfers (transfer_id, direction, url, output, phase, instance_id, submitted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Direction, rec.URL, rec.Output, rec.Phase, rec.InstanceID, formatTime(rec.SubmittedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert transfer: %w", err)
	}

	return nil
}

func (r *TransferRepository) FinishTransfer(ctx context.Context, rec storage.TransferRecord) error {
	finishedAt := time.Now()
	if rec.FinishedAt != nil {
		finishedAt = *rec.FinishedAt
	}

	res, err := r.db.ExecContext(ctx,
		`UPDATE transfers SET
			phase = ?, error_kind = ?, error_message = ?, hash_algorithm = ?, hash_value = ?,
			content_length = ?, content_type = ?, finished_at = ?
		WHERE id = (
			SELECT id FROM transfers WHERE transfer_id = ? AND finished_at IS NULL ORDER BY id DESC LIMIT 1
		)`,
		rec.Phase, nullString(rec.ErrorKind), nullString(rec.ErrorMessage), nullString(rec.HashAlgorithm),
		nullString(rec.HashValue), rec.ContentLength, nullString(rec.ContentType), formatTime(finishedAt), rec.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update transfer: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}

	if affected == 0 {
		return fmt.Errorf("%w: no unfinished transfer %s", storage.ErrNotFound, rec.ID)
	}

	return nil
}

func (r *TransferRepository) GetTransfers(ctx context.Context, limit int) ([]storage.TransferRecord, error) {
	if limit <= 0 {
		limit = -1
	}

	rows, err := r.db.QueryContext(ctx, selectColumns+` ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query transfers: %w", err)
	}

	return scanRecords(rows)
}

func (r *TransferRepository) GetTransfer(ctx context.Context, id string) (*storage.TransferRecord, error) {
	rows, err := r.db.QueryContext(ctx, selectColumns+` WHERE transfer_id = ? ORDER BY id DESC LIMIT 1`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query transfer: %w", err)
	}

	records, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}

	if len(records) == 0 {
		return nil, storage.ErrNotFound
	}

	return &records[0], nil
}

func (r *TransferRepository) GetUnfinished(ctx context.Context, instanceID string) ([]storage.TransferRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		selectColumns+` WHERE finished_at IS NULL AND instance_id != ? ORDER BY id`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query unfinished transfers: %w", err)
	}

	return scanRecords(rows)
}

func (r *TransferRepository) DeleteFinishedBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM transfers WHERE finished_at IS NOT NULL AND finished_at < ?`, formatTime(before))
	if err != nil {
		return 0, fmt.Errorf("failed to delete transfers: %w", err)
	}

	return res.RowsAffected()
}

func scanRecords(rows *sql.Rows) ([]storage.TransferRecord, error) {
	defer rows.Close()

	var records []storage.TransferRecord

	for rows.Next() {
		var (
			rec                                          storage.TransferRecord
			output, errKind, errMsg, hashAlgo, hashValue sql.NullString
			contentType, finishedAt                      sql.NullString
			submittedAt                                  string
		)

		err := rows.Scan(&rec.ID, &rec.Direction, &rec.URL, &output, &rec.Phase, &errKind, &errMsg,
			&hashAlgo, &hashValue, &rec.ContentLength, &contentType, &rec.InstanceID, &submittedAt, &finishedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transfer: %w", err)
		}

		rec.Output = output.String
		rec.ErrorKind = errKind.String
		rec.ErrorMessage = errMsg.String
		rec.HashAlgorithm = hashAlgo.String
		rec.HashValue = hashValue.String
		rec.ContentType = contentType.String

		if rec.SubmittedAt, err = parseTime(submittedAt); err != nil {
			return nil, err
		}

		if finishedAt.Valid {
			t, err := parseTime(finishedAt.String)
			if err != nil {
				return nil, err
			}

			rec.FinishedAt = &t
		}

		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate transfers: %w", err)
	}

	return records, nil
}

// Timestamps are stored as fixed width UTC text so they sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", s, err)
	}

	return t, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

var _ storage.TransferRepository = (*TransferRepository)(nil)
