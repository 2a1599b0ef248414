package sqlite

import (
	"database/sql"

	"github.com/robertpelloni/picard/internal/storage"
)

type HistoryRepository struct {
	db *sql.DB
}

func NewHistoryRepository(dbConn *sql.DB) *HistoryRepository {
	return &HistoryRepository{db: dbConn}
}

var _ storage.HistoryRepository = (*HistoryRepository)(nil)

func (r *HistoryRepository) TrackTransfer(rec storage.TransferRecord) error {
	_, err := r.db.Exec(
		`INSERT INTO transfers (transfer_id, session_id, group_id, peer, remote_path, local_path, size_bytes, state, match_status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.TransferID, rec.SessionID, rec.GroupID, rec.Peer, rec.RemotePath,
		rec.LocalPath, rec.SizeBytes, rec.State, rec.MatchStatus, rec.CreatedAt,
	)

	return err
}

// UpdateTransferState records a state change; completedAt and localPath are
// only written when non-empty so progress updates don't blank them.
func (r *HistoryRepository) UpdateTransferState(transferID, state, localPath, completedAt string) error {
	_, err := r.db.Exec(
		`UPDATE transfers SET
			state = ?,
			local_path = CASE WHEN ? != '' THEN ? ELSE local_path END,
			completed_at = CASE WHEN ? != '' THEN ? ELSE completed_at END
		 WHERE transfer_id = ?`,
		state, localPath, localPath, completedAt, completedAt, transferID,
	)

	return err
}

func (r *HistoryRepository) UpdateMatchStatus(transferID, matchStatus string) error {
	_, err := r.db.Exec(`UPDATE transfers SET match_status = ? WHERE transfer_id = ?`, matchStatus, transferID)

	return err
}

func (r *HistoryRepository) GetTransfers() ([]storage.TransferRecord, error) {
	rows, err := r.db.Query(
		`SELECT transfer_id, session_id, group_id, peer, remote_path,
			COALESCE(local_path, ''), size_bytes, state, match_status,
			COALESCE(created_at, ''), COALESCE(completed_at, '')
		 FROM transfers ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []storage.TransferRecord

	for rows.Next() {
		var rec storage.TransferRecord

		if err := rows.Scan(
			&rec.TransferID, &rec.SessionID, &rec.GroupID, &rec.Peer, &rec.RemotePath,
			&rec.LocalPath, &rec.SizeBytes, &rec.State, &rec.MatchStatus,
			&rec.CreatedAt, &rec.CompletedAt,
		); err != nil {
			return nil, err
		}

		records = append(records, rec)
	}

	return records, rows.Err()
}

// MarkInterrupted fails over rows a previous process left non-terminal.
// Queued work is not resumed on restart.
func (r *HistoryRepository) MarkInterrupted() (int64, error) {
	res, err := r.db.Exec(`UPDATE transfers SET state = 'failed' WHERE state IN ('queued', 'in_progress')`)
	if err != nil {
		return 0, err
	}

	return res.RowsAffected()
}
