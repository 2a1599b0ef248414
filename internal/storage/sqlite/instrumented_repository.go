package sqlite

import (
	"context"
	"database/sql"

	"github.com/robertpelloni/picard/internal/storage"
	"github.com/robertpelloni/picard/internal/telemetry"
)

// InstrumentedHistoryRepository wraps HistoryRepository with telemetry.
type InstrumentedHistoryRepository struct {
	repo      *HistoryRepository
	telemetry *telemetry.Telemetry
}

// NewInstrumentedHistoryRepository creates a new instrumented history repository.
func NewInstrumentedHistoryRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedHistoryRepository {
	return &InstrumentedHistoryRepository{
		repo:      NewHistoryRepository(dbConn),
		telemetry: tel,
	}
}

var _ storage.HistoryRepository = (*InstrumentedHistoryRepository)(nil)

func (r *InstrumentedHistoryRepository) TrackTransfer(rec storage.TransferRecord) error {
	return r.telemetry.InstrumentDBOperation(context.Background(), "track_transfer", func(ctx context.Context) error {
		return r.repo.TrackTransfer(rec)
	})
}

func (r *InstrumentedHistoryRepository) UpdateTransferState(transferID, state, localPath, completedAt string) error {
	return r.telemetry.InstrumentDBOperation(context.Background(), "update_transfer_state", func(ctx context.Context) error {
		return r.repo.UpdateTransferState(transferID, state, localPath, completedAt)
	})
}

func (r *InstrumentedHistoryRepository) UpdateMatchStatus(transferID, matchStatus string) error {
	return r.telemetry.InstrumentDBOperation(context.Background(), "update_match_status", func(ctx context.Context) error {
		return r.repo.UpdateMatchStatus(transferID, matchStatus)
	})
}

func (r *InstrumentedHistoryRepository) GetTransfers() ([]storage.TransferRecord, error) {
	var result []storage.TransferRecord

	var err error

	instrumentedErr := r.telemetry.InstrumentDBOperation(context.Background(), "get_transfers", func(ctx context.Context) error {
		result, err = r.repo.GetTransfers()

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}

func (r *InstrumentedHistoryRepository) MarkInterrupted() (int64, error) {
	var result int64

	var err error

	instrumentedErr := r.telemetry.InstrumentDBOperation(context.Background(), "mark_interrupted", func(ctx context.Context) error {
		result, err = r.repo.MarkInterrupted()

		return err
	})

	if instrumentedErr != nil {
		return 0, instrumentedErr
	}

	return result, nil
}
