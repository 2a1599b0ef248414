package storage

// TransferRecord is one row of the on-disk transfer history. The history is
// append-only: rows are created when a download is requested and updated as
// it reaches terminal and match states, never deleted by the engine.
type TransferRecord struct {
	TransferID  string
	SessionID   string
	GroupID     string
	Peer        string
	RemotePath  string
	LocalPath   string
	SizeBytes   int64
	State       string
	MatchStatus string
	CreatedAt   string
	CompletedAt string
}

// HistoryRepository persists transfer history across restarts. Queued work is
// not resumed on restart; MarkInterrupted fails over whatever a previous
// process left non-terminal.
type HistoryRepository interface {
	TrackTransfer(rec TransferRecord) error
	UpdateTransferState(transferID, state, localPath, completedAt string) error
	UpdateMatchStatus(transferID, matchStatus string) error
	GetTransfers() ([]TransferRecord, error)
	MarkInterrupted() (int64, error)
}
