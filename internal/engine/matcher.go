package engine

import (
	"context"
	"time"

	"github.com/robertpelloni/picard/internal/logctx"
)

// Destination is the caller-supplied handle describing where a completed
// file should land, e.g. an in-progress catalog entry. The engine never
// interprets its internals.
type Destination interface {
	// AttachFile hands the downloaded file to the destination. A
	// DestinationNotReadyError is retried with backoff; a
	// DestinationGoneError abandons matching immediately; nil means the file
	// was accepted.
	AttachFile(ctx context.Context, localPath string) error

	// TriggerAnalysis kicks off acoustic fingerprinting for an attached
	// file. Fire and forget; failures are the destination's problem.
	TriggerAnalysis(localPath string)
}

// Matcher drives the retry loop that reconciles a completed download with a
// destination that may not be ready to receive it yet.
type Matcher struct {
	maxAttempts int
	baseDelay   time.Duration
	fingerprint bool
}

func NewMatcher(maxAttempts int, baseDelay time.Duration, fingerprint bool) *Matcher {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	return &Matcher{
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		fingerprint: fingerprint,
	}
}

// Match attempts to attach localPath to dest, retrying not-ready failures
// with exponential backoff up to the configured attempt limit. It returns
// the number of AttachFile calls made and the final error, nil on success.
// On success with fingerprinting enabled the analysis trigger is fired in
// the background.
func (m *Matcher) Match(ctx context.Context, dest Destination, localPath string) (int, error) {
	logger := logctx.LoggerFromContext(ctx).With("local_path", localPath)

	var err error

	for attempt := 1; attempt <= m.maxAttempts; attempt++ {
		err = dest.AttachFile(ctx, localPath)
		if err == nil {
			if m.fingerprint {
				go dest.TriggerAnalysis(localPath)
			}

			return attempt, nil
		}

		if !IsRetryableMatch(err) {
			logger.Warn("destination rejected file permanently", "err", err)

			return attempt, err
		}

		if attempt == m.maxAttempts {
			break
		}

		delay := m.baseDelay << (attempt - 1)
		logger.Debug("destination not ready, will retry", "attempt", attempt, "delay", delay.String())

		select {
		case <-ctx.Done():
			return attempt, ctx.Err()
		case <-time.After(delay):
		}
	}

	logger.Warn("giving up on catalog match, file retained", "attempts", m.maxAttempts, "err", err)

	return m.maxAttempts, err
}
