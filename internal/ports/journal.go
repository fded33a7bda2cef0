package ports

import (
	"context"

	"github.com/alejandrodnm/polyfollow/internal/domain"
)

// RunJournal persists finished follower runs.
type RunJournal interface {
	SaveRun(ctx context.Context, run domain.RunRecord) error

	// GetRuns devuelve las ejecuciones de un token, más recientes primero.
	GetRuns(ctx context.Context, tokenID string) ([]domain.RunRecord, error)

	Close() error
}
