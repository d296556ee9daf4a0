package store

import (
	"context"

	"github.com/seantiz/kiln/internal/model"
)

// Store is the history archive for jobs, sequence runs and notifications.
// The orchestration engine only writes to it; live state never depends on it.
type Store interface {
	SaveJob(ctx context.Context, j *model.Job) error
	GetJob(ctx context.Context, id string) (*model.Job, error)
	ListJobs(ctx context.Context, limit, offset int) ([]*model.Job, int, error)
	GetJobStats(ctx context.Context) (*model.JobStats, error)
	SaveSequenceRun(ctx context.Context, r *model.SequenceRecord) error
	ListSequenceRuns(ctx context.Context, limit, offset int) ([]*model.SequenceRecord, int, error)
	InsertNotification(ctx context.Context, n model.Notification) error
	ListNotifications(ctx context.Context, subject string, limit int) ([]model.Notification, error)
	Close() error
}
