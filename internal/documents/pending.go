package documents

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/inkwell/internal/retryqueue"
	"go.uber.org/zap"
)

const (
	opProcessPending = "documents.process_pending_versions"

	// DefaultPendingMaxAttempts bounds replays of one pending version job.
	DefaultPendingMaxAttempts = 10
	// DefaultPendingInterval is the pause between pending queue drains.
	DefaultPendingInterval = 5 * time.Second
)

// ProcessPendingVersions replays the jobs currently queued and returns how many produced a new
// version. A job whose edit already has a version, or whose document is gone, is dropped.
// Failed jobs go back to the queue until they exhaust their attempts.
func (s *Service) ProcessPendingVersions(ctx context.Context) (int, error) {
	if s.queue == nil {
		return 0, nil
	}
	pending, err := s.queue.Len(ctx)
	if err != nil {
		return 0, s.fail(opProcessPending, fmt.Errorf("%w: %w", ErrStorage, err))
	}

	appended := 0
	for index := 0; index < pending; index++ {
		job, ok, err := s.queue.Pop(ctx)
		if err != nil {
			return appended, s.fail(opProcessPending, fmt.Errorf("%w: %w", ErrStorage, err))
		}
		if !ok {
			break
		}
		recorded, err := s.replay(ctx, job)
		if err == nil {
			if recorded {
				appended++
			}
			continue
		}
		fields := []zap.Field{
			zap.String("document_id", job.DocumentID),
			zap.String("edit_id", job.EditID),
			zap.Int("attempts", job.Attempts+1),
		}
		if errors.Is(err, ErrNotFound) {
			s.logError(opProcessPending, "document_missing", err, fields...)
			continue
		}
		job.Attempts++
		if job.Attempts >= s.pendingMaxAttempts {
			s.logError(opProcessPending, "attempts_exhausted", err, fields...)
			continue
		}
		if pushErr := s.queue.Push(ctx, job); pushErr != nil {
			s.logError(opProcessPending, "requeue_failed", pushErr, fields...)
			continue
		}
		s.logError(opProcessPending, "replay_failed", err, fields...)
	}
	return appended, nil
}

func (s *Service) replay(ctx context.Context, job retryqueue.Job) (bool, error) {
	exists, err := s.versions.HasEdit(ctx, job.DocumentID, job.EditID)
	if err != nil {
		return false, err
	}
	if exists {
		s.loggerOrDefault().Info("pending version already recorded",
			zap.String("document_id", job.DocumentID),
			zap.String("edit_id", job.EditID))
		return false, nil
	}
	if _, err := s.repository.Get(ctx, job.DocumentID); err != nil {
		return false, err
	}
	version, err := s.versions.Append(ctx, AppendRequest{
		DocumentID: job.DocumentID,
		EditID:     job.EditID,
		Title:      job.Title,
		Content:    job.Content,
		AuthorID:   job.AuthorID,
	})
	if err != nil {
		return false, err
	}
	s.publish(EventVersionRecorded, job.DocumentID, job.AuthorID, version.VersionNumber)
	return true, nil
}

// RunPendingVersionWorker drains the pending queue every interval until ctx is done.
func (s *Service) RunPendingVersionWorker(ctx context.Context, interval time.Duration) error {
	if s.queue == nil {
		return nil
	}
	if interval <= 0 {
		interval = DefaultPendingInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.ProcessPendingVersions(ctx); err != nil && ctx.Err() == nil {
				s.loggerOrDefault().Warn("pending version drain failed", zap.Error(err))
			}
		}
	}
}
