// Package visibility journals the terminal job transitions the console
// observes: titles resolving, workflow runs finishing, deletions and
// restores. The journal backs the workspace activity view and audit
// queries; it is write-mostly and append-only.
package visibility

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

var ErrRecordNotFound = errors.New("visibility: record not found")

// JobClass identifies which reconciler produced a transition.
type JobClass string

const (
	JobClassTitle    JobClass = "title"
	JobClassWorkflow JobClass = "workflow"
	JobClassDeletion JobClass = "deletion"
)

// Outcome is the terminal result of a tracked job.
type Outcome string

const (
	OutcomeGenerated Outcome = "generated"
	OutcomeFallback  Outcome = "fallback"
	OutcomeFinished  Outcome = "finished"
	OutcomeError     Outcome = "error"
	OutcomeDeleted   Outcome = "deleted"
	OutcomeRestored  Outcome = "restored"
	OutcomeExpired   Outcome = "expired"
)

// TransitionRecord is one observed terminal transition.
type TransitionRecord struct {
	ID         int64
	DocumentID string
	JobClass   JobClass
	Outcome    Outcome
	Detail     string
	ObservedAt time.Time
}

// ListRequest filters and paginates a journal read. Zero-value fields
// match everything.
type ListRequest struct {
	DocumentID    string
	JobClass      JobClass
	Outcome       Outcome
	Since         time.Time
	PageSize      int32
	NextPageToken []byte
}

// ListResponse is one page of journal records, newest first.
type ListResponse struct {
	Records       []*TransitionRecord
	NextPageToken []byte
}

// Store defines the interface for journal persistence.
type Store interface {
	// RecordTransition appends one transition to the journal.
	RecordTransition(ctx context.Context, rec *TransitionRecord) error
	// ListTransitions reads a filtered page, newest first.
	ListTransitions(ctx context.Context, req *ListRequest) (*ListResponse, error)
	// CountTransitions counts records matching the filter.
	CountTransitions(ctx context.Context, req *ListRequest) (int64, error)
	// PruneBefore deletes records observed before the cutoff.
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Config holds the configuration for the visibility service.
type Config struct {
	Logger *slog.Logger
}

// Service wraps a Store with typed record helpers. A nil *Service is
// valid and drops every record, so callers never need to branch on
// whether journaling is configured.
type Service struct {
	store  Store
	logger *slog.Logger
}

// NewService creates a new visibility service.
func NewService(store Store, config Config) *Service {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Service{
		store:  store,
		logger: config.Logger,
	}
}

// RecordTitleOutcome journals a title-generation terminal transition.
func (s *Service) RecordTitleOutcome(ctx context.Context, documentID string, outcome Outcome, title string) {
	s.record(ctx, &TransitionRecord{
		DocumentID: documentID,
		JobClass:   JobClassTitle,
		Outcome:    outcome,
		Detail:     title,
	})
}

// RecordWorkflowOutcome journals a workflow run reaching a terminal phase.
func (s *Service) RecordWorkflowOutcome(ctx context.Context, documentID string, outcome Outcome, detail string) {
	s.record(ctx, &TransitionRecord{
		DocumentID: documentID,
		JobClass:   JobClassWorkflow,
		Outcome:    outcome,
		Detail:     detail,
	})
}

// RecordDeletionOutcome journals a delete, restore, or undo expiry.
func (s *Service) RecordDeletionOutcome(ctx context.Context, documentID string, outcome Outcome) {
	s.record(ctx, &TransitionRecord{
		DocumentID: documentID,
		JobClass:   JobClassDeletion,
		Outcome:    outcome,
	})
}

func (s *Service) record(ctx context.Context, rec *TransitionRecord) {
	if s == nil || s.store == nil {
		return
	}
	if rec.ObservedAt.IsZero() {
		rec.ObservedAt = time.Now()
	}
	if err := s.store.RecordTransition(ctx, rec); err != nil {
		// Journaling is best-effort; a failed write never blocks the
		// reconcilers.
		s.logger.Warn("transition journal write failed",
			slog.String("document_id", rec.DocumentID),
			slog.String("job_class", string(rec.JobClass)),
			slog.String("outcome", string(rec.Outcome)),
			slog.String("error", err.Error()))
	}
}

// List reads a filtered page of journal records.
func (s *Service) List(ctx context.Context, req *ListRequest) (*ListResponse, error) {
	if s == nil || s.store == nil {
		return &ListResponse{}, nil
	}
	return s.store.ListTransitions(ctx, req)
}

// Count counts journal records matching the filter.
func (s *Service) Count(ctx context.Context, req *ListRequest) (int64, error) {
	if s == nil || s.store == nil {
		return 0, nil
	}
	return s.store.CountTransitions(ctx, req)
}
