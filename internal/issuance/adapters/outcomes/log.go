package outcomes

import (
	"context"
	"log/slog"

	"certmint/internal/issuance/models"
)

// LogPublisher writes outcomes to the structured log. It is used when no
// broker is configured.
type LogPublisher struct {
	logger *slog.Logger
}

func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(ctx context.Context, event models.OutcomeEvent) error {
	attrs := []any{
		"attempt_id", event.AttemptID.String(),
		"course_id", event.CourseID.String(),
		"outcome", string(event.Outcome),
	}
	if event.Stage != "" {
		attrs = append(attrs, "stage", string(event.Stage))
	}
	if event.CollectionID != "" {
		attrs = append(attrs, "collection_id", event.CollectionID.String())
	}
	if event.Candidate != "" {
		attrs = append(attrs, "candidate", event.Candidate.String())
	}
	if event.Reason != "" {
		attrs = append(attrs, "reason", event.Reason)
	}
	p.logger.InfoContext(ctx, "issuance outcome", attrs...)
	return nil
}
