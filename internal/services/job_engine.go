package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/agency-marketplace/backend/internal/apperr"
	"github.com/agency-marketplace/backend/internal/events"
	"github.com/agency-marketplace/backend/internal/models"
	"github.com/agency-marketplace/backend/internal/rbac"
	"github.com/agency-marketplace/backend/internal/telemetry"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// Actor is whoever fires a trigger. ID is nil for the system.
type Actor struct {
	ID   *uuid.UUID
	Role rbac.Role
}

func SystemActor() Actor {
	return Actor{Role: rbac.RoleSystem}
}

func UserActor(id uuid.UUID, role rbac.Role) Actor {
	return Actor{ID: &id, Role: role}
}

// JobEngine is the only writer of Job.Status.
type JobEngine struct {
	jobs      JobStore
	audit     AuditStore
	publisher events.Publisher
	log       *zap.Logger
}

func NewJobEngine(jobs JobStore, audit AuditStore, publisher events.Publisher, log *zap.Logger) *JobEngine {
	return &JobEngine{jobs: jobs, audit: audit, publisher: publisher, log: log}
}

// Apply loads the job and fires trigger against its current status.
func (e *JobEngine) Apply(ctx context.Context, jobID uuid.UUID, trigger models.Trigger, actor Actor) (*models.Job, error) {
	job, err := e.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return e.ApplyTo(ctx, job, trigger, actor)
}

// ApplyTo fires trigger against the status and version job was read with.
// Illegal triggers fail with a TransitionError and write nothing; a job changed
// since it was read fails with ErrStaleState and is never overwritten.
func (e *JobEngine) ApplyTo(ctx context.Context, job *models.Job, trigger models.Trigger, actor Actor) (*models.Job, error) {
	ctx, span := telemetry.Tracer.Start(ctx, "job.transition")
	defer span.End()
	span.SetAttributes(
		attribute.String("job.id", job.ID.String()),
		attribute.String("job.trigger", string(trigger)),
		attribute.String("job.from", string(job.Status)),
	)

	to, err := models.NextStatus(job.Status, trigger, actor.Role)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	updated, err := e.jobs.UpdateStatus(ctx, job.ID, job.Status, job.Version, to)
	if err != nil {
		if errors.Is(err, apperr.ErrStaleState) {
			telemetry.TransitionConflicts.Inc()
		}
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	from := job.Status
	telemetry.JobTransitions.WithLabelValues(string(from), string(to), string(trigger)).Inc()
	e.log.Info("job transition",
		zap.String("job_id", job.ID.String()),
		zap.String("trigger", string(trigger)),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("actor_role", string(actor.Role)),
	)

	// Audit and notification happen after the commit and never fail the transition.
	if err := e.audit.Log(ctx, models.AuditLog{
		ActorUserID: actor.ID,
		ActorType:   string(actor.Role),
		Action:      fmt.Sprintf("job_%s", trigger),
		EntityType:  "job",
		EntityID:    &updated.ID,
		Meta:        map[string]any{"old_status": from, "new_status": to},
	}); err != nil {
		e.log.Warn("audit log failed", zap.String("job_id", job.ID.String()), zap.Error(err))
	}

	_ = e.publisher.Publish(ctx, events.StreamJobs, events.JobStatusChanged(
		updated.ID.String(), string(from), string(to),
		updated.BusinessID.String(), updated.AgencyID.String(),
	))

	return updated, nil
}
