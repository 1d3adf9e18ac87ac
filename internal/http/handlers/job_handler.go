package handlers

import (
	"context"
	"strconv"

	"github.com/agency-marketplace/backend/internal/http/dto"
	"github.com/agency-marketplace/backend/internal/middleware"
	"github.com/agency-marketplace/backend/internal/models"
	"github.com/agency-marketplace/backend/internal/rbac"
	"github.com/agency-marketplace/backend/internal/services"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type JobHandler struct {
	jobService *services.JobService
	log        *zap.Logger
}

func NewJobHandler(jobService *services.JobService, log *zap.Logger) *JobHandler {
	return &JobHandler{jobService: jobService, log: log}
}

func (h *JobHandler) CreateJob(c *fiber.Ctx) error {
	var req dto.CreateJobRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request")
	}

	agencyID, err := uuid.Parse(req.AgencyID)
	if err != nil {
		return badRequest(c, "invalid agency_id")
	}
	in := services.CreateJobInput{
		AgencyID:    agencyID,
		Title:       req.Title,
		Description: req.Description,
		Amount:      req.Amount,
		Currency:    req.Currency,
	}
	if req.DealID != nil {
		dealID, err := uuid.Parse(*req.DealID)
		if err != nil {
			return badRequest(c, "invalid deal_id")
		}
		in.DealID = &dealID
	}

	job, err := h.jobService.Create(c.UserContext(), middleware.GetUserID(c), in)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.Status(fiber.StatusCreated).JSON(dto.SuccessResponse{OK: true, Data: models.NewJobView(job)})
}

func (h *JobHandler) ListJobs(c *fiber.Ctx) error {
	in := services.ListJobsInput{
		UserID: middleware.GetUserID(c),
		Role:   middleware.GetRole(c),
		Limit:  20,
	}
	if v := c.Query("role"); v != "" {
		role, ok := rbac.Parse(v)
		if !ok {
			return badRequest(c, "role must be business or agency")
		}
		in.Role = role
	}
	if v := c.Query("status"); v != "" {
		status := models.JobStatus(v)
		in.Status = &status
	}
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			in.Limit = n
		}
	}
	if v := c.Query("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			in.Offset = n
		}
	}

	jobs, err := h.jobService.List(c.UserContext(), in)
	if err != nil {
		return respondError(c, h.log, err)
	}
	views := make([]models.JobView, 0, len(jobs))
	for i := range jobs {
		views = append(views, models.NewJobView(&jobs[i]))
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: views})
}

func (h *JobHandler) GetJob(c *fiber.Ctx) error {
	jobID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "invalid job id")
	}
	job, err := h.jobService.Get(c.UserContext(), jobID, middleware.GetUserID(c))
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: models.NewJobView(job)})
}

func (h *JobHandler) ListPayments(c *fiber.Ctx) error {
	return h.query(c, func(ctx context.Context, jobID, userID uuid.UUID) (any, error) {
		return h.jobService.ListPayments(ctx, jobID, userID)
	})
}

func (h *JobHandler) ListPayouts(c *fiber.Ctx) error {
	return h.query(c, func(ctx context.Context, jobID, userID uuid.UUID) (any, error) {
		return h.jobService.ListPayouts(ctx, jobID, userID)
	})
}

func (h *JobHandler) GetJobEvents(c *fiber.Ctx) error {
	return h.query(c, func(ctx context.Context, jobID, userID uuid.UUID) (any, error) {
		return h.jobService.History(ctx, jobID, userID)
	})
}

// Commands. Role gating happens in the router; party checks in the service.

func (h *JobHandler) Accept(c *fiber.Ctx) error          { return h.command(c, h.jobService.Accept) }
func (h *JobHandler) Decline(c *fiber.Ctx) error         { return h.command(c, h.jobService.Decline) }
func (h *JobHandler) StartWork(c *fiber.Ctx) error       { return h.command(c, h.jobService.StartWork) }
func (h *JobHandler) Submit(c *fiber.Ctx) error          { return h.command(c, h.jobService.SubmitForReview) }
func (h *JobHandler) Resubmit(c *fiber.Ctx) error        { return h.command(c, h.jobService.Resubmit) }
func (h *JobHandler) Approve(c *fiber.Ctx) error         { return h.command(c, h.jobService.Approve) }
func (h *JobHandler) RequestRevision(c *fiber.Ctx) error { return h.command(c, h.jobService.RequestRevision) }
func (h *JobHandler) Cancel(c *fiber.Ctx) error          { return h.command(c, h.jobService.Cancel) }

func (h *JobHandler) InitiateFunding(c *fiber.Ctx) error {
	return h.query(c, func(ctx context.Context, jobID, userID uuid.UUID) (any, error) {
		return h.jobService.InitiateFunding(ctx, jobID, userID)
	})
}

// RequestRefund answers 202: the job only moves once the processor confirms.
func (h *JobHandler) RequestRefund(c *fiber.Ctx) error {
	jobID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "invalid job id")
	}
	rec, err := h.jobService.RequestRefund(c.UserContext(), jobID, middleware.GetUserID(c))
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(dto.SuccessResponse{OK: true, Data: rec})
}

type jobCommand func(ctx context.Context, jobID, actorID uuid.UUID) (*models.Job, error)

func (h *JobHandler) command(c *fiber.Ctx, run jobCommand) error {
	jobID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "invalid job id")
	}
	job, err := run(c.UserContext(), jobID, middleware.GetUserID(c))
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: models.NewJobView(job)})
}

func (h *JobHandler) query(c *fiber.Ctx, run func(ctx context.Context, jobID, userID uuid.UUID) (any, error)) error {
	jobID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "invalid job id")
	}
	data, err := run(c.UserContext(), jobID, middleware.GetUserID(c))
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: data})
}
