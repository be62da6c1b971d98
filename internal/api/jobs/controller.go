package jobs

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/iencode/iencode/internal/database"
	"github.com/iencode/iencode/internal/intake"
	"github.com/iencode/iencode/internal/job"
	"github.com/labstack/echo/v4"
)

type (
	// JobDto is the response shape used by endpoints returning jobs.
	JobDto struct {
		TaskID        uuid.UUID `json:"task_id"`
		UserID        int64     `json:"user_id"`
		Filename      string    `json:"filename"`
		FinalFilename string    `json:"final_filename"`
		Status        string    `json:"status"`
		Quality       int       `json:"quality"`
		Preset        string    `json:"preset"`
		CpuQueue      string    `json:"cpu_queue"`
		CreatedAt     time.Time `json:"created_at"`
		UpdatedAt     time.Time `json:"updated_at"`
	}

	ActionRequest struct {
		UserID int64 `json:"user_id"`
	}

	Service interface {
		Cancel(ctx context.Context, taskID uuid.UUID, requesterID int64) error
		Accelerate(ctx context.Context, taskID uuid.UUID, requesterID int64) error
	}

	Store interface {
		GetJob(database.Queryable, uuid.UUID) (*job.Job, error)
		RemoveJob(database.Queryable, uuid.UUID) error
	}

	Controller struct {
		service Service
		store   Store
		db      database.Queryable
	}
)

func New(service Service, store Store, db database.Queryable) *Controller {
	return &Controller{service: service, store: store, db: db}
}

func (controller *Controller) SetRoutes(eg *echo.Group) {
	eg.GET("/:id/", controller.get)
	eg.POST("/:id/cancel/", controller.cancel)
	eg.POST("/:id/accelerate/", controller.accelerate)
	eg.DELETE("/:id/", controller.remove)
}

func (controller *Controller) get(ec echo.Context) error {
	id, err := uuid.Parse(ec.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Job ID is not a valid UUID")
	}

	target, err := controller.store.GetJob(controller.db, id)
	if err != nil {
		if errors.Is(err, job.ErrJobNotFound) {
			return echo.NewHTTPError(http.StatusNotFound)
		}

		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return ec.JSON(http.StatusOK, NewDto(target))
}

func (controller *Controller) cancel(ec echo.Context) error {
	id, request, err := bindAction(ec)
	if err != nil {
		return err
	}

	if err := controller.service.Cancel(ec.Request().Context(), id, request.UserID); err != nil {
		return mapServiceError(err)
	}

	return ec.NoContent(http.StatusOK)
}

func (controller *Controller) accelerate(ec echo.Context) error {
	id, request, err := bindAction(ec)
	if err != nil {
		return err
	}

	if err := controller.service.Accelerate(ec.Request().Context(), id, request.UserID); err != nil {
		return mapServiceError(err)
	}

	return ec.NoContent(http.StatusOK)
}

// remove deletes a terminal job's record. Active jobs must be cancelled
// first; their documents are owned by the worker processing them.
func (controller *Controller) remove(ec echo.Context) error {
	id, request, err := bindAction(ec)
	if err != nil {
		return err
	}

	target, err := controller.store.GetJob(controller.db, id)
	if err != nil {
		return mapServiceError(err)
	}

	if target.UserID != request.UserID {
		return echo.NewHTTPError(http.StatusForbidden, "Job belongs to a different user")
	}

	if !target.Status.Terminal() {
		return echo.NewHTTPError(http.StatusConflict, "Job is still active; cancel it before deleting")
	}

	if err := controller.store.RemoveJob(controller.db, id); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return ec.NoContent(http.StatusOK)
}

func bindAction(ec echo.Context) (uuid.UUID, *ActionRequest, error) {
	id, err := uuid.Parse(ec.Param("id"))
	if err != nil {
		return uuid.Nil, nil, echo.NewHTTPError(http.StatusBadRequest, "Job ID is not a valid UUID")
	}

	var request ActionRequest
	if err := ec.Bind(&request); err != nil {
		return uuid.Nil, nil, echo.NewHTTPError(http.StatusBadRequest, "JSON body illegal")
	} else if request.UserID == 0 {
		return uuid.Nil, nil, echo.NewHTTPError(http.StatusBadRequest, "JSON body missing mandatory 'user_id' field")
	}

	return id, &request, nil
}

func mapServiceError(err error) error {
	switch {
	case errors.Is(err, job.ErrJobNotFound):
		return echo.NewHTTPError(http.StatusNotFound)
	case errors.Is(err, intake.ErrNotOwner):
		return echo.NewHTTPError(http.StatusForbidden, "Job belongs to a different user")
	case errors.Is(err, intake.ErrNotAccelerable):
		return echo.NewHTTPError(http.StatusConflict, "Job can no longer be accelerated")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

// NewDto creates a JobDto from the job model.
func NewDto(target *job.Job) *JobDto {
	return &JobDto{
		TaskID:        target.TaskID,
		UserID:        target.UserID,
		Filename:      target.Filename,
		FinalFilename: target.Data.FinalFilename,
		Status:        string(target.Status),
		Quality:       target.Data.Quality,
		Preset:        target.Data.Preset,
		CpuQueue:      target.Data.CpuQueue,
		CreatedAt:     target.CreatedAt,
		UpdatedAt:     target.UpdatedAt,
	}
}
