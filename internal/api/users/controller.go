package users

import (
	"context"
	"net/http"
	"strconv"

	"github.com/iencode/iencode/internal/api/jobs"
	"github.com/iencode/iencode/internal/database"
	"github.com/iencode/iencode/internal/job"
	"github.com/iencode/iencode/internal/user"
	"github.com/labstack/echo/v4"
)

type (
	SettingsDto struct {
		BrandName          string `json:"brand_name"`
		Website            string `json:"website"`
		CustomThumbnailRef string `json:"custom_thumbnail_ref"`
	}

	UpdateSettingRequest struct {
		Value string `json:"value"`
	}

	QueueService interface {
		ListQueue(ctx context.Context, userID int64) ([]*job.Job, error)
	}

	SettingsStore interface {
		GetSettings(database.Queryable, int64) (user.Settings, error)
		UpdateSetting(database.Queryable, int64, string, string) error
	}

	Controller struct {
		queue    QueueService
		settings SettingsStore
		db       database.Queryable
	}
)

func New(queue QueueService, settings SettingsStore, db database.Queryable) *Controller {
	return &Controller{queue: queue, settings: settings, db: db}
}

func (controller *Controller) SetRoutes(eg *echo.Group) {
	eg.GET("/:id/queue/", controller.listQueue)
	eg.GET("/:id/settings/", controller.getSettings)
	eg.PUT("/:id/settings/:key/", controller.updateSetting)
}

// listQueue returns the user's active jobs, oldest first.
func (controller *Controller) listQueue(ec echo.Context) error {
	userID, err := parseUserID(ec)
	if err != nil {
		return err
	}

	items, err := controller.queue.ListQueue(ec.Request().Context(), userID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	dtos := make([]*jobs.JobDto, len(items))
	for k, v := range items {
		dtos[k] = jobs.NewDto(v)
	}

	return ec.JSON(http.StatusOK, dtos)
}

func (controller *Controller) getSettings(ec echo.Context) error {
	userID, err := parseUserID(ec)
	if err != nil {
		return err
	}

	settings, err := controller.settings.GetSettings(controller.db, userID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return ec.JSON(http.StatusOK, SettingsDto{
		BrandName:          settings.BrandName,
		Website:            settings.Website,
		CustomThumbnailRef: settings.CustomThumbnailRef,
	})
}

func (controller *Controller) updateSetting(ec echo.Context) error {
	userID, err := parseUserID(ec)
	if err != nil {
		return err
	}

	var request UpdateSettingRequest
	if err := ec.Bind(&request); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "JSON body illegal")
	}

	if err := controller.settings.UpdateSetting(controller.db, userID, ec.Param("key"), request.Value); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	return ec.NoContent(http.StatusOK)
}

func parseUserID(ec echo.Context) (int64, error) {
	userID, err := strconv.ParseInt(ec.Param("id"), 10, 64)
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "User ID is not a valid integer")
	}

	return userID, nil
}
