package api

import (
	"context"

	"github.com/iencode/iencode/internal/api/jobs"
	"github.com/iencode/iencode/internal/api/users"
	"github.com/iencode/iencode/internal/database"
	"github.com/iencode/iencode/pkg/logger"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

var log = logger.Get("API")

type (
	RestConfig struct {
		HostAddr string `yaml:"host_address" env:"API_HOST_ADDR" env-default:"0.0.0.0:8080"`
	}

	controller interface {
		SetRoutes(*echo.Group)
	}

	jobService interface {
		jobs.Service
		users.QueueService
	}

	// The RestGateway is a thin wrapper around the Echo HTTP router. It is
	// the operational surface of the service: queue inspection, job
	// actions and per-user settings. Job submission stays on the chat
	// surface.
	RestGateway struct {
		config          *RestConfig
		ec              *echo.Echo
		jobController   controller
		usersController controller
	}
)

// NewRestGateway constructs the Echo router and populates it with the
// routes exposed by the controllers.
func NewRestGateway(
	config *RestConfig,
	service jobService,
	jobStore jobs.Store,
	settingsStore users.SettingsStore,
	db database.Queryable,
) *RestGateway {
	ec := echo.New()
	ec.OnAddRouteHandler = func(host string, route echo.Route, handler echo.HandlerFunc, middleware []echo.MiddlewareFunc) {
		log.Emit(logger.DEBUG, "Registered new route %s %s\n", route.Method, route.Path)
	}
	ec.HidePort = true
	ec.HideBanner = true

	gateway := &RestGateway{
		config:          config,
		ec:              ec,
		jobController:   jobs.New(service, jobStore, db),
		usersController: users.New(service, settingsStore, db),
	}

	ec.Use(middleware.Logger())
	ec.Use(middleware.Recover())
	ec.Pre(middleware.AddTrailingSlash())

	jobGroup := ec.Group("/api/iencode/v1/jobs")
	gateway.jobController.SetRoutes(jobGroup)

	userGroup := ec.Group("/api/iencode/v1/users")
	gateway.usersController.SetRoutes(userGroup)

	return gateway
}

func (gateway *RestGateway) Run(parentCtx context.Context) error {
	ctx, ctxCancel := context.WithCancelCause(parentCtx)

	go func() {
		if err := gateway.ec.Start(gateway.config.HostAddr); err != nil {
			ctxCancel(err)
		}
	}()

	<-ctx.Done()
	gateway.ec.Close()

	// Parent context cancellation is a normal shutdown, not an error.
	if cause := context.Cause(ctx); cause != ctx.Err() {
		return cause
	}

	return nil
}
