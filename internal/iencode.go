package internal

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hibiken/asynq"
	"github.com/iencode/iencode/internal/api"
	"github.com/iencode/iencode/internal/broker"
	"github.com/iencode/iencode/internal/cpuworker"
	"github.com/iencode/iencode/internal/database"
	"github.com/iencode/iencode/internal/intake"
	"github.com/iencode/iencode/internal/ioworker"
	"github.com/iencode/iencode/internal/job"
	"github.com/iencode/iencode/internal/telegram"
	"github.com/iencode/iencode/internal/user"
	"github.com/iencode/iencode/pkg/logger"
)

var log = logger.Get("Core")

// Sentinel classifications for startup failures; main maps these to the
// documented process exit codes.
var (
	ErrStoreUnavailable  = errors.New("job store unreachable")
	ErrBrokerUnavailable = errors.New("queue broker unreachable")
)

type (
	RunnableService interface {
		Run(context.Context) error
	}

	runnableFunc func(context.Context) error
)

func (f runnableFunc) Run(ctx context.Context) error { return f(ctx) }

// Iencode is the top-level object for the service. It owns the stores,
// the broker connection and the chat client, and composes the intake
// controller, the two stage workers and the REST gateway on top of them.
type iencodeImpl struct {
	config IencodeConfig
}

func New(config IencodeConfig) *iencodeImpl {
	return &iencodeImpl{config: config}
}

// Run brings up the store, broker and chat connections and then spawns
// the long-running services. It does not return until the provided context
// is cancelled or a service crashes.
func (ienc *iencodeImpl) Run(parent context.Context) error {
	config := ienc.config

	log.Emit(logger.NEW, "Connecting to job store...\n")
	db := database.New()
	if err := db.Connect(config.Database); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	log.Emit(logger.NEW, "Connecting to queue broker...\n")
	dispatcher, err := broker.Connect(config.Broker)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}
	defer dispatcher.Close()

	log.Emit(logger.NEW, "Connecting to chat platform...\n")
	media, err := telegram.Connect(config.Telegram)
	if err != nil {
		return err
	}

	jobStore := job.NewStore()
	userStore := user.NewStore(config.DefaultUserSettings())
	queryable := db.GetSqlxDb()

	intakeService := intake.New(
		intake.Config{CacheDir: config.CacheDirPath},
		queryable, jobStore, userStore, dispatcher, media,
	)

	ioWorker := ioworker.New(
		ioworker.Config{CacheDir: config.CacheDirPath, FfprobeBin: config.Encoder.FfprobeBinPath},
		queryable, jobStore, dispatcher, media,
	)
	ioServer, err := broker.NewIOServer(config.Broker, config.Concurrent.IOWorkerConcurrency)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}
	ioMux := asynq.NewServeMux()
	ioMux.HandleFunc(broker.TaskTypeIO, ioWorker.HandleIO)

	cpuWorker := cpuworker.New(
		cpuworker.Config{
			CacheDir:     config.CacheDirPath,
			FfmpegBin:    config.Encoder.FfmpegBinPath,
			Crf:          config.Encoder.Crf,
			AudioBitrate: config.Encoder.AudioBitrate,
		},
		queryable, jobStore, media,
	)
	cpuServer, err := broker.NewCPUServer(config.Broker, config.EffectiveCpuSlots())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}
	cpuMux := asynq.NewServeMux()
	cpuMux.HandleFunc(broker.TaskTypeEncode, cpuWorker.HandleEncode)

	restGateway := api.NewRestGateway(&config.Rest, intakeService, jobStore, userStore, queryable)

	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	crashHandler := func(label string, err error) {
		log.Emit(logger.FATAL, "Service crash (%s)! %s\n", label, err.Error())
		cancel()
	}

	wg := &sync.WaitGroup{}
	ienc.spawnAsyncService(ctx, wg, runnableFunc(func(ctx context.Context) error {
		return broker.RunServer(ctx, ioServer, ioMux)
	}), "io-worker", crashHandler)
	ienc.spawnAsyncService(ctx, wg, runnableFunc(func(ctx context.Context) error {
		return broker.RunServer(ctx, cpuServer, cpuMux)
	}), "cpu-worker", crashHandler)
	ienc.spawnAsyncService(ctx, wg, restGateway, "rest-gateway", crashHandler)
	log.Emit(logger.SUCCESS, "iencode services spawned (%d cpu slot(s), %d io handler(s))\n",
		config.EffectiveCpuSlots(), config.Concurrent.IOWorkerConcurrency)

	wg.Wait()
	intakeService.Coalescer().Close()
	return nil
}

// spawnAsyncService runs the provided service as its own go-routine,
// keeping the service waitgroup updated and funnelling panics and errors
// into the crash handler.
func (ienc *iencodeImpl) spawnAsyncService(ctx context.Context, wg *sync.WaitGroup, service RunnableService, serviceLabel string, crashHandler func(string, error)) {
	log.Emit(logger.NEW, "Spawning %s\n", serviceLabel)
	wg.Add(1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				crashHandler(serviceLabel, fmt.Errorf("panic %v", r))
			}
		}()

		defer wg.Done()
		if err := service.Run(ctx); err != nil {
			crashHandler(serviceLabel, err)
		}
	}()
}
