package broker

import (
	"context"

	"github.com/hibiken/asynq"
	"github.com/iencode/iencode/internal/job"
	"github.com/iencode/iencode/pkg/logger"
)

// NewIOServer builds the asynq server for the I/O stage: a single queue
// drained with high cooperative concurrency, since every task spends most
// of its life waiting on the network.
func NewIOServer(config Config, concurrency int) (*asynq.Server, error) {
	redisOpt, err := asynq.ParseRedisURI(config.RedisURL)
	if err != nil {
		return nil, err
	}

	return asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			job.QueueIO: 1,
		},
		RetryDelayFunc: RetryDelay,
		Logger:         &asynqLogger{logger.Get("IOQueue")},
	}), nil
}

// NewCPUServer builds the asynq server for the CPU stage. Concurrency is
// the encoder slot count; the high priority queue strictly preempts the
// default queue at the dispatch boundary (running encodes are never
// preempted).
func NewCPUServer(config Config, slots int) (*asynq.Server, error) {
	redisOpt, err := asynq.ParseRedisURI(config.RedisURL)
	if err != nil {
		return nil, err
	}

	return asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: slots,
		Queues: map[string]int{
			job.QueueHighPriority: 10,
			job.QueueDefault:      1,
		},
		StrictPriority: true,
		RetryDelayFunc: RetryDelay,
		Logger:         &asynqLogger{logger.Get("CPUQueue")},
	}), nil
}

// RunServer attaches the handler mux and runs the server until the context
// is cancelled, at which point a graceful shutdown is performed (in-flight
// tasks get to finish or be re-queued by asynq).
func RunServer(ctx context.Context, server *asynq.Server, mux *asynq.ServeMux) error {
	if err := server.Start(mux); err != nil {
		return err
	}

	<-ctx.Done()
	server.Shutdown()
	return nil
}

// asynqLogger adapts the package logger to asynq's logging interface.
type asynqLogger struct {
	logger logger.Logger
}

func (l *asynqLogger) Debug(args ...interface{}) { l.logger.Debugf("%v\n", args) }
func (l *asynqLogger) Info(args ...interface{})  { l.logger.Infof("%v\n", args) }
func (l *asynqLogger) Warn(args ...interface{})  { l.logger.Warnf("%v\n", args) }
func (l *asynqLogger) Error(args ...interface{}) { l.logger.Errorf("%v\n", args) }
func (l *asynqLogger) Fatal(args ...interface{}) { l.logger.Fatalf("%v\n", args) }
