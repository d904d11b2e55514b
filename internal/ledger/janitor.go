package ledger

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/emberwatch/emberwatch/internal/logger"
)

// Janitor purges expired ledger entries on a cron schedule.
type Janitor struct {
	cron    *cron.Cron
	store   Store
	log     logger.Logger
	timeout time.Duration
}

// NewJanitor schedules store.Purge using a standard cron spec or descriptor
// such as "@every 1h".
func NewJanitor(store Store, schedule string, log logger.Logger) (*Janitor, error) {
	j := &Janitor{
		store:   store,
		log:     log.Module("janitor"),
		timeout: time.Minute,
	}
	j.cron = cron.New(
		cron.WithLogger(cronLogger{log: j.log}),
		cron.WithChain(cron.Recover(cronLogger{log: j.log}), cron.SkipIfStillRunning(cronLogger{log: j.log})),
	)
	if _, err := j.cron.AddFunc(schedule, j.RunOnce); err != nil {
		return nil, err
	}
	return j, nil
}

// Start begins the schedule in its own goroutine.
func (j *Janitor) Start() {
	j.cron.Start()
}

// Stop halts the schedule and waits for a running purge to finish.
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
}

// RunOnce performs a single purge.
func (j *Janitor) RunOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	n, err := j.store.Purge(ctx, time.Now())
	if err != nil {
		j.log.Warn("ledger purge failed", logger.Error(err))
		return
	}
	if n > 0 {
		j.log.Info("ledger entries purged", logger.Int64("removed", n))
	}
}

// cronLogger adapts logger.Logger to cron.Logger.
type cronLogger struct {
	log logger.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.log.Debug(msg, kvFields(keysAndValues)...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.log.Error(msg, append(kvFields(keysAndValues), logger.Error(err))...)
}

func kvFields(kv []any) []logger.Field {
	fields := make([]logger.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		fields = append(fields, logger.Any(key, kv[i+1]))
	}
	return fields
}
