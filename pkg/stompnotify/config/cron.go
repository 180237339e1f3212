package config

import (
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseSchedule parses a cron expression. Seconds are optional and
// descriptors such as "@every 30s" are accepted.
func ParseSchedule(expr string) (cron.Schedule, error) {
	return cronParser.Parse(expr)
}

// Scheduler returns a cron scheduler with one job per scheduled publication.
// Publications without a schedule are left to the caller. The scheduler is
// not started.
func (c *Config) Scheduler(publish func(Publication)) (*cron.Cron, error) {
	scheduler := cron.New(cron.WithLogger(NewZapCronLogger(c.Logger)), cron.WithParser(cronParser))

	for _, pub := range c.Publications {
		if pub.Schedule == "" {
			continue
		}

		if _, err := scheduler.AddFunc(pub.Schedule, func() {
			c.Logger.Debug("Running scheduled publication", zap.String("name", pub.Name))
			publish(pub)
		}); err != nil {
			return nil, err
		}
	}

	return scheduler, nil
}

// ZapCronLogger adapts a zap.Logger to the cron.Logger interface. Cron's
// chatty info messages are logged at debug level.
type ZapCronLogger struct {
	logger *zap.Logger
}

func NewZapCronLogger(logger *zap.Logger) *ZapCronLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapCronLogger{logger: logger}
}

func (z *ZapCronLogger) Info(msg string, keysAndValues ...any) {
	z.logger.Debug(msg, cronFields(keysAndValues)...)
}

func (z *ZapCronLogger) Error(err error, msg string, keysAndValues ...any) {
	z.logger.Error(msg, append([]zap.Field{zap.Error(err)}, cronFields(keysAndValues)...)...)
}

func cronFields(keysAndValues []any) []zap.Field {
	fields := make([]zap.Field, 0, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		if key, ok := keysAndValues[i].(string); ok {
			fields = append(fields, zap.Any(key, keysAndValues[i+1]))
		}
	}
	return fields
}
