package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"pulsar-assistant/internal/logging"
)

const slowQuery = 200 * time.Millisecond

// zapLogger routes gorm's log output through the request-scoped zap logger.
type zapLogger struct {
	base  *zap.Logger
	level logger.LogLevel
	slow  time.Duration
}

var _ logger.Interface = (*zapLogger)(nil)

func newZapLogger(base *zap.Logger, level logger.LogLevel) *zapLogger {
	if base == nil {
		base = zap.NewNop()
	}
	if level == 0 {
		level = logger.Warn
	}
	return &zapLogger{base: base.Named("gorm"), level: level, slow: slowQuery}
}

func (l *zapLogger) LogMode(level logger.LogLevel) logger.Interface {
	next := *l
	next.level = level
	return &next
}

func (l *zapLogger) Info(ctx context.Context, msg string, args ...any) {
	if l.level >= logger.Info {
		l.from(ctx).Info(fmt.Sprintf(msg, args...))
	}
}

func (l *zapLogger) Warn(ctx context.Context, msg string, args ...any) {
	if l.level >= logger.Warn {
		l.from(ctx).Warn(fmt.Sprintf(msg, args...))
	}
}

func (l *zapLogger) Error(ctx context.Context, msg string, args ...any) {
	if l.level >= logger.Error {
		l.from(ctx).Error(fmt.Sprintf(msg, args...))
	}
}

// Trace logs failed statements at error, slow ones at warn and everything
// else at debug when the level is Info.
func (l *zapLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= logger.Silent {
		return
	}
	elapsed := time.Since(begin)
	switch {
	case err != nil && l.level >= logger.Error && !errors.Is(err, gorm.ErrRecordNotFound):
		sql, rows := fc()
		l.from(ctx).Error("query failed", zap.Error(err), zap.String("sql", sql), zap.Int64("rows", rows), zap.Duration("elapsed", elapsed))
	case l.slow > 0 && elapsed > l.slow && l.level >= logger.Warn:
		sql, rows := fc()
		l.from(ctx).Warn("slow query", zap.String("sql", sql), zap.Int64("rows", rows), zap.Duration("elapsed", elapsed))
	case l.level >= logger.Info:
		sql, rows := fc()
		l.from(ctx).Debug("query", zap.String("sql", sql), zap.Int64("rows", rows), zap.Duration("elapsed", elapsed))
	}
}

func (l *zapLogger) from(ctx context.Context) *zap.Logger {
	return logging.FromContext(ctx, l.base)
}
