package observability

import (
	"context"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/storefront/fulfillment/internal/platform/requestctx"
)

const defaultLogLevel = "info"

// NewLogger constructs a zap logger emitting Cloud Logging compatible JSON.
func NewLogger() (*zap.Logger, error) {
	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(os.Getenv("LOG_LEVEL"))))); err != nil {
		_ = level.UnmarshalText([]byte(defaultLogLevel))
	}

	encoderCfg := zapcore.EncoderConfig{
		MessageKey: "message",
		TimeKey:    "timestamp",
		LevelKey:   "severity",
		EncodeTime: zapcore.RFC3339NanoTimeEncoder,
		EncodeLevel: func(level zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
			enc.AppendString(strings.ToUpper(level.String()))
		},
		CallerKey:      "caller",
		EncodeCaller:   zapcore.ShortCallerEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
		StacktraceKey:  "stacktrace",
	}

	cfg := zap.Config{
		Level:             level,
		Encoding:          "json",
		EncoderConfig:     encoderCfg,
		OutputPaths:       []string{"stdout"},
		ErrorOutputPaths:  []string{"stderr"},
		DisableStacktrace: true,
	}
	return cfg.Build()
}

// FromContext retrieves the request logger, defaulting to a no-op logger.
func FromContext(ctx context.Context) *zap.Logger {
	return requestctx.Logger(ctx)
}

// PrintfAdapter adapts zap to printf-style logging interfaces.
type PrintfAdapter struct {
	logger *zap.SugaredLogger
}

// NewPrintfAdapter creates a PrintfAdapter backed by the supplied logger.
func NewPrintfAdapter(logger *zap.Logger) PrintfAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return PrintfAdapter{logger: logger.Sugar()}
}

// Printf implements the Printf-style logging expected by middleware options.
func (a PrintfAdapter) Printf(format string, args ...any) {
	a.logger.Infof(format, args...)
}

// EventLogger is the structured logging hook accepted by services.
type EventLogger func(ctx context.Context, event string, fields map[string]any)

// ServiceLogger adapts a zap logger into an EventLogger. Events ending in ".failed" or
// ".error" are logged at error level, ".skipped" and ".ignored" at warn, the rest at info.
func ServiceLogger(base *zap.Logger, component string) EventLogger {
	if base == nil {
		base = zap.NewNop()
	}
	logger := base.Named(component)
	return func(ctx context.Context, event string, fields map[string]any) {
		zFields := make([]zap.Field, 0, len(fields)+3)
		zFields = append(zFields, zap.String("event", event))
		zFields = append(zFields, requestctx.Fields(ctx)...)
		for key, value := range fields {
			if err, ok := value.(error); ok {
				zFields = append(zFields, zap.NamedError(key, err))
				continue
			}
			zFields = append(zFields, zap.Any(key, value))
		}
		switch {
		case strings.HasSuffix(event, ".failed"), strings.HasSuffix(event, ".error"), strings.HasSuffix(event, ".inconsistent"):
			logger.Error(component+" event", zFields...)
		case strings.HasSuffix(event, ".skipped"), strings.HasSuffix(event, ".ignored"), strings.HasSuffix(event, ".retrying"):
			logger.Warn(component+" event", zFields...)
		default:
			logger.Info(component+" event", zFields...)
		}
	}
}
