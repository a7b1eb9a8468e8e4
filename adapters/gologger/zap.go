package gologger

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	glog "github.com/goliatone/go-logger/glog"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapLogger adapts a zap logger to glog. Variadic args are key/value pairs.
type ZapLogger struct {
	base *zap.Logger
	log  *zap.SugaredLogger
}

// NewZapLogger builds a JSON production logger for the "production"
// environment and a console development logger otherwise.
func NewZapLogger(environment string, level string) (*ZapLogger, error) {
	var config zap.Config
	if strings.EqualFold(strings.TrimSpace(environment), "production") {
		config = zap.NewProductionConfig()
		config.EncoderConfig.TimeKey = "timestamp"
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	} else {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	if level = strings.TrimSpace(level); level != "" {
		parsed, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("gologger: invalid log level %q: %w", level, err)
		}
		config.Level = zap.NewAtomicLevelAt(parsed)
	}
	logger, err := config.Build()
	if err != nil {
		return nil, fmt.Errorf("gologger: build zap logger: %w", err)
	}
	return WrapZap(logger), nil
}

func WrapZap(logger *zap.Logger) *ZapLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapLogger{base: logger, log: logger.Sugar()}
}

func (l *ZapLogger) Zap() *zap.Logger {
	return l.base
}

func (l *ZapLogger) Sync() error {
	return l.base.Sync()
}

func (l *ZapLogger) Trace(msg string, args ...any) { l.log.Debugw(msg, args...) }
func (l *ZapLogger) Debug(msg string, args ...any) { l.log.Debugw(msg, args...) }
func (l *ZapLogger) Info(msg string, args ...any)  { l.log.Infow(msg, args...) }
func (l *ZapLogger) Warn(msg string, args ...any)  { l.log.Warnw(msg, args...) }
func (l *ZapLogger) Error(msg string, args ...any) { l.log.Errorw(msg, args...) }
func (l *ZapLogger) Fatal(msg string, args ...any) { l.log.Fatalw(msg, args...) }

// WithContext tags entries with the chi request id when one is present.
func (l *ZapLogger) WithContext(ctx context.Context) glog.Logger {
	if ctx == nil {
		return l
	}
	if requestID := middleware.GetReqID(ctx); requestID != "" {
		return WrapZap(l.base.With(zap.String("request_id", requestID)))
	}
	return l
}

func (l *ZapLogger) WithFields(fields map[string]any) glog.Logger {
	if len(fields) == 0 {
		return l
	}
	zapFields := make([]zap.Field, 0, len(fields))
	for key, value := range fields {
		zapFields = append(zapFields, zap.Any(key, value))
	}
	return WrapZap(l.base.With(zapFields...))
}

// ZapProvider hands out named children of one zap logger.
type ZapProvider struct {
	root *ZapLogger
}

func NewZapProvider(root *ZapLogger) *ZapProvider {
	if root == nil {
		root = WrapZap(nil)
	}
	return &ZapProvider{root: root}
}

func (p *ZapProvider) GetLogger(name string) glog.Logger {
	name = strings.TrimSpace(name)
	if name == "" {
		return p.root
	}
	return WrapZap(p.root.base.Named(name))
}

var (
	_ glog.Logger         = (*ZapLogger)(nil)
	_ glog.FieldsLogger   = (*ZapLogger)(nil)
	_ glog.LoggerProvider = (*ZapProvider)(nil)
)
