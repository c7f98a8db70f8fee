package util

import (
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const serviceName = "blog-auth"

var (
	mu sync.RWMutex
	// base is handed to components; helper is base with one extra caller
	// frame skipped for the package level Info/Warn/... wrappers.
	base   *zap.Logger
	helper *zap.Logger
)

// Init builds the process logger. Production gets sampled JSON with ISO8601
// timestamps; anything else gets a coloured console encoder unless format
// is "json". Later calls replace the logger.
func Init(environment, level, format string) *zap.Logger {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}

	var cfg zap.Config
	if environment == "production" {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "timestamp"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		cfg.DisableStacktrace = true
		cfg.Sampling = &zap.SamplingConfig{Initial: 100, Thereafter: 100}
	} else {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	if format == "json" {
		cfg.Encoding = "json"
		cfg.EncoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder
	}
	cfg.OutputPaths = []string{"stdout"}
	cfg.ErrorOutputPaths = []string{"stderr"}

	fields := zap.Fields(zap.String("service", serviceName), zap.String("env", environment))
	logger, err := cfg.Build(zap.AddCaller(), fields)
	if err != nil {
		// The config above is static, so this only fails on a broken stdout.
		logger = zap.New(zapcore.NewCore(
			zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
			zapcore.Lock(os.Stderr),
			lvl,
		))
	}

	set(logger)
	return logger
}

func set(logger *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	base = logger
	helper = logger.WithOptions(zap.AddCallerSkip(1))
	zap.ReplaceGlobals(logger)
}

// Get returns the process logger, building a production one on first use.
func Get() *zap.Logger {
	mu.RLock()
	l := base
	mu.RUnlock()
	if l == nil {
		return Init("production", "info", "json")
	}
	return l
}

func wrapped() *zap.Logger {
	mu.RLock()
	l := helper
	mu.RUnlock()
	if l == nil {
		Get()
		mu.RLock()
		l = helper
		mu.RUnlock()
	}
	return l
}

// Named returns a child logger tagged with a component name.
func Named(component string) *zap.Logger {
	return Get().Named(component)
}

// Sync flushes buffered entries. Errors from syncing a terminal are ignored.
func Sync() {
	_ = Get().Sync()
}

func Debug(msg string, fields ...zap.Field) { wrapped().Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field) { wrapped().Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field) { wrapped().Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { wrapped().Error(msg, fields...) }
func Fatal(msg string, fields ...zap.Field) { wrapped().Fatal(msg, fields...) }

// Field helpers
func String(key, value string) zap.Field { return zap.String(key, value) }
func Bool(key string, value bool) zap.Field { return zap.Bool(key, value) }
func Int(key string, value int) zap.Field { return zap.Int(key, value) }
func Duration(key string, value time.Duration) zap.Field { return zap.Duration(key, value) }

// ErrorField is zap.Error under a name that does not clash with Error.
func ErrorField(err error) zap.Field { return zap.Error(err) }
