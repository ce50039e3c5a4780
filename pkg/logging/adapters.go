package logging

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
)

// NewWatermill adapts a zerolog logger to watermill. Watermill's info chatter
// is logged at debug.
func NewWatermill(l zerolog.Logger) watermill.LoggerAdapter {
	return watermillLogger{l: l}
}

type watermillLogger struct {
	l zerolog.Logger
}

func (w watermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	w.l.Error().Err(err).Fields(map[string]interface{}(fields)).Msg(msg)
}

func (w watermillLogger) Info(msg string, fields watermill.LogFields) {
	w.l.Debug().Fields(map[string]interface{}(fields)).Msg(msg)
}

func (w watermillLogger) Debug(msg string, fields watermill.LogFields) {
	w.l.Trace().Fields(map[string]interface{}(fields)).Msg(msg)
}

func (w watermillLogger) Trace(msg string, fields watermill.LogFields) {
	w.l.Trace().Fields(map[string]interface{}(fields)).Msg(msg)
}

func (w watermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return watermillLogger{l: w.l.With().Fields(map[string]interface{}(fields)).Logger()}
}

// NewRetryableHTTPLogger adapts a zerolog logger to retryablehttp.
func NewRetryableHTTPLogger(l zerolog.Logger) retryablehttp.LeveledLogger {
	return leveledLogger{l: l}
}

type leveledLogger struct {
	l zerolog.Logger
}

func (z leveledLogger) Error(msg string, kv ...interface{}) { z.l.Error().Fields(kv).Msg(msg) }
func (z leveledLogger) Warn(msg string, kv ...interface{})  { z.l.Warn().Fields(kv).Msg(msg) }
func (z leveledLogger) Info(msg string, kv ...interface{})  { z.l.Debug().Fields(kv).Msg(msg) }
func (z leveledLogger) Debug(msg string, kv ...interface{}) { z.l.Trace().Fields(kv).Msg(msg) }
