package temporal

import (
	"fmt"

	"github.com/rs/zerolog"
	"go.temporal.io/sdk/log"
)

var (
	_ log.Logger     = (*TemporalAdapter)(nil)
	_ log.WithLogger = (*TemporalAdapter)(nil)
)

// TemporalAdapter routes Temporal SDK logs into zerolog.
type TemporalAdapter struct {
	logger zerolog.Logger
}

func NewTemporalAdapter(logger zerolog.Logger) *TemporalAdapter {
	return &TemporalAdapter{
		logger: logger.With().Str("component", "temporal-sdk").Logger(),
	}
}

// fields converts Temporal's alternating key/value pairs. An odd trailing
// value is kept under "extra".
func fields(keyvals []interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(keyvals)/2+1)
	for i := 0; i < len(keyvals); i += 2 {
		if i+1 == len(keyvals) {
			out["extra"] = keyvals[i]
			break
		}
		key, ok := keyvals[i].(string)
		if !ok {
			key = fmt.Sprint(keyvals[i])
		}
		if err, ok := keyvals[i+1].(error); ok {
			out[key] = err.Error()
			continue
		}
		out[key] = keyvals[i+1]
	}
	return out
}

func (a *TemporalAdapter) With(keyvals ...interface{}) log.Logger {
	return &TemporalAdapter{logger: a.logger.With().Fields(fields(keyvals)).Logger()}
}

func (a *TemporalAdapter) Debug(msg string, keyvals ...interface{}) {
	a.logger.Debug().Fields(fields(keyvals)).Msg(msg)
}

func (a *TemporalAdapter) Info(msg string, keyvals ...interface{}) {
	a.logger.Info().Fields(fields(keyvals)).Msg(msg)
}

func (a *TemporalAdapter) Warn(msg string, keyvals ...interface{}) {
	a.logger.Warn().Fields(fields(keyvals)).Msg(msg)
}

func (a *TemporalAdapter) Error(msg string, keyvals ...interface{}) {
	a.logger.Error().Fields(fields(keyvals)).Msg(msg)
}
