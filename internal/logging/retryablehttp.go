package logging

/*
geoingest — parallel ingestion of geospatial record sets into PostGIS
Copyright (C) 2025  Pepijn van der Stap <rxtls@vanderstap.info>

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

import (
	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
)

// RetryableHTTPLogger adapts a zerolog.Logger to retryablehttp.LeveledLogger.
type RetryableHTTPLogger struct {
	logger zerolog.Logger
}

var _ retryablehttp.LeveledLogger = (*RetryableHTTPLogger)(nil)

// NewRetryableHTTPLogger wraps logger.
func NewRetryableHTTPLogger(logger zerolog.Logger) *RetryableHTTPLogger {
	return &RetryableHTTPLogger{logger: logger}
}

func (a *RetryableHTTPLogger) Error(msg string, keysAndValues ...interface{}) {
	a.logger.Error().Fields(kvsToMap(keysAndValues)).Msg(msg)
}

func (a *RetryableHTTPLogger) Info(msg string, keysAndValues ...interface{}) {
	a.logger.Info().Fields(kvsToMap(keysAndValues)).Msg(msg)
}

// Debug is logged at trace; retryablehttp logs every request at debug.
func (a *RetryableHTTPLogger) Debug(msg string, keysAndValues ...interface{}) {
	a.logger.Trace().Fields(kvsToMap(keysAndValues)).Msg(msg)
}

func (a *RetryableHTTPLogger) Warn(msg string, keysAndValues ...interface{}) {
	a.logger.Warn().Fields(kvsToMap(keysAndValues)).Msg(msg)
}

func kvsToMap(kvs []interface{}) map[string]interface{} {
	m := make(map[string]interface{}, len(kvs)/2)
	for i := 0; i+1 < len(kvs); i += 2 {
		if key, ok := kvs[i].(string); ok {
			m[key] = kvs[i+1]
		}
	}
	return m
}
