/*
 * Copyright (c) 2021 VMware, Inc.
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy of this software and
 * associated documentation files (the "Software"), to deal in the Software without restriction, including
 * without limitation the rights to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is furnished to do
 * so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all copies or substantial
 * portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR IMPLIED, INCLUDING BUT
 * NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY, FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT.
 * IN NO EVENT SHALL THE AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER LIABILITY,
 * WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM, OUT OF OR IN CONNECTION WITH THE
 * SOFTWARE OR THE USE OR OTHER DEALINGS IN THE SOFTWARE.
 */
package zerolog

import (
	"os"

	"github.com/rs/zerolog"

	"github.com/vmware/vmware-go-reindex/logger"
)

type zeroLogger struct {
	log zerolog.Logger
}

// NewZerologLogger creates a console JSON logger at info level.
func NewZerologLogger() logger.Logger {
	return NewZerologLoggerWithConfig(logger.Configuration{
		EnableConsole:     true,
		ConsoleJSONFormat: true,
		ConsoleLevel:      logger.Info,
		FileLevel:         logger.Info,
		LocalTime:         true,
	})
}

// NewZerologLoggerWithConfig creates and configs Logger instance backed by zerolog.
// zerolog keeps a single level per logger, so the console level wins when both sinks are on.
func NewZerologLoggerWithConfig(config logger.Configuration) logger.Logger {
	logger.NormalizeConfig(&config)

	var finalLogger zerolog.Logger
	switch {
	case config.EnableConsole && config.EnableFile:
		multi := zerolog.MultiLevelWriter(consoleWriter(config), logger.NewRotatingFile(config))
		finalLogger = zerolog.New(multi).Level(getZeroLogLevel(config.ConsoleLevel))
	case config.EnableFile:
		finalLogger = zerolog.New(logger.NewRotatingFile(config)).Level(getZeroLogLevel(config.FileLevel))
	default:
		finalLogger = zerolog.New(consoleWriter(config)).Level(getZeroLogLevel(config.ConsoleLevel))
	}

	return &zeroLogger{log: finalLogger.With().Timestamp().Logger()}
}

func consoleWriter(config logger.Configuration) zerolog.LevelWriter {
	if config.ConsoleJSONFormat {
		return zerolog.MultiLevelWriter(os.Stdout)
	}
	return zerolog.MultiLevelWriter(zerolog.ConsoleWriter{Out: os.Stdout})
}

func (z *zeroLogger) Debugf(format string, args ...interface{}) {
	z.log.Debug().Msgf(format, args...)
}

func (z *zeroLogger) Infof(format string, args ...interface{}) {
	z.log.Info().Msgf(format, args...)
}

func (z *zeroLogger) Warnf(format string, args ...interface{}) {
	z.log.Warn().Msgf(format, args...)
}

func (z *zeroLogger) Errorf(format string, args ...interface{}) {
	z.log.Error().Msgf(format, args...)
}

func (z *zeroLogger) Fatalf(format string, args ...interface{}) {
	z.log.Fatal().Msgf(format, args...)
}

func (z *zeroLogger) Panicf(format string, args ...interface{}) {
	z.log.Panic().Msgf(format, args...)
}

func (z *zeroLogger) WithFields(keyValues logger.Fields) logger.Logger {
	ctx := z.log.With()
	for k, v := range keyValues {
		ctx = ctx.Interface(k, v)
	}

	return &zeroLogger{
		log: ctx.Logger(),
	}
}

func getZeroLogLevel(level string) zerolog.Level {
	switch level {
	case logger.Info:
		return zerolog.InfoLevel
	case logger.Warn:
		return zerolog.WarnLevel
	case logger.Debug:
		return zerolog.DebugLevel
	case logger.Error:
		return zerolog.ErrorLevel
	case logger.Fatal:
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}
