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
// Note: The implementation comes from https://www.mountedthoughts.com/golang-logger-interface/
// https://github.com/amitrai48/logger

package logger

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// LogrusLogger adapts a logrus logger, or an entry carrying fields, to Logger.
type LogrusLogger struct {
	logger logrus.FieldLogger
}

// NewLogrusLogger adapts existing logrus logger to Logger interface.
// The call is responsible for configuring logrus logger appropriately.
func NewLogrusLogger(lLogger logrus.FieldLogger) Logger {
	return &LogrusLogger{
		logger: lLogger,
	}
}

// NewLogrusLoggerWithConfig creates and configs Logger instance backed by logrus logger. logrus
// keeps a single level, the console level wins when both sinks are on.
func NewLogrusLoggerWithConfig(config Configuration) Logger {
	normalizeConfig(&config)

	lLogger := logrus.New()
	lLogger.SetLevel(logrusLevel(config.ConsoleLevel, config.FileLevel))
	lLogger.SetFormatter(getFormatter(config.ConsoleJSONFormat))

	switch {
	case config.EnableConsole && config.EnableFile:
		lLogger.SetOutput(io.MultiWriter(os.Stdout, NewRotatingFile(config)))
	case config.EnableFile:
		lLogger.SetOutput(NewRotatingFile(config))
		lLogger.SetFormatter(getFormatter(config.FileJSONFormat))
	case config.EnableConsole:
		lLogger.SetOutput(os.Stdout)
	default:
		lLogger.SetOutput(io.Discard)
	}

	return &LogrusLogger{
		logger: lLogger,
	}
}

func (l *LogrusLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debugf(format, args...)
}

func (l *LogrusLogger) Infof(format string, args ...interface{}) {
	l.logger.Infof(format, args...)
}

func (l *LogrusLogger) Warnf(format string, args ...interface{}) {
	l.logger.Warnf(format, args...)
}

func (l *LogrusLogger) Errorf(format string, args ...interface{}) {
	l.logger.Errorf(format, args...)
}

func (l *LogrusLogger) Fatalf(format string, args ...interface{}) {
	l.logger.Fatalf(format, args...)
}

func (l *LogrusLogger) Panicf(format string, args ...interface{}) {
	l.logger.Panicf(format, args...)
}

// WithFields returns a logger whose entries carry fields in addition to the ones of l.
func (l *LogrusLogger) WithFields(fields Fields) Logger {
	return &LogrusLogger{
		logger: l.logger.WithFields(logrus.Fields(fields)),
	}
}

// NewRotatingFile returns the lumberjack writer shared by the file sinks of all adapters
// and by the failed request log.
func NewRotatingFile(config Configuration) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   config.Filename,
		MaxSize:    config.MaxSizeMB,
		Compress:   true,
		MaxAge:     config.MaxAgeDays,
		MaxBackups: config.MaxBackups,
		LocalTime:  config.LocalTime,
	}
}

// logrusLevel parses the first level set, info when none is or it is unknown.
func logrusLevel(levels ...string) logrus.Level {
	for _, l := range levels {
		if l == "" {
			continue
		}
		if level, err := logrus.ParseLevel(l); err == nil {
			return level
		}
		break
	}
	return logrus.InfoLevel
}

func getFormatter(isJSON bool) logrus.Formatter {
	if isJSON {
		return &logrus.JSONFormatter{}
	}
	return &logrus.TextFormatter{
		FullTimestamp:          true,
		DisableLevelTruncation: true,
	}
}
