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

package zap

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/vmware/vmware-go-reindex/logger"
)

// ZapLogger adapts a sugared zap logger to logger.Logger.
type ZapLogger struct {
	sugaredLogger *zap.SugaredLogger
}

// NewZapLogger adapts existing sugared zap logger to Logger interface.
// The caller is responsible for configuring the sugared logger, e.g. log.Sugar().
func NewZapLogger(logger *zap.SugaredLogger) logger.Logger {
	return &ZapLogger{
		sugaredLogger: logger,
	}
}

// NewZapLoggerWithConfig creates a Logger writing to the console and/or the rotated file
// described by config, each sink with its own level and encoding.
func NewZapLoggerWithConfig(config logger.Configuration) logger.Logger {
	logger.NormalizeConfig(&config)

	var cores []zapcore.Core
	if config.EnableConsole {
		cores = append(cores, newCore(zapcore.Lock(os.Stdout), config.ConsoleLevel, config.ConsoleJSONFormat))
	}
	if config.EnableFile {
		cores = append(cores, newCore(zapcore.AddSync(logger.NewRotatingFile(config)), config.FileLevel, config.FileJSONFormat))
	}
	return NewZapLoggerWithCores(cores...)
}

// NewZapLoggerWithCores creates a Logger fanning every entry out to cores. No cores
// gives a logger that drops everything.
func NewZapLoggerWithCores(cores ...zapcore.Core) logger.Logger {
	// the adapter methods and the sugared logger sit between the caller and zap
	zl := zap.New(zapcore.NewTee(cores...),
		zap.AddCallerSkip(2),
		zap.AddCaller(),
	).Sugar()

	return &ZapLogger{
		sugaredLogger: zl,
	}
}

func (l *ZapLogger) Debugf(format string, args ...interface{}) {
	l.sugaredLogger.Debugf(format, args...)
}

func (l *ZapLogger) Infof(format string, args ...interface{}) {
	l.sugaredLogger.Infof(format, args...)
}

func (l *ZapLogger) Warnf(format string, args ...interface{}) {
	l.sugaredLogger.Warnf(format, args...)
}

func (l *ZapLogger) Errorf(format string, args ...interface{}) {
	l.sugaredLogger.Errorf(format, args...)
}

func (l *ZapLogger) Fatalf(format string, args ...interface{}) {
	l.sugaredLogger.Fatalf(format, args...)
}

func (l *ZapLogger) Panicf(format string, args ...interface{}) {
	l.sugaredLogger.Panicf(format, args...)
}

func (l *ZapLogger) WithFields(fields logger.Fields) logger.Logger {
	f := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		f = append(f, k, v)
	}
	return &ZapLogger{l.sugaredLogger.With(f...)}
}

func newCore(writer zapcore.WriteSyncer, level string, isJSON bool) zapcore.Core {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	encoder := zapcore.NewConsoleEncoder(encoderConfig)
	if isJSON {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}
	return zapcore.NewCore(encoder, writer, zapLevel(level))
}

// zapLevel falls back to info for unknown levels.
func zapLevel(level string) zapcore.Level {
	l, err := zapcore.ParseLevel(level)
	if err != nil {
		return zapcore.InfoLevel
	}
	return l
}
