/*
 * Copyright (c) 2018 VMware, Inc.
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
package zap

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	uzap "go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/kaeawc/kinesis-checkpoint/logger"
)

func TestZapLoggerWithConfig(t *testing.T) {
	config := logger.Configuration{
		EnableConsole:     true,
		ConsoleLevel:      logger.Debug,
		ConsoleJSONFormat: true,
		EnableFile:        true,
		FileLevel:         logger.Info,
		FileJSONFormat:    true,
		Filename:          filepath.Join(t.TempDir(), "log.log"),
	}

	log := NewZapLoggerWithConfig(config)

	contextLogger := log.WithFields(logger.Fields{"key1": "value1"})
	contextLogger.Debugf("Starting with zap")
	contextLogger.Infof("Zap is awesome")
}

func TestZapLogger(t *testing.T) {
	zapLogger, err := uzap.NewProduction()
	assert.Nil(t, err)

	log := NewZapLogger(zapLogger.Sugar())

	contextLogger := log.WithFields(logger.Fields{"key1": "value1"})
	contextLogger.Debugf("Starting with zap")
	contextLogger.Infof("Zap is awesome")
	contextLogger.Criticalf("Critical error during checkpoint")
}

func TestGetZapLevel(t *testing.T) {
	assert.Equal(t, zapcore.ErrorLevel, getZapLevel(logger.Error))
	assert.Equal(t, zapcore.InfoLevel, getZapLevel(""))
}
