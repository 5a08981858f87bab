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
// Command consumer reads a Kinesis stream and logs the payload of every record, checkpointing its
// progress in the selected store.
package main

import (
	"flag"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	chk "github.com/kaeawc/kinesis-checkpoint/clientlibrary/checkpoint"
	cfg "github.com/kaeawc/kinesis-checkpoint/clientlibrary/config"
	"github.com/kaeawc/kinesis-checkpoint/clientlibrary/metrics"
	"github.com/kaeawc/kinesis-checkpoint/clientlibrary/metrics/prometheus"
	"github.com/kaeawc/kinesis-checkpoint/clientlibrary/processor"
	wk "github.com/kaeawc/kinesis-checkpoint/clientlibrary/worker"
	"github.com/kaeawc/kinesis-checkpoint/logger"
	zaplogger "github.com/kaeawc/kinesis-checkpoint/logger/zap"
	zerologger "github.com/kaeawc/kinesis-checkpoint/logger/zerolog"
)

const appName = "kinesis-checkpoint"

func main() {
	var (
		store       = flag.String("store", "dynamodb", "checkpoint store: dynamodb, redis, postgres, mysql or memory")
		dsn         = flag.String("dsn", os.Getenv("DATABASE_URL"), "data source name for the postgres and mysql stores")
		redisAddr   = flag.String("redis", "", "redis address, defaults to REDIS_URL")
		metricsAddr = flag.String("metrics", "", "listen address of the prometheus endpoint, disabled when empty")
		logBackend  = flag.String("log", "logrus", "logger: logrus, zap or zerolog")
		logFile     = flag.String("log-file", "", "also write JSON logs to this file")
		workerID    = flag.String("worker-id", "", "worker id, random when empty")
	)
	flag.Parse()

	// A missing .env file is fine.
	_ = godotenv.Load()

	log := newLogger(*logBackend, *logFile)

	kclConfig, err := cfg.NewKinesisClientLibConfigFromEnv(appName, *workerID)
	if err != nil {
		log.Fatalf("Invalid configuration: %+v", err)
	}
	kclConfig.WithLogger(log)

	var mService metrics.MonitoringService
	if *metricsAddr != "" {
		mService = prometheus.NewMonitoringService(*metricsAddr, kclConfig.RegionName, log)
	}
	kclConfig.WithMonitoringService(mService)

	checkpointer, err := newCheckpointer(*store, kclConfig, *dsn, *redisAddr)
	if err != nil {
		log.Fatalf("Cannot create checkpoint store: %+v", err)
	}

	factory := processor.NewFactory(kclConfig, stdOutHandler(log))
	worker := wk.NewCustomWorker(factory, kclConfig, checkpointer, mService)
	if err := worker.Start(); err != nil {
		log.Fatalf("Failed to start worker: %+v", err)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigs
	log.Infof("Received signal %s. Exiting", sig)
	worker.Shutdown()

	if closer, ok := checkpointer.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			log.Errorf("Failed to close checkpoint store: %+v", err)
		}
	}
}

// stdOutHandler logs every record payload.
func stdOutHandler(log logger.Logger) processor.RecordHandler {
	return func(data []byte, partitionKey string, sequenceNumber *big.Int) error {
		log.Infof("%s", data)
		return nil
	}
}

func newLogger(backend, file string) logger.Logger {
	config := logger.Configuration{
		EnableConsole: true,
		ConsoleLevel:  logger.Info,
	}
	if file != "" {
		config.EnableFile = true
		config.FileLevel = logger.Info
		config.FileJSONFormat = true
		config.Filename = file
	}

	switch backend {
	case "zap":
		return zaplogger.NewZapLoggerWithConfig(config)
	case "zerolog":
		return zerologger.NewZerologLoggerWithConfig(config)
	default:
		return logger.NewLogrusLoggerWithConfig(config)
	}
}

func newCheckpointer(store string, kclConfig *cfg.KinesisClientLibConfiguration, dsn, redisAddr string) (chk.Checkpointer, error) {
	switch store {
	case "dynamodb":
		return chk.NewDynamoCheckpoint(kclConfig), nil
	case "redis":
		var opts []chk.RedisOption
		if redisAddr != "" {
			opts = append(opts, chk.WithRedisAddress(redisAddr))
		}
		return chk.NewRedisCheckpoint(kclConfig, opts...), nil
	case "postgres", "mysql":
		dialect, err := chk.SQLDialectFor(store)
		if err != nil {
			return nil, err
		}
		if dsn == "" {
			return nil, fmt.Errorf("store %s needs -dsn or DATABASE_URL", store)
		}
		return chk.NewSQLCheckpoint(kclConfig, dialect, dsn), nil
	case "memory":
		return chk.NewMemoryCheckpoint(kclConfig), nil
	default:
		return nil, fmt.Errorf("unknown checkpoint store %q", store)
	}
}
