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
// Command producer makes sure the stream exists and keeps publishing sample records to it.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/kinesis"
	"github.com/joho/godotenv"

	cfg "github.com/kaeawc/kinesis-checkpoint/clientlibrary/config"
	"github.com/kaeawc/kinesis-checkpoint/clientlibrary/streams"
	"github.com/kaeawc/kinesis-checkpoint/logger"
)

func main() {
	rounds := flag.Int("rounds", 0, "number of publish rounds, 0 publishes until interrupted")
	flag.Parse()

	// A missing .env file is fine.
	_ = godotenv.Load()

	log := logger.GetDefaultLogger()

	kclConfig, err := cfg.NewKinesisClientLibConfigFromEnv("kinesis-checkpoint-producer", "")
	if err != nil {
		log.Fatalf("Invalid configuration: %+v", err)
	}
	kclConfig.WithLogger(log)

	log.Infof("Connecting to region %s", kclConfig.RegionName)
	s, err := session.NewSession(&aws.Config{
		Region:      aws.String(kclConfig.RegionName),
		Endpoint:    &kclConfig.KinesisEndpoint,
		Credentials: kclConfig.KinesisCredentials,
	})
	if err != nil {
		log.Fatalf("Failed in getting Kinesis session: %+v", err)
	}
	kc := kinesis.New(s)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stream, err := streams.NewProvisioner(kc, kclConfig).GetOrCreate(ctx, kclConfig.StreamName, kclConfig.ShardCount)
	if err != nil {
		log.Fatalf("Cannot provision stream %s: %+v", kclConfig.StreamName, err)
	}
	log.Infof("Producing data into stream %s", stream.ARN)

	producer := streams.NewProducer(kc, kclConfig)
	records := streams.RandomPayloads(streams.DefaultPayloadLengths...)
	for i := 0; *rounds == 0 || i < *rounds; i++ {
		if ctx.Err() != nil {
			break
		}
		if err := producer.Publish(ctx, records); err != nil {
			if ctx.Err() != nil {
				break
			}
			log.Errorf("Failed to publish records: %+v", err)
			select {
			case <-ctx.Done():
			case <-time.After(kclConfig.StreamPollingInterval):
			}
		}
	}
	log.Infof("Producer stopped")
}
