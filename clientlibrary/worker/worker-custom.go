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
package worker

import (
	chk "github.com/kaeawc/kinesis-checkpoint/clientlibrary/checkpoint"
	"github.com/kaeawc/kinesis-checkpoint/clientlibrary/config"
	kcl "github.com/kaeawc/kinesis-checkpoint/clientlibrary/interfaces"
	"github.com/kaeawc/kinesis-checkpoint/clientlibrary/metrics"
)

// NewCustomWorker constructs a Worker that keeps leases and checkpoints in checkpointer instead of
// the default DynamoDB table. A nil mService disables metrics.
func NewCustomWorker(factory kcl.IRecordProcessorFactory, kclConfig *config.KinesisClientLibConfiguration,
	checkpointer chk.Checkpointer, mService metrics.MonitoringService) *Worker {
	if mService == nil {
		mService = metrics.NoopMonitoringService{}
	}

	w := NewWorker(factory, kclConfig).WithCheckpointer(checkpointer)
	w.mService = mService
	return w
}
