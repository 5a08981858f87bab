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
package interfaces

type (
	// IRecordProcessor is the interface for some callback functions invoked by the worker
	// that will be used while processing records from one shard.
	//
	// Hooks are invoked serially for a given instance: Initialize once, ProcessRecords zero or
	// more times, then Shutdown once. No hook fires after Shutdown returns.
	IRecordProcessor interface {
		// Initialize is invoked to indicate data records from the shard identified by
		// input.ShardId are about to be delivered.
		Initialize(initializationInput *InitializationInput)

		// ProcessRecords delivers a batch of data records. Upon fail over, the new instance will
		// get records with sequence number > checkpoint position.
		ProcessRecords(processRecordsInput *ProcessRecordsInput)

		// Shutdown signals that no more records will be delivered. With TERMINATE the processor
		// is expected to checkpoint; with ZOMBIE it must not.
		Shutdown(shutdownInput *ShutdownInput)
	}

	// IRecordProcessorFactory is interface for creating IRecordProcessor. Each Worker can have multiple
	// shard consumers. One record processor is created per leased shard.
	IRecordProcessorFactory interface {
		CreateProcessor() IRecordProcessor
	}
)
