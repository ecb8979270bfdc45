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
package metrics

// MonitoringService publishes per worker-scoped migration metrics. Work item tokens label the
// lease metrics, target index names label the bulk metrics.
type MonitoringService interface {
	Init(appName, sessionName, workerID string) error
	Start() error
	LeaseGained(workItem string)
	LeaseLost(workItem string)
	WorkItemCompleted(workItem string)
	WorkItemSplit(workItem string, successors int)
	IncrDocumentsSent(index string, count int)
	IncrBytesSent(index string, count int64)
	IncrBulkRetries(index string)
	IncrDocumentsFailed(index string, count int)
	RecordBulkRequestTime(index string, millis float64)
	RecordCheckpoint(workItem string, ordinal int64)
	Shutdown()
}

// NoopMonitoringService implements MonitoringService by does nothing.
type NoopMonitoringService struct{}

func (NoopMonitoringService) Init(appName, sessionName, workerID string) error { return nil }
func (NoopMonitoringService) Start() error                                     { return nil }
func (NoopMonitoringService) Shutdown()                                        {}

func (NoopMonitoringService) LeaseGained(workItem string)                        {}
func (NoopMonitoringService) LeaseLost(workItem string)                          {}
func (NoopMonitoringService) WorkItemCompleted(workItem string)                  {}
func (NoopMonitoringService) WorkItemSplit(workItem string, successors int)      {}
func (NoopMonitoringService) IncrDocumentsSent(index string, count int)          {}
func (NoopMonitoringService) IncrBytesSent(index string, count int64)            {}
func (NoopMonitoringService) IncrBulkRetries(index string)                       {}
func (NoopMonitoringService) IncrDocumentsFailed(index string, count int)        {}
func (NoopMonitoringService) RecordBulkRequestTime(index string, millis float64) {}
func (NoopMonitoringService) RecordCheckpoint(workItem string, ordinal int64)    {}
