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
package prometheus

import (
	"context"
	"errors"
	"net/http"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vmware/vmware-go-reindex/logger"
)

// MonitoringService publishes migration metrics to Prometheus.
type MonitoringService struct {
	listenAddress string
	namespace     string
	sessionName   string
	workerID      string
	logger        logger.Logger

	registerer prom.Registerer
	gatherer   prom.Gatherer
	server     *http.Server

	documentsSent   *prom.CounterVec
	bytesSent       *prom.CounterVec
	documentsFailed *prom.CounterVec
	bulkRetries     *prom.CounterVec
	leasesHeld      *prom.GaugeVec
	workItemsDone   *prom.CounterVec
	workItemsSplit  *prom.CounterVec
	checkpoint      *prom.GaugeVec
	bulkRequestTime *prom.HistogramVec
}

// NewMonitoringService returns a Monitoring service publishing metrics to the default Prometheus registry.
func NewMonitoringService(listenAddress string, logger logger.Logger) *MonitoringService {
	return NewMonitoringServiceWithRegistry(listenAddress, prom.DefaultRegisterer, prom.DefaultGatherer, logger)
}

// NewMonitoringServiceWithRegistry publishes into a caller supplied registry, which allows several
// services in one process.
func NewMonitoringServiceWithRegistry(listenAddress string, registerer prom.Registerer, gatherer prom.Gatherer,
	log logger.Logger) *MonitoringService {
	if log == nil {
		log = logger.GetDefaultLogger()
	}
	return &MonitoringService{
		listenAddress: listenAddress,
		registerer:    registerer,
		gatherer:      gatherer,
		logger:        log,
	}
}

func (p *MonitoringService) Init(appName, sessionName, workerID string) error {
	p.namespace = appName
	p.sessionName = sessionName
	p.workerID = workerID

	p.documentsSent = prom.NewCounterVec(prom.CounterOpts{
		Name: p.namespace + `_documents_sent`,
		Help: "Number of documents acknowledged by the target cluster",
	}, []string{"session", "index"})
	p.bytesSent = prom.NewCounterVec(prom.CounterOpts{
		Name: p.namespace + `_bytes_sent`,
		Help: "Number of bulk payload bytes acknowledged by the target cluster",
	}, []string{"session", "index"})
	p.documentsFailed = prom.NewCounterVec(prom.CounterOpts{
		Name: p.namespace + `_documents_failed`,
		Help: "Number of documents that exhausted their bulk retries",
	}, []string{"session", "index"})
	p.bulkRetries = prom.NewCounterVec(prom.CounterOpts{
		Name: p.namespace + `_bulk_retries`,
		Help: "Number of bulk requests retried after a total or partial failure",
	}, []string{"session", "index"})
	p.leasesHeld = prom.NewGaugeVec(prom.GaugeOpts{
		Name: p.namespace + `_leases_held`,
		Help: "The number of work item leases held by the worker",
	}, []string{"session", "workItem", "workerID"})
	p.workItemsDone = prom.NewCounterVec(prom.CounterOpts{
		Name: p.namespace + `_work_items_completed`,
		Help: "The number of work items completed by the worker",
	}, []string{"session", "workerID"})
	p.workItemsSplit = prom.NewCounterVec(prom.CounterOpts{
		Name: p.namespace + `_work_items_split`,
		Help: "The number of work items closed by creating successors",
	}, []string{"session", "workerID"})
	p.checkpoint = prom.NewGaugeVec(prom.GaugeOpts{
		Name: p.namespace + `_checkpoint_ordinal`,
		Help: "The highest document ordinal acknowledged for a work item",
	}, []string{"session", "workItem"})
	p.bulkRequestTime = prom.NewHistogramVec(prom.HistogramOpts{
		Name: p.namespace + `_bulk_request_duration_seconds`,
		Help: "The time taken by a single bulk request",
	}, []string{"session", "index"})

	metrics := []prom.Collector{
		p.documentsSent,
		p.bytesSent,
		p.documentsFailed,
		p.bulkRetries,
		p.leasesHeld,
		p.workItemsDone,
		p.workItemsSplit,
		p.checkpoint,
		p.bulkRequestTime,
	}
	for _, metric := range metrics {
		err := p.registerer.Register(metric)
		if err != nil {
			return err
		}
	}

	return nil
}

func (p *MonitoringService) Start() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(p.gatherer, promhttp.HandlerOpts{}))
	p.server = &http.Server{Addr: p.listenAddress, Handler: mux}

	server := p.server
	go func() {
		p.logger.Infof("Starting Prometheus listener on %s", p.listenAddress)
		err := server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.logger.Errorf("Error starting Prometheus metrics endpoint. %+v", err)
		}
		p.logger.Infof("Stopped metrics server")
	}()

	return nil
}

func (p *MonitoringService) Shutdown() {
	if p.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.server.Shutdown(ctx); err != nil {
		p.logger.Warnf("Error stopping Prometheus metrics endpoint. %+v", err)
	}
}

func (p *MonitoringService) LeaseGained(workItem string) {
	p.leasesHeld.With(prom.Labels{"session": p.sessionName, "workItem": workItem, "workerID": p.workerID}).Inc()
}

func (p *MonitoringService) LeaseLost(workItem string) {
	p.leasesHeld.With(prom.Labels{"session": p.sessionName, "workItem": workItem, "workerID": p.workerID}).Dec()
}

func (p *MonitoringService) WorkItemCompleted(workItem string) {
	p.workItemsDone.With(prom.Labels{"session": p.sessionName, "workerID": p.workerID}).Inc()
}

func (p *MonitoringService) WorkItemSplit(workItem string, successors int) {
	p.workItemsSplit.With(prom.Labels{"session": p.sessionName, "workerID": p.workerID}).Inc()
}

func (p *MonitoringService) IncrDocumentsSent(index string, count int) {
	p.documentsSent.With(prom.Labels{"session": p.sessionName, "index": index}).Add(float64(count))
}

func (p *MonitoringService) IncrBytesSent(index string, count int64) {
	p.bytesSent.With(prom.Labels{"session": p.sessionName, "index": index}).Add(float64(count))
}

func (p *MonitoringService) IncrBulkRetries(index string) {
	p.bulkRetries.With(prom.Labels{"session": p.sessionName, "index": index}).Inc()
}

func (p *MonitoringService) IncrDocumentsFailed(index string, count int) {
	p.documentsFailed.With(prom.Labels{"session": p.sessionName, "index": index}).Add(float64(count))
}

func (p *MonitoringService) RecordBulkRequestTime(index string, millis float64) {
	p.bulkRequestTime.With(prom.Labels{"session": p.sessionName, "index": index}).Observe(millis / 1000)
}

func (p *MonitoringService) RecordCheckpoint(workItem string, ordinal int64) {
	p.checkpoint.With(prom.Labels{"session": p.sessionName, "workItem": workItem}).Set(float64(ordinal))
}
