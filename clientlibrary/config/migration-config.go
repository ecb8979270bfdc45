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
package config

import (
	"log"
	"runtime"

	"github.com/aws/aws-sdk-go/aws/credentials"

	"github.com/vmware/vmware-go-reindex/clientlibrary/metrics"
	"github.com/vmware/vmware-go-reindex/clientlibrary/utils"
	"github.com/vmware/vmware-go-reindex/logger"
)

// NewMigrationConfig creates a default MigrationConfiguration based on the required fields.
func NewMigrationConfig(applicationName, sessionName, workerID string) *MigrationConfiguration {
	checkIsValueNotEmpty("ApplicationName", applicationName)
	checkIsValueNotEmpty("SessionName", sessionName)

	if empty(workerID) {
		workerID = utils.MustNewUUID()
	}

	// populate the configuration with default values
	return &MigrationConfiguration{
		ApplicationName:                applicationName,
		SessionName:                    sessionName,
		WorkerID:                       workerID,
		CoordinatorBackend:             DefaultCoordinatorBackend,
		CoordinationTablePrefix:        DefaultCoordinationTablePrefix,
		InitialLeaseTableReadCapacity:  DefaultInitialLeaseTableReadCapacity,
		InitialLeaseTableWriteCapacity: DefaultInitialLeaseTableWriteCapacity,
		InitialLeaseDurationMillis:     DefaultInitialLeaseDurationMillis,
		MaxLeaseDurationMillis:         DefaultMaxLeaseDurationMillis,
		LeaseExpirySafetyMarginMillis:  DefaultLeaseExpirySafetyMarginMillis,
		MaxAcquireRetries:              DefaultMaxAcquireRetries,
		ClockDriftToleranceMillis:      DefaultClockDriftToleranceMillis,
		NoWorkPollIntervalMillis:       DefaultNoWorkPollIntervalMillis,
		ShutdownGraceMillis:            DefaultShutdownGraceMillis,
		MaxDocsPerBulkRequest:          DefaultMaxDocsPerBulkRequest,
		MaxBytesPerBulkRequest:         DefaultMaxBytesPerBulkRequest,
		MaxConcurrentBulkRequests:      DefaultMaxConcurrentBulkRequests,
		TransformGroupSize:             DefaultTransformGroupSize,
		TransformWorkers:               runtime.NumCPU(),
		MaxBulkRetries:                 DefaultMaxBulkRetries,
		InitialBulkBackoffMillis:       DefaultInitialBulkBackoffMillis,
		MaxBulkBackoffMillis:           DefaultMaxBulkBackoffMillis,
		MaxTotalBulkBackoffMillis:      DefaultMaxTotalBulkBackoffMillis,
		Logger:                         logger.GetDefaultLogger(),
	}
}

// WithCoordinatorBackend selects the coordination store.
func (c *MigrationConfiguration) WithCoordinatorBackend(backend string) *MigrationConfiguration {
	checkIsBackendKnown(backend)
	c.CoordinatorBackend = backend
	return c
}

// WithCoordinationTablePrefix to provide alternative lease table or index prefix
func (c *MigrationConfiguration) WithCoordinationTablePrefix(prefix string) *MigrationConfiguration {
	checkIsValueNotEmpty("CoordinationTablePrefix", prefix)
	c.CoordinationTablePrefix = prefix
	return c
}

// WithDynamoDB configures the DynamoDB backend. Nil credentials fall back to the default AWS chain.
func (c *MigrationConfiguration) WithDynamoDB(regionName, endpoint string, creds *credentials.Credentials) *MigrationConfiguration {
	checkIsValueNotEmpty("RegionName", regionName)
	c.CoordinatorBackend = BackendDynamoDB
	c.RegionName = regionName
	c.DynamoDBEndpoint = endpoint
	c.DynamoDBCredentials = creds
	return c
}

// WithSearchIndex configures the search index backend on a dedicated cluster.
func (c *MigrationConfiguration) WithSearchIndex(username, password string, endpoints ...string) *MigrationConfiguration {
	if len(endpoints) == 0 {
		log.Panic("At least one search index endpoint is required")
	}
	c.CoordinatorBackend = BackendSearchIndex
	c.SearchIndexEndpoints = endpoints
	c.SearchIndexUsername = username
	c.SearchIndexPassword = password
	return c
}

// WithDatabase configures one of the relational backends.
func (c *MigrationConfiguration) WithDatabase(backend, dsn string) *MigrationConfiguration {
	switch backend {
	case BackendPostgres, BackendMySQL, BackendSQLite:
	default:
		log.Panicf("%q is not a relational coordinator backend", backend)
	}
	checkIsValueNotEmpty("DatabaseDSN", dsn)
	c.CoordinatorBackend = backend
	c.DatabaseDSN = dsn
	return c
}

// WithTarget configures the cluster receiving the migrated documents.
func (c *MigrationConfiguration) WithTarget(username, password string, endpoints ...string) *MigrationConfiguration {
	if len(endpoints) == 0 {
		log.Panic("At least one target endpoint is required")
	}
	c.TargetEndpoints = endpoints
	c.TargetUsername = username
	c.TargetPassword = password
	return c
}

func (c *MigrationConfiguration) WithInitialLeaseDurationMillis(leaseDurationMillis int) *MigrationConfiguration {
	checkIsValuePositive("InitialLeaseDurationMillis", leaseDurationMillis)
	c.InitialLeaseDurationMillis = leaseDurationMillis
	return c
}

func (c *MigrationConfiguration) WithMaxLeaseDurationMillis(maxLeaseDurationMillis int) *MigrationConfiguration {
	checkIsValuePositive("MaxLeaseDurationMillis", maxLeaseDurationMillis)
	c.MaxLeaseDurationMillis = maxLeaseDurationMillis
	return c
}

func (c *MigrationConfiguration) WithLeaseExpirySafetyMarginMillis(marginMillis int) *MigrationConfiguration {
	checkIsValueNotNegative("LeaseExpirySafetyMarginMillis", marginMillis)
	c.LeaseExpirySafetyMarginMillis = marginMillis
	return c
}

func (c *MigrationConfiguration) WithMaxAcquireRetries(retries int) *MigrationConfiguration {
	checkIsValuePositive("MaxAcquireRetries", retries)
	c.MaxAcquireRetries = retries
	return c
}

func (c *MigrationConfiguration) WithClockDriftToleranceMillis(toleranceMillis int) *MigrationConfiguration {
	checkIsValuePositive("ClockDriftToleranceMillis", toleranceMillis)
	c.ClockDriftToleranceMillis = toleranceMillis
	return c
}

func (c *MigrationConfiguration) WithNoWorkPollIntervalMillis(intervalMillis int) *MigrationConfiguration {
	checkIsValuePositive("NoWorkPollIntervalMillis", intervalMillis)
	c.NoWorkPollIntervalMillis = intervalMillis
	return c
}

func (c *MigrationConfiguration) WithShutdownGraceMillis(graceMillis int) *MigrationConfiguration {
	checkIsValuePositive("ShutdownGraceMillis", graceMillis)
	c.ShutdownGraceMillis = graceMillis
	return c
}

// WithBulkLimits sets the count and byte limits closing a bulk batch.
func (c *MigrationConfiguration) WithBulkLimits(maxDocs, maxBytes int) *MigrationConfiguration {
	checkIsValuePositive("MaxDocsPerBulkRequest", maxDocs)
	checkIsValuePositive("MaxBytesPerBulkRequest", maxBytes)
	c.MaxDocsPerBulkRequest = maxDocs
	c.MaxBytesPerBulkRequest = maxBytes
	return c
}

func (c *MigrationConfiguration) WithMaxConcurrentBulkRequests(n int) *MigrationConfiguration {
	checkIsValuePositive("MaxConcurrentBulkRequests", n)
	c.MaxConcurrentBulkRequests = n
	return c
}

// WithTransformParallelism sets the transformer group size and worker count. Zero workers means one per CPU.
func (c *MigrationConfiguration) WithTransformParallelism(groupSize, workers int) *MigrationConfiguration {
	checkIsValuePositive("TransformGroupSize", groupSize)
	checkIsValueNotNegative("TransformWorkers", workers)
	c.TransformGroupSize = groupSize
	c.TransformWorkers = workers
	return c
}

// WithBulkRetries configures the attempt limit and the exponential backoff of bulk requests.
func (c *MigrationConfiguration) WithBulkRetries(maxRetries, initialBackoffMillis, maxBackoffMillis,
	maxTotalBackoffMillis int) *MigrationConfiguration {
	checkIsValuePositive("MaxBulkRetries", maxRetries)
	checkIsValueNotNegative("InitialBulkBackoffMillis", initialBackoffMillis)
	checkIsValueNotNegative("MaxBulkBackoffMillis", maxBackoffMillis)
	checkIsValueNotNegative("MaxTotalBulkBackoffMillis", maxTotalBackoffMillis)
	c.MaxBulkRetries = maxRetries
	c.InitialBulkBackoffMillis = initialBackoffMillis
	c.MaxBulkBackoffMillis = maxBackoffMillis
	c.MaxTotalBulkBackoffMillis = maxTotalBackoffMillis
	return c
}

func (c *MigrationConfiguration) WithMaxBulkRequestsPerSecond(rps float64) *MigrationConfiguration {
	if rps < 0 {
		log.Panicf("Non-negative value expected for MaxBulkRequestsPerSecond, actual: %v", rps)
	}
	c.MaxBulkRequestsPerSecond = rps
	return c
}

// WithAllowedBulkErrorTypes replaces the error types treated as successful document writes.
func (c *MigrationConfiguration) WithAllowedBulkErrorTypes(errorTypes ...string) *MigrationConfiguration {
	c.AllowedBulkErrorTypes = append([]string(nil), errorTypes...)
	return c
}

func (c *MigrationConfiguration) WithFailedRequestsLogFile(path string) *MigrationConfiguration {
	c.FailedRequestsLogFile = path
	return c
}

func (c *MigrationConfiguration) WithLogger(logger logger.Logger) *MigrationConfiguration {
	if logger == nil {
		log.Panic("Logger cannot be null")
	}
	c.Logger = logger
	return c
}

// WithMonitoringService sets the monitoring service to use to publish metrics.
func (c *MigrationConfiguration) WithMonitoringService(mService metrics.MonitoringService) *MigrationConfiguration {
	// Nil case is handled downward (at worker creation) so no need to do it here.
	// Plus the user might want to be explicit about passing a nil monitoring service here.
	c.MonitoringService = mService
	return c
}
