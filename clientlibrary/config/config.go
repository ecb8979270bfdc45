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
	"strings"
	"time"

	creds "github.com/aws/aws-sdk-go/aws/credentials"

	"github.com/vmware/vmware-go-reindex/clientlibrary/metrics"
	"github.com/vmware/vmware-go-reindex/logger"
)

// Coordination store backends selectable through CoordinatorBackend.
const (
	BackendDynamoDB    = "dynamodb"
	BackendSearchIndex = "searchindex"
	BackendPostgres    = "postgres"
	BackendMySQL       = "mysql"
	BackendSQLite      = "sqlite"
	BackendMemory      = "memory"
)

const (
	// The coordination store used when none is configured. The search index backend keeps the
	// coordination state next to the migrated data and needs no extra infrastructure.
	DefaultCoordinatorBackend = BackendSearchIndex

	// Prefix of the table (or index) holding one lease record per work item. The session name is
	// appended so that independent migration runs never share records.
	DefaultCoordinationTablePrefix = "migration_coordination"

	// The lease duration requested for the first acquisition attempt of a work item.
	DefaultInitialLeaseDurationMillis = 10 * 60 * 1000

	// Upper bound for the lease duration after doubling on repeated acquisition conflicts.
	DefaultMaxLeaseDurationMillis = 24 * 60 * 60 * 1000

	// Period before the end of lease at which the worker stops processing and records its progress.
	DefaultLeaseExpirySafetyMarginMillis = 30 * 1000

	// Maximum number of lost acquisition races before giving up with a retries exceeded error.
	DefaultMaxAcquireRetries = 10

	// Tolerated divergence between the worker clock and the coordination store clock.
	DefaultClockDriftToleranceMillis = 5000

	// How long the worker sleeps when every remaining work item is leased by someone else.
	DefaultNoWorkPollIntervalMillis = 10000

	// The amount of milliseconds to wait before graceful shutdown forcefully terminates.
	DefaultShutdownGraceMillis = 5000

	// The DynamoDB table used for tracking leases will be provisioned with this read capacity.
	DefaultInitialLeaseTableReadCapacity = 10

	// The DynamoDB table used for tracking leases will be provisioned with this write capacity.
	DefaultInitialLeaseTableWriteCapacity = 10

	// Max documents in a single bulk request.
	DefaultMaxDocsPerBulkRequest = 1000

	// Max serialized size of a single bulk request, one separator byte per document included.
	DefaultMaxBytesPerBulkRequest = 10 * 1024 * 1024

	// Bulk requests in flight at the same time.
	DefaultMaxConcurrentBulkRequests = 10

	// Number of documents handed to the transformer in one call.
	DefaultTransformGroupSize = 10

	// Attempts for one bulk batch, the first send included.
	DefaultMaxBulkRetries = 10

	// Backoff before the first bulk retry. Every further retry doubles it.
	DefaultInitialBulkBackoffMillis = 1000

	// Cap for a single backoff wait between bulk retries.
	DefaultMaxBulkBackoffMillis = 60 * 1000

	// Cap for the sum of all backoff waits of one bulk batch.
	DefaultMaxTotalBulkBackoffMillis = 10 * 60 * 1000
)

// MigrationConfiguration configures workers migrating documents from a snapshot into a target cluster.
type MigrationConfiguration struct {
	// ApplicationName is name of application. It prefixes metric names.
	ApplicationName string

	// SessionName identifies one migration run. Coordination records of different sessions never collide.
	SessionName string

	// WorkerID used to distinguish different workers/processes of a migration. It is stored as lease holder.
	WorkerID string

	// CoordinatorBackend selects the coordination store: dynamodb, searchindex, postgres, mysql, sqlite or memory.
	CoordinatorBackend string

	// CoordinationTablePrefix is the prefix of the coordination table, DynamoDB table or index.
	CoordinationTablePrefix string

	// RegionName The region name for DynamoDB
	RegionName string

	// DynamoDBEndpoint is an optional endpoint URL that overrides the default generated endpoint for a DynamoDB client.
	// If this is empty, the default generated endpoint will be used.
	DynamoDBEndpoint string

	// DynamoDBCredentials is used to access DynamoDB
	DynamoDBCredentials *creds.Credentials

	// Read capacity to provision when creating the lease table (dynamoDB).
	InitialLeaseTableReadCapacity int

	// Write capacity to provision when creating the lease table.
	InitialLeaseTableWriteCapacity int

	// SearchIndexEndpoints are the cluster addresses holding the coordination index. When empty the target
	// cluster is used.
	SearchIndexEndpoints []string
	SearchIndexUsername  string
	SearchIndexPassword  string

	// DatabaseDSN is the data source name for the postgres, mysql and sqlite backends.
	DatabaseDSN string

	// TargetEndpoints are the addresses of the cluster receiving the bulk requests.
	TargetEndpoints []string
	TargetUsername  string
	TargetPassword  string

	// InitialLeaseDurationMillis lease duration requested for a work item acquisition.
	InitialLeaseDurationMillis int

	// MaxLeaseDurationMillis caps the lease duration after doubling on conflicts.
	MaxLeaseDurationMillis int

	// LeaseExpirySafetyMarginMillis is subtracted from the lease expiration to schedule the lease trigger.
	LeaseExpirySafetyMarginMillis int

	// MaxAcquireRetries bounds the consecutive acquisition conflicts.
	MaxAcquireRetries int

	// ClockDriftToleranceMillis tolerated divergence between worker and store clocks.
	ClockDriftToleranceMillis int

	// NoWorkPollIntervalMillis idle time when no work item can be acquired.
	NoWorkPollIntervalMillis int

	// ShutdownGraceMillis The number of milliseconds before graceful shutdown terminates forcefully
	ShutdownGraceMillis int

	MaxDocsPerBulkRequest     int
	MaxBytesPerBulkRequest    int
	MaxConcurrentBulkRequests int

	// TransformGroupSize documents per transformer call. TransformWorkers bounds the transformer
	// parallelism, zero means one worker per CPU.
	TransformGroupSize int
	TransformWorkers   int

	MaxBulkRetries            int
	InitialBulkBackoffMillis  int
	MaxBulkBackoffMillis      int
	MaxTotalBulkBackoffMillis int

	// MaxBulkRequestsPerSecond throttles bulk requests of one worker. Zero disables throttling.
	MaxBulkRequestsPerSecond float64

	// AllowedBulkErrorTypes are per document error types treated as success, e.g. version_conflict_engine_exception.
	AllowedBulkErrorTypes []string

	// FailedRequestsLogFile receives the batches that exhausted their retries. Empty routes them to Logger.
	FailedRequestsLogFile string

	// Logger used to log message.
	Logger logger.Logger

	// MonitoringService publishes per worker-scoped metrics.
	MonitoringService metrics.MonitoringService
}

// CoordinationTableName is the namespaced name of the coordination table or index.
func (c *MigrationConfiguration) CoordinationTableName() string {
	return strings.ToLower(c.CoordinationTablePrefix + "_" + c.SessionName)
}

func (c *MigrationConfiguration) InitialLeaseDuration() time.Duration {
	return millis(c.InitialLeaseDurationMillis)
}

func (c *MigrationConfiguration) MaxLeaseDuration() time.Duration {
	return millis(c.MaxLeaseDurationMillis)
}

func (c *MigrationConfiguration) LeaseExpirySafetyMargin() time.Duration {
	return millis(c.LeaseExpirySafetyMarginMillis)
}

func (c *MigrationConfiguration) ClockDriftTolerance() time.Duration {
	return millis(c.ClockDriftToleranceMillis)
}

func (c *MigrationConfiguration) NoWorkPollInterval() time.Duration {
	return millis(c.NoWorkPollIntervalMillis)
}

func (c *MigrationConfiguration) ShutdownGrace() time.Duration {
	return millis(c.ShutdownGraceMillis)
}

func (c *MigrationConfiguration) InitialBulkBackoff() time.Duration {
	return millis(c.InitialBulkBackoffMillis)
}

func (c *MigrationConfiguration) MaxBulkBackoff() time.Duration {
	return millis(c.MaxBulkBackoffMillis)
}

func (c *MigrationConfiguration) MaxTotalBulkBackoff() time.Duration {
	return millis(c.MaxTotalBulkBackoffMillis)
}

func millis(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

func empty(s string) bool {
	return len(strings.TrimSpace(s)) == 0
}

// checkIsValueNotEmpty makes sure the value is not empty.
func checkIsValueNotEmpty(key string, value string) {
	if empty(value) {
		// There is no point to continue for incorrect configuration. Fail fast!
		log.Panicf("Non-empty value expected for %v, actual: %v", key, value)
	}
}

// checkIsValuePositive makes sure the value is possitive.
func checkIsValuePositive(key string, value int) {
	if value <= 0 {
		// There is no point to continue for incorrect configuration. Fail fast!
		log.Panicf("Positive value expected for %v, actual: %v", key, value)
	}
}

// checkIsValueNotNegative makes sure the value is zero or above.
func checkIsValueNotNegative(key string, value int) {
	if value < 0 {
		log.Panicf("Non-negative value expected for %v, actual: %v", key, value)
	}
}

func checkIsBackendKnown(backend string) {
	switch backend {
	case BackendDynamoDB, BackendSearchIndex, BackendPostgres, BackendMySQL, BackendSQLite, BackendMemory:
	default:
		log.Panicf("Unknown coordinator backend %q", backend)
	}
}
