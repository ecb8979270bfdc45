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
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable read by ApplyEnvOverrides.
const EnvPrefix = "REINDEX_"

// FileConfiguration is the YAML representation of a MigrationConfiguration. Zero values keep the defaults.
type FileConfiguration struct {
	ApplicationName string `yaml:"application_name"`
	SessionName     string `yaml:"session_name"`
	WorkerID        string `yaml:"worker_id"`

	Coordinator struct {
		Backend     string `yaml:"backend"`
		TablePrefix string `yaml:"table_prefix"`
		DynamoDB    struct {
			Region        string `yaml:"region"`
			Endpoint      string `yaml:"endpoint"`
			ReadCapacity  int    `yaml:"read_capacity"`
			WriteCapacity int    `yaml:"write_capacity"`
		} `yaml:"dynamodb"`
		SearchIndex struct {
			Endpoints []string `yaml:"endpoints"`
			Username  string   `yaml:"username"`
			Password  string   `yaml:"password"`
		} `yaml:"search_index"`
		DatabaseDSN string `yaml:"database_dsn"`
	} `yaml:"coordinator"`

	Lease struct {
		InitialDurationMillis int `yaml:"initial_duration_ms"`
		MaxDurationMillis     int `yaml:"max_duration_ms"`
		SafetyMarginMillis    int `yaml:"safety_margin_ms"`
		MaxAcquireRetries     int `yaml:"max_acquire_retries"`
		ClockDriftMillis      int `yaml:"clock_drift_tolerance_ms"`
		NoWorkPollMillis      int `yaml:"no_work_poll_interval_ms"`
	} `yaml:"lease"`

	Target struct {
		Endpoints []string `yaml:"endpoints"`
		Username  string   `yaml:"username"`
		Password  string   `yaml:"password"`
	} `yaml:"target"`

	Bulk struct {
		MaxDocs               int      `yaml:"max_docs"`
		MaxBytes              int      `yaml:"max_bytes"`
		MaxConcurrent         int      `yaml:"max_concurrent"`
		MaxRetries            int      `yaml:"max_retries"`
		InitialBackoffMillis  int      `yaml:"initial_backoff_ms"`
		MaxBackoffMillis      int      `yaml:"max_backoff_ms"`
		MaxTotalBackoffMillis int      `yaml:"max_total_backoff_ms"`
		MaxRequestsPerSecond  float64  `yaml:"max_requests_per_second"`
		AllowedErrorTypes     []string `yaml:"allowed_error_types"`
		FailedRequestsLogFile string   `yaml:"failed_requests_log_file"`
		TransformGroupSize    int      `yaml:"transform_group_size"`
		TransformWorkers      int      `yaml:"transform_workers"`
	} `yaml:"bulk"`
}

// LoadFromFile reads a YAML configuration file and converts it into a MigrationConfiguration.
func LoadFromFile(path string) (*MigrationConfiguration, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(b)
}

// Parse converts a YAML document into a MigrationConfiguration.
func Parse(data []byte) (*MigrationConfiguration, error) {
	var fc FileConfiguration
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	return fc.ToMigrationConfig()
}

// ToMigrationConfig applies the file values on top of the defaults of NewMigrationConfig. Invalid
// values are reported as errors instead of panics.
func (fc *FileConfiguration) ToMigrationConfig() (c *MigrationConfiguration, err error) {
	if empty(fc.ApplicationName) || empty(fc.SessionName) {
		return nil, errors.New("application_name and session_name are required")
	}

	defer func() {
		if r := recover(); r != nil {
			c = nil
			err = fmt.Errorf("invalid configuration: %v", r)
		}
	}()

	c = NewMigrationConfig(fc.ApplicationName, fc.SessionName, fc.WorkerID)

	co := fc.Coordinator
	if co.Backend != "" {
		c.WithCoordinatorBackend(co.Backend)
	}
	if co.TablePrefix != "" {
		c.WithCoordinationTablePrefix(co.TablePrefix)
	}
	c.RegionName = co.DynamoDB.Region
	c.DynamoDBEndpoint = co.DynamoDB.Endpoint
	if co.DynamoDB.ReadCapacity > 0 {
		c.InitialLeaseTableReadCapacity = co.DynamoDB.ReadCapacity
	}
	if co.DynamoDB.WriteCapacity > 0 {
		c.InitialLeaseTableWriteCapacity = co.DynamoDB.WriteCapacity
	}
	c.SearchIndexEndpoints = co.SearchIndex.Endpoints
	c.SearchIndexUsername = co.SearchIndex.Username
	c.SearchIndexPassword = co.SearchIndex.Password
	c.DatabaseDSN = co.DatabaseDSN

	l := fc.Lease
	setPositive(&c.InitialLeaseDurationMillis, l.InitialDurationMillis)
	setPositive(&c.MaxLeaseDurationMillis, l.MaxDurationMillis)
	setPositive(&c.LeaseExpirySafetyMarginMillis, l.SafetyMarginMillis)
	setPositive(&c.MaxAcquireRetries, l.MaxAcquireRetries)
	setPositive(&c.ClockDriftToleranceMillis, l.ClockDriftMillis)
	setPositive(&c.NoWorkPollIntervalMillis, l.NoWorkPollMillis)

	c.TargetEndpoints = fc.Target.Endpoints
	c.TargetUsername = fc.Target.Username
	c.TargetPassword = fc.Target.Password

	b := fc.Bulk
	setPositive(&c.MaxDocsPerBulkRequest, b.MaxDocs)
	setPositive(&c.MaxBytesPerBulkRequest, b.MaxBytes)
	setPositive(&c.MaxConcurrentBulkRequests, b.MaxConcurrent)
	setPositive(&c.MaxBulkRetries, b.MaxRetries)
	setPositive(&c.InitialBulkBackoffMillis, b.InitialBackoffMillis)
	setPositive(&c.MaxBulkBackoffMillis, b.MaxBackoffMillis)
	setPositive(&c.MaxTotalBulkBackoffMillis, b.MaxTotalBackoffMillis)
	setPositive(&c.TransformGroupSize, b.TransformGroupSize)
	setPositive(&c.TransformWorkers, b.TransformWorkers)
	c.WithMaxBulkRequestsPerSecond(b.MaxRequestsPerSecond)
	if len(b.AllowedErrorTypes) > 0 {
		c.WithAllowedBulkErrorTypes(b.AllowedErrorTypes...)
	}
	c.FailedRequestsLogFile = b.FailedRequestsLogFile

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// ApplyEnvOverrides loads envFile (if it exists) into the process environment and then applies
// every REINDEX_* variable on top of c. Variables already set in the environment win over the file.
func ApplyEnvOverrides(c *MigrationConfiguration, envFile string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	strs := map[string]*string{
		"SESSION_NAME":        &c.SessionName,
		"WORKER_ID":           &c.WorkerID,
		"COORDINATOR_BACKEND": &c.CoordinatorBackend,
		"TABLE_PREFIX":        &c.CoordinationTablePrefix,
		"DYNAMODB_REGION":     &c.RegionName,
		"DYNAMODB_ENDPOINT":   &c.DynamoDBEndpoint,
		"SEARCH_USERNAME":     &c.SearchIndexUsername,
		"SEARCH_PASSWORD":     &c.SearchIndexPassword,
		"DATABASE_DSN":        &c.DatabaseDSN,
		"TARGET_USERNAME":     &c.TargetUsername,
		"TARGET_PASSWORD":     &c.TargetPassword,
		"FAILED_REQUESTS_LOG": &c.FailedRequestsLogFile,
	}
	for key, dst := range strs {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok {
			*dst = v
		}
	}

	lists := map[string]*[]string{
		"SEARCH_ENDPOINTS":         &c.SearchIndexEndpoints,
		"TARGET_ENDPOINTS":         &c.TargetEndpoints,
		"ALLOWED_BULK_ERROR_TYPES": &c.AllowedBulkErrorTypes,
	}
	for key, dst := range lists {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok {
			*dst = splitList(v)
		}
	}

	ints := map[string]*int{
		"INITIAL_LEASE_DURATION_MS": &c.InitialLeaseDurationMillis,
		"MAX_LEASE_DURATION_MS":     &c.MaxLeaseDurationMillis,
		"LEASE_SAFETY_MARGIN_MS":    &c.LeaseExpirySafetyMarginMillis,
		"MAX_ACQUIRE_RETRIES":       &c.MaxAcquireRetries,
		"CLOCK_DRIFT_TOLERANCE_MS":  &c.ClockDriftToleranceMillis,
		"NO_WORK_POLL_INTERVAL_MS":  &c.NoWorkPollIntervalMillis,
		"MAX_DOCS_PER_BULK":         &c.MaxDocsPerBulkRequest,
		"MAX_BYTES_PER_BULK":        &c.MaxBytesPerBulkRequest,
		"MAX_CONCURRENT_BULK":       &c.MaxConcurrentBulkRequests,
		"MAX_BULK_RETRIES":          &c.MaxBulkRetries,
		"INITIAL_BULK_BACKOFF_MS":   &c.InitialBulkBackoffMillis,
		"MAX_BULK_BACKOFF_MS":       &c.MaxBulkBackoffMillis,
		"MAX_TOTAL_BULK_BACKOFF_MS": &c.MaxTotalBulkBackoffMillis,
		"TRANSFORM_GROUP_SIZE":      &c.TransformGroupSize,
		"TRANSFORM_WORKERS":         &c.TransformWorkers,
	}
	for key, dst := range ints {
		v, ok := os.LookupEnv(EnvPrefix + key)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("invalid %s%s: %w", EnvPrefix, key, err)
		}
		*dst = n
	}

	if v, ok := os.LookupEnv(EnvPrefix + "MAX_BULK_REQUESTS_PER_SECOND"); ok {
		rps, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return fmt.Errorf("invalid %sMAX_BULK_REQUESTS_PER_SECOND: %w", EnvPrefix, err)
		}
		c.MaxBulkRequestsPerSecond = rps
	}

	return c.Validate()
}

// Validate reports the first invalid setting. Builders panic on invalid input, Validate covers
// values assigned directly or loaded from a file or the environment.
func (c *MigrationConfiguration) Validate() error {
	if empty(c.ApplicationName) {
		return errors.New("ApplicationName must not be empty")
	}
	if empty(c.SessionName) {
		return errors.New("SessionName must not be empty")
	}
	if empty(c.WorkerID) {
		return errors.New("WorkerID must not be empty")
	}
	switch c.CoordinatorBackend {
	case BackendDynamoDB:
		if empty(c.RegionName) {
			return errors.New("RegionName is required by the dynamodb backend")
		}
	case BackendPostgres, BackendMySQL, BackendSQLite:
		if empty(c.DatabaseDSN) {
			return fmt.Errorf("DatabaseDSN is required by the %s backend", c.CoordinatorBackend)
		}
	case BackendSearchIndex, BackendMemory:
	default:
		return fmt.Errorf("unknown coordinator backend %q", c.CoordinatorBackend)
	}

	positives := []struct {
		key   string
		value int
	}{
		{"InitialLeaseDurationMillis", c.InitialLeaseDurationMillis},
		{"MaxLeaseDurationMillis", c.MaxLeaseDurationMillis},
		{"MaxAcquireRetries", c.MaxAcquireRetries},
		{"ClockDriftToleranceMillis", c.ClockDriftToleranceMillis},
		{"MaxDocsPerBulkRequest", c.MaxDocsPerBulkRequest},
		{"MaxBytesPerBulkRequest", c.MaxBytesPerBulkRequest},
		{"MaxConcurrentBulkRequests", c.MaxConcurrentBulkRequests},
		{"TransformGroupSize", c.TransformGroupSize},
		{"MaxBulkRetries", c.MaxBulkRetries},
	}
	for _, p := range positives {
		if p.value <= 0 {
			return fmt.Errorf("positive value expected for %s, actual: %d", p.key, p.value)
		}
	}
	if c.MaxLeaseDurationMillis < c.InitialLeaseDurationMillis {
		return fmt.Errorf("MaxLeaseDurationMillis (%d) is below InitialLeaseDurationMillis (%d)",
			c.MaxLeaseDurationMillis, c.InitialLeaseDurationMillis)
	}
	if c.LeaseExpirySafetyMarginMillis < 0 || c.LeaseExpirySafetyMarginMillis >= c.InitialLeaseDurationMillis {
		return fmt.Errorf("LeaseExpirySafetyMarginMillis (%d) must be within [0, InitialLeaseDurationMillis)",
			c.LeaseExpirySafetyMarginMillis)
	}
	if c.MaxBulkRequestsPerSecond < 0 {
		return errors.New("MaxBulkRequestsPerSecond must not be negative")
	}
	return nil
}

func setPositive(dst *int, v int) {
	if v > 0 {
		*dst = v
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
