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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig(t *testing.T) {
	cfg := NewMigrationConfig("appName", "session1", "workerId").
		WithInitialLeaseDurationMillis(500).
		WithMaxLeaseDurationMillis(4000).
		WithLeaseExpirySafetyMarginMillis(100).
		WithBulkLimits(5, 1024).
		WithMaxConcurrentBulkRequests(2).
		WithBulkRetries(3, 10, 100, 1000).
		WithAllowedBulkErrorTypes("version_conflict_engine_exception")

	assert.Equal(t, "appName", cfg.ApplicationName)
	assert.Equal(t, "workerId", cfg.WorkerID)
	assert.Equal(t, 500, cfg.InitialLeaseDurationMillis)
	assert.Equal(t, 5, cfg.MaxDocsPerBulkRequest)
	assert.Equal(t, []string{"version_conflict_engine_exception"}, cfg.AllowedBulkErrorTypes)
	assert.Equal(t, "migration_coordination_session1", cfg.CoordinationTableName())
	assert.Equal(t, int64(4), cfg.MaxLeaseDuration().Milliseconds()/1000)
	assert.Nil(t, cfg.Validate())
}

func TestConfigGeneratesWorkerID(t *testing.T) {
	cfg := NewMigrationConfig("appName", "session1", "")
	assert.NotEmpty(t, cfg.WorkerID)
	assert.Equal(t, DefaultCoordinatorBackend, cfg.CoordinatorBackend)
	assert.NotNil(t, cfg.Logger)
}

func TestConfigFailsFast(t *testing.T) {
	assert.Panics(t, func() { NewMigrationConfig("", "session1", "w") })
	assert.Panics(t, func() { NewMigrationConfig("app", "session1", "w").WithMaxAcquireRetries(0) })
	assert.Panics(t, func() { NewMigrationConfig("app", "session1", "w").WithCoordinatorBackend("zookeeper") })
	assert.Panics(t, func() { NewMigrationConfig("app", "session1", "w").WithDatabase(BackendDynamoDB, "dsn") })
	assert.Panics(t, func() { NewMigrationConfig("app", "session1", "w").WithLogger(nil) })
}

func TestValidate(t *testing.T) {
	cfg := NewMigrationConfig("app", "session1", "w")
	cfg.CoordinatorBackend = BackendPostgres
	assert.Error(t, cfg.Validate())

	cfg.DatabaseDSN = "postgres://localhost/db"
	assert.Nil(t, cfg.Validate())

	cfg.LeaseExpirySafetyMarginMillis = cfg.InitialLeaseDurationMillis
	assert.Error(t, cfg.Validate())
}

func TestParseYAML(t *testing.T) {
	doc := `
application_name: reindex
session_name: run42
worker_id: worker-a
coordinator:
  backend: sqlite
  database_dsn: "file::memory:"
lease:
  initial_duration_ms: 60000
  max_acquire_retries: 3
target:
  endpoints: ["http://localhost:9200"]
bulk:
  max_docs: 500
  allowed_error_types: [version_conflict_engine_exception]
  max_requests_per_second: 2.5
`
	cfg, err := Parse([]byte(doc))
	require.Nil(t, err)
	assert.Equal(t, "run42", cfg.SessionName)
	assert.Equal(t, BackendSQLite, cfg.CoordinatorBackend)
	assert.Equal(t, 60000, cfg.InitialLeaseDurationMillis)
	assert.Equal(t, 3, cfg.MaxAcquireRetries)
	assert.Equal(t, 500, cfg.MaxDocsPerBulkRequest)
	assert.Equal(t, DefaultMaxBytesPerBulkRequest, cfg.MaxBytesPerBulkRequest)
	assert.Equal(t, 2.5, cfg.MaxBulkRequestsPerSecond)
	assert.Equal(t, []string{"http://localhost:9200"}, cfg.TargetEndpoints)
	assert.Equal(t, []string{"version_conflict_engine_exception"}, cfg.AllowedBulkErrorTypes)
}

func TestParseRejectsInvalidValues(t *testing.T) {
	_, err := Parse([]byte("application_name: a\n"))
	assert.Error(t, err)

	_, err = Parse([]byte("application_name: a\nsession_name: s\ncoordinator:\n  backend: etcd\n"))
	assert.Error(t, err)

	_, err = Parse([]byte("application_name: [\n"))
	assert.Error(t, err)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reindex.yaml")
	require.Nil(t, os.WriteFile(path, []byte("application_name: a\nsession_name: s\n"), 0600))

	cfg, err := LoadFromFile(path)
	require.Nil(t, err)
	assert.Equal(t, "s", cfg.SessionName)

	_, err = LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestApplyEnvOverrides(t *testing.T) {
	envFile := filepath.Join(t.TempDir(), ".env")
	require.Nil(t, os.WriteFile(envFile, []byte("REINDEX_MAX_DOCS_PER_BULK=42\nREINDEX_TARGET_ENDPOINTS=http://a:9200, http://b:9200\n"), 0600))
	t.Setenv("REINDEX_MAX_CONCURRENT_BULK", "7")
	t.Setenv("REINDEX_MAX_BULK_REQUESTS_PER_SECOND", "1.5")
	// godotenv never overrides variables that are already present
	t.Setenv("REINDEX_MAX_DOCS_PER_BULK", "43")
	t.Cleanup(func() { os.Unsetenv("REINDEX_TARGET_ENDPOINTS") })

	cfg := NewMigrationConfig("app", "session1", "w")
	require.Nil(t, ApplyEnvOverrides(cfg, envFile))

	assert.Equal(t, 43, cfg.MaxDocsPerBulkRequest)
	assert.Equal(t, 7, cfg.MaxConcurrentBulkRequests)
	assert.Equal(t, 1.5, cfg.MaxBulkRequestsPerSecond)
	assert.Equal(t, []string{"http://a:9200", "http://b:9200"}, cfg.TargetEndpoints)
}

func TestApplyEnvOverridesInvalidNumber(t *testing.T) {
	t.Setenv("REINDEX_MAX_BULK_RETRIES", "many")
	cfg := NewMigrationConfig("app", "session1", "w")
	assert.Error(t, ApplyEnvOverrides(cfg, filepath.Join(t.TempDir(), "absent.env")))
}
