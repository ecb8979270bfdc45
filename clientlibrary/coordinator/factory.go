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
package coordinator

import (
	"fmt"

	"github.com/vmware/vmware-go-reindex/clientlibrary/config"
	"github.com/vmware/vmware-go-reindex/clientlibrary/database"
)

// NewStore creates the coordination store selected by cfg.CoordinatorBackend. The store still
// needs Init before use.
func NewStore(cfg *config.MigrationConfiguration) (Store, error) {
	table := cfg.CoordinationTableName()

	switch cfg.CoordinatorBackend {
	case config.BackendDynamoDB:
		return NewDynamoDBStore(cfg), nil
	case config.BackendSearchIndex:
		endpoints, username, password := cfg.SearchIndexEndpoints, cfg.SearchIndexUsername, cfg.SearchIndexPassword
		if len(endpoints) == 0 {
			endpoints, username, password = cfg.TargetEndpoints, cfg.TargetUsername, cfg.TargetPassword
		}
		if len(endpoints) == 0 {
			return nil, fmt.Errorf("the %s backend needs SearchIndexEndpoints or TargetEndpoints", cfg.CoordinatorBackend)
		}
		return NewSearchIndexStoreWithAddresses(table, username, password, cfg.Logger, endpoints...)
	case config.BackendPostgres, config.BackendMySQL, config.BackendSQLite:
		ds, err := database.Open(cfg.CoordinatorBackend, cfg.DatabaseDSN)
		if err != nil {
			return nil, storeError("connect", "", err)
		}
		return NewRelationalStore(ds, table, cfg.Logger), nil
	case config.BackendMemory:
		return NewMemoryStore(), nil
	}
	return nil, fmt.Errorf("unknown coordinator backend %q", cfg.CoordinatorBackend)
}
