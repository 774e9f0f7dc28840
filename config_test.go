// Licensed to Elasticsearch B.V. under one or more contributor
// license agreements. See the NOTICE file distributed with
// this work for additional information regarding copyright
// ownership. Elasticsearch B.V. licenses this file to you under
// the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied.  See the License for the
// specific language governing permissions and limitations
// under the License.

package tim_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tim "github.com/MITLibraries/timdex-index-manager"
)

func TestDefaultConfig(t *testing.T) {
	cfg := tim.DefaultConfig(tim.Config{})
	assert.Equal(t, 100*1024*1024, cfg.MaxDocumentBytes)
	assert.Equal(t, 8, cfg.MaxRetries)
	assert.Equal(t, []int{429, 502, 503, 504}, cfg.RetryOnDocumentStatus)
	assert.Equal(t, 120*time.Second, cfg.RequestTimeout)
	assert.Equal(t, time.Second, cfg.RetryBackoffInitial)
	assert.Equal(t, 30*time.Second, cfg.RetryBackoffMax)
	assert.Equal(t, 1000, cfg.StatusInterval)
	assert.Equal(t, 2, cfg.MaxRequests)

	cfg = tim.DefaultConfig(tim.Config{
		MaxDocumentBytes: 1024,
		MaxRetries:       3,
		StatusInterval:   10,
	})
	assert.Equal(t, 1024, cfg.MaxDocumentBytes)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 10, cfg.StatusInterval)
}

func TestLoadEnvConfigDefaults(t *testing.T) {
	cfg, err := tim.LoadEnvConfig()
	require.NoError(t, err)
	assert.Equal(t, "localhost", cfg.Endpoint)
	assert.Equal(t, 100*1024*1024, cfg.MaxChunkBytes)
	assert.Equal(t, 8, cfg.MaxRetries)
	assert.Equal(t, 120*time.Second, cfg.RequestTimeout)
	assert.Equal(t, 1000, cfg.StatusInterval)
}

func TestLoadEnvConfig(t *testing.T) {
	t.Setenv(tim.EnvEndpoint, "search.example.org")
	t.Setenv(tim.EnvMaxChunkBytes, "1048576")
	t.Setenv(tim.EnvMaxRetries, "3")
	t.Setenv(tim.EnvRequestTimeout, "60")
	t.Setenv(tim.EnvStatusInterval, "500")

	cfg, err := tim.LoadEnvConfig()
	require.NoError(t, err)
	assert.Equal(t, "search.example.org", cfg.Endpoint)
	assert.Equal(t, 1048576, cfg.MaxChunkBytes)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 60*time.Second, cfg.RequestTimeout)
	assert.Equal(t, 500, cfg.StatusInterval)
}
