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
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tim "github.com/MITLibraries/timdex-index-manager"
	"github.com/MITLibraries/timdex-index-manager/timtest"
)

func TestCreateIndex(t *testing.T) {
	cluster := timtest.NewCluster()
	client := timtest.NewClusterClient(t, cluster)
	im := tim.NewIndexManager(client, nil)

	name := "alma-20240101T000000Z"
	created, err := im.CreateIndex(context.Background(), name)
	require.NoError(t, err)
	assert.Equal(t, name, created)
	assert.True(t, cluster.HasIndex(name))

	_, err = im.CreateIndex(context.Background(), name)
	var exists *tim.IndexExistsError
	require.ErrorAs(t, err, &exists)
	assert.Equal(t, name, exists.Index)
}

func TestCreateIndexForSource(t *testing.T) {
	cluster := timtest.NewCluster()
	client := timtest.NewClusterClient(t, cluster)
	im := tim.NewIndexManager(client, nil)

	created, err := im.CreateIndexForSource(context.Background(), "aspace")
	require.NoError(t, err)
	require.NoError(t, tim.ValidateIndexName(created))
	assert.Equal(t, "aspace", tim.SourceFromIndex(created))
	assert.True(t, cluster.HasIndex(created))
}

func TestGetOrCreateIndexForSource(t *testing.T) {
	cluster := timtest.NewCluster()
	promoted := "alma-20240101T000000Z"
	cluster.CreateIndex(promoted)
	cluster.AddAlias(tim.PrimaryAlias, promoted)
	client := timtest.NewClusterClient(t, cluster)
	im := tim.NewIndexManager(client, nil)
	am := tim.NewAliasManager(client, nil)

	index, err := im.GetOrCreateIndexForSource(context.Background(), am, "alma")
	require.NoError(t, err)
	assert.Equal(t, promoted, index)

	// A source with no promoted index gets a fresh one.
	index, err = im.GetOrCreateIndexForSource(context.Background(), am, "zenodo")
	require.NoError(t, err)
	assert.Equal(t, "zenodo", tim.SourceFromIndex(index))
	assert.True(t, cluster.HasIndex(index))
}

func TestRefresh(t *testing.T) {
	cluster := timtest.NewCluster()
	name := "alma-20240101T000000Z"
	cluster.CreateIndex(name)
	client := timtest.NewClusterClient(t, cluster)
	im := tim.NewIndexManager(client, nil)

	require.NoError(t, im.Refresh(context.Background(), name))

	err := im.Refresh(context.Background(), "alma-19990101T000000Z")
	var notFound *tim.IndexNotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestDeleteIndex(t *testing.T) {
	cluster := timtest.NewCluster()
	name := "alma-20240101T000000Z"
	cluster.CreateIndex(name)
	client := timtest.NewClusterClient(t, cluster)
	im := tim.NewIndexManager(client, nil)

	require.NoError(t, im.DeleteIndex(context.Background(), name))
	assert.False(t, cluster.HasIndex(name))

	err := im.DeleteIndex(context.Background(), name)
	var notFound *tim.IndexNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, name, notFound.Index)
}

func TestIndexExists(t *testing.T) {
	cluster := timtest.NewCluster()
	name := "alma-20240101T000000Z"
	cluster.CreateIndex(name)
	client := timtest.NewClusterClient(t, cluster)
	im := tim.NewIndexManager(client, nil)

	exists, err := im.IndexExists(context.Background(), name)
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = im.IndexExists(context.Background(), "alma-19990101T000000Z")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestIndexes(t *testing.T) {
	cluster := timtest.NewCluster()
	cluster.CreateIndex("alma-20240101T000000Z")
	cluster.CreateIndex("aspace-20240101T000000Z")
	client := timtest.NewClusterClient(t, cluster)
	im := tim.NewIndexManager(client, nil)

	indexes, err := im.Indexes(context.Background())
	require.NoError(t, err)
	require.Len(t, indexes, 2)
	info, ok := indexes["alma-20240101T000000Z"]
	require.True(t, ok)
	assert.Equal(t, "open", info.Status)
	assert.Equal(t, "green", info.Health)
	assert.Equal(t, "0", info.Documents)
}

func TestClusterInfo(t *testing.T) {
	cluster := timtest.NewCluster()
	client := timtest.NewClusterClient(t, cluster)
	im := tim.NewIndexManager(client, nil)

	info, err := im.ClusterInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "timtest-cluster", info.Name)
	assert.Equal(t, "timtest-uuid", info.UUID)
	assert.Equal(t, "2.11.1", info.Version)
	assert.Equal(t, "9.7.0", info.LuceneVersion)
}
