package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paddock-io/paddock/pkg/errdefs"
	"github.com/paddock-io/paddock/pkg/storage"
	"github.com/paddock-io/paddock/pkg/types"
)

func testInstance(id string) *types.Instance {
	inst := &types.Instance{
		InstanceID: id,
		Name:       "name-" + id,
		Status:     types.StatusCreated,
		Config: types.InstanceConfig{
			ProductName: "RTX 4090 24GB",
			TemplateID:  "tmpl-1",
			GPUNum:      1,
			RootfsSize:  60,
			Region:      "CN-HK-01",
		},
	}
	inst.SetTimestamp(types.TsCreated, time.Now().UTC().Truncate(time.Millisecond))
	return inst
}

func TestInstanceCacheRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := NewInstanceCache(storage.NewMemoryStore())

	original := testInstance("inst-1")
	original.UpstreamID = "u1"
	original.HealthCheck = &types.HealthSummary{
		OverallStatus: types.HealthHealthy,
		Endpoints: []types.EndpointHealth{
			{Port: 8888, Type: "http", Status: "healthy", ResponseTimeMs: 12},
		},
		CheckedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
	original.StartupOperation = &types.StartupOperation{
		OperationID: "op-1",
		Phase:       types.PhaseMonitoring,
		Phases:      map[string]time.Time{"startRequested": time.Now().UTC().Truncate(time.Millisecond)},
	}

	require.NoError(t, c.Put(ctx, original))

	got, err := c.Get(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, original, got)

	// Records with empty optional subfields survive the round trip too
	bare := testInstance("inst-2")
	require.NoError(t, c.Put(ctx, bare))
	got, err = c.Get(ctx, "inst-2")
	require.NoError(t, err)
	assert.Equal(t, bare, got)
	assert.Nil(t, got.Connection)
	assert.Nil(t, got.HealthCheck)
}

func TestInstanceCacheNotFound(t *testing.T) {
	ctx := context.Background()
	c := NewInstanceCache(storage.NewMemoryStore())

	_, err := c.Get(ctx, "absent")
	assert.True(t, errdefs.IsNotFound(err))
}

func TestInstanceCacheList(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	c := NewInstanceCache(store)

	for i := 0; i < 3; i++ {
		require.NoError(t, c.Put(ctx, testInstance(fmt.Sprintf("inst-%d", i))))
	}

	// A product key must not leak into the instance listing
	require.NoError(t, store.Set(ctx, NamespaceProduct+"x:CN-HK-01", "{}", 0))

	instances, err := c.List(ctx)
	require.NoError(t, err)
	assert.Len(t, instances, 3)
}

func TestCacheSkipsForeignTypeKeys(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	c := NewInstanceCache(store)

	require.NoError(t, c.Put(ctx, testInstance("inst-1")))

	// Seed a sorted set under the cache's own prefix: the walk must skip
	// it with a warning instead of failing.
	require.NoError(t, store.ZAdd(ctx, NamespaceInstance+"rogue", 1, "m"))

	instances, err := c.List(ctx)
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, "inst-1", instances[0].InstanceID)

	// Direct get of the foreign-type key reads as not-found
	_, err = c.Get(ctx, "rogue")
	assert.True(t, errdefs.IsNotFound(err))
}

func TestInstanceCachePutAll(t *testing.T) {
	ctx := context.Background()
	c := NewInstanceCache(storage.NewMemoryStore())

	batch := []*types.Instance{testInstance("a"), testInstance("b"), testInstance("c")}
	require.NoError(t, c.PutAll(ctx, batch))

	instances, err := c.List(ctx)
	require.NoError(t, err)
	assert.Len(t, instances, 3)
}

func TestInstanceCacheFindBy(t *testing.T) {
	ctx := context.Background()
	c := NewInstanceCache(storage.NewMemoryStore())

	inst := testInstance("inst-1")
	inst.UpstreamID = "u-42"
	require.NoError(t, c.Put(ctx, inst))

	byName, err := c.FindByName(ctx, "name-inst-1")
	require.NoError(t, err)
	assert.Equal(t, "inst-1", byName.InstanceID)

	byUpstream, err := c.FindByUpstreamID(ctx, "u-42")
	require.NoError(t, err)
	assert.Equal(t, "inst-1", byUpstream.InstanceID)

	_, err = c.FindByName(ctx, "nope")
	assert.True(t, errdefs.IsNotFound(err))
}

func TestProductCacheKeying(t *testing.T) {
	ctx := context.Background()
	c := NewProductCache(storage.NewMemoryStore())

	hk := &types.Product{ID: "p1", Name: "RTX 4090 24GB", Region: "CN-HK-01", SpotPrice: 0.5, Available: true}
	sgp := &types.Product{ID: "p2", Name: "RTX 4090 24GB", Region: "AS-SGP-02", SpotPrice: 0.6, Available: true}
	require.NoError(t, c.Put(ctx, hk))
	require.NoError(t, c.Put(ctx, sgp))

	got, err := c.Get(ctx, "RTX 4090 24GB", "AS-SGP-02")
	require.NoError(t, err)
	assert.Equal(t, "p2", got.ID)

	_, err = c.Get(ctx, "RTX 4090 24GB", "EU-FRA-01")
	assert.True(t, errdefs.IsNotFound(err))
}

func TestNamespaceLRUEviction(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	ns := newNamespaceCache(store, "cache:test:", 0, 2)

	require.NoError(t, ns.set(ctx, "a", "1"))
	time.Sleep(time.Millisecond)
	require.NoError(t, ns.set(ctx, "b", "2"))
	time.Sleep(time.Millisecond)
	require.NoError(t, ns.set(ctx, "c", "3"))

	// "a" was least recently used and must be gone
	var out string
	err := ns.get(ctx, "a", &out)
	assert.True(t, errdefs.IsNotFound(err))

	require.NoError(t, ns.get(ctx, "b", &out))
	require.NoError(t, ns.get(ctx, "c", &out))
}
