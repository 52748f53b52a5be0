package novita

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paddock-io/paddock/pkg/errdefs"
)

// productServer answers /v1/products from a fixed region -> products table
func productServer(t *testing.T, byRegion map[string][]productWire) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/products", r.URL.Path)
		region := r.URL.Query().Get("region")
		json.NewEncoder(w).Encode(productListResponse{Data: byRegion[region]})
	}))
}

func TestGetOptimalProductPreferredRegion(t *testing.T) {
	srv := productServer(t, map[string][]productWire{
		"CN-HK-01": {
			{ID: "p-hk-exp", Name: "RTX 4090 24GB", Region: "CN-HK-01", SpotPrice: 0.9, Available: true},
			{ID: "p-hk-cheap", Name: "RTX 4090 24GB", Region: "CN-HK-01", SpotPrice: 0.5, Available: true},
			{ID: "p-hk-gone", Name: "RTX 4090 24GB", Region: "CN-HK-01", SpotPrice: 0.1, Available: false},
		},
	})
	defer srv.Close()

	c := newTestClient(t, srv.URL, 0)
	product, region, err := c.GetOptimalProduct(context.Background(), "RTX 4090 24GB", "CN-HK-01")
	require.NoError(t, err)
	assert.Equal(t, "p-hk-cheap", product.ID, "cheapest available spot offering wins")
	assert.Equal(t, "CN-HK-01", region)
}

func TestGetOptimalProductFallsBackByPriority(t *testing.T) {
	srv := productServer(t, map[string][]productWire{
		"CN-HK-01":  {},
		"AS-SGP-02": {},
		"US-CA-06": {
			{ID: "p-ca", Name: "RTX 4090 24GB", Region: "US-CA-06 (California)", SpotPrice: 0.7, Available: true},
		},
	})
	defer srv.Close()

	c := newTestClient(t, srv.URL, 0)
	product, region, err := c.GetOptimalProduct(context.Background(), "RTX 4090 24GB", "CN-HK-01")
	require.NoError(t, err)
	assert.Equal(t, "p-ca", product.ID)
	assert.Equal(t, "US-CA-06", region)
	assert.Equal(t, "US-CA-06", RegionCode(product.Region))
}

func TestGetOptimalProductPriorityBeatsPrice(t *testing.T) {
	srv := productServer(t, map[string][]productWire{
		"CN-HK-01": {},
		"AS-SGP-02": {
			{ID: "p-sgp", Name: "RTX 4090 24GB", Region: "AS-SGP-02", SpotPrice: 0.6, Available: true},
		},
		"US-CA-06": {
			{ID: "p-ca", Name: "RTX 4090 24GB", Region: "US-CA-06", SpotPrice: 0.4, Available: true},
		},
	})
	defer srv.Close()

	// The first region in priority order with availability wins, even when
	// a later region is cheaper
	c := newTestClient(t, srv.URL, 0)
	product, region, err := c.GetOptimalProduct(context.Background(), "RTX 4090 24GB", "CN-HK-01")
	require.NoError(t, err)
	assert.Equal(t, "p-sgp", product.ID)
	assert.Equal(t, "AS-SGP-02", region)
}

func TestGetOptimalProductExhausted(t *testing.T) {
	srv := productServer(t, map[string][]productWire{})
	defer srv.Close()

	c := newTestClient(t, srv.URL, 0)
	_, _, err := c.GetOptimalProduct(context.Background(), "RTX 4090 24GB", "CN-HK-01")
	assert.True(t, errdefs.IsNotFound(err))
}

func TestRegionCode(t *testing.T) {
	assert.Equal(t, "US-CA-06", RegionCode("US-CA-06 (California)"))
	assert.Equal(t, "US-CA-06", RegionCode("US-CA-06"))
	assert.Equal(t, "", RegionCode(""))
}

func TestRegionOrder(t *testing.T) {
	c := newTestClient(t, "http://unused", 0)

	order := c.regionOrder("AS-SGP-02 (Singapore)")
	assert.Equal(t, []string{"AS-SGP-02", "CN-HK-01", "US-CA-06"}, order)

	// Unknown preferred region is still tried first
	order = c.regionOrder("EU-FRA-01")
	assert.Equal(t, []string{"EU-FRA-01", "CN-HK-01", "AS-SGP-02", "US-CA-06"}, order)
}

func TestListInstancesPagination(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/gpu/instances", r.URL.Path)
		page := r.URL.Query().Get("page")

		var resp instanceListResponse
		resp.Total = 3
		switch page {
		case "1":
			resp.Instances = []Instance{{ID: "u1"}, {ID: "u2"}}
		case "2":
			resp.Instances = []Instance{{ID: "u3"}}
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 0)
	instances, err := c.ListInstances(context.Background(), 2, "")
	require.NoError(t, err)
	require.Len(t, instances, 3)
	assert.Equal(t, "u3", instances[2].ID)
}

func TestGetTemplateAndRegistryAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/template":
			require.Equal(t, "tmpl-1", r.URL.Query().Get("templateId"))
			fmt.Fprint(w, `{"template":{"id":"tmpl-1","image":"registry.example.com/app:v1",
				"imageAuth":"auth-1","ports":[{"port":8888,"type":"http","name":"jupyter"}],
				"envs":[{"key":"MODE","value":"prod"}]}}`)
		case "/v1/repository/auths":
			fmt.Fprint(w, `{"data":[{"id":"auth-1","username":"bot","password":"s3cret"}]}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 0)

	tmpl, err := c.GetTemplate(context.Background(), "tmpl-1")
	require.NoError(t, err)
	assert.Equal(t, "registry.example.com/app:v1", tmpl.ImageURL)
	require.Len(t, tmpl.Ports, 1)
	assert.Equal(t, 8888, tmpl.Ports[0].Port)

	auth, err := c.GetRegistryAuth(context.Background(), "auth-1")
	require.NoError(t, err)
	assert.Equal(t, "bot", auth.Username)

	_, err = c.GetRegistryAuth(context.Background(), "auth-missing")
	assert.True(t, errdefs.IsNotFound(err))
}

func TestMigrateInstance(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/gpu/instance/migrate", r.URL.Path)
		var req instanceIDRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "u-old", req.InstanceID)
		fmt.Fprint(w, `{"success":true,"newInstanceId":"u-new"}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 0)
	result, err := c.MigrateInstance(context.Background(), "u-old")
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "u-new", result.NewInstanceID)
}
