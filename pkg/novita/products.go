package novita

import (
	"context"
	"net/url"
	"sort"
	"strings"

	"github.com/paddock-io/paddock/pkg/errdefs"
	"github.com/paddock-io/paddock/pkg/types"
)

type productListResponse struct {
	Data []productWire `json:"data"`
}

type productWire struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	Region        string  `json:"region"`
	ClusterID     string  `json:"clusterId"`
	SpotPrice     float64 `json:"spotPrice"`
	OnDemandPrice float64 `json:"price"`
	Available     bool    `json:"availableDeploy"`
}

func (p productWire) toProduct() *types.Product {
	return &types.Product{
		ID:            p.ID,
		Name:          p.Name,
		Region:        p.Region,
		ClusterID:     p.ClusterID,
		SpotPrice:     p.SpotPrice,
		OnDemandPrice: p.OnDemandPrice,
		Available:     p.Available,
	}
}

// RegionCode normalizes a region string to its code: everything up to the
// first space. Upstream sometimes decorates regions with a display suffix,
// "US-CA-06 (California)" and "US-CA-06" identify the same region.
func RegionCode(region string) string {
	if i := strings.IndexByte(region, ' '); i >= 0 {
		return region[:i]
	}
	return region
}

// ListProducts returns the products matching name in region. Either filter
// may be empty.
func (c *Client) ListProducts(ctx context.Context, name, region string) ([]*types.Product, error) {
	query := url.Values{}
	if name != "" {
		query.Set("productName", name)
	}
	if region != "" {
		query.Set("region", RegionCode(region))
	}

	var resp productListResponse
	if err := c.do(ctx, "GET", "/v1/products", query, nil, &resp); err != nil {
		return nil, err
	}

	products := make([]*types.Product, 0, len(resp.Data))
	for _, w := range resp.Data {
		products = append(products, w.toProduct())
	}
	return products, nil
}

// GetOptimalProduct resolves a product name to a concrete purchasable SKU
// and reports which region satisfied it. The preferred region is tried
// first, then the remaining configured regions in priority order. Within a
// region the cheapest available spot offering wins. Exhausting all regions
// is a not-found error.
func (c *Client) GetOptimalProduct(ctx context.Context, name, preferredRegion string) (*types.Product, string, error) {
	var lastErr error
	for _, region := range c.regionOrder(preferredRegion) {
		products, err := c.ListProducts(ctx, name, region)
		if err != nil {
			// Keep trying other regions on upstream trouble
			lastErr = err
			c.logger.Warn().Err(err).Str("region", region).Str("product", name).
				Msg("product lookup failed, trying next region")
			continue
		}

		best := pickCheapestAvailable(products, name, region)
		if best != nil {
			return best, region, nil
		}
	}

	if lastErr != nil {
		return nil, "", lastErr
	}
	return nil, "", errdefs.NotFoundf("no available product %q in any configured region", name)
}

// regionOrder returns the configured region codes with preferred first,
// the rest sorted by ascending priority
func (c *Client) regionOrder(preferred string) []string {
	preferred = RegionCode(preferred)

	rest := make([]types.Region, 0, len(c.regions))
	for _, r := range c.regions {
		if RegionCode(r.Code) != preferred {
			rest = append(rest, r)
		}
	}
	sort.SliceStable(rest, func(i, j int) bool { return rest[i].Priority < rest[j].Priority })

	order := make([]string, 0, len(rest)+1)
	if preferred != "" {
		order = append(order, preferred)
	}
	for _, r := range rest {
		order = append(order, RegionCode(r.Code))
	}
	return order
}

func pickCheapestAvailable(products []*types.Product, name, region string) *types.Product {
	var best *types.Product
	for _, p := range products {
		if !p.Available || p.Name != name {
			continue
		}
		if RegionCode(p.Region) != RegionCode(region) {
			continue
		}
		if best == nil || p.SpotPrice < best.SpotPrice {
			best = p
		}
	}
	return best
}
