// Package platform reads merchant, location and catalog data from the commerce
// platform on behalf of an authenticated merchant. All calls go through the
// gateway and therefore share its rate limits, retries and response cache.
package platform

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/fuomag9/square-bridge/internal/apierror"
	"github.com/fuomag9/square-bridge/internal/gateway"
	"github.com/fuomag9/square-bridge/internal/logger"
	"github.com/fuomag9/square-bridge/internal/oauth"
)

// Rate-limit categories
const (
	CategoryMerchant  = "merchant"
	CategoryLocations = "locations"
	CategoryCatalog   = "catalog"
)

// Merchant is the subset of the merchant profile the app uses.
type Merchant struct {
	ID             string `json:"id"`
	BusinessName   string `json:"business_name"`
	Country        string `json:"country,omitempty"`
	LanguageCode   string `json:"language_code,omitempty"`
	Currency       string `json:"currency,omitempty"`
	Status         string `json:"status,omitempty"`
	MainLocationID string `json:"main_location_id,omitempty"`
}

// Location is a merchant location.
type Location struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Status       string   `json:"status,omitempty"`
	Timezone     string   `json:"timezone,omitempty"`
	Currency     string   `json:"currency,omitempty"`
	BusinessName string   `json:"business_name,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// CatalogPage is one page of catalog objects. Objects are passed through
// unmodified.
type CatalogPage struct {
	Objects []json.RawMessage `json:"objects"`
	Cursor  string            `json:"cursor,omitempty"`
}

// Client is the platform API client.
type Client struct {
	gateway *gateway.Gateway
	logger  *zap.Logger
}

// NewClient creates a Client over gw.
func NewClient(gw *gateway.Gateway, log *zap.Logger) *Client {
	return &Client{gateway: gw, logger: logger.OrNop(log)}
}

func requireToken(accessToken string) error {
	if strings.TrimSpace(accessToken) == "" {
		return apierror.New(apierror.KindAuthentication, "access token is required")
	}
	return nil
}

// RetrieveMerchant returns the merchant that owns accessToken.
func (c *Client) RetrieveMerchant(ctx context.Context, accessToken string) (*Merchant, error) {
	if err := requireToken(accessToken); err != nil {
		return nil, err
	}

	body, err := c.gateway.Do(ctx, gateway.Request{
		Method:        http.MethodGet,
		Path:          "/v2/merchants/me",
		BearerToken:   accessToken,
		Category:      CategoryMerchant,
		CacheCategory: gateway.CategoryMerchantInfo,
	})
	if err != nil {
		return nil, err
	}

	var resp struct {
		Merchant Merchant `json:"merchant"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, apierror.Wrap(apierror.KindUnknown, err, "malformed merchant response")
	}
	if resp.Merchant.ID == "" {
		return nil, apierror.New(apierror.KindNotFound, "merchant not found")
	}
	return &resp.Merchant, nil
}

// ResolveMerchant implements oauth.MerchantResolver
func (c *Client) ResolveMerchant(ctx context.Context, accessToken string) (*oauth.Merchant, error) {
	m, err := c.RetrieveMerchant(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	return &oauth.Merchant{ID: m.ID, BusinessName: m.BusinessName}, nil
}

// ListLocations returns all locations of the merchant.
func (c *Client) ListLocations(ctx context.Context, accessToken string) ([]Location, error) {
	if err := requireToken(accessToken); err != nil {
		return nil, err
	}

	body, err := c.gateway.Do(ctx, gateway.Request{
		Method:        http.MethodGet,
		Path:          "/v2/locations",
		BearerToken:   accessToken,
		Category:      CategoryLocations,
		CacheCategory: gateway.CategoryLocations,
	})
	if err != nil {
		return nil, err
	}

	var resp struct {
		Locations []Location `json:"locations"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, apierror.Wrap(apierror.KindUnknown, err, "malformed locations response")
	}
	if resp.Locations == nil {
		resp.Locations = []Location{}
	}
	return resp.Locations, nil
}

// ListCatalog returns one page of catalog objects, optionally filtered by
// comma-separated object types. Category-only listings are cached longer.
func (c *Client) ListCatalog(ctx context.Context, accessToken string, types []string, cursor string) (*CatalogPage, error) {
	if err := requireToken(accessToken); err != nil {
		return nil, err
	}

	query := url.Values{}
	normalized := make([]string, 0, len(types))
	for _, t := range types {
		if t = strings.ToUpper(strings.TrimSpace(t)); t != "" {
			normalized = append(normalized, t)
		}
	}
	if len(normalized) > 0 {
		query.Set("types", strings.Join(normalized, ","))
	}
	if cursor != "" {
		query.Set("cursor", cursor)
	}

	cacheCategory := gateway.CategoryCatalogItems
	if len(normalized) == 1 && normalized[0] == "CATEGORY" {
		cacheCategory = gateway.CategoryCatalogCategories
	}

	body, err := c.gateway.Do(ctx, gateway.Request{
		Method:        http.MethodGet,
		Path:          "/v2/catalog/list",
		Query:         query,
		BearerToken:   accessToken,
		Category:      CategoryCatalog,
		CacheCategory: cacheCategory,
	})
	if err != nil {
		return nil, err
	}

	var page CatalogPage
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, apierror.Wrap(apierror.KindUnknown, err, "malformed catalog response")
	}
	if page.Objects == nil {
		page.Objects = []json.RawMessage{}
	}
	c.logger.Debug("catalog page fetched",
		zap.Int("objects", len(page.Objects)),
		zap.Bool("has_more", page.Cursor != ""),
	)
	return &page, nil
}
