// Package openfda provides a client for the openFDA NDC directory.
package openfda

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/drfirst/go-ndc/pkg/retry"
)

// DefaultBaseURL is the public openFDA endpoint
const DefaultBaseURL = "https://api.fda.gov"

// MaxLimit is the largest page openFDA serves
const MaxLimit = 100

// Packaging is one package of a product
type Packaging struct {
	PackageCode        string `json:"package_ndc"`
	Description        string `json:"description"`
	MarketingStartDate string `json:"marketing_start_date,omitempty"`
	MarketingEndDate   string `json:"marketing_end_date,omitempty"`
}

// ActiveIngredient as labelled on the product
type ActiveIngredient struct {
	Name     string `json:"name"`
	Strength string `json:"strength"`
}

// Product is one NDC directory product
type Product struct {
	ProductCode       string             `json:"product_ndc"`
	GenericName       string             `json:"generic_name"`
	BrandName         string             `json:"brand_name,omitempty"`
	DosageForm        string             `json:"dosage_form"`
	Route             []string           `json:"route"`
	ActiveIngredients []ActiveIngredient `json:"active_ingredients"`
	Packaging         []Packaging        `json:"packaging"`
	Labeler           string             `json:"labeler_name"`
	ProductType       string             `json:"product_type"`
	ApplicationNumber string             `json:"application_number,omitempty"`
	ListingExpiration string             `json:"listing_expiration_date,omitempty"`
}

// SearchResult is one page of products
type SearchResult struct {
	Results []Product
	Total   int
	Skip    int
	Limit   int
}

// Client talks to openFDA through the resilient caller.
type Client struct {
	baseURL string
	apiKey  string
	caller  *retry.Caller
	logger  *zap.Logger
}

// NewClient creates a new openFDA client
func NewClient(baseURL, apiKey string, caller *retry.Caller, logger *zap.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		caller:  caller,
		logger:  logger,
	}
}

// SearchByIdentity returns products cross-referenced to an RxCUI.
// openFDA answers 404 when nothing matches; that is an empty page, not an error.
func (c *Client) SearchByIdentity(ctx context.Context, id string, limit, skip int) (*SearchResult, error) {
	if limit <= 0 || limit > MaxLimit {
		limit = MaxLimit
	}
	if skip < 0 {
		skip = 0
	}

	q := url.Values{}
	q.Set("search", fmt.Sprintf("openfda.rxcui:%q", id))
	q.Set("limit", strconv.Itoa(limit))
	if skip > 0 {
		q.Set("skip", strconv.Itoa(skip))
	}
	if c.apiKey != "" {
		q.Set("api_key", c.apiKey)
	}

	resp, err := c.caller.Get(ctx, c.baseURL+"/drug/ndc.json?"+q.Encode(), nil)
	if err != nil {
		if retry.IsNotFound(err) {
			c.logger.Debug("no ndc products for rxcui", zap.String("rxcui", id))
			return &SearchResult{Skip: skip, Limit: limit}, nil
		}
		return nil, err
	}

	var body struct {
		Meta struct {
			Results struct {
				Skip  int `json:"skip"`
				Limit int `json:"limit"`
				Total int `json:"total"`
			} `json:"results"`
		} `json:"meta"`
		Results []Product `json:"results"`
	}
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return nil, fmt.Errorf("openfda: decode ndc search: %w", err)
	}

	return &SearchResult{
		Results: body.Results,
		Total:   body.Meta.Results.Total,
		Skip:    skip,
		Limit:   limit,
	}, nil
}
