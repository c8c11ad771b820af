package nodes

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"go.uber.org/zap"

	"github.com/BaSui01/geoflow/engine"
	"github.com/BaSui01/geoflow/types"
)

// TypeHTTPSource is the registered type name of the HTTP feature source.
const TypeHTTPSource = "http.source"

const (
	defaultPageSize = 1000
	maxResponseSize = 256 << 20 // 256 MiB per page
)

// HTTPSource fetches GeoJSON feature collections from an OGC API - Features
// style endpoint, paging with limit/offset until the service is drained.
// It is a batch node: a failed page is retryable because nothing downstream
// has seen partial output.
//
// Parameters:
//
//	url           endpoint returning a GeoJSON FeatureCollection (required)
//	page_size     features requested per page (default 1000)
//	max_features  stop after this many features, 0 = unbounded
//	headers       extra request headers, e.g. an API key
type HTTPSource struct {
	engine.BatchBase

	client *http.Client
	logger *zap.Logger
}

// NewHTTPSource builds an HTTP feature source. client may be nil, in which
// case http.DefaultClient is used; per-attempt deadlines come from the
// request context the engine supplies.
func NewHTTPSource(client *http.Client, logger *zap.Logger) *HTTPSource {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPSource{client: client, logger: logger.With(zap.String("node_type", TypeHTTPSource))}
}

// ExecuteBatch pages through the endpoint and flattens every feature into a
// record: the feature properties plus "geometry" and, when present,
// "feature_id". Upstream input is ignored; sources start pipelines.
func (s *HTTPSource) ExecuteBatch(ctx context.Context, _ []types.Record, params map[string]any) ([]types.Record, error) {
	endpoint, err := requiredString(params, "url")
	if err != nil {
		return nil, err
	}
	if _, err := url.ParseRequestURI(endpoint); err != nil {
		return nil, fmt.Errorf("node misconfigured: parameter \"url\": %w", err)
	}
	pageSize, err := optionalInt(params, "page_size", defaultPageSize)
	if err != nil {
		return nil, err
	}
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	maxFeatures, err := optionalInt(params, "max_features", 0)
	if err != nil {
		return nil, err
	}
	headers, err := optionalStringMap(params, "headers")
	if err != nil {
		return nil, err
	}

	var out []types.Record
	offset := 0
	for {
		limit := pageSize
		if maxFeatures > 0 && maxFeatures-len(out) < limit {
			limit = maxFeatures - len(out)
		}

		fc, err := s.fetchPage(ctx, endpoint, headers, limit, offset)
		if err != nil {
			return nil, err
		}
		for _, f := range fc.Features {
			out = append(out, flattenFeature(f))
		}

		s.logger.Debug("fetched feature page",
			zap.String("url", endpoint),
			zap.Int("offset", offset),
			zap.Int("page_features", len(fc.Features)),
			zap.Int("total_features", len(out)))

		if len(fc.Features) < limit {
			return out, nil
		}
		if maxFeatures > 0 && len(out) >= maxFeatures {
			return out[:maxFeatures], nil
		}
		offset += len(fc.Features)
	}
}

func (s *HTTPSource) fetchPage(ctx context.Context, endpoint string, headers map[string]string, limit, offset int) (*featureCollection, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("node misconfigured: parameter \"url\": %w", err)
	}
	q := u.Query()
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/geo+json, application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", u.Host, err)
	}
	defer resp.Body.Close()

	if err := statusError(resp.StatusCode, u.Host); err != nil {
		return nil, err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("read response from %s: %w", u.Host, err)
	}

	var fc featureCollection
	if err := json.Unmarshal(body, &fc); err != nil {
		return nil, fmt.Errorf("malformed response from %s: %w", u.Host, err)
	}
	if fc.Type != "FeatureCollection" {
		return nil, fmt.Errorf("malformed response from %s: expected FeatureCollection, got %q", u.Host, fc.Type)
	}
	return &fc, nil
}

// statusError maps HTTP status codes to error messages whose wording drives
// categorization: rate limits are resource pressure, auth failures are
// configuration, 5xx is the upstream's fault.
func statusError(code int, host string) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests:
		return fmt.Errorf("fetch %s: rate limit exceeded (429)", host)
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("fetch %s: unauthorized (%d), check credentials", host, code)
	case code >= 500:
		return fmt.Errorf("fetch %s: upstream server error (%d)", host, code)
	default:
		return fmt.Errorf("fetch %s: unexpected status %d", host, code)
	}
}

type featureCollection struct {
	Type     string    `json:"type"`
	Features []feature `json:"features"`
}

type feature struct {
	Type       string         `json:"type"`
	ID         any            `json:"id,omitempty"`
	Geometry   map[string]any `json:"geometry"`
	Properties map[string]any `json:"properties"`
}

func flattenFeature(f feature) types.Record {
	rec := make(types.Record, len(f.Properties)+2)
	for k, v := range f.Properties {
		rec[k] = v
	}
	if f.Geometry != nil {
		rec["geometry"] = f.Geometry
	}
	if f.ID != nil {
		rec["feature_id"] = f.ID
	}
	return rec
}
