package tierlock

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/emission-ledger/internal/types"
)

// HTTPOracle implements Oracle against a remote tier-lock service
type HTTPOracle struct {
	baseURL string
	apiKey  string

	// queries are idempotent and retried
	httpClient *http.Client

	// restakes are not retried; a lost response must not lock the same reward twice
	restakeClient *http.Client
}

// HTTPOption customizes an HTTPOracle
type HTTPOption func(*HTTPOracle)

// WithAPIKey sends a bearer token with every request
func WithAPIKey(key string) HTTPOption {
	return func(o *HTTPOracle) { o.apiKey = key }
}

// WithTimeout bounds each HTTP attempt
func WithTimeout(d time.Duration) HTTPOption {
	return func(o *HTTPOracle) {
		o.httpClient.Timeout = d
		o.restakeClient.Timeout = d
	}
}

// NewHTTPOracle creates a client for the service at baseURL
func NewHTTPOracle(baseURL string, opts ...HTTPOption) *HTTPOracle {
	retryClient := newRetryClient()
	o := &HTTPOracle{
		baseURL:       strings.TrimRight(baseURL, "/"),
		httpClient:    retryClient.StandardClient(),
		restakeClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// newRetryClient creates a new HTTP client with retry capabilities
func newRetryClient() *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.RetryMax = 3
	c.RetryWaitMin = 500 * time.Millisecond
	c.RetryWaitMax = 3 * time.Second
	c.Logger = nil
	return c
}

// GetTier implements Oracle
func (o *HTTPOracle) GetTier(ctx context.Context, owner common.Address) (types.Tier, *uint256.Int, error) {
	var resp tierResponse
	if err := o.do(ctx, o.httpClient, http.MethodGet, "/v1/tiers/"+owner.Hex(), nil, &resp); err != nil {
		return 0, nil, err
	}
	amount, err := types.ParseAmount(resp.Amount)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: bad locked amount: %v", types.ErrOracleUnavailable, err)
	}
	return resp.Tier, amount, nil
}

// IntervalsOverlapping implements Oracle
func (o *HTTPOracle) IntervalsOverlapping(ctx context.Context, owner common.Address, fromBlock, toBlock uint64) ([]types.TierInterval, error) {
	q := url.Values{}
	q.Set("from", strconv.FormatUint(fromBlock, 10))
	q.Set("to", strconv.FormatUint(toBlock, 10))

	var resp intervalsResponse
	path := "/v1/tiers/" + owner.Hex() + "/intervals?" + q.Encode()
	if err := o.do(ctx, o.httpClient, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}

	logrus.Debugf("Received %d tier intervals for %s", len(resp.Intervals), owner.Hex())
	return fromWire(resp.Intervals), nil
}

// NotifyAutoRestake implements Oracle
func (o *HTTPOracle) NotifyAutoRestake(ctx context.Context, owner common.Address, amount *uint256.Int) (*uint256.Int, error) {
	body, err := json.Marshal(restakeRequest{Owner: owner.Hex(), Amount: amount.Dec()})
	if err != nil {
		return nil, fmt.Errorf("error encoding restake request: %w", err)
	}

	var resp restakeResponse
	if err := o.do(ctx, o.restakeClient, http.MethodPost, "/v1/restake", body, &resp); err != nil {
		return nil, err
	}
	locked, err := types.ParseAmount(resp.Locked)
	if err != nil {
		return nil, fmt.Errorf("%w: bad locked amount: %v", types.ErrOracleUnavailable, err)
	}
	return locked, nil
}

func (o *HTTPOracle) do(ctx context.Context, client *http.Client, method, path string, body []byte, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, o.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("error creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if o.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+o.apiKey)
	}

	logrus.Debugf("Querying tier-lock oracle: %s %s", method, path)
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", types.ErrOracleUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%w: status %d, body: %s", types.ErrOracleUnavailable, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: error decoding response: %v", types.ErrOracleUnavailable, err)
	}
	return nil
}
