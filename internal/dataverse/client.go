// Package dataverse is a client for the parts of the Dataverse native API
// needed to deposit and retrieve files of a single dataset.
package dataverse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/torfstack/annex-dataverse/internal/logging"
	"google.golang.org/api/googleapi"
)

// RetryPolicy bounds the exponential backoff applied to transient failures.
type RetryPolicy struct {
	MaxRetries     uint64
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:     5,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     8 * time.Second,
	}
}

func (p RetryPolicy) backoff() retry.Backoff {
	b := retry.NewExponential(p.InitialBackoff)
	b = retry.WithCappedDuration(p.MaxBackoff, b)
	b = retry.WithMaxRetries(p.MaxRetries, b)
	return retry.WithJitterPercent(10, b)
}

type Client struct {
	baseURL string
	http    *http.Client
	retry   RetryPolicy
}

// NewClient expects an http.Client that already authenticates its requests.
func NewClient(baseURL string, httpClient *http.Client, policy RetryPolicy) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if policy.InitialBackoff <= 0 {
		policy.InitialBackoff = DefaultRetryPolicy().InitialBackoff
	}
	if policy.MaxBackoff < policy.InitialBackoff {
		policy.MaxBackoff = policy.InitialBackoff
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		retry:   policy,
	}
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

type request struct {
	method string
	path   string
	query  url.Values
	// body is called once per attempt
	body func() (io.ReadCloser, string, error)
}

func (r request) op() string {
	return r.method + " " + r.path
}

// do sends the request, retrying transient failures. On success the caller
// owns the response body.
func (c *Client) do(ctx context.Context, req request) (*http.Response, error) {
	u := c.baseURL + req.path
	if len(req.query) > 0 {
		u += "?" + req.query.Encode()
	}

	var (
		res       *http.Response
		attempts  int
		transient bool
	)
	err := retry.Do(ctx, c.retry.backoff(), func(ctx context.Context) error {
		attempts++
		transient = false

		var body io.ReadCloser
		var contentType string
		if req.body != nil {
			var err error
			body, contentType, err = req.body()
			if err != nil {
				return fmt.Errorf("could not prepare request body: %w", err)
			}
			// the transport may close the body asynchronously; the next
			// attempt rewinds the content only after this returned
			defer func() {
				_ = body.Close()
			}()
		}
		httpReq, err := http.NewRequestWithContext(ctx, req.method, u, body)
		if err != nil {
			return fmt.Errorf("could not create request: %w", err)
		}
		if contentType != "" {
			httpReq.Header.Set("Content-Type", contentType)
		}

		logging.Debugf("%s (attempt %d)", req.op(), attempts)
		r, err := c.http.Do(httpReq)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			transient = true
			return retry.RetryableError(err)
		}
		if err = googleapi.CheckResponse(r); err != nil {
			_ = r.Body.Close()
			var gerr *googleapi.Error
			if !errors.As(err, &gerr) {
				return err
			}
			classified, retryable := classify(gerr)
			if retryable {
				transient = true
				logging.Debugf("%s: %s, retrying", req.op(), classified)
				return retry.RetryableError(classified)
			}
			return classified
		}
		res = r
		return nil
	})
	if err != nil {
		if transient {
			return nil, &TransferError{Op: req.op(), Attempts: attempts, Err: err}
		}
		return nil, err
	}
	return res, nil
}

// envelope is the {"status": "OK", "data": ...} wrapper of native API responses.
type envelope struct {
	Status     string          `json:"status"`
	Message    string          `json:"message"`
	Data       json.RawMessage `json:"data"`
	TotalCount *int            `json:"totalCount"`
}

func (c *Client) doJSON(ctx context.Context, req request, data any) (envelope, error) {
	res, err := c.do(ctx, req)
	if err != nil {
		return envelope{}, err
	}
	defer func() {
		_ = res.Body.Close()
	}()

	var env envelope
	if err = json.NewDecoder(res.Body).Decode(&env); err != nil {
		return envelope{}, fmt.Errorf("could not decode response of %s: %w", req.op(), err)
	}
	if env.Status != "" && env.Status != "OK" {
		return envelope{}, &APIError{Status: res.StatusCode, Message: env.Message}
	}
	if data != nil && len(env.Data) > 0 {
		if err = json.Unmarshal(env.Data, data); err != nil {
			return envelope{}, fmt.Errorf("could not decode data of %s: %w", req.op(), err)
		}
	}
	return env, nil
}

func pidQuery(pid string) url.Values {
	return url.Values{"persistentId": []string{pid}}
}
