// Package api implements the bya agent API client: the HTTP surface a
// worker uses to register, check in, and report run status/log output
// to a bya server. The shape follows the Buildkite Agent API client
// this codebase was bootstrapped from.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"reflect"
	"strings"
	"time"

	"github.com/google/go-querystring/query"

	"github.com/bya-build/bya/internal/agenthttp"
	"github.com/bya-build/bya/logger"
)

const (
	defaultEndpoint  = "http://127.0.0.1:8004/api/v1"
	defaultUserAgent = "bya-agent/api"
)

// Config is configuration for the API Client.
type Config struct {
	// Endpoint for API requests. A trailing slash is optional; request
	// paths are joined onto it.
	Endpoint string

	// The authentication token (a Host's api_key) to use.
	Token string

	// User agent used when communicating with the server.
	UserAgent string

	// If true, requests and responses are dumped to the logger.
	DebugHTTP bool

	// The http client used, leave nil for the default.
	HTTPClient *http.Client

	// HTTP client timeout; zero to use the agenthttp default.
	Timeout time.Duration
}

// A Client manages communication with the bya server's agent API.
type Client struct {
	conf   Config
	client *http.Client
	logger logger.Logger

	Hosts *HostsService
	Runs  *RunsService
}

// NewClient returns a new bya agent API Client.
func NewClient(l logger.Logger, conf Config) *Client {
	if conf.Endpoint == "" {
		conf.Endpoint = defaultEndpoint
	}
	if conf.UserAgent == "" {
		conf.UserAgent = defaultUserAgent
	}

	if conf.HTTPClient != nil {
		c := &Client{logger: l, client: conf.HTTPClient, conf: conf}
		c.Hosts = &HostsService{client: c}
		c.Runs = &RunsService{client: c}
		return c
	}

	opts := []agenthttp.ClientOption{agenthttp.WithAuthToken(conf.Token)}
	if conf.Timeout != 0 {
		opts = append(opts, agenthttp.WithTimeout(conf.Timeout))
	}

	c := &Client{
		logger: l,
		client: agenthttp.NewClient(opts...),
		conf:   conf,
	}
	c.Hosts = &HostsService{client: c}
	c.Runs = &RunsService{client: c}
	return c
}

// New returns a copy of the Client using the given Config.
func (c *Client) New(conf Config) *Client {
	return NewClient(c.logger, conf)
}

// Config returns the internal configuration for the Client.
func (c *Client) Config() Config { return c.conf }

// Header is a single name/value HTTP header to attach to a request.
type Header struct {
	Name  string
	Value string
}

func (c *Client) newRequest(ctx context.Context, method, urlStr string, body any, headers ...Header) (*http.Request, error) {
	u := joinURLPath(c.conf.Endpoint, urlStr)

	buf := new(bytes.Buffer)
	if body != nil {
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, u, buf)
	if err != nil {
		return nil, err
	}

	req.Header.Add("User-Agent", c.conf.UserAgent)
	if body != nil {
		req.Header.Add("Content-Type", "application/json")
	}
	for _, h := range headers {
		req.Header.Add(h.Name, h.Value)
	}

	return req, nil
}

// newRawRequest is used for the log-append endpoint, which accepts a
// text/plain body rather than JSON.
func (c *Client) newRawRequest(ctx context.Context, method, urlStr string, body []byte, headers ...Header) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, joinURLPath(c.conf.Endpoint, urlStr), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Add("User-Agent", c.conf.UserAgent)
	req.Header.Add("Content-Type", "text/plain")
	for _, h := range headers {
		req.Header.Add(h.Name, h.Value)
	}
	return req, nil
}

// Response wraps the standard http.Response.
type Response struct {
	*http.Response
}

func (c *Client) doRequest(req *http.Request, v any) (*Response, error) {
	resp, err := agenthttp.Do(c.logger, c.client, req, agenthttp.WithDebugHTTP(c.conf.DebugHTTP))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()              //nolint:errcheck
	defer io.Copy(io.Discard, resp.Body) //nolint:errcheck

	response := &Response{Response: resp}

	if err := checkResponse(resp); err != nil {
		return response, err
	}

	if v != nil {
		if w, ok := v.(io.Writer); ok {
			if _, err := io.Copy(w, resp.Body); err != nil {
				return response, fmt.Errorf("copying response into %T: %w", w, err)
			}
		} else if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			return response, fmt.Errorf("decoding JSON response: %w", err)
		}
	}

	return response, nil
}

// ErrorResponse is returned whenever the server responds with a
// non-2xx status.
type ErrorResponse struct {
	Response *http.Response
	Message  string `json:"message"`
}

func (r *ErrorResponse) Error() string {
	s := fmt.Sprintf("%v %v: %s", r.Response.Request.Method, r.Response.Request.URL, r.Response.Status)
	if r.Message != "" {
		s = fmt.Sprintf("%s: %v", s, r.Message)
	}
	return s
}

// IsErrHavingStatus reports whether err is an *ErrorResponse carrying the given HTTP status code.
func IsErrHavingStatus(err error, code int) bool {
	var apierr *ErrorResponse
	return errors.As(err, &apierr) && apierr.Response.StatusCode == code
}

func checkResponse(r *http.Response) error {
	if c := r.StatusCode; 200 <= c && c <= 299 {
		return nil
	}
	errorResponse := &ErrorResponse{Response: r}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return errorResponse
	}
	json.Unmarshal(data, errorResponse) //nolint:errcheck
	return errorResponse
}

func addOptions(s string, opt any) (string, error) {
	v := reflect.ValueOf(opt)
	if v.Kind() == reflect.Pointer && v.IsNil() {
		return s, nil
	}

	u, err := url.Parse(s)
	if err != nil {
		return s, err
	}

	qs, err := query.Values(opt)
	if err != nil {
		return s, err
	}

	u.RawQuery = qs.Encode()
	return u.String(), nil
}

func joinURLPath(endpoint, path string) string {
	return strings.TrimRight(endpoint, "/") + "/" + strings.TrimLeft(path, "/")
}
