package grrapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

const (
	apiPrefix      = "/api/v2"
	csrfCookieName = "csrftoken"
	csrfHeaderName = "X-CSRFToken"
)

var xssiPrefix = []byte(")]}'")

type Options struct {
	BaseURL  string
	Username string
	Password string
	Timeout  time.Duration
}

// Client talks to the GRR HTTP API.
type Client struct {
	baseURL  string
	username string
	password string
	client   *http.Client
	csrfMu   sync.Mutex
}

func NewClient(options Options) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(options.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("grr server url is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, errors.Wrapf(err, "parse grr server url %q", baseURL)
	}
	timeout := options.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, errors.Wrap(err, "create cookie jar")
	}
	return &Client{
		baseURL:  baseURL,
		username: options.Username,
		password: options.Password,
		client:   &http.Client{Timeout: timeout, Jar: jar},
	}, nil
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) doJSON(ctx context.Context, method string, path string, query map[string]string, body any, out any) error {
	response, err := c.do(ctx, method, path, query, body)
	if err != nil {
		return err
	}
	defer response.Body.Close()
	if out == nil {
		return nil
	}
	payload, err := io.ReadAll(response.Body)
	if err != nil {
		return &transportError{err: errors.Wrapf(err, "read %s", path)}
	}
	if err := jsonUnmarshal(stripXSSI(payload), out); err != nil {
		return errors.Wrapf(err, "decode %s", path)
	}
	return nil
}

func (c *Client) doStream(ctx context.Context, path string, query map[string]string, w io.Writer) (int64, error) {
	response, err := c.do(ctx, http.MethodGet, path, query, nil)
	if err != nil {
		return 0, err
	}
	defer response.Body.Close()
	written, err := io.Copy(w, response.Body)
	if err != nil {
		return written, &transportError{err: errors.Wrapf(err, "download %s", path)}
	}
	return written, nil
}

func (c *Client) do(ctx context.Context, method string, path string, query map[string]string, body any) (*http.Response, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	parsed, err := url.Parse(c.baseURL + path)
	if err != nil {
		return nil, errors.Wrapf(err, "parse url %s", path)
	}
	if len(query) > 0 {
		values := parsed.Query()
		for key, value := range query {
			values.Set(key, value)
		}
		parsed.RawQuery = values.Encode()
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, errors.Wrap(err, "encode request")
		}
		reader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequestWithContext(ctx, method, parsed.String(), reader)
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	request.Header.Set("Accept", "application/json")
	if c.username != "" {
		request.SetBasicAuth(c.username, c.password)
	}
	if method != http.MethodGet {
		request.Header.Set("Content-Type", "application/json")
		token, err := c.csrfToken(ctx)
		if err != nil {
			return nil, err
		}
		if token != "" {
			request.Header.Set(csrfHeaderName, token)
		}
	}

	response, err := c.client.Do(request)
	if err != nil {
		return nil, &transportError{err: errors.Wrapf(err, "%s %s", method, path)}
	}
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		defer response.Body.Close()
		payload, _ := io.ReadAll(io.LimitReader(response.Body, 4096))
		return nil, errors.WithMessagef(decodeStatusError(response.StatusCode, payload), "%s %s", method, path)
	}
	return response, nil
}

// csrfToken returns the CSRF cookie value, fetching the index page once to obtain it.
func (c *Client) csrfToken(ctx context.Context) (string, error) {
	c.csrfMu.Lock()
	defer c.csrfMu.Unlock()
	base, err := url.Parse(c.baseURL + "/")
	if err != nil {
		return "", errors.Wrap(err, "parse base url")
	}
	if token := c.cookie(base); token != "" {
		return token, nil
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, base.String(), nil)
	if err != nil {
		return "", errors.Wrap(err, "build csrf request")
	}
	if c.username != "" {
		request.SetBasicAuth(c.username, c.password)
	}
	response, err := c.client.Do(request)
	if err != nil {
		return "", &transportError{err: errors.Wrap(err, "fetch csrf token")}
	}
	_, _ = io.Copy(io.Discard, response.Body)
	response.Body.Close()
	if response.StatusCode == http.StatusUnauthorized || response.StatusCode == http.StatusForbidden {
		return "", errors.WithMessage(&StatusError{Status: response.StatusCode, Message: "authentication failed"}, "fetch csrf token")
	}
	return c.cookie(base), nil
}

func (c *Client) cookie(base *url.URL) string {
	for _, cookie := range c.client.Jar.Cookies(base) {
		if cookie.Name == csrfCookieName {
			return cookie.Value
		}
	}
	return ""
}

func stripXSSI(payload []byte) []byte {
	trimmed := bytes.TrimLeft(payload, " \t\r\n")
	if bytes.HasPrefix(trimmed, xssiPrefix) {
		return trimmed[len(xssiPrefix):]
	}
	return payload
}

func jsonUnmarshal(payload []byte, out any) error {
	if len(bytes.TrimSpace(payload)) == 0 {
		return errors.New("empty response")
	}
	return json.Unmarshal(payload, out)
}
