package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
)

const defaultUserAgent = "tabsync/1.0"

type ClientOptions struct {
	BaseURL string
	// Token is sent as a bearer credential when non-empty.
	Token     string
	Header    map[string]string
	UserAgent string
	// HTTPClient defaults to a client without a global timeout; every call
	// is bounded by its context instead.
	HTTPClient *http.Client
}

// Client issues authenticated JSON GETs against one base URL.
type Client struct {
	base   *url.URL
	token  string
	header http.Header
	http   *http.Client
}

func NewClient(opts ClientOptions) (*Client, error) {
	raw := strings.TrimSpace(opts.BaseURL)
	if raw == "" {
		return nil, fmt.Errorf("base url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("base url %q must be absolute", raw)
	}

	h := http.Header{}
	for k, v := range opts.Header {
		h.Set(k, v)
	}
	ua := opts.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	h.Set("User-Agent", ua)
	h.Set("Accept", "application/json")
	if opts.Token != "" {
		h.Set("Authorization", "Bearer "+opts.Token)
	}

	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	return &Client{base: u, token: opts.Token, header: h, http: hc}, nil
}

func (c *Client) resolve(p string, q url.Values) *url.URL {
	u := *c.base
	if p != "" {
		u.Path = path.Join("/", u.Path, p)
	}
	merged := u.Query()
	for k, vs := range q {
		merged[k] = vs
	}
	u.RawQuery = merged.Encode()
	return &u
}

// GetJSON fetches path with query q and decodes the body into out. Numbers
// decode as json.Number so integer ids keep their precision.
func (c *Client) GetJSON(ctx context.Context, p string, q url.Values, out any) error {
	u := c.resolve(p, q)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	req.Header = c.header.Clone()

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s: %w", u.Path, err)
	}
	if resp.StatusCode/100 != 2 {
		return &HTTPError{
			Op:         "GET " + u.Path,
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Snippet:    snippet(b, c.token),
		}
	}

	// 204 and other empty bodies leave out untouched
	if len(bytes.TrimSpace(b)) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", u.Path, err)
	}
	return nil
}
