// Package metadata resolves console title ids to display names and artwork
// through the signed title-metadata service, caching results in the catalog.
package metadata

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/tidwall/gjson"
)

// DefaultBaseURL is the title-metadata service root.
const DefaultBaseURL = "http://tmdb.np.dl.playstation.net/tmdb2"

// DefaultTimeout bounds one lookup including retries.
const DefaultTimeout = 10 * time.Second

// maxResponseBytes caps a metadata document.
const maxResponseBytes = 1 << 20

// ErrNoMetadata is returned when the service has no usable entry for a title.
var ErrNoMetadata = errors.New("no metadata")

// signingKey is the fixed key the service expects lookup paths to be
// signed with.
var signingKey = mustDecodeHex("F5DE66D2680E255B2DF79E74F890EBF349262F618BCAE2A9ACCDEE5156CE8DF2CDF2D48C71173CDC2594465B87405D197CF1AED3B7E9671EEB56CA6753C2E6B0")

func mustDecodeHex(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		panic(fmt.Sprintf("metadata: bad signing key: %v", err))
	}
	return b
}

// ///////////////////////////////////////////////
// Signing
// ///////////////////////////////////////////////

// Sign returns the derived lookup id (titleID + "_00") and its uppercase
// hex HMAC-SHA1 digest.
func Sign(titleID string) (ext, digest string) {
	ext = titleID + "_00"
	mac := hmac.New(sha1.New, signingKey)
	mac.Write([]byte(ext))
	return ext, strings.ToUpper(hex.EncodeToString(mac.Sum(nil)))
}

// LookupURL builds the signed metadata URL for titleID under baseURL.
func LookupURL(baseURL, titleID string) string {
	ext, digest := Sign(titleID)
	return fmt.Sprintf("%s/%s_%s/%s.json", strings.TrimRight(baseURL, "/"), ext, digest, ext)
}

// ///////////////////////////////////////////////
// Client
// ///////////////////////////////////////////////

// Info is the display metadata extracted from a service document.
type Info struct {
	Name string
	Icon string
}

// Client fetches title metadata documents.
type Client struct {
	http    *retryablehttp.Client
	baseURL string
	timeout time.Duration
}

// NewClient returns a Client for baseURL. Empty values fall back to
// [DefaultBaseURL] and [DefaultTimeout].
func NewClient(baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	hc := retryablehttp.NewClient()
	hc.RetryMax = 2
	hc.RetryWaitMin = 250 * time.Millisecond
	hc.RetryWaitMax = 2 * time.Second
	hc.HTTPClient.Timeout = timeout
	hc.Logger = nil // errors are logged by the resolver
	return &Client{http: hc, baseURL: baseURL, timeout: timeout}
}

// BaseURL returns the service root the client signs URLs against.
func (c *Client) BaseURL() string { return c.baseURL }

// Fetch looks up titleID. The whole call, retries included, is bounded by
// the client timeout. A document without a name yields [ErrNoMetadata].
func (c *Client) Fetch(ctx context.Context, titleID string) (Info, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	url := LookupURL(c.baseURL, titleID)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Info{}, fmt.Errorf("build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Info{}, fmt.Errorf("GET %s: %w", titleID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusForbidden {
		return Info{}, fmt.Errorf("%w: %s: status %d", ErrNoMetadata, titleID, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return Info{}, fmt.Errorf("GET %s: status %d", titleID, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return Info{}, fmt.Errorf("read %s: %w", titleID, err)
	}
	if len(body) > maxResponseBytes {
		return Info{}, fmt.Errorf("response for %s exceeds %d bytes", titleID, maxResponseBytes)
	}
	return parseInfo(titleID, body)
}

// parseInfo extracts the first name and first icon from a metadata document.
func parseInfo(titleID string, body []byte) (Info, error) {
	if !gjson.ValidBytes(body) {
		return Info{}, fmt.Errorf("%w: %s: malformed document", ErrNoMetadata, titleID)
	}
	name := strings.TrimSpace(gjson.GetBytes(body, "names.0.name").String())
	if name == "" {
		return Info{}, fmt.Errorf("%w: %s: no name", ErrNoMetadata, titleID)
	}
	return Info{
		Name: name,
		Icon: gjson.GetBytes(body, "icons.0.icon").String(),
	}, nil
}
