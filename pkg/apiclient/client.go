package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Client translates each characteristic's logical operation into one
// HTTP call against the configuration API. One instance is shared
// across all characteristics for the lifetime of the gateway; the
// underlying http.Client is created lazily on first use.
type Client struct {
	baseURL string
	timeout time.Duration

	mu   sync.Mutex
	http *http.Client
}

// APIError carries a non-2xx response upward so characteristic
// handlers can relay the upstream message.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return fmt.Sprintf("api returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("api returned status %d: %s", e.StatusCode, body)
}

// New creates a client for the configuration API at baseURL.
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: 30 * time.Second,
	}
}

func (c *Client) client() *http.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.http == nil {
		c.http = &http.Client{Timeout: c.timeout}
		log.Debugf("created HTTP client for %s", c.baseURL)
	}
	return c.http
}

// Close releases the client's idle connections. Safe to call more
// than once.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.http != nil {
		c.http.CloseIdleConnections()
		c.http = nil
	}
}

func (c *Client) do(req *http.Request) (string, error) {
	log.Tracef("api request: %s %s", req.Method, req.URL)

	resp, err := c.client().Do(req)
	if err != nil {
		return "", errors.Wrapf(err, "request to %s failed", req.URL)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Debugf("error closing response body: %v", err)
		}
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", errors.Wrapf(err, "reading response from %s", req.URL)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	log.Tracef("api response: %d, %d bytes", resp.StatusCode, len(body))
	return string(body), nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values) (string, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", errors.Wrap(err, "building request")
	}
	return c.do(req)
}

func (c *Client) postJSON(ctx context.Context, path string, body string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(body))
	if err != nil {
		return "", errors.Wrap(err, "building request")
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *Client) postMultipart(ctx context.Context, path, filename string, content []byte, fields map[string]string) (string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		return "", errors.Wrap(err, "building multipart body")
	}
	if _, err := part.Write(content); err != nil {
		return "", errors.Wrap(err, "building multipart body")
	}
	for key, value := range fields {
		if err := w.WriteField(key, value); err != nil {
			return "", errors.Wrap(err, "building multipart body")
		}
	}
	if err := w.Close(); err != nil {
		return "", errors.Wrap(err, "building multipart body")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return "", errors.Wrap(err, "building request")
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	return c.do(req)
}

// SystemStatus fetches the appliance's system status document.
func (c *Client) SystemStatus(ctx context.Context) (string, error) {
	return c.get(ctx, "/api/system-status", nil)
}

// ServerMode fetches the server-mode (fleet management) info.
func (c *Client) ServerMode(ctx context.Context) (string, error) {
	return c.get(ctx, "/api/server-mode", nil)
}

// TimeStatus fetches the timedatectl status.
func (c *Client) TimeStatus(ctx context.Context) (string, error) {
	return c.get(ctx, "/api/timedatectl-status", nil)
}

// AvailableServices lists the services known to the configuration
// API, optionally scoped to a config group.
func (c *Client) AvailableServices(ctx context.Context, configGroup string) (string, error) {
	var query url.Values
	if configGroup != "" {
		query = url.Values{"config_group": {configGroup}}
	}
	return c.get(ctx, "/api/available-services", query)
}

// ListServices lists the systemd units the appliance manages.
func (c *Client) ListServices(ctx context.Context) (string, error) {
	return c.get(ctx, "/api/systemd/services", nil)
}

// ServiceAction starts, stops, restarts or enables a systemd unit.
func (c *Client) ServiceAction(ctx context.Context, service, action string) (string, error) {
	body, err := json.Marshal(map[string]string{"service": service, "action": action})
	if err != nil {
		return "", errors.Wrap(err, "encoding action request")
	}
	return c.postJSON(ctx, "/api/systemd/action", string(body))
}

// Reboot reboots the appliance.
func (c *Client) Reboot(ctx context.Context) (string, error) {
	return c.postJSON(ctx, "/api/systemd/reboot", "{}")
}

// Logs fetches the journal of a unit as plain text.
func (c *Client) Logs(ctx context.Context, service string, lines int) (string, error) {
	query := url.Values{}
	if lines > 0 {
		query.Set("lines", strconv.Itoa(lines))
	}
	return c.get(ctx, "/api/systemd/logs/"+url.PathEscape(service), query)
}

// UploadFile uploads one configuration file, optionally restarting a
// service and scoping to a config group.
func (c *Client) UploadFile(ctx context.Context, filename string, content []byte, restartService, configGroup string) (string, error) {
	fields := map[string]string{"restart_service": restartService}
	if configGroup != "" {
		fields["config_group"] = configGroup
	}
	return c.postMultipart(ctx, "/api/upload", filename, content, fields)
}

// UploadZip uploads a configuration archive.
func (c *Client) UploadZip(ctx context.Context, filename string, content []byte, restartServices, pedantic bool) (string, error) {
	fields := map[string]string{
		"restart_services": strconv.FormatBool(restartServices),
		"pedantic":         strconv.FormatBool(pedantic),
	}
	return c.postMultipart(ctx, "/api/upload/zip", filename, content, fields)
}

// Ping checks that the configuration API is reachable and answering.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.SystemStatus(ctx)
	return err
}
