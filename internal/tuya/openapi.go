package tuya

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Logger is the minimal logging interface the clients depend on.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

const (
	signMethod         = "HMAC-SHA256"
	tokenRefreshMargin = 60 * time.Second
	defaultHTTPTimeout = 30 * time.Second
	emptyBodySHA256Hex = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
)

// OpenAPIConfig carries the credentials and endpoint for a cloud client.
type OpenAPIConfig struct {
	Endpoint     string
	AccessID     string
	AccessSecret string
	UID          string
}

// OpenAPIClient talks to the Tuya cloud REST API. It signs every request
// with HMAC-SHA256 over the canonical string the API mandates and keeps
// the access token refreshed.
//
// All methods are safe for concurrent use.
type OpenAPIClient struct {
	cfg  OpenAPIConfig
	http *http.Client

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
	connected   bool

	logger   Logger
	loggerMu sync.RWMutex

	// now is swapped in signing tests.
	now func() time.Time
}

// NewOpenAPIClient creates a cloud client. Connect must be called before
// any device operation.
func NewOpenAPIClient(cfg OpenAPIConfig) *OpenAPIClient {
	return &OpenAPIClient{
		cfg:    cfg,
		http:   &http.Client{Timeout: defaultHTTPTimeout},
		logger: noopLogger{},
		now:    time.Now,
	}
}

// SetLogger sets a logger for request diagnostics.
func (c *OpenAPIClient) SetLogger(logger Logger) {
	c.loggerMu.Lock()
	c.logger = logger
	c.loggerMu.Unlock()
}

func (c *OpenAPIClient) getLogger() Logger {
	c.loggerMu.RLock()
	defer c.loggerMu.RUnlock()
	return c.logger
}

// Connect validates the configuration and acquires an access token.
func (c *OpenAPIClient) Connect(ctx context.Context) error {
	if c.cfg.AccessID == "" || c.cfg.AccessSecret == "" {
		return fmt.Errorf("%w: access_id and access_secret are required", ErrInvalidState)
	}
	if c.cfg.Endpoint == "" {
		return fmt.Errorf("%w: openapi endpoint is required", ErrInvalidState)
	}

	if err := c.refreshToken(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return nil
}

// IsConnected reports whether Connect succeeded and the token is live.
func (c *OpenAPIClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected && c.now().Before(c.tokenExpiry)
}

// Disconnect drops the token. The client can be reconnected.
func (c *OpenAPIClient) Disconnect() {
	c.mu.Lock()
	c.connected = false
	c.token = ""
	c.tokenExpiry = time.Time{}
	c.mu.Unlock()
}

// DeviceInfo is one device returned by the cloud device listing.
type DeviceInfo struct {
	ID          string  `json:"id"`
	UID         string  `json:"uid"`
	Name        string  `json:"name"`
	LocalKey    string  `json:"local_key"`
	Category    string  `json:"category"`
	ProductID   string  `json:"product_id"`
	ProductName string  `json:"product_name"`
	Icon        string  `json:"icon"`
	IP          string  `json:"ip"`
	Latitude    string  `json:"lat"`
	Longitude   string  `json:"lon"`
	Model       string  `json:"model"`
	Sub         bool    `json:"sub"`
	GatewayID   string  `json:"gateway_id"`
	NodeID      string  `json:"node_id"`
	Online      bool    `json:"online"`
	Status      []struct {
		Code  string          `json:"code"`
		Value json.RawMessage `json:"value"`
	} `json:"status"`
}

// Devices lists the devices linked to the configured app account.
func (c *OpenAPIClient) Devices(ctx context.Context) ([]DeviceInfo, error) {
	if c.cfg.UID == "" {
		return nil, fmt.Errorf("%w: uid is required for device listing", ErrInvalidState)
	}

	var devices []DeviceInfo
	path := "/v1.0/users/" + c.cfg.UID + "/devices"
	if err := c.call(ctx, http.MethodGet, path, nil, &devices); err != nil {
		return nil, err
	}
	return devices, nil
}

// FunctionSpec describes one settable/queryable function of a device as
// reported by the specification endpoint.
type FunctionSpec struct {
	Code   string `json:"code"`
	Name   string `json:"name"`
	Type   string `json:"type"`
	Values string `json:"values"`
}

// DeviceSpecification carries the function and status schemas of a device.
type DeviceSpecification struct {
	Category  string         `json:"category"`
	Functions []FunctionSpec `json:"functions"`
	Status    []FunctionSpec `json:"status"`
}

// Specification fetches the function/status schema for a device.
func (c *OpenAPIClient) Specification(ctx context.Context, deviceIdentifier string) (*DeviceSpecification, error) {
	var spec DeviceSpecification
	path := "/v1.0/devices/" + deviceIdentifier + "/specifications"
	if err := c.call(ctx, http.MethodGet, path, nil, &spec); err != nil {
		return nil, err
	}
	return &spec, nil
}

// ReadStates implements Client. It fetches the current data-point values
// of a device.
func (c *OpenAPIClient) ReadStates(ctx context.Context, deviceIdentifier string) ([]DataPointState, error) {
	var status []struct {
		Code  string `json:"code"`
		Value any    `json:"value"`
	}
	path := "/v1.0/devices/" + deviceIdentifier + "/status"
	if err := c.call(ctx, http.MethodGet, path, nil, &status); err != nil {
		return nil, err
	}

	states := make([]DataPointState, 0, len(status))
	for _, s := range status {
		states = append(states, DataPointState{Code: s.Code, Value: s.Value})
	}
	return states, nil
}

// SetDeviceState implements Client. It issues one command to the device.
func (c *OpenAPIClient) SetDeviceState(ctx context.Context, deviceIdentifier, propertyIdentifier string, value any) error {
	body := map[string]any{
		"commands": []map[string]any{
			{"code": propertyIdentifier, "value": value},
		},
	}
	path := "/v1.0/devices/" + deviceIdentifier + "/commands"
	return c.call(ctx, http.MethodPost, path, body, nil)
}

// envelope is the uniform cloud response wrapper.
type envelope struct {
	Success bool            `json:"success"`
	Code    int             `json:"code"`
	Msg     string          `json:"msg"`
	Result  json.RawMessage `json:"result"`
}

// call signs and executes one API request, decoding the result into out
// when out is non-nil. Token-requiring calls refresh the token first.
func (c *OpenAPIClient) call(ctx context.Context, method, path string, body any, out any) error {
	c.mu.Lock()
	connected := c.connected
	c.mu.Unlock()
	if !connected {
		return fmt.Errorf("%w: client is not connected", ErrInvalidState)
	}

	if err := c.ensureToken(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	token := c.token
	c.mu.Unlock()

	return c.do(ctx, method, path, token, body, out)
}

// ensureToken refreshes the access token when it is close to expiry.
func (c *OpenAPIClient) ensureToken(ctx context.Context) error {
	c.mu.Lock()
	fresh := c.token != "" && c.now().Add(tokenRefreshMargin).Before(c.tokenExpiry)
	c.mu.Unlock()
	if fresh {
		return nil
	}
	return c.refreshToken(ctx)
}

func (c *OpenAPIClient) refreshToken(ctx context.Context) error {
	var result struct {
		AccessToken string `json:"access_token"`
		ExpireTime  int    `json:"expire_time"`
		UID         string `json:"uid"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1.0/token?grant_type=1", "", nil, &result); err != nil {
		return err
	}

	c.mu.Lock()
	c.token = result.AccessToken
	c.tokenExpiry = c.now().Add(time.Duration(result.ExpireTime) * time.Second)
	c.mu.Unlock()

	c.getLogger().Debug("access token refreshed", "expires_in", result.ExpireTime)
	return nil
}

// do executes one signed request. An empty token signs in token-request
// mode (no access token in the canonical string).
func (c *OpenAPIClient) do(ctx context.Context, method, path, token string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return &CallError{Transport: TransportOpenAPI, Op: method + " " + path, Err: err}
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.Endpoint+path, bytes.NewReader(payload))
	if err != nil {
		return &CallError{Transport: TransportOpenAPI, Op: method + " " + path, Err: err}
	}

	t := strconv.FormatInt(c.now().UnixMilli(), 10)
	nonce := uuid.NewString()
	sign := c.sign(method, path, token, t, nonce, payload)

	req.Header.Set("client_id", c.cfg.AccessID)
	req.Header.Set("sign", sign)
	req.Header.Set("sign_method", signMethod)
	req.Header.Set("t", t)
	req.Header.Set("nonce", nonce)
	if token != "" {
		req.Header.Set("access_token", token)
	}
	if len(payload) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &CallError{
			Transport: TransportOpenAPI,
			Op:        method + " " + path,
			Request:   string(payload),
			Err:       err,
		}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &CallError{
			Transport: TransportOpenAPI,
			Op:        method + " " + path,
			Request:   string(payload),
			Err:       err,
		}
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return &CallError{
			Transport: TransportOpenAPI,
			Op:        method + " " + path,
			Request:   string(payload),
			Response:  string(raw),
			Err:       err,
		}
	}
	if !env.Success {
		return &APIError{Transport: TransportOpenAPI, Code: env.Code, Message: env.Msg}
	}

	if out != nil && len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return &CallError{
				Transport: TransportOpenAPI,
				Op:        method + " " + path,
				Response:  string(raw),
				Err:       err,
			}
		}
	}
	return nil
}

// sign builds the HMAC-SHA256 signature over the canonical request string
// "METHOD\nsha256(body)\n\npath", prefixed by client id, token, timestamp
// and nonce.
func (c *OpenAPIClient) sign(method, path, token, t, nonce string, body []byte) string {
	bodyHash := emptyBodySHA256Hex
	if len(body) > 0 {
		sum := sha256.Sum256(body)
		bodyHash = hex.EncodeToString(sum[:])
	}

	var b strings.Builder
	b.WriteString(c.cfg.AccessID)
	b.WriteString(token)
	b.WriteString(t)
	b.WriteString(nonce)
	b.WriteString(method)
	b.WriteString("\n")
	b.WriteString(bodyHash)
	b.WriteString("\n\n")
	b.WriteString(path)

	mac := hmac.New(sha256.New, []byte(c.cfg.AccessSecret))
	mac.Write([]byte(b.String()))
	return strings.ToUpper(hex.EncodeToString(mac.Sum(nil)))
}
