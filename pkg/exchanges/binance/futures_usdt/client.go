package futures_usdt

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"trading-engine/pkg/exchanges/common"
)

const (
	mainnetREST = "https://fapi.binance.com"
	testnetREST = "https://testnet.binancefuture.com"
	mainnetWS   = "wss://fstream.binance.com"
	testnetWS   = "wss://stream.binancefuture.com"
)

// Config holds Binance USDT-M futures credentials and transport settings.
type Config struct {
	APIKey       string
	APISecret    string
	Testnet      bool
	RecvWindow   int64 // ms
	Timeout      time.Duration
	RequestsPerS int

	// BaseURL/WSBaseURL override the venue endpoints (tests, proxies).
	BaseURL   string
	WSBaseURL string
}

// APIError is the venue's structured error body.
type APIError struct {
	Status int
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("binance usdt futures: status %d code %d: %s", e.Status, e.Code, e.Msg)
}

// LatencyRecorder receives the wall time of every REST call.
type LatencyRecorder interface {
	RecordDuration(d time.Duration)
}

// Client handles Binance USDT-M futures over REST. It never retries: a failed
// call surfaces to the caller, which decides at loop granularity.
type Client struct {
	cfg         Config
	wsBase      string
	http        *resty.Client
	timeSync    *common.TimeSync
	rateLimiter *common.RateLimiter
	latency     LatencyRecorder
	log         *zap.Logger
}

// NewClient creates a new USDT-M futures client.
func NewClient(cfg Config, latency LatencyRecorder, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	base, ws := mainnetREST, mainnetWS
	if cfg.Testnet {
		base, ws = testnetREST, testnetWS
	}
	if cfg.BaseURL != "" {
		base = cfg.BaseURL
	}
	if cfg.WSBaseURL != "" {
		ws = cfg.WSBaseURL
	}
	if cfg.RecvWindow == 0 {
		cfg.RecvWindow = 5000
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}

	c := &Client{
		cfg:    cfg,
		wsBase: strings.TrimRight(ws, "/"),
		http: resty.New().
			SetBaseURL(base).
			SetTimeout(cfg.Timeout).
			SetRetryCount(0),
		latency: latency,
		log:     log.Named("binance"),
	}
	c.timeSync = common.NewTimeSync(c.GetServerTime, c.log)
	c.rateLimiter = common.NewRateLimiter(2400, time.Minute, cfg.RequestsPerS, c.log) // 2400 weight/min for futures
	return c
}

// TimeSync exposes the clock-offset tracker so the scheduler can run it.
func (c *Client) TimeSync() *common.TimeSync { return c.timeSync }

func (c *Client) now() int64 {
	if c.timeSync != nil && c.timeSync.Offset() != 0 {
		return c.timeSync.Now()
	}
	return time.Now().UnixMilli()
}

func (c *Client) requireKeys() error {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return errors.New("binance usdt futures: API key/secret required")
	}
	return nil
}

// doSigned signs params with HMAC-SHA256 and sends them; the signature is appended last.
func (c *Client) doSigned(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	if err := c.requireKeys(); err != nil {
		return nil, err
	}
	params.Set("timestamp", strconv.FormatInt(c.now(), 10))
	params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))
	encoded := params.Encode()
	payload := encoded + "&signature=" + sign(encoded, c.cfg.APISecret)

	req := c.http.R().SetContext(ctx).SetHeader("X-MBX-APIKEY", c.cfg.APIKey)
	switch method {
	case http.MethodGet, http.MethodDelete:
		// Raw query keeps the signed parameter order intact.
		path += "?" + payload
	default:
		req.SetHeader("Content-Type", "application/x-www-form-urlencoded").SetBody(payload)
	}
	return c.execute(ctx, req, method, path)
}

// doKeyed sends an API-key-only request (listen key endpoints).
func (c *Client) doKeyed(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	if c.cfg.APIKey == "" {
		return nil, errors.New("binance usdt futures: API key required")
	}
	req := c.http.R().SetContext(ctx).SetHeader("X-MBX-APIKEY", c.cfg.APIKey)
	if len(params) > 0 {
		req.SetQueryString(params.Encode())
	}
	return c.execute(ctx, req, method, path)
}

func (c *Client) doPublic(ctx context.Context, path string, params url.Values) ([]byte, error) {
	req := c.http.R().SetContext(ctx)
	if len(params) > 0 {
		req.SetQueryString(params.Encode())
	}
	return c.execute(ctx, req, http.MethodGet, path)
}

func (c *Client) execute(ctx context.Context, req *resty.Request, method, path string) ([]byte, error) {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, err
	}
	start := time.Now()
	res, err := req.Execute(method, path)
	if c.latency != nil {
		c.latency.RecordDuration(time.Since(start))
	}
	if err != nil {
		endpoint, _, _ := strings.Cut(path, "?")
		return nil, fmt.Errorf("binance usdt futures %s %s: %w", method, endpoint, err)
	}
	c.rateLimiter.UpdateFromHeader(res.Header().Get("X-MBX-USED-WEIGHT-1M"))

	body := res.Body()
	if res.StatusCode() >= 300 {
		apiErr := &APIError{Status: res.StatusCode()}
		if uerr := sonic.Unmarshal(body, apiErr); uerr != nil || apiErr.Msg == "" {
			apiErr.Msg = string(body)
		}
		return nil, apiErr
	}
	return body, nil
}

// GetServerTime fetches futures server time in ms.
func (c *Client) GetServerTime(ctx context.Context) (int64, error) {
	body, err := c.doPublic(ctx, "/fapi/v1/time", nil)
	if err != nil {
		return 0, err
	}
	var res struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := sonic.Unmarshal(body, &res); err != nil {
		return 0, fmt.Errorf("decode server time: %w", err)
	}
	return res.ServerTime, nil
}

func sign(data, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(data))
	return hex.EncodeToString(mac.Sum(nil))
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
