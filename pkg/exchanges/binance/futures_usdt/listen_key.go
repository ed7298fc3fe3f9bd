package futures_usdt

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/bytedance/sonic"
)

// CreateListenKey creates (or returns the current) user data stream key.
func (c *Client) CreateListenKey(ctx context.Context) (string, error) {
	body, err := c.doKeyed(ctx, http.MethodPost, "/fapi/v1/listenKey", nil)
	if err != nil {
		return "", err
	}
	var out struct {
		ListenKey string `json:"listenKey"`
	}
	if err := sonic.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("decode listen key: %w", err)
	}
	if out.ListenKey == "" {
		return "", fmt.Errorf("create listen key: empty key")
	}
	return out.ListenKey, nil
}

// KeepAliveListenKey extends listen key life by 60 minutes.
func (c *Client) KeepAliveListenKey(ctx context.Context, listenKey string) error {
	params := url.Values{}
	params.Set("listenKey", listenKey)
	_, err := c.doKeyed(ctx, http.MethodPut, "/fapi/v1/listenKey", params)
	return err
}

// CloseListenKey invalidates the key on shutdown.
func (c *Client) CloseListenKey(ctx context.Context, listenKey string) error {
	params := url.Values{}
	params.Set("listenKey", listenKey)
	_, err := c.doKeyed(ctx, http.MethodDelete, "/fapi/v1/listenKey", params)
	return err
}

// StreamURL builds the websocket endpoint for a listen key.
func (c *Client) StreamURL(listenKey string) string {
	return c.wsBase + "/ws/" + listenKey
}
