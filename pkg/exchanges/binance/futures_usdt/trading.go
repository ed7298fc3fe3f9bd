package futures_usdt

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"

	"trading-engine/pkg/exchanges/common"
)

// Venue codes meaning the order no longer exists.
const (
	codeUnknownOrder   = -2011
	codeOrderNotExists = -2013
)

// SubmitOrder places an order. The raw venue response is kept in OrderResult.Raw.
func (c *Client) SubmitOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", strings.ToUpper(string(req.Side)))
	params.Set("type", strings.ToUpper(string(req.Type)))
	params.Set("quantity", formatFloat(req.Qty))
	params.Set("newOrderRespType", "RESULT")

	if req.Type == common.OrderTypeLimit {
		params.Set("price", formatFloat(req.Price))
		tif := req.TimeInForce
		if tif == "" {
			tif = common.TIFGTC
		}
		params.Set("timeInForce", string(tif))
	}
	if req.Type.NeedsStopPrice() {
		params.Set("stopPrice", formatFloat(req.StopPrice))
		workingType := req.WorkingType
		if workingType == "" {
			workingType = "MARK_PRICE"
		}
		params.Set("workingType", workingType)
	}
	if req.ClientID != "" {
		params.Set("newClientOrderId", req.ClientID)
	}
	if req.ReduceOnly {
		params.Set("reduceOnly", "true")
	}

	body, err := c.doSigned(ctx, http.MethodPost, "/fapi/v1/order", params)
	if err != nil {
		return common.OrderResult{}, err
	}
	var resp orderResp
	if err := sonic.Unmarshal(body, &resp); err != nil {
		return common.OrderResult{}, fmt.Errorf("decode order: %w", err)
	}
	return common.OrderResult{
		ExchangeOrderID: strconv.FormatInt(resp.OrderID, 10),
		ClientID:        resp.ClientOrderID,
		Status:          common.MapStatus(resp.Status),
		AvgPrice:        parseFloat(resp.AvgPrice),
		ExecutedQty:     parseFloat(resp.ExecutedQty),
		Raw:             string(body),
	}, nil
}

// CancelOrder cancels by exchange id or client id. An order that is already
// gone yields common.ErrOrderNotFound.
func (c *Client) CancelOrder(ctx context.Context, symbol, exchangeOrderID, clientID string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	switch {
	case exchangeOrderID != "":
		params.Set("orderId", exchangeOrderID)
	case clientID != "":
		params.Set("origClientOrderId", clientID)
	default:
		return errors.New("cancel order: order id or client id required")
	}
	_, err := c.doSigned(ctx, http.MethodDelete, "/fapi/v1/order", params)
	var apiErr *APIError
	if errors.As(err, &apiErr) && (apiErr.Code == codeUnknownOrder || apiErr.Code == codeOrderNotExists) {
		return fmt.Errorf("%w: %s", common.ErrOrderNotFound, apiErr.Msg)
	}
	return err
}

// GetOpenOrders returns open orders; symbol optional.
func (c *Client) GetOpenOrders(ctx context.Context, symbol string) ([]common.OpenOrder, error) {
	params := url.Values{}
	if symbol != "" {
		params.Set("symbol", symbol)
	}
	body, err := c.doSigned(ctx, http.MethodGet, "/fapi/v1/openOrders", params)
	if err != nil {
		return nil, err
	}
	var raw []openOrderResp
	if err := sonic.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode open orders: %w", err)
	}
	out := make([]common.OpenOrder, 0, len(raw))
	for _, o := range raw {
		out = append(out, common.OpenOrder{
			Symbol:          o.Symbol,
			ExchangeOrderID: strconv.FormatInt(o.OrderID, 10),
			ClientID:        o.ClientOrderID,
			Side:            common.Side(o.Side),
			Type:            o.Type,
			Status:          common.MapStatus(o.Status),
			Price:           parseFloat(o.Price),
			StopPrice:       parseFloat(o.StopPrice),
			Qty:             parseFloat(o.OrigQty),
			ReduceOnly:      o.ReduceOnly || o.ClosePosition,
		})
	}
	return out, nil
}

// GetPositions returns non-flat one-way positions.
func (c *Client) GetPositions(ctx context.Context) ([]common.PositionInfo, error) {
	body, err := c.doSigned(ctx, http.MethodGet, "/fapi/v2/positionRisk", url.Values{})
	if err != nil {
		return nil, err
	}
	var raw []positionRiskResp
	if err := sonic.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode positions: %w", err)
	}
	out := make([]common.PositionInfo, 0, len(raw))
	for _, p := range raw {
		amt := parseFloat(p.PositionAmt)
		if amt == 0 {
			continue
		}
		lev, _ := strconv.Atoi(p.Leverage)
		out = append(out, common.PositionInfo{
			Symbol:        p.Symbol,
			Amount:        amt,
			EntryPrice:    parseFloat(p.EntryPrice),
			UnrealizedPnL: parseFloat(p.UnRealizedProfit),
			Leverage:      lev,
		})
	}
	return out, nil
}

// GetWalletBalance returns the wallet balance of asset (e.g. USDT).
func (c *Client) GetWalletBalance(ctx context.Context, asset string) (float64, error) {
	body, err := c.doSigned(ctx, http.MethodGet, "/fapi/v2/balance", url.Values{})
	if err != nil {
		return 0, err
	}
	var raw []balanceResp
	if err := sonic.Unmarshal(body, &raw); err != nil {
		return 0, fmt.Errorf("decode balance: %w", err)
	}
	for _, b := range raw {
		if strings.EqualFold(b.Asset, asset) {
			return parseFloat(b.Balance), nil
		}
	}
	return 0, fmt.Errorf("balance: asset %s not found", asset)
}

// SetLeverage sets leverage for a symbol.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("leverage", strconv.Itoa(leverage))
	_, err := c.doSigned(ctx, http.MethodPost, "/fapi/v1/leverage", params)
	return err
}
