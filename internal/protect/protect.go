// Package protect keeps stop and target orders in lock-step with open positions.
package protect

import (
	"context"
	"fmt"

	"trading-engine/internal/order"
	"trading-engine/pkg/db"
	"trading-engine/pkg/exchanges/common"
)

// Router is the order surface the protective loops need.
type Router interface {
	Place(ctx context.Context, req order.PlaceRequest) (order.Result, error)
	Cancel(ctx context.Context, req order.CancelRequest) (order.Result, error)
	OpenOrders(ctx context.Context, symbol string) ([]common.OpenOrder, error)
}

// PriceSource answers the last price of a symbol.
type PriceSource interface {
	LastPrice(ctx context.Context, symbol string) (float64, error)
}

type leg int

const (
	stopLeg leg = iota
	targetLeg
)

func (l leg) String() string {
	if l == stopLeg {
		return "stop"
	}
	return "target"
}

func closingSide(pos db.Position) common.Side {
	if pos.IsLong() {
		return common.SideSell
	}
	return common.SideBuy
}

// replaceLeg swaps one protective order. The cached id is detached before the
// cancel so concurrent OCO checks never read our own cancel as a counterpart
// fill; the new price and id are cached only after the placement succeeds.
// When the new placement fails after the old leg was canceled, the old level is
// placed again so the position is not left unprotected.
func replaceLeg(ctx context.Context, r Router, database *db.Database, pos db.Position, l leg, price float64) (order.Result, error) {
	oldID, oldPrice := pos.StopOrderID, pos.StopPrice
	set := database.SetStopOrder
	if l == targetLeg {
		oldID, oldPrice = pos.TargetOrderID, pos.TargetPrice
		set = database.SetTargetOrder
	}

	if oldID != "" {
		if err := set(ctx, pos.Symbol, oldPrice, ""); err != nil {
			return order.Result{}, fmt.Errorf("detach %s %s: %w", l, pos.Symbol, err)
		}
		if _, err := r.Cancel(ctx, order.CancelRequest{Symbol: pos.Symbol, ClientOrderID: oldID}); err != nil {
			if rerr := set(ctx, pos.Symbol, oldPrice, oldID); rerr != nil {
				return order.Result{}, fmt.Errorf("cancel %s %s: %w (restore: %v)", l, pos.Symbol, err, rerr)
			}
			return order.Result{}, fmt.Errorf("cancel %s %s: %w", l, pos.Symbol, err)
		}
	}

	res, err := placeLeg(ctx, r, database, pos, l, price)
	if err == nil {
		return res, nil
	}
	if oldID == "" || oldPrice <= 0 {
		return order.Result{}, err
	}
	if _, rerr := placeLeg(ctx, r, database, pos, l, oldPrice); rerr != nil {
		return order.Result{}, fmt.Errorf("%w (restore at %v: %v)", err, oldPrice, rerr)
	}
	return order.Result{}, fmt.Errorf("%w (restored at %v)", err, oldPrice)
}

// placeLeg places a reduce-only protective order and caches it on the position.
func placeLeg(ctx context.Context, r Router, database *db.Database, pos db.Position, l leg, price float64) (order.Result, error) {
	set := database.SetStopOrder
	typ, tag := common.OrderTypeStopMarket, "sl"
	if l == targetLeg {
		set = database.SetTargetOrder
		typ, tag = common.OrderTypeTakeProfitMarket, "tp"
	}
	res, err := r.Place(ctx, order.PlaceRequest{
		Symbol:     pos.Symbol,
		Side:       closingSide(pos),
		Qty:        pos.Qty,
		Type:       typ,
		StopPrice:  price,
		ReduceOnly: true,
		Tag:        tag,
	})
	if err != nil {
		return order.Result{}, fmt.Errorf("place %s %s: %w", l, pos.Symbol, err)
	}
	cached := res.StopPrice
	if cached <= 0 {
		cached = price
	}
	if err := set(ctx, pos.Symbol, cached, res.ClientOrderID); err != nil {
		return res, fmt.Errorf("cache %s %s: %w", l, pos.Symbol, err)
	}
	return res, nil
}

func liveIDs(orders []common.OpenOrder) map[string]struct{} {
	ids := make(map[string]struct{}, 2*len(orders))
	for _, o := range orders {
		if o.ClientID != "" {
			ids[o.ClientID] = struct{}{}
		}
		if o.ExchangeOrderID != "" {
			ids[o.ExchangeOrderID] = struct{}{}
		}
	}
	return ids
}
