package order

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"trading-engine/pkg/exchanges/common"
)

// PriceSource answers the last known price of a symbol.
type PriceSource interface {
	LastPrice(ctx context.Context, symbol string) (float64, error)
}

// PaperConfig is the fill model of the simulator.
type PaperConfig struct {
	SlippageBps float64
	FeeBps      float64
}

// Fill is a simulated execution.
type Fill struct {
	Symbol          string             `json:"symbol"`
	ClientID        string             `json:"clientOrderId"`
	ExchangeOrderID string             `json:"orderId"`
	Side            common.Side        `json:"side"`
	Type            common.OrderType   `json:"type"`
	Price           float64            `json:"price"`
	Qty             float64            `json:"qty"`
	Fee             float64            `json:"fee"`
	ReduceOnly      bool               `json:"reduceOnly"`
	Status          common.OrderStatus `json:"status"`
	TS              int64              `json:"ts"`
}

// PaperEngine is an in-process venue: market orders fill immediately at the
// reference price with slippage and fee, everything else rests until OnPrice
// crosses its trigger.
type PaperEngine struct {
	mu      sync.Mutex
	cfg     PaperConfig
	prices  PriceSource
	resting map[string]*common.OpenOrder // client id -> order
	seq     int64
	onFill  func(ctx context.Context, f Fill)
	log     *zap.Logger
	now     func() time.Time
}

var _ common.Gateway = (*PaperEngine)(nil)

func NewPaperEngine(cfg PaperConfig, prices PriceSource, log *zap.Logger) *PaperEngine {
	if log == nil {
		log = zap.NewNop()
	}
	return &PaperEngine{
		cfg:     cfg,
		prices:  prices,
		resting: make(map[string]*common.OpenOrder),
		log:     log.Named("paper"),
		now:     time.Now,
	}
}

// SetFillHandler registers the callback for fills of resting orders.
func (p *PaperEngine) SetFillHandler(fn func(ctx context.Context, f Fill)) {
	p.mu.Lock()
	p.onFill = fn
	p.mu.Unlock()
}

func (p *PaperEngine) SubmitOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	if req.Qty <= 0 {
		return common.OrderResult{}, fmt.Errorf("paper: qty must be > 0")
	}
	if req.Type == common.OrderTypeMarket || req.Type == "" {
		if p.prices == nil {
			return common.OrderResult{}, fmt.Errorf("paper: no price source for %s", req.Symbol)
		}
		ref, err := p.prices.LastPrice(ctx, req.Symbol)
		if err != nil {
			return common.OrderResult{}, fmt.Errorf("paper: reference price: %w", err)
		}
		p.mu.Lock()
		p.seq++
		id := strconv.FormatInt(p.seq, 10)
		p.mu.Unlock()

		f := p.fill(req.Symbol, req.ClientID, id, req.Side, common.OrderTypeMarket, ref, req.Qty, req.ReduceOnly, true)
		raw, _ := sonic.MarshalString(f)
		return common.OrderResult{
			ExchangeOrderID: id,
			ClientID:        req.ClientID,
			Status:          common.StatusFilled,
			AvgPrice:        f.Price,
			ExecutedQty:     f.Qty,
			Fee:             f.Fee,
			Raw:             raw,
		}, nil
	}

	if req.Type.NeedsStopPrice() && req.StopPrice <= 0 {
		return common.OrderResult{}, fmt.Errorf("paper: %s requires stop price", req.Type)
	}
	if req.Type == common.OrderTypeLimit && req.Price <= 0 {
		return common.OrderResult{}, fmt.Errorf("paper: LIMIT requires price")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, dup := p.resting[req.ClientID]; dup {
		return common.OrderResult{}, fmt.Errorf("paper: duplicate client order id %s", req.ClientID)
	}
	p.seq++
	o := &common.OpenOrder{
		Symbol:          req.Symbol,
		ExchangeOrderID: strconv.FormatInt(p.seq, 10),
		ClientID:        req.ClientID,
		Side:            req.Side,
		Type:            string(req.Type),
		Status:          common.StatusNew,
		Price:           req.Price,
		StopPrice:       req.StopPrice,
		Qty:             req.Qty,
		ReduceOnly:      req.ReduceOnly,
	}
	p.resting[req.ClientID] = o
	raw, _ := sonic.MarshalString(o)
	return common.OrderResult{ExchangeOrderID: o.ExchangeOrderID, ClientID: req.ClientID, Status: common.StatusNew, Raw: raw}, nil
}

func (p *PaperEngine) CancelOrder(_ context.Context, symbol, exchangeOrderID, clientID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, o := range p.resting {
		if o.Symbol != symbol {
			continue
		}
		if (clientID != "" && id == clientID) || (exchangeOrderID != "" && o.ExchangeOrderID == exchangeOrderID) {
			delete(p.resting, id)
			return nil
		}
	}
	return fmt.Errorf("paper cancel %s/%s%s: %w", symbol, exchangeOrderID, clientID, common.ErrOrderNotFound)
}

func (p *PaperEngine) GetOpenOrders(_ context.Context, symbol string) ([]common.OpenOrder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]common.OpenOrder, 0, len(p.resting))
	for _, o := range p.resting {
		if symbol == "" || o.Symbol == symbol {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return seqOf(out[i].ExchangeOrderID) < seqOf(out[j].ExchangeOrderID) })
	return out, nil
}

// OnPrice triggers resting orders crossed by price and reports the resulting fills.
func (p *PaperEngine) OnPrice(ctx context.Context, symbol string, price float64) []Fill {
	if price <= 0 {
		return nil
	}
	p.mu.Lock()
	var triggered []*common.OpenOrder
	for id, o := range p.resting {
		if o.Symbol == symbol && crosses(o, price) {
			triggered = append(triggered, o)
			delete(p.resting, id)
		}
	}
	handler := p.onFill
	p.mu.Unlock()

	sort.Slice(triggered, func(i, j int) bool { return seqOf(triggered[i].ExchangeOrderID) < seqOf(triggered[j].ExchangeOrderID) })
	fills := make([]Fill, 0, len(triggered))
	for _, o := range triggered {
		fillAt, slip := price, true
		if o.Type == string(common.OrderTypeLimit) {
			fillAt, slip = o.Price, false
		}
		f := p.fill(o.Symbol, o.ClientID, o.ExchangeOrderID, o.Side, common.OrderType(o.Type), fillAt, o.Qty, o.ReduceOnly, slip)
		p.log.Info("resting order triggered",
			zap.String("symbol", f.Symbol),
			zap.String("client_id", f.ClientID),
			zap.String("type", string(f.Type)),
			zap.Float64("price", f.Price))
		fills = append(fills, f)
		if handler != nil {
			handler(ctx, f)
		}
	}
	return fills
}

func (p *PaperEngine) fill(symbol, clientID, exchID string, side common.Side, typ common.OrderType, ref, qty float64, reduceOnly, slip bool) Fill {
	price := ref
	if slip && p.cfg.SlippageBps > 0 {
		frac := p.cfg.SlippageBps / 10000.0
		if side == common.SideBuy {
			price = ref * (1 + frac)
		} else {
			price = ref * (1 - frac)
		}
	}
	return Fill{
		Symbol:          symbol,
		ClientID:        clientID,
		ExchangeOrderID: exchID,
		Side:            side,
		Type:            typ,
		Price:           price,
		Qty:             qty,
		Fee:             price * qty * p.cfg.FeeBps / 10000.0,
		ReduceOnly:      reduceOnly,
		Status:          common.StatusFilled,
		TS:              p.now().Unix(),
	}
}

func crosses(o *common.OpenOrder, price float64) bool {
	buy := o.Side == common.SideBuy
	switch common.OrderType(o.Type) {
	case common.OrderTypeStopMarket:
		if buy {
			return price >= o.StopPrice
		}
		return price <= o.StopPrice
	case common.OrderTypeTakeProfitMarket:
		if buy {
			return price <= o.StopPrice
		}
		return price >= o.StopPrice
	case common.OrderTypeLimit:
		if buy {
			return price <= o.Price
		}
		return price >= o.Price
	}
	return false
}

func seqOf(id string) int64 {
	n, _ := strconv.ParseInt(id, 10, 64)
	return n
}
