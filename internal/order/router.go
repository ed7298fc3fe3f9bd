package order

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"trading-engine/internal/monitor"
	"trading-engine/pkg/config"
	"trading-engine/pkg/db"
	"trading-engine/pkg/exchanges/common"
)

// Config fixes the router's behavior at construction.
type Config struct {
	Mode              string
	TimeInForce       common.TimeInForce
	IdempotencyWindow time.Duration
}

// Router is the single choke point for order intent. It normalizes, de-duplicates
// and dispatches to one of three modes: dry (persist only), paper (PaperEngine)
// or live (exchange gateway).
type Router struct {
	mode    string
	tif     common.TimeInForce
	gw      common.Gateway
	db      *db.Database
	ids     *IdempotencyStore
	prices  PriceSource
	metrics *monitor.Metrics
	log     *zap.Logger

	mu      sync.RWMutex
	filters map[string]common.SymbolFilters
	now     func() time.Time
}

// NewRouter validates the mode. gw is required for paper and live and ignored for dry.
func NewRouter(cfg Config, gw common.Gateway, database *db.Database, prices PriceSource, metrics *monitor.Metrics, log *zap.Logger) (*Router, error) {
	mode := strings.ToLower(cfg.Mode)
	switch mode {
	case config.ModeDry:
		gw = nil
	case config.ModePaper, config.ModeLive:
		if gw == nil {
			return nil, fmt.Errorf("%w: %s mode needs a gateway", ErrInvalidMode, mode)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidMode, cfg.Mode)
	}
	if database == nil {
		return nil, errors.New("router: database required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	tif := cfg.TimeInForce
	if tif == "" {
		tif = common.TIFGTC
	}
	return &Router{
		mode:    mode,
		tif:     tif,
		gw:      gw,
		db:      database,
		ids:     NewIdempotencyStore(cfg.IdempotencyWindow),
		prices:  prices,
		metrics: metrics,
		log:     log.Named("router"),
		filters: make(map[string]common.SymbolFilters),
		now:     time.Now,
	}, nil
}

func (r *Router) Mode() string { return r.mode }

// Idempotency exposes the id store for rehydration and pruning.
func (r *Router) Idempotency() *IdempotencyStore { return r.ids }

// SetFilters replaces the symbol filter table.
func (r *Router) SetFilters(f map[string]common.SymbolFilters) {
	r.mu.Lock()
	r.filters = f
	r.mu.Unlock()
}

// LoadFilters fetches exchange filters once.
func (r *Router) LoadFilters(ctx context.Context, md common.MarketData) error {
	f, err := md.GetSymbolFilters(ctx)
	if err != nil {
		return fmt.Errorf("load symbol filters: %w", err)
	}
	r.SetFilters(f)
	r.log.Info("symbol filters loaded", zap.Int("symbols", len(f)))
	return nil
}

func (r *Router) filtersFor(symbol string) common.SymbolFilters {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.filters[symbol]
}

// Place submits one order intent.
func (r *Router) Place(ctx context.Context, req PlaceRequest) (Result, error) {
	if req.Symbol == "" {
		return Result{}, errors.New("place: symbol required")
	}
	if req.Side != common.SideBuy && req.Side != common.SideSell {
		return Result{}, fmt.Errorf("place: invalid side %q", req.Side)
	}
	if req.Type == "" {
		req.Type = common.OrderTypeMarket
	}
	if req.Tag == "" {
		req.Tag = "manual"
	}
	submittedAt := req.SubmittedAt
	if submittedAt.IsZero() {
		submittedAt = r.now()
	}
	clientID := req.ClientOrderID
	if clientID == "" {
		clientID = NewClientOrderID(req.Symbol, req.Tag, submittedAt)
	}
	log := r.log.With(zap.String("client_id", clientID), zap.String("symbol", req.Symbol), zap.String("tag", req.Tag))

	if r.ids.Seen(clientID) {
		r.metrics.IncOrdersRejected()
		log.Error("duplicate order intent")
		return Result{}, fmt.Errorf("%w: %s", ErrDuplicateIntent, clientID)
	}

	var ref float64
	if req.Type == common.OrderTypeMarket && r.prices != nil {
		ref, _ = r.prices.LastPrice(ctx, req.Symbol)
	}
	n, err := Normalize(r.filtersFor(req.Symbol), req.Qty, req.Price, req.StopPrice, ref, req.ReduceOnly)
	if err != nil {
		r.metrics.IncOrdersRejected()
		return Result{}, fmt.Errorf("place %s: %w", clientID, err)
	}
	if !r.ids.Claim(clientID) {
		r.metrics.IncOrdersRejected()
		return Result{}, fmt.Errorf("%w: %s", ErrDuplicateIntent, clientID)
	}

	ex := common.OrderRequest{
		Symbol:     req.Symbol,
		Side:       req.Side,
		Type:       req.Type,
		Qty:        n.Qty,
		Price:      n.Price,
		StopPrice:  n.StopPrice,
		ClientID:   clientID,
		ReduceOnly: req.ReduceOnly,
	}
	if req.Type == common.OrderTypeLimit {
		ex.TimeInForce = req.TimeInForce
		if ex.TimeInForce == "" {
			ex.TimeInForce = r.tif
		}
	}
	row := db.Order{
		ClientOrderID: clientID,
		Symbol:        req.Symbol,
		Side:          string(req.Side),
		Type:          string(req.Type),
		Price:         n.Price,
		StopPrice:     n.StopPrice,
		Qty:           n.Qty,
		ReduceOnly:    req.ReduceOnly,
		Tag:           req.Tag,
		Mode:          r.mode,
		CreatedAt:     r.now().Unix(),
	}
	res := Result{
		ClientOrderID: clientID,
		Symbol:        req.Symbol,
		Qty:           n.Qty,
		Price:         n.Price,
		StopPrice:     n.StopPrice,
		Mode:          r.mode,
	}

	if r.mode == config.ModeDry {
		row.Status = string(common.StatusDry)
		res.Status = common.StatusDry
		log.Info("dry order",
			zap.String("side", string(req.Side)),
			zap.String("type", string(req.Type)),
			zap.Float64("qty", n.Qty),
			zap.Float64("stop_price", n.StopPrice))
		if err := r.db.InsertOrder(ctx, row); err != nil {
			return res, fmt.Errorf("persist dry order: %w", err)
		}
		r.metrics.IncOrdersPlaced()
		return res, nil
	}

	out, err := r.gw.SubmitOrder(ctx, ex)
	if err != nil {
		r.metrics.IncOrdersRejected()
		row.Status = string(common.StatusRejected)
		row.Extra, _ = sonic.MarshalString(map[string]string{"error": err.Error()})
		if perr := r.db.InsertOrder(ctx, row); perr != nil {
			log.Error("persist rejected order", zap.Error(perr))
		}
		log.Error("submit failed", zap.Error(err))
		return Result{}, fmt.Errorf("submit %s: %w", clientID, err)
	}

	log.Info("order submitted",
		zap.String("mode", r.mode),
		zap.String("exchange_id", out.ExchangeOrderID),
		zap.String("status", string(out.Status)),
		zap.String("raw", out.Raw))
	r.metrics.IncOrdersPlaced()

	row.ExchangeOrderID = out.ExchangeOrderID
	row.Status = string(out.Status)
	row.Extra = out.Raw
	if err := r.db.InsertOrder(ctx, row); err != nil {
		// The order is live; losing the row must not hide that from the caller.
		log.Error("persist submitted order", zap.Error(err))
	}

	res.ExchangeOrderID = out.ExchangeOrderID
	res.Status = out.Status
	res.AvgPrice = out.AvgPrice
	res.ExecutedQty = out.ExecutedQty
	res.Fee = out.Fee
	return res, nil
}

// Cancel cancels an order. An order the venue no longer knows counts as canceled.
func (r *Router) Cancel(ctx context.Context, req CancelRequest) (Result, error) {
	if req.Symbol == "" || (req.ClientOrderID == "" && req.OrderID == "") {
		return Result{}, errors.New("cancel: symbol and an order id required")
	}
	res := Result{
		ClientOrderID:   req.ClientOrderID,
		ExchangeOrderID: req.OrderID,
		Symbol:          req.Symbol,
		Status:          common.StatusCanceled,
		Mode:            r.mode,
	}
	log := r.log.With(zap.String("symbol", req.Symbol), zap.String("client_id", req.ClientOrderID), zap.String("order_id", req.OrderID))

	if r.mode == config.ModeDry {
		o, err := r.db.GetOrder(ctx, req.ClientOrderID)
		if errors.Is(err, db.ErrNotFound) || (err == nil && common.OrderStatus(o.Status).Terminal()) {
			res.AlreadyGone = true
			return res, nil
		}
		if err != nil {
			return Result{}, fmt.Errorf("cancel %s: %w", req.ClientOrderID, err)
		}
		if err := r.db.UpdateOrderStatus(ctx, req.ClientOrderID, "", string(common.StatusCanceled)); err != nil {
			return Result{}, err
		}
		r.metrics.IncCancels()
		log.Info("dry order canceled")
		return res, nil
	}

	err := r.gw.CancelOrder(ctx, req.Symbol, req.OrderID, req.ClientOrderID)
	switch {
	case errors.Is(err, common.ErrOrderNotFound):
		res.AlreadyGone = true
		log.Info("cancel: order already gone")
	case err != nil:
		log.Warn("cancel failed", zap.Error(err))
		return Result{}, fmt.Errorf("cancel %s%s: %w", req.ClientOrderID, req.OrderID, err)
	default:
		r.metrics.IncCancels()
		log.Info("order canceled")
	}
	if req.ClientOrderID != "" && !res.AlreadyGone {
		if err := r.db.UpdateOrderStatus(ctx, req.ClientOrderID, req.OrderID, string(common.StatusCanceled)); err != nil {
			log.Warn("persist cancel", zap.Error(err))
		}
	}
	return res, nil
}

// ClosePositionMarket flattens qty of a LONG/SHORT position with a reduce-only market order.
func (r *Router) ClosePositionMarket(ctx context.Context, symbol, positionSide string, qty float64, tag string) (Result, error) {
	var side common.Side
	switch strings.ToUpper(positionSide) {
	case db.SideLong:
		side = common.SideSell
	case db.SideShort:
		side = common.SideBuy
	default:
		return Result{}, fmt.Errorf("close %s: invalid position side %q", symbol, positionSide)
	}
	return r.Place(ctx, PlaceRequest{
		Symbol:     symbol,
		Side:       side,
		Qty:        qty,
		Type:       common.OrderTypeMarket,
		ReduceOnly: true,
		Tag:        tag,
	})
}

// OpenOrders lists live orders for symbol ("" for all).
func (r *Router) OpenOrders(ctx context.Context, symbol string) ([]common.OpenOrder, error) {
	if r.mode != config.ModeDry {
		return r.gw.GetOpenOrders(ctx, symbol)
	}
	rows, err := r.db.ListRestingOrders(ctx, r.mode, symbol)
	if err != nil {
		return nil, err
	}
	out := make([]common.OpenOrder, 0, len(rows))
	for _, o := range rows {
		out = append(out, common.OpenOrder{
			Symbol:          o.Symbol,
			ExchangeOrderID: o.ExchangeOrderID,
			ClientID:        o.ClientOrderID,
			Side:            common.Side(o.Side),
			Type:            o.Type,
			Status:          common.OrderStatus(o.Status),
			Price:           o.Price,
			StopPrice:       o.StopPrice,
			Qty:             o.Qty,
			ReduceOnly:      o.ReduceOnly,
		})
	}
	return out, nil
}
