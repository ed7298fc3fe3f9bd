package userstream

import (
	"fmt"
	"strconv"

	"github.com/bytedance/sonic"

	"trading-engine/pkg/exchanges/common"
)

// Event is one decoded user-data message. The set of implementations is closed.
type Event interface {
	EventTime() int64
	sealed()
}

// BalanceUpdate is one wallet entry of an ACCOUNT_UPDATE.
type BalanceUpdate struct {
	Asset         string
	WalletBalance float64
	CrossWallet   float64
}

// PositionUpdate is one position entry of an ACCOUNT_UPDATE. Amount is signed.
type PositionUpdate struct {
	Symbol        string
	Amount        float64
	EntryPrice    float64
	UnrealizedPnL float64
	PositionSide  string
}

type AccountUpdate struct {
	Time      int64
	Reason    string
	Balances  []BalanceUpdate
	Positions []PositionUpdate
}

// OrderTradeUpdate reports an order status change or execution.
type OrderTradeUpdate struct {
	Time            int64
	Symbol          string
	ClientOrderID   string
	ExchangeOrderID string
	Side            common.Side
	OrderType       string
	ExecType        string
	Status          common.OrderStatus
	Qty             float64
	Price           float64
	AvgPrice        float64
	StopPrice       float64
	LastQty         float64
	LastPrice       float64
	FilledQty       float64
	Commission      float64
	RealizedPnL     float64
	ReduceOnly      bool
}

type ListenKeyExpired struct {
	Time      int64
	ListenKey string
}

// MarginPosition is one entry of a MARGIN_CALL.
type MarginPosition struct {
	Symbol            string
	PositionSide      string
	Amount            float64
	MarkPrice         float64
	UnrealizedPnL     float64
	MaintenanceMargin float64
}

type MarginCall struct {
	Time        int64
	CrossWallet float64
	Positions   []MarginPosition
}

// Unknown carries any event type the engine does not act on.
type Unknown struct {
	Time int64
	Type string
	Raw  []byte
}

func (e AccountUpdate) EventTime() int64    { return e.Time }
func (e OrderTradeUpdate) EventTime() int64 { return e.Time }
func (e ListenKeyExpired) EventTime() int64 { return e.Time }
func (e MarginCall) EventTime() int64       { return e.Time }
func (e Unknown) EventTime() int64          { return e.Time }

func (AccountUpdate) sealed()    {}
func (OrderTradeUpdate) sealed() {}
func (ListenKeyExpired) sealed() {}
func (MarginCall) sealed()       {}
func (Unknown) sealed()          {}

// Wire shapes. Binance reuses single letters in both cases ("s"/"S", "x"/"X"...),
// so every pair is declared explicitly to keep case-insensitive matching away.
type wireEnvelope struct {
	Type      string `json:"e"`
	EventTime int64  `json:"E"`
}

type wireAccount struct {
	Type      string `json:"e"`
	EventTime int64  `json:"E"`
	TxTime    int64  `json:"T"`
	Data      struct {
		Reason   string `json:"m"`
		Balances []struct {
			Asset       string `json:"a"`
			Wallet      string `json:"wb"`
			CrossWallet string `json:"cw"`
			Change      string `json:"bc"`
		} `json:"B"`
		Positions []struct {
			Symbol       string `json:"s"`
			Amount       string `json:"pa"`
			EntryPrice   string `json:"ep"`
			Unrealized   string `json:"up"`
			MarginType   string `json:"mt"`
			PositionSide string `json:"ps"`
		} `json:"P"`
	} `json:"a"`
}

type wireOrder struct {
	Type      string `json:"e"`
	EventTime int64  `json:"E"`
	TxTime    int64  `json:"T"`
	Order     struct {
		Symbol          string `json:"s"`
		Side            string `json:"S"`
		ClientOrderID   string `json:"c"`
		OrderType       string `json:"o"`
		OrigType        string `json:"ot"`
		TimeInForce     string `json:"f"`
		Qty             string `json:"q"`
		Price           string `json:"p"`
		AvgPrice        string `json:"ap"`
		StopPrice       string `json:"sp"`
		ExecType        string `json:"x"`
		Status          string `json:"X"`
		OrderID         int64  `json:"i"`
		LastQty         string `json:"l"`
		LastPrice       string `json:"L"`
		FilledQty       string `json:"z"`
		CommissionAsset string `json:"N"`
		Commission      string `json:"n"`
		TradeTime       int64  `json:"T"`
		TradeID         int64  `json:"t"`
		ReduceOnly      bool   `json:"R"`
		Maker           bool   `json:"m"`
		RealizedPnL     string `json:"rp"`
	} `json:"o"`
}

type wireMarginCall struct {
	Type        string `json:"e"`
	EventTime   int64  `json:"E"`
	CrossWallet string `json:"cw"`
	Positions   []struct {
		Symbol       string `json:"s"`
		PositionSide string `json:"ps"`
		Amount       string `json:"pa"`
		MarkPrice    string `json:"mp"`
		Unrealized   string `json:"up"`
		Maintenance  string `json:"mm"`
	} `json:"p"`
}

type wireExpired struct {
	Type      string `json:"e"`
	EventTime int64  `json:"E"`
	ListenKey string `json:"listenKey"`
}

// Decode parses one stream message.
func Decode(raw []byte) (Event, error) {
	var env wireEnvelope
	if err := sonic.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	switch env.Type {
	case "ACCOUNT_UPDATE":
		var w wireAccount
		if err := sonic.Unmarshal(raw, &w); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		ev := AccountUpdate{Time: env.EventTime, Reason: w.Data.Reason}
		for _, b := range w.Data.Balances {
			ev.Balances = append(ev.Balances, BalanceUpdate{Asset: b.Asset, WalletBalance: num(b.Wallet), CrossWallet: num(b.CrossWallet)})
		}
		for _, p := range w.Data.Positions {
			ev.Positions = append(ev.Positions, PositionUpdate{
				Symbol:        p.Symbol,
				Amount:        num(p.Amount),
				EntryPrice:    num(p.EntryPrice),
				UnrealizedPnL: num(p.Unrealized),
				PositionSide:  p.PositionSide,
			})
		}
		return ev, nil

	case "ORDER_TRADE_UPDATE":
		var w wireOrder
		if err := sonic.Unmarshal(raw, &w); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		o := w.Order
		typ := o.OrigType
		if typ == "" {
			typ = o.OrderType
		}
		return OrderTradeUpdate{
			Time:            env.EventTime,
			Symbol:          o.Symbol,
			ClientOrderID:   o.ClientOrderID,
			ExchangeOrderID: strconv.FormatInt(o.OrderID, 10),
			Side:            common.Side(o.Side),
			OrderType:       typ,
			ExecType:        o.ExecType,
			Status:          common.MapStatus(o.Status),
			Qty:             num(o.Qty),
			Price:           num(o.Price),
			AvgPrice:        num(o.AvgPrice),
			StopPrice:       num(o.StopPrice),
			LastQty:         num(o.LastQty),
			LastPrice:       num(o.LastPrice),
			FilledQty:       num(o.FilledQty),
			Commission:      num(o.Commission),
			RealizedPnL:     num(o.RealizedPnL),
			ReduceOnly:      o.ReduceOnly,
		}, nil

	case "listenKeyExpired":
		var w wireExpired
		if err := sonic.Unmarshal(raw, &w); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return ListenKeyExpired{Time: env.EventTime, ListenKey: w.ListenKey}, nil

	case "MARGIN_CALL":
		var w wireMarginCall
		if err := sonic.Unmarshal(raw, &w); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		ev := MarginCall{Time: env.EventTime, CrossWallet: num(w.CrossWallet)}
		for _, p := range w.Positions {
			ev.Positions = append(ev.Positions, MarginPosition{
				Symbol:            p.Symbol,
				PositionSide:      p.PositionSide,
				Amount:            num(p.Amount),
				MarkPrice:         num(p.MarkPrice),
				UnrealizedPnL:     num(p.Unrealized),
				MaintenanceMargin: num(p.Maintenance),
			})
		}
		return ev, nil
	}

	return Unknown{Time: env.EventTime, Type: env.Type, Raw: append([]byte(nil), raw...)}, nil
}

func num(s string) float64 {
	if s == "" {
		return 0
	}
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
