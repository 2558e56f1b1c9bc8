// Package schema defines the market records routed between parsers, the writer and extensions.
package schema

import "strings"

// DepthLevels is the number of order book levels carried by a tick.
const DepthLevels = 10

// Tick is one normalized market update for a single instrument.
type Tick struct {
	Exchange string `json:"exchg"`
	Code     string `json:"code"`

	Price      float64 `json:"price"`
	Open       float64 `json:"open"`
	High       float64 `json:"high"`
	Low        float64 `json:"low"`
	Settle     float64 `json:"settle_price"`
	UpperLimit float64 `json:"upper_limit"`
	LowerLimit float64 `json:"lower_limit"`

	TotalVolume   float64 `json:"total_volume"`
	Volume        float64 `json:"volume"`
	TotalTurnover float64 `json:"total_turnover"`
	Turnover      float64 `json:"turn_over"`
	OpenInterest  float64 `json:"open_interest"`
	DiffInterest  float64 `json:"diff_interest"`

	TradingDate uint32 `json:"trading_date"`
	ActionDate  uint32 `json:"action_date"`
	// ActionTime is HHMMSSmmm.
	ActionTime uint32 `json:"action_time"`

	PreClose    float64 `json:"pre_close"`
	PreSettle   float64 `json:"pre_settle"`
	PreInterest float64 `json:"pre_interest"`

	BidPrices [DepthLevels]float64 `json:"bid_prices"`
	AskPrices [DepthLevels]float64 `json:"ask_prices"`
	BidQty    [DepthLevels]float64 `json:"bid_qty"`
	AskQty    [DepthLevels]float64 `json:"ask_qty"`

	// Legs holds the member updates of a combined record; empty for plain ticks.
	Legs []Tick `json:"legs,omitempty"`
}

// StdCode returns the exchange-qualified instrument code.
func (t *Tick) StdCode() string {
	return StdCode(t.Exchange, t.Code)
}

// IsComposite reports whether the tick aggregates several instruments.
func (t *Tick) IsComposite() bool {
	return t != nil && len(t.Legs) > 0
}

// Clone returns a deep copy of the tick.
func (t *Tick) Clone() *Tick {
	if t == nil {
		return nil
	}
	out := *t
	if len(t.Legs) > 0 {
		out.Legs = make([]Tick, len(t.Legs))
		for i := range t.Legs {
			out.Legs[i] = *t.Legs[i].Clone()
		}
	}
	return &out
}

// Slice decomposes a combined record into its member ticks. Members inherit the
// exchange and timestamps of the parent when they do not carry their own. A plain
// tick slices into a single copy of itself.
func (t *Tick) Slice() []*Tick {
	if t == nil {
		return nil
	}
	if len(t.Legs) == 0 {
		return []*Tick{t.Clone()}
	}
	out := make([]*Tick, 0, len(t.Legs))
	for i := range t.Legs {
		leg := t.Legs[i].Clone()
		if leg.Exchange == "" {
			leg.Exchange = t.Exchange
		}
		if leg.TradingDate == 0 {
			leg.TradingDate = t.TradingDate
		}
		if leg.ActionDate == 0 {
			leg.ActionDate = t.ActionDate
		}
		if leg.ActionTime == 0 {
			leg.ActionTime = t.ActionTime
		}
		out = append(out, leg.Slice()...)
	}
	return out
}

// Bar is one aggregated period of trading activity.
type Bar struct {
	Date         uint32  `json:"date"`
	Time         uint32  `json:"time"`
	Open         float64 `json:"open"`
	High         float64 `json:"high"`
	Low          float64 `json:"low"`
	Close        float64 `json:"close"`
	Settle       float64 `json:"settle"`
	Volume       float64 `json:"volume"`
	Turnover     float64 `json:"turnover"`
	OpenInterest float64 `json:"open_interest"`
	DiffInterest float64 `json:"diff_interest"`
}

// OrderQueue is a snapshot of the resting queue at one price level.
type OrderQueue struct {
	Exchange    string   `json:"exchg"`
	Code        string   `json:"code"`
	TradingDate uint32   `json:"trading_date"`
	ActionDate  uint32   `json:"action_date"`
	ActionTime  uint32   `json:"action_time"`
	Side        Side     `json:"side"`
	Price       float64  `json:"price"`
	OrderItems  uint32   `json:"order_items"`
	Qty         uint32   `json:"qty"`
	Volumes     []uint32 `json:"volumes"`
}

// StdCode returns the exchange-qualified instrument code.
func (q *OrderQueue) StdCode() string { return StdCode(q.Exchange, q.Code) }

// OrderDetail is a single order-by-order event.
type OrderDetail struct {
	Exchange    string  `json:"exchg"`
	Code        string  `json:"code"`
	TradingDate uint32  `json:"trading_date"`
	ActionDate  uint32  `json:"action_date"`
	ActionTime  uint32  `json:"action_time"`
	Index       uint64  `json:"index"`
	Side        Side    `json:"side"`
	Price       float64 `json:"price"`
	Volume      uint32  `json:"volume"`
	OrderType   string  `json:"order_type"`
}

// StdCode returns the exchange-qualified instrument code.
func (d *OrderDetail) StdCode() string { return StdCode(d.Exchange, d.Code) }

// Transaction is a single trade-by-trade event.
type Transaction struct {
	Exchange    string  `json:"exchg"`
	Code        string  `json:"code"`
	TradingDate uint32  `json:"trading_date"`
	ActionDate  uint32  `json:"action_date"`
	ActionTime  uint32  `json:"action_time"`
	Index       int64   `json:"index"`
	TransType   string  `json:"ttype"`
	Side        Side    `json:"side"`
	Price       float64 `json:"price"`
	Volume      uint32  `json:"volume"`
	AskOrder    int64   `json:"ask_order"`
	BidOrder    int64   `json:"bid_order"`
}

// StdCode returns the exchange-qualified instrument code.
func (t *Transaction) StdCode() string { return StdCode(t.Exchange, t.Code) }

// Side marks the aggressor or resting side of a high-frequency record.
type Side string

const (
	// SideBuy marks bid side records.
	SideBuy Side = "B"
	// SideSell marks ask side records.
	SideSell Side = "S"
)

// StdCode joins exchange and code into the exchange-qualified form used as a routing key.
func StdCode(exchange, code string) string {
	exchange = strings.TrimSpace(exchange)
	code = strings.TrimSpace(code)
	if exchange == "" {
		return code
	}
	return exchange + "." + code
}

// SplitStdCode is the inverse of StdCode. Codes without an exchange prefix return an empty exchange.
func SplitStdCode(stdCode string) (string, string) {
	trimmed := strings.TrimSpace(stdCode)
	idx := strings.Index(trimmed, ".")
	if idx <= 0 {
		return "", trimmed
	}
	return trimmed[:idx], trimmed[idx+1:]
}
