// Package basedata holds the reference data the runner consults while routing market data:
// trading sessions, commodities, contracts, holidays and hot/second contract rules.
package basedata

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/webclinic017/wondertrader/errs"
)

// CommodityInfo describes a product family listed on an exchange.
type CommodityInfo struct {
	Exchange  string  `json:"exchg"`
	Product   string  `json:"-"`
	Name      string  `json:"name"`
	Session   string  `json:"session"`
	Holiday   string  `json:"holiday"`
	Category  int     `json:"category"`
	Precision int     `json:"precision"`
	PriceTick float64 `json:"pricetick"`
	VolScale  float64 `json:"volscale"`
}

// ContractInfo describes one tradable instrument.
type ContractInfo struct {
	Exchange     string  `json:"exchg"`
	Code         string  `json:"code"`
	Name         string  `json:"name"`
	Product      string  `json:"product"`
	MaxLimitQty  float64 `json:"maxlimitqty"`
	MaxMarketQty float64 `json:"maxmarketqty"`
}

// StdCode returns the exchange-qualified instrument code.
func (c *ContractInfo) StdCode() string { return c.Exchange + "." + c.Code }

// Store is the process-wide reference data registry. All methods are safe for concurrent use.
type Store struct {
	mu          sync.RWMutex
	sessions    map[string]*SessionInfo
	commodities map[string]*CommodityInfo
	contracts   map[string]*ContractInfo
	byExchange  map[string][]*ContractInfo
	holidays    map[string]map[uint32]struct{}
	hots        *RuleSet
	seconds     *RuleSet
}

// NewStore constructs an empty store.
func NewStore() *Store {
	return &Store{
		mu:          sync.RWMutex{},
		sessions:    make(map[string]*SessionInfo),
		commodities: make(map[string]*CommodityInfo),
		contracts:   make(map[string]*ContractInfo),
		byExchange:  make(map[string][]*ContractInfo),
		holidays:    make(map[string]map[uint32]struct{}),
		hots:        NewRuleSet(),
		seconds:     NewRuleSet(),
	}
}

// LoadSessions reads a {"<id>": SessionInfo} document.
func (s *Store) LoadSessions(path string) error {
	var raw map[string]*SessionInfo
	if err := readJSON(path, &raw); err != nil {
		return err
	}
	s.mu.Lock()
	for id, info := range raw {
		if info == nil {
			continue
		}
		info.ID = id
		s.sessions[id] = info
	}
	s.mu.Unlock()
	return nil
}

// LoadCommodities reads a {"<exchange>": {"<product>": CommodityInfo}} document.
func (s *Store) LoadCommodities(path string) error {
	var raw map[string]map[string]*CommodityInfo
	if err := readJSON(path, &raw); err != nil {
		return err
	}
	s.mu.Lock()
	for exchange, products := range raw {
		for product, info := range products {
			if info == nil {
				continue
			}
			info.Product = product
			if info.Exchange == "" {
				info.Exchange = exchange
			}
			s.commodities[commodityKey(info.Exchange, product)] = info
		}
	}
	s.mu.Unlock()
	return nil
}

// LoadContracts reads a {"<exchange>": {"<code>": ContractInfo}} document.
func (s *Store) LoadContracts(path string) error {
	var raw map[string]map[string]*ContractInfo
	if err := readJSON(path, &raw); err != nil {
		return err
	}
	s.mu.Lock()
	for exchange, contracts := range raw {
		for code, info := range contracts {
			if info == nil {
				continue
			}
			if info.Code == "" {
				info.Code = code
			}
			if info.Exchange == "" {
				info.Exchange = exchange
			}
			key := info.StdCode()
			if _, exists := s.contracts[key]; !exists {
				s.byExchange[info.Exchange] = append(s.byExchange[info.Exchange], info)
			}
			s.contracts[key] = info
		}
	}
	s.mu.Unlock()
	return nil
}

// LoadHolidays reads a {"<template>": [yyyymmdd, ...]} document.
func (s *Store) LoadHolidays(path string) error {
	var raw map[string][]uint32
	if err := readJSON(path, &raw); err != nil {
		return err
	}
	s.mu.Lock()
	for tpl, dates := range raw {
		set := s.holidays[tpl]
		if set == nil {
			set = make(map[uint32]struct{}, len(dates))
			s.holidays[tpl] = set
		}
		for _, d := range dates {
			set[d] = struct{}{}
		}
	}
	s.mu.Unlock()
	return nil
}

// LoadHots reads the hot (main) contract switch rules.
func (s *Store) LoadHots(path string) error {
	return s.hots.Load(path)
}

// LoadSeconds reads the second-main contract switch rules.
func (s *Store) LoadSeconds(path string) error {
	return s.seconds.Load(path)
}

// Session looks up a session template by id.
func (s *Store) Session(id string) (*SessionInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info, ok := s.sessions[id]
	return info, ok
}

// Sessions returns every loaded session sorted by id.
func (s *Store) Sessions() []*SessionInfo {
	s.mu.RLock()
	out := make([]*SessionInfo, 0, len(s.sessions))
	for _, info := range s.sessions {
		out = append(out, info)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Commodity looks up a product family.
func (s *Store) Commodity(exchange, product string) (*CommodityInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info, ok := s.commodities[commodityKey(exchange, product)]
	return info, ok
}

// Contract looks up an instrument. An empty exchange matches the first contract with that code.
func (s *Store) Contract(code, exchange string) (*ContractInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if exchange != "" {
		info, ok := s.contracts[exchange+"."+code]
		return info, ok
	}
	for _, info := range s.contracts {
		if info.Code == code {
			return info, true
		}
	}
	return nil, false
}

// Contracts lists the instruments of an exchange, or of every exchange when empty.
func (s *Store) Contracts(exchange string) []*ContractInfo {
	s.mu.RLock()
	var out []*ContractInfo
	if exchange != "" {
		out = append(out, s.byExchange[exchange]...)
	} else {
		for _, list := range s.byExchange {
			out = append(out, list...)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StdCode() < out[j].StdCode() })
	return out
}

// HasContracts reports whether any contract has been loaded.
func (s *Store) HasContracts() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.contracts) > 0
}

// SessionFor resolves the session template of an instrument via its commodity.
func (s *Store) SessionFor(exchange, code string) (*SessionInfo, bool) {
	contract, ok := s.Contract(code, exchange)
	if !ok {
		return nil, false
	}
	commodity, ok := s.Commodity(contract.Exchange, contract.Product)
	if !ok {
		return nil, false
	}
	return s.Session(commodity.Session)
}

// IsHoliday reports whether date is listed under the holiday template.
func (s *Store) IsHoliday(template string, date uint32) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.holidays[template][date]
	return ok
}

// IsTradingDate reports whether date is neither a weekend nor a holiday of the template.
func (s *Store) IsTradingDate(template string, date uint32) bool {
	t := time.Date(int(date/10000), time.Month(date/100%100), int(date%100), 0, 0, 0, 0, time.Local)
	if wd := t.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false
	}
	return !s.IsHoliday(template, date)
}

// HotCode resolves the hot contract of a product on date.
func (s *Store) HotCode(exchange, product string, date uint32) string {
	return s.hots.Resolve(exchange, product, date)
}

// SecondCode resolves the second-hot contract of a product on date.
func (s *Store) SecondCode(exchange, product string, date uint32) string {
	return s.seconds.Resolve(exchange, product, date)
}

// NormalizePrice rounds price to the price tick of the instrument's commodity. Unknown
// instruments and non-positive ticks leave the price untouched.
func (s *Store) NormalizePrice(exchange, code string, price float64) float64 {
	contract, ok := s.Contract(code, exchange)
	if !ok {
		return price
	}
	commodity, ok := s.Commodity(contract.Exchange, contract.Product)
	if !ok || commodity.PriceTick <= 0 {
		return price
	}
	tick := decimal.NewFromFloat(commodity.PriceTick)
	rounded := decimal.NewFromFloat(price).Div(tick).Round(0).Mul(tick)
	if commodity.Precision > 0 {
		rounded = rounded.Round(int32(commodity.Precision))
	}
	out, _ := rounded.Float64()
	return out
}

func commodityKey(exchange, product string) string {
	return strings.TrimSpace(exchange) + "." + strings.TrimSpace(product)
}

func readJSON(path string, out any) error {
	data, err := os.ReadFile(path) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return errs.New("basedata", errs.CodeIO,
			errs.WithMessage("read reference data"),
			errs.WithField("path", path),
			errs.WithCause(err))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
