package basedata

import (
	"sort"
	"sync"
)

// SwitchRule records the day a rolling product moved from one contract to another.
type SwitchRule struct {
	Date     uint32  `json:"date"`
	From     string  `json:"from"`
	To       string  `json:"to"`
	OldClose float64 `json:"oldclose"`
	NewClose float64 `json:"newclose"`
}

// RuleSet maps exchange/product to its ordered switch history.
type RuleSet struct {
	mu    sync.RWMutex
	rules map[string][]SwitchRule
}

// NewRuleSet constructs an empty rule set.
func NewRuleSet() *RuleSet {
	return &RuleSet{mu: sync.RWMutex{}, rules: make(map[string][]SwitchRule)}
}

// Load reads a {"<exchange>": {"<product>": [SwitchRule]}} document.
func (r *RuleSet) Load(path string) error {
	var raw map[string]map[string][]SwitchRule
	if err := readJSON(path, &raw); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for exchange, products := range raw {
		for product, list := range products {
			sorted := append([]SwitchRule(nil), list...)
			sort.Slice(sorted, func(i, j int) bool { return sorted[i].Date < sorted[j].Date })
			r.rules[commodityKey(exchange, product)] = sorted
		}
	}
	return nil
}

// Resolve returns the contract active for the product on date, or "" when no rule applies yet.
func (r *RuleSet) Resolve(exchange, product string, date uint32) string {
	r.mu.RLock()
	list := r.rules[commodityKey(exchange, product)]
	r.mu.RUnlock()
	idx := sort.Search(len(list), func(i int) bool { return list[i].Date > date })
	if idx == 0 {
		return ""
	}
	return list[idx-1].To
}

// Len reports the number of products with rules.
func (r *RuleSet) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rules)
}
