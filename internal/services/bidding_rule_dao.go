package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"bidhub/pkg/money"

	"github.com/go-redis/redis/v8"
)

const incrementRulesKey = "bidhub:increment_rules"

// IncrementTier applies Increment while the starting price is below UpTo.
// A zero UpTo marks the open-ended top tier.
type IncrementTier struct {
	UpTo      money.Amount `json:"up_to"`
	Increment money.Amount `json:"increment"`
}

type IncrementRules struct {
	Tiers []IncrementTier `json:"tiers"`
}

func DefaultIncrementRules() IncrementRules {
	return IncrementRules{
		Tiers: []IncrementTier{
			{UpTo: 10000, Increment: 500},
			{UpTo: 50000, Increment: 1000},
			{UpTo: 0, Increment: 2500},
		},
	}
}

func (r IncrementRules) Validate() error {
	if len(r.Tiers) == 0 {
		return errors.New("increment rules: no tiers")
	}
	for i, tier := range r.Tiers {
		if !tier.Increment.IsPositive() {
			return fmt.Errorf("increment rules: tier %d has non-positive increment", i)
		}
	}
	return nil
}

func (r IncrementRules) MinIncrementFor(price money.Amount) money.Amount {
	tiers := make([]IncrementTier, len(r.Tiers))
	copy(tiers, r.Tiers)
	sort.SliceStable(tiers, func(i, j int) bool {
		// open-ended tier sorts last
		if tiers[i].UpTo == 0 {
			return false
		}
		if tiers[j].UpTo == 0 {
			return true
		}
		return tiers[i].UpTo < tiers[j].UpTo
	})

	for _, tier := range tiers {
		if tier.UpTo == 0 || price < tier.UpTo {
			return tier.Increment
		}
	}
	return tiers[len(tiers)-1].Increment
}

// StaticIncrementPolicy serves fixed rules without Redis.
type StaticIncrementPolicy struct {
	Rules IncrementRules
}

func (p StaticIncrementPolicy) MinIncrementFor(price money.Amount) money.Amount {
	return p.Rules.MinIncrementFor(price)
}

// BiddingRuleDao keeps the tiered increment rules in Redis so every instance
// applies the same defaults.
type BiddingRuleDao struct {
	client *redis.Client
	mu     sync.RWMutex
	rules  *IncrementRules
}

func NewBiddingRuleDao(client *redis.Client) *BiddingRuleDao {
	return &BiddingRuleDao{
		client: client,
	}
}

func (d *BiddingRuleDao) LoadRules(ctx context.Context) error {
	data, err := d.client.Get(ctx, incrementRulesKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return d.SaveRules(ctx, DefaultIncrementRules())
		}
		return err
	}

	var rules IncrementRules
	if err := json.Unmarshal([]byte(data), &rules); err != nil {
		return fmt.Errorf("decode increment rules: %w", err)
	}
	if err := rules.Validate(); err != nil {
		return err
	}

	d.mu.Lock()
	d.rules = &rules
	d.mu.Unlock()
	return nil
}

func (d *BiddingRuleDao) SaveRules(ctx context.Context, rules IncrementRules) error {
	if err := rules.Validate(); err != nil {
		return err
	}

	data, err := json.Marshal(rules)
	if err != nil {
		return err
	}

	if err := d.client.Set(ctx, incrementRulesKey, string(data), 0).Err(); err != nil {
		return err
	}

	d.mu.Lock()
	d.rules = &rules
	d.mu.Unlock()
	return nil
}

func (d *BiddingRuleDao) MinIncrementFor(price money.Amount) money.Amount {
	d.mu.RLock()
	rules := d.rules
	d.mu.RUnlock()

	if rules == nil {
		return DefaultIncrementRules().MinIncrementFor(price)
	}
	return rules.MinIncrementFor(price)
}
