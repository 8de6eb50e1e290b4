// Package plan loads the reward plan: per tree and tier, the ordered bucket
// list a payment is routed through, plus the entry price and sponsor split.
package plan

import (
	"fmt"
	"os"
	"sort"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/angelmondragon/poolnet-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/poolnet-backend/pkg/errors"
	"github.com/angelmondragon/poolnet-backend/pkg/validate"
)

// Plan is immutable once loaded.
type Plan struct {
	EntryPrice           decimal.Decimal
	DirectSponsorPercent decimal.Decimal
	Trees                map[enums.TreeKind]TreePlan
}

type TreePlan struct {
	// PlacementIncome is paid into the new parent's waterfall when a
	// purchased node is placed under it.
	PlacementIncome decimal.Decimal
	Tiers           []TierPlan
}

type TierPlan struct {
	Tier    int
	Buckets []Bucket
}

type Bucket struct {
	Name     string
	Kind     enums.BucketKind
	Capacity decimal.Decimal
	Rebirth  *RebirthSpec
	// UplineShares[i] is the fraction of the capacity paid to the sponsor
	// i+1 levels up.
	UplineShares []decimal.Decimal
}

type RebirthSpec struct {
	Count int
	Cost  decimal.Decimal
}

type fileBucket struct {
	Name         string   `yaml:"name"`
	Kind         string   `yaml:"kind"`
	Capacity     string   `yaml:"capacity"`
	RebirthCount int      `yaml:"rebirth_count"`
	RebirthCost  string   `yaml:"rebirth_cost"`
	UplineShares []string `yaml:"upline_shares"`
}

type fileTier struct {
	Tier    int          `yaml:"tier"`
	Buckets []fileBucket `yaml:"buckets"`
}

type fileTree struct {
	PlacementIncome string     `yaml:"placement_income"`
	Tiers           []fileTier `yaml:"tiers"`
}

type file struct {
	EntryPrice           string              `yaml:"entry_price"`
	DirectSponsorPercent string              `yaml:"direct_sponsor_percent"`
	Trees                map[string]fileTree `yaml:"trees"`
}

// Load reads and validates the plan at path.
func Load(path string) (*Plan, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeConfiguration, err, fmt.Sprintf("read plan %q", path))
	}
	return Parse(raw)
}

// Parse decodes and validates a YAML plan.
func Parse(raw []byte) (*Plan, error) {
	var f file
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeConfiguration, err, "decode plan")
	}

	p := &Plan{Trees: make(map[enums.TreeKind]TreePlan, len(f.Trees))}
	var err error
	if p.EntryPrice, err = parseAmount("entry_price", f.EntryPrice, true); err != nil {
		return nil, err
	}
	if p.DirectSponsorPercent, err = parseAmount("direct_sponsor_percent", f.DirectSponsorPercent, true); err != nil {
		return nil, err
	}

	for name, ft := range f.Trees {
		tree, err := enums.ParseTreeKind(name)
		if err != nil {
			return nil, configFault(err.Error())
		}
		tp := TreePlan{}
		if tp.PlacementIncome, err = parseAmount(name+".placement_income", ft.PlacementIncome, true); err != nil {
			return nil, err
		}
		for _, t := range ft.Tiers {
			tier := TierPlan{Tier: t.Tier}
			for _, b := range t.Buckets {
				bucket, err := parseBucket(name, t.Tier, b)
				if err != nil {
					return nil, err
				}
				tier.Buckets = append(tier.Buckets, bucket)
			}
			tp.Tiers = append(tp.Tiers, tier)
		}
		sort.Slice(tp.Tiers, func(i, j int) bool { return tp.Tiers[i].Tier < tp.Tiers[j].Tier })
		p.Trees[tree] = tp
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func parseBucket(tree string, tier int, b fileBucket) (Bucket, error) {
	where := fmt.Sprintf("%s tier %d bucket %q", tree, tier, b.Name)
	kindName := b.Kind
	if kindName == "" {
		kindName = b.Name
	}
	kind, err := enums.ParseBucketKind(kindName)
	if err != nil {
		return Bucket{}, configFault(fmt.Sprintf("%s: %v", where, err))
	}
	capacity, err := parseAmount(where+" capacity", b.Capacity, false)
	if err != nil {
		return Bucket{}, err
	}
	bucket := Bucket{Name: b.Name, Kind: kind, Capacity: capacity}
	if bucket.Name == "" {
		bucket.Name = string(kind)
	}
	if kind == enums.BucketRebirth {
		cost, err := parseAmount(where+" rebirth_cost", b.RebirthCost, true)
		if err != nil {
			return Bucket{}, err
		}
		if b.RebirthCost == "" && b.RebirthCount > 0 {
			cost = capacity.Div(decimal.NewFromInt(int64(b.RebirthCount))).Truncate(2)
		}
		bucket.Rebirth = &RebirthSpec{Count: b.RebirthCount, Cost: cost}
	}
	for i, raw := range b.UplineShares {
		share, err := parseAmount(fmt.Sprintf("%s upline_shares[%d]", where, i), raw, false)
		if err != nil {
			return Bucket{}, err
		}
		bucket.UplineShares = append(bucket.UplineShares, share)
	}
	return bucket, nil
}

func parseAmount(field, raw string, allowEmpty bool) (decimal.Decimal, error) {
	if raw == "" {
		if allowEmpty {
			return decimal.Zero, nil
		}
		return decimal.Zero, configFault(field + " is required")
	}
	value, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, configFault(fmt.Sprintf("%s: invalid amount %q", field, raw))
	}
	return value, nil
}

func configFault(msg string) error {
	return pkgerrors.New(pkgerrors.CodeConfiguration, "plan: "+msg)
}

// Validate checks the invariants the waterfall relies on.
func (p *Plan) Validate() error {
	if p.EntryPrice.IsNegative() {
		return configFault("entry_price must not be negative")
	}
	if !validate.Cents(p.EntryPrice) {
		return configFault("entry_price must be in whole cents")
	}
	if p.DirectSponsorPercent.IsNegative() || p.DirectSponsorPercent.GreaterThan(decimal.NewFromInt(100)) {
		return configFault("direct_sponsor_percent must be within [0,100]")
	}
	for _, tree := range enums.AllTreeKinds() {
		tp, ok := p.Trees[tree]
		if !ok {
			return configFault(fmt.Sprintf("tree %q is not configured", tree))
		}
		if tp.PlacementIncome.IsNegative() {
			return configFault(fmt.Sprintf("%s placement_income must not be negative", tree))
		}
		if !validate.Cents(tp.PlacementIncome) {
			return configFault(fmt.Sprintf("%s placement_income must be in whole cents", tree))
		}
		if len(tp.Tiers) == 0 || tp.Tiers[0].Tier != 1 {
			return configFault(fmt.Sprintf("%s must define tier 1", tree))
		}
		for i, tier := range tp.Tiers {
			if tier.Tier != i+1 {
				return configFault(fmt.Sprintf("%s tiers must be contiguous, found tier %d at position %d", tree, tier.Tier, i+1))
			}
			if err := validateTier(tree, tier, i == len(tp.Tiers)-1); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateTier(tree enums.TreeKind, tier TierPlan, last bool) error {
	names := map[string]struct{}{}
	kinds := map[enums.BucketKind]struct{}{}
	for _, b := range tier.Buckets {
		where := fmt.Sprintf("%s tier %d bucket %q", tree, tier.Tier, b.Name)
		if _, dup := names[b.Name]; dup {
			return configFault(where + " is declared twice")
		}
		names[b.Name] = struct{}{}
		if _, dup := kinds[b.Kind]; dup {
			return configFault(fmt.Sprintf("%s tier %d has more than one %s bucket", tree, tier.Tier, b.Kind))
		}
		kinds[b.Kind] = struct{}{}
		if !b.Kind.IsValid() {
			return configFault(where + " has an unknown kind")
		}
		if !b.Capacity.IsPositive() {
			return configFault(where + " capacity must be > 0")
		}
		if !validate.Cents(b.Capacity) {
			return configFault(where + " capacity must be in whole cents")
		}
		switch b.Kind {
		case enums.BucketRebirth:
			if b.Rebirth == nil || b.Rebirth.Count < 1 {
				return configFault(where + " rebirth_count must be >= 1")
			}
			if b.Rebirth.Cost.IsNegative() {
				return configFault(where + " rebirth_cost must not be negative")
			}
			if !validate.Cents(b.Rebirth.Cost) {
				return configFault(where + " rebirth_cost must be in whole cents")
			}
			if b.Rebirth.Cost.Mul(decimal.NewFromInt(int64(b.Rebirth.Count))).GreaterThan(b.Capacity) {
				return configFault(where + " rebirth_count x rebirth_cost exceeds capacity")
			}
		case enums.BucketUpline:
			if len(b.UplineShares) == 0 {
				return configFault(where + " needs at least one upline share")
			}
			sum := decimal.Zero
			for _, share := range b.UplineShares {
				if !share.IsPositive() || share.GreaterThan(decimal.NewFromInt(1)) {
					return configFault(where + " upline shares must be within (0,1]")
				}
				sum = sum.Add(share)
			}
			if sum.GreaterThan(decimal.NewFromInt(1)) {
				return configFault(where + " upline shares sum above 1")
			}
		case enums.BucketUpgrade:
			if last {
				return configFault(where + " upgrades past the last configured tier")
			}
		}
	}
	return nil
}

// Tier returns the bucket layout for tier in tree. A missing tier is a
// configuration fault.
func (p *Plan) Tier(tree enums.TreeKind, tier int) (TierPlan, error) {
	tp, ok := p.Trees[tree]
	if !ok {
		return TierPlan{}, configFault(fmt.Sprintf("tree %q is not configured", tree))
	}
	if tier < 1 || tier > len(tp.Tiers) {
		return TierPlan{}, configFault(fmt.Sprintf("%s tier %d is not configured", tree, tier))
	}
	return tp.Tiers[tier-1], nil
}

// PlacementIncome is the amount distributed to a purchased node's new parent.
func (p *Plan) PlacementIncome(tree enums.TreeKind) decimal.Decimal {
	return p.Trees[tree].PlacementIncome
}

// DirectSponsorCommission is the share of the entry price paid to the sponsor,
// cut down to whole cents.
func (p *Plan) DirectSponsorCommission() decimal.Decimal {
	return p.EntryPrice.Mul(p.DirectSponsorPercent).Div(decimal.NewFromInt(100)).Truncate(2)
}

// Capacity sums the capped buckets of a tier.
func (t TierPlan) Capacity() decimal.Decimal {
	total := decimal.Zero
	for _, b := range t.Buckets {
		total = total.Add(b.Capacity)
	}
	return total
}
