package rewards

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	// DefaultThresholdAmount is the order total that earns one tier of reward points.
	DefaultThresholdAmount = 100
	// DefaultBasePoints is the number of points granted for the first tier.
	DefaultBasePoints = 10
	// DefaultLoyaltyOrderThreshold is the number of completed orders per loyalty milestone.
	DefaultLoyaltyOrderThreshold = 5
	// DefaultLoyaltyPointsAmount is the flat bonus granted at each loyalty milestone.
	DefaultLoyaltyPointsAmount = 50

	minimumTierPoints = 1
)

// ErrNegativeOrderTotal indicates that an order total below zero was supplied.
var ErrNegativeOrderTotal = errors.New("rewards: order total must not be negative")

// Rules holds the tunables used by the calculator.
type Rules struct {
	ThresholdAmount       decimal.Decimal
	BasePoints            int
	LoyaltyOrderThreshold int
	LoyaltyPointsAmount   int
}

// RawRules carries unparsed tunables as they arrive from configuration.
type RawRules struct {
	ThresholdAmount       string
	BasePoints            string
	LoyaltyOrderThreshold string
	LoyaltyPointsAmount   string
}

// DefaultRules returns the rules used when nothing is configured.
func DefaultRules() Rules {
	return Rules{
		ThresholdAmount:       decimal.NewFromInt(DefaultThresholdAmount),
		BasePoints:            DefaultBasePoints,
		LoyaltyOrderThreshold: DefaultLoyaltyOrderThreshold,
		LoyaltyPointsAmount:   DefaultLoyaltyPointsAmount,
	}
}

// RulesFromConfig parses raw tunables, falling back to the default for every
// value that is missing, malformed or not positive.
func RulesFromConfig(raw RawRules) Rules {
	rules := DefaultRules()

	if threshold, err := decimal.NewFromString(strings.TrimSpace(raw.ThresholdAmount)); err == nil && threshold.IsPositive() {
		rules.ThresholdAmount = threshold
	}
	rules.BasePoints = positiveIntOr(raw.BasePoints, rules.BasePoints)
	rules.LoyaltyOrderThreshold = positiveIntOr(raw.LoyaltyOrderThreshold, rules.LoyaltyOrderThreshold)
	rules.LoyaltyPointsAmount = positiveIntOr(raw.LoyaltyPointsAmount, rules.LoyaltyPointsAmount)

	return rules
}

func positiveIntOr(rawValue string, fallback int) int {
	parsed, err := strconv.Atoi(strings.TrimSpace(rawValue))
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

// Calculator computes reward and loyalty points for completed orders.
type Calculator struct {
	rules Rules
}

// NewCalculator constructs a calculator, replacing unusable rule values with defaults.
func NewCalculator(rules Rules) *Calculator {
	defaults := DefaultRules()
	if !rules.ThresholdAmount.IsPositive() {
		rules.ThresholdAmount = defaults.ThresholdAmount
	}
	if rules.BasePoints <= 0 {
		rules.BasePoints = defaults.BasePoints
	}
	if rules.LoyaltyOrderThreshold <= 0 {
		rules.LoyaltyOrderThreshold = defaults.LoyaltyOrderThreshold
	}
	if rules.LoyaltyPointsAmount <= 0 {
		rules.LoyaltyPointsAmount = defaults.LoyaltyPointsAmount
	}
	return &Calculator{rules: rules}
}

// Rules exposes the effective rules.
func (c *Calculator) Rules() Rules {
	return c.rules
}

// ThresholdCount returns how many whole thresholds the order total covers.
func (c *Calculator) ThresholdCount(orderTotal decimal.Decimal) int {
	if !orderTotal.IsPositive() {
		return 0
	}
	return int(orderTotal.Div(c.rules.ThresholdAmount).Floor().IntPart())
}

// RewardPoints returns the tiered points for an order total. Tier i (zero based)
// contributes max(base-i, 1) points, so larger orders keep earning at a
// decreasing rate that never drops below one point per tier.
func (c *Calculator) RewardPoints(orderTotal decimal.Decimal) int {
	tiers := c.ThresholdCount(orderTotal)
	points := 0
	for tier := 0; tier < tiers; tier++ {
		points += max(c.rules.BasePoints-tier, minimumTierPoints)
	}
	return points
}

// LoyaltyPoints returns the cumulative loyalty points earned for a number of completed orders.
func (c *Calculator) LoyaltyPoints(completedOrders int) int {
	if completedOrders <= 0 {
		return 0
	}
	return (completedOrders / c.rules.LoyaltyOrderThreshold) * c.rules.LoyaltyPointsAmount
}

// LoyaltyMilestoneBonus returns the loyalty points unlocked when the completed
// order count moves from previous to current.
func (c *Calculator) LoyaltyMilestoneBonus(previousCompleted, currentCompleted int) int {
	bonus := c.LoyaltyPoints(currentCompleted) - c.LoyaltyPoints(previousCompleted)
	if bonus < 0 {
		return 0
	}
	return bonus
}

// Award describes the points granted for a single completed order.
type Award struct {
	RewardPoints    int
	LoyaltyBonus    int
	CompletedOrders int
}

// Total returns the sum of reward and loyalty points.
func (a Award) Total() int {
	return a.RewardPoints + a.LoyaltyBonus
}

// Calculate returns the award for completing an order. completedBefore is the
// number of orders the customer had completed before this one.
func (c *Calculator) Calculate(orderTotal decimal.Decimal, completedBefore int) (Award, error) {
	if orderTotal.IsNegative() {
		return Award{}, fmt.Errorf("%w: %s", ErrNegativeOrderTotal, orderTotal.String())
	}
	if completedBefore < 0 {
		completedBefore = 0
	}
	completedAfter := completedBefore + 1
	return Award{
		RewardPoints:    c.RewardPoints(orderTotal),
		LoyaltyBonus:    c.LoyaltyMilestoneBonus(completedBefore, completedAfter),
		CompletedOrders: completedAfter,
	}, nil
}
