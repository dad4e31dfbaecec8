package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// MarketStatus represents the lifecycle state of a market. Transitions only
// move forward: open -> closed -> settled.
type MarketStatus string

const (
	MarketStatusOpen    MarketStatus = "open"
	MarketStatusClosed  MarketStatus = "closed"
	MarketStatusSettled MarketStatus = "settled"
)

// Market is a question with an ordered, immutable set of options.
type Market struct {
	ID          string       `json:"id"`
	Title       string       `json:"title"`
	Category    string       `json:"category,omitempty"`
	Periodicity string       `json:"periodicity,omitempty"`
	Options     []string     `json:"options"`
	Status      MarketStatus `json:"status"`
	EndTime     time.Time    `json:"end_time"`
	Resolution  string       `json:"resolution,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	ClosedAt    *time.Time   `json:"closed_at,omitempty"`
	SettledAt   *time.Time   `json:"settled_at,omitempty"`
}

// ValidOption reports whether option indexes one of the market's options.
func (m Market) ValidOption(option int) bool {
	return option >= 0 && option < len(m.Options)
}

// AcceptsOrders reports whether the market is open at now.
func (m Market) AcceptsOrders(now time.Time) bool {
	return m.Status == MarketStatusOpen && now.Before(m.EndTime)
}

// OutcomeKind distinguishes the three ways a market can resolve.
type OutcomeKind string

const (
	OutcomeWinner OutcomeKind = "winner"
	OutcomeVoid   OutcomeKind = "void"
	OutcomeTie    OutcomeKind = "tie"
)

// Outcome is the operator-supplied resolution of a market.
type Outcome struct {
	Kind          OutcomeKind `json:"kind"`
	WinningOption int         `json:"winning_option,omitempty"`
	TiedOptions   []int       `json:"tied_options,omitempty"`
}

// Validate checks the outcome against the market's option set.
func (o Outcome) Validate(m Market) error {
	switch o.Kind {
	case OutcomeWinner:
		if !m.ValidOption(o.WinningOption) {
			return fmt.Errorf("%w: winning option %d", ErrInvalidOutcome, o.WinningOption)
		}
	case OutcomeVoid:
	case OutcomeTie:
		if len(o.TiedOptions) < 2 {
			return fmt.Errorf("%w: a tie needs at least two options", ErrInvalidOutcome)
		}
		seen := make(map[int]bool, len(o.TiedOptions))
		for _, opt := range o.TiedOptions {
			if !m.ValidOption(opt) || seen[opt] {
				return fmt.Errorf("%w: tied option %d", ErrInvalidOutcome, opt)
			}
			seen[opt] = true
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidOutcome, o.Kind)
	}
	return nil
}

// String renders the outcome as stored in Market.Resolution:
// "option:2", "void" or "tie:0,1".
func (o Outcome) String() string {
	switch o.Kind {
	case OutcomeWinner:
		return "option:" + strconv.Itoa(o.WinningOption)
	case OutcomeTie:
		parts := make([]string, len(o.TiedOptions))
		for i, opt := range o.TiedOptions {
			parts[i] = strconv.Itoa(opt)
		}
		return "tie:" + strings.Join(parts, ",")
	default:
		return string(o.Kind)
	}
}
