package tier

import (
	"fmt"
	"strings"
	"time"
)

// Tier is the subscription level attached to an account.
type Tier string

const (
	Free       Tier = "free"
	Basic      Tier = "basic"
	Pro        Tier = "pro"
	Business   Tier = "business"
	Enterprise Tier = "enterprise"
)

// Status reflects the billing state of the subscription.
type Status string

const (
	StatusActive   Status = "active"
	StatusTrialing Status = "trialing"
	StatusCanceled Status = "canceled"
	StatusPastDue  Status = "past_due"
	StatusExpired  Status = "expired"
)

// Policy describes the quota granted to a tier.
type Policy struct {
	Quota                 int
	Window                time.Duration
	ComprehensiveEligible bool
	Unmetered             bool
}

var defaultPolicies = map[Tier]Policy{
	Free:       {Quota: 3, Window: 7 * 24 * time.Hour},
	Basic:      {Quota: 150, Window: 30 * 24 * time.Hour},
	Pro:        {Quota: 400, Window: 30 * 24 * time.Hour, ComprehensiveEligible: true},
	Business:   {Quota: 1000, Window: 30 * 24 * time.Hour, ComprehensiveEligible: true},
	Enterprise: {Quota: 1000, Window: 30 * 24 * time.Hour, ComprehensiveEligible: true},
}

// Table is the closed, read-only tier policy mapping. Built once at startup
// via NewTable; lookups at request time never mutate it.
type Table struct {
	policies map[Tier]Policy
}

// Override adjusts a single tier's quota or window without reopening the set
// of known tiers.
type Override struct {
	Tier      string
	Quota     int
	Window    time.Duration
	Unmetered *bool
}

// NewTable builds the policy table from the built-in defaults plus any
// configured overrides. Overrides naming an unknown tier fail loudly here
// rather than silently at request time.
func NewTable(overrides []Override) (*Table, error) {
	policies := make(map[Tier]Policy, len(defaultPolicies))
	for t, p := range defaultPolicies {
		policies[t] = p
	}
	for i, o := range overrides {
		t, ok := Parse(o.Tier)
		if !ok {
			return nil, fmt.Errorf("tiers[%d]: unknown tier %q", i, o.Tier)
		}
		p := policies[t]
		if o.Quota < 0 {
			return nil, fmt.Errorf("tiers[%d]: quota must be >= 0", i)
		}
		if o.Quota > 0 {
			p.Quota = o.Quota
		}
		if o.Window < 0 {
			return nil, fmt.Errorf("tiers[%d]: window must be >= 0", i)
		}
		if o.Window > 0 {
			p.Window = o.Window
		}
		if o.Unmetered != nil {
			if t != Enterprise && *o.Unmetered {
				return nil, fmt.Errorf("tiers[%d]: only enterprise may be unmetered", i)
			}
			p.Unmetered = *o.Unmetered
		}
		policies[t] = p
	}
	return &Table{policies: policies}, nil
}

// Lookup returns the policy for an effective tier. Callers must resolve the
// effective tier first; passing a raw account tier here skips the demotion
// rule and is a bug.
func (t *Table) Lookup(effective Tier) Policy {
	if t == nil {
		return defaultPolicies[Free]
	}
	if p, ok := t.policies[effective]; ok {
		return p
	}
	return t.policies[Free]
}

// Effective applies the demotion rule: a subscription that is not active is
// quota-limited as free no matter what tier the account record carries.
func Effective(t Tier, s Status) Tier {
	if s != StatusActive {
		return Free
	}
	if _, ok := defaultPolicies[t]; !ok {
		return Free
	}
	return t
}

// Parse maps a raw string onto the closed tier set.
func Parse(raw string) (Tier, bool) {
	switch Tier(strings.ToLower(strings.TrimSpace(raw))) {
	case Free:
		return Free, true
	case Basic:
		return Basic, true
	case Pro:
		return Pro, true
	case Business:
		return Business, true
	case Enterprise:
		return Enterprise, true
	}
	return "", false
}

// ParseStatus maps a raw string onto the closed status set.
func ParseStatus(raw string) (Status, bool) {
	switch Status(strings.ToLower(strings.TrimSpace(raw))) {
	case StatusActive:
		return StatusActive, true
	case StatusTrialing:
		return StatusTrialing, true
	case StatusCanceled:
		return StatusCanceled, true
	case StatusPastDue:
		return StatusPastDue, true
	case StatusExpired:
		return StatusExpired, true
	}
	return "", false
}
