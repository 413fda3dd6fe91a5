package antiban

import (
	"fmt"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// Tier holds the send ceilings for an account age/type
type Tier struct {
	Name            string  `yaml:"-" json:"name"`
	PerHour         int     `yaml:"per_hour" json:"per_hour"`
	PerDay          int     `yaml:"per_day" json:"per_day"`
	PerWeek         int     `yaml:"per_week" json:"per_week"`
	DelayMultiplier float64 `yaml:"delay_multiplier" json:"delay_multiplier"`
}

// Built-in tier names
const (
	TierNewAccount  = "new_account"
	TierWarming     = "warming"
	TierEstablished = "established"
	TierBusiness    = "business"
)

// DefaultTiers returns the built-in account tiers
func DefaultTiers() map[string]Tier {
	return map[string]Tier{
		TierNewAccount:  {Name: TierNewAccount, PerHour: 20, PerDay: 100, PerWeek: 500, DelayMultiplier: 2.0},
		TierWarming:     {Name: TierWarming, PerHour: 50, PerDay: 300, PerWeek: 1500, DelayMultiplier: 1.5},
		TierEstablished: {Name: TierEstablished, PerHour: 100, PerDay: 600, PerWeek: 3500, DelayMultiplier: 1.0},
		TierBusiness:    {Name: TierBusiness, PerHour: 200, PerDay: 1500, PerWeek: 8000, DelayMultiplier: 0.8},
	}
}

// ActiveHours is the local-time window in which sending is allowed.
// Start is inclusive, End exclusive. Start == End means always active,
// Start > End wraps past midnight.
type ActiveHours struct {
	Start int `yaml:"start" json:"start"`
	End   int `yaml:"end" json:"end"`
}

// Contains reports whether the hour of t falls inside the window
func (a ActiveHours) Contains(t time.Time) bool {
	h := t.Hour()
	switch {
	case a.Start == a.End:
		return true
	case a.Start < a.End:
		return h >= a.Start && h < a.End
	default:
		return h >= a.Start || h < a.End
	}
}

// Config contains anti-ban settings
type Config struct {
	Tier                 string          `yaml:"tier"`
	Tiers                map[string]Tier `yaml:"tiers,omitempty"`
	BaseDelay            time.Duration   `yaml:"base_delay"`
	Jitter               float64         `yaml:"jitter"`
	AfterErrorDelay      time.Duration   `yaml:"after_error_delay"`
	MaxConsecutiveErrors int             `yaml:"max_consecutive_errors"`
	PauseDuration        time.Duration   `yaml:"pause_duration"`
	ActiveHours          ActiveHours     `yaml:"active_hours"`
	PerRecipientLimit    int             `yaml:"per_recipient_limit"`

	// keys present in the loaded YAML whose zero value is meaningful
	explicit explicitKeys
}

type explicitKeys uint8

const (
	explicitJitter explicitKeys = 1 << iota
	explicitActiveHours
	explicitPerRecipientLimit
)

// UnmarshalYAML decodes the section and remembers which optional keys were
// set, so that jitter: 0, active_hours {0, 0} and per_recipient_limit: 0
// keep their meaning (no jitter, always active, no per-recipient cap)
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	type plain Config
	if err := value.Decode((*plain)(c)); err != nil {
		return err
	}
	if value.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(value.Content); i += 2 {
		switch value.Content[i].Value {
		case "jitter":
			c.explicit |= explicitJitter
		case "active_hours":
			c.explicit |= explicitActiveHours
		case "per_recipient_limit":
			c.explicit |= explicitPerRecipientLimit
		}
	}
	return nil
}

// DefaultConfig returns the default anti-ban settings
func DefaultConfig() Config {
	return Config{
		Tier:                 TierNewAccount,
		BaseDelay:            5 * time.Second,
		Jitter:               0.3,
		AfterErrorDelay:      60 * time.Second,
		MaxConsecutiveErrors: 5,
		PauseDuration:        30 * time.Minute,
		ActiveHours:          ActiveHours{Start: 8, End: 21},
		PerRecipientLimit:    3,
	}
}

// SetDefaults fills zero values from DefaultConfig. Jitter, ActiveHours and
// PerRecipientLimit are left alone when they were set explicitly in YAML.
func (c *Config) SetDefaults() {
	d := DefaultConfig()
	if c.Tier == "" {
		c.Tier = d.Tier
	}
	if c.BaseDelay == 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.Jitter == 0 && c.explicit&explicitJitter == 0 {
		c.Jitter = d.Jitter
	}
	if c.AfterErrorDelay == 0 {
		c.AfterErrorDelay = d.AfterErrorDelay
	}
	if c.MaxConsecutiveErrors == 0 {
		c.MaxConsecutiveErrors = d.MaxConsecutiveErrors
	}
	if c.PauseDuration == 0 {
		c.PauseDuration = d.PauseDuration
	}
	if c.ActiveHours == (ActiveHours{}) && c.explicit&explicitActiveHours == 0 {
		c.ActiveHours = d.ActiveHours
	}
	if c.PerRecipientLimit == 0 && c.explicit&explicitPerRecipientLimit == 0 {
		c.PerRecipientLimit = d.PerRecipientLimit
	}
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if c.BaseDelay < 0 || c.AfterErrorDelay < 0 || c.PauseDuration < 0 {
		return fmt.Errorf("delays must not be negative")
	}
	if c.Jitter < 0 || c.Jitter >= 1 {
		return fmt.Errorf("jitter must be in [0, 1)")
	}
	if c.MaxConsecutiveErrors < 1 {
		return fmt.Errorf("max_consecutive_errors must be at least 1")
	}
	if c.ActiveHours.Start < 0 || c.ActiveHours.Start > 23 || c.ActiveHours.End < 0 || c.ActiveHours.End > 23 {
		return fmt.Errorf("active_hours must be between 0 and 23")
	}
	if c.PerRecipientLimit < 0 {
		return fmt.Errorf("per_recipient_limit must not be negative")
	}
	for name, t := range c.Tiers {
		if t.PerHour <= 0 || t.PerDay <= 0 || t.PerWeek <= 0 {
			return fmt.Errorf("tier %s: limits must be positive", name)
		}
		if t.DelayMultiplier < 0 {
			return fmt.Errorf("tier %s: delay_multiplier must not be negative", name)
		}
	}
	if _, ok := c.tiers()[c.Tier]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTier, c.Tier)
	}
	return nil
}

// tiers merges the built-in tiers with configured overrides
func (c *Config) tiers() map[string]Tier {
	tiers := DefaultTiers()
	for name, t := range c.Tiers {
		t.Name = name
		if t.DelayMultiplier == 0 {
			t.DelayMultiplier = 1
		}
		tiers[name] = t
	}
	return tiers
}

func sortedTiers(tiers map[string]Tier) []Tier {
	list := make([]Tier, 0, len(tiers))
	for _, t := range tiers {
		list = append(list, t)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].PerHour != list[j].PerHour {
			return list[i].PerHour < list[j].PerHour
		}
		return list[i].Name < list[j].Name
	})
	return list
}
