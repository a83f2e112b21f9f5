package domain

import (
	"fmt"
	"strings"
	"time"
)

// Constituent is a directory row used to populate batches. How the list was
// filtered (all with a phone, a tag, a region) is the caller's business.
type Constituent struct {
	ID          string
	Name        string
	PhoneNumber string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ChannelConfig is the per-category outbound configuration looked up when a
// demand-notification batch runs: which instance sends, the template, the
// delay bounds and an optional auto-reaction emoji for inbound replies.
type ChannelConfig struct {
	Category        string
	Enabled         bool
	InstanceName    string
	MessageTemplate string
	MinDelay        int
	MaxDelay        int
	ReactionEmoji   *string
	UpdatedAt       time.Time
}

func (c *ChannelConfig) Validate() error {
	if strings.TrimSpace(c.Category) == "" {
		return fmt.Errorf("%w: category is required", ErrValidation)
	}
	if !c.Enabled {
		return nil
	}
	if strings.TrimSpace(c.InstanceName) == "" {
		return fmt.Errorf("%w: instance name is required for enabled channel %q", ErrValidation, c.Category)
	}
	if strings.TrimSpace(c.MessageTemplate) == "" {
		return fmt.Errorf("%w: message template is required for enabled channel %q", ErrValidation, c.Category)
	}
	if c.MaxDelay < c.MinDelay || c.MinDelay < 0 {
		return fmt.Errorf("%w: invalid delay bounds for channel %q", ErrValidation, c.Category)
	}
	return nil
}
