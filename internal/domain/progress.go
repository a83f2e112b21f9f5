package domain

import (
	"fmt"
	"strings"
	"time"
)

// ProgressStatus is the per-recipient state inside a sending session.
type ProgressStatus string

const (
	ProgressPending ProgressStatus = "pending"
	ProgressSending ProgressStatus = "sending"
	ProgressSent    ProgressStatus = "sent"
	ProgressError   ProgressStatus = "error"
)

func (s ProgressStatus) String() string { return string(s) }

func (s ProgressStatus) IsValid() bool {
	switch s {
	case ProgressPending, ProgressSending, ProgressSent, ProgressError:
		return true
	}
	return false
}

// IsTerminal reports whether the recipient counts as processed.
func (s ProgressStatus) IsTerminal() bool {
	return s == ProgressSent || s == ProgressError
}

// Attachment is an optional per-recipient media item sent alongside the text.
type Attachment struct {
	URL      string `json:"url"`
	MimeType string `json:"mimeType"`
	FileName string `json:"fileName,omitempty"`
}

// RecipientProgress tracks one dispatch attempt inside a batch.
// Countdown is only set while this recipient is the current one waiting
// out its throttle delay; Error is only set when Status is error.
type RecipientProgress struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	PhoneNumber string         `json:"phoneNumber"`
	Status      ProgressStatus `json:"status"`
	Countdown   *int           `json:"countdown,omitempty"`
	Error       *string        `json:"error,omitempty"`
	SentAt      *time.Time     `json:"sentAt,omitempty"`
	Attachments []Attachment   `json:"attachments,omitempty"`
}

func (r *RecipientProgress) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("%w: recipient id is required", ErrValidation)
	}
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("%w: recipient name is required", ErrValidation)
	}
	if strings.TrimSpace(r.PhoneNumber) == "" {
		return fmt.Errorf("%w: recipient phone number is required", ErrValidation)
	}
	return nil
}

// BatchConfig is the batch-level sending configuration shared by every
// recipient: message template, outbound instance and the inclusive random
// delay bounds (seconds) between consecutive sends.
type BatchConfig struct {
	Message      string `json:"message"`
	InstanceName string `json:"instanceName"`
	MinDelay     int    `json:"tempoMinimo"`
	MaxDelay     int    `json:"tempoMaximo"`
	Category     string `json:"category,omitempty"`
}

func (c *BatchConfig) Validate() error {
	if strings.TrimSpace(c.Message) == "" {
		return fmt.Errorf("%w: message is required", ErrValidation)
	}
	if strings.TrimSpace(c.InstanceName) == "" {
		return fmt.Errorf("%w: instance name is required", ErrValidation)
	}
	if c.MinDelay < 0 || c.MaxDelay < 0 {
		return fmt.Errorf("%w: delay bounds must be >= 0", ErrValidation)
	}
	if c.MaxDelay < c.MinDelay {
		return fmt.Errorf("%w: tempoMaximo must be >= tempoMinimo", ErrValidation)
	}
	return nil
}

// RenderMessage substitutes the recipient placeholders the operator templates
// use, e.g. "Olá {nome}, sua demanda foi atualizada.".
func RenderMessage(template string, recipient RecipientProgress) string {
	firstName := recipient.Name
	if idx := strings.IndexByte(firstName, ' '); idx > 0 {
		firstName = firstName[:idx]
	}

	replacer := strings.NewReplacer(
		"{nome}", recipient.Name,
		"{primeiro_nome}", firstName,
	)
	return replacer.Replace(template)
}
