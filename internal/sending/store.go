package sending

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gabinetedigital/dispatcher/internal/domain"
)

// CancelledReason is the fixed error recorded on recipients drained by an
// operator cancellation, so they stay distinguishable from real failures.
const CancelledReason = "envio cancelado pelo operador"

// Store holds the current batch's configuration and per-recipient progress
// for one operator session. Every operation is a synchronous in-memory
// mutation behind a single mutex, so readers never observe torn aggregates.
type Store struct {
	mu sync.Mutex

	active     bool
	minimized  bool
	cancelled  bool
	config     domain.BatchConfig
	recipients []domain.RecipientProgress
	index      map[string]int

	now func() time.Time
}

// Snapshot is a consistent copy of the store plus its derived aggregates.
type Snapshot struct {
	Active     bool
	Minimized  bool
	Cancelled  bool
	Config     domain.BatchConfig
	Recipients []domain.RecipientProgress

	Total          int
	ProcessedCount int
	SentCount      int
	ErrorCount     int
	Current        *domain.RecipientProgress
}

// Complete reports whether every recipient reached a terminal status.
func (s Snapshot) Complete() bool {
	return s.Total > 0 && s.ProcessedCount == s.Total
}

func NewStore() *Store {
	return &Store{
		index: make(map[string]int),
		now:   time.Now,
	}
}

// StartBatch replaces the session state wholesale: every recipient starts
// pending, the store flags itself active and any earlier cancellation is
// cleared. Recipient id uniqueness is the caller's contract.
func (s *Store) StartBatch(recipients []domain.RecipientProgress, config domain.BatchConfig) error {
	if len(recipients) == 0 {
		return fmt.Errorf("%w: batch must include at least one recipient", domain.ErrValidation)
	}
	if err := config.Validate(); err != nil {
		return err
	}
	for i := range recipients {
		if err := recipients[i].Validate(); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active {
		return fmt.Errorf("%w: a batch is already active", domain.ErrConflict)
	}

	s.recipients = make([]domain.RecipientProgress, len(recipients))
	s.index = make(map[string]int, len(recipients))
	for i, r := range recipients {
		r.Status = domain.ProgressPending
		r.Countdown = nil
		r.Error = nil
		r.SentAt = nil
		s.recipients[i] = r
		s.index[r.ID] = i
	}

	s.config = config
	s.active = true
	s.minimized = false
	s.cancelled = false

	return nil
}

// Append adds recipients to an active batch (the demand-notification flow
// enqueues while the loop is already draining). Appends after cancellation
// are rejected so the drain stays deterministic.
func (s *Store) Append(recipients ...domain.RecipientProgress) error {
	for i := range recipients {
		if err := recipients[i].Validate(); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.active {
		return fmt.Errorf("%w: no active batch to append to", domain.ErrConflict)
	}
	if s.cancelled {
		return fmt.Errorf("%w: batch is cancelled", domain.ErrConflict)
	}

	for _, r := range recipients {
		if _, exists := s.index[r.ID]; exists {
			continue
		}
		r.Status = domain.ProgressPending
		r.Countdown = nil
		r.Error = nil
		r.SentAt = nil
		s.recipients = append(s.recipients, r)
		s.index[r.ID] = len(s.recipients) - 1
	}

	return nil
}

// UpdateStatus transitions exactly one recipient. Reaching sent stamps
// SentAt; any terminal status clears the countdown.
func (s *Store) UpdateStatus(id string, status domain.ProgressStatus, reason *string) error {
	if !status.IsValid() {
		return fmt.Errorf("%w: invalid progress status %q", domain.ErrValidation, status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.index[id]
	if !ok {
		return fmt.Errorf("%w: recipient %q", domain.ErrNotFound, id)
	}

	r := &s.recipients[i]
	r.Status = status

	if status == domain.ProgressSent && r.SentAt == nil {
		at := s.now()
		r.SentAt = &at
	}
	if status == domain.ProgressError {
		if reason == nil {
			msg := "erro desconhecido"
			reason = &msg
		}
		r.Error = reason
	} else {
		r.Error = nil
	}
	if status.IsTerminal() {
		r.Countdown = nil
	}

	return nil
}

// UpdateCountdown sets the remaining-delay display value for the recipient
// currently waiting out its throttle. Purely cosmetic.
func (s *Store) UpdateCountdown(id string, seconds int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.index[id]
	if !ok {
		return fmt.Errorf("%w: recipient %q", domain.ErrNotFound, id)
	}

	if seconds <= 0 {
		s.recipients[i].Countdown = nil
		return nil
	}
	s.recipients[i].Countdown = &seconds
	return nil
}

func (s *Store) SetMinimized(minimized bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.minimized = minimized
}

// Finish flips the batch inactive without clearing history, so the operator
// still sees the final summary until Reset.
func (s *Store) Finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = false
}

// Reset returns the store to its initial empty state.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.active = false
	s.minimized = false
	s.cancelled = false
	s.config = domain.BatchConfig{}
	s.recipients = nil
	s.index = make(map[string]int)
}

// Cancel raises the cancellation flag and immediately drains every
// recipient still pending or sending into error with the fixed reason.
func (s *Store) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancelled {
		return
	}
	s.cancelled = true

	reason := CancelledReason
	for i := range s.recipients {
		r := &s.recipients[i]
		if r.Status.IsTerminal() {
			continue
		}
		r.Status = domain.ProgressError
		r.Error = &reason
		r.Countdown = nil
	}
}

func (s *Store) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Store) IsCancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

// NextPending returns a copy of the first recipient still pending, in
// enqueue order.
func (s *Store) NextPending() (domain.RecipientProgress, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.recipients {
		if s.recipients[i].Status == domain.ProgressPending {
			return s.recipients[i], true
		}
	}
	return domain.RecipientProgress{}, false
}

// PendingCount reports how many recipients have not started yet.
func (s *Store) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for i := range s.recipients {
		if s.recipients[i].Status == domain.ProgressPending {
			count++
		}
	}
	return count
}

// Config returns the batch-level configuration captured at StartBatch.
func (s *Store) Config() domain.BatchConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config
}

func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Active:     s.active,
		Minimized:  s.minimized,
		Cancelled:  s.cancelled,
		Config:     s.config,
		Recipients: make([]domain.RecipientProgress, len(s.recipients)),
		Total:      len(s.recipients),
	}

	for i, r := range s.recipients {
		snap.Recipients[i] = r
		switch {
		case r.Status.IsTerminal():
			snap.ProcessedCount++
			if r.Status == domain.ProgressSent {
				snap.SentCount++
			} else {
				snap.ErrorCount++
			}
		case r.Status == domain.ProgressSending:
			current := r
			snap.Current = &current
		}
	}

	return snap
}

// Summary is a one-line progress description used in logs.
func (s Snapshot) Summary() string {
	return strings.TrimSpace(fmt.Sprintf("%d/%d processados (%d enviados, %d erros)",
		s.ProcessedCount, s.Total, s.SentCount, s.ErrorCount))
}
