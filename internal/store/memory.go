package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tradefresh/quote-engine/pkg/model"
)

// MemoryStore keeps state in maps. It backs tests and single-node dev runs.
type MemoryStore struct {
	mu     sync.RWMutex
	rfqs   map[string]*model.RFQ
	quotes map[string]*model.Quote
	byRFQ  map[string][]string
}

func NewMemory() *MemoryStore {
	return &MemoryStore{
		rfqs:   make(map[string]*model.RFQ),
		quotes: make(map[string]*model.Quote),
		byRFQ:  make(map[string][]string),
	}
}

func (s *MemoryStore) CreateRFQ(_ context.Context, rfq *model.RFQ) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.rfqs[rfq.ID]; exists {
		return fmt.Errorf("rfq %s: %w", rfq.ID, model.ErrConflict)
	}
	s.rfqs[rfq.ID] = rfq.Clone()
	return nil
}

func (s *MemoryStore) GetRFQ(_ context.Context, id string) (*model.RFQ, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rfqs[id]
	if !ok {
		return nil, fmt.Errorf("rfq %s: %w", id, model.ErrNotFound)
	}
	return r.Clone(), nil
}

func (s *MemoryStore) CreateQuote(_ context.Context, q *model.Quote) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rfq, ok := s.rfqs[q.RFQID]
	if !ok {
		return fmt.Errorf("rfq %s: %w", q.RFQID, model.ErrNotFound)
	}
	if rfq.Status != model.RFQStatusOpen {
		return fmt.Errorf("rfq %s is %s: %w", q.RFQID, rfq.Status, model.ErrClosed)
	}
	if _, exists := s.quotes[q.ID]; exists {
		return fmt.Errorf("quote %s: %w", q.ID, model.ErrConflict)
	}
	for _, id := range s.byRFQ[q.RFQID] {
		other := s.quotes[id]
		if other.VendorID == q.VendorID && other.Status == model.QuoteStatusSubmitted {
			return fmt.Errorf("vendor %s on rfq %s: %w", q.VendorID, q.RFQID, model.ErrDuplicateVendor)
		}
	}
	s.quotes[q.ID] = q.Clone()
	s.byRFQ[q.RFQID] = append(s.byRFQ[q.RFQID], q.ID)
	return nil
}

func (s *MemoryStore) GetQuote(_ context.Context, id string) (*model.Quote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.quotes[id]
	if !ok {
		return nil, fmt.Errorf("quote %s: %w", id, model.ErrNotFound)
	}
	return q.Clone(), nil
}

func (s *MemoryStore) ListQuotes(_ context.Context, rfqID string) ([]*model.Quote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byRFQ[rfqID]
	out := make([]*model.Quote, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.quotes[id].Clone())
	}
	return out, nil
}

func (s *MemoryStore) TransitionQuote(_ context.Context, t QuoteTransition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.quotes[t.QuoteID]
	if !ok {
		return fmt.Errorf("quote %s: %w", t.QuoteID, model.ErrNotFound)
	}
	if q.Status != t.From {
		return fmt.Errorf("quote %s is %s, expected %s: %w", t.QuoteID, q.Status, t.From, model.ErrConflict)
	}
	resolve(q, t.To, t.Reason, t.At)
	return nil
}

func (s *MemoryStore) CloseRFQ(_ context.Context, c Closure) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rfqs[c.RFQID]
	if !ok {
		return nil, fmt.Errorf("rfq %s: %w", c.RFQID, model.ErrNotFound)
	}
	if r.Status != model.RFQStatusOpen {
		return nil, fmt.Errorf("rfq %s is %s: %w", c.RFQID, r.Status, model.ErrConflict)
	}
	if c.AcceptedQuoteID != "" {
		q, ok := s.quotes[c.AcceptedQuoteID]
		if !ok || q.RFQID != c.RFQID {
			return nil, fmt.Errorf("quote %s: %w", c.AcceptedQuoteID, model.ErrNotFound)
		}
		if q.Status != model.QuoteStatusSubmitted {
			return nil, fmt.Errorf("quote %s is %s: %w", q.ID, q.Status, model.ErrConflict)
		}
	}

	// All checks passed; nothing below can fail.
	at := c.At
	r.Status = model.RFQStatusClosed
	r.ClosedAt = &at
	r.CloseReason = c.Reason
	r.AcceptedQuoteID = c.AcceptedQuoteID

	var rejected []string
	for _, id := range s.byRFQ[c.RFQID] {
		q := s.quotes[id]
		if q.Status != model.QuoteStatusSubmitted {
			continue
		}
		if id == c.AcceptedQuoteID {
			resolve(q, model.QuoteStatusAccepted, model.ReasonAcceptedByBuyer, c.At)
			continue
		}
		resolve(q, model.QuoteStatusRejected, c.SiblingReason, c.At)
		rejected = append(rejected, id)
	}
	return rejected, nil
}

func (s *MemoryStore) ListSubmittedQuotes(_ context.Context) ([]*model.Quote, error) {
	return s.filter(func(q *model.Quote) bool { return q.Status == model.QuoteStatusSubmitted }, 0), nil
}

func (s *MemoryStore) ListOverdueQuotes(_ context.Context, now time.Time, limit int) ([]*model.Quote, error) {
	return s.filter(func(q *model.Quote) bool {
		return q.Status == model.QuoteStatusSubmitted && q.IsExpiredAt(now)
	}, limit), nil
}

func (s *MemoryStore) filter(keep func(*model.Quote) bool, limit int) []*model.Quote {
	s.mu.RLock()
	var out []*model.Quote
	for _, q := range s.quotes {
		if keep(q) {
			out = append(out, q.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ExpiresAt.Equal(out[j].ExpiresAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ExpiresAt.Before(out[j].ExpiresAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *MemoryStore) HealthCheck(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

func resolve(q *model.Quote, to model.QuoteStatus, reason string, at time.Time) {
	t := at
	q.Status = to
	q.StatusReason = reason
	q.ResolvedAt = &t
}
