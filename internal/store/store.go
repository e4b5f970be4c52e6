package store

import (
	"context"
	"time"

	"github.com/tradefresh/quote-engine/pkg/model"
)

// Store is the single source of truth for RFQ and quote state. Every status
// change is a compare-and-set on the expected prior status; a mismatch
// returns model.ErrConflict and changes nothing.
type Store interface {
	CreateRFQ(ctx context.Context, rfq *model.RFQ) error
	GetRFQ(ctx context.Context, id string) (*model.RFQ, error)

	CreateQuote(ctx context.Context, q *model.Quote) error
	GetQuote(ctx context.Context, id string) (*model.Quote, error)
	ListQuotes(ctx context.Context, rfqID string) ([]*model.Quote, error)
	TransitionQuote(ctx context.Context, t QuoteTransition) error

	// CloseRFQ applies a Closure atomically and returns the IDs of the
	// sibling quotes it rejected.
	CloseRFQ(ctx context.Context, c Closure) ([]string, error)

	ListSubmittedQuotes(ctx context.Context) ([]*model.Quote, error)
	ListOverdueQuotes(ctx context.Context, now time.Time, limit int) ([]*model.Quote, error)

	HealthCheck(ctx context.Context) error
	Close() error
}

// QuoteTransition moves one quote From -> To.
type QuoteTransition struct {
	QuoteID string
	From    model.QuoteStatus
	To      model.QuoteStatus
	Reason  string
	At      time.Time
}

// Closure closes an RFQ. When AcceptedQuoteID is set that quote moves
// submitted -> accepted in the same unit of work; every other submitted
// quote on the RFQ is rejected with SiblingReason.
type Closure struct {
	RFQID           string
	Reason          string
	AcceptedQuoteID string
	SiblingReason   string
	At              time.Time
}
