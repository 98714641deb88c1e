package resource

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fenestra/quotehub/internal/identity"
)

// QuoteRecord is the quotes table row needed to hydrate a Quote.
type QuoteRecord struct {
	ID        int
	OwnerID   int
	Reference string
	Customer  string
	Notes     string
	CreatedAt time.Time
}

// DoorRecord is one door line item belonging to a quote.
type DoorRecord struct {
	ID       int
	QuoteID  int
	Kind     string // "single" or "double"
	WidthMM  int
	HeightMM int
	Count    int
}

// QuoteSource provides the record fetches the quote loader needs. The
// Postgres store implements it.
type QuoteSource interface {
	QuoteByID(ctx context.Context, id int) (*QuoteRecord, error)
	QuoteDoors(ctx context.Context, id int) ([]DoorRecord, error)
	UserByID(ctx context.Context, id int) (*identity.User, error)
}

// Quote is the quote resource kind: a priced document of door line items
// with an owner and the shared lock state.
type Quote struct {
	LockState

	id        int
	owner     *identity.User
	reference string
	customer  string
	notes     string
	createdAt time.Time
	doors     []DoorRecord
}

func (q *Quote) Key() Key              { return Key{Type: "quote", ID: q.id} }
func (q *Quote) Owner() *identity.User { return q.owner }
func (q *Quote) Reference() string     { return q.reference }

// ToJSON renders the quote. Metadata carries identity only, preview adds
// the summary fields, and view includes the full line items.
func (q *Quote) ToJSON(v Version) map[string]any {
	out := map[string]any{
		"type":      "quote",
		"id":        q.id,
		"owner":     q.owner.String(),
		"reference": q.reference,
	}
	if v >= VersionPreview {
		out["customer"] = q.customer
		out["created_at"] = q.createdAt.Format(time.RFC3339)
		out["doors"] = len(q.doors)
	}
	if v >= VersionView {
		out["notes"] = q.notes
		doors := make([]map[string]any, 0, len(q.doors))
		for _, d := range q.doors {
			doors = append(doors, map[string]any{
				"id":        d.ID,
				"kind":      d.Kind,
				"width_mm":  d.WidthMM,
				"height_mm": d.HeightMM,
				"count":     d.Count,
			})
		}
		out["door_items"] = doors
	}
	return out
}

// QuoteLoader hydrates Quote resources from a QuoteSource. The quote row,
// its line items, and the owner run as concurrent fetches; a missing quote
// row fails the load with NotFoundError.
type QuoteLoader struct {
	Source QuoteSource
}

// Load implements Loader.
func (l *QuoteLoader) Load(ctx context.Context, id int) (Resource, error) {
	var (
		record *QuoteRecord
		doors  []DoorRecord
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		record, err = l.Source.QuoteByID(gctx, id)
		if err != nil {
			return err
		}
		if record == nil {
			return &NotFoundError{Key: Key{Type: "quote", ID: id}}
		}
		return nil
	})
	g.Go(func() error {
		var err error
		doors, err = l.Source.QuoteDoors(gctx, id)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	owner, err := l.Source.UserByID(ctx, record.OwnerID)
	if err != nil {
		return nil, err
	}
	if owner == nil {
		return nil, &NotFoundError{Key: Key{Type: "quote", ID: id}}
	}

	return &Quote{
		LockState: LockState{lastActive: time.Now()},
		id:        record.ID,
		owner:     owner,
		reference: record.Reference,
		customer:  record.Customer,
		notes:     record.Notes,
		createdAt: record.CreatedAt,
		doors:     doors,
	}, nil
}
