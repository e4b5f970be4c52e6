package matching

import (
	"context"
	"sort"
	"strings"

	"github.com/tradefresh/quote-engine/pkg/model"
)

// VendorDirectory decides which vendors hear about a new RFQ.
type VendorDirectory interface {
	EligibleVendors(ctx context.Context, rfq *model.RFQ) ([]string, error)
}

// StaticDirectory routes by product name when a product has an explicit
// vendor list and falls back to every known vendor otherwise.
type StaticDirectory struct {
	All       []string
	ByProduct map[string][]string
}

func NewStaticDirectory(all []string, byProduct map[string][]string) *StaticDirectory {
	norm := make(map[string][]string, len(byProduct))
	for p, v := range byProduct {
		norm[strings.ToLower(strings.TrimSpace(p))] = v
	}
	return &StaticDirectory{All: all, ByProduct: norm}
}

func (d *StaticDirectory) EligibleVendors(_ context.Context, rfq *model.RFQ) ([]string, error) {
	seen := make(map[string]struct{})
	matched := false
	for _, it := range rfq.Items {
		vendors, ok := d.ByProduct[strings.ToLower(strings.TrimSpace(it.Product))]
		if !ok {
			continue
		}
		matched = true
		for _, v := range vendors {
			seen[v] = struct{}{}
		}
	}
	if !matched {
		return append([]string(nil), d.All...), nil
	}

	out := make([]string, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	sort.Strings(out)
	return out, nil
}
