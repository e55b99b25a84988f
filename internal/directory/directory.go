package directory

import (
	"context"
	"sort"

	"github.com/fathima-sithara/messaging-core/internal/domain"
)

// Directory resolves user ids to display attributes. Unknown ids are
// simply absent from the result.
type Directory interface {
	Profiles(ctx context.Context, ids []string) (map[string]domain.Profile, error)
}

type nop struct{}

func (nop) Profiles(context.Context, []string) (map[string]domain.Profile, error) {
	return map[string]domain.Profile{}, nil
}

// Nop resolves nothing; payloads then carry ids only.
func Nop() Directory { return nop{} }

// One looks up a single profile and returns nil when it cannot be resolved.
func One(ctx context.Context, d Directory, id string) *domain.Profile {
	if d == nil || id == "" {
		return nil
	}
	m, err := d.Profiles(ctx, []string{id})
	if err != nil {
		return nil
	}
	p, ok := m[id]
	if !ok {
		return nil
	}
	return &p
}

// unique returns ids without blanks or duplicates, sorted.
func unique(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
