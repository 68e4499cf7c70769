package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/kursadbilgin/message-dispatch/internal/domain"
)

// OwnerLookup resolves the entity a message or batch is sent on behalf of.
type OwnerLookup interface {
	Resolve(ctx context.Context, owner domain.Owner) (domain.Identifiable, error)
}

// OwnerTypes accepts any owner whose type is registered. It is the lookup
// used when the owning domain lives in another service.
type OwnerTypes map[string]struct{}

func NewOwnerTypes(types ...string) OwnerTypes {
	out := make(OwnerTypes, len(types))
	for _, t := range types {
		if t = strings.TrimSpace(t); t != "" {
			out[strings.ToLower(t)] = struct{}{}
		}
	}
	return out
}

func (o OwnerTypes) Resolve(_ context.Context, owner domain.Owner) (domain.Identifiable, error) {
	if _, ok := o[strings.ToLower(owner.Type)]; !ok {
		return nil, fmt.Errorf("%w: unknown owner type %q", domain.ErrValidation, owner.Type)
	}
	return owner, nil
}

// resolveOwner normalizes owner and checks it against lookup. A zero owner
// is allowed.
func resolveOwner(ctx context.Context, lookup OwnerLookup, owner domain.Owner) (domain.Owner, error) {
	owner.Type = strings.TrimSpace(owner.Type)
	owner.ID = strings.TrimSpace(owner.ID)
	if err := owner.Validate(); err != nil {
		return domain.Owner{}, err
	}
	if owner.IsZero() || lookup == nil {
		return owner, nil
	}
	resolved, err := lookup.Resolve(ctx, owner)
	if err != nil {
		return domain.Owner{}, err
	}
	return domain.OwnerOf(resolved), nil
}
