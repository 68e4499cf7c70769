package domain

import (
	"fmt"
	"strings"
)

// Identifiable is implemented by domain objects that can own messages.
type Identifiable interface {
	OwnerType() string
	OwnerID() string
}

// Owner is the owner-type and owner-id pair stored on messages and batches.
type Owner struct {
	Type string
	ID   string
}

func (o Owner) OwnerType() string { return o.Type }
func (o Owner) OwnerID() string   { return o.ID }

func (o Owner) IsZero() bool {
	return strings.TrimSpace(o.Type) == "" && strings.TrimSpace(o.ID) == ""
}

func (o Owner) Validate() error {
	if o.IsZero() {
		return nil
	}
	if strings.TrimSpace(o.Type) == "" || strings.TrimSpace(o.ID) == "" {
		return fmt.Errorf("%w: owner needs both type and id", ErrValidation)
	}
	return nil
}

// OwnerOf copies the owner reference out of any Identifiable value.
func OwnerOf(v Identifiable) Owner {
	if v == nil {
		return Owner{}
	}
	return Owner{Type: v.OwnerType(), ID: v.OwnerID()}
}
