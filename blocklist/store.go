package blocklist

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"

	"github.com/berserk3142-max/fraud-risk-engine/models"
)

var (
	ErrValidation = errors.New("invalid blocklist entry")
	ErrNotFound   = errors.New("blocked entity not found")
)

// Store persists blocklist records. Records are never deleted; unblocking
// and expiry only flip IsActive.
type Store interface {
	Get(ctx context.Context, t models.EntityType, value string) (*models.BlockedEntity, error)
	Put(ctx context.Context, e *models.BlockedEntity) error
	List(ctx context.Context, activeOnly bool) ([]*models.BlockedEntity, error)
}

// MemoryStore holds immutable records in a sync.Map so readers never take
// a lock. Put always stores a fresh copy.
type MemoryStore struct {
	entries sync.Map // key -> *models.BlockedEntity
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func storeKey(t models.EntityType, value string) string {
	return string(t) + ":" + value
}

func (s *MemoryStore) Get(ctx context.Context, t models.EntityType, value string) (*models.BlockedEntity, error) {
	v, ok := s.entries.Load(storeKey(t, value))
	if !ok {
		return nil, ErrNotFound
	}
	return clone(v.(*models.BlockedEntity)), nil
}

func (s *MemoryStore) Put(ctx context.Context, e *models.BlockedEntity) error {
	s.entries.Store(storeKey(e.Type, e.Value), clone(e))
	return nil
}

func (s *MemoryStore) List(ctx context.Context, activeOnly bool) ([]*models.BlockedEntity, error) {
	var out []*models.BlockedEntity
	s.entries.Range(func(_, v any) bool {
		e := v.(*models.BlockedEntity)
		if !activeOnly || e.IsActive {
			out = append(out, clone(e))
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].BlockedAt.After(out[j].BlockedAt) })
	return out, nil
}

func clone(e *models.BlockedEntity) *models.BlockedEntity {
	if e == nil {
		return nil
	}
	c := *e
	if e.ExpiresAt != nil {
		exp := *e.ExpiresAt
		c.ExpiresAt = &exp
	}
	return &c
}

// Normalize canonicalises a value so that equivalent spellings share one
// record: lower-cased and trimmed, IP ports and brackets stripped, phone
// punctuation removed.
func Normalize(t models.EntityType, value string) (string, error) {
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "" {
		return "", fmt.Errorf("%w: empty value", ErrValidation)
	}

	switch t {
	case models.EntityIP:
		ip := cleanIP(value)
		if net.ParseIP(ip) == nil {
			return "", fmt.Errorf("%w: malformed ip %q", ErrValidation, value)
		}
		return ip, nil
	case models.EntityEmail:
		if at := strings.LastIndex(value, "@"); at <= 0 || at == len(value)-1 {
			return "", fmt.Errorf("%w: malformed email %q", ErrValidation, value)
		}
		return value, nil
	case models.EntityPhone:
		var b strings.Builder
		for i, r := range value {
			switch {
			case '0' <= r && r <= '9':
				b.WriteRune(r)
			case r == '+' && i == 0:
				b.WriteRune(r)
			case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
			default:
				return "", fmt.Errorf("%w: malformed phone %q", ErrValidation, value)
			}
		}
		if digits := strings.TrimPrefix(b.String(), "+"); digits == "" {
			return "", fmt.Errorf("%w: malformed phone %q", ErrValidation, value)
		}
		return b.String(), nil
	}
	return "", fmt.Errorf("%w: unknown entity type %q", ErrValidation, t)
}

func cleanIP(ip string) string {
	if host, _, err := net.SplitHostPort(ip); err == nil {
		return host
	}
	return strings.Trim(ip, "[]")
}
