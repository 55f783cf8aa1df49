package mappings

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/corebank/internal/platform/db"
)

type Repository interface {
	Get(ctx context.Context, module, key string) (AccountMapping, error)
}

type repository struct {
	db *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) Repository {
	return &repository{db: pool}
}

// Get resolves an account mapping for the specified key.
func (r *repository) Get(ctx context.Context, module, key string) (AccountMapping, error) {
	if module == "" || key == "" {
		return AccountMapping{}, errors.New("ledger: mapping module and key required")
	}
	normalized := strings.ToUpper(module)
	var mapping AccountMapping
	err := db.Conn(ctx, r.db).QueryRow(ctx, `SELECT module, key, account_number, updated_at FROM account_mappings WHERE module=$1 AND key=$2`, normalized, strings.ToUpper(key)).
		Scan(&mapping.Module, &mapping.Key, &mapping.AccountNumber, &mapping.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return AccountMapping{}, fmt.Errorf("%w: %s/%s", ErrMappingNotFound, normalized, key)
		}
		return AccountMapping{}, err
	}
	return mapping, nil
}

// Resolver memoises mappings, which change only through migrations.
type Resolver struct {
	repo  Repository
	mu    sync.RWMutex
	cache map[string]string
}

// NewResolver wraps a repository with a read-through cache.
func NewResolver(repo Repository) *Resolver {
	return &Resolver{repo: repo, cache: make(map[string]string)}
}

// Account returns the account number mapped to module/key.
func (r *Resolver) Account(ctx context.Context, module, key string) (string, error) {
	cacheKey := strings.ToUpper(module) + "/" + strings.ToUpper(key)
	r.mu.RLock()
	number, ok := r.cache[cacheKey]
	r.mu.RUnlock()
	if ok {
		return number, nil
	}
	mapping, err := r.repo.Get(ctx, module, key)
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	r.cache[cacheKey] = mapping.AccountNumber
	r.mu.Unlock()
	return mapping.AccountNumber, nil
}

// Static is a fixed mapping table keyed by "MODULE/KEY".
type Static map[string]string

// Get implements Repository.
func (s Static) Get(_ context.Context, module, key string) (AccountMapping, error) {
	module, key = strings.ToUpper(module), strings.ToUpper(key)
	number, ok := s[module+"/"+key]
	if !ok {
		return AccountMapping{}, fmt.Errorf("%w: %s/%s", ErrMappingNotFound, module, key)
	}
	return AccountMapping{Module: module, Key: key, AccountNumber: number}, nil
}
