package memory

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// BankLoader fetches question banks from a backing store (file, Postgres).
type BankLoader interface {
	LoadBank(ctx context.Context, name string) (Bank, error)
}

// BankRepository caches banks with TTL to avoid re-reading the source on
// every attempt.
type BankRepository struct {
	loader BankLoader
	ttl    time.Duration
	clock  func() time.Time
	sf     singleflight.Group
	rnd    *rand.Rand
	rndMu  sync.Mutex

	mu    sync.RWMutex
	cache map[string]cachedBank
}

type cachedBank struct {
	bank      Bank
	expiresAt time.Time
}

func NewBankRepository(loader BankLoader, ttl time.Duration) *BankRepository {
	return &BankRepository{
		loader: loader,
		ttl:    ttl,
		clock:  time.Now,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
		cache:  make(map[string]cachedBank),
	}
}

func (r *BankRepository) GetBank(ctx context.Context, name string) (Bank, error) {
	if bank, ok := r.cached(name); ok {
		return bank, nil
	}

	result, err, _ := r.sf.Do(name, func() (interface{}, error) {
		if bank, ok := r.cached(name); ok {
			return bank, nil
		}
		bank, err := r.loader.LoadBank(ctx, name)
		if err != nil {
			return Bank{}, err
		}
		expiresAt := r.clock().Add(r.ttlWithJitter())
		r.mu.Lock()
		r.cache[name] = cachedBank{bank: bank, expiresAt: expiresAt}
		r.mu.Unlock()
		return bank, nil
	})
	if err != nil {
		return Bank{}, err
	}
	return result.(Bank), nil
}

func (r *BankRepository) cached(name string) (Bank, bool) {
	now := r.clock()
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.cache[name]
	if !ok || !entry.expiresAt.After(now) {
		return Bank{}, false
	}
	return entry.bank, true
}

func (r *BankRepository) ttlWithJitter() time.Duration {
	if r.ttl <= 0 {
		return 0
	}
	// add up to 10% jitter to spread expirations
	r.rndMu.Lock()
	jitter := r.rnd.Int63n(int64(r.ttl)/10 + 1)
	r.rndMu.Unlock()
	return r.ttl + time.Duration(jitter)
}
