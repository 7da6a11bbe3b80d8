// Package identity manages user handles and contact lookups on top of the
// store's key-value surface: unique handle allocation, phone-number-to-handle
// mapping, and per-user records.
package identity

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/VeeNyanjau/findme-demo/server/store"
)

const (
	handlePrefix = "USER-"
	handleChars  = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	suffixLength = 3

	// maxAllocateAttempts bounds the regenerate-on-collision loop. With a
	// 36^3 namespace this only trips when the community of users is near
	// exhaustion or the store is misbehaving.
	maxAllocateAttempts = 10

	phoneCacheTTL     = 5 * time.Minute
	phoneCacheCleanup = 10 * time.Minute
)

// phoneKeySanitizer strips characters that are illegal in store paths.
// Stored phone mappings already use this form, so it must not change.
var phoneKeySanitizer = strings.NewReplacer(".", "_", "#", "_", "$", "_", "[", "_", "]", "_")

// Directory allocates handles and maintains the phone and user records.
type Directory struct {
	kv    store.KV
	log   *zap.SugaredLogger
	cache *gocache.Cache

	mu  sync.Mutex
	rnd *rand.Rand

	// suffixFn generates a candidate handle suffix; replaced in tests.
	suffixFn func() string
}

// NewDirectory creates a directory over the store's key-value surface.
func NewDirectory(kv store.KV, log *zap.SugaredLogger) *Directory {
	d := &Directory{
		kv:    kv,
		log:   log,
		cache: gocache.New(phoneCacheTTL, phoneCacheCleanup),
		rnd:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	d.suffixFn = d.randomSuffix
	return d
}

func (d *Directory) randomSuffix() string {
	d.mu.Lock()
	defer d.mu.Unlock()

	b := make([]byte, suffixLength)
	for i := range b {
		b[i] = handleChars[d.rnd.Intn(len(handleChars))]
	}
	return string(b)
}

// AllocateHandle generates a unique handle such as "USER-8X2", reserves it,
// and returns it. The existence check happens before the reservation write;
// a collision regenerates, any store failure short-circuits.
func (d *Directory) AllocateHandle(ctx context.Context) (string, error) {
	for attempt := 0; attempt < maxAllocateAttempts; attempt++ {
		handle := handlePrefix + d.suffixFn()
		path := fmt.Sprintf("unique_handles/%s", handle)

		_, taken, err := d.kv.Get(ctx, path)
		if err != nil {
			return "", errors.Wrap(err, "failed to check handle availability")
		}
		if taken {
			continue
		}

		if err := d.kv.Set(ctx, path, "true"); err != nil {
			return "", errors.Wrap(err, "failed to reserve handle")
		}

		if d.log != nil {
			d.log.Infow("Allocated handle", "handle", handle, "attempts", attempt+1)
		}
		return handle, nil
	}

	return "", errors.Errorf("failed to allocate a unique handle after %d attempts", maxAllocateAttempts)
}

// SaveMapping records phone → handle and mirrors the phone onto the user
// record. The mapping write happens first; a failure short-circuits before
// the user record is touched.
func (d *Directory) SaveMapping(ctx context.Context, phone, userID string) error {
	if phone == "" || userID == "" {
		return errors.New("phone and user ID are required")
	}

	safePhone := phoneKeySanitizer.Replace(phone)

	if err := d.kv.Set(ctx, fmt.Sprintf("phone_mappings/%s", safePhone), userID); err != nil {
		return errors.Wrap(err, "failed to save phone mapping")
	}

	if err := d.kv.Set(ctx, fmt.Sprintf("users/%s/phone", userID), phone); err != nil {
		return errors.Wrap(err, "failed to save user phone")
	}

	d.cache.Set(safePhone, userID, gocache.DefaultExpiration)
	return nil
}

// LookupByPhone resolves a phone number to a handle. A missing mapping is
// reported as not-found, not an error. Hits are cached briefly.
func (d *Directory) LookupByPhone(ctx context.Context, phone string) (string, bool, error) {
	safePhone := phoneKeySanitizer.Replace(phone)

	if cached, ok := d.cache.Get(safePhone); ok {
		return cached.(string), true, nil
	}

	userID, ok, err := d.kv.Get(ctx, fmt.Sprintf("phone_mappings/%s", safePhone))
	if err != nil {
		return "", false, errors.Wrap(err, "failed to look up phone mapping")
	}
	if !ok {
		return "", false, nil
	}

	d.cache.Set(safePhone, userID, gocache.DefaultExpiration)
	return userID, true, nil
}

// EnsureUser creates the user record on first sight and bumps its
// last-active stamp on every call.
func (d *Directory) EnsureUser(ctx context.Context, userID string, now time.Time) error {
	if userID == "" {
		return errors.New("user ID is required")
	}

	millis := strconv.FormatInt(now.UnixMilli(), 10)
	createdPath := fmt.Sprintf("users/%s/createdAt", userID)

	_, exists, err := d.kv.Get(ctx, createdPath)
	if err != nil {
		return errors.Wrap(err, "failed to check user record")
	}
	if !exists {
		if err := d.kv.Set(ctx, createdPath, millis); err != nil {
			return errors.Wrap(err, "failed to create user record")
		}
	}

	if err := d.kv.Set(ctx, fmt.Sprintf("users/%s/lastActive", userID), millis); err != nil {
		return errors.Wrap(err, "failed to update last active")
	}

	return nil
}
