// Package community manages the named groups that receive each other's
// emergency broadcasts.
package community

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/VeeNyanjau/findme-demo/server/store"
)

// ErrNameTaken is returned when creating a community whose name is in use.
var ErrNameTaken = errors.New("name exists, kindly choose a different one")

// ErrNotFound is returned when joining a community that does not exist.
var ErrNotFound = errors.New("community does not exist")

// Directory manages community records on the store's key-value surface.
type Directory struct {
	kv  store.KV
	log *zap.SugaredLogger
}

// NewDirectory creates a community directory.
func NewDirectory(kv store.KV, log *zap.SugaredLogger) *Directory {
	return &Directory{kv: kv, log: log}
}

func creatorPath(name string) string {
	return fmt.Sprintf("communities/%s/creator", name)
}

// Create registers a new community owned by creatorID. The existence check
// happens before any write; ErrNameTaken when the name is in use, and any
// store failure short-circuits the sequence.
func (d *Directory) Create(ctx context.Context, name, creatorID string, now time.Time) error {
	if name == "" {
		return errors.New("community name is required")
	}
	if creatorID == "" {
		return errors.New("creator ID is required")
	}

	_, exists, err := d.kv.Get(ctx, creatorPath(name))
	if err != nil {
		return errors.Wrap(err, "failed to check community existence")
	}
	if exists {
		return ErrNameTaken
	}

	if err := d.kv.Set(ctx, creatorPath(name), creatorID); err != nil {
		return errors.Wrap(err, "failed to create community")
	}
	if err := d.kv.Set(ctx, fmt.Sprintf("communities/%s/createdAt", name),
		strconv.FormatInt(now.UnixMilli(), 10)); err != nil {
		return errors.Wrap(err, "failed to stamp community creation time")
	}

	if d.log != nil {
		d.log.Infow("Community created", "community", name, "creator", creatorID)
	}
	return nil
}

// Join verifies the community exists. Membership is open: knowing the name
// is the only requirement, so joining is an existence check.
func (d *Directory) Join(ctx context.Context, name string) error {
	if name == "" {
		return errors.New("community name is required")
	}

	_, exists, err := d.kv.Get(ctx, creatorPath(name))
	if err != nil {
		return errors.Wrap(err, "failed to check community existence")
	}
	if !exists {
		return ErrNotFound
	}

	return nil
}
