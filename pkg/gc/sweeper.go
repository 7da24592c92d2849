// Package gc removes chunks that no data map refers to.
package gc

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/jacktea/selfenc/pkg/datamap"
	"github.com/jacktea/selfenc/pkg/selfenc"
	"github.com/jacktea/selfenc/pkg/storage"
	"github.com/jacktea/selfenc/pkg/xorname"
)

// Store is a chunk store that can be swept.
type Store interface {
	storage.Getter
	storage.Lister
	storage.Deleter
}

// Options configures a Sweeper.
type Options struct {
	Store Store
	// DryRun reports what would be deleted without deleting it.
	DryRun bool
	Logger logrus.FieldLogger
}

// Result summarises one sweep.
type Result struct {
	Scanned int
	Live    int
	Deleted int
}

// Sweeper deletes the chunks of a store that are unreachable from a set of
// data maps.
type Sweeper struct {
	store  Store
	dryRun bool
	log    logrus.FieldLogger
}

// NewSweeper wires a store for garbage collection.
func NewSweeper(opts Options) *Sweeper {
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Sweeper{store: opts.Store, dryRun: opts.DryRun, log: log}
}

// Mark collects every address the maps depend on, shrink levels included.
// Shrunk maps are unshrunk through the sweeper's store.
func (s *Sweeper) Mark(ctx context.Context, maps ...datamap.DataMap) (map[xorname.XorName]struct{}, error) {
	live := make(map[xorname.XorName]struct{})
	for i, dm := range maps {
		refs, err := selfenc.References(ctx, dm, s.store)
		if err != nil {
			return nil, fmt.Errorf("gc: mark map %d: %w", i, err)
		}
		for _, addr := range refs {
			live[addr] = struct{}{}
		}
	}
	return live, nil
}

// Sweep deletes every stored chunk that is not in live.
func (s *Sweeper) Sweep(ctx context.Context, live map[xorname.XorName]struct{}) (Result, error) {
	if s.store == nil {
		return Result{}, fmt.Errorf("gc sweeper missing store")
	}
	var res Result
	err := s.store.Walk(ctx, func(addr xorname.XorName) error {
		res.Scanned++
		if _, ok := live[addr]; ok {
			res.Live++
			return nil
		}
		if !s.dryRun {
			if err := s.store.Delete(ctx, addr); err != nil {
				return err
			}
		}
		res.Deleted++
		s.log.WithField("addr", addr.Short()).Debug("gc: unreferenced chunk")
		return nil
	})
	if err != nil {
		return res, err
	}
	s.log.WithFields(logrus.Fields{
		"scanned": res.Scanned,
		"live":    res.Live,
		"deleted": res.Deleted,
		"dry_run": s.dryRun,
	}).Info("gc sweep")
	return res, nil
}

// Collect marks the maps and sweeps in one pass.
func (s *Sweeper) Collect(ctx context.Context, maps ...datamap.DataMap) (Result, error) {
	live, err := s.Mark(ctx, maps...)
	if err != nil {
		return Result{}, err
	}
	return s.Sweep(ctx, live)
}
