// Package sitemodel holds the spatial data of one project: a subgrid tree of
// leaf pass stores, the existence maps that describe which leaves hold data,
// and the machines that reported it.
package sitemodel

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nicktill/sitegrid/pkg/cellpass"
	"github.com/nicktill/sitegrid/pkg/logging"
	"github.com/nicktill/sitegrid/pkg/segment"
	"github.com/nicktill/sitegrid/pkg/subgridtree"
)

// Options configures new site models.
type Options struct {
	// CellSize is the on-the-ground cell size in metres
	CellSize float64

	// MaxSegmentPasses triggers segment cleaving (0 disables cleaving)
	MaxSegmentPasses int

	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.CellSize <= 0 {
		o.CellSize = subgridtree.DefaultCellSize
	}
	o.Logger = logging.OrDefault(o.Logger)
	return o
}

// CellWrite places a pass at an absolute cell address.
type CellWrite struct {
	CellX, CellY uint32
	Pass         cellpass.CellPass
}

// ChangeKind tells listeners what happened to a set of leaves.
type ChangeKind string

const (
	ChangePassesAdded   ChangeKind = "passes_added"
	ChangePassesRemoved ChangeKind = "passes_removed"
)

// Change describes leaves whose contents changed.
type Change struct {
	Project uuid.UUID            `json:"project"`
	Kind    ChangeKind           `json:"kind"`
	Origins []subgridtree.Origin `json:"origins"`
	Passes  int                  `json:"passes"`
	// Emptied lists leaves that lost their last pass
	Emptied []subgridtree.Origin `json:"emptied,omitempty"`
	Time    time.Time            `json:"time"`
}

// SiteModel is the spatial store of one project.
//
// mu guards the tree shape, the existence maps and the dirty set. Leaf
// contents have their own locks; a write holds mu while it mutates leaves so
// that the existence bit and the leaf write are observed together.
type SiteModel struct {
	ID       uuid.UUID
	CellSize float64
	Created  time.Time

	opts   Options
	logger *slog.Logger

	mu         sync.RWMutex
	tree       *subgridtree.Tree[*segment.Leaf]
	production *subgridtree.ExistenceMap
	surveyed   *subgridtree.ExistenceMap
	dirty      map[subgridtree.Origin]struct{}
	removed    map[subgridtree.Origin]struct{}

	machines *Machines

	listenMu  sync.RWMutex
	listeners []func(Change)
}

// New creates an empty site model.
func New(id uuid.UUID, opts Options) *SiteModel {
	opts = opts.withDefaults()
	return &SiteModel{
		ID:         id,
		CellSize:   opts.CellSize,
		Created:    time.Now().UTC(),
		opts:       opts,
		logger:     opts.Logger.With("project", id.String()),
		tree:       subgridtree.New[*segment.Leaf](),
		production: subgridtree.NewExistenceMap(),
		surveyed:   subgridtree.NewExistenceMap(),
		dirty:      make(map[subgridtree.Origin]struct{}),
		removed:    make(map[subgridtree.Origin]struct{}),
		machines:   NewMachines(),
	}
}

// Machines returns the project's machine registry.
func (s *SiteModel) Machines() *Machines { return s.machines }

// Subscribe registers fn to be called after every change. fn runs on the
// writer's goroutine after locks are released and must not block.
func (s *SiteModel) Subscribe(fn func(Change)) {
	s.listenMu.Lock()
	defer s.listenMu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *SiteModel) notify(c Change) {
	s.listenMu.RLock()
	defer s.listenMu.RUnlock()
	for _, fn := range s.listeners {
		fn(c)
	}
}

// AddPasses writes passes into the model. Passes for one cell that arrive in
// time order are appended; passes older than their cell's tail are routed
// through the leaf's adoption path instead. Leaves are created on demand and
// their production existence bits set before the write lock is released.
func (s *SiteModel) AddPasses(writes []CellWrite) (Change, error) {
	change := Change{Project: s.ID, Kind: ChangePassesAdded, Time: time.Now().UTC()}
	if len(writes) == 0 {
		return change, nil
	}

	s.mu.Lock()
	touched := make(map[subgridtree.Origin][]segment.Placed)
	var errs []error
	for _, w := range writes {
		leaf, created, err := s.tree.EnsureLeaf(w.CellX, w.CellY, segment.NewLeaf)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if created {
			s.logger.Debug("leaf created", "origin", leaf.Origin().String())
		}
		x, y := subgridtree.InLeaf(w.CellX, w.CellY)
		late := touched[leaf.Origin()]
		err = leaf.AppendPass(x, y, w.Pass)
		switch {
		case err == nil:
			change.Passes++
		case errors.Is(err, segment.ErrOutOfOrderPass):
			late = append(late, segment.Placed{X: x, Y: y, Pass: w.Pass})
			change.Passes++
		default:
			errs = append(errs, err)
		}
		touched[leaf.Origin()] = late
	}

	for origin, late := range touched {
		leaf, _ := s.tree.LeafAt(origin)
		if len(late) > 0 {
			leaf.Integrate(late)
		}
		if leaf.IsEmpty() {
			// created for a write that failed
			s.tree.RemoveLeaf(origin)
			continue
		}
		if s.opts.MaxSegmentPasses > 0 {
			leaf.Cleave(s.opts.MaxSegmentPasses)
		}
		s.production.Set(origin)
		s.dirty[origin] = struct{}{}
		delete(s.removed, origin)
		change.Origins = append(change.Origins, origin)
	}
	s.mu.Unlock()

	sortOrigins(change.Origins)
	if len(change.Origins) > 0 {
		s.notify(change)
	}
	return change, errors.Join(errs...)
}

// RemovePasses deletes passes matching each write's cell, machine and time.
// Leaves left without passes are removed from the tree and their existence
// bits cleared.
func (s *SiteModel) RemovePasses(writes []CellWrite) Change {
	change := Change{Project: s.ID, Kind: ChangePassesRemoved, Time: time.Now().UTC()}

	s.mu.Lock()
	touched := make(map[subgridtree.Origin]*segment.Leaf)
	for _, w := range writes {
		leaf, ok := s.tree.Leaf(w.CellX, w.CellY)
		if !ok {
			continue
		}
		x, y := subgridtree.InLeaf(w.CellX, w.CellY)
		if leaf.RemovePass(x, y, w.Pass.MachineID, w.Pass.Time) {
			change.Passes++
			touched[leaf.Origin()] = leaf
		}
	}
	for origin, leaf := range touched {
		change.Origins = append(change.Origins, origin)
		if leaf.IsEmpty() {
			s.tree.RemoveLeaf(origin)
			s.production.Clear(origin)
			delete(s.dirty, origin)
			s.removed[origin] = struct{}{}
			change.Emptied = append(change.Emptied, origin)
			continue
		}
		s.dirty[origin] = struct{}{}
	}
	s.mu.Unlock()

	sortOrigins(change.Origins)
	sortOrigins(change.Emptied)
	if len(change.Origins) > 0 {
		s.notify(change)
	}
	return change
}

// MarkSurveyed sets the surveyed-surface-only bit of every leaf intersecting
// extents.
func (s *SiteModel) MarkSurveyed(extents subgridtree.CellExtents) int {
	first := subgridtree.LeafOrigin(extents.MinX, extents.MinY)
	last := subgridtree.LeafOrigin(extents.MaxX, extents.MaxY)

	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for y := first.Y; y <= last.Y; y += subgridtree.Dimension {
		for x := first.X; x <= last.X; x += subgridtree.Dimension {
			s.surveyed.Set(subgridtree.Origin{X: x, Y: y})
			n++
		}
	}
	return n
}

// ExistenceMap returns a copy of the production data existence map.
func (s *SiteModel) ExistenceMap() *subgridtree.ExistenceMap {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.production.Clone()
}

// SurveyedExistenceMap returns a copy of the surveyed-surface-only map.
func (s *SiteModel) SurveyedExistenceMap() *subgridtree.ExistenceMap {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.surveyed.Clone()
}

// Leaf returns the leaf at origin.
func (s *SiteModel) Leaf(origin subgridtree.Origin) (*segment.Leaf, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tree.LeafAt(origin)
}

// LeafCount returns the number of leaves in the tree.
func (s *SiteModel) LeafCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tree.LeafCount()
}

// Origins returns the origins of every leaf intersecting extents.
func (s *SiteModel) Origins(extents subgridtree.CellExtents) []subgridtree.Origin {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []subgridtree.Origin
	s.tree.ScanLeaves(extents, func(o subgridtree.Origin, _ *segment.Leaf) bool {
		out = append(out, o)
		return true
	})
	return out
}

// Passes returns the passes of one cell. A missing leaf yields nil.
func (s *SiteModel) Passes(cellX, cellY uint32) []cellpass.CellPass {
	s.mu.RLock()
	leaf, ok := s.tree.Leaf(cellX, cellY)
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	x, y := subgridtree.InLeaf(cellX, cellY)
	return leaf.Passes(x, y)
}

// ReadAttribute returns the latest non-null value of attr for a cell.
func (s *SiteModel) ReadAttribute(cellX, cellY uint32, attr cellpass.Attribute) (int32, bool) {
	s.mu.RLock()
	leaf, ok := s.tree.Leaf(cellX, cellY)
	s.mu.RUnlock()
	if !ok {
		return attr.Null(), false
	}
	x, y := subgridtree.InLeaf(cellX, cellY)
	return leaf.ReadAttribute(x, y, attr)
}

// Stats summarises the model.
type Stats struct {
	Project    uuid.UUID `json:"project"`
	Leaves     int       `json:"leaves"`
	Nodes      int       `json:"nodes"`
	Passes     int       `json:"passes"`
	Machines   int       `json:"machines"`
	Dirty      int       `json:"dirty_leaves"`
	Production int       `json:"production_bits"`
	Surveyed   int       `json:"surveyed_bits"`
}

// Stats walks every leaf and returns counters.
func (s *SiteModel) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{
		Project:    s.ID,
		Leaves:     s.tree.LeafCount(),
		Nodes:      s.tree.NodeCount(),
		Machines:   s.machines.Len(),
		Dirty:      len(s.dirty),
		Production: s.production.Count(),
		Surveyed:   s.surveyed.Count(),
	}
	s.tree.Traverse(subgridtree.RootKey, nil, func(v subgridtree.Visit[*segment.Leaf]) subgridtree.Control {
		if v.IsLeaf {
			st.Passes += v.Leaf.TotalPasses()
		}
		return subgridtree.Continue
	})
	return st
}

func (s *SiteModel) String() string {
	return fmt.Sprintf("sitemodel %s (cell size %.3fm)", s.ID, s.CellSize)
}

func sortOrigins(o []subgridtree.Origin) {
	sort.Slice(o, func(i, j int) bool { return o[i].Less(o[j]) })
}
