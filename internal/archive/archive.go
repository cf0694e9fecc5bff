// Package archive keeps the best individuals seen by an island.
//
// Both archives order their contents by fitness and then by expression key,
// which makes Update insensitive to the order candidates arrive in: merging
// the same set of individuals always yields the same archive.
package archive

import (
	"fmt"
	"sort"
	"strings"

	"golang.org/x/exp/slices"

	"archipelago/internal/model"
)

const (
	KindHallOfFame  = "hallOfFame"
	KindParetoFront = "paretoFront"
)

type Archive interface {
	Kind() string
	// Update merges candidates in place. Re-inserting an individual that is
	// already present is a no-op.
	Update(candidates []model.Individual)
	Items() []model.Individual
	Len() int
	Contains(ind model.Individual) bool
	Snapshot() model.ArchiveSnapshot
}

func New(kind string, maxSize int) (Archive, error) {
	switch strings.ToLower(kind) {
	case "", strings.ToLower(KindHallOfFame):
		if maxSize <= 0 {
			return nil, fmt.Errorf("hall of fame size must be > 0, got %d", maxSize)
		}
		return NewHallOfFame(maxSize), nil
	case strings.ToLower(KindParetoFront):
		return NewParetoFront(), nil
	default:
		return nil, fmt.Errorf("unsupported archive kind: %s", kind)
	}
}

// FromSnapshot rebuilds an archive exactly as it was persisted.
func FromSnapshot(s model.ArchiveSnapshot) (Archive, error) {
	a, err := New(s.Kind, s.MaxSize)
	if err != nil {
		return nil, err
	}
	switch typed := a.(type) {
	case *HallOfFame:
		if len(s.Items) > typed.maxSize {
			return nil, fmt.Errorf("hall of fame snapshot holds %d items, max %d", len(s.Items), typed.maxSize)
		}
		typed.restore(s.Items)
	case *ParetoFront:
		typed.restore(s.Items)
	}
	return a, nil
}

// rankBefore is the archive's total order: better fitness first, ties
// broken by expression key.
func rankBefore(a, b model.Individual) bool {
	if c := a.Fitness.Compare(b.Fitness); c != 0 {
		return c > 0
	}
	return a.Key() < b.Key()
}

type entrySet struct {
	items []model.Individual
	keys  map[string]struct{}
}

func newEntrySet() entrySet {
	return entrySet{keys: make(map[string]struct{})}
}

func (s *entrySet) contains(ind model.Individual) bool {
	_, ok := s.keys[ind.Key()]
	return ok
}

func (s *entrySet) insert(ind model.Individual) {
	idx := sort.Search(len(s.items), func(i int) bool {
		return rankBefore(ind, s.items[i])
	})
	s.items = slices.Insert(s.items, idx, ind.Clone())
	s.keys[ind.Key()] = struct{}{}
}

func (s *entrySet) removeAt(idx int) {
	delete(s.keys, s.items[idx].Key())
	s.items = slices.Delete(s.items, idx, idx+1)
}

func (s *entrySet) restore(items []model.Individual) {
	s.items = model.CloneIndividuals(items)
	if s.items == nil {
		s.items = []model.Individual{}
	}
	s.keys = make(map[string]struct{}, len(items))
	for _, ind := range items {
		s.keys[ind.Key()] = struct{}{}
	}
}

// HallOfFame keeps at most maxSize distinct individuals, best first.
type HallOfFame struct {
	maxSize int
	set     entrySet
}

func NewHallOfFame(maxSize int) *HallOfFame {
	return &HallOfFame{maxSize: maxSize, set: newEntrySet()}
}

func (h *HallOfFame) Kind() string {
	return KindHallOfFame
}

func (h *HallOfFame) MaxSize() int {
	return h.maxSize
}

func (h *HallOfFame) Update(candidates []model.Individual) {
	for _, c := range candidates {
		if !c.Fitness.Valid || h.set.contains(c) {
			continue
		}
		if len(h.set.items) < h.maxSize {
			h.set.insert(c)
			continue
		}
		last := len(h.set.items) - 1
		if rankBefore(c, h.set.items[last]) {
			h.set.removeAt(last)
			h.set.insert(c)
		}
	}
}

func (h *HallOfFame) Items() []model.Individual {
	return model.CloneIndividuals(h.set.items)
}

func (h *HallOfFame) Len() int {
	return len(h.set.items)
}

func (h *HallOfFame) Contains(ind model.Individual) bool {
	return h.set.contains(ind)
}

func (h *HallOfFame) Snapshot() model.ArchiveSnapshot {
	return model.ArchiveSnapshot{Kind: KindHallOfFame, MaxSize: h.maxSize, Items: h.Items()}
}

func (h *HallOfFame) restore(items []model.Individual) {
	h.set.restore(items)
}

// ParetoFront keeps every non-dominated individual.
type ParetoFront struct {
	set entrySet
}

func NewParetoFront() *ParetoFront {
	return &ParetoFront{set: newEntrySet()}
}

func (p *ParetoFront) Kind() string {
	return KindParetoFront
}

func (p *ParetoFront) Update(candidates []model.Individual) {
	for _, c := range candidates {
		if !c.Fitness.Valid || p.set.contains(c) {
			continue
		}
		dominated := false
		for i := len(p.set.items) - 1; i >= 0; i-- {
			member := p.set.items[i]
			if member.Fitness.Dominates(c.Fitness) {
				dominated = true
				break
			}
			if c.Fitness.Dominates(member.Fitness) {
				p.set.removeAt(i)
			}
		}
		if !dominated {
			p.set.insert(c)
		}
	}
}

func (p *ParetoFront) Items() []model.Individual {
	return model.CloneIndividuals(p.set.items)
}

func (p *ParetoFront) Len() int {
	return len(p.set.items)
}

func (p *ParetoFront) Contains(ind model.Individual) bool {
	return p.set.contains(ind)
}

func (p *ParetoFront) Snapshot() model.ArchiveSnapshot {
	return model.ArchiveSnapshot{Kind: KindParetoFront, Items: p.Items()}
}

func (p *ParetoFront) restore(items []model.Individual) {
	p.set.restore(items)
}
