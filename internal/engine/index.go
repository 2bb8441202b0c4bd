package engine

import (
	"sort"
	"sync"
	"time"

	"github.com/mbd888/siterisk/internal/audit"
	"github.com/mbd888/siterisk/internal/site"
)

// computation is one indexed state: the record effective for (location, at)
// and the input window it read.
type computation struct {
	at       time.Time
	from     time.Time // exclusive
	recordID string
}

// dependencyIndex maps input time ranges to the computations that read them,
// so a late input can find every state whose window contains it.
type dependencyIndex struct {
	mu    sync.RWMutex
	byLoc map[site.Ref][]computation // sorted by at, one entry per instant
}

func newDependencyIndex() *dependencyIndex {
	return &dependencyIndex{byLoc: make(map[site.Ref][]computation)}
}

// add indexes rec, replacing whatever was indexed for the same instant.
func (x *dependencyIndex) add(rec *audit.Record) {
	c := computation{at: rec.At, from: rec.Inputs.WindowFrom, recordID: rec.ID}
	x.mu.Lock()
	defer x.mu.Unlock()
	list := x.byLoc[rec.Location]
	i := sort.Search(len(list), func(i int) bool { return !list[i].at.Before(rec.At) })
	switch {
	case i < len(list) && list[i].at.Equal(rec.At):
		list[i] = c
	default:
		list = append(list, computation{})
		copy(list[i+1:], list[i:])
		list[i] = c
	}
	x.byLoc[rec.Location] = list
}

// containing returns the computations of loc whose window (from, at] holds t,
// ordered by instant.
func (x *dependencyIndex) containing(loc site.Ref, t time.Time) []computation {
	x.mu.RLock()
	defer x.mu.RUnlock()
	list := x.byLoc[loc]
	i := sort.Search(len(list), func(i int) bool { return !list[i].at.Before(t) })
	var out []computation
	for _, c := range list[i:] {
		if t.After(c.from) {
			out = append(out, c)
		}
	}
	return out
}

// latest returns the newest indexed instant for loc, or zero.
func (x *dependencyIndex) latest(loc site.Ref) time.Time {
	x.mu.RLock()
	defer x.mu.RUnlock()
	list := x.byLoc[loc]
	if len(list) == 0 {
		return time.Time{}
	}
	return list[len(list)-1].at
}

// prune drops computations at or before cutoff and reports how many went.
func (x *dependencyIndex) prune(cutoff time.Time) int {
	x.mu.Lock()
	defer x.mu.Unlock()
	n := 0
	for loc, list := range x.byLoc {
		i := sort.Search(len(list), func(i int) bool { return list[i].at.After(cutoff) })
		n += i
		x.byLoc[loc] = append(list[:0:0], list[i:]...)
	}
	return n
}

func (x *dependencyIndex) size() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	n := 0
	for _, list := range x.byLoc {
		n += len(list)
	}
	return n
}
