// Package tracker counts outstanding child pages per seed and finalizes each
// seed exactly once.
package tracker

import (
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/image-crawler/internal/crawler"
)

var (
	// ErrUnknownSeed is returned for a seed that was never registered.
	ErrUnknownSeed = errors.New("unknown seed")
	// ErrRootAlreadyDone is returned when a seed's root reports twice.
	ErrRootAlreadyDone = errors.New("root already reported")
	// ErrRootPending is returned when a child reports before its root.
	ErrRootPending = errors.New("root not yet reported")
	// ErrFinalized is returned for reports after the seed was finalized.
	ErrFinalized = errors.New("seed already finalized")
)

// FinalizeFunc receives a seed's deduplicated, sorted image list.
type FinalizeFunc func(seed string, images []string)

type state int

const (
	awaitingRoot state = iota
	counting
	finalized
)

type seedState struct {
	state   state
	pending int
	images  []string
}

// Tracker holds the per-seed state machine for one job.
type Tracker struct {
	mu       sync.Mutex
	seeds    map[string]*seedState
	finalize FinalizeFunc
}

// New registers seeds in the awaiting-root state.
func New(seeds []string, finalize FinalizeFunc) *Tracker {
	t := &Tracker{
		seeds:    make(map[string]*seedState, len(seeds)),
		finalize: finalize,
	}
	for _, s := range seeds {
		t.seeds[s] = &seedState{}
	}
	return t
}

// RootDone records the seed page's images and the number of child pages
// that will report. A seed with no children is finalized immediately.
func (t *Tracker) RootDone(seed string, images []string, children int) error {
	t.mu.Lock()
	st, ok := t.seeds[seed]
	switch {
	case !ok:
		t.mu.Unlock()
		return fmt.Errorf("root %q: %w", seed, ErrUnknownSeed)
	case st.state == finalized:
		t.mu.Unlock()
		return fmt.Errorf("root %q: %w", seed, ErrFinalized)
	case st.state != awaitingRoot:
		t.mu.Unlock()
		return fmt.Errorf("root %q: %w", seed, ErrRootAlreadyDone)
	}
	if children < 0 {
		children = 0
	}
	st.images = append(st.images, images...)
	st.pending = children
	st.state = counting
	final, done := t.settle(st)
	t.mu.Unlock()

	if done {
		t.finalize(seed, final)
	}
	return nil
}

// ChildDone adds one child page's images and decrements the seed's counter.
// The call that brings the counter to zero finalizes the seed.
func (t *Tracker) ChildDone(seed string, images []string) error {
	t.mu.Lock()
	st, ok := t.seeds[seed]
	switch {
	case !ok:
		t.mu.Unlock()
		return fmt.Errorf("child of %q: %w", seed, ErrUnknownSeed)
	case st.state == awaitingRoot:
		t.mu.Unlock()
		return fmt.Errorf("child of %q: %w", seed, ErrRootPending)
	case st.state == finalized:
		t.mu.Unlock()
		return fmt.Errorf("child of %q: %w", seed, ErrFinalized)
	}
	st.images = append(st.images, images...)
	st.pending--
	final, done := t.settle(st)
	t.mu.Unlock()

	if done {
		t.finalize(seed, final)
	}
	return nil
}

// Pending returns the outstanding child count for seed.
func (t *Tracker) Pending(seed string) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.seeds[seed]
	if !ok {
		return 0, fmt.Errorf("pending %q: %w", seed, ErrUnknownSeed)
	}
	return st.pending, nil
}

// Finalized reports whether every registered seed has been finalized.
func (t *Tracker) Finalized() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, st := range t.seeds {
		if st.state != finalized {
			return false
		}
	}
	return true
}

// settle moves st to finalized once its counter is zero. Callers hold t.mu.
func (t *Tracker) settle(st *seedState) ([]string, bool) {
	if st.state != counting || st.pending > 0 {
		return nil, false
	}
	st.state = finalized
	final := crawler.UniqueSorted(st.images)
	st.images = nil
	return final, true
}
