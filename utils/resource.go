package utils

import (
	"context"
	"errors"
	"sync"
)

var ErrResourceStopped = errors.New("resource manager stopped")

// Resource hands out a fixed number of numbered units so that not too many
// uploads run at one time.
type Resource struct {
	reserveChan chan chan int // callback channel will be payload
	releaseChan chan int      // unit being returned
	stopChan    chan struct{} // closed by Stop
	stopOnce    sync.Once
	inUse       []bool
}

func NewResource(concurrent int) *Resource {
	if concurrent < 1 {
		concurrent = 1
	}
	r := &Resource{
		reserveChan: make(chan chan int),
		releaseChan: make(chan int),
		stopChan:    make(chan struct{}),
		inUse:       make([]bool, concurrent),
	}

	// start the manager for this instance
	go r.manager()

	return r
}

// the manager gives out units while any are free
func (r *Resource) manager() {
	for {
		reserve := r.reserveChan
		unit := r.free()
		if unit < 0 {
			// all used up, only releases are served
			reserve = nil
		}
		select {
		case u := <-r.releaseChan:
			if u >= 0 && u < len(r.inUse) {
				r.inUse[u] = false
			}
		case callback := <-reserve:
			r.inUse[unit] = true
			callback <- unit
		case <-r.stopChan:
			return
		}
	}
}

func (r *Resource) free() int {
	for i, used := range r.inUse {
		if !used {
			return i
		}
	}
	return -1
}

// Reserve blocks until a unit is free and returns it.
func (r *Resource) Reserve(ctx context.Context) (int, error) {
	select {
	case <-r.stopChan:
		return -1, ErrResourceStopped
	default:
	}
	callback := make(chan int, 1)
	select {
	case r.reserveChan <- callback:
	case <-ctx.Done():
		return -1, ctx.Err()
	case <-r.stopChan:
		return -1, ErrResourceStopped
	}
	return <-callback, nil
}

// Release returns a unit obtained from Reserve.
func (r *Resource) Release(unit int) {
	select {
	case r.releaseChan <- unit:
	case <-r.stopChan:
	}
}

// Size is the number of units managed.
func (r *Resource) Size() int { return len(r.inUse) }

// Stop ends the manager. Pending and later reservations fail.
func (r *Resource) Stop() {
	r.stopOnce.Do(func() { close(r.stopChan) })
}
