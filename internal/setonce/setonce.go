// Package setonce provides a value cell that can be assigned at most once
// and read any number of times from concurrent goroutines.
package setonce

import (
	"errors"
	"sync"
	"sync/atomic"
)

// ErrAlreadySet is returned when a value is assigned a second time.
var ErrAlreadySet = errors.New("value already set")

// Value is a single-assignment cell. The zero value is ready to use and
// holds no value.
type Value struct {
	state int32 // 0: unset, 1: being set, 2: set
	mu    sync.Mutex
	value interface{}
}

// Set stores v. Only the first call succeeds; every later call returns
// ErrAlreadySet and leaves the stored value untouched.
func (c *Value) Set(v interface{}) error {
	if !atomic.CompareAndSwapInt32(&c.state, 0, 1) {
		return ErrAlreadySet
	}

	c.mu.Lock()
	c.value = v
	c.mu.Unlock()

	atomic.StoreInt32(&c.state, 2)
	return nil
}

// MustSet is like Set but panics when the value was already set.
func (c *Value) MustSet(v interface{}) {
	if err := c.Set(v); err != nil {
		panic(err)
	}
}

// Get returns the stored value and whether one has been set.
func (c *Value) Get() (interface{}, bool) {
	if atomic.LoadInt32(&c.state) != 2 {
		return nil, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value, true
}

// IsSet reports whether a value has been stored.
func (c *Value) IsSet() bool {
	return atomic.LoadInt32(&c.state) == 2
}

// Bool is a single-assignment boolean flag.
type Bool struct {
	v Value
}

// Set stores b, returning ErrAlreadySet on a second assignment.
func (c *Bool) Set(b bool) error { return c.v.Set(b) }

// Get returns the stored flag and whether it has been set.
func (c *Bool) Get() (value bool, ok bool) {
	v, ok := c.v.Get()
	if !ok {
		return false, false
	}
	return v.(bool), true
}
