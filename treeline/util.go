package treeline

import (
	"sync"
	"time"

	"golang.org/x/exp/maps"
)

// makes a copy of the list on update so that `Get` is safe to iterate
// without holding the lock
type CallbackList[T any] struct {
	mutex       sync.Mutex
	nextId      int
	callbackIds []int
	callbacks   map[int]T
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{
		callbackIds: []int{},
		callbacks:   map[int]T{},
	}
}

func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	out := make([]T, 0, len(self.callbackIds))
	for _, callbackId := range self.callbackIds {
		out = append(out, self.callbacks[callbackId])
	}
	return out
}

func (self *CallbackList[T]) Add(callback T) int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbackId := self.nextId
	self.nextId += 1
	self.callbackIds = append(self.callbackIds, callbackId)
	self.callbacks[callbackId] = callback
	return callbackId
}

func (self *CallbackList[T]) Remove(callbackId int) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if _, ok := self.callbacks[callbackId]; !ok {
		return
	}
	delete(self.callbacks, callbackId)
	nextCallbackIds := make([]int, 0, len(self.callbackIds)-1)
	for _, existingId := range self.callbackIds {
		if existingId != callbackId {
			nextCallbackIds = append(nextCallbackIds, existingId)
		}
	}
	self.callbackIds = nextCallbackIds
}

func (self *CallbackList[T]) Clear() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	maps.Clear(self.callbacks)
	self.callbackIds = []int{}
}

// a monotonic nanosecond clock. timestamps are strictly increasing,
// rounding up when the underlying clock has coarser resolution
type monotonicClock struct {
	stateLock sync.Mutex
	lastNanos int64
}

func (self *monotonicClock) NowNanos() int64 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	nowNanos := time.Now().UnixNano()
	if nowNanos <= self.lastNanos {
		nowNanos = self.lastNanos + 1
	}
	self.lastNanos = nowNanos
	return nowNanos
}
