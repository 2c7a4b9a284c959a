// Package registry is fixed 256 slot table of directly connected slave devices.
// Each slot keeps connection handle and last known frame.
// All table access goes through single mutex, handle writes happen outside of it.
package registry

import (
	"io"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/sensorbridge/helpers"
	"github.com/temoto/sensorbridge/helpers/atomic_clock"
	"github.com/temoto/sensorbridge/packet"
)

const Size = 256

var ErrSendFailed = errors.New("send failed")

// Handle is slave connection. Registry closes it on Unregister and Close.
type Handle interface {
	io.Writer
	io.Closer
}

type slot struct {
	h     Handle
	state packet.Frame
	seen  atomic_clock.Clock
}

type Registry struct {
	mu    sync.Mutex
	slots [Size]slot
}

type Entry struct {
	ID    int
	Seen  time.Time
	State packet.Frame
}

func New() *Registry { return &Registry{} }

// IsInvalidID reports errors returned for id outside 0..255.
func IsInvalidID(err error) bool { return errors.IsNotValid(err) }

func checkID(id int) error {
	if id < 0 || id >= Size {
		return errors.NotValidf("sensor id=%d", id)
	}
	return nil
}

// Register binds id to h and resets stored state to zero frame.
// Returns true when binding changed, false for repeated Register with same handle.
func (self *Registry) Register(id int, h Handle) (bool, error) {
	if err := checkID(id); err != nil {
		return false, err
	}
	if h == nil {
		return false, errors.NotValidf("sensor id=%d handle=nil", id)
	}
	self.mu.Lock()
	defer self.mu.Unlock()
	s := &self.slots[id]
	s.seen.SetNow()
	s.state = packet.Frame{}
	changed := s.h != h
	s.h = h
	return changed, nil
}

// Unregister closes bound handle and clears slot. Absent handle is not an error.
func (self *Registry) Unregister(id int) error {
	if err := checkID(id); err != nil {
		return err
	}
	var h Handle
	helpers.WithLock(&self.mu, func() {
		h, self.slots[id].h = self.slots[id].h, nil
	})
	if h == nil {
		return nil
	}
	return errors.Annotatef(h.Close(), "sensor id=%d close", id)
}

// Send writes b to handle bound to id.
// Handle stays bound on failure, caller decides whether to Unregister.
func (self *Registry) Send(id int, b []byte) error {
	h, ok, err := self.Handle(id)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Annotatef(ErrSendFailed, "sensor id=%d not registered", id)
	}
	if err = helpers.WriteAll(h, b); err != nil {
		return errors.Wrapf(err, ErrSendFailed, "sensor id=%d", id)
	}
	return nil
}

func (self *Registry) UpdateState(id int, f packet.Frame) error {
	if err := checkID(id); err != nil {
		return err
	}
	self.mu.Lock()
	self.slots[id].state = f
	self.slots[id].seen.SetNow()
	self.mu.Unlock()
	return nil
}

// State returns last known frame, zero frame for never updated id.
func (self *Registry) State(id int) (packet.Frame, error) {
	if err := checkID(id); err != nil {
		return packet.Frame{}, err
	}
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.slots[id].state, nil
}

func (self *Registry) Handle(id int) (Handle, bool, error) {
	if err := checkID(id); err != nil {
		return nil, false, err
	}
	self.mu.Lock()
	h := self.slots[id].h
	self.mu.Unlock()
	return h, h != nil, nil
}

// Release clears every slot bound to h without closing it.
// Used by connection owner after the connection ended.
func (self *Registry) Release(h Handle) []int {
	var ids []int
	self.mu.Lock()
	defer self.mu.Unlock()
	for id := range self.slots {
		if self.slots[id].h == h {
			self.slots[id].h = nil
			ids = append(ids, id)
		}
	}
	return ids
}

// Snapshot returns registered slots ordered by id.
func (self *Registry) Snapshot() []Entry {
	entries := make([]Entry, 0, 16)
	self.mu.Lock()
	for id := range self.slots {
		s := &self.slots[id]
		if s.h != nil {
			entries = append(entries, Entry{ID: id, Seen: s.seen.Time(), State: s.state})
		}
	}
	self.mu.Unlock()
	return entries
}

// Close unbinds and closes all handles. Same handle bound to many ids is closed once.
func (self *Registry) Close() error {
	handles := make(map[Handle]struct{})
	self.mu.Lock()
	for id := range self.slots {
		if h := self.slots[id].h; h != nil {
			handles[h] = struct{}{}
			self.slots[id].h = nil
		}
	}
	self.mu.Unlock()

	errs := make([]error, 0, len(handles))
	for h := range handles {
		errs = append(errs, h.Close())
	}
	return helpers.FoldErrors(errs)
}
