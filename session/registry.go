package session

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alwitt/fruitscan/common"
	"github.com/apex/log"
)

// ErrInvalidDeviceID the message did not carry a usable device ID
var ErrInvalidDeviceID = errors.New("invalid device ID")

// SessionHandle identifies one device session
type SessionHandle struct {
	DeviceID string `json:"device_id"`
	// Topic is where responses for the device are published
	Topic string `json:"topic"`
}

// SessionSummary point-in-time view of one device session
type SessionSummary struct {
	SessionHandle
	Count    int        `json:"count"`
	Limit    int        `json:"limit"`
	Deadline *time.Time `json:"deadline,omitempty"`
	LastSeen time.Time  `json:"last_seen"`
}

// AppendResult outcome of appending one reading to a session
type AppendResult struct {
	// Count readings in the batch after the append
	Count int
	// Limit batch size which triggers a flush
	Limit int
	// Batch the completed batch, set only by the append which filled it.
	// The session is already empty when Batch is returned.
	Batch []string
}

// Full whether this append completed a batch
func (r AppendResult) Full() bool {
	return r.Batch != nil
}

// SweepOutcome result of the watchdog visiting one session
type SweepOutcome int

const (
	// SweepIdle session holds no readings
	SweepIdle SweepOutcome = iota
	// SweepArmed deadline was unset, and is now set
	SweepArmed
	// SweepPending deadline is set, but has not elapsed
	SweepPending
	// SweepDropped deadline elapsed, partial batch discarded
	SweepDropped
	// SweepBusy session is locked by another caller, try again next sweep
	SweepBusy
	// SweepUnknown no such session
	SweepUnknown
)

// String toString function
func (o SweepOutcome) String() string {
	switch o {
	case SweepIdle:
		return "idle"
	case SweepArmed:
		return "armed"
	case SweepPending:
		return "pending"
	case SweepDropped:
		return "dropped"
	case SweepBusy:
		return "busy"
	default:
		return "unknown"
	}
}

// Registry owns the accumulation state of every device seen since start
type Registry interface {
	// GetOrCreate fetch the session of a device, creating it if needed
	GetOrCreate(deviceID string) (SessionHandle, error)
	// Append add a reading to the device's batch. When the batch becomes full it is
	// claimed and returned in the same critical section.
	Append(deviceID string, raw string) (AppendResult, error)
	// SnapshotAndReset return the current batch, and clear the session
	SnapshotAndReset(deviceID string) []string
	// ListDeviceIDs point-in-time copy of the known device IDs
	ListDeviceIDs() []string
	// ExpireStale arm the session deadline if unset, or drop the batch if the
	// deadline has elapsed. Returns the outcome and the number of dropped readings.
	ExpireStale(deviceID string, now time.Time) (SweepOutcome, int)
	// Snapshot point-in-time summaries of every session
	Snapshot() []SessionSummary
	// Limit the batch size
	Limit() int
	// Timeout the batch timeout window
	Timeout() time.Duration
}

// deviceSession accumulation state of one device
type deviceSession struct {
	lock     sync.Mutex
	handle   SessionHandle
	buffer   []string
	deadline time.Time
	lastSeen time.Time
}

// clear reset the batch. Caller must hold the session lock.
func (s *deviceSession) clear() []string {
	batch := s.buffer
	s.buffer = nil
	s.deadline = time.Time{}
	return batch
}

// RegistryParams parameters of the session registry
type RegistryParams struct {
	// Limit batch size which triggers a flush
	Limit int `validate:"gte=1"`
	// Timeout window from the first reading of a batch
	Timeout time.Duration `validate:"gt=0"`
	// Clock time source, defaults to time.Now
	Clock func() time.Time
}

// registryImpl implements Registry
type registryImpl struct {
	common.Component
	params   RegistryParams
	lock     sync.RWMutex
	sessions map[string]*deviceSession
}

// DefineRegistry define a new session registry
func DefineRegistry(params RegistryParams) (Registry, error) {
	if params.Limit < 1 {
		return nil, fmt.Errorf("batch limit must be at least 1, got %d", params.Limit)
	}
	if params.Timeout <= 0 {
		return nil, fmt.Errorf("batch timeout must be positive, got %s", params.Timeout)
	}
	if params.Clock == nil {
		params.Clock = time.Now
	}
	logTags := log.Fields{"module": "session", "component": "registry"}
	return &registryImpl{
		Component: common.Component{LogTags: logTags},
		params:    params,
		sessions:  make(map[string]*deviceSession),
	}, nil
}

// DeviceTopic the response topic of a device
func DeviceTopic(deviceID string) string {
	return fmt.Sprintf("/%s", deviceID)
}

func (r *registryImpl) lookup(deviceID string) (*deviceSession, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	s, ok := r.sessions[deviceID]
	return s, ok
}

func (r *registryImpl) getOrCreate(deviceID string) (*deviceSession, error) {
	if deviceID == "" {
		return nil, ErrInvalidDeviceID
	}
	if s, ok := r.lookup(deviceID); ok {
		return s, nil
	}
	r.lock.Lock()
	defer r.lock.Unlock()
	// Another caller may have won the race
	if s, ok := r.sessions[deviceID]; ok {
		return s, nil
	}
	s := &deviceSession{
		handle:   SessionHandle{DeviceID: deviceID, Topic: DeviceTopic(deviceID)},
		lastSeen: r.params.Clock(),
	}
	r.sessions[deviceID] = s
	log.WithFields(r.LogTags).Infof("New session for device %s", deviceID)
	return s, nil
}

// GetOrCreate fetch the session of a device, creating it if needed
func (r *registryImpl) GetOrCreate(deviceID string) (SessionHandle, error) {
	s, err := r.getOrCreate(deviceID)
	if err != nil {
		return SessionHandle{}, err
	}
	s.lock.Lock()
	s.lastSeen = r.params.Clock()
	s.lock.Unlock()
	return s.handle, nil
}

// Append add a reading to the device's batch
func (r *registryImpl) Append(deviceID string, raw string) (AppendResult, error) {
	s, err := r.getOrCreate(deviceID)
	if err != nil {
		return AppendResult{}, err
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	now := r.params.Clock()
	s.lastSeen = now
	s.buffer = append(s.buffer, raw)
	count := len(s.buffer)
	if count == 1 {
		s.deadline = now.Add(r.params.Timeout)
	}
	result := AppendResult{Count: count, Limit: r.params.Limit}
	if count >= r.params.Limit {
		result.Batch = s.clear()
		log.WithFields(r.LogTags).Debugf("Batch of %d complete for device %s", count, deviceID)
	}
	return result, nil
}

// SnapshotAndReset return the current batch, and clear the session.
// Unknown or empty sessions return nil without any change.
func (r *registryImpl) SnapshotAndReset(deviceID string) []string {
	s, ok := r.lookup(deviceID)
	if !ok {
		return nil
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	if len(s.buffer) == 0 && s.deadline.IsZero() {
		return nil
	}
	batch := s.clear()
	log.WithFields(r.LogTags).Debugf("Reset device %s, %d readings cleared", deviceID, len(batch))
	return batch
}

// ListDeviceIDs point-in-time copy of the known device IDs
func (r *registryImpl) ListDeviceIDs() []string {
	r.lock.RLock()
	defer r.lock.RUnlock()
	result := make([]string, 0, len(r.sessions))
	for deviceID := range r.sessions {
		result = append(result, deviceID)
	}
	return result
}

// ExpireStale compare-and-reset used by the timeout watchdog.
//
// Never blocks: if the session is locked the outcome is SweepBusy.
func (r *registryImpl) ExpireStale(deviceID string, now time.Time) (SweepOutcome, int) {
	s, ok := r.lookup(deviceID)
	if !ok {
		return SweepUnknown, 0
	}
	if !s.lock.TryLock() {
		return SweepBusy, 0
	}
	defer s.lock.Unlock()
	if len(s.buffer) == 0 {
		return SweepIdle, 0
	}
	if s.deadline.IsZero() {
		s.deadline = now.Add(r.params.Timeout)
		return SweepArmed, 0
	}
	if now.After(s.deadline) {
		dropped := len(s.clear())
		return SweepDropped, dropped
	}
	return SweepPending, 0
}

// Snapshot point-in-time summaries of every session, ordered by device ID
func (r *registryImpl) Snapshot() []SessionSummary {
	r.lock.RLock()
	sessions := make([]*deviceSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.lock.RUnlock()

	result := make([]SessionSummary, 0, len(sessions))
	for _, s := range sessions {
		s.lock.Lock()
		summary := SessionSummary{
			SessionHandle: s.handle,
			Count:         len(s.buffer),
			Limit:         r.params.Limit,
			LastSeen:      s.lastSeen,
		}
		if !s.deadline.IsZero() {
			deadline := s.deadline
			summary.Deadline = &deadline
		}
		s.lock.Unlock()
		result = append(result, summary)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].DeviceID < result[j].DeviceID
	})
	return result
}

// Limit the batch size
func (r *registryImpl) Limit() int {
	return r.params.Limit
}

// Timeout the batch timeout window
func (r *registryImpl) Timeout() time.Duration {
	return r.params.Timeout
}
