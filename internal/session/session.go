// Package session owns a single running instance of a tunnel engine.
package session

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rennerdo30/bifrost-extension/internal/engine"
	"github.com/rennerdo30/bifrost-extension/internal/platform"
	"github.com/rennerdo30/bifrost-extension/internal/util"
)

// State is the lifecycle state of a Session.
type State int32

const (
	StateUnstarted State = iota
	StateRunning
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnstarted:
		return "unstarted"
	case StateRunning:
		return "running"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

var lastID atomic.Uint64

// Session wraps one engine.Service. A closed Session cannot be restarted.
type Session struct {
	id        uint64
	svc       engine.Service
	createdAt time.Time

	mu        sync.Mutex
	state     State
	startedAt time.Time
}

// Create builds the engine for configText. Engine rejections are config errors.
func Create(rt engine.Runtime, configText string, bridge *platform.Bridge) (*Session, error) {
	svc, err := rt.NewService(configText, bridge)
	if err != nil {
		if !errors.Is(err, util.ErrConfigInvalid) {
			err = fmt.Errorf("%w: %w", util.ErrConfigInvalid, err)
		}
		return nil, util.NewError(util.KindConfig, "create service", err)
	}
	return New(svc), nil
}

// New wraps an already constructed service.
func New(svc engine.Service) *Session {
	return &Session{
		id:        lastID.Add(1),
		svc:       svc,
		createdAt: time.Now(),
	}
}

// ID returns the process-unique session id.
func (s *Session) ID() uint64 {
	return s.id
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// StartedAt returns when the session started running, or the zero time.
func (s *Session) StartedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startedAt
}

// Start activates the engine. Only an unstarted session can start.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateUnstarted {
		return util.NewError(util.KindEngine, "start service",
			fmt.Errorf("%w: session is %s", util.ErrEngineStart, s.state))
	}
	if err := s.svc.Start(); err != nil {
		if !errors.Is(err, util.ErrEngineStart) {
			err = fmt.Errorf("%w: %w", util.ErrEngineStart, err)
		}
		return util.NewError(util.KindEngine, "start service", err)
	}
	s.state = StateRunning
	s.startedAt = time.Now()
	return nil
}

// Close releases the engine. The session is closed even when the engine
// reports an error. Closing a closed session returns nil.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return nil
	}
	s.state = StateClosed
	if err := s.svc.Close(); err != nil {
		return util.NewError(util.KindEngine, "close service", fmt.Errorf("%w: %w", util.ErrEngineClose, err))
	}
	return nil
}

// Sleep forwards a host sleep notification to a running engine.
func (s *Session) Sleep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateRunning {
		s.svc.Sleep()
	}
}

// Wake forwards a host wake notification to a running engine.
func (s *Session) Wake() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateRunning {
		s.svc.Wake()
	}
}
