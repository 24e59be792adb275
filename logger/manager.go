package logger

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/saiset-co/sai-query-cache/types"
)

type State int32

const (
	StateStopped State = iota
	StateRunning
)

// Manager owns the process logger. It is a types.Logger itself, so components
// receive it directly; Stop flushes buffered entries.
type Manager struct {
	types.Logger
	state atomic.Int32
}

var _ types.LoggerManager = (*Manager)(nil)

var customLoggerCreators = sync.Map{}

// RegisterLogger makes a logger type available to the "type" config key.
func RegisterLogger(loggerName string, creator types.LoggerCreator) {
	customLoggerCreators.Store(loggerName, creator)
}

func NewManager(_ context.Context, loggerConfig *types.LoggerConfig) (*Manager, error) {
	if loggerConfig == nil {
		return nil, types.ErrLoggerConfigInvalid
	}

	logger, err := createLogger(loggerConfig)
	if err != nil {
		return nil, types.WrapError(err, "failed to create logger")
	}

	return &Manager{Logger: logger}, nil
}

func (m *Manager) Start() error {
	if !m.state.CompareAndSwap(int32(StateStopped), int32(StateRunning)) {
		return types.ErrServerAlreadyRunning
	}
	return nil
}

func (m *Manager) Stop() error {
	if !m.state.CompareAndSwap(int32(StateRunning), int32(StateStopped)) {
		return types.ErrServerNotRunning
	}

	// stdout and stderr report EINVAL on sync; nothing to recover.
	if syncer, ok := m.Logger.(interface{ Sync() error }); ok {
		_ = syncer.Sync()
	}
	return nil
}

func (m *Manager) IsRunning() bool {
	return State(m.state.Load()) == StateRunning
}

func createLogger(loggerConfig *types.LoggerConfig) (types.Logger, error) {
	switch loggerConfig.Type {
	case "", "default":
		return NewDefaultLogger(loggerConfig)
	case "nop":
		return NewNop(), nil
	default:
		if creator, exists := customLoggerCreators.Load(loggerConfig.Type); exists {
			return creator.(types.LoggerCreator)(loggerConfig.Config)
		}
		return nil, types.Errorf(types.ErrLoggerTypeUnknown, "logger type: %s", loggerConfig.Type)
	}
}
