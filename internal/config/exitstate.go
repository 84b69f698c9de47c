package config

import "sync"

// ExitState carries a config accepted over the control surface across a
// graceful shutdown, so the process driver can apply it and restart instead
// of exiting for good.
type ExitState struct {
	mu  sync.Mutex
	cfg *ServerConfig
}

func NewExitState() *ExitState {
	return &ExitState{}
}

func (s *ExitState) StoreConfigChange(cfg ServerConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := cfg
	s.cfg = &c
}

// TakeConfigChange hands out the stored config at most once.
func (s *ExitState) TakeConfigChange() (ServerConfig, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg == nil {
		return ServerConfig{}, false
	}
	cfg := *s.cfg
	s.cfg = nil
	return cfg, true
}
