package simulator

import (
	"fmt"
	"time"

	sv "github.com/simonvetter/modbus"
	"go.uber.org/zap"
)

// Server exposes a Bank as a Modbus TCP slave.
type Server struct {
	url    string
	bank   *Bank
	srv    *sv.ModbusServer
	logger *zap.Logger
}

// NewServer prepares a slave listening on url, e.g. tcp://127.0.0.1:5020.
func NewServer(url string, bank *Bank, logger *zap.Logger) (*Server, error) {
	srv, err := sv.NewServer(&sv.ServerConfiguration{
		URL:        url,
		Timeout:    30 * time.Second,
		MaxClients: 16,
	}, bank)
	if err != nil {
		return nil, fmt.Errorf("failed to create modbus server: %w", err)
	}
	return &Server{url: url, bank: bank, srv: srv, logger: logger}, nil
}

func (s *Server) Start() error {
	if err := s.srv.Start(); err != nil {
		return fmt.Errorf("failed to start modbus server on %s: %w", s.url, err)
	}
	s.logger.Info("Simulator listening", zap.String("url", s.url))
	return nil
}

func (s *Server) Stop() error {
	if err := s.srv.Stop(); err != nil {
		return fmt.Errorf("failed to stop modbus server: %w", err)
	}
	s.logger.Info("Simulator stopped")
	return nil
}

func (s *Server) Bank() *Bank {
	return s.bank
}
