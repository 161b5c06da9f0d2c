package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/applyops/applyd/pkg/intervene"
	"github.com/applyops/applyd/pkg/models"
)

// ServiceConfig holds the parameters needed to construct a Service.
type ServiceConfig struct {
	Token   string
	Channel string
}

// Service handles Slack notification delivery.
// Nil-safe: all methods are no-ops when service is nil.
type Service struct {
	client *Client
	logger *slog.Logger
}

// NewService creates a new Slack notification service.
// Returns nil if Token or Channel is empty.
func NewService(cfg ServiceConfig) *Service {
	if cfg.Token == "" || cfg.Channel == "" {
		return nil
	}
	return &Service{
		client: NewClient(cfg.Token, cfg.Channel),
		logger: slog.Default().With("component", "slack-service"),
	}
}

// NewServiceWithClient creates a Service backed by a pre-built Client.
// Useful for testing with a mock API server.
func NewServiceWithClient(client *Client) *Service {
	return &Service{
		client: client,
		logger: slog.Default().With("component", "slack-service"),
	}
}

// NotifyIntervention announces a pending manual step.
// Fail-open: errors are logged, never returned.
func (s *Service) NotifyIntervention(ctx context.Context, req intervene.Request, deadline time.Time) {
	if s == nil {
		return
	}

	blocks := BuildInterventionMessage(req, deadline)
	if _, err := s.client.PostMessage(ctx, blocks, "", 5*time.Second); err != nil {
		s.logger.Error("Failed to send intervention notification",
			"application_id", req.ApplicationID,
			"session_id", req.SessionID,
			"kind", req.Kind,
			"error", err)
	}
}

// NotifyDigest posts the terminal summary of a session.
// Fail-open: errors are logged, never returned.
func (s *Service) NotifyDigest(ctx context.Context, d *models.Digest, status models.SessionStatus) {
	if s == nil {
		return
	}

	blocks := BuildDigestMessage(d, status)
	if _, err := s.client.PostMessage(ctx, blocks, "", 10*time.Second); err != nil {
		s.logger.Error("Failed to send digest notification",
			"session_id", d.SessionID,
			"status", status,
			"error", err)
	}
}

// NotifyFatal reports an unrecoverable session error.
// Fail-open: errors are logged, never returned.
func (s *Service) NotifyFatal(ctx context.Context, sessionID, message string) {
	if s == nil {
		return
	}

	blocks := BuildFatalMessage(sessionID, message)
	if _, err := s.client.PostMessage(ctx, blocks, "", 5*time.Second); err != nil {
		s.logger.Error("Failed to send fatal error notification",
			"session_id", sessionID,
			"error", err)
	}
}
