// Package notifier turns queued session-live messages into mail dispatches.
package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"imhere/internal/metrics"
	"imhere/internal/model"
	"imhere/internal/notify"
	"imhere/internal/queue"
)

// Groups looks up the group a message refers to.
type Groups interface {
	GetGroup(ctx context.Context, id string) (model.Group, error)
}

// Sender delivers a session-live notification.
type Sender interface {
	SessionLive(ctx context.Context, n notify.SessionLive) (bool, error)
}

type Worker struct {
	groups Groups
	sender Sender
	logger *slog.Logger
}

func New(groups Groups, sender Sender, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{groups: groups, sender: sender, logger: logger}
}

// Run consumes q until ctx is done or the queue closes. Failed messages are
// logged and dropped.
func (w *Worker) Run(ctx context.Context, q queue.Queue) error {
	messages, err := q.Consume(ctx)
	if err != nil {
		return fmt.Errorf("queue consume init failed: %w", err)
	}
	w.logger.Info("worker started, waiting for messages")
	for msg := range messages {
		if msg.Type != queue.TypeSessionLive {
			w.logger.Debug("ignoring message", "type", msg.Type)
			continue
		}
		sent, err := w.Handle(ctx, msg)
		switch {
		case err != nil:
			metrics.Notifications.WithLabelValues("failed").Inc()
			w.logger.Error("notification failed", "error", err)
		case sent:
			metrics.Notifications.WithLabelValues("sent").Inc()
		default:
			metrics.Notifications.WithLabelValues("skipped").Inc()
		}
	}
	w.logger.Info("worker stopped")
	return nil
}

// Handle notifies every member of the group that a session went live and
// reports whether a dispatch actually went out.
func (w *Worker) Handle(ctx context.Context, msg queue.Message) (bool, error) {
	var body queue.SessionLive
	if err := json.Unmarshal(msg.Body, &body); err != nil {
		return false, fmt.Errorf("decode %s: %w", msg.Type, err)
	}
	g, err := w.groups.GetGroup(ctx, body.GroupID)
	if err != nil {
		return false, fmt.Errorf("load group %s: %w", body.GroupID, err)
	}
	if len(g.Members) == 0 {
		w.logger.Debug("no members to notify", "group_id", g.ID, "session_date", body.SessionDate)
		return false, nil
	}
	w.logger.Info("notifying members", "group_id", g.ID, "session_date", body.SessionDate, "recipients", len(g.Members))
	return w.sender.SessionLive(ctx, notify.SessionLive{
		GroupID:     g.ID,
		GroupName:   g.Name,
		SessionDate: body.SessionDate,
		DisplayName: body.DisplayName,
		Recipients:  g.Members,
	})
}
