// Package notify turns bus traffic into desktop notifications: connection
// state transitions and newly raised device alarms.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"devlink/internal/bus"
	"devlink/internal/config"
	"devlink/internal/events"
	"devlink/internal/wire"
)

const alarmNotificationTitle = "Device alarms"

// Service listens to bus events and emits user-facing notifications.
// Repeated connection states for the same device are deduplicated so a
// reconnect loop does not spam the desktop.
type Service struct {
	bus           bus.MessageBus
	currentConfig func() config.AppConfig
	sender        Sender
	logger        *slog.Logger

	connStatusMu  sync.Mutex
	lastConnState map[string]events.ConnectionState
}

func NewService(
	messageBus bus.MessageBus,
	currentConfig func() config.AppConfig,
	sender Sender,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.Default().With("component", "notify")
	}

	return &Service{
		bus:           messageBus,
		currentConfig: currentConfig,
		sender:        sender,
		logger:        logger,
		lastConnState: make(map[string]events.ConnectionState),
	}
}

func (s *Service) Start(ctx context.Context) {
	if s == nil || s.bus == nil || s.sender == nil {
		return
	}

	connSub := s.bus.Subscribe(events.TopicConnStatus)
	eventSub := s.bus.Subscribe(events.TopicDeviceEvent)

	go func() {
		defer s.bus.Unsubscribe(connSub, events.TopicConnStatus)
		defer s.bus.Unsubscribe(eventSub, events.TopicDeviceEvent)

		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-connSub:
				if !ok {
					return
				}
				status, ok := raw.(events.ConnectionStatus)
				if !ok {
					continue
				}
				s.handleConnectionStatus(status)
			case raw, ok := <-eventSub:
				if !ok {
					return
				}
				event, ok := raw.(events.DeviceEvent)
				if !ok {
					continue
				}
				s.handleDeviceEvent(event)
			}
		}
	}()
}

func (s *Service) handleConnectionStatus(status events.ConnectionStatus) {
	if status.State == "" {
		return
	}

	s.connStatusMu.Lock()
	if last, seen := s.lastConnState[status.DeviceID]; seen && last == status.State {
		s.connStatusMu.Unlock()

		return
	}
	s.lastConnState[status.DeviceID] = status.State
	s.connStatusMu.Unlock()

	// Transitional states are noise; only settled outcomes notify.
	if status.State != events.ConnectionStateConnected &&
		status.State != events.ConnectionStateDisconnected &&
		status.State != events.ConnectionStateError {
		return
	}
	prefs := s.notificationPrefs()
	if !prefs.Enabled || !prefs.Events.ConnectionStatus {
		return
	}

	transport := transportDisplayName(status.Transport)
	details := strings.TrimSpace(status.Target)
	if details == "" {
		details = "No connection details"
	}
	if errText := strings.TrimSpace(status.Err); errText != "" {
		details = fmt.Sprintf("%s (error: %s)", details, errText)
	}

	s.send(Payload{
		Title:   fmt.Sprintf("%s - %s", transport, status.State),
		Content: details,
	})
}

func (s *Service) handleDeviceEvent(event events.DeviceEvent) {
	if event.Name != wire.EventAlarms {
		return
	}
	prefs := s.notificationPrefs()
	if !prefs.Enabled || !prefs.Events.Alarms {
		return
	}

	var alarms []string
	if err := json.Unmarshal(event.Data, &alarms); err != nil || len(alarms) == 0 {
		return
	}
	s.send(Payload{
		Title:   alarmNotificationTitle,
		Content: strings.Join(alarms, ", "),
	})
}

func (s *Service) notificationPrefs() config.NotificationConfig {
	cfg := config.Default()
	if s.currentConfig != nil {
		cfg = s.currentConfig()
		cfg.FillMissingDefaults()
	}

	return cfg.Notifications
}

func (s *Service) send(notification Payload) {
	title := strings.TrimSpace(notification.Title)
	content := strings.TrimSpace(notification.Content)
	if title == "" && content == "" {
		return
	}
	s.logger.Debug("sending notification", "title", title)
	s.sender.Send(Payload{
		Title:   title,
		Content: content,
	})
}

func transportDisplayName(name string) string {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "ssh":
		return "SSH"
	case "websocket":
		return "WebSocket"
	case "serial":
		return "Serial"
	default:
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			return trimmed
		}
		return "Unknown"
	}
}
