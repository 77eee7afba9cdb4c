package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"lockbox/internal/config"
)

const userAgent = "Lockbox-Go/0.1.0"

// Event identifies a lock milestone worth telling an operator about.
type Event string

const (
	EventLockAcquired  Event = "lock_acquired"
	EventLockLost      Event = "lock_lost"
	EventRelockFailed  Event = "relock_failed"
	EventDeviceChanged Event = "device_changed"
	EventError         Event = "error"
	EventTest          Event = "test"
)

// Payload carries event fields. Values are rendered with fmt.
type Payload map[string]any

// Service publishes lock events.
type Service interface {
	Publish(ctx context.Context, event Event, payload Payload) error
}

// NewService builds a notification service backed by ntfy when configured.
// When no ntfy topic is configured, a noop implementation is returned.
func NewService(cfg *config.Config) Service {
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return noopService{}
	}

	timeout := time.Duration(cfg.Notifications.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &ntfyService{
		endpoint: topic,
		client:   &http.Client{Timeout: timeout},
		enabled: map[Event]bool{
			EventLockAcquired:  cfg.Notifications.LockAcquired,
			EventLockLost:      cfg.Notifications.LockLost,
			EventRelockFailed:  cfg.Notifications.RelockFailed,
			EventDeviceChanged: cfg.Notifications.DeviceChanges,
			EventError:         true,
			EventTest:          true,
		},
	}
}

type payload struct {
	title    string
	message  string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint string
	client   *http.Client
	enabled  map[Event]bool
}

func (n *ntfyService) Publish(ctx context.Context, event Event, fields Payload) error {
	if !n.enabled[event] {
		return nil
	}
	data, ok := render(event, fields)
	if !ok {
		return nil
	}
	return n.send(ctx, data)
}

func render(event Event, fields Payload) (payload, bool) {
	switch event {
	case EventLockAcquired:
		message := fmt.Sprintf("🔒 Locked at %s", text(fields, "stage", "final stage"))
		if elapsed := text(fields, "elapsed", ""); elapsed != "" {
			message += fmt.Sprintf(" after %s", elapsed)
		}
		return payload{
			title:   "Lockbox - Locked",
			message: message,
			tags:    []string{"lockbox", "lock", "acquired"},
		}, true
	case EventLockLost:
		return payload{
			title:    "Lockbox - Lock Lost",
			message:  fmt.Sprintf("⚠️ Lock lost: %s", text(fields, "reason", "unknown")),
			tags:     []string{"lockbox", "lock", "lost"},
			priority: "high",
		}, true
	case EventRelockFailed:
		message := "❌ Relock failed"
		if attempts := text(fields, "attempts", ""); attempts != "" {
			message += fmt.Sprintf(" after %s attempts", attempts)
		}
		if reason := text(fields, "reason", ""); reason != "" {
			message += ": " + reason
		}
		return payload{
			title:    "Lockbox - Relock Failed",
			message:  message,
			tags:     []string{"lockbox", "relock", "failed"},
			priority: "high",
		}, true
	case EventDeviceChanged:
		return payload{
			title:   "Lockbox - Device " + cases.Title(language.English).String(text(fields, "action", "changed")),
			message: fmt.Sprintf("🔌 %s %s", text(fields, "device", "device"), text(fields, "action", "changed")),
			tags:    []string{"lockbox", "device", text(fields, "action", "changed")},
		}, true
	case EventError:
		var builder strings.Builder
		builder.WriteString("❌ Error")
		if label := text(fields, "context", ""); label != "" {
			builder.WriteString(" with ")
			builder.WriteString(label)
		}
		builder.WriteString(": ")
		builder.WriteString(text(fields, "error", "unknown"))
		return payload{
			title:    "Lockbox - Error",
			message:  builder.String(),
			tags:     []string{"lockbox", "error", "alert"},
			priority: "high",
		}, true
	case EventTest:
		return payload{
			title:    "Lockbox - Test",
			message:  "🧪 Notification system test",
			tags:     []string{"lockbox", "test"},
			priority: "low",
		}, true
	default:
		return payload{}, false
	}
}

func text(fields Payload, key, fallback string) string {
	v, ok := fields[key]
	if !ok || v == nil {
		return fallback
	}
	s := strings.TrimSpace(fmt.Sprint(v))
	if s == "" {
		return fallback
	}
	return s
}


func (n *ntfyService) send(ctx context.Context, data payload) error {
	if n == nil || n.client == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(data.message))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if data.title != "" {
		req.Header.Set("Title", data.title)
	}
	if len(data.tags) > 0 {
		req.Header.Set("Tags", strings.Join(data.tags, ","))
	}
	if data.priority != "" && data.priority != "default" {
		req.Header.Set("Priority", data.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

type noopService struct{}

func (noopService) Publish(context.Context, Event, Payload) error { return nil }
