package processor

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/nugget/spabridge/internal/config"
	"github.com/nugget/spabridge/internal/state"
	"github.com/nugget/spabridge/internal/worker"
)

// LogNotifier "delivers" alerts by logging them. It stands in for a push
// service.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Notify logs the alert at warn level.
func (n *LogNotifier) Notify(_ context.Context, a state.Alert) error {
	n.logger.Warn("spa alert",
		"device_id", a.DeviceID,
		"alert_id", a.ID,
		"payload", a.Payload,
	)
	return nil
}

// LogListener returns a listener that logs traffic with structured
// fields. Device topics are tagged with their device and channel, and
// JSON object payloads contribute their "type" and "state" fields when
// present. Non-JSON payloads are logged with topic and size only.
func LogListener(logger *slog.Logger) worker.Listener {
	return worker.ListenerFunc(func(ctx context.Context, topic string, payload []byte) error {
		if !logger.Enabled(ctx, slog.LevelDebug) {
			return nil
		}

		fields := []any{
			"topic", topic,
			"payload_size", len(payload),
		}

		if deviceID, channel, ok := ParseDeviceTopic(topic); ok {
			fields = append(fields, "device_id", deviceID, "channel", channel)
		}

		var obj map[string]any
		if err := json.Unmarshal(payload, &obj); err == nil {
			for _, key := range []string{"type", "state"} {
				if v, ok := obj[key]; ok {
					fields = append(fields, key, v)
				}
			}
		}

		logger.Debug("mqtt message received", fields...)
		logger.Log(ctx, config.LevelTrace, "mqtt message payload",
			"topic", topic,
			"payload", string(payload),
		)
		return nil
	})
}
