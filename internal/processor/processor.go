// Package processor is the backend side of the bridge: listeners that
// persist what spa controllers publish and raise notifications for
// alerts.
//
// Devices use a fixed topic layout:
//
//	spa/<device>/telemetry   periodic sensor readings
//	spa/<device>/status      online/offline and firmware state
//	spa/<device>/alert       fault conditions needing a notification
//	spa/<device>/command     commands sent to the device
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nugget/spabridge/internal/events"
	"github.com/nugget/spabridge/internal/state"
	"github.com/nugget/spabridge/internal/worker"
)

// Topic channels.
const (
	ChannelTelemetry = "telemetry"
	ChannelStatus    = "status"
	ChannelAlert     = "alert"
	ChannelCommand   = "command"
)

const topicRoot = "spa"

// ParseDeviceTopic splits spa/<device>/<channel>. ok is false for any
// other shape.
func ParseDeviceTopic(topic string) (deviceID, channel string, ok bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != topicRoot || parts[1] == "" || parts[2] == "" {
		return "", "", false
	}
	return parts[1], parts[2], true
}

// DeviceTopic builds spa/<device>/<channel>.
func DeviceTopic(deviceID, channel string) string {
	return topicRoot + "/" + deviceID + "/" + channel
}

// CommandTopic returns the topic a device listens on for commands.
func CommandTopic(deviceID string) string {
	return DeviceTopic(deviceID, ChannelCommand)
}

// Filter returns the wildcard filter covering channel on every device.
func Filter(channel string) string {
	return topicRoot + "/+/" + channel
}

// Store is the persistence the processor needs. [state.Store]
// satisfies it.
type Store interface {
	RecordState(deviceID, channel string, payload []byte) error
	RecordAlert(deviceID string, payload []byte) (int64, error)
	MarkNotified(id int64) error
}

// Notifier delivers an alert to whoever needs to hear about it.
type Notifier interface {
	Notify(ctx context.Context, alert state.Alert) error
}

// Processor routes device traffic into the store and notifier.
type Processor struct {
	store    Store
	notifier Notifier
	logger   *slog.Logger
	bus      *events.Bus
}

// New creates a Processor. notifier defaults to a [LogNotifier]; bus may
// be nil.
func New(store Store, notifier Notifier, logger *slog.Logger, bus *events.Bus) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = NewLogNotifier(logger)
	}
	return &Processor{
		store:    store,
		notifier: notifier,
		logger:   logger,
		bus:      bus,
	}
}

// Listeners returns the filter → listener map for every channel the
// processor consumes.
func (p *Processor) Listeners() map[string]worker.Listener {
	return map[string]worker.Listener{
		Filter(ChannelTelemetry): worker.ListenerFunc(p.handleState),
		Filter(ChannelStatus):    worker.ListenerFunc(p.handleState),
		Filter(ChannelAlert):     worker.ListenerFunc(p.handleAlert),
	}
}

// ListenerFor returns the listener for a configured topic filter: the
// processor's own handler when the filter names one of its channels, and
// a [LogListener] otherwise.
func (p *Processor) ListenerFor(filter string) worker.Listener {
	if l, ok := p.Listeners()[filter]; ok {
		return l
	}
	if _, channel, ok := ParseDeviceTopic(filter); ok {
		switch channel {
		case ChannelTelemetry, ChannelStatus:
			return worker.ListenerFunc(p.handleState)
		case ChannelAlert:
			return worker.ListenerFunc(p.handleAlert)
		}
	}
	return LogListener(p.logger)
}

func (p *Processor) handleState(_ context.Context, topic string, payload []byte) error {
	deviceID, channel, ok := ParseDeviceTopic(topic)
	if !ok {
		return fmt.Errorf("unexpected topic %q", topic)
	}
	if err := p.store.RecordState(deviceID, channel, payload); err != nil {
		return err
	}

	p.logger.Debug("device state recorded",
		"device_id", deviceID,
		"channel", channel,
		"payload_size", len(payload),
	)
	p.bus.Emit(events.SourceProcessor, events.KindState, map[string]any{
		"device_id": deviceID,
		"channel":   channel,
	})
	return nil
}

// handleAlert persists the alert before notifying, so an alert is never
// lost to a notifier failure. The alert then stays un-notified.
func (p *Processor) handleAlert(ctx context.Context, topic string, payload []byte) error {
	deviceID, _, ok := ParseDeviceTopic(topic)
	if !ok {
		return fmt.Errorf("unexpected topic %q", topic)
	}

	id, err := p.store.RecordAlert(deviceID, payload)
	if err != nil {
		return err
	}

	alert := state.Alert{ID: id, DeviceID: deviceID, Payload: string(payload)}
	notified := false
	if err := p.notifier.Notify(ctx, alert); err != nil {
		p.logger.Warn("alert notification failed",
			"device_id", deviceID,
			"alert_id", id,
			"error", err,
		)
	} else if err := p.store.MarkNotified(id); err != nil {
		p.logger.Warn("failed to mark alert notified",
			"alert_id", id,
			"error", err,
		)
	} else {
		notified = true
	}

	p.logger.Info("device alert",
		"device_id", deviceID,
		"alert_id", id,
		"notified", notified,
	)
	p.bus.Emit(events.SourceProcessor, events.KindAlert, map[string]any{
		"device_id": deviceID,
		"alert_id":  id,
		"notified":  notified,
	})
	return nil
}

// ErrEmptyCommand is returned by ValidateCommand for an empty payload.
var ErrEmptyCommand = errors.New("command payload must not be empty")

// ValidateCommand checks a command before it is sent to a device.
func ValidateCommand(deviceID string, payload []byte) error {
	if deviceID == "" || strings.ContainsAny(deviceID, "/+#") {
		return fmt.Errorf("invalid device id %q", deviceID)
	}
	if len(payload) == 0 {
		return ErrEmptyCommand
	}
	return nil
}
