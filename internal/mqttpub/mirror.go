// Package mqttpub mirrors registry events to an MQTT broker as retained
// per-device topics.
package mqttpub

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"

	customerrors "github.com/bavix/boardfarm/internal/errors"
	"github.com/bavix/boardfarm/internal/metrics"
	"github.com/bavix/boardfarm/internal/registry"
)

// Record is the retained payload for one device.
type Record struct {
	ID           registry.ID   `json:"id"`
	Name         string        `json:"name"`
	Tags         registry.Tags `json:"tags"`
	Capabilities []string      `json:"capabilities"`
	Source       string        `json:"source"`
	Added        time.Time     `json:"added"`
	Updated      time.Time     `json:"updated"`
}

type Mirror struct {
	reg    *registry.Registry
	pub    Publisher
	prefix string
	qos    byte
}

func NewMirror(reg *registry.Registry, pub Publisher, prefix string, qos byte) *Mirror {
	return &Mirror{reg: reg, pub: pub, prefix: prefix, qos: qos}
}

// Run publishes every registry event until ctx ends. The subscription
// snapshot republishes every present device, so the broker converges after
// a restart. Publish failures are logged and skipped.
func (m *Mirror) Run(ctx context.Context) error {
	logger := zerolog.Ctx(ctx).With().Str("component", "mqtt").Logger()

	sub := m.reg.Subscribe()
	defer sub.Close()

	defer func() {
		if err := m.pub.Close(); err != nil {
			logger.Debug().Err(err).Msg("mqtt close")
		}
	}()

	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, customerrors.ErrDisconnected) {
				return nil
			}

			return err
		}

		topic, payload, err := m.message(ev)
		if err != nil {
			logger.Warn().Err(err).Stringer("device", ev.Device.ID).Msg("encode device record")

			continue
		}

		err = m.pub.Publish(topic, m.qos, true, payload)
		metrics.RecordMQTTPublish(err)

		if err != nil {
			logger.Warn().Err(err).Str("topic", topic).Msg("mqtt publish failed")

			continue
		}

		logger.Debug().Str("topic", topic).Str("kind", string(ev.Kind)).Msg("mqtt published")
	}
}

func (m *Mirror) message(ev registry.Event) (string, []byte, error) {
	topic := DeviceTopic(m.prefix, ev.Device.ID.String())

	if ev.Kind == registry.EventRemoved {
		return topic, []byte{}, nil
	}

	d := ev.Device

	payload, err := json.Marshal(Record{
		ID:           d.ID,
		Name:         d.Name,
		Tags:         d.Tags,
		Capabilities: d.Capabilities.Strings(),
		Source:       d.Source,
		Added:        d.Added,
		Updated:      d.Updated,
	})

	return topic, payload, err
}
