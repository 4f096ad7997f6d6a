package metrics

import (
	prom "github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Stats is a lightweight snapshot served by /api/v1/stats.
type Stats struct {
	DevicesByCapability map[string]float64 `json:"devices_by_capability"`
	RegistryEvents      map[string]float64 `json:"registry_events"`
	HotplugEvents       map[string]float64 `json:"hotplug_events"`
	ConsoleSubscribers  float64            `json:"console_subscribers"`
	ConsoleRxBytes      float64            `json:"console_rx_bytes"`
	ConsoleTxBytes      float64            `json:"console_tx_bytes"`
	ConsoleDroppedBytes float64            `json:"console_dropped_bytes"`
	LeaseRejections     float64            `json:"lease_rejections"`
	FlashSessions       map[string]float64 `json:"flash_sessions"`
	FlashBytes          float64            `json:"flash_bytes"`
	FlashAvgSeconds     float64            `json:"flash_avg_seconds"`
	ServiceReady        float64            `json:"service_ready"`
}

// GatherStats collects basic stats from the default registry for a given service label.
func GatherStats(service string) (Stats, error) {
	return gatherStats(prom.DefaultGatherer, service)
}

//nolint:gocognit,cyclop,funlen // flat switch over metric families
func gatherStats(g prom.Gatherer, service string) (Stats, error) {
	mfs, err := g.Gather()
	if err != nil {
		return Stats{}, err
	}

	s := Stats{
		DevicesByCapability: map[string]float64{},
		RegistryEvents:      map[string]float64{},
		HotplugEvents:       map[string]float64{},
		FlashSessions:       map[string]float64{},
	}

	var flashSum, flashCount float64

	for _, mf := range mfs {
		for _, m := range mf.GetMetric() {
			if !withService(m, service) {
				continue
			}

			switch mf.GetName() {
			case "boardfarm_devices_registered":
				s.DevicesByCapability[label(m, "capability")] = m.GetGauge().GetValue()
			case "boardfarm_registry_events_total":
				s.RegistryEvents[label(m, "kind")] += m.GetCounter().GetValue()
			case "boardfarm_hotplug_events_total":
				s.HotplugEvents[label(m, "outcome")] += m.GetCounter().GetValue()
			case "boardfarm_console_subscribers":
				s.ConsoleSubscribers = m.GetGauge().GetValue()
			case "boardfarm_console_bytes_total":
				if label(m, "direction") == "tx" {
					s.ConsoleTxBytes += m.GetCounter().GetValue()
				} else {
					s.ConsoleRxBytes += m.GetCounter().GetValue()
				}
			case "boardfarm_console_dropped_bytes_total":
				s.ConsoleDroppedBytes += m.GetCounter().GetValue()
			case "boardfarm_lease_rejections_total":
				s.LeaseRejections += m.GetCounter().GetValue()
			case "boardfarm_flash_sessions_total":
				s.FlashSessions[label(m, "outcome")] += m.GetCounter().GetValue()
			case "boardfarm_flash_bytes_total":
				s.FlashBytes += m.GetCounter().GetValue()
			case "boardfarm_flash_duration_seconds":
				h := m.GetHistogram()
				flashSum += h.GetSampleSum()
				flashCount += float64(h.GetSampleCount())
			case "service_ready":
				s.ServiceReady = m.GetGauge().GetValue()
			}
		}
	}

	if flashCount > 0 {
		s.FlashAvgSeconds = flashSum / flashCount
	}

	return s, nil
}

func withService(m *dto.Metric, service string) bool {
	return label(m, "service") == service
}

func label(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}

	return ""
}
