// Package metrics counts what the engine does with messages and exposes the
// counts in the Prometheus text format.
//
// Counters are plain atomics so the hot path (Log) pays one atomic add.
// Queue depth and connection state are read from callbacks at scrape time.
package metrics

import (
	"fmt"
	"io"
	"sync/atomic"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"

	"github.com/loggysh/loggy-go/pkg/types"
)

// Engine holds the engine's counters. The zero value is ready to use.
type Engine struct {
	Logged     atomic.Uint64
	Sent       atomic.Uint64
	Queued     atomic.Uint64
	Drained    atomic.Uint64
	Corrupt    atomic.Uint64
	Withheld   atomic.Uint64
	Reconnects atomic.Uint64
	SendErrors atomic.Uint64

	// QueueDepth and State are sampled at Write time when set.
	QueueDepth func() int
	State      func() types.ConnectionState
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Logged     uint64 `json:"logged"`
	Sent       uint64 `json:"sent"`
	Queued     uint64 `json:"queued"`
	Drained    uint64 `json:"drained"`
	Corrupt    uint64 `json:"corrupt"`
	Withheld   uint64 `json:"withheld"`
	Reconnects uint64 `json:"reconnects"`
	SendErrors uint64 `json:"send_errors"`
	QueueDepth int    `json:"queue_depth"`
}

// Snapshot copies the current values.
func (m *Engine) Snapshot() Snapshot {
	s := Snapshot{
		Logged:     m.Logged.Load(),
		Sent:       m.Sent.Load(),
		Queued:     m.Queued.Load(),
		Drained:    m.Drained.Load(),
		Corrupt:    m.Corrupt.Load(),
		Withheld:   m.Withheld.Load(),
		Reconnects: m.Reconnects.Load(),
		SendErrors: m.SendErrors.Load(),
	}
	if m.QueueDepth != nil {
		s.QueueDepth = m.QueueDepth()
	}
	return s
}

// Write encodes every metric family to w in the Prometheus text format.
func (m *Engine) Write(w io.Writer) error {
	s := m.Snapshot()
	families := []*dto.MetricFamily{
		counter("loggy_messages_logged_total", "Messages accepted by Log.", s.Logged),
		counter("loggy_messages_sent_total", "Messages written to the outbound stream.", s.Sent),
		counter("loggy_messages_queued_total", "Messages appended to the offline queue.", s.Queued),
		counter("loggy_messages_drained_total", "Queued messages handed back to the stream.", s.Drained),
		counter("loggy_queue_corrupt_total", "Undecodable queue records discarded.", s.Corrupt),
		counter("loggy_messages_withheld_total", "Messages re-queued because their session was unresolved.", s.Withheld),
		counter("loggy_reconnect_attempts_total", "Reconnect attempts started.", s.Reconnects),
		counter("loggy_send_errors_total", "Outbound stream send failures.", s.SendErrors),
		gauge("loggy_queue_depth", "Records currently in the offline queue.", float64(s.QueueDepth)),
	}
	if m.State != nil {
		families = append(families, stateFamily(m.State()))
	}

	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return fmt.Errorf("metrics: encode %s: %w", mf.GetName(), err)
		}
	}
	return nil
}

func counter(name, help string, v uint64) *dto.MetricFamily {
	return &dto.MetricFamily{
		Name: proto.String(name),
		Help: proto.String(help),
		Type: dto.MetricType_COUNTER.Enum(),
		Metric: []*dto.Metric{
			{Counter: &dto.Counter{Value: proto.Float64(float64(v))}},
		},
	}
}

func gauge(name, help string, v float64) *dto.MetricFamily {
	return &dto.MetricFamily{
		Name: proto.String(name),
		Help: proto.String(help),
		Type: dto.MetricType_GAUGE.Enum(),
		Metric: []*dto.Metric{
			{Gauge: &dto.Gauge{Value: proto.Float64(v)}},
		},
	}
}

// stateFamily emits one series per state, 1 for the current one.
func stateFamily(current types.ConnectionState) *dto.MetricFamily {
	mf := &dto.MetricFamily{
		Name: proto.String("loggy_connection_state"),
		Help: proto.String("Current connection state (1 = active)."),
		Type: dto.MetricType_GAUGE.Enum(),
	}
	for s := types.StateInitial; s <= types.StateInvalidHost; s++ {
		v := 0.0
		if s == current {
			v = 1
		}
		mf.Metric = append(mf.Metric, &dto.Metric{
			Label: []*dto.LabelPair{{Name: proto.String("state"), Value: proto.String(s.String())}},
			Gauge: &dto.Gauge{Value: proto.Float64(v)},
		})
	}
	return mf
}
