package statsd

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/loopholelabs/wispi/pkg/wifi/buffer"
	"github.com/loopholelabs/wispi/pkg/wifi/connmgr"
	"github.com/loopholelabs/wispi/pkg/wifi/dataplane"
	"github.com/loopholelabs/wispi/pkg/wifi/ipc"
	"github.com/loopholelabs/wispi/pkg/wifi/netif"

	"github.com/smira/go-statsd"
)

type MetricsConfig struct {
	SubEngine      string
	SubCorrelator  string
	SubRouter      string
	SubInterface   string
	SubManager     string
	SubAllocator   string
	TickEngine     time.Duration
	TickCorrelator time.Duration
	TickRouter     time.Duration
	TickInterface  time.Duration
	TickManager    time.Duration
	TickAllocator  time.Duration
}

func DefaultConfig() *MetricsConfig {
	return &MetricsConfig{
		SubEngine:      "dataplane",
		SubCorrelator:  "ipc",
		SubRouter:      "router",
		SubInterface:   "netif",
		SubManager:     "connmgr",
		SubAllocator:   "buffers",
		TickEngine:     100 * time.Millisecond,
		TickCorrelator: 100 * time.Millisecond,
		TickRouter:     100 * time.Millisecond,
		TickInterface:  100 * time.Millisecond,
		TickManager:    100 * time.Millisecond,
		TickAllocator:  100 * time.Millisecond,
	}
}

type Metrics struct {
	config    *MetricsConfig
	client    *statsd.Client
	lock      sync.Mutex
	cancelfns map[string]map[string]context.CancelFunc
}

func New(addr string, config *MetricsConfig) *Metrics {
	client := statsd.NewClient(addr,
		statsd.MaxPacketSize(1400),
		statsd.TagStyle(statsd.TagFormatDatadog),
		statsd.MetricPrefix("wispi."))

	return &Metrics{
		config:    config,
		client:    client,
		cancelfns: make(map[string]map[string]context.CancelFunc),
	}
}

func (m *Metrics) remove(subsystem string, id string, name string) {
	m.lock.Lock()
	defer m.lock.Unlock()
	cancelfns, ok := m.cancelfns[id]
	if ok {
		cancelfn, ok := cancelfns[fmt.Sprintf("%s_%s", subsystem, name)]
		if ok {
			cancelfn()
			delete(cancelfns, fmt.Sprintf("%s_%s", subsystem, name))
			if len(cancelfns) == 0 {
				delete(m.cancelfns, id)
			}
		}
	}
}

func (m *Metrics) add(subsystem string, id string, name string, interval time.Duration, tickfn func()) {
	m.lock.Lock()
	cancelfns, ok := m.cancelfns[id]
	if !ok {
		cancelfns = make(map[string]context.CancelFunc)
		m.cancelfns[id] = cancelfns
	}
	_, existing := cancelfns[fmt.Sprintf("%s_%s", subsystem, name)]
	if existing {
		m.lock.Unlock()
		return
	}

	ctx, cancelfn := context.WithCancel(context.TODO())
	cancelfns[fmt.Sprintf("%s_%s", subsystem, name)] = cancelfn

	m.lock.Unlock()

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				tickfn()
			}
		}
	}()
}

// updateMetric only sends values that moved since the last tick.
func (m *Metrics) updateMetric(id string, name string, sub string, metricName string, v1 uint64, v2 uint64) {
	if v1 != v2 {
		m.client.Gauge(fmt.Sprintf("%s_%s", sub, metricName), int64(v2), statsd.StringTag("id", id), statsd.StringTag("name", name))
	}
}

func (m *Metrics) Shutdown() {
	m.lock.Lock()
	for _, cancelfns := range m.cancelfns {
		for _, cancelfn := range cancelfns {
			cancelfn()
		}
	}
	m.cancelfns = make(map[string]map[string]context.CancelFunc)
	m.lock.Unlock()
	_ = m.client.Close()
}

func (m *Metrics) RemoveAllID(id string) {
	m.lock.Lock()
	cancelfns, ok := m.cancelfns[id]
	if ok {
		for _, cancelfn := range cancelfns {
			cancelfn()
		}
		delete(m.cancelfns, id)
	}
	m.lock.Unlock()
}

func (m *Metrics) AddEngine(id string, name string, e *dataplane.Engine) {
	lastmet := &dataplane.EngineMetrics{}
	lastframe := lastmet.Frame
	sub := m.config.SubEngine
	m.add(sub, id, name, m.config.TickEngine, func() {
		met := e.GetMetrics()
		m.updateMetric(id, name, sub, "iterations", lastmet.Iterations, met.Iterations)
		m.updateMetric(id, name, sub, "tx_control", lastmet.TxControl, met.TxControl)
		m.updateMetric(id, name, sub, "tx_bulk", lastmet.TxBulk, met.TxBulk)
		m.updateMetric(id, name, sub, "rx_frames", lastmet.RxFrames, met.RxFrames)
		m.updateMetric(id, name, sub, "transaction_errors", lastmet.TransactionErrors, met.TransactionErrors)
		m.updateMetric(id, name, sub, "bulk_in", lastmet.BulkIn, met.BulkIn)
		m.updateMetric(id, name, sub, "bulk_in_dropped", lastmet.BulkInDropped, met.BulkInDropped)
		m.updateMetric(id, name, sub, "bulk_ack_errors", lastmet.BulkAckErrors, met.BulkAckErrors)
		m.updateMetric(id, name, sub, "responses_dropped", lastmet.ResponsesDropped, met.ResponsesDropped)
		m.updateMetric(id, name, sub, "counter_resets", lastmet.CounterResets, met.CounterResets)
		m.updateMetric(id, name, sub, "tx_waiting", uint64(lastmet.TxWaiting), uint64(met.TxWaiting))
		if lastframe != nil {
			m.updateMetric(id, name, sub, "framing_errors", lastframe.FramingErrors, met.Frame.FramingErrors)
			m.updateMetric(id, name, sub, "bus_errors", lastframe.BusErrors, met.Frame.BusErrors)
			m.updateMetric(id, name, sub, "bytes_tx", lastframe.BytesTx, met.Frame.BytesTx)
			m.updateMetric(id, name, sub, "bytes_rx", lastframe.BytesRx, met.Frame.BytesRx)
		}
		lastmet = met
		lastframe = met.Frame
	})
}

func (m *Metrics) RemoveEngine(id string, name string) {
	m.remove(m.config.SubEngine, id, name)
}

func (m *Metrics) AddCorrelator(id string, name string, c *ipc.Correlator) {
	lastmet := &ipc.CorrelatorMetrics{}
	sub := m.config.SubCorrelator
	m.add(sub, id, name, m.config.TickCorrelator, func() {
		met := c.GetMetrics()
		m.updateMetric(id, name, sub, "requests", lastmet.Requests, met.Requests)
		m.updateMetric(id, name, sub, "responses", lastmet.Responses, met.Responses)
		m.updateMetric(id, name, sub, "timeouts", lastmet.Timeouts, met.Timeouts)
		m.updateMetric(id, name, sub, "status_errors", lastmet.StatusErrs, met.StatusErrs)
		m.updateMetric(id, name, sub, "in_flight", uint64(lastmet.InFlight), uint64(met.InFlight))
		lastmet = met
	})
}

func (m *Metrics) RemoveCorrelator(id string, name string) {
	m.remove(m.config.SubCorrelator, id, name)
}

func (m *Metrics) AddRouter(id string, name string, r *ipc.Router) {
	lastmet := &ipc.RouterMetrics{}
	sub := m.config.SubRouter
	m.add(sub, id, name, m.config.TickRouter, func() {
		met := r.GetMetrics()
		m.updateMetric(id, name, sub, "replies", lastmet.Replies, met.Replies)
		m.updateMetric(id, name, sub, "dropped", lastmet.Dropped, met.Dropped)
		m.updateMetric(id, name, sub, "events", lastmet.Events, met.Events)
		m.updateMetric(id, name, sub, "unhandled", lastmet.Unhandled, met.Unhandled)
		lastmet = met
	})
}

func (m *Metrics) RemoveRouter(id string, name string) {
	m.remove(m.config.SubRouter, id, name)
}

func (m *Metrics) AddInterface(id string, name string, i *netif.Interface) {
	lastmet := &netif.Metrics{}
	sub := m.config.SubInterface
	m.add(sub, id, name, m.config.TickInterface, func() {
		met := i.GetMetrics()
		m.updateMetric(id, name, sub, "tx_frames", lastmet.TxFrames, met.TxFrames)
		m.updateMetric(id, name, sub, "tx_bytes", lastmet.TxBytes, met.TxBytes)
		m.updateMetric(id, name, sub, "tx_failures", lastmet.TxFailures, met.TxFailures)
		m.updateMetric(id, name, sub, "rx_frames", lastmet.RxFrames, met.RxFrames)
		m.updateMetric(id, name, sub, "rx_bytes", lastmet.RxBytes, met.RxBytes)
		m.updateMetric(id, name, sub, "rx_dropped", lastmet.RxDropped, met.RxDropped)
		lastmet = met
	})
}

func (m *Metrics) RemoveInterface(id string, name string) {
	m.remove(m.config.SubInterface, id, name)
}

func (m *Metrics) AddManager(id string, name string, mgr *connmgr.Manager) {
	lastmet := &connmgr.Metrics{}
	sub := m.config.SubManager
	m.add(sub, id, name, m.config.TickManager, func() {
		met := mgr.GetMetrics()
		m.updateMetric(id, name, sub, "status", uint64(lastmet.Status), uint64(met.Status))
		m.updateMetric(id, name, sub, "transitions", lastmet.Transitions, met.Transitions)
		m.updateMetric(id, name, sub, "connects", lastmet.Connects, met.Connects)
		m.updateMetric(id, name, sub, "connect_failures", lastmet.ConnectFailures, met.ConnectFailures)
		m.updateMetric(id, name, sub, "reconnects", lastmet.Reconnects, met.Reconnects)
		lastmet = met
	})
}

func (m *Metrics) RemoveManager(id string, name string) {
	m.remove(m.config.SubManager, id, name)
}

func (m *Metrics) AddAllocator(id string, name string, a *buffer.Allocator) {
	lastmet := &buffer.Snapshot{}
	sub := m.config.SubAllocator
	m.add(sub, id, name, m.config.TickAllocator, func() {
		met := a.GetMetrics()
		m.updateMetric(id, name, sub, "live", uint64(lastmet.Allocated-lastmet.Freed), uint64(met.Allocated-met.Freed))
		m.updateMetric(id, name, sub, "outstanding", uint64(lastmet.Acquired-lastmet.Released), uint64(met.Acquired-met.Released))
		m.updateMetric(id, name, sub, "bytes_live", uint64(lastmet.BytesLive), uint64(met.BytesLive))
		m.updateMetric(id, name, sub, "underflows", uint64(lastmet.Underflows), uint64(met.Underflows))
		lastmet = met
	})
}

func (m *Metrics) RemoveAllocator(id string, name string) {
	m.remove(m.config.SubAllocator, id, name)
}
