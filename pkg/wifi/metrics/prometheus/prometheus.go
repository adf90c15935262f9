package prometheus

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
	"github.com/prometheus/client_golang/prometheus"
)

type MetricsConfig struct {
	Namespace      string
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
		Namespace:      "wispi",
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
	reg    prometheus.Registerer
	lock   sync.Mutex
	config *MetricsConfig

	// dataplane
	engineIterations         *prometheus.GaugeVec
	engineIdleTimeouts       *prometheus.GaugeVec
	engineTxControl          *prometheus.GaugeVec
	engineTxBulk             *prometheus.GaugeVec
	engineRxFrames           *prometheus.GaugeVec
	engineTransactionErrors  *prometheus.GaugeVec
	engineBulkIn             *prometheus.GaugeVec
	engineBulkInDropped      *prometheus.GaugeVec
	engineBulkAckErrors      *prometheus.GaugeVec
	engineResponsesForwarded *prometheus.GaugeVec
	engineResponsesDropped   *prometheus.GaugeVec
	engineCounterResets      *prometheus.GaugeVec
	engineTxWaiting          *prometheus.GaugeVec
	engineRxWaiting          *prometheus.GaugeVec
	engineFramingErrors      *prometheus.GaugeVec
	engineFlowTimeouts       *prometheus.GaugeVec
	engineBusErrors          *prometheus.GaugeVec
	engineBytesTx            *prometheus.GaugeVec
	engineBytesRx            *prometheus.GaugeVec

	// ipc
	correlatorRequests  *prometheus.GaugeVec
	correlatorResponses *prometheus.GaugeVec
	correlatorTimeouts  *prometheus.GaugeVec
	correlatorStatusErr *prometheus.GaugeVec
	correlatorInFlight  *prometheus.GaugeVec

	// router
	routerReplies   *prometheus.GaugeVec
	routerDropped   *prometheus.GaugeVec
	routerEvents    *prometheus.GaugeVec
	routerUnhandled *prometheus.GaugeVec

	// netif
	interfaceTxFrames   *prometheus.GaugeVec
	interfaceTxBytes    *prometheus.GaugeVec
	interfaceTxFailures *prometheus.GaugeVec
	interfaceRxFrames   *prometheus.GaugeVec
	interfaceRxBytes    *prometheus.GaugeVec
	interfaceRxDropped  *prometheus.GaugeVec
	interfaceConnected  *prometheus.GaugeVec

	// connmgr
	managerStatus          *prometheus.GaugeVec
	managerTransitions     *prometheus.GaugeVec
	managerConnects        *prometheus.GaugeVec
	managerConnectFailures *prometheus.GaugeVec
	managerReconnects      *prometheus.GaugeVec

	// buffers
	allocatorLive        *prometheus.GaugeVec
	allocatorOutstanding *prometheus.GaugeVec
	allocatorBytesLive   *prometheus.GaugeVec
	allocatorUnderflows  *prometheus.GaugeVec

	cancelfns map[string]context.CancelFunc
}

func New(reg prometheus.Registerer, config *MetricsConfig) *Metrics {
	labels := []string{"id", "name"}
	gauge := func(sub string, name string, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: config.Namespace, Subsystem: sub, Name: name, Help: help}, labels)
	}

	met := &Metrics{
		config: config,
		reg:    reg,

		engineIterations:         gauge(config.SubEngine, "iterations", "Loop iterations"),
		engineIdleTimeouts:       gauge(config.SubEngine, "idle_timeouts", "Idle wakeups"),
		engineTxControl:          gauge(config.SubEngine, "tx_control", "Control frames sent"),
		engineTxBulk:             gauge(config.SubEngine, "tx_bulk", "Bulk frames sent"),
		engineRxFrames:           gauge(config.SubEngine, "rx_frames", "Frames received"),
		engineTransactionErrors:  gauge(config.SubEngine, "transaction_errors", "Failed transactions"),
		engineBulkIn:             gauge(config.SubEngine, "bulk_in", "Bulk frames delivered"),
		engineBulkInDropped:      gauge(config.SubEngine, "bulk_in_dropped", "Bulk frames dropped"),
		engineBulkAckErrors:      gauge(config.SubEngine, "bulk_ack_errors", "Bulk frames rejected by peer"),
		engineResponsesForwarded: gauge(config.SubEngine, "responses_forwarded", "Responses forwarded"),
		engineResponsesDropped:   gauge(config.SubEngine, "responses_dropped", "Responses dropped"),
		engineCounterResets:      gauge(config.SubEngine, "counter_resets", "Tx counter resets"),
		engineTxWaiting:          gauge(config.SubEngine, "tx_waiting", "Frames waiting to send"),
		engineRxWaiting:          gauge(config.SubEngine, "rx_waiting", "Frames waiting to receive"),
		engineFramingErrors:      gauge(config.SubEngine, "framing_errors", "Bad headers"),
		engineFlowTimeouts:       gauge(config.SubEngine, "flow_timeouts", "Flow control timeouts"),
		engineBusErrors:          gauge(config.SubEngine, "bus_errors", "Bus errors"),
		engineBytesTx:            gauge(config.SubEngine, "bytes_tx", "Payload bytes sent"),
		engineBytesRx:            gauge(config.SubEngine, "bytes_rx", "Payload bytes received"),

		correlatorRequests:  gauge(config.SubCorrelator, "requests", "Requests"),
		correlatorResponses: gauge(config.SubCorrelator, "responses", "Responses"),
		correlatorTimeouts:  gauge(config.SubCorrelator, "timeouts", "Timeouts"),
		correlatorStatusErr: gauge(config.SubCorrelator, "status_errors", "Nonzero peer status"),
		correlatorInFlight:  gauge(config.SubCorrelator, "in_flight", "Slots in use"),

		routerReplies:   gauge(config.SubRouter, "replies", "Replies matched"),
		routerDropped:   gauge(config.SubRouter, "dropped", "Replies with no waiter"),
		routerEvents:    gauge(config.SubRouter, "events", "Events"),
		routerUnhandled: gauge(config.SubRouter, "unhandled", "Events with no handler"),

		interfaceTxFrames:   gauge(config.SubInterface, "tx_frames", "Frames sent"),
		interfaceTxBytes:    gauge(config.SubInterface, "tx_bytes", "Bytes sent"),
		interfaceTxFailures: gauge(config.SubInterface, "tx_failures", "Send failures"),
		interfaceRxFrames:   gauge(config.SubInterface, "rx_frames", "Frames delivered"),
		interfaceRxBytes:    gauge(config.SubInterface, "rx_bytes", "Bytes delivered"),
		interfaceRxDropped:  gauge(config.SubInterface, "rx_dropped", "Frames dropped"),
		interfaceConnected:  gauge(config.SubInterface, "connected", "Connected"),

		managerStatus:          gauge(config.SubManager, "status", "Link status"),
		managerTransitions:     gauge(config.SubManager, "transitions", "Status transitions"),
		managerConnects:        gauge(config.SubManager, "connects", "Connect attempts"),
		managerConnectFailures: gauge(config.SubManager, "connect_failures", "Failed connect attempts"),
		managerReconnects:      gauge(config.SubManager, "reconnects", "Reconnects"),

		allocatorLive:        gauge(config.SubAllocator, "live", "Buffers not freed"),
		allocatorOutstanding: gauge(config.SubAllocator, "outstanding", "References held"),
		allocatorBytesLive:   gauge(config.SubAllocator, "bytes_live", "Bytes in live buffers"),
		allocatorUnderflows:  gauge(config.SubAllocator, "underflows", "Reference count underflows"),

		cancelfns: make(map[string]context.CancelFunc),
	}

	reg.MustRegister(met.engineIterations, met.engineIdleTimeouts, met.engineTxControl, met.engineTxBulk,
		met.engineRxFrames, met.engineTransactionErrors, met.engineBulkIn, met.engineBulkInDropped,
		met.engineBulkAckErrors, met.engineResponsesForwarded, met.engineResponsesDropped, met.engineCounterResets,
		met.engineTxWaiting, met.engineRxWaiting, met.engineFramingErrors, met.engineFlowTimeouts,
		met.engineBusErrors, met.engineBytesTx, met.engineBytesRx)

	reg.MustRegister(met.correlatorRequests, met.correlatorResponses, met.correlatorTimeouts, met.correlatorStatusErr, met.correlatorInFlight)

	reg.MustRegister(met.routerReplies, met.routerDropped, met.routerEvents, met.routerUnhandled)

	reg.MustRegister(met.interfaceTxFrames, met.interfaceTxBytes, met.interfaceTxFailures,
		met.interfaceRxFrames, met.interfaceRxBytes, met.interfaceRxDropped, met.interfaceConnected)

	reg.MustRegister(met.managerStatus, met.managerTransitions, met.managerConnects, met.managerConnectFailures, met.managerReconnects)

	reg.MustRegister(met.allocatorLive, met.allocatorOutstanding, met.allocatorBytesLive, met.allocatorUnderflows)

	return met
}

func key(subsystem string, id string, name string) string {
	return fmt.Sprintf("%s_%s_%s", subsystem, id, name)
}

func (m *Metrics) remove(subsystem string, id string, name string) {
	m.lock.Lock()
	cancelfn, ok := m.cancelfns[key(subsystem, id, name)]
	if ok {
		cancelfn()
		delete(m.cancelfns, key(subsystem, id, name))
	}
	m.lock.Unlock()
}

func (m *Metrics) add(subsystem string, id string, name string, interval time.Duration, tickfn func()) {
	ctx, cancelfn := context.WithCancel(context.TODO())
	m.lock.Lock()
	m.cancelfns[key(subsystem, id, name)] = cancelfn
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

func (m *Metrics) Shutdown() {
	m.lock.Lock()
	for _, cancelfn := range m.cancelfns {
		cancelfn()
	}
	m.cancelfns = make(map[string]context.CancelFunc)
	m.lock.Unlock()
}

func (m *Metrics) RemoveAllID(id string) {
	for _, sub := range []string{m.config.SubEngine, m.config.SubCorrelator, m.config.SubRouter,
		m.config.SubInterface, m.config.SubManager, m.config.SubAllocator} {
		prefix := fmt.Sprintf("%s_%s_", sub, id)
		m.lock.Lock()
		for k, cancelfn := range m.cancelfns {
			if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
				cancelfn()
				delete(m.cancelfns, k)
			}
		}
		m.lock.Unlock()
	}
}

func (m *Metrics) AddEngine(id string, name string, e *dataplane.Engine) {
	m.add(m.config.SubEngine, id, name, m.config.TickEngine, func() {
		met := e.GetMetrics()
		m.engineIterations.WithLabelValues(id, name).Set(float64(met.Iterations))
		m.engineIdleTimeouts.WithLabelValues(id, name).Set(float64(met.IdleTimeouts))
		m.engineTxControl.WithLabelValues(id, name).Set(float64(met.TxControl))
		m.engineTxBulk.WithLabelValues(id, name).Set(float64(met.TxBulk))
		m.engineRxFrames.WithLabelValues(id, name).Set(float64(met.RxFrames))
		m.engineTransactionErrors.WithLabelValues(id, name).Set(float64(met.TransactionErrors))
		m.engineBulkIn.WithLabelValues(id, name).Set(float64(met.BulkIn))
		m.engineBulkInDropped.WithLabelValues(id, name).Set(float64(met.BulkInDropped))
		m.engineBulkAckErrors.WithLabelValues(id, name).Set(float64(met.BulkAckErrors))
		m.engineResponsesForwarded.WithLabelValues(id, name).Set(float64(met.ResponsesForwarded))
		m.engineResponsesDropped.WithLabelValues(id, name).Set(float64(met.ResponsesDropped))
		m.engineCounterResets.WithLabelValues(id, name).Set(float64(met.CounterResets))
		m.engineTxWaiting.WithLabelValues(id, name).Set(float64(met.TxWaiting))
		m.engineRxWaiting.WithLabelValues(id, name).Set(float64(met.RxWaiting))
		m.engineFramingErrors.WithLabelValues(id, name).Set(float64(met.Frame.FramingErrors))
		m.engineFlowTimeouts.WithLabelValues(id, name).Set(float64(met.Frame.FlowTimeouts))
		m.engineBusErrors.WithLabelValues(id, name).Set(float64(met.Frame.BusErrors))
		m.engineBytesTx.WithLabelValues(id, name).Set(float64(met.Frame.BytesTx))
		m.engineBytesRx.WithLabelValues(id, name).Set(float64(met.Frame.BytesRx))
	})
}

func (m *Metrics) RemoveEngine(id string, name string) {
	m.remove(m.config.SubEngine, id, name)
}

func (m *Metrics) AddCorrelator(id string, name string, c *ipc.Correlator) {
	m.add(m.config.SubCorrelator, id, name, m.config.TickCorrelator, func() {
		met := c.GetMetrics()
		m.correlatorRequests.WithLabelValues(id, name).Set(float64(met.Requests))
		m.correlatorResponses.WithLabelValues(id, name).Set(float64(met.Responses))
		m.correlatorTimeouts.WithLabelValues(id, name).Set(float64(met.Timeouts))
		m.correlatorStatusErr.WithLabelValues(id, name).Set(float64(met.StatusErrs))
		m.correlatorInFlight.WithLabelValues(id, name).Set(float64(met.InFlight))
	})
}

func (m *Metrics) RemoveCorrelator(id string, name string) {
	m.remove(m.config.SubCorrelator, id, name)
}

func (m *Metrics) AddRouter(id string, name string, r *ipc.Router) {
	m.add(m.config.SubRouter, id, name, m.config.TickRouter, func() {
		met := r.GetMetrics()
		m.routerReplies.WithLabelValues(id, name).Set(float64(met.Replies))
		m.routerDropped.WithLabelValues(id, name).Set(float64(met.Dropped))
		m.routerEvents.WithLabelValues(id, name).Set(float64(met.Events))
		m.routerUnhandled.WithLabelValues(id, name).Set(float64(met.Unhandled))
	})
}

func (m *Metrics) RemoveRouter(id string, name string) {
	m.remove(m.config.SubRouter, id, name)
}

func (m *Metrics) AddInterface(id string, name string, i *netif.Interface) {
	m.add(m.config.SubInterface, id, name, m.config.TickInterface, func() {
		met := i.GetMetrics()
		m.interfaceTxFrames.WithLabelValues(id, name).Set(float64(met.TxFrames))
		m.interfaceTxBytes.WithLabelValues(id, name).Set(float64(met.TxBytes))
		m.interfaceTxFailures.WithLabelValues(id, name).Set(float64(met.TxFailures))
		m.interfaceRxFrames.WithLabelValues(id, name).Set(float64(met.RxFrames))
		m.interfaceRxBytes.WithLabelValues(id, name).Set(float64(met.RxBytes))
		m.interfaceRxDropped.WithLabelValues(id, name).Set(float64(met.RxDropped))
		connected := 0.0
		if met.Connected {
			connected = 1
		}
		m.interfaceConnected.WithLabelValues(id, name).Set(connected)
	})
}

func (m *Metrics) RemoveInterface(id string, name string) {
	m.remove(m.config.SubInterface, id, name)
}

func (m *Metrics) AddManager(id string, name string, mgr *connmgr.Manager) {
	m.add(m.config.SubManager, id, name, m.config.TickManager, func() {
		met := mgr.GetMetrics()
		m.managerStatus.WithLabelValues(id, name).Set(float64(met.Status))
		m.managerTransitions.WithLabelValues(id, name).Set(float64(met.Transitions))
		m.managerConnects.WithLabelValues(id, name).Set(float64(met.Connects))
		m.managerConnectFailures.WithLabelValues(id, name).Set(float64(met.ConnectFailures))
		m.managerReconnects.WithLabelValues(id, name).Set(float64(met.Reconnects))
	})
}

func (m *Metrics) RemoveManager(id string, name string) {
	m.remove(m.config.SubManager, id, name)
}

func (m *Metrics) AddAllocator(id string, name string, a *buffer.Allocator) {
	m.add(m.config.SubAllocator, id, name, m.config.TickAllocator, func() {
		met := a.GetMetrics()
		m.allocatorLive.WithLabelValues(id, name).Set(float64(met.Allocated - met.Freed))
		m.allocatorOutstanding.WithLabelValues(id, name).Set(float64(met.Acquired - met.Released))
		m.allocatorBytesLive.WithLabelValues(id, name).Set(float64(met.BytesLive))
		m.allocatorUnderflows.WithLabelValues(id, name).Set(float64(met.Underflows))
	})
}

func (m *Metrics) RemoveAllocator(id string, name string) {
	m.remove(m.config.SubAllocator, id, name)
}
