// Copyright 2023 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package exchange

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "exchange"

// Metrics holds the collectors a Context reports to. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	acquired         prometheus.Counter
	released         prometheus.Counter
	allocated        prometheus.Counter
	discarded        prometheus.Counter
	inUse            prometheus.Gauge
	resourceManagers prometheus.Gauge
	decodeErrors     *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg. Passing
// a nil registerer creates collectors that are not registered anywhere.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		acquired: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "pool_acquired_total",
			Help:      "Number of exchanges handed out by the pool.",
		}),
		released: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "pool_released_total",
			Help:      "Number of exchanges returned to the pool.",
		}),
		allocated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "pool_allocated_total",
			Help:      "Number of exchanges constructed because the pool had none idle.",
		}),
		discarded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "pool_discarded_total",
			Help:      "Number of released exchanges dropped because the pool was full.",
		}),
		inUse: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "pool_in_use",
			Help:      "Number of exchanges currently acquired.",
		}),
		resourceManagers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "resource_managers",
			Help:      "Number of resource managers held by the registry.",
		}),
		decodeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "decode_errors_total",
			Help:      "Number of request bodies that failed to decode, by error kind.",
		}, []string{"kind"}),
	}
}

func (m *Metrics) poolAcquired() {
	if m == nil {
		return
	}
	m.acquired.Inc()
	m.inUse.Inc()
}

func (m *Metrics) poolReleased() {
	if m == nil {
		return
	}
	m.released.Inc()
	m.inUse.Dec()
}

func (m *Metrics) poolAllocated() {
	if m == nil {
		return
	}
	m.allocated.Inc()
}

func (m *Metrics) poolDiscarded() {
	if m == nil {
		return
	}
	m.discarded.Inc()
}

func (m *Metrics) resourceManagerAdded() {
	if m == nil {
		return
	}
	m.resourceManagers.Inc()
}

func (m *Metrics) resourceManagersCleared() {
	if m == nil {
		return
	}
	m.resourceManagers.Set(0)
}

func (m *Metrics) decodeFailed(kind ErrorKind) {
	if m == nil {
		return
	}
	m.decodeErrors.WithLabelValues(kind.String()).Inc()
}
