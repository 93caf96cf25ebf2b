/*
 * Copyright 2024 dTelecom
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package prometheus

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
)

const roomkitNamespace = "roomkit"

var (
	sessionCurrent       atomic.Int32
	reconnectAttempts    atomic.Int32
	restorationAttempts  atomic.Int32
	restorationSuccesses atomic.Int32

	promSessionCurrent     prometheus.Gauge
	promConnectDuration    prometheus.Histogram
	promReconnectCounter   *prometheus.CounterVec
	promRestorationCounter *prometheus.CounterVec
	promToggleFailures     *prometheus.CounterVec

	registerOnce sync.Once
)

func init() {
	promSessionCurrent = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: roomkitNamespace,
		Subsystem: "session",
		Name:      "current",
	})
	promConnectDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: roomkitNamespace,
		Subsystem: "session",
		Name:      "connect_duration_seconds",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 15, 30},
	})
	promReconnectCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: roomkitNamespace,
		Subsystem: "session",
		Name:      "reconnect_attempts",
	}, []string{"result"})
	promRestorationCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: roomkitNamespace,
		Subsystem: "restoration",
		Name:      "attempts",
	}, []string{"result"})
	promToggleFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: roomkitNamespace,
		Subsystem: "toggle",
		Name:      "failures",
	}, []string{"device"})
}

// Init registers the collectors with the default registerer. Safe to
// call more than once.
func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(promSessionCurrent)
		prometheus.MustRegister(promConnectDuration)
		prometheus.MustRegister(promReconnectCounter)
		prometheus.MustRegister(promRestorationCounter)
		prometheus.MustRegister(promToggleFailures)
	})
}

func SessionStarted(duration time.Duration) {
	sessionCurrent.Inc()
	promSessionCurrent.Inc()
	promConnectDuration.Observe(duration.Seconds())
}

func SessionEnded() {
	sessionCurrent.Dec()
	promSessionCurrent.Dec()
}

func ReconnectAttempt(success bool) {
	reconnectAttempts.Inc()
	if success {
		promReconnectCounter.WithLabelValues("success").Inc()
	} else {
		promReconnectCounter.WithLabelValues("failure").Inc()
	}
}

func RestorationAttempt() {
	restorationAttempts.Inc()
	promRestorationCounter.WithLabelValues("attempted").Inc()
}

func RestorationSucceeded() {
	restorationSuccesses.Inc()
	promRestorationCounter.WithLabelValues("success").Inc()
}

func RestorationExhausted() {
	promRestorationCounter.WithLabelValues("exhausted").Inc()
}

func ToggleFailed(device string) {
	promToggleFailures.WithLabelValues(device).Inc()
}
