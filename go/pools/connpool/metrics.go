// Copyright 2025 The Poolhouse Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package connpool

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Attribute keys from OTel database client semantic conventions.
const (
	attrKeyPoolName = "db.client.connection.pool.name"
	attrKeyState    = "db.client.connection.state"
)

// Connection states reported on the count metric, per OTel semconv.
const (
	connStateIdle = "idle"
	connStateUsed = "used"
)

// Metrics holds the pool's OTel instruments: the number of live
// connections by state, and the time checkout requests spent waiting for
// a worker. A nil *Metrics disables recording.
type Metrics struct {
	connCount metric.Int64UpDownCounter
	waitTime  metric.Float64Histogram
}

// NewMetrics creates the pool instruments on the given meter, using the
// standard db.client.connection.* metric names from OTel semconv.
func NewMetrics(m metric.Meter) (*Metrics, error) {
	connCount, err := m.Int64UpDownCounter(
		"db.client.connection.count",
		metric.WithDescription("The number of connections that are currently in state described by the state attribute."),
		metric.WithUnit("{connection}"),
	)
	if err != nil {
		return nil, err
	}

	waitTime, err := m.Float64Histogram(
		"db.client.connection.wait_time",
		metric.WithDescription("The time it took to obtain an open connection from the pool."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{connCount: connCount, waitTime: waitTime}, nil
}

// addConn records a connection count change for the given pool and state.
func (m *Metrics) addConn(ctx context.Context, delta int64, poolName, state string) {
	if m == nil || m.connCount == nil {
		return
	}
	m.connCount.Add(ctx, delta, metric.WithAttributes(
		attribute.String(attrKeyPoolName, poolName),
		attribute.String(attrKeyState, state),
	))
}

// recordWait records how long a checkout request queued for a worker.
func (m *Metrics) recordWait(ctx context.Context, poolName string, d time.Duration) {
	if m == nil || m.waitTime == nil {
		return
	}
	m.waitTime.Record(ctx, float64(d)/float64(time.Millisecond), metric.WithAttributes(
		attribute.String(attrKeyPoolName, poolName),
	))
}
