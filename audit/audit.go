/*-
 * Copyright 2018 Square Inc.
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

// Package audit records one structured event per authentication attempt.
// Appending never blocks the caller: events are queued and written by a
// background goroutine, and dropped (and counted) when the queue is full.
package audit

import (
	"sync"
	"time"

	metrics "github.com/rcrowley/go-metrics"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Unidentified fills event fields that were not known when the event was
// recorded, so that every record has the same columns.
const Unidentified = "$Unidentified$"

// Outcome of an audited operation.
type Outcome string

const (
	Success Outcome = "Success"
	Failure Outcome = "Failure"
)

// Event is one audit record.
type Event struct {
	// Name of the event template, e.g. CMC_SIGNED_REQUEST_SIG_VERIFY.
	Name        string
	RequestID   string
	SubjectID   string
	Outcome     Outcome
	RequestType string
	CertSubject string
	SignerInfo  string
	// Reason is the failure cause, empty on success.
	Reason string
	Time   time.Time
}

func (e Event) normalized() Event {
	for _, field := range []*string{&e.RequestID, &e.SubjectID, &e.RequestType, &e.CertSubject, &e.SignerInfo} {
		if *field == "" {
			*field = Unidentified
		}
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	return e
}

// MarshalLogObject renders the event for zap.
func (e Event) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("event", e.Name)
	enc.AddString("requestId", e.RequestID)
	enc.AddString("subjectId", e.SubjectID)
	enc.AddString("outcome", string(e.Outcome))
	enc.AddString("requestType", e.RequestType)
	enc.AddString("certSubject", e.CertSubject)
	enc.AddString("signerInfo", e.SignerInfo)
	if e.Reason != "" {
		enc.AddString("reason", e.Reason)
	}
	enc.AddTime("eventTime", e.Time)
	return nil
}

// Sink accepts audit events. Append must not block.
type Sink interface {
	Append(Event)
}

// Discard is a Sink that drops every event.
var Discard Sink = discard{}

type discard struct{}

func (discard) Append(Event) {}

// Log is a Sink that writes events through a zap logger.
type Log struct {
	logger  *zap.Logger
	queue   chan Event
	dropped metrics.Counter
	done    chan struct{}
	once    sync.Once

	mu     sync.RWMutex
	closed bool
}

// NewLog starts a sink writing to logger. At most queueSize events wait to
// be written; further events are dropped and counted in dropped, which
// may be nil.
func NewLog(logger *zap.Logger, queueSize int, dropped metrics.Counter) *Log {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if dropped == nil {
		dropped = metrics.NilCounter{}
	}
	l := &Log{
		logger:  logger,
		queue:   make(chan Event, queueSize),
		dropped: dropped,
		done:    make(chan struct{}),
	}
	go l.run()
	return l
}

// Append queues an event, filling unknown fields with Unidentified.
// Events appended after Close are dropped.
func (l *Log) Append(e Event) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		l.dropped.Inc(1)
		return
	}
	select {
	case l.queue <- e.normalized():
	default:
		l.dropped.Inc(1)
	}
}

func (l *Log) run() {
	defer close(l.done)
	for e := range l.queue {
		level := zapcore.InfoLevel
		if e.Outcome == Failure {
			level = zapcore.WarnLevel
		}
		if ce := l.logger.Check(level, "audit"); ce != nil {
			ce.Write(zap.Object("audit", e))
		}
	}
}

// Close writes out queued events and stops the sink.
func (l *Log) Close() error {
	l.once.Do(func() {
		l.mu.Lock()
		l.closed = true
		close(l.queue)
		l.mu.Unlock()
	})
	<-l.done
	return l.logger.Sync()
}
