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

package audit

import (
	"bytes"
	"encoding/json"
	"sync"
	"testing"

	metrics "github.com/rcrowley/go-metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogWritesEvent(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	sink := NewLog(zap.New(core), 8, nil)

	sink.Append(Event{
		Name:        "CMC_SIGNED_REQUEST_SIG_VERIFY",
		RequestID:   "req-1",
		SubjectID:   "jjames",
		Outcome:     Success,
		RequestType: "enrollment",
		CertSubject: "CN=Jesse James,O=acme.org",
	})
	sink.Append(Event{Name: "CMC_USER_SIGNED_REQUEST_SIG_VERIFY", Outcome: Failure, Reason: "bad signature"})
	require.NoError(t, sink.Close())

	entries := logs.AllUntimed()
	require.Len(t, entries, 2)
	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level, "failures log at warn")

	first := entries[0].ContextMap()["audit"].(map[string]interface{})
	assert.Equal(t, "CMC_SIGNED_REQUEST_SIG_VERIFY", first["event"])
	assert.Equal(t, "jjames", first["subjectId"])
	assert.Equal(t, "Success", first["outcome"])
	assert.Equal(t, Unidentified, first["signerInfo"])
	assert.NotContains(t, first, "reason")

	second := entries[1].ContextMap()["audit"].(map[string]interface{})
	assert.Equal(t, Unidentified, second["subjectId"])
	assert.Equal(t, Unidentified, second["requestId"])
	assert.Equal(t, Unidentified, second["certSubject"])
	assert.Equal(t, "bad signature", second["reason"])
}

type blockingWriter struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
	mu      sync.Mutex
	buf     bytes.Buffer
}

func (w *blockingWriter) Write(p []byte) (int, error) {
	w.once.Do(func() {
		close(w.entered)
		<-w.release
	})
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

func TestLogDropsWhenFull(t *testing.T) {
	w := &blockingWriter{entered: make(chan struct{}), release: make(chan struct{})}
	logger, err := NewLogger("json", zapcore.AddSync(w))
	require.NoError(t, err)
	dropped := metrics.NewCounter()
	sink := NewLog(logger, 1, dropped)

	sink.Append(Event{Name: "first", Outcome: Success})
	<-w.entered
	sink.Append(Event{Name: "second", Outcome: Success})
	sink.Append(Event{Name: "third", Outcome: Success})
	assert.Equal(t, int64(1), dropped.Count(), "append must not block on a stuck writer")

	close(w.release)
	require.NoError(t, sink.Close())

	lines := bytes.Split(bytes.TrimSpace(w.buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)
	var record map[string]interface{}
	require.NoError(t, json.Unmarshal(lines[1], &record))
	assert.Equal(t, "second", record["audit"].(map[string]interface{})["event"])
}

func TestLogAppendAfterClose(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	dropped := metrics.NewCounter()
	sink := NewLog(zap.New(core), 8, dropped)

	sink.Append(Event{Name: "before", Outcome: Success})
	require.NoError(t, sink.Close())
	assert.NotPanics(t, func() { sink.Append(Event{Name: "after", Outcome: Failure}) })
	require.NoError(t, sink.Close())

	assert.Equal(t, int64(1), dropped.Count())
	require.Len(t, logs.AllUntimed(), 1)
}

func TestLogConcurrentClose(t *testing.T) {
	core, _ := observer.New(zapcore.InfoLevel)
	sink := NewLog(zap.New(core), 4, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				sink.Append(Event{Name: "load", Outcome: Success})
			}
		}()
	}
	require.NoError(t, sink.Close())
	wg.Wait()
}

func TestNewLoggerFormats(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger("console", zapcore.AddSync(&buf))
	require.NoError(t, err)
	logger.Info("hello")
	assert.Contains(t, buf.String(), "hello")

	_, err = NewLogger("xml", nil)
	assert.Error(t, err)
}

func TestDiscard(t *testing.T) {
	assert.NotPanics(t, func() { Discard.Append(Event{}) })
}
