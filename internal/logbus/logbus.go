// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package logbus implements the pub/sub + push/pull transport (C3)
// that carries log traffic between agents and the principal's log
// manager: a push/pull ingest path (agents push, the principal's log
// manager pulls via a queue-group subscription) and a pub/sub
// re-publish path keyed by workflow id.
package logbus

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/cdktr-io/cdktr/internal/cdkerrors"
	"github.com/cdktr-io/cdktr/internal/model"
)

const (
	ingestSubject   = "cdktr.logs.ingest"
	ingestQueue     = "cdktr-log-manager"
	topicPrefix     = "cdktr.logs.topic."
	defaultPushWait = 2 * time.Second

	// maxBufferedRecords bounds the agent-side retry buffer so a
	// principal that's down for a long stretch can't grow it without
	// limit; the oldest buffered record is dropped to make room.
	maxBufferedRecords = 4096
)

// defaultReconnectOpts gives Connect's caller automatic reconnection
// with unbounded attempts, so Push's buffer/drain logic (below) always
// has a connection to drain into eventually rather than giving up
// after nats.go's default 60-attempt cap.
func defaultReconnectOpts() []nats.Option {
	return []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
	}
}

// Bus wraps a NATS connection with the two one-way patterns spec.md
// §4.3 names.
type Bus struct {
	conn *nats.Conn

	mu     sync.Mutex
	buffer []model.LogRecord
}

// Connect dials url (a NATS server address, e.g. "nats://localhost:4222").
func Connect(url string, opts ...nats.Option) (*Bus, error) {
	conn, err := nats.Connect(url, append(defaultReconnectOpts(), opts...)...)
	if err != nil {
		return nil, cdkerrors.Wrap(cdkerrors.ErrTransport, err.Error())
	}
	return &Bus{conn: conn}, nil
}

// Close closes the underlying connection without draining it.
func (b *Bus) Close() {
	b.conn.Close()
}

// Push sends a LogRecord to the principal's ingest queue group. On
// transient failure the record is buffered locally rather than
// dropped; the next call to Push first drains the buffer in order
// (relying on the connection's automatic reconnect), and if the
// principal is still unreachable the record that failed is put back
// at the front of the buffer, ahead of anything buffered after it,
// per spec.md §4.13's agent-side buffer/reconnect/drain contract.
func (b *Bus) Push(record model.LogRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	pending := append(b.buffer, record)
	b.buffer = nil

	for i, rec := range pending {
		if err := b.publish(rec); err != nil {
			b.buffer = pending[i:]
			if len(b.buffer) > maxBufferedRecords {
				b.buffer = b.buffer[len(b.buffer)-maxBufferedRecords:]
			}
			return err
		}
	}
	return nil
}

// publish does the actual fire-and-forget NATS publish, bounded by
// flushing the outbound buffer within a short timeout so a wedged
// connection doesn't block the caller indefinitely, per spec.md §4.3
// ("each push has a bounded timeout").
func (b *Bus) publish(record model.LogRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("logbus: marshal log record: %w", err)
	}
	if err := b.conn.Publish(ingestSubject, data); err != nil {
		return cdkerrors.Wrap(cdkerrors.ErrTransport, err.Error())
	}
	if err := b.conn.FlushTimeout(defaultPushWait); err != nil {
		return cdkerrors.Wrap(cdkerrors.ErrTransport, err.Error())
	}
	return nil
}

// IngestHandler is invoked once per LogRecord received on the pull
// side of the push/pull path.
type IngestHandler func(record model.LogRecord)

// SubscribeIngest registers the principal's log manager as one worker
// in a queue group on the ingest subject: each pushed record is
// delivered to exactly one queue-group member, giving pull semantics
// over NATS core pub/sub without needing JetStream.
func (b *Bus) SubscribeIngest(handler IngestHandler) (*nats.Subscription, error) {
	sub, err := b.conn.QueueSubscribe(ingestSubject, ingestQueue, func(msg *nats.Msg) {
		var record model.LogRecord
		if err := json.Unmarshal(msg.Data, &record); err != nil {
			return
		}
		handler(record)
	})
	if err != nil {
		return nil, cdkerrors.Wrap(cdkerrors.ErrTransport, err.Error())
	}
	return sub, nil
}

// topicSubject maps a workflow id to its pub/sub subject. An empty
// workflowID yields the wildcard subject matching every topic, for
// subscribers that want every record (spec.md §4.3: "empty string =
// all").
func topicSubject(workflowID string) string {
	if workflowID == "" {
		return topicPrefix + ">"
	}
	return topicPrefix + workflowID
}

// Republish publishes record on the pub/sub side, keyed by the
// record's workflow id, per spec.md §4.13's "every received record is
// immediately published on a pub socket, with the record's workflow_id
// as the topic."
func (b *Bus) Republish(record model.LogRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("logbus: marshal log record: %w", err)
	}
	if err := b.conn.Publish(topicSubject(record.WorkflowID), data); err != nil {
		return cdkerrors.Wrap(cdkerrors.ErrTransport, err.Error())
	}
	return nil
}

// TopicHandler is invoked once per LogRecord delivered to a topic
// subscription.
type TopicHandler func(record model.LogRecord)

// Subscribe subscribes to records republished under workflowID, or
// every topic if workflowID is empty.
func (b *Bus) Subscribe(workflowID string, handler TopicHandler) (*nats.Subscription, error) {
	sub, err := b.conn.Subscribe(topicSubject(workflowID), func(msg *nats.Msg) {
		var record model.LogRecord
		if err := json.Unmarshal(msg.Data, &record); err != nil {
			return
		}
		handler(record)
	})
	if err != nil {
		return nil, cdkerrors.Wrap(cdkerrors.ErrTransport, err.Error())
	}
	return sub, nil
}
