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

// Package eventbus is an in-process topic-keyed publish/subscribe used
// exclusively for component decoupling within one orchestrator process.
// Delivery is synchronous on the publisher's goroutine, in subscription
// order, per topic; there is no persistence and no cross-process delivery.
// The bus is scoped to one orchestrator, never process-wide, so its
// lifetime bounds every subscription.
package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/flowctl/prorch/internal/log"
)

// Topic identifies an event bus channel. The constants cover the
// milestone, blocker, metric, prediction, workflow, and step event types,
// plus system_error for background-failure reporting.
type Topic string

const (
	TopicMilestoneRegistered Topic = "milestone_registered"
	TopicMilestoneUpdated    Topic = "milestone_updated"
	TopicBlockerDetected     Topic = "blocker_detected"
	TopicBlockerResolved     Topic = "blocker_resolved"
	TopicMetricCalculated    Topic = "metric_calculated"
	TopicPredictionGenerated Topic = "prediction_generated"
	TopicWorkflowStarted     Topic = "workflow_started"
	TopicWorkflowCompleted   Topic = "workflow_completed"
	TopicWorkflowFailed      Topic = "workflow_failed"
	TopicStepStarted         Topic = "step_started"
	TopicStepCompleted       Topic = "step_completed"
	TopicStepFailed          Topic = "step_failed"
	TopicSystemError         Topic = "system_error"
)

// Event is one message published on a Topic. Payload carries the canonical
// entity plus before/after state where applicable.
type Event struct {
	Topic     Topic
	Timestamp time.Time
	Payload   any
}

// Handler receives a published Event. A Handler error or panic is caught and
// logged by the bus; it never aborts delivery to the remaining handlers and never
// propagates back to the publisher.
type Handler func(ctx context.Context, evt Event) error

// Bus is one orchestrator process's Event Bus instance.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Topic][]Handler
	logger   *slog.Logger
}

// New creates an empty Bus. logger defaults to slog.Default() when nil.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		handlers: make(map[Topic][]Handler),
		logger:   log.WithComponent(logger, "eventbus"),
	}
}

// Subscribe registers handler to be called, in registration order, for
// every Event published on topic.
func (b *Bus) Subscribe(topic Topic, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = append(b.handlers[topic], handler)
}

// Publish delivers evt to every handler subscribed to evt.Topic,
// synchronously, in subscription order. A handler's error or panic is logged
// and does not stop delivery to later handlers or propagate to the caller.
func (b *Bus) Publish(ctx context.Context, evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	b.mu.RLock()
	handlers := append([]Handler(nil), b.handlers[evt.Topic]...)
	b.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("event handler panicked",
						log.String("topic", string(evt.Topic)),
						log.Attr("panic", r),
					)
				}
			}()
			if err := h(ctx, evt); err != nil {
				b.logger.Error("event handler failed",
					log.String("topic", string(evt.Topic)),
					log.Error(err),
				)
			}
		}()
	}
}

// SubscriberCount reports how many handlers are registered for topic.
func (b *Bus) SubscriberCount(topic Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[topic])
}
