package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/fic_sync/ficapi"
	"github.com/mmdatafocus/fic_sync/models"
	"github.com/sirupsen/logrus"
)

// SyncTask asks the worker to refresh one remote resource.
type SyncTask struct {
	AccountId     uint                    `json:"account_id"`
	Category      models.ResourceCategory `json:"category"`
	RemoteId      string                  `json:"remote_id"`
	Action        models.ResourceAction   `json:"action"`
	EventType     string                  `json:"event_type"`
	LedgerEntryId uint                    `json:"ledger_entry_id,omitempty"`
	CorrelationId string                  `json:"correlation_id,omitempty"`
}

// Dispatcher hands tasks to the asynchronous worker. Implementations must
// not perform the sync inline.
type Dispatcher interface {
	Dispatch(ctx context.Context, task SyncTask) error
}

// PubSubDispatcher publishes tasks to a topic consumed by PubSubPushHandler.
type PubSubDispatcher struct {
	topic   *pubsub.Topic
	timeout time.Duration
}

func NewPubSubDispatcher(topic *pubsub.Topic) *PubSubDispatcher {
	return &PubSubDispatcher{topic: topic, timeout: 3 * time.Second}
}

func (d *PubSubDispatcher) Dispatch(ctx context.Context, task SyncTask) error {
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	res := d.topic.Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"account_id": fmt.Sprint(task.AccountId),
			"category":   string(task.Category),
		},
	})
	_, err = res.Get(ctx)
	return err
}

// LocalDispatcher runs tasks on an in-process worker pool. Used where
// Pub/Sub is not configured.
type LocalDispatcher struct {
	queue  chan SyncTask
	worker *Worker
	logger *logrus.Logger
	wg     sync.WaitGroup
}

func NewLocalDispatcher(worker *Worker, queueSize int, logger *logrus.Logger) *LocalDispatcher {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &LocalDispatcher{
		queue:  make(chan SyncTask, queueSize),
		worker: worker,
		logger: logger,
	}
}

// Dispatch never blocks; a full queue is reported as ErrQueueFull.
func (d *LocalDispatcher) Dispatch(ctx context.Context, task SyncTask) error {
	select {
	case d.queue <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

// Start runs n workers until ctx is cancelled. Wait blocks until they exit.
func (d *LocalDispatcher) Start(ctx context.Context, n int) {
	if n <= 0 {
		n = 1
	}
	for i := 0; i < n; i++ {
		d.wg.Add(1)
		go func(workerNo int) {
			defer d.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case task := <-d.queue:
					if err := d.worker.Process(context.WithoutCancel(ctx), task); err != nil {
						d.logger.WithFields(logrus.Fields{
							"worker":     workerNo,
							"account_id": task.AccountId,
							"category":   task.Category,
							"remote_id":  task.RemoteId,
						}).WithError(err).Warn("local resource sync failed")
					}
				}
			}
		}(i)
	}
}

func (d *LocalDispatcher) Wait() { d.wg.Wait() }

type pubSubPushEnvelope struct {
	Message struct {
		Data []byte `json:"data"`
		ID   string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// PubSubPushHandler consumes tasks pushed by a Pub/Sub push subscription.
// Malformed messages are acked (204); retryable failures return 503 so
// Pub/Sub redelivers.
func PubSubPushHandler(worker *Worker, logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.Status(http.StatusNoContent)
			return
		}
		var envelope pubSubPushEnvelope
		if err := json.Unmarshal(body, &envelope); err != nil {
			logger.WithError(err).Warn("pubsub push: malformed envelope")
			c.Status(http.StatusNoContent)
			return
		}
		var task SyncTask
		if err := json.Unmarshal(envelope.Message.Data, &task); err != nil || task.AccountId == 0 || task.RemoteId == "" {
			logger.WithField("message_id", envelope.Message.ID).Warn("pubsub push: malformed task")
			c.Status(http.StatusNoContent)
			return
		}

		if err := worker.Process(c.Request.Context(), task); err != nil && isRetryable(err) {
			c.Status(http.StatusServiceUnavailable)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func isRetryable(err error) bool {
	return errors.Is(err, ficapi.ErrTransient) || errors.Is(err, ficapi.ErrRateLimited)
}
