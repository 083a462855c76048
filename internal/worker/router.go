package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/execpool/internal/model"
	"github.com/t77yq/execpool/internal/pool"
)

// ResultRecorder receives every terminal result the router sees. Used to
// feed the execution history store without coupling the router to it.
type ResultRecorder interface {
	RecordResult(ctx context.Context, result *model.ExecutionResult) error
}

// Router is the supervisor-side end of the worker protocol. It turns
// result and heartbeat messages into pool state transitions; the pools
// themselves never touch NATS.
type Router struct {
	logger   *zap.Logger
	nc       *nats.Conn
	js       nats.JetStreamContext
	registry *pool.Registry
	recorder ResultRecorder

	subs []*nats.Subscription
}

// NewRouter creates a router over the registry. recorder may be nil.
func NewRouter(nc *nats.Conn, js nats.JetStreamContext, registry *pool.Registry, recorder ResultRecorder, logger *zap.Logger) *Router {
	return &Router{
		logger:   logger.Named("router"),
		nc:       nc,
		js:       js,
		registry: registry,
		recorder: recorder,
	}
}

// Start ensures the result stream exists and subscribes to results and
// heartbeats for every pool.
func (r *Router) Start(ctx context.Context) error {
	if err := r.setupStream(); err != nil {
		return err
	}

	resultSub, err := r.js.Subscribe(resultStreamSubjects, r.handleResult,
		nats.ManualAck(),
		nats.AckWait(30*time.Second),
	)
	if err != nil {
		return fmt.Errorf("failed to subscribe to results: %w", err)
	}
	r.subs = append(r.subs, resultSub)

	hbSub, err := r.nc.Subscribe("worker.heartbeat.*", r.handleHeartbeat)
	if err != nil {
		return fmt.Errorf("failed to subscribe to heartbeats: %w", err)
	}
	r.subs = append(r.subs, hbSub)

	r.logger.Info("Worker router started")
	return nil
}

// Stop unsubscribes everything.
func (r *Router) Stop() {
	for _, sub := range r.subs {
		_ = sub.Unsubscribe()
	}
}

func (r *Router) setupStream() error {
	_, err := r.js.StreamInfo(resultStreamName)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("failed to get stream info: %w", err)
	}

	_, err = r.js.AddStream(&nats.StreamConfig{
		Name:      resultStreamName,
		Subjects:  []string{resultStreamSubjects},
		Retention: nats.LimitsPolicy,
		MaxAge:    24 * time.Hour,
		Storage:   nats.FileStorage,
		Discard:   nats.DiscardOld,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream %s: %w", resultStreamName, err)
	}
	r.logger.Info("Created stream", zap.String("name", resultStreamName))
	return nil
}

func (r *Router) handleResult(msg *nats.Msg) {
	defer func() {
		if err := msg.Ack(); err != nil {
			r.logger.Error("Failed to acknowledge result", zap.Error(err))
		}
	}()

	var result model.ExecutionResult
	if err := json.Unmarshal(msg.Data, &result); err != nil {
		r.logger.Error("Failed to unmarshal result", zap.Error(err))
		return
	}

	poolID := subjectTail(msg.Subject)
	p, err := r.registry.Get(poolID)
	if err != nil {
		r.logger.Warn("Result for unknown pool",
			zap.String("pool_id", poolID),
			zap.String("execution_id", result.ExecutionID))
		return
	}

	if err := p.Complete(result.ProcessID, result.ExecutionID, &result); err != nil {
		r.logger.Warn("Completion rejected",
			zap.String("execution_id", result.ExecutionID),
			zap.Error(err))
		return
	}

	if r.recorder != nil {
		if err := r.recorder.RecordResult(context.Background(), &result); err != nil {
			r.logger.Error("Failed to record result",
				zap.String("execution_id", result.ExecutionID),
				zap.Error(err))
		}
	}
}

func (r *Router) handleHeartbeat(msg *nats.Msg) {
	var hb model.WorkerHeartbeat
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		r.logger.Error("Failed to unmarshal heartbeat", zap.Error(err))
		return
	}

	p, err := r.registry.Get(hb.PoolID)
	if err != nil {
		return
	}
	// Heartbeats from processes the pool already killed are expected
	// while the kill is in flight; ignore them.
	_ = p.Heartbeat(hb)
}

func subjectTail(subject string) string {
	parts := strings.Split(subject, ".")
	return parts[len(parts)-1]
}
