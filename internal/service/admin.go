// Package service exposes the pool's administrative and observability
// boundaries over NATS request/reply. All read endpoints are
// side-effect-free snapshots; consumers poll them, they never drive
// scheduling.
package service

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/execpool/internal/model"
	"github.com/t77yq/execpool/internal/pool"
	"github.com/t77yq/execpool/internal/storage"
)

const (
	subjectSubmit  = "exec.submit"
	subjectCancel  = "exec.cancel"
	subjectList    = "pools.list"
	subjectDetail  = "pools.detail.*"
	subjectStats   = "pools.stats"
	subjectQueue   = "pools.queue.*"
	subjectRecycle = "pools.recycle.*"
	subjectRescale = "pools.rescale.*"
)

// SubmitRequest is the execution submission boundary: an upstream
// dispatcher sends (execution id, pool selector, payload).
type SubmitRequest struct {
	ExecutionID string `json:"execution_id,omitempty"`
	PoolID      string `json:"pool_id"`
	EntryModule string `json:"entry_module"`
	EntryFunc   string `json:"entry_func,omitempty"`
	Payload     []byte `json:"payload,omitempty"`
}

// CancelRequest asks for best-effort removal of a queued execution.
type CancelRequest struct {
	PoolID      string `json:"pool_id"`
	ExecutionID string `json:"execution_id"`
}

// RecycleRequest targets one process, or the whole pool when ProcessID is
// empty.
type RecycleRequest struct {
	ProcessID string `json:"process_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// RescaleRequest updates a pool's worker bounds.
type RescaleRequest struct {
	MinWorkers int `json:"min_workers"`
	MaxWorkers int `json:"max_workers"`
}

// AggregateStats is the fleet-wide stats rollup.
type AggregateStats struct {
	Pools       int               `json:"pools"`
	Processes   int               `json:"processes"`
	Idle        int               `json:"idle"`
	Busy        int               `json:"busy"`
	QueueDepth  int               `json:"queue_depth"`
	PerPool     []model.PoolStats `json:"per_pool"`
	CollectedAt time.Time         `json:"collected_at"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type okResponse struct {
	OK bool `json:"ok"`
}

// AdminService serves the administrative and observability endpoints.
type AdminService struct {
	logger   *zap.Logger
	nc       *nats.Conn
	registry *pool.Registry
	history  storage.ExecutionHistoryStorage

	subs []*nats.Subscription
}

// NewAdminService creates the service. history may be nil.
func NewAdminService(nc *nats.Conn, registry *pool.Registry, history storage.ExecutionHistoryStorage, logger *zap.Logger) *AdminService {
	return &AdminService{
		logger:   logger.Named("admin"),
		nc:       nc,
		registry: registry,
		history:  history,
	}
}

// Start subscribes all endpoints.
func (s *AdminService) Start(ctx context.Context) error {
	endpoints := []struct {
		subject string
		handler nats.MsgHandler
	}{
		{subjectSubmit, s.handleSubmit},
		{subjectCancel, s.handleCancel},
		{subjectList, s.handleList},
		{subjectDetail, s.handleDetail},
		{subjectStats, s.handleStats},
		{subjectQueue, s.handleQueue},
		{subjectRecycle, s.handleRecycle},
		{subjectRescale, s.handleRescale},
	}

	for _, ep := range endpoints {
		sub, err := s.nc.Subscribe(ep.subject, ep.handler)
		if err != nil {
			s.Stop()
			return err
		}
		s.subs = append(s.subs, sub)
	}

	s.logger.Info("Admin service started")
	return nil
}

// Stop unsubscribes all endpoints.
func (s *AdminService) Stop() {
	for _, sub := range s.subs {
		_ = sub.Unsubscribe()
	}
	s.subs = nil
}

func (s *AdminService) handleSubmit(msg *nats.Msg) {
	var req SubmitRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.respondError(msg, err.Error())
		return
	}

	p, err := s.registry.Get(req.PoolID)
	if err != nil {
		s.respondError(msg, err.Error())
		return
	}

	exec := &model.Execution{
		ID:          req.ExecutionID,
		EntryModule: req.EntryModule,
		EntryFunc:   req.EntryFunc,
		Payload:     req.Payload,
	}
	receipt, err := p.Submit(context.Background(), exec)
	if err != nil {
		s.respondError(msg, err.Error())
		return
	}

	if s.history != nil {
		if err := s.history.RecordSubmission(context.Background(), exec); err != nil {
			s.logger.Error("Failed to record submission",
				zap.String("execution_id", exec.ID),
				zap.Error(err))
		}
	}
	s.respond(msg, receipt)
}

func (s *AdminService) handleCancel(msg *nats.Msg) {
	var req CancelRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.respondError(msg, err.Error())
		return
	}

	p, err := s.registry.Get(req.PoolID)
	if err != nil {
		s.respondError(msg, err.Error())
		return
	}

	removed := p.Cancel(req.ExecutionID)
	s.respond(msg, struct {
		Removed bool `json:"removed"`
	}{Removed: removed})
}

func (s *AdminService) handleList(msg *nats.Msg) {
	pools := s.registry.List()
	stats := make([]model.PoolStats, 0, len(pools))
	for _, p := range pools {
		stats = append(stats, p.Stats())
	}
	s.respond(msg, stats)
}

func (s *AdminService) handleDetail(msg *nats.Msg) {
	p, err := s.poolFromSubject(msg.Subject)
	if err != nil {
		s.respondError(msg, err.Error())
		return
	}
	s.respond(msg, p.Info())
}

func (s *AdminService) handleStats(msg *nats.Msg) {
	agg := AggregateStats{CollectedAt: time.Now()}
	for _, p := range s.registry.List() {
		stats := p.Stats()
		agg.Pools++
		agg.Processes += stats.Idle + stats.Busy + stats.Spawning
		agg.Idle += stats.Idle
		agg.Busy += stats.Busy
		agg.QueueDepth += stats.QueueDepth
		agg.PerPool = append(agg.PerPool, stats)
	}
	s.respond(msg, agg)
}

func (s *AdminService) handleQueue(msg *nats.Msg) {
	p, err := s.poolFromSubject(msg.Subject)
	if err != nil {
		s.respondError(msg, err.Error())
		return
	}
	snapshot := p.QueueSnapshot()
	s.respond(msg, struct {
		Depth int                      `json:"depth"`
		Items []*model.QueuedExecution `json:"items"`
	}{Depth: len(snapshot), Items: snapshot})
}

func (s *AdminService) handleRecycle(msg *nats.Msg) {
	p, err := s.poolFromSubject(msg.Subject)
	if err != nil {
		s.respondError(msg, err.Error())
		return
	}

	var req RecycleRequest
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			s.respondError(msg, err.Error())
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "admin request"
	}

	if req.ProcessID == "" {
		p.RecycleAll(req.Reason)
	} else if err := p.Recycle(req.ProcessID, req.Reason); err != nil {
		s.respondError(msg, err.Error())
		return
	}
	s.respond(msg, okResponse{OK: true})
}

func (s *AdminService) handleRescale(msg *nats.Msg) {
	p, err := s.poolFromSubject(msg.Subject)
	if err != nil {
		s.respondError(msg, err.Error())
		return
	}

	var req RescaleRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.respondError(msg, err.Error())
		return
	}
	if err := p.Rescale(req.MinWorkers, req.MaxWorkers); err != nil {
		s.respondError(msg, err.Error())
		return
	}
	s.respond(msg, okResponse{OK: true})
}

func (s *AdminService) poolFromSubject(subject string) (*pool.ProcessPool, error) {
	parts := strings.Split(subject, ".")
	return s.registry.Get(parts[len(parts)-1])
}

func (s *AdminService) respond(msg *nats.Msg, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("Failed to marshal response", zap.Error(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Error("Failed to respond", zap.Error(err))
	}
}

func (s *AdminService) respondError(msg *nats.Msg, text string) {
	data, _ := json.Marshal(errorResponse{Error: text})
	if err := msg.Respond(data); err != nil {
		s.logger.Error("Failed to respond", zap.Error(err))
	}
}
