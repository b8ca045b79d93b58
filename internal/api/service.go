// Package api exposes an engine over gRPC on the profile's Unix socket.
package api

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matheus3301/offsync/internal/bus"
	"github.com/matheus3301/offsync/internal/conflict"
	"github.com/matheus3301/offsync/internal/engine"
	"github.com/matheus3301/offsync/internal/queue"
	"github.com/matheus3301/offsync/internal/record"
	"github.com/matheus3301/offsync/internal/remote"
	"github.com/matheus3301/offsync/internal/store"
	intsync "github.com/matheus3301/offsync/internal/sync"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "offsync.v1.SyncService"

// Engine is the part of engine.Engine served over gRPC.
type Engine interface {
	Enqueue(ctx context.Context, action queue.Action, payload record.Record) (queue.Item, error)
	Sync(ctx context.Context) (intsync.RunResult, error)
	Status() engine.RunStatus
	SetAutoSync(enabled bool)
	SetAutoSyncInterval(minutes int) error
	ResolveConflict(ctx context.Context, id string, policy conflict.Policy) (record.Record, error)
	Pending() []queue.Item
	ClearQueue(ctx context.Context) error
	Record(ctx context.Context, id string) (record.Record, error)
	Subscribe(prefix string, bufSize int) (<-chan bus.Event, func())
}

// SyncService implements the SyncService gRPC service.
type SyncService struct {
	engine      Engine
	profileName string
	startedAt   time.Time
}

// NewSyncService creates a new sync service.
func NewSyncService(e Engine, profileName string) *SyncService {
	return &SyncService{
		engine:      e,
		profileName: profileName,
		startedAt:   time.Now(),
	}
}

// Register adds the service to a gRPC server.
func (s *SyncService) Register(srv grpc.ServiceRegistrar) {
	srv.RegisterService(&serviceDesc, s)
}

func (s *SyncService) Enqueue(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req EnqueueRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, grpcstatus.Error(codes.InvalidArgument, err.Error())
	}
	action, err := queue.ParseAction(req.Action)
	if err != nil {
		return nil, grpcstatus.Error(codes.InvalidArgument, err.Error())
	}
	if action != queue.Create && req.Record.ID == "" {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "%s requires a record id", action)
	}
	it, err := s.engine.Enqueue(ctx, action, req.Record)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(itemFromQueue(it))
}

func (s *SyncService) Sync(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	res, err := s.engine.Sync(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(SyncResponse{Result: res})
}

func (s *SyncService) Status(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	st := s.engine.Status()
	return toStruct(StatusResponse{
		Profile:         s.profileName,
		IsSyncing:       st.IsSyncing,
		State:           string(st.State),
		LastSyncAt:      st.LastSyncAt,
		NextSyncAt:      st.NextSyncAt,
		PendingCount:    st.PendingCount,
		AutoSyncEnabled: st.AutoSyncEnabled,
		IntervalMinutes: int(st.Interval / time.Minute),
		EventsDropped:   st.EventsDropped,
		UptimeSeconds:   int64(time.Since(s.startedAt) / time.Second),
	})
}

func (s *SyncService) SetAutoSync(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req SetAutoSyncRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, grpcstatus.Error(codes.InvalidArgument, err.Error())
	}
	s.engine.SetAutoSync(req.Enabled)
	return s.Status(ctx, nil)
}

func (s *SyncService) SetInterval(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req SetIntervalRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, grpcstatus.Error(codes.InvalidArgument, err.Error())
	}
	if err := s.engine.SetAutoSyncInterval(req.Minutes); err != nil {
		return nil, grpcstatus.Error(codes.InvalidArgument, err.Error())
	}
	return s.Status(ctx, nil)
}

func (s *SyncService) ResolveConflict(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req ResolveConflictRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, grpcstatus.Error(codes.InvalidArgument, err.Error())
	}
	if req.ID == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "record id is required")
	}
	policy, err := conflict.ParsePolicy(req.Policy)
	if err != nil {
		return nil, grpcstatus.Error(codes.InvalidArgument, err.Error())
	}
	rec, err := s.engine.ResolveConflict(ctx, req.ID, policy)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(RecordResponse{Record: rec})
}

func (s *SyncService) ListQueue(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	pending := s.engine.Pending()
	resp := ListQueueResponse{Items: make([]Item, 0, len(pending))}
	for _, it := range pending {
		resp.Items = append(resp.Items, itemFromQueue(it))
	}
	return toStruct(resp)
}

func (s *SyncService) ClearQueue(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	n := len(s.engine.Pending())
	if err := s.engine.ClearQueue(ctx); err != nil {
		return nil, toStatus(err)
	}
	return toStruct(ClearQueueResponse{Cleared: n})
}

func (s *SyncService) GetRecord(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req RecordRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, grpcstatus.Error(codes.InvalidArgument, err.Error())
	}
	rec, err := s.engine.Record(ctx, req.ID)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(RecordResponse{Record: rec})
}

// WatchEvents streams bus events until the client goes away.
func (s *SyncService) WatchEvents(in *structpb.Struct, stream grpc.ServerStream) error {
	var req WatchRequest
	if err := fromStruct(in, &req); err != nil {
		return grpcstatus.Error(codes.InvalidArgument, err.Error())
	}
	ch, unsub := s.engine.Subscribe(req.Prefix, 256)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			msg, err := toStruct(s.envelope(evt))
			if err != nil {
				return grpcstatus.Errorf(codes.Internal, "encode %s: %v", evt.Kind, err)
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

func (s *SyncService) envelope(evt bus.Event) EventEnvelope {
	payload := evt.Payload
	if it, ok := payload.(queue.Item); ok {
		payload = itemFromQueue(it)
	}
	return EventEnvelope{
		EventID:    uuid.New().String(),
		Profile:    s.profileName,
		OccurredAt: evt.Timestamp,
		Kind:       evt.Kind,
		Payload:    payload,
	}
}

// toStatus maps engine errors onto gRPC codes.
func toStatus(err error) error {
	switch {
	case errors.Is(err, intsync.ErrBackendUnavailable):
		return grpcstatus.Error(codes.Unavailable, err.Error())
	case errors.Is(err, intsync.ErrSyncInProgress):
		return grpcstatus.Error(codes.Aborted, err.Error())
	case errors.Is(err, store.ErrRecordNotFound), errors.Is(err, remote.ErrNotFound):
		return grpcstatus.Error(codes.NotFound, err.Error())
	case errors.Is(err, context.Canceled):
		return grpcstatus.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return grpcstatus.Error(codes.DeadlineExceeded, err.Error())
	default:
		return grpcstatus.Error(codes.Internal, err.Error())
	}
}
