package main

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"lifelogpipe/internal/metrics"
	"lifelogpipe/pkg/cas"
	apperrors "lifelogpipe/pkg/errors"
	"lifelogpipe/pkg/ingest"
	"lifelogpipe/pkg/query"
	"lifelogpipe/pkg/store"
	"lifelogpipe/pkg/tracing"
	"lifelogpipe/pkg/wire"
)

// server is the concrete wire.Backend + wire.ChunkApplier implementation
// wiring pkg/store, pkg/cas, pkg/ingest, and pkg/query together. Kept as
// one small adapter type rather than folding these methods directly onto
// ChunkIngester/Store, so pkg/wire's interfaces stay decoupled from the
// concrete domain packages (see pkg/wire/transport.go's own doc comment).
type server struct {
	store    *store.Store
	cas      *cas.FsCAS
	ingester *ingest.ChunkIngester
	planner  *query.Planner
	executor *query.Executor
	tracer   *tracing.Manager
	log      *logrus.Entry
}

func newServer(s *store.Store, c *cas.FsCAS, ing *ingest.ChunkIngester, tr *tracing.Manager, log *logrus.Entry) *server {
	return &server{
		store:    s,
		cas:      c,
		ingester: ing,
		planner:  query.NewPlanner(s),
		executor: query.NewExecutor(s),
		tracer:   tr,
		log:      log.WithField("component", "backend_server"),
	}
}

// ApplyChunk implements wire.ChunkApplier by unpacking the flat wire
// arguments into an ingest.SessionKey.
func (srv *server) ApplyChunk(collectorID, streamID string, sessionID uint64, offset int64, data []byte, hash string) (int64, error) {
	key := ingest.SessionKey{CollectorID: collectorID, StreamID: streamID, SessionID: sessionID}
	return srv.ingester.ApplyChunk(key, offset, data, hash)
}

// GetUploadOffset implements wire.Backend (spec §4.2 step 1).
func (srv *server) GetUploadOffset(collectorID, streamID string, sessionID uint64) (int64, error) {
	return srv.store.NextExpectedOffset(collectorID, streamID, sessionID)
}

// Query implements wire.Backend: parse the LLQL wire shell, plan, execute.
func (srv *server) Query(queryStr string) (wire.QueryResponse, error) {
	ctx, span := srv.tracer.StartSpan(context.Background(), "backend.Query")
	defer span.End()
	start := time.Now()

	q, err := query.TryParseLLQL(queryStr)
	if err != nil {
		return wire.QueryResponse{}, err
	}
	if q == nil {
		return wire.QueryResponse{}, apperrors.ValidationError("backend", "query", "query must carry an llql: or llql-json: prefix")
	}
	plan, err := srv.planner.Plan(*q)
	if err != nil {
		return wire.QueryResponse{}, err
	}
	defer func() { metrics.ObserveQuery(string(plan.Kind), time.Since(start)) }()

	keys, err := srv.executor.Execute(ctx, plan)
	if err != nil {
		return wire.QueryResponse{}, err
	}

	wireKeys := make([]wire.LifelogDataKey, len(keys))
	for i, k := range keys {
		wireKeys[i] = wire.LifelogDataKey{UUID: k.UUID, OriginStr: k.OriginStr}
	}
	return wire.QueryResponse{Keys: wireKeys}, nil
}

// GetData implements wire.Backend: rehydrates each key's typed row, and
// inlines any blob-bearing field's bytes read back out of CAS (spec §6).
func (srv *server) GetData(keys []wire.LifelogDataKey) (wire.GetDataResponse, error) {
	out := make([]wire.LifelogData, 0, len(keys))
	for _, k := range keys {
		origin, err := store.ParseOrigin(k.OriginStr)
		if err != nil {
			return wire.GetDataResponse{}, err
		}
		fields, err := srv.store.GetRecord(origin, k.UUID)
		if err != nil {
			return wire.GetDataResponse{}, err
		}

		schema, ok := store.SchemaFor(origin.Modality)
		if !ok {
			return wire.GetDataResponse{}, apperrors.ValidationError("backend", "get_data", "unknown modality").
				WithMetadata("origin", k.OriginStr)
		}

		blobData := map[string][]byte{}
		if len(schema.BlobFields) > 0 {
			if hash, ok := fields["blob_hash"].(string); ok && hash != "" {
				data, err := srv.cas.Get(hash)
				if err != nil {
					return wire.GetDataResponse{}, err
				}
				blobData["blob_hash"] = data
			}
		}

		out = append(out, wire.LifelogData{Key: k, Fields: fields, BlobData: blobData})
	}
	return wire.GetDataResponse{Data: out}, nil
}

var _ wire.Backend = (*server)(nil)
var _ wire.ChunkApplier = (*server)(nil)
