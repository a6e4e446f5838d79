package control

import (
	"context"
	"sync"

	"github.com/signalsfoundry/predictive-relay/core"
	"github.com/signalsfoundry/predictive-relay/internal/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// Link is the part of core.DelaySimulator the service drives.
type Link interface {
	Policy() core.DelayPolicy
	Configure(core.DelayPolicy) (core.DelayPolicy, error)
	Epoch() uint64
	Pending() int
	Stats() core.LinkStats
	ResetStats()
}

// Predictor is the part of core.Predictor the service reports on.
type Predictor interface {
	Config() core.PredictorConfig
	State() core.PredictorState
	Stats() core.PredictorStats
	ResetStats()
}

// Service implements LinkControl on top of a running link and predictor.
type Service struct {
	link      Link
	predictor Predictor
	keys      PublicKeys
	log       logging.Logger

	// mu serialises the read-modify-write of partial Configure calls.
	mu sync.Mutex
}

var _ LinkControlServer = (*Service)(nil)

// NewService constructs a Service. predictor may be nil when the process
// runs only the link.
func NewService(link Link, predictor Predictor, keys PublicKeys, log logging.Logger) *Service {
	if log == nil {
		log = logging.Noop()
	}
	return &Service{
		link:      link,
		predictor: predictor,
		keys:      keys,
		log:       log.With(logging.Component("link_control")),
	}
}

// GetPolicy returns the active delay policy and its epoch.
func (s *Service) GetPolicy(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return PolicyStruct(s.link.Policy(), s.link.Epoch()), nil
}

// Configure applies a partial policy update and returns the effective
// policy. An invalid result is rejected and the active policy is kept.
func (s *Service) Configure(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	reqLog := s.log.With(logging.String("operation", "configure"))
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	patch, err := ParsePatch(in)
	if err != nil {
		reqLog.Debug(ctx, "Configure validation failed", logging.String("reason", err.Error()))
		return nil, ToStatusError(err)
	}

	ctx, span := startSpan(ctx, "link/configure")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()
	if patch.Empty() {
		return PolicyStruct(s.link.Policy(), s.link.Epoch()), nil
	}
	policy, err := s.link.Configure(patch.Apply(s.link.Policy()))
	if err != nil {
		reqLog.Warn(ctx, "Configure rejected", logging.Error(err))
		span.RecordError(err)
		return nil, ToStatusError(err)
	}
	epoch := s.link.Epoch()

	reqLog.Info(ctx, "link policy configured",
		logging.Uint64("epoch", epoch),
		logging.String("policy", policy.String()),
	)
	return PolicyStruct(policy, epoch), nil
}

// GetStats reports link counters and, when present, predictor counters.
func (s *Service) GetStats(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	out := &structpb.Struct{Fields: map[string]*structpb.Value{
		"link": structpb.NewStructValue(linkStatsStruct(s.link.Stats(), s.link.Pending(), s.link.Epoch())),
	}}
	if s.predictor != nil {
		out.Fields["predictor"] = structpb.NewStructValue(predictorStatsStruct(
			s.predictor.Config(), s.predictor.State(), s.predictor.Stats()))
	}
	return out, nil
}

// ResetStats zeroes link and predictor counters.
func (s *Service) ResetStats(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	s.link.ResetStats()
	if s.predictor != nil {
		s.predictor.ResetStats()
	}
	s.log.Info(ctx, "statistics reset")
	return &emptypb.Empty{}, nil
}

// GetPublicKeys returns the origin and edge verification keys.
func (s *Service) GetPublicKeys(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return keysStruct(s.keys), nil
}

func (s *Service) ensureReady() error {
	if s == nil || s.link == nil {
		return ToStatusError(ErrNotReady)
	}
	return nil
}

func startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name)
}
