package provenance

import (
	"context"
	"fmt"
	"math"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/signalsfoundry/predictive-relay/model"
)

// ParentCheck selects how a Receiver treats synthesized frames whose parent
// ids it has not seen verified.
type ParentCheck int

const (
	// ParentCheckOff skips the history lookup.
	ParentCheckOff ParentCheck = iota
	// ParentCheckLenient accepts the frame but reports the unknown ids.
	ParentCheckLenient
	// ParentCheckStrict rejects the frame.
	ParentCheckStrict
)

// ParseParentCheck maps "off", "lenient" and "strict" to a ParentCheck.
func ParseParentCheck(s string) (ParentCheck, error) {
	switch s {
	case "off":
		return ParentCheckOff, nil
	case "", "lenient":
		return ParentCheckLenient, nil
	case "strict":
		return ParentCheckStrict, nil
	default:
		return ParentCheckOff, fmt.Errorf("unknown parent check mode %q", s)
	}
}

// DefaultReceiverHistory bounds the number of verified origin ids a Receiver
// remembers.
const DefaultReceiverHistory = 1024

// ReceiverConfig configures a Receiver.
type ReceiverConfig struct {
	HistorySize int
	ParentCheck ParentCheck
}

// Verdict describes a frame that passed verification.
type Verdict struct {
	FrameID        uint64
	Synthesized    bool
	Confidence     float64
	UnknownParents []uint64
}

// ReceiverStats counts verification outcomes.
type ReceiverStats struct {
	Accepted            uint64
	AcceptedSynthesized uint64
	RejectedSignature   uint64
	RejectedInvariant   uint64
	RejectedParent      uint64
	UnknownParents      uint64
}

// Receiver is the trust boundary on the far side of the edge. It is safe for
// concurrent use.
type Receiver struct {
	edge   *Verifier
	origin *Verifier
	cfg    ReceiverConfig

	mu      sync.Mutex
	history *lru.Cache
	stats   ReceiverStats
}

// NewReceiver builds a Receiver trusting the given edge and origin verifiers.
func NewReceiver(edge, origin *Verifier, cfg ReceiverConfig) (*Receiver, error) {
	if edge == nil || origin == nil {
		return nil, fmt.Errorf("%w: receiver requires edge and origin keys", ErrInvalidKey)
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultReceiverHistory
	}
	history, err := lru.New(cfg.HistorySize)
	if err != nil {
		return nil, fmt.Errorf("create verified id history: %w", err)
	}
	return &Receiver{edge: edge, origin: origin, cfg: cfg, history: history}, nil
}

// Check verifies frame. The edge signature is verified before any other
// field is looked at; a frame that fails any check must not be trusted.
func (r *Receiver) Check(ctx context.Context, frame *model.EmittedFrame) (Verdict, error) {
	_, span := otel.Tracer("github.com/signalsfoundry/predictive-relay/provenance").Start(ctx, "receiver.check")
	defer span.End()

	v, err := r.check(frame)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Verdict{}, err
	}
	span.SetAttributes(
		attribute.Int64("frame.id", int64(v.FrameID)),
		attribute.Bool("frame.synthesized", v.Synthesized),
		attribute.Float64("frame.confidence", v.Confidence),
	)
	return v, nil
}

func (r *Receiver) check(frame *model.EmittedFrame) (Verdict, error) {
	if err := r.edge.VerifyFrame(frame); err != nil {
		r.count(func(s *ReceiverStats) { s.RejectedSignature++ })
		return Verdict{}, err
	}
	if err := checkInvariants(frame); err != nil {
		r.count(func(s *ReceiverStats) { s.RejectedInvariant++ })
		return Verdict{}, err
	}

	verdict := Verdict{
		FrameID:     frame.FrameID,
		Synthesized: frame.IsSynthesized,
		Confidence:  frame.Confidence,
	}

	if !frame.IsSynthesized {
		if err := r.origin.VerifySample(frame.Source); err != nil {
			r.count(func(s *ReceiverStats) { s.RejectedSignature++ })
			return Verdict{}, err
		}
		r.mu.Lock()
		r.history.Add(frame.Source.FrameID, struct{}{})
		r.stats.Accepted++
		r.mu.Unlock()
		return verdict, nil
	}

	if r.cfg.ParentCheck != ParentCheckOff {
		for _, id := range frame.ParentFrameIDs {
			if !r.history.Contains(id) {
				verdict.UnknownParents = append(verdict.UnknownParents, id)
			}
		}
	}
	if len(verdict.UnknownParents) > 0 {
		if r.cfg.ParentCheck == ParentCheckStrict {
			r.count(func(s *ReceiverStats) { s.RejectedParent++ })
			return Verdict{}, fmt.Errorf("%w: frame %d names %v", ErrUnverifiedParent, frame.FrameID, verdict.UnknownParents)
		}
		r.count(func(s *ReceiverStats) { s.UnknownParents += uint64(len(verdict.UnknownParents)) })
	}

	r.count(func(s *ReceiverStats) {
		s.Accepted++
		s.AcceptedSynthesized++
	})
	return verdict, nil
}

// Seen reports whether id was verified as an origin sample.
func (r *Receiver) Seen(id uint64) bool {
	return r.history.Contains(id)
}

// Stats returns a snapshot of the verification counters.
func (r *Receiver) Stats() ReceiverStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

func (r *Receiver) count(fn func(*ReceiverStats)) {
	r.mu.Lock()
	fn(&r.stats)
	r.mu.Unlock()
}

func checkInvariants(f *model.EmittedFrame) error {
	if math.IsNaN(f.Confidence) || f.Confidence < 0 || f.Confidence > 1 {
		return fmt.Errorf("%w: frame %d confidence %v outside [0,1]", ErrFrameInvariant, f.FrameID, f.Confidence)
	}
	if f.IsSynthesized {
		if f.Confidence >= 1 {
			return fmt.Errorf("%w: synthesized frame %d claims full confidence", ErrFrameInvariant, f.FrameID)
		}
		if len(f.ParentFrameIDs) == 0 {
			return fmt.Errorf("%w: synthesized frame %d has no parents", ErrFrameInvariant, f.FrameID)
		}
		if f.Source != nil {
			return fmt.Errorf("%w: synthesized frame %d carries an origin sample", ErrFrameInvariant, f.FrameID)
		}
		return nil
	}

	if f.Confidence != 1 {
		return fmt.Errorf("%w: passthrough frame %d has confidence %v", ErrFrameInvariant, f.FrameID, f.Confidence)
	}
	if len(f.ParentFrameIDs) != 0 {
		return fmt.Errorf("%w: passthrough frame %d has parents", ErrFrameInvariant, f.FrameID)
	}
	if f.Source == nil {
		return fmt.Errorf("%w: passthrough frame %d is missing its origin sample", ErrFrameInvariant, f.FrameID)
	}
	if !sameState(f.State, f.Source.State) {
		return fmt.Errorf("%w: passthrough frame %d altered origin sample %d", ErrFrameInvariant, f.FrameID, f.Source.FrameID)
	}
	return nil
}

func sameState(a, b model.State) bool {
	if a.Position != b.Position || len(a.Telemetry) != len(b.Telemetry) {
		return false
	}
	for k, v := range a.Telemetry {
		if bv, ok := b.Telemetry[k]; !ok || bv != v {
			return false
		}
	}
	return true
}
