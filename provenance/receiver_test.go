package provenance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/signalsfoundry/predictive-relay/model"
)

type receiverFixture struct {
	origin   *Signer
	edge     *Signer
	receiver *Receiver
}

func newReceiverFixture(t *testing.T, mode ParentCheck) *receiverFixture {
	t.Helper()
	originKP := mustKeyPair(t)
	edgeKP := mustKeyPair(t)
	origin, _ := NewSigner(originKP)
	edge, _ := NewSigner(edgeKP)
	edgeV, _ := NewVerifier(edgeKP.Public)
	originV, _ := NewVerifier(originKP.Public)

	r, err := NewReceiver(edgeV, originV, ReceiverConfig{HistorySize: 8, ParentCheck: mode})
	if err != nil {
		t.Fatalf("NewReceiver: %v", err)
	}
	return &receiverFixture{origin: origin, edge: edge, receiver: r}
}

func (f *receiverFixture) passthrough(frameID, sampleID uint64) *model.EmittedFrame {
	sample := testSample(sampleID)
	f.origin.SignSample(sample)
	frame := &model.EmittedFrame{
		FrameID:          frameID,
		EmittedAt:        sample.CapturedAt.Add(50 * time.Millisecond),
		State:            sample.State.Clone(),
		Confidence:       1,
		PredictorVersion: "damped-linear-v1",
		Source:           sample,
	}
	f.edge.SignFrame(frame)
	return frame
}

func (f *receiverFixture) synthesized(frameID uint64, parents ...uint64) *model.EmittedFrame {
	frame := &model.EmittedFrame{
		FrameID:          frameID,
		EmittedAt:        time.Date(2026, time.March, 1, 12, 1, 0, 0, time.UTC),
		State:            testSample(parents[len(parents)-1]).State,
		IsSynthesized:    true,
		ParentFrameIDs:   parents,
		Confidence:       0.7,
		PredictorVersion: "damped-linear-v1",
	}
	f.edge.SignFrame(frame)
	return frame
}

func TestReceiverAcceptsPassthroughAndRecordsHistory(t *testing.T) {
	f := newReceiverFixture(t, ParentCheckStrict)

	v, err := f.receiver.Check(context.Background(), f.passthrough(1, 10))
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if v.Synthesized || v.Confidence != 1 {
		t.Fatalf("verdict = %+v, want passthrough with confidence 1", v)
	}
	if !f.receiver.Seen(10) {
		t.Fatalf("origin id 10 not recorded as verified")
	}
}

func TestReceiverStrictParentCheck(t *testing.T) {
	f := newReceiverFixture(t, ParentCheckStrict)
	ctx := context.Background()

	if _, err := f.receiver.Check(ctx, f.passthrough(1, 10)); err != nil {
		t.Fatalf("Check(passthrough): %v", err)
	}
	if _, err := f.receiver.Check(ctx, f.passthrough(2, 11)); err != nil {
		t.Fatalf("Check(passthrough): %v", err)
	}
	if _, err := f.receiver.Check(ctx, f.synthesized(3, 10, 11)); err != nil {
		t.Fatalf("Check(synthesized with known parents): %v", err)
	}

	_, err := f.receiver.Check(ctx, f.synthesized(4, 11, 99))
	if !errors.Is(err, ErrUnverifiedParent) {
		t.Fatalf("Check(unknown parent) error = %v, want ErrUnverifiedParent", err)
	}
	if got := f.receiver.Stats().RejectedParent; got != 1 {
		t.Fatalf("RejectedParent = %d, want 1", got)
	}
}

func TestReceiverLenientParentCheckReportsUnknownParents(t *testing.T) {
	f := newReceiverFixture(t, ParentCheckLenient)

	v, err := f.receiver.Check(context.Background(), f.synthesized(1, 5, 6))
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if len(v.UnknownParents) != 2 {
		t.Fatalf("UnknownParents = %v, want [5 6]", v.UnknownParents)
	}
	if got := f.receiver.Stats().AcceptedSynthesized; got != 1 {
		t.Fatalf("AcceptedSynthesized = %d, want 1", got)
	}
}

func TestReceiverRejectsTamperedFrames(t *testing.T) {
	f := newReceiverFixture(t, ParentCheckOff)
	ctx := context.Background()

	tampered := f.passthrough(1, 10)
	tampered.State.Position.Y += 1
	if _, err := f.receiver.Check(ctx, tampered); !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("Check(tampered state) error = %v, want ErrSignatureInvalid", err)
	}

	relabeled := f.synthesized(2, 10)
	relabeled.IsSynthesized = false
	if _, err := f.receiver.Check(ctx, relabeled); !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("Check(relabeled) error = %v, want ErrSignatureInvalid", err)
	}

	if got := f.receiver.Stats().RejectedSignature; got != 2 {
		t.Fatalf("RejectedSignature = %d, want 2", got)
	}
}

func TestReceiverRejectsInvariantViolationsSignedByEdge(t *testing.T) {
	f := newReceiverFixture(t, ParentCheckOff)
	ctx := context.Background()

	cases := map[string]*model.EmittedFrame{}

	full := f.synthesized(1, 10)
	full.Confidence = 1
	f.edge.SignFrame(full)
	cases["synthesized at full confidence"] = full

	orphan := f.synthesized(2, 10)
	orphan.ParentFrameIDs = nil
	f.edge.SignFrame(orphan)
	cases["synthesized without parents"] = orphan

	altered := f.passthrough(3, 10)
	altered.State.Telemetry["battery_v"] = 1
	f.edge.SignFrame(altered)
	cases["passthrough altering origin state"] = altered

	lowConfidence := f.passthrough(4, 11)
	lowConfidence.Confidence = 0.5
	f.edge.SignFrame(lowConfidence)
	cases["passthrough below full confidence"] = lowConfidence

	for name, frame := range cases {
		if _, err := f.receiver.Check(ctx, frame); !errors.Is(err, ErrFrameInvariant) {
			t.Errorf("%s: error = %v, want ErrFrameInvariant", name, err)
		}
	}
}

func TestReceiverRejectsForgedOriginSample(t *testing.T) {
	f := newReceiverFixture(t, ParentCheckOff)

	frame := f.passthrough(1, 10)
	// A compromised edge re-signs the frame after changing the origin data.
	frame.Source.State.Position.X += 5
	frame.State = frame.Source.State.Clone()
	f.edge.SignFrame(frame)

	if _, err := f.receiver.Check(context.Background(), frame); !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("Check() error = %v, want ErrSignatureInvalid", err)
	}
	if f.receiver.Seen(10) {
		t.Fatalf("forged origin id recorded as verified")
	}
}

func TestParseParentCheck(t *testing.T) {
	cases := map[string]ParentCheck{"": ParentCheckLenient, "off": ParentCheckOff, "lenient": ParentCheckLenient, "strict": ParentCheckStrict}
	for in, want := range cases {
		got, err := ParseParentCheck(in)
		if err != nil || got != want {
			t.Errorf("ParseParentCheck(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseParentCheck("paranoid"); err == nil {
		t.Errorf("ParseParentCheck(paranoid) returned nil error")
	}
}
