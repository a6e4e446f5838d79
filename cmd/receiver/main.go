// Command receiver subscribes to a relay's /frames stream, verifies every
// frame against the edge and origin public keys and prints what it sees.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/signalsfoundry/predictive-relay/internal/config"
	"github.com/signalsfoundry/predictive-relay/internal/logging"
	"github.com/signalsfoundry/predictive-relay/internal/transport"
	"github.com/signalsfoundry/predictive-relay/model"
	"github.com/signalsfoundry/predictive-relay/provenance"
	"github.com/signalsfoundry/predictive-relay/wire"
)

// errDone stops the read loop once the frame limit is reached.
var errDone = errors.New("frame limit reached")

func main() {
	log := logging.NewFromEnv()
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		log.Error(ctx, "failed to load configuration", logging.Error(err))
		os.Exit(1)
	}

	var limit int
	fs := flag.NewFlagSet("receiver", flag.ExitOnError)
	fs.StringVar(&cfg.Receiver.URL, "url", cfg.Receiver.URL, "relay frames websocket URL")
	fs.StringVar(&cfg.Receiver.ParentCheck, "parent-check", cfg.Receiver.ParentCheck, "parent id check: off, lenient or strict")
	fs.StringVar(&cfg.Receiver.Output, "output", cfg.Receiver.Output, "output format: text or json")
	fs.StringVar(&cfg.Receiver.EdgePublicPath, "edge-pub", cfg.Receiver.EdgePublicPath, "edge public key file")
	fs.StringVar(&cfg.Receiver.OriginPublicPath, "origin-pub", cfg.Receiver.OriginPublicPath, "origin public key file")
	fs.IntVar(&limit, "n", 0, "exit after this many frames; 0 reads until interrupted")
	_ = fs.Parse(os.Args[1:])

	stopCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(stopCtx, cfg.Receiver, limit, os.Stdout, log); err != nil {
		log.Error(ctx, "receiver exited", logging.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Receiver, limit int, out io.Writer, log logging.Logger) error {
	if cfg.Output != "text" && cfg.Output != "json" {
		return fmt.Errorf("unknown output format %q", cfg.Output)
	}
	mode, err := cfg.ParentCheckMode()
	if err != nil {
		return err
	}
	edge, err := loadVerifier(cfg.EdgePublicPath)
	if err != nil {
		return err
	}
	origin, err := loadVerifier(cfg.OriginPublicPath)
	if err != nil {
		return err
	}
	receiver, err := provenance.NewReceiver(edge, origin, provenance.ReceiverConfig{
		HistorySize: cfg.HistorySize,
		ParentCheck: mode,
	})
	if err != nil {
		return err
	}

	session := uuid.NewString()
	log = log.With(logging.String("session_id", session))

	conn, err := transport.Dial(ctx, cfg.URL)
	if err != nil {
		return err
	}
	defer conn.Close()
	log.Info(ctx, "receiver connected",
		logging.String("url", cfg.URL),
		logging.String("edge_key_id", edge.KeyID()),
		logging.String("origin_key_id", origin.KeyID()),
		logging.String("parent_check", cfg.ParentCheck),
	)

	seen := 0
	err = conn.ReadLoop(ctx, func(data []byte) error {
		frame, err := wire.DecodeFrame(data)
		if err != nil {
			log.Warn(ctx, "undecodable frame", logging.Error(err))
			return nil
		}
		verdict, err := receiver.Check(ctx, frame)
		if err != nil {
			log.Warn(ctx, "frame rejected", logging.Uint64("frame_id", frame.FrameID), logging.Error(err))
			fmt.Fprintf(out, "REJECTED frame=%d: %v\n", frame.FrameID, err)
		} else if err := printFrame(out, cfg.Output, data, frame, verdict); err != nil {
			return err
		}
		seen++
		if limit > 0 && seen >= limit {
			return errDone
		}
		return nil
	})
	if errors.Is(err, errDone) {
		err = nil
	}

	st := receiver.Stats()
	log.Info(ctx, "receiver stopped",
		logging.Uint64("accepted", st.Accepted),
		logging.Uint64("accepted_synthesized", st.AcceptedSynthesized),
		logging.Uint64("rejected_signature", st.RejectedSignature),
		logging.Uint64("rejected_invariant", st.RejectedInvariant),
		logging.Uint64("rejected_parent", st.RejectedParent),
		logging.Uint64("unknown_parents", st.UnknownParents),
	)
	return err
}

func loadVerifier(path string) (*provenance.Verifier, error) {
	pub, err := provenance.LoadPublicKey(path)
	if err != nil {
		return nil, err
	}
	return provenance.NewVerifier(pub)
}

func printFrame(out io.Writer, format string, data []byte, f *model.EmittedFrame, v provenance.Verdict) error {
	if format == "json" {
		js, err := wire.MarshalJSON(data)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(out, "%s\n", js)
		return err
	}

	p := f.State.Position
	if v.Synthesized {
		warn := ""
		if len(v.UnknownParents) > 0 {
			warn = fmt.Sprintf(" unknown_parents=%v", v.UnknownParents)
		}
		_, err := fmt.Fprintf(out, "PREDICTED   frame=%d parents=%v confidence=%.3f pos=(%.1f, %.1f, %.1f)%s\n",
			f.FrameID, f.ParentFrameIDs, f.Confidence, p.X, p.Y, p.Z, warn)
		return err
	}
	_, err := fmt.Fprintf(out, "PASSTHROUGH frame=%d source=%d captured=%s pos=(%.1f, %.1f, %.1f)\n",
		f.FrameID, f.Source.FrameID, f.Source.CapturedAt.UTC().Format("15:04:05.000"), p.X, p.Y, p.Z)
	return err
}
