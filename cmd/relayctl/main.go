// Command relayctl drives a relay's LinkControl service.
//
//	relayctl [-addr host:port] get
//	relayctl [-addr host:port] set [-base-delay d] [-jitter-mode m] [-jitter-amplitude d] [-loss p]
//	relayctl [-addr host:port] stats
//	relayctl [-addr host:port] reset
//	relayctl [-addr host:port] keys
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/signalsfoundry/predictive-relay/core"
	"github.com/signalsfoundry/predictive-relay/internal/control"
	"github.com/signalsfoundry/predictive-relay/provenance"
)

var errUsage = errors.New("usage: relayctl [-addr host:port] [-timeout d] get|set|stats|reset|keys")

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if errors.Is(err, errUsage) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("relayctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", "localhost:50051", "relay LinkControl address")
	timeout := fs.Duration("timeout", 5*time.Second, "per-call deadline")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if fs.NArg() == 0 {
		return errUsage
	}
	cmd, rest := fs.Arg(0), fs.Args()[1:]

	var patch control.PolicyPatch
	if cmd == "set" {
		var err error
		if patch, err = parseSet(rest, stderr); err != nil {
			return err
		}
	} else if len(rest) > 0 {
		return errUsage
	}

	client, conn, err := control.Dial(*addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	switch cmd {
	case "get":
		p, epoch, err := client.GetPolicy(ctx)
		if err != nil {
			return err
		}
		return printJSON(stdout, control.PolicyStruct(p, epoch))
	case "set":
		p, epoch, err := client.Configure(ctx, patch)
		if err != nil {
			return err
		}
		return printJSON(stdout, control.PolicyStruct(p, epoch))
	case "stats":
		st, err := client.GetStats(ctx)
		if err != nil {
			return err
		}
		return printJSON(stdout, st)
	case "reset":
		if err := client.ResetStats(ctx); err != nil {
			return err
		}
		_, err := fmt.Fprintln(stdout, "statistics reset")
		return err
	case "keys":
		keys, err := client.GetPublicKeys(ctx)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(stdout, "algorithm %s\norigin %s %s\nedge   %s %s\n",
			provenance.Algorithm,
			provenance.KeyID(keys.Origin), provenance.EncodePublicKey(keys.Origin),
			provenance.KeyID(keys.Edge), provenance.EncodePublicKey(keys.Edge))
		return err
	default:
		return fmt.Errorf("unknown command %q: %w", cmd, errUsage)
	}
}

// parseSet builds a patch from the flags that were actually given, so
// unset fields keep their current values on the relay.
func parseSet(args []string, stderr io.Writer) (control.PolicyPatch, error) {
	fs := flag.NewFlagSet("set", flag.ContinueOnError)
	fs.SetOutput(stderr)
	base := fs.Duration("base-delay", 0, "one-way link delay")
	amp := fs.Duration("jitter-amplitude", 0, "jitter amplitude")
	mode := fs.String("jitter-mode", "", "none, uniform, one-sided or normal")
	loss := fs.Float64("loss", 0, "sample loss probability")
	if err := fs.Parse(args); err != nil {
		return control.PolicyPatch{}, errUsage
	}
	if fs.NArg() > 0 {
		return control.PolicyPatch{}, errUsage
	}

	var patch control.PolicyPatch
	var err error
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "base-delay":
			patch.BaseDelay = base
		case "jitter-amplitude":
			patch.JitterAmplitude = amp
		case "jitter-mode":
			var m core.JitterMode
			if m, err = core.ParseJitterMode(*mode); err == nil {
				patch.JitterMode = &m
			}
		case "loss":
			patch.LossProbability = loss
		}
	})
	if err != nil {
		return control.PolicyPatch{}, err
	}
	if patch.Empty() {
		return control.PolicyPatch{}, fmt.Errorf("set needs at least one of -base-delay, -jitter-mode, -jitter-amplitude, -loss: %w", errUsage)
	}
	return patch, nil
}

func printJSON(w io.Writer, m proto.Message) error {
	out, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(m)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s\n", out)
	return err
}
