package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tiroq/diarscribe/internal/asr"
	"github.com/tiroq/diarscribe/internal/config"
	"github.com/tiroq/diarscribe/internal/diaglog"
	"github.com/tiroq/diarscribe/internal/diarize/sidecar"
)

var healthTimeout time.Duration

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check every ASR backend and the diarization sidecar",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), healthTimeout)
		defer cancel()

		reg, google, err := buildRegistry(cfg, diag)
		if err != nil {
			return err
		}
		defer google.Close()

		primaryOK := checkBackends(ctx, cmd.OutOrStdout(), reg, cfg.ASR.Backend)
		if cfg.Diarization.Provider == config.ProviderSidecar {
			checkSidecar(ctx, cmd.OutOrStdout(), cfg.Diarization.Sidecar)
		}
		if !primaryOK {
			return fmt.Errorf("primary backend %s is unhealthy", cfg.ASR.Backend)
		}
		return nil
	},
}

func init() {
	healthCmd.Flags().DurationVar(&healthTimeout, "timeout", 15*time.Second, "overall timeout")
	rootCmd.AddCommand(healthCmd)
}

// checkBackends prints one row per backend and reports whether primary is
// healthy.
func checkBackends(ctx context.Context, out io.Writer, reg *asr.Registry, primary string) bool {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "BACKEND\tSTATUS\tLATENCY\tDETAIL")

	primaryOK := false
	for _, name := range reg.Backends() {
		b, _ := reg.Get(name)
		hs, err := b.HealthCheck(ctx)
		payload := map[string]interface{}{"backend": name}
		label := name
		if name == primary {
			label += " (primary)"
		}
		switch {
		case err != nil:
			fmt.Fprintf(tw, "%s\terror\t-\t%v\n", label, err)
			payload["ok"] = false
			payload["error"] = err.Error()
		case !hs.OK:
			fmt.Fprintf(tw, "%s\tunhealthy\t%s\t%s\n", label, hs.Latency.Round(time.Millisecond), hs.Message)
			payload["ok"] = false
			payload["message"] = hs.Message
		default:
			fmt.Fprintf(tw, "%s\tok\t%s\t%s\n", label, hs.Latency.Round(time.Millisecond), hs.Message)
			payload["ok"] = true
			payload["latency"] = hs.Latency.String()
			if name == primary {
				primaryOK = true
			}
		}
		diag.Log(diaglog.LogEntry{
			Component: diaglog.ComponentHealth,
			Event:     diaglog.EventHealthCheck,
			Payload:   payload,
		})
	}
	tw.Flush()
	return primaryOK
}

func checkSidecar(ctx context.Context, out io.Writer, sc sidecar.Config) {
	c := sidecar.NewClient(sc)
	c.SetLogger(diag)
	defer c.Close()

	start := time.Now()
	if err := c.Connect(ctx); err != nil {
		fmt.Fprintf(out, "sidecar %s: unreachable: %v\n", sc.URL, err)
		return
	}
	fmt.Fprintf(out, "sidecar %s: ok (%s)\n", sc.URL, time.Since(start).Round(time.Millisecond))
}
