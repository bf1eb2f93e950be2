// pytui-trace supervises an instrumented worker script and streams its
// execution trace: output lines, function calls/returns, and exceptions.
package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/LayerDynamics/pytui-sub000/internal/collector"
	"github.com/LayerDynamics/pytui-sub000/internal/config"
	"github.com/LayerDynamics/pytui-sub000/internal/event"
	"github.com/LayerDynamics/pytui-sub000/internal/export"
	"github.com/LayerDynamics/pytui-sub000/internal/filter"
	"github.com/LayerDynamics/pytui-sub000/internal/otel"
	"github.com/LayerDynamics/pytui-sub000/internal/supervisor"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Fatalf("Error: %v", err)
	}
}

func newRootCmd() *cobra.Command {
	var (
		workerBin  string
		agentDir   string
		filterExpr string
		attrSpecs  []string
		enableOTEL bool
	)

	cmd := &cobra.Command{
		Use:   "pytui-trace [flags] script.py [args...]",
		Short: "Supervise an instrumented worker and stream its execution trace",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return run(workerBin, agentDir, filterExpr, attrSpecs, enableOTEL, args)
		},
	}

	cmd.Flags().StringVar(&workerBin, "worker", "", "worker interpreter binary (default from PYTUI_WORKER)")
	cmd.Flags().StringVar(&agentDir, "agent-dir", "", "directory holding the instrumentation agent (prepended to PYTHONPATH)")
	cmd.Flags().StringVar(&filterExpr, "filter", "", "expression gating which calls are collected, e.g. 'function startsWith \"handle_\"'")
	cmd.Flags().StringArrayVar(&attrSpecs, "attr", nil, "custom span attribute as name=expression (repeatable)")
	cmd.Flags().BoolVar(&enableOTEL, "otel", false, "export call spans over OTLP/HTTP")
	return cmd
}

func run(workerBin, agentDir, filterExpr string, attrSpecs []string, enableOTEL bool, args []string) error {
	settings, err := config.FromEnv()
	if err != nil {
		return err
	}
	if workerBin == "" {
		workerBin = settings.WorkerBin
	}
	if agentDir == "" {
		agentDir = settings.AgentDir
	}

	callFilter, err := filter.NewCallFilter(filterExpr)
	if err != nil {
		return err
	}
	attrs, err := parseAttrSpecs(attrSpecs)
	if err != nil {
		return err
	}
	eval, err := filter.NewEvaluator(attrs)
	if err != nil {
		return err
	}

	var exporter *export.SpanExporter
	if enableOTEL {
		otelCfg, err := config.OTELFromEnv()
		if err != nil {
			return err
		}
		tp, err := otel.InitProvider(otelCfg)
		if err != nil {
			return fmt.Errorf("failed to initialize OTEL provider: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := otel.ShutdownProvider(shutdownCtx, tp); err != nil {
				log.Printf("Error shutting down OTEL provider: %v", err)
			}
		}()
		exporter = export.New(tp.Tracer("pytui-trace"), eval)
		defer exporter.Close()
	}

	sup := supervisor.New(supervisor.Config{
		WorkerBin:     workerBin,
		Script:        args[0],
		Args:          args[1:],
		AgentDir:      agentDir,
		TraceDir:      settings.TraceDir,
		Filter:        callFilter,
		GracePeriod:   settings.GracePeriod,
		JoinTimeout:   settings.JoinTimeout,
		DrainTimeout:  settings.DrainTimeout,
		PollInterval:  settings.PollInterval,
		RetryAttempts: settings.RetryAttempts,
		RetryDelay:    settings.RetryDelay,
		QueueSize:     settings.QueueSize,
		SinkCapacity:  settings.SinkCapacity,
	})

	if err := sup.Start(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	consume(ctx, sup, exporter)

	return sup.Stop()
}

// consume is the single delivery-queue consumer: it prints every event and
// feeds the span exporter. It returns when interrupted, or once the worker
// has exited and the queue is drained.
func consume(ctx context.Context, sup *supervisor.Supervisor, exporter *export.SpanExporter) {
	col := sup.Collector()
	for {
		env, err := col.GetEvent(ctx)
		if err != nil {
			return // interrupted
		}
		printEvent(env)
		if exporter != nil {
			exporter.Handle(env.Kind, env.Event)
		}

		if !sup.IsRunning() {
			// Drain what is left without waiting for more production.
			drainCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
			for {
				env, err := col.GetEvent(drainCtx)
				if err != nil {
					cancel()
					return
				}
				printEvent(env)
				if exporter != nil {
					exporter.Handle(env.Kind, env.Event)
				}
			}
		}
	}
}

func printEvent(env collector.Envelope) {
	switch env.Kind {
	case event.KindOutput:
		out := env.Event.(event.OutputEvent)
		fmt.Printf("[%s] %s\n", out.Stream, out.Content)
	case event.KindCall:
		call := env.Event.(event.CallEvent)
		fmt.Printf("[call] %s (%s:%d) id=%d\n", call.FunctionName, call.Filename, call.LineNo, call.CallID)
	case event.KindReturn:
		ret := env.Event.(event.ReturnEvent)
		fmt.Printf("[return] %s -> %s id=%d\n", ret.FunctionName, ret.ReturnValue, ret.CallID)
	case event.KindException:
		exc := env.Event.(event.ExceptionEvent)
		fmt.Printf("[exception] %s: %s\n", exc.ExceptionType, exc.Message)
		for _, frame := range exc.Traceback {
			fmt.Printf("    %s\n", frame)
		}
	}
}

// parseAttrSpecs splits repeatable name=expression flags.
func parseAttrSpecs(specs []string) ([]filter.Attribute, error) {
	var attrs []filter.Attribute
	for _, spec := range specs {
		name, expression, ok := strings.Cut(spec, "=")
		if !ok || name == "" || expression == "" {
			return nil, fmt.Errorf("invalid --attr %q: expected name=expression", spec)
		}
		attrs = append(attrs, filter.Attribute{Name: name, Expression: expression})
	}
	return attrs, nil
}
