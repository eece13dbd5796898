package telemetry_test

import (
	"context"
	"fmt"
	"time"

	"github.com/provisio/provisio/pkg/telemetry"
)

// Example_basicSetup demonstrates basic telemetry setup.
func Example_basicSetup() {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceName = "provisio"
	cfg.ServiceVersion = "1.0.0"

	tel, err := telemetry.New(cfg)
	if err != nil {
		panic(err)
	}
	defer tel.Shutdown(context.Background())

	logger := tel.Logger.NewComponentLogger("example")
	logger.Info("Application started")

	// Output can vary, so we don't specify output for this example
}

// Example_structuredLogging demonstrates structured logging features.
func Example_structuredLogging() {
	cfg := telemetry.DefaultConfig()
	cfg.Logging.Output = "stdout"

	tel, _ := telemetry.New(cfg)
	defer tel.Shutdown(context.Background())

	logger := tel.Logger.NewComponentLogger("engine").
		WithDeploymentID("dep-123").
		WithPhase("apply")

	logger.Debug("Starting tool apply")
	logger.Info("Apply finished")
	logger.Warn("Credential fetch degraded")

	err := fmt.Errorf("network timeout")
	logger.WithError(err).Error("Failed to reach the cloud CLI")

	// Output varies, no output specified
}

// Example_runMetrics demonstrates recording run and phase metrics.
func Example_runMetrics() {
	cfg := telemetry.DefaultConfig()
	tel, _ := telemetry.New(cfg)
	defer tel.Shutdown(context.Background())

	tel.Metrics.RecordRunStarted("provision")

	timer := telemetry.NewTimer()
	time.Sleep(time.Millisecond)
	tel.Metrics.RecordPhase("apply", timer.Duration())
	tel.Metrics.RecordCredentialFetch("storage", true)
	tel.Metrics.RecordRunCompleted("provision", "completed", timer.Duration())

	fmt.Println("Metrics recorded")
	// Output: Metrics recorded
}

// Example_eventSubscription demonstrates subscribing to deployment events.
func Example_eventSubscription() {
	cfg := telemetry.DefaultConfig()
	cfg.Events.EnableAsync = false

	tel, _ := telemetry.New(cfg)
	defer tel.Shutdown(context.Background())

	tel.Events.Subscribe(func(event telemetry.Event) {
		fmt.Printf("event: %s\n", event.Type)
	}, telemetry.FilterByType(telemetry.EventTypeDeploymentPhase))

	_ = tel.Events.PublishDeploymentPhase("dep-123", "pending", "provisioning")

	// Delivery runs on its own goroutine, so no output is specified
}

// Example_tracing demonstrates span creation around a run.
func Example_tracing() {
	cfg := telemetry.DefaultConfig()
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "stdout"

	tel, _ := telemetry.New(cfg)
	defer tel.Shutdown(context.Background())

	ctx, span := tel.Tracer.StartRunSpan(context.Background(), "dep-123", "provision")
	_, phaseSpan := tel.Tracer.StartPhaseSpan(ctx, "dep-123", "apply")
	phaseSpan.End()
	telemetry.RecordSuccess(span)
	span.End()

	// Output varies, no output specified
}
