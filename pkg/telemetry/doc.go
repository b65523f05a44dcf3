// Package telemetry provides observability for nimbus: structured logging
// with zerolog, distributed tracing with OpenTelemetry, Prometheus metrics,
// and an ordered event stream of provisioning milestones.
//
// Initialize once at startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = version
//
//	tel, err := telemetry.New(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
// The Metrics type implements engine.RunObserver, so it can be handed to
// the orchestrator directly. The Events stream is how the conversational
// surface follows a run in progress.
package telemetry
