// Package gateway provides implementations of engine.Gateway, the narrow
// interface through which the orchestrator reaches the cloud.
//
//   - Simulator is an in-process cloud used in development mode and tests.
//     It deduplicates by idempotency token and can be scripted to fail or
//     hang individual operations.
//   - OpenStack drives nova, cinder and neutron through go-goose.
//   - RateLimited bounds the call rate of any gateway with a token bucket.
//   - Instrumented records prometheus metrics and OpenTelemetry spans.
//
// The decorators compose:
//
//	var gw engine.Gateway = gateway.NewOpenStack(cloud, logger)
//	gw = gateway.NewRateLimited(gw, 10, 20)
//	gw = gateway.NewInstrumented(gw, metrics, tracer)
package gateway
