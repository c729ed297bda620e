// Package instrumentation provides OpenTelemetry metrics and tracing for the
// token lifecycle engine.
//
// All instruments are created up front so the hot path only records values.
// When instrumentation is disabled, no-op providers keep the overhead at zero
// and callers never need nil checks around recording calls.
package instrumentation
