// Package resilience guards the metered text-generation call and the shared
// backends around it.
//
// # Quota Circuit Breaker
//
// The breaker counts only quota-exhaustion failures. Once the threshold is
// reached it rejects calls for the cooldown, then admits a single trial.
//
//	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
//		Name:     "llm",
//		Cooldown: 30 * time.Minute,
//	})
//
//	result, err := cb.Execute(ctx, func(ctx context.Context) (interface{}, error) {
//		return analyzer.Analyze(ctx, compact)
//	})
//
// # Alert Deduplication
//
// AlertManager sends each alert type at most once per cooldown and delivers
// to every registered handler, optionally with retries.
//
//	am := resilience.NewAlertManager(resilience.AlertManagerConfig{DefaultCooldown: time.Hour})
//	am.AddHandler(resilience.NewLoggingAlertHandler(nil))
//
// # Backend Degradation
//
// DegradationManager tracks shared backend health; BackendHealthMonitor
// alerts when the overall level changes.
//
//	dm := resilience.NewDegradationManager(3)
//	dm.RegisterService("redis", resilience.LevelPartial)
//	dm.UpdateServiceHealth("redis", false, 0, "connection refused")
package resilience
