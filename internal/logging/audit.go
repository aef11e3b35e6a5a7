package logging

// AuditEvent records a signed, value-moving operation submitted on behalf of the user
type AuditEvent struct {
	Operation string // intent name, e.g. "stake", "fund_rewards"
	Actor     string // sending account
	Target    string // contract the transaction was sent to
	Result    string // "success" or "failure"
	Details   string // tx hash or error
}

// Audit logs a value-moving operation at Info level with an "audit" marker so
// transaction history can be filtered out of the regular stream.
func Audit(event AuditEvent) {
	Logger().Info("audit",
		"audit", true,
		"operation", event.Operation,
		"actor", event.Actor,
		"target", event.Target,
		"result", event.Result,
		"details", event.Details,
	)
}
