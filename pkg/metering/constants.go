package metering

const (
	operationBlock     = "block"
	operationSettle    = "deduct_and_settle"
	operationRefund    = "refund"
	operationAdd       = "add_credits"
	operationAdjust    = "adjust"
	operationReconcile = "reconcile"

	operationStatusOK    = "ok"
	operationStatusError = "error"
)
