package loyalty

const (
	operationEarn      = "earn"
	operationRedeem    = "redeem"
	operationAdjust    = "adjust"
	operationReconcile = "reconcile"

	operationStatusOK       = "ok"
	operationStatusError    = "error"
	operationStatusReplayed = "replayed"
)
