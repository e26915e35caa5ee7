package metering

const (
	operationValidate    = "validate"
	operationDeduct      = "deduct"
	operationRefund      = "refund"
	operationAdminAdjust = "admin_adjust"
	operationAdminSet    = "admin_set"
	operationPlanSync    = "plan_sync"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	adjustmentFeatureKey = "admin_adjustment"
)
