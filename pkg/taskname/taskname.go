package taskname

const (
	// Attribution of a billable subscription event.
	CommissionAttribute = "commission:attribute"

	// Manual holdback scheduler tick.
	HoldbackTick = "commission:holdback_tick"
)

// Queue is the asynq queue all commission tasks are enqueued on.
const Queue = "commission"
