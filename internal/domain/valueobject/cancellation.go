package valueobject

// CancellationReason tags why an attempt's cancellation token fired. The
// handler, the lease renewer, and the ownership-loss listener all share one
// token; the worker reads the reason from the token after the handler
// returns. The handler itself sees only its cancelled ctx, not the reason.
type CancellationReason string

const (
	CancellationReasonNone                  CancellationReason = ""
	CancellationReasonTakenByAnotherWorker  CancellationReason = "taken_by_another_worker"
	CancellationReasonAlreadyCompleted      CancellationReason = "already_completed"
	CancellationReasonStopped               CancellationReason = "stopped"
)
