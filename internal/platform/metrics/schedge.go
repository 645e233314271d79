package metrics

// Collectors of the scheduling backend. Each process registers them once on
// the Default registry.
var (
	LiveConnections = NewGauge(Opts{
		Name: "schedge_live_connections",
		Help: "Push channels currently registered.",
	})
	Broadcasts = NewCounterVec(Opts{
		Name: "schedge_broadcast_sends_total",
		Help: "Snapshot sends to push channels by outcome.",
	}, []string{"outcome"})
	Mutations = NewCounterVec(Opts{
		Name: "schedge_task_mutations_total",
		Help: "Task lifecycle operations by operation and outcome.",
	}, []string{"operation", "outcome"})
	SchedulingRuns = NewCounterVec(Opts{
		Name: "schedge_scheduling_runs_total",
		Help: "Scheduling requests by mode and outcome.",
	}, []string{"mode", "outcome"})
	SolverLatency = NewHistogram(Opts{
		Name: "schedge_solver_request_seconds",
		Help: "Round-trip time of solver requests.",
	}, nil)
)

const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

func init() {
	Default.MustRegister(LiveConnections, Broadcasts, Mutations, SchedulingRuns, SolverLatency)
}

// Outcome maps an error to the outcome label value.
func Outcome(err error) string {
	if err != nil {
		return OutcomeError
	}
	return OutcomeOK
}
