/*
Package scheduler implements the Controller's Cluster Scheduler: the
top-level loop that ties together every other component into one
periodic iteration.

# Architecture

The scheduler runs on a ClusterSynchronizationSeconds ticker, executing
the same eight-step sequence every tick:

	┌──────────────────────────────────────────────────────────────┐
	│                     Scheduler.RunOnce                        │
	│              (every ClusterSynchronizationSeconds)           │
	└────────────────┬─────────────────────────────────────────────┘
	                 │
	                 ▼
	 1. Recover from Process Status File (first iteration only)
	 2. Reconcile rank table against the Node Status Store
	 3. Probe all live nodes (Worker Prober)
	 4. Compute desired prefill/decode ratios (DIGS role planner)
	 5. Diff desired vs current role, drive the Role Switcher
	 6. Publish the live view to every coordinator
	 7. Persist state to the Process Status File
	 8. Sleep the remainder of the period

Steps 5-7 only run on the elected leader; a follower still reconciles,
probes, and recomputes metrics so it can take over without delay, but
never switches roles, publishes, or persists.

# Core Components

Scheduler is the orchestrator; New wires it to its collaborators via
Deps rather than reaching for globals:

	sched := scheduler.New(scheduler.Deps{
		Loader: cfgLoader, Store: st, Broker: broker,
		Worker: workerClient, Coordinator: coordClient,
		Planner: ratioPlanner, Elector: elector,
		FaultHistory: history, RankTablePath: rankTablePath,
	})
	sched.Start()
	defer sched.Stop()

RunOnce executes exactly one iteration and is exported so tests and
the CLI entry point can drive it deterministically instead of waiting
on the ticker.

# Role Reshaping

Within a group, computeTransitions diffs the planner's DesiredRatio
against the group's current prefill/decode split and builds the
Transition batch that closes the gap, picking nodes lowest-ID-first in
both directions for determinism. It also returns every current prefill
IP and the IDs of decoders not being transitioned this iteration — the
exact inputs the Role Switcher needs to respect the decoder-first
re-announce ordering.

# Persistence and Recovery

recover only runs once, on the very first RunOnce call, and only if
ProcessManager.ToFile is configured. A missing or corrupt status file
is logged and treated as a cold start, never fatal - the Controller
always comes up, worst case with an empty store.

persist writes the full live/faulty snapshot and the ID allocator's
counter back to the same file every leader iteration, so a restart
recovers IDs, health, and delete-grace timers rather than re-probing
from nothing.

# See Also

  - pkg/topology - rank table parsing and node ID allocation
  - pkg/prober - periodic worker health and state polling
  - pkg/planner - the DIGS desired-ratio computation
  - pkg/roleswitch - the role transition state machine
  - pkg/process - Process Status File read/write and fault history
*/
package scheduler
