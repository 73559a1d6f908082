package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	// Gossip and consensus

	GossipMembers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "go_census",
		Name:      "gossip_members",
		Help:      "Current number of members visible to the gossip layer",
	})

	GossipHealthScore = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "go_census",
		Name:      "gossip_health_score",
		Help:      "Awareness health score reported by the gossip layer (0 is healthy)",
	})

	GossipBroadcasts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "go_census",
		Name:      "gossip_broadcasts_total",
		Help:      "Facts queued for gossip broadcast",
	}, []string{"kind"})

	IsLeader = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "go_census",
		Name:      "is_leader",
		Help:      "1 if this node leads the raft election, else 0",
	})

	LeaderChanges = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "go_census",
		Name:      "leader_changes_total",
		Help:      "Total number of observed leader change events",
	})

	JoinRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "go_census",
		Name:      "join_requests_total",
		Help:      "Total voter join requests handled by this node",
	}, []string{"result"})

	ManagementDials = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "go_census",
		Name:      "management_dials_total",
		Help:      "gRPC management connections dialled",
	})

	ManagementConns = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "go_census",
		Name:      "management_conns",
		Help:      "Cached gRPC management connections",
	})

	// Census

	FactsApplied = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "go_census",
		Subsystem: "census",
		Name:      "facts_total",
		Help:      "Facts processed by the census ingester",
	}, []string{"kind", "result"})

	FactsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "go_census",
		Subsystem: "census",
		Name:      "facts_dropped_total",
		Help:      "Facts dropped because the ingest queue was full",
	})

	CensusMembers = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "go_census",
		Subsystem: "census",
		Name:      "members",
		Help:      "Census entries per service group and health",
	}, []string{"service_group", "health"})

	ElectionPhase = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "go_census",
		Subsystem: "census",
		Name:      "election_phase",
		Help:      "Local election phase per service group (0 none, 1 running, 2 no quorum, 3 finished)",
	}, []string{"service_group"})

	LeaderConflicts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "go_census",
		Subsystem: "census",
		Name:      "leader_conflicts_total",
		Help:      "Passes that observed more than one leader in a service group",
	}, []string{"service_group"})

	// Reconciler

	Restarts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "go_census",
		Subsystem: "reconcile",
		Name:      "restarts_total",
		Help:      "Service restarts requested from the supervisor",
	}, []string{"service_group"})

	RestartsDeferred = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "go_census",
		Subsystem: "reconcile",
		Name:      "restarts_deferred_total",
		Help:      "Passes where a pending restart was held back",
	}, []string{"service_group", "reason"})

	Reconfigures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "go_census",
		Subsystem: "reconcile",
		Name:      "reconfigures_total",
		Help:      "Configuration changes that triggered the reconfigure hook",
	}, []string{"service_group"})

	ArtifactWrites = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "go_census",
		Subsystem: "reconcile",
		Name:      "artifact_writes_total",
		Help:      "Artifact write attempts by artifact kind and result",
	}, []string{"kind", "result"})

	PassDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "go_census",
		Subsystem: "reconcile",
		Name:      "pass_duration_seconds",
		Help:      "Duration of reconcile passes",
		Buckets:   prometheus.DefBuckets,
	})
)

// Register registers metrics into the default Prometheus registry (idempotent).
func Register() {
	once.Do(func() {
		prometheus.MustRegister(GossipMembers)
		prometheus.MustRegister(GossipHealthScore)
		prometheus.MustRegister(GossipBroadcasts)
		prometheus.MustRegister(IsLeader)
		prometheus.MustRegister(LeaderChanges)
		prometheus.MustRegister(JoinRequests)
		prometheus.MustRegister(ManagementDials)
		prometheus.MustRegister(ManagementConns)
		// census
		prometheus.MustRegister(FactsApplied)
		prometheus.MustRegister(FactsDropped)
		prometheus.MustRegister(CensusMembers)
		prometheus.MustRegister(ElectionPhase)
		prometheus.MustRegister(LeaderConflicts)
		// reconciler
		prometheus.MustRegister(Restarts)
		prometheus.MustRegister(RestartsDeferred)
		prometheus.MustRegister(Reconfigures)
		prometheus.MustRegister(ArtifactWrites)
		prometheus.MustRegister(PassDuration)
	})
}
