package health

import "time"

// ScoreInputs are the observations the overall score is computed from.
type ScoreInputs struct {
	// Registered is the merged registration flag (direct or keepalive).
	Registered bool
	// TransportConnected is the direct transport flag.
	TransportConnected bool
	KeepAlivePresent   bool
	KeepAliveAge       time.Duration
	KeepAliveWindow    time.Duration
	Online             bool
	Quality            Quality
	RecentTimeouts     int
	LogErrors          int
	LogSuccesses       int
}

// Score bands and penalties.
const (
	bandRegisteredOnly = 60
	bandTransportOnly  = 50
	bandNeither        = 30
	offlineCeiling     = 25

	penaltyStaleKeepAlive = 10
	penaltyErrorRatio     = 15
	penaltyPerTimeout     = 5
	maxTimeoutPenalty     = 15
)

func networkPenalty(q Quality) int {
	switch q {
	case QualityFair:
		return 10
	case QualityPoor:
		return 20
	default:
		return 0
	}
}

// keepAliveFresh reports whether a keepalive at age counts as liveness.
func keepAliveFresh(present bool, age, window time.Duration) bool {
	return present && age <= window
}

// Score computes overall health in [0,100].
func Score(in ScoreInputs) int {
	fresh := keepAliveFresh(in.KeepAlivePresent, in.KeepAliveAge, in.KeepAliveWindow)
	transport := in.TransportConnected || fresh
	netPen := networkPenalty(in.Quality)

	var score int
	switch {
	case in.Registered && transport:
		score = 100
		if in.KeepAlivePresent && in.KeepAliveAge > in.KeepAliveWindow/2 {
			score -= penaltyStaleKeepAlive
		}
		if in.LogErrors > in.LogSuccesses {
			score -= penaltyErrorRatio
		}
		score -= netPen
		score -= min(in.RecentTimeouts*penaltyPerTimeout, maxTimeoutPenalty)
	case in.Registered:
		score = bandRegisteredOnly - netPen/2
	case transport:
		score = bandTransportOnly - netPen/2
	default:
		score = bandNeither - netPen/2
	}

	if !in.Online && score > offlineCeiling {
		score = offlineCeiling
	}
	return clampInt(score, 0, 100)
}
