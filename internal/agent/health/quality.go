package health

import (
	"strings"
	"time"
)

// Quality is the coarse network quality rating.
type Quality string

const (
	QualityExcellent Quality = "excellent"
	QualityGood      Quality = "good"
	QualityFair      Quality = "fair"
	QualityPoor      Quality = "poor"
	QualityUnknown   Quality = "unknown"
)

// Signal strength bounds.
const (
	MinStrength = 1
	MaxStrength = 4
)

// NetworkSample is one reading of the network path.
type NetworkSample struct {
	Online       bool
	LinkType     string
	RTT          time.Duration
	DownlinkMbps float64
	// Measured is false when no RTT/downlink reading is available.
	Measured bool
}

// fastLinks are the link types that can rate excellent.
var fastLinks = map[string]bool{
	"ethernet": true,
	"wifi":     true,
	"4g":       true,
	"5g":       true,
}

func slowLink(linkType string) bool {
	switch strings.ToLower(linkType) {
	case "2g", "slow-2g":
		return true
	}
	return false
}

// Classify rates a sample against fixed thresholds.
func Classify(s NetworkSample) (Quality, int) {
	if !s.Online {
		return QualityPoor, 1
	}
	if !s.Measured {
		return QualityUnknown, 2
	}
	link := strings.ToLower(s.LinkType)
	switch {
	case fastLinks[link] && s.RTT < 100*time.Millisecond && s.DownlinkMbps > 3:
		return QualityExcellent, 4
	case !slowLink(link) && s.RTT < 250*time.Millisecond && s.DownlinkMbps > 1:
		return QualityGood, 3
	case s.RTT < 600*time.Millisecond && s.DownlinkMbps > 0.25:
		return QualityFair, 2
	default:
		return QualityPoor, 1
	}
}

// ApplyTimeouts lowers strength for recent timeouts. The result never exceeds
// the input and never increases with the timeout count.
func ApplyTimeouts(strength, recentTimeouts int) int {
	strength = clampInt(strength, MinStrength, MaxStrength)
	switch {
	case recentTimeouts >= 3:
		return MinStrength
	case recentTimeouts == 2:
		return max(MinStrength, strength-1)
	case recentTimeouts == 1:
		return min(strength, max(2, strength-1))
	default:
		return strength
	}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
