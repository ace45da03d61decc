package syncengine

import (
	"encoding/json"
	"time"

	"github.com/courtside/scoresync/internal/config"
)

// concurrentWindow is the timestamp proximity treated as a concurrent edit
// when two updates carry the same version.
const concurrentWindow = time.Second

// side is one competing value in a conflict.
type side struct {
	payload   json.RawMessage
	version   uint64
	timestamp time.Time
	priority  int
	originID  string
	deleted   bool
}

// isConflict applies the detection rules for an inbound update against the
// local replica. The caller has already established that a replica exists.
func isConflict(localVersion uint64, localUpdated time.Time, incomingVersion uint64, incomingTimestamp time.Time) bool {
	if localVersion > incomingVersion {
		// Incoming is stale.
		return true
	}
	if localVersion == incomingVersion {
		gap := localUpdated.Sub(incomingTimestamp)
		if gap < 0 {
			gap = -gap
		}
		return gap < concurrentWindow
	}
	return false
}

// resolve settles a conflict between the local and remote sides under the
// given strategy and reports which strategy actually decided. Every branch
// is deterministic so that both ends of a conflict converge without
// coordination. With three or more diverging writers the pairwise rule is
// folded over updates in arrival order; this approximates, not implements,
// N-way consensus.
func resolve(strategy config.Strategy, local, remote side) (winner side, used config.Strategy) {
	switch strategy {
	case config.StrategyRefereePriority:
		if local.priority != remote.priority {
			if local.priority > remote.priority {
				return local, config.StrategyRefereePriority
			}
			return remote, config.StrategyRefereePriority
		}
		// Equal authority: fall back to wall-clock.
		winner, _ = resolve(config.StrategyTimestamp, local, remote)
		return winner, config.StrategyTimestamp

	case config.StrategyTimestamp:
		if remote.timestamp.After(local.timestamp) {
			return remote, config.StrategyTimestamp
		}
		if local.timestamp.After(remote.timestamp) {
			return local, config.StrategyTimestamp
		}
		winner, _ = resolve(config.StrategyVersion, local, remote)
		return winner, config.StrategyVersion

	default: // config.StrategyVersion
		if remote.version > local.version {
			return remote, config.StrategyVersion
		}
		if local.version > remote.version {
			return local, config.StrategyVersion
		}
		// Same version: origin id ordering is arbitrary but deterministic.
		if remote.originID > local.originID {
			return remote, config.StrategyVersion
		}
		return local, config.StrategyVersion
	}
}
