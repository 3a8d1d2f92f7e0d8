package adapter

// --------------------------------------------------------------------------
// File Version & Downgrade Policy
// --------------------------------------------------------------------------

// startupVersion is the compatibility level the engine actually opened at,
// discovered by trial-opening with successively lower require_min strings.
type startupVersion int

const (
	startupCurrent startupVersion = iota // opened at the current release
	startupPrev1                         // one release back
	startupPrev2                         // two releases back
)

// requireMinByVersion maps each startup version to the require_min string
// used while probing
var requireMinByVersion = []struct {
	version    startupVersion
	requireMin string
}{
	{startupCurrent, "3.1.0"},
	{startupPrev1, "3.0.0"},
	{startupPrev2, "2.9.0"},
}

// fileVersion captures the negotiated on-disk state and implements the
// downgrade-at-shutdown policy.
type fileVersion struct {
	startup startupVersion
}

// shouldDowngrade decides whether clean shutdown rewrites the data files at
// a lower compatibility release.
func (v fileVersion) shouldDowngrade(cfg *Config, hasRecoveryTimestamp bool) bool {
	if cfg.ReadOnly {
		// a read-only state cannot have upgraded, nor can it downgrade
		return false
	}
	if cfg.Arbiter {
		return true
	}

	if cfg.FCVFullyDowngraded == nil {
		// The FCV document has not been read; trust the version discovered
		// at startup and downgrade back to it.
		return v.startup == startupPrev1 || v.startup == startupPrev2
	}
	if !*cfg.FCVFullyDowngraded {
		return false
	}
	if cfg.UsingReplSets {
		// replication startup recovery has already run, downgrading is safe
		return true
	}
	if hasRecoveryTimestamp {
		// A standalone with a recovery timestamp implies recovery must be
		// run, but it was not.
		return false
	}
	return true
}

// downgradeString returns the compatibility reconfiguration applied while
// downgrading.
func (v fileVersion) downgradeString(cfg *Config) string {
	if cfg.FCVFullyDowngraded == nil {
		if v.startup == startupPrev2 {
			return "compatibility=(release=2.9)"
		}
		return "compatibility=(release=3.0)"
	}
	return "compatibility=(release=3.0)"
}
