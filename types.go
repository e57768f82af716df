package reachcache

import (
	"fmt"
	"time"
)

// NumReachLevels is the number of reach levels; partitions are arrays of
// this length.
const NumReachLevels = 8

// ReachLevel is an ordinal privacy/visibility tier. Cache partitions are
// structurally isolated by reach level: content at one level can never
// evict or observe content at another.
type ReachLevel uint8

const (
	ReachPrivate      ReachLevel = 0 // only the beneficiary
	ReachInvited      ReachLevel = 1 // explicitly invited individuals
	ReachLocal        ReachLevel = 2 // family/household
	ReachNeighborhood ReachLevel = 3
	ReachMunicipal    ReachLevel = 4
	ReachBioregional  ReachLevel = 5
	ReachRegional     ReachLevel = 6
	ReachCommons      ReachLevel = 7 // global/public
)

var reachNames = [NumReachLevels]string{
	"private", "invited", "local", "neighborhood",
	"municipal", "bioregional", "regional", "commons",
}

// String returns the reach level name.
func (r ReachLevel) String() string {
	if int(r) < len(reachNames) {
		return reachNames[r]
	}
	return fmt.Sprintf("reach(%d)", uint8(r))
}

// Clamp bounds the level to the valid 0-7 range.
func (r ReachLevel) Clamp() ReachLevel {
	if r >= NumReachLevels {
		return NumReachLevels - 1
	}
	return r
}

// Distance returns the absolute ordinal distance between two reach levels.
func (r ReachLevel) Distance(other ReachLevel) int {
	d := int(r.Clamp()) - int(other.Clamp())
	if d < 0 {
		return -d
	}
	return d
}

// Domain is a content taxonomy tag used for secondary indexing and affinity
// scoring. It is not an ownership or access-control boundary.
type Domain string

const (
	DomainElohimProtocol Domain = "elohim-protocol"
	DomainFCT            Domain = "fct"
	DomainEthosEngine    Domain = "ethosengine"
	DomainOther          Domain = "other"
)

// Epic is the second taxonomy axis, organizing content within a domain.
type Epic string

const (
	EpicGovernance           Epic = "governance"
	EpicAutonomousEntity     Epic = "autonomous_entity"
	EpicPublicObserver       Epic = "public_observer"
	EpicSocialMedium         Epic = "social_medium"
	EpicValueScanner         Epic = "value_scanner"
	EpicEconomicCoordination Epic = "economic_coordination"
	EpicLamad                Epic = "lamad"
	EpicOther                Epic = "other"
)

// MasteryLevel models the proficiency tied to a piece of content. Higher
// mastery decays slower: advanced learners revisit core material less often
// but need it retained longer.
type MasteryLevel uint8

const (
	MasteryNotStarted MasteryLevel = 0
	MasterySeen       MasteryLevel = 1
	MasteryRemember   MasteryLevel = 2
	MasteryUnderstand MasteryLevel = 3
	MasteryApply      MasteryLevel = 4
	MasteryAnalyze    MasteryLevel = 5
	MasteryEvaluate   MasteryLevel = 6
	MasteryCreate     MasteryLevel = 7
)

// masteryDecayPerDay holds the freshness decay rate per day for each level.
var masteryDecayPerDay = [8]float64{
	0,     // NotStarted: no mastery, no decay
	0.05,  // Seen: passive viewing
	0.03,  // Remember
	0.02,  // Understand
	0.015, // Apply
	0.01,  // Analyze
	0.008, // Evaluate
	0.005, // Create: creating maintains mastery
}

// DecayRate returns the freshness decay rate per second.
func (m MasteryLevel) DecayRate() float64 {
	if int(m) >= len(masteryDecayPerDay) {
		m = MasteryCreate
	}
	return masteryDecayPerDay[m] / 86400.0
}

// Freshness returns the mastery freshness (0.0-1.0) at the given age,
// freshness = max(0, 1 - rate*ageSeconds).
func (m MasteryLevel) Freshness(age time.Duration) float64 {
	f := 1.0 - m.DecayRate()*age.Seconds()
	if f < 0 {
		return 0
	}
	return f
}

// FreshnessStatus buckets freshness into fresh/stale/critical bands.
func (m MasteryLevel) FreshnessStatus(age time.Duration) string {
	switch f := m.Freshness(age); {
	case f >= 0.7:
		return "fresh"
	case f >= 0.4:
		return "stale"
	default:
		return "critical"
	}
}

// Entry is a cached content item plus the metadata the eviction and scoring
// policies consume. An Entry is owned exclusively by the tier cache that
// admitted it and is mutated only by that cache's Put/Get/evict paths.
type Entry struct {
	// Key is the hex-encoded content key, unique per (tier, reach level).
	Key string

	// Data is the payload. At rest inside a tier this holds the envelope
	// encoding; outside a tier it is the logical bytes.
	Data []byte

	// SizeBytes is the logical (uncompressed) payload size, used for all
	// capacity accounting.
	SizeBytes int64

	CreatedAt      time.Time
	LastAccessedAt time.Time
	AccessCount    int64

	// Reach is the isolation boundary; it selects the partition slot and
	// never changes after admission.
	Reach ReachLevel

	Domain Domain
	Epic   Epic

	// CustodianID identifies the peer this copy was sourced from, when the
	// entry was written back after a custodian fetch. Empty for local puts.
	CustodianID string

	Mastery MasteryLevel

	// Affinity is the 0-1 relevance signal attached at admission, used by
	// the priority scorer when no per-request affinity context is supplied.
	Affinity float64

	// TTL overrides the tier TTL when non-zero.
	TTL time.Duration
}

// Age returns the entry age at now, measured from creation. Logical expiry
// is always judged on this value.
func (e *Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.CreatedAt)
}

// Idle returns the time since the entry was last accessed.
func (e *Entry) Idle(now time.Time) time.Duration {
	return now.Sub(e.LastAccessedAt)
}

// Expired reports whether the entry's age exceeds ttl. The entry TTL, when
// set, takes precedence over the supplied tier default.
func (e *Entry) Expired(now time.Time, tierTTL time.Duration) bool {
	ttl := tierTTL
	if e.TTL > 0 {
		ttl = e.TTL
	}
	if ttl <= 0 {
		return false
	}
	return e.Age(now) > ttl
}

// KeyRef names an entry within a tier: the content key plus the reach level
// holding that copy. Secondary index queries return KeyRefs so callers can
// resolve bytes with Get.
type KeyRef struct {
	Key   string
	Reach ReachLevel
}
