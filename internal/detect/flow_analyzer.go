package detect

import (
	"net"
	"sync"

	"flowguard/internal/model"

	"github.com/sirupsen/logrus"
)

// FlowAnalyzer classifies individual flow samples into threat tiers using
// rate thresholds, burst detection and whitelist/blacklist membership.
// Whitelist membership is absolute: a whitelisted identity is benign no
// matter what rate it shows.
type FlowAnalyzer struct {
	monitorThreshold   float64
	rateLimitThreshold float64
	blockThreshold     float64
	burstBytes         uint64
	connRateThreshold  float64

	mu        sync.RWMutex
	whitelist *addressSet
	blacklist *addressSet

	countMu    sync.Mutex
	tierCounts map[model.ThreatTier]uint64

	logger *logrus.Logger
}

// AnalyzerOptions carries classification thresholds; zero values get defaults.
type AnalyzerOptions struct {
	MonitorThreshold   float64
	RateLimitThreshold float64
	BlockThreshold     float64
	BurstBytes         uint64
	ConnRateThreshold  float64
}

func NewFlowAnalyzer(opts AnalyzerOptions, logger *logrus.Logger) *FlowAnalyzer {
	if opts.MonitorThreshold <= 0 {
		opts.MonitorThreshold = 100000
	}
	if opts.RateLimitThreshold <= 0 {
		opts.RateLimitThreshold = 400000
	}
	if opts.BlockThreshold <= 0 {
		opts.BlockThreshold = 700000
	}
	if opts.BurstBytes == 0 {
		opts.BurstBytes = 5000000
	}
	if opts.ConnRateThreshold <= 0 {
		opts.ConnRateThreshold = 100
	}
	return &FlowAnalyzer{
		monitorThreshold:   opts.MonitorThreshold,
		rateLimitThreshold: opts.RateLimitThreshold,
		blockThreshold:     opts.BlockThreshold,
		burstBytes:         opts.BurstBytes,
		connRateThreshold:  opts.ConnRateThreshold,
		whitelist:          newAddressSet(),
		blacklist:          newAddressSet(),
		tierCounts:         make(map[model.ThreatTier]uint64),
		logger:             logger,
	}
}

// Classify returns the threat tier for one flow sample. Precedence:
// whitelist, blacklist, rate tiers; then burst and connection-rate
// escalation, capped at malicious.
func (a *FlowAnalyzer) Classify(sample model.FlowSample) model.ThreatTier {
	tier := a.classify(sample)

	a.countMu.Lock()
	a.tierCounts[tier]++
	a.countMu.Unlock()
	return tier
}

func (a *FlowAnalyzer) classify(sample model.FlowSample) model.ThreatTier {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.whitelist.containsIdentity(sample.Identity) {
		return model.TierBenign
	}
	if a.blacklist.containsIdentity(sample.Identity) {
		return model.TierMalicious
	}

	var tier model.ThreatTier
	switch {
	case sample.ByteRate >= a.blockThreshold:
		tier = model.TierMalicious
	case sample.ByteRate >= a.rateLimitThreshold:
		tier = model.TierSuspicious
	case sample.ByteRate >= a.monitorThreshold:
		tier = model.TierMonitor
	default:
		tier = model.TierBenign
	}

	if sample.BurstBytes > a.burstBytes {
		tier = tier.Escalate()
	}
	if sample.ConnRate > a.connRateThreshold {
		tier = tier.Escalate()
	}
	return tier
}

// TierCounts returns how many samples landed in each tier since start.
func (a *FlowAnalyzer) TierCounts() map[string]uint64 {
	a.countMu.Lock()
	defer a.countMu.Unlock()
	counts := make(map[string]uint64, len(a.tierCounts))
	for tier, n := range a.tierCounts {
		counts[tier.String()] = n
	}
	return counts
}

// AddToWhitelist adds an address or CIDR range to the whitelist.
func (a *FlowAnalyzer) AddToWhitelist(address string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.whitelist.add(address)
	a.logger.Infof("[FlowAnalyzer] Added %s to whitelist", address)
}

// RemoveFromWhitelist drops a whitelist entry.
func (a *FlowAnalyzer) RemoveFromWhitelist(address string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.whitelist.remove(address)
	a.logger.Infof("[FlowAnalyzer] Removed %s from whitelist", address)
}

// AddToBlacklist adds an address or CIDR range to the blacklist.
func (a *FlowAnalyzer) AddToBlacklist(address string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.blacklist.add(address)
	a.logger.Infof("[FlowAnalyzer] Added %s to blacklist", address)
}

// RemoveFromBlacklist drops a blacklist entry.
func (a *FlowAnalyzer) RemoveFromBlacklist(address string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.blacklist.remove(address)
	a.logger.Infof("[FlowAnalyzer] Removed %s from blacklist", address)
}

// ListCounts returns the whitelist and blacklist sizes.
func (a *FlowAnalyzer) ListCounts() (whitelist, blacklist int) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.whitelist.size(), a.blacklist.size()
}

// addressSet holds exact addresses (IP or MAC) plus CIDR ranges.
type addressSet struct {
	exact  map[string]struct{}
	ranges map[string]*net.IPNet
}

func newAddressSet() *addressSet {
	return &addressSet{
		exact:  make(map[string]struct{}),
		ranges: make(map[string]*net.IPNet),
	}
}

func (s *addressSet) add(address string) {
	if _, ipnet, err := net.ParseCIDR(address); err == nil {
		s.ranges[address] = ipnet
		return
	}
	s.exact[address] = struct{}{}
}

func (s *addressSet) remove(address string) {
	delete(s.exact, address)
	delete(s.ranges, address)
}

func (s *addressSet) size() int {
	return len(s.exact) + len(s.ranges)
}

func (s *addressSet) contains(address string) bool {
	if _, ok := s.exact[address]; ok {
		return true
	}
	if ip := net.ParseIP(address); ip != nil {
		for _, ipnet := range s.ranges {
			if ipnet.Contains(ip) {
				return true
			}
		}
	}
	return false
}

func (s *addressSet) containsIdentity(id model.FlowIdentity) bool {
	if id.SourceAddr != "" && s.contains(id.SourceAddr) {
		return true
	}
	if id.SourceHW != "" && s.contains(id.SourceHW) {
		return true
	}
	return false
}
