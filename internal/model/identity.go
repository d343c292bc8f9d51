package model

import (
	"fmt"
	"strings"
)

// FlowIdentity is the canonical key a mitigation decision is made about.
// Absent (zero) fields act as wildcards, so a port-level identity with only
// SourceHW and SwitchPort set matches any flow arriving on that port.
// Identities are value types and must not be mutated after construction.
type FlowIdentity struct {
	SourceAddr string `json:"source_addr,omitempty"`
	DestAddr   string `json:"dest_addr,omitempty"`
	Protocol   uint8  `json:"protocol,omitempty"`
	SourcePort uint16 `json:"source_port,omitempty"`
	DestPort   uint16 `json:"dest_port,omitempty"`
	SourceHW   string `json:"source_hw,omitempty"`
	SwitchPort uint32 `json:"switch_port,omitempty"`
}

// Key returns a stable string form usable as a map key and as a policy
// target value for flow-type rules.
func (f FlowIdentity) Key() string {
	var b strings.Builder
	b.WriteString(f.SourceAddr)
	b.WriteByte('|')
	b.WriteString(f.DestAddr)
	b.WriteByte('|')
	fmt.Fprintf(&b, "%d|%d|%d|", f.Protocol, f.SourcePort, f.DestPort)
	b.WriteString(f.SourceHW)
	fmt.Fprintf(&b, "|%d", f.SwitchPort)
	return b.String()
}

func (f FlowIdentity) String() string {
	if f.SourceAddr != "" {
		src := f.SourceAddr
		if f.SourcePort != 0 {
			src = fmt.Sprintf("%s:%d", f.SourceAddr, f.SourcePort)
		}
		dst := "*"
		if f.DestAddr != "" {
			dst = f.DestAddr
			if f.DestPort != 0 {
				dst = fmt.Sprintf("%s:%d", f.DestAddr, f.DestPort)
			}
		}
		return fmt.Sprintf("%s -> %s", src, dst)
	}
	if f.SourceHW != "" {
		return fmt.Sprintf("%s@port%d", f.SourceHW, f.SwitchPort)
	}
	return fmt.Sprintf("port%d", f.SwitchPort)
}

// MACPortKey returns the mac:port target value for macPort-type rules.
func (f FlowIdentity) MACPortKey() string {
	return fmt.Sprintf("%s:%d", f.SourceHW, f.SwitchPort)
}

// Matches reports whether f is covered by the coarser identity other.
// Every concrete field of other must equal the corresponding field of f;
// wildcarded fields of other match anything.
func (f FlowIdentity) Matches(other FlowIdentity) bool {
	if other.SourceAddr != "" && other.SourceAddr != f.SourceAddr {
		return false
	}
	if other.DestAddr != "" && other.DestAddr != f.DestAddr {
		return false
	}
	if other.Protocol != 0 && other.Protocol != f.Protocol {
		return false
	}
	if other.SourcePort != 0 && other.SourcePort != f.SourcePort {
		return false
	}
	if other.DestPort != 0 && other.DestPort != f.DestPort {
		return false
	}
	if other.SourceHW != "" && other.SourceHW != f.SourceHW {
		return false
	}
	if other.SwitchPort != 0 && other.SwitchPort != f.SwitchPort {
		return false
	}
	return true
}
