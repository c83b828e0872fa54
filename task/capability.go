package task

import (
	"fmt"
	"slices"
	"strings"
)

// Capability is a skill tag an agent declares and a task requires.
type Capability string

const (
	CapabilityResearch      Capability = "research"
	CapabilityCode          Capability = "code"
	CapabilityAnalysis      Capability = "analysis"
	CapabilityCommunication Capability = "communication"
	CapabilityLearning      Capability = "learning"
	CapabilityPlanning      Capability = "planning"
)

// Capabilities lists every known capability in declaration order.
var Capabilities = []Capability{
	CapabilityResearch,
	CapabilityCode,
	CapabilityAnalysis,
	CapabilityCommunication,
	CapabilityLearning,
	CapabilityPlanning,
}

// ParseCapability converts a tag into a Capability, rejecting unknown names.
func ParseCapability(s string) (Capability, error) {
	c := Capability(strings.ToLower(strings.TrimSpace(s)))
	if !slices.Contains(Capabilities, c) {
		return "", fmt.Errorf("unknown capability %q", s)
	}
	return c, nil
}

// Type categorises a task and determines the capabilities it requires.
type Type string

const (
	TypeResearch      Type = "research"
	TypeCode          Type = "code"
	TypeAnalysis      Type = "analysis"
	TypeCommunication Type = "communication"
	TypeLearning      Type = "learning"
	TypePlanning      Type = "planning"
)

// DefaultType is used when a submission leaves the task type empty.
const DefaultType = TypeResearch

var typeRequirements = map[Type][]Capability{
	TypeResearch:      {CapabilityResearch, CapabilityAnalysis},
	TypeCode:          {CapabilityCode},
	TypeAnalysis:      {CapabilityAnalysis},
	TypeCommunication: {CapabilityCommunication},
	TypeLearning:      {CapabilityLearning},
	TypePlanning:      {CapabilityPlanning},
}

// Requirements returns the capabilities an agent needs to run tasks of type t.
func (t Type) Requirements() ([]Capability, error) {
	reqs, ok := typeRequirements[t]
	if !ok {
		return nil, fmt.Errorf("unknown task type %q", string(t))
	}
	return slices.Clone(reqs), nil
}

// CapabilitySet is an unordered set of capabilities.
type CapabilitySet map[Capability]struct{}

// NewCapabilitySet builds a set from caps.
func NewCapabilitySet(caps ...Capability) CapabilitySet {
	s := make(CapabilitySet, len(caps))
	for _, c := range caps {
		s[c] = struct{}{}
	}
	return s
}

// Has reports whether c is in the set.
func (s CapabilitySet) Has(c Capability) bool {
	_, ok := s[c]
	return ok
}

// Covers reports whether every requirement is in the set.
func (s CapabilitySet) Covers(reqs []Capability) bool {
	for _, r := range reqs {
		if !s.Has(r) {
			return false
		}
	}
	return true
}

// Slice returns the members in the order of Capabilities.
func (s CapabilitySet) Slice() []Capability {
	out := make([]Capability, 0, len(s))
	for _, c := range Capabilities {
		if s.Has(c) {
			out = append(out, c)
		}
	}
	return out
}
