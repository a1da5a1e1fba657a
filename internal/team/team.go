// Package team implements the unit/team directory described in spec.md
// §4.A: resolving a unit's own ID within a team, and translating
// team-relative IDs to global ones. The caller's own IDs, the name and the
// size are always available on a well-formed Team; GlobalID and RelativeID
// report an ID outside the team as an error or false instead of panicking.
package team

import "fmt"

// Team is a named subset of units sharing a dedicated communication
// context. Units are addressed within a team by a small relative ID
// (0..Size()-1); GlobalID resolves that to the runtime-wide unit ID used to
// address a fabric window.
type Team struct {
	name      string
	globalIDs []uint32
	relOf     map[uint32]uint32
	myRel     uint32
}

// New builds a Team from an ordered list of global unit IDs — globalIDs[i]
// is the global ID of the unit whose team-relative ID is i — and the
// caller's own relative ID within it.
func New(name string, globalIDs []uint32, myRelativeID uint32) (*Team, error) {
	if len(globalIDs) == 0 {
		return nil, fmt.Errorf("team: %s: must have at least one unit", name)
	}
	if int(myRelativeID) >= len(globalIDs) {
		return nil, fmt.Errorf("team: %s: relative id %d out of range [0,%d)", name, myRelativeID, len(globalIDs))
	}

	relOf := make(map[uint32]uint32, len(globalIDs))
	for rel, global := range globalIDs {
		if _, dup := relOf[global]; dup {
			return nil, fmt.Errorf("team: %s: duplicate global id %d", name, global)
		}
		relOf[global] = uint32(rel)
	}

	cp := make([]uint32, len(globalIDs))
	copy(cp, globalIDs)

	return &Team{
		name:      name,
		globalIDs: cp,
		relOf:     relOf,
		myRel:     myRelativeID,
	}, nil
}

// Name returns the team's name, used as a key by fabrics that must keep
// per-team collective state (barriers, all-gathers) separate.
func (t *Team) Name() string {
	return t.name
}

// Size returns the number of units participating in the team.
func (t *Team) Size() int {
	return len(t.globalIDs)
}

// MyRelativeID returns the caller's own team-relative ID.
func (t *Team) MyRelativeID() uint32 {
	return t.myRel
}

// MyGlobalID returns the caller's own global ID within this team.
func (t *Team) MyGlobalID() uint32 {
	return t.globalIDs[t.myRel]
}

// GlobalID resolves a team-relative ID to a global unit ID.
func (t *Team) GlobalID(relative uint32) (uint32, error) {
	if int(relative) >= len(t.globalIDs) {
		return 0, fmt.Errorf("team: %s: relative id %d out of range [0,%d)", t.name, relative, len(t.globalIDs))
	}
	return t.globalIDs[relative], nil
}

// RelativeID resolves a global unit ID back to its team-relative ID, if the
// unit is a member of this team.
func (t *Team) RelativeID(global uint32) (uint32, bool) {
	rel, ok := t.relOf[global]
	return rel, ok
}

// GlobalIDs returns every member's global ID, indexed by relative ID. The
// returned slice is owned by the caller.
func (t *Team) GlobalIDs() []uint32 {
	cp := make([]uint32, len(t.globalIDs))
	copy(cp, t.globalIDs)
	return cp
}
