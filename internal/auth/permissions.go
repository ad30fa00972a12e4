package auth

// RoleGrants maps external group names to the capabilities they grant.
// The mapping is configuration, not core logic; DefaultRoleGrants is used
// when the config file provides none.
type RoleGrants map[string][]Capability

// DefaultRoleGrants mirrors the conventional field-service group layout.
func DefaultRoleGrants() RoleGrants {
	return RoleGrants{
		"fsm_user":          {CapReadOrders, CapWriteOrders, CapSearchKnowledge},
		"fsm_manager":       {CapReadOrders, CapWriteOrders, CapSearchKnowledge, CapWriteUnconfirmed},
		"equipment_user":    {CapReadEquipment},
		"equipment_manager": {CapReadEquipment, CapWriteEquipment},
		"base_user":         {CapSearchKnowledge},
	}
}

// ServiceIdentity returns an identity holding every capability, for
// trusted in-process surfaces such as the local MCP transport.
func ServiceIdentity(name string) *Identity {
	return &Identity{
		Username:    name,
		DisplayName: name,
		Capabilities: map[Capability]bool{
			CapReadOrders:       true,
			CapWriteOrders:      true,
			CapReadEquipment:    true,
			CapWriteEquipment:   true,
			CapSearchKnowledge:  true,
			CapWriteUnconfirmed: true,
		},
	}
}

// ResolveCapabilities maps a user's group memberships through the grants
// table. Unknown groups grant nothing; no groups means every capability
// denied.
func (g RoleGrants) ResolveCapabilities(groups []string) map[Capability]bool {
	caps := make(map[Capability]bool)
	for _, group := range groups {
		for _, c := range g[group] {
			caps[c] = true
		}
	}
	return caps
}
