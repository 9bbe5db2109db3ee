package rbac

type Role string
type Action string

const (
	RoleDeveloper    Role = "developer"
	RoleProductOwner Role = "product_owner"
	RoleScrumMaster  Role = "scrum_master"
)

const (
	ActionVote Action = "vote"
	// ActionFacilitate covers revealing votes and committing the final
	// estimate for sessions the actor did not create. Session creators can
	// always facilitate their own session regardless of role.
	ActionFacilitate Action = "facilitate"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleProductOwner, RoleScrumMaster:
		return true
	case RoleDeveloper:
		return action == ActionVote
	default:
		return action == ActionVote
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleDeveloper, RoleProductOwner, RoleScrumMaster:
		return Role(role)
	default:
		return RoleDeveloper
	}
}
