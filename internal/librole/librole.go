package librole

type Role string
type Action string

const (
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

const (
	ActionRead          Action = "read"
	ActionAddItems      Action = "add_items"
	ActionManageMembers Action = "manage_members"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleMember:
		return action == ActionRead || action == ActionAddItems
	default:
		return false
	}
}

func Valid(role string) bool {
	return Role(role) == RoleAdmin || Role(role) == RoleMember
}

func Normalize(role string) Role {
	if Role(role) == RoleAdmin {
		return RoleAdmin
	}
	return RoleMember
}
