package auth

// Action names a privileged operation subject to the Policy.
type Action string

const (
	ActionBan         Action = "ban"
	ActionUnban       Action = "unban"
	ActionUpdateRole  Action = "role.update"
	ActionRemoveRole  Action = "role.remove"
	ActionCredit      Action = "economy.credit"
	ActionRenameOther Action = "profile.rename_other"
)

// Grant allows Actor to perform an action unless the target holds one of Except.
type Grant struct {
	Actor  Role
	Except []Role
}

// BuiltinGrants is the default authorization table.
var BuiltinGrants = map[Action][]Grant{
	ActionBan: {
		{Actor: RoleModerator},
		{Actor: RoleAdmin, Except: []Role{RoleAdmin, RoleModerator}},
	},
	ActionUnban: {
		{Actor: RoleModerator},
		{Actor: RoleAdmin},
	},
	ActionUpdateRole: {
		{Actor: RoleModerator},
	},
	ActionRemoveRole: {
		{Actor: RoleModerator},
	},
	ActionCredit: {
		{Actor: RoleModerator},
		{Actor: RoleAdmin},
	},
	ActionRenameOther: {
		{Actor: RoleModerator},
		{Actor: RoleAdmin},
	},
}
