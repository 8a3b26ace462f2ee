package model

// Role is the dashboard role carried by an authenticated actor.
type Role string

const (
	RoleAdmin              Role = "admin"
	RoleOperationsAdmin    Role = "operations_admin"
	RoleQualityCoordinator Role = "quality_coordinator"
	RoleTeamLead           Role = "team_lead"
	RoleSupervisor         Role = "supervisor"
	RoleAgent              Role = "agent"
)

// Actor is the authenticated user a view is built for.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// Elevated reports whether the role sees every conversation without a filter.
func (r Role) Elevated() bool {
	switch r {
	case RoleAdmin, RoleOperationsAdmin, RoleQualityCoordinator:
		return true
	}
	return false
}

// TeamScoped reports whether the role is filtered by team membership.
func (r Role) TeamScoped() bool {
	return r == RoleTeamLead || r == RoleSupervisor
}

// ViewStatus is the load state of a live view.
type ViewStatus string

const (
	ViewLoading     ViewStatus = "loading"
	ViewReady       ViewStatus = "ready"
	ViewUnavailable ViewStatus = "unavailable"
)

// LiveView is a point-in-time snapshot of an actor's working set.
type LiveView struct {
	Status        ViewStatus     `json:"status"`
	Conversations []Conversation `json:"conversations"`
	Pauses        []PauseState   `json:"pauses"`
}
