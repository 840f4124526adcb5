package points

const (
	PointsExpireSweep      = "points:expire_sweep"
	PointsExpireMembership = "points:expire_membership"
)

type ExpireMembershipPayload struct {
	TenantID     int64  `json:"tenant_id"`
	MembershipID int64  `json:"membership_id"`
	AsOf         string `json:"as_of,omitempty"`
	TraceID      string `json:"trace_id,omitempty"`
}
