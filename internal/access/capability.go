package access

import "github.com/drfirst/go-rxguard/internal/domain/user"

// Capability names an action a role may invoke.
type Capability string

const (
	CreatePrescription   Capability = "prescription.create"
	ListOwnPrescriptions Capability = "prescription.list_own"
	ListAllPrescriptions Capability = "prescription.list_all"
	LookupPrescription   Capability = "prescription.lookup"
	MarkUsed             Capability = "prescription.mark_used"
	EditQuantity         Capability = "prescription.edit_quantity"
	ManageUsers          Capability = "user.manage"
)

// capabilities is the single source of truth for role permissions.
var capabilities = map[user.Role]map[Capability]bool{
	user.RoleAdmin: {
		CreatePrescription:   true,
		ListAllPrescriptions: true,
		LookupPrescription:   true,
		EditQuantity:         true,
		ManageUsers:          true,
	},
	user.RoleDoctor: {
		CreatePrescription:   true,
		ListOwnPrescriptions: true,
		LookupPrescription:   true,
		EditQuantity:         true,
	},
	user.RolePharmacist: {
		LookupPrescription: true,
		MarkUsed:           true,
		EditQuantity:       true,
	},
}

// Allowed reports whether role may invoke c.
func Allowed(role user.Role, c Capability) bool {
	return capabilities[role][c]
}

// Capabilities returns what role may do, in a stable order.
func Capabilities(role user.Role) []Capability {
	order := []Capability{
		CreatePrescription, ListOwnPrescriptions, ListAllPrescriptions,
		LookupPrescription, MarkUsed, EditQuantity, ManageUsers,
	}
	var out []Capability
	for _, c := range order {
		if Allowed(role, c) {
			out = append(out, c)
		}
	}
	return out
}
