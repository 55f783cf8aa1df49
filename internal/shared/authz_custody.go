package shared

// Cash custody permissions.
const (
	PermCustodyView              = "custody.view"
	PermCustodyProvision         = "custody.provision"
	PermCustodyOperate           = "custody.operate"
	PermCustodyConfirmSubTeller  = "custody.confirm.sub_teller"
	PermCustodyConfirmPrimary    = "custody.confirm.primary_teller"
	PermCustodyConfirmAccountant = "custody.confirm.accountant"
	PermCustodyTransfer          = "custody.transfer"
	PermCustodyManage            = "custody.manage"
)

// CustodyScopes lists all permissions related to the custody chain.
func CustodyScopes() []string {
	return []string{
		PermCustodyView,
		PermCustodyProvision,
		PermCustodyOperate,
		PermCustodyConfirmSubTeller,
		PermCustodyConfirmPrimary,
		PermCustodyConfirmAccountant,
		PermCustodyTransfer,
		PermCustodyManage,
	}
}
