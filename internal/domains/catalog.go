package domains

import "github.com/livinlefevreloca/ledgersync/internal/source"

// Stock domain names
const (
	ApplicantSync        = "applicant_sync"
	StudentSync          = "student_sync"
	PaymentSync          = "payment_sync"
	SalesReceiptSync     = "sales_receipt_sync"
	SalesReceiptDeletion = "sales_receipt_deletion"
	OpeningBalanceSync   = "opening_balance_sync"
)

// Stock returns the built-in domain definitions. A [[domains]] entry in the
// config file with the same name replaces the stock one.
func Stock() []Definition {
	return []Definition{
		{
			Name:     ApplicantSync,
			Enabled:  true,
			Schedule: "@midnight",
			Source: source.Query{
				Table:           "tbl_online_application",
				IDColumn:        "appl_id",
				SyncedPredicate: "quickbk_status = 1",
				MarkSyncedSQL:   "UPDATE tbl_online_application SET quickbk_status = 1, qk_id = $2 WHERE appl_id::text = $1",
			},
			Endpoint: "/customers/applicants",
		},
		{
			Name:     StudentSync,
			Enabled:  true,
			Schedule: "@every 30m",
			Source: source.Query{
				Table:           "tbl_personal_ug",
				IDColumn:        "per_id_ug",
				SyncedPredicate: "qk_id IS NOT NULL",
				MarkSyncedSQL:   "UPDATE tbl_personal_ug SET qk_id = $2 WHERE per_id_ug::text = $1",
			},
			Endpoint: "/customers/students",
		},
		{
			Name:     PaymentSync,
			Enabled:  true,
			Schedule: "@every 5m",
			Source: source.Query{
				Table:           "payments",
				OrderColumn:     "id",
				SyncedPredicate: "qk_id IS NOT NULL",
				SkipPredicate:   "is_prepayment OR wallet_ref IS NOT NULL",
				MarkSyncedSQL:   "UPDATE payments SET qk_id = $2, pushed_date = now() WHERE id::text = $1",
			},
			Endpoint: "/payments",
		},
		{
			Name:     SalesReceiptSync,
			Enabled:  true,
			Schedule: "@every 10m",
			Source: source.Query{
				Table:           "tbl_student_wallet",
				SyncedPredicate: "quickbooks_id IS NOT NULL",
				MarkSyncedSQL:   "UPDATE tbl_student_wallet SET quickbooks_id = $2 WHERE id::text = $1",
			},
			Endpoint: "/sales-receipts",
		},
		{
			Name:    SalesReceiptDeletion,
			Enabled: false,
			Source: source.Query{
				Table:           "tbl_student_wallet",
				SyncedPredicate: "quickbooks_id IS NULL",
				MarkSyncedSQL:   "UPDATE tbl_student_wallet SET quickbooks_id = NULL WHERE id::text = $1",
			},
			Endpoint: "/sales-receipts/{id}",
			Method:   "DELETE",
		},
		{
			Name:     OpeningBalanceSync,
			Enabled:  true,
			Schedule: "@daily",
			Source: source.Query{
				Table:           "tbl_imvoice",
				SyncedPredicate: "quickbooks_id IS NOT NULL OR reg_no IS NULL OR reg_no = ''",
				MarkSyncedSQL:   "UPDATE tbl_imvoice SET quickbooks_id = $2, pushed_date = now() WHERE id::text = $1",
			},
			Endpoint: "/invoices/opening-balances",
		},
	}
}

// Merge overlays configured definitions on the stock ones, keyed by name.
// Order is stock order followed by new names in configured order.
func Merge(stock, configured []Definition) []Definition {
	byName := make(map[string]int, len(stock))
	out := make([]Definition, len(stock))
	copy(out, stock)
	for i, d := range out {
		byName[d.Name] = i
	}

	for _, d := range configured {
		if i, ok := byName[d.Name]; ok {
			out[i] = d
			continue
		}
		byName[d.Name] = len(out)
		out = append(out, d)
	}

	return out
}
