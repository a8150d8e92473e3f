// Package ledger defines the payment records shared by the store, the
// activity executor and the reporting layer.
//
// Lifecycle of a payment:
//
//	PendingItem (due, uncalculated)
//	    │  CalculatePaymentsForLearner
//	    ▼
//	PendingItem (calculated) ──1:1──▶ SettledAmount (unpaid)
//	                                      │  PayLegalEntity
//	                                      ▼
//	                              SettledAmount (paid) ──n:1──▶ Settlement
//
// A PendingItem is calculated at most once and never reverts. Every
// calculated PendingItem owns exactly one SettledAmount, keyed by the pending
// item id. A Settlement's total always equals the sum of the SettledAmounts it
// claimed.
package ledger
