package loan

import (
	"sort"
	"time"
)

// =============================================================================
// CANONICAL ORDER - The only thing that makes replay deterministic
// =============================================================================

// CompareTransactions returns -1, 0 or +1 ordering a before, equal to, or
// after b. Keys, most significant first:
//
//  1. transaction date, missing dates last
//  2. accrual activity after other types on the same date
//  3. submission date, missing dates last
//  4. creation timestamp, missing timestamps last
//  5. income posting before other types
//  6. waivers before other types
//  7. id ascending, unpersisted (nil id) before any persisted id
//  8. insertion sequence
//
// The final key makes the order strict for any aggregate whose
// transactions carry distinct sequences.
func CompareTransactions(a, b *Transaction) int {
	if c := compareDatesNullsLast(a.Date, b.Date); c != 0 {
		return c
	}
	if c := compareFlagLast(a.Type == TxAccrualActivity, b.Type == TxAccrualActivity); c != 0 {
		return c
	}
	if c := compareDatesNullsLast(a.SubmittedOn, b.SubmittedOn); c != 0 {
		return c
	}
	if c := compareTimesNullsLast(a.CreatedAt, b.CreatedAt); c != 0 {
		return c
	}
	if c := compareFlagLast(a.Type != TxIncomePosting, b.Type != TxIncomePosting); c != 0 {
		return c
	}
	if c := compareFlagLast(!a.Type.IsWaiver(), !b.Type.IsWaiver()); c != 0 {
		return c
	}
	if c := compareIDsNullsFirst(a.ID, b.ID); c != 0 {
		return c
	}
	return compareInts(a.Sequence, b.Sequence)
}

// SortTransactions sorts in place by the canonical order.
func SortTransactions(txs []*Transaction) {
	sort.SliceStable(txs, func(i, j int) bool {
		return CompareTransactions(txs[i], txs[j]) < 0
	})
}

func compareDatesNullsLast(a, b Date) int {
	switch {
	case a.IsZero() && b.IsZero():
		return 0
	case a.IsZero():
		return 1
	case b.IsZero():
		return -1
	}
	return a.Compare(b)
}

func compareTimesNullsLast(a, b time.Time) int {
	switch {
	case a.IsZero() && b.IsZero():
		return 0
	case a.IsZero():
		return 1
	case b.IsZero():
		return -1
	}
	return a.Compare(b)
}

// compareFlagLast sorts entries with the flag set after those without.
func compareFlagLast(a, b bool) int {
	switch {
	case a == b:
		return 0
	case a:
		return 1
	}
	return -1
}

func compareIDsNullsFirst(a, b *int64) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	switch {
	case *a < *b:
		return -1
	case *a > *b:
		return 1
	}
	return 0
}

func compareInts(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
