package loan

// =============================================================================
// CHANGED TRANSACTION DETAIL - Change-log consumed by accounting and notifications
// =============================================================================

// TransactionChange pairs a superseded transaction with its replacement.
// Old is nil for a brand-new transaction; New is nil for a plain reversal.
type TransactionChange struct {
	Old *Transaction
	New *Transaction
}

// ChangedTransactionDetail is an ordered list of changes.
//
// Merge rule: a change whose Old has the same id as an existing entry's Old
// overwrites that entry's New instead of appending.
type ChangedTransactionDetail struct {
	entries []TransactionChange
}

func NewChangedTransactionDetail() *ChangedTransactionDetail {
	return &ChangedTransactionDetail{}
}

// Add appends a change, or merges it into the entry for the same old transaction.
func (d *ChangedTransactionDetail) Add(change TransactionChange) {
	if i := d.indexOfOld(change.Old); i >= 0 {
		d.entries[i].New = change.New
		return
	}
	d.entries = append(d.entries, change)
}

// InsertBefore places a change immediately before the entry whose Old is
// `before`. Falls back to Add when `before` is not recorded. The engine only
// appends; InsertBefore serves callers assembling their own change records.
func (d *ChangedTransactionDetail) InsertBefore(before *Transaction, change TransactionChange) {
	if i := d.indexOfOld(change.Old); i >= 0 {
		d.entries[i].New = change.New
		return
	}
	at := d.indexOfOld(before)
	if at < 0 {
		d.entries = append(d.entries, change)
		return
	}
	d.entries = append(d.entries, TransactionChange{})
	copy(d.entries[at+1:], d.entries[at:])
	d.entries[at] = change
}

func (d *ChangedTransactionDetail) indexOfOld(old *Transaction) int {
	if old == nil || old.ID == nil {
		return -1
	}
	for i, e := range d.entries {
		if e.Old != nil && e.Old.ID != nil && *e.Old.ID == *old.ID {
			return i
		}
	}
	return -1
}

// Entries returns a copy of the recorded changes in order.
func (d *ChangedTransactionDetail) Entries() []TransactionChange {
	out := make([]TransactionChange, len(d.entries))
	copy(out, d.entries)
	return out
}

func (d *ChangedTransactionDetail) Len() int { return len(d.entries) }

func (d *ChangedTransactionDetail) IsEmpty() bool { return len(d.entries) == 0 }

// rebind points every entry at the transaction with the same sequence in l,
// the saved aggregate, so entries carry store-assigned IDs.
func (d *ChangedTransactionDetail) rebind(l *Loan) {
	bySeq := make(map[int]*Transaction, len(l.Transactions))
	for _, tx := range l.Transactions {
		bySeq[tx.Sequence] = tx
	}
	for i := range d.entries {
		if e := d.entries[i].Old; e != nil {
			if tx, ok := bySeq[e.Sequence]; ok {
				d.entries[i].Old = tx
			}
		}
		if e := d.entries[i].New; e != nil {
			if tx, ok := bySeq[e.Sequence]; ok {
				d.entries[i].New = tx
			}
		}
	}
}
