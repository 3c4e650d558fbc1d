package collab

import (
	"encoding/json"
	"fmt"

	"github.com/golang/glog"
)

// RebaseResult is the outcome of rebasing an uncommitted change over
// committed history. Rejected is nil when every transaction transformed
// cleanly.
type RebaseResult struct {
	Rebased           *Change
	TransposedHistory *Change
	Rejected          *Change
}

// RebaseTransactions transforms a and b against each other so that applying
// a then b' is equivalent to applying b then a'. Both transactions are
// adjusted in place. Returns false when the active ranges overlap: such a
// conflict is never merged at content level, the caller rejects instead.
func RebaseTransactions(a *Transaction, b *Transaction) (bool, error) {
	infoA := a.ActiveRangeAndLengthDiff()
	infoB := b.ActiveRangeAndLengthDiff()

	if !infoA.Active || !infoB.Active {
		// One of the transactions is a no-op: only retain lengths need
		// adjusting. Safe to adjust both, a no-op has diff 0.
		if err := a.AdjustRetain(RetainStart, infoB.Diff); err != nil {
			return false, err
		}
		if err := b.AdjustRetain(RetainStart, infoA.Diff); err != nil {
			return false, err
		}
	} else if infoA.End <= infoB.Start {
		// This includes both transactions inserting at the same point
		if err := b.AdjustRetain(RetainStart, infoA.Diff); err != nil {
			return false, err
		}
		if err := a.AdjustRetain(RetainEnd, infoB.Diff); err != nil {
			return false, err
		}
	} else if infoB.End <= infoA.Start {
		if err := a.AdjustRetain(RetainStart, infoB.Diff); err != nil {
			return false, err
		}
		if err := b.AdjustRetain(RetainEnd, infoA.Diff); err != nil {
			return false, err
		}
	} else {
		// active ranges overlap
		return false, nil
	}
	return true, nil
}

// RebaseUncommittedChange rebases every transaction of `uncommitted` over
// the whole of `base`, producing the rebased change, the base transposed
// over the accepted prefix, and the rejected remainder from the first
// conflicting transaction onward.
func RebaseUncommittedChange(base *Change, uncommitted *Change) (*RebaseResult, error) {
	// An empty change has no positional meaning, so its start may be
	// silently realigned to the other side's.
	for base.Start() != uncommitted.Start() {
		if base.Start() > uncommitted.Start() && base.Length() == 0 {
			base.SetStart(uncommitted.Start())
			continue
		}
		if uncommitted.Start() > base.Start() && uncommitted.Length() == 0 {
			uncommitted.SetStart(base.Start())
			continue
		}
		return nil, fmt.Errorf("%w: %d and %d", ErrDifferentStarts, base.Start(), uncommitted.Start())
	}

	transactionsA := base.Transactions()
	transactionsB := uncommitted.Transactions()
	storesA := base.Stores()
	storesB := uncommitted.Stores()
	selectionsA := base.Selections()
	selectionsB := uncommitted.Selections()
	var rejected *Change

	// For each b_i of transactionsB, rebase the whole accumulated
	// transactionsA over b_i: a1 transforms b_i, then a2 transforms the
	// result, and so on. The transformed a_j become the transposed history
	// and get rebased over the rest of transactionsB the same way; the
	// fully transformed b_i is the i'th rebased transaction.
	//
	// If any pairwise rebase conflicts at b_i, processing stops there:
	// everything from i onward is rejected with its selections discarded,
	// and the committed side keeps its last fully transposed form.
rebaseLoop:
	for i := 0; i < len(transactionsB); i++ {
		b := transactionsB[i]
		storeB := storeAt(storesB, i)
		rebasedTransactionsA := make([]*Transaction, len(transactionsA))
		rebasedStoresA := make([]*Store, len(transactionsA))
		for j := 0; j < len(transactionsA); j++ {
			a := transactionsA[j]
			storeA := storeAt(storesA, j)

			// author order decides the operand order so the transform is
			// the same no matter which side initiated the rebase
			var ok bool
			var err error
			if b.Author() < a.Author() {
				ok, err = RebaseTransactions(b, a)
			} else {
				ok, err = RebaseTransactions(a, b)
			}
			if err != nil {
				return nil, err
			}
			if !ok {
				rejected = uncommitted.MostRecent(uncommitted.Start() + i)
				transactionsB = transactionsB[:i]
				if i < len(storesB) {
					storesB = storesB[:i]
				}
				selectionsB = map[int]json.RawMessage{}
				break rebaseLoop
			}
			rebasedTransactionsA[j] = a
			if storeA != nil && storeB != nil {
				rebasedStoresA[j] = storeA.Difference(storeB)
			}
			if storeB != nil && storeA != nil {
				storeB = storeB.Difference(storeA)
			}
		}
		transactionsA = rebasedTransactionsA
		storesA = rebasedStoresA
		transactionsB[i] = b
		if storeB != nil {
			if i < len(storesB) {
				storesB[i] = storeB
			} else {
				storesB = append(storesB, storeB)
			}
		}
	}

	rebased := NewChange(
		uncommitted.Start()+len(transactionsA),
		transactionsB,
		selectionsB,
		storesB,
	)
	transposedHistory := NewChange(
		base.Start()+len(transactionsB),
		transactionsA,
		selectionsA,
		storesA,
	)

	// Selections stay attached to the opposite side, translated through its
	// new history order, so persisted cursors remain valid after commit.
	for authorID, selectionData := range selectionsB {
		translated, err := translateSelectionByChange(selectionData, transposedHistory, authorID)
		if err != nil {
			return nil, err
		}
		if translated != nil {
			rebased.SetSelection(authorID, translated)
		}
	}
	for authorID, selectionData := range selectionsA {
		translated, err := translateSelectionByChange(selectionData, rebased, authorID)
		if err != nil {
			return nil, err
		}
		if translated != nil {
			transposedHistory.SetSelection(authorID, translated)
		}
	}

	return &RebaseResult{
		Rebased:           rebased,
		TransposedHistory: transposedHistory,
		Rejected:          rejected,
	}, nil
}

func storeAt(stores []*Store, i int) *Store {
	if 0 <= i && i < len(stores) {
		return stores[i]
	}
	return nil
}

func translateSelectionByChange(selectionData json.RawMessage, change *Change, authorID int) (Selection, error) {
	selection, err := ParseSelection(selectionData)
	if err != nil {
		glog.Errorf("Trying to translate malformed selection %s: %v", selectionData, err)
		return nil, err
	}
	if selection == nil {
		// not a selection event
		return nil, nil
	}

	for _, transaction := range change.Transactions() {
		selection = selection.TranslateByTransactionWithAuthor(transaction, authorID)
	}
	return selection, nil
}
