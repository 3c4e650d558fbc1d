package collab

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"unicode/utf8"
)

// Change is a run of transactions anchored at a history offset, together
// with the store entries the transactions reference and the authors' last
// known selections. The persisted session state is a serialized Change.
type Change struct {
	start        int
	transactions []*Transaction
	selections   map[int]json.RawMessage
	store        *Store
	// cumulative store length after each merged per-transaction store,
	// used to slice the accumulated store back apart
	storeLengthAtTransaction []int
}

func NewChange(start int, transactions []*Transaction, selections map[int]json.RawMessage, stores []*Store) *Change {
	if selections == nil {
		selections = map[int]json.RawMessage{}
	}
	change := &Change{
		start:        start,
		transactions: transactions,
		selections:   selections,
		store:        NewEmptyStore(),
	}
	for _, store := range stores {
		if store == nil || store.Length() == 0 {
			continue
		}
		change.store.Merge(store)
		change.storeLengthAtTransaction = append(change.storeLengthAtTransaction, change.store.Length())
	}
	return change
}

func NewEmptyChange(start int) *Change {
	return NewChange(start, nil, nil, nil)
}

// NewChangeFromData builds a Change from wire transaction data, which may
// mix minified op lists, op lists without an author, and legacy flat diff
// strings that have to be synthesized against the previous transaction's
// shape.
func NewChangeFromData(start int, transactions []json.RawMessage, selections map[int]json.RawMessage, stores []json.RawMessage) (*Change, error) {
	normalized, err := normalizeTransactions(transactions)
	if err != nil {
		return nil, err
	}
	parsedStores := make([]*Store, 0, len(stores))
	for _, storeData := range stores {
		if len(storeData) == 0 || bytes.Equal(bytes.TrimSpace(storeData), []byte("null")) {
			parsedStores = append(parsedStores, nil)
			continue
		}
		store, err := UnmarshalStore(storeData)
		if err != nil {
			return nil, fmt.Errorf("malformed store: %w", err)
		}
		parsedStores = append(parsedStores, store)
	}
	return NewChange(start, normalized, selections, parsedStores), nil
}

func (self *Change) Start() int {
	return self.start
}

func (self *Change) SetStart(start int) {
	self.start = start
}

// Transactions returns clones so callers cannot mutate the change's history.
func (self *Change) Transactions() []*Transaction {
	transactions := make([]*Transaction, len(self.transactions))
	for i, transaction := range self.transactions {
		transactions[i] = transaction.Clone()
	}
	return transactions
}

func (self *Change) Selections() map[int]json.RawMessage {
	return self.selections
}

// Stores slices the accumulated store back into per-transaction stores.
func (self *Change) Stores() []*Store {
	start := 0
	stores := []*Store{}
	for i := 0; i < self.Length(); i++ {
		if i >= len(self.storeLengthAtTransaction) {
			continue
		}
		end := self.storeLengthAtTransaction[i]
		sliced := self.store.Slice(start, end)
		if sliced.Length() > 0 {
			stores = append(stores, sliced)
		}
		start = end
	}
	return stores
}

func (self *Change) Truncate(length int) *Change {
	if length > len(self.transactions) {
		length = len(self.transactions)
	}
	stores := self.Stores()
	if length < len(stores) {
		stores = stores[:length]
	}
	return NewChange(
		self.start,
		slices.Clone(self.transactions[:length]),
		nil,
		stores,
	)
}

func (self *Change) Concat(other *Change) (*Change, error) {
	if other.Start() != self.start+self.Length() {
		return nil, fmt.Errorf("%w: this ends at %d but other starts at %d",
			ErrNonContiguous, self.start+self.Length(), other.Start())
	}

	return NewChange(
		self.start,
		append(self.Transactions(), other.Transactions()...),
		other.Selections(),
		append(self.Stores(), other.Stores()...),
	), nil
}

func (self *Change) PushTransaction(transaction *Transaction, storeLength int) {
	self.transactions = append(self.transactions, transaction)
	self.storeLengthAtTransaction = append(self.storeLengthAtTransaction, storeLength)
}

// Push appends another change in place, merging its stores into this one.
func (self *Change) Push(other *Change) error {
	if other.Start() != self.start+self.Length() {
		return fmt.Errorf("%w: this ends at %d but other starts at %d",
			ErrNonContiguous, self.start+self.Length(), other.Start())
	}

	stores := other.Stores()
	for i, transaction := range other.Transactions() {
		if i < len(stores) && stores[i] != nil {
			self.store.Merge(stores[i])
		}
		self.PushTransaction(transaction, self.store.Length())
	}
	// take over the pushed change's selections without aliasing its map
	self.selections = maps.Clone(other.selections)
	return nil
}

func (self *Change) SetSelection(authorID int, selection Selection) {
	data, err := json.Marshal(selection)
	if err != nil {
		return
	}
	self.selections[authorID] = data
}

// MostRecent returns the suffix of this change from the given history offset.
// An offset before this change's start clamps to the full change, never a
// wrap-around slice from the end.
func (self *Change) MostRecent(start int) *Change {
	from := start - self.start
	if from < 0 {
		from = 0
	}
	if from > len(self.transactions) {
		from = len(self.transactions)
	}
	stores := self.Stores()
	if from < len(stores) {
		stores = stores[from:]
	} else {
		stores = nil
	}
	return NewChange(
		start,
		slices.Clone(self.transactions[from:]),
		self.selections,
		stores,
	)
}

func (self *Change) Length() int {
	return len(self.transactions)
}

func (self *Change) IsEmpty() bool {
	return len(self.transactions) == 0 && len(self.selections) == 0
}

type wireChange struct {
	Start        int                     `json:"start"`
	Transactions []*Transaction          `json:"transactions"`
	Selections   map[int]json.RawMessage `json:"selections"`
	Stores       []*Store                `json:"stores"`
}

func (self *Change) MarshalJSON() ([]byte, error) {
	transactions := self.Transactions()
	if transactions == nil {
		transactions = []*Transaction{}
	}
	return json.Marshal(wireChange{
		Start:        self.start,
		Transactions: transactions,
		Selections:   self.selections,
		Stores:       self.Stores(),
	})
}

// UnmarshalChange decodes a serialized change, tolerating two legacy shapes:
// `stores` given as a single store object rather than a list, and
// `selections` given as an empty JSON array.
func UnmarshalChange(data []byte) (*Change, error) {
	var wire struct {
		Start        int               `json:"start"`
		Transactions []json.RawMessage `json:"transactions"`
		Selections   json.RawMessage   `json:"selections"`
		Stores       json.RawMessage   `json:"stores"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, err
	}
	selections, err := decodeSelections(wire.Selections)
	if err != nil {
		return nil, err
	}
	stores, err := decodeStoreList(wire.Stores)
	if err != nil {
		return nil, err
	}
	return NewChangeFromData(wire.Start, wire.Transactions, selections, stores)
}

func decodeSelections(data json.RawMessage) (map[int]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return map[int]json.RawMessage{}, nil
	}
	selections := map[int]json.RawMessage{}
	if err := json.Unmarshal(trimmed, &selections); err != nil {
		return nil, fmt.Errorf("malformed selections: %w", err)
	}
	return selections, nil
}

func decodeStoreList(data json.RawMessage) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	if trimmed[0] == '{' {
		return []json.RawMessage{trimmed}, nil
	}
	var stores []json.RawMessage
	if err := json.Unmarshal(trimmed, &stores); err != nil {
		return nil, fmt.Errorf("malformed stores: %w", err)
	}
	return stores, nil
}

type transactionInfo struct {
	start         int
	end           int
	docLength     int
	author        int
	uniformInsert *uniformInsert
}

type uniformInsert struct {
	text             string
	annotations      []any
	annotationString string
}

func normalizeTransactions(transactions []json.RawMessage) ([]*Transaction, error) {
	normalized := []*Transaction{}
	var lastInfo *transactionInfo
	for _, data := range transactions {
		var decoded any
		if err := json.Unmarshal(data, &decoded); err != nil {
			return nil, fmt.Errorf("malformed transaction: %w", err)
		}

		var transaction *Transaction
		switch value := decoded.(type) {
		case string:
			// legacy flat diff: an insertion appended at the previous
			// transaction's insertion point
			if lastInfo == nil {
				continue
			}
			insertion := SplitContent(value)
			annotateInsertion(insertion, lastInfo)
			transaction = NewTransaction([]Operation{
				RetainOp{Length: lastInfo.end},
				&ReplaceOp{Remove: []any{}, Insert: insertion},
				RetainOp{Length: lastInfo.docLength - lastInfo.end},
			}, lastInfo.author)
		case map[string]any:
			author := 0
			if authorValue, ok := value["a"]; ok {
				author = numberValue(authorValue)
			} else if lastInfo != nil {
				author = lastInfo.author
			} else {
				return nil, fmt.Errorf("transaction without author: %s", data)
			}
			ops, _ := value["o"].([]any)
			var err error
			transaction, err = TransactionFromWire(ops, author)
			if err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("malformed transaction: %s", data)
		}
		normalized = append(normalized, transaction)
		lastInfo = getTransactionInfo(transaction)
	}
	return normalized, nil
}

// getTransactionInfo recognizes the two simple shapes a follow-on flat diff
// can be parented on: a bare leading replace, or retain+replace+retain.
func getTransactionInfo(transaction *Transaction) *transactionInfo {
	ops := transaction.Operations()
	var op0, op1, op2 Operation
	if len(ops) > 0 {
		op0 = ops[0]
	}
	if len(ops) > 1 {
		op1 = ops[1]
	}
	if len(ops) > 2 {
		op2 = ops[2]
	}

	var replaceOp *ReplaceOp
	var start int
	var end int
	var docLength int

	if replace, ok := op0.(*ReplaceOp); ok && op2 == nil {
		if op1 != nil {
			if _, isRetain := op1.(RetainOp); !isRetain {
				return nil
			}
		}
		replaceOp = replace
		start = 0
		end = start + len(replace.Insert)
		docLength = end
	} else if retain0, ok := op0.(RetainOp); ok {
		replace, ok := op1.(*ReplaceOp)
		if !ok {
			return nil
		}
		trailing := 0
		if op2 != nil {
			retain2, isRetain := op2.(RetainOp)
			if !isRetain {
				return nil
			}
			trailing = retain2.Length
		}
		replaceOp = replace
		start = retain0.Length
		end = start + len(replace.Insert)
		docLength = end + trailing
	} else {
		return nil
	}

	return &transactionInfo{
		start:         start,
		end:           end,
		docLength:     docLength,
		author:        transaction.Author(),
		uniformInsert: getUniformInsert(replaceOp.Insert),
	}
}

func getUniformInsert(items []any) *uniformInsert {
	if len(items) == 0 {
		return nil
	}
	codeUnit, ok := getSingleCodeUnit(items[0])
	if !ok {
		return nil
	}
	codeUnits := []string{codeUnit}
	annotations := getAnnotations(items[0])
	annotationString := joinAnnotations(annotations)
	for i := 1; i < len(items); i++ {
		codeUnit, ok := getSingleCodeUnit(items[i])
		if !ok {
			return nil
		}
		codeUnits = append(codeUnits, codeUnit)
		if annotationString != joinAnnotations(getAnnotations(items[i])) {
			return nil
		}
	}

	text := ""
	for _, codeUnit := range codeUnits {
		text += codeUnit
	}
	return &uniformInsert{
		text:             text,
		annotations:      annotations,
		annotationString: annotationString,
	}
}

func getSingleCodeUnit(item any) (string, bool) {
	if text, ok := item.(string); ok && utf8.RuneCountInString(text) == 1 {
		return text, true
	}
	if items, ok := item.([]any); ok && len(items) > 0 {
		if text, ok := items[0].(string); ok && utf8.RuneCountInString(text) == 1 {
			return text, true
		}
	}
	return "", false
}

func getAnnotations(item any) []any {
	switch value := item.(type) {
	case string:
		return nil
	case map[string]any:
		if annotations, ok := value["annotations"].([]any); ok {
			return annotations
		}
	case []any:
		if len(value) > 1 {
			if annotations, ok := value[1].([]any); ok {
				return annotations
			}
		}
	}
	return nil
}

func joinAnnotations(annotations []any) string {
	joined := ""
	for i, annotation := range annotations {
		if i > 0 {
			joined += ","
		}
		joined += fmt.Sprint(annotation)
	}
	return joined
}

func annotateInsertion(insertion []any, lastInfo *transactionInfo) {
	if lastInfo.uniformInsert == nil || len(lastInfo.uniformInsert.annotations) == 0 {
		return
	}
	for i, item := range insertion {
		insertion[i] = []any{item, slices.Clone(lastInfo.uniformInsert.annotations)}
	}
}
