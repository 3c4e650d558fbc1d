package collab

import (
	"encoding/json"
	"fmt"
	"reflect"
	"slices"
	"strings"
	"unicode/utf16"
)

const (
	OpRetain          = "retain"
	OpReplace         = "replace"
	OpAttribute       = "attribute"
	OpReplaceMetadata = "replaceMetadata"
)

// Operation is one step of a transaction. The concrete types form a closed
// set: RetainOp skips unchanged content, ReplaceOp removes and inserts
// content slices, AttributeOp and ReplaceMetadataOp are zero-length
// positional edits, and RawOp passes through op shapes this server does not
// interpret.
type Operation interface {
	OpKind() string
}

type RetainOp struct {
	Length int
}

func (self RetainOp) OpKind() string {
	return OpRetain
}

type ReplaceOp struct {
	Remove []any
	Insert []any
	// extra carries the full wire object for structured replace ops
	// (insertedDataOffset etc). nil for ops built from the minified pair
	// form.
	extra map[string]any
}

func (self *ReplaceOp) OpKind() string {
	return OpReplace
}

type AttributeOp struct {
	Data map[string]any
}

func (self *AttributeOp) OpKind() string {
	return OpAttribute
}

type ReplaceMetadataOp struct {
	Data map[string]any
}

func (self *ReplaceMetadataOp) OpKind() string {
	return OpReplaceMetadata
}

type RawOp struct {
	Data map[string]any
}

func (self *RawOp) OpKind() string {
	if kind, ok := self.Data["type"].(string); ok {
		return kind
	}
	return ""
}

// Transaction is an ordered op list attributed to one author. The ops fully
// partition the document length they were written against.
type Transaction struct {
	operations []Operation
	author     int
}

func NewTransaction(operations []Operation, author int) *Transaction {
	return &Transaction{
		operations: operations,
		author:     author,
	}
}

// TransactionFromWire expands a minified wire op list: a bare number is a
// retain, a two element array is a replace, anything else is a structured op
// object.
func TransactionFromWire(ops []any, author int) (*Transaction, error) {
	operations := make([]Operation, 0, len(ops))
	for _, op := range ops {
		switch opValue := op.(type) {
		case float64:
			operations = append(operations, RetainOp{Length: int(opValue)})
		case json.Number:
			length, err := opValue.Int64()
			if err != nil {
				return nil, fmt.Errorf("malformed retain: %w", err)
			}
			operations = append(operations, RetainOp{Length: int(length)})
		case []any:
			if len(opValue) < 2 {
				return nil, fmt.Errorf("malformed replace op: %v", opValue)
			}
			operations = append(operations, &ReplaceOp{
				Remove: deminifyLinearData(opValue[0]),
				Insert: deminifyLinearData(opValue[1]),
			})
		case map[string]any:
			operations = append(operations, structuredOperation(opValue))
		default:
			return nil, fmt.Errorf("malformed op: %v", op)
		}
	}
	return NewTransaction(operations, author), nil
}

func structuredOperation(data map[string]any) Operation {
	kind, _ := data["type"].(string)
	switch kind {
	case OpRetain:
		return RetainOp{Length: numberValue(data["length"])}
	case OpReplace:
		return &ReplaceOp{
			Remove: linearValue(data["remove"]),
			Insert: linearValue(data["insert"]),
			extra:  data,
		}
	case OpAttribute:
		return &AttributeOp{Data: data}
	case OpReplaceMetadata:
		return &ReplaceMetadataOp{Data: data}
	default:
		return &RawOp{Data: data}
	}
}

func numberValue(value any) int {
	switch v := value.(type) {
	case float64:
		return int(v)
	case int:
		return v
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	}
	return 0
}

func linearValue(value any) []any {
	if items, ok := value.([]any); ok {
		return items
	}
	return nil
}

func deminifyLinearData(element any) []any {
	if text, ok := element.(string); ok {
		if text == "" {
			return []any{}
		}
		return SplitContent(text)
	}
	return linearValue(element)
}

// SplitContent splits a string into atomic content units. Characters outside
// the basic multilingual plane occupy two UTF-16 code units on the client, so
// they get a padding unit to keep offsets aligned.
func SplitContent(text string) []any {
	units := []any{}
	for _, r := range text {
		units = append(units, string(r))
		if len(utf16.Encode([]rune{r})) == 2 {
			units = append(units, " ")
		}
	}
	return units
}

func (self *Transaction) Author() int {
	return self.author
}

func (self *Transaction) Operations() []Operation {
	return self.operations
}

func (self *Transaction) Clone() *Transaction {
	return NewTransaction(slices.Clone(self.operations), self.author)
}

func (self *Transaction) Equals(foreign *Transaction) bool {
	return self.author == foreign.author &&
		reflect.DeepEqual(self.operations, foreign.operations)
}

// ActiveRange is the contiguous offset span touched by the non-retain ops of
// a transaction, plus the net length delta of its replace ops. Active is
// false for a transaction that only retains.
type ActiveRange struct {
	Active       bool
	Start        int
	End          int
	StartOpIndex int
	EndOpIndex   int
	Diff         int
}

func (self *Transaction) ActiveRangeAndLengthDiff() ActiveRange {
	offset := 0
	info := ActiveRange{}

	for i, op := range self.operations {
		_, isRetain := op.(RetainOp)
		active := !isRetain
		if active && !info.Active {
			info.Active = true
			info.Start = offset
			info.StartOpIndex = i
		}
		switch opValue := op.(type) {
		case RetainOp:
			offset += opValue.Length
		case *ReplaceOp:
			offset += len(opValue.Insert)
			info.Diff += len(opValue.Insert) - len(opValue.Remove)
		}
		switch op.(type) {
		case *AttributeOp, *ReplaceMetadataOp:
			// length 0 but effectively modifies 1 position
			info.End = offset + 1
			info.EndOpIndex = i + 1
		default:
			if active {
				info.End = offset
				info.EndOpIndex = i + 1
			}
		}
	}
	return info
}

const (
	RetainStart = "start"
	RetainEnd   = "end"
)

// AdjustRetain grows or shrinks the retain run at the given edge by diff
// units. A retain reaching zero is removed; a missing retain is created when
// diff is positive.
func (self *Transaction) AdjustRetain(place string, diff int) error {
	if diff == 0 {
		return nil
	}
	start := place == RetainStart
	i := 0
	if !start {
		i = len(self.operations) - 1
	}

	if 0 <= i && i < len(self.operations) {
		if retain, ok := self.operations[i].(RetainOp); ok {
			length := retain.Length + diff
			if length < 0 {
				return ErrNegativeRetain
			}
			ops := slices.Clone(self.operations)
			if length == 0 {
				ops = slices.Delete(ops, i, i+1)
			} else {
				ops[i] = RetainOp{Length: length}
			}
			self.operations = ops
			return nil
		}
	}
	if diff < 0 {
		return ErrNegativeRetain
	}
	if start {
		self.operations = append([]Operation{RetainOp{Length: diff}}, self.operations...)
	} else {
		self.operations = append(slices.Clone(self.operations), RetainOp{Length: diff})
	}
	return nil
}

// TranslateRangeWithAuthor maps a range written before this transaction to
// its position after it. For insertions at exactly the range boundary the
// author id order decides whether the boundary is pushed: the lower id is
// treated as having edited first.
func (self *Transaction) TranslateRangeWithAuthor(r Range, author int) Range {
	backward := self.author == 0 || author == 0 || author < self.author
	start := self.translateOffset(r.Start(), backward)
	end := self.translateOffset(r.End(), backward)

	if r.IsBackwards() {
		return NewRange(end, start)
	}
	return NewRange(start, end)
}

func (self *Transaction) translateOffset(offset int, excludeInsertion bool) int {
	cursor := 0
	adjustment := 0
	for _, op := range self.operations {
		retainLength := -1
		switch opValue := op.(type) {
		case RetainOp:
			retainLength = opValue.Length
		case *ReplaceOp:
			if len(opValue.Insert) == len(opValue.Remove) &&
				compareElementsForTranslate(opValue.Insert, opValue.Remove) {
				retainLength = len(opValue.Remove)
			}
		}
		if retainLength >= 0 {
			if offset >= cursor && offset < cursor+retainLength {
				return offset + adjustment
			}
			cursor += retainLength
			continue
		}

		insertLength := 0
		removeLength := 0
		if replace, ok := op.(*ReplaceOp); ok {
			insertLength = len(replace.Insert)
			removeLength = len(replace.Remove)
		}
		prevAdjustment := adjustment
		adjustment += insertLength - removeLength
		if offset == cursor+removeLength {
			if excludeInsertion && insertLength > removeLength {
				return offset + adjustment - insertLength + removeLength
			}
			return offset + adjustment
		} else if offset == cursor {
			if insertLength == 0 {
				return cursor + removeLength + adjustment
			}
			return cursor + prevAdjustment
		} else if offset > cursor && offset < cursor+removeLength {
			return cursor + removeLength + adjustment
		}
		cursor += removeLength
	}
	return offset + adjustment
}

func compareElementsForTranslate(insert []any, remove []any) bool {
	for i, element := range insert {
		if !compareElements(element, remove[i]) {
			return false
		}
	}
	return true
}

func compareElements(a any, b any) bool {
	if reflect.DeepEqual(a, b) {
		return true
	}
	aPlain := a
	bPlain := b

	if items, ok := a.([]any); ok && len(items) > 0 {
		aPlain = items[0]
	}
	if items, ok := b.([]any); ok && len(items) > 0 {
		bPlain = items[0]
	}

	aText, aIsText := aPlain.(string)
	bText, bIsText := bPlain.(string)
	if aIsText && bIsText {
		return aText == bText
	}

	aData, aIsData := aPlain.(map[string]any)
	bData, bIsData := bPlain.(map[string]any)
	if aIsData && bIsData {
		aKind, aHasKind := aData["type"]
		bKind, bHasKind := bData["type"]
		if aHasKind && bHasKind && !reflect.DeepEqual(aKind, bKind) {
			return false
		}
	}
	return true
}

type wireTransaction struct {
	O []any `json:"o"`
	A int   `json:"a"`
}

func (self *Transaction) MarshalJSON() ([]byte, error) {
	ops := make([]any, len(self.operations))
	for i, op := range self.operations {
		ops[i] = minifyOperation(op)
	}
	return json.Marshal(wireTransaction{
		O: ops,
		A: self.author,
	})
}

func (self *Transaction) UnmarshalJSON(data []byte) error {
	var wire wireTransaction
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	transaction, err := TransactionFromWire(wire.O, wire.A)
	if err != nil {
		return err
	}
	*self = *transaction
	return nil
}

func minifyOperation(op Operation) any {
	switch opValue := op.(type) {
	case RetainOp:
		return opValue.Length
	case *ReplaceOp:
		if replaceIsSimple(opValue) {
			return []any{
				minifyLinearData(opValue.Remove),
				minifyLinearData(opValue.Insert),
			}
		}
		return opValue.extra
	case *AttributeOp:
		return opValue.Data
	case *ReplaceMetadataOp:
		return opValue.Data
	case *RawOp:
		return opValue.Data
	}
	return nil
}

func replaceIsSimple(op *ReplaceOp) bool {
	if op.extra == nil {
		return true
	}
	if offset := numberValue(op.extra["insertedDataOffset"]); offset != 0 {
		return false
	}
	if length, ok := op.extra["insertedDataLength"]; ok {
		if numberValue(length) != len(op.Insert) {
			return false
		}
	}
	return true
}

func minifyLinearData(data []any) any {
	if len(data) == 0 {
		return ""
	}
	parts := make([]string, 0, len(data))
	for _, element := range data {
		text, ok := element.(string)
		if !ok || len(text) != 1 {
			return data
		}
		parts = append(parts, text)
	}
	return strings.Join(parts, "")
}
