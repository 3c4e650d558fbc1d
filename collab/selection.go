package collab

import (
	"encoding/json"
	"fmt"
)

const (
	SelectionLinear = "linear"
	SelectionTable  = "table"
)

// Selection is an author's cursor or block selection, carried alongside the
// history so other clients can render remote cursors. Translating a
// selection through a transaction may change its variant: a table selection
// collapsing to nothing becomes the null selection.
type Selection interface {
	Range() Range
	TranslateByTransactionWithAuthor(transaction *Transaction, author int) Selection
	MarshalJSON() ([]byte, error)
}

type LinearSelection struct {
	r Range
}

func NewLinearSelection(r Range) *LinearSelection {
	return &LinearSelection{r: r}
}

func (self *LinearSelection) Range() Range {
	return self.r
}

func (self *LinearSelection) TranslateByTransactionWithAuthor(transaction *Transaction, author int) Selection {
	return NewLinearSelection(transaction.TranslateRangeWithAuthor(self.r, author))
}

func (self *LinearSelection) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type  string `json:"type"`
		Range Range  `json:"range"`
	}{SelectionLinear, self.r})
}

type TableSelection struct {
	tableRange Range
	fromCol    int
	fromRow    int
	toCol      int
	toRow      int
}

func NewTableSelection(tableRange Range, fromCol int, fromRow int, toCol int, toRow int) *TableSelection {
	return &TableSelection{
		tableRange: tableRange,
		fromCol:    fromCol,
		fromRow:    fromRow,
		toCol:      toCol,
		toRow:      toRow,
	}
}

func (self *TableSelection) Range() Range {
	return self.tableRange
}

func (self *TableSelection) TranslateByTransactionWithAuthor(transaction *Transaction, author int) Selection {
	newRange := transaction.TranslateRangeWithAuthor(self.tableRange, author)
	if newRange.IsCollapsed() {
		return NewNullSelection()
	}
	return NewTableSelection(newRange, self.fromCol, self.fromRow, self.toCol, self.toRow)
}

type wireTableRange struct {
	Type string `json:"type"`
	From int    `json:"from"`
	To   int    `json:"to"`
}

func (self *TableSelection) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type       string         `json:"type"`
		TableRange wireTableRange `json:"tableRange"`
		FromCol    int            `json:"fromCol"`
		FromRow    int            `json:"fromRow"`
		ToCol      int            `json:"toCol"`
		ToRow      int            `json:"toRow"`
	}{
		Type:       SelectionTable,
		TableRange: wireTableRange{"range", self.tableRange.From(), self.tableRange.To()},
		FromCol:    self.fromCol,
		FromRow:    self.fromRow,
		ToCol:      self.toCol,
		ToRow:      self.toRow,
	})
}

type NullSelection struct {
}

func NewNullSelection() *NullSelection {
	return &NullSelection{}
}

func (self *NullSelection) Range() Range {
	return NewRange(0, 0)
}

func (self *NullSelection) TranslateByTransactionWithAuthor(transaction *Transaction, author int) Selection {
	return NewNullSelection()
}

func (self *NullSelection) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]any{
		"type": nil,
	})
}

// ParseSelection decodes a tagged wire selection. It returns (nil, nil) for
// shapes that carry a type this server does not track, and an error when the
// type tag is missing entirely.
func ParseSelection(data []byte) (Selection, error) {
	var selectionData map[string]any
	if err := json.Unmarshal(data, &selectionData); err != nil {
		return nil, err
	}
	kindValue, ok := selectionData["type"]
	if !ok {
		return nil, ErrSelectionType
	}
	if kindValue == nil {
		return NewNullSelection(), nil
	}
	kind, ok := kindValue.(string)
	if !ok {
		return nil, fmt.Errorf("malformed selection type: %v", kindValue)
	}

	switch kind {
	case SelectionLinear:
		r, err := rangeFromValue(selectionData["range"])
		if err != nil {
			return nil, err
		}
		return NewLinearSelection(r), nil
	case SelectionTable:
		r, err := rangeFromValue(selectionData["tableRange"])
		if err != nil {
			return nil, err
		}
		return NewTableSelection(
			r,
			numberValue(selectionData["fromCol"]),
			numberValue(selectionData["fromRow"]),
			numberValue(selectionData["toCol"]),
			numberValue(selectionData["toRow"]),
		), nil
	default:
		// not a selection this server tracks
		return nil, nil
	}
}

func rangeFromValue(value any) (Range, error) {
	rangeData, ok := value.(map[string]any)
	if !ok {
		return Range{}, fmt.Errorf("malformed selection range: %v", value)
	}
	return NewRange(numberValue(rangeData["from"]), numberValue(rangeData["to"])), nil
}
