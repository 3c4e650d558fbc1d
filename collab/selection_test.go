package collab

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestParseSelectionLinear(t *testing.T) {
	selection, err := ParseSelection([]byte(`{"type":"linear","range":{"from":3,"to":7}}`))
	assert.Equal(t, nil, err)
	assert.Equal(t, NewRange(3, 7), selection.Range())

	data, err := json.Marshal(selection)
	assert.Equal(t, nil, err)
	assert.Equal(t, `{"type":"linear","range":{"from":3,"to":7}}`, string(data))
}

func TestParseSelectionTable(t *testing.T) {
	wire := `{"type":"table","tableRange":{"type":"range","from":2,"to":9},` +
		`"fromCol":0,"fromRow":0,"toCol":1,"toRow":2}`
	selection, err := ParseSelection([]byte(wire))
	assert.Equal(t, nil, err)
	assert.Equal(t, NewRange(2, 9), selection.Range())

	data, err := json.Marshal(selection)
	assert.Equal(t, nil, err)
	assert.Equal(t, wire, string(data))
}

func TestParseSelectionNull(t *testing.T) {
	selection, err := ParseSelection([]byte(`{"type":null}`))
	assert.Equal(t, nil, err)

	data, err := json.Marshal(selection)
	assert.Equal(t, nil, err)
	assert.Equal(t, `{"type":null}`, string(data))
}

func TestParseSelectionUntracked(t *testing.T) {
	// shapes with a foreign type tag are silently ignored
	selection, err := ParseSelection([]byte(`{"type":"fancy"}`))
	assert.Equal(t, nil, err)
	assert.Equal(t, nil, selection)
}

func TestParseSelectionMissingType(t *testing.T) {
	_, err := ParseSelection([]byte(`{"range":{"from":0,"to":0}}`))
	assert.Equal(t, true, errors.Is(err, ErrSelectionType))
}

func TestLinearSelectionTranslate(t *testing.T) {
	transaction := wireTx(t, `{"o":[1,["","xy"],4],"a":1}`)
	selection := NewLinearSelection(NewRange(3, 4))

	translated := selection.TranslateByTransactionWithAuthor(transaction, 2)
	assert.Equal(t, NewRange(5, 6), translated.Range())
}

func TestTableSelectionCollapsesToNull(t *testing.T) {
	// removing the whole table collapses the selection away
	transaction := wireTx(t, `{"o":[2,["ab",""],3],"a":1}`)
	selection := NewTableSelection(NewRange(2, 4), 0, 0, 1, 1)

	translated := selection.TranslateByTransactionWithAuthor(transaction, 2)
	_, isNull := translated.(*NullSelection)
	assert.Equal(t, true, isNull)
}
