package collab

import (
	"encoding/json"
)

// Range is a span of offsets into the linear document. `From`/`To` keep the
// direction the user dragged in; `Start`/`End` are always ordered.
type Range struct {
	from int
	to   int
}

func NewRange(from int, to int) Range {
	return Range{
		from: from,
		to:   to,
	}
}

func (self Range) From() int {
	return self.from
}

func (self Range) To() int {
	return self.to
}

func (self Range) Start() int {
	return min(self.from, self.to)
}

func (self Range) End() int {
	return max(self.from, self.to)
}

func (self Range) IsBackwards() bool {
	return self.from > self.to
}

func (self Range) IsCollapsed() bool {
	return self.from == self.to
}

func (self Range) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]int{
		"from": self.from,
		"to":   self.to,
	})
}

func (self *Range) UnmarshalJSON(data []byte) error {
	var rangeData struct {
		From int `json:"from"`
		To   int `json:"to"`
	}
	if err := json.Unmarshal(data, &rangeData); err != nil {
		return err
	}
	*self = NewRange(rangeData.From, rangeData.To)
	return nil
}
