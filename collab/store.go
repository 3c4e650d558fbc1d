package collab

import (
	"encoding/json"
)

// Store is a content-addressed registry for shared payloads (annotations,
// node data) referenced by hash from transactions. `hashes` keeps insertion
// order, `hashStore` maps hash to payload. First-seen wins on merge.
type Store struct {
	hashes    []string
	hashStore map[string]any
}

func NewStore(hashes []string, hashStore map[string]any) *Store {
	if hashStore == nil {
		hashStore = map[string]any{}
	}
	return &Store{
		hashes:    hashes,
		hashStore: hashStore,
	}
}

func NewEmptyStore() *Store {
	return NewStore(nil, nil)
}

func UnmarshalStore(data []byte) (*Store, error) {
	var storeData struct {
		Hashes    []string       `json:"hashes"`
		HashStore map[string]any `json:"hashStore"`
	}
	if err := json.Unmarshal(data, &storeData); err != nil {
		return nil, err
	}
	return NewStore(storeData.Hashes, storeData.HashStore), nil
}

func (self *Store) Hashes() []string {
	return self.hashes
}

func (self *Store) HashStore() map[string]any {
	return self.hashStore
}

func (self *Store) Length() int {
	return len(self.hashes)
}

// Merge appends hashes from `other` that this store has not seen yet,
// preserving their order. Merging the same store twice is a no-op.
func (self *Store) Merge(other *Store) {
	if other == self || other == nil {
		return
	}

	for _, otherHash := range other.hashes {
		if _, ok := self.hashStore[otherHash]; !ok {
			self.hashStore[otherHash] = other.hashStore[otherHash]
			self.hashes = append(self.hashes, otherHash)
		}
	}
}

// Slice returns a sub-store over the hash-index range [start, end).
func (self *Store) Slice(start int, end int) *Store {
	if start < 0 {
		start = 0
	}
	if end > len(self.hashes) {
		end = len(self.hashes)
	}
	if end < start {
		end = start
	}
	newHashes := make([]string, 0, end-start)
	newHashStore := map[string]any{}
	for _, hash := range self.hashes[start:end] {
		newHashes = append(newHashes, hash)
		newHashStore[hash] = self.hashStore[hash]
	}
	return NewStore(newHashes, newHashStore)
}

// Difference returns the entries of this store whose hashes are absent
// from `omit`.
func (self *Store) Difference(omit *Store) *Store {
	newHashes := []string{}
	newHashStore := map[string]any{}
	for _, hash := range self.hashes {
		if _, ok := omit.hashStore[hash]; !ok {
			newHashes = append(newHashes, hash)
			newHashStore[hash] = self.hashStore[hash]
		}
	}
	return NewStore(newHashes, newHashStore)
}

func (self *Store) MarshalJSON() ([]byte, error) {
	hashes := self.hashes
	if hashes == nil {
		hashes = []string{}
	}
	return json.Marshal(map[string]any{
		"hashes":    hashes,
		"hashStore": self.hashStore,
	})
}
