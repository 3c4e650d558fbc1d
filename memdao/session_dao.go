package memdao

import (
	"encoding/json"
	"sync"

	"collabpad.io/backend/collab"
	"github.com/google/uuid"
)

type sessionRecord struct {
	id             int
	token          string
	wikiScriptPath string
	pageTitle      string
	pageNamespace  int
	ownerID        int
	// positional authors table; index 0 is reserved so the first joined
	// author, the owner, always gets position 1
	authors    []*collab.AuthorState
	history    []json.RawMessage
	stores     []json.RawMessage
	selections map[int]json.RawMessage
}

// SessionDAO is the in-memory session store.
type SessionDAO struct {
	mutex         sync.RWMutex
	sessions      map[int]*sessionRecord
	nextSessionID int
}

func NewSessionDAO() *SessionDAO {
	return &SessionDAO{
		sessions: map[int]*sessionRecord{},
	}
}

func (self *SessionDAO) SetNewSession(wikiScriptPath string, pageTitle string, pageNamespace int, ownerID int) (int, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.nextSessionID += 1
	sessionID := self.nextSessionID
	self.sessions[sessionID] = &sessionRecord{
		id:             sessionID,
		token:          uuid.NewString(),
		wikiScriptPath: wikiScriptPath,
		pageTitle:      pageTitle,
		pageNamespace:  pageNamespace,
		ownerID:        ownerID,
		authors:        []*collab.AuthorState{nil},
		selections:     map[int]json.RawMessage{},
	}
	return sessionID, nil
}

func (self *SessionDAO) SetNewAuthorInSession(
	sessionID int, authorID int, name string, realName string,
	color string, active bool, connectionID int,
) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	session, ok := self.sessions[sessionID]
	if !ok {
		return nil
	}
	state := &collab.AuthorState{
		AuthorID:    authorID,
		Name:        name,
		RealName:    realName,
		Color:       color,
		Active:      active,
		Connections: []int{connectionID},
	}
	session.authors = append(session.authors, state)
	if !active {
		popConnection(state, false)
	}
	return nil
}

func (self *SessionDAO) DeleteSession(sessionID int) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	delete(self.sessions, sessionID)
	return nil
}

func (self *SessionDAO) IsAuthorInSession(sessionID int, authorID int) (bool, error) {
	self.mutex.RLock()
	defer self.mutex.RUnlock()
	_, state := self.findAuthor(sessionID, authorID)
	return state != nil, nil
}

func (self *SessionDAO) ChangeAuthorDataInSession(sessionID int, authorID int, field string, value any) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	_, state := self.findAuthor(sessionID, authorID)
	if state == nil {
		return nil
	}
	return state.SetField(field, value)
}

func (self *SessionDAO) ClearAuthorRebaseData(sessionID int, authorID int) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	_, state := self.findAuthor(sessionID, authorID)
	if state == nil {
		return nil
	}
	state.Rejections = 0
	state.ContinueBase = ""
	return nil
}

func (self *SessionDAO) ActivateAuthor(sessionID int, authorID int, connectionID int) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	_, state := self.findAuthor(sessionID, authorID)
	if state == nil {
		return nil
	}
	state.Connections = append(state.Connections, connectionID)
	state.Active = true
	return nil
}

func (self *SessionDAO) DeactivateAuthor(sessionID int, authorActive bool, authorID int) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	_, state := self.findAuthor(sessionID, authorID)
	if state == nil {
		return nil
	}
	popConnection(state, authorActive)
	return nil
}

func popConnection(state *collab.AuthorState, authorActive bool) {
	state.Active = authorActive
	if len(state.Connections) > 0 {
		state.Connections = state.Connections[:len(state.Connections)-1]
	}
}

func (self *SessionDAO) ReplaceHistory(sessionID int, change *collab.Change) error {
	data, err := json.Marshal(change)
	if err != nil {
		return err
	}
	var wire struct {
		Transactions []json.RawMessage       `json:"transactions"`
		Selections   map[int]json.RawMessage `json:"selections"`
		Stores       []json.RawMessage       `json:"stores"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	self.mutex.Lock()
	defer self.mutex.Unlock()
	session, ok := self.sessions[sessionID]
	if !ok {
		return nil
	}
	session.history = wire.Transactions
	session.stores = wire.Stores
	session.selections = wire.Selections
	return nil
}

func (self *SessionDAO) GetAllAuthorsFromSession(sessionID int) ([]*collab.SessionAuthor, error) {
	self.mutex.RLock()
	defer self.mutex.RUnlock()
	session, ok := self.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	authors := []*collab.SessionAuthor{}
	for i, state := range session.authors {
		if state == nil || !state.Active {
			continue
		}
		authors = append(authors, &collab.SessionAuthor{
			ID:    i,
			State: cloneState(state),
		})
	}
	return authors, nil
}

func (self *SessionDAO) GetAuthorInSession(sessionID int, authorID int) (*collab.SessionAuthor, error) {
	self.mutex.RLock()
	defer self.mutex.RUnlock()
	position, state := self.findAuthor(sessionID, authorID)
	if state == nil {
		return nil, nil
	}
	return &collab.SessionAuthor{
		ID:    position,
		State: cloneState(state),
	}, nil
}

func (self *SessionDAO) GetAuthorContinueBase(sessionID int, author *collab.Author) (*collab.Change, error) {
	self.mutex.RLock()
	continueBase := ""
	if _, state := self.findAuthor(sessionID, author.ID); state != nil {
		continueBase = state.ContinueBase
	}
	self.mutex.RUnlock()
	if continueBase == "" {
		return nil, nil
	}
	return collab.UnmarshalChange([]byte(continueBase))
}

func (self *SessionDAO) GetAuthorRejections(sessionID int, author *collab.Author) (int, error) {
	self.mutex.RLock()
	defer self.mutex.RUnlock()
	if _, state := self.findAuthor(sessionID, author.ID); state != nil {
		return state.Rejections, nil
	}
	return 0, nil
}

func (self *SessionDAO) GetFullHistoryFromSession(sessionID int) ([]json.RawMessage, error) {
	self.mutex.RLock()
	defer self.mutex.RUnlock()
	session, ok := self.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	return append([]json.RawMessage{}, session.history...), nil
}

func (self *SessionDAO) GetFullStoresFromSession(sessionID int) ([]json.RawMessage, error) {
	self.mutex.RLock()
	defer self.mutex.RUnlock()
	session, ok := self.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	return append([]json.RawMessage{}, session.stores...), nil
}

func (self *SessionDAO) GetFullSelectionsFromSession(sessionID int) (map[int]json.RawMessage, error) {
	self.mutex.RLock()
	defer self.mutex.RUnlock()
	session, ok := self.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	selections := map[int]json.RawMessage{}
	for authorID, selection := range session.selections {
		selections[authorID] = selection
	}
	return selections, nil
}

func (self *SessionDAO) GetChange(sessionID int) (*collab.Change, error) {
	history, err := self.GetFullHistoryFromSession(sessionID)
	if err != nil {
		return nil, err
	}
	stores, err := self.GetFullStoresFromSession(sessionID)
	if err != nil {
		return nil, err
	}
	return collab.NewChangeFromData(0, history, nil, stores)
}

func (self *SessionDAO) GetSessionOwner(sessionID int) (int, error) {
	self.mutex.RLock()
	defer self.mutex.RUnlock()
	session, ok := self.sessions[sessionID]
	if !ok {
		return 0, nil
	}
	return session.ownerID, nil
}

func (self *SessionDAO) GetActiveConnections(sessionID int) ([]int, error) {
	self.mutex.RLock()
	defer self.mutex.RUnlock()
	session, ok := self.sessions[sessionID]
	if !ok {
		return []int{}, nil
	}
	anyActive := false
	connections := []int{}
	for _, state := range session.authors {
		if state == nil {
			continue
		}
		if state.Active {
			anyActive = true
		}
		connections = append(connections, state.Connections...)
	}
	if !anyActive {
		return []int{}, nil
	}
	return connections, nil
}

func (self *SessionDAO) GetSessionByName(wikiScriptPath string, pageTitle string, pageNamespace int) (*collab.SessionInfo, error) {
	self.mutex.RLock()
	defer self.mutex.RUnlock()
	for _, session := range self.sessions {
		if session.wikiScriptPath == wikiScriptPath &&
			session.pageTitle == pageTitle &&
			session.pageNamespace == pageNamespace {
			return &collab.SessionInfo{
				ID:             session.id,
				Token:          session.token,
				PageTitle:      session.pageTitle,
				PageNamespace:  session.pageNamespace,
				WikiScriptPath: session.wikiScriptPath,
			}, nil
		}
	}
	return nil, nil
}

func (self *SessionDAO) CleanConnections() error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	for _, session := range self.sessions {
		for i, state := range session.authors {
			if i == 0 || state == nil {
				continue
			}
			state.Active = false
			state.Connections = nil
		}
	}
	return nil
}

func (self *SessionDAO) findAuthor(sessionID int, authorID int) (int, *collab.AuthorState) {
	session, ok := self.sessions[sessionID]
	if !ok {
		return 0, nil
	}
	for i, state := range session.authors {
		if state != nil && state.AuthorID == authorID {
			return i, state
		}
	}
	return 0, nil
}

func cloneState(state *collab.AuthorState) *collab.AuthorState {
	clone := *state
	clone.Connections = append([]int{}, state.Connections...)
	return &clone
}
