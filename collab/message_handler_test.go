package collab

import (
	"encoding/json"
	"testing"

	"github.com/go-playground/assert/v2"
)

type fakeConnection struct {
	id     int
	sent   []string
	closed int
}

func (self *fakeConnection) ID() int {
	return self.id
}

func (self *fakeConnection) Send(message string) error {
	self.sent = append(self.sent, message)
	return nil
}

func (self *fakeConnection) Close() error {
	self.closed += 1
	return nil
}

type newConnection struct {
	connectionID int
	sessionID    int
	authorID     int
}

type fakeAuthorDAO struct {
	authorsByConnection  map[int]*Author
	sessionsByConnection map[int]int
	authorsByName        map[string]*Author
	deletedConnections   []int
	newConnections       []newConnection
}

func (self *fakeAuthorDAO) SetNewAuthor(name string) error {
	if self.authorsByName == nil {
		self.authorsByName = map[string]*Author{}
	}
	self.authorsByName[name] = NewAuthor(len(self.authorsByName)+1, name)
	return nil
}

func (self *fakeAuthorDAO) SetNewConnection(connectionID int, sessionID int, authorID int) error {
	self.newConnections = append(self.newConnections, newConnection{
		connectionID: connectionID,
		sessionID:    sessionID,
		authorID:     authorID,
	})
	return nil
}

func (self *fakeAuthorDAO) DeleteConnection(connectionID int, authorID int) error {
	self.deletedConnections = append(self.deletedConnections, connectionID)
	return nil
}

func (self *fakeAuthorDAO) GetSessionByConnection(connectionID int) (int, error) {
	return self.sessionsByConnection[connectionID], nil
}

func (self *fakeAuthorDAO) GetAuthorByConnection(connectionID int) (*Author, error) {
	return self.authorsByConnection[connectionID], nil
}

func (self *fakeAuthorDAO) GetConnectionsByName(sessionID int, name string) ([]int, error) {
	return nil, nil
}

func (self *fakeAuthorDAO) GetAuthorByName(name string) (*Author, error) {
	return self.authorsByName[name], nil
}

func (self *fakeAuthorDAO) GetAuthorByID(authorID int) (*Author, error) {
	return nil, nil
}

func (self *fakeAuthorDAO) CleanConnections() error {
	return nil
}

type fieldUpdate struct {
	authorID int
	field    string
	value    any
}

type deactivation struct {
	sessionID    int
	authorActive bool
	authorID     int
}

type fakeSessionDAO struct {
	sessionAuthors    map[int]*SessionAuthor
	sessionInfo       *SessionInfo
	activeConnections []int
	sessionChange     *Change
	continueBase      *Change
	rejections        int
	fieldUpdates      []fieldUpdate
	deactivations     []deactivation
	activations       []int
	deletedSessions   []int
	replacedHistory   []*Change
	clearedRebase     []int
}

func (self *fakeSessionDAO) SetNewSession(wikiScriptPath string, pageTitle string, pageNamespace int, ownerID int) (int, error) {
	return 0, nil
}

func (self *fakeSessionDAO) SetNewAuthorInSession(sessionID int, authorID int, name string, realName string, color string, active bool, connectionID int) error {
	self.sessionAuthors[authorID] = &SessionAuthor{
		ID: authorID,
		State: &AuthorState{
			AuthorID:    authorID,
			Name:        name,
			RealName:    realName,
			Color:       color,
			Active:      active,
			Connections: []int{connectionID},
		},
	}
	return nil
}

func (self *fakeSessionDAO) DeleteSession(sessionID int) error {
	self.deletedSessions = append(self.deletedSessions, sessionID)
	return nil
}

func (self *fakeSessionDAO) IsAuthorInSession(sessionID int, authorID int) (bool, error) {
	_, ok := self.sessionAuthors[authorID]
	return ok, nil
}

func (self *fakeSessionDAO) ChangeAuthorDataInSession(sessionID int, authorID int, field string, value any) error {
	self.fieldUpdates = append(self.fieldUpdates, fieldUpdate{
		authorID: authorID,
		field:    field,
		value:    value,
	})
	if sessionAuthor, ok := self.sessionAuthors[authorID]; ok && sessionAuthor.State != nil {
		return sessionAuthor.State.SetField(field, value)
	}
	return nil
}

func (self *fakeSessionDAO) ClearAuthorRebaseData(sessionID int, authorID int) error {
	self.clearedRebase = append(self.clearedRebase, authorID)
	return nil
}

func (self *fakeSessionDAO) ActivateAuthor(sessionID int, authorID int, connectionID int) error {
	self.activations = append(self.activations, authorID)
	if sessionAuthor, ok := self.sessionAuthors[authorID]; ok && sessionAuthor.State != nil {
		sessionAuthor.State.Active = true
		sessionAuthor.State.Connections = append(sessionAuthor.State.Connections, connectionID)
	}
	return nil
}

func (self *fakeSessionDAO) DeactivateAuthor(sessionID int, authorActive bool, authorID int) error {
	self.deactivations = append(self.deactivations, deactivation{
		sessionID:    sessionID,
		authorActive: authorActive,
		authorID:     authorID,
	})
	return nil
}

func (self *fakeSessionDAO) ReplaceHistory(sessionID int, change *Change) error {
	self.replacedHistory = append(self.replacedHistory, change)
	return nil
}

func (self *fakeSessionDAO) GetAllAuthorsFromSession(sessionID int) ([]*SessionAuthor, error) {
	authors := []*SessionAuthor{}
	for _, sessionAuthor := range self.sessionAuthors {
		authors = append(authors, sessionAuthor)
	}
	return authors, nil
}

func (self *fakeSessionDAO) GetAuthorInSession(sessionID int, authorID int) (*SessionAuthor, error) {
	return self.sessionAuthors[authorID], nil
}

func (self *fakeSessionDAO) GetAuthorContinueBase(sessionID int, author *Author) (*Change, error) {
	return self.continueBase, nil
}

func (self *fakeSessionDAO) GetAuthorRejections(sessionID int, author *Author) (int, error) {
	return self.rejections, nil
}

func (self *fakeSessionDAO) GetFullHistoryFromSession(sessionID int) ([]json.RawMessage, error) {
	return nil, nil
}

func (self *fakeSessionDAO) GetFullStoresFromSession(sessionID int) ([]json.RawMessage, error) {
	return nil, nil
}

func (self *fakeSessionDAO) GetFullSelectionsFromSession(sessionID int) (map[int]json.RawMessage, error) {
	return nil, nil
}

func (self *fakeSessionDAO) GetChange(sessionID int) (*Change, error) {
	if self.sessionChange != nil {
		return self.sessionChange, nil
	}
	return NewEmptyChange(0), nil
}

func (self *fakeSessionDAO) GetSessionOwner(sessionID int) (int, error) {
	return 0, nil
}

func (self *fakeSessionDAO) GetActiveConnections(sessionID int) ([]int, error) {
	return self.activeConnections, nil
}

func (self *fakeSessionDAO) GetSessionByName(wikiScriptPath string, pageTitle string, pageNamespace int) (*SessionInfo, error) {
	return self.sessionInfo, nil
}

func (self *fakeSessionDAO) CleanConnections() error {
	return nil
}

const testSessionID = 128888

// three authors, one connection each
func newHandlerFixture() (*fakeAuthorDAO, *fakeSessionDAO, *ConnectionList, map[int]*fakeConnection) {
	authorDAO := &fakeAuthorDAO{
		authorsByConnection: map[int]*Author{
			100: NewAuthor(1, "Alpha"),
			110: NewAuthor(2, "Beta"),
			120: NewAuthor(3, "Gamma"),
		},
		sessionsByConnection: map[int]int{
			100: testSessionID,
			110: testSessionID,
			120: testSessionID,
		},
	}
	sessionDAO := &fakeSessionDAO{
		sessionAuthors:    map[int]*SessionAuthor{},
		activeConnections: []int{100, 110, 120},
	}

	connectionList := NewConnectionList()
	connections := map[int]*fakeConnection{}
	for connectionID, author := range authorDAO.authorsByConnection {
		conn := &fakeConnection{id: connectionID}
		connections[connectionID] = conn
		connectionList.Add(conn, author.ID)
	}
	return authorDAO, sessionDAO, connectionList, connections
}

func newTestMessageHandler(authorDAO *fakeAuthorDAO, sessionDAO *fakeSessionDAO) *MessageHandler {
	return NewMessageHandler(authorDAO, sessionDAO, NewRebaser(sessionDAO), DefaultConfig())
}

func TestKeepAlive(t *testing.T) {
	authorDAO, sessionDAO, connectionList, connections := newHandlerFixture()
	handler := newTestMessageHandler(authorDAO, sessionDAO)

	handler.Handle(connections[100], "2", connectionList)

	assert.Equal(t, []string{"3"}, connections[100].sent)
	assert.Equal(t, 0, len(connections[110].sent))
	assert.Equal(t, 0, len(connections[120].sent))
}

func TestAuthorDisconnect(t *testing.T) {
	authorDAO, sessionDAO, connectionList, connections := newHandlerFixture()
	sessionDAO.sessionAuthors[1] = &SessionAuthor{
		ID: 1,
		State: &AuthorState{
			AuthorID:    1,
			Name:        "Alpha",
			Active:      true,
			Connections: []int{100},
		},
	}
	handler := newTestMessageHandler(authorDAO, sessionDAO)

	handler.Handle(connections[100], "41", connectionList)

	assert.Equal(t, []deactivation{{testSessionID, false, 1}}, sessionDAO.deactivations)
	assert.Equal(t, []int{100}, authorDAO.deletedConnections)
	assert.Equal(t, 0, len(connections[100].sent))
	assert.Equal(t, []string{`42["authorDisconnect",1]`}, connections[110].sent)
	assert.Equal(t, []string{`42["authorDisconnect",1]`}, connections[120].sent)
}

// an author with a second live connection leaves quietly
func TestAuthorDisconnectStillActive(t *testing.T) {
	authorDAO, sessionDAO, connectionList, connections := newHandlerFixture()
	sessionDAO.sessionAuthors[1] = &SessionAuthor{
		ID: 1,
		State: &AuthorState{
			AuthorID:    1,
			Name:        "Alpha",
			Active:      true,
			Connections: []int{100, 130},
		},
	}
	handler := newTestMessageHandler(authorDAO, sessionDAO)

	handler.Handle(connections[100], "41", connectionList)

	assert.Equal(t, []deactivation{{testSessionID, true, 1}}, sessionDAO.deactivations)
	assert.Equal(t, []int{100}, authorDAO.deletedConnections)
	assert.Equal(t, 0, len(connections[110].sent))
	assert.Equal(t, 0, len(connections[120].sent))
}

func TestSaveRevision(t *testing.T) {
	authorDAO, sessionDAO, connectionList, connections := newHandlerFixture()
	handler := newTestMessageHandler(authorDAO, sessionDAO)

	handler.Handle(connections[100], `42["saveRevision",{"authorId":1}]`, connectionList)

	assert.Equal(t, 0, len(connections[100].sent))
	assert.Equal(t, []string{`42["saveRevision",1]`}, connections[110].sent)
	assert.Equal(t, []string{`42["saveRevision",1]`}, connections[120].sent)
}

func TestAuthorChange(t *testing.T) {
	authorDAO, sessionDAO, connectionList, connections := newHandlerFixture()
	sessionDAO.sessionAuthors[2] = &SessionAuthor{
		ID: 2,
		State: &AuthorState{
			AuthorID:    2,
			Name:        "TestUser1",
			Active:      true,
			Connections: []int{110},
		},
	}
	handler := newTestMessageHandler(authorDAO, sessionDAO)

	handler.Handle(connections[110], `42["changeAuthor",{"name":"TestUser1","color":"B96091"}]`, connectionList)

	// the name key is owned by the wiki and must not be written
	assert.Equal(t, []fieldUpdate{{2, "color", "B96091"}}, sessionDAO.fieldUpdates)

	expected := `42["authorChange",{"authorId":2,"authorData":{"name":"TestUser1","realName":"","color":"B96091"}}]`
	assert.Equal(t, []string{expected}, connections[100].sent)
	assert.Equal(t, []string{expected}, connections[110].sent)
	assert.Equal(t, []string{expected}, connections[120].sent)
}

func TestDeleteSession(t *testing.T) {
	authorDAO, sessionDAO, connectionList, connections := newHandlerFixture()
	handler := newTestMessageHandler(authorDAO, sessionDAO)

	handler.Handle(connections[100], `42["deleteSession",{"authorId":1}]`, connectionList)

	assert.Equal(t, []int{testSessionID}, sessionDAO.deletedSessions)
	assert.Equal(t, []string{`42["deleteSession",1]`}, connections[100].sent)
	assert.Equal(t, []string{`42["deleteSession",1]`}, connections[110].sent)
	assert.Equal(t, []string{`42["deleteSession",1]`}, connections[120].sent)
}

func TestSubmitChange(t *testing.T) {
	authorDAO, sessionDAO, connectionList, connections := newHandlerFixture()

	// five committed transactions so the incoming change at offset 5 lines up
	committed := []json.RawMessage{}
	for i := 0; i < 5; i += 1 {
		committed = append(committed, json.RawMessage(`{"o":[1],"a":1}`))
	}
	sessionChange, err := NewChangeFromData(0, committed, nil, nil)
	assert.Equal(t, nil, err)
	sessionDAO.sessionChange = sessionChange

	handler := newTestMessageHandler(authorDAO, sessionDAO)

	message := `42["submitChange",{"backtrack":0,"change":{"start":5,` +
		`"transactions":[{"o":[47,["","s"],58],"a":1}],` +
		`"selections":{"1":{"type":"linear","range":{"type":"range","from":48,"to":48}}}},"stores":[]}]`
	handler.Handle(connections[100], message, connectionList)

	// the selection is parsed and re-serialized on the way through the
	// rebase, dropping the redundant inner range type tag
	expected := `42["newChange",{"start":5,"transactions":[{"o":[47,["","s"],58],"a":1}],` +
		`"selections":{"1":{"type":"linear","range":{"from":48,"to":48}}},"stores":[]}]`
	assert.Equal(t, []string{expected}, connections[100].sent)
	assert.Equal(t, []string{expected}, connections[110].sent)
	assert.Equal(t, []string{expected}, connections[120].sent)

	assert.Equal(t, 1, len(sessionDAO.replacedHistory))
	assert.Equal(t, 6, sessionDAO.replacedHistory[0].Length())
	assert.Equal(t, 0, len(sessionDAO.clearedRebase))
}

// a malformed change clears the author's rebase state and re-inits the
// submitting client only
func TestSubmitChangeError(t *testing.T) {
	authorDAO, sessionDAO, connectionList, connections := newHandlerFixture()
	handler := newTestMessageHandler(authorDAO, sessionDAO)

	handler.Handle(connections[100], `42["submitChange",{"backtrack":0}]`, connectionList)

	assert.Equal(t, []int{1}, sessionDAO.clearedRebase)
	assert.Equal(t, 1, len(connections[100].sent))
	assert.MatchRegex(t, connections[100].sent[0], `^42\["initDoc",`)
	assert.Equal(t, 0, len(connections[110].sent))
	assert.Equal(t, 0, len(connections[120].sent))
}

func TestUnknownAuthorDropped(t *testing.T) {
	authorDAO, sessionDAO, connectionList, _ := newHandlerFixture()
	handler := newTestMessageHandler(authorDAO, sessionDAO)

	stranger := &fakeConnection{id: 999}
	handler.Handle(stranger, "2", connectionList)

	assert.Equal(t, 0, len(stranger.sent))
}

func TestFixSurrogatePairs(t *testing.T) {
	// a pair split across two content units collapses into one escaped pair
	broken := `["\ud83d","\udca9"]`
	fixed := `["","\ud83d\udca9"]`
	assert.Equal(t, fixed, fixSurrogatePairs(broken))

	intact := `["a","b"]`
	assert.Equal(t, intact, fixSurrogatePairs(intact))
}
