package collab

import (
	"context"
	"testing"

	"github.com/go-playground/assert/v2"
)

type fakeAccessController struct {
	grant *AccessGrant
	err   error
}

func (self *fakeAccessController) Authorize(ctx context.Context, docName string) (*AccessGrant, error) {
	return self.grant, self.err
}

const (
	openTestConnectionID = 128
	openTestSessionID    = 10048
	openTestAuthorID     = 1
	openTestUserName     = "TestUser"
	openTestToken        = "some-session-token"
	openTestDocName      = "/w|some-access-token|SomeNs:Page_for_CollabPads"
)

func newOpenFixture() (*OpenHandler, *fakeAuthorDAO, *fakeSessionDAO, *ConnectionList, *fakeConnection) {
	authorDAO := &fakeAuthorDAO{
		authorsByName: map[string]*Author{
			openTestUserName: NewAuthor(openTestAuthorID, openTestUserName),
		},
	}
	sessionDAO := &fakeSessionDAO{
		sessionAuthors: map[int]*SessionAuthor{},
		sessionInfo: &SessionInfo{
			ID:             openTestSessionID,
			Token:          openTestToken,
			PageTitle:      "SomeNs:Page_for_CollabPads",
			PageNamespace:  0,
			WikiScriptPath: "/w",
		},
	}
	access := &fakeAccessController{
		grant: &AccessGrant{
			Access:         true,
			Message:        "Access granted!",
			User:           AccessUser{UserName: openTestUserName},
			PageTitle:      "SomeNs:Page_for_CollabPads",
			PageNamespace:  0,
			WikiScriptPath: "/w",
		},
	}
	config := DefaultConfig()
	config.ServerID = "collab-test-server"
	config.PingIntervalMillis = 25000
	config.PingTimeoutMillis = 5000

	handler := NewOpenHandler(authorDAO, sessionDAO, access, config)
	conn := &fakeConnection{id: openTestConnectionID}
	return handler, authorDAO, sessionDAO, NewConnectionList(), conn
}

func TestOpenHandlerSuccess(t *testing.T) {
	handler, authorDAO, sessionDAO, connectionList, conn := newOpenFixture()
	sessionDAO.sessionAuthors[openTestAuthorID] = &SessionAuthor{
		ID: openTestAuthorID,
		State: &AuthorState{
			AuthorID:    openTestAuthorID,
			Name:        openTestUserName,
			Color:       "some-color",
			Connections: []int{},
		},
	}

	ok := handler.Handle(context.Background(), conn, openTestDocName, connectionList)
	assert.Equal(t, true, ok)

	// the full join sequence in order: settings, established, registered,
	// initDoc, and nothing else
	assert.Equal(t, []string{
		`0{"pingInterval":25000,"pingTimeout":5000,"upgrades":[]}`,
		"40",
		`42["registered",{"serverId":"collab-test-server","authorId":1,"token":"some-session-token"}]`,
		`42["initDoc",{"history":{"start":0,"transactions":[],"stores":[],"selections":{}},` +
			`"authors":{"1":{"name":"TestUser","realName":"","color":"some-color"}}}]`,
	}, conn.sent)

	// the author's connection link is persisted and the connection registered
	assert.Equal(t, []newConnection{
		{openTestConnectionID, openTestSessionID, openTestAuthorID},
	}, authorDAO.newConnections)
	assert.Equal(t, []int{openTestAuthorID}, sessionDAO.activations)
	assert.Equal(t, true, connectionList.Get(openTestConnectionID) != nil)
	assert.Equal(t, 0, conn.closed)
}

func TestOpenHandlerFirstJoin(t *testing.T) {
	// an author not yet in the session gets a fresh per-session state
	handler, _, sessionDAO, connectionList, conn := newOpenFixture()

	ok := handler.Handle(context.Background(), conn, openTestDocName, connectionList)
	assert.Equal(t, true, ok)

	assert.Equal(t, 4, len(conn.sent))
	assert.MatchRegex(t, conn.sent[3], `^42\["initDoc",`)

	sessionAuthor := sessionDAO.sessionAuthors[openTestAuthorID]
	assert.NotEqual(t, nil, sessionAuthor)
	assert.Equal(t, openTestUserName, sessionAuthor.State.Name)
	assert.Equal(t, true, sessionAuthor.State.Active)
	assert.Equal(t, []int{openTestConnectionID}, sessionAuthor.State.Connections)
	assert.MatchRegex(t, sessionAuthor.State.Color, `^[0-9A-F]{6}$`)
	assert.Equal(t, 0, len(sessionDAO.activations))
}

func TestOpenHandlerAlreadyLoggedIn(t *testing.T) {
	handler, _, sessionDAO, connectionList, conn := newOpenFixture()
	sessionDAO.sessionAuthors[openTestAuthorID] = &SessionAuthor{
		ID: openTestAuthorID,
		State: &AuthorState{
			AuthorID:    openTestAuthorID,
			Name:        openTestUserName,
			Color:       "some-color",
			Active:      true,
			Connections: []int{200},
		},
	}

	ok := handler.Handle(context.Background(), conn, openTestDocName, connectionList)
	assert.Equal(t, true, ok)

	// the notice goes to the new connection only, after all init frames
	assert.Equal(t, 5, len(conn.sent))
	assert.Equal(t, `42["alreadyLoggedIn"]`, conn.sent[4])
}

func TestOpenHandlerAccessDenied(t *testing.T) {
	handler, _, _, connectionList, conn := newOpenFixture()
	handler.access = &fakeAccessController{
		grant: &AccessGrant{Access: false, Message: "Access denied!"},
	}

	ok := handler.Handle(context.Background(), conn, openTestDocName, connectionList)
	assert.Equal(t, false, ok)

	assert.Equal(t, 0, len(conn.sent))
	assert.Equal(t, 1, conn.closed)
	assert.Equal(t, nil, connectionList.Get(openTestConnectionID))
}

func TestOpenHandlerCreatesMissingAuthor(t *testing.T) {
	handler, authorDAO, _, connectionList, conn := newOpenFixture()
	delete(authorDAO.authorsByName, openTestUserName)

	ok := handler.Handle(context.Background(), conn, openTestDocName, connectionList)
	assert.Equal(t, true, ok)

	author := authorDAO.authorsByName[openTestUserName]
	assert.NotEqual(t, nil, author)
	assert.Equal(t, openTestUserName, author.Name)
}
