package memdao

import (
	"testing"

	"github.com/go-playground/assert/v2"

	"collabpad.io/backend/collab"
)

func TestSessionAuthorPositions(t *testing.T) {
	dao := NewSessionDAO()
	sessionID, err := dao.SetNewSession("/w", "Main Page", 0, 11)
	assert.Equal(t, nil, err)

	assert.Equal(t, nil, dao.SetNewAuthorInSession(sessionID, 11, "Owner", "", "AABBCC", true, 100))
	assert.Equal(t, nil, dao.SetNewAuthorInSession(sessionID, 12, "Guest", "", "DDEEFF", true, 110))

	// position 0 is reserved, the owner lands at 1
	owner, err := dao.GetAuthorInSession(sessionID, 11)
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, owner.ID)
	guest, err := dao.GetAuthorInSession(sessionID, 12)
	assert.Equal(t, nil, err)
	assert.Equal(t, 2, guest.ID)

	authors, err := dao.GetAllAuthorsFromSession(sessionID)
	assert.Equal(t, nil, err)
	assert.Equal(t, 2, len(authors))
}

func TestDeactivateAuthorPopsOneConnection(t *testing.T) {
	dao := NewSessionDAO()
	sessionID, _ := dao.SetNewSession("/w", "Main Page", 0, 11)
	dao.SetNewAuthorInSession(sessionID, 11, "Owner", "", "AABBCC", true, 100)
	dao.ActivateAuthor(sessionID, 11, 130)

	// one of two connections closes, the author stays active
	assert.Equal(t, nil, dao.DeactivateAuthor(sessionID, true, 11))
	author, _ := dao.GetAuthorInSession(sessionID, 11)
	assert.Equal(t, []int{100}, author.State.Connections)
	assert.Equal(t, true, author.State.Active)

	assert.Equal(t, nil, dao.DeactivateAuthor(sessionID, false, 11))
	author, _ = dao.GetAuthorInSession(sessionID, 11)
	assert.Equal(t, 0, len(author.State.Connections))
	assert.Equal(t, false, author.State.Active)
}

func TestGetActiveConnections(t *testing.T) {
	dao := NewSessionDAO()
	sessionID, _ := dao.SetNewSession("/w", "Main Page", 0, 11)
	dao.SetNewAuthorInSession(sessionID, 11, "Owner", "", "AABBCC", true, 100)
	dao.SetNewAuthorInSession(sessionID, 12, "Guest", "", "DDEEFF", true, 110)

	connections, err := dao.GetActiveConnections(sessionID)
	assert.Equal(t, nil, err)
	assert.Equal(t, []int{100, 110}, connections)

	// with every author inactive the session reports no connections at all
	dao.DeactivateAuthor(sessionID, false, 11)
	dao.DeactivateAuthor(sessionID, false, 12)
	connections, err = dao.GetActiveConnections(sessionID)
	assert.Equal(t, nil, err)
	assert.Equal(t, 0, len(connections))
}

func TestReplaceHistoryRoundTrip(t *testing.T) {
	dao := NewSessionDAO()
	sessionID, _ := dao.SetNewSession("/w", "Main Page", 0, 11)

	change, err := collab.UnmarshalChange([]byte(
		`{"start":0,"transactions":[{"o":[1,["","b"],5],"a":1}],"selections":{},"stores":[]}`))
	assert.Equal(t, nil, err)
	assert.Equal(t, nil, dao.ReplaceHistory(sessionID, change))

	stored, err := dao.GetChange(sessionID)
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, stored.Length())
	assert.Equal(t, 1, stored.Transactions()[0].Author())
}

func TestCleanConnections(t *testing.T) {
	dao := NewSessionDAO()
	sessionID, _ := dao.SetNewSession("/w", "Main Page", 0, 11)
	dao.SetNewAuthorInSession(sessionID, 11, "Owner", "", "AABBCC", true, 100)

	assert.Equal(t, nil, dao.CleanConnections())
	author, _ := dao.GetAuthorInSession(sessionID, 11)
	assert.Equal(t, false, author.State.Active)
	assert.Equal(t, 0, len(author.State.Connections))
}
