package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strconv"

	"github.com/golang/glog"
)

// OpenHandler runs the join sequence for a new connection: access control,
// author and session provisioning, then the init frames.
type OpenHandler struct {
	authorDAO  AuthorDAO
	sessionDAO SessionDAO
	access     AccessController
	config     *Config
}

func NewOpenHandler(authorDAO AuthorDAO, sessionDAO SessionDAO, access AccessController, config *Config) *OpenHandler {
	return &OpenHandler{
		authorDAO:  authorDAO,
		sessionDAO: sessionDAO,
		access:     access,
		config:     config,
	}
}

// Handle authorizes and registers the connection. On any failure the
// connection is closed and false is returned.
func (self *OpenHandler) Handle(ctx context.Context, conn Connection, docName string, connectionList *ConnectionList) bool {
	glog.Infof("Opening connection for: %s", docName)

	grant, err := self.access.Authorize(ctx, docName)
	if err != nil {
		glog.Errorf("Error during access check: %v", err)
		conn.Close()
		return false
	}
	if !grant.Access {
		glog.Infof("Access denied")
		conn.Close()
		return false
	}

	author, err := self.findOrCreateAuthor(grant.User.UserName)
	if err != nil {
		glog.Errorf("%v", err)
		conn.Close()
		return false
	}

	session, err := self.findOrCreateSession(grant, author.ID)
	if err != nil {
		glog.Errorf("%v", err)
		conn.Close()
		return false
	}

	return self.init(conn, connectionList, grant, author, session)
}

func (self *OpenHandler) findOrCreateAuthor(name string) (*Author, error) {
	author, err := self.authorDAO.GetAuthorByName(name)
	if err != nil {
		return nil, err
	}
	if author != nil {
		glog.Infof("Found existing author: Name '%s', ID '%d'", author.Name, author.ID)
		return author, nil
	}
	if err := self.authorDAO.SetNewAuthor(name); err != nil {
		return nil, err
	}
	author, err = self.authorDAO.GetAuthorByName(name)
	if err != nil {
		return nil, err
	}
	if author == nil {
		return nil, fmt.Errorf("could not create new author for name %s", name)
	}
	glog.Infof("Created new author: Name '%s', ID '%d'", author.Name, author.ID)
	return author, nil
}

func (self *OpenHandler) findOrCreateSession(grant *AccessGrant, ownerID int) (*SessionInfo, error) {
	session, err := self.sessionDAO.GetSessionByName(grant.WikiScriptPath, grant.PageTitle, grant.PageNamespace)
	if err != nil {
		return nil, err
	}
	if session != nil {
		glog.Infof("Found existing session. Token '%s', ID '%d', Page Title '%s', Namespace '%d'",
			session.Token, session.ID, session.PageTitle, session.PageNamespace)
		return session, nil
	}

	glog.Infof("No existing session found for page title '%s' in namespace '%d'. Creating a new session.",
		grant.PageTitle, grant.PageNamespace)
	_, err = self.sessionDAO.SetNewSession(grant.WikiScriptPath, grant.PageTitle, grant.PageNamespace, ownerID)
	if err != nil {
		return nil, err
	}
	session, err = self.sessionDAO.GetSessionByName(grant.WikiScriptPath, grant.PageTitle, grant.PageNamespace)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, fmt.Errorf("could not create new session for page title '%s'", grant.PageTitle)
	}
	glog.Infof("New session created. Token '%s', ID '%d', Page Title '%s', Namespace '%d'",
		session.Token, session.ID, session.PageTitle, session.PageNamespace)
	return session, nil
}

func (self *OpenHandler) init(
	conn Connection, connectionList *ConnectionList,
	grant *AccessGrant, author *Author, session *SessionInfo,
) bool {
	if err := conn.Send(self.settingsMessage()); err != nil {
		return false
	}
	if err := conn.Send(strconv.Itoa(EventConnectionEstablished)); err != nil {
		return false
	}

	registered, err := self.register(conn.ID(), grant, author, session)
	if err != nil {
		glog.Errorf("Error registering connection %d: %v", conn.ID(), err)
		conn.Close()
		return false
	}
	glog.V(1).Infof("Registering: %s", registered)
	if err := conn.Send(registered); err != nil {
		return false
	}

	initDoc, err := initDocMessage(self.sessionDAO, session.ID)
	if err != nil {
		glog.Errorf("Error building init message for session %d: %v", session.ID, err)
		conn.Close()
		return false
	}
	glog.V(1).Infof("Init doc: %s", initDoc)
	if err := conn.Send(initDoc); err != nil {
		return false
	}

	connectionList.Add(conn, author.ID)

	// Probing for other live connections of this author must come after all
	// init frames, or the disconnect bookkeeping miscounts.
	alreadyLogged, err := self.authorAlreadyLogged(session.ID, author.ID)
	if err == nil && alreadyLogged != "" {
		glog.V(1).Infof("Already logged: %s", alreadyLogged)
		conn.Send(alreadyLogged)
	}
	return true
}

func (self *OpenHandler) settingsMessage() string {
	settings, _ := json.Marshal(map[string]any{
		"upgrades":     []any{},
		"pingInterval": self.config.PingIntervalMillis,
		"pingTimeout":  self.config.PingTimeoutMillis,
	})
	return strconv.Itoa(EventConnectionInit) + string(settings)
}

type registeredResponse struct {
	ServerID string `json:"serverId"`
	AuthorID int    `json:"authorId"`
	Token    string `json:"token"`
}

func (self *OpenHandler) register(connectionID int, grant *AccessGrant, author *Author, session *SessionInfo) (string, error) {
	if err := self.connectToSession(connectionID, grant, author, session); err != nil {
		return "", err
	}

	sessionAuthor, err := self.sessionDAO.GetAuthorInSession(session.ID, author.ID)
	if err != nil {
		return "", err
	}
	if sessionAuthor == nil {
		return "", fmt.Errorf("author %d missing from session %d after registration", author.ID, session.ID)
	}
	response, err := json.Marshal(registeredResponse{
		ServerID: self.config.ServerID,
		AuthorID: sessionAuthor.ID,
		Token:    session.Token,
	})
	if err != nil {
		return "", err
	}
	return EncodeEvent(EventContent, "registered", string(response)), nil
}

func (self *OpenHandler) connectToSession(connectionID int, grant *AccessGrant, author *Author, session *SessionInfo) error {
	inSession, err := self.sessionDAO.IsAuthorInSession(session.ID, author.ID)
	if err != nil {
		return err
	}
	if !inSession {
		err = self.sessionDAO.SetNewAuthorInSession(
			session.ID, author.ID,
			grant.User.UserName, grant.User.RealName,
			generateRandomColor(), true, connectionID,
		)
	} else {
		err = self.sessionDAO.ActivateAuthor(session.ID, author.ID, connectionID)
	}
	if err != nil {
		return err
	}
	return self.authorDAO.SetNewConnection(connectionID, session.ID, author.ID)
}

func generateRandomColor() string {
	return fmt.Sprintf("%06X", rand.Intn(0x1000000))
}

type initDocHistory struct {
	Start        int                     `json:"start"`
	Transactions []json.RawMessage       `json:"transactions"`
	Stores       []json.RawMessage       `json:"stores"`
	Selections   map[int]json.RawMessage `json:"selections"`
}

type initDocResponse struct {
	History initDocHistory     `json:"history"`
	Authors map[int]authorData `json:"authors"`
}

// initDocMessage builds the full document state frame sent on join and on
// error recovery.
func initDocMessage(sessionDAO SessionDAO, sessionID int) (string, error) {
	authors, err := sessionDAO.GetAllAuthorsFromSession(sessionID)
	if err != nil {
		return "", err
	}
	sessionAuthors := map[int]authorData{}
	for _, author := range authors {
		if author == nil || author.State == nil {
			continue
		}
		sessionAuthors[author.ID] = authorData{
			Name:     author.State.Name,
			RealName: author.State.RealName,
			Color:    author.State.Color,
		}
	}

	transactions, err := sessionDAO.GetFullHistoryFromSession(sessionID)
	if err != nil {
		return "", err
	}
	stores, err := sessionDAO.GetFullStoresFromSession(sessionID)
	if err != nil {
		return "", err
	}
	selections, err := sessionDAO.GetFullSelectionsFromSession(sessionID)
	if err != nil {
		return "", err
	}
	if transactions == nil {
		transactions = []json.RawMessage{}
	}
	if stores == nil {
		stores = []json.RawMessage{}
	}
	if selections == nil {
		selections = map[int]json.RawMessage{}
	}

	response, err := json.Marshal(initDocResponse{
		History: initDocHistory{
			Start:        0,
			Transactions: transactions,
			Stores:       stores,
			Selections:   selections,
		},
		Authors: sessionAuthors,
	})
	if err != nil {
		return "", err
	}
	return EncodeEvent(EventContent, "initDoc", string(response)), nil
}

// authorAlreadyLogged emits an alreadyLoggedIn event when the author holds
// more than one live connection to this session.
func (self *OpenHandler) authorAlreadyLogged(sessionID int, authorID int) (string, error) {
	sessionAuthor, err := self.sessionDAO.GetAuthorInSession(sessionID, authorID)
	if err != nil {
		return "", err
	}
	if sessionAuthor != nil && sessionAuthor.State != nil && len(sessionAuthor.State.Connections) != 1 {
		return EncodeEvent(EventContent, "alreadyLoggedIn", ""), nil
	}
	return "", nil
}
