package collab

import (
	"encoding/json"
	"fmt"
)

// Author is the global author record, independent of any session.
type Author struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

func NewAuthor(id int, name string) *Author {
	return &Author{
		ID:   id,
		Name: name,
	}
}

// AuthorState is an author's per-session state. Rejections and ContinueBase
// are the rebase continuation bookkeeping: how many of the author's
// transactions were rejected last round, and the serialized transposed
// history their next submission must be rebased against.
type AuthorState struct {
	AuthorID     int    `json:"authorId"`
	Name         string `json:"name"`
	RealName     string `json:"realName"`
	Color        string `json:"color"`
	Active       bool   `json:"active"`
	Connections  []int  `json:"connection"`
	Rejections   int    `json:"rejections"`
	ContinueBase string `json:"continueBase,omitempty"`
}

// SetField applies a named field update. Field names follow the wire
// protocol's changeAuthor keys plus the rebase bookkeeping fields.
func (self *AuthorState) SetField(field string, value any) error {
	switch field {
	case "name":
		self.Name = fmt.Sprintf("%v", value)
	case "realName":
		self.RealName = fmt.Sprintf("%v", value)
	case "color":
		self.Color = fmt.Sprintf("%v", value)
	case "active":
		active, ok := value.(bool)
		if !ok {
			return fmt.Errorf("active must be a bool, got %T", value)
		}
		self.Active = active
	case "rejections":
		switch typed := value.(type) {
		case int:
			self.Rejections = typed
		case float64:
			self.Rejections = int(typed)
		default:
			return fmt.Errorf("rejections must be a number, got %T", value)
		}
	case "continueBase":
		self.ContinueBase = fmt.Sprintf("%v", value)
	default:
		return fmt.Errorf("unknown author field: %s", field)
	}
	return nil
}

// SessionAuthor pairs an author's session state with their position in the
// session's authors table. The position, not the global author id, is what
// the wire protocol reports to clients.
type SessionAuthor struct {
	ID    int
	State *AuthorState
}

// SessionInfo is the session identity record.
type SessionInfo struct {
	ID             int
	Token          string
	PageTitle      string
	PageNamespace  int
	WikiScriptPath string
}

// AuthorDAO stores global authors and their connection-to-session links.
type AuthorDAO interface {
	SetNewAuthor(name string) error
	SetNewConnection(connectionID int, sessionID int, authorID int) error
	DeleteConnection(connectionID int, authorID int) error
	GetSessionByConnection(connectionID int) (int, error)
	GetAuthorByConnection(connectionID int) (*Author, error)
	GetConnectionsByName(sessionID int, name string) ([]int, error)
	GetAuthorByName(name string) (*Author, error)
	GetAuthorByID(authorID int) (*Author, error)
	CleanConnections() error
}

// SessionDAO stores sessions: identity, authors table, and the committed
// history (transactions, stores, selections). The history getters return
// raw JSON so replayed legacy shapes survive storage untouched.
type SessionDAO interface {
	SetNewSession(wikiScriptPath string, pageTitle string, pageNamespace int, ownerID int) (int, error)
	SetNewAuthorInSession(sessionID int, authorID int, name string, realName string, color string, active bool, connectionID int) error
	DeleteSession(sessionID int) error
	IsAuthorInSession(sessionID int, authorID int) (bool, error)
	ChangeAuthorDataInSession(sessionID int, authorID int, field string, value any) error
	ClearAuthorRebaseData(sessionID int, authorID int) error
	ActivateAuthor(sessionID int, authorID int, connectionID int) error
	DeactivateAuthor(sessionID int, authorActive bool, authorID int) error
	ReplaceHistory(sessionID int, change *Change) error
	GetAllAuthorsFromSession(sessionID int) ([]*SessionAuthor, error)
	GetAuthorInSession(sessionID int, authorID int) (*SessionAuthor, error)
	GetAuthorContinueBase(sessionID int, author *Author) (*Change, error)
	GetAuthorRejections(sessionID int, author *Author) (int, error)
	GetFullHistoryFromSession(sessionID int) ([]json.RawMessage, error)
	GetFullStoresFromSession(sessionID int) ([]json.RawMessage, error)
	GetFullSelectionsFromSession(sessionID int) (map[int]json.RawMessage, error)
	GetChange(sessionID int) (*Change, error)
	GetSessionOwner(sessionID int) (int, error)
	GetActiveConnections(sessionID int) ([]int, error)
	GetSessionByName(wikiScriptPath string, pageTitle string, pageNamespace int) (*SessionInfo, error)
	CleanConnections() error
}
