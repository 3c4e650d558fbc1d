package redisdao

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"collabpad.io/backend/collab"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// SessionDAO stores sessions in Redis.
//
// Keys:
//
//	sessions:count                session id counter
//	sessions                      set of session ids
//	session:<id>                  hash {token, wikiScriptPath, pageTitle, pageNamespace, owner}
//	session:name:<path>|<ns>|<title>  session id
//	session:<id>:authors          JSON positional authors table, index 0 null
//	session:<id>:history          JSON transaction list
//	session:<id>:stores           JSON store list
//	session:<id>:selections       JSON author id to selection map
//
// The authors table is read-modify-write; callers serialize writers per
// session through the rebase session lock.
type SessionDAO struct {
	ctx    context.Context
	client *redis.Client
}

func NewSessionDAO(ctx context.Context, client *redis.Client) *SessionDAO {
	return &SessionDAO{
		ctx:    ctx,
		client: client,
	}
}

func (self *SessionDAO) SetNewSession(wikiScriptPath string, pageTitle string, pageNamespace int, ownerID int) (int, error) {
	sessionID64, err := self.client.Incr(self.ctx, "sessions:count").Result()
	if err != nil {
		return 0, err
	}
	sessionID := int(sessionID64)

	authors, err := json.Marshal([]*collab.AuthorState{nil})
	if err != nil {
		return 0, err
	}
	pipe := self.client.TxPipeline()
	pipe.HSet(self.ctx, sessionKey(sessionID),
		"token", uuid.NewString(),
		"wikiScriptPath", wikiScriptPath,
		"pageTitle", pageTitle,
		"pageNamespace", pageNamespace,
		"owner", ownerID,
	)
	pipe.Set(self.ctx, sessionNameKey(wikiScriptPath, pageTitle, pageNamespace), sessionID, 0)
	pipe.Set(self.ctx, sessionField(sessionID, "authors"), authors, 0)
	pipe.SAdd(self.ctx, "sessions", sessionID)
	_, err = pipe.Exec(self.ctx)
	if err != nil {
		return 0, err
	}
	return sessionID, nil
}

func (self *SessionDAO) SetNewAuthorInSession(
	sessionID int, authorID int, name string, realName string,
	color string, active bool, connectionID int,
) error {
	authors, err := self.loadAuthors(sessionID)
	if err != nil {
		return err
	}
	state := &collab.AuthorState{
		AuthorID:    authorID,
		Name:        name,
		RealName:    realName,
		Color:       color,
		Active:      active,
		Connections: []int{connectionID},
	}
	if !active {
		state.Connections = nil
	}
	return self.saveAuthors(sessionID, append(authors, state))
}

func (self *SessionDAO) DeleteSession(sessionID int) error {
	info, err := self.sessionInfo(sessionID)
	if err != nil {
		return err
	}
	pipe := self.client.TxPipeline()
	if info != nil {
		pipe.Del(self.ctx, sessionNameKey(info.WikiScriptPath, info.PageTitle, info.PageNamespace))
	}
	pipe.Del(self.ctx,
		sessionKey(sessionID),
		sessionField(sessionID, "authors"),
		sessionField(sessionID, "history"),
		sessionField(sessionID, "stores"),
		sessionField(sessionID, "selections"),
	)
	pipe.SRem(self.ctx, "sessions", sessionID)
	_, err = pipe.Exec(self.ctx)
	return err
}

func (self *SessionDAO) IsAuthorInSession(sessionID int, authorID int) (bool, error) {
	authors, err := self.loadAuthors(sessionID)
	if err != nil {
		return false, err
	}
	_, state := findAuthor(authors, authorID)
	return state != nil, nil
}

func (self *SessionDAO) ChangeAuthorDataInSession(sessionID int, authorID int, field string, value any) error {
	authors, err := self.loadAuthors(sessionID)
	if err != nil {
		return err
	}
	_, state := findAuthor(authors, authorID)
	if state == nil {
		return nil
	}
	if err := state.SetField(field, value); err != nil {
		return err
	}
	return self.saveAuthors(sessionID, authors)
}

func (self *SessionDAO) ClearAuthorRebaseData(sessionID int, authorID int) error {
	authors, err := self.loadAuthors(sessionID)
	if err != nil {
		return err
	}
	_, state := findAuthor(authors, authorID)
	if state == nil {
		return nil
	}
	state.Rejections = 0
	state.ContinueBase = ""
	return self.saveAuthors(sessionID, authors)
}

func (self *SessionDAO) ActivateAuthor(sessionID int, authorID int, connectionID int) error {
	authors, err := self.loadAuthors(sessionID)
	if err != nil {
		return err
	}
	_, state := findAuthor(authors, authorID)
	if state == nil {
		return nil
	}
	state.Connections = append(state.Connections, connectionID)
	state.Active = true
	return self.saveAuthors(sessionID, authors)
}

func (self *SessionDAO) DeactivateAuthor(sessionID int, authorActive bool, authorID int) error {
	authors, err := self.loadAuthors(sessionID)
	if err != nil {
		return err
	}
	_, state := findAuthor(authors, authorID)
	if state == nil {
		return nil
	}
	state.Active = authorActive
	if len(state.Connections) > 0 {
		state.Connections = state.Connections[:len(state.Connections)-1]
	}
	return self.saveAuthors(sessionID, authors)
}

func (self *SessionDAO) ReplaceHistory(sessionID int, change *collab.Change) error {
	data, err := json.Marshal(change)
	if err != nil {
		return err
	}
	var wire struct {
		Transactions json.RawMessage `json:"transactions"`
		Selections   json.RawMessage `json:"selections"`
		Stores       json.RawMessage `json:"stores"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	pipe := self.client.TxPipeline()
	pipe.Set(self.ctx, sessionField(sessionID, "history"), []byte(wire.Transactions), 0)
	pipe.Set(self.ctx, sessionField(sessionID, "stores"), []byte(wire.Stores), 0)
	pipe.Set(self.ctx, sessionField(sessionID, "selections"), []byte(wire.Selections), 0)
	_, err = pipe.Exec(self.ctx)
	return err
}

func (self *SessionDAO) GetAllAuthorsFromSession(sessionID int) ([]*collab.SessionAuthor, error) {
	authors, err := self.loadAuthors(sessionID)
	if err != nil {
		return nil, err
	}
	sessionAuthors := []*collab.SessionAuthor{}
	for i, state := range authors {
		if state == nil || !state.Active {
			continue
		}
		sessionAuthors = append(sessionAuthors, &collab.SessionAuthor{
			ID:    i,
			State: state,
		})
	}
	return sessionAuthors, nil
}

func (self *SessionDAO) GetAuthorInSession(sessionID int, authorID int) (*collab.SessionAuthor, error) {
	authors, err := self.loadAuthors(sessionID)
	if err != nil {
		return nil, err
	}
	position, state := findAuthor(authors, authorID)
	if state == nil {
		return nil, nil
	}
	return &collab.SessionAuthor{
		ID:    position,
		State: state,
	}, nil
}

func (self *SessionDAO) GetAuthorContinueBase(sessionID int, author *collab.Author) (*collab.Change, error) {
	sessionAuthor, err := self.GetAuthorInSession(sessionID, author.ID)
	if err != nil || sessionAuthor == nil || sessionAuthor.State == nil {
		return nil, err
	}
	if sessionAuthor.State.ContinueBase == "" {
		return nil, nil
	}
	return collab.UnmarshalChange([]byte(sessionAuthor.State.ContinueBase))
}

func (self *SessionDAO) GetAuthorRejections(sessionID int, author *collab.Author) (int, error) {
	sessionAuthor, err := self.GetAuthorInSession(sessionID, author.ID)
	if err != nil || sessionAuthor == nil || sessionAuthor.State == nil {
		return 0, err
	}
	return sessionAuthor.State.Rejections, nil
}

func (self *SessionDAO) GetFullHistoryFromSession(sessionID int) ([]json.RawMessage, error) {
	return self.loadRawList(sessionField(sessionID, "history"))
}

func (self *SessionDAO) GetFullStoresFromSession(sessionID int) ([]json.RawMessage, error) {
	return self.loadRawList(sessionField(sessionID, "stores"))
}

func (self *SessionDAO) GetFullSelectionsFromSession(sessionID int) (map[int]json.RawMessage, error) {
	value, err := self.client.Get(self.ctx, sessionField(sessionID, "selections")).Result()
	if err == redis.Nil {
		return map[int]json.RawMessage{}, nil
	}
	if err != nil {
		return nil, err
	}
	selections := map[int]json.RawMessage{}
	if err := json.Unmarshal([]byte(value), &selections); err != nil {
		// legacy shape, an empty JSON array
		return map[int]json.RawMessage{}, nil
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
	value, err := self.client.HGet(self.ctx, sessionKey(sessionID), "owner").Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(value)
}

func (self *SessionDAO) GetActiveConnections(sessionID int) ([]int, error) {
	authors, err := self.loadAuthors(sessionID)
	if err != nil {
		return nil, err
	}
	anyActive := false
	connections := []int{}
	for _, state := range authors {
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
	value, err := self.client.Get(self.ctx, sessionNameKey(wikiScriptPath, pageTitle, pageNamespace)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sessionID, err := strconv.Atoi(value)
	if err != nil {
		return nil, err
	}
	return self.sessionInfo(sessionID)
}

func (self *SessionDAO) CleanConnections() error {
	sessionValues, err := self.client.SMembers(self.ctx, "sessions").Result()
	if err != nil {
		return err
	}
	for _, sessionValue := range sessionValues {
		sessionID, err := strconv.Atoi(sessionValue)
		if err != nil {
			continue
		}
		authors, err := self.loadAuthors(sessionID)
		if err != nil {
			return err
		}
		for i, state := range authors {
			if i == 0 || state == nil {
				continue
			}
			state.Active = false
			state.Connections = nil
		}
		if err := self.saveAuthors(sessionID, authors); err != nil {
			return err
		}
	}
	return nil
}

func (self *SessionDAO) sessionInfo(sessionID int) (*collab.SessionInfo, error) {
	values, err := self.client.HGetAll(self.ctx, sessionKey(sessionID)).Result()
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, nil
	}
	pageNamespace, _ := strconv.Atoi(values["pageNamespace"])
	return &collab.SessionInfo{
		ID:             sessionID,
		Token:          values["token"],
		PageTitle:      values["pageTitle"],
		PageNamespace:  pageNamespace,
		WikiScriptPath: values["wikiScriptPath"],
	}, nil
}

func (self *SessionDAO) loadAuthors(sessionID int) ([]*collab.AuthorState, error) {
	value, err := self.client.Get(self.ctx, sessionField(sessionID, "authors")).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var authors []*collab.AuthorState
	if err := json.Unmarshal([]byte(value), &authors); err != nil {
		return nil, fmt.Errorf("malformed authors table for session %d: %w", sessionID, err)
	}
	return authors, nil
}

func (self *SessionDAO) saveAuthors(sessionID int, authors []*collab.AuthorState) error {
	data, err := json.Marshal(authors)
	if err != nil {
		return err
	}
	return self.client.Set(self.ctx, sessionField(sessionID, "authors"), data, 0).Err()
}

func (self *SessionDAO) loadRawList(key string) ([]json.RawMessage, error) {
	value, err := self.client.Get(self.ctx, key).Result()
	if err == redis.Nil {
		return []json.RawMessage{}, nil
	}
	if err != nil {
		return nil, err
	}
	var list []json.RawMessage
	if err := json.Unmarshal([]byte(value), &list); err != nil {
		return nil, fmt.Errorf("malformed list at %s: %w", key, err)
	}
	return list, nil
}

func findAuthor(authors []*collab.AuthorState, authorID int) (int, *collab.AuthorState) {
	for i, state := range authors {
		if state != nil && state.AuthorID == authorID {
			return i, state
		}
	}
	return 0, nil
}

func sessionKey(sessionID int) string {
	return fmt.Sprintf("session:%d", sessionID)
}

func sessionField(sessionID int, field string) string {
	return fmt.Sprintf("session:%d:%s", sessionID, field)
}

func sessionNameKey(wikiScriptPath string, pageTitle string, pageNamespace int) string {
	return fmt.Sprintf("session:name:%s|%d|%s", wikiScriptPath, pageNamespace, pageTitle)
}
