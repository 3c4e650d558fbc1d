package redisdao

import (
	"context"
	"fmt"
	"strconv"

	"collabpad.io/backend/collab"
	"github.com/redis/go-redis/v9"
)

// AuthorDAO stores global authors and connection links in Redis.
//
// Keys:
//
//	authors:count                 author id counter
//	author:id:<id>                hash {name}
//	author:name:<name>            author id
//	connection:<connId>           hash {sessionId, authorId}
//	connections                   set of live connection ids
type AuthorDAO struct {
	ctx    context.Context
	client *redis.Client
}

func NewAuthorDAO(ctx context.Context, client *redis.Client) *AuthorDAO {
	return &AuthorDAO{
		ctx:    ctx,
		client: client,
	}
}

func (self *AuthorDAO) SetNewAuthor(name string) error {
	authorID, err := self.client.Incr(self.ctx, "authors:count").Result()
	if err != nil {
		return err
	}
	pipe := self.client.TxPipeline()
	pipe.HSet(self.ctx, fmt.Sprintf("author:id:%d", authorID), "name", name)
	pipe.Set(self.ctx, "author:name:"+name, authorID, 0)
	_, err = pipe.Exec(self.ctx)
	return err
}

func (self *AuthorDAO) SetNewConnection(connectionID int, sessionID int, authorID int) error {
	pipe := self.client.TxPipeline()
	pipe.HSet(self.ctx, connectionKey(connectionID),
		"sessionId", sessionID,
		"authorId", authorID,
	)
	pipe.SAdd(self.ctx, "connections", connectionID)
	_, err := pipe.Exec(self.ctx)
	return err
}

func (self *AuthorDAO) DeleteConnection(connectionID int, authorID int) error {
	pipe := self.client.TxPipeline()
	pipe.Del(self.ctx, connectionKey(connectionID))
	pipe.SRem(self.ctx, "connections", connectionID)
	_, err := pipe.Exec(self.ctx)
	return err
}

func (self *AuthorDAO) GetSessionByConnection(connectionID int) (int, error) {
	value, err := self.client.HGet(self.ctx, connectionKey(connectionID), "sessionId").Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(value)
}

func (self *AuthorDAO) GetAuthorByConnection(connectionID int) (*collab.Author, error) {
	value, err := self.client.HGet(self.ctx, connectionKey(connectionID), "authorId").Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	authorID, err := strconv.Atoi(value)
	if err != nil {
		return nil, err
	}
	return self.GetAuthorByID(authorID)
}

func (self *AuthorDAO) GetConnectionsByName(sessionID int, name string) ([]int, error) {
	author, err := self.GetAuthorByName(name)
	if err != nil || author == nil {
		return []int{}, err
	}

	connectionIDs, err := self.allConnectionIDs()
	if err != nil {
		return nil, err
	}
	inSession := false
	connections := []int{}
	for _, connectionID := range connectionIDs {
		link, err := self.client.HGetAll(self.ctx, connectionKey(connectionID)).Result()
		if err != nil {
			return nil, err
		}
		if link["authorId"] != strconv.Itoa(author.ID) {
			continue
		}
		if link["sessionId"] == strconv.Itoa(sessionID) {
			inSession = true
		}
		connections = append(connections, connectionID)
	}
	if !inSession {
		return []int{}, nil
	}
	return connections, nil
}

func (self *AuthorDAO) GetAuthorByName(name string) (*collab.Author, error) {
	value, err := self.client.Get(self.ctx, "author:name:"+name).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	authorID, err := strconv.Atoi(value)
	if err != nil {
		return nil, err
	}
	return collab.NewAuthor(authorID, name), nil
}

func (self *AuthorDAO) GetAuthorByID(authorID int) (*collab.Author, error) {
	name, err := self.client.HGet(self.ctx, fmt.Sprintf("author:id:%d", authorID), "name").Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return collab.NewAuthor(authorID, name), nil
}

func (self *AuthorDAO) CleanConnections() error {
	connectionIDs, err := self.allConnectionIDs()
	if err != nil {
		return err
	}
	pipe := self.client.TxPipeline()
	for _, connectionID := range connectionIDs {
		pipe.Del(self.ctx, connectionKey(connectionID))
	}
	pipe.Del(self.ctx, "connections")
	_, err = pipe.Exec(self.ctx)
	return err
}

func (self *AuthorDAO) allConnectionIDs() ([]int, error) {
	values, err := self.client.SMembers(self.ctx, "connections").Result()
	if err != nil {
		return nil, err
	}
	connectionIDs := make([]int, 0, len(values))
	for _, value := range values {
		connectionID, err := strconv.Atoi(value)
		if err != nil {
			continue
		}
		connectionIDs = append(connectionIDs, connectionID)
	}
	return connectionIDs, nil
}

func connectionKey(connectionID int) string {
	return fmt.Sprintf("connection:%d", connectionID)
}
