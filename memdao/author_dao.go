package memdao

import (
	"sync"

	"collabpad.io/backend/collab"
)

type connectionLink struct {
	connectionID int
	sessionID    int
}

type authorRecord struct {
	id          int
	name        string
	connections []connectionLink
}

// AuthorDAO is the in-memory author store. State does not survive a
// restart; intended for single node deployments and tests.
type AuthorDAO struct {
	mutex   sync.RWMutex
	authors []*authorRecord
}

func NewAuthorDAO() *AuthorDAO {
	return &AuthorDAO{}
}

func (self *AuthorDAO) SetNewAuthor(name string) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.authors = append(self.authors, &authorRecord{
		id:   len(self.authors) + 1,
		name: name,
	})
	return nil
}

func (self *AuthorDAO) SetNewConnection(connectionID int, sessionID int, authorID int) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	for _, author := range self.authors {
		if author.id == authorID {
			author.connections = append(author.connections, connectionLink{
				connectionID: connectionID,
				sessionID:    sessionID,
			})
			return nil
		}
	}
	return nil
}

func (self *AuthorDAO) DeleteConnection(connectionID int, authorID int) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	for _, author := range self.authors {
		if author.id != authorID {
			continue
		}
		for i, link := range author.connections {
			if link.connectionID == connectionID {
				author.connections = append(author.connections[:i], author.connections[i+1:]...)
				break
			}
		}
	}
	return nil
}

func (self *AuthorDAO) GetSessionByConnection(connectionID int) (int, error) {
	self.mutex.RLock()
	defer self.mutex.RUnlock()
	for _, author := range self.authors {
		for _, link := range author.connections {
			if link.connectionID == connectionID {
				return link.sessionID, nil
			}
		}
	}
	return 0, nil
}

func (self *AuthorDAO) GetAuthorByConnection(connectionID int) (*collab.Author, error) {
	self.mutex.RLock()
	defer self.mutex.RUnlock()
	for _, author := range self.authors {
		for _, link := range author.connections {
			if link.connectionID == connectionID {
				return collab.NewAuthor(author.id, author.name), nil
			}
		}
	}
	return nil, nil
}

func (self *AuthorDAO) GetConnectionsByName(sessionID int, name string) ([]int, error) {
	self.mutex.RLock()
	defer self.mutex.RUnlock()
	for _, author := range self.authors {
		if author.name != name {
			continue
		}
		inSession := false
		connections := []int{}
		for _, link := range author.connections {
			if link.sessionID == sessionID {
				inSession = true
			}
			connections = append(connections, link.connectionID)
		}
		if inSession {
			return connections, nil
		}
	}
	return []int{}, nil
}

func (self *AuthorDAO) GetAuthorByName(name string) (*collab.Author, error) {
	self.mutex.RLock()
	defer self.mutex.RUnlock()
	for _, author := range self.authors {
		if author.name == name {
			return collab.NewAuthor(author.id, author.name), nil
		}
	}
	return nil, nil
}

func (self *AuthorDAO) GetAuthorByID(authorID int) (*collab.Author, error) {
	self.mutex.RLock()
	defer self.mutex.RUnlock()
	for _, author := range self.authors {
		if author.id == authorID {
			return collab.NewAuthor(author.id, author.name), nil
		}
	}
	return nil, nil
}

func (self *AuthorDAO) CleanConnections() error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	for _, author := range self.authors {
		author.connections = nil
	}
	return nil
}
