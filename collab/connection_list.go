package collab

import (
	"sync"
)

// Connection is a live client connection handle. The websocket server
// provides the real implementation; tests substitute their own.
type Connection interface {
	ID() int
	Send(message string) error
	Close() error
}

type connectionEntry struct {
	connection Connection
	authorID   int
}

// ConnectionList maps live connection ids to their handles and authors.
// Shared across all connection goroutines.
type ConnectionList struct {
	mutex       sync.Mutex
	connections map[int]*connectionEntry
}

func NewConnectionList() *ConnectionList {
	return &ConnectionList{
		connections: map[int]*connectionEntry{},
	}
}

func (self *ConnectionList) Add(connection Connection, authorID int) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.connections[connection.ID()] = &connectionEntry{
		connection: connection,
		authorID:   authorID,
	}
}

// Get returns nil when there is no such connection.
func (self *ConnectionList) Get(connectionID int) Connection {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if entry, ok := self.connections[connectionID]; ok {
		return entry.connection
	}
	return nil
}

func (self *ConnectionList) Remove(connectionID int) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	delete(self.connections, connectionID)
}
