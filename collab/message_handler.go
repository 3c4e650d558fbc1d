package collab

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strconv"

	"github.com/golang/glog"
)

// MessageHandler dispatches incoming wire events for established
// connections: keep-alive, disconnect, and the named content events.
type MessageHandler struct {
	authorDAO  AuthorDAO
	sessionDAO SessionDAO
	rebaser    *Rebaser
	config     *Config
}

func NewMessageHandler(authorDAO AuthorDAO, sessionDAO SessionDAO, rebaser *Rebaser, config *Config) *MessageHandler {
	return &MessageHandler{
		authorDAO:  authorDAO,
		sessionDAO: sessionDAO,
		rebaser:    rebaser,
		config:     config,
	}
}

// Handle decodes one raw frame from a connection, routes it, and fans the
// response out to the relevant subset of the session's connections.
func (self *MessageHandler) Handle(from Connection, message string, connectionList *ConnectionList) {
	relevantConnections := []int{}
	notRelevantConnections := []int{}

	glog.V(2).Infof("Received raw message: %s", message)
	event := parseEvent(message)
	if event == nil {
		glog.Errorf("Malformed message: %s", message)
		return
	}
	connectionID := from.ID()
	author, err := self.authorDAO.GetAuthorByConnection(connectionID)
	if err != nil || author == nil {
		glog.Errorf("Author not found for connection ID: %d", connectionID)
		return
	}
	sessionID, err := self.authorDAO.GetSessionByConnection(connectionID)
	if err != nil {
		glog.Errorf("Session not found for connection ID: %d: %v", connectionID, err)
		return
	}

	eventID, err := strconv.Atoi(event.id)
	if err != nil {
		glog.Errorf("Unknown event type: %s", event.id)
		return
	}

	response := ""
	switch eventID {
	case EventIsAlive:
		glog.V(2).Infof("Received keep-alive message from %d", connectionID)
		response = strconv.Itoa(EventKeepAlive)
		relevantConnections = append(relevantConnections, connectionID)
	case EventConnectionRefused:
		response = self.authorDisconnect(sessionID, author.ID, connectionID)
		notRelevantConnections = append(notRelevantConnections, connectionID)
		glog.Infof("Session (ID:%d) author (ID:%d) disconnected", sessionID, author.ID)
	case EventContent:
		switch event.name {
		case "changeAuthor":
			response = self.authorChange(sessionID, author.ID, event.data)
			glog.Infof("Session (ID:%d) author data (ID:%d) changed", sessionID, author.ID)
		case "submitChange":
			applied, err := self.submitChange(from, sessionID, author, event.data)
			if err != nil {
				glog.Errorf("Error processing change: %v", err)
				if clearErr := self.sessionDAO.ClearAuthorRebaseData(sessionID, author.ID); clearErr != nil {
					glog.Errorf("Error clearing rebase data: %v", clearErr)
				}
				if self.config.BehaviourOnError == BehaviourReinit {
					glog.Infof("Sending re-initialization message")
					self.reInitForClient(from, sessionID)
				}
				return
			}
			if !applied.IsEmpty() {
				response = self.newChange(sessionID, applied)
			} else {
				glog.Errorf("Change is empty, skipping")
			}
		case "deleteSession":
			response = EncodeEvent(EventContent, "deleteSession", strconv.Itoa(author.ID))
			if connections, err := self.sessionDAO.GetActiveConnections(sessionID); err == nil {
				relevantConnections = connections
			}
			if err := self.sessionDAO.DeleteSession(sessionID); err != nil {
				glog.Errorf("Error deleting session %d: %v", sessionID, err)
			}
			glog.Infof("Session (ID:%d) deleted by author (ID:%d)", sessionID, author.ID)
		case "saveRevision":
			response = EncodeEvent(EventContent, "saveRevision", strconv.Itoa(author.ID))
			notRelevantConnections = append(notRelevantConnections, connectionID)
			glog.Infof("Session (ID:%d) author (ID:%d) saved revision", sessionID, author.ID)
		case "logEvent":
			// client log events are not processed
			return
		default:
			glog.Errorf("Unknown event name: %s", event.name)
			return
		}
	default:
		glog.Errorf("Unknown event type: %d", eventID)
		return
	}

	if response == "" {
		return
	}
	self.sendMessage(connectionList, response, sessionID, relevantConnections, notRelevantConnections)
}

func (self *MessageHandler) authorDisconnect(sessionID int, authorID int, connectionID int) string {
	sessionAuthor, err := self.sessionDAO.GetAuthorInSession(sessionID, authorID)
	if err != nil || sessionAuthor == nil {
		return ""
	}

	authorActive := false
	if sessionAuthor.State != nil {
		authorActive = len(sessionAuthor.State.Connections) != 1
	}

	if err := self.sessionDAO.DeactivateAuthor(sessionID, authorActive, authorID); err != nil {
		glog.Errorf("Error deactivating author %d: %v", authorID, err)
	}
	if err := self.authorDAO.DeleteConnection(connectionID, authorID); err != nil {
		glog.Errorf("Error deleting connection %d: %v", connectionID, err)
	}

	if authorActive {
		return ""
	}
	return EncodeEvent(EventContent, "authorDisconnect", strconv.Itoa(sessionAuthor.ID))
}

type authorData struct {
	Name     string `json:"name"`
	RealName string `json:"realName"`
	Color    string `json:"color"`
}

type authorChangeResponse struct {
	AuthorID   int        `json:"authorId"`
	AuthorData authorData `json:"authorData"`
}

func (self *MessageHandler) authorChange(sessionID int, authorID int, eventData string) string {
	var fields map[string]any
	if err := json.Unmarshal([]byte(eventData), &fields); err != nil {
		glog.Errorf("Malformed changeAuthor data: %v", err)
		return ""
	}

	for key, value := range fields {
		if key == "name" {
			continue
		}
		if err := self.sessionDAO.ChangeAuthorDataInSession(sessionID, authorID, key, value); err != nil {
			glog.Errorf("Error updating author %d field %s: %v", authorID, key, err)
		}
	}

	sessionAuthor, err := self.sessionDAO.GetAuthorInSession(sessionID, authorID)
	if err != nil || sessionAuthor == nil || sessionAuthor.State == nil {
		return ""
	}
	response, err := json.Marshal(authorChangeResponse{
		AuthorID: sessionAuthor.ID,
		AuthorData: authorData{
			Name:     sessionAuthor.State.Name,
			RealName: sessionAuthor.State.RealName,
			Color:    sessionAuthor.State.Color,
		},
	})
	if err != nil {
		return ""
	}
	return EncodeEvent(EventContent, "authorChange", string(response))
}

type submitChangePayload struct {
	Backtrack int            `json:"backtrack"`
	Change    *changePayload `json:"change"`
}

type changePayload struct {
	Start        int               `json:"start"`
	Transactions []json.RawMessage `json:"transactions"`
	Selections   json.RawMessage   `json:"selections"`
	Stores       json.RawMessage   `json:"stores"`
}

func (self *MessageHandler) submitChange(from Connection, sessionID int, author *Author, eventData string) (*Change, error) {
	payload, err := parseSubmitChange(eventData)
	if err != nil {
		return nil, err
	}
	change, err := createChange(payload)
	if err != nil {
		return nil, err
	}

	// Single writer per session: the rebase read-modify-write and the
	// history push must not interleave with other submitters.
	lock := self.rebaser.SessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	applied, sessionChange, err := self.rebaser.ApplyChange(sessionID, author, payload.Backtrack, change)
	if err != nil {
		return nil, err
	}
	if !applied.IsEmpty() {
		if sessionChange == nil {
			// if the rebased change will be emitted, the session change
			// must also be updated, or the session breaks
			return nil, errors.New("change rebased, but no session change retrieved")
		}
		if err := sessionChange.Push(applied); err != nil {
			return nil, err
		}
		if err := self.sessionDAO.ReplaceHistory(sessionID, sessionChange); err != nil {
			return nil, err
		}
	}
	return applied, nil
}

// Lone UTF-16 surrogates split across adjacent JSON string units corrupt the
// payload; merge them back into a single escaped pair before decoding.
var brokenSurrogatePattern = regexp.MustCompile(`(?i)"\\u(d[89ab][0-9a-f]{2})","\\u(d[c-f][0-9a-f]{2})"`)

func fixSurrogatePairs(data string) string {
	return brokenSurrogatePattern.ReplaceAllString(data, `"","\u$1\u$2"`)
}

func parseSubmitChange(eventData string) (*submitChangePayload, error) {
	if eventData == "" {
		return nil, errors.New("missing eventData in message")
	}
	var payload submitChangePayload
	if err := json.Unmarshal([]byte(fixSurrogatePairs(eventData)), &payload); err != nil {
		return nil, fmt.Errorf("error parsing eventData: %w", err)
	}
	return &payload, nil
}

func createChange(payload *submitChangePayload) (*Change, error) {
	if payload.Change == nil {
		return nil, errors.New("missing change in eventData")
	}
	selections, err := decodeSelections(payload.Change.Selections)
	if err != nil {
		return nil, err
	}
	stores, err := decodeStoreList(payload.Change.Stores)
	if err != nil {
		return nil, err
	}
	return NewChangeFromData(payload.Change.Start, payload.Change.Transactions, selections, stores)
}

func (self *MessageHandler) newChange(sessionID int, change *Change) string {
	changeData, err := json.Marshal(change)
	if err != nil {
		glog.Errorf("Error serializing change: %v", err)
		return ""
	}
	glog.V(2).Infof("Emit change for session %d: %s", sessionID, changeData)
	return EncodeEvent(EventContent, "newChange", string(changeData))
}

func (self *MessageHandler) reInitForClient(conn Connection, sessionID int) {
	message, err := initDocMessage(self.sessionDAO, sessionID)
	if err != nil {
		glog.Errorf("Error building re-init message for session %d: %v", sessionID, err)
		return
	}
	if err := conn.Send(message); err != nil {
		glog.Errorf("Error sending re-init message: %v", err)
	}
}

// sendMessage delivers a response. Recipients default to all active
// connections in the session; an explicit relevant set overrides that, and
// the not-relevant set is always subtracted. Closed or missing connections
// are skipped.
func (self *MessageHandler) sendMessage(
	connectionList *ConnectionList, message string, sessionID int,
	relevantConnections []int, notRelevantConnections []int,
) {
	recipients := relevantConnections
	if len(recipients) == 0 {
		connections, err := self.sessionDAO.GetActiveConnections(sessionID)
		if err != nil {
			glog.Errorf("Error listing active connections for session %d: %v", sessionID, err)
			return
		}
		recipients = connections
	}

	glog.V(2).Infof("Sending message '%s' to: %v", message, recipients)
	for _, recipient := range recipients {
		if slices.Contains(notRelevantConnections, recipient) {
			continue
		}
		conn := connectionList.Get(recipient)
		if conn != nil {
			if err := conn.Send(message); err != nil {
				glog.V(1).Infof("Error sending to connection %d: %v", recipient, err)
			}
		}
	}
}
