package collab

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/golang/glog"
)

// Rebaser coordinates rebases against a session's committed history. All
// read-modify-write of a session's history and author rebase state goes
// through the session lock, one writer per session at a time; different
// sessions proceed in parallel.
type Rebaser struct {
	sessionDAO SessionDAO

	mutex        sync.Mutex
	sessionLocks map[int]*sync.Mutex
}

func NewRebaser(sessionDAO SessionDAO) *Rebaser {
	return &Rebaser{
		sessionDAO:   sessionDAO,
		sessionLocks: map[int]*sync.Mutex{},
	}
}

// SessionLock returns the mutex serializing all history mutation for one
// session. The caller must hold it across ApplyChange and the following
// history push.
func (self *Rebaser) SessionLock(sessionID int) *sync.Mutex {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	lock, ok := self.sessionLocks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		self.sessionLocks[sessionID] = lock
	}
	return lock
}

// ApplyChange rebases an incoming change for an author against the session
// history. `backtrack` is how many previously rejected transactions the
// client claims to have accounted for. The returned session change is the
// committed history the applied change must be pushed onto; it is nil when
// nothing was rebased.
func (self *Rebaser) ApplyChange(sessionID int, author *Author, backtrack int, change *Change) (*Change, *Change, error) {
	if glog.V(2) {
		changeData, _ := json.Marshal(change)
		glog.Infof("Rebasing change for author %d in session %d, backtrack %d: %s",
			author.ID, sessionID, backtrack, changeData)
	}

	base, err := self.sessionDAO.GetAuthorContinueBase(sessionID, author)
	if err != nil {
		return nil, nil, err
	}
	if base == nil {
		base = change.Truncate(0)
	}
	rejections, err := self.sessionDAO.GetAuthorRejections(sessionID, author)
	if err != nil {
		return nil, nil, err
	}

	if rejections > backtrack {
		// The follow-on does not fully acknowledge outstanding conflicts:
		// reject it entirely.
		rejections = rejections - backtrack + change.Length()
		err := self.sessionDAO.ChangeAuthorDataInSession(sessionID, author.ID, "rejections", rejections)
		if err != nil {
			return nil, nil, err
		}
		// FIXME this publishes an empty change, which is not what we want
		glog.Warningf("Rejections (%d) higher than backtrack (%d), rejecting change entirely",
			rejections, backtrack)
		return NewEmptyChange(0), nil, nil
	}
	if rejections < backtrack {
		return nil, nil, fmt.Errorf("%w: backtrack=%d, rejections=%d", ErrBacktrack, backtrack, rejections)
	}

	if change.Start() > base.Start() {
		// The remote has rebased some committed changes into its history
		// since base was built. They are guaranteed to be equivalent to the
		// start of base.
		base = base.MostRecent(change.Start())
	}
	sessionChange, err := self.sessionDAO.GetChange(sessionID)
	if err != nil {
		return nil, nil, err
	}
	base, err = base.Concat(sessionChange.MostRecent(base.Start() + base.Length()))
	if err != nil {
		return nil, nil, err
	}
	result, err := RebaseUncommittedChange(base, change)
	if err != nil {
		return nil, nil, err
	}

	rejections = 0
	if result.Rejected != nil {
		rejections = result.Rejected.Length()
	}
	err = self.sessionDAO.ChangeAuthorDataInSession(sessionID, author.ID, "rejections", rejections)
	if err != nil {
		return nil, nil, err
	}
	continueBase, err := json.Marshal(result.TransposedHistory)
	if err != nil {
		return nil, nil, err
	}
	err = self.sessionDAO.ChangeAuthorDataInSession(sessionID, author.ID, "continueBase", string(continueBase))
	if err != nil {
		return nil, nil, err
	}

	if glog.V(2) {
		appliedData, _ := json.Marshal(result.Rebased)
		glog.Infof("Change rebased for author %d in session %d, rejections %d: %s",
			author.ID, sessionID, rejections, appliedData)
	}
	return result.Rebased, sessionChange, nil
}
