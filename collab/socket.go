package collab

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// SocketServer accepts websocket connections and runs one reader goroutine
// per connection. Opening hands off to the OpenHandler, every following
// frame to the MessageHandler, and a closed transport is surfaced to the
// handlers as a synthesized disconnect frame.
type SocketServer struct {
	ctx    context.Context
	cancel context.CancelFunc

	config   *Config
	settings *SocketSettings

	authorDAO      AuthorDAO
	openHandler    *OpenHandler
	messageHandler *MessageHandler
	connectionList *ConnectionList

	upgrader         websocket.Upgrader
	nextConnectionID atomic.Int64
}

func NewSocketServer(
	ctx context.Context,
	config *Config,
	settings *SocketSettings,
	authorDAO AuthorDAO,
	sessionDAO SessionDAO,
	access AccessController,
) *SocketServer {
	cancelCtx, cancel := context.WithCancel(ctx)

	// connections from a previous run are gone; drop their records so
	// authors are not counted as still logged in
	if err := authorDAO.CleanConnections(); err != nil {
		glog.Errorf("Error cleaning author connections: %v", err)
	}
	if err := sessionDAO.CleanConnections(); err != nil {
		glog.Errorf("Error cleaning session connections: %v", err)
	}

	rebaser := NewRebaser(sessionDAO)
	return &SocketServer{
		ctx:            cancelCtx,
		cancel:         cancel,
		config:         config,
		settings:       settings,
		authorDAO:      authorDAO,
		openHandler:    NewOpenHandler(authorDAO, sessionDAO, access, config),
		messageHandler: NewMessageHandler(authorDAO, sessionDAO, rebaser, config),
		connectionList: NewConnectionList(),
		upgrader: websocket.Upgrader{
			HandshakeTimeout: settings.HandshakeTimeout,
			ReadBufferSize:   settings.ReadBufferSize,
			WriteBufferSize:  settings.WriteBufferSize,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// ListenAndServe blocks until the context is canceled or the listener
// fails.
func (self *SocketServer) ListenAndServe() error {
	router := mux.NewRouter()
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	router.PathPrefix("/").HandlerFunc(self.serveWebsocket)

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", self.config.BindAddress, self.config.Port),
		Handler: router,
		BaseContext: func(listener net.Listener) context.Context {
			return self.ctx
		},
	}

	go func() {
		<-self.ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		server.Shutdown(shutdownCtx)
	}()

	glog.Infof("Listening on %s", server.Addr)
	err := server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (self *SocketServer) Close() {
	self.cancel()
}

func (self *SocketServer) serveWebsocket(w http.ResponseWriter, r *http.Request) {
	docName := r.URL.Query().Get("docName")
	if docName == "" {
		http.Error(w, "missing docName", http.StatusBadRequest)
		return
	}

	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Errorf("Error upgrading connection: %v", err)
		return
	}

	conn := &wsConnection{
		id:       int(self.nextConnectionID.Add(1)),
		ws:       ws,
		settings: self.settings,
	}
	go self.runConnection(conn, docName)
}

func (self *SocketServer) runConnection(conn *wsConnection, docName string) {
	defer conn.Close()

	if !self.openHandler.Handle(self.ctx, conn, docName, self.connectionList) {
		return
	}

	conn.ws.SetReadLimit(self.settings.MaxMessageSize)
	for {
		conn.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, data, err := conn.ws.ReadMessage()
		if err != nil {
			glog.V(1).Infof("Connection %d read ended: %v", conn.ID(), err)
			break
		}
		if messageType != websocket.TextMessage {
			continue
		}
		self.messageHandler.Handle(conn, string(data), self.connectionList)
	}

	// transport gone without an explicit disconnect frame, synthesize one
	// so the author bookkeeping still runs
	author, err := self.authorDAO.GetAuthorByConnection(conn.ID())
	if err == nil && author != nil {
		self.messageHandler.Handle(conn, "41", self.connectionList)
	}
	self.connectionList.Remove(conn.ID())
}

// wsConnection is the live websocket handle. Sends from the reader
// goroutine and from other connections' fan-out are serialized by the
// write mutex.
type wsConnection struct {
	id       int
	ws       *websocket.Conn
	settings *SocketSettings

	writeMutex sync.Mutex
}

func (self *wsConnection) ID() int {
	return self.id
}

func (self *wsConnection) Send(message string) error {
	self.writeMutex.Lock()
	defer self.writeMutex.Unlock()
	self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	return self.ws.WriteMessage(websocket.TextMessage, []byte(message))
}

func (self *wsConnection) Close() error {
	return self.ws.Close()
}
