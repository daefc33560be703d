/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package console

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	writeWait  = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The relay only listens on addresses chosen by the operator.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Relay exposes a Console over websocket connections. Every connection sees the console output
// as text messages; text messages sent by a connection are console input.
type Relay struct {
	console *Console
	log     logr.Logger

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

func NewRelay(console *Console, log logr.Logger) *Relay {
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	return &Relay{
		console: console,
		log:     log,
		conns:   make(map[*websocket.Conn]struct{}),
	}
}

// wsDisplay writes console output to one websocket connection.
type wsDisplay struct {
	conn    *websocket.Conn
	writeMu *sync.Mutex
}

func (d wsDisplay) Write(p []byte) (int, error) {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	_ = d.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := d.conn.WriteMessage(websocket.TextMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// ServeHTTP upgrades the request to a websocket connection and relays it until it closes.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.log.V(1).Info("console websocket upgrade failed", "Error", err.Error())
		return
	}

	r.mu.Lock()
	r.conns[conn] = struct{}{}
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.conns, conn)
		r.mu.Unlock()
		_ = conn.Close()
	}()

	log := r.log.WithValues("RemoteAddr", conn.RemoteAddr().String())
	log.V(1).Info("console client connected")

	var writeMu sync.Mutex
	removeDisplay := r.console.AddDisplay(wsDisplay{conn: conn, writeMu: &writeMu})
	defer removeDisplay()

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	stopPing := make(chan struct{})
	defer close(stopPing)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				writeMu.Lock()
				pingErr := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
				writeMu.Unlock()
				if pingErr != nil {
					return
				}
			case <-stopPing:
				return
			}
		}
	}()

	for {
		msgType, data, readErr := conn.ReadMessage()
		if readErr != nil {
			if !websocket.IsCloseError(readErr, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.V(1).Info("console client read failed", "Error", readErr.Error())
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		if inputErr := r.console.Input(string(data)); inputErr != nil {
			log.Info("console input dropped", "Reason", inputErr.Error())
		}
	}
}

type relayStatus struct {
	Attached bool `json:"attached"`
	Clients  int  `json:"clients"`
}

// Router serves the websocket endpoint on /console and the relay status on /console/status.
func (r *Relay) Router() http.Handler {
	router := mux.NewRouter()
	router.Handle("/console", r).Methods(http.MethodGet)
	router.HandleFunc("/console/status", r.serveStatus).Methods(http.MethodGet)
	return router
}

func (r *Relay) serveStatus(w http.ResponseWriter, _ *http.Request) {
	status := relayStatus{
		Attached: r.console.Attached(),
		Clients:  r.Clients(),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		r.log.V(1).Info("could not write relay status", "Error", err.Error())
	}
}

// Clients returns the number of connected websocket clients.
func (r *Relay) Clients() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Shutdown closes all active connections.
func (r *Relay) Shutdown() {
	r.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(r.conns))
	for conn := range r.conns {
		conns = append(conns, conn)
	}
	r.mu.Unlock()

	for _, conn := range conns {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "console shutting down"),
			time.Now().Add(time.Second))
		_ = conn.Close()
	}
}

// ListenAndServe serves the relay on address until the context is cancelled.
// The ready callback, if not nil, receives the address actually listened on.
func (r *Relay) ListenAndServe(ctx context.Context, address string, ready func(net.Addr)) error {
	lc := net.ListenConfig{}
	listener, listenErr := lc.Listen(ctx, "tcp", address)
	if listenErr != nil {
		return fmt.Errorf("failed to listen on %s: %w", address, listenErr)
	}

	server := &http.Server{
		Handler:           r.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	r.log.Info("console relay listening", "Address", listener.Addr().String())
	if ready != nil {
		ready(listener.Addr())
	}

	stop := context.AfterFunc(ctx, func() {
		r.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	})
	defer stop()

	serveErr := server.Serve(listener)
	if errors.Is(serveErr, http.ErrServerClosed) {
		return nil
	}
	return serveErr
}
