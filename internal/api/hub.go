package api

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fleetd/fleetd/internal/logx"
	"github.com/fleetd/fleetd/internal/model"
)

// Inbound message types sent by workers.
const (
	msgHeartbeat = "heartbeat"
	msgProgress  = "progress"
	msgStatus    = "status"
)

// Outbound message types pushed to workers.
const (
	msgStop     = "stop"
	msgRecovery = "recovery"
)

// WireMessage is the envelope for both directions of the agent stream.
type WireMessage struct {
	Type   string           `json:"type"`
	TaskID string           `json:"task_id,omitempty"`
	State  model.AgentState `json:"state,omitempty"`
	Mode   string           `json:"mode,omitempty"`
	Status model.TaskStatus `json:"status,omitempty"`
	Action string           `json:"action,omitempty"`
	Detail string           `json:"detail,omitempty"`
	Error  string           `json:"error,omitempty"`
}

// TaskSink is the hub's write path into the scheduler.
type TaskSink interface {
	ReportProgress(taskID, detail string) error
	UpdateStatus(taskID string, status model.TaskStatus, errMsg string) error
}

// AgentSink is the hub's write path into the registry.
type AgentSink interface {
	Heartbeat(name string, state model.AgentState, mode string) (*model.Agent, error)
}

type agentConn struct {
	name     string
	conn     *websocket.Conn
	send     chan WireMessage
	done     chan struct{}
	stopOnce sync.Once
}

func (ac *agentConn) stop() {
	ac.stopOnce.Do(func() {
		close(ac.done)
		_ = ac.conn.Close()
	})
}

// Hub owns the live websocket sessions, one per connected agent. It is
// the delivery path for stop signals and recovery actions.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]*agentConn

	tasks  TaskSink
	agents AgentSink
	log    *logx.Logger
}

const (
	writeWait      = 10 * time.Second
	sendBufferSize = 16
)

func NewHub(tasks TaskSink, agents AgentSink, log *logx.Logger) *Hub {
	return &Hub{
		conns:  make(map[string]*agentConn),
		tasks:  tasks,
		agents: agents,
		log:    log,
	}
}

// Attach takes over an upgraded connection for the named agent and
// blocks until it closes. A second connection for the same agent
// replaces the first.
func (h *Hub) Attach(agentName string, conn *websocket.Conn) {
	ac := &agentConn{
		name: agentName,
		conn: conn,
		send: make(chan WireMessage, sendBufferSize),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	if old, ok := h.conns[agentName]; ok {
		old.stop()
	}
	h.conns[agentName] = ac
	h.mu.Unlock()

	h.log.Infof("agent_stream_open agent=%s", agentName)

	go h.writeLoop(ac)
	h.readLoop(ac)

	h.mu.Lock()
	if h.conns[agentName] == ac {
		delete(h.conns, agentName)
	}
	h.mu.Unlock()
	ac.stop()
	h.log.Infof("agent_stream_closed agent=%s", agentName)
}

func (h *Hub) readLoop(ac *agentConn) {
	for {
		_, data, err := ac.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg WireMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.log.Debugf("agent_stream_bad_message agent=%s error=%v", ac.name, err)
			continue
		}
		h.dispatch(ac.name, msg)
	}
}

func (h *Hub) writeLoop(ac *agentConn) {
	for {
		select {
		case msg := <-ac.send:
			_ = ac.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ac.conn.WriteJSON(msg); err != nil {
				h.log.Debugf("agent_stream_write agent=%s error=%v", ac.name, err)
				return
			}
		case <-ac.done:
			return
		}
	}
}

func (h *Hub) dispatch(agentName string, msg WireMessage) {
	switch msg.Type {
	case msgHeartbeat:
		if _, err := h.agents.Heartbeat(agentName, msg.State, msg.Mode); err != nil {
			h.log.Warnf("stream_heartbeat agent=%s error=%v", agentName, err)
		}
	case msgProgress:
		if err := h.tasks.ReportProgress(msg.TaskID, msg.Detail); err != nil {
			h.log.Debugf("stream_progress agent=%s task=%s error=%v", agentName, msg.TaskID, err)
		}
	case msgStatus:
		if err := h.tasks.UpdateStatus(msg.TaskID, msg.Status, msg.Error); err != nil {
			h.log.Warnf("stream_status agent=%s task=%s error=%v", agentName, msg.TaskID, err)
		}
	default:
		h.log.Debugf("stream_unknown_type agent=%s type=%q", agentName, msg.Type)
	}
}

// push queues a message for an agent without blocking the caller.
func (h *Hub) push(agentName string, msg WireMessage) error {
	h.mu.RLock()
	ac, ok := h.conns[agentName]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("agent %s has no open stream", agentName)
	}

	select {
	case ac.send <- msg:
		return nil
	default:
		return fmt.Errorf("agent %s stream backlogged", agentName)
	}
}

// SignalStop interrupts the worker running a task. Best effort: a
// disconnected agent is handled by the liveness sweep.
func (h *Hub) SignalStop(agentName, taskID string) {
	if err := h.push(agentName, WireMessage{Type: msgStop, TaskID: taskID}); err != nil {
		h.log.Warnf("signal_stop agent=%s task=%s error=%v", agentName, taskID, err)
	}
}

// Apply delivers a recovery action over the agent's stream.
func (h *Hub) Apply(ctx context.Context, action, agentName, taskID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return h.push(agentName, WireMessage{Type: msgRecovery, Action: action, TaskID: taskID})
}

// Connected reports whether an agent has an open stream.
func (h *Hub) Connected(agentName string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.conns[agentName]
	return ok
}

// Close drops every open stream.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for name, ac := range h.conns {
		ac.stop()
		delete(h.conns, name)
	}
}
