package upstream

import (
	"encoding/base64"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
)

// Message types spoken by the voice-AI backend.
const (
	TypeAudio             = "audio"
	TypeAgentResponse     = "agent_response"
	TypeUserTranscript    = "user_transcript"
	TypeInterruption      = "interruption"
	TypeConversationEnded = "conversation_ended"
	TypeError             = "error"
)

// malformedLimit is the number of consecutive unparseable messages after
// which the connection is treated as permanently broken.
const malformedLimit = 25

// Message is a decoded upstream event. Audio carries the raw payload for
// TypeAudio; Text carries transcript/response text; ErrMsg the backend's
// error detail.
type Message struct {
	Type   string
	Audio  []byte
	Text   string
	ErrMsg string
}

type envelope struct {
	Type  string `json:"type"`
	Audio *struct {
		Payload string `json:"payload"`
	} `json:"audio,omitempty"`
	AgentResponse *struct {
		Text string `json:"text"`
	} `json:"agent_response,omitempty"`
	UserTranscript *struct {
		Text string `json:"text"`
	} `json:"user_transcript,omitempty"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Conn is the session-scoped connection to the voice-AI backend. It is
// exclusively owned by one call session and never shared.
type Conn struct {
	ws      *websocket.Conn
	recvCh  chan Message
	done    chan struct{}
	writeMu sync.Mutex
	closed  atomic.Bool

	malformed atomic.Int64
}

func newConn(ws *websocket.Conn, recvBuffer int) *Conn {
	return &Conn{
		ws:     ws,
		recvCh: make(chan Message, recvBuffer),
		done:   make(chan struct{}),
	}
}

// Recv exposes decoded upstream messages. The channel closes when the
// connection ends, from either side.
func (c *Conn) Recv() <-chan Message { return c.recvCh }

// SendAudio forwards one audio payload to the backend, preserving call
// order. Writes are serialized; no batching, no reordering.
func (c *Conn) SendAudio(payload []byte) error {
	msg := map[string]any{
		"type": TypeAudio,
		"audio": map[string]any{
			"payload": base64.StdEncoding.EncodeToString(payload),
		},
	}
	return c.writeJSON(msg)
}

// Close is idempotent and safe to call from either teardown path. It also
// releases a reader blocked on a full receive channel.
func (c *Conn) Close() error {
	if c.closed.CompareAndSwap(false, true) {
		close(c.done)
		return c.ws.Close()
	}
	return nil
}

// Malformed returns the count of dropped unparseable messages.
func (c *Conn) Malformed() int64 { return c.malformed.Load() }

func (c *Conn) sendInit() error {
	msg := map[string]any{
		"type":          "session_init",
		"output_format": OutputFormat,
	}
	return c.writeJSON(msg)
}

func (c *Conn) writeJSON(msg map[string]any) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, b)
}

func (c *Conn) startReader() {
	go c.readLoop()
}

func (c *Conn) readLoop() {
	defer close(c.recvCh)
	badStreak := 0
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		msg, ok := decode(raw)
		if !ok {
			c.malformed.Add(1)
			badStreak++
			if badStreak >= malformedLimit {
				c.push(Message{Type: TypeError, ErrMsg: "malformed message threshold exceeded"})
				_ = c.Close()
				return
			}
			continue
		}
		badStreak = 0
		if !c.push(msg) {
			return
		}
	}
}

// push delivers one decoded message, giving up once the connection is
// closed so a full channel with no consumer cannot wedge the reader.
func (c *Conn) push(msg Message) bool {
	select {
	case c.recvCh <- msg:
		return true
	case <-c.done:
		return false
	}
}

func decode(raw []byte) (Message, bool) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Message{}, false
	}
	switch env.Type {
	case TypeAudio:
		if env.Audio == nil {
			return Message{}, false
		}
		payload, err := base64.StdEncoding.DecodeString(env.Audio.Payload)
		if err != nil {
			return Message{}, false
		}
		return Message{Type: TypeAudio, Audio: payload}, true
	case TypeAgentResponse:
		m := Message{Type: TypeAgentResponse}
		if env.AgentResponse != nil {
			m.Text = env.AgentResponse.Text
		}
		return m, true
	case TypeUserTranscript:
		m := Message{Type: TypeUserTranscript}
		if env.UserTranscript != nil {
			m.Text = env.UserTranscript.Text
		}
		return m, true
	case TypeInterruption, TypeConversationEnded:
		return Message{Type: env.Type}, true
	case TypeError:
		m := Message{Type: TypeError}
		if env.Error != nil {
			m.ErrMsg = env.Error.Message
		}
		return m, true
	case "":
		return Message{}, false
	default:
		// Unknown but well-formed message types are observed and skipped.
		return Message{Type: env.Type}, true
	}
}
