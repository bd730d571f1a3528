package gateway

import (
	"time"

	"github.com/mcdev12/buzzroom/go/internal/models"
)

// CommandType is the type of a client to server message.
type CommandType string

const (
	CommandBuzz            CommandType = "buzz"
	CommandResetBuzz       CommandType = "resetBuzz"
	CommandEnableBuzz      CommandType = "enableBuzz"
	CommandDisableBuzz     CommandType = "disableBuzz"
	CommandAwardCorrect    CommandType = "awardCorrect"
	CommandAwardWrong      CommandType = "awardWrong"
	CommandAwardSuper      CommandType = "awardSuper"
	CommandReject          CommandType = "reject"
	CommandSubmitAnswer    CommandType = "submitAnswer"
	CommandSetGameMode     CommandType = "setGameMode"
	CommandStartTimer      CommandType = "startTimer"
	CommandStopTimer       CommandType = "stopTimer"
	CommandStartCountdown  CommandType = "startCountdown"
	CommandStopCountdown   CommandType = "stopCountdown"
	CommandLeaveRoom       CommandType = "leaveRoom"
	CommandPlaybackStarted CommandType = "playbackStarted"
	CommandPlaybackPaused  CommandType = "playbackPaused"
	CommandPlaybackEnded   CommandType = "playbackEnded"
	CommandDesignateSource CommandType = "designateSource"
	CommandResetAudio      CommandType = "resetAudio"
)

// ClientMessage is sent by a client over the websocket. Only the fields the
// command needs are set.
type ClientMessage struct {
	Type      CommandType `json:"type"`
	RequestID string      `json:"request_id,omitempty"`
	Answer    string      `json:"answer,omitempty"`
	Track     string      `json:"track,omitempty"`
	Seconds   float64     `json:"seconds,omitempty"`
	Mode      string      `json:"mode,omitempty"`
}

// MessageType is the type of a server to client message.
type MessageType string

const (
	MessageState   MessageType = "state"
	MessageEvent   MessageType = "event"
	MessageError   MessageType = "error"
	MessageAck     MessageType = "ack"
	MessageCommand MessageType = "command"
)

// Device commands sent to the client's media outputs.
const (
	DevicePlay             = "play"
	DevicePause            = "pause"
	DeviceRelayStart       = "relayStart"
	DeviceRelayStop        = "relayStop"
	DeviceBackgroundVolume = "backgroundVolume"
	DeviceBackgroundPlay   = "backgroundPlay"
	DeviceBackgroundPause  = "backgroundPause"
)

// ServerMessage is sent to a client.
type ServerMessage struct {
	Type      MessageType  `json:"type"`
	RequestID string       `json:"request_id,omitempty"`
	RoomCode  string       `json:"room_code,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
	Room      *models.Room `json:"room,omitempty"`
	Phase     models.Phase `json:"phase,omitempty"`
	Event     string       `json:"event,omitempty"`
	Payload   interface{}  `json:"payload,omitempty"`
	Command   string       `json:"command,omitempty"`
	Track     string       `json:"track,omitempty"`
	Volume    *float64     `json:"volume,omitempty"`
	Error     string       `json:"error,omitempty"`
	Retryable bool         `json:"retryable,omitempty"`
}
