// Package proto defines the frames exchanged between coordinators through a
// message dispatcher.
package proto

import (
	"encoding/json"
	"fmt"
	"strings"

	"lockstep/server/internal/consistency"
)

type Kind string

const (
	KindActions      Kind = "actions"
	KindTick         Kind = "tick"
	KindJoinRequest  Kind = "join_request"
	KindJoinReply    Kind = "join_reply"
	KindConfirm      Kind = "confirm"
	KindWelcome      Kind = "welcome"
	KindChat         Kind = "chat"
	KindPause        Kind = "pause"
	KindLevel        Kind = "level"
	KindLeave        Kind = "leave"
	KindAddPlayer    Kind = "add_player"
	KindRemovePlayer Kind = "remove_player"
	KindState        Kind = "state"
)

// Destination addresses a frame. Peer destinations carry the peer id.
type Destination string

const (
	ToServer Destination = "server"
	ToAll    Destination = "*"
)

const peerPrefix = "peer:"

func ToPeer(id string) Destination {
	return Destination(peerPrefix + id)
}

// Peer returns the peer id of a peer destination.
func (d Destination) Peer() (string, bool) {
	if !strings.HasPrefix(string(d), peerPrefix) {
		return "", false
	}
	return strings.TrimPrefix(string(d), peerPrefix), true
}

// Character describes a player joining the session.
type Character struct {
	Name  string `json:"name"`
	Team  string `json:"team,omitempty"`
	Model string `json:"model,omitempty"`
}

// Player binds a session slot to the peer that owns it.
type Player struct {
	Slot      int       `json:"slot"`
	Character Character `json:"character"`
	Peer      string    `json:"peer,omitempty"`
	Local     int       `json:"local"`
}

type Action struct {
	Slot int    `json:"slot"`
	Data []byte `json:"data,omitempty"`
}

// TickFrame is the authoritative result of one server tick. An Idle frame
// repeats the current Seq while the server holds time (paused or waiting for
// players) and carries nothing to apply.
type TickFrame struct {
	Seq     uint64   `json:"seq"`
	Idle    bool     `json:"idle,omitempty"`
	Actions []Action `json:"actions,omitempty"`
	Joins   []Player `json:"joins,omitempty"`
	Leaves  []int    `json:"leaves,omitempty"`
}

type JoinRequest struct {
	Version      consistency.Version `json:"version"`
	LocalPlayers int                 `json:"localPlayers"`
}

type JoinReply struct {
	Accepted    bool                    `json:"accepted"`
	Full        bool                    `json:"full,omitempty"`
	Reason      string                  `json:"reason,omitempty"`
	Version     consistency.Version     `json:"version"`
	Mod         string                  `json:"mod,omitempty"`
	Fingerprint consistency.Fingerprint `json:"fingerprint"`
	Session     string                  `json:"session,omitempty"`
	World       string                  `json:"world,omitempty"`
	MaxPlayers  int                     `json:"maxPlayers"`
}

type Confirm struct {
	Combined consistency.Checksum `json:"combined"`
}

type Welcome struct {
	Tick         uint64   `json:"tick"`
	World        string   `json:"world"`
	DefaultState []byte   `json:"defaultState,omitempty"`
	Delta        []byte   `json:"delta,omitempty"`
	Properties   []byte   `json:"properties,omitempty"`
	Players      []Player `json:"players,omitempty"`
	Paused       bool     `json:"paused,omitempty"`
}

type Chat struct {
	From uint32 `json:"from"`
	To   uint32 `json:"to"`
	Text string `json:"text"`
}

type Pause struct {
	Paused bool `json:"paused"`
}

type Level struct {
	World    string `json:"world"`
	Remember bool   `json:"remember,omitempty"`
	UserData int32  `json:"userData,omitempty"`
	Tick     uint64 `json:"tick"`
}

type Leave struct {
	Reason string `json:"reason,omitempty"`
}

// AddPlayer is a slot request from a client; the server answers with the
// same kind carrying Slot or Error.
type AddPlayer struct {
	Character Character `json:"character"`
	Local     int       `json:"local"`
	Slot      int       `json:"slot"`
	Error     string    `json:"error,omitempty"`
}

type RemovePlayer struct {
	Slot int `json:"slot"`
}

// State carries a full snapshot for saves and the opening record of demos.
type State struct {
	World      string   `json:"world"`
	Tick       uint64   `json:"tick"`
	Snapshot   []byte   `json:"snapshot,omitempty"`
	Properties []byte   `json:"properties,omitempty"`
	Players    []Player `json:"players,omitempty"`
	History    []Level  `json:"history,omitempty"`
}

// Frame is the envelope for every message. Exactly one body field matching
// Kind is set. From is stamped by the dispatcher on receipt.
type Frame struct {
	Kind         Kind          `json:"kind"`
	From         string        `json:"from,omitempty"`
	Tick         *TickFrame    `json:"tick,omitempty"`
	Actions      []Action      `json:"actions,omitempty"`
	JoinRequest  *JoinRequest  `json:"joinRequest,omitempty"`
	JoinReply    *JoinReply    `json:"joinReply,omitempty"`
	Confirm      *Confirm      `json:"confirm,omitempty"`
	Welcome      *Welcome      `json:"welcome,omitempty"`
	Chat         *Chat         `json:"chat,omitempty"`
	Pause        *Pause        `json:"pause,omitempty"`
	Level        *Level        `json:"level,omitempty"`
	Leave        *Leave        `json:"leave,omitempty"`
	AddPlayer    *AddPlayer    `json:"addPlayer,omitempty"`
	RemovePlayer *RemovePlayer `json:"removePlayer,omitempty"`
	State        *State        `json:"state,omitempty"`
}

// Validate checks that the body for Kind is present.
func (f Frame) Validate() error {
	var ok bool
	switch f.Kind {
	case KindActions:
		ok = true
	case KindTick:
		ok = f.Tick != nil
	case KindJoinRequest:
		ok = f.JoinRequest != nil
	case KindJoinReply:
		ok = f.JoinReply != nil
	case KindConfirm:
		ok = f.Confirm != nil
	case KindWelcome:
		ok = f.Welcome != nil
	case KindChat:
		ok = f.Chat != nil
	case KindPause:
		ok = f.Pause != nil
	case KindLevel:
		ok = f.Level != nil
	case KindLeave:
		ok = true
	case KindAddPlayer:
		ok = f.AddPlayer != nil
	case KindRemovePlayer:
		ok = f.RemovePlayer != nil
	case KindState:
		ok = f.State != nil
	default:
		return fmt.Errorf("unknown frame kind %q", f.Kind)
	}
	if !ok {
		return fmt.Errorf("frame %s: missing body", f.Kind)
	}
	return nil
}

// Codec converts frames to bytes for the wire and for demo records.
type Codec interface {
	Encode(Frame) ([]byte, error)
	Decode([]byte) (Frame, error)
}

// JSONCodec encodes frames as JSON objects.
type JSONCodec struct{}

func (JSONCodec) Encode(frame Frame) ([]byte, error) {
	if err := frame.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", frame.Kind, err)
	}
	return data, nil
}

func (JSONCodec) Decode(data []byte) (Frame, error) {
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if err := frame.Validate(); err != nil {
		return Frame{}, err
	}
	return frame, nil
}
