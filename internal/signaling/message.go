package signaling

import (
	"github.com/pion/webrtc/v4"
)

// Client to server message types
const (
	TypeCheckRoom   = "check-room"
	TypeCreateRoom  = "create-room"
	TypeJoinRoom    = "join-room"
	TypeAnswer      = "answer"
	TypeICE         = "ice-candidate"
	TypeUpdateOffer = "update-room-offer"
	TypeLeaveRoom   = "leave-room"
)

// Server to client message types
const (
	TypeOffer            = "offer"
	TypeUserDisconnected = "user-disconnected"
	TypeAck              = "ack"
	TypeError            = "error"
)

// Result codes carried in acks
const (
	CodeOK            = "ok"
	CodeNotFound      = "not_found"
	CodeAlreadyExists = "already_exists"
	CodeFull          = "full"
	CodeForbidden     = "forbidden"
	CodeInvalidData   = "invalid_data"
	CodeUnknownType   = "unknown_type"
)

// Message is the single frame shape used in both directions.
type Message struct {
	Type string `json:"type"`

	// ID correlates a request with its ack. Requests without an ID get no ack.
	ID string `json:"id,omitempty"`

	RoomID    string                     `json:"roomId,omitempty"`
	Offer     *webrtc.SessionDescription `json:"offer,omitempty"`
	Answer    *webrtc.SessionDescription `json:"answer,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
	IsCaller  bool                       `json:"isCaller,omitempty"`

	Result *Result `json:"result,omitempty"`
}

type Result struct {
	Success bool   `json:"success"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	RoomID  string `json:"roomId,omitempty"`
}

func offerMessage(roomID string, offer webrtc.SessionDescription) *Message {
	return &Message{Type: TypeOffer, RoomID: roomID, Offer: &offer}
}

func answerMessage(roomID string, answer webrtc.SessionDescription) *Message {
	return &Message{Type: TypeAnswer, RoomID: roomID, Answer: &answer}
}

func candidateMessage(roomID string, candidate webrtc.ICECandidateInit) *Message {
	return &Message{Type: TypeICE, RoomID: roomID, Candidate: &candidate}
}

func disconnectedMessage(roomID string) *Message {
	return &Message{Type: TypeUserDisconnected, RoomID: roomID}
}

// ErrorMessage builds the frame sent for requests that could not be decoded.
func ErrorMessage(code, text string) *Message {
	return &Message{Type: TypeError, Result: &Result{Code: code, Message: text}}
}
