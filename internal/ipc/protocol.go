// Package ipc handles communication between the daemon and control clients.
// Messages are newline-delimited JSON over a unix socket; the same request
// and push shapes are reused by the head unit websocket.
package ipc

import (
	"encoding/json"
	"fmt"

	"github.com/austinkregel/local-media/audiobookd/internal/types"
)

// CommandType represents the type of command
type CommandType string

const (
	CmdPair              CommandType = "pair"
	CmdOpenBook          CommandType = "openBook"
	CmdPlay              CommandType = "play"
	CmdPause             CommandType = "pause"
	CmdToggle            CommandType = "toggle"
	CmdSkip              CommandType = "skip"
	CmdSkipToChapter     CommandType = "skipToChapter"
	CmdCyclePlaybackRate CommandType = "cyclePlaybackRate"
	CmdSetRate           CommandType = "setRate"
	CmdStop              CommandType = "stop"
	CmdStatus            CommandType = "status"
	CmdBooks             CommandType = "books"
	CmdSubscribe         CommandType = "subscribe"
	CmdSync              CommandType = "sync"
	CmdSyncAnswer        CommandType = "syncAnswer"
)

// Push message types
const (
	PushStatus     = "status"
	PushState      = "state"
	PushChapters   = "chapters"
	PushError      = "error"
	PushDismiss    = "dismiss"
	PushSyncPrompt = "syncPrompt"
)

// Error codes carried in Response.Code
const (
	CodeUnauthorized     = "unauthorized"
	CodeInvalidRequest   = "invalidRequest"
	CodeNoActionableItem = "noActionableItem"
	CodeNotFound         = "notFound"
	CodeFailed           = "failed"
)

// PushMessage represents a server-initiated message (no request needed)
type PushMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Request represents a client request. ID is echoed in the response so
// long-running commands can be answered out of order.
type Request struct {
	ID    string          `json:"id,omitempty"`
	Cmd   CommandType     `json:"cmd"`
	Token string          `json:"token,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Response represents a server response
type Response struct {
	ID      string          `json:"id,omitempty"`
	Success bool            `json:"success"`
	Error   string          `json:"error,omitempty"`
	Code    string          `json:"code,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// PairRequest is the data for a pair command
type PairRequest struct {
	ClientName string `json:"clientName"`
}

// PairResponse is the response to a pair command
type PairResponse struct {
	Token    string `json:"token"`
	ClientID string `json:"clientId"`
	Notified bool   `json:"notified"`
}

// OpenBookRequest is the data for an openBook command
type OpenBookRequest struct {
	BookID   string `json:"bookId"`
	Autoplay bool   `json:"autoplay"`
}

// SkipRequest is the data for a skip command. Negative skips backward.
type SkipRequest struct {
	Seconds float64 `json:"seconds"`
}

// SkipToChapterRequest is the data for a skipToChapter command
type SkipToChapterRequest struct {
	Index int `json:"index"`
}

// RateRequest is the data for a setRate command. Arbitrary rates snap to
// the nearest supported one.
type RateRequest struct {
	Rate float64 `json:"rate"`
}

// RateResponse carries the rate in effect
type RateResponse struct {
	Rate types.PlaybackRate `json:"rate"`
}

// StopRequest is the data for a stop command
type StopRequest struct {
	Dismiss bool `json:"dismiss"`
}

// SyncAnswerRequest answers a syncPrompt push
type SyncAnswerRequest struct {
	PromptID string `json:"promptId"`
	Accept   bool   `json:"accept"`
}

// SyncResponse is the response to a sync command
type SyncResponse struct {
	Position *types.PlaybackPosition `json:"position,omitempty"`
	Prompted bool                    `json:"prompted"`
	Accepted bool                    `json:"accepted"`
}

// ErrorPush is pushed for every session error
type ErrorPush struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// DismissPush tells surfaces to close UI tied to a book
type DismissPush struct {
	BookID string `json:"bookId"`
}

// EncodeRequest encodes a request to JSON
func EncodeRequest(req *Request) ([]byte, error) {
	return json.Marshal(req)
}

// DecodeRequest decodes a request from JSON
func DecodeRequest(data []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("failed to decode request: %w", err)
	}
	return &req, nil
}

// EncodeResponse encodes a response to JSON
func EncodeResponse(resp *Response) ([]byte, error) {
	return json.Marshal(resp)
}

// DecodeResponse decodes a response from JSON
func DecodeResponse(data []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &resp, nil
}

// NewSuccessResponse creates a successful response
func NewSuccessResponse(data any) (*Response, error) {
	var rawData json.RawMessage
	if data != nil {
		var err error
		rawData, err = json.Marshal(data)
		if err != nil {
			return nil, err
		}
	}
	return &Response{
		Success: true,
		Data:    rawData,
	}, nil
}

// NewErrorResponse creates an error response
func NewErrorResponse(code, err string) *Response {
	return &Response{
		Success: false,
		Code:    code,
		Error:   err,
	}
}

// NewPushMessage encodes a push message
func NewPushMessage(msgType string, data any) ([]byte, error) {
	var rawData json.RawMessage
	if data != nil {
		var err error
		rawData, err = json.Marshal(data)
		if err != nil {
			return nil, err
		}
	}
	return json.Marshal(PushMessage{Type: msgType, Data: rawData})
}

// Frame is one decoded line from the server: a response or a push
type Frame struct {
	Response *Response
	Push     *PushMessage
}

// DecodeFrame tells responses and pushes apart by the presence of "type"
func DecodeFrame(data []byte) (Frame, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return Frame{}, fmt.Errorf("failed to decode frame: %w", err)
	}
	if probe.Type != "" {
		var push PushMessage
		if err := json.Unmarshal(data, &push); err != nil {
			return Frame{}, fmt.Errorf("failed to decode push: %w", err)
		}
		return Frame{Push: &push}, nil
	}
	resp, err := DecodeResponse(data)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Response: resp}, nil
}
