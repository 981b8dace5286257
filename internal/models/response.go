package models

import (
	"net/http"
	"time"
)

// ResponseModel is the envelope used for status and error bodies.
type ResponseModel struct {
	Code        int         `json:"code"`
	CurrentTime int64       `json:"currentTime"`
	Data        interface{} `json:"data,omitempty"`
	Text        string      `json:"text"`
	Version     int         `json:"version"`
}

// ResponseCurrentTime is the envelope timestamp in epoch milliseconds.
func ResponseCurrentTime() int64 {
	return time.Now().UnixMilli()
}

func NewResponse(code int, data interface{}, text string) ResponseModel {
	return ResponseModel{
		Code:        code,
		CurrentTime: ResponseCurrentTime(),
		Data:        data,
		Text:        text,
		Version:     2,
	}
}

// NewErrorResponse builds an envelope without data for a failed request.
func NewErrorResponse(code int, text string) ResponseModel {
	return NewResponse(code, nil, text)
}

func NewOKResponse(data interface{}) ResponseModel {
	return NewResponse(http.StatusOK, data, "OK")
}

// MessageResponse is returned by endpoints that only acknowledge an action.
type MessageResponse struct {
	Message string `json:"message"`
}

// DeleteRouteResponse reports how many buses were removed with a route.
type DeleteRouteResponse struct {
	Message      string `json:"message"`
	BusesDeleted int64  `json:"buses_deleted"`
}
