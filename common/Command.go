package common

import "encoding/json"

// Command is a request received over the message bus, asking the central
// system to issue an OCPP call towards a connected charge point.
type Command struct {
	Action        string          `json:"action" validate:"required"`
	ChargePointId string          `json:"chargePointId" validate:"required"`
	Payload       json.RawMessage `json:"payload"`
}

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type Response struct {
	Payload interface{} `json:"payload,omitempty"`
	Err     *Error      `json:"error,omitempty"`
}
