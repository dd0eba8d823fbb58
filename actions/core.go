package actions

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"csms/common"
	"csms/ocpp"
)

func logDefault(chargePointID string, feature string) *logrus.Entry {
	return logrus.WithFields(logrus.Fields{"client": chargePointID, "message": feature})
}

// Commander is the slice of the protocol engine the actions need: correlated
// outbound calls towards connected charge points.
type Commander interface {
	SendCommand(chargePointID, action string, payload interface{}) (json.RawMessage, error)
	SendRemoteStartTransaction(chargePointID string, evseID int) error
	SendRemoteStopTransaction(chargePointID, transactionID string) error
}

// CoreProfileActions exposes the core-profile commands over the message bus.
type CoreProfileActions struct {
	engine   Commander
	validate *validator.Validate
}

func InitializeCoreProfileActions(engine Commander) CoreProfileActions {
	return CoreProfileActions{
		engine:   engine,
		validate: validator.New(),
	}
}

// respondSendError maps a correlator failure onto a coded bus response so the
// requester can tell not-connected, timed-out and rejected apart.
func respondSendError(chargePointID string, err error, responseChannel chan common.Response) {
	var response common.Response
	var remoteErr *ocpp.RemoteError

	switch {
	case errors.Is(err, ocpp.ErrNotConnected):
		response.Err = &common.Error{
			Code:    "command.not.connected",
			Message: fmt.Sprintf("charge point %v is not connected", chargePointID),
		}
	case errors.Is(err, ocpp.ErrCommandTimeout):
		response.Err = &common.Error{
			Code:    "command.timeout",
			Message: fmt.Sprintf("charge point %v did not answer in time", chargePointID),
		}
	case errors.As(err, &remoteErr):
		response.Err = &common.Error{
			Code:    "command.rejected",
			Message: fmt.Sprintf("charge point %v rejected the command: %v", chargePointID, remoteErr.Description),
		}
	default:
		response.Err = &common.Error{
			Code:    "command.message.not.send",
			Message: fmt.Sprintf("could not send the command to charge point %v", chargePointID),
		}
	}
	responseChannel <- response
}

func respondPayload(result json.RawMessage, responseChannel chan common.Response) {
	var payload interface{}
	if len(result) > 0 {
		if err := json.Unmarshal(result, &payload); err != nil {
			payload = string(result)
		}
	}
	responseChannel <- common.Response{Payload: payload}
}

type resetCommand struct {
	Type string `json:"type" validate:"required,oneof=soft hard Soft Hard"`
}

func (a *CoreProfileActions) Reset(chargePointID string, payload []byte, responseChannel chan common.Response) {
	request := &resetCommand{}
	json.Unmarshal(payload, request)
	if err := a.validate.Struct(request); err != nil {
		responseChannel <- common.Response{Err: &common.Error{
			Code:    "command.reset.payload.not.valid",
			Message: "invalid fields for resetting the charge point",
		}}
		return
	}

	// Stations expect the lowercase form.
	request.Type = strings.ToLower(request.Type)

	result, err := a.engine.SendCommand(chargePointID, "Reset", request)
	if err != nil {
		logDefault(chargePointID, "Reset").Errorf("error on request: %v", err)
		respondSendError(chargePointID, err, responseChannel)
		return
	}
	respondPayload(result, responseChannel)
}

type getConfigurationCommand struct {
	Key []string `json:"key,omitempty"`
}

func (a *CoreProfileActions) GetConfiguration(chargePointID string, payload []byte, responseChannel chan common.Response) {
	request := &getConfigurationCommand{}
	if len(payload) > 0 {
		json.Unmarshal(payload, request)
	}

	result, err := a.engine.SendCommand(chargePointID, "GetConfiguration", request)
	if err != nil {
		logDefault(chargePointID, "GetConfiguration").Errorf("error on request: %v", err)
		respondSendError(chargePointID, err, responseChannel)
		return
	}
	respondPayload(result, responseChannel)
}

type changeConfigurationCommand struct {
	Key   string `json:"key" validate:"required"`
	Value string `json:"value" validate:"required"`
}

func (a *CoreProfileActions) ChangeConfiguration(chargePointID string, payload []byte, responseChannel chan common.Response) {
	request := &changeConfigurationCommand{}
	json.Unmarshal(payload, request)
	if err := a.validate.Struct(request); err != nil {
		responseChannel <- common.Response{Err: &common.Error{
			Code:    "command.change.configuration.payload.not.valid",
			Message: "invalid fields for changing the charge point configuration",
		}}
		return
	}

	result, err := a.engine.SendCommand(chargePointID, "ChangeConfiguration", request)
	if err != nil {
		logDefault(chargePointID, "ChangeConfiguration").Errorf("error on request: %v", err)
		respondSendError(chargePointID, err, responseChannel)
		return
	}
	respondPayload(result, responseChannel)
}

type remoteStartCommand struct {
	EvseId int `json:"evseId,omitempty" validate:"gte=0"`
}

func (a *CoreProfileActions) RemoteStartTransaction(chargePointID string, payload []byte, responseChannel chan common.Response) {
	request := &remoteStartCommand{}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, request); err != nil {
			responseChannel <- common.Response{Err: &common.Error{
				Code:    "command.remote.start.transaction",
				Message: "invalid fields for starting a remote transaction",
			}}
			return
		}
	}

	if err := a.engine.SendRemoteStartTransaction(chargePointID, request.EvseId); err != nil {
		logDefault(chargePointID, "RemoteStartTransaction").Errorf("error on request: %v", err)
		respondSendError(chargePointID, err, responseChannel)
		return
	}
	responseChannel <- common.Response{Payload: map[string]interface{}{"status": "Accepted"}}
}

type remoteStopCommand struct {
	TransactionId json.Number `json:"transactionId" validate:"required"`
}

func (a *CoreProfileActions) RemoteStopTransaction(chargePointID string, payload []byte, responseChannel chan common.Response) {
	request := &remoteStopCommand{}
	json.Unmarshal(payload, request)
	if err := a.validate.Struct(request); err != nil {
		responseChannel <- common.Response{Err: &common.Error{
			Code:    "command.remote.stop.transaction",
			Message: "transactionId is required",
		}}
		return
	}

	if err := a.engine.SendRemoteStopTransaction(chargePointID, request.TransactionId.String()); err != nil {
		logDefault(chargePointID, "RemoteStopTransaction").Errorf("error on request: %v", err)
		respondSendError(chargePointID, err, responseChannel)
		return
	}
	responseChannel <- common.Response{Payload: map[string]interface{}{"status": "Accepted"}}
}

type unlockConnectorCommand struct {
	ConnectorId int `json:"connectorId" validate:"required,gte=1"`
}

func (a *CoreProfileActions) UnlockConnector(chargePointID string, payload []byte, responseChannel chan common.Response) {
	request := &unlockConnectorCommand{}
	json.Unmarshal(payload, request)
	if err := a.validate.Struct(request); err != nil {
		responseChannel <- common.Response{Err: &common.Error{
			Code:    "command.unlock.connector.payload.not.valid",
			Message: "connectorId is required and must be at least 1",
		}}
		return
	}

	result, err := a.engine.SendCommand(chargePointID, "UnlockConnector", request)
	if err != nil {
		logDefault(chargePointID, "UnlockConnector").Errorf("error on request: %v", err)
		respondSendError(chargePointID, err, responseChannel)
		return
	}
	respondPayload(result, responseChannel)
}
