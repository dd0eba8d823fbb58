package ocpp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"csms/notifier"
	"csms/store"
)

// Payload shapes for the OCPP 1.6 core profile. Optional fields carry
// omitempty; required ones carry validate tags checked before any mutation.

type bootNotificationReq16 struct {
	ChargePointVendor       string `json:"chargePointVendor"`
	ChargePointModel        string `json:"chargePointModel"`
	ChargePointSerialNumber string `json:"chargePointSerialNumber,omitempty"`
	ChargeBoxSerialNumber   string `json:"chargeBoxSerialNumber,omitempty"`
	FirmwareVersion         string `json:"firmwareVersion,omitempty"`
}

type heartbeatReq struct{}

type statusNotificationReq16 struct {
	ConnectorId int    `json:"connectorId" validate:"gte=0"`
	ErrorCode   string `json:"errorCode" validate:"required"`
	Status      string `json:"status" validate:"required"`
	Info        string `json:"info,omitempty"`
	Timestamp   string `json:"timestamp,omitempty"`
}

type authorizeReq16 struct {
	IdTag string `json:"idTag" validate:"required"`
}

type startTransactionReq16 struct {
	ConnectorId int    `json:"connectorId" validate:"gte=1"`
	IdTag       string `json:"idTag" validate:"required"`
	MeterStart  int    `json:"meterStart"`
	Timestamp   string `json:"timestamp,omitempty"`
}

type stopTransactionReq16 struct {
	TransactionId json.Number `json:"transactionId" validate:"required"`
	MeterStop     int         `json:"meterStop,omitempty"`
	Energy        float64     `json:"energy,omitempty"`
	Timestamp     string      `json:"timestamp,omitempty"`
}

type changeConfigurationReq struct {
	Key   string `json:"key" validate:"required"`
	Value string `json:"value" validate:"required"`
}

type resetReq struct {
	Type string `json:"type" validate:"required"`
}

type unlockConnectorReq struct {
	ConnectorId int `json:"connectorId" validate:"required,gte=1"`
}

type meterValuesReq16 struct {
	ConnectorId   int               `json:"connectorId" validate:"gte=0"`
	TransactionId json.Number       `json:"transactionId,omitempty"`
	MeterValue    []json.RawMessage `json:"meterValue,omitempty"`
}

type dataTransferReq16 struct {
	VendorId  string `json:"vendorId" validate:"required"`
	MessageId string `json:"messageId,omitempty"`
	Data      string `json:"data,omitempty"`
}

type idTagInfo struct {
	Status string `json:"status"`
}

func (e *Engine) registerHandlers16() {
	e.register(ProtocolV16, "BootNotification", e.handleBootNotification16)
	e.register(ProtocolV16, "Heartbeat", e.handleHeartbeat)
	e.register(ProtocolV16, "StatusNotification", e.handleStatusNotification16)
	e.register(ProtocolV16, "Authorize", e.handleAuthorize16)
	e.register(ProtocolV16, "StartTransaction", e.handleStartTransaction16)
	e.register(ProtocolV16, "StopTransaction", e.handleStopTransaction16)
	e.register(ProtocolV16, "GetConfiguration", e.handleGetConfiguration)
	e.register(ProtocolV16, "ChangeConfiguration", e.handleChangeConfiguration)
	e.register(ProtocolV16, "Reset", e.handleReset)
	e.register(ProtocolV16, "UnlockConnector", e.handleUnlockConnector)
	e.register(ProtocolV16, "MeterValues", e.handleMeterValues16)
	e.register(ProtocolV16, "DataTransfer", e.handleDataTransfer16)
}

func (e *Engine) handleBootNotification16(ctx context.Context, s *Session, payload json.RawMessage) (interface{}, error) {
	var req bootNotificationReq16
	if len(payload) > 0 {
		// Boot metadata is informational; a station with a sparse payload
		// is still accepted.
		json.Unmarshal(payload, &req) //nolint:errcheck
	}

	e.state.publish(notifier.Notification{
		Topic: notifier.TopicBootNotification,
		Data: map[string]interface{}{
			"chargerId": s.ChargePointID,
			"vendor":    req.ChargePointVendor,
			"model":     req.ChargePointModel,
		},
	})

	return map[string]interface{}{
		"status":      "Accepted",
		"currentTime": time.Now().UTC().Format(time.RFC3339),
		"interval":    e.heartbeatInterval,
	}, nil
}

func (e *Engine) handleHeartbeat(ctx context.Context, s *Session, payload json.RawMessage) (interface{}, error) {
	s.TouchHeartbeat()
	if err := e.state.Heartbeat(ctx, s.ChargePointID); err != nil {
		return nil, fmt.Errorf("failed to record heartbeat: %w", err)
	}
	return map[string]interface{}{
		"currentTime": time.Now().UTC().Format(time.RFC3339),
	}, nil
}

func (e *Engine) handleStatusNotification16(ctx context.Context, s *Session, payload json.RawMessage) (interface{}, error) {
	var req statusNotificationReq16
	if err := e.unmarshalPayload(payload, &req); err != nil {
		return nil, err
	}
	err := e.state.UpdateConnectorStatus(ctx, s.ChargePointID, req.ConnectorId,
		store.ChargerStatus(req.Status), req.ErrorCode)
	if err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

func (e *Engine) handleAuthorize16(ctx context.Context, s *Session, payload json.RawMessage) (interface{}, error) {
	var req authorizeReq16
	if err := e.unmarshalPayload(payload, &req); err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"idTagInfo": idTagInfo{Status: "Accepted"},
	}, nil
}

func (e *Engine) handleStartTransaction16(ctx context.Context, s *Session, payload json.RawMessage) (interface{}, error) {
	var req startTransactionReq16
	if err := e.unmarshalPayload(payload, &req); err != nil {
		return nil, err
	}

	startTime := time.Now().UTC()
	if req.Timestamp != "" {
		if t, err := time.Parse(time.RFC3339, req.Timestamp); err == nil {
			startTime = t
		}
	}

	tx, err := e.state.StartTransaction(ctx, StartTransactionParams{
		ChargePointID: s.ChargePointID,
		ConnectorID:   req.ConnectorId,
		IdToken:       req.IdTag,
		StartTime:     startTime,
	})
	if err != nil {
		if errors.Is(err, ErrConnectorBusy) {
			return nil, NewGenericError(fmt.Sprintf("connector %d is busy with another transaction", req.ConnectorId))
		}
		return nil, err
	}

	return map[string]interface{}{
		"transactionId": tx.TransactionID,
		"idTagInfo":     idTagInfo{Status: "Accepted"},
	}, nil
}

func (e *Engine) handleStopTransaction16(ctx context.Context, s *Session, payload json.RawMessage) (interface{}, error) {
	var req stopTransactionReq16
	if err := e.unmarshalPayload(payload, &req); err != nil {
		return nil, err
	}

	endTime := time.Now().UTC()
	if req.Timestamp != "" {
		if t, err := time.Parse(time.RFC3339, req.Timestamp); err == nil {
			endTime = t
		}
	}

	// A stop for a transaction the central system never recorded is still
	// acknowledged; refusing would leave the station retrying forever.
	_, err := e.state.StopTransaction(ctx, s.ChargePointID, req.TransactionId.String(), req.Energy, endTime)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	return map[string]interface{}{
		"idTagInfo": idTagInfo{Status: "Accepted"},
	}, nil
}

func (e *Engine) handleGetConfiguration(ctx context.Context, s *Session, payload json.RawMessage) (interface{}, error) {
	return map[string]interface{}{
		"configurationKey": ConfigurationCatalog(s.Protocol),
		"unknownKey":       []string{},
	}, nil
}

func (e *Engine) handleChangeConfiguration(ctx context.Context, s *Session, payload json.RawMessage) (interface{}, error) {
	var req changeConfigurationReq
	if err := e.unmarshalPayload(payload, &req); err != nil {
		return nil, err
	}
	if err := e.state.SetConfiguration(ctx, s.ChargePointID, req.Key, req.Value); err != nil {
		return nil, err
	}
	return e.acceptedReply(s), nil
}

func (e *Engine) handleReset(ctx context.Context, s *Session, payload json.RawMessage) (interface{}, error) {
	var req resetReq
	if err := e.unmarshalPayload(payload, &req); err != nil {
		return nil, err
	}
	switch strings.ToLower(req.Type) {
	case "soft", "hard":
	default:
		return nil, NewFormationViolation("Invalid reset type. Must be 'soft' or 'hard'")
	}
	return e.acceptedReply(s), nil
}

func (e *Engine) handleUnlockConnector(ctx context.Context, s *Session, payload json.RawMessage) (interface{}, error) {
	var req unlockConnectorReq
	if err := e.unmarshalPayload(payload, &req); err != nil {
		return nil, err
	}
	return e.acceptedReply(s), nil
}

func (e *Engine) handleMeterValues16(ctx context.Context, s *Session, payload json.RawMessage) (interface{}, error) {
	var req meterValuesReq16
	if err := e.unmarshalPayload(payload, &req); err != nil {
		return nil, err
	}
	// Readings are forwarded to observers; the transaction record is only
	// ever mutated by its stop event.
	e.state.publish(notifier.Notification{
		Topic: notifier.TopicMeterValues,
		Data: map[string]interface{}{
			"chargerId":   s.ChargePointID,
			"connectorId": req.ConnectorId,
			"meterValue":  req.MeterValue,
		},
	})
	return struct{}{}, nil
}

func (e *Engine) handleDataTransfer16(ctx context.Context, s *Session, payload json.RawMessage) (interface{}, error) {
	var req dataTransferReq16
	if err := e.unmarshalPayload(payload, &req); err != nil {
		return nil, err
	}
	return map[string]interface{}{"status": "Accepted"}, nil
}

// acceptedReply builds the version-appropriate plain acceptance payload:
// 2.0.1 stations expect a statusInfo block alongside the status.
func (e *Engine) acceptedReply(s *Session) map[string]interface{} {
	reply := map[string]interface{}{"status": "Accepted"}
	if s.Protocol == ProtocolV201 {
		reply["statusInfo"] = map[string]string{
			"reasonCode":     "OK",
			"additionalInfo": "",
		}
	}
	return reply
}
