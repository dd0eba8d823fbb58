package ocpp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"csms/store"
)

// Payload shapes for the OCPP 2.0.1 actions the central system handles. The
// originating session is threaded into every handler; nothing depends on a
// "last connected" charge point.

type bootNotificationReq201 struct {
	Reason       string `json:"reason,omitempty"`
	ChargingStation struct {
		Model      string `json:"model,omitempty"`
		VendorName string `json:"vendorName,omitempty"`
	} `json:"chargingStation,omitempty"`
}

type authorizeReq201 struct {
	IdToken idTokenRef `json:"idToken" validate:"required"`
}

type idTokenRef struct {
	IdToken string `json:"idToken"`
	Type    string `json:"type,omitempty"`
}

type statusNotificationReq201 struct {
	Timestamp       string `json:"timestamp,omitempty"`
	ConnectorStatus string `json:"connectorStatus" validate:"required"`
	EvseId          int    `json:"evseId" validate:"gte=0"`
	ConnectorId     int    `json:"connectorId" validate:"gte=0"`
}

type transactionEventReq struct {
	EventType       string     `json:"eventType" validate:"required"`
	Timestamp       string     `json:"timestamp,omitempty"`
	TriggerReason   string     `json:"triggerReason,omitempty"`
	SeqNo           int        `json:"seqNo,omitempty"`
	Evse            evseRef    `json:"evse,omitempty"`
	IdToken         *idTokenRef `json:"idToken,omitempty"`
	TransactionInfo struct {
		TransactionId string  `json:"transactionId"`
		ChargingState string  `json:"chargingState,omitempty"`
		Energy        float64 `json:"energy,omitempty"`
	} `json:"transactionInfo" validate:"required"`
}

type notifyEventReq struct {
	GeneratedAt string           `json:"generatedAt,omitempty"`
	SeqNo       int              `json:"seqNo,omitempty"`
	EventData   []notifyEventData `json:"eventData" validate:"required,min=1,dive"`
}

type notifyEventData struct {
	EventId               int    `json:"eventId"`
	Timestamp             string `json:"timestamp,omitempty"`
	Trigger               string `json:"trigger,omitempty"`
	ActualValue           string `json:"actualValue" validate:"required"`
	EventNotificationType string `json:"eventNotificationType,omitempty"`
	Component             struct {
		Name string   `json:"name,omitempty"`
		Evse *evseRef `json:"evse,omitempty"`
	} `json:"component"`
	Variable struct {
		Name string `json:"name,omitempty"`
	} `json:"variable,omitempty"`
}

func (e *Engine) registerHandlers201() {
	e.register(ProtocolV201, "BootNotification", e.handleBootNotification201)
	e.register(ProtocolV201, "Heartbeat", e.handleHeartbeat)
	e.register(ProtocolV201, "StatusNotification", e.handleStatusNotification201)
	e.register(ProtocolV201, "Authorize", e.handleAuthorize201)
	e.register(ProtocolV201, "TransactionEvent", e.handleTransactionEvent)
	e.register(ProtocolV201, "NotifyEvent", e.handleNotifyEvent)
	e.register(ProtocolV201, "GetConfiguration", e.handleGetConfiguration)
	e.register(ProtocolV201, "ChangeConfiguration", e.handleChangeConfiguration)
	e.register(ProtocolV201, "Reset", e.handleReset)
	e.register(ProtocolV201, "UnlockConnector", e.handleUnlockConnector)
}

func (e *Engine) handleBootNotification201(ctx context.Context, s *Session, payload json.RawMessage) (interface{}, error) {
	var req bootNotificationReq201
	if len(payload) > 0 {
		json.Unmarshal(payload, &req) //nolint:errcheck
	}
	return map[string]interface{}{
		"currentTime": time.Now().UTC().Format(time.RFC3339),
		"interval":    e.heartbeatInterval,
		"status":      "Accepted",
		"statusInfo": map[string]string{
			"reasonCode":     "OK",
			"additionalInfo": "",
		},
	}, nil
}

func (e *Engine) handleStatusNotification201(ctx context.Context, s *Session, payload json.RawMessage) (interface{}, error) {
	var req statusNotificationReq201
	if err := e.unmarshalPayload(payload, &req); err != nil {
		return nil, err
	}

	status, known := chargerStatus201(req.ConnectorStatus)
	if !known {
		status = store.StatusAvailable
	}
	err := e.state.UpdateConnectorStatus(ctx, s.ChargePointID, req.ConnectorId, status, store.NoError)
	if err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

// handleAuthorize201 accepts the token and then issues a
// RemoteStartTransaction towards the same charge point. The follow-up is a
// new correlated outbound call; it must not block the inbound reply, so it
// runs on its own goroutine.
func (e *Engine) handleAuthorize201(ctx context.Context, s *Session, payload json.RawMessage) (interface{}, error) {
	var req authorizeReq201
	if err := e.unmarshalPayload(payload, &req); err != nil {
		return nil, err
	}

	chargePointID := s.ChargePointID
	go func() {
		if err := e.SendRemoteStartTransaction(chargePointID, 0); err != nil {
			e.log.WithField("client", chargePointID).WithError(err).
				Warn("post-authorize remote start failed")
		}
	}()

	return map[string]interface{}{
		"idTokenInfo": map[string]string{"status": "Accepted"},
	}, nil
}

func (e *Engine) handleTransactionEvent(ctx context.Context, s *Session, payload json.RawMessage) (interface{}, error) {
	var req transactionEventReq
	if err := e.unmarshalPayload(payload, &req); err != nil {
		return nil, err
	}
	if req.TransactionInfo.TransactionId == "" {
		return nil, NewFormationViolation("missing transactionInfo.transactionId")
	}

	eventTime := time.Now().UTC()
	if req.Timestamp != "" {
		if t, err := time.Parse(time.RFC3339, req.Timestamp); err == nil {
			eventTime = t
		}
	}

	switch req.EventType {
	case "Started":
		idToken := ""
		if req.IdToken != nil {
			idToken = req.IdToken.IdToken
		}
		_, err := e.state.StartTransaction(ctx, StartTransactionParams{
			ChargePointID: s.ChargePointID,
			EvseID:        req.Evse.ID,
			ConnectorID:   req.Evse.ConnectorID,
			IdToken:       idToken,
			StartTime:     eventTime,
			TransactionID: req.TransactionInfo.TransactionId,
		})
		if err != nil {
			if errors.Is(err, ErrConnectorBusy) {
				return nil, NewGenericError(fmt.Sprintf("connector %d is busy with another transaction", req.Evse.ConnectorID))
			}
			return nil, err
		}

	case "Ended":
		_, err := e.state.StopTransaction(ctx, s.ChargePointID,
			req.TransactionInfo.TransactionId, req.TransactionInfo.Energy, eventTime)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}

	case "Updated":
		// Progress updates carry meter data; the record itself only changes
		// on Ended.

	default:
		return nil, NewFormationViolation(fmt.Sprintf("unknown eventType %q", req.EventType))
	}

	return map[string]interface{}{"status": "Accepted"}, nil
}

// handleNotifyEvent folds device-model events into connector status. An
// "Occupied" actual value maps to Charging, anything else to Available, per
// the station firmware this grew against.
func (e *Engine) handleNotifyEvent(ctx context.Context, s *Session, payload json.RawMessage) (interface{}, error) {
	var req notifyEventReq
	if err := e.unmarshalPayload(payload, &req); err != nil {
		return nil, err
	}

	for _, event := range req.EventData {
		if event.Component.Evse == nil {
			continue
		}
		status := store.StatusAvailable
		if event.ActualValue == "Occupied" {
			status = store.StatusCharging
		}
		connectorID := event.Component.Evse.ConnectorID
		if connectorID < 1 {
			connectorID = event.Component.Evse.ID
		}
		err := e.state.UpdateConnectorStatus(ctx, s.ChargePointID, connectorID, status, store.NoError)
		if err != nil {
			return nil, err
		}
	}

	return map[string]interface{}{"status": "Accepted"}, nil
}

// chargerStatus201 maps a 2.0.1 connector status token onto the charger
// status vocabulary. Unknown tokens report known=false.
func chargerStatus201(status string) (store.ChargerStatus, bool) {
	switch status {
	case "Available":
		return store.StatusAvailable, true
	case "Unavailable":
		return store.StatusUnavailable, true
	case "Faulted":
		return store.StatusFaulted, true
	case "Reserved", "Occupied":
		return store.StatusCharging, true
	default:
		return "", false
	}
}
