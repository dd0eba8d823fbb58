package actions

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"csms/common"
	"csms/ocpp"
)

type fakeCommander struct {
	action  string
	payload interface{}
	evseID  int
	txID    string
	result  json.RawMessage
	err     error
}

func (f *fakeCommander) SendCommand(chargePointID, action string, payload interface{}) (json.RawMessage, error) {
	f.action = action
	f.payload = payload
	return f.result, f.err
}

func (f *fakeCommander) SendRemoteStartTransaction(chargePointID string, evseID int) error {
	f.evseID = evseID
	return f.err
}

func (f *fakeCommander) SendRemoteStopTransaction(chargePointID, transactionID string) error {
	f.txID = transactionID
	return f.err
}

func receive(t *testing.T, ch chan common.Response) common.Response {
	t.Helper()
	select {
	case r := <-ch:
		return r
	default:
		t.Fatal("no response delivered")
		return common.Response{}
	}
}

func TestResetLowercasesType(t *testing.T) {
	fake := &fakeCommander{result: json.RawMessage(`{"status":"Accepted"}`)}
	a := InitializeCoreProfileActions(fake)
	ch := make(chan common.Response, 1)

	a.Reset("CP1", []byte(`{"type":"Hard"}`), ch)

	response := receive(t, ch)
	require.Nil(t, response.Err)
	assert.Equal(t, "Reset", fake.action)
	assert.Equal(t, &resetCommand{Type: "hard"}, fake.payload)
}

func TestResetRejectsInvalidType(t *testing.T) {
	fake := &fakeCommander{}
	a := InitializeCoreProfileActions(fake)
	ch := make(chan common.Response, 1)

	a.Reset("CP1", []byte(`{"type":"medium"}`), ch)

	response := receive(t, ch)
	require.NotNil(t, response.Err)
	assert.Equal(t, "command.reset.payload.not.valid", response.Err.Code)
	assert.Empty(t, fake.action)
}

func TestSendErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode string
	}{
		{"not connected", ocpp.ErrNotConnected, "command.not.connected"},
		{"timeout", ocpp.ErrCommandTimeout, "command.timeout"},
		{"remote rejection", &ocpp.RemoteError{Code: ocpp.ErrorCodeGenericError, Description: "nope"}, "command.rejected"},
		{"transport failure", assert.AnError, "command.message.not.send"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakeCommander{err: tt.err}
			a := InitializeCoreProfileActions(fake)
			ch := make(chan common.Response, 1)

			a.GetConfiguration("CP1", nil, ch)

			response := receive(t, ch)
			require.NotNil(t, response.Err)
			assert.Equal(t, tt.wantCode, response.Err.Code)
		})
	}
}

func TestGetConfigurationForwardsResult(t *testing.T) {
	fake := &fakeCommander{result: json.RawMessage(`{"configurationKey":[]}`)}
	a := InitializeCoreProfileActions(fake)
	ch := make(chan common.Response, 1)

	a.GetConfiguration("CP1", []byte(`{"key":["HeartbeatInterval"]}`), ch)

	response := receive(t, ch)
	require.Nil(t, response.Err)
	assert.Equal(t, "GetConfiguration", fake.action)
	payload, ok := response.Payload.(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, payload, "configurationKey")
}

func TestChangeConfigurationRequiresKeyAndValue(t *testing.T) {
	fake := &fakeCommander{}
	a := InitializeCoreProfileActions(fake)
	ch := make(chan common.Response, 1)

	a.ChangeConfiguration("CP1", []byte(`{"key":"HeartbeatInterval"}`), ch)

	response := receive(t, ch)
	require.NotNil(t, response.Err)
	assert.Equal(t, "command.change.configuration.payload.not.valid", response.Err.Code)
}

func TestRemoteStartTransaction(t *testing.T) {
	fake := &fakeCommander{}
	a := InitializeCoreProfileActions(fake)
	ch := make(chan common.Response, 1)

	a.RemoteStartTransaction("CP1", []byte(`{"evseId":2}`), ch)

	response := receive(t, ch)
	require.Nil(t, response.Err)
	assert.Equal(t, 2, fake.evseID)
}

func TestRemoteStopTransactionAcceptsNumericID(t *testing.T) {
	fake := &fakeCommander{}
	a := InitializeCoreProfileActions(fake)
	ch := make(chan common.Response, 1)

	// Requesters that treat 1.6 transaction ids as integers still work.
	a.RemoteStopTransaction("CP1", []byte(`{"transactionId":174512}`), ch)

	response := receive(t, ch)
	require.Nil(t, response.Err)
	assert.Equal(t, "174512", fake.txID)
}

func TestRemoteStopTransactionRequiresID(t *testing.T) {
	fake := &fakeCommander{}
	a := InitializeCoreProfileActions(fake)
	ch := make(chan common.Response, 1)

	a.RemoteStopTransaction("CP1", []byte(`{}`), ch)

	response := receive(t, ch)
	require.NotNil(t, response.Err)
	assert.Equal(t, "command.remote.stop.transaction", response.Err.Code)
}

func TestUnlockConnectorValidatesConnectorID(t *testing.T) {
	fake := &fakeCommander{}
	a := InitializeCoreProfileActions(fake)
	ch := make(chan common.Response, 1)

	a.UnlockConnector("CP1", []byte(`{"connectorId":0}`), ch)

	response := receive(t, ch)
	require.NotNil(t, response.Err)
	assert.Equal(t, "command.unlock.connector.payload.not.valid", response.Err.Code)
}
