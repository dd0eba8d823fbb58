package nats

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"

	"csms/common"
	"csms/notifier"
)

// Function handles one command towards a charge point and delivers exactly
// one Response on the channel.
type Function func(chargePointID string, payload []byte, responseChannel chan common.Response)

// Notifier bridges the protocol engine and NATS: engine notifications are
// published fire-and-forget on their topic, and the "request" subject
// implements the request/reply command trigger for external callers.
type Notifier struct {
	notification chan notifier.Notification
	connection   *nats.Conn
	handlers     map[string]Function
	validate     *validator.Validate
	timeout      time.Duration
	subject      string
}

func New() *Notifier {
	return &Notifier{
		handlers: make(map[string]Function),
		validate: validator.New(),
		timeout:  30 * time.Second,
		subject:  "request",
	}
}

func (n *Notifier) SetTimeout(timeout time.Duration) {
	n.timeout = timeout
}

func (n *Notifier) Timeout() time.Duration {
	return n.timeout
}

// SetChannel wires the engine's notification stream into the notifier.
func (n *Notifier) SetChannel(notification chan notifier.Notification) {
	n.notification = notification
}

// AddHandler binds a command action to its handler. Must be called before
// Start.
func (n *Notifier) AddHandler(action string, fn Function) {
	n.handlers[action] = fn
}

func (n *Notifier) publishNotifications() {
	for notification := range n.notification {
		data, err := json.Marshal(notification.Data)
		if err != nil {
			log.WithError(err).Error("failed to encode notification")
			continue
		}
		if err := n.connection.Publish(notification.Topic, data); err != nil {
			log.WithError(err).WithField("topic", notification.Topic).
				Error("failed to publish notification")
		}
	}
}

// requestHandler implements the request/reply pattern on the command
// subject. Responses carry either a payload or a coded error; the caller
// never sees raw internal failures.
func (n *Notifier) requestHandler() error {
	_, err := n.connection.Subscribe(n.subject, func(m *nats.Msg) {
		var command common.Command
		if err := json.Unmarshal(m.Data, &command); err != nil {
			n.respondError(m, "command.format.not.valid", "command is not valid JSON")
			return
		}
		if err := n.validate.Struct(&command); err != nil {
			n.respondError(m, "command.format.not.valid", "command is missing required fields")
			return
		}

		fn, exists := n.handlers[command.Action]
		if !exists {
			n.respondError(m, "command.action.not.found",
				fmt.Sprintf("unknown action %q", command.Action))
			return
		}

		log.WithField("client", command.ChargePointId).
			Infof("handling %v command", command.Action)

		responseChannel := make(chan common.Response, 1)
		go fn(command.ChargePointId, command.Payload, responseChannel)

		select {
		case response := <-responseChannel:
			data, _ := json.Marshal(response)
			m.Respond(data) //nolint:errcheck
		case <-time.After(n.timeout):
			n.respondError(m, "request.timeout", "timed out waiting for the charge point")
		}
	})
	return err
}

func (n *Notifier) respondError(m *nats.Msg, code, message string) {
	data, _ := json.Marshal(common.Response{
		Err: &common.Error{Code: code, Message: message},
	})
	log.Errorf("request rejected: %v (%v)", message, code)
	m.Respond(data) //nolint:errcheck
}

// Start connects to NATS and begins draining notifications and serving
// command requests. An empty url falls back to the default server.
func (n *Notifier) Start(url string) error {
	if url == "" {
		url = nats.DefaultURL
	}
	nc, err := nats.Connect(url)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS at %v: %w", url, err)
	}
	n.connection = nc

	go n.publishNotifications()
	if err := n.requestHandler(); err != nil {
		nc.Close()
		return fmt.Errorf("failed to subscribe to %v: %w", n.subject, err)
	}

	log.Infof("NATS notifier started on %v", url)
	return nil
}

func (n *Notifier) Stop() {
	if n.connection != nil {
		n.connection.Close()
		log.Info("NATS notifier stopped")
	}
}
