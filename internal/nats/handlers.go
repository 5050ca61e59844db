package nats

import (
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stone-age-io/sysreport/internal/storage"
	"go.uber.org/zap"
)

// Subscriber is the part of Client the command handlers need
type Subscriber interface {
	Subscribe(subject string, handler nats.MsgHandler) (*nats.Subscription, error)
}

// CommandHandlers answers request/reply commands against the record store
type CommandHandlers struct {
	logger        *zap.Logger
	store         *storage.Store
	subjectPrefix string
	now           func() time.Time
}

// NewCommandHandlers creates a new command handler manager
func NewCommandHandlers(logger *zap.Logger, subjectPrefix string, store *storage.Store) *CommandHandlers {
	return &CommandHandlers{
		logger:        logger,
		store:         store,
		subjectPrefix: subjectPrefix,
		now:           time.Now,
	}
}

// SubscribeAll subscribes to every command subject
func (h *CommandHandlers) SubscribeAll(client Subscriber) error {
	if _, err := client.Subscribe(
		h.subjectPrefix+".cmd.ping",
		h.handleWithRecovery("ping", h.handlePing),
	); err != nil {
		return err
	}

	if _, err := client.Subscribe(
		h.subjectPrefix+".cmd.query",
		h.handleWithRecovery("query", h.handleQuery),
	); err != nil {
		return err
	}

	return nil
}

type pingResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

type queryResponse struct {
	Status    string            `json:"status"`
	Address   string            `json:"address"`
	Records   []json.RawMessage `json:"records"`
	Timestamp string            `json:"timestamp"`
}

type errorResponse struct {
	Status    string `json:"status"`
	Error     string `json:"error"`
	Timestamp string `json:"timestamp"`
}

// handleWithRecovery wraps a command handler with panic recovery so one bad
// request cannot take the collector down
func (h *CommandHandlers) handleWithRecovery(name string, handler nats.MsgHandler) nats.MsgHandler {
	return func(msg *nats.Msg) {
		defer func() {
			if r := recover(); r != nil {
				h.logger.Error("Panic recovered in command handler",
					zap.String("handler", name),
					zap.String("subject", msg.Subject),
					zap.Any("panic", r),
					zap.String("stack", string(debug.Stack())))

				h.respond(msg, h.errorResponse(fmt.Sprintf("Internal error: handler panicked: %v", r)))
			}
		}()

		handler(msg)
	}
}

func (h *CommandHandlers) handlePing(msg *nats.Msg) {
	h.logger.Debug("Received ping command")
	h.respond(msg, h.ping())
}

func (h *CommandHandlers) handleQuery(msg *nats.Msg) {
	h.logger.Debug("Received query command", zap.ByteString("data", msg.Data))
	h.respond(msg, h.query(msg.Data))
}

func (h *CommandHandlers) ping() pingResponse {
	return pingResponse{
		Status:    "ok",
		Timestamp: h.timestamp(),
	}
}

// query builds the reply for a query request whose payload is the client address
func (h *CommandHandlers) query(data []byte) any {
	address := strings.TrimSpace(string(data))
	if address == "" {
		return h.errorResponse("address is required")
	}

	result, err := h.store.Query(address)
	if errors.Is(err, storage.ErrNotFound) {
		return h.errorResponse("No data found for address: " + address)
	}
	if err != nil {
		h.logger.Error("Query command failed",
			zap.String("address", address),
			zap.Error(err))
		return h.errorResponse("failed to read data")
	}

	return queryResponse{
		Status:    "success",
		Address:   address,
		Records:   result.Records,
		Timestamp: h.timestamp(),
	}
}

func (h *CommandHandlers) errorResponse(msg string) errorResponse {
	return errorResponse{
		Status:    "error",
		Error:     msg,
		Timestamp: h.timestamp(),
	}
}

func (h *CommandHandlers) timestamp() string {
	return h.now().UTC().Format(time.RFC3339)
}

func (h *CommandHandlers) respond(msg *nats.Msg, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Error("Failed to encode command response", zap.Error(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		h.logger.Warn("Failed to send command response",
			zap.String("subject", msg.Subject),
			zap.Error(err))
	}
}
