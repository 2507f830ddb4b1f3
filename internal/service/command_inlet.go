package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/nats-io/nats.go"

	"salesfloor/proximity/internal/model"
)

// CommandSubjectPrefix is followed by the vendor id
const CommandSubjectPrefix = "proximity.command."

// InletCommand is a control message received on proximity.command.<vendor>
type InletCommand struct {
	Action    string                       `json:"action"` // start, stop, cancel, confirm, start_recording, stop_recording, update_config
	SessionID string                       `json:"session_id,omitempty"`
	Config    *model.VendorProximityConfig `json:"config,omitempty"`
}

// InletReply answers a request-style command
type InletReply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// CommandInlet feeds NATS control messages into the monitor
type CommandInlet struct {
	nc      *nats.Conn
	monitor *Monitor
	sub     *nats.Subscription
	logger  *log.Logger
	timeout time.Duration
}

// NewCommandInlet creates an inlet for monitor
func NewCommandInlet(nc *nats.Conn, monitor *Monitor, logger *log.Logger) *CommandInlet {
	return &CommandInlet{
		nc:      nc,
		monitor: monitor,
		logger:  logger.WithPrefix("inlet"),
		timeout: 10 * time.Second,
	}
}

// Start subscribes to proximity.command.*
func (c *CommandInlet) Start() error {
	sub, err := c.nc.Subscribe(CommandSubjectPrefix+"*", func(msg *nats.Msg) {
		vendorID := strings.TrimPrefix(msg.Subject, CommandSubjectPrefix)
		err := c.Handle(vendorID, msg.Data)
		if err != nil {
			c.logger.Warn("command failed", "vendor", vendorID, "err", err)
		}
		if msg.Reply == "" {
			return
		}
		reply := InletReply{OK: err == nil}
		if err != nil {
			reply.Error = err.Error()
		}
		data, _ := json.Marshal(reply)
		if rerr := msg.Respond(data); rerr != nil {
			c.logger.Warn("failed to reply", "vendor", vendorID, "err", rerr)
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe %s*: %w", CommandSubjectPrefix, err)
	}
	c.sub = sub
	return nil
}

// Stop unsubscribes
func (c *CommandInlet) Stop() {
	if c.sub != nil {
		_ = c.sub.Unsubscribe()
	}
}

// Handle applies one encoded command for vendorID
func (c *CommandInlet) Handle(vendorID string, data []byte) error {
	var cmd InletCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		return fmt.Errorf("decode command: %w", err)
	}
	switch cmd.Action {
	case "start":
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()
		return c.monitor.StartMonitoring(ctx, vendorID, cmd.Config)
	case "stop":
		c.monitor.StopMonitoring(vendorID)
		return nil
	case "cancel":
		return c.monitor.CancelSession(vendorID)
	case "confirm":
		return c.monitor.ConfirmRecording(vendorID, cmd.SessionID)
	case "start_recording":
		return c.monitor.StartRecording(vendorID)
	case "stop_recording":
		return c.monitor.StopRecording(vendorID)
	case "update_config":
		c.monitor.UpdateConfig(vendorID)
		return nil
	default:
		return fmt.Errorf("unknown action %q", cmd.Action)
	}
}
