// Package console answers run-command requests with canned shell output.
package console

import (
	"context"
	"fmt"
	"sync"
	"time"

	"deplight/internal/model"
	"deplight/pkg/cmdutil"
)

const podsTable = `NAME                          READY   STATUS    RESTARTS   AGE
deplight-v1-blue-pod-abc12    1/1     Running   0          3h
deplight-v2-green-pod-xyz78   1/1     Running   0          12m`

const helpText = `available commands:
  kubectl get pods      list running pods
  kubectl logs <pod>    show recent pod logs
  ls                    list project files
  help                  show this message`

// Console produces the echo and the delayed response for a command.
type Console struct {
	delay time.Duration
	now   func() time.Time
	wg    sync.WaitGroup
}

// New creates a console that answers after delay.
func New(delay time.Duration) *Console {
	return &Console{delay: delay, now: time.Now}
}

// Run sends the COMMAND echo through reply at once and the response after
// the configured delay. The response is dropped if ctx ends first.
func (c *Console) Run(ctx context.Context, command string, reply func(model.LogEntry)) {
	reply(model.LogEntry{Time: c.now(), Message: command, Channel: model.ChannelCommand})

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if c.delay > 0 {
			timer := time.NewTimer(c.delay)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-ctx.Done():
				return
			}
		}
		if ctx.Err() != nil {
			return
		}
		reply(c.Respond(command))
	}()
}

// Wait blocks until every pending response has been delivered or dropped.
func (c *Console) Wait() {
	c.wg.Wait()
}

// Respond returns the canned answer for command.
func (c *Console) Respond(command string) model.LogEntry {
	entry := model.LogEntry{Time: c.now(), Channel: model.ChannelConsole}

	parts, err := cmdutil.ParseCommandString(command)
	if err != nil {
		entry.Channel = model.ChannelConsoleError
		entry.Message = "zsh: parse error: " + err.Error()
		return entry
	}

	switch {
	case cmdutil.HasPrefix(parts, "kubectl", "get", "pods"):
		entry.Message = podsTable
	case cmdutil.HasPrefix(parts, "kubectl", "logs"):
		if len(parts) < 3 {
			entry.Channel = model.ChannelConsoleError
			entry.Message = "error: expected a pod name"
			break
		}
		entry.Message = c.podLogs()
	case cmdutil.HasPrefix(parts, "ls"):
		entry.Message = "README.md  package.json  server.js"
	case cmdutil.HasPrefix(parts, "help"):
		entry.Message = helpText
	default:
		entry.Channel = model.ChannelConsoleError
		entry.Message = "zsh: command not found: " + cmdutil.FormatCommand(parts)
	}
	return entry
}

func (c *Console) podLogs() string {
	stamp := c.now().UTC().Format(time.RFC3339)
	return fmt.Sprintf("[%s] Server listening on port 8080\n[%s] Health check OK", stamp, stamp)
}
