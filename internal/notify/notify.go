// Package notify raises desktop notifications when a story needs a human.
package notify

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strings"

	"go.uber.org/zap"

	"github.com/msageha/storyforge/internal/events"
	"github.com/msageha/storyforge/internal/logging"
)

// SendFunc delivers one notification.
type SendFunc func(title, message string) error

// Send uses osascript on macOS and notify-send elsewhere.
func Send(title, message string) error {
	var cmd *exec.Cmd
	if runtime.GOOS == "darwin" {
		script := fmt.Sprintf(`display notification "%s" with title "%s" sound name "default"`,
			escapeAppleScript(message), escapeAppleScript(title))
		cmd = exec.Command("osascript", "-e", script)
	} else {
		cmd = exec.Command("notify-send", "--app-name=storyforge", title, message)
	}
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%s: %w: %s", cmd.Args[0], err, strings.TrimSpace(string(out)))
	}
	return nil
}

func escapeAppleScript(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}

// Attach notifies on every blocked story. Delivery failures are logged at
// debug level; headless hosts usually have no notifier.
func Attach(bus *events.Bus, send SendFunc, logger *logging.Logger) func() {
	if send == nil {
		send = Send
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return bus.Subscribe(func(e events.Event) {
		title, message := format(e)
		if err := send(title, message); err != nil {
			logger.Debug(context.Background(), "notification not delivered", zap.Error(err))
		}
	}, events.StoryBlocked)
}

func format(e events.Event) (string, string) {
	id, _ := e.Data["story_id"].(string)
	question, _ := e.Data["question"].(string)
	if i := strings.IndexByte(question, '\n'); i >= 0 {
		question = question[:i]
	}
	if question == "" {
		question = "needs human input"
	}
	return "storyforge: " + id + " is blocked", question
}
