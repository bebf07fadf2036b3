package backend

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"navi/internal/domain/action"
	"navi/internal/domain/agent"
	"navi/internal/shared/logging"
)

// LocalGUI drives the host's X11 session: xdotool for input, scrot for
// capture with ImageMagick's import as fallback, wmctrl for window focus.
// There is no sandbox to provision or destroy.
type LocalGUI struct {
	run     commandRunner
	logger  logging.Logger
	tempDir string
}

var _ agent.Backend = (*LocalGUI)(nil)

// NewLocalGUI returns the local desktop adapter.
func NewLocalGUI(logger logging.Logger) *LocalGUI {
	return &LocalGUI{run: runCombined, logger: logging.OrNop(logger), tempDir: os.TempDir()}
}

func (l *LocalGUI) Name() string { return NameLocalGUI }

// SandboxID is empty: the local display is not an addressable sandbox.
func (l *LocalGUI) SandboxID() string { return "" }

func (l *LocalGUI) ReleaseSandbox(ctx context.Context) error { return nil }

// Screenshot captures the full screen into a temp file and reads it back.
func (l *LocalGUI) Screenshot(ctx context.Context) (agent.Screenshot, error) {
	path := filepath.Join(l.tempDir, fmt.Sprintf("navi-capture-%d.png", time.Now().UnixNano()))
	defer os.Remove(path)

	if out, err := l.run(ctx, "scrot", "--overwrite", path); err != nil {
		l.logger.Debug("scrot failed (%v), falling back to import: %s", err, bytes.TrimSpace(out))
		if out, err := l.run(ctx, "import", "-window", "root", path); err != nil {
			return agent.Screenshot{}, fmt.Errorf("screen capture failed: %v: %s", err, bytes.TrimSpace(out))
		}
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return agent.Screenshot{}, fmt.Errorf("read capture: %w", err)
	}
	return decodeCapture(raw)
}

func (l *LocalGUI) Execute(ctx context.Context, act action.Action) (agent.ExecResult, error) {
	var err error
	switch act.Type {
	case action.TypeScreenshot:
		return agent.ExecResult{Success: true}, nil
	case action.TypeClick:
		if act.XY == nil {
			return agent.ExecResult{Success: false, Error: "click is missing coordinates"}, nil
		}
		err = l.click(ctx, act)
	case action.TypeType:
		err = l.typeText(ctx, act)
	case action.TypeDrag:
		if act.Start == nil || act.End == nil {
			return agent.ExecResult{Success: false, Error: "drag is missing coordinates"}, nil
		}
		err = l.drag(ctx, act)
	case action.TypeScroll:
		if act.XY == nil {
			return agent.ExecResult{Success: false, Error: "scroll is missing coordinates"}, nil
		}
		err = l.scroll(ctx, act)
	case action.TypeHotkey:
		if len(act.Keys) == 0 {
			return agent.ExecResult{Success: false, Error: "hotkey has no keys"}, nil
		}
		err = l.xdotool(ctx, "key", "--clearmodifiers", keysymCombo(act.Keys))
	case action.TypeHoldAndPress:
		if len(act.PressKeys) == 0 {
			return agent.ExecResult{Success: false, Error: "hold_and_press has no press keys"}, nil
		}
		err = l.holdAndPress(ctx, act)
	case action.TypeOpen:
		err = l.open(ctx, act.AppOrFilename)
	case action.TypeSwitchApp:
		err = l.switchApp(ctx, act.AppCode)
	case action.TypeWait:
		if err := sleepCtx(ctx, secondsToDuration(act.Seconds)); err != nil {
			return agent.ExecResult{}, err
		}
		return agent.ExecResult{Success: true}, nil
	default:
		return agent.ExecResult{Success: false, Error: fmt.Sprintf("%s is not a device action", act.Type)}, nil
	}

	if err != nil {
		if ctx.Err() != nil {
			return agent.ExecResult{}, ctx.Err()
		}
		// xdotool failures are device-level, not transport. Let the loop see
		// them and route around.
		return agent.ExecResult{Success: false, Error: err.Error()}, nil
	}
	return agent.ExecResult{Success: true}, nil
}

func (l *LocalGUI) click(ctx context.Context, act action.Action) error {
	count := act.Count
	if count <= 0 {
		count = 1
	}

	args := []string{"mousemove", itoa(act.XY[0]), itoa(act.XY[1])}
	for _, key := range act.HoldKeys {
		args = append(args, "keydown", keysym(key))
	}
	args = append(args, "click", "--repeat", itoa(count), xButton(act.Button))
	for _, key := range act.HoldKeys {
		args = append(args, "keyup", keysym(key))
	}
	return l.xdotool(ctx, args...)
}

func (l *LocalGUI) typeText(ctx context.Context, act action.Action) error {
	if act.XY != nil {
		if err := l.xdotool(ctx, "mousemove", itoa(act.XY[0]), itoa(act.XY[1]), "click", "1"); err != nil {
			return err
		}
		if err := sleepCtx(ctx, focusPause); err != nil {
			return err
		}
	}
	if act.Overwrite {
		if err := l.xdotool(ctx, "key", "--clearmodifiers", "ctrl+a", "key", "BackSpace"); err != nil {
			return err
		}
	}
	// type consumes the rest of the argument list, so it gets its own
	// invocation with an explicit terminator.
	if err := l.xdotool(ctx, "type", "--delay", "12", "--", act.Text); err != nil {
		return err
	}
	if act.PressEnter {
		return l.xdotool(ctx, "key", "Return")
	}
	return nil
}

func (l *LocalGUI) drag(ctx context.Context, act action.Action) error {
	args := []string{}
	for _, key := range act.HoldKeys {
		args = append(args, "keydown", keysym(key))
	}
	args = append(args,
		"mousemove", itoa(act.Start[0]), itoa(act.Start[1]),
		"mousedown", "1",
		"mousemove", "--sync", itoa(act.End[0]), itoa(act.End[1]),
		"mouseup", "1",
	)
	for _, key := range act.HoldKeys {
		args = append(args, "keyup", keysym(key))
	}
	return l.xdotool(ctx, args...)
}

func (l *LocalGUI) scroll(ctx context.Context, act action.Action) error {
	clicks := act.Clicks
	// X buttons: 4 up, 5 down, 6 left, 7 right.
	button := "5"
	if act.IsVertical() {
		if clicks < 0 {
			button = "4"
		}
	} else {
		button = "7"
		if clicks < 0 {
			button = "6"
		}
	}
	if clicks < 0 {
		clicks = -clicks
	}
	if clicks == 0 {
		return nil
	}
	return l.xdotool(ctx,
		"mousemove", itoa(act.XY[0]), itoa(act.XY[1]),
		"click", "--repeat", itoa(clicks), button,
	)
}

func (l *LocalGUI) holdAndPress(ctx context.Context, act action.Action) error {
	args := []string{}
	for _, key := range act.HoldKeys {
		args = append(args, "keydown", keysym(key))
	}
	for _, key := range act.PressKeys {
		args = append(args, "key", keysym(key))
	}
	for _, key := range act.HoldKeys {
		args = append(args, "keyup", keysym(key))
	}
	return l.xdotool(ctx, args...)
}

// open goes through the desktop launcher: super, type the name, enter.
func (l *LocalGUI) open(ctx context.Context, name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("open needs an application or file name")
	}
	if err := l.xdotool(ctx, "key", "super"); err != nil {
		return err
	}
	if err := sleepCtx(ctx, 500*time.Millisecond); err != nil {
		return err
	}
	if err := l.xdotool(ctx, "type", "--delay", "12", "--", name); err != nil {
		return err
	}
	if err := sleepCtx(ctx, time.Second); err != nil {
		return err
	}
	return l.xdotool(ctx, "key", "Return")
}

// switchApp focuses a running window via wmctrl, falling back to the
// launcher flow when wmctrl is unavailable or finds nothing.
func (l *LocalGUI) switchApp(ctx context.Context, appCode string) error {
	if strings.TrimSpace(appCode) == "" {
		return fmt.Errorf("switch_app needs an app code")
	}

	out, err := l.run(ctx, "wmctrl", "-lx")
	if err != nil {
		l.logger.Debug("wmctrl unavailable (%v), using launcher", err)
		return l.open(ctx, appCode)
	}

	windowID := matchWindow(string(out), appCode)
	if windowID == "" {
		return l.open(ctx, appCode)
	}
	if out, err := l.run(ctx, "wmctrl", "-ia", windowID); err != nil {
		return fmt.Errorf("focus window: %v: %s", err, bytes.TrimSpace(out))
	}
	if out, err := l.run(ctx, "wmctrl", "-ir", windowID, "-b", "add,maximized_vert,maximized_horz"); err != nil {
		l.logger.Debug("maximize window failed: %v: %s", err, bytes.TrimSpace(out))
	}
	return nil
}

func (l *LocalGUI) xdotool(ctx context.Context, args ...string) error {
	out, err := l.run(ctx, "xdotool", args...)
	if err != nil {
		return fmt.Errorf("xdotool %s: %v: %s", args[0], err, bytes.TrimSpace(out))
	}
	return nil
}

// matchWindow picks the window whose class or title contains appCode,
// case-insensitively. wmctrl -lx lines are: id desktop class host title.
func matchWindow(listing, appCode string) string {
	needle := strings.ToLower(appCode)
	for _, line := range strings.Split(listing, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		haystack := strings.ToLower(strings.Join(fields[2:], " "))
		if strings.Contains(haystack, needle) {
			return fields[0]
		}
	}
	return ""
}

func xButton(button action.MouseButton) string {
	switch button {
	case action.ButtonMiddle:
		return "2"
	case action.ButtonRight:
		return "3"
	default:
		return "1"
	}
}

// keysym maps neutral key names onto X keysyms; unmapped names pass through,
// which covers letters, digits, and already-correct keysyms.
func keysym(key string) string {
	switch strings.ToLower(key) {
	case "enter", "return":
		return "Return"
	case "esc", "escape":
		return "Escape"
	case "backspace":
		return "BackSpace"
	case "delete", "del":
		return "Delete"
	case "tab":
		return "Tab"
	case "space":
		return "space"
	case "up":
		return "Up"
	case "down":
		return "Down"
	case "left":
		return "Left"
	case "right":
		return "Right"
	case "home":
		return "Home"
	case "end":
		return "End"
	case "page_up", "pageup":
		return "Page_Up"
	case "page_down", "pagedown":
		return "Page_Down"
	case "win", "meta", "super", "cmd", "command":
		return "super"
	case "ctrl", "control":
		return "ctrl"
	case "alt", "option":
		return "alt"
	case "shift":
		return "shift"
	default:
		return key
	}
}

func keysymCombo(keys []string) string {
	mapped := make([]string, len(keys))
	for i, key := range keys {
		mapped[i] = keysym(key)
	}
	return strings.Join(mapped, "+")
}

func itoa(v int) string { return strconv.Itoa(v) }
