package backend

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"navi/internal/domain/action"
	"navi/internal/domain/agent"
	"navi/internal/shared/logging"
)

// swipeDistancePx is how far one scroll click travels on an adb swipe.
const swipeDistancePx = 300

// ADB drives an Android device through the adb binary. The task's sandbox id
// doubles as the device serial; an empty serial targets the default device.
// Devices are never destroyed, so ReleaseSandbox is a no-op.
type ADB struct {
	serial  string
	run     commandRunner
	capture commandRunner
	logger  logging.Logger
}

var _ agent.Backend = (*ADB)(nil)

// NewADB returns the Android adapter bound to serial.
func NewADB(serial string, logger logging.Logger) *ADB {
	return &ADB{
		serial:  strings.TrimSpace(serial),
		run:     runCombined,
		capture: runStdout,
		logger:  logging.OrNop(logger),
	}
}

func (a *ADB) Name() string { return NameADB }

func (a *ADB) SandboxID() string { return a.serial }

func (a *ADB) ReleaseSandbox(ctx context.Context) error { return nil }

// Screenshot pulls a PNG straight off the device. exec-out keeps the stream
// raw; stderr must stay out of it.
func (a *ADB) Screenshot(ctx context.Context) (agent.Screenshot, error) {
	raw, err := a.capture(ctx, "adb", a.args("exec-out", "screencap", "-p")...)
	if err != nil {
		return agent.Screenshot{}, fmt.Errorf("screencap: %w", err)
	}
	return decodeCapture(raw)
}

func (a *ADB) Execute(ctx context.Context, act action.Action) (agent.ExecResult, error) {
	var err error
	switch act.Type {
	case action.TypeScreenshot:
		return agent.ExecResult{Success: true}, nil
	case action.TypeClick:
		if act.XY == nil {
			return agent.ExecResult{Success: false, Error: "click is missing coordinates"}, nil
		}
		err = a.tap(ctx, act.XY, act.Count)
	case action.TypeType:
		err = a.typeText(ctx, act)
	case action.TypeDrag:
		if act.Start == nil || act.End == nil {
			return agent.ExecResult{Success: false, Error: "drag is missing coordinates"}, nil
		}
		err = a.shell(ctx, "input", "swipe",
			itoa(act.Start[0]), itoa(act.Start[1]), itoa(act.End[0]), itoa(act.End[1]), "500")
	case action.TypeScroll:
		if act.XY == nil {
			return agent.ExecResult{Success: false, Error: "scroll is missing coordinates"}, nil
		}
		err = a.scroll(ctx, act)
	case action.TypeHotkey:
		err = a.hotkey(ctx, act.Keys)
	case action.TypeHoldAndPress:
		if len(act.PressKeys) == 0 {
			return agent.ExecResult{Success: false, Error: "hold_and_press has no press keys"}, nil
		}
		for _, key := range act.PressKeys {
			if err = a.hotkey(ctx, append(append([]string{}, act.HoldKeys...), key)); err != nil {
				break
			}
		}
	case action.TypeOpen:
		err = a.launch(ctx, act.AppOrFilename)
	case action.TypeSwitchApp:
		err = a.launch(ctx, act.AppCode)
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
		return agent.ExecResult{Success: false, Error: err.Error()}, nil
	}
	return agent.ExecResult{Success: true}, nil
}

func (a *ADB) tap(ctx context.Context, xy *[2]int, count int) error {
	if count <= 0 {
		count = 1
	}
	for i := 0; i < count; i++ {
		if err := a.shell(ctx, "input", "tap", itoa(xy[0]), itoa(xy[1])); err != nil {
			return err
		}
	}
	return nil
}

func (a *ADB) typeText(ctx context.Context, act action.Action) error {
	if act.XY != nil {
		if err := a.tap(ctx, act.XY, 1); err != nil {
			return err
		}
		if err := sleepCtx(ctx, focusPause); err != nil {
			return err
		}
	}
	if act.Overwrite {
		// ctrl+a then forward delete of the selection.
		if err := a.shell(ctx, "input", "keycombination", "113", "29"); err != nil {
			return err
		}
		if err := a.shell(ctx, "input", "keyevent", "67"); err != nil {
			return err
		}
	}
	if act.Text != "" {
		if err := a.shell(ctx, "input", "text", escapeADBText(act.Text)); err != nil {
			return err
		}
	}
	if act.PressEnter {
		return a.shell(ctx, "input", "keyevent", "66")
	}
	return nil
}

func (a *ADB) scroll(ctx context.Context, act action.Action) error {
	if act.Clicks == 0 {
		return nil
	}
	endX, endY := act.XY[0], act.XY[1]
	if act.IsVertical() {
		endY -= act.Clicks * swipeDistancePx
	} else {
		endX -= act.Clicks * swipeDistancePx
	}
	return a.shell(ctx, "input", "swipe",
		itoa(act.XY[0]), itoa(act.XY[1]), itoa(endX), itoa(endY), "300")
}

func (a *ADB) hotkey(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return fmt.Errorf("hotkey has no keys")
	}
	codes := make([]string, len(keys))
	for i, key := range keys {
		code, ok := adbKeycode(key)
		if !ok {
			return fmt.Errorf("no Android keycode for %q", key)
		}
		codes[i] = itoa(code)
	}
	if len(codes) == 1 {
		return a.shell(ctx, "input", "keyevent", codes[0])
	}
	return a.shell(ctx, append([]string{"input", "keycombination"}, codes...)...)
}

// launch starts an app by package name through the monkey launcher intent.
func (a *ADB) launch(ctx context.Context, pkg string) error {
	pkg = strings.TrimSpace(pkg)
	if pkg == "" {
		return fmt.Errorf("launch needs a package name")
	}
	return a.shell(ctx, "monkey", "-p", pkg, "-c", "android.intent.category.LAUNCHER", "1")
}

func (a *ADB) shell(ctx context.Context, cmd ...string) error {
	args := a.args(append([]string{"shell"}, cmd...)...)
	out, err := a.run(ctx, "adb", args...)
	if err != nil {
		return fmt.Errorf("adb %s: %v: %s", cmd[0], err, bytes.TrimSpace(out))
	}
	return nil
}

func (a *ADB) args(rest ...string) []string {
	if a.serial == "" {
		return rest
	}
	return append([]string{"-s", a.serial}, rest...)
}

// escapeADBText prepares text for input text, which goes through the device
// shell: spaces become %s and the rest is single-quoted.
func escapeADBText(text string) string {
	escaped := strings.ReplaceAll(text, " ", "%s")
	escaped = strings.ReplaceAll(escaped, "'", `'\''`)
	return "'" + escaped + "'"
}

// adbKeycodes maps neutral key names onto Android keycodes.
var adbKeycodes = map[string]int{
	"enter": 66, "return": 66,
	"tab":       61,
	"space":     62,
	"backspace": 67, "del": 67,
	"delete": 112,
	"esc":    111, "escape": 111,
	"up": 19, "down": 20, "left": 21, "right": 22,
	"home": 3, "back": 4, "menu": 82,
	"app_switch": 187,
	"power":      26,
	"volume_up":  24, "volume_down": 25,
	"page_up": 92, "page_down": 93,
	"move_home": 122, "move_end": 123,
	"ctrl": 113, "control": 113,
	"shift": 59,
	"alt":   57,
	"win":   117, "meta": 117, "cmd": 117,
}

func adbKeycode(key string) (int, bool) {
	k := strings.ToLower(strings.TrimSpace(key))
	if code, ok := adbKeycodes[k]; ok {
		return code, true
	}
	if len(k) == 1 {
		c := k[0]
		switch {
		case c >= 'a' && c <= 'z':
			return int(c-'a') + 29, true
		case c >= '0' && c <= '9':
			return int(c-'0') + 7, true
		}
	}
	return 0, false
}
