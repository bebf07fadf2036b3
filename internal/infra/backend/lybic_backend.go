package backend

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"strings"
	"time"

	_ "image/jpeg"

	_ "golang.org/x/image/webp"

	"navi/internal/domain/action"
	"navi/internal/domain/agent"
	"navi/internal/shared/errors"
	"navi/internal/shared/logging"
)

// focusPause is how long to let the UI settle after a focusing click before
// keystrokes follow.
const focusPause = 120 * time.Millisecond

// swipeStepPx is how far one scroll click travels when emulated as a touch
// swipe on mobile sandboxes.
const swipeStepPx = 120

// LybicBackend drives one cloud sandbox over the lybic REST API. The mobile
// flavour swaps pointer actions for touch gestures; everything else is
// shared. Transient transport failures are retried per call; logical
// failures (an action the device cannot express) come back as unsuccessful
// results so the loop can route around them.
type LybicBackend struct {
	name    string
	client  *lybicClient
	sandbox string
	mobile  bool
	logger  logging.Logger
}

var _ agent.Backend = (*LybicBackend)(nil)

func newLybicBackend(name string, client *lybicClient, sandbox string, mobile bool, logger logging.Logger) *LybicBackend {
	return &LybicBackend{
		name:    name,
		client:  client,
		sandbox: sandbox,
		mobile:  mobile,
		logger:  logging.OrNop(logger),
	}
}

func (b *LybicBackend) Name() string { return b.name }

func (b *LybicBackend) SandboxID() string { return b.sandbox }

// Screenshot asks the preview endpoint for a capture URL, downloads it, and
// normalizes the bytes to PNG. The service serves webp in practice.
func (b *LybicBackend) Screenshot(ctx context.Context) (agent.Screenshot, error) {
	preview, err := errors.RetryWithResult(ctx, errors.BackendRetryConfig(), b.logger, func(ctx context.Context) (previewResponse, error) {
		return b.client.preview(ctx, b.sandbox)
	})
	if err != nil {
		return agent.Screenshot{}, fmt.Errorf("preview sandbox %s: %w", b.sandbox, err)
	}

	raw, err := errors.RetryWithResult(ctx, errors.BackendRetryConfig(), b.logger, func(ctx context.Context) ([]byte, error) {
		return b.client.download(ctx, preview.ScreenShot)
	})
	if err != nil {
		return agent.Screenshot{}, fmt.Errorf("download capture: %w", err)
	}
	return decodeCapture(raw)
}

// Execute translates one neutral action into wire calls and sends them in
// order. A translation refusal is a logical failure, not an error.
func (b *LybicBackend) Execute(ctx context.Context, act action.Action) (agent.ExecResult, error) {
	calls, err := b.translate(act)
	if err != nil {
		return agent.ExecResult{Success: false, Error: err.Error()}, nil
	}
	for _, call := range calls {
		if call.action != nil {
			if err := b.send(ctx, call.action); err != nil {
				return agent.ExecResult{}, err
			}
		}
		if err := sleepCtx(ctx, call.pause); err != nil {
			return agent.ExecResult{}, err
		}
	}
	return agent.ExecResult{Success: true}, nil
}

// ReleaseSandbox destroys the bound sandbox.
func (b *LybicBackend) ReleaseSandbox(ctx context.Context) error {
	err := errors.Retry(ctx, errors.BackendRetryConfig(), b.logger, func(ctx context.Context) error {
		return b.client.deleteSandbox(ctx, b.sandbox)
	})
	if err != nil {
		return fmt.Errorf("release sandbox %s: %w", b.sandbox, err)
	}
	b.logger.Info("Sandbox %s released", b.sandbox)
	return nil
}

func (b *LybicBackend) send(ctx context.Context, wire map[string]any) error {
	return errors.Retry(ctx, errors.BackendRetryConfig(), b.logger, func(ctx context.Context) error {
		return b.client.execAction(ctx, b.sandbox, wire)
	})
}

// wireCall is one remote action plus an optional settle pause afterwards. A
// nil action with a pause is a pure client-side wait.
type wireCall struct {
	action map[string]any
	pause  time.Duration
}

func (b *LybicBackend) translate(act action.Action) ([]wireCall, error) {
	switch act.Type {
	case action.TypeScreenshot:
		// Captures go through Screenshot; nothing to send.
		return nil, nil

	case action.TypeClick:
		if act.XY == nil {
			return nil, fmt.Errorf("click is missing coordinates")
		}
		return b.clickCalls(act.XY, act.Count, act.Button, act.HoldKeys), nil

	case action.TypeType:
		return b.typeCalls(act), nil

	case action.TypeDrag:
		if act.Start == nil || act.End == nil {
			return nil, fmt.Errorf("drag is missing coordinates")
		}
		if b.mobile {
			return []wireCall{{action: map[string]any{
				"type":     "touch:swipe",
				"startX":   px(act.Start[0]),
				"startY":   px(act.Start[1]),
				"endX":     px(act.End[0]),
				"endY":     px(act.End[1]),
				"duration": 500,
			}}}, nil
		}
		return []wireCall{{action: map[string]any{
			"type":    "mouse:drag",
			"startX":  px(act.Start[0]),
			"startY":  px(act.Start[1]),
			"endX":    px(act.End[0]),
			"endY":    px(act.End[1]),
			"holdKey": joinKeys(act.HoldKeys),
		}}}, nil

	case action.TypeScroll:
		if act.XY == nil {
			return nil, fmt.Errorf("scroll is missing coordinates")
		}
		return b.scrollCalls(act), nil

	case action.TypeHotkey:
		if len(act.Keys) == 0 {
			return nil, fmt.Errorf("hotkey has no keys")
		}
		return []wireCall{{action: hotkeyAction(act.Keys)}}, nil

	case action.TypeHoldAndPress:
		if len(act.PressKeys) == 0 {
			return nil, fmt.Errorf("hold_and_press has no press keys")
		}
		calls := make([]wireCall, 0, len(act.PressKeys))
		for _, key := range act.PressKeys {
			combo := append(append([]string{}, act.HoldKeys...), key)
			calls = append(calls, wireCall{action: hotkeyAction(combo)})
		}
		return calls, nil

	case action.TypeOpen:
		if !b.mobile {
			return nil, fmt.Errorf("open is not supported on %s", b.name)
		}
		return []wireCall{{action: map[string]any{"type": "app:open", "app": act.AppOrFilename}}}, nil

	case action.TypeSwitchApp:
		if !b.mobile {
			return nil, fmt.Errorf("switch_app is not supported on %s", b.name)
		}
		return []wireCall{{action: map[string]any{"type": "app:switch", "app": act.AppCode}}}, nil

	case action.TypeWait:
		return []wireCall{{pause: secondsToDuration(act.Seconds)}}, nil

	default:
		return nil, fmt.Errorf("%s is not a device action", act.Type)
	}
}

func (b *LybicBackend) clickCalls(xy *[2]int, count int, button action.MouseButton, holdKeys []string) []wireCall {
	if count <= 0 {
		count = 1
	}

	if b.mobile {
		calls := make([]wireCall, 0, count)
		for i := 0; i < count; i++ {
			calls = append(calls, wireCall{action: map[string]any{
				"type": "touch:tap",
				"x":    px(xy[0]),
				"y":    px(xy[1]),
			}})
		}
		return calls
	}

	if count == 2 {
		return []wireCall{{action: map[string]any{
			"type":    "mouse:doubleClick",
			"x":       px(xy[0]),
			"y":       px(xy[1]),
			"button":  lybicButton(button),
			"holdKey": joinKeys(holdKeys),
		}}}
	}

	calls := make([]wireCall, 0, count)
	for i := 0; i < count; i++ {
		calls = append(calls, wireCall{action: map[string]any{
			"type":    "mouse:click",
			"x":       px(xy[0]),
			"y":       px(xy[1]),
			"button":  lybicButton(button),
			"holdKey": joinKeys(holdKeys),
		}})
	}
	return calls
}

// typeCalls composes focus, clear, text, and enter into a call sequence.
func (b *LybicBackend) typeCalls(act action.Action) []wireCall {
	var calls []wireCall
	if act.XY != nil {
		calls = append(calls, b.clickCalls(act.XY, 1, action.ButtonLeft, nil)...)
		calls[len(calls)-1].pause = focusPause
	}
	if act.Overwrite {
		calls = append(calls,
			wireCall{action: hotkeyAction([]string{"ctrl", "a"})},
			wireCall{action: hotkeyAction([]string{"backspace"})},
		)
	}
	calls = append(calls, wireCall{action: map[string]any{"type": "keyboard:type", "content": act.Text}})
	if act.PressEnter {
		calls = append(calls, wireCall{action: hotkeyAction([]string{"enter"})})
	}
	return calls
}

func (b *LybicBackend) scrollCalls(act action.Action) []wireCall {
	if b.mobile {
		// One swipe stands in for the whole scroll; the finger moves against
		// the scroll direction.
		endX, endY := act.XY[0], act.XY[1]
		if act.IsVertical() {
			endY -= act.Clicks * swipeStepPx
		} else {
			endX -= act.Clicks * swipeStepPx
		}
		return []wireCall{{action: map[string]any{
			"type":     "touch:swipe",
			"startX":   px(act.XY[0]),
			"startY":   px(act.XY[1]),
			"endX":     px(endX),
			"endY":     px(endY),
			"duration": 500,
		}}}
	}

	vertical, horizontal := 0, 0
	if act.IsVertical() {
		vertical = act.Clicks
	} else {
		horizontal = act.Clicks
	}
	return []wireCall{{action: map[string]any{
		"type":           "mouse:scroll",
		"x":              px(act.XY[0]),
		"y":              px(act.XY[1]),
		"stepVertical":   vertical,
		"stepHorizontal": horizontal,
	}}}
}

func hotkeyAction(keys []string) map[string]any {
	return map[string]any{
		"type":     "keyboard:hotkey",
		"keys":     joinKeys(keys),
		"duration": 80,
	}
}

// px wraps a pixel coordinate the way the wire expects.
func px(v int) map[string]any {
	return map[string]any{"type": "px", "value": v}
}

// lybicButton maps a button name onto the wire's button flags.
func lybicButton(button action.MouseButton) int {
	switch button {
	case action.ButtonRight:
		return 2
	case action.ButtonMiddle:
		return 4
	default:
		return 1
	}
}

func joinKeys(keys []string) string {
	return strings.Join(keys, "+")
}

func secondsToDuration(seconds float64) time.Duration {
	if seconds <= 0 {
		return 0
	}
	return time.Duration(seconds * float64(time.Second))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var pngMagic = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

// decodeCapture normalizes capture bytes to PNG and reads out the pixel
// bounds. PNG input passes through untouched; webp and jpeg are re-encoded.
func decodeCapture(raw []byte) (agent.Screenshot, error) {
	if bytes.HasPrefix(raw, pngMagic) {
		cfg, err := png.DecodeConfig(bytes.NewReader(raw))
		if err != nil {
			return agent.Screenshot{}, fmt.Errorf("decode capture: %w", err)
		}
		return agent.Screenshot{PNG: raw, Width: cfg.Width, Height: cfg.Height}, nil
	}

	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return agent.Screenshot{}, fmt.Errorf("decode capture: %w", err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return agent.Screenshot{}, fmt.Errorf("encode capture: %w", err)
	}
	bounds := img.Bounds()
	return agent.Screenshot{PNG: buf.Bytes(), Width: bounds.Dx(), Height: bounds.Dy()}, nil
}
