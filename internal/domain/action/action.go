// Package action defines the neutral action schema the worker produces and
// the backend executes, plus the parser for the pseudocode calls emitted by
// the action generator. The schema is device-independent; each backend maps
// it onto its own API.
package action

import "time"

// Type discriminates the action variants.
type Type string

const (
	TypeScreenshot   Type = "screenshot"
	TypeClick        Type = "click"
	TypeType         Type = "type"
	TypeDrag         Type = "drag"
	TypeScroll       Type = "scroll"
	TypeHotkey       Type = "hotkey"
	TypeHoldAndPress Type = "hold_and_press"
	TypeOpen         Type = "open"
	TypeSwitchApp    Type = "switch_app"
	TypeWait         Type = "wait"
	TypeDone         Type = "done"
	TypeFail         Type = "fail"
)

// MouseButton names a physical mouse button.
type MouseButton string

const (
	ButtonLeft   MouseButton = "left"
	ButtonMiddle MouseButton = "middle"
	ButtonRight  MouseButton = "right"
)

// Action is the flat, JSON-friendly action payload. The Type field selects
// which parameters are meaningful. Element descriptions are filled by the
// generator; the grounding step resolves them to coordinates before the
// backend sees the action.
type Action struct {
	Type Type `json:"type"`

	// Click / shared pointer target.
	Element  string      `json:"element_description,omitempty"`
	XY       *[2]int     `json:"xy,omitempty"`
	Button   MouseButton `json:"button,omitempty"`
	Count    int         `json:"count,omitempty"`
	HoldKeys []string    `json:"hold_keys,omitempty"`

	// Type.
	Text       string `json:"text,omitempty"`
	Overwrite  bool   `json:"overwrite,omitempty"`
	PressEnter bool   `json:"press_enter,omitempty"`

	// Drag.
	StartElement string  `json:"start_description,omitempty"`
	EndElement   string  `json:"end_description,omitempty"`
	Start        *[2]int `json:"start,omitempty"`
	End          *[2]int `json:"end,omitempty"`

	// Scroll. Vertical defaults to true when unset.
	Clicks   int   `json:"clicks,omitempty"`
	Vertical *bool `json:"vertical,omitempty"`

	// Hotkey / hold_and_press.
	Keys      []string `json:"keys,omitempty"`
	PressKeys []string `json:"press_keys,omitempty"`

	// Open / switch_app.
	AppOrFilename string `json:"app_or_filename,omitempty"`
	AppCode       string `json:"app_code,omitempty"`

	// Wait. ForUser marks a takeover hold so the dispatcher can surface it.
	Seconds float64 `json:"seconds,omitempty"`
	ForUser bool    `json:"for_user,omitempty"`

	// Done.
	ReturnValue string `json:"return_value,omitempty"`
}

// Screenshot returns a capture request.
func Screenshot() Action {
	return Action{Type: TypeScreenshot}
}

// Click returns a click on element, resolved to coordinates later.
func Click(element string, count int, button MouseButton, holdKeys []string) Action {
	if count <= 0 {
		count = 1
	}
	if button == "" {
		button = ButtonLeft
	}
	return Action{Type: TypeClick, Element: element, Count: count, Button: button, HoldKeys: holdKeys}
}

// TypeText returns a typing action. An empty element targets the focused
// control.
func TypeText(element, text string, overwrite, pressEnter bool) Action {
	return Action{Type: TypeType, Element: element, Text: text, Overwrite: overwrite, PressEnter: pressEnter}
}

// Drag returns a drag between two described elements.
func Drag(startElement, endElement string, holdKeys []string) Action {
	return Action{Type: TypeDrag, StartElement: startElement, EndElement: endElement, HoldKeys: holdKeys}
}

// Scroll returns a scroll at element by clicks (negative scrolls up).
func Scroll(element string, clicks int, vertical bool) Action {
	v := vertical
	return Action{Type: TypeScroll, Element: element, Clicks: clicks, Vertical: &v}
}

// Hotkey returns a key combination press.
func Hotkey(keys []string) Action {
	return Action{Type: TypeHotkey, Keys: keys}
}

// HoldAndPress returns holding holdKeys while pressing pressKeys in sequence.
func HoldAndPress(holdKeys, pressKeys []string) Action {
	return Action{Type: TypeHoldAndPress, HoldKeys: holdKeys, PressKeys: pressKeys}
}

// Open returns launching an application or file by name.
func Open(appOrFilename string) Action {
	return Action{Type: TypeOpen, AppOrFilename: appOrFilename}
}

// SwitchApp returns switching to a running application.
func SwitchApp(appCode string) Action {
	return Action{Type: TypeSwitchApp, AppCode: appCode}
}

// Wait returns an idle pause.
func Wait(seconds float64) Action {
	return Action{Type: TypeWait, Seconds: seconds}
}

// WaitForUser returns a takeover hold surfaced as awaiting_user.
func WaitForUser(seconds float64) Action {
	return Action{Type: TypeWait, Seconds: seconds, ForUser: true}
}

// Done returns the subtask completion signal.
func Done(returnValue string) Action {
	return Action{Type: TypeDone, ReturnValue: returnValue}
}

// Fail returns the subtask failure signal.
func Fail() Action {
	return Action{Type: TypeFail}
}

// IsDone reports whether a is the completion signal.
func (a Action) IsDone() bool { return a.Type == TypeDone }

// IsFail reports whether a is the failure signal.
func (a Action) IsFail() bool { return a.Type == TypeFail }

// IsSignal reports whether a is a control signal rather than a device action.
func (a Action) IsSignal() bool { return a.IsDone() || a.IsFail() }

// IsVertical resolves the scroll axis default.
func (a Action) IsVertical() bool {
	if a.Vertical == nil {
		return true
	}
	return *a.Vertical
}

// NeedsGrounding reports whether a still carries unresolved element
// descriptions.
func (a Action) NeedsGrounding() bool {
	switch a.Type {
	case TypeClick, TypeScroll:
		return a.Element != "" && a.XY == nil
	case TypeType:
		return a.Element != "" && a.XY == nil
	case TypeDrag:
		return (a.StartElement != "" && a.Start == nil) || (a.EndElement != "" && a.End == nil)
	default:
		return false
	}
}

// InBounds reports whether every resolved coordinate lies within the
// screenshot bounds (width, height in pixels).
func (a Action) InBounds(width, height int) bool {
	check := func(xy *[2]int) bool {
		if xy == nil {
			return true
		}
		return xy[0] >= 0 && xy[0] < width && xy[1] >= 0 && xy[1] < height
	}
	return check(a.XY) && check(a.Start) && check(a.End)
}

// Record is one executed action in the task's append-only trail.
type Record struct {
	Step        int       `json:"step"`
	Timestamp   time.Time `json:"timestamp"`
	Subtask     string    `json:"subtask"`
	Description string    `json:"description,omitempty"`
	Action      Action    `json:"action"`
	Success     bool      `json:"success"`
	Error       string    `json:"error,omitempty"`
	Screenshot  string    `json:"screenshot,omitempty"`
	LatencyMS   int64     `json:"latency_ms,omitempty"`
}
