package action

import (
	"fmt"
)

// FromCall maps a parsed pseudocode call onto the neutral action schema.
// wait_for_user is only a valid call while takeover is enabled; outside
// takeover it is rejected like any unknown name.
func FromCall(call Call, takeover bool) (Action, error) {
	args := callArgs{call: call}
	switch call.Name {
	case "click":
		element := args.str(0, "element_description")
		if element == "" {
			return Action{}, fmt.Errorf("click requires an element description")
		}
		count := args.intval(1, 1, "num_clicks")
		button := MouseButton(args.strdef(2, string(ButtonLeft), "button_type"))
		switch button {
		case ButtonLeft, ButtonMiddle, ButtonRight:
		default:
			return Action{}, fmt.Errorf("unknown button %q", button)
		}
		return Click(element, count, button, args.list(3, "hold_keys")), nil

	case "type", "type_text":
		element := args.str(0, "element_description")
		text := args.strdef(1, "", "text")
		if text == "" && element != "" && len(call.Args) == 1 && len(call.Kwargs) == 0 {
			// Single positional argument means text for the focused control.
			element, text = "", element
		}
		overwrite := args.boolean(2, false, "overwrite")
		enter := args.boolean(3, false, "enter", "press_enter")
		return TypeText(element, text, overwrite, enter), nil

	case "scroll":
		element := args.str(0, "element_description")
		if element == "" {
			return Action{}, fmt.Errorf("scroll requires an element description")
		}
		clicks := args.intval(1, 0, "clicks")
		if clicks == 0 {
			return Action{}, fmt.Errorf("scroll requires a non-zero click count")
		}
		vertical := !args.boolean(2, false, "shift")
		if v, ok := args.lookup(-1, "vertical"); ok {
			vertical = v.AsBool(true)
		}
		return Scroll(element, clicks, vertical), nil

	case "drag_and_drop", "drag":
		start := args.str(0, "starting_description")
		end := args.str(1, "ending_description")
		if start == "" || end == "" {
			return Action{}, fmt.Errorf("drag_and_drop requires start and end descriptions")
		}
		return Drag(start, end, args.list(2, "hold_keys")), nil

	case "hotkey":
		keys := args.list(0, "keys")
		if len(keys) == 0 {
			return Action{}, fmt.Errorf("hotkey requires at least one key")
		}
		return Hotkey(keys), nil

	case "hold_and_press":
		hold := args.list(0, "hold_keys")
		press := args.list(1, "press_keys")
		if len(press) == 0 {
			return Action{}, fmt.Errorf("hold_and_press requires press keys")
		}
		return HoldAndPress(hold, press), nil

	case "open":
		target := args.str(0, "app_or_filename")
		if target == "" {
			return Action{}, fmt.Errorf("open requires an application or file name")
		}
		return Open(target), nil

	case "switch_applications", "switch_app":
		code := args.str(0, "app_code")
		if code == "" {
			return Action{}, fmt.Errorf("switch_applications requires an app code")
		}
		return SwitchApp(code), nil

	case "screenshot":
		return Screenshot(), nil

	case "wait":
		return Wait(args.float(0, 1, "time", "seconds")), nil

	case "wait_for_user":
		if !takeover {
			return Action{}, fmt.Errorf("wait_for_user requires takeover mode")
		}
		return WaitForUser(args.float(0, 0, "time", "seconds")), nil

	case "done":
		return Done(args.strdef(0, "", "return_value")), nil

	case "fail":
		return Fail(), nil
	}
	return Action{}, fmt.Errorf("unknown action %q", call.Name)
}

// callArgs resolves positional-or-keyword arguments.
type callArgs struct {
	call Call
}

func (a callArgs) lookup(pos int, names ...string) (Value, bool) {
	for _, name := range names {
		if v, ok := a.call.Kwargs[name]; ok {
			return v, true
		}
	}
	if pos >= 0 && pos < len(a.call.Args) {
		return a.call.Args[pos], true
	}
	return Value{}, false
}

func (a callArgs) str(pos int, names ...string) string {
	if v, ok := a.lookup(pos, names...); ok {
		return v.AsString()
	}
	return ""
}

func (a callArgs) strdef(pos int, fallback string, names ...string) string {
	if v, ok := a.lookup(pos, names...); ok && v.Kind != ValueNil {
		return v.AsString()
	}
	return fallback
}

func (a callArgs) intval(pos, fallback int, names ...string) int {
	if v, ok := a.lookup(pos, names...); ok {
		return v.AsInt(fallback)
	}
	return fallback
}

func (a callArgs) float(pos int, fallback float64, names ...string) float64 {
	if v, ok := a.lookup(pos, names...); ok {
		return v.AsFloat(fallback)
	}
	return fallback
}

func (a callArgs) boolean(pos int, fallback bool, names ...string) bool {
	if v, ok := a.lookup(pos, names...); ok {
		return v.AsBool(fallback)
	}
	return fallback
}

func (a callArgs) list(pos int, names ...string) []string {
	if v, ok := a.lookup(pos, names...); ok {
		return v.AsStringList()
	}
	return nil
}
