package backend

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"navi/internal/domain/action"
)

type execCall struct {
	name string
	args []string
}

// fakeExec scripts command outcomes per binary and records every call.
type fakeExec struct {
	calls []execCall
	fail  map[string]error
	out   map[string][]byte
	onRun func(name string, args []string)
}

func (f *fakeExec) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	f.calls = append(f.calls, execCall{name: name, args: args})
	if f.onRun != nil {
		f.onRun(name, args)
	}
	if err, ok := f.fail[name]; ok && err != nil {
		return []byte("boom"), err
	}
	return f.out[name], nil
}

func newLocalGUI(t *testing.T) (*LocalGUI, *fakeExec) {
	t.Helper()
	fake := &fakeExec{fail: map[string]error{}, out: map[string][]byte{}}
	gui := NewLocalGUI(nil)
	gui.run = fake.run
	gui.tempDir = t.TempDir()
	return gui, fake
}

func TestLocalGUIClickChain(t *testing.T) {
	gui, fake := newLocalGUI(t)

	act := action.Click("", 2, action.ButtonRight, []string{"shift"})
	act.XY = &[2]int{5, 6}
	result, err := gui.Execute(context.Background(), act)
	require.NoError(t, err)
	assert.True(t, result.Success)

	require.Len(t, fake.calls, 1)
	assert.Equal(t, "xdotool", fake.calls[0].name)
	assert.Equal(t, []string{
		"mousemove", "5", "6",
		"keydown", "shift",
		"click", "--repeat", "2", "3",
		"keyup", "shift",
	}, fake.calls[0].args)
}

func TestLocalGUITypeSequence(t *testing.T) {
	gui, fake := newLocalGUI(t)

	act := action.TypeText("field", "hi there", true, true)
	act.XY = &[2]int{10, 11}
	result, err := gui.Execute(context.Background(), act)
	require.NoError(t, err)
	assert.True(t, result.Success)

	require.Len(t, fake.calls, 4)
	assert.Equal(t, []string{"mousemove", "10", "11", "click", "1"}, fake.calls[0].args)
	assert.Equal(t, []string{"key", "--clearmodifiers", "ctrl+a", "key", "BackSpace"}, fake.calls[1].args)
	assert.Equal(t, []string{"type", "--delay", "12", "--", "hi there"}, fake.calls[2].args)
	assert.Equal(t, []string{"key", "Return"}, fake.calls[3].args)
}

func TestLocalGUIScrollMapsButtons(t *testing.T) {
	gui, fake := newLocalGUI(t)

	up := action.Scroll("", -3, true)
	up.XY = &[2]int{100, 200}
	_, err := gui.Execute(context.Background(), up)
	require.NoError(t, err)

	right := action.Scroll("", 2, false)
	right.XY = &[2]int{100, 200}
	_, err = gui.Execute(context.Background(), right)
	require.NoError(t, err)

	require.Len(t, fake.calls, 2)
	assert.Equal(t, []string{"mousemove", "100", "200", "click", "--repeat", "3", "4"}, fake.calls[0].args)
	assert.Equal(t, []string{"mousemove", "100", "200", "click", "--repeat", "2", "7"}, fake.calls[1].args)
}

func TestLocalGUIHotkeyKeysyms(t *testing.T) {
	gui, fake := newLocalGUI(t)

	result, err := gui.Execute(context.Background(), action.Hotkey([]string{"ctrl", "enter"}))
	require.NoError(t, err)
	assert.True(t, result.Success)

	require.Len(t, fake.calls, 1)
	assert.Equal(t, []string{"key", "--clearmodifiers", "ctrl+Return"}, fake.calls[0].args)
}

func TestLocalGUIDragHoldsKeys(t *testing.T) {
	gui, fake := newLocalGUI(t)

	act := action.Drag("a", "b", []string{"ctrl"})
	act.Start = &[2]int{1, 2}
	act.End = &[2]int{3, 4}
	_, err := gui.Execute(context.Background(), act)
	require.NoError(t, err)

	require.Len(t, fake.calls, 1)
	assert.Equal(t, []string{
		"keydown", "ctrl",
		"mousemove", "1", "2",
		"mousedown", "1",
		"mousemove", "--sync", "3", "4",
		"mouseup", "1",
		"keyup", "ctrl",
	}, fake.calls[0].args)
}

func TestLocalGUIScreenshotFallsBackToImport(t *testing.T) {
	gui, fake := newLocalGUI(t)
	capture := testPNG(t, 8, 5)
	fake.fail["scrot"] = fmt.Errorf("scrot: command not found")
	fake.onRun = func(name string, args []string) {
		if name == "import" {
			require.NoError(t, os.WriteFile(args[len(args)-1], capture, 0o644))
		}
	}

	shot, err := gui.Screenshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 8, shot.Width)
	assert.Equal(t, 5, shot.Height)

	require.Len(t, fake.calls, 2)
	assert.Equal(t, "scrot", fake.calls[0].name)
	assert.Equal(t, "import", fake.calls[1].name)
	assert.Equal(t, []string{"-window", "root"}, fake.calls[1].args[:2])
}

func TestLocalGUISwitchAppFocusesMatchingWindow(t *testing.T) {
	gui, fake := newLocalGUI(t)
	fake.out["wmctrl"] = []byte("" +
		"0x03a00003  0 gnome-terminal.Gnome-terminal  host Terminal\n" +
		"0x04000007  0 navigator.Firefox  host Mozilla Firefox\n")

	result, err := gui.Execute(context.Background(), action.SwitchApp("firefox"))
	require.NoError(t, err)
	assert.True(t, result.Success)

	require.GreaterOrEqual(t, len(fake.calls), 2)
	assert.Equal(t, []string{"-lx"}, fake.calls[0].args)
	assert.Equal(t, []string{"-ia", "0x04000007"}, fake.calls[1].args)
}

func TestLocalGUICommandFailureIsLogical(t *testing.T) {
	gui, fake := newLocalGUI(t)
	fake.fail["xdotool"] = fmt.Errorf("exit status 1")

	act := action.Click("", 1, action.ButtonLeft, nil)
	act.XY = &[2]int{1, 1}
	result, err := gui.Execute(context.Background(), act)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "xdotool")
	assert.Contains(t, result.Error, "boom")
}

func TestLocalGUIIdentity(t *testing.T) {
	gui, _ := newLocalGUI(t)
	assert.Equal(t, NameLocalGUI, gui.Name())
	assert.Empty(t, gui.SandboxID())
	assert.NoError(t, gui.ReleaseSandbox(context.Background()))
}
