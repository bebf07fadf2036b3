package backend

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"navi/internal/domain/action"
)

func newADB(t *testing.T, serial string) (*ADB, *fakeExec) {
	t.Helper()
	fake := &fakeExec{fail: map[string]error{}, out: map[string][]byte{}}
	adb := NewADB(serial, nil)
	adb.run = fake.run
	adb.capture = fake.run
	return adb, fake
}

func TestADBTapWithSerial(t *testing.T) {
	adb, fake := newADB(t, "emulator-5554")

	act := action.Click("", 2, action.ButtonLeft, nil)
	act.XY = &[2]int{30, 40}
	result, err := adb.Execute(context.Background(), act)
	require.NoError(t, err)
	assert.True(t, result.Success)

	require.Len(t, fake.calls, 2)
	for _, call := range fake.calls {
		assert.Equal(t, "adb", call.name)
		assert.Equal(t, []string{"-s", "emulator-5554", "shell", "input", "tap", "30", "40"}, call.args)
	}
}

func TestADBTypeOverwriteSequence(t *testing.T) {
	adb, fake := newADB(t, "")

	act := action.TypeText("", "hello world", true, true)
	result, err := adb.Execute(context.Background(), act)
	require.NoError(t, err)
	assert.True(t, result.Success)

	require.Len(t, fake.calls, 4)
	assert.Equal(t, []string{"shell", "input", "keycombination", "113", "29"}, fake.calls[0].args)
	assert.Equal(t, []string{"shell", "input", "keyevent", "67"}, fake.calls[1].args)
	assert.Equal(t, []string{"shell", "input", "text", "'hello%sworld'"}, fake.calls[2].args)
	assert.Equal(t, []string{"shell", "input", "keyevent", "66"}, fake.calls[3].args)
}

func TestADBScrollBecomesSwipe(t *testing.T) {
	adb, fake := newADB(t, "")

	act := action.Scroll("", 2, true)
	act.XY = &[2]int{200, 800}
	_, err := adb.Execute(context.Background(), act)
	require.NoError(t, err)

	require.Len(t, fake.calls, 1)
	assert.Equal(t, []string{"shell", "input", "swipe", "200", "800", "200", "200", "300"}, fake.calls[0].args)
}

func TestADBHotkeyCombination(t *testing.T) {
	adb, fake := newADB(t, "")

	result, err := adb.Execute(context.Background(), action.Hotkey([]string{"ctrl", "c"}))
	require.NoError(t, err)
	assert.True(t, result.Success)

	require.Len(t, fake.calls, 1)
	assert.Equal(t, []string{"shell", "input", "keycombination", "113", "31"}, fake.calls[0].args)
}

func TestADBSingleKeyUsesKeyevent(t *testing.T) {
	adb, fake := newADB(t, "")

	_, err := adb.Execute(context.Background(), action.Hotkey([]string{"back"}))
	require.NoError(t, err)
	require.Len(t, fake.calls, 1)
	assert.Equal(t, []string{"shell", "input", "keyevent", "4"}, fake.calls[0].args)
}

func TestADBUnknownKeyIsLogicalFailure(t *testing.T) {
	adb, fake := newADB(t, "")

	result, err := adb.Execute(context.Background(), action.Hotkey([]string{"hyper"}))
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "no Android keycode")
	assert.Empty(t, fake.calls)
}

func TestADBScreenshotUsesExecOut(t *testing.T) {
	adb, fake := newADB(t, "")
	fake.out["adb"] = testPNG(t, 6, 9)

	shot, err := adb.Screenshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 6, shot.Width)
	assert.Equal(t, 9, shot.Height)

	require.Len(t, fake.calls, 1)
	assert.Equal(t, []string{"exec-out", "screencap", "-p"}, fake.calls[0].args)
}

func TestADBOpenLaunchesPackage(t *testing.T) {
	adb, fake := newADB(t, "")

	result, err := adb.Execute(context.Background(), action.Open("com.android.chrome"))
	require.NoError(t, err)
	assert.True(t, result.Success)

	require.Len(t, fake.calls, 1)
	assert.Equal(t, []string{"shell", "monkey", "-p", "com.android.chrome", "-c", "android.intent.category.LAUNCHER", "1"}, fake.calls[0].args)
}

func TestADBEscapeText(t *testing.T) {
	assert.Equal(t, `'hello%sworld'\''s'`, escapeADBText("hello world's"))
	assert.Equal(t, `'plain'`, escapeADBText("plain"))
}

func TestADBIdentity(t *testing.T) {
	adb, _ := newADB(t, "emulator-5554")
	assert.Equal(t, NameADB, adb.Name())
	assert.Equal(t, "emulator-5554", adb.SandboxID())
	assert.NoError(t, adb.ReleaseSandbox(context.Background()))
}
