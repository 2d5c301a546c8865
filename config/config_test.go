package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/axvmm/hypergate/test"
)

func TestConfig_Get(t *testing.T) {
	l := test.NewLogger()
	// test simple type
	c := NewC(l)
	c.Settings["memory"] = map[string]any{"arena_mb": "64"}
	assert.Equal(t, "64", c.Get("memory.arena_mb"))

	// test nested type
	inner := []map[string]any{{"id": "1", "key": "2"}}
	c.Settings["demo"] = map[string]any{"channels": inner}
	assert.EqualValues(t, inner, c.Get("demo.channels"))

	// test missing
	assert.Nil(t, c.Get("memory.nope"))
}

func TestConfig_GetBool(t *testing.T) {
	l := test.NewLogger()
	c := NewC(l)
	c.Settings["bool"] = true
	assert.Equal(t, true, c.GetBool("bool", false))

	c.Settings["bool"] = "false"
	assert.Equal(t, false, c.GetBool("bool", true))

	c.Settings["bool"] = "Y"
	assert.Equal(t, true, c.GetBool("bool", false))

	c.Settings["bool"] = "n"
	assert.Equal(t, false, c.GetBool("bool", true))

	c.Settings["bool"] = "garbage"
	assert.Equal(t, true, c.GetBool("bool", true))
}

func TestConfig_GetUint64(t *testing.T) {
	l := test.NewLogger()
	c := NewC(l)

	c.Settings["key"] = 16
	assert.Equal(t, uint64(16), c.GetUint64("key", 0))

	// addresses and channel keys are usually written in hex
	c.Settings["key"] = "0x40000000"
	assert.Equal(t, uint64(0x40000000), c.GetUint64("key", 0))

	c.Settings["key"] = "garbage"
	assert.Equal(t, uint64(7), c.GetUint64("key", 7))

	assert.Equal(t, uint64(42), c.GetUint64("missing", 42))
}

func TestConfig_GetDuration(t *testing.T) {
	l := test.NewLogger()
	c := NewC(l)
	c.Settings["interval"] = "10s"
	assert.Equal(t, 10*time.Second, c.GetDuration("interval", 0))

	c.Settings["interval"] = "nope"
	assert.Equal(t, time.Minute, c.GetDuration("interval", time.Minute))
}

func TestConfig_HasChanged(t *testing.T) {
	l := test.NewLogger()

	// No reload has occurred, return false
	c := NewC(l)
	c.Settings["test"] = "hi"
	assert.False(t, c.HasChanged(""))

	// Test key change
	c = NewC(l)
	c.Settings["test"] = "hi"
	c.oldSettings = map[string]any{"test": "no"}
	assert.True(t, c.HasChanged("test"))
	assert.True(t, c.HasChanged(""))

	// No change
	c = NewC(l)
	c.Settings["test"] = "hi"
	c.oldSettings = map[string]any{"test": "hi"}
	assert.False(t, c.HasChanged("test"))
	assert.False(t, c.HasChanged(""))
}

func TestConfig_ReloadCallback(t *testing.T) {
	l := test.NewLogger()
	c := NewC(l)
	assert.NoError(t, c.LoadString("memory:\n  arena_mb: 1"))

	fired := false
	c.RegisterReloadCallback(func(c *C) {
		fired = true
	})

	assert.NoError(t, c.ReloadConfigString("memory:\n  arena_mb: 2"))
	assert.True(t, fired)
	assert.Equal(t, 2, c.GetInt("memory.arena_mb", 0))
	assert.True(t, c.HasChanged("memory"))
}
