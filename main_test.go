package hypergate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axvmm/hypergate/config"
	"github.com/axvmm/hypergate/hvcall"
	"github.com/axvmm/hypergate/test"
)

func TestMain_AssemblesGate(t *testing.T) {
	l := test.NewLogger()
	c := config.NewC(l)
	require.NoError(t, c.LoadString(`
logging:
  level: debug
memory:
  arena_mb: 1
`))

	gate, directory, err := Main(c, true, "test", l)
	require.NoError(t, err)
	require.NotNil(t, gate)
	require.NotNil(t, directory)

	// The assembled gate serves a hypercall end to end.
	vm := newTestVM(1)
	vm.mem[0x1008] = 4096
	res := gate.Dispatch(&testVCpu{}, vm, uint64(hvcall.PublishChannel), [hvcall.NumArgs]uint64{0x1, 0x1000, 0x1008})
	assert.Equal(t, hvcall.OK, res)
}

func TestMain_RejectsBadConfig(t *testing.T) {
	l := test.NewLogger()

	c := config.NewC(l)
	require.NoError(t, c.LoadString(`
logging:
  level: bogus
`))
	_, _, err := Main(c, true, "test", l)
	assert.Error(t, err)

	c = config.NewC(l)
	require.NoError(t, c.LoadString(`
memory:
  arena_mb: -3
`))
	_, _, err = Main(c, true, "test", l)
	assert.Error(t, err)

	c = config.NewC(l)
	require.NoError(t, c.LoadString(`
stats:
  type: nonsense
  interval: 10s
`))
	_, _, err = Main(c, true, "test", l)
	assert.Error(t, err)
}
