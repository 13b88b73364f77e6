package dns

import (
	"context"
	"errors"
	"net/netip"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/go-i2p/tunlock/lib/errors"
)

func stubResolvectl(t *testing.T, fail map[string]error) *[]string {
	t.Helper()
	orig := runResolvectl
	t.Cleanup(func() { runResolvectl = orig })

	var calls []string
	runResolvectl = func(_ context.Context, _ string, args ...string) ([]byte, error) {
		calls = append(calls, strings.Join(args, " "))
		if err := fail[args[0]]; err != nil {
			return []byte("Failed to set DNS configuration"), err
		}
		return nil, nil
	}
	return &calls
}

func servers() []netip.Addr {
	return []netip.Addr{netip.MustParseAddr("10.64.0.1"), netip.MustParseAddr("fc00::1")}
}

func TestSetAndReset(t *testing.T) {
	calls := stubResolvectl(t, nil)
	r := NewResolved("")

	require.NoError(t, r.Set("tl0", servers()))
	require.NoError(t, r.Reset())
	require.NoError(t, r.Reset())

	assert.Equal(t, []string{
		"dns tl0 10.64.0.1 fc00::1",
		"domain tl0 ~.",
		"default-route tl0 yes",
		"revert tl0",
	}, *calls)
}

func TestSetSwitchesInterface(t *testing.T) {
	calls := stubResolvectl(t, nil)
	r := NewResolved("")

	require.NoError(t, r.Set("tl0", servers()))
	require.NoError(t, r.Set("tl1", servers()[:1]))
	assert.Contains(t, *calls, "revert tl0")
	assert.Equal(t, "dns tl1 10.64.0.1", (*calls)[4])
}

func TestSetFailure(t *testing.T) {
	stubResolvectl(t, map[string]error{"dns": errors.New("exit status 1")})
	r := NewResolved("")

	err := r.Set("tl0", servers())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Failed to set DNS configuration")
}

func TestDefaultRouteIsOptional(t *testing.T) {
	stubResolvectl(t, map[string]error{"default-route": errors.New("unknown verb")})
	assert.NoError(t, NewResolved("").Set("tl0", servers()))
}

func TestSetValidatesInput(t *testing.T) {
	r := NewResolved("")
	assert.ErrorIs(t, r.Set("", servers()), apperrors.ErrInvalidInput)
	assert.ErrorIs(t, r.Set("tl0", nil), apperrors.ErrInvalidInput)
}
